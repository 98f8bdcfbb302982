package receipts

import (
	"database/sql"
	"fmt"

	"github.com/satswap/swapcore/internal/config"
)

// New constructs a Store from a ReceiptsConfig, mirroring the teacher's
// storage.NewStoreWithDB backend-selection switch. Pass a non-nil sharedDB
// to reuse an existing Postgres connection pool (e.g. internal/dbpool)
// instead of opening a dedicated one.
func New(cfg config.ReceiptsConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath)
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown receipts backend: %s", cfg.Backend)
	}
}
