package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/satswap/swapcore/internal/config"
	"github.com/satswap/swapcore/internal/metrics"
)

const defaultQueryTimeout = 5 * time.Second

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// PostgresStore implements Store using PostgreSQL, mirroring the teacher's
// storage.PostgresStore: a `trades` row keyed by trade_id, an `events` log
// keyed by (trade_id, ts), and an index on payment_hash_hex for the
// get_by_payment_hash lookup spec §6 requires to be efficient.
type PostgresStore struct {
	db          *sql.DB
	ownsDB      bool
	tradesTable string
	eventsTable string
	metrics     *metrics.Metrics
}

// WithMetrics attaches a metrics collector so every query lands in the
// receipts DB duration histogram. Safe to skip; all instrumentation is a
// no-op on a nil collector.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// NewPostgresStore opens a new connection pool and creates the schema.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	s := &PostgresStore{db: db, ownsDB: true, tradesTable: "trades", eventsTable: "events"}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB reuses an existing shared pool (e.g. internal/dbpool)
// instead of opening a dedicated connection.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, ownsDB: false, tradesTable: "trades", eventsTable: "events"}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			trade_id TEXT PRIMARY KEY,
			schema_version BIGINT NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			terms JSONB,
			terms_hash TEXT NOT NULL DEFAULT '',
			invoice JSONB,
			escrow JSONB,
			payment_hash_hex TEXT NOT NULL DEFAULT '',
			escrow_pda TEXT NOT NULL DEFAULT '',
			mint TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			refund TEXT NOT NULL DEFAULT '',
			refund_after_unix BIGINT NOT NULL DEFAULT 0,
			preimage TEXT NOT NULL DEFAULT '',
			last_kind TEXT NOT NULL DEFAULT '',
			last_ts BIGINT NOT NULL DEFAULT 0,
			last_signer TEXT NOT NULL DEFAULT '',
			accepted_at BIGINT,
			canceled_reason TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at_unix_ms BIGINT NOT NULL,
			updated_at_unix_ms BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			trade_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_payment_hash ON %s(payment_hash_hex) WHERE payment_hash_hex != '';
		CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state);
		CREATE INDEX IF NOT EXISTS idx_%s_trade ON %s(trade_id, ts);
	`, s.tradesTable, s.eventsTable,
		s.tradesTable, s.tradesTable,
		s.tradesTable, s.tradesTable,
		s.eventsTable, s.eventsTable)

	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) UpsertTrade(ctx context.Context, tradeID string, patch Patch) error {
	defer metrics.MeasureDBQuery(s.metrics, "upsert_trade", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	existing, err := s.GetTrade(ctx, tradeID)
	now := time.Now().UnixMilli()
	if err == ErrNotFound {
		existing = Record{TradeID: tradeID, CreatedAtUnixMs: now}
	} else if err != nil {
		return err
	}
	applyPatch(&existing, patch)
	existing.UpdatedAtUnixMs = now

	termsJSON, err := marshalOrNil(existing.TermsJSON)
	if err != nil {
		return err
	}
	invoiceJSON, err := marshalOrNil(existing.InvoiceJSON)
	if err != nil {
		return err
	}
	escrowJSON, err := marshalOrNil(existing.EscrowJSON)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (trade_id, schema_version, state, role, terms, terms_hash, invoice, escrow,
			payment_hash_hex, escrow_pda, mint, recipient, refund, refund_after_unix, preimage,
			last_kind, last_ts, last_signer, accepted_at, canceled_reason, last_error,
			created_at_unix_ms, updated_at_unix_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (trade_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			state = EXCLUDED.state,
			role = EXCLUDED.role,
			terms = EXCLUDED.terms,
			terms_hash = EXCLUDED.terms_hash,
			invoice = EXCLUDED.invoice,
			escrow = EXCLUDED.escrow,
			payment_hash_hex = EXCLUDED.payment_hash_hex,
			escrow_pda = EXCLUDED.escrow_pda,
			mint = EXCLUDED.mint,
			recipient = EXCLUDED.recipient,
			refund = EXCLUDED.refund,
			refund_after_unix = EXCLUDED.refund_after_unix,
			preimage = EXCLUDED.preimage,
			last_kind = EXCLUDED.last_kind,
			last_ts = EXCLUDED.last_ts,
			last_signer = EXCLUDED.last_signer,
			accepted_at = EXCLUDED.accepted_at,
			canceled_reason = EXCLUDED.canceled_reason,
			last_error = EXCLUDED.last_error,
			updated_at_unix_ms = EXCLUDED.updated_at_unix_ms
	`, s.tradesTable)

	_, err = s.db.ExecContext(ctx, query,
		existing.TradeID, existing.SchemaVersion, existing.State, existing.Role, termsJSON, existing.TermsHash,
		invoiceJSON, escrowJSON, existing.PaymentHashHex, existing.EscrowPDA, existing.Mint, existing.Recipient,
		existing.Refund, existing.RefundAfterUnix, existing.Preimage, existing.LastKind, existing.LastTS,
		existing.LastSigner, existing.AcceptedAt, existing.CanceledReason, existing.LastError,
		existing.CreatedAtUnixMs, existing.UpdatedAtUnixMs)
	return err
}

func marshalOrNil(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	// Already-canonical JSON bytes; re-marshal guards against non-JSON blobs
	// slipping in (defensive only for the driver's JSONB encoding).
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("payload is not valid json: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, tradeID string, kind string, payload []byte) error {
	defer metrics.MeasureDBQuery(s.metrics, "append_event", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	payloadJSON, err := marshalOrNil(payload)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (trade_id, ts, kind, payload) VALUES ($1,$2,$3,$4)`, s.eventsTable)
	_, err = s.db.ExecContext(ctx, query, tradeID, time.Now().UnixMilli(), kind, payloadJSON)
	return err
}

func (s *PostgresStore) scanRow(row *sql.Row) (Record, error) {
	var r Record
	var terms, invoice, escrow []byte
	var acceptedAt sql.NullInt64

	err := row.Scan(&r.TradeID, &r.SchemaVersion, &r.State, &r.Role, &terms, &r.TermsHash, &invoice, &escrow,
		&r.PaymentHashHex, &r.EscrowPDA, &r.Mint, &r.Recipient, &r.Refund, &r.RefundAfterUnix, &r.Preimage,
		&r.LastKind, &r.LastTS, &r.LastSigner, &acceptedAt, &r.CanceledReason, &r.LastError,
		&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	r.TermsJSON = terms
	r.InvoiceJSON = invoice
	r.EscrowJSON = escrow
	if acceptedAt.Valid {
		v := acceptedAt.Int64
		r.AcceptedAt = &v
	}
	return r, nil
}

const selectColumns = `trade_id, schema_version, state, role, terms, terms_hash, invoice, escrow,
	payment_hash_hex, escrow_pda, mint, recipient, refund, refund_after_unix, preimage,
	last_kind, last_ts, last_signer, accepted_at, canceled_reason, last_error,
	created_at_unix_ms, updated_at_unix_ms`

func (s *PostgresStore) GetTrade(ctx context.Context, tradeID string) (Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_trade", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE trade_id = $1`, selectColumns, s.tradesTable)
	return s.scanRow(s.db.QueryRowContext(ctx, query, tradeID))
}

func (s *PostgresStore) GetByPaymentHash(ctx context.Context, paymentHashHex string) (Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_by_payment_hash", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE payment_hash_hex = $1`, selectColumns, s.tradesTable)
	return s.scanRow(s.db.QueryRowContext(ctx, query, paymentHashHex))
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var terms, invoice, escrow []byte
		var acceptedAt sql.NullInt64
		if err := rows.Scan(&r.TradeID, &r.SchemaVersion, &r.State, &r.Role, &terms, &r.TermsHash, &invoice, &escrow,
			&r.PaymentHashHex, &r.EscrowPDA, &r.Mint, &r.Recipient, &r.Refund, &r.RefundAfterUnix, &r.Preimage,
			&r.LastKind, &r.LastTS, &r.LastSigner, &acceptedAt, &r.CanceledReason, &r.LastError,
			&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		r.TermsJSON = terms
		r.InvoiceJSON = invoice
		r.EscrowJSON = escrow
		if acceptedAt.Valid {
			v := acceptedAt.Int64
			r.AcceptedAt = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_trades", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY updated_at_unix_ms DESC LIMIT $1`, selectColumns, s.tradesTable)
	return s.queryRecords(ctx, query, limit)
}

func (s *PostgresStore) ListOpenClaims(ctx context.Context, nowUnixMs int64) ([]Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_open_claims", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = 'ln_paid' AND payment_hash_hex != ''`, selectColumns, s.tradesTable)
	return s.queryRecords(ctx, query)
}

func (s *PostgresStore) ListOpenRefunds(ctx context.Context, nowUnixMs int64) ([]Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_open_refunds", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state NOT IN ('claimed', 'refunded', 'canceled')
		AND refund_after_unix > 0 AND refund_after_unix * 1000 <= $1
	`, selectColumns, s.tradesTable)
	return s.queryRecords(ctx, query, nowUnixMs)
}

func (s *PostgresStore) GetEvents(ctx context.Context, tradeID string) ([]Event, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_events", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT trade_id, ts, kind, payload FROM %s WHERE trade_id = $1 ORDER BY ts ASC`, s.eventsTable)
	rows, err := s.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.TradeID, &e.TS, &e.Kind, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
