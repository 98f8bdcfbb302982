package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB, mirroring the teacher's
// storage.MongoDBStore: a trades collection keyed by trade_id (_id) and an
// events collection keyed by trade_id with a ts index.
type MongoDBStore struct {
	client *mongo.Client
	trades *mongo.Collection
	events *mongo.Collection
}

// mongoRecord is the document shape for the trades collection: the JSON
// body blobs are stored as raw bson.Raw so arbitrary kind-specific fields
// round-trip without a fixed schema per body kind.
type mongoRecord struct {
	ID              string `bson:"_id"`
	SchemaVersion   int64  `bson:"schema_version"`
	State           string `bson:"state"`
	Role            string `bson:"role"`
	Terms           bson.M `bson:"terms,omitempty"`
	TermsHash       string `bson:"terms_hash"`
	Invoice         bson.M `bson:"invoice,omitempty"`
	Escrow          bson.M `bson:"escrow,omitempty"`
	PaymentHashHex  string `bson:"payment_hash_hex"`
	EscrowPDA       string `bson:"escrow_pda"`
	Mint            string `bson:"mint"`
	Recipient       string `bson:"recipient"`
	Refund          string `bson:"refund"`
	RefundAfterUnix int64  `bson:"refund_after_unix"`
	Preimage        string `bson:"preimage"`
	LastKind        string `bson:"last_kind"`
	LastTS          int64  `bson:"last_ts"`
	LastSigner      string `bson:"last_signer"`
	AcceptedAt      *int64 `bson:"accepted_at,omitempty"`
	CanceledReason  string `bson:"canceled_reason"`
	LastError       string `bson:"last_error"`
	CreatedAtUnixMs int64  `bson:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `bson:"updated_at_unix_ms"`
}

type mongoEvent struct {
	TradeID string `bson:"trade_id"`
	TS      int64  `bson:"ts"`
	Kind    string `bson:"kind"`
	Payload bson.M `bson:"payload,omitempty"`
}

// NewMongoDBStore connects to MongoDB and ensures indexes exist.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoDBStore{
		client: client,
		trades: db.Collection("trades"),
		events: db.Collection("events"),
	}
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.trades.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "payment_hash_hex", Value: 1}}, Options: options.Index().SetSparse(true).SetUnique(true)},
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at_unix_ms", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create trades indexes: %w", err)
	}
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "trade_id", Value: 1}, {Key: "ts", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create events indexes: %w", err)
	}
	return nil
}

func bsonOfJSON(b []byte) (bson.M, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m bson.M
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode json payload: %w", err)
	}
	return m, nil
}

func jsonOfBSON(m bson.M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func toMongoRecord(r Record) (mongoRecord, error) {
	terms, err := bsonOfJSON(r.TermsJSON)
	if err != nil {
		return mongoRecord{}, err
	}
	invoice, err := bsonOfJSON(r.InvoiceJSON)
	if err != nil {
		return mongoRecord{}, err
	}
	escrow, err := bsonOfJSON(r.EscrowJSON)
	if err != nil {
		return mongoRecord{}, err
	}
	return mongoRecord{
		ID: r.TradeID, SchemaVersion: r.SchemaVersion, State: r.State, Role: r.Role,
		Terms: terms, TermsHash: r.TermsHash, Invoice: invoice, Escrow: escrow,
		PaymentHashHex: r.PaymentHashHex, EscrowPDA: r.EscrowPDA, Mint: r.Mint,
		Recipient: r.Recipient, Refund: r.Refund, RefundAfterUnix: r.RefundAfterUnix,
		Preimage: r.Preimage, LastKind: r.LastKind, LastTS: r.LastTS, LastSigner: r.LastSigner,
		AcceptedAt: r.AcceptedAt, CanceledReason: r.CanceledReason, LastError: r.LastError,
		CreatedAtUnixMs: r.CreatedAtUnixMs, UpdatedAtUnixMs: r.UpdatedAtUnixMs,
	}, nil
}

func fromMongoRecord(mr mongoRecord) (Record, error) {
	terms, err := jsonOfBSON(mr.Terms)
	if err != nil {
		return Record{}, err
	}
	invoice, err := jsonOfBSON(mr.Invoice)
	if err != nil {
		return Record{}, err
	}
	escrow, err := jsonOfBSON(mr.Escrow)
	if err != nil {
		return Record{}, err
	}
	return Record{
		TradeID: mr.ID, SchemaVersion: mr.SchemaVersion, State: mr.State, Role: mr.Role,
		TermsJSON: terms, TermsHash: mr.TermsHash, InvoiceJSON: invoice, EscrowJSON: escrow,
		PaymentHashHex: mr.PaymentHashHex, EscrowPDA: mr.EscrowPDA, Mint: mr.Mint,
		Recipient: mr.Recipient, Refund: mr.Refund, RefundAfterUnix: mr.RefundAfterUnix,
		Preimage: mr.Preimage, LastKind: mr.LastKind, LastTS: mr.LastTS, LastSigner: mr.LastSigner,
		AcceptedAt: mr.AcceptedAt, CanceledReason: mr.CanceledReason, LastError: mr.LastError,
		CreatedAtUnixMs: mr.CreatedAtUnixMs, UpdatedAtUnixMs: mr.UpdatedAtUnixMs,
	}, nil
}

func (s *MongoDBStore) UpsertTrade(ctx context.Context, tradeID string, patch Patch) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
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

	mr, err := toMongoRecord(existing)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": tradeID}
	update := bson.M{"$set": mr}
	opts := options.Update().SetUpsert(true)
	_, err = s.trades.UpdateOne(ctx, filter, update, opts)
	return err
}

func (s *MongoDBStore) AppendEvent(ctx context.Context, tradeID string, kind string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	payloadBSON, err := bsonOfJSON(payload)
	if err != nil {
		return err
	}
	_, err = s.events.InsertOne(ctx, mongoEvent{
		TradeID: tradeID, TS: time.Now().UnixMilli(), Kind: kind, Payload: payloadBSON,
	})
	return err
}

func (s *MongoDBStore) GetTrade(ctx context.Context, tradeID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var mr mongoRecord
	err := s.trades.FindOne(ctx, bson.M{"_id": tradeID}).Decode(&mr)
	if err == mongo.ErrNoDocuments {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromMongoRecord(mr)
}

func (s *MongoDBStore) GetByPaymentHash(ctx context.Context, paymentHashHex string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var mr mongoRecord
	err := s.trades.FindOne(ctx, bson.M{"payment_hash_hex": paymentHashHex}).Decode(&mr)
	if err == mongo.ErrNoDocuments {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromMongoRecord(mr)
}

func (s *MongoDBStore) queryRecords(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]Record, error) {
	cur, err := s.trades.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var mr mongoRecord
		if err := cur.Decode(&mr); err != nil {
			return nil, err
		}
		r, err := fromMongoRecord(mr)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *MongoDBStore) ListTrades(ctx context.Context, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at_unix_ms", Value: -1}}).SetLimit(int64(limit))
	return s.queryRecords(ctx, bson.M{}, opts)
}

func (s *MongoDBStore) ListOpenClaims(ctx context.Context, nowUnixMs int64) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	return s.queryRecords(ctx, bson.M{"state": "ln_paid", "payment_hash_hex": bson.M{"$ne": ""}})
}

func (s *MongoDBStore) ListOpenRefunds(ctx context.Context, nowUnixMs int64) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	filter := bson.M{
		"state":             bson.M{"$nin": []string{"claimed", "refunded", "canceled"}},
		"refund_after_unix": bson.M{"$gt": 0},
		"$expr":             bson.M{"$lte": []any{bson.M{"$multiply": []any{"$refund_after_unix", 1000}}, nowUnixMs}},
	}
	return s.queryRecords(ctx, filter)
}

func (s *MongoDBStore) GetEvents(ctx context.Context, tradeID string) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"trade_id": tradeID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Event
	for cur.Next(ctx) {
		var me mongoEvent
		if err := cur.Decode(&me); err != nil {
			return nil, err
		}
		payload, err := jsonOfBSON(me.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Event{TradeID: me.TradeID, TS: me.TS, Kind: me.Kind, Payload: payload})
	}
	return out, cur.Err()
}

func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
