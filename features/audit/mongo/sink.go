// Package mongo implements the turn audit sink on MongoDB. Records are
// write-once per turn ID: SaveTurn is a pure $setOnInsert upsert so commit
// retries and races never overwrite an existing record.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/turn"
)

const (
	defaultCollection = "fabric_turns"
	defaultOpTimeout  = 5 * time.Second
	auditClientName   = "audit-mongo"
)

type (
	// Options configures the Mongo audit sink.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the turn record collection name.
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Sink implements audit.Sink on a Mongo collection. It also implements
	// health.Pinger so services can surface storage health.
	Sink struct {
		mongo   *mongodriver.Client
		turns   *mongodriver.Collection
		timeout time.Duration
	}

	turnDocument struct {
		TurnID           string               `bson:"turn_id"`
		GroupID          string               `bson:"group_id"`
		SessionKey       string               `bson:"session_key"`
		Status           string               `bson:"status"`
		CompletionReason string               `bson:"completion_reason,omitempty"`
		MessageIDs       []string             `bson:"message_ids"`
		ResponseSegments []string             `bson:"response_segments,omitempty"`
		SideEffects      []sideEffectDocument `bson:"side_effects,omitempty"`
		SupersededBy     string               `bson:"superseded_by,omitempty"`
		SupersededFrom   string               `bson:"superseded_from,omitempty"`
		InterruptPoint   string               `bson:"interrupt_point,omitempty"`
		MutexFence       int64                `bson:"mutex_fence"`
		StartedAt        time.Time            `bson:"started_at"`
		CompletedAt      time.Time            `bson:"completed_at"`
	}

	sideEffectDocument struct {
		EffectType     string         `bson:"effect_type"`
		Policy         string         `bson:"policy"`
		ExecutedAt     time.Time      `bson:"executed_at"`
		ToolName       string         `bson:"tool_name,omitempty"`
		IdempotencyKey string         `bson:"idempotency_key,omitempty"`
		Details        map[string]any `bson:"details,omitempty"`
	}
)

var _ health.Pinger = (*Sink)(nil)

// New returns a Mongo-backed sink and ensures its indexes.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	s := &Sink{mongo: opts.Client, turns: coll, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("audit mongo indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string {
	return auditClientName
}

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// SaveTurn persists the record unless one already exists for its TurnID.
func (s *Sink) SaveTurn(ctx context.Context, rec *audit.Record) error {
	if rec == nil || rec.TurnID == "" {
		return errors.New("turn record with turn id is required")
	}
	doc := fromRecord(rec)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"turn_id": doc.TurnID}
	// Pure $setOnInsert keeps saves idempotent: a retried commit can never
	// mutate the record its first attempt wrote.
	update := bson.M{"$setOnInsert": doc}
	_, err := s.turns.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadTurn returns the record for the turn, or audit.ErrNotFound.
func (s *Sink) LoadTurn(ctx context.Context, turnID string) (*audit.Record, error) {
	if turnID == "" {
		return nil, errors.New("turn id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc turnDocument
	if err := s.turns.FindOne(ctx, bson.M{"turn_id": turnID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, audit.ErrNotFound
		}
		return nil, err
	}
	return toRecord(doc), nil
}

// ListSession returns the session's records newest first, up to limit.
func (s *Sink) ListSession(ctx context.Context, key session.Key, limit int) ([]*audit.Record, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.turns.Find(ctx, bson.M{"session_key": string(key)},
		options.Find().
			SetSort(bson.D{{Key: "completed_at", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*audit.Record
	for cur.Next(ctx) {
		var doc turnDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, toRecord(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Sink) ensureIndexes(ctx context.Context) error {
	turnIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "turn_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.turns.Indexes().CreateOne(ctx, turnIndex); err != nil {
		return err
	}
	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_key", Value: 1},
			{Key: "completed_at", Value: -1},
		},
	}
	_, err := s.turns.Indexes().CreateOne(ctx, sessionIndex)
	return err
}

func fromRecord(rec *audit.Record) turnDocument {
	effects := make([]sideEffectDocument, 0, len(rec.SideEffects))
	for _, e := range rec.SideEffects {
		effects = append(effects, sideEffectDocument{
			EffectType:     e.EffectType,
			Policy:         string(e.Policy),
			ExecutedAt:     e.ExecutedAt.UTC(),
			ToolName:       e.ToolName,
			IdempotencyKey: e.IdempotencyKey,
			Details:        e.Details,
		})
	}
	return turnDocument{
		TurnID:           rec.TurnID,
		GroupID:          rec.GroupID,
		SessionKey:       string(rec.SessionKey),
		Status:           string(rec.Status),
		CompletionReason: rec.CompletionReason,
		MessageIDs:       rec.MessageIDs,
		ResponseSegments: rec.ResponseSegments,
		SideEffects:      effects,
		SupersededBy:     rec.SupersededBy,
		SupersededFrom:   rec.SupersededFrom,
		InterruptPoint:   rec.InterruptPoint,
		MutexFence:       int64(rec.MutexFence),
		StartedAt:        rec.StartedAt.UTC(),
		CompletedAt:      rec.CompletedAt.UTC(),
	}
}

func toRecord(doc turnDocument) *audit.Record {
	effects := make([]turn.SideEffect, 0, len(doc.SideEffects))
	for _, e := range doc.SideEffects {
		effects = append(effects, turn.SideEffect{
			EffectType:     e.EffectType,
			Policy:         turn.Policy(e.Policy),
			ExecutedAt:     e.ExecutedAt,
			ToolName:       e.ToolName,
			IdempotencyKey: e.IdempotencyKey,
			Details:        e.Details,
		})
	}
	return &audit.Record{
		TurnID:           doc.TurnID,
		GroupID:          doc.GroupID,
		SessionKey:       session.Key(doc.SessionKey),
		Status:           turn.Status(doc.Status),
		CompletionReason: doc.CompletionReason,
		MessageIDs:       doc.MessageIDs,
		ResponseSegments: doc.ResponseSegments,
		SideEffects:      effects,
		SupersededBy:     doc.SupersededBy,
		SupersededFrom:   doc.SupersededFrom,
		InterruptPoint:   doc.InterruptPoint,
		MutexFence:       uint64(doc.MutexFence),
		StartedAt:        doc.StartedAt,
		CompletedAt:      doc.CompletedAt,
	}
}
