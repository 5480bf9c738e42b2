// Package mongostore provides a MongoDB-backed implementation of
// eventlog.Store, for deployments that need the audit trail to survive a
// process restart. It satisfies the exact same contract as the in-memory
// store; only the durable side is swapped, the Bus itself always stays
// in-process.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"deepresearch/eventlog"
	"deepresearch/ids"
)

const (
	defaultCollection = "log_entries"
	defaultOpTimeout  = 5 * time.Second
)

// document is the BSON shape persisted for each LogEntry.
type document struct {
	ID        string         `bson:"_id"`
	SessionID string         `bson:"session_id"`
	Timestamp time.Time      `bson:"timestamp"`
	EventType string         `bson:"event_type"`
	PlanID    string         `bson:"plan_id,omitempty"`
	PhaseID   string         `bson:"phase_id,omitempty"`
	StepID    string         `bson:"step_id,omitempty"`
	Data      map[string]any `bson:"data,omitempty"`
	Seq       int64          `bson:"seq"`
}

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	Bus        eventlog.Bus
}

// Store implements eventlog.Store against a MongoDB collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
	bus     eventlog.Bus
	seq     atomicCounter
}

// New constructs a Store, ensuring the indexes Query relies on exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
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

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout, bus: opts.Bus}, nil
}

func (s *Store) Append(ctx context.Context, entry eventlog.LogEntry) (eventlog.LogEntry, error) {
	if entry.SessionID == "" {
		return eventlog.LogEntry{}, errors.New("mongostore: sessionID is required")
	}
	if entry.ID == "" {
		entry.ID = ids.LogEntry()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	seq := s.seq.next()

	octx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(octx, document{
		ID:        entry.ID,
		SessionID: entry.SessionID,
		Timestamp: entry.Timestamp,
		EventType: string(entry.EventType),
		PlanID:    entry.PlanID,
		PhaseID:   entry.PhaseID,
		StepID:    entry.StepID,
		Data:      entry.Data,
		Seq:       seq,
	})
	if err != nil {
		return eventlog.LogEntry{}, err
	}
	if s.bus != nil {
		s.bus.Publish(ctx, entry)
	}
	return entry, nil
}

func (s *Store) FindBySession(ctx context.Context, sessionID string) ([]eventlog.LogEntry, error) {
	return s.Query(ctx, eventlog.QueryFilters{SessionID: sessionID})
}

func (s *Store) Query(ctx context.Context, f eventlog.QueryFilters) ([]eventlog.LogEntry, error) {
	filter := bson.M{}
	if f.SessionID != "" {
		filter["session_id"] = f.SessionID
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		filter["event_type"] = bson.M{"$in": types}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := bson.M{}
		if !f.From.IsZero() {
			rng["$gte"] = f.From
		}
		if !f.To.IsZero() {
			rng["$lte"] = f.To
		}
		filter["timestamp"] = rng
	}
	if len(f.IDs) > 0 {
		filter["_id"] = bson.M{"$in": f.IDs}
	}
	if f.HasError != nil {
		if *f.HasError {
			filter["data.error"] = bson.M{"$exists": true}
		} else {
			filter["data.error"] = bson.M{"$exists": false}
		}
	}

	sortDir := 1
	if f.Descending {
		sortDir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: sortDir}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(qctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(qctx)

	var out []eventlog.LogEntry
	for cur.Next(qctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, eventlog.LogEntry{
			ID:        d.ID,
			SessionID: d.SessionID,
			Timestamp: d.Timestamp,
			EventType: eventlog.EventType(d.EventType),
			PlanID:    d.PlanID,
			PhaseID:   d.PhaseID,
			StepID:    d.StepID,
			Data:      d.Data,
		})
	}
	return out, cur.Err()
}
