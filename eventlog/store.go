package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"deepresearch/ids"
)

// QueryFilters narrows a Store.Query call. Zero-valued fields are not
// applied as filters.
type QueryFilters struct {
	SessionID  string
	EventTypes []EventType
	From, To   time.Time
	IDs        []string
	HasError   *bool
	Limit      int
	Offset     int
	Descending bool
}

// ErrAppendFailed wraps a Store.Append failure. Append failures are fatal to
// the calling operation: the kernel refuses to silently drop its audit
// trail.
var ErrAppendFailed = errors.New("eventlog: append failed")

// Store is the Log Store contract: an append-only sink plus two read paths.
// Append publishes the entry on the Bus as part of the same atomic operation
// from the caller's point of view (see Bus).
type Store interface {
	// Append persists entry, assigning ID and Timestamp when unset, then
	// publishes it on the Bus. Returns the persisted entry.
	Append(ctx context.Context, entry LogEntry) (LogEntry, error)
	// FindBySession returns every entry for sessionID in append order.
	FindBySession(ctx context.Context, sessionID string) ([]LogEntry, error)
	// Query returns entries matching filters, ordered by Timestamp (ascending
	// unless filters.Descending).
	Query(ctx context.Context, filters QueryFilters) ([]LogEntry, error)
}

// memoryStore is the default, single-process reference Store. It is the
// backend used by tests and demos; MongoStore (package eventlog/mongostore)
// is the durable alternative behind the same interface.
type memoryStore struct {
	bus Bus

	mu      sync.Mutex
	entries []LogEntry
	seq     int64
}

// NewMemoryStore constructs an in-memory Store backed by bus. Pass the same
// Bus to every component in a process so subscribers observe a single,
// consistent stream.
func NewMemoryStore(bus Bus) Store {
	return &memoryStore{bus: bus}
}

func (s *memoryStore) Append(ctx context.Context, entry LogEntry) (LogEntry, error) {
	if entry.SessionID == "" {
		return LogEntry{}, errAppend("sessionID is required")
	}
	s.mu.Lock()
	if entry.ID == "" {
		entry.ID = ids.LogEntry()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.seq++
	s.entries = append(s.entries, entry)
	if s.bus != nil {
		s.bus.Publish(ctx, entry)
	}
	s.mu.Unlock()
	return entry, nil
}

func (s *memoryStore) FindBySession(_ context.Context, sessionID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) Query(_ context.Context, f QueryFilters) ([]LogEntry, error) {
	s.mu.Lock()
	snapshot := make([]LogEntry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	out := make([]LogEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if f.Descending {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Offset > 0 && f.Offset < len(out) {
		out = out[f.Offset:]
	} else if f.Offset >= len(out) {
		out = nil
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e LogEntry, f QueryFilters) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.EventType) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if f.HasError != nil && e.HasError() != *f.HasError {
		return false
	}
	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func errAppend(msg string) error {
	return fmt.Errorf("eventlog: %s: %w", msg, ErrAppendFailed)
}
