package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// scratchSnapshot is the JSON shape mirrored to Redis: the session id,
// query, current phase, sub-goals, identified gaps, scratch pad and thought
// chain; the other WorkingMemory fields are not mirrored. Working Memory is
// never reconstructed from Redis, it is a read-only observability mirror.
type scratchSnapshot struct {
	SessionID    string         `json:"sessionId"`
	Query        string         `json:"query"`
	CurrentPhase string         `json:"currentPhase"`
	SubGoals     []string       `json:"subGoals"`
	Gaps         []string       `json:"identifiedGaps"`
	ScratchPad   map[string]any `json:"scratchPad"`
	ThoughtChain []string       `json:"thoughtChain"`
}

// RedisMirror wraps a Manager, additionally writing a read-only JSON
// snapshot of the session to Redis after every mutation made through its
// Store methods or its *Mirrored methods; the promoted Manager mutators
// AddGatheredInfo, AddGap and AddThought do not refresh it. It is never the
// system of record: a lookup miss or a Redis error never fails the calling
// operation, consistent with Working Memory's non-durable contract.
type RedisMirror struct {
	*Manager
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisMirror constructs a RedisMirror. ttl bounds how long a session's
// mirrored snapshot survives in Redis and should match the session's
// expected maximum lifetime.
func NewRedisMirror(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "deepresearch:workingmemory:"
	}
	return &RedisMirror{Manager: NewManager(), client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisMirror) key(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisMirror) mirror(ctx context.Context, sessionID string) {
	wm := r.Snapshot(sessionID)
	if wm == nil {
		return
	}
	snap := scratchSnapshot{
		SessionID:    wm.SessionID,
		Query:        wm.Query,
		CurrentPhase: wm.CurrentPhase,
		SubGoals:     wm.SubGoals,
		Gaps:         wm.IdentifiedGaps,
		ScratchPad:   wm.ScratchPad,
		ThoughtChain: wm.ThoughtChain,
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	r.client.Set(ctx, r.key(sessionID), payload, r.ttl)
}

// Initialize satisfies Store by delegating to Manager.Initialize and
// mirroring the result with a background context, so RedisMirror can be
// used anywhere a Store is expected.
func (r *RedisMirror) Initialize(sessionID, query string) *WorkingMemory {
	return r.InitializeMirrored(context.Background(), sessionID, query)
}

// UpdatePhase satisfies Store. See Initialize.
func (r *RedisMirror) UpdatePhase(sessionID, name string, order int) {
	r.UpdatePhaseMirrored(context.Background(), sessionID, name, order)
}

// AddSubGoal satisfies Store. See Initialize.
func (r *RedisMirror) AddSubGoal(sessionID, goal string) {
	r.AddSubGoalMirrored(context.Background(), sessionID, goal)
}

// SetScratchPadValue satisfies Store. See Initialize.
func (r *RedisMirror) SetScratchPadValue(sessionID, key string, value any) {
	r.SetScratchPadValueMirrored(context.Background(), sessionID, key, value)
}

// Cleanup satisfies Store. See Initialize.
func (r *RedisMirror) Cleanup(sessionID string) {
	r.CleanupMirrored(context.Background(), sessionID)
}

// InitializeMirrored is Manager.Initialize plus an immediate Redis snapshot.
func (r *RedisMirror) InitializeMirrored(ctx context.Context, sessionID, query string) *WorkingMemory {
	wm := r.Manager.Initialize(sessionID, query)
	r.mirror(ctx, sessionID)
	return wm
}

// UpdatePhaseMirrored is Manager.UpdatePhase plus a mirror refresh.
func (r *RedisMirror) UpdatePhaseMirrored(ctx context.Context, sessionID, name string, order int) {
	r.Manager.UpdatePhase(sessionID, name, order)
	r.mirror(ctx, sessionID)
}

// AddSubGoalMirrored is Manager.AddSubGoal plus a mirror refresh.
func (r *RedisMirror) AddSubGoalMirrored(ctx context.Context, sessionID, goal string) {
	r.Manager.AddSubGoal(sessionID, goal)
	r.mirror(ctx, sessionID)
}

// AddGapMirrored is Manager.AddGap plus a mirror refresh.
func (r *RedisMirror) AddGapMirrored(ctx context.Context, sessionID, gap string) {
	r.Manager.AddGap(sessionID, gap)
	r.mirror(ctx, sessionID)
}

// SetScratchPadValueMirrored is Manager.SetScratchPadValue plus a mirror
// refresh.
func (r *RedisMirror) SetScratchPadValueMirrored(ctx context.Context, sessionID, key string, value any) {
	r.Manager.SetScratchPadValue(sessionID, key, value)
	r.mirror(ctx, sessionID)
}

// ReadMirrored fetches the last mirrored snapshot directly from Redis,
// bypassing the local Manager. Intended for a second process observing
// in-flight scratch state; returns (nil, nil) on a cache miss.
func (r *RedisMirror) ReadMirrored(ctx context.Context, sessionID string) (*scratchSnapshot, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap scratchSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CleanupMirrored deletes both the local session state and its Redis
// snapshot.
func (r *RedisMirror) CleanupMirrored(ctx context.Context, sessionID string) {
	r.Manager.Cleanup(sessionID)
	r.client.Del(ctx, r.key(sessionID))
}
