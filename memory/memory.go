// Package memory implements the Working Memory scratch space: a per-session
// coordination area for sub-goals, gathered information, gaps, and an opaque
// scratch pad, carried for the lifetime of one session and never persisted.
package memory

import (
	"sync"
	"time"
)

// WorkingMemory is the per-session scratch space. Reads of the slice/map
// fields are safe for concurrent callers only through Manager, which
// serializes writes per session.
type WorkingMemory struct {
	SessionID    string
	Query        string
	StartTime    time.Time
	CurrentPhase string
	CurrentStep  int

	PrimaryGoal string
	SubGoals    []string

	GatheredInformation []GatheredInfo
	ActiveHypotheses    []string
	IdentifiedGaps      []string

	ScratchPad   map[string]any
	ThoughtChain []string
}

// GatheredInfo is one nugget of retrieved information recorded against the
// session's working memory.
type GatheredInfo struct {
	Source    string
	Summary   string
	Timestamp time.Time
}

// entry bundles a WorkingMemory with the mutex that serializes writes to it.
type entry struct {
	mu   sync.Mutex
	memo *WorkingMemory
}

// Manager holds one WorkingMemory per active session. The zero value is
// ready to use.
type Manager struct {
	sessions sync.Map // sessionID -> *entry
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Store is the subset of Working Memory operations the Orchestrator drives
// directly. *Manager implements it as a pure in-process scratch space;
// *RedisMirror implements it by delegating to an embedded Manager and
// additionally writing a best-effort observability snapshot to Redis.
type Store interface {
	Initialize(sessionID, query string) *WorkingMemory
	UpdatePhase(sessionID, name string, order int)
	AddSubGoal(sessionID, goal string)
	SetScratchPadValue(sessionID, key string, value any)
	Cleanup(sessionID string)
}

// Initialize creates (or resets) the WorkingMemory for sessionID.
func (m *Manager) Initialize(sessionID, query string) *WorkingMemory {
	wm := &WorkingMemory{
		SessionID:  sessionID,
		Query:      query,
		StartTime:  time.Now().UTC(),
		ScratchPad: make(map[string]any),
	}
	m.sessions.Store(sessionID, &entry{memo: wm})
	return wm
}

func (m *Manager) get(sessionID string) (*entry, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Snapshot returns a shallow copy of the session's WorkingMemory, or nil if
// the session is unknown. Safe for concurrent use.
func (m *Manager) Snapshot(sessionID string) *WorkingMemory {
	e, ok := m.get(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.memo
	cp.SubGoals = append([]string(nil), e.memo.SubGoals...)
	cp.ActiveHypotheses = append([]string(nil), e.memo.ActiveHypotheses...)
	cp.IdentifiedGaps = append([]string(nil), e.memo.IdentifiedGaps...)
	cp.GatheredInformation = append([]GatheredInfo(nil), e.memo.GatheredInformation...)
	cp.ThoughtChain = append([]string(nil), e.memo.ThoughtChain...)
	cp.ScratchPad = make(map[string]any, len(e.memo.ScratchPad))
	for k, v := range e.memo.ScratchPad {
		cp.ScratchPad[k] = v
	}
	return &cp
}

// UpdatePhase records the name and order of the phase currently executing.
func (m *Manager) UpdatePhase(sessionID, name string, order int) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.memo.CurrentPhase = name
	e.memo.CurrentStep = order
	e.mu.Unlock()
}

// AddSubGoal appends a sub-goal to the session's working memory.
func (m *Manager) AddSubGoal(sessionID, goal string) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.memo.SubGoals = append(e.memo.SubGoals, goal)
	e.mu.Unlock()
}

// AddGatheredInfo records a piece of retrieved information.
func (m *Manager) AddGatheredInfo(sessionID string, info GatheredInfo) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	e.memo.GatheredInformation = append(e.memo.GatheredInformation, info)
	e.mu.Unlock()
}

// AddGap records an identified coverage gap.
func (m *Manager) AddGap(sessionID, gap string) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.memo.IdentifiedGaps = append(e.memo.IdentifiedGaps, gap)
	e.mu.Unlock()
}

// AddThought appends an entry to the session's thought chain.
func (m *Manager) AddThought(sessionID, thought string) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.memo.ThoughtChain = append(e.memo.ThoughtChain, thought)
	e.mu.Unlock()
}

// SetScratchPadValue stores value under key in the session's scratch pad.
func (m *Manager) SetScratchPadValue(sessionID, key string, value any) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.memo.ScratchPad[key] = value
	e.mu.Unlock()
}

// GetScratchPadValue retrieves the value stored under key in the session's
// scratch pad, type-asserted to T. ok is false if the session, key, or type
// does not match.
func GetScratchPadValue[T any](m *Manager, sessionID, key string) (value T, ok bool) {
	e, found := m.get(sessionID)
	if !found {
		return value, false
	}
	e.mu.Lock()
	raw, present := e.memo.ScratchPad[key]
	e.mu.Unlock()
	if !present {
		return value, false
	}
	value, ok = raw.(T)
	return value, ok
}

// Cleanup discards the WorkingMemory for sessionID. Callers must invoke this
// on both success and failure paths; Working Memory is not durable.
func (m *Manager) Cleanup(sessionID string) {
	m.sessions.Delete(sessionID)
}
