package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOrderPreservedPerSession(t *testing.T) {
	bus := NewBus()
	store := NewMemoryStore(bus)
	ctx := context.Background()

	ch := make(chan LogEntry, 10)
	sub := bus.Subscribe("s1", ch)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, LogEntry{SessionID: "s1", EventType: EventStepStarted, Data: map[string]any{"i": i}})
		require.NoError(t, err)
	}

	entries, err := store.FindBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i, e.Data["i"])
	}

	for i := 0; i < 5; i++ {
		got := <-ch
		assert.Equal(t, i, got.Data["i"])
	}
}

func TestAppendRequiresSessionID(t *testing.T) {
	store := NewMemoryStore(NewBus())
	_, err := store.Append(context.Background(), LogEntry{EventType: EventSessionStarted})
	assert.Error(t, err)
}

func TestQueryFiltersByEventTypeAndHasError(t *testing.T) {
	store := NewMemoryStore(NewBus())
	ctx := context.Background()
	_, _ = store.Append(ctx, LogEntry{SessionID: "s1", EventType: EventStepFailed, Data: map[string]any{"error": "boom"}})
	_, _ = store.Append(ctx, LogEntry{SessionID: "s1", EventType: EventStepCompleted})

	yes := true
	failed, err := store.Query(ctx, QueryFilters{SessionID: "s1", HasError: &yes})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, EventStepFailed, failed[0].EventType)

	byType, err := store.Query(ctx, QueryFilters{EventTypes: []EventType{EventStepCompleted}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
}

func TestBusGlobalFirehoseReceivesAllSessions(t *testing.T) {
	bus := NewBus()
	store := NewMemoryStore(bus)
	ctx := context.Background()

	global := make(chan LogEntry, 10)
	sub := bus.Subscribe(All, global)
	defer sub.Close()

	_, _ = store.Append(ctx, LogEntry{SessionID: "a", EventType: EventSessionStarted})
	_, _ = store.Append(ctx, LogEntry{SessionID: "b", EventType: EventSessionStarted})

	first := <-global
	second := <-global
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first.SessionID, second.SessionID})
}
