package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"

	"tactileboard.com/collab/protocol"
)

func newTestAwareness(site uint64) (*AwarenessManager, *testClock) {
	clock := newTestClock()
	settings := DefaultAwarenessSettings()
	settings.Clock = clock
	manager := NewAwarenessManager(
		context.Background(),
		site,
		AwarenessUser{Id: "u1", Name: "Test User"},
		"#ff0000",
		settings,
	)
	return manager, clock
}

func TestAwarenessCursorFrameThrottle(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	broadcasts := 0
	unsub := manager.AddDeltaCallback(func(update *protocol.AwarenessUpdate) {
		broadcasts += 1
	})
	defer unsub()

	// many cursor moves inside one frame coalesce into one broadcast
	for i := 0; i < 10; i += 1 {
		manager.SetCursor(&Point{X: float64(i), Y: 0})
	}
	assert.Equal(t, 0, broadcasts)
	manager.FlushCursor(clock.Now())
	assert.Equal(t, 1, broadcasts)
	assert.Equal(t, float64(9), manager.LocalState().Cursor.X)

	// nothing pending, nothing sent
	manager.FlushCursor(clock.Now())
	assert.Equal(t, 1, broadcasts)
}

func TestAwarenessCursorClearImmediate(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	manager.SetCursor(&Point{X: 1, Y: 2})
	manager.FlushCursor(clock.Now())
	assert.NotEqual(t, manager.LocalState().Cursor, nil)

	// clearing bypasses the frame schedule
	manager.SetCursor(nil)
	assert.Equal(t, nil, manager.LocalState().Cursor)
}

func TestAwarenessCursorIdleClear(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	manager.SetCursor(&Point{X: 1, Y: 2})
	manager.FlushCursor(clock.Now())

	clock.Advance(6 * time.Second)
	manager.Housekeep(clock.Now())
	assert.Equal(t, nil, manager.LocalState().Cursor)
}

func TestAwarenessSelectionDedupe(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	broadcasts := 0
	unsub := manager.AddDeltaCallback(func(update *protocol.AwarenessUpdate) {
		broadcasts += 1
	})
	defer unsub()

	a := uuid.New()
	b := uuid.New()

	manager.SetSelection([]uuid.UUID{a, b})
	manager.FlushSelection(clock.Now())
	assert.Equal(t, 1, broadcasts)

	// same selection in a different order is value-equal
	manager.SetSelection([]uuid.UUID{b, a})
	manager.FlushSelection(clock.Now())
	assert.Equal(t, 1, broadcasts)

	manager.SetSelection([]uuid.UUID{a})
	manager.FlushSelection(clock.Now())
	assert.Equal(t, 2, broadcasts)
}

func TestAwarenessIdleDemotion(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	assert.Equal(t, StatusOnline, manager.LocalState().Status)

	clock.Advance(61 * time.Second)
	manager.Housekeep(clock.Now())
	assert.Equal(t, StatusIdle, manager.LocalState().Status)

	clock.Advance(120 * time.Second)
	manager.Housekeep(clock.Now())
	assert.Equal(t, StatusAway, manager.LocalState().Status)

	// activity restores online
	manager.MarkActivity()
	assert.Equal(t, StatusOnline, manager.LocalState().Status)
}

func TestAwarenessVisibility(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	manager.SetVisible(false)
	assert.Equal(t, StatusAway, manager.LocalState().Status)

	// hidden documents never demote further or promote
	clock.Advance(300 * time.Second)
	manager.Housekeep(clock.Now())
	assert.Equal(t, StatusAway, manager.LocalState().Status)

	manager.SetVisible(true)
	assert.Equal(t, StatusOnline, manager.LocalState().Status)
}

func TestAwarenessHeartbeatRestamp(t *testing.T) {
	manager, clock := newTestAwareness(1)
	defer manager.Close()

	before := manager.LocalState().UpdatedAt

	clock.Advance(16 * time.Second)
	manager.Housekeep(clock.Now())
	assert.Equal(t, true, before.Before(manager.LocalState().UpdatedAt))
}

func TestAwarenessRemoteMirrors(t *testing.T) {
	local, clock := newTestAwareness(1)
	defer local.Close()
	remote, remoteClock := newTestAwareness(2)
	defer remote.Close()

	remote.SetCursor(&Point{X: 5, Y: 6})
	remote.FlushCursor(remoteClock.Now())

	var update *protocol.AwarenessUpdate
	unsub := remote.AddDeltaCallback(func(u *protocol.AwarenessUpdate) {
		update = u
	})
	remote.SetStatus(StatusIdle)
	unsub()

	local.ApplyUpdate(update)
	states := local.RemoteStates()
	assert.Equal(t, 1, len(states))
	assert.Equal(t, StatusIdle, states[0].Status)
	assert.Equal(t, float64(5), states[0].Cursor.X)

	// a stale clock never regresses the mirror
	local.ApplyUpdate(&protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{
			{Site: 2, Clock: 0, State: map[string]any{"status": "away"}},
		},
	})
	assert.Equal(t, StatusIdle, local.RemoteStates()[0].Status)

	// nil state removes the mirror
	local.ApplyUpdate(&protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{
			{Site: 2, Clock: update.Entries[0].Clock + 1, State: nil},
		},
	})
	assert.Equal(t, 0, len(local.RemoteStates()))

	_ = clock
}

func TestAwarenessOwnSiteIgnored(t *testing.T) {
	manager, _ := newTestAwareness(1)
	defer manager.Close()

	manager.ApplyUpdate(&protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{
			{Site: 1, Clock: 99, State: map[string]any{"status": "away"}},
		},
	})
	assert.Equal(t, 0, len(manager.RemoteStates()))
	assert.Equal(t, StatusOnline, manager.LocalState().Status)
}

func TestAwarenessStalenessFilters(t *testing.T) {
	local, clock := newTestAwareness(1)
	defer local.Close()

	now := clock.Now()
	state := map[string]any{
		"status":               "active",
		"updated_at":           float64(now.UnixMilli()),
		"cursor":               map[string]any{"x": float64(1), "y": float64(2)},
		"cursor_updated_at":    float64(now.UnixMilli()),
		"selection":            []any{uuid.New().String()},
		"selection_updated_at": float64(now.UnixMilli()),
	}
	local.ApplyUpdate(&protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{{Site: 2, Clock: 1, State: state}},
	})

	states := local.RemoteStates()
	// legacy "active" normalizes to online
	assert.Equal(t, StatusOnline, states[0].Status)
	assert.NotEqual(t, states[0].Cursor, nil)
	assert.Equal(t, 1, len(states[0].Selection))

	// cursor goes stale first, selection later
	clock.Advance(6 * time.Second)
	states = local.RemoteStates()
	assert.Equal(t, nil, states[0].Cursor)
	assert.Equal(t, 1, len(states[0].Selection))

	clock.Advance(55 * time.Second)
	states = local.RemoteStates()
	assert.Equal(t, 0, len(states[0].Selection))
}

func TestAwarenessStateRoundTrip(t *testing.T) {
	elementId := uuid.New()
	now := time.UnixMilli(1700000000000)
	original := AwarenessState{
		User:      AwarenessUser{Id: "u1", Name: "Test User", Avatar: "https://example.com/a.png"},
		Color:     "#00ff00",
		Status:    StatusIdle,
		Cursor:    &Point{X: 3, Y: 4},
		Selection: []uuid.UUID{elementId},
		Editing:   &EditingTarget{ElementId: elementId, Mode: "text"},
		Drag: &DragPresence{
			ElementId: elementId,
			X:         1, Y: 2, Width: 3, Height: 4, Rotation: 45,
		},
		CursorUpdatedAt:    now,
		SelectionUpdatedAt: now,
		UpdatedAt:          now,
	}

	decoded := decodeAwarenessState(encodeAwarenessState(&original))
	assert.Equal(t, original.User, decoded.User)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Cursor.X, decoded.Cursor.X)
	assert.Equal(t, original.Selection, decoded.Selection)
	assert.Equal(t, original.Editing.Mode, decoded.Editing.Mode)
	assert.Equal(t, original.Drag.Rotation, decoded.Drag.Rotation)
	assert.Equal(t, true, original.UpdatedAt.Equal(decoded.UpdatedAt))
}
