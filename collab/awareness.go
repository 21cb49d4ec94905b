package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"tactileboard.com/collab/protocol"
)

type PresenceStatus string

const (
	StatusOnline PresenceStatus = "online"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

// NormalizePresenceStatus maps client-reported strings onto the status
// enum. Legacy clients report "active" for online.
func NormalizePresenceStatus(value string) (PresenceStatus, bool) {
	switch value {
	case "active", "online":
		return StatusOnline, true
	case "idle":
		return StatusIdle, true
	case "away":
		return StatusAway, true
	}
	return "", false
}

type AwarenessUser struct {
	Id     string
	Name   string
	Avatar string
}

type EditingTarget struct {
	ElementId uuid.UUID
	Mode      string
}

// DragPresence previews an in-flight move/resize/rotate so peers can
// render the gesture before it commits.
type DragPresence struct {
	ElementId uuid.UUID
	X         float64
	Y         float64
	Width     float64
	Height    float64
	Rotation  float64
}

type AwarenessState struct {
	User               AwarenessUser
	Color              string
	Status             PresenceStatus
	Cursor             *Point
	CursorUpdatedAt    time.Time
	Selection          []uuid.UUID
	SelectionUpdatedAt time.Time
	Editing            *EditingTarget
	Drag               *DragPresence
	UpdatedAt          time.Time
}

type AwarenessSettings struct {
	// cursor broadcasts are limited to one per frame
	FrameInterval     time.Duration
	CursorIdleTimeout time.Duration
	SelectionThrottle time.Duration
	IdleAfter         time.Duration
	AwayAfter         time.Duration
	// re-stamp updated_at so peers can detect staleness independent of
	// content changes
	LocalHeartbeat      time.Duration
	HousekeepInterval   time.Duration
	CursorStaleAfter    time.Duration
	SelectionStaleAfter time.Duration
	Clock               Clock
}

func DefaultAwarenessSettings() *AwarenessSettings {
	return &AwarenessSettings{
		FrameInterval:       16 * time.Millisecond,
		CursorIdleTimeout:   5 * time.Second,
		SelectionThrottle:   100 * time.Millisecond,
		IdleAfter:           60 * time.Second,
		AwayAfter:           180 * time.Second,
		LocalHeartbeat:      15 * time.Second,
		HousekeepInterval:   time.Second,
		CursorStaleAfter:    5 * time.Second,
		SelectionStaleAfter: 60 * time.Second,
		Clock:               NewSystemClock(),
	}
}

type AwarenessDeltaFunc func(update *protocol.AwarenessUpdate)

type remoteAwareness struct {
	state AwarenessState
	clock uint64
}

// AwarenessManager owns the local client's ephemeral presence state.
// Remote entries are read-only mirrors rebuilt from awareness deltas;
// nothing here is ever persisted.
type AwarenessManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	site     uint64
	settings *AwarenessSettings

	stateLock  sync.Mutex
	local      AwarenessState
	localClock uint64
	remotes    map[uint64]*remoteAwareness

	// frame-scheduled cursor and timer-debounced selection form two
	// independent throttling domains
	pendingCursor      *Point
	cursorDirty        bool
	pendingSelection   []uuid.UUID
	selectionDirty     bool
	broadcastSelection []uuid.UUID
	lastActivity       time.Time
	visible            bool

	deltaCallbacks *CallbackList[AwarenessDeltaFunc]
}

func NewAwarenessManagerWithDefaults(ctx context.Context, site uint64, user AwarenessUser, color string) *AwarenessManager {
	return NewAwarenessManager(ctx, site, user, color, DefaultAwarenessSettings())
}

func NewAwarenessManager(ctx context.Context, site uint64, user AwarenessUser, color string, settings *AwarenessSettings) *AwarenessManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	now := settings.Clock.Now()
	manager := &AwarenessManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		site:     site,
		settings: settings,
		local: AwarenessState{
			User:      user,
			Color:     color,
			Status:    StatusOnline,
			UpdatedAt: now,
		},
		remotes:        map[uint64]*remoteAwareness{},
		lastActivity:   now,
		visible:        true,
		deltaCallbacks: NewCallbackList[AwarenessDeltaFunc](),
	}
	go manager.run()
	return manager
}

func (self *AwarenessManager) Site() uint64 {
	return self.site
}

func (self *AwarenessManager) AddDeltaCallback(callback AwarenessDeltaFunc) func() {
	return self.deltaCallbacks.Add(callback)
}

func (self *AwarenessManager) run() {
	clock := self.settings.Clock
	frame := clock.After(self.settings.FrameInterval)
	selection := clock.After(self.settings.SelectionThrottle)
	housekeep := clock.After(self.settings.HousekeepInterval)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-frame:
			self.FlushCursor(clock.Now())
			frame = clock.After(self.settings.FrameInterval)
		case <-selection:
			self.FlushSelection(clock.Now())
			selection = clock.After(self.settings.SelectionThrottle)
		case <-housekeep:
			self.Housekeep(clock.Now())
			housekeep = clock.After(self.settings.HousekeepInterval)
		}
	}
}

// SetCursor schedules a cursor broadcast for the next frame. Passing
// nil clears the cursor immediately.
func (self *AwarenessManager) SetCursor(cursor *Point) {
	self.stateLock.Lock()
	self.pendingCursor = cursor
	self.cursorDirty = true
	self.lastActivity = self.settings.Clock.Now()
	self.stateLock.Unlock()
	if cursor == nil {
		self.FlushCursor(self.settings.Clock.Now())
	}
}

// FlushCursor applies the pending cursor, at most once per frame.
func (self *AwarenessManager) FlushCursor(now time.Time) {
	self.stateLock.Lock()
	if !self.cursorDirty {
		self.stateLock.Unlock()
		return
	}
	self.cursorDirty = false
	self.local.Cursor = self.pendingCursor
	self.local.CursorUpdatedAt = now
	self.local.UpdatedAt = now
	self.stateLock.Unlock()
	self.broadcast()
}

// SetSelection schedules a selection broadcast. Identical selections
// never re-trigger network traffic.
func (self *AwarenessManager) SetSelection(elementIds []uuid.UUID) {
	sorted := slices.Clone(elementIds)
	slices.SortFunc(sorted, func(a uuid.UUID, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	self.stateLock.Lock()
	self.pendingSelection = sorted
	self.selectionDirty = true
	self.lastActivity = self.settings.Clock.Now()
	self.stateLock.Unlock()
}

// FlushSelection applies the pending selection if it differs by value
// from the last broadcast one.
func (self *AwarenessManager) FlushSelection(now time.Time) {
	self.stateLock.Lock()
	if !self.selectionDirty {
		self.stateLock.Unlock()
		return
	}
	self.selectionDirty = false
	if slices.Equal(self.pendingSelection, self.broadcastSelection) {
		self.stateLock.Unlock()
		return
	}
	self.broadcastSelection = self.pendingSelection
	self.local.Selection = self.pendingSelection
	self.local.SelectionUpdatedAt = now
	self.local.UpdatedAt = now
	self.stateLock.Unlock()
	self.broadcast()
}

func (self *AwarenessManager) SetEditing(editing *EditingTarget) {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	self.local.Editing = editing
	self.local.UpdatedAt = now
	self.lastActivity = now
	self.stateLock.Unlock()
	self.broadcast()
}

func (self *AwarenessManager) SetDragPresence(drag *DragPresence) {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	self.local.Drag = drag
	self.local.UpdatedAt = now
	self.lastActivity = now
	self.stateLock.Unlock()
	self.broadcast()
}

func (self *AwarenessManager) SetStatus(status PresenceStatus) {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	if self.local.Status == status {
		self.stateLock.Unlock()
		return
	}
	self.local.Status = status
	self.local.UpdatedAt = now
	self.stateLock.Unlock()
	self.broadcast()
}

// MarkActivity resets the idle demotion timers. Wire to pointer and
// keyboard listeners.
func (self *AwarenessManager) MarkActivity() {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	self.lastActivity = now
	demote := self.visible && self.local.Status != StatusOnline
	if demote {
		self.local.Status = StatusOnline
		self.local.UpdatedAt = now
	}
	self.stateLock.Unlock()
	if demote {
		self.broadcast()
	}
}

// SetVisible tracks document visibility. Losing visibility forces away
// immediately.
func (self *AwarenessManager) SetVisible(visible bool) {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	self.visible = visible
	changed := false
	if !visible && self.local.Status != StatusAway {
		self.local.Status = StatusAway
		self.local.UpdatedAt = now
		changed = true
	}
	if visible {
		self.lastActivity = now
		if self.local.Status != StatusOnline {
			self.local.Status = StatusOnline
			self.local.UpdatedAt = now
			changed = true
		}
	}
	self.stateLock.Unlock()
	if changed {
		self.broadcast()
	}
}

// Housekeep runs the idle demotions, cursor idle clear, and the local
// heartbeat re-stamp.
func (self *AwarenessManager) Housekeep(now time.Time) {
	self.stateLock.Lock()
	changed := false

	if self.local.Cursor != nil &&
		self.settings.CursorIdleTimeout <= now.Sub(self.local.CursorUpdatedAt) {
		self.local.Cursor = nil
		self.local.CursorUpdatedAt = now
		changed = true
	}

	if self.visible {
		inactive := now.Sub(self.lastActivity)
		next := self.local.Status
		if self.settings.AwayAfter <= inactive {
			next = StatusAway
		} else if self.settings.IdleAfter <= inactive {
			next = StatusIdle
		}
		if next != self.local.Status {
			self.local.Status = next
			changed = true
		}
	}

	if self.settings.LocalHeartbeat <= now.Sub(self.local.UpdatedAt) {
		changed = true
	}

	if changed {
		self.local.UpdatedAt = now
	}
	self.stateLock.Unlock()
	if changed {
		self.broadcast()
	}
}

// LocalState returns a copy of the local entry.
func (self *AwarenessManager) LocalState() AwarenessState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.local
}

// Snapshot encodes the local entry, for the post-handshake awareness
// send.
func (self *AwarenessManager) Snapshot() *protocol.AwarenessUpdate {
	self.stateLock.Lock()
	entry := protocol.AwarenessEntry{
		Site:  self.site,
		Clock: self.localClock,
		State: encodeAwarenessState(&self.local),
	}
	self.stateLock.Unlock()
	return &protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{entry},
	}
}

func (self *AwarenessManager) broadcast() {
	self.stateLock.Lock()
	self.localClock += 1
	entry := protocol.AwarenessEntry{
		Site:  self.site,
		Clock: self.localClock,
		State: encodeAwarenessState(&self.local),
	}
	self.stateLock.Unlock()

	update := &protocol.AwarenessUpdate{
		Entries: []protocol.AwarenessEntry{entry},
	}
	for _, callback := range self.deltaCallbacks.Get() {
		callback(update)
	}
}

// ApplyUpdate rebuilds remote mirrors from an inbound awareness delta.
// The local entry is never writable from the network.
func (self *AwarenessManager) ApplyUpdate(update *protocol.AwarenessUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, entry := range update.Entries {
		if entry.Site == self.site {
			continue
		}
		resident, ok := self.remotes[entry.Site]
		if ok && entry.Clock <= resident.clock {
			continue
		}
		if entry.State == nil {
			delete(self.remotes, entry.Site)
			glog.V(1).Infof("[a]remote cleared %d\n", entry.Site)
			continue
		}
		self.remotes[entry.Site] = &remoteAwareness{
			state: decodeAwarenessState(entry.State),
			clock: entry.Clock,
		}
	}
}

// RemoteStates materializes the remote presence view. Cursor and
// selection aspects past their staleness windows are filtered so stale
// presence never renders as live.
func (self *AwarenessManager) RemoteStates() []AwarenessState {
	now := self.settings.Clock.Now()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sites := maps.Keys(self.remotes)
	slices.Sort(sites)
	states := make([]AwarenessState, 0, len(sites))
	for _, site := range sites {
		state := self.remotes[site].state
		if state.Cursor != nil &&
			self.settings.CursorStaleAfter <= now.Sub(state.CursorUpdatedAt) {
			state.Cursor = nil
		}
		if 0 < len(state.Selection) &&
			self.settings.SelectionStaleAfter <= now.Sub(state.SelectionUpdatedAt) {
			state.Selection = nil
		}
		states = append(states, state)
	}
	return states
}

func (self *AwarenessManager) Close() {
	self.cancel()
}

func encodeAwarenessState(state *AwarenessState) map[string]any {
	out := map[string]any{
		"user": map[string]any{
			"id":     state.User.Id,
			"name":   state.User.Name,
			"avatar": state.User.Avatar,
		},
		"color":      state.Color,
		"status":     string(state.Status),
		"updated_at": float64(state.UpdatedAt.UnixMilli()),
	}
	if state.Cursor != nil {
		out["cursor"] = map[string]any{"x": state.Cursor.X, "y": state.Cursor.Y}
		out["cursor_updated_at"] = float64(state.CursorUpdatedAt.UnixMilli())
	}
	if 0 < len(state.Selection) {
		selection := make([]any, len(state.Selection))
		for i, elementId := range state.Selection {
			selection[i] = elementId.String()
		}
		out["selection"] = selection
		out["selection_updated_at"] = float64(state.SelectionUpdatedAt.UnixMilli())
	}
	if state.Editing != nil {
		out["editing"] = map[string]any{
			"element_id": state.Editing.ElementId.String(),
			"mode":       state.Editing.Mode,
		}
	}
	if state.Drag != nil {
		out["drag"] = map[string]any{
			"element_id": state.Drag.ElementId.String(),
			"x":          state.Drag.X,
			"y":          state.Drag.Y,
			"width":      state.Drag.Width,
			"height":     state.Drag.Height,
			"rotation":   state.Drag.Rotation,
		}
	}
	return out
}

func decodeAwarenessState(value map[string]any) AwarenessState {
	state := AwarenessState{
		Status: StatusOnline,
	}
	if user, ok := value["user"].(map[string]any); ok {
		state.User.Id, _ = user["id"].(string)
		state.User.Name, _ = user["name"].(string)
		state.User.Avatar, _ = user["avatar"].(string)
	}
	state.Color, _ = value["color"].(string)
	if statusStr, ok := value["status"].(string); ok {
		if status, ok := NormalizePresenceStatus(statusStr); ok {
			state.Status = status
		}
	}
	state.UpdatedAt = decodeMilli(value["updated_at"])
	if cursor, ok := value["cursor"].(map[string]any); ok {
		state.Cursor = &Point{
			X: floatFromValue(cursor["x"]),
			Y: floatFromValue(cursor["y"]),
		}
		state.CursorUpdatedAt = decodeMilli(value["cursor_updated_at"])
	}
	if selection, ok := value["selection"].([]any); ok {
		for _, entry := range selection {
			if str, ok := entry.(string); ok {
				if elementId, err := uuid.Parse(str); err == nil {
					state.Selection = append(state.Selection, elementId)
				}
			}
		}
		state.SelectionUpdatedAt = decodeMilli(value["selection_updated_at"])
	}
	if editing, ok := value["editing"].(map[string]any); ok {
		if idStr, ok := editing["element_id"].(string); ok {
			if elementId, err := uuid.Parse(idStr); err == nil {
				mode, _ := editing["mode"].(string)
				state.Editing = &EditingTarget{
					ElementId: elementId,
					Mode:      mode,
				}
			}
		}
	}
	if drag, ok := value["drag"].(map[string]any); ok {
		if idStr, ok := drag["element_id"].(string); ok {
			if elementId, err := uuid.Parse(idStr); err == nil {
				state.Drag = &DragPresence{
					ElementId: elementId,
					X:         floatFromValue(drag["x"]),
					Y:         floatFromValue(drag["y"]),
					Width:     floatFromValue(drag["width"]),
					Height:    floatFromValue(drag["height"]),
					Rotation:  floatFromValue(drag["rotation"]),
				}
			}
		}
	}
	return state
}

func decodeMilli(value any) time.Time {
	ms := floatFromValue(value)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
