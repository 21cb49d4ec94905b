package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type UndoSettings struct {
	// consecutive local transactions inside this window group into one
	// undo entry
	CaptureWindow time.Duration
	MaxEntries    int
	Clock         Clock
}

func DefaultUndoSettings() *UndoSettings {
	return &UndoSettings{
		CaptureWindow: 5000 * time.Millisecond,
		MaxEntries:    256,
		Clock:         NewSystemClock(),
	}
}

type historyEntry struct {
	forward    []FieldPatch
	inverse    []FieldPatch
	capturedAt time.Time
}

type UndoStateFunc func(canUndo bool, canRedo bool)

// UndoManager captures local-origin store transactions into grouped,
// reversible history entries. Remote and sync origins are never
// captured, so undoing cannot revert another user's work. The manager
// owns no element data, only patch boundaries.
type UndoManager struct {
	store    *ElementStore
	settings *UndoSettings

	stateLock     sync.Mutex
	undoStack     []*historyEntry
	redoStack     []*historyEntry
	forceNewEntry bool
	replaying     bool

	stateCallbacks *CallbackList[UndoStateFunc]

	unsub func()
}

func NewUndoManagerWithDefaults(store *ElementStore) *UndoManager {
	return NewUndoManager(store, DefaultUndoSettings())
}

func NewUndoManager(store *ElementStore, settings *UndoSettings) *UndoManager {
	manager := &UndoManager{
		store:          store,
		settings:       settings,
		stateCallbacks: NewCallbackList[UndoStateFunc](),
	}
	manager.unsub = store.AddChangeCallback(manager.storeChanged)
	return manager
}

func (self *UndoManager) AddStateCallback(callback UndoStateFunc) func() {
	return self.stateCallbacks.Add(callback)
}

// StartHistoryEntry forces the next captured mutation to begin a new
// entry regardless of timing. Call at the start of a drag, resize, or
// typing gesture so the whole gesture undoes atomically.
func (self *UndoManager) StartHistoryEntry() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.forceNewEntry = true
}

func (self *UndoManager) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.undoStack)
}

func (self *UndoManager) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.redoStack)
}

func (self *UndoManager) storeChanged(change *ElementChange) {
	if change.Origin != OriginLocal {
		return
	}
	update := change.Update
	if update == nil || len(update.Forward) == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.replaying {
		// the replayed patches of an undo/redo are not re-captured
		return
	}

	now := self.settings.Clock.Now()
	var top *historyEntry
	if 0 < len(self.undoStack) {
		top = self.undoStack[len(self.undoStack)-1]
	}
	grouped := top != nil &&
		!self.forceNewEntry &&
		now.Sub(top.capturedAt) <= self.settings.CaptureWindow
	if grouped {
		top.forward = append(top.forward, update.Forward...)
		top.inverse = append(top.inverse, update.Inverse...)
		top.capturedAt = now
	} else {
		self.undoStack = append(self.undoStack, &historyEntry{
			forward:    append([]FieldPatch{}, update.Forward...),
			inverse:    append([]FieldPatch{}, update.Inverse...),
			capturedAt: now,
		})
		if self.settings.MaxEntries < len(self.undoStack) {
			self.undoStack = self.undoStack[1:]
		}
	}
	self.forceNewEntry = false
	// a new local edit invalidates the redo branch
	self.redoStack = nil
	self.notifyLocked()
}

// Undo replays the top entry's inverse patches through the store under
// the local origin, so the undo is itself an observable, synchronizable
// local mutation.
func (self *UndoManager) Undo() bool {
	self.stateLock.Lock()
	if len(self.undoStack) == 0 {
		self.stateLock.Unlock()
		return false
	}
	entry := self.undoStack[len(self.undoStack)-1]
	self.undoStack = self.undoStack[:len(self.undoStack)-1]
	self.redoStack = append(self.redoStack, entry)
	self.replaying = true
	self.stateLock.Unlock()

	// inverse patches replay newest-first so the oldest before-value
	// for a repeatedly written field lands last
	patches := make([]FieldPatch, 0, len(entry.inverse))
	for i := len(entry.inverse) - 1; 0 <= i; i -= 1 {
		patches = append(patches, entry.inverse[i])
	}
	self.store.ApplyFieldPatches(patches, OriginLocal)

	self.stateLock.Lock()
	self.replaying = false
	self.notifyLocked()
	self.stateLock.Unlock()
	glog.V(1).Infof("[u]undo patches=%d\n", len(patches))
	return true
}

func (self *UndoManager) Redo() bool {
	self.stateLock.Lock()
	if len(self.redoStack) == 0 {
		self.stateLock.Unlock()
		return false
	}
	entry := self.redoStack[len(self.redoStack)-1]
	self.redoStack = self.redoStack[:len(self.redoStack)-1]
	self.undoStack = append(self.undoStack, entry)
	self.replaying = true
	self.stateLock.Unlock()

	self.store.ApplyFieldPatches(entry.forward, OriginLocal)

	self.stateLock.Lock()
	self.replaying = false
	self.notifyLocked()
	self.stateLock.Unlock()
	glog.V(1).Infof("[u]redo patches=%d\n", len(entry.forward))
	return true
}

func (self *UndoManager) notifyLocked() {
	canUndo := 0 < len(self.undoStack)
	canRedo := 0 < len(self.redoStack)
	for _, callback := range self.stateCallbacks.Get() {
		callback(canUndo, canRedo)
	}
}

func (self *UndoManager) Close() {
	if self.unsub != nil {
		self.unsub()
	}
}
