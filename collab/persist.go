package collab

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/golang/glog"
)

// PersistResult carries the server-assigned fields echoed back by a
// successful save.
type PersistResult struct {
	Version   int
	UpdatedAt time.Time
}

// ElementPersister saves elements to the backing service. Calls are
// fire-and-forget from the editing path; results reconcile
// asynchronously.
type ElementPersister interface {
	PersistElement(ctx context.Context, element *BoardElement) (*PersistResult, error)
	DeleteElement(ctx context.Context, boardId uuid.UUID, elementId uuid.UUID) error
	RestoreElement(ctx context.Context, boardId uuid.UUID, elementId uuid.UUID) (*PersistResult, error)
}

type PersistenceSettings struct {
	QueueSize      int
	RequestTimeout time.Duration
}

func DefaultPersistenceSettings() *PersistenceSettings {
	return &PersistenceSettings{
		QueueSize:      128,
		RequestTimeout: 10 * time.Second,
	}
}

type persistJob struct {
	element *BoardElement
	// tombstoned rather than saved
	remove bool
	// pre-mutation values for optimistic rollback
	inverse []FieldPatch
}

// PersistenceManager mirrors local edits to the persister. Saves never
// block editing; a confirmed save patches server-assigned fields back
// under sync origin, and a rejected save rolls the element back to its
// pre-mutation state, also under sync origin so the rollback is not
// captured as an undoable edit or re-sent to peers as a local change.
type PersistenceManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     *ElementStore
	persister ElementPersister
	settings  *PersistenceSettings

	jobs chan *persistJob

	unsub func()
}

func NewPersistenceManagerWithDefaults(
	ctx context.Context,
	store *ElementStore,
	persister ElementPersister,
) *PersistenceManager {
	return NewPersistenceManager(ctx, store, persister, DefaultPersistenceSettings())
}

func NewPersistenceManager(
	ctx context.Context,
	store *ElementStore,
	persister ElementPersister,
	settings *PersistenceSettings,
) *PersistenceManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &PersistenceManager{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		persister: persister,
		settings:  settings,
		jobs:      make(chan *persistJob, settings.QueueSize),
	}
	manager.unsub = store.AddChangeCallback(manager.storeChanged)
	go manager.run()
	return manager
}

func (self *PersistenceManager) storeChanged(change *ElementChange) {
	if change.Origin != OriginLocal {
		return
	}

	for _, element := range change.Elements {
		self.submit(&persistJob{
			element: element.Clone(),
			inverse: inverseForElement(change, element.Id),
		})
	}
	for _, elementId := range change.RemovedIds {
		self.submit(&persistJob{
			element: &BoardElement{Id: elementId, BoardId: self.store.BoardId()},
			remove:  true,
			inverse: inverseForElement(change, elementId),
		})
	}
}

func inverseForElement(change *ElementChange, elementId uuid.UUID) []FieldPatch {
	if change.Update == nil {
		return nil
	}
	key := elementId.String()
	out := []FieldPatch{}
	for _, patch := range change.Update.Inverse {
		if patch.ElementId == key {
			out = append(out, patch)
		}
	}
	return out
}

func (self *PersistenceManager) submit(job *persistJob) {
	select {
	case self.jobs <- job:
	default:
		// saturated; the change will be re-sent on the next edit of
		// the same element
		glog.Infof("[p]persist queue full, dropping save for %s\n", job.element.Id)
	}
}

func (self *PersistenceManager) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case job := <-self.jobs:
			self.process(job)
		}
	}
}

func (self *PersistenceManager) process(job *persistJob) {
	requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
	defer requestCancel()

	if job.remove {
		if err := self.persister.DeleteElement(requestCtx, self.store.BoardId(), job.element.Id); err != nil {
			glog.Infof("[p]delete %s error = %s\n", job.element.Id, err)
			self.rollback(job)
		}
		return
	}

	result, err := self.persister.PersistElement(requestCtx, job.element)
	if err != nil {
		glog.Infof("[p]save %s error = %s\n", job.element.Id, err)
		self.rollback(job)
		return
	}
	if result != nil {
		self.store.ApplyRemotePatch(job.element.Id, map[string]any{
			fieldVersion:   result.Version,
			fieldUpdatedAt: encodeTime(result.UpdatedAt),
		}, OriginSync)
	}
}

// rollback restores the pre-mutation server state for the element.
func (self *PersistenceManager) rollback(job *persistJob) {
	if len(job.inverse) == 0 {
		return
	}
	reversed := make([]FieldPatch, len(job.inverse))
	for i, patch := range job.inverse {
		reversed[len(job.inverse)-1-i] = patch
	}
	self.store.ApplyFieldPatches(reversed, OriginSync)
}

// Restore asks the persister to revive a soft-deleted element, then
// clears the local tombstone with the server-assigned fields.
func (self *PersistenceManager) Restore(elementId uuid.UUID) {
	go func() {
		requestCtx, requestCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
		defer requestCancel()

		result, err := self.persister.RestoreElement(requestCtx, self.store.BoardId(), elementId)
		if err != nil {
			glog.Infof("[p]restore %s error = %s\n", elementId, err)
			return
		}
		patch := map[string]any{
			fieldDeletedAt: nil,
		}
		if result != nil {
			patch[fieldVersion] = result.Version
			patch[fieldUpdatedAt] = encodeTime(result.UpdatedAt)
		}
		self.store.ApplyRemotePatch(elementId, patch, OriginSync)
	}()
}

func (self *PersistenceManager) Close() {
	self.cancel()
	self.unsub()
}
