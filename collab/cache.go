package collab

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.etcd.io/bbolt"

	"github.com/golang/glog"

	"tactileboard.com/collab/protocol"
)

var cacheStateBucket = []byte("state")
var cachePendingBucket = []byte("pending")

type CacheSettings struct {
	// write-behind flush spacing
	FlushInterval time.Duration
	FileMode      os.FileMode
	Clock         Clock
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		FlushInterval: 2 * time.Second,
		FileMode:      0600,
		Clock:         NewSystemClock(),
	}
}

// BoardCache keeps a durable local copy of the doc state and the
// pending offline queue, keyed by board id, so a client restarting
// while offline warm-starts with its last known board.
type BoardCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	db       *bbolt.DB
	settings *CacheSettings

	stateLock sync.Mutex
	dirty     map[uuid.UUID]*trackedBoard
}

type trackedBoard struct {
	store   *ElementStore
	session *Session
}

func OpenBoardCacheWithDefaults(ctx context.Context, path string) (*BoardCache, error) {
	return OpenBoardCache(ctx, path, DefaultCacheSettings())
}

func OpenBoardCache(ctx context.Context, path string, settings *CacheSettings) (*BoardCache, error) {
	db, err := bbolt.Open(path, settings.FileMode, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(cacheStateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(cachePendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cache := &BoardCache{
		ctx:      cancelCtx,
		cancel:   cancel,
		db:       db,
		settings: settings,
		dirty:    map[uuid.UUID]*trackedBoard{},
	}
	go cache.run()
	return cache, nil
}

func (self *BoardCache) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.settings.Clock.After(self.settings.FlushInterval):
			self.flush()
		}
	}
}

// Track registers a store, and optionally its session, for
// write-behind persistence. The session contributes the offline queue
// so queued edits survive a restart. Returns an unsubscribe func.
func (self *BoardCache) Track(store *ElementStore, session *Session) func() {
	boardId := store.BoardId()
	tracked := &trackedBoard{
		store:   store,
		session: session,
	}
	markDirty := func() {
		self.stateLock.Lock()
		self.dirty[boardId] = tracked
		self.stateLock.Unlock()
	}
	unsubStore := store.AddChangeCallback(func(change *ElementChange) {
		markDirty()
	})
	var unsubStatus func()
	if session != nil {
		// pending count changes, including the drop to zero after a
		// handshake flush, re-sync the pending bucket
		unsubStatus = session.AddStatusCallback(func(status SyncStatus) {
			markDirty()
		})
	}
	return func() {
		unsubStore()
		if unsubStatus != nil {
			unsubStatus()
		}
		self.stateLock.Lock()
		delete(self.dirty, boardId)
		self.stateLock.Unlock()
	}
}

func (self *BoardCache) flush() {
	self.stateLock.Lock()
	dirty := self.dirty
	self.dirty = map[uuid.UUID]*trackedBoard{}
	self.stateLock.Unlock()

	for boardId, tracked := range dirty {
		if err := self.SaveState(boardId, tracked.store.Doc().EncodeState()); err != nil {
			glog.Infof("[cache]save %s error = %s\n", boardId, err)
		}
		if tracked.session == nil {
			continue
		}
		deltas := tracked.session.PendingDeltas()
		if len(deltas) == 0 {
			if err := self.ClearPending(boardId); err != nil {
				glog.Infof("[cache]clear pending %s error = %s\n", boardId, err)
			}
		} else if err := self.SavePending(boardId, deltas); err != nil {
			glog.Infof("[cache]save pending %s error = %s\n", boardId, err)
		}
	}
}

func (self *BoardCache) SaveState(boardId uuid.UUID, delta *protocol.Delta) error {
	payload, err := protocol.EncodeDelta(delta)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheStateBucket).Put(boardId[:], payload)
	})
}

func (self *BoardCache) LoadState(boardId uuid.UUID) (*protocol.Delta, error) {
	var payload []byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(cacheStateBucket).Get(boardId[:])
		if value != nil {
			payload = make([]byte, len(value))
			copy(payload, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return protocol.DecodeDelta(payload)
}

func (self *BoardCache) SavePending(boardId uuid.UUID, deltas []*protocol.Delta) error {
	// one coalesced delta is enough to replay the queue
	merged := protocol.MergeDeltas(deltas...)
	payload, err := protocol.EncodeDelta(merged)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cachePendingBucket).Put(boardId[:], payload)
	})
}

func (self *BoardCache) LoadPending(boardId uuid.UUID) (*protocol.Delta, error) {
	var payload []byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(cachePendingBucket).Get(boardId[:])
		if value != nil {
			payload = make([]byte, len(value))
			copy(payload, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return protocol.DecodeDelta(payload)
}

func (self *BoardCache) ClearPending(boardId uuid.UUID) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cachePendingBucket).Delete(boardId[:])
	})
}

// WarmStart applies the cached state and pending queue for a board,
// then marks the session's local cache ready. Runs asynchronously so
// opening a board never blocks on disk.
func (self *BoardCache) WarmStart(store *ElementStore, session *Session) {
	go func() {
		boardId := store.BoardId()
		state, err := self.LoadState(boardId)
		if err != nil {
			glog.Infof("[cache]load %s error = %s\n", boardId, err)
			return
		}
		if state != nil && 0 < len(state.Entries) {
			store.ApplyDelta(state, OriginSync)
		}
		pending, err := self.LoadPending(boardId)
		if err != nil {
			glog.Infof("[cache]load pending %s error = %s\n", boardId, err)
			return
		}
		if pending != nil && 0 < len(pending.Entries) {
			// replay locally so the doc reflects the queued edits,
			// and reseed the session queue for the next flush
			store.ApplyDelta(pending, OriginSync)
			if session != nil {
				session.RestorePendingDeltas([]*protocol.Delta{pending})
			}
		}
		if session != nil {
			session.SetLocalCacheReady(true)
		}
	}()
}

func (self *BoardCache) Close() {
	self.cancel()
	self.flush()
	self.db.Close()
}
