package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"tactileboard.com/collab/protocol"
)

const SessionSendBufferSize = 32

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionOnline       ConnectionState = "online"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionOffline      ConnectionState = "offline"
)

// SyncStatus is the externally visible session state. Only the session
// mutates it; callers observe it via `Status` or status callbacks.
type SyncStatus struct {
	Connection        ConnectionState
	PendingUpdates    int
	LocalCacheReady   bool
	LastLocalChangeAt time.Time
	Queued            bool
	CanEdit           bool
}

type SyncStatusFunc func(status SyncStatus)

type SessionEventFunc func(event *protocol.Event)

// SessionConn is the subset of *websocket.Conn the session drives.
type SessionConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context) (SessionConn, error)

// outboundMessage pairs a websocket message type with its bytes so the
// writer pump can interleave binary frames and text events.
type outboundMessage struct {
	messageType int
	data        []byte
}

func binaryFrame(frame []byte) outboundMessage {
	return outboundMessage{
		messageType: websocket.BinaryMessage,
		data:        frame,
	}
}

func textMessage(message []byte) outboundMessage {
	return outboundMessage{
		messageType: websocket.TextMessage,
		data:        message,
	}
}

// WebSocketDial dials a board endpoint with the default gorilla dialer.
func WebSocketDial(url string, requestHeader http.Header) DialFunc {
	return func(ctx context.Context) (SessionConn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, requestHeader)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

type SessionSettings struct {
	BackoffMinTimeout time.Duration
	BackoffMaxTimeout time.Duration
	// consecutive failed attempts before giving up until reachability
	// is signaled again
	MaxConnectAttempts int
	// minimum spacing between connect attempts, deferred not dropped
	MinConnectInterval time.Duration
	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// queued offline deltas before the queue is coalesced in place
	QueueLimit int
	Clock      Clock
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		BackoffMinTimeout:  1 * time.Second,
		BackoffMaxTimeout:  30 * time.Second,
		MaxConnectAttempts: 8,
		MinConnectInterval: 400 * time.Millisecond,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		QueueLimit:         4096,
		Clock:              NewSystemClock(),
	}
}

// Session keeps one board's store and awareness converged with the
// server over a single websocket, reconnecting with exponential
// backoff and queueing local updates while offline.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     *ElementStore
	awareness *AwarenessManager
	dial      DialFunc

	settings *SessionSettings

	stateLock          sync.Mutex
	status             SyncStatus
	queue              []*protocol.Delta
	send               chan outboundMessage
	conn               SessionConn
	lastConnectAt      time.Time
	serverTimeSkew     time.Duration
	lastPresenceStatus PresenceStatus

	unreachable bool
	reachable   chan struct{}

	statusCallbacks *CallbackList[SyncStatusFunc]
	eventCallbacks  *CallbackList[SessionEventFunc]

	unsubStore     func()
	unsubAwareness func()
}

func NewSessionWithDefaults(
	ctx context.Context,
	store *ElementStore,
	awareness *AwarenessManager,
	dial DialFunc,
) *Session {
	return NewSession(ctx, store, awareness, dial, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	store *ElementStore,
	awareness *AwarenessManager,
	dial DialFunc,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		awareness: awareness,
		dial:      dial,
		settings:  settings,
		status: SyncStatus{
			Connection: ConnectionConnecting,
			CanEdit:    true,
		},
		reachable:       make(chan struct{}, 1),
		statusCallbacks: NewCallbackList[SyncStatusFunc](),
		eventCallbacks:  NewCallbackList[SessionEventFunc](),
	}
	session.unsubStore = store.AddChangeCallback(session.storeChanged)
	session.unsubAwareness = awareness.AddDeltaCallback(session.awarenessChanged)
	go session.run()
	return session
}

func (self *Session) AddStatusCallback(callback SyncStatusFunc) func() {
	return self.statusCallbacks.Add(callback)
}

// AddEventCallback observes text events not consumed by the session
// itself, e.g. user:joined, user:left, presence:update.
func (self *Session) AddEventCallback(callback SessionEventFunc) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *Session) Status() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

// ServerTimeSkew is the last observed server-local clock offset from
// heartbeat acks.
func (self *Session) ServerTimeSkew() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.serverTimeSkew
}

// SetReachable feeds the platform network reachability signal. Going
// unreachable forces the session offline from any state and parks the
// connect loop; regaining reachability resumes connection attempts.
func (self *Session) SetReachable(reachable bool) {
	self.stateLock.Lock()
	self.unreachable = !reachable
	conn := self.conn
	self.stateLock.Unlock()

	if reachable {
		select {
		case self.reachable <- struct{}{}:
		default:
		}
	} else if conn != nil {
		conn.Close()
	}
}

// SetLocalCacheReady is called by the cache layer once the warm-start
// snapshot has been applied.
func (self *Session) SetLocalCacheReady(ready bool) {
	self.updateStatus(func(status *SyncStatus) {
		status.LocalCacheReady = ready
	})
}

func (self *Session) updateStatus(mutate func(status *SyncStatus)) {
	self.stateLock.Lock()
	before := self.status
	mutate(&self.status)
	after := self.status
	self.stateLock.Unlock()

	if before != after {
		for _, statusCallback := range self.statusCallbacks.Get() {
			statusCallback(after)
		}
	}
}

// storeChanged captures local transactions for transmission. Remote
// and sync origins are echoes of the wire and never re-sent.
func (self *Session) storeChanged(change *ElementChange) {
	if change.Origin != OriginLocal {
		return
	}
	update := change.Update
	if update == nil || update.Delta == nil || len(update.Delta.Entries) == 0 {
		return
	}

	self.stateLock.Lock()
	self.status.LastLocalChangeAt = self.settings.Clock.Now()
	if !self.status.CanEdit {
		// the server ignores updates from read-only sessions
		self.stateLock.Unlock()
		glog.V(1).Infof("[t]drop local update, session is read only\n")
		return
	}
	var send chan outboundMessage
	if self.status.Connection == ConnectionOnline && !self.status.Queued {
		send = self.send
	}
	if send == nil {
		self.enqueueLocked(update.Delta)
		status := self.status
		self.stateLock.Unlock()
		for _, statusCallback := range self.statusCallbacks.Get() {
			statusCallback(status)
		}
		return
	}
	status := self.status
	self.stateLock.Unlock()

	payload, err := protocol.EncodeDelta(update.Delta)
	if err != nil {
		glog.Infof("[t]encode update error = %s\n", err)
		return
	}
	self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpUpdate, payload)))
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(status)
	}
}

// enqueueLocked appends an offline delta. At the queue limit the whole
// queue coalesces in place to a single merged delta so updates are
// never dropped.
func (self *Session) enqueueLocked(delta *protocol.Delta) {
	self.queue = append(self.queue, delta)
	if self.settings.QueueLimit < len(self.queue) {
		merged := protocol.MergeDeltas(self.queue...)
		self.queue = []*protocol.Delta{merged}
	}
	self.status.PendingUpdates = len(self.queue)
}

// PendingDeltas returns a copy of the offline queue, for the durable
// cache.
func (self *Session) PendingDeltas() []*protocol.Delta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]*protocol.Delta, len(self.queue))
	copy(out, self.queue)
	return out
}

// RestorePendingDeltas seeds the offline queue from the durable cache.
func (self *Session) RestorePendingDeltas(deltas []*protocol.Delta) {
	self.updateStatus(func(status *SyncStatus) {
		self.queue = append(self.queue, deltas...)
		status.PendingUpdates = len(self.queue)
	})
}

// awarenessChanged forwards local awareness deltas. Awareness is
// ephemeral: while offline deltas are dropped, the full snapshot is
// re-sent on the next handshake.
func (self *Session) awarenessChanged(update *protocol.AwarenessUpdate) {
	self.stateLock.Lock()
	var send chan outboundMessage
	if self.status.Connection == ConnectionOnline && !self.status.Queued {
		send = self.send
	}
	self.stateLock.Unlock()
	if send == nil {
		return
	}

	payload, err := protocol.EncodeAwareness(update)
	if err != nil {
		glog.Infof("[t]encode awareness error = %s\n", err)
		return
	}
	self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpAwareness, payload)))
	self.sendPresence(send, false)
}

// sendPresence emits the text presence:update event when the local
// status differs from the last one announced.
func (self *Session) sendPresence(send chan outboundMessage, force bool) {
	state := self.awareness.LocalState()

	self.stateLock.Lock()
	changed := self.lastPresenceStatus != state.Status
	if changed || force {
		self.lastPresenceStatus = state.Status
	}
	self.stateLock.Unlock()
	if !changed && !force {
		return
	}

	message, err := protocol.EncodeEvent(protocol.EventPresenceUpdate, &protocol.PresenceUpdate{
		UserId:    state.User.Id,
		Status:    string(state.Status),
		Timestamp: self.settings.Clock.Now().UnixMilli(),
	})
	if err != nil {
		glog.Infof("[t]encode presence error = %s\n", err)
		return
	}
	self.trySend(send, textMessage(message))
}

func (self *Session) trySend(send chan outboundMessage, message outboundMessage) {
	select {
	case <-self.ctx.Done():
	case send <- message:
	case <-self.settings.Clock.After(self.settings.WriteTimeout):
		glog.Infof("[t]send buffer full, dropping frame\n")
	}
}

// connectBackoff doubles from the minimum per failed attempt, capped
// at the maximum.
func connectBackoff(settings *SessionSettings, attempt int) time.Duration {
	backoff := settings.BackoffMinTimeout << (attempt - 1)
	if settings.BackoffMaxTimeout < backoff {
		backoff = settings.BackoffMaxTimeout
	}
	return backoff
}

func (self *Session) run() {
	defer self.cancel()

	attempt := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.stateLock.Lock()
		unreachable := self.unreachable
		self.stateLock.Unlock()
		if unreachable {
			self.updateStatus(func(status *SyncStatus) {
				status.Connection = ConnectionOffline
			})
			select {
			case <-self.ctx.Done():
				return
			case <-self.reachable:
			}
			attempt = 0
			self.updateStatus(func(status *SyncStatus) {
				status.Connection = ConnectionConnecting
			})
			continue
		}

		// defer the attempt to keep the minimum inter-connect spacing
		self.stateLock.Lock()
		sinceConnect := self.settings.Clock.Now().Sub(self.lastConnectAt)
		self.stateLock.Unlock()
		if wait := self.settings.MinConnectInterval - sinceConnect; 0 < wait {
			select {
			case <-self.ctx.Done():
				return
			case <-self.settings.Clock.After(wait):
			}
		}
		self.stateLock.Lock()
		self.lastConnectAt = self.settings.Clock.Now()
		self.stateLock.Unlock()

		conn, err := self.dial(self.ctx)
		if err != nil {
			attempt += 1
			glog.Infof("[t]connect attempt %d error = %s\n", attempt, err)
			if self.settings.MaxConnectAttempts <= attempt {
				// the cap counts dials. after the final failed dial
				// the session parks offline instead of scheduling
				// another backoff wait.
				self.updateStatus(func(status *SyncStatus) {
					status.Connection = ConnectionOffline
				})
				select {
				case <-self.ctx.Done():
					return
				case <-self.reachable:
				}
				attempt = 0
				self.updateStatus(func(status *SyncStatus) {
					status.Connection = ConnectionConnecting
				})
				continue
			}
			backoff := connectBackoff(self.settings, attempt)
			self.updateStatus(func(status *SyncStatus) {
				status.Connection = ConnectionReconnecting
			})
			select {
			case <-self.ctx.Done():
				return
			case <-self.settings.Clock.After(backoff):
			}
			continue
		}

		attempt = 0
		self.handle(conn)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.updateStatus(func(status *SyncStatus) {
			status.Connection = ConnectionReconnecting
		})
	}
}

// handle drives one connection until it fails or the session closes.
func (self *Session) handle(conn SessionConn) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan outboundMessage, SessionSendBufferSize)

	self.stateLock.Lock()
	self.send = send
	self.conn = conn
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.conn = nil
		self.stateLock.Unlock()
	}()

	self.updateStatus(func(status *SyncStatus) {
		status.Connection = ConnectionOnline
	})

	if err := self.handshake(send); err != nil {
		glog.Infof("[t]handshake error = %s\n", err)
		return
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				conn.SetWriteDeadline(self.settings.Clock.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteMessage(message.messageType, message.data); err != nil {
					glog.Infof("[ts]-> error = %s\n", err)
					return
				}
				if message.messageType == websocket.BinaryMessage {
					glog.V(2).Infof("[ts]->%s\n", protocol.OpName(message.data[0]))
				}
			case <-self.settings.Clock.After(self.settings.HeartbeatInterval):
				message, err := protocol.EncodeEvent(protocol.EventHeartbeat, nil)
				if err != nil {
					return
				}
				conn.SetWriteDeadline(self.settings.Clock.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			conn.SetReadDeadline(self.settings.Clock.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				glog.Infof("[tr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					continue
				}
				self.receiveFrame(send, message)
			case websocket.TextMessage:
				self.receiveEvent(send, message)
			}
		}
	}()

	<-handleCtx.Done()
}

// handshake runs the join sequence: announce our state vector, flush
// the coalesced offline queue, re-broadcast the awareness snapshot,
// then announce presence.
func (self *Session) handshake(send chan outboundMessage) error {
	svPayload, err := protocol.EncodeStateVector(self.store.Doc().StateVector())
	if err != nil {
		return err
	}
	self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpSyncStep1, svPayload)))

	var queue []*protocol.Delta
	self.updateStatus(func(status *SyncStatus) {
		queue = self.queue
		self.queue = nil
		status.PendingUpdates = 0
	})
	if 0 < len(queue) {
		merged := protocol.MergeDeltas(queue...)
		payload, err := protocol.EncodeDelta(merged)
		if err != nil {
			return err
		}
		self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpUpdate, payload)))
		glog.V(1).Infof("[t]flushed %d queued updates\n", len(queue))
	}

	if snapshot := self.awareness.Snapshot(); 0 < len(snapshot.Entries) {
		payload, err := protocol.EncodeAwareness(snapshot)
		if err != nil {
			return err
		}
		self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpAwareness, payload)))
	}
	self.sendPresence(send, true)
	return nil
}

func (self *Session) receiveFrame(send chan outboundMessage, message []byte) {
	op, payload, err := protocol.DecodeFrame(message)
	if err != nil {
		glog.Infof("[tr]frame error = %s\n", err)
		return
	}
	glog.V(2).Infof("[tr]<-%s\n", protocol.OpName(op))

	switch op {
	case protocol.OpSyncStep1:
		// answer the server's state vector with our diff
		sv, err := protocol.DecodeStateVector(payload)
		if err != nil {
			glog.Infof("[tr]sync step 1 error = %s\n", err)
			return
		}
		diff := self.store.Doc().DiffDelta(sv)
		diffPayload, err := protocol.EncodeDelta(diff)
		if err != nil {
			glog.Infof("[tr]sync step 2 encode error = %s\n", err)
			return
		}
		self.trySend(send, binaryFrame(protocol.EncodeFrame(protocol.OpSyncStep2, diffPayload)))
	case protocol.OpSyncStep2:
		if err := self.store.ApplyUpdate(payload, OriginSync); err != nil {
			glog.Infof("[tr]sync step 2 error = %s\n", err)
		}
	case protocol.OpUpdate:
		if err := self.store.ApplyUpdate(payload, OriginRemote); err != nil {
			glog.Infof("[tr]update error = %s\n", err)
		}
	case protocol.OpAwareness:
		update, err := protocol.DecodeAwareness(payload)
		if err != nil {
			glog.Infof("[tr]awareness error = %s\n", err)
			return
		}
		self.awareness.ApplyUpdate(update)
	case protocol.OpRoleUpdate:
		update, err := protocol.DecodeRoleUpdate(payload)
		if err != nil {
			glog.Infof("[tr]role update error = %s\n", err)
			return
		}
		glog.V(1).Infof("[t]role update can edit = %t\n", update.CanEdit)
		self.updateStatus(func(status *SyncStatus) {
			status.CanEdit = update.CanEdit
		})
	default:
		glog.V(1).Infof("[tr]unknown op = %d\n", op)
	}
}

func (self *Session) receiveEvent(send chan outboundMessage, message []byte) {
	event, err := protocol.DecodeEvent(message)
	if err != nil {
		glog.Infof("[tr]event error = %s\n", err)
		return
	}

	switch event.Type {
	case protocol.EventBoardJoined:
		joined, err := protocol.DecodeEventPayload[protocol.BoardJoined](event)
		if err != nil {
			glog.Infof("[tr]board joined error = %s\n", err)
			return
		}
		wasQueued := self.Status().Queued
		self.updateStatus(func(status *SyncStatus) {
			status.Queued = false
			status.CanEdit = joined.Permissions.CanEdit
		})
		if wasQueued {
			// sync was suspended while queued; run the handshake now
			if err := self.handshake(send); err != nil {
				glog.Infof("[t]resume handshake error = %s\n", err)
			}
		}
	case protocol.EventBoardQueued:
		queued, err := protocol.DecodeEventPayload[protocol.BoardQueued](event)
		if err != nil {
			glog.Infof("[tr]board queued error = %s\n", err)
			return
		}
		glog.V(1).Infof("[t]queued at position %d\n", queued.Position)
		self.updateStatus(func(status *SyncStatus) {
			status.Queued = true
		})
	case protocol.EventHeartbeatAck:
		ack, err := protocol.DecodeEventPayload[protocol.HeartbeatAck](event)
		if err != nil {
			return
		}
		serverTime := time.UnixMilli(ack.ServerTime)
		self.stateLock.Lock()
		self.serverTimeSkew = serverTime.Sub(self.settings.Clock.Now())
		self.stateLock.Unlock()
	}

	for _, eventCallback := range self.eventCallbacks.Get() {
		eventCallback(event)
	}
}

func (self *Session) Close() {
	self.cancel()
	self.unsubStore()
	self.unsubAwareness()
}
