package collab

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golang/glog"
)

type RoutedPathFunc func(connectorId uuid.UUID, points []Point)

type RoutingSettings struct {
	// minimum spacing between drag frames handed to the router
	LiveInterval time.Duration
	// combined position/size/rotation delta below which a live frame
	// is dropped
	LiveMoveThreshold float64
	// blend toward the target path per live result
	LiveSmoothing       float64
	ObstacleMargin      float64
	WorkerQueueSize     int
	QuickCreateMaxSteps int
	Clock               Clock
}

func DefaultRoutingSettings() *RoutingSettings {
	return &RoutingSettings{
		LiveInterval:        48 * time.Millisecond,
		LiveMoveThreshold:   10,
		LiveSmoothing:       0.5,
		ObstacleMargin:      10,
		WorkerQueueSize:     64,
		QuickCreateMaxSteps: 8,
		Clock:               NewSystemClock(),
	}
}

type routeJob struct {
	connectorId uuid.UUID
	seq         uint64
	live        bool
	request     *RouteRequest
}

type liveRouteState struct {
	startSide    BindingSide
	endSide      BindingSide
	lastAt       time.Time
	lastMoved    Rect
	lastRotation float64
	hasMoved     bool
}

// RoutingEngine computes connector paths off the caller's goroutine.
// Each connector carries a sequence number; a result that arrives
// after a newer request was dispatched is discarded, so the latest
// geometry always wins regardless of worker timing.
type RoutingEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RoutingSettings

	stateLock sync.Mutex
	seqs      map[uuid.UUID]uint64
	lastPaths map[uuid.UUID][]Point
	live      map[uuid.UUID]*liveRouteState

	jobs chan *routeJob

	routedCallbacks *CallbackList[RoutedPathFunc]
}

func NewRoutingEngineWithDefaults(ctx context.Context) *RoutingEngine {
	return NewRoutingEngine(ctx, DefaultRoutingSettings())
}

func NewRoutingEngine(ctx context.Context, settings *RoutingSettings) *RoutingEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	engine := &RoutingEngine{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		seqs:            map[uuid.UUID]uint64{},
		lastPaths:       map[uuid.UUID][]Point{},
		live:            map[uuid.UUID]*liveRouteState{},
		jobs:            make(chan *routeJob, settings.WorkerQueueSize),
		routedCallbacks: NewCallbackList[RoutedPathFunc](),
	}
	go engine.run()
	return engine
}

func (self *RoutingEngine) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case job := <-self.jobs:
			points := ComputeRoute(job.request)
			self.applyResult(job, points)
		}
	}
}

func (self *RoutingEngine) AddRoutedCallback(callback RoutedPathFunc) func() {
	return self.routedCallbacks.Add(callback)
}

// RouteCommit requests a final path for a connector. The result is
// delivered via routed callbacks; if the worker queue is saturated the
// route is computed inline so a commit is never lost.
func (self *RoutingEngine) RouteCommit(connectorId uuid.UUID, request *RouteRequest) {
	if request.Margin <= 0 {
		request.Margin = self.settings.ObstacleMargin
	}

	self.stateLock.Lock()
	self.seqs[connectorId] += 1
	seq := self.seqs[connectorId]
	// the drag is over; unlock the auto sides
	delete(self.live, connectorId)
	self.stateLock.Unlock()

	job := &routeJob{
		connectorId: connectorId,
		seq:         seq,
		request:     request,
	}
	select {
	case self.jobs <- job:
	default:
		glog.V(2).Infof("[route]worker saturated, routing %s inline\n", connectorId)
		points := ComputeRoute(request)
		self.applyResult(job, points)
	}
}

// RouteLive requests a path during a drag. Frames closer together than
// the live interval, or whose moved-element delta is below the
// movement threshold, are dropped. Auto binding sides resolve once at
// drag start and stay locked until the next commit so the connector
// does not flip sides mid drag.
func (self *RoutingEngine) RouteLive(
	connectorId uuid.UUID,
	request *RouteRequest,
	moved Rect,
	movedRotation float64,
) {
	if request.Margin <= 0 {
		request.Margin = self.settings.ObstacleMargin
	}
	now := self.settings.Clock.Now()

	self.stateLock.Lock()
	state, ok := self.live[connectorId]
	if !ok {
		startSide, endSide := request.resolvedSides()
		state = &liveRouteState{
			startSide: startSide,
			endSide:   endSide,
		}
		self.live[connectorId] = state
	} else {
		if now.Sub(state.lastAt) < self.settings.LiveInterval {
			self.stateLock.Unlock()
			return
		}
		if state.hasMoved {
			delta := math.Abs(moved.X-state.lastMoved.X) +
				math.Abs(moved.Y-state.lastMoved.Y) +
				math.Abs(moved.Width-state.lastMoved.Width) +
				math.Abs(moved.Height-state.lastMoved.Height) +
				math.Abs(movedRotation-state.lastRotation)
			if delta < self.settings.LiveMoveThreshold {
				self.stateLock.Unlock()
				return
			}
		}
	}
	state.lastAt = now
	state.lastMoved = moved
	state.lastRotation = movedRotation
	state.hasMoved = true

	request.StartSide = state.startSide
	request.EndSide = state.endSide

	self.seqs[connectorId] += 1
	seq := self.seqs[connectorId]
	self.stateLock.Unlock()

	job := &routeJob{
		connectorId: connectorId,
		seq:         seq,
		live:        true,
		request:     request,
	}
	select {
	case self.jobs <- job:
	default:
		// drop the frame; the commit path will settle the connector
		glog.V(2).Infof("[route]worker saturated, dropping live frame for %s\n", connectorId)
	}
}

func (self *RoutingEngine) applyResult(job *routeJob, points []Point) {
	self.stateLock.Lock()
	if self.seqs[job.connectorId] != job.seq {
		// a newer request was dispatched while this one was in flight
		self.stateLock.Unlock()
		return
	}
	if job.live {
		points = smoothPath(self.lastPaths[job.connectorId], points, self.settings.LiveSmoothing)
	}
	self.lastPaths[job.connectorId] = points
	self.stateLock.Unlock()

	for _, routedCallback := range self.routedCallbacks.Get() {
		routedCallback(job.connectorId, points)
	}
}

// LastPath returns the most recent routed path for a connector, if any.
func (self *RoutingEngine) LastPath(connectorId uuid.UUID) ([]Point, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	points, ok := self.lastPaths[connectorId]
	if !ok {
		return nil, false
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out, true
}

// Forget drops all routing state for a connector, typically after the
// connector element is removed.
func (self *RoutingEngine) Forget(connectorId uuid.UUID) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.seqs, connectorId)
	delete(self.lastPaths, connectorId)
	delete(self.live, connectorId)
}

func (self *RoutingEngine) Close() {
	self.cancel()
}

// smoothPath blends the previous path toward the target. When the
// point counts differ the shape changed and the target is taken as-is.
func smoothPath(previous []Point, target []Point, blend float64) []Point {
	if len(previous) != len(target) {
		return target
	}
	out := make([]Point, len(target))
	for i := range target {
		out[i] = Point{
			X: previous[i].X + (target[i].X-previous[i].X)*blend,
			Y: previous[i].Y + (target[i].Y-previous[i].Y)*blend,
		}
	}
	return out
}

// QuickCreatePlacement finds a non-overlapping placement for an
// element created adjacent to an existing one. The candidate is shifted
// perpendicular to the creation direction by 0, -step, +step, -2*step,
// +2*step and so on. Returns the first clear placement, or the
// unshifted candidate and false when every offset overlaps.
func (self *RoutingEngine) QuickCreatePlacement(
	candidate Rect,
	side BindingSide,
	step float64,
	obstacles []Rect,
) (Rect, bool) {
	maxSteps := self.settings.QuickCreateMaxSteps
	for i := 0; i <= maxSteps; i += 1 {
		for _, sign := range []float64{-1, 1} {
			if i == 0 && sign == 1 {
				// zero offset only once
				continue
			}
			offset := sign * float64(i) * step
			shifted := candidate
			switch side {
			case SideLeft, SideRight:
				shifted.Y += offset
			default:
				shifted.X += offset
			}
			if !overlapsAny(shifted, obstacles) {
				return shifted, true
			}
		}
	}
	return candidate, false
}

func overlapsAny(r Rect, obstacles []Rect) bool {
	for _, obstacle := range obstacles {
		if r.Intersects(obstacle) {
			return true
		}
	}
	return false
}
