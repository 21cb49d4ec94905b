package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"
)

func TestResolveBindingSide(t *testing.T) {
	target := Rect{X: 0, Y: 0, Width: 100, Height: 100}

	// auto picks the dominant axis toward the opposite point
	assert.Equal(t, SideRight, ResolveBindingSide(target, Point{X: 300, Y: 50}, SideAuto))
	assert.Equal(t, SideLeft, ResolveBindingSide(target, Point{X: -200, Y: 50}, SideAuto))
	assert.Equal(t, SideBottom, ResolveBindingSide(target, Point{X: 50, Y: 400}, SideAuto))
	assert.Equal(t, SideTop, ResolveBindingSide(target, Point{X: 50, Y: -300}, SideAuto))
	// equal deltas break toward the horizontal axis
	assert.Equal(t, SideRight, ResolveBindingSide(target, Point{X: 250, Y: 250}, SideAuto))

	// explicit sides pass through
	assert.Equal(t, SideTop, ResolveBindingSide(target, Point{X: 300, Y: 50}, SideTop))
}

func TestAnchorPoint(t *testing.T) {
	target := Rect{X: 10, Y: 20, Width: 100, Height: 60}

	assert.Equal(t, Point{X: 60, Y: 20}, AnchorPoint(target, SideTop))
	assert.Equal(t, Point{X: 60, Y: 80}, AnchorPoint(target, SideBottom))
	assert.Equal(t, Point{X: 10, Y: 50}, AnchorPoint(target, SideLeft))
	assert.Equal(t, Point{X: 110, Y: 50}, AnchorPoint(target, SideRight))
}

func TestComputeRouteDeterministic(t *testing.T) {
	start := Rect{X: 0, Y: 0, Width: 100, Height: 100}
	end := Rect{X: 400, Y: 200, Width: 100, Height: 100}
	request := &RouteRequest{
		StartBounds: &start,
		EndBounds:   &end,
		StartSide:   SideAuto,
		EndSide:     SideAuto,
		Obstacles:   []Rect{start, end, {X: 200, Y: 100, Width: 50, Height: 50}},
	}

	first := ComputeRoute(request)
	second := ComputeRoute(request)
	assert.Equal(t, first, second)

	// endpoints sit on the element edges
	assert.Equal(t, AnchorPoint(start, SideRight), first[0])
	assert.Equal(t, AnchorPoint(end, SideLeft), first[len(first)-1])
}

func TestComputeRouteOrthogonal(t *testing.T) {
	request := &RouteRequest{
		Start: Point{X: 0, Y: 0},
		End:   Point{X: 100, Y: 80},
	}
	points := ComputeRoute(request)

	for i := 1; i < len(points); i += 1 {
		axisAligned := points[i].X == points[i-1].X || points[i].Y == points[i-1].Y
		assert.Equal(t, true, axisAligned)
	}
}

func TestComputeRouteAvoidsObstacle(t *testing.T) {
	obstacle := Rect{X: 40, Y: -50, Width: 20, Height: 100}
	request := &RouteRequest{
		Start:     Point{X: 0, Y: 0},
		End:       Point{X: 100, Y: 0},
		Obstacles: []Rect{obstacle},
		Margin:    10,
	}
	points := ComputeRoute(request)

	inflated := obstacle.Inflate(5)
	for i := 1; i < len(points); i += 1 {
		assert.Equal(t, false, segmentBlocked(points[i-1], points[i], []Rect{inflated}))
	}
}

func TestRoutingEngineCommit(t *testing.T) {
	engine := NewRoutingEngine(context.Background(), DefaultRoutingSettings())
	defer engine.Close()

	connectorId := uuid.New()
	routed := make(chan []Point, 1)
	unsub := engine.AddRoutedCallback(func(id uuid.UUID, points []Point) {
		assert.Equal(t, connectorId, id)
		routed <- points
	})
	defer unsub()

	engine.RouteCommit(connectorId, &RouteRequest{
		Start: Point{X: 0, Y: 0},
		End:   Point{X: 100, Y: 100},
	})

	select {
	case points := <-routed:
		assert.Equal(t, Point{X: 0, Y: 0}, points[0])
		assert.Equal(t, Point{X: 100, Y: 100}, points[len(points)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("routed callback never fired")
	}

	last, ok := engine.LastPath(connectorId)
	assert.Equal(t, true, ok)
	assert.Equal(t, Point{X: 100, Y: 100}, last[len(last)-1])
}

func TestRoutingEngineStaleResultDiscarded(t *testing.T) {
	engine := NewRoutingEngine(context.Background(), DefaultRoutingSettings())
	defer engine.Close()

	connectorId := uuid.New()
	routed := 0
	unsub := engine.AddRoutedCallback(func(id uuid.UUID, points []Point) {
		routed += 1
	})
	defer unsub()

	engine.stateLock.Lock()
	engine.seqs[connectorId] = 5
	engine.stateLock.Unlock()

	// a result from a superseded request is dropped
	engine.applyResult(&routeJob{
		connectorId: connectorId,
		seq:         4,
	}, []Point{{X: 1, Y: 1}})
	assert.Equal(t, 0, routed)
	_, ok := engine.LastPath(connectorId)
	assert.Equal(t, false, ok)

	engine.applyResult(&routeJob{
		connectorId: connectorId,
		seq:         5,
	}, []Point{{X: 1, Y: 1}})
	assert.Equal(t, 1, routed)
}

func TestRoutingEngineLiveThrottle(t *testing.T) {
	clock := newTestClock()
	settings := DefaultRoutingSettings()
	settings.Clock = clock
	engine := NewRoutingEngine(context.Background(), settings)
	defer engine.Close()

	connectorId := uuid.New()
	request := func() *RouteRequest {
		return &RouteRequest{
			Start: Point{X: 0, Y: 0},
			End:   Point{X: 100, Y: 100},
		}
	}

	seq := func() uint64 {
		engine.stateLock.Lock()
		defer engine.stateLock.Unlock()
		return engine.seqs[connectorId]
	}

	moved := Rect{X: 0, Y: 0, Width: 50, Height: 50}

	engine.RouteLive(connectorId, request(), moved, 0)
	assert.Equal(t, uint64(1), seq())

	// inside the live interval the frame is dropped
	engine.RouteLive(connectorId, request(), moved, 0)
	assert.Equal(t, uint64(1), seq())

	// past the interval but under the movement threshold, still dropped
	clock.Advance(100 * time.Millisecond)
	moved.X = 5
	engine.RouteLive(connectorId, request(), moved, 0)
	assert.Equal(t, uint64(1), seq())

	// past both gates the frame dispatches
	moved.X = 55
	engine.RouteLive(connectorId, request(), moved, 0)
	assert.Equal(t, uint64(2), seq())
}

func TestRoutingEngineLiveLocksAutoSides(t *testing.T) {
	settings := DefaultRoutingSettings()
	settings.Clock = newTestClock()
	engine := NewRoutingEngine(context.Background(), settings)
	defer engine.Close()

	connectorId := uuid.New()
	startBounds := Rect{X: 0, Y: 0, Width: 100, Height: 100}
	endBounds := Rect{X: 300, Y: 0, Width: 100, Height: 100}
	request := &RouteRequest{
		StartBounds: &startBounds,
		EndBounds:   &endBounds,
		StartSide:   SideAuto,
		EndSide:     SideAuto,
	}

	engine.RouteLive(connectorId, request, startBounds, 0)

	engine.stateLock.Lock()
	state := engine.live[connectorId]
	engine.stateLock.Unlock()
	assert.Equal(t, SideRight, state.startSide)
	assert.Equal(t, SideLeft, state.endSide)

	// the commit unlocks the sides
	engine.RouteCommit(connectorId, request)
	engine.stateLock.Lock()
	_, ok := engine.live[connectorId]
	engine.stateLock.Unlock()
	assert.Equal(t, false, ok)
}

func TestSmoothPath(t *testing.T) {
	previous := []Point{{X: 0, Y: 0}, {X: 10, Y: 0}}
	target := []Point{{X: 0, Y: 0}, {X: 20, Y: 0}}

	smoothed := smoothPath(previous, target, 0.5)
	assert.Equal(t, float64(15), smoothed[1].X)

	// shape changes snap to the target
	longer := []Point{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 20, Y: 20}}
	assert.Equal(t, longer, smoothPath(previous, longer, 0.5))
}

func TestQuickCreatePlacementOrder(t *testing.T) {
	engine := NewRoutingEngine(context.Background(), DefaultRoutingSettings())
	defer engine.Close()

	candidate := Rect{X: 200, Y: 0, Width: 100, Height: 100}

	// clear space keeps the zero offset
	placement, ok := engine.QuickCreatePlacement(candidate, SideRight, 120, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, candidate, placement)

	// blocked zero offset searches -step before +step
	placement, ok = engine.QuickCreatePlacement(candidate, SideRight, 120, []Rect{candidate})
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(-120), placement.Y)

	// -step also blocked moves to +step
	placement, ok = engine.QuickCreatePlacement(candidate, SideRight, 120, []Rect{
		candidate,
		{X: 200, Y: -120, Width: 100, Height: 100},
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(120), placement.Y)
}

func TestQuickCreatePlacementExhausted(t *testing.T) {
	settings := DefaultRoutingSettings()
	settings.QuickCreateMaxSteps = 2
	engine := NewRoutingEngine(context.Background(), settings)
	defer engine.Close()

	// one giant obstacle blankets every offset
	blanket := Rect{X: -10000, Y: -10000, Width: 20000, Height: 20000}
	candidate := Rect{X: 0, Y: 0, Width: 100, Height: 100}

	placement, ok := engine.QuickCreatePlacement(candidate, SideBottom, 50, []Rect{blanket})
	assert.Equal(t, false, ok)
	assert.Equal(t, candidate, placement)
}
