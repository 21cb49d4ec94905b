package collab

import (
	"math"
)

// ResolveBindingSide picks the concrete edge for an auto binding by
// comparing the target's center to the opposite endpoint: the larger
// axis delta wins, right/left or bottom/top by sign.
func ResolveBindingSide(target Rect, opposite Point, side BindingSide) BindingSide {
	if side != SideAuto {
		return side
	}
	center := target.Center()
	dx := opposite.X - center.X
	dy := opposite.Y - center.Y
	if math.Abs(dy) <= math.Abs(dx) {
		if dx < 0 {
			return SideLeft
		}
		return SideRight
	}
	if dy < 0 {
		return SideTop
	}
	return SideBottom
}

// AnchorPoint is the midpoint of the chosen edge.
func AnchorPoint(target Rect, side BindingSide) Point {
	switch side {
	case SideTop:
		return Point{X: target.X + target.Width/2, Y: target.Y}
	case SideBottom:
		return Point{X: target.X + target.Width/2, Y: target.Y + target.Height}
	case SideLeft:
		return Point{X: target.X, Y: target.Y + target.Height/2}
	default:
		return Point{X: target.X + target.Width, Y: target.Y + target.Height/2}
	}
}

func sideNormal(side BindingSide) Point {
	switch side {
	case SideTop:
		return Point{X: 0, Y: -1}
	case SideBottom:
		return Point{X: 0, Y: 1}
	case SideLeft:
		return Point{X: -1, Y: 0}
	default:
		return Point{X: 1, Y: 0}
	}
}

// RouteRequest is a pure description of one routing problem. Identical
// requests always produce identical polylines.
type RouteRequest struct {
	Start       Point
	End         Point
	StartBounds *Rect
	EndBounds   *Rect
	StartSide   BindingSide
	EndSide     BindingSide
	Obstacles   []Rect
	Margin      float64
}

func (self *RouteRequest) resolvedSides() (BindingSide, BindingSide) {
	startSide := self.StartSide
	endSide := self.EndSide
	if self.StartBounds != nil {
		startSide = ResolveBindingSide(*self.StartBounds, self.endReference(), startSide)
	}
	if self.EndBounds != nil {
		endSide = ResolveBindingSide(*self.EndBounds, self.startReference(), endSide)
	}
	return startSide, endSide
}

func (self *RouteRequest) startReference() Point {
	if self.StartBounds != nil {
		return self.StartBounds.Center()
	}
	return self.Start
}

func (self *RouteRequest) endReference() Point {
	if self.EndBounds != nil {
		return self.EndBounds.Center()
	}
	return self.End
}

// ComputeRoute returns an orthogonal polyline from the resolved start
// to the resolved end, routed around obstacle bounds. Pure function of
// the request.
func ComputeRoute(request *RouteRequest) []Point {
	margin := request.Margin
	if margin <= 0 {
		margin = 10
	}

	startSide, endSide := request.resolvedSides()

	start := request.Start
	end := request.End
	if request.StartBounds != nil {
		start = AnchorPoint(*request.StartBounds, startSide)
	}
	if request.EndBounds != nil {
		end = AnchorPoint(*request.EndBounds, endSide)
	}

	// step off the element edge before turning
	breakStart := start
	if request.StartBounds != nil {
		normal := sideNormal(startSide)
		breakStart = Point{X: start.X + normal.X*margin, Y: start.Y + normal.Y*margin}
	}
	breakEnd := end
	if request.EndBounds != nil {
		normal := sideNormal(endSide)
		breakEnd = Point{X: end.X + normal.X*margin, Y: end.Y + normal.Y*margin}
	}

	obstacles := routeObstacles(request, margin)
	inner := routeBetween(breakStart, breakEnd, obstacles, margin)

	points := []Point{start}
	if breakStart != start {
		points = append(points, breakStart)
	}
	for _, p := range inner {
		points = appendRoutePoint(points, p)
	}
	points = appendRoutePoint(points, breakEnd)
	points = appendRoutePoint(points, end)
	return points
}

// routeObstacles inflates the obstacle set, excluding the bound
// elements themselves.
func routeObstacles(request *RouteRequest, margin float64) []Rect {
	out := []Rect{}
	for _, obstacle := range request.Obstacles {
		if request.StartBounds != nil && obstacle == *request.StartBounds {
			continue
		}
		if request.EndBounds != nil && obstacle == *request.EndBounds {
			continue
		}
		out = append(out, obstacle.Inflate(margin/2))
	}
	return out
}

// routeBetween picks the first collision-free candidate, preferring
// fewer bends, then shorter length. Candidate order is fixed so the
// result is deterministic.
func routeBetween(a Point, b Point, obstacles []Rect, margin float64) []Point {
	candidates := [][]Point{
		// L-paths
		{a, {X: b.X, Y: a.Y}, b},
		{a, {X: a.X, Y: b.Y}, b},
		// Z-paths through midlines
		{a, {X: (a.X + b.X) / 2, Y: a.Y}, {X: (a.X + b.X) / 2, Y: b.Y}, b},
		{a, {X: a.X, Y: (a.Y + b.Y) / 2}, {X: b.X, Y: (a.Y + b.Y) / 2}, b},
	}
	// detours around the combined obstacle envelope, stepped off by the
	// margin so the path clears the inflated bounds
	if envelope, ok := obstacleEnvelope(a, b, obstacles); ok {
		above := envelope.Y - margin
		below := envelope.Y + envelope.Height + margin
		left := envelope.X - margin
		right := envelope.X + envelope.Width + margin
		candidates = append(candidates,
			[]Point{a, {X: a.X, Y: above}, {X: b.X, Y: above}, b},
			[]Point{a, {X: a.X, Y: below}, {X: b.X, Y: below}, b},
			[]Point{a, {X: left, Y: a.Y}, {X: left, Y: b.Y}, b},
			[]Point{a, {X: right, Y: a.Y}, {X: right, Y: b.Y}, b},
		)
	}

	var best []Point
	bestBends := math.MaxInt
	bestLength := math.MaxFloat64
	for _, candidate := range candidates {
		if pathBlocked(candidate, obstacles) {
			continue
		}
		bends := pathBends(candidate)
		length := pathLength(candidate)
		if bends < bestBends || (bends == bestBends && length < bestLength) {
			best = candidate
			bestBends = bends
			bestLength = length
		}
	}
	if best == nil {
		// nothing clear; the mid Z-path is the least bad default
		best = candidates[2]
	}
	return best
}

func obstacleEnvelope(a Point, b Point, obstacles []Rect) (Rect, bool) {
	minX := math.Min(a.X, b.X)
	maxX := math.Max(a.X, b.X)
	minY := math.Min(a.Y, b.Y)
	maxY := math.Max(a.Y, b.Y)
	span := Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}

	found := false
	var envelope Rect
	for _, obstacle := range obstacles {
		if !obstacle.Intersects(span) {
			continue
		}
		if !found {
			envelope = obstacle
			found = true
			continue
		}
		right := math.Max(envelope.X+envelope.Width, obstacle.X+obstacle.Width)
		bottom := math.Max(envelope.Y+envelope.Height, obstacle.Y+obstacle.Height)
		envelope.X = math.Min(envelope.X, obstacle.X)
		envelope.Y = math.Min(envelope.Y, obstacle.Y)
		envelope.Width = right - envelope.X
		envelope.Height = bottom - envelope.Y
	}
	return envelope, found
}

func pathBlocked(points []Point, obstacles []Rect) bool {
	for i := 1; i < len(points); i += 1 {
		if segmentBlocked(points[i-1], points[i], obstacles) {
			return true
		}
	}
	return false
}

func segmentBlocked(a Point, b Point, obstacles []Rect) bool {
	segment := Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
	for _, obstacle := range obstacles {
		if obstacle.Intersects(segment.Inflate(0.5)) {
			return true
		}
	}
	return false
}

func pathBends(points []Point) int {
	bends := 0
	for i := 2; i < len(points); i += 1 {
		d1x := points[i-1].X - points[i-2].X
		d1y := points[i-1].Y - points[i-2].Y
		d2x := points[i].X - points[i-1].X
		d2y := points[i].Y - points[i-1].Y
		if (d1x == 0) != (d2x == 0) || (d1y == 0) != (d2y == 0) {
			bends += 1
		}
	}
	return bends
}

func pathLength(points []Point) float64 {
	length := float64(0)
	for i := 1; i < len(points); i += 1 {
		length += math.Abs(points[i].X-points[i-1].X) +
			math.Abs(points[i].Y-points[i-1].Y)
	}
	return length
}

func appendRoutePoint(points []Point, p Point) []Point {
	if 0 < len(points) && points[len(points)-1] == p {
		return points
	}
	return append(points, p)
}

// FlattenRoute converts a polyline to the flat even-count coordinate
// list stored in connector properties.
func FlattenRoute(points []Point) []float64 {
	out := make([]float64, 0, 2*len(points))
	for _, p := range points {
		out = append(out, p.X, p.Y)
	}
	return out
}
