package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"
)

func TestParseElementKind(t *testing.T) {
	kind, ok := ParseElementKind("Connector")
	assert.Equal(t, ok, true)
	assert.Equal(t, kind, ElementKindConnector)

	_, ok = ParseElementKind("Blob")
	assert.Equal(t, ok, false)

	assert.Equal(t, ElementKindShape.IsBoxLike(), true)
	assert.Equal(t, ElementKindDrawing.IsBoxLike(), false)
	assert.Equal(t, ElementKindConnector.IsBoxLike(), false)
}

func TestRectGeometry(t *testing.T) {
	rect := Rect{X: 10, Y: 20, Width: 100, Height: 50}

	assert.Equal(t, rect.Center(), Point{X: 60, Y: 45})
	assert.Equal(t, rect.Contains(Point{X: 10, Y: 20}), true)
	assert.Equal(t, rect.Contains(Point{X: 9, Y: 20}), false)

	// strict intersection excludes edge contact
	assert.Equal(t, rect.Intersects(Rect{X: 110, Y: 20, Width: 10, Height: 10}), false)
	assert.Equal(t, rect.Intersects(Rect{X: 105, Y: 20, Width: 10, Height: 10}), true)

	inflated := rect.Inflate(5)
	assert.Equal(t, inflated, Rect{X: 5, Y: 15, Width: 110, Height: 60})
}

func TestConnectorRoundTrip(t *testing.T) {
	targetId := uuid.New()
	connector := &ConnectorProperties{
		Start:       Point{X: 0, Y: 0},
		End:         Point{X: 100, Y: 50},
		Points:      []float64{0, 0, 50, 0, 50, 50, 100, 50},
		RoutingMode: RoutingModeOrthogonal,
		EndBinding: &ConnectorBinding{
			ElementId: targetId,
			Side:      SideLeft,
		},
	}

	element := &BoardElement{
		Id:         uuid.New(),
		BoardId:    uuid.New(),
		Kind:       ElementKindConnector,
		Properties: connector.ToValue(),
	}

	decoded := ConnectorFromElement(element)
	assert.Equal(t, decoded.Start, connector.Start)
	assert.Equal(t, decoded.End, connector.End)
	assert.Equal(t, decoded.Points, connector.Points)
	assert.Equal(t, decoded.RoutingMode, RoutingModeOrthogonal)
	assert.Equal(t, decoded.StartBinding, nil)
	assert.Equal(t, decoded.EndBinding.ElementId, targetId)
	assert.Equal(t, decoded.EndBinding.Side, SideLeft)
}

func TestConnectorMalformedPoints(t *testing.T) {
	element := &BoardElement{
		Kind: ElementKindConnector,
		Properties: map[string]any{
			// odd coordinate count
			"points": []any{0.0, 0.0, 50.0},
		},
	}
	decoded := ConnectorFromElement(element)
	assert.Equal(t, len(decoded.Points), 0)

	// a single pair is not a path either
	element.Properties["points"] = []any{0.0, 0.0}
	decoded = ConnectorFromElement(element)
	assert.Equal(t, len(decoded.Points), 0)

	assert.Equal(t, ConnectorFromElement(&BoardElement{Kind: ElementKindShape}), nil)
}
