package collab

import (
	"time"

	"github.com/google/uuid"
)

type ElementKind string

const (
	ElementKindShape      ElementKind = "Shape"
	ElementKindText       ElementKind = "Text"
	ElementKindStickyNote ElementKind = "StickyNote"
	ElementKindDrawing    ElementKind = "Drawing"
	ElementKindConnector  ElementKind = "Connector"
	ElementKindImage      ElementKind = "Image"
	ElementKindVideo      ElementKind = "Video"
	ElementKindFrame      ElementKind = "Frame"
	ElementKindEmbed      ElementKind = "Embed"
	ElementKindDocument   ElementKind = "Document"
	ElementKindComponent  ElementKind = "Component"
)

func ParseElementKind(value string) (ElementKind, bool) {
	switch kind := ElementKind(value); kind {
	case ElementKindShape, ElementKindText, ElementKindStickyNote,
		ElementKindDrawing, ElementKindConnector, ElementKindImage,
		ElementKindVideo, ElementKindFrame, ElementKindEmbed,
		ElementKindDocument, ElementKindComponent:
		return kind, true
	}
	return "", false
}

// box-like kinds have their width/height normalized non-negative
func (self ElementKind) IsBoxLike() bool {
	switch self {
	case ElementKindDrawing, ElementKindConnector:
		return false
	}
	return true
}

type BoardElement struct {
	Id         uuid.UUID
	BoardId    uuid.UUID
	LayerId    *uuid.UUID
	ParentId   *uuid.UUID
	CreatedBy  uuid.UUID
	Kind       ElementKind
	PositionX  float64
	PositionY  float64
	Width      float64
	Height     float64
	Rotation   float64
	ZIndex     int
	Style      map[string]any
	Properties map[string]any
	Metadata   map[string]any
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

func (self *BoardElement) Deleted() bool {
	return self.DeletedAt != nil
}

func (self *BoardElement) Bounds() Rect {
	return Rect{
		X:      self.PositionX,
		Y:      self.PositionY,
		Width:  self.Width,
		Height: self.Height,
	}
}

func (self *BoardElement) Clone() *BoardElement {
	out := *self
	out.LayerId = cloneUuidPtr(self.LayerId)
	out.ParentId = cloneUuidPtr(self.ParentId)
	out.DeletedAt = cloneTimePtr(self.DeletedAt)
	out.Style = cloneValueMap(self.Style)
	out.Properties = cloneValueMap(self.Properties)
	out.Metadata = cloneValueMap(self.Metadata)
	return &out
}

func cloneUuidPtr(value *uuid.UUID) *uuid.UUID {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func cloneValueMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for key, entry := range value {
		out[key] = cloneValue(entry)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneValueMap(v)
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = cloneValue(entry)
		}
		return out
	default:
		return v
	}
}

type Point struct {
	X float64
	Y float64
}

type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func (self Rect) Center() Point {
	return Point{
		X: self.X + self.Width/2,
		Y: self.Y + self.Height/2,
	}
}

func (self Rect) Contains(p Point) bool {
	return self.X <= p.X && p.X <= self.X+self.Width &&
		self.Y <= p.Y && p.Y <= self.Y+self.Height
}

func (self Rect) Intersects(other Rect) bool {
	return self.X < other.X+other.Width && other.X < self.X+self.Width &&
		self.Y < other.Y+other.Height && other.Y < self.Y+self.Height
}

func (self Rect) Inflate(margin float64) Rect {
	return Rect{
		X:      self.X - margin,
		Y:      self.Y - margin,
		Width:  self.Width + 2*margin,
		Height: self.Height + 2*margin,
	}
}

type BindingSide string

const (
	SideTop    BindingSide = "top"
	SideRight  BindingSide = "right"
	SideBottom BindingSide = "bottom"
	SideLeft   BindingSide = "left"
	SideAuto   BindingSide = "auto"
)

func ParseBindingSide(value string) (BindingSide, bool) {
	switch side := BindingSide(value); side {
	case SideTop, SideRight, SideBottom, SideLeft, SideAuto:
		return side, true
	}
	return "", false
}

// ConnectorBinding is a weak reference to an element edge.
// A binding whose element no longer exists is inert, not an error.
type ConnectorBinding struct {
	ElementId uuid.UUID
	Side      BindingSide
}

type ConnectorRoutingMode string

const (
	RoutingModeOrthogonal ConnectorRoutingMode = "orthogonal"
	RoutingModeStraight   ConnectorRoutingMode = "straight"
)

type ConnectorProperties struct {
	Start        Point
	End          Point
	Points       []float64
	RoutingMode  ConnectorRoutingMode
	StartBinding *ConnectorBinding
	EndBinding   *ConnectorBinding
}

// ConnectorFromElement reads the connector payload out of a Connector
// element's properties map. Malformed pieces are dropped, not raised.
func ConnectorFromElement(element *BoardElement) *ConnectorProperties {
	if element == nil || element.Kind != ElementKindConnector {
		return nil
	}
	props := &ConnectorProperties{
		RoutingMode: RoutingModeOrthogonal,
	}
	props.Start = pointFromValue(element.Properties["start"])
	props.End = pointFromValue(element.Properties["end"])
	props.Points = floatListFromValue(element.Properties["points"])
	if len(props.Points)%2 != 0 || len(props.Points) < 4 {
		props.Points = nil
	}
	if routing, ok := element.Properties["routing"].(map[string]any); ok {
		if mode, ok := routing["mode"].(string); ok {
			switch ConnectorRoutingMode(mode) {
			case RoutingModeStraight:
				props.RoutingMode = RoutingModeStraight
			}
		}
	}
	if bindings, ok := element.Properties["bindings"].(map[string]any); ok {
		props.StartBinding = bindingFromValue(bindings["start"])
		props.EndBinding = bindingFromValue(bindings["end"])
	}
	return props
}

func (self *ConnectorProperties) ToValue() map[string]any {
	value := map[string]any{
		"start": map[string]any{"x": self.Start.X, "y": self.Start.Y},
		"end":   map[string]any{"x": self.End.X, "y": self.End.Y},
		"routing": map[string]any{
			"mode": string(self.RoutingMode),
		},
	}
	if 0 < len(self.Points) {
		points := make([]any, len(self.Points))
		for i, coord := range self.Points {
			points[i] = coord
		}
		value["points"] = points
	}
	bindings := map[string]any{}
	if self.StartBinding != nil {
		bindings["start"] = map[string]any{
			"elementId": self.StartBinding.ElementId.String(),
			"side":      string(self.StartBinding.Side),
		}
	}
	if self.EndBinding != nil {
		bindings["end"] = map[string]any{
			"elementId": self.EndBinding.ElementId.String(),
			"side":      string(self.EndBinding.Side),
		}
	}
	if 0 < len(bindings) {
		value["bindings"] = bindings
	}
	return value
}

func pointFromValue(value any) Point {
	object, ok := value.(map[string]any)
	if !ok {
		return Point{}
	}
	return Point{
		X: floatFromValue(object["x"]),
		Y: floatFromValue(object["y"]),
	}
}

func bindingFromValue(value any) *ConnectorBinding {
	object, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	elementIdStr, ok := object["elementId"].(string)
	if !ok {
		return nil
	}
	elementId, err := uuid.Parse(elementIdStr)
	if err != nil {
		return nil
	}
	side := SideAuto
	if sideStr, ok := object["side"].(string); ok {
		if parsed, ok := ParseBindingSide(sideStr); ok {
			side = parsed
		}
	}
	return &ConnectorBinding{
		ElementId: elementId,
		Side:      side,
	}
}

func floatFromValue(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return 0
}

func floatListFromValue(value any) []float64 {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, len(list))
	for i, entry := range list {
		out[i] = floatFromValue(entry)
	}
	return out
}
