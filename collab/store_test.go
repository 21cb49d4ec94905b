package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/google/uuid"

	"tactileboard.com/collab/protocol"
)

func newTestStore() (*ElementStore, *testClock) {
	clock := newTestClock()
	settings := DefaultStoreSettings()
	settings.Clock = clock
	return NewElementStore(uuid.New(), NewDoc(), settings), clock
}

func testElement(boardId uuid.UUID, kind ElementKind) *BoardElement {
	return &BoardElement{
		Id:        uuid.New(),
		BoardId:   boardId,
		Kind:      kind,
		PositionX: 10,
		PositionY: 20,
		Width:     100,
		Height:    50,
		ZIndex:    1,
	}
}

func TestStoreUpsertGet(t *testing.T) {
	store, _ := newTestStore()

	element := testElement(store.BoardId(), ElementKindShape)
	element.Style = map[string]any{"fill": "#ff0000"}
	store.Upsert(element)

	got := store.GetById(element.Id)
	assert.NotEqual(t, got, nil)
	assert.Equal(t, element.Id, got.Id)
	assert.Equal(t, ElementKindShape, got.Kind)
	assert.Equal(t, float64(10), got.PositionX)
	assert.Equal(t, float64(100), got.Width)
	assert.Equal(t, "#ff0000", got.Style["fill"])
}

func TestStoreUpdateDiffsFields(t *testing.T) {
	store, _ := newTestStore()

	element := testElement(store.BoardId(), ElementKindShape)
	store.Upsert(element)

	changes := []*ElementChange{}
	unsub := store.AddChangeCallback(func(change *ElementChange) {
		changes = append(changes, change)
	})
	defer unsub()

	applied := store.Update(element.Id, func(element *BoardElement) *BoardElement {
		element.PositionX = 99
		return element
	})
	assert.Equal(t, true, applied)
	assert.Equal(t, float64(99), store.GetById(element.Id).PositionX)
	// versions advance per committed update
	assert.Equal(t, 1, store.GetById(element.Id).Version)

	// fn returning nil commits nothing
	count := len(changes)
	applied = store.Update(element.Id, func(element *BoardElement) *BoardElement {
		return nil
	})
	assert.Equal(t, false, applied)
	assert.Equal(t, count, len(changes))
}

func TestStoreRemoveRestore(t *testing.T) {
	store, _ := newTestStore()

	element := testElement(store.BoardId(), ElementKindStickyNote)
	store.Upsert(element)

	assert.Equal(t, true, store.Remove(element.Id))
	assert.Equal(t, true, store.GetById(element.Id).Deleted())
	assert.Equal(t, 0, len(store.Elements()))

	// a second remove is a no-op
	assert.Equal(t, false, store.Remove(element.Id))

	assert.Equal(t, true, store.Restore(element.Id))
	assert.Equal(t, false, store.GetById(element.Id).Deleted())
	assert.Equal(t, 1, len(store.Elements()))
}

func TestStoreRemoveUnknownElement(t *testing.T) {
	store, _ := newTestStore()

	assert.Equal(t, false, store.Remove(uuid.New()))
}

func TestStoreElementsOrdered(t *testing.T) {
	store, _ := newTestStore()

	low := testElement(store.BoardId(), ElementKindShape)
	low.ZIndex = 1
	high := testElement(store.BoardId(), ElementKindShape)
	high.ZIndex = 5
	store.Upsert(high)
	store.Upsert(low)

	elements := store.Elements()
	assert.Equal(t, 2, len(elements))
	assert.Equal(t, low.Id, elements[0].Id)
	assert.Equal(t, high.Id, elements[1].Id)
	assert.Equal(t, 5, store.MaxZIndex())
}

func TestStoreSkipsNonMaterializable(t *testing.T) {
	store, _ := newTestStore()

	// a record missing required geometry is withheld from reads
	partial := uuid.New()
	store.ApplyDelta(&protocol.Delta{
		Entries: []protocol.FieldEntry{
			{ElementId: partial.String(), Field: fieldId, Value: partial.String(), Clock: 1, Site: 77},
			{ElementId: partial.String(), Field: fieldBoardId, Value: store.BoardId().String(), Clock: 2, Site: 77},
			{ElementId: partial.String(), Field: fieldKind, Value: "Shape", Clock: 3, Site: 77},
			{ElementId: partial.String(), Field: fieldPositionX, Value: float64(1), Clock: 4, Site: 77},
		},
	}, OriginRemote)

	assert.Equal(t, nil, store.GetById(partial))
	assert.Equal(t, 0, len(store.Elements()))

	// the remaining geometry arriving completes the record
	store.ApplyDelta(&protocol.Delta{
		Entries: []protocol.FieldEntry{
			{ElementId: partial.String(), Field: fieldPositionY, Value: float64(2), Clock: 5, Site: 77},
			{ElementId: partial.String(), Field: fieldWidth, Value: float64(10), Clock: 6, Site: 77},
			{ElementId: partial.String(), Field: fieldHeight, Value: float64(10), Clock: 7, Site: 77},
		},
	}, OriginRemote)

	assert.NotEqual(t, store.GetById(partial), nil)
	assert.Equal(t, 1, len(store.Elements()))
}

func TestStoreLegacyMigration(t *testing.T) {
	store, _ := newTestStore()

	elementId := uuid.New()
	legacy := map[string]any{
		"id":           elementId.String(),
		"board_id":     store.BoardId().String(),
		"element_type": "Shape",
		"position_x":   float64(5),
		"position_y":   float64(6),
		"width":        float64(30),
		"height":       float64(40),
		"style": map[string]any{
			"fill": "#00ff00",
		},
	}
	delta := &protocol.Delta{
		Entries: []protocol.FieldEntry{
			{ElementId: elementId.String(), Field: fieldLegacy, Value: legacy, Clock: 1, Site: 42},
		},
	}

	store.ApplyDelta(delta, OriginRemote)

	element := store.GetById(elementId)
	assert.NotEqual(t, element, nil)
	assert.Equal(t, float64(5), element.PositionX)
	assert.Equal(t, "#00ff00", element.Style["fill"])

	// replaying the same legacy blob must not clobber newer edits
	store.Update(elementId, func(element *BoardElement) *BoardElement {
		element.PositionX = 500
		return element
	})
	store.ApplyDelta(delta, OriginRemote)
	assert.Equal(t, float64(500), store.GetById(elementId).PositionX)
}

func TestStoreApplyRemotePatchNested(t *testing.T) {
	store, _ := newTestStore()

	element := testElement(store.BoardId(), ElementKindShape)
	element.Style = map[string]any{
		"fill":   "#ff0000",
		"stroke": "#000000",
	}
	store.Upsert(element)

	store.ApplyRemotePatch(element.Id, map[string]any{
		"style": map[string]any{
			"fill": "#0000ff",
		},
	}, OriginRemote)

	got := store.GetById(element.Id)
	// patched sub-key replaced, sibling untouched
	assert.Equal(t, "#0000ff", got.Style["fill"])
	assert.Equal(t, "#000000", got.Style["stroke"])
}

func TestStoreConvergence(t *testing.T) {
	boardId := uuid.New()
	settingsA := DefaultStoreSettings()
	settingsA.Clock = newTestClock()
	settingsB := DefaultStoreSettings()
	settingsB.Clock = newTestClock()
	a := NewElementStore(boardId, NewDocWithSiteId(1), settingsA)
	b := NewElementStore(boardId, NewDocWithSiteId(2), settingsB)

	element := testElement(boardId, ElementKindShape)
	a.Upsert(element)
	b.ApplyDelta(a.Doc().DiffDelta(b.Doc().StateVector()), OriginSync)

	// divergent edits to different fields both survive the merge
	a.Update(element.Id, func(element *BoardElement) *BoardElement {
		element.PositionX = 300
		return element
	})
	b.Update(element.Id, func(element *BoardElement) *BoardElement {
		element.Height = 75
		return element
	})
	b.ApplyDelta(a.Doc().DiffDelta(b.Doc().StateVector()), OriginRemote)
	a.ApplyDelta(b.Doc().DiffDelta(a.Doc().StateVector()), OriginRemote)

	gotA := a.GetById(element.Id)
	gotB := b.GetById(element.Id)
	assert.Equal(t, float64(300), gotA.PositionX)
	assert.Equal(t, float64(300), gotB.PositionX)
	assert.Equal(t, float64(75), gotA.Height)
	assert.Equal(t, float64(75), gotB.Height)
}

func TestStoreDeleteConcurrentWithRemoteEdit(t *testing.T) {
	boardId := uuid.New()
	settingsA := DefaultStoreSettings()
	settingsA.Clock = newTestClock()
	settingsB := DefaultStoreSettings()
	settingsB.Clock = newTestClock()
	a := NewElementStore(boardId, NewDocWithSiteId(1), settingsA)
	b := NewElementStore(boardId, NewDocWithSiteId(2), settingsB)

	element := testElement(boardId, ElementKindShape)
	a.Upsert(element)
	b.ApplyDelta(a.Doc().DiffDelta(b.Doc().StateVector()), OriginSync)

	// a deletes while b edits a field, then both merge
	a.Remove(element.Id)
	b.Update(element.Id, func(element *BoardElement) *BoardElement {
		element.PositionX = 500
		return element
	})
	b.ApplyDelta(a.Doc().DiffDelta(b.Doc().StateVector()), OriginRemote)
	a.ApplyDelta(b.Doc().DiffDelta(a.Doc().StateVector()), OriginRemote)

	// the concurrent edit never resurrects the element
	assert.Equal(t, true, a.GetById(element.Id).Deleted())
	assert.Equal(t, true, b.GetById(element.Id).Deleted())
	assert.Equal(t, 0, len(a.Elements()))
	assert.Equal(t, 0, len(b.Elements()))

	// restoring surfaces the merged edit, not the pre-delete value
	a.Restore(element.Id)
	restored := a.GetById(element.Id)
	assert.NotEqual(t, restored, nil)
	assert.Equal(t, float64(500), restored.PositionX)
}

func TestStoreChangeCallbackOrigins(t *testing.T) {
	store, _ := newTestStore()

	origins := []Origin{}
	unsub := store.AddChangeCallback(func(change *ElementChange) {
		origins = append(origins, change.Origin)
	})
	defer unsub()

	element := testElement(store.BoardId(), ElementKindShape)
	store.Upsert(element)

	other := NewElementStore(store.BoardId(), NewDocWithSiteId(9), DefaultStoreSettings())
	remote := testElement(store.BoardId(), ElementKindText)
	other.Upsert(remote)
	store.ApplyDelta(other.Doc().EncodeState(), OriginRemote)

	assert.Equal(t, []Origin{OriginLocal, OriginRemote}, origins)
}

func TestStoreTimesRoundTrip(t *testing.T) {
	store, clock := newTestStore()

	element := testElement(store.BoardId(), ElementKindShape)
	store.Upsert(element)

	got := store.GetById(element.Id)
	assert.Equal(t, true, got.CreatedAt.Equal(clock.Now()))
	assert.Equal(t, true, got.UpdatedAt.Equal(clock.Now()))

	clock.Advance(3 * time.Second)
	store.Update(element.Id, func(element *BoardElement) *BoardElement {
		element.PositionY = 1
		return element
	})
	got = store.GetById(element.Id)
	assert.Equal(t, true, got.UpdatedAt.After(got.CreatedAt))
}
