package collab

import (
	"reflect"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"tactileboard.com/collab/protocol"
)

// replicated field paths, matching the persisted element schema
const (
	fieldId        = "id"
	fieldBoardId   = "board_id"
	fieldLayerId   = "layer_id"
	fieldParentId  = "parent_id"
	fieldCreatedBy = "created_by"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldKind      = "element_type"
	fieldPositionX = "position_x"
	fieldPositionY = "position_y"
	fieldWidth     = "width"
	fieldHeight    = "height"
	fieldRotation  = "rotation"
	fieldZIndex    = "z_index"
	fieldDeletedAt = "deleted_at"
	fieldVersion   = "version"
	// pre-field-replication encodings are parked under this key until
	// first observation migrates them
	fieldLegacy = "legacy"

	prefixStyle      = "style."
	prefixProperties = "properties."
	prefixMetadata   = "metadata."
)

type StoreSettings struct {
	Clock Clock
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		Clock: NewSystemClock(),
	}
}

type ElementChange struct {
	Origin Origin
	// touched elements that materialize as live
	Elements []*BoardElement
	// touched ids that are tombstoned or no longer materialize
	RemovedIds []uuid.UUID
	Update     *DocUpdate
}

type ElementChangeFunc func(change *ElementChange)

// ElementStore is the sole owner of authoritative element state on a
// client. All mutation happens inside origin-tagged transactions on the
// underlying replicated doc; same-field conflicts resolve by the doc's
// clock, not here.
type ElementStore struct {
	boardId uuid.UUID
	doc     *Doc
	clock   Clock

	changeCallbacks *CallbackList[ElementChangeFunc]
}

func NewElementStoreWithDefaults(boardId uuid.UUID) *ElementStore {
	return NewElementStore(boardId, NewDoc(), DefaultStoreSettings())
}

func NewElementStore(boardId uuid.UUID, doc *Doc, settings *StoreSettings) *ElementStore {
	store := &ElementStore{
		boardId:         boardId,
		doc:             doc,
		clock:           settings.Clock,
		changeCallbacks: NewCallbackList[ElementChangeFunc](),
	}
	doc.AddUpdateCallback(store.docUpdated)
	return store
}

func (self *ElementStore) BoardId() uuid.UUID {
	return self.boardId
}

func (self *ElementStore) Doc() *Doc {
	return self.doc
}

func (self *ElementStore) AddChangeCallback(callback ElementChangeFunc) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *ElementStore) docUpdated(update *DocUpdate) {
	change := &ElementChange{
		Origin: update.Origin,
		Update: update,
	}
	for _, elementIdStr := range update.ElementIds {
		elementId, err := uuid.Parse(elementIdStr)
		if err != nil {
			continue
		}
		element := self.GetById(elementId)
		if element != nil && !element.Deleted() {
			change.Elements = append(change.Elements, element)
		} else {
			change.RemovedIds = append(change.RemovedIds, elementId)
		}
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(change)
	}
}

// Upsert writes the full element under the local origin.
func (self *ElementStore) Upsert(element *BoardElement) {
	now := self.clock.Now()
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		if element.CreatedAt.IsZero() {
			element.CreatedAt = now
		}
		element.UpdatedAt = now
		writeElementFields(txn, element)
	})
}

// Update materializes the element, hands a copy to fn, and writes back
// whichever fields changed. fn returning nil leaves the element alone.
func (self *ElementStore) Update(elementId uuid.UUID, fn func(element *BoardElement) *BoardElement) bool {
	applied := false
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		key := elementId.String()
		self.migrateRecord(txn, key)
		element := materializeElement(key, txn.Fields(key))
		if element == nil || element.Deleted() {
			return
		}
		next := fn(element.Clone())
		if next == nil {
			return
		}
		next.Id = element.Id
		next.Version = element.Version + 1
		next.UpdatedAt = self.clock.Now()
		writeChangedElementFields(txn, element, next)
		applied = true
	})
	return applied
}

// Remove soft-deletes by writing the deleted_at tombstone field, so a
// delete concurrent with a remote field edit merges instead of
// corrupting the record.
func (self *ElementStore) Remove(elementId uuid.UUID) bool {
	applied := false
	now := self.clock.Now()
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		key := elementId.String()
		self.migrateRecord(txn, key)
		if !txn.HasEntry(key, fieldId) {
			return
		}
		if txn.Has(key, fieldDeletedAt) {
			// already deleted
			return
		}
		txn.Set(key, fieldDeletedAt, encodeTime(now))
		txn.Set(key, fieldUpdatedAt, encodeTime(now))
		bumpVersion(txn, key)
		applied = true
	})
	return applied
}

// Restore clears the soft-delete tombstone.
func (self *ElementStore) Restore(elementId uuid.UUID) bool {
	applied := false
	now := self.clock.Now()
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		key := elementId.String()
		self.migrateRecord(txn, key)
		if !txn.Has(key, fieldDeletedAt) {
			return
		}
		txn.Set(key, fieldDeletedAt, nil)
		txn.Set(key, fieldUpdatedAt, encodeTime(now))
		bumpVersion(txn, key)
		applied = true
	})
	return applied
}

func (self *ElementStore) GetById(elementId uuid.UUID) *BoardElement {
	var element *BoardElement
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		key := elementId.String()
		element = materializeElement(key, txn.Fields(key))
	})
	return element
}

// Elements returns all live elements, ordered by z index then id.
// Records missing required fields are skipped, not surfaced.
func (self *ElementStore) Elements() []*BoardElement {
	elements := []*BoardElement{}
	self.doc.Transact(OriginLocal, func(txn *Txn) {
		for _, key := range txn.ElementIds() {
			element := materializeElement(key, txn.Fields(key))
			if element == nil || element.Deleted() {
				continue
			}
			elements = append(elements, element)
		}
	})
	slices.SortStableFunc(elements, func(a *BoardElement, b *BoardElement) int {
		if a.ZIndex != b.ZIndex {
			return a.ZIndex - b.ZIndex
		}
		return strings.Compare(a.Id.String(), b.Id.String())
	})
	return elements
}

// MaxZIndex ignores deleted elements.
func (self *ElementStore) MaxZIndex() int {
	max := 0
	for _, element := range self.Elements() {
		if max < element.ZIndex {
			max = element.ZIndex
		}
	}
	return max
}

// ApplyRemotePatch writes a partial field map under the given origin.
// Nested style/properties/metadata objects patch per sub-key.
func (self *ElementStore) ApplyRemotePatch(elementId uuid.UUID, fields map[string]any, origin Origin) {
	self.doc.Transact(origin, func(txn *Txn) {
		key := elementId.String()
		self.migrateRecord(txn, key)
		keys := maps.Keys(fields)
		slices.Sort(keys)
		for _, field := range keys {
			writePatchField(txn, key, field, fields[field])
		}
	})
}

// ApplyFieldPatches writes raw field patches in order under the given
// origin. Used by the undo manager to replay inverse and forward
// patches as ordinary observable mutations.
func (self *ElementStore) ApplyFieldPatches(patches []FieldPatch, origin Origin) {
	self.doc.Transact(origin, func(txn *Txn) {
		for _, patch := range patches {
			txn.Set(patch.ElementId, patch.Field, patch.Value)
		}
	})
}

// ApplyUpdate merges an encoded remote delta. Legacy records discovered
// by the merge are migrated inside the same transaction.
func (self *ElementStore) ApplyUpdate(payload []byte, origin Origin) error {
	delta, err := protocol.DecodeDelta(payload)
	if err != nil {
		return err
	}
	self.ApplyDelta(delta, origin)
	return nil
}

func (self *ElementStore) ApplyDelta(delta *protocol.Delta, origin Origin) {
	self.doc.Transact(origin, func(txn *Txn) {
		touched := map[string]bool{}
		for _, entry := range delta.Entries {
			txn.Merge(entry)
			touched[entry.ElementId] = true
		}
		keys := maps.Keys(touched)
		slices.Sort(keys)
		for _, key := range keys {
			self.migrateRecord(txn, key)
		}
	})
}

// migrateRecord upgrades a record still carried as one opaque legacy
// blob into per-field registers. Fields are written set-if-missing, so
// observing the same legacy record twice cannot double-migrate, and
// racing clients converge under the doc's merge.
func (self *ElementStore) migrateRecord(txn *Txn, key string) {
	blobValue, ok := txn.Get(key, fieldLegacy)
	if !ok {
		return
	}
	blob, ok := blobValue.(map[string]any)
	if !ok {
		// unreadable legacy payload; drop it
		txn.Set(key, fieldLegacy, nil)
		return
	}
	migrated := 0
	fields := maps.Keys(blob)
	slices.Sort(fields)
	for _, field := range fields {
		value := blob[field]
		switch field {
		case "style", "properties", "metadata":
			if nested, ok := value.(map[string]any); ok {
				nestedKeys := maps.Keys(nested)
				slices.Sort(nestedKeys)
				for _, nestedKey := range nestedKeys {
					if txn.SetIfMissing(key, field+"."+nestedKey, nested[nestedKey]) {
						migrated += 1
					}
				}
				continue
			}
			fallthrough
		default:
			if txn.SetIfMissing(key, field, value) {
				migrated += 1
			}
		}
	}
	txn.Set(key, fieldLegacy, nil)
	glog.V(1).Infof("[st]migrated legacy record %s fields=%d\n", key, migrated)
}

func writePatchField(txn *Txn, key string, field string, value any) {
	switch field {
	case "style", "properties", "metadata":
		if nested, ok := value.(map[string]any); ok {
			nestedKeys := maps.Keys(nested)
			slices.Sort(nestedKeys)
			for _, nestedKey := range nestedKeys {
				txn.Set(key, field+"."+nestedKey, nested[nestedKey])
			}
			return
		}
	}
	txn.Set(key, field, value)
}

func bumpVersion(txn *Txn, key string) {
	version := float64(0)
	if value, ok := txn.Get(key, fieldVersion); ok {
		version = floatFromValue(value)
	}
	txn.Set(key, fieldVersion, version+1)
}

func writeElementFields(txn *Txn, element *BoardElement) {
	key := element.Id.String()
	for field, value := range elementToFields(element) {
		txn.Set(key, field, value)
	}
}

// writeChangedElementFields diffs two materialized elements and writes
// only the differing registers. Fields dropped by the edit are
// tombstoned.
func writeChangedElementFields(txn *Txn, before *BoardElement, after *BoardElement) {
	key := before.Id.String()
	beforeFields := elementToFields(before)
	afterFields := elementToFields(after)

	fields := maps.Keys(afterFields)
	slices.Sort(fields)
	for _, field := range fields {
		value := afterFields[field]
		if resident, ok := beforeFields[field]; !ok || !reflect.DeepEqual(resident, value) {
			txn.Set(key, field, value)
		}
	}
	removed := []string{}
	for field := range beforeFields {
		if _, ok := afterFields[field]; !ok {
			removed = append(removed, field)
		}
	}
	slices.Sort(removed)
	for _, field := range removed {
		txn.Set(key, field, nil)
	}
}

func elementToFields(element *BoardElement) map[string]any {
	fields := map[string]any{
		fieldId:        element.Id.String(),
		fieldBoardId:   element.BoardId.String(),
		fieldCreatedBy: element.CreatedBy.String(),
		fieldKind:      string(element.Kind),
		fieldPositionX: element.PositionX,
		fieldPositionY: element.PositionY,
		fieldWidth:     element.Width,
		fieldHeight:    element.Height,
		fieldRotation:  element.Rotation,
		fieldZIndex:    float64(element.ZIndex),
		fieldVersion:   float64(element.Version),
		fieldCreatedAt: encodeTime(element.CreatedAt),
		fieldUpdatedAt: encodeTime(element.UpdatedAt),
	}
	if element.LayerId != nil {
		fields[fieldLayerId] = element.LayerId.String()
	}
	if element.ParentId != nil {
		fields[fieldParentId] = element.ParentId.String()
	}
	if element.DeletedAt != nil {
		fields[fieldDeletedAt] = encodeTime(*element.DeletedAt)
	}
	for key, value := range element.Style {
		fields[prefixStyle+key] = value
	}
	for key, value := range element.Properties {
		fields[prefixProperties+key] = value
	}
	for key, value := range element.Metadata {
		fields[prefixMetadata+key] = value
	}
	return fields
}

// materializeElement reads every known field with a default fallback.
// Records with insufficient required fields return nil.
func materializeElement(key string, fields map[string]any) *BoardElement {
	if fields == nil {
		return nil
	}

	idStr, ok := fields[fieldId].(string)
	if !ok {
		idStr = key
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil
	}
	boardIdStr, ok := fields[fieldBoardId].(string)
	if !ok {
		return nil
	}
	boardId, err := uuid.Parse(boardIdStr)
	if err != nil {
		return nil
	}
	kindStr, ok := fields[fieldKind].(string)
	if !ok {
		return nil
	}
	kind, ok := ParseElementKind(kindStr)
	if !ok {
		return nil
	}
	positionX, ok := requireFloat(fields[fieldPositionX])
	if !ok {
		return nil
	}
	positionY, ok := requireFloat(fields[fieldPositionY])
	if !ok {
		return nil
	}
	width, ok := requireFloat(fields[fieldWidth])
	if !ok {
		return nil
	}
	height, ok := requireFloat(fields[fieldHeight])
	if !ok {
		return nil
	}

	element := &BoardElement{
		Id:         id,
		BoardId:    boardId,
		Kind:       kind,
		PositionX:  positionX,
		PositionY:  positionY,
		Width:      width,
		Height:     height,
		Rotation:   floatFromValue(fields[fieldRotation]),
		ZIndex:     int(floatFromValue(fields[fieldZIndex])),
		Version:    int(floatFromValue(fields[fieldVersion])),
		Style:      map[string]any{},
		Properties: map[string]any{},
		Metadata:   map[string]any{},
	}
	if kind.IsBoxLike() {
		if element.Width < 0 {
			element.Width = 0
		}
		if element.Height < 0 {
			element.Height = 0
		}
	}
	element.LayerId = parseUuidField(fields[fieldLayerId])
	element.ParentId = parseUuidField(fields[fieldParentId])
	if createdBy := parseUuidField(fields[fieldCreatedBy]); createdBy != nil {
		element.CreatedBy = *createdBy
	}
	element.CreatedAt = decodeTime(fields[fieldCreatedAt])
	element.UpdatedAt = decodeTime(fields[fieldUpdatedAt])
	if deletedAt := decodeTime(fields[fieldDeletedAt]); !deletedAt.IsZero() {
		element.DeletedAt = &deletedAt
	}
	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, prefixStyle):
			element.Style[field[len(prefixStyle):]] = value
		case strings.HasPrefix(field, prefixProperties):
			element.Properties[field[len(prefixProperties):]] = value
		case strings.HasPrefix(field, prefixMetadata):
			element.Metadata[field[len(prefixMetadata):]] = value
		}
	}
	return element
}

func requireFloat(value any) (float64, bool) {
	switch value.(type) {
	case float64, float32, int, int64, uint64:
		return floatFromValue(value), true
	}
	return 0, false
}

func parseUuidField(value any) *uuid.UUID {
	str, ok := value.(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return nil
	}
	return &id
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(value any) time.Time {
	str, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}
	}
	return t
}
