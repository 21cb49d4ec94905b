package collab

import (
	mathrand "math/rand"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"tactileboard.com/collab/protocol"
)

// Origin tags a mutation transaction so consumers can tell local user
// edits apart from remote and sync-sourced edits.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginSync
)

func (self Origin) String() string {
	switch self {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSync:
		return "sync"
	default:
		return "unknown"
	}
}

// fieldState is one replicated register. A nil value is a field
// tombstone retained with its clock so deletes merge like any write.
type fieldState struct {
	value any
	clock uint64
	site  uint64
}

func (self *fieldState) supersededBy(entry *protocol.FieldEntry) bool {
	if self.clock != entry.Clock {
		return self.clock < entry.Clock
	}
	return self.site < entry.Site
}

type FieldPatch struct {
	ElementId string
	Field     string
	Value     any
}

type DocUpdate struct {
	Origin Origin
	// entries written or merged by the transaction
	Delta *protocol.Delta
	// field patches in write order, and their inverses, for history capture
	Forward []FieldPatch
	Inverse []FieldPatch
	// element ids touched by the transaction
	ElementIds []string
}

type DocUpdateFunc func(update *DocUpdate)

// Doc is the replication primitive under the element store: a set of
// per-element records whose fields are last-writer-wins registers
// ordered by (lamport clock, site id). Merging deltas is commutative,
// associative, and idempotent.
type Doc struct {
	siteId uint64

	stateLock sync.Mutex
	clock     uint64
	records   map[string]map[string]fieldState
	// max clock observed per site
	sites map[uint64]uint64

	updateCallbacks *CallbackList[DocUpdateFunc]
}

func NewDoc() *Doc {
	return NewDocWithSiteId(mathrand.Uint64())
}

func NewDocWithSiteId(siteId uint64) *Doc {
	return &Doc{
		siteId:          siteId,
		records:         map[string]map[string]fieldState{},
		sites:           map[uint64]uint64{},
		updateCallbacks: NewCallbackList[DocUpdateFunc](),
	}
}

func (self *Doc) SiteId() uint64 {
	return self.siteId
}

func (self *Doc) AddUpdateCallback(callback DocUpdateFunc) func() {
	return self.updateCallbacks.Add(callback)
}

// Transact runs fn against the doc under the state lock and publishes
// one DocUpdate for all writes fn made. All mutation goes through a Txn.
func (self *Doc) Transact(origin Origin, fn func(txn *Txn)) *DocUpdate {
	self.stateLock.Lock()
	txn := &Txn{
		doc:     self,
		origin:  origin,
		touched: map[string]bool{},
	}
	fn(txn)
	update := &DocUpdate{
		Origin:     origin,
		Delta:      &protocol.Delta{Entries: txn.entries},
		Forward:    txn.forward,
		Inverse:    txn.inverse,
		ElementIds: txn.touchedOrder,
	}
	self.stateLock.Unlock()

	if 0 < len(update.Delta.Entries) {
		for _, callback := range self.updateCallbacks.Get() {
			callback(update)
		}
	}
	return update
}

// StateVector summarizes which entries this doc has already observed,
// including entries that lost the last-writer-wins race.
func (self *Doc) StateVector() protocol.StateVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sv := protocol.StateVector{}
	maps.Copy(sv, self.sites)
	return sv
}

// DiffDelta returns every resident entry newer than the remote state
// vector. Entries the peer already has are skipped.
func (self *Doc) DiffDelta(sv protocol.StateVector) *protocol.Delta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delta := &protocol.Delta{}
	elementIds := maps.Keys(self.records)
	slices.Sort(elementIds)
	for _, elementId := range elementIds {
		record := self.records[elementId]
		fields := maps.Keys(record)
		slices.Sort(fields)
		for _, field := range fields {
			state := record[field]
			if sv.Clock(state.site) < state.clock {
				delta.Entries = append(delta.Entries, protocol.FieldEntry{
					ElementId: elementId,
					Field:     field,
					Value:     state.value,
					Clock:     state.clock,
					Site:      state.site,
				})
			}
		}
	}
	return delta
}

// EncodeState returns the full doc state as one delta.
func (self *Doc) EncodeState() *protocol.Delta {
	return self.DiffDelta(protocol.StateVector{})
}

// ElementIds returns the ids of all records, live and tombstoned.
func (self *Doc) ElementIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elementIds := maps.Keys(self.records)
	slices.Sort(elementIds)
	return elementIds
}

// Txn is a single mutation transaction. It is only valid inside the
// Transact callback that created it.
type Txn struct {
	doc     *Doc
	origin  Origin
	entries []protocol.FieldEntry
	forward []FieldPatch
	inverse []FieldPatch

	touched      map[string]bool
	touchedOrder []string
}

func (self *Txn) Origin() Origin {
	return self.origin
}

func (self *Txn) touch(elementId string) {
	if !self.touched[elementId] {
		self.touched[elementId] = true
		self.touchedOrder = append(self.touchedOrder, elementId)
	}
}

// Get returns the live value for a field. Tombstoned and absent fields
// both report ok=false.
func (self *Txn) Get(elementId string, field string) (any, bool) {
	record, ok := self.doc.records[elementId]
	if !ok {
		return nil, false
	}
	state, ok := record[field]
	if !ok || state.value == nil {
		return nil, false
	}
	return state.value, true
}

func (self *Txn) Has(elementId string, field string) bool {
	_, ok := self.Get(elementId, field)
	return ok
}

// HasEntry reports whether any register exists for the field,
// tombstoned or not.
func (self *Txn) HasEntry(elementId string, field string) bool {
	record, ok := self.doc.records[elementId]
	if !ok {
		return false
	}
	_, ok = record[field]
	return ok
}

// Set writes a field register with a fresh clock. A nil value writes a
// tombstone.
func (self *Txn) Set(elementId string, field string, value any) {
	doc := self.doc
	record, ok := doc.records[elementId]
	if !ok {
		record = map[string]fieldState{}
		doc.records[elementId] = record
	}

	var before any
	if resident, ok := record[field]; ok {
		before = resident.value
	}

	doc.clock += 1
	state := fieldState{
		value: value,
		clock: doc.clock,
		site:  doc.siteId,
	}
	record[field] = state
	if doc.sites[doc.siteId] < doc.clock {
		doc.sites[doc.siteId] = doc.clock
	}

	self.entries = append(self.entries, protocol.FieldEntry{
		ElementId: elementId,
		Field:     field,
		Value:     value,
		Clock:     state.clock,
		Site:      state.site,
	})
	self.forward = append(self.forward, FieldPatch{elementId, field, value})
	self.inverse = append(self.inverse, FieldPatch{elementId, field, before})
	self.touch(elementId)
}

// SetIfMissing writes only when no register exists for the field.
// Used by the legacy migration so replaying it is idempotent.
func (self *Txn) SetIfMissing(elementId string, field string, value any) bool {
	if self.HasEntry(elementId, field) {
		return false
	}
	self.Set(elementId, field, value)
	return true
}

// Merge applies one remote entry under last-writer-wins. Losing entries
// still advance the observed state vector so they are not re-requested.
func (self *Txn) Merge(entry protocol.FieldEntry) bool {
	doc := self.doc
	if doc.sites[entry.Site] < entry.Clock {
		doc.sites[entry.Site] = entry.Clock
	}
	if doc.clock < entry.Clock {
		doc.clock = entry.Clock
	}

	record, ok := doc.records[entry.ElementId]
	if !ok {
		record = map[string]fieldState{}
		doc.records[entry.ElementId] = record
	}
	if resident, ok := record[entry.Field]; ok {
		if !resident.supersededBy(&entry) {
			return false
		}
	}
	record[entry.Field] = fieldState{
		value: entry.Value,
		clock: entry.Clock,
		site:  entry.Site,
	}
	self.entries = append(self.entries, entry)
	self.touch(entry.ElementId)
	return true
}

// ElementIds lists all records visible to the transaction.
func (self *Txn) ElementIds() []string {
	elementIds := maps.Keys(self.doc.records)
	slices.Sort(elementIds)
	return elementIds
}

// Fields returns a copy of the live fields of one record.
func (self *Txn) Fields(elementId string) map[string]any {
	record, ok := self.doc.records[elementId]
	if !ok {
		return nil
	}
	fields := map[string]any{}
	for field, state := range record {
		if state.value != nil {
			fields[field] = state.value
		}
	}
	return fields
}
