package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Binary messages are framed as [op: 1 byte][payload: bytes].
// An empty binary message is a ping.
const (
	OpSyncStep1  = byte(0)
	OpSyncStep2  = byte(1)
	OpUpdate     = byte(2)
	OpAwareness  = byte(3)
	OpRoleUpdate = byte(4)
)

func OpName(op byte) string {
	switch op {
	case OpSyncStep1:
		return "syncstep1"
	case OpSyncStep2:
		return "syncstep2"
	case OpUpdate:
		return "update"
	case OpAwareness:
		return "awareness"
	case OpRoleUpdate:
		return "roleupdate"
	default:
		return "unknown"
	}
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeFrame(op byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = op
	copy(frame[1:], payload)
	return frame
}

func DecodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return frame[0], frame[1:], nil
}

// StateVector summarizes the history a peer already has,
// as the max clock observed per site.
type StateVector map[uint64]uint64

func (self StateVector) Clock(site uint64) uint64 {
	return self[site]
}

func EncodeStateVector(sv StateVector) ([]byte, error) {
	return encMode.Marshal(sv)
}

func DecodeStateVector(payload []byte) (StateVector, error) {
	sv := StateVector{}
	if err := decMode.Unmarshal(payload, &sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// FieldEntry is one replicated field write. Conflicting writes to the
// same (element, field) resolve last-writer-wins by (clock, site).
type FieldEntry struct {
	ElementId string `cbor:"e"`
	Field     string `cbor:"f"`
	Value     any    `cbor:"v"`
	Clock     uint64 `cbor:"c"`
	Site      uint64 `cbor:"s"`
}

func (self *FieldEntry) Supersedes(other *FieldEntry) bool {
	if self.Clock != other.Clock {
		return other.Clock < self.Clock
	}
	return other.Site < self.Site
}

// Delta is an unordered set of field entries. Merge of two deltas is
// entry-wise last-writer-wins, so deltas commute.
type Delta struct {
	Entries []FieldEntry `cbor:"u"`
}

func EncodeDelta(delta *Delta) ([]byte, error) {
	return encMode.Marshal(delta)
}

func DecodeDelta(payload []byte) (*Delta, error) {
	delta := &Delta{}
	if err := decMode.Unmarshal(payload, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// MergeDeltas coalesces deltas order-independently,
// keeping the winning entry per (element, field).
func MergeDeltas(deltas ...*Delta) *Delta {
	type fieldKey struct {
		elementId string
		field     string
	}
	winners := map[fieldKey]FieldEntry{}
	order := []fieldKey{}
	for _, delta := range deltas {
		if delta == nil {
			continue
		}
		for _, entry := range delta.Entries {
			key := fieldKey{entry.ElementId, entry.Field}
			if resident, ok := winners[key]; ok {
				if entry.Supersedes(&resident) {
					winners[key] = entry
				}
			} else {
				winners[key] = entry
				order = append(order, key)
			}
		}
	}
	merged := &Delta{}
	for _, key := range order {
		merged.Entries = append(merged.Entries, winners[key])
	}
	return merged
}

// AwarenessEntry carries one client's ephemeral state.
// A nil state clears the client (disconnect).
type AwarenessEntry struct {
	Site  uint64         `cbor:"s"`
	Clock uint64         `cbor:"c"`
	State map[string]any `cbor:"a"`
}

type AwarenessUpdate struct {
	Entries []AwarenessEntry `cbor:"p"`
}

func EncodeAwareness(update *AwarenessUpdate) ([]byte, error) {
	return encMode.Marshal(update)
}

func DecodeAwareness(payload []byte) (*AwarenessUpdate, error) {
	update := &AwarenessUpdate{}
	if err := decMode.Unmarshal(payload, update); err != nil {
		return nil, err
	}
	return update, nil
}

// RoleUpdate is pushed by the server when board permissions change
// mid-session.
type RoleUpdate struct {
	UserId  string `cbor:"u"`
	CanEdit bool   `cbor:"w"`
}

func EncodeRoleUpdate(update *RoleUpdate) ([]byte, error) {
	return encMode.Marshal(update)
}

func DecodeRoleUpdate(payload []byte) (*RoleUpdate, error) {
	update := &RoleUpdate{}
	if err := decMode.Unmarshal(payload, update); err != nil {
		return nil, err
	}
	return update, nil
}
