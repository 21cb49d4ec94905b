package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame := EncodeFrame(OpUpdate, payload)

	op, decoded, err := DecodeFrame(frame)
	assert.Equal(t, nil, err)
	assert.Equal(t, OpUpdate, op)
	assert.Equal(t, payload, decoded)

	// an op with no payload is legal
	op, decoded, err = DecodeFrame(EncodeFrame(OpSyncStep1, nil))
	assert.Equal(t, nil, err)
	assert.Equal(t, OpSyncStep1, op)
	assert.Equal(t, 0, len(decoded))

	_, _, err = DecodeFrame([]byte{})
	assert.NotEqual(t, err, nil)
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{1: 10, 7: 3}
	payload, err := EncodeStateVector(sv)
	assert.Equal(t, nil, err)

	decoded, err := DecodeStateVector(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, sv, decoded)
	assert.Equal(t, uint64(10), decoded.Clock(1))
	// an unseen site has clock zero
	assert.Equal(t, uint64(0), decoded.Clock(99))
}

func TestFieldEntrySupersedes(t *testing.T) {
	a := &FieldEntry{Clock: 2, Site: 1}
	b := &FieldEntry{Clock: 1, Site: 9}
	assert.Equal(t, true, a.Supersedes(b))
	assert.Equal(t, false, b.Supersedes(a))

	// clock ties break by site
	c := &FieldEntry{Clock: 2, Site: 3}
	assert.Equal(t, true, c.Supersedes(a))
	assert.Equal(t, false, a.Supersedes(c))
}

func TestMergeDeltasOrderIndependent(t *testing.T) {
	a := &Delta{Entries: []FieldEntry{
		{ElementId: "e1", Field: "position_x", Value: float64(1), Clock: 1, Site: 1},
		{ElementId: "e1", Field: "width", Value: float64(50), Clock: 2, Site: 1},
	}}
	b := &Delta{Entries: []FieldEntry{
		{ElementId: "e1", Field: "position_x", Value: float64(9), Clock: 3, Site: 2},
	}}

	lookup := func(delta *Delta, field string) any {
		for _, entry := range delta.Entries {
			if entry.Field == field {
				return entry.Value
			}
		}
		return nil
	}

	forward := MergeDeltas(a, b)
	backward := MergeDeltas(b, a)
	assert.Equal(t, 2, len(forward.Entries))
	assert.Equal(t, 2, len(backward.Entries))
	assert.Equal(t, float64(9), lookup(forward, "position_x"))
	assert.Equal(t, float64(9), lookup(backward, "position_x"))
	assert.Equal(t, float64(50), lookup(forward, "width"))

	// nil deltas are skipped
	assert.Equal(t, 2, len(MergeDeltas(nil, a, nil, b).Entries))
}

func TestDeltaRoundTrip(t *testing.T) {
	delta := &Delta{Entries: []FieldEntry{
		{ElementId: "e1", Field: "style.fill", Value: "#ff0000", Clock: 4, Site: 2},
	}}
	payload, err := EncodeDelta(delta)
	assert.Equal(t, nil, err)

	decoded, err := DecodeDelta(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, delta.Entries, decoded.Entries)
}

func TestAwarenessRoundTrip(t *testing.T) {
	update := &AwarenessUpdate{Entries: []AwarenessEntry{
		{Site: 3, Clock: 7, State: map[string]any{"status": "online"}},
		// nil state clears the client
		{Site: 4, Clock: 1, State: nil},
	}}
	payload, err := EncodeAwareness(update)
	assert.Equal(t, nil, err)

	decoded, err := DecodeAwareness(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(decoded.Entries))
	assert.Equal(t, "online", decoded.Entries[0].State["status"])
	assert.Equal(t, nil, decoded.Entries[1].State)
}

func TestRoleUpdateRoundTrip(t *testing.T) {
	payload, err := EncodeRoleUpdate(&RoleUpdate{UserId: "u1", CanEdit: false})
	assert.Equal(t, nil, err)

	decoded, err := DecodeRoleUpdate(payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", decoded.UserId)
	assert.Equal(t, false, decoded.CanEdit)
}

func TestEventRoundTrip(t *testing.T) {
	message, err := EncodeEvent(EventBoardQueued, &BoardQueued{
		BoardId:  "b1",
		Position: 4,
	})
	assert.Equal(t, nil, err)

	event, err := DecodeEvent(message)
	assert.Equal(t, nil, err)
	assert.Equal(t, EventBoardQueued, event.Type)

	queued, err := DecodeEventPayload[BoardQueued](event)
	assert.Equal(t, nil, err)
	assert.Equal(t, "b1", queued.BoardId)
	assert.Equal(t, 4, queued.Position)

	_, err = DecodeEvent([]byte(`{"payload":{}}`))
	assert.NotEqual(t, err, nil)
}
