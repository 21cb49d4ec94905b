package protocol

import (
	"encoding/json"
	"fmt"
)

// Text messages are JSON envelopes routed by a type discriminator.
// They are out-of-band from the binary CRDT stream.
const (
	EventBoardJoined    = "board:joined"
	EventBoardQueued    = "board:queued"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventPresenceUpdate = "presence:update"
	EventHeartbeat      = "heartbeat"
	EventHeartbeatAck   = "heartbeat:ack"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeEvent(eventType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Event{
		Type:    eventType,
		Payload: payloadBytes,
	})
}

func DecodeEvent(message []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(message, event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return event, nil
}

func DecodeEventPayload[P any](event *Event) (*P, error) {
	payload := new(P)
	if len(event.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(event.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type PresenceUser struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
	Status      string `json:"status"`
}

type BoardPermissions struct {
	CanEdit    bool `json:"can_edit"`
	CanComment bool `json:"can_comment"`
	CanShare   bool `json:"can_share"`
}

type BoardJoined struct {
	BoardId      string           `json:"board_id"`
	BoardName    string           `json:"board_name"`
	SessionId    string           `json:"session_id"`
	CurrentUsers []PresenceUser   `json:"current_users"`
	Permissions  BoardPermissions `json:"permissions"`
}

type BoardQueued struct {
	BoardId  string `json:"board_id"`
	Position int    `json:"position"`
}

type UserJoined struct {
	User      PresenceUser `json:"user"`
	Timestamp int64        `json:"timestamp"`
}

type UserLeft struct {
	UserId    string `json:"user_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceUpdate struct {
	UserId    string         `json:"user_id,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type HeartbeatAck struct {
	ServerTime int64 `json:"server_time"`
}
