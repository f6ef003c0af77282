// Package server defines the signaling message envelope exchanged over the
// WebSocket channel and decodes inbound frames into typed variants.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the value of the "type" field every frame carries.
type MessageType string

// Client to server types.
const (
	TypeJoinRoom         MessageType = "join_room"
	TypeLeaveRoom        MessageType = "leave_room"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeTransferRequest  MessageType = "transfer-request"
	TypeTransferResponse MessageType = "transfer-response"
)

// Server to client types. Relayed signals and transfer messages keep their
// inbound type.
const (
	TypeRoomUsers  MessageType = "room_users"
	TypeRoomJoined MessageType = "room_joined"
	TypeRoomLeft   MessageType = "room_left"
)

var (
	errMalformedMessage = errors.New("malformed message")
	errUnknownType      = errors.New("unknown message type")
	errMissingField     = errors.New("missing required field")
)

// inbound is one decoded client frame.
type inbound interface {
	messageType() MessageType
}

type joinRoom struct {
	RoomID string `json:"room_id"`
}

type leaveRoom struct{}

// signal is an offer, answer or ICE candidate. fields holds every top-level
// field of the original frame so it can be forwarded verbatim.
type signal struct {
	kind   MessageType
	target string
	fields map[string]json.RawMessage
}

type transferRequest struct {
	Target   string `json:"target"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

type transferResponse struct {
	Target   string `json:"target"`
	Accepted bool   `json:"accepted"`
}

func (joinRoom) messageType() MessageType         { return TypeJoinRoom }
func (leaveRoom) messageType() MessageType        { return TypeLeaveRoom }
func (s signal) messageType() MessageType         { return s.kind }
func (transferRequest) messageType() MessageType  { return TypeTransferRequest }
func (transferResponse) messageType() MessageType { return TypeTransferResponse }

// RoomUser is one entry of a room_users broadcast.
type RoomUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type roomUsersMessage struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"room_id"`
	Users  []RoomUser  `json:"users"`
}

type roomJoinedMessage struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"room_id"`
}

type roomLeftMessage struct {
	Type MessageType `json:"type"`
}

type transferRequestMessage struct {
	Type         MessageType `json:"type"`
	From         string      `json:"from"`
	FromUsername string      `json:"from_username"`
	FileName     string      `json:"fileName"`
	FileSize     int64       `json:"fileSize"`
	FileType     string      `json:"fileType"`
}

type transferResponseMessage struct {
	Type     MessageType `json:"type"`
	From     string      `json:"from"`
	Accepted bool        `json:"accepted"`
}

// parseInbound decodes a text frame. Errors wrap errMalformedMessage,
// errUnknownType or errMissingField; callers drop the frame either way.
func parseInbound(raw []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}

	var kind MessageType
	if err := decodeField(fields, "type", &kind); err != nil {
		return nil, err
	}

	switch kind {
	case TypeJoinRoom:
		var m joinRoom
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("%w: room_id", errMissingField)
		}
		return m, nil

	case TypeLeaveRoom:
		return leaveRoom{}, nil

	case TypeOffer, TypeAnswer, TypeICECandidate:
		var target string
		if err := decodeField(fields, "target", &target); err != nil {
			return nil, err
		}
		return signal{kind: kind, target: target, fields: fields}, nil

	case TypeTransferRequest:
		var m transferRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
		}
		if m.Target == "" {
			return nil, fmt.Errorf("%w: target", errMissingField)
		}
		if m.FileName == "" {
			return nil, fmt.Errorf("%w: fileName", errMissingField)
		}
		for _, name := range []string{"fileSize", "fileType"} {
			if !hasField(fields, name) {
				return nil, fmt.Errorf("%w: %s", errMissingField, name)
			}
		}
		if m.FileSize < 0 {
			return nil, fmt.Errorf("%w: negative fileSize", errMalformedMessage)
		}
		return m, nil

	case TypeTransferResponse:
		var m transferResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
		}
		if m.Target == "" {
			return nil, fmt.Errorf("%w: target", errMissingField)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, kind)
	}
}

// hasField reports whether name is present with a non-null value.
func hasField(fields map[string]json.RawMessage, name string) bool {
	raw, ok := fields[name]
	return ok && string(raw) != "null"
}

// decodeField unmarshals a required, non-empty string-like field.
func decodeField[T ~string](fields map[string]json.RawMessage, name string, dst *T) error {
	if !hasField(fields, name) {
		return fmt.Errorf("%w: %s", errMissingField, name)
	}
	raw := fields[name]
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", errMalformedMessage, name, err)
	}
	if *dst == "" {
		return fmt.Errorf("%w: %s", errMissingField, name)
	}
	return nil
}

// forwardSignal rebuilds a signal for its recipient: target removed, sender
// attribution injected.
func forwardSignal(s signal, from, fromUsername string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.fields)+1)
	for k, v := range s.fields {
		if k == "target" {
			continue
		}
		out[k] = v
	}

	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	usernameJSON, err := json.Marshal(fromUsername)
	if err != nil {
		return nil, err
	}
	out["from"] = fromJSON
	out["from_username"] = usernameJSON

	return json.Marshal(out)
}
