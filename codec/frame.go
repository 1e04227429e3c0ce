package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownMessage is returned by ParseFrame for message types this
// version does not understand.
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType is the first byte of every frame on a collaboration socket.
type MessageType byte

const (
	// MsgSyncStep1 carries the sender's state vector and asks the receiver
	// for every operation it lacks.
	MsgSyncStep1 MessageType = iota
	// MsgSyncStep2 carries the catch-up delta answering a MsgSyncStep1.
	MsgSyncStep2
	// MsgUpdate carries an incremental delta of fresh edits.
	MsgUpdate
	// MsgPresence carries one peer's presence record.
	MsgPresence
	// MsgPresenceQuery asks peers to re-broadcast their presence.
	MsgPresenceQuery
	// MsgAuth carries the permission the server granted the connection.
	MsgAuth
)

var messageNames = map[MessageType]string{
	MsgSyncStep1:     "sync-step1",
	MsgSyncStep2:     "sync-step2",
	MsgUpdate:        "update",
	MsgPresence:      "presence",
	MsgPresenceQuery: "presence-query",
	MsgAuth:          "auth",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// Frame is one binary websocket message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode returns the frame bytes.
func (f Frame) Encode() []byte {
	b := make([]byte, 0, 1+len(f.Payload))
	b = append(b, byte(f.Type))
	return append(b, f.Payload...)
}

// ParseFrame splits a websocket message into its type and payload.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, malformed(0, "empty frame", nil)
	}
	t := MessageType(b[0])
	if _, ok := messageNames[t]; !ok {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownMessage, b[0])
	}
	return Frame{Type: t, Payload: b[1:]}, nil
}

// Field numbers of the auth message.
const (
	authPermission   protowire.Number = 1
	authConnectionID protowire.Number = 2
	authUserID       protowire.Number = 3
)

// AuthMessage is sent by the server right after it accepts a connection.
type AuthMessage struct {
	Permission   string
	ConnectionID string
	UserID       string
}

// Encode serializes the message.
func (m AuthMessage) Encode() []byte {
	b := appendStringField(nil, authPermission, m.Permission)
	b = appendStringField(b, authConnectionID, m.ConnectionID)
	if m.UserID != "" {
		b = appendStringField(b, authUserID, m.UserID)
	}
	return b
}

// DecodeAuth parses an auth payload.
func DecodeAuth(b []byte) (AuthMessage, error) {
	var m AuthMessage
	err := walk(b, 0, func(f field) error {
		switch f.num {
		case authPermission, authConnectionID, authUserID:
			raw, err := f.bytes()
			if err != nil {
				return err
			}
			switch f.num {
			case authPermission:
				m.Permission = string(raw)
			case authConnectionID:
				m.ConnectionID = string(raw)
			default:
				m.UserID = string(raw)
			}
		}
		return nil
	})
	if err != nil {
		return AuthMessage{}, err
	}
	if m.Permission == "" {
		return AuthMessage{}, malformed(0, "auth without permission", nil)
	}
	return m, nil
}

// Field numbers of the presence message.
const (
	presenceConnectionID protowire.Number = 1
	presenceClock        protowire.Number = 2
	presenceState        protowire.Number = 3
)

// PresenceMessage is one peer's presence record. A nil State announces that
// the peer went away.
type PresenceMessage struct {
	ConnectionID string
	Clock        uint64
	State        []byte
}

// Removed reports whether the message announces a departure.
func (m PresenceMessage) Removed() bool {
	return m.State == nil
}

// Encode serializes the message.
func (m PresenceMessage) Encode() []byte {
	b := appendStringField(nil, presenceConnectionID, m.ConnectionID)
	b = appendVarintField(b, presenceClock, m.Clock)
	if m.State != nil {
		b = appendBytesField(b, presenceState, m.State)
	}
	return b
}

// DecodePresence parses a presence payload.
func DecodePresence(b []byte) (PresenceMessage, error) {
	var m PresenceMessage
	err := walk(b, 0, func(f field) error {
		switch f.num {
		case presenceConnectionID:
			raw, err := f.bytes()
			m.ConnectionID = string(raw)
			return err
		case presenceClock:
			v, err := f.varint()
			m.Clock = v
			return err
		case presenceState:
			raw, err := f.bytes()
			m.State = append([]byte{}, raw...)
			return err
		}
		return nil
	})
	return m, err
}
