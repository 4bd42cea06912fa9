package ws

import (
	"encoding/json"
	"errors"
)

// Message is the JSON envelope exchanged on the control channel.
//
// Requests carry Type and, for scans, DeviceID. Responses carry Type plus
// either Data or Error.
type Message struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Control-channel message types.
const (
	MessageTypeGetScanners  = "get-scanners"
	MessageTypeScannersList = "scanners-list"
	MessageTypeStartScan    = "start-scan"
	MessageTypeScanComplete = "scan-complete"
	MessageTypeError        = "error"
)

// ErrMissingType is returned by DecodeMessage for JSON without a "type" string.
var ErrMissingType = errors.New("ws: message has no type")

// Marshal marshals the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound envelope. Anything that is not a JSON
// object with a string "type" is an error.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// NewError builds an error envelope.
func NewError(text string) *Message {
	return &Message{Type: MessageTypeError, Error: text}
}
