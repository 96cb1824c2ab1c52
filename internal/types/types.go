package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
)

// MessageType strings for protocol
type MessageType string

const (
	MsgStateUpdate   MessageType = "STATE_UPDATE"
	MsgStateRequest  MessageType = "STATE_REQUEST"
	MsgStateResponse MessageType = "STATE_RESPONSE"
	MsgClockSync     MessageType = "CLOCK_SYNC"
	MsgHeartbeat     MessageType = "HEARTBEAT"
)

// Known reports whether the type is one this version understands.
func (mt MessageType) Known() bool {
	switch mt {
	case MsgStateUpdate, MsgStateRequest, MsgStateResponse, MsgClockSync, MsgHeartbeat:
		return true
	}
	return false
}

// CarriesState reports whether messages of this type hold a state payload
// subject to conflict detection.
func (mt MessageType) CarriesState() bool {
	return mt == MsgStateUpdate || mt == MsgStateResponse
}

// CarriesClock reports whether a clock is mandatory for this type.
func (mt MessageType) CarriesClock() bool {
	return mt == MsgStateUpdate || mt == MsgStateResponse || mt == MsgClockSync
}

var (
	ErrMissingType  = errors.New("message: missing type")
	ErrMissingFrom  = errors.New("message: missing sender")
	ErrMissingClock = errors.New("message: missing clock")
	ErrUnknownType  = errors.New("message: unknown type")
)

// Message is the envelope exchanged between peers. To is empty for
// broadcasts. Timestamp is advisory and never used for ordering.
type Message struct {
	Type      MessageType       `json:"type"`
	From      string            `json:"from"`
	To        string            `json:"to,omitempty"`
	Payload   interface{}       `json:"payload"`
	Clock     clock.VectorClock `json:"clock"`
	Timestamp int64             `json:"timestamp"`
}

// NewMessage stamps a message with the current wall-clock time.
func NewMessage(mt MessageType, from string, payload interface{}, vc clock.VectorClock) Message {
	return Message{
		Type:      mt,
		From:      from,
		Payload:   payload,
		Clock:     vc,
		Timestamp: time.Now().UnixMilli(),
	}
}

// IsBroadcast reports whether the message is addressed to every known peer.
func (m Message) IsBroadcast() bool { return m.To == "" }

// StatePayload returns the payload as a state blob. A nil payload yields an
// empty blob; any other non-object payload is rejected.
func (m Message) StatePayload() (map[string]interface{}, bool) {
	switch p := m.Payload.(type) {
	case nil:
		return map[string]interface{}{}, true
	case map[string]interface{}:
		return p, true
	default:
		return nil, false
	}
}

// Validate checks the fields the engine relies on.
func (m Message) Validate() error {
	if m.Type == "" {
		return ErrMissingType
	}
	if !m.Type.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
	if m.From == "" {
		return ErrMissingFrom
	}
	if m.Type.CarriesClock() && m.Clock == nil {
		return ErrMissingClock
	}
	return nil
}

// Encode serializes the message as a single JSON object.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and validates a raw frame. Numbers inside the payload
// decode as float64, matching what other JSON peers produce.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	raw = bytes.TrimSpace(raw)
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NetworkConfig holds network-level configuration
type NetworkConfig struct {
	NetworkID      string
	BootstrapPeers []string

	Encryption struct {
		Enabled      bool
		SharedSecret string
	}
	// JoinSecret signs and verifies mesh admission tokens; empty disables the check.
	JoinSecret string
	// Observer joins with a token that may not publish state.
	Observer bool
	// Signing attaches a Dilithium signature to every frame and requires
	// one from every peer.
	Signing bool

	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
}

// PeerInfo describes a connected mesh peer
type PeerInfo struct {
	PeerID    string
	Addrs     []string
	PublicKey []byte
	LastSeen  time.Time
}

// NetworkStats
type NetworkStats struct {
	NetworkID        string
	ConnectedPeers   int
	MessagesSent     int64
	MessagesReceived int64
	BytesTransferred int64
	FramesRejected   int64
}
