package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeSystem    MessageType = "system"
)

type SystemEvent string

const (
	EventWelcome          SystemEvent = "welcome"
	EventPeerConnected    SystemEvent = "peer_connected"
	EventPeerDisconnected SystemEvent = "peer_disconnected"
	EventError            SystemEvent = "error"
	EventPeerUnavailable  SystemEvent = "peer_unavailable"
	EventDeliveryFailed   SystemEvent = "delivery_failed"
)

// Human-readable texts sent to clients.
const (
	TextInvalidJSON    = "Invalid JSON format"
	TextMissingFields  = "Missing required fields: type, to"
	TextRateLimited    = "Rate limit exceeded"
	TextPeerNotReady   = "Peer connection not ready"
	TextMissingPeerID  = "Missing or invalid peer ID"
	TextInvalidPeerID  = "Invalid peer ID format"
	TextReplaced       = "Replaced by new connection"
	TextInactive       = "Inactive timeout"
	TextServerShutdown = "Server shutting down"
)

// Close codes used by the relay (RFC 6455 section 7.4).
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicyViolated = 1008
	CloseServiceRestart = 1012
)

var (
	ErrMissingPeerID   = errors.New("missing peer id")
	ErrInvalidPeerID   = errors.New("invalid peer id format")
	ErrInvalidJSON     = errors.New("invalid json")
	ErrMissingFields   = errors.New("missing required fields: type, to")
	ErrInvalidPayload  = errors.New("invalid message payload")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrPeerNotReady    = errors.New("peer connection not ready")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrShuttingDown    = errors.New("relay shutting down")
	ErrTransportClosed = errors.New("transport closed")
)

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidatePeerID trims raw and checks it against [A-Za-z0-9_-]+.
func ValidatePeerID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrMissingPeerID
	}
	if !peerIDPattern.MatchString(id) {
		return "", ErrInvalidPeerID
	}
	return id, nil
}

// Envelope is a client message as seen by the relay: the routing fields plus
// every other field kept as raw JSON so it can be forwarded untouched.
type Envelope struct {
	Type MessageType
	To   string

	fields map[string]json.RawMessage
}

// ParseEnvelope validates the routing envelope of a client message.
//
// It returns ErrInvalidJSON when data is not a JSON object and
// ErrMissingFields when type or to is absent, empty or not a string.
func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	typ, okType := stringField(fields, "type")
	to, okTo := stringField(fields, "to")
	if !okType || !okTo {
		return Envelope{}, ErrMissingFields
	}

	return Envelope{Type: MessageType(typ), To: to, fields: fields}, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// Stamp sets the server-assigned sender and timestamp, overwriting anything
// the client supplied, and returns the message to forward.
func (e Envelope) Stamp(from string, timestampMillis int64) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+2)
	for k, v := range e.fields {
		out[k] = v
	}
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	out["from"] = fromJSON
	out["timestamp"] = json.RawMessage(fmt.Sprintf("%d", timestampMillis))
	return json.Marshal(out)
}

// Message is the typed form of every message on the wire. Exactly the fields
// belonging to Type (and Event for system messages) are populated.
type Message struct {
	Type      MessageType `json:"type"`
	Event     SystemEvent `json:"event,omitempty"`
	ID        string      `json:"id,omitempty"`
	To        string      `json:"to,omitempty"`
	From      string      `json:"from,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	TotalPeers int    `json:"totalPeers,omitempty"`
	Message    string `json:"message,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DecodeMessage parses and validates a relayed message. Unknown fields are
// ignored.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that the payload required by the message variant is
// present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidPayload, m.Type)
		}
		want := webrtc.SDPTypeOffer
		if m.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if m.SDP.Type != want {
			return fmt.Errorf("%w: %s carries sdp of type %s", ErrInvalidPayload, m.Type, m.SDP.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate", ErrInvalidPayload)
		}
	case TypeSystem:
		if m.Event == "" {
			return fmt.Errorf("%w: system message without event", ErrInvalidPayload)
		}
	case "":
		return ErrMissingFields
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, m.Type)
	}
	return nil
}

// Encode marshals m for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func systemMessage(event SystemEvent) Message {
	return Message{Type: TypeSystem, Event: event}
}
