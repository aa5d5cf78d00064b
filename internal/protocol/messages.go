// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
// WebRTC payloads (SDP offers/answers, ICE candidates) are carried as raw JSON
// and never interpreted by the server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeBind       = "bind"
	TypeJoinQueue  = "join_queue"
	TypeLeaveQueue = "leave_queue"
	TypeEndCall    = "end_call"
	TypeReport     = "report"
	TypePing       = "ping"
)

// Signaling message types. These flow in both directions: a client sends one
// addressed to target_user_id, and the matched partner receives the same type
// re-addressed with from_user_id / from_connection_id.
const (
	TypeSignalOffer  = "signal_offer"
	TypeSignalAnswer = "signal_answer"
	TypeSignalIce    = "signal_ice"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeBound       = "bound"
	TypeQueueStatus = "queue_status"
	TypeQueueError  = "queue_error"
	TypeMatchFound  = "match_found"
	TypeCallEnded   = "call_ended"
	TypeError       = "error"
	TypePong        = "pong"
)

// Queue status values carried by QueueStatusMsg.
const (
	StatusWaiting = "waiting"
	StatusLeft    = "left"
)

// Match roles. The initiator creates the WebRTC offer; the receiver answers.
const (
	RoleInitiator = "initiator"
	RoleReceiver  = "receiver"
)

// Call end reasons carried by CallEndedMsg.
const (
	ReasonCallEnded           = "call ended"
	ReasonPartnerEnded        = "partner ended call"
	ReasonPartnerDisconnected = "partner disconnected"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// BindMsg is sent by the client to claim ownership of the current WebSocket
// connection for an anonymous user identity.
type BindMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinQueueMsg is sent by the client to enter the matching queue with a mood.
// Re-joining replaces any earlier entry for the same user.
type JoinQueueMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Mood   string `json:"mood"`
}

// LeaveQueueMsg is sent by the client to leave the matching queue.
type LeaveQueueMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SignalMsg is a client-sent WebRTC signaling message (offer, answer, or ICE
// candidate) addressed to the matched partner. Payload is opaque to the server.
type SignalMsg struct {
	Type         string          `json:"type"`
	TargetUserID string          `json:"target_user_id"`
	Payload      json.RawMessage `json:"payload"`
}

// EndCallMsg is sent by the client to end an active call session.
type EndCallMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
}

// ReportMsg is sent by the client to report the call partner for abuse.
type ReportMsg struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server right after the WebSocket upgrade so the
// client learns its transport connection ID.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// BoundMsg acknowledges a bind request.
type BoundMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// QueueStatusMsg reports the caller's queue state after a join or leave.
// Position is the 1-indexed rank by join time within the mood group; it is
// zero when Status is "left".
type QueueStatusMsg struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Mood     string `json:"mood,omitempty"`
	Position int64  `json:"position,omitempty"`
}

// QueueErrorMsg reports a rejected queue operation (bad mood, missing user,
// ban, rate limit, queue timeout).
type QueueErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MatchFoundMsg is sent to each side of a freshly matched pair. Role tells the
// client whether it creates the WebRTC offer (initiator) or answers (receiver).
type MatchFoundMsg struct {
	Type                string `json:"type"`
	SessionID           string `json:"session_id"`
	Role                string `json:"role"`
	PartnerID           string `json:"partner_id"`
	PartnerConnectionID string `json:"partner_connection_id"`
	Mood                string `json:"mood"`
	Ts                  int64  `json:"ts"`
}

// ForwardedSignalMsg is a signaling payload relayed to the target user,
// annotated with the sender's identity so the receiver knows whom to answer.
type ForwardedSignalMsg struct {
	Type             string          `json:"type"`
	FromUserID       string          `json:"from_user_id"`
	FromConnectionID string          `json:"from_connection_id"`
	Payload          json.RawMessage `json:"payload"`
}

// CallEndedMsg tells a client its session is over and why.
type CallEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeBind:
		var m BindMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalIce:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
