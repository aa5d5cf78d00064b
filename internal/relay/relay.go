// Package relay forwards WebRTC signaling between the two sides of a
// matched pair. Payloads are opaque: offers, answers, and ICE candidates
// pass through verbatim, re-addressed with the sender's identity so the
// receiver knows whom to reply to. Delivery is best-effort; a message for a
// user with no live connection is dropped, not queued.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/moodcall/video-app/internal/metrics"
	"github.com/moodcall/video-app/internal/protocol"
	"github.com/moodcall/video-app/internal/registry"
)

// ErrNotBound is returned when the sending connection never announced its
// user id. Unbound connections cannot signal.
var ErrNotBound = errors.New("relay: connection not bound")

// ErrMissingTarget is returned when no target user id was supplied.
var ErrMissingTarget = errors.New("relay: missing target user id")

// Sender writes a raw message to a local connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Relay routes signaling messages through the connection registry.
type Relay struct {
	reg    *registry.Registry
	sender Sender
}

// NewRelay creates a relay over the given registry and transport.
func NewRelay(reg *registry.Registry, sender Sender) *Relay {
	return &Relay{reg: reg, sender: sender}
}

// ForwardOffer relays an SDP offer to the target user.
func (r *Relay) ForwardOffer(senderConnID, targetUserID string, payload json.RawMessage) error {
	return r.Forward(protocol.TypeSignalOffer, senderConnID, targetUserID, payload)
}

// ForwardAnswer relays an SDP answer to the target user.
func (r *Relay) ForwardAnswer(senderConnID, targetUserID string, payload json.RawMessage) error {
	return r.Forward(protocol.TypeSignalAnswer, senderConnID, targetUserID, payload)
}

// ForwardIce relays an ICE candidate to the target user.
func (r *Relay) ForwardIce(senderConnID, targetUserID string, payload json.RawMessage) error {
	return r.Forward(protocol.TypeSignalIce, senderConnID, targetUserID, payload)
}

// Forward relays one signaling message of the given type to the target
// user's newest connection. The sender must be bound; an offline target is
// not an error, the message is dropped and counted.
func (r *Relay) Forward(msgType, senderConnID, targetUserID string, payload json.RawMessage) error {
	fromUser, ok := r.reg.UserFor(senderConnID)
	if !ok {
		return ErrNotBound
	}
	if targetUserID == "" {
		return ErrMissingTarget
	}

	targetConn, ok := r.reg.Resolve(targetUserID)
	if !ok {
		metrics.SignalsDropped.WithLabelValues(msgType).Inc()
		log.Printf("[relay] drop %s from %s: no connection for %s", msgType, fromUser, targetUserID)
		return nil
	}

	// Marshaled directly, not via NewServerMessage: its re-encoding pass
	// would reorder keys inside the opaque payload, and signaling payloads
	// must reach the peer byte-for-byte.
	data, err := json.Marshal(protocol.ForwardedSignalMsg{
		Type:             msgType,
		FromUserID:       fromUser,
		FromConnectionID: senderConnID,
		Payload:          payload,
	})
	if err != nil {
		return fmt.Errorf("relay: build %s: %w", msgType, err)
	}

	if err := r.sender.SendMessage(targetConn, data); err != nil {
		// The target vanished mid-send. Same outcome as an offline target.
		metrics.SignalsDropped.WithLabelValues(msgType).Inc()
		log.Printf("[relay] send %s to %s: %v", msgType, targetUserID, err)
		return nil
	}

	metrics.SignalsForwarded.WithLabelValues(msgType).Inc()
	return nil
}
