package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/moodcall/video-app/internal/messaging"
)

// CallEndedEvent is published on call.ended.<user_id> when a session ends
// for a reason the user did not trigger themselves.
type CallEndedEvent struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Ts        int64  `json:"ts"`
}

// Notifier carries call lifecycle events toward the gateways.
type Notifier interface {
	CallEnded(userID string, ev CallEndedEvent) error
}

// BusNotifier publishes lifecycle events over NATS.
type BusNotifier struct {
	nc *messaging.NATSClient
}

// NewBusNotifier wraps a NATS client as a Notifier.
func NewBusNotifier(nc *messaging.NATSClient) *BusNotifier {
	return &BusNotifier{nc: nc}
}

// CallEnded publishes a call ended event to the user's subject.
func (n *BusNotifier) CallEnded(userID string, ev CallEndedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal call ended event: %w", err)
	}
	if err := n.nc.PublishCallEnded(userID, data); err != nil {
		return fmt.Errorf("lifecycle: publish call.ended for %s: %w", userID, err)
	}
	return nil
}
