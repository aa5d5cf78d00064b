package match

import (
	"encoding/json"
	"fmt"

	"github.com/moodcall/video-app/internal/messaging"
)

// MatchFoundEvent is published on match.found.<user_id> when a pair is
// created. Each side receives its own role, its own target connection, and
// its partner's identity.
type MatchFoundEvent struct {
	SessionID           string `json:"session_id"`
	Role                string `json:"role"` // initiator | receiver
	Mood                string `json:"mood"`
	PartnerID           string `json:"partner_id"`
	PartnerConnectionID string `json:"partner_connection_id"`
	ConnectionID        string `json:"connection_id"` // where to deliver this event
	Ts                  int64  `json:"ts"`
}

// QueueExpiredEvent is published on queue.expired.<user_id> when an entry
// is evicted for waiting longer than the configured limit.
type QueueExpiredEvent struct {
	Mood     string `json:"mood"`
	WaitedMs int64  `json:"waited_ms"`
	Ts       int64  `json:"ts"`
}

// Notifier publishes matcher events toward the gateways.
type Notifier interface {
	MatchFound(userID string, ev MatchFoundEvent) error
	QueueExpired(userID string, ev QueueExpiredEvent) error
}

// BusNotifier publishes matcher events over NATS.
type BusNotifier struct {
	nc *messaging.NATSClient
}

// NewBusNotifier wraps a NATS client as a Notifier.
func NewBusNotifier(nc *messaging.NATSClient) *BusNotifier {
	return &BusNotifier{nc: nc}
}

// MatchFound publishes a match event to the user's subject.
func (n *BusNotifier) MatchFound(userID string, ev MatchFoundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("match: marshal match event: %w", err)
	}
	if err := n.nc.PublishMatchFound(userID, data); err != nil {
		return fmt.Errorf("match: publish match.found for %s: %w", userID, err)
	}
	return nil
}

// QueueExpired publishes an eviction notice to the user's subject.
func (n *BusNotifier) QueueExpired(userID string, ev QueueExpiredEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("match: marshal eviction event: %w", err)
	}
	if err := n.nc.PublishQueueExpired(userID, data); err != nil {
		return fmt.Errorf("match: publish queue.expired for %s: %w", userID, err)
	}
	return nil
}
