// Package messaging provides a NATS client wrapper for pub/sub messaging
// across MoodCall services. It handles connection lifecycle, subject-based
// subscriptions, and convenience methods for the matchmaking and call
// lifecycle channels.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across MoodCall services. Per-user subjects
// carry the user id as the last token so gateways can subscribe with a
// wildcard and route to local connections.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchFound   = "match.found"   // + .<user_id>
	SubjectCallEnded    = "call.ended"    // + .<user_id>
	SubjectQueueExpired = "queue.expired" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "moodcall",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchRequest nudges the matcher to run a pass now instead of
// waiting for its next tick.
func (c *NATSClient) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// SubscribeMatchRequest subscribes to match trigger messages from WS servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchFound publishes a match event to the user's subject.
func (c *NATSClient) PublishMatchFound(userID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+userID, data)
}

// SubscribeMatchFound subscribes to match events for all users with a single
// wildcard subscription. The handler receives the target user id taken from
// the subject's last token.
func (c *NATSClient) SubscribeMatchFound(handler func(userID string, data []byte)) error {
	return c.subscribePerUser(SubjectMatchFound, handler)
}

// PublishCallEnded publishes a call ended event to the user's subject.
func (c *NATSClient) PublishCallEnded(userID string, data []byte) error {
	return c.Publish(SubjectCallEnded+"."+userID, data)
}

// SubscribeCallEnded subscribes to call ended events for all users.
func (c *NATSClient) SubscribeCallEnded(handler func(userID string, data []byte)) error {
	return c.subscribePerUser(SubjectCallEnded, handler)
}

// PublishQueueExpired publishes a queue eviction notice to the user's subject.
func (c *NATSClient) PublishQueueExpired(userID string, data []byte) error {
	return c.Publish(SubjectQueueExpired+"."+userID, data)
}

// SubscribeQueueExpired subscribes to queue eviction notices for all users.
func (c *NATSClient) SubscribeQueueExpired(handler func(userID string, data []byte)) error {
	return c.subscribePerUser(SubjectQueueExpired, handler)
}

// subscribePerUser subscribes to prefix.* and strips the prefix off the
// subject to recover the user id.
func (c *NATSClient) subscribePerUser(prefix string, handler func(userID string, data []byte)) error {
	return c.Subscribe(prefix+".*", func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, prefix+".")
		handler(userID, msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
