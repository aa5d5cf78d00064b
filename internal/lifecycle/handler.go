// Package lifecycle owns connection and call lifecycle transitions: binding
// connections to users, cleaning up after transport closes, and ending calls
// on request. Partner notifications go out exactly once per ended session,
// keyed off the session store's end-once semantics.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/moodcall/video-app/internal/metrics"
	"github.com/moodcall/video-app/internal/protocol"
	"github.com/moodcall/video-app/internal/registry"
	"github.com/moodcall/video-app/internal/session"
)

// ErrSessionNotFound is returned when a user asks to end a session they are
// not part of.
var ErrSessionNotFound = errors.New("lifecycle: session not found")

// Queue is the subset of the waiting queue the handler cleans up.
type Queue interface {
	Remove(ctx context.Context, userID string) (bool, error)
}

// Sessions is the subset of session storage the handler drives.
type Sessions interface {
	Get(ctx context.Context, sessionID, userID string) (*session.Session, error)
	ActiveByUser(ctx context.Context, userID string) (*session.Session, error)
	End(ctx context.Context, sessionID string) (bool, error)
}

// Handler reacts to connection and call lifecycle events.
type Handler struct {
	reg      *registry.Registry
	queue    Queue
	sessions Sessions
	notifier Notifier
}

// NewHandler creates a lifecycle handler.
func NewHandler(reg *registry.Registry, q Queue, s Sessions, n Notifier) *Handler {
	return &Handler{reg: reg, queue: q, sessions: s, notifier: n}
}

// Bind records connection ownership. Old connections of the same user stay
// open; multiple tabs are tolerated. Returns the previous owner when the
// connection moves between users.
func (h *Handler) Bind(userID, connID string) string {
	prev := h.reg.Bind(userID, connID)
	if prev != "" && prev != userID {
		log.Printf("[lifecycle] connection %s moved from %s to %s", connID, prev, userID)
	}
	return prev
}

// HandleDisconnect cleans up after a transport close. When the user's last
// connection goes away, an abandoned queue entry is deleted immediately and
// an active call is ended with the partner told exactly once.
func (h *Handler) HandleDisconnect(ctx context.Context, connID string) {
	userID, last := h.reg.Unbind(connID)
	if userID == "" {
		return // connection never bound
	}
	if !last {
		// Another tab still holds the user online.
		return
	}

	sess, err := h.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		log.Printf("[lifecycle] active session lookup for %s: %v", userID, err)
		return
	}

	if sess == nil {
		removed, err := h.queue.Remove(ctx, userID)
		if err != nil {
			log.Printf("[lifecycle] queue cleanup for %s: %v", userID, err)
		} else if removed {
			log.Printf("[lifecycle] removed %s from queue after disconnect", userID)
		}
		return
	}

	ended, err := h.sessions.End(ctx, sess.ID)
	if err != nil {
		log.Printf("[lifecycle] end session %s: %v", sess.ID, err)
		return
	}
	if !ended {
		return // partner ended it first
	}

	metrics.SessionsEnded.WithLabelValues("partner_disconnected").Inc()
	ev := CallEndedEvent{
		SessionID: sess.ID,
		Reason:    protocol.ReasonPartnerDisconnected,
		Ts:        time.Now().UnixMilli(),
	}
	if err := h.notifier.CallEnded(sess.PartnerID, ev); err != nil {
		log.Printf("[lifecycle] notify %s: %v", sess.PartnerID, err)
	}
	log.Printf("[lifecycle] %s disconnected, session %s ended (partner %s)",
		userID, sess.ID, sess.PartnerID)
}

// EndCall ends a session at one participant's request. Returns true when
// this call actually ended the session, so the caller's ack goes out exactly
// once; false means it was already over. The partner comes from the stored
// session row, never from the request.
func (h *Handler) EndCall(ctx context.Context, userID, sessionID string) (bool, error) {
	sess, err := h.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: session lookup: %w", err)
	}
	if sess == nil {
		return false, ErrSessionNotFound
	}

	ended, err := h.sessions.End(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("lifecycle: end session: %w", err)
	}
	if !ended {
		// The other side won the race; nothing left to do.
		return false, nil
	}

	metrics.SessionsEnded.WithLabelValues("ended").Inc()
	ev := CallEndedEvent{
		SessionID: sessionID,
		Reason:    protocol.ReasonPartnerEnded,
		Ts:        time.Now().UnixMilli(),
	}
	if err := h.notifier.CallEnded(sess.PartnerID, ev); err != nil {
		log.Printf("[lifecycle] notify %s: %v", sess.PartnerID, err)
	}
	log.Printf("[lifecycle] session %s ended by %s", sessionID, userID)
	return true, nil
}

// EndActiveCall ends whatever call the user is currently in, if any. Used
// when a user rejoins the queue without ending their call first.
func (h *Handler) EndActiveCall(ctx context.Context, userID string) {
	sess, err := h.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		log.Printf("[lifecycle] active session lookup for %s: %v", userID, err)
		return
	}
	if sess == nil {
		return
	}
	if _, err := h.EndCall(ctx, userID, sess.ID); err != nil {
		log.Printf("[lifecycle] end active session %s: %v", sess.ID, err)
	}
}
