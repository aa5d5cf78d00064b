// Package match implements the mood matching engine. Each pass pairs the
// two longest-waiting users of every mood group, records a session for the
// pair, and publishes match events toward the gateways. A scheduler drives
// passes off a ticker and join-triggered kicks through a single goroutine,
// so passes never overlap.
package match

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/moodcall/video-app/internal/metrics"
	"github.com/moodcall/video-app/internal/queue"
	"github.com/moodcall/video-app/internal/session"
)

// Defaults for the scheduler interval and the queue wait limit. Both are
// overridable through the environment in cmd/server.
const (
	DefaultMatchInterval = 5 * time.Second
	DefaultMaxWait       = 5 * time.Minute
)

// Queue is the subset of the waiting queue the engine drives.
type Queue interface {
	EntriesByMood(ctx context.Context, mood string) ([]queue.Entry, error)
	ClaimPair(ctx context.Context, mood, userA, userB string) (bool, error)
	EvictBefore(ctx context.Context, cutoff time.Time) ([]queue.Entry, error)
	Sizes(ctx context.Context) (map[string]int64, error)
}

// Sessions is the subset of session storage the engine drives.
type Sessions interface {
	CreatePair(ctx context.Context, sessionID, mood, initiatorID, receiverID string) error
	End(ctx context.Context, sessionID string) (bool, error)
}

// Presence resolves a user to the connection their events should target.
// Implemented by the connection registry.
type Presence interface {
	Resolve(userID string) (connID string, ok bool)
}

// Engine runs matching passes over the mood queues.
type Engine struct {
	queue    Queue
	sessions Sessions
	presence Presence
	notifier Notifier
	maxWait  time.Duration
}

// CycleStats summarizes one matching pass.
type CycleStats struct {
	Evicted   int
	Matched   int
	Conflicts int
	Failures  int
}

// NewEngine creates a matching engine. maxWait bounds how long an entry may
// sit in the queue before it is evicted; zero disables eviction.
func NewEngine(q Queue, s Sessions, p Presence, n Notifier, maxWait time.Duration) *Engine {
	return &Engine{
		queue:    q,
		sessions: s,
		presence: p,
		notifier: n,
		maxWait:  maxWait,
	}
}

// RunCycle executes one full matching pass: evict stale entries, then pair
// users within each mood group oldest-first.
func (e *Engine) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats

	e.evictStale(ctx, &stats)
	for _, mood := range queue.Moods {
		e.matchMood(ctx, mood, &stats)
	}
	e.updateQueueGauges(ctx)

	return stats
}

// evictStale removes entries older than maxWait and tells their owners.
func (e *Engine) evictStale(ctx context.Context, stats *CycleStats) {
	if e.maxWait <= 0 {
		return
	}

	evicted, err := e.queue.EvictBefore(ctx, time.Now().Add(-e.maxWait))
	if err != nil {
		log.Printf("[matcher] eviction pass: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, entry := range evicted {
		metrics.QueueEvictions.Inc()
		ev := QueueExpiredEvent{
			Mood:     entry.Mood,
			WaitedMs: now - entry.JoinedAt,
			Ts:       now,
		}
		if err := e.notifier.QueueExpired(entry.UserID, ev); err != nil {
			log.Printf("[matcher] publish queue.expired for %s: %v", entry.UserID, err)
		}
		log.Printf("[matcher] evicted %s from %s after %dms", entry.UserID, entry.Mood, now-entry.JoinedAt)
	}
	stats.Evicted = len(evicted)
}

// matchMood pairs users within one mood group in arrival order. A pair that
// cannot be claimed atomically is skipped; whoever is still queued gets
// picked up next pass.
func (e *Engine) matchMood(ctx context.Context, mood string, stats *CycleStats) {
	entries, err := e.queue.EntriesByMood(ctx, mood)
	if err != nil {
		log.Printf("[matcher] list %s queue: %v", mood, err)
		return
	}

	for len(entries) >= 2 {
		a, b := entries[0], entries[1]
		entries = entries[2:]

		claimed, err := e.queue.ClaimPair(ctx, mood, a.UserID, b.UserID)
		if err != nil {
			log.Printf("[matcher] claim %s+%s: %v", a.UserID, b.UserID, err)
			stats.Failures++
			continue
		}
		if !claimed {
			// One side left or re-joined between listing and claiming.
			metrics.MatchFailures.WithLabelValues("conflict").Inc()
			stats.Conflicts++
			continue
		}

		if e.completeMatch(ctx, mood, a, b) {
			stats.Matched++
		} else {
			stats.Failures++
		}
	}
}

// completeMatch turns a claimed pair into a session and notifies both sides.
// On any failure past the claim the pair stays out of the queue; users
// re-join to try again.
func (e *Engine) completeMatch(ctx context.Context, mood string, a, b queue.Entry) bool {
	initiator, receiver := AssignRoles(a, b)
	sessionID := uuid.NewString()

	if err := e.sessions.CreatePair(ctx, sessionID, mood, initiator.UserID, receiver.UserID); err != nil {
		log.Printf("[matcher] create session for %s+%s: %v", initiator.UserID, receiver.UserID, err)
		metrics.MatchFailures.WithLabelValues("session_create").Inc()
		return false
	}

	initConn, initOK := e.presence.Resolve(initiator.UserID)
	recvConn, recvOK := e.presence.Resolve(receiver.UserID)
	if !initOK || !recvOK {
		// A side dropped after claiming. Abandon the session and tell no
		// one; the survivor re-joins on their own.
		e.abandonSession(ctx, sessionID)
		metrics.MatchFailures.WithLabelValues("peer_offline").Inc()
		log.Printf("[matcher] peer offline for session %s (initiator=%v receiver=%v)",
			sessionID, initOK, recvOK)
		return false
	}

	now := time.Now().UnixMilli()
	evInitiator := MatchFoundEvent{
		SessionID:           sessionID,
		Role:                session.RoleInitiator,
		Mood:                mood,
		PartnerID:           receiver.UserID,
		PartnerConnectionID: recvConn,
		ConnectionID:        initConn,
		Ts:                  now,
	}
	evReceiver := MatchFoundEvent{
		SessionID:           sessionID,
		Role:                session.RoleReceiver,
		Mood:                mood,
		PartnerID:           initiator.UserID,
		PartnerConnectionID: initConn,
		ConnectionID:        recvConn,
		Ts:                  now,
	}

	if err := e.notifier.MatchFound(initiator.UserID, evInitiator); err != nil {
		log.Printf("[matcher] notify %s: %v", initiator.UserID, err)
		e.abandonSession(ctx, sessionID)
		metrics.MatchFailures.WithLabelValues("notify").Inc()
		return false
	}
	if err := e.notifier.MatchFound(receiver.UserID, evReceiver); err != nil {
		log.Printf("[matcher] notify %s: %v", receiver.UserID, err)
		e.abandonSession(ctx, sessionID)
		metrics.MatchFailures.WithLabelValues("notify").Inc()
		return false
	}

	metrics.Matches.Inc()
	for _, entry := range []queue.Entry{a, b} {
		metrics.TimeToMatch.Observe(float64(now-entry.JoinedAt) / 1000)
	}

	log.Printf("[matcher] matched %s+%s mood=%s session=%s",
		initiator.UserID, receiver.UserID, mood, sessionID)
	return true
}

// abandonSession deactivates a session that never reached both peers.
func (e *Engine) abandonSession(ctx context.Context, sessionID string) {
	if _, err := e.sessions.End(ctx, sessionID); err != nil {
		log.Printf("[matcher] abandon session %s: %v", sessionID, err)
	}
}

func (e *Engine) updateQueueGauges(ctx context.Context) {
	sizes, err := e.queue.Sizes(ctx)
	if err != nil {
		return
	}
	for mood, n := range sizes {
		metrics.QueueSize.WithLabelValues(mood).Set(float64(n))
	}
}
