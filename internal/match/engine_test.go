package match

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/moodcall/video-app/internal/queue"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeQueue struct {
	mu         sync.Mutex
	entries    map[string][]queue.Entry
	denyClaims map[string]bool // users that "left" between listing and claiming
	listCalls  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		entries:    make(map[string][]queue.Entry),
		denyClaims: make(map[string]bool),
	}
}

func (q *fakeQueue) add(userID, mood string, joinedAt int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[mood] = append(q.entries[mood], queue.Entry{
		UserID:       userID,
		Mood:         mood,
		ConnectionID: "conn-" + userID,
		JoinedAt:     joinedAt,
	})
	sort.Slice(q.entries[mood], func(i, j int) bool {
		return q.entries[mood][i].JoinedAt < q.entries[mood][j].JoinedAt
	})
}

func (q *fakeQueue) has(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.entries {
		for _, e := range list {
			if e.UserID == userID {
				return true
			}
		}
	}
	return false
}

func (q *fakeQueue) listCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listCalls
}

func (q *fakeQueue) EntriesByMood(_ context.Context, mood string) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listCalls++
	out := make([]queue.Entry, len(q.entries[mood]))
	copy(out, q.entries[mood])
	return out, nil
}

func (q *fakeQueue) ClaimPair(_ context.Context, mood, userA, userB string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.denyClaims[userA] || q.denyClaims[userB] {
		return false, nil
	}
	if !q.containsLocked(mood, userA) || !q.containsLocked(mood, userB) {
		return false, nil
	}
	q.removeLocked(mood, userA)
	q.removeLocked(mood, userB)
	return true, nil
}

func (q *fakeQueue) EvictBefore(_ context.Context, cutoff time.Time) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoffMs := cutoff.UnixMilli()
	var evicted []queue.Entry
	for mood, list := range q.entries {
		var keep []queue.Entry
		for _, e := range list {
			if e.JoinedAt <= cutoffMs {
				evicted = append(evicted, e)
			} else {
				keep = append(keep, e)
			}
		}
		q.entries[mood] = keep
	}
	return evicted, nil
}

func (q *fakeQueue) Sizes(context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sizes := make(map[string]int64)
	for mood, list := range q.entries {
		sizes[mood] = int64(len(list))
	}
	return sizes, nil
}

func (q *fakeQueue) containsLocked(mood, userID string) bool {
	for _, e := range q.entries[mood] {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

func (q *fakeQueue) removeLocked(mood, userID string) {
	list := q.entries[mood]
	for i, e := range list {
		if e.UserID == userID {
			q.entries[mood] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

type createdPair struct {
	id, mood, initiator, receiver string
}

type fakeSessions struct {
	mu         sync.Mutex
	created    []createdPair
	ended      []string
	failCreate bool
}

func (s *fakeSessions) CreatePair(_ context.Context, sessionID, mood, initiatorID, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("duplicate key value violates unique constraint")
	}
	s.created = append(s.created, createdPair{sessionID, mood, initiatorID, receiverID})
	return nil
}

func (s *fakeSessions) End(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	return true, nil
}

type fakePresence struct {
	conns map[string]string
}

func (p *fakePresence) Resolve(userID string) (string, bool) {
	c, ok := p.conns[userID]
	return c, ok
}

type captureNotifier struct {
	mu      sync.Mutex
	matches map[string]MatchFoundEvent
	expired map[string]QueueExpiredEvent
	failFor map[string]bool
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{
		matches: make(map[string]MatchFoundEvent),
		expired: make(map[string]QueueExpiredEvent),
		failFor: make(map[string]bool),
	}
}

func (n *captureNotifier) MatchFound(userID string, ev MatchFoundEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[userID] {
		return errors.New("nats: connection closed")
	}
	n.matches[userID] = ev
	return nil
}

func (n *captureNotifier) QueueExpired(userID string, ev QueueExpiredEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired[userID] = ev
	return nil
}

func (n *captureNotifier) matchFor(userID string) (MatchFoundEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev, ok := n.matches[userID]
	return ev, ok
}

func (n *captureNotifier) matchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.matches)
}

// presenceFor builds a fakePresence with a conn-<user> entry per user.
func presenceFor(users ...string) *fakePresence {
	conns := make(map[string]string)
	for _, u := range users {
		conns[u] = "conn-" + u
	}
	return &fakePresence{conns: conns}
}

// ---------------------------------------------------------------------------
// RunCycle
// ---------------------------------------------------------------------------

func TestRunCycle_PairsOldestTwoPerMood(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	// u-b waited longest, then u-a, then u-c. FIFO pairs u-b with u-a and
	// leaves u-c waiting.
	q.add("u-b", "happy", 1000)
	q.add("u-a", "happy", 2000)
	q.add("u-c", "happy", 3000)

	e := NewEngine(q, sessions, presenceFor("u-a", "u-b", "u-c"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Matched != 1 {
		t.Fatalf("expected 1 match, got %+v", stats)
	}
	if len(sessions.created) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions.created))
	}

	pair := sessions.created[0]
	if pair.initiator != "u-a" || pair.receiver != "u-b" {
		t.Errorf("expected initiator u-a (smaller id), got initiator=%s receiver=%s",
			pair.initiator, pair.receiver)
	}
	if pair.mood != "happy" {
		t.Errorf("expected mood happy, got %q", pair.mood)
	}

	evA, okA := notifier.matchFor("u-a")
	evB, okB := notifier.matchFor("u-b")
	if !okA || !okB {
		t.Fatal("expected both sides notified")
	}
	if evA.SessionID != evB.SessionID || evA.SessionID != pair.id {
		t.Errorf("session ids diverge: a=%s b=%s created=%s", evA.SessionID, evB.SessionID, pair.id)
	}
	if evA.Role != "initiator" || evB.Role != "receiver" {
		t.Errorf("expected complementary roles, got a=%s b=%s", evA.Role, evB.Role)
	}
	if evA.PartnerID != "u-b" || evB.PartnerID != "u-a" {
		t.Errorf("partner ids wrong: a=%s b=%s", evA.PartnerID, evB.PartnerID)
	}
	if evA.PartnerConnectionID != "conn-u-b" || evA.ConnectionID != "conn-u-a" {
		t.Errorf("connection ids wrong on initiator event: %+v", evA)
	}

	// Odd user stays queued for the next pass.
	if !q.has("u-c") {
		t.Error("expected u-c to remain queued")
	}
	if _, ok := notifier.matchFor("u-c"); ok {
		t.Error("u-c must not be notified")
	}
}

func TestRunCycle_MoodsDoNotMix(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	q.add("u-1", "happy", 1000)
	q.add("u-2", "relaxed", 1000)

	e := NewEngine(q, sessions, presenceFor("u-1", "u-2"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Matched != 0 {
		t.Errorf("expected no matches across moods, got %d", stats.Matched)
	}
	if !q.has("u-1") || !q.has("u-2") {
		t.Error("expected both users still queued")
	}
}

func TestRunCycle_MatchesEveryMoodGroup(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	q.add("u-1", "happy", 1000)
	q.add("u-2", "happy", 2000)
	q.add("u-3", "bored", 1000)
	q.add("u-4", "bored", 2000)

	e := NewEngine(q, sessions, presenceFor("u-1", "u-2", "u-3", "u-4"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Matched != 2 {
		t.Fatalf("expected 2 matches, got %+v", stats)
	}
	if notifier.matchCount() != 4 {
		t.Errorf("expected 4 notifications, got %d", notifier.matchCount())
	}
}

func TestRunCycle_ConflictSkipsPair(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	q.add("u-1", "happy", 1000)
	q.add("u-2", "happy", 2000)
	q.add("u-3", "happy", 3000)
	q.add("u-4", "happy", 4000)
	q.denyClaims["u-2"] = true // left between listing and claiming

	e := NewEngine(q, sessions, presenceFor("u-1", "u-2", "u-3", "u-4"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Conflicts != 1 {
		t.Errorf("expected 1 conflict, got %+v", stats)
	}
	if stats.Matched != 1 {
		t.Errorf("expected the next pair to still match, got %+v", stats)
	}
	if len(sessions.created) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions.created))
	}
	if sessions.created[0].initiator != "u-3" || sessions.created[0].receiver != "u-4" {
		t.Errorf("wrong pair matched: %+v", sessions.created[0])
	}

	// The conflicting pair is untouched; u-1 waits for the next pass.
	if !q.has("u-1") {
		t.Error("expected u-1 to remain queued after conflict")
	}
}

func TestRunCycle_SessionCreateFailureDropsPair(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{failCreate: true}
	notifier := newCaptureNotifier()

	q.add("u-1", "happy", 1000)
	q.add("u-2", "happy", 2000)

	e := NewEngine(q, sessions, presenceFor("u-1", "u-2"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Failures != 1 || stats.Matched != 0 {
		t.Errorf("expected 1 failure, got %+v", stats)
	}
	if notifier.matchCount() != 0 {
		t.Error("expected no notifications on create failure")
	}
	// Users fell out of the queue at claim time and are not restored; they
	// re-join to try again.
	if q.has("u-1") || q.has("u-2") {
		t.Error("expected users out of the queue after failed create")
	}
	if len(sessions.ended) != 0 {
		t.Errorf("nothing to roll back, got %v", sessions.ended)
	}
}

func TestRunCycle_PeerOfflineAbandonsSession(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	q.add("u-1", "happy", 1000)
	q.add("u-2", "happy", 2000)

	// u-2 disconnected after joining the queue.
	e := NewEngine(q, sessions, presenceFor("u-1"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Failures != 1 || stats.Matched != 0 {
		t.Errorf("expected 1 failure, got %+v", stats)
	}
	if len(sessions.created) != 1 {
		t.Fatalf("expected session created before the presence check, got %d", len(sessions.created))
	}
	if len(sessions.ended) != 1 || sessions.ended[0] != sessions.created[0].id {
		t.Errorf("expected the created session abandoned, created=%v ended=%v",
			sessions.created, sessions.ended)
	}
	if notifier.matchCount() != 0 {
		t.Error("expected no notifications when a peer is offline")
	}
}

func TestRunCycle_NotifyFailureAbandonsSession(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()
	notifier.failFor["u-1"] = true // initiator's publish fails

	q.add("u-1", "happy", 1000)
	q.add("u-2", "happy", 2000)

	e := NewEngine(q, sessions, presenceFor("u-1", "u-2"), notifier, 0)
	stats := e.RunCycle(context.Background())

	if stats.Failures != 1 || stats.Matched != 0 {
		t.Errorf("expected 1 failure, got %+v", stats)
	}
	if len(sessions.ended) != 1 {
		t.Fatalf("expected session abandoned after notify failure, ended=%v", sessions.ended)
	}
	// Users are not put back in the queue.
	if q.has("u-1") || q.has("u-2") {
		t.Error("expected no queue restore after notify failure")
	}
}

func TestRunCycle_EvictsEntriesPastMaxWait(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	now := time.Now().UnixMilli()
	q.add("u-stale", "curious", now-10*60*1000) // 10 minutes ago
	q.add("u-fresh", "curious", now)

	e := NewEngine(q, sessions, presenceFor("u-stale", "u-fresh"), notifier, 5*time.Minute)
	stats := e.RunCycle(context.Background())

	if stats.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %+v", stats)
	}
	if q.has("u-stale") {
		t.Error("expected stale entry evicted")
	}
	if !q.has("u-fresh") {
		t.Error("expected fresh entry to survive")
	}

	ev, ok := notifier.expired["u-stale"]
	if !ok {
		t.Fatal("expected eviction notice for u-stale")
	}
	if ev.Mood != "curious" {
		t.Errorf("expected mood curious, got %q", ev.Mood)
	}
	if ev.WaitedMs < 9*60*1000 {
		t.Errorf("expected waited_ms around 10 minutes, got %d", ev.WaitedMs)
	}
}

func TestRunCycle_EmptyQueueIsNoOp(t *testing.T) {
	q := newFakeQueue()
	sessions := &fakeSessions{}
	notifier := newCaptureNotifier()

	e := NewEngine(q, sessions, presenceFor(), notifier, time.Minute)
	stats := e.RunCycle(context.Background())

	if stats != (CycleStats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}
