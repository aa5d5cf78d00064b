package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/moodcall/video-app/internal/protocol"
	"github.com/moodcall/video-app/internal/registry"
	"github.com/moodcall/video-app/internal/session"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeQueue struct {
	mu     sync.Mutex
	queued map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: make(map[string]bool)}
}

func (q *fakeQueue) Remove(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.queued[userID]
	delete(q.queued, userID)
	return was, nil
}

func (q *fakeQueue) isQueued(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[userID]
}

// memSessions mirrors the real store's end-once semantics: two rows per
// pair, End deactivates all rows of an id and reports whether any was
// still active.
type memSessions struct {
	mu   sync.Mutex
	rows []*session.Session
}

func (m *memSessions) addPair(id, mood, initiator, receiver string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows,
		&session.Session{ID: id, UserID: initiator, PartnerID: receiver, Role: session.RoleInitiator, Mood: mood, IsActive: true},
		&session.Session{ID: id, UserID: receiver, PartnerID: initiator, Role: session.RoleReceiver, Mood: mood, IsActive: true},
	)
}

func (m *memSessions) Get(_ context.Context, sessionID, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == sessionID && r.UserID == userID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSessions) ActiveByUser(_ context.Context, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.UserID == userID && r.IsActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSessions) End(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ended := false
	for _, r := range m.rows {
		if r.ID == sessionID && r.IsActive {
			r.IsActive = false
			ended = true
		}
	}
	return ended, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events map[string][]CallEndedEvent
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{events: make(map[string][]CallEndedEvent)}
}

func (n *captureNotifier) CallEnded(userID string, ev CallEndedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], ev)
	return nil
}

func (n *captureNotifier) eventsFor(userID string) []CallEndedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[userID]
}

func (n *captureNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, evs := range n.events {
		count += len(evs)
	}
	return count
}

func setupHandler() (*Handler, *registry.Registry, *fakeQueue, *memSessions, *captureNotifier) {
	reg := registry.NewRegistry()
	q := newFakeQueue()
	sessions := &memSessions{}
	notifier := newCaptureNotifier()
	return NewHandler(reg, q, sessions, notifier), reg, q, sessions, notifier
}

// ---------------------------------------------------------------------------
// Bind / disconnect
// ---------------------------------------------------------------------------

func TestBind_RecordsOwnership(t *testing.T) {
	h, reg, _, _, _ := setupHandler()

	if prev := h.Bind("u-1", "c-1"); prev != "" {
		t.Errorf("expected no previous owner, got %q", prev)
	}
	if userID, _ := reg.UserFor("c-1"); userID != "u-1" {
		t.Errorf("expected c-1 bound to u-1, got %q", userID)
	}

	// Rebinding the connection to another user reports the old owner.
	if prev := h.Bind("u-2", "c-1"); prev != "u-1" {
		t.Errorf("expected previous owner u-1, got %q", prev)
	}
}

func TestHandleDisconnect_UnboundConnection(t *testing.T) {
	h, _, q, _, notifier := setupHandler()
	q.queued["u-1"] = true

	h.HandleDisconnect(context.Background(), "c-never-bound")

	if !q.isQueued("u-1") {
		t.Error("unrelated queue entry must be untouched")
	}
	if notifier.total() != 0 {
		t.Error("expected no notifications")
	}
}

func TestHandleDisconnect_OtherTabStillOpen(t *testing.T) {
	h, _, q, _, _ := setupHandler()
	h.Bind("u-1", "c-1")
	h.Bind("u-1", "c-2")
	q.queued["u-1"] = true

	h.HandleDisconnect(context.Background(), "c-1")

	// The user is still reachable through c-2, so nothing is cleaned up.
	if !q.isQueued("u-1") {
		t.Error("expected queue entry to survive while another tab is open")
	}
}

func TestHandleDisconnect_RemovesAbandonedWaiter(t *testing.T) {
	h, _, q, _, notifier := setupHandler()
	h.Bind("u-1", "c-1")
	q.queued["u-1"] = true

	h.HandleDisconnect(context.Background(), "c-1")

	if q.isQueued("u-1") {
		t.Error("expected queue entry removed on last disconnect")
	}
	if notifier.total() != 0 {
		t.Error("no call to end, so no notifications")
	}
}

func TestHandleDisconnect_EndsCallAndNotifiesPartner(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	h.Bind("u-1", "c-1")
	h.Bind("u-2", "c-2")

	id := uuid.NewString()
	sessions.addPair(id, "happy", "u-1", "u-2")

	h.HandleDisconnect(context.Background(), "c-1")

	if sess, _ := sessions.ActiveByUser(context.Background(), "u-2"); sess != nil {
		t.Error("expected session deactivated for both sides")
	}

	evs := notifier.eventsFor("u-2")
	if len(evs) != 1 {
		t.Fatalf("expected exactly one notification for the partner, got %d", len(evs))
	}
	if evs[0].Reason != protocol.ReasonPartnerDisconnected {
		t.Errorf("expected reason %q, got %q", protocol.ReasonPartnerDisconnected, evs[0].Reason)
	}
	if evs[0].SessionID != id {
		t.Errorf("expected session %s, got %s", id, evs[0].SessionID)
	}
	if len(notifier.eventsFor("u-1")) != 0 {
		t.Error("the disconnected side gets nothing")
	}
}

func TestHandleDisconnect_BothSidesDropNotifyOnce(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	h.Bind("u-1", "c-1")
	h.Bind("u-2", "c-2")
	sessions.addPair(uuid.NewString(), "bored", "u-1", "u-2")

	h.HandleDisconnect(context.Background(), "c-1")
	h.HandleDisconnect(context.Background(), "c-2")

	// The second disconnect finds the session already ended and must not
	// produce another notification.
	if notifier.total() != 1 {
		t.Errorf("expected exactly one notification total, got %d", notifier.total())
	}
}

// ---------------------------------------------------------------------------
// EndCall
// ---------------------------------------------------------------------------

func TestEndCall_NotifiesPartnerExactlyOnce(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	id := uuid.NewString()
	sessions.addPair(id, "romantic", "u-1", "u-2")

	ended, err := h.EndCall(context.Background(), "u-1", id)
	if err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}
	if !ended {
		t.Fatal("expected first EndCall to end the session")
	}

	evs := notifier.eventsFor("u-2")
	if len(evs) != 1 {
		t.Fatalf("expected one partner notification, got %d", len(evs))
	}
	if evs[0].Reason != protocol.ReasonPartnerEnded {
		t.Errorf("expected reason %q, got %q", protocol.ReasonPartnerEnded, evs[0].Reason)
	}

	// Idempotent: the second call reports nothing to ack and adds no event.
	ended, err = h.EndCall(context.Background(), "u-1", id)
	if err != nil {
		t.Fatalf("second EndCall() error: %v", err)
	}
	if ended {
		t.Error("expected second EndCall to be a no-op")
	}
	if notifier.total() != 1 {
		t.Errorf("expected one notification total, got %d", notifier.total())
	}
}

func TestEndCall_RaceBetweenPartners(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	id := uuid.NewString()
	sessions.addPair(id, "energetic", "u-1", "u-2")

	ended1, err := h.EndCall(context.Background(), "u-1", id)
	if err != nil {
		t.Fatalf("EndCall(u-1) error: %v", err)
	}
	ended2, err := h.EndCall(context.Background(), "u-2", id)
	if err != nil {
		t.Fatalf("EndCall(u-2) error: %v", err)
	}

	if !ended1 || ended2 {
		t.Errorf("expected exactly one winner, got ended1=%v ended2=%v", ended1, ended2)
	}
	if notifier.total() != 1 {
		t.Errorf("expected one notification total, got %d", notifier.total())
	}
}

func TestEndCall_UnknownSession(t *testing.T) {
	h, _, _, _, _ := setupHandler()

	_, err := h.EndCall(context.Background(), "u-1", uuid.NewString())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndCall_StrangerCannotEndSession(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	id := uuid.NewString()
	sessions.addPair(id, "curious", "u-1", "u-2")

	_, err := h.EndCall(context.Background(), "u-intruder", id)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for non-participant, got %v", err)
	}
	if sess, _ := sessions.ActiveByUser(context.Background(), "u-1"); sess == nil {
		t.Error("session must stay active")
	}
	if notifier.total() != 0 {
		t.Error("expected no notifications")
	}
}

// ---------------------------------------------------------------------------
// EndActiveCall
// ---------------------------------------------------------------------------

func TestEndActiveCall_EndsCurrentSession(t *testing.T) {
	h, _, _, sessions, notifier := setupHandler()
	id := uuid.NewString()
	sessions.addPair(id, "nostalgic", "u-1", "u-2")

	h.EndActiveCall(context.Background(), "u-1")

	if sess, _ := sessions.ActiveByUser(context.Background(), "u-1"); sess != nil {
		t.Error("expected active session ended")
	}
	if len(notifier.eventsFor("u-2")) != 1 {
		t.Error("expected the partner notified")
	}
}

func TestEndActiveCall_NoSessionIsNoOp(t *testing.T) {
	h, _, _, _, notifier := setupHandler()

	h.EndActiveCall(context.Background(), "u-1")

	if notifier.total() != 0 {
		t.Error("expected nothing to happen")
	}
}
