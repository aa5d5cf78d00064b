package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	// Flush test DB before each test.
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewStore(rdb), ctx
}

// joinTestUser is a helper that joins a user and fails the test on error.
func joinTestUser(t *testing.T, s *Store, ctx context.Context, userID, mood string) int64 {
	t.Helper()
	pos, err := s.Join(ctx, userID, mood, "conn-"+userID)
	if err != nil {
		t.Fatalf("failed to join %s: %v", userID, err)
	}
	return pos
}

// ---------- Mood validation ----------

func TestValidMood(t *testing.T) {
	for _, mood := range Moods {
		if !ValidMood(mood) {
			t.Errorf("expected %q to be valid", mood)
		}
	}

	for _, mood := range []string{"", "angry", "HAPPY", "happy ", "relaxed\n"} {
		if ValidMood(mood) {
			t.Errorf("expected %q to be invalid", mood)
		}
	}
}

func TestMoodCount(t *testing.T) {
	if len(Moods) != 8 {
		t.Fatalf("expected 8 moods, got %d", len(Moods))
	}
}

// ---------- Join ----------

func TestJoin_RejectsInvalidArguments(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if _, err := s.Join(ctx, "", "happy", "conn-1"); err != ErrMissingUser {
		t.Errorf("expected ErrMissingUser for empty user, got %v", err)
	}
	if _, err := s.Join(ctx, "u-1", "furious", "conn-1"); err != ErrInvalidMood {
		t.Errorf("expected ErrInvalidMood for bad mood, got %v", err)
	}
}

func TestJoin_ReturnsPositionWithinMood(t *testing.T) {
	s, ctx := setupTestStore(t)

	if pos := joinTestUser(t, s, ctx, "u-1", "happy"); pos != 1 {
		t.Errorf("first joiner: expected position 1, got %d", pos)
	}
	if pos := joinTestUser(t, s, ctx, "u-2", "happy"); pos != 2 {
		t.Errorf("second joiner: expected position 2, got %d", pos)
	}

	// A different mood group has its own ordering.
	if pos := joinTestUser(t, s, ctx, "u-3", "relaxed"); pos != 1 {
		t.Errorf("first relaxed joiner: expected position 1, got %d", pos)
	}
}

func TestJoin_UpsertKeepsOneEntryPerUser(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "happy")
	// Re-join with a different mood replaces the earlier entry.
	joinTestUser(t, s, ctx, "u-1", "bored")

	happy, err := s.Size(ctx, "happy")
	if err != nil {
		t.Fatalf("Size(happy) error: %v", err)
	}
	if happy != 0 {
		t.Errorf("expected happy queue empty after mood switch, got %d", happy)
	}

	bored, err := s.Size(ctx, "bored")
	if err != nil {
		t.Fatalf("Size(bored) error: %v", err)
	}
	if bored != 1 {
		t.Errorf("expected bored queue size 1, got %d", bored)
	}

	entry, err := s.Entry(ctx, "u-1")
	if err != nil {
		t.Fatalf("Entry() error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry for u-1")
	}
	if entry.Mood != "bored" {
		t.Errorf("expected mood bored, got %q", entry.Mood)
	}
}

func TestJoin_RefreshesConnectionAndJoinTime(t *testing.T) {
	s, ctx := setupTestStore(t)

	if _, err := s.Join(ctx, "u-1", "happy", "conn-old"); err != nil {
		t.Fatalf("first join error: %v", err)
	}
	first, _ := s.Entry(ctx, "u-1")

	time.Sleep(5 * time.Millisecond)
	if _, err := s.Join(ctx, "u-1", "happy", "conn-new"); err != nil {
		t.Fatalf("second join error: %v", err)
	}
	second, _ := s.Entry(ctx, "u-1")

	if second.ConnectionID != "conn-new" {
		t.Errorf("expected connection refreshed to conn-new, got %q", second.ConnectionID)
	}
	if second.JoinedAt <= first.JoinedAt {
		t.Errorf("expected joined_at refreshed: first=%d second=%d", first.JoinedAt, second.JoinedAt)
	}
}

// ---------- Remove ----------

func TestRemove_DeletesEntry(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "curious")

	removed, err := s.Remove(ctx, "u-1")
	if err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if !removed {
		t.Error("expected removed=true")
	}

	entry, _ := s.Entry(ctx, "u-1")
	if entry != nil {
		t.Error("expected entry gone after Remove")
	}
	size, _ := s.Size(ctx, "curious")
	if size != 0 {
		t.Errorf("expected empty mood queue, got %d", size)
	}
}

func TestRemove_IdempotentWhenAbsent(t *testing.T) {
	s, ctx := setupTestStore(t)

	removed, err := s.Remove(ctx, "u-never-joined")
	if err != nil {
		t.Fatalf("Remove() of absent user should not error: %v", err)
	}
	if removed {
		t.Error("expected removed=false for absent user")
	}
}

// ---------- EntriesByMood ----------

func TestEntriesByMood_OldestFirst(t *testing.T) {
	s, ctx := setupTestStore(t)

	for _, id := range []string{"u-1", "u-2", "u-3"} {
		joinTestUser(t, s, ctx, id, "nostalgic")
		time.Sleep(5 * time.Millisecond) // distinct join timestamps
	}
	joinTestUser(t, s, ctx, "u-other", "romantic")

	entries, err := s.EntriesByMood(ctx, "nostalgic")
	if err != nil {
		t.Fatalf("EntriesByMood() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	want := []string{"u-1", "u-2", "u-3"}
	for i, e := range entries {
		if e.UserID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.UserID)
		}
		if e.Mood != "nostalgic" {
			t.Errorf("entry %s: expected mood nostalgic, got %q", e.UserID, e.Mood)
		}
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].JoinedAt < entries[i-1].JoinedAt {
			t.Errorf("entries not ordered by join time: %d before %d",
				entries[i-1].JoinedAt, entries[i].JoinedAt)
		}
	}
}

// ---------- ClaimPair ----------

func TestClaimPair_RemovesBothUsers(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "energetic")
	joinTestUser(t, s, ctx, "u-2", "energetic")

	claimed, err := s.ClaimPair(ctx, "energetic", "u-1", "u-2")
	if err != nil {
		t.Fatalf("ClaimPair() error: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed")
	}

	size, _ := s.Size(ctx, "energetic")
	if size != 0 {
		t.Errorf("expected empty queue after claim, got %d", size)
	}
	for _, id := range []string{"u-1", "u-2"} {
		if entry, _ := s.Entry(ctx, id); entry != nil {
			t.Errorf("expected entry %s deleted after claim", id)
		}
	}
}

func TestClaimPair_FailsWhenEitherUserGone(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "adventurous")
	joinTestUser(t, s, ctx, "u-2", "adventurous")

	// u-2 leaves between selection and claim.
	if _, err := s.Remove(ctx, "u-2"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	claimed, err := s.ClaimPair(ctx, "adventurous", "u-1", "u-2")
	if err != nil {
		t.Fatalf("ClaimPair() error: %v", err)
	}
	if claimed {
		t.Fatal("expected claim to fail when one user is gone")
	}

	// The surviving user must still be queued.
	entry, _ := s.Entry(ctx, "u-1")
	if entry == nil {
		t.Error("expected u-1 to remain queued after failed claim")
	}
}

func TestClaimPair_SecondClaimFails(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "happy")
	joinTestUser(t, s, ctx, "u-2", "happy")

	first, err := s.ClaimPair(ctx, "happy", "u-1", "u-2")
	if err != nil || !first {
		t.Fatalf("first claim: claimed=%v err=%v", first, err)
	}

	second, err := s.ClaimPair(ctx, "happy", "u-1", "u-2")
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if second {
		t.Fatal("expected second claim of the same pair to fail")
	}
}

// ---------- Eviction ----------

func TestEvictBefore_RemovesOnlyStaleEntries(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-stale", "relaxed")
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)
	joinTestUser(t, s, ctx, "u-fresh", "relaxed")

	evicted, err := s.EvictBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("EvictBefore() error: %v", err)
	}
	if len(evicted) != 1 {
		t.Fatalf("expected 1 evicted entry, got %d", len(evicted))
	}
	if evicted[0].UserID != "u-stale" {
		t.Errorf("expected u-stale evicted, got %s", evicted[0].UserID)
	}
	if evicted[0].Mood != "relaxed" {
		t.Errorf("expected evicted mood relaxed, got %q", evicted[0].Mood)
	}

	if entry, _ := s.Entry(ctx, "u-stale"); entry != nil {
		t.Error("expected stale entry gone")
	}
	if entry, _ := s.Entry(ctx, "u-fresh"); entry == nil {
		t.Error("expected fresh entry to survive eviction")
	}
}

func TestEvictBefore_SkipsRejoinedUser(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "bored")
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)

	// Re-join refreshes joined_at past the cutoff; the eviction pass must
	// leave the refreshed entry alone.
	joinTestUser(t, s, ctx, "u-1", "bored")

	evicted, err := s.EvictBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("EvictBefore() error: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("expected no evictions, got %d", len(evicted))
	}
	if entry, _ := s.Entry(ctx, "u-1"); entry == nil {
		t.Error("expected re-joined entry to survive")
	}
}

// ---------- Position / Sizes ----------

func TestPosition_ReflectsMoodGroupRank(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "happy")
	time.Sleep(5 * time.Millisecond)
	joinTestUser(t, s, ctx, "u-2", "happy")

	pos, err := s.Position(ctx, "u-2")
	if err != nil {
		t.Fatalf("Position() error: %v", err)
	}
	if pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}

	// Head of queue leaving promotes the remaining user.
	if _, err := s.Remove(ctx, "u-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	pos, err = s.Position(ctx, "u-2")
	if err != nil {
		t.Fatalf("Position() error: %v", err)
	}
	if pos != 1 {
		t.Errorf("expected position 1 after head left, got %d", pos)
	}

	// Unqueued users have no position.
	pos, err = s.Position(ctx, "u-absent")
	if err != nil {
		t.Fatalf("Position() of absent user error: %v", err)
	}
	if pos != 0 {
		t.Errorf("expected position 0 for absent user, got %d", pos)
	}
}

func TestSizes_CountsPerMood(t *testing.T) {
	s, ctx := setupTestStore(t)

	joinTestUser(t, s, ctx, "u-1", "happy")
	joinTestUser(t, s, ctx, "u-2", "happy")
	joinTestUser(t, s, ctx, "u-3", "curious")

	sizes, err := s.Sizes(ctx)
	if err != nil {
		t.Fatalf("Sizes() error: %v", err)
	}
	if sizes["happy"] != 2 {
		t.Errorf("expected happy=2, got %d", sizes["happy"])
	}
	if sizes["curious"] != 1 {
		t.Errorf("expected curious=1, got %d", sizes["curious"])
	}
	if sizes["romantic"] != 0 {
		t.Errorf("expected romantic=0, got %d", sizes["romantic"])
	}
}
