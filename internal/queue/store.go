package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for queue data structures.
	moodPrefix = "queue:mood:" // + <mood> -> ZSET, member = user_id, score = joined_at (ms)
	userPrefix = "queue:user:" // + <user_id> -> Hash {user_id, mood, connection_id, joined_at}
)

// Entry represents one waiting user's record of intent to be matched.
type Entry struct {
	UserID       string
	Mood         string
	ConnectionID string
	JoinedAt     int64 // Unix timestamp in milliseconds
}

// Store manages the Redis data structures for the waiting queue.
type Store struct {
	rdb          *redis.Client
	joinScript   *redis.Script
	removeScript *redis.Script
	claimScript  *redis.Script
	evictScript  *redis.Script
}

// NewStore creates a queue store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		joinScript:   redis.NewScript(joinLua),
		removeScript: redis.NewScript(removeLua),
		claimScript:  redis.NewScript(claimLua),
		evictScript:  redis.NewScript(evictLua),
	}
}

func moodKey(mood string) string {
	return moodPrefix + mood
}

func userKey(userID string) string {
	return userPrefix + userID
}

// Join upserts the queue entry for userID and returns the 1-indexed position
// within the mood group. Re-joining replaces any earlier entry for the same
// user, including one under a different mood, so at most one entry per user
// exists at any time. The whole transition runs as a single Lua script.
func (s *Store) Join(ctx context.Context, userID, mood, connectionID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	if !ValidMood(mood) {
		return 0, ErrInvalidMood
	}

	now := time.Now().UnixMilli()
	pos, err := s.joinScript.Run(ctx, s.rdb,
		[]string{userKey(userID), moodKey(mood)},
		userID, mood, connectionID, now, moodPrefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: join %s: %w", userID, err)
	}
	return pos, nil
}

// Remove deletes the queue entry for userID if present. It is idempotent:
// removing an absent user returns (false, nil).
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrMissingUser
	}

	n, err := s.removeScript.Run(ctx, s.rdb,
		[]string{userKey(userID)},
		userID, moodPrefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("queue: remove %s: %w", userID, err)
	}
	return n == 1, nil
}

// Entry retrieves the queue entry for userID. Returns nil if not queued.
func (s *Store) Entry(ctx context.Context, userID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get entry %s: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return entryFromHash(userID, result), nil
}

// Position returns the 1-indexed rank of userID within its mood group, ordered
// by join time. Returns 0 if the user is not queued.
func (s *Store) Position(ctx context.Context, userID string) (int64, error) {
	entry, err := s.Entry(ctx, userID)
	if err != nil || entry == nil {
		return 0, err
	}

	rank, err := s.rdb.ZRank(ctx, moodKey(entry.Mood), userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue: position %s: %w", userID, err)
	}
	return rank + 1, nil
}

// EntriesByMood returns all entries waiting under the given mood, oldest
// first. Entries whose hash has vanished mid-read (claimed or removed by a
// concurrent cycle) are skipped; the claim step re-verifies membership anyway.
func (s *Store) EntriesByMood(ctx context.Context, mood string) ([]Entry, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, moodKey(mood), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: range mood %s: %w", mood, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, userKey(m.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: read entries for mood %s: %w", mood, err)
	}

	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		hash, err := cmds[i].Result()
		if err != nil || len(hash) == 0 {
			continue
		}
		userID := m.Member.(string)
		e := entryFromHash(userID, hash)
		// The ZSET score is authoritative for ordering.
		e.JoinedAt = int64(m.Score)
		e.Mood = mood
		entries = append(entries, *e)
	}
	return entries, nil
}

// ClaimPair atomically removes both users from the mood's queue. It verifies
// both are still members of the mood ZSET inside the script, so two concurrent
// matching cycles can never both claim the same entry. Returns false if either
// user had already vanished (matched elsewhere, left, or evicted).
func (s *Store) ClaimPair(ctx context.Context, mood, userA, userB string) (bool, error) {
	n, err := s.claimScript.Run(ctx, s.rdb,
		[]string{moodKey(mood), userKey(userA), userKey(userB)},
		userA, userB,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("queue: claim pair %s/%s: %w", userA, userB, err)
	}
	return n == 1, nil
}

// EvictBefore removes every entry whose join time is at or before cutoff and
// returns the evicted entries. Each removal re-checks the score inside a Lua
// script, so a user who re-joined after the snapshot (refreshing joined_at) is
// never evicted by a stale pass.
func (s *Store) EvictBefore(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	cutoffMs := cutoff.UnixMilli()
	var evicted []Entry

	for _, mood := range Moods {
		userIDs, err := s.rdb.ZRangeByScore(ctx, moodKey(mood), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoffMs, 10),
		}).Result()
		if err != nil {
			return evicted, fmt.Errorf("queue: evict scan mood %s: %w", mood, err)
		}

		for _, userID := range userIDs {
			entry, err := s.Entry(ctx, userID)
			if err != nil || entry == nil {
				continue
			}

			n, err := s.evictScript.Run(ctx, s.rdb,
				[]string{moodKey(mood), userKey(userID)},
				userID, cutoffMs,
			).Int64()
			if err != nil {
				return evicted, fmt.Errorf("queue: evict %s: %w", userID, err)
			}
			if n == 1 {
				evicted = append(evicted, *entry)
			}
		}
	}
	return evicted, nil
}

// Size returns the number of users waiting under the given mood.
func (s *Store) Size(ctx context.Context, mood string) (int64, error) {
	return s.rdb.ZCard(ctx, moodKey(mood)).Result()
}

// Sizes returns the per-mood queue sizes for all moods.
func (s *Store) Sizes(ctx context.Context) (map[string]int64, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(Moods))
	for _, mood := range Moods {
		cmds[mood] = pipe.ZCard(ctx, moodKey(mood))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: sizes: %w", err)
	}

	sizes := make(map[string]int64, len(Moods))
	for mood, cmd := range cmds {
		sizes[mood] = cmd.Val()
	}
	return sizes, nil
}

func entryFromHash(userID string, hash map[string]string) *Entry {
	joinedAt, _ := strconv.ParseInt(hash["joined_at"], 10, 64)
	return &Entry{
		UserID:       userID,
		Mood:         hash["mood"],
		ConnectionID: hash["connection_id"],
		JoinedAt:     joinedAt,
	}
}

// joinLua upserts a user's queue entry. If the user already has an entry under
// another mood, the old ZSET membership is removed first so the one-entry-per-
// user invariant is structural. Returns the 1-indexed position in the new
// mood's ZSET.
const joinLua = `
local user_key = KEYS[1]
local mood_key = KEYS[2]
local user_id = ARGV[1]
local mood = ARGV[2]
local connection_id = ARGV[3]
local joined_at = ARGV[4]
local mood_prefix = ARGV[5]

local old_mood = redis.call('HGET', user_key, 'mood')
if old_mood and old_mood ~= mood then
	redis.call('ZREM', mood_prefix .. old_mood, user_id)
end

redis.call('HSET', user_key,
	'user_id', user_id,
	'mood', mood,
	'connection_id', connection_id,
	'joined_at', joined_at)
redis.call('ZADD', mood_key, joined_at, user_id)

return redis.call('ZRANK', mood_key, user_id) + 1
`

// removeLua deletes a user's entry from both the hash and its mood ZSET.
// Returns 1 if an entry was removed, 0 if the user was not queued.
const removeLua = `
local user_key = KEYS[1]
local user_id = ARGV[1]
local mood_prefix = ARGV[2]

local mood = redis.call('HGET', user_key, 'mood')
if not mood then return 0 end

redis.call('ZREM', mood_prefix .. mood, user_id)
redis.call('DEL', user_key)
return 1
`

// claimLua removes two users from a mood ZSET and deletes their hashes, but
// only if both are still members. Returns 1 on success, 0 if either is gone.
const claimLua = `
local mood_key = KEYS[1]
local user_a_key = KEYS[2]
local user_b_key = KEYS[3]
local user_a = ARGV[1]
local user_b = ARGV[2]

if not redis.call('ZSCORE', mood_key, user_a) then return 0 end
if not redis.call('ZSCORE', mood_key, user_b) then return 0 end

redis.call('ZREM', mood_key, user_a, user_b)
redis.call('DEL', user_a_key, user_b_key)
return 1
`

// evictLua removes a user only if their join time is still at or before the
// cutoff. A re-join between the eviction scan and this script refreshes the
// score, and the check keeps the fresh entry alive.
const evictLua = `
local mood_key = KEYS[1]
local user_key = KEYS[2]
local user_id = ARGV[1]
local cutoff = tonumber(ARGV[2])

local score = redis.call('ZSCORE', mood_key, user_id)
if not score then return 0 end
if tonumber(score) > cutoff then return 0 end

redis.call('ZREM', mood_key, user_id)
redis.call('DEL', user_key)
return 1
`
