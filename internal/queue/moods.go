// Package queue implements the Redis-backed waiting queue for mood matching.
// Each waiting user has exactly one entry, stored as a hash plus a membership
// in a per-mood sorted set scored by join time, so FIFO order within a mood is
// structural. Multi-key transitions (join, claim, remove, evict) run as Lua
// scripts to stay atomic under concurrent matching cycles.
package queue

import "errors"

// Moods is the fixed set of user-selectable mood tags. The queue rejects any
// other value; matching never crosses mood boundaries.
var Moods = []string{
	"happy",
	"relaxed",
	"energetic",
	"bored",
	"curious",
	"romantic",
	"nostalgic",
	"adventurous",
}

var moodSet = func() map[string]bool {
	m := make(map[string]bool, len(Moods))
	for _, mood := range Moods {
		m[mood] = true
	}
	return m
}()

// Sentinel errors for rejected queue operations. Callers branch on these
// when mapping failures to client-facing error codes.
var (
	ErrInvalidMood = errors.New("queue: invalid mood")
	ErrMissingUser = errors.New("queue: missing user id")
)

// ValidMood reports whether mood is one of the fixed mood tags.
func ValidMood(mood string) bool {
	return moodSet[mood]
}
