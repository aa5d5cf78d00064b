package match

import "github.com/moodcall/video-app/internal/queue"

// AssignRoles orders a pair into (initiator, receiver). The bytewise smaller
// user id initiates the WebRTC offer, so both sides of a pair always derive
// complementary roles without coordination.
func AssignRoles(a, b queue.Entry) (initiator, receiver queue.Entry) {
	if a.UserID <= b.UserID {
		return a, b
	}
	return b, a
}
