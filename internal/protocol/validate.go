package protocol

import "fmt"

// MaxUserIDBytes caps client-supplied user ids. Ids are routing keys, not
// display names.
const MaxUserIDBytes = 64

// ValidateUserID checks that a client-supplied user id is usable as a
// routing key. User ids end up in message bus subjects and storage keys,
// so the alphabet is restricted to letters, digits, '-' and '_'.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user_id required")
	}
	if len(id) > MaxUserIDBytes {
		return fmt.Errorf("user_id exceeds %d byte limit", MaxUserIDBytes)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("user_id contains invalid character %q", r)
		}
	}
	return nil
}
