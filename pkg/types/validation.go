package types

import "regexp"

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidRoomID checks the externally assigned room id format. Room ids are
// chosen by examiners and embedded in URLs, so the character set is kept
// narrow.
func IsValidRoomID(roomID string) bool {
	if len(roomID) < 1 || len(roomID) > 64 {
		return false
	}
	return idRegex.MatchString(roomID)
}

// IsValidUserID checks student and examiner identifier format.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return idRegex.MatchString(userID)
}
