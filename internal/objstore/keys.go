package objstore

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// FileStorageKey builds the object key for a user's file. Keys are derived
// server-side from the owner and document ids so they are never
// attacker-chosen and cannot collide across users.
func FileStorageKey(userID, documentID string) (string, error) {
	if userID == "" || documentID == "" {
		return "", fmt.Errorf("user id and document id are required")
	}
	if _, err := uuid.Parse(documentID); err != nil {
		return "", fmt.Errorf("document id must be a valid uuid: %w", err)
	}
	return "users/" + userID + "/files/" + documentID, nil
}

const maxFilenameLength = 255

// SanitizeFilename reduces a client-supplied filename to a safe character
// set for use inside a Content-Disposition header.
func SanitizeFilename(name string) string {
	if name == "" {
		return "download"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case strings.ContainsRune(" -._()[]", r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sanitized := b.String()
	// Cap on runes, not bytes, so a multibyte letter is never cut in half.
	if runes := []rune(sanitized); len(runes) > maxFilenameLength {
		sanitized = string(runes[:maxFilenameLength])
	}
	return sanitized
}
