package idutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const SessionPrefix = "sess"

// NewSessionID returns a fresh opaque session id.
// Format: sess_XXXXXXXXXXXXXXXX (16 hex chars of SHA256 over a random UUID)
func NewSessionID() string {
	return hashID(SessionPrefix, uuid.NewString(), 16)
}

// hashID creates a short hash-based ID with the given prefix
func hashID(prefix, data string, n int) string {
	hash := sha256.Sum256([]byte(data))
	hexHash := hex.EncodeToString(hash[:])
	return fmt.Sprintf("%s_%s", prefix, hexHash[:n])
}

// IsSessionID reports whether id looks like one NewSessionID produced.
func IsSessionID(id string) bool {
	p := SessionPrefix + "_"
	if len(id) != len(p)+16 || id[:len(p)] != p {
		return false
	}
	_, err := hex.DecodeString(id[len(p):])
	return err == nil
}
