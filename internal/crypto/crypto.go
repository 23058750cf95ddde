// Package crypto generates API keys and derives the hashes they are stored under.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	APIKeyPrefix = "sk-llmmux-"

	keyRandomBytes = 24
	// DisplayPrefixLen is how much of a key listings may show.
	DisplayPrefixLen = 20
)

// GenerateAPIKey returns a new plaintext key and the prefix safe to display.
// The plaintext is shown to the caller once and never stored.
func GenerateAPIKey() (key, displayPrefix string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random bytes: %w", err)
	}

	key = APIKeyPrefix + hex.EncodeToString(buf)
	return key, key[:DisplayPrefixLen], nil
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// MaskKey trims a key for log output.
func MaskKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "***"
	}
	return apiKey[:8] + "..."
}
