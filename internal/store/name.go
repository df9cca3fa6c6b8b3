package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// FreshName generates a random replacement filename for original, keeping
// its extension: 16 random bytes hex-encoded plus the original extension.
// Used by index implementations when a requested filename collides with an
// existing non-tombstoned record; uploads never fail on a name collision.
func FreshName(original string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate filename: %w", err)
	}
	return hex.EncodeToString(buf) + filepath.Ext(original), nil
}
