// Package deception materializes tracked fake payloads: SQL dumps, API
// floods, credential sets, env files, filesystem trees. Every payload is
// bound to a tracking token and built from a token-seeded generator, so a
// verdict's payload can be replayed byte for byte.
package deception

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Source provides random bytes for tracking tokens. Implementations must be
// safe for concurrent use.
type Source interface {
	RandomBytes(n int) ([]byte, error)
}

// CryptoSource draws from the system CSPRNG. The zero value is ready to use.
type CryptoSource struct{}

func (CryptoSource) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// tokenBytes is the tracking token width. Tokens are opaque correlation
// IDs, not credentials; 128 bits keeps collisions out of reach.
const tokenBytes = 16

// NewToken draws a fresh hex-encoded 128-bit tracking token.
func NewToken(src Source) (string, error) {
	raw, err := src.RandomBytes(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("tracking token: %w", err)
	}
	if len(raw) != tokenBytes {
		return "", fmt.Errorf("tracking token: source returned %d bytes, want %d", len(raw), tokenBytes)
	}
	return hex.EncodeToString(raw), nil
}
