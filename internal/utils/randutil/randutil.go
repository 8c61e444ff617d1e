package randutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// RandomString returns length bytes of CSPRNG output encoded as URL-safe
// base64. The encoded result is longer than length; callers treat it as an
// opaque token.
func RandomString(length int) (string, error) {
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(key), nil
}

// MaskString keeps the first and last few characters visible and stars out
// the middle, for displaying credentials in listings.
func MaskString(s string, visibleStart, visibleEnd int) string {
	if len(s) <= visibleStart+visibleEnd {
		return s
	}

	return s[:visibleStart] + strings.Repeat("*", len(s)-(visibleStart+visibleEnd)) + s[len(s)-visibleEnd:]
}
