package util

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DefaultCodeLength is used when the configured length is missing or absurd.
const DefaultCodeLength = 6

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

func ValidateURL(raw string) bool {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	return true
}

// ValidateAlias checks a caller-supplied alias against the allowed charset
// and length bounds. Uniqueness is not checked here; the store insert is the
// authority on collisions.
func ValidateAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// RandomCode draws a fresh random short code of the given length from the
// URL-safe base62 alphabet. Collisions are possible and expected to be
// caught by the store's unique constraint, not here.
func RandomCode(length int) (string, error) {
	if length < 4 || length > 20 {
		length = DefaultCodeLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = base62Chars[int(b)%len(base62Chars)]
	}
	return string(buf), nil
}
