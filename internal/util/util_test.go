package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"https", "https://example.com/a", true},
		{"http", "http://example.com", true},
		{"with query", "https://example.com/p?q=1&r=2", true},
		{"trailing space trimmed", " https://example.com ", true},
		{"ftp scheme", "ftp://example.com/file", false},
		{"no scheme", "example.com/a", false},
		{"no host", "https://", false},
		{"garbage", "not a url", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidateURL(tt.raw))
		})
	}
}

func TestValidateAlias(t *testing.T) {
	tests := []struct {
		alias string
		ok    bool
	}{
		{"demo", true},
		{"abc", true},
		{"my-link_2024", true},
		{strings.Repeat("a", 50), true},
		{strings.Repeat("a", 51), false},
		{"ab", false},
		{"has space", false},
		{"has/slash", false},
		{"üñïçødé", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidateAlias(tt.alias))
		})
	}
}

func TestRandomCodeLengthAndCharset(t *testing.T) {
	for _, n := range []int{4, 6, 8, 20} {
		code, err := RandomCode(n)
		require.NoError(t, err)
		require.Len(t, code, n)
		for _, c := range code {
			assert.Contains(t, base62Chars, string(c))
		}
	}
}

func TestRandomCodeBadLengthFallsBack(t *testing.T) {
	for _, n := range []int{0, -1, 3, 21, 1000} {
		code, err := RandomCode(n)
		require.NoError(t, err)
		assert.Len(t, code, DefaultCodeLength)
	}
}

func TestRandomCodeDistinct(t *testing.T) {
	// 1000 draws of a 6-char base62 code; a duplicate here would mean the
	// generator is not actually random.
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code, err := RandomCode(6)
		require.NoError(t, err)
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %q after %d draws", code, i)
		seen[code] = struct{}{}
	}
}
