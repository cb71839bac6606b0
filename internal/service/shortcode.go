package service

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"
)

// Base36 character set for short code generation
const base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"

// urlPattern accepts http, https and ftp URLs with a non-trivial host part
var urlPattern = regexp.MustCompile(`(?i)^(https?|ftp)://[^\s/$.?#].[^\s]*$`)

// ShortCodeGenerator produces random base36 short codes
type ShortCodeGenerator struct {
	random io.Reader
}

// NewShortCodeGenerator creates a generator reading from random;
// nil means crypto/rand.
func NewShortCodeGenerator(random io.Reader) *ShortCodeGenerator {
	if random == nil {
		random = rand.Reader
	}
	return &ShortCodeGenerator{random: random}
}

// Generate returns a code of exactly length base36 characters.
// Bytes at or above 252 are rejected so every character is equally likely.
func (g *ShortCodeGenerator) Generate(length int) (string, error) {
	const limit = 252 // 7 * 36

	code := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(code) < length {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, base36Chars[int(b)%36])
			if len(code) == length {
				break
			}
		}
	}
	return string(code), nil
}

// ValidURL reports whether s looks like an http, https or ftp URL
func ValidURL(s string) bool {
	return urlPattern.MatchString(s)
}

// ValidAlias reports whether code can be used as a single path segment
func ValidAlias(code string, maxLen int) bool {
	if code == "" || (maxLen > 0 && len(code) > maxLen) {
		return false
	}
	if code == "." || code == ".." {
		return false
	}
	return !strings.ContainsAny(code, "/?#%\\ \t\r\n")
}
