// Package idempotency enforces single use of client-supplied idempotency keys
// against the order store.
package idempotency

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxKeyLength bounds a key in bytes.
const MaxKeyLength = 64

var (
	ErrInvalidKey = errors.New("invalid idempotency key")
	ErrKeyTooLong = fmt.Errorf("idempotency key exceeds maximum length of %d bytes", MaxKeyLength)
)

// ValidateKey rejects empty keys, keys longer than MaxKeyLength, and keys
// containing whitespace, control characters or invalid UTF-8. Keys are
// compared byte for byte, so nothing is normalized here.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i, r := range key {
		if r == utf8.RuneError {
			return fmt.Errorf("%w: invalid utf-8 at byte %d", ErrInvalidKey, i)
		}
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: unprintable character at byte %d", ErrInvalidKey, i)
		}
	}
	return nil
}
