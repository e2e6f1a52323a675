// Package validate checks and normalizes identifiers and free text accepted by
// the payment API before they reach the coordinator or the database.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.:]+$`)
	currencyPattern   = regexp.MustCompile(`^[a-z]{3}$`)
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool
	TrimSpace      bool
	// Lowercase folds the value before the pattern is applied.
	Lowercase bool
	// NoControl rejects control characters such as NUL and newlines.
	NoControl bool
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if constraints.Lowercase {
		s = strings.ToLower(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}
	if constraints.NoControl && strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidCharacters)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// OrderID validates an order identifier:
// - Required, 1-64 characters
// - Letters, digits, underscore, dash, period and colon only
func OrderID(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      64,
		AllowedPattern: identifierPattern,
		TrimSpace:      true,
	})
}

// CustomerID validates an optional customer reference with the same alphabet
// as OrderID.
func CustomerID(id string) (string, error) {
	return String(id, StringConstraints{
		MaxLength:      64,
		AllowedPattern: identifierPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}

// Currency validates an optional ISO 4217 code and returns it lowercased.
func Currency(code string) (string, error) {
	return String(code, StringConstraints{
		AllowedPattern: currencyPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
		Lowercase:      true,
	})
}

// RefundReason validates the free-text reason recorded with a refund.
func RefundReason(reason string) (string, error) {
	return String(reason, StringConstraints{
		MaxLength:  500,
		AllowEmpty: true,
		TrimSpace:  true,
		NoControl:  true,
	})
}
