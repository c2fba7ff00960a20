package logstore

import (
	"fmt"
	"regexp"
)

// MaxKeyLength bounds the length of a stream key.
const MaxKeyLength = 128

// keyPattern restricts stream keys to a path-safe character set. "/" is
// excluded so keys can be embedded in store key layouts and URL paths.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// ValidationError reports a malformed stream key. It is returned before any
// store call is made.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid stream key %q: %s", e.Key, e.Reason)
}

// ValidateKey checks a stream key against the length and character rules.
func ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Key: key, Reason: "must not be empty"}
	}
	if len(key) > MaxKeyLength {
		return &ValidationError{Key: key, Reason: fmt.Sprintf("must be at most %d characters", MaxKeyLength)}
	}
	if !keyPattern.MatchString(key) {
		return &ValidationError{Key: key, Reason: "may only contain letters, digits, '_', '.', ':' and '-', and must start with a letter or digit"}
	}
	return nil
}
