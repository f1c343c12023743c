package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfigMissing means no signing credential or no enabled relay is
	// configured. The runner treats it as a waiting state.
	ErrConfigMissing = errors.New("signing credential or relays not configured")
)

// FetchError is an upstream catalog or feed failure.
type FetchError struct {
	Op  string
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Stored error text limits.
const (
	MaxSourceErrorLen = 1000
	MaxRelayErrorLen  = 1000
	MaxVideoErrorLen  = 2000
)
