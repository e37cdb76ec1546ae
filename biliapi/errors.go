package biliapi

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested room id does not resolve to a live room.
// Adds are rejected on this error; monitors treat everything else as transient.
var ErrNotFound = errors.New("room not found")

// APIError is a non-zero business code returned by the live API envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// room-not-found business codes observed in the wild.
var notFoundCodes = map[int]bool{
	1:        true,
	60004:    true,
	19002000: true,
}

// IsTransient reports whether an error from this package should be retried on
// the next poll cycle rather than surfaced as a failure. Not-found is the only
// permanent class; network hiccups, HTTP failures, rate limits and unexpected
// API codes all come back on the next tick.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
