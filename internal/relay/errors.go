package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRelayExhausted matches every *ExhaustedError.
	ErrRelayExhausted = errors.New("relay: all strategies failed")
	// ErrNotXML is returned when an XML strategy answers with a body that
	// cannot be a feed document.
	ErrNotXML = errors.New("relay: response does not look like XML")
)

// StatusError is a non-2xx answer from a strategy's target.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
}

// AttemptError is one failed strategy attempt for a feed URL.
type AttemptError struct {
	Strategy string
	Target   string
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned by Resolve when every strategy failed.
type ExhaustedError struct {
	URL      string
	Attempts []*AttemptError
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no relay strategies configured for %s", e.URL)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("all relays failed for %s (%s)", e.URL, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRelayExhausted
}
