package pool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("pool: closed")

// ExhaustedError reports that every candidate was tried, or skipped due to an
// active cooldown, within the attempt budget without producing a connection.
// The caller may retry later; the pool itself is still functional.
type ExhaustedError struct {
	Attempts    int
	Invalidated []string
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("pool: exhausted after %d attempt(s)", e.Attempts)
	if len(e.Invalidated) > 0 {
		msg += fmt.Sprintf(" (invalidated: %s)", strings.Join(e.Invalidated, ", "))
	}
	return msg
}

// AllInvalidatedError reports that the remote service has permanently retired
// every configured credential. Retrying cannot help; an operator must
// provision new sessions.
type AllInvalidatedError struct {
	Invalidated []string
}

func (e *AllInvalidatedError) Error() string {
	return fmt.Sprintf("pool: all credentials invalidated (%s)", strings.Join(e.Invalidated, ", "))
}
