package pool

import (
	"time"

	"telepool-go/internal/connector"
)

// State is the lifecycle state of one handle.
//
//	Idle --attempt--> Connecting --success--> Connected
//	Connecting --failure(recoverable)--> Failed
//	Connecting --failure(permanent)--> handle deleted, credential invalidated
//	Failed --cooldown elapsed, re-attempted--> Connecting
//	Connected --liveness probe fails--> handle deleted
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// handle is the pool's bookkeeping record for one credential's current
// connection attempt or established connection. At most one handle per
// credential exists in the table; all fields are guarded by the pool mutex.
type handle struct {
	credID      string
	conn        connector.Conn
	state       State
	lastUsedAt  time.Time
	failedAt    time.Time
	lastErrKind FailureKind
}

// cooldownActive reports whether the handle's last failure is still inside
// its cooldown window. Cooldowns are advisory: candidates in cooldown are
// skipped, never waited on.
func (h *handle) cooldownActive(now time.Time, cd Cooldowns) bool {
	if h.state != StateFailed || h.failedAt.IsZero() {
		return false
	}
	return now.Before(h.failedAt.Add(cd.For(h.lastErrKind)))
}
