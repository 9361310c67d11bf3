package pool

import (
	"errors"
	"strings"
	"time"

	"telepool-go/internal/connector"
)

// FailureKind is the classified reason of a failed connect attempt. Each kind
// carries its own cooldown before the credential is reconsidered.
type FailureKind int

const (
	// FailureNone marks a handle that never failed (or whose failure fields
	// were cleared by a successful connect).
	FailureNone FailureKind = iota

	// FailurePermanent means the remote confirmed the credential itself is
	// unusable (duplicate or unregistered authorization key, revoked
	// session). The credential is retired for the life of the process.
	FailurePermanent

	// FailureConflict means the remote reported a connect already in progress
	// for this credential from elsewhere. Expected under concurrent load;
	// retried almost immediately.
	FailureConflict

	// FailureAuth is an authorization-related failure not confirmed
	// permanent.
	FailureAuth

	// FailureGeneric covers everything else: network errors, timeouts,
	// unknown gateway codes.
	FailureGeneric
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailurePermanent:
		return "permanent"
	case FailureConflict:
		return "conflict"
	case FailureAuth:
		return "auth"
	case FailureGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Cooldowns holds the per-kind minimum wait before a failed credential is
// reconsidered as a candidate. Permanent failures have no cooldown; the
// credential is gone.
type Cooldowns struct {
	Conflict time.Duration
	Auth     time.Duration
	Generic  time.Duration
}

// For returns the cooldown duration for a failure kind.
func (c Cooldowns) For(k FailureKind) time.Duration {
	switch k {
	case FailureConflict:
		return c.Conflict
	case FailureAuth:
		return c.Auth
	case FailureGeneric:
		return c.Generic
	default:
		return 0
	}
}

// permanentCodes are remote confirmations that a credential is dead.
var permanentCodes = []string{
	connector.CodeAuthKeyDuplicated,
	connector.CodeAuthKeyUnregistered,
	connector.CodeSessionRevoked,
}

// Classify maps a connect failure to a FailureKind. First match wins, most
// specific first. It never panics and never returns FailureNone for a
// non-nil error; anything unrecognized is FailureGeneric.
//
// The gateway surfaces typed *connector.GatewayError values, but raw
// transport errors only carry strings, so the string fallback stays here as
// the single point of change for classification.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var gerr *connector.GatewayError
	if errors.As(err, &gerr) {
		code := strings.ToUpper(gerr.Code)
		for _, p := range permanentCodes {
			if code == p {
				return FailurePermanent
			}
		}
		if code == connector.CodeConcurrentConnect {
			return FailureConflict
		}
		if strings.HasPrefix(code, "AUTH_") || code == connector.CodeLoginRequired {
			return FailureAuth
		}
		return FailureGeneric
	}

	if errors.Is(err, connector.ErrInteractiveLoginRequired) {
		return FailureAuth
	}

	msg := strings.ToUpper(err.Error())
	for _, p := range permanentCodes {
		if strings.Contains(msg, p) {
			return FailurePermanent
		}
	}
	switch {
	case strings.Contains(msg, connector.CodeConcurrentConnect),
		strings.Contains(msg, "ALREADY CONNECTING"):
		return FailureConflict
	case strings.Contains(msg, "AUTH_"), strings.Contains(msg, "UNAUTHORIZED"):
		return FailureAuth
	default:
		return FailureGeneric
	}
}
