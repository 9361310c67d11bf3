// Package session discovers the pre-provisioned session credentials the pool
// is allowed to use. Credentials are minted out of band; this package only
// reads them from numbered environment slots.
package session

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// slotPrefix is the environment variable prefix of a session slot.
	slotPrefix = "SESSION_STRING_"

	// MaxSlots bounds the slot scan. Slots are numbered 1..MaxSlots.
	MaxSlots = 10
)

// ErrNoCredentials is returned when no session slot holds a secret. The pool
// cannot function without at least one credential, so this is fatal and not
// retried.
var ErrNoCredentials = errors.New("session: no session strings configured")

// Credential is one pre-authenticated session: an identifier plus an opaque
// secret string. Immutable after discovery.
type Credential struct {
	ID     string
	Secret string
}

// Registry holds the ordered list of configured credentials. It is built once
// at startup and never mutated afterwards.
type Registry struct {
	creds []Credential
	index map[string]int
}

// Discover scans slots SESSION_STRING_1..SESSION_STRING_10 and collects every
// slot with a non-empty secret, in slot order.
func Discover() (*Registry, error) {
	var creds []Credential
	for i := 1; i <= MaxSlots; i++ {
		key := fmt.Sprintf("%s%d", slotPrefix, i)
		secret := strings.TrimSpace(os.Getenv(key))
		if secret == "" {
			continue
		}
		creds = append(creds, Credential{
			ID:     fmt.Sprintf("session-%d", i),
			Secret: secret,
		})
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	log.Infof("discovered %d session credential(s)", len(creds))
	return NewRegistry(creds)
}

// NewRegistry builds a registry from an explicit credential list. Used by
// Discover and directly by tests.
func NewRegistry(creds []Credential) (*Registry, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	index := make(map[string]int, len(creds))
	for i, c := range creds {
		if c.ID == "" || c.Secret == "" {
			return nil, fmt.Errorf("session: credential at slot %d has empty id or secret", i)
		}
		if _, dup := index[c.ID]; dup {
			return nil, fmt.Errorf("session: duplicate credential id %q", c.ID)
		}
		index[c.ID] = i
	}
	out := make([]Credential, len(creds))
	copy(out, creds)
	return &Registry{creds: out, index: index}, nil
}

// All returns the credentials in slot order. The returned slice is a copy.
func (r *Registry) All() []Credential {
	out := make([]Credential, len(r.creds))
	copy(out, r.creds)
	return out
}

// Len returns the number of configured credentials.
func (r *Registry) Len() int { return len(r.creds) }

// Get returns the credential with the given id.
func (r *Registry) Get(id string) (Credential, bool) {
	i, ok := r.index[id]
	if !ok {
		return Credential{}, false
	}
	return r.creds[i], true
}

// IndexOf returns the slot position of a credential id, used as the stable
// tie-break in candidate ordering. Unknown ids sort last.
func (r *Registry) IndexOf(id string) int {
	if i, ok := r.index[id]; ok {
		return i
	}
	return len(r.creds)
}
