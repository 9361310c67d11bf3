// Package pool brokers shared access to a small fixed set of pre-authenticated
// messaging sessions. Healthy long-lived connections are reused across
// callers, duplicate concurrent connects to the same credential are prevented,
// failed credentials cool down per failure class, and credentials the remote
// service has unilaterally retired are never attempted again.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"telepool-go/internal/config"
	"telepool-go/internal/connector"
	"telepool-go/internal/events"
	"telepool-go/internal/monitoring"
	"telepool-go/internal/session"
)

// Options configures a Pool. Registry and Connector are required.
type Options struct {
	Registry  *session.Registry
	Connector connector.Connector
	APIID     int
	APIHash   string
	Config    config.PoolConfig
	Events    events.Publisher // optional
	Clock     func() time.Time // optional, tests only
}

// Pool is the public facade. One long-lived instance per process, owned by
// the dependency-injection root; there is no package-level singleton.
type Pool struct {
	reg       *session.Registry
	connector connector.Connector
	apiID     int
	apiHash   string
	cfg       config.PoolConfig
	cooldowns Cooldowns
	events    events.Publisher
	now       func() time.Time

	// mu guards everything below. Network I/O never happens under mu; the
	// critical sections are only "mark Connecting" and "record result".
	mu               sync.Mutex
	handles          map[string]*handle
	invalidated      map[string]struct{}
	invalidatedOrder []string
	notify           chan struct{} // closed and replaced on every handle transition
	closed           bool
}

// New builds a pool over the given registry and connector.
func New(opts Options) (*Pool, error) {
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, session.ErrNoCredentials
	}
	if opts.Connector == nil {
		return nil, errors.New("pool: connector is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		reg:       opts.Registry,
		connector: opts.Connector,
		apiID:     opts.APIID,
		apiHash:   opts.APIHash,
		cfg:       opts.Config,
		cooldowns: Cooldowns{
			Conflict: opts.Config.ConflictCooldown(),
			Auth:     opts.Config.AuthCooldown(),
			Generic:  opts.Config.GenericCooldown(),
		},
		events:      opts.Events,
		now:         now,
		handles:     make(map[string]*handle),
		invalidated: make(map[string]struct{}),
		notify:      make(chan struct{}),
	}
	return p, nil
}

// stateChangedLocked wakes every waiter in Acquire's bounded wait. Must be
// called with the lock held.
func (p *Pool) stateChangedLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Acquire returns a live connection, reusing an existing one when possible.
// The configured acquire timeout applies when ctx carries no deadline of its
// own. Terminal failures are *ExhaustedError, *AllInvalidatedError, ErrClosed
// or the context error.
func (p *Pool) Acquire(ctx context.Context) (connector.Conn, error) {
	if _, ok := ctx.Deadline(); !ok && p.cfg.AcquireTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout())
		defer cancel()
	}

	start := time.Now()
	conn, outcome, err := p.acquire(ctx)
	monitoring.PoolAcquireDuration.Observe(time.Since(start).Seconds())
	monitoring.PoolAcquiresTotal.WithLabelValues(outcome).Inc()
	return conn, err
}

func (p *Pool) acquire(ctx context.Context) (connector.Conn, string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, "closed", ErrClosed
	}
	if len(p.invalidated) >= p.reg.Len() {
		err := &AllInvalidatedError{Invalidated: p.invalidatedIDsLocked()}
		p.mu.Unlock()
		return nil, "all_invalidated", err
	}
	p.mu.Unlock()

	// Step 1: reuse an existing healthy connection.
	if conn := p.reuseScan(ctx); conn != nil {
		return conn, "reused", nil
	}

	// Step 2 and 3 interleave: wait out any in-flight connect up to the
	// ceiling, then run fresh attempts over ranked candidates bounded by
	// 2 × |credentials| total. A pass that only skipped candidates drops
	// back into waiting when someone else is still mid-connect, so a caller
	// that lost the race never reports exhaustion while the winner's
	// attempt is pending.
	ceiling := p.now().Add(p.cfg.WaitCeiling())
	budget := 2 * p.reg.Len()
	attempts := 0
	for {
		// Transitions broadcast through p.notify so a successful connect
		// resolves waiters immediately rather than at the next poll tick.
		for p.anyConnecting() && p.now().Before(ceiling) {
			notify := p.signal()
			timer := time.NewTimer(p.cfg.PollInterval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, "canceled", ctx.Err()
			case <-notify:
			case <-timer.C:
			}
			timer.Stop()
			if conn := p.reuseScan(ctx); conn != nil {
				return conn, "waited", nil
			}
		}

		if attempts >= budget {
			break
		}
		progressed := false
		for _, cred := range p.ranked() {
			if attempts >= budget {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, "canceled", err
			}
			conn, outcome, terminal := p.tryCandidate(ctx, cred)
			if terminal != nil {
				return nil, outcome, terminal
			}
			if conn != nil {
				return conn, outcome, nil
			}
			switch outcome {
			case attemptSkipped:
				continue
			default:
				attempts++
				progressed = true
			}
		}
		if progressed {
			continue
		}
		if p.anyConnecting() && p.now().Before(ceiling) {
			// The only viable candidates are held by racing callers;
			// wait for their results instead of giving up.
			continue
		}
		// Every remaining candidate is cooling down or gone. Burning the
		// rest of the budget on skips would loop without progress.
		break
	}

	p.mu.Lock()
	err := &ExhaustedError{Attempts: attempts, Invalidated: p.invalidatedIDsLocked()}
	p.mu.Unlock()
	return nil, "exhausted", err
}

const attemptSkipped = "skipped"

// tryCandidate performs one fresh connect attempt on a credential. It returns
// a non-nil conn on success, a terminal error when the pool cannot serve any
// caller anymore, or (nil, outcome, nil) to continue with the next candidate.
func (p *Pool) tryCandidate(ctx context.Context, cred session.Credential) (connector.Conn, string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, "closed", ErrClosed
	}
	if _, dead := p.invalidated[cred.ID]; dead {
		p.mu.Unlock()
		return nil, attemptSkipped, nil
	}

	h := p.handles[cred.ID]
	if h != nil {
		switch h.state {
		case StateConnecting:
			// Another caller owns the attempt on this credential.
			p.mu.Unlock()
			return nil, attemptSkipped, nil
		case StateConnected:
			// A concurrent caller won while we were ranking.
			conn := h.conn
			p.mu.Unlock()
			if p.probeAndTouch(ctx, cred.ID, conn) {
				return conn, "reused", nil
			}
			return nil, attemptSkipped, nil
		case StateFailed:
			if h.cooldownActive(p.now(), p.cooldowns) {
				p.mu.Unlock()
				monitoring.CooldownSkipsTotal.Inc()
				return nil, attemptSkipped, nil
			}
		}
	} else {
		h = &handle{credID: cred.ID}
		p.handles[cred.ID] = h
	}

	// Mark Connecting before attempting; this write is what prevents
	// duplicate concurrent connects on the same credential.
	h.state = StateConnecting
	h.conn = nil
	p.stateChangedLocked()
	p.mu.Unlock()

	conn, cerr := p.connector.Connect(ctx, p.apiID, p.apiHash, cred)

	if cerr == nil {
		p.mu.Lock()
		if p.closed || p.handles[cred.ID] != h {
			p.mu.Unlock()
			_ = conn.Disconnect(context.Background())
			return nil, "closed", ErrClosed
		}
		h.state = StateConnected
		h.conn = conn
		h.failedAt = time.Time{}
		h.lastErrKind = FailureNone
		h.lastUsedAt = p.now()
		p.stateChangedLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()

		monitoring.ConnectAttemptsTotal.WithLabelValues(cred.ID, "success").Inc()
		p.publish(ctx, events.TopicSessionConnected, cred.ID, nil)
		log.WithField("credential", cred.ID).Info("session connected")
		return conn, "connected", nil
	}

	kind := Classify(cerr)
	monitoring.ConnectAttemptsTotal.WithLabelValues(cred.ID, kind.String()).Inc()

	if kind == FailurePermanent {
		p.mu.Lock()
		if _, already := p.invalidated[cred.ID]; !already {
			p.invalidated[cred.ID] = struct{}{}
			p.invalidatedOrder = append(p.invalidatedOrder, cred.ID)
		}
		if p.handles[cred.ID] == h {
			delete(p.handles, cred.ID)
		}
		p.stateChangedLocked()
		p.updateGaugesLocked()
		allGone := len(p.invalidated) >= p.reg.Len()
		ids := p.invalidatedIDsLocked()
		p.mu.Unlock()

		p.publish(ctx, events.TopicSessionInvalidated, cred.ID,
			map[string]string{"error": cerr.Error()})
		log.WithError(cerr).WithField("credential", cred.ID).
			Error("credential permanently invalidated by remote")

		if allGone {
			return nil, "all_invalidated", &AllInvalidatedError{Invalidated: ids}
		}
		// A parallel caller may have connected while this attempt was
		// failing; prefer its result over burning another attempt. No
		// pause here: the credential is already abandoned.
		if conn := p.reuseScan(ctx); conn != nil {
			return conn, "reused", nil
		}
		return nil, "invalidated", nil
	}

	p.mu.Lock()
	if p.handles[cred.ID] == h {
		h.state = StateFailed
		h.conn = nil
		h.failedAt = p.now()
		h.lastErrKind = kind
		p.stateChangedLocked()
		p.updateGaugesLocked()
	}
	p.mu.Unlock()

	p.publish(ctx, events.TopicSessionFailed, cred.ID,
		map[string]string{"kind": kind.String(), "error": cerr.Error()})
	log.WithError(cerr).WithFields(log.Fields{
		"credential": cred.ID,
		"kind":       kind.String(),
	}).Warn("connect attempt failed")

	// Small pause to de-correlate simultaneous callers hammering the
	// candidate list in lockstep.
	if err := sleepCtx(ctx, p.cfg.AttemptPause()); err != nil {
		return nil, "canceled", err
	}
	return nil, "failed", nil
}

// reuseScan walks the handle table looking for a Connected handle that passes
// the liveness probe. Dead handles found along the way are deleted lazily.
// Probing happens outside the lock; the handle is re-validated before the
// result is trusted.
func (p *Pool) reuseScan(ctx context.Context) connector.Conn {
	p.mu.Lock()
	ids := make([]string, 0, len(p.handles))
	for id, h := range p.handles {
		if h.state != StateConnected {
			continue
		}
		if _, dead := p.invalidated[id]; dead {
			continue
		}
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		h := p.handles[id]
		if h == nil || h.state != StateConnected || h.conn == nil {
			p.mu.Unlock()
			continue
		}
		conn := h.conn
		p.mu.Unlock()

		if p.probeAndTouch(ctx, id, conn) {
			return conn
		}
	}
	return nil
}

// probeAndTouch runs the liveness probe on conn and, if it passes and the
// handle still owns conn, stamps lastUsedAt. A failed probe deletes the
// handle (lazy cleanup) and is never surfaced to the caller.
func (p *Pool) probeAndTouch(ctx context.Context, id string, conn connector.Conn) bool {
	alive := safeIsAlive(ctx, conn)

	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handles[id]
	if h == nil || h.conn != conn || h.state != StateConnected {
		return false
	}
	if !alive {
		delete(p.handles, id)
		p.stateChangedLocked()
		p.updateGaugesLocked()
		log.WithField("credential", id).Debug("dropped dead connection during reuse scan")
		return false
	}
	h.lastUsedAt = p.now()
	return true
}

// safeIsAlive shields the pool from a misbehaving probe implementation; any
// panic counts as "not alive".
func safeIsAlive(ctx context.Context, conn connector.Conn) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("liveness probe panic: %v", r)
			alive = false
		}
	}()
	return conn.IsAlive(ctx)
}

func (p *Pool) anyConnecting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, h := range p.handles {
		if h.state != StateConnecting {
			continue
		}
		if _, dead := p.invalidated[id]; dead {
			continue
		}
		return true
	}
	return false
}

func (p *Pool) signal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify
}

func (p *Pool) ranked() []session.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return rank(p.reg, p.handles, p.invalidated)
}

func (p *Pool) invalidatedIDsLocked() []string {
	out := make([]string, len(p.invalidatedOrder))
	copy(out, p.invalidatedOrder)
	return out
}

func (p *Pool) updateGaugesLocked() {
	connected := 0
	for _, h := range p.handles {
		if h.state == StateConnected {
			connected++
		}
	}
	monitoring.ConnectedSessions.Set(float64(connected))
	monitoring.InvalidatedSessions.Set(float64(len(p.invalidated)))
}

func (p *Pool) publish(ctx context.Context, topic string, payload any, meta map[string]string) {
	if p.events != nil {
		p.events.Publish(ctx, topic, payload, meta)
	}
}

// Shutdown disconnects every Connected handle best-effort and clears the
// table. Disconnect errors are logged and swallowed so one bad handle cannot
// block cleanup of the rest. The pool refuses new Acquire calls afterwards.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make(map[string]connector.Conn)
	for id, h := range p.handles {
		if h.state == StateConnected && h.conn != nil {
			conns[id] = h.conn
		}
	}
	p.handles = make(map[string]*handle)
	p.stateChangedLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			log.WithError(err).WithField("credential", id).Warn("disconnect failed during shutdown")
		}
	}
	log.Infof("pool shut down, released %d connection(s)", len(conns))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
