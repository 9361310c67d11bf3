package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telepool-go/internal/config"
	"telepool-go/internal/connector"
	"telepool-go/internal/session"
)

// fakeConn is a scriptable established connection.
type fakeConn struct {
	id string

	mu           sync.Mutex
	alive        bool
	disconnected bool
	discErr      error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id, alive: true} }

func (c *fakeConn) IsAlive(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.alive = false
	return c.discErr
}

func (c *fakeConn) FetchMessages(context.Context, string, int, int64) ([]connector.Message, error) {
	return nil, nil
}

// fakeConnector scripts connect outcomes per credential and records call
// counts plus the maximum number of simultaneous in-flight connects per
// credential, which the mutual-exclusion property asserts on.
type fakeConnector struct {
	mu          sync.Mutex
	calls       map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	delay       time.Duration

	// script decides the outcome of the n-th connect call (1-based) for a
	// credential. Nil means always succeed.
	script func(credID string, call int) (connector.Conn, error)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		calls:       make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
}

func (f *fakeConnector) Connect(ctx context.Context, _ int, _ string, cred session.Credential) (connector.Conn, error) {
	f.mu.Lock()
	f.calls[cred.ID]++
	call := f.calls[cred.ID]
	f.inflight[cred.ID]++
	if f.inflight[cred.ID] > f.maxInflight[cred.ID] {
		f.maxInflight[cred.ID] = f.inflight[cred.ID]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[cred.ID]--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	if f.script != nil {
		return f.script(cred.ID, call)
	}
	return newFakeConn(cred.ID), nil
}

func (f *fakeConnector) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeConnector) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// fakeClock lets cooldown tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		AcquireTimeoutSec:  5,
		WaitCeilingSec:     10,
		PollIntervalMS:     10,
		AttemptPauseMS:     1,
		ConflictCooldownMS: 300,
		AuthCooldownSec:    5,
		GenericCooldownSec: 30,
	}
}

func testRegistry(t *testing.T, n int) *session.Registry {
	t.Helper()
	creds := make([]session.Credential, 0, n)
	for i := 1; i <= n; i++ {
		creds = append(creds, session.Credential{
			ID:     fmt.Sprintf("session-%d", i),
			Secret: fmt.Sprintf("secret-%d", i),
		})
	}
	reg, err := session.NewRegistry(creds)
	require.NoError(t, err)
	return reg
}

func newTestPool(t *testing.T, n int, fc *fakeConnector, mutate func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		Registry:  testRegistry(t, n),
		Connector: fc,
		APIID:     1234,
		APIHash:   "hash",
		Config:    testPoolConfig(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func genericErr() error {
	return errors.New("dial gateway: connection refused")
}

func permanentErr() error {
	return &connector.GatewayError{Code: connector.CodeAuthKeyDuplicated, Message: "key in use"}
}

func TestAcquireConnectsOnEmptyTable(t *testing.T) {
	fc := newFakeConnector()
	p := newTestPool(t, 1, fc, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 1, fc.callCount("session-1"))

	st := p.Status()
	require.Equal(t, 1, st.Connected)
	require.Equal(t, 1, st.Valid)
}

func TestAcquireReusesHealthyConnection(t *testing.T) {
	fc := newFakeConnector()
	p := newTestPool(t, 3, fc, nil)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.Same(t, first, again)
	}
	require.Equal(t, 1, fc.totalCalls(), "reuse must not open new connections")
}

func TestAcquireMutualExclusionUnderConcurrency(t *testing.T) {
	fc := newFakeConnector()
	fc.delay = 50 * time.Millisecond
	p := newTestPool(t, 1, fc, nil)

	const callers = 8
	var wg sync.WaitGroup
	conns := make([]connector.Conn, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, conns[i])
	}
	require.Equal(t, 1, fc.maxInflight["session-1"],
		"at most one Connecting attempt per credential at a time")
	require.Equal(t, 1, fc.callCount("session-1"),
		"losers must reuse the winner's connection, not reconnect")
}

func TestAcquireWaitsForConcurrentConnect(t *testing.T) {
	fc := newFakeConnector()
	fc.delay = 50 * time.Millisecond
	p := newTestPool(t, 1, fc, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Acquire(context.Background())
	}()

	// Let the first caller start its connect.
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Less(t, time.Since(start), 5*time.Second, "waiter must resolve well before the ceiling")
	require.Equal(t, 1, fc.callCount("session-1"), "the waiter must not attempt its own connect")
	<-done
}

func TestAcquireDropsDeadConnectionAndReconnects(t *testing.T) {
	fc := newFakeConnector()
	p := newTestPool(t, 1, fc, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn.(*fakeConn).kill()

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, conn, again)
	require.Equal(t, 2, fc.callCount("session-1"))
}

func TestAcquireFailoverScenario(t *testing.T) {
	// A and B fail with a generic error, C succeeds.
	fc := newFakeConnector()
	fc.script = func(credID string, _ int) (connector.Conn, error) {
		if credID == "session-3" {
			return newFakeConn(credID), nil
		}
		return nil, genericErr()
	}
	p := newTestPool(t, 3, fc, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-3", conn.(*fakeConn).id)

	st := p.Status()
	require.Equal(t, 1, st.Connected)
	require.Equal(t, 2, st.Failed)
	require.Equal(t, 3, st.Valid)
	require.Empty(t, st.Invalidated)
}

func TestAcquireExhaustionIsBounded(t *testing.T) {
	clock := newFakeClock()
	fc := newFakeConnector()
	fc.script = func(string, int) (connector.Conn, error) {
		return nil, genericErr()
	}
	p := newTestPool(t, 3, fc, func(o *Options) { o.Clock = clock.Now })

	_, err := p.Acquire(context.Background())
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.NotZero(t, exhausted.Attempts)
	require.Empty(t, exhausted.Invalidated)

	for id, n := range fc.calls {
		require.LessOrEqual(t, n, 2, "credential %s tried more than twice", id)
	}
}

func TestPermanentInvalidationIsSticky(t *testing.T) {
	fc := newFakeConnector()
	fc.script = func(credID string, _ int) (connector.Conn, error) {
		if credID == "session-1" {
			return nil, permanentErr()
		}
		return newFakeConn(credID), nil
	}
	p := newTestPool(t, 2, fc, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-2", conn.(*fakeConn).id)
	require.Equal(t, []string{"session-1"}, p.Status().Invalidated)

	// Kill the live connection to force fresh attempts; the invalidated
	// credential must never be tried again.
	conn.(*fakeConn).kill()
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fc.callCount("session-1"))
	require.Equal(t, 2, fc.callCount("session-2"))
}

func TestSingleCredentialPermanentFailure(t *testing.T) {
	fc := newFakeConnector()
	fc.script = func(string, int) (connector.Conn, error) {
		return nil, permanentErr()
	}
	p := newTestPool(t, 1, fc, nil)

	_, err := p.Acquire(context.Background())
	var allInvalid *AllInvalidatedError
	require.ErrorAs(t, err, &allInvalid)
	require.Equal(t, []string{"session-1"}, allInvalid.Invalidated)
	require.Equal(t, []string{"session-1"}, p.Status().Invalidated)
	require.Zero(t, p.Status().Valid)
}

func TestAllInvalidatedShortCircuits(t *testing.T) {
	fc := newFakeConnector()
	fc.script = func(string, int) (connector.Conn, error) {
		return nil, permanentErr()
	}
	p := newTestPool(t, 1, fc, nil)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	callsAfterFirst := fc.totalCalls()

	_, err = p.Acquire(context.Background())
	var allInvalid *AllInvalidatedError
	require.ErrorAs(t, err, &allInvalid)
	require.Equal(t, callsAfterFirst, fc.totalCalls(),
		"short-circuit must not attempt any connection")
}

func TestCooldownSkippedThenReleased(t *testing.T) {
	clock := newFakeClock()
	fc := newFakeConnector()
	fc.script = func(_ string, call int) (connector.Conn, error) {
		if call == 1 {
			return nil, genericErr()
		}
		return newFakeConn("session-1"), nil
	}
	p := newTestPool(t, 1, fc, func(o *Options) { o.Clock = clock.Now })

	_, err := p.Acquire(context.Background())
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, fc.callCount("session-1"))

	// Still inside the generic cooldown: the candidate is skipped, no
	// connect attempt is made.
	clock.Advance(10 * time.Second)
	_, err = p.Acquire(context.Background())
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 1, fc.callCount("session-1"))

	// Past the cooldown the credential becomes eligible again.
	clock.Advance(25 * time.Second)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 2, fc.callCount("session-1"))
}

func TestPermanentFailureStillServesRemainingCapacity(t *testing.T) {
	// One credential dies permanently mid-flight; callers keep being served
	// out of the remaining capacity.
	fc := newFakeConnector()
	fc.script = func(credID string, _ int) (connector.Conn, error) {
		if credID == "session-2" {
			return nil, permanentErr()
		}
		return newFakeConn(credID), nil
	}
	p := newTestPool(t, 3, fc, nil)

	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.NotNil(t, conn)
	}
	st := p.Status()
	require.LessOrEqual(t, len(st.Invalidated), 1)
	require.GreaterOrEqual(t, st.Valid, 2)
}

func TestAcquireContextCancellation(t *testing.T) {
	fc := newFakeConnector()
	fc.delay = 200 * time.Millisecond
	p := newTestPool(t, 1, fc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownDisconnectsAndRefusesNewWork(t *testing.T) {
	fc := newFakeConnector()
	p := newTestPool(t, 2, fc, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Shutdown(context.Background())
	require.True(t, conn.(*fakeConn).disconnected)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestShutdownSwallowsDisconnectErrors(t *testing.T) {
	fc := newFakeConnector()
	fc.script = func(credID string, _ int) (connector.Conn, error) {
		c := newFakeConn(credID)
		c.discErr = errors.New("broken pipe")
		return c, nil
	}
	p := newTestPool(t, 1, fc, nil)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Must not panic or surface the disconnect error.
	p.Shutdown(context.Background())
	require.Zero(t, p.Status().Connected)
}

func TestStatusSafeUnderConcurrentAcquire(t *testing.T) {
	fc := newFakeConnector()
	fc.delay = 5 * time.Millisecond
	p := newTestPool(t, 3, fc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = p.Acquire(context.Background())
				_ = p.Status()
			}
		}()
	}
	wg.Wait()

	st := p.Status()
	require.Equal(t, 3, st.Total)
}
