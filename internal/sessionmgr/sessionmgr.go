// Package sessionmgr drives the client session lifecycle: it picks a
// bridge, dials and authenticates an obfuscated session, hands it to
// the forwarding layer, probes its liveness, and replaces it when it
// dies. All state transitions happen on a single worker goroutine, so
// the state machine never races with itself.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brume-vpn/brume/internal/creds"
	"github.com/brume-vpn/brume/internal/directory"
	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/selector"
	"github.com/brume-vpn/brume/internal/transport"
	"github.com/brume-vpn/brume/internal/workers"
)

var serviceName = "sessionmgr"

// State is the session manager state.
type State int

const (
	// StateDisconnected means no session exists and none is being built.
	StateDisconnected = State(iota)

	// StateConnecting means we are dialing a bridge.
	StateConnecting

	// StateAuthenticating means the transport is up and we are
	// presenting the credential.
	StateAuthenticating

	// StateActive means the session is established and forwarding.
	StateActive

	// StateDegraded means the session is up but liveness probes are
	// failing; traffic still flows while we decide.
	StateDegraded

	// StateReconnecting means the previous session died and we are
	// building a replacement.
	StateReconnecting
)

var stateMap = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateActive:         "active",
	StateDegraded:       "degraded",
	StateReconnecting:   "reconnecting",
}

// String implements fmt.Stringer.
func (s State) String() string {
	v, found := stateMap[s]
	if !found {
		return "unknown"
	}
	return v
}

// BackoffPolicy computes the delay between failover rounds.
type BackoffPolicy struct {
	// Base is the delay after the first exhausted round.
	Base time.Duration

	// Cap bounds the delay growth.
	Cap time.Duration
}

// Delay returns the delay for the given zero-based round.
func (p BackoffPolicy) Delay(round int) time.Duration {
	d := p.Base
	for i := 0; i < round; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}

// Params are the session lifecycle tunables.
type Params struct {
	// Backoff paces failover rounds after exhaustion.
	Backoff BackoffPolicy

	// ProbeInterval is the liveness probe cadence while active.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe round trip.
	ProbeTimeout time.Duration

	// ProbeMisses is how many consecutive probe failures demote the
	// session to degraded.
	ProbeMisses int

	// DegradedProbeInterval is the probe cadence while degraded.
	DegradedProbeInterval time.Duration

	// DegradedGrace is how long a degraded session may stay silent
	// before we abandon it and reconnect.
	DegradedGrace time.Duration

	// AttemptTimeout bounds one dial-plus-authenticate attempt.
	AttemptTimeout time.Duration
}

// DefaultParams returns the default lifecycle parameters.
func DefaultParams() Params {
	return Params{
		Backoff:               BackoffPolicy{Base: 500 * time.Millisecond, Cap: 32 * time.Second},
		ProbeInterval:         15 * time.Second,
		ProbeTimeout:          5 * time.Second,
		ProbeMisses:           3,
		DegradedProbeInterval: 3 * time.Second,
		DegradedGrace:         15 * time.Second,
		AttemptTimeout:        45 * time.Second,
	}
}

// timeNow and timeAfter are overridable in tests.
var (
	timeNow   = time.Now
	timeAfter = time.After
)

// Manager is the session manager. The zero value is invalid; use
// [New]. All exported methods are safe for concurrent use.
type Manager struct {
	logger model.Logger
	dialer transport.Dialer
	creds  *creds.Store
	sel    *selector.Selector
	dir    *directory.Directory
	params Params

	mu         sync.Mutex
	state      State
	since      time.Time
	generation uint64
	sess       transport.Session
	bridge     model.BridgeID
	streams    int
	lastErr    error
}

// New creates a [Manager]. Call [Manager.StartWorkers] to begin
// connecting.
func New(logger model.Logger, dialer transport.Dialer, credsStore *creds.Store,
	sel *selector.Selector, dir *directory.Directory, params Params) *Manager {
	return &Manager{
		logger: logger,
		dialer: dialer,
		creds:  credsStore,
		sel:    sel,
		dir:    dir,
		params: params,
		state:  StateDisconnected,
		since:  timeNow(),
	}
}

// Handle is a reference to one session generation. A handle taken
// before a reconnect keeps pointing at the dead generation and fails
// cleanly, so forwarding code never crosses generations by accident.
type Handle struct {
	// Generation identifies the session this handle is bound to.
	Generation uint64

	mgr  *Manager
	sess transport.Session
}

// OpenStream opens a logical stream on the handle's session. It fails
// with [model.ErrNotActive] when the session generation has moved on.
func (h *Handle) OpenStream(ctx context.Context) (transport.Stream, error) {
	h.mgr.mu.Lock()
	stale := h.mgr.generation != h.Generation || h.mgr.sess == nil
	h.mgr.mu.Unlock()
	if stale {
		return nil, fmt.Errorf("%w: session generation has advanced", model.ErrNotActive)
	}
	st, err := h.sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	h.mgr.addStreams(1)
	return &countedStream{Stream: st, mgr: h.mgr}, nil
}

// countedStream decrements the open-stream gauge exactly once.
type countedStream struct {
	transport.Stream
	mgr  *Manager
	once sync.Once
}

// Close implements transport.Stream.
func (c *countedStream) Close() error {
	c.once.Do(func() { c.mgr.addStreams(-1) })
	return c.Stream.Close()
}

func (m *Manager) addStreams(delta int) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.streams += delta
}

// Acquire returns a handle on the current session. It fails with
// [model.ErrNotActive] unless the session is active or degraded; a
// degraded session still carries traffic.
func (m *Manager) Acquire() (*Handle, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.state != StateActive && m.state != StateDegraded {
		return nil, model.ErrNotActive
	}
	return &Handle{Generation: m.generation, mgr: m, sess: m.sess}, nil
}

// Status returns a point-in-time snapshot for introspection.
func (m *Manager) Status() model.StatusSnapshot {
	defer m.mu.Unlock()
	m.mu.Lock()
	snap := model.StatusSnapshot{
		State:      m.state.String(),
		Bridge:     m.bridge,
		Generation: m.generation,
		Streams:    m.streams,
		Epoch:      m.creds.Epoch(),
		Since:      m.since,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// setState moves the state machine to the given state.
func (m *Manager) setState(next State) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.state == next {
		return
	}
	m.logger.Infof("%s: %s -> %s", serviceName, m.state, next)
	m.state = next
	m.since = timeNow()
}

func (m *Manager) setLastErr(err error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.lastErr = err
}

// install binds a freshly authenticated session, advancing the
// generation so handles on the previous session go stale.
func (m *Manager) install(sess transport.Session, bridge model.BridgeID) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.generation++
	m.sess = sess
	m.bridge = bridge
	m.lastErr = nil
	m.logger.Infof("%s: session generation %d bound to bridge %s",
		serviceName, m.generation, bridge)
}

// uninstall detaches the current session without closing it.
func (m *Manager) uninstall() transport.Session {
	defer m.mu.Unlock()
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.bridge = ""
	return sess
}

// StartWorkers starts the session lifecycle worker.
func (m *Manager) StartWorkers(w *workers.Manager) {
	w.StartWorker(func() { m.sessionWorker(w) })
}

// sessionWorker is the lifecycle loop: build a session, babysit it,
// tear it down, repeat. It returns on shutdown or on a fatal
// credential rejection.
func (m *Manager) sessionWorker(w *workers.Manager) {
	workerName := fmt.Sprintf("%s: sessionWorker", serviceName)
	defer w.OnWorkerDone(workerName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.ShouldShutdown()
		cancel()
	}()

	defer func() {
		if sess := m.uninstall(); sess != nil {
			sess.Close()
		}
		m.setState(StateDisconnected)
	}()

	// warm start: connect before the first directory refresh completes
	if len(m.dir.Bridges()) == 0 {
		if err := m.dir.Refresh(ctx); err != nil {
			m.logger.Warnf("%s: initial refresh: %s", workerName, err.Error())
		}
	}

	exclude := make(map[model.BridgeID]bool)
	dialState := StateConnecting
	for {
		select {
		case <-w.ShouldShutdown():
			return
		default:
		}

		sess, bridge, err := m.connect(ctx, w, exclude, dialState)
		if err != nil {
			// connect only fails fatally or on shutdown
			if !errors.Is(err, model.ErrShutdown) {
				m.setLastErr(err)
			}
			return
		}

		m.install(sess, bridge)
		m.setState(StateActive)

		exclude = make(map[model.BridgeID]bool)
		if !m.monitor(ctx, w, sess, bridge) {
			return
		}
		// the session died: close it, reset its streams, and rebuild,
		// steering the next round away from the bridge that failed us
		m.uninstall()
		sess.Close()
		exclude[bridge] = true
		dialState = StateReconnecting
	}
}

// connect runs failover rounds until a session authenticates. Between
// exhausted rounds it purges and refreshes the directory and backs
// off. It returns a nil session only on shutdown or fatal rejection.
func (m *Manager) connect(ctx context.Context, w *workers.Manager,
	exclude map[model.BridgeID]bool, dialState State) (transport.Session, model.BridgeID, error) {
	round := 0
	tried := make(map[model.BridgeID]bool, len(exclude))
	for id := range exclude {
		tried[id] = true
	}
	m.sel.ResetRound()
	for {
		select {
		case <-w.ShouldShutdown():
			return nil, "", model.ErrShutdown
		default:
		}

		candidate := m.sel.Choose(tried)
		if candidate.IsNone() {
			// round exhausted: a cached bridge list that failed
			// everywhere is suspect, so drop it and ask again
			m.setLastErr(model.ErrExhausted)
			m.logger.Warnf("%s: round %d exhausted every bridge", serviceName, round)
			m.dir.Purge()
			if err := m.dir.Refresh(ctx); err != nil {
				m.logger.Warnf("%s: refresh after exhaustion: %s", serviceName, err.Error())
			}
			delay := m.params.Backoff.Delay(round)
			m.logger.Infof("%s: backing off %v before round %d", serviceName, delay, round+1)
			select {
			case <-timeAfter(delay):
			case <-w.ShouldShutdown():
				return nil, "", model.ErrShutdown
			}
			round++
			tried = make(map[model.BridgeID]bool)
			m.sel.ResetRound()
			continue
		}

		desc := candidate.Unwrap()
		tried[desc.ID] = true
		sess, err := m.attempt(ctx, desc, dialState)
		if err == nil {
			return sess, desc.ID, nil
		}
		if errors.Is(err, model.ErrAuthRejected) {
			m.logger.Warnf("%s: credential rejected, giving up: %s", serviceName, err.Error())
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", model.ErrShutdown
		}
		m.logger.Warnf("%s: bridge %s: %s", serviceName, desc.ID, err.Error())
	}
}

// attempt performs one dial-plus-authenticate attempt against a single
// bridge and records the outcome with the selector.
func (m *Manager) attempt(ctx context.Context, desc *model.BridgeDescriptor,
	dialState State) (transport.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.params.AttemptTimeout)
	defer cancel()

	m.setState(dialState)
	start := timeNow()
	sess, err := m.dialer.DialSession(ctx, desc)
	if err != nil {
		m.sel.RecordOutcome(desc.ID, false, 0)
		return nil, err
	}
	latency := timeNow().Sub(start)

	m.setState(StateAuthenticating)
	cred, err := m.creds.Get(ctx)
	if err != nil {
		sess.Close()
		m.sel.RecordOutcome(desc.ID, false, 0)
		return nil, err
	}
	err = sess.Authenticate(ctx, cred)
	if errors.Is(err, model.ErrAuthRejected) {
		// the bridge may know the credential went bad before we do:
		// discard it, fetch a fresh one, and try exactly once more
		m.logger.Warnf("%s: bridge refused credential for epoch %d, refreshing",
			serviceName, cred.Epoch)
		m.creds.Invalidate(cred.Epoch)
		cred, err = m.creds.Get(ctx)
		if err == nil {
			err = sess.Authenticate(ctx, cred)
		}
	}
	if err != nil {
		sess.Close()
		m.sel.RecordOutcome(desc.ID, false, 0)
		return nil, err
	}

	m.sel.RecordOutcome(desc.ID, true, latency)
	return sess, nil
}

// monitor probes the active session until it dies or we shut down. It
// returns true when the caller should reconnect, false on shutdown.
func (m *Manager) monitor(ctx context.Context, w *workers.Manager,
	sess transport.Session, bridge model.BridgeID) bool {
	misses := 0
	var degradedSince time.Time
	for {
		interval := m.params.ProbeInterval
		if misses >= m.params.ProbeMisses {
			interval = m.params.DegradedProbeInterval
		}
		select {
		case <-w.ShouldShutdown():
			return false
		case <-timeAfter(interval):
		}

		// keep the credential warm so an epoch rollover mid-session
		// never stalls the next reconnect; the exchange collapses onto
		// the store's single flight, so this is free when cached
		go func() {
			cctx, ccancel := context.WithTimeout(ctx, m.params.AttemptTimeout)
			defer ccancel()
			if _, err := m.creds.Get(cctx); err != nil {
				m.logger.Debugf("%s: background credential refresh: %s", serviceName, err.Error())
			}
		}()

		pctx, pcancel := context.WithTimeout(ctx, m.params.ProbeTimeout)
		start := timeNow()
		err := sess.Keepalive(pctx)
		pcancel()
		if err == nil {
			if misses >= m.params.ProbeMisses {
				m.logger.Infof("%s: bridge %s answered again, back to active", serviceName, bridge)
				m.setState(StateActive)
			}
			misses = 0
			m.sel.RecordOutcome(bridge, true, timeNow().Sub(start))
			continue
		}
		if ctx.Err() != nil {
			return false
		}

		misses++
		m.logger.Warnf("%s: probe %d/%d failed on bridge %s: %s",
			serviceName, misses, m.params.ProbeMisses, bridge, err.Error())
		if misses == m.params.ProbeMisses {
			m.setState(StateDegraded)
			m.setLastErr(err)
			degradedSince = timeNow()
		}
		if misses >= m.params.ProbeMisses &&
			timeNow().Sub(degradedSince) >= m.params.DegradedGrace {
			m.logger.Warnf("%s: bridge %s silent beyond grace, reconnecting", serviceName, bridge)
			m.sel.RecordOutcome(bridge, false, 0)
			return true
		}
	}
}
