// Package sessionpool implements the Agent Pool (C6) and Session State
// (C5): a map from auth token to one long-lived agent session, guarded by a
// single mutex held only across table mutations. Each session's mutable
// fields (state, cached handshake, ring buffer) are guarded by its own lock
// so no data-plane I/O ever happens under the pool lock.
package sessionpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/acp-bridge/internal/agentproc"
	"github.com/basket/acp-bridge/internal/audit"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/clock"
	"github.com/basket/acp-bridge/internal/otel"
)

// State is the session lifecycle tag (§2, §4.4).
type State int

const (
	StateConnected State = iota
	StateIdle
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "idle"
}

// AcquireResult tags which branch of acquire(token) was taken.
type AcquireResult int

const (
	ResultNew AcquireResult = iota
	ResultReused
	ResultBusy
	ResultFull
)

// RingBufferCapacity bounds the number of agent→client frames buffered while
// a session is Idle and buffering is enabled. Overflow drops the oldest
// frame, diverging deliberately from a drop-newest policy: a reattaching
// client cares most about recent state, not the very first stale frame.
const RingBufferCapacity = 1000

// Session is the central entity (§3's AgentSession).
type Session struct {
	Token string

	mu                   sync.Mutex
	state                State
	process              *agentproc.Process
	cachedHandshake      []byte
	handshakeSet         bool
	expectedHandshakeID  []byte
	outputBuffer         *ringBuffer
	connectedAt          time.Time
	disconnectedAt       time.Time
	refcount             int
	sink                 chan []byte
}

// State returns the session's current lifecycle tag.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Process returns the session's agent process handle.
func (s *Session) Process() *agentproc.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// CachedHandshake returns the cached initialize response and whether one has
// been recorded yet.
func (s *Session) CachedHandshake() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedHandshake, s.handshakeSet
}

// SetCachedHandshake records the agent's first initialize response, verbatim
// except for its id field, which the session bridge rewrites per-connection.
// Write-once: a second call is a no-op, enforcing I3 explicitly even though
// the caller (the session bridge) already only calls this for new sessions.
func (s *Session) SetCachedHandshake(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeSet {
		return
	}
	s.cachedHandshake = raw
	s.handshakeSet = true
}

// SetExpectedHandshakeID records the "id" field of a new session's first
// client message (its initialize request), so the agent-stdout reader knows
// which response to capture as the cached handshake rather than capturing
// whatever the agent happens to emit first.
func (s *Session) SetExpectedHandshakeID(id []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedHandshakeID = id
}

// ExpectedHandshakeID returns the id recorded by SetExpectedHandshakeID, and
// whether one has been recorded yet.
func (s *Session) ExpectedHandshakeID() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedHandshakeID, s.expectedHandshakeID != nil
}

// DisconnectedAt returns the time the session entered Idle (zero value while
// Connected).
func (s *Session) DisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt
}

// BufferFrame enqueues an agent→client frame while the session is Idle,
// dropping the oldest buffered frame on overflow. Returns false if the frame
// was dropped because the buffer is disabled or full and nothing was
// evicted (never true for this ring's drop-oldest policy, but kept for
// symmetry with a future drop-newest mode).
func (s *Session) BufferFrame(frame []byte) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputBuffer == nil {
		return false
	}
	return s.outputBuffer.push(frame)
}

// DrainBuffer returns and clears all buffered frames in FIFO order.
func (s *Session) DrainBuffer() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputBuffer == nil {
		return nil
	}
	return s.outputBuffer.drain()
}

// Attach installs ch as the live delivery channel for agent→client frames,
// used by the session bridge for the duration of one WebSocket connection.
func (s *Session) Attach(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = ch
}

// Detach removes the live delivery channel, returning the session to
// buffering mode for any frame the agent emits afterward.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// Deliver routes one agent→client frame to the attached connection if one is
// live, falling back to the idle ring buffer otherwise. A full live channel
// also falls back to buffering rather than blocking the agent's stdout
// drain, trading a narrow reordering risk under extreme backpressure for the
// guarantee that a stalled client can never wedge the agent-reader loop.
func (s *Session) Deliver(frame []byte) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		select {
		case sink <- frame:
			return
		default:
		}
	}
	s.BufferFrame(frame)
}

// ringBuffer is a bounded FIFO with drop-oldest-on-overflow semantics.
type ringBuffer struct {
	frames   [][]byte
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{capacity: capacity}
}

func (r *ringBuffer) push(frame []byte) (droppedOldest bool) {
	if len(r.frames) >= r.capacity {
		r.frames = r.frames[1:]
		droppedOldest = true
	}
	r.frames = append(r.frames, frame)
	return droppedOldest
}

func (r *ringBuffer) drain() [][]byte {
	out := r.frames
	r.frames = nil
	return out
}

// Pool manages sessions keyed by auth token (C6).
type Pool struct {
	maxAgents      int
	bufferMessages bool
	clock          clock.Clock
	logger         *slog.Logger
	bus            *bus.Bus
	metrics        *otel.Metrics

	mu             sync.Mutex
	sessions       map[string]*Session
	sessionTimeout atomic.Int64
}

// Config bundles Pool construction parameters. Bus and Metrics may be nil;
// every publish/record call is a guarded no-op in that case, matching the
// ambient stack's "telemetry never gates the data plane" rule.
type Config struct {
	MaxAgents      int
	BufferMessages bool
	Clock          clock.Clock
	Logger         *slog.Logger
	Bus            *bus.Bus
	Metrics        *otel.Metrics
}

// New creates an empty Pool.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		maxAgents:      cfg.MaxAgents,
		bufferMessages: cfg.BufferMessages,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		sessions:       make(map[string]*Session),
	}
}

// SetMaxAgents updates the pool's capacity at runtime, letting an operator
// raise or lower it via a config reload without restarting the bridge.
// Already-running sessions are unaffected; a lowered cap only takes effect
// against future Acquire calls.
func (p *Pool) SetMaxAgents(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxAgents = n
}

func (p *Pool) publish(topic string, payload interface{}) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

// Acquire implements acquire(token) from §4.4: checks the token's existing
// entry first, and only on "no entry" consults capacity, so a caller whose
// token already has a slot is never told Full.
func (p *Pool) Acquire(token string) (*Session, AcquireResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sess, ok := p.sessions[token]; ok {
		sess.mu.Lock()
		switch sess.state {
		case StateConnected:
			sess.mu.Unlock()
			audit.Record("pool.busy", token, "")
			return sess, ResultBusy
		case StateIdle:
			sess.state = StateConnected
			sess.connectedAt = p.clock.Now()
			sess.disconnectedAt = time.Time{}
			sess.refcount = 1
			sess.mu.Unlock()
			if p.metrics != nil {
				p.metrics.AgentsConnected.Add(context.Background(), 1)
				p.metrics.AgentsIdle.Add(context.Background(), -1)
			}
			p.publish(bus.TopicSessionConnected, bus.SessionEvent{Token: token, State: "connected"})
			return sess, ResultReused
		}
		sess.mu.Unlock()
	}

	if len(p.sessions) >= p.maxAgents {
		audit.Record("pool.full", token, "")
		return nil, ResultFull
	}
	return nil, ResultNew
}

// Insert registers a freshly spawned process under token as a new, Connected
// session. Call only after Acquire returned ResultNew for this token.
//
// Acquire releases p.mu before its caller spawns the subprocess, so two
// connections presenting the same token can both observe ResultNew and both
// spawn. Insert re-checks the map under its own lock to break that race: the
// loser gets the winner's session back instead of clobbering the map entry,
// and must Terminate its own redundant proc rather than leak it.
func (p *Pool) Insert(token string, proc *agentproc.Process) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[token]; ok {
		return existing
	}

	sess := &Session{
		Token:       token,
		state:       StateConnected,
		process:     proc,
		connectedAt: p.clock.Now(),
		refcount:    1,
	}
	if p.bufferMessages {
		sess.outputBuffer = newRingBuffer(RingBufferCapacity)
	}
	p.sessions[token] = sess

	if p.metrics != nil {
		p.metrics.AgentSpawns.Add(context.Background(), 1)
		p.metrics.AgentsConnected.Add(context.Background(), 1)
	}
	p.publish(bus.TopicSessionConnected, bus.SessionEvent{Token: token, State: "connected"})
	return sess
}

// Release implements release(session, keep_alive) from §4.4.
func (p *Pool) Release(sess *Session, keepAlive bool) {
	if !keepAlive {
		p.Remove(sess)
		return
	}

	sess.mu.Lock()
	sess.state = StateIdle
	sess.disconnectedAt = p.clock.Now()
	sess.refcount = 0
	connectedFor := sess.disconnectedAt.Sub(sess.connectedAt)
	sess.mu.Unlock()

	if p.metrics != nil {
		p.metrics.AgentsConnected.Add(context.Background(), -1)
		p.metrics.AgentsIdle.Add(context.Background(), 1)
		p.metrics.SessionDuration.Record(context.Background(), connectedFor.Seconds())
	}
	p.publish(bus.TopicSessionIdle, bus.SessionEvent{Token: sess.Token, State: "idle"})
}

// Remove implements remove(session) from §4.4: unconditional terminate and
// evict, used by the reaper and on observed agent exit.
func (p *Pool) Remove(sess *Session) {
	p.mu.Lock()
	if p.sessions[sess.Token] == sess {
		delete(p.sessions, sess.Token)
	}
	p.mu.Unlock()

	sess.mu.Lock()
	proc := sess.process
	sess.process = nil
	sess.mu.Unlock()

	if proc != nil {
		proc.Terminate()
	}
	if p.metrics != nil {
		p.metrics.AgentExits.Add(context.Background(), 1)
	}
	p.publish(bus.TopicSessionDead, bus.SessionEvent{Token: sess.Token, State: "dead"})
}

// Stats reports the reaper's per-sweep counters (§4.7).
type Stats struct {
	Total     int
	Connected int
	Idle      int
}

// ReapIdle evicts every session that has died or whose idle time has
// exceeded sessionTimeout, and returns the post-sweep stats. Matches the
// tie-break policy in §4.4: re-checks state and disconnected_at under the
// pool lock so a racing Acquire that got there first always wins.
func (p *Pool) ReapIdle(ctx context.Context, sessionTimeout time.Duration) Stats {
	p.mu.Lock()
	now := p.clock.Now()
	var toRemove []*Session
	for _, sess := range p.sessions {
		sess.mu.Lock()
		dead := sess.process != nil && processExited(sess.process)
		idleExpired := sess.state == StateIdle && !sess.disconnectedAt.IsZero() &&
			now.Sub(sess.disconnectedAt) >= sessionTimeout
		sess.mu.Unlock()
		if dead || idleExpired {
			toRemove = append(toRemove, sess)
		}
	}
	for _, sess := range toRemove {
		delete(p.sessions, sess.Token)
	}

	stats := p.statsLocked()
	p.mu.Unlock()

	for _, sess := range toRemove {
		sess.mu.Lock()
		proc := sess.process
		sess.process = nil
		sess.mu.Unlock()
		if proc != nil {
			proc.Terminate()
		}
		if p.metrics != nil {
			p.metrics.AgentExits.Add(ctx, 1)
		}
		p.publish(bus.TopicSessionReaped, bus.SessionEvent{Token: sess.Token, State: "reaped"})
	}
	p.publish(bus.TopicPoolStats, bus.PoolStatsEvent{Total: stats.Total, Connected: stats.Connected, Idle: stats.Idle})

	p.logger.Info("reaper sweep",
		"agents_total", stats.Total, "agents_connected", stats.Connected, "agents_idle", stats.Idle,
		"evicted", len(toRemove))
	return stats
}

func processExited(proc *agentproc.Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

// Stats returns the current pool-wide counters without mutating anything.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	stats := Stats{Total: len(p.sessions)}
	for _, sess := range p.sessions {
		sess.mu.Lock()
		switch sess.state {
		case StateConnected:
			stats.Connected++
		case StateIdle:
			stats.Idle++
		}
		sess.mu.Unlock()
	}
	return stats
}

// Shutdown terminates and evicts every session in the pool, for graceful
// drain on process exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		proc := sess.process
		sess.process = nil
		sess.mu.Unlock()
		if proc != nil {
			proc.Terminate()
		}
	}
}

// StartReaper launches a background goroutine that calls ReapIdle every
// period until ctx is cancelled, mirroring the teacher's ticker-driven
// background sweep pattern. The session timeout can be changed afterward
// via SetSessionTimeout, so a config reload takes effect on the next tick
// without restarting the reaper.
func (p *Pool) StartReaper(ctx context.Context, period, sessionTimeout time.Duration) {
	p.sessionTimeout.Store(int64(sessionTimeout))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(period):
				p.ReapIdle(ctx, time.Duration(p.sessionTimeout.Load()))
			}
		}
	}()
}

// SetSessionTimeout updates the idle timeout StartReaper's background sweep
// uses, letting an operator adjust it via a config reload.
func (p *Pool) SetSessionTimeout(d time.Duration) {
	p.sessionTimeout.Store(int64(d))
}
