// Package heartbeat implements the per-connection ping/pong liveness state
// machine. It performs no I/O and owns no timers; the session asks it what to
// do next and how long to wait.
//
//	Idle --interval elapsed--> WaitingPong --pong--> Idle
//	                           WaitingPong --timeout--> TimedOut (terminal)
//
// A Manager belongs to exactly one session and is not safe for concurrent use.
package heartbeat

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
	DefaultJitter   = 0.2
)

// State of the liveness state machine
type State int

const (
	StateIdle State = iota
	StateWaitingPong
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingPong:
		return "waiting_pong"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the heartbeat timings. Jitter is the largest fraction by which
// each ping interval is randomly shortened. The interval is never shortened
// below Interval-Timeout, so a silent peer is flagged no earlier than Interval
// and no later than Interval+Timeout after its last message.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Jitter   float64       `yaml:"jitter"`
}

// DefaultConfig returns 30s interval, 10s timeout and 20% jitter
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Timeout: DefaultTimeout, Jitter: DefaultJitter}
}

// Option customises a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(m *Manager) {
		m.rand = f
	}
}

// Manager tracks liveness of one connection
type Manager struct {
	cfg  Config
	now  func() time.Time
	rand func() float64

	state        State
	lastActivity time.Time
	pingSentAt   time.Time
	// interval drawn with jitter on every return to Idle
	interval time.Duration
}

// New creates a manager in the Idle state, counting from now
func New(cfg Config, opts ...Option) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)

	m := &Manager{
		cfg:  cfg,
		now:  time.Now,
		rand: rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.toIdle(m.now())
	return m
}

func (m *Manager) toIdle(now time.Time) {
	m.state = StateIdle
	m.lastActivity = now
	m.pingSentAt = time.Time{}
	m.interval = m.drawInterval()
}

func (m *Manager) drawInterval() time.Duration {
	d := time.Duration(float64(m.cfg.Interval) * (1 - m.cfg.Jitter*m.rand()))
	if floor := m.cfg.Interval - m.cfg.Timeout; d < floor {
		d = floor
	}
	return min(d, m.cfg.Interval)
}

// State returns the current state
func (m *Manager) State() State {
	return m.state
}

// Interval returns the jittered interval currently in effect
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// LastActivity returns when inbound traffic was last seen
func (m *Manager) LastActivity() time.Time {
	return m.lastActivity
}

// RecordActivity notes inbound traffic. Any message proves the peer alive,
// so an outstanding ping is considered answered.
func (m *Manager) RecordActivity() {
	if m.state == StateTimedOut {
		return
	}
	m.toIdle(m.now())
}

// RecordPong handles a pong. It returns the round trip since the ping when
// one was outstanding; an unsolicited pong only counts as activity.
func (m *Manager) RecordPong() (time.Duration, bool) {
	if m.state == StateTimedOut {
		return 0, false
	}
	now := m.now()
	if m.state != StateWaitingPong {
		m.toIdle(now)
		return 0, false
	}
	latency := now.Sub(m.pingSentAt)
	m.toIdle(now)
	return latency, true
}

// ShouldPing reports whether the connection has been idle for a full interval
func (m *Manager) ShouldPing() bool {
	return m.state == StateIdle && m.now().Sub(m.lastActivity) >= m.interval
}

// PingSent moves to WaitingPong
func (m *Manager) PingSent() {
	if m.state != StateIdle {
		return
	}
	m.state = StateWaitingPong
	m.pingSentAt = m.now()
}

// IsTimedOut reports whether the outstanding ping went unanswered for the
// timeout. Once true it stays true.
func (m *Manager) IsTimedOut() bool {
	if m.state == StateWaitingPong && m.now().Sub(m.pingSentAt) >= m.cfg.Timeout {
		m.state = StateTimedOut
	}
	return m.state == StateTimedOut
}

// TimeUntilNextAction returns how long the session may wait before it has to
// either send a ping or check for a timeout. It is never negative.
func (m *Manager) TimeUntilNextAction() time.Duration {
	var deadline time.Time
	switch m.state {
	case StateIdle:
		deadline = m.lastActivity.Add(m.interval)
	case StateWaitingPong:
		deadline = m.pingSentAt.Add(m.cfg.Timeout)
	default:
		return 0
	}
	return max(deadline.Sub(m.now()), 0)
}
