// Package reconnect implements the connection state machine and retry
// discipline shared by all protocol clients: exponential backoff with
// jitter, a hard attempt cap with a single terminal error, and cancelable
// scheduling so disconnect() can synchronously stop a pending retry.
package reconnect

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// State is the observable connection state of one protocol client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// ErrMaxAttempts is the terminal error surfaced once after the attempt cap.
var ErrMaxAttempts = errors.New("max reconnection attempts reached")

// Policy holds the retry knobs. Zero values fall back to defaults.
type Policy struct {
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	MaxAttempts int           // default 10
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	return p
}

// Delay computes the backoff delay for an attempt (0-based):
// base * 2^attempt + jitter(0..1s), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	//nolint:gosec // G404: math/rand is sufficient for backoff jitter, not used for security
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	if d+jitter > p.MaxDelay {
		return p.MaxDelay
	}
	return d + jitter
}

// Supervisor tracks state and schedules reconnect attempts for one client.
// Attempts are strictly sequential: at most one timer is pending, and dial
// runs on the timer goroutine only.
type Supervisor struct {
	policy Policy

	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer
	gaveUp   bool

	dial          func()      // invoked for each scheduled reconnect attempt
	onStateChange func(State) // optional listener
	onGiveUp      func(error) // invoked exactly once with ErrMaxAttempts
}

// New creates a supervisor. dial is called from a timer goroutine for every
// scheduled attempt; listeners may be nil.
func New(policy Policy, dial func(), onStateChange func(State), onGiveUp func(error)) *Supervisor {
	return &Supervisor{
		policy:        policy.withDefaults(),
		state:         Disconnected,
		dial:          dial,
		onStateChange: onStateChange,
		onGiveUp:      onGiveUp,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions to a new state and notifies the listener. The
// listener is called outside the lock.
func (s *Supervisor) SetState(next State) {
	s.mu.Lock()
	changed := s.state != next
	s.state = next
	cb := s.onStateChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

// Attempts returns the consecutive failed attempt count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ResetAttempts clears the failure counter and re-arms the supervisor after
// a successful connect (or an explicit reconnect after giving up).
func (s *Supervisor) ResetAttempts() {
	s.mu.Lock()
	s.attempts = 0
	s.gaveUp = false
	s.mu.Unlock()
}

// ScheduleReconnect arms a backoff timer for the next attempt. After the
// attempt cap it fires onGiveUp exactly once and stops scheduling until
// ResetAttempts. It returns the delay, or -1 when no attempt was scheduled.
func (s *Supervisor) ScheduleReconnect() time.Duration {
	s.mu.Lock()
	if s.gaveUp || s.timer != nil {
		s.mu.Unlock()
		return -1
	}
	if s.attempts >= s.policy.MaxAttempts {
		s.gaveUp = true
		s.state = Errored
		giveUp := s.onGiveUp
		stateCb := s.onStateChange
		s.mu.Unlock()
		if stateCb != nil {
			stateCb(Errored)
		}
		if giveUp != nil {
			giveUp(ErrMaxAttempts)
		}
		return -1
	}
	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		stopped := s.gaveUp
		s.mu.Unlock()
		if !stopped {
			s.dial()
		}
	})
	s.mu.Unlock()
	return delay
}

// CancelPending synchronously stops any pending reconnect timer. Idempotent.
func (s *Supervisor) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
