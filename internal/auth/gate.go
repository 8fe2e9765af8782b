package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PINLength is the number of digits the keypad accepts.
const PINLength = 4

// State is the current phase of an authentication challenge.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StatePinEntry  State = "pin_entry"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateLockedOut State = "locked_out"
)

var (
	// ErrNoChallenge is returned for keypad input outside PIN entry.
	ErrNoChallenge = errors.New("no active PIN entry")
	// ErrLockedOut is returned while the lockout window is open.
	ErrLockedOut = errors.New("too many failed attempts")
	// ErrChallengeActive is returned when a challenge is already running.
	ErrChallengeActive = errors.New("challenge already active")
)

// Config tunes gate timings and the lockout policy.
type Config struct {
	ScanDuration time.Duration // biometric scan latency
	ErrorFlash   time.Duration // how long the mismatch flag shows
	MaxFails     int           // consecutive mismatches before lockout
	LockoutBase  time.Duration // first lockout; doubles per lockout
	MaxLockout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanDuration <= 0 {
		c.ScanDuration = 1500 * time.Millisecond
	}
	if c.ErrorFlash <= 0 {
		c.ErrorFlash = 500 * time.Millisecond
	}
	if c.MaxFails <= 0 {
		c.MaxFails = 5
	}
	if c.LockoutBase <= 0 {
		c.LockoutBase = 30 * time.Second
	}
	if c.MaxLockout <= 0 {
		c.MaxLockout = 15 * time.Minute
	}
	return c
}

// Snapshot is an immutable view of the gate for callers.
type Snapshot struct {
	State       State     `json:"state"`
	Digits      int       `json:"digits"`
	PinError    bool      `json:"pin_error"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// Gate turns a biometric or PIN challenge into a single unlock event.
// All state lives behind one mutex; pending timers carry a generation
// number so a cancelled timer can never mutate state afterwards.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	verifier Verifier
	log      *logrus.Logger

	state       State
	digits      []byte
	pinError    bool
	unlockFired bool
	fails       int
	lockouts    int
	lockedUntil time.Time

	gen   uint64
	timer *time.Timer

	onUnlock  func()
	onLockout func(fails int, until time.Time)
}

// NewGate builds an idle gate.
func NewGate(cfg Config, verifier Verifier, log *logrus.Logger) *Gate {
	return &Gate{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		log:      log,
		state:    StateIdle,
	}
}

// OnUnlock registers the unlock observer. It fires at most once per
// challenge lifecycle, outside the gate lock.
func (g *Gate) OnUnlock(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnlock = fn
}

// OnLockout registers the lockout observer.
func (g *Gate) OnLockout(fn func(fails int, until time.Time)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLockout = fn
}

// Snapshot returns the current gate view.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Snapshot{State: g.state, Digits: len(g.digits), PinError: g.pinError}
	if g.state == StateLockedOut {
		s.LockedUntil = g.lockedUntil
	}
	return s
}

// Unlocked reports whether the current challenge succeeded.
func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateSuccess
}

// Challenge starts a new biometric-first challenge. The scan completes
// after ScanDuration unless cancelled or switched to PIN fallback.
func (g *Gate) Challenge() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Now().Before(g.lockedUntil) {
		return ErrLockedOut
	}
	if g.state == StateScanning || g.state == StatePinEntry || g.state == StateVerifying {
		return ErrChallengeActive
	}
	g.disarm()
	g.state = StateScanning
	g.digits = g.digits[:0]
	g.pinError = false
	g.unlockFired = false
	g.arm(g.cfg.ScanDuration, func() {
		if g.state != StateScanning {
			return
		}
		g.succeed()
	})
	return nil
}

// UseFallback switches from the biometric scan to PIN entry. The
// pending scan timer is cancelled so it cannot unlock afterwards.
func (g *Gate) UseFallback() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateScanning {
		return ErrNoChallenge
	}
	g.disarm()
	g.state = StatePinEntry
	g.digits = g.digits[:0]
	g.pinError = false
	return nil
}

// CancelScan is an alias for UseFallback: aborting the scan drops the
// caller into PIN entry.
func (g *Gate) CancelScan() error { return g.UseFallback() }

// Digit handles one keypad press. Non-digit keys are inert. When the
// fourth digit lands the accumulator is verified synchronously.
func (g *Gate) Digit(key rune) error {
	g.mu.Lock()
	if g.state == StateLockedOut {
		g.mu.Unlock()
		return ErrLockedOut
	}
	if g.state != StatePinEntry {
		g.mu.Unlock()
		return ErrNoChallenge
	}
	if key < '0' || key > '9' {
		// keypad exposes non-numeric keys; they do nothing
		g.mu.Unlock()
		return nil
	}
	if len(g.digits) >= PINLength {
		g.mu.Unlock()
		return nil
	}
	g.digits = append(g.digits, byte(key))
	if len(g.digits) < PINLength {
		g.mu.Unlock()
		return nil
	}

	g.state = StateVerifying
	pin := string(g.digits)
	ok := g.verifier.Verify(pin)
	if ok {
		g.digits = g.digits[:0]
		g.fails = 0
		g.lockouts = 0
		g.succeed()
		g.mu.Unlock()
		return nil
	}

	g.fails++
	g.pinError = true
	g.state = StatePinEntry
	if g.fails >= g.cfg.MaxFails {
		g.lockouts++
		dur := g.cfg.LockoutBase << (g.lockouts - 1)
		if dur > g.cfg.MaxLockout {
			dur = g.cfg.MaxLockout
		}
		g.state = StateLockedOut
		g.lockedUntil = time.Now().Add(dur)
		g.fails = 0
		g.digits = g.digits[:0]
		g.pinError = false
		g.disarm()
		g.arm(dur, func() {
			if g.state != StateLockedOut {
				return
			}
			g.state = StatePinEntry
		})
		notify := g.onLockout
		until := g.lockedUntil
		if g.log != nil {
			g.log.Warnf("auth gate locked out until %s", until.Format(time.RFC3339))
		}
		g.mu.Unlock()
		if notify != nil {
			notify(g.cfg.MaxFails, until)
		}
		return ErrLockedOut
	}

	g.disarm()
	g.arm(g.cfg.ErrorFlash, func() {
		if g.state != StatePinEntry {
			return
		}
		g.digits = g.digits[:0]
		g.pinError = false
	})
	g.mu.Unlock()
	return nil
}

// Delete removes the last accumulated digit and clears a pending
// mismatch flag.
func (g *Gate) Delete() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePinEntry {
		return ErrNoChallenge
	}
	if g.pinError {
		// deleting acknowledges the error; the flash timer must not
		// clear the accumulator out from under the user later
		g.disarm()
		g.pinError = false
	}
	if len(g.digits) > 0 {
		g.digits = g.digits[:len(g.digits)-1]
	}
	return nil
}

// Cancel aborts the challenge from any state without unlocking.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarm()
	g.state = StateIdle
	g.digits = g.digits[:0]
	g.pinError = false
}

// Relock drops a successful gate back to idle, ending the unlocked
// window.
func (g *Gate) Relock() {
	g.Cancel()
}

// succeed moves to Success and queues the unlock event. Caller holds
// the lock; timer paths invoke the callback from the timer goroutine.
func (g *Gate) succeed() {
	g.disarm()
	g.state = StateSuccess
	if fire := g.takeUnlock(); fire != nil {
		go fire()
	}
}

// takeUnlock returns the unlock callback exactly once per challenge.
func (g *Gate) takeUnlock() func() {
	if g.unlockFired {
		return nil
	}
	g.unlockFired = true
	return g.onUnlock
}

// arm schedules fn under the current generation; a later disarm makes
// the fire a no-op.
func (g *Gate) arm(d time.Duration, fn func()) {
	gen := g.gen
	g.timer = time.AfterFunc(d, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gen != gen {
			return
		}
		fn()
	})
}

// disarm invalidates any pending timer. Caller holds the lock.
func (g *Gate) disarm() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
