package auth

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	pin string
}

func (v stubVerifier) Verify(pin string) bool { return pin == v.pin }

func testConfig() Config {
	return Config{
		ScanDuration: 30 * time.Millisecond,
		ErrorFlash:   25 * time.Millisecond,
		MaxFails:     3,
		LockoutBase:  60 * time.Millisecond,
	}
}

func newTestGate(t *testing.T) (*Gate, *int32) {
	t.Helper()
	g := NewGate(testConfig(), stubVerifier{pin: "1234"}, nil)
	var unlocks int32
	g.OnUnlock(func() { atomic.AddInt32(&unlocks, 1) })
	return g, &unlocks
}

func enterPIN(t *testing.T, g *Gate, pin string) {
	t.Helper()
	for _, d := range pin {
		err := g.Digit(d)
		if err != nil && err != ErrLockedOut {
			t.Fatalf("digit %c: %v", d, err)
		}
	}
}

func TestScanUnlocksOnce(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	assert.Equal(t, StateScanning, g.Snapshot().State)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateSuccess, g.Snapshot().State)
	assert.True(t, g.Unlocked())
	assert.Equal(t, int32(1), atomic.LoadInt32(unlocks))
}

func TestFallbackCancelsScanTimer(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())
	assert.Equal(t, StatePinEntry, g.Snapshot().State)

	// the scan timer must not fire after the transition
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatePinEntry, g.Snapshot().State)
	assert.Equal(t, int32(0), atomic.LoadInt32(unlocks))
}

func TestCorrectPINUnlocksExactlyOnce(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	enterPIN(t, g, "1234")
	time.Sleep(20 * time.Millisecond) // unlock callback runs async
	assert.Equal(t, StateSuccess, g.Snapshot().State)
	assert.Equal(t, int32(1), atomic.LoadInt32(unlocks))
	assert.Zero(t, g.Snapshot().Digits)
}

func TestWrongPINFlashesAndResets(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	enterPIN(t, g, "9999")
	snap := g.Snapshot()
	assert.Equal(t, StatePinEntry, snap.State)
	assert.True(t, snap.PinError)

	time.Sleep(100 * time.Millisecond)
	snap = g.Snapshot()
	assert.Equal(t, StatePinEntry, snap.State)
	assert.False(t, snap.PinError)
	assert.Zero(t, snap.Digits)
	assert.Equal(t, int32(0), atomic.LoadInt32(unlocks))
}

func TestWrongThenRightPIN(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	enterPIN(t, g, "9999")
	time.Sleep(100 * time.Millisecond)
	enterPIN(t, g, "1234")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, g.Unlocked())
	assert.Equal(t, int32(1), atomic.LoadInt32(unlocks))
}

func TestNonDigitKeysAreInert(t *testing.T) {
	g, _ := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	require.NoError(t, g.Digit('1'))
	require.NoError(t, g.Digit('.')) // keypad decimal key does nothing
	require.NoError(t, g.Digit('x'))
	assert.Equal(t, 1, g.Snapshot().Digits)
}

func TestDeleteRemovesDigitAndClearsError(t *testing.T) {
	g, _ := newTestGate(t)
	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	require.NoError(t, g.Digit('1'))
	require.NoError(t, g.Digit('2'))
	require.NoError(t, g.Delete())
	assert.Equal(t, 1, g.Snapshot().Digits)

	enterPIN(t, g, "299") // completes 1-2-9-9, a mismatch
	snap := g.Snapshot()
	require.True(t, snap.PinError)
	require.NoError(t, g.Delete())
	snap = g.Snapshot()
	assert.False(t, snap.PinError)
	assert.Equal(t, 3, snap.Digits)

	// the cancelled flash timer must not clear the digits later
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 3, g.Snapshot().Digits)
}

func TestCancelReturnsToIdleWithoutUnlock(t *testing.T) {
	g, unlocks := newTestGate(t)
	require.NoError(t, g.Challenge())
	g.Cancel()
	assert.Equal(t, StateIdle, g.Snapshot().State)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.Equal(t, int32(0), atomic.LoadInt32(unlocks))
}

func TestDigitOutsidePinEntryRejected(t *testing.T) {
	g, _ := newTestGate(t)
	assert.ErrorIs(t, g.Digit('1'), ErrNoChallenge)
	require.NoError(t, g.Challenge())
	assert.ErrorIs(t, g.Digit('1'), ErrNoChallenge) // still scanning
	g.Cancel()
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	g, unlocks := newTestGate(t)
	var lockouts int32
	g.OnLockout(func(fails int, until time.Time) { atomic.AddInt32(&lockouts, 1) })

	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())

	for i := 0; i < 3; i++ {
		enterPIN(t, g, "0000")
		time.Sleep(60 * time.Millisecond) // let the flash reset
	}

	snap := g.Snapshot()
	assert.Equal(t, StateLockedOut, snap.State)
	assert.False(t, snap.LockedUntil.IsZero())
	assert.Equal(t, int32(1), atomic.LoadInt32(&lockouts))
	assert.ErrorIs(t, g.Digit('1'), ErrLockedOut)
	assert.Equal(t, int32(0), atomic.LoadInt32(unlocks))

	// lockout window elapses back into PIN entry
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatePinEntry, g.Snapshot().State)
	enterPIN(t, g, "1234")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, g.Unlocked())
}

func TestChallengeRejectedWhileLocked(t *testing.T) {
	cfg := testConfig()
	cfg.LockoutBase = 300 * time.Millisecond
	g := NewGate(cfg, stubVerifier{pin: "1234"}, nil)

	require.NoError(t, g.Challenge())
	require.NoError(t, g.UseFallback())
	for i := 0; i < 3; i++ {
		enterPIN(t, g, "0000")
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, StateLockedOut, g.Snapshot().State)
	assert.ErrorIs(t, g.Challenge(), ErrLockedOut)
}

func TestBcryptVerifier(t *testing.T) {
	hash, err := HashPIN("1234")
	require.NoError(t, err)
	v := NewBcryptVerifier(hash)
	assert.True(t, v.Verify("1234"))
	assert.False(t, v.Verify("9999"))

	_, err = HashPIN("12")
	assert.Error(t, err)
	_, err = HashPIN("12a4")
	assert.Error(t, err)
}
