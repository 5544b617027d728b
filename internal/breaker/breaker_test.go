package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(ForAI(3, time.Minute, 50*time.Millisecond))

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errDown })
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	// Short-circuits while open.
	err := b.Execute(func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New(ForAI(1, time.Minute, 20*time.Millisecond))

	require.Error(t, b.Execute(func() error { return errDown }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// Successful probe closes the breaker.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(ForAI(1, time.Minute, 20*time.Millisecond))

	require.Error(t, b.Execute(func() error { return errDown }))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(func() error { return errDown }))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	b := New(ForAI(1, time.Minute, 10*time.Millisecond))
	require.Error(t, b.Execute(func() error { return errDown }))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error { <-release; return nil })
	}()

	// While the probe is in flight a second request is rejected.
	time.Sleep(10 * time.Millisecond)
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
}

func TestForGateway_TripsOnFailureRate(t *testing.T) {
	b := New(ForGateway("facility-1:claim"))

	// 15 successes then 15 failures: 50% over a 30-request window.
	for i := 0; i < 15; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	for i := 0; i < 15; i++ {
		_ = b.Execute(func() error { return errDown })
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestForGateway_FailureStreakOpensDespiteHealthyHistory(t *testing.T) {
	b := New(ForGateway("facility-1:claim"))

	// A long healthy run must not dilute the ratio: a half-window failure
	// streak still opens the breaker.
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	for i := 0; i < 15; i++ {
		_ = b.Execute(func() error { return errDown })
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)
}

func TestBreaker_SuccessesKeepItClosed(t *testing.T) {
	b := New(ForGateway("facility-2:claim"))
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestManager_OneBreakerPerKey(t *testing.T) {
	m := NewManager(ForGateway)

	a := m.Get("facility-1:claim")
	b := m.Get("facility-1:claim")
	c := m.Get("facility-2:claim")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
