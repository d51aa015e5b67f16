package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdleTimerFiresAfterPeriod(t *testing.T) {
	it := newIdleTimer(20 * time.Millisecond)
	defer it.Stop()

	select {
	case <-it.C():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle timer did not fire within expected window")
	}
}

func TestIdleTimerResetExtendsDeadline(t *testing.T) {
	it := newIdleTimer(50 * time.Millisecond)
	defer it.Stop()

	// Reset partway through: the timer should not fire at the original
	// deadline, only after a fresh period from the reset.
	time.Sleep(30 * time.Millisecond)
	it.reset()

	select {
	case <-it.C():
		t.Fatal("idle timer fired before the reset deadline")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case <-it.C():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("idle timer never fired after reset")
	}
}

func TestIdleTimerDisabledWhenPeriodIsZero(t *testing.T) {
	it := newIdleTimer(0)
	defer it.Stop()

	select {
	case <-it.C():
		t.Fatal("disabled idle timer should never fire")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Nil(t, it.timer)
}
