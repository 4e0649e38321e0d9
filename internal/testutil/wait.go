// Package testutil provides polling helpers shared across the agent's
// tests, replacing sleep-based synchronization.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

// DefaultTimeout is the default timeout for polling operations.
const DefaultTimeout = 5 * time.Second

// DefaultInterval is the default polling interval.
const DefaultInterval = 10 * time.Millisecond

// WaitForCondition polls until condition returns true or timeout elapses.
func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool, description string) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(DefaultInterval)
	}
	return fmt.Errorf("timeout waiting for %s after %v", description, timeout)
}

// MustWaitForCondition is like WaitForCondition but fails the test on
// timeout.
func MustWaitForCondition(t *testing.T, timeout time.Duration, condition func() bool, description string) {
	t.Helper()
	if err := WaitForCondition(t, timeout, condition, description); err != nil {
		t.Fatalf("%v", err)
	}
}

// Eventually asserts that condition becomes true within the timeout
// (DefaultTimeout unless overridden).
func Eventually(t *testing.T, condition func() bool, description string, timeoutOpts ...time.Duration) {
	t.Helper()
	timeout := DefaultTimeout
	if len(timeoutOpts) > 0 {
		timeout = timeoutOpts[0]
	}
	MustWaitForCondition(t, timeout, condition, description)
}

// WaitForState polls until getState returns the expected value.
func WaitForState(t *testing.T, getState func() string, expected string) {
	t.Helper()
	MustWaitForCondition(t, DefaultTimeout, func() bool {
		return getState() == expected
	}, fmt.Sprintf("state to become %q", expected))
}

// WaitForPIDChange polls until the PID differs from the original value.
func WaitForPIDChange(t *testing.T, getPID func() int, originalPID int) {
	t.Helper()
	MustWaitForCondition(t, DefaultTimeout, func() bool {
		pid := getPID()
		return pid > 0 && pid != originalPID
	}, "PID to change")
}
