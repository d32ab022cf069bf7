// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds channel helpers shared by the package tests.
// They are the only place tests wait on the wall clock: every wait is
// bounded so a broken test fails instead of hanging.
package testutil

import (
	"fmt"
	"time"
)

// TestingT is the subset of testing.TB the helpers need.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from channel, failing the
// test if none arrives within timeout or the channel is closed.
//
//	packet := testutil.RequireReceive(t, packets, 5*time.Second, "waiting for data packet")
func RequireReceive[T any](t TestingT, channel <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case value, ok := <-channel:
		if !ok {
			t.Fatalf("channel closed: %s", describe(msgAndArgs))
		}
		return value
	case <-time.After(timeout): //nolint:realclock bounded test wait
		t.Fatalf("timed out after %v: %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if channel yields a value within
// window. Use it to assert silence, such as no data after unsubscribe.
func RequireNoReceive[T any](t TestingT, channel <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case value, ok := <-channel:
		if ok {
			t.Fatalf("unexpected value %v: %s", value, describe(msgAndArgs))
		}
	case <-time.After(window): //nolint:realclock bounded test wait
	}
}

// RequireSend sends value on channel within timeout.
func RequireSend[T any](t TestingT, channel chan<- T, value T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case channel <- value:
	case <-time.After(timeout): //nolint:realclock bounded test wait
		t.Fatalf("timed out after %v: %s", timeout, describe(msgAndArgs))
	}
}

// RequireClosed waits for channel to be closed (or to yield a value)
// within timeout.
func RequireClosed(t TestingT, channel <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-channel:
	case <-time.After(timeout): //nolint:realclock bounded test wait
		t.Fatalf("timed out after %v waiting for close: %s", timeout, describe(msgAndArgs))
	}
}

func describe(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
