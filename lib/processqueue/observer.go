// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package processqueue

// Observer receives queue events. Methods are called from worker
// goroutines and must not block for long.
type Observer[T any] interface {
	// ItemsProcessed is called after a callback returns successfully.
	ItemsProcessed(items []T)
	// ItemsTimedOut is called when a callback exceeds ProcessTimeout.
	ItemsTimedOut(items []T)
	// ProcessException is called when a callback returns an error or
	// panics. The queue keeps running.
	ProcessException(err error, items []T)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver[T any] struct{}

func (NopObserver[T]) ItemsProcessed([]T)          {}
func (NopObserver[T]) ItemsTimedOut([]T)           {}
func (NopObserver[T]) ProcessException(error, []T) {}

// ObserverFuncs adapts plain functions to Observer. Nil fields are
// ignored.
type ObserverFuncs[T any] struct {
	OnProcessed func(items []T)
	OnTimedOut  func(items []T)
	OnException func(err error, items []T)
}

func (o ObserverFuncs[T]) ItemsProcessed(items []T) {
	if o.OnProcessed != nil {
		o.OnProcessed(items)
	}
}

func (o ObserverFuncs[T]) ItemsTimedOut(items []T) {
	if o.OnTimedOut != nil {
		o.OnTimedOut(items)
	}
}

func (o ObserverFuncs[T]) ProcessException(err error, items []T) {
	if o.OnException != nil {
		o.OnException(err, items)
	}
}
