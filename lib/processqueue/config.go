// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package processqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Threading selects how many workers drain the queue.
type Threading int

const (
	// Synchronous runs a single worker. Items are processed strictly
	// in queue order.
	Synchronous Threading = iota
	// Asynchronous runs Config.Workers workers concurrently.
	Asynchronous
)

// Style selects whether callbacks receive one item or a batch.
type Style int

const (
	// OneAtATime hands each item to Config.ProcessItem.
	OneAtATime Style = iota
	// ManyAtOnce hands a contiguous run of up to Config.MaxBatchSize
	// items to Config.ProcessItems.
	ManyAtOnce
)

// RequeueMode selects where requeued items go.
type RequeueMode int

const (
	// Prefix puts requeued items back at the head, ahead of newer items.
	Prefix RequeueMode = iota
	// Suffix appends requeued items at the tail.
	Suffix
)

func (m RequeueMode) String() string {
	switch m {
	case Prefix:
		return "prefix"
	case Suffix:
		return "suffix"
	default:
		return fmt.Sprintf("RequeueMode(%d)", int(m))
	}
}

// Defaults applied by New when the corresponding field is zero.
const (
	DefaultWorkers         = 5
	DefaultStopGracePeriod = 5 * time.Second
	canProcessRetryDelay   = 100 * time.Millisecond
)

var (
	// ErrQueueFull is returned by Push and PushRange when MaxDepth
	// would be exceeded. Nothing is enqueued.
	ErrQueueFull = errors.New("processqueue: queue full")

	// ErrStopped is returned by Push, PushRange and Start after Close.
	ErrStopped = errors.New("processqueue: queue closed")
)

// Config describes a queue. Exactly one of ProcessItem and
// ProcessItems must be set, matching Style.
type Config[T any] struct {
	Threading Threading
	// Workers is the worker count for Asynchronous threading.
	Workers int

	Style Style
	// MaxBatchSize caps ManyAtOnce batches. Zero takes every
	// queued item.
	MaxBatchSize int

	ProcessItem  func(ctx context.Context, item T) error
	ProcessItems func(ctx context.Context, items []T) error

	// CanProcess, when set, is consulted before an item is handed
	// out. Items it rejects move to the tail and are retried later.
	CanProcess func(item T) bool

	// ProcessTimeout bounds a single callback. Zero is unbounded.
	// On expiry the callback's context is cancelled and the worker
	// moves on without waiting for it.
	ProcessTimeout time.Duration
	// RequeueOnTimeout returns timed-out items to the queue once the
	// abandoned callback has returned, never while it still holds them.
	RequeueOnTimeout   bool
	RequeueOnException bool
	RequeueMode        RequeueMode

	// ProcessInterval, when positive, drains the queue once per
	// interval instead of as soon as items arrive.
	ProcessInterval time.Duration

	// MaxDepth bounds the number of queued items. Zero is unbounded.
	MaxDepth int

	// StopGracePeriod bounds how long Stop waits for in-flight
	// callbacks.
	StopGracePeriod time.Duration
}

func (c *Config[T]) validate() error {
	switch c.Style {
	case OneAtATime:
		if c.ProcessItem == nil || c.ProcessItems != nil {
			return fmt.Errorf("processqueue: OneAtATime requires ProcessItem only")
		}
	case ManyAtOnce:
		if c.ProcessItems == nil || c.ProcessItem != nil {
			return fmt.Errorf("processqueue: ManyAtOnce requires ProcessItems only")
		}
		if c.MaxBatchSize < 0 {
			return fmt.Errorf("processqueue: negative MaxBatchSize %d", c.MaxBatchSize)
		}
	default:
		return fmt.Errorf("processqueue: unknown style %d", c.Style)
	}
	switch c.Threading {
	case Synchronous:
	case Asynchronous:
		if c.Workers < 0 {
			return fmt.Errorf("processqueue: negative worker count %d", c.Workers)
		}
	default:
		return fmt.Errorf("processqueue: unknown threading %d", c.Threading)
	}
	if c.ProcessTimeout < 0 || c.ProcessInterval < 0 || c.MaxDepth < 0 || c.StopGracePeriod < 0 {
		return fmt.Errorf("processqueue: negative duration or depth")
	}
	if c.RequeueMode != Prefix && c.RequeueMode != Suffix {
		return fmt.Errorf("processqueue: unknown requeue mode %d", c.RequeueMode)
	}
	return nil
}

func (c *Config[T]) workerCount() int {
	if c.Threading == Synchronous {
		return 1
	}
	if c.Workers == 0 {
		return DefaultWorkers
	}
	return c.Workers
}
