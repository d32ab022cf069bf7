// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries GEP sessions over TCP. A Listener runs
// the publisher's accept loop and hands each connection to a handler
// goroutine; a Dialer opens the subscriber's connection. Both tune
// the socket for long-lived streams: keepalives, and on Linux a
// TCP_USER_TIMEOUT so a peer that stops acknowledging is detected
// within the configured bound instead of the kernel's retransmission
// limit.
package transport

import (
	"context"
	"net"
	"time"
)

// Options tunes the sockets a Listener accepts or a Dialer opens.
type Options struct {
	// KeepAlive is the TCP keepalive period. Zero uses the Go default
	// of 15 seconds; negative disables keepalives.
	KeepAlive time.Duration

	// UserTimeout bounds how long written data may remain
	// unacknowledged before the kernel aborts the connection. Zero
	// leaves the kernel default. Linux only.
	UserTimeout time.Duration
}

// Handler serves one accepted connection. The connection is closed
// when the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Dialer opens subscriber connections.
type Dialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration

	Options Options
}

// DialContext opens a TCP connection to address (host:port).
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.Options.KeepAlive,
		Control:   socketControl(d.Options.UserTimeout),
	}
	return dialer.DialContext(ctx, "tcp", address)
}
