// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/gep/lib/clock"
)

// Listener accepts publisher connections.
type Listener struct {
	listener net.Listener
	clock    clock.Clock
	logger   *slog.Logger

	connections sync.WaitGroup
	closeOnce   sync.Once
}

// Listen opens a TCP listener on address (":7165", "10.0.0.5:7165",
// or ":0" for a random port).
func Listen(ctx context.Context, address string, options Options, clk clock.Clock, logger *slog.Logger) (*Listener, error) {
	config := net.ListenConfig{
		KeepAlive: options.KeepAlive,
		Control:   socketControl(options.UserTimeout),
	}
	listener, err := config.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &Listener{listener: listener, clock: clk, logger: logger}, nil
}

// Address returns the bound address in host:port form.
func (l *Listener) Address() string {
	return l.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is
// called, running handler on its own goroutine for each. Handlers
// receive ctx; Serve waits for all of them before returning nil.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.connections.Wait()

	var backoff time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Accept errors such as EMFILE are transient. Back off
			// the way net/http does rather than spinning.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() || isTemporary(err) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff = min(backoff*2, time.Second)
				}
				l.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-l.clock.After(backoff):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("accepting: %w", err)
		}
		backoff = 0

		l.connections.Add(1)
		go func() {
			defer l.connections.Done()
			defer conn.Close()
			handler(ctx, conn)
		}()
	}
}

// Close stops accepting. Connections already handed to handlers are
// not closed; cancel the Serve context for that.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.listener.Close()
	})
	return err
}

func isTemporary(err error) bool {
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
