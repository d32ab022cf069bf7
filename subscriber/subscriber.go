// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscriber is the client side of the Gateway Exchange
// Protocol. A Subscriber keeps one connection to a publisher alive,
// negotiates operational modes, authenticates, subscribes, and hands
// decoded measurements to an Observer.
//
//	sub, err := subscriber.New(subscriber.Config{
//		Address:         "historian-feed:7165",
//		CompressionMode: subscriber.CompressionTSSC,
//		AutoSubscribe:   true,
//		Subscription:    subscriber.DefaultSubscriptionInfo("FILTER ActiveMeasurements WHERE SignalType='FREQ'"),
//	}, archiver)
//	...
//	err = sub.Run(ctx)
//
// Run reconnects with exponential backoff after every failure.
// Signal index caches, cipher keys and TSSC state belong to one
// connection and are discarded with it; the subscription itself is
// remembered and requested again on the next connection.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metrics"
	"github.com/bureau-foundation/gep/lib/netutil"
	"github.com/bureau-foundation/gep/lib/processqueue"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/protocol"
	"github.com/bureau-foundation/gep/transport"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultRetryInterval      = time.Second
	DefaultMaxRetryInterval   = 30 * time.Second
	DefaultDeliveryQueueDepth = 4096
	DefaultWriteTimeout       = 5 * time.Second
)

// ErrNotConnected is returned by commands issued while no connection
// is established.
var ErrNotConnected = errors.New("subscriber: not connected")

// Config configures a Subscriber.
type Config struct {
	// Address is the publisher's host:port.
	Address   string
	Transport transport.Options
	// DialTimeout bounds connection establishment.
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// RetryInterval is the first reconnect delay; each consecutive
	// failure doubles it up to MaxRetryInterval. A connection that
	// was established resets the delay.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// MaxRetries bounds consecutive failed attempts before Run gives
	// up. Negative means unlimited; zero means Run returns after the
	// first failure.
	MaxRetries int

	// Acronym and PreSharedKey authenticate the subscriber. Without a
	// key no Authenticate command is sent. The key is owned by the
	// caller and must outlive the Subscriber.
	Acronym      string
	PreSharedKey *secret.Buffer

	CompressionMode              CompressionMode
	CompressMetadata             bool
	CompressSignalIndexCache     bool
	UseCommonSerializationFormat bool

	// AutoRequestMetadata requests metadata on connect and whenever
	// the publisher announces a configuration change.
	AutoRequestMetadata bool
	MetadataFilter      string

	// AutoSubscribe requests Subscription on every connection.
	AutoSubscribe bool
	Subscription  SubscriptionInfo

	// DeliveryQueueDepth bounds decoded batches awaiting the
	// observer. Batches beyond it are dropped and reported.
	DeliveryQueueDepth int
}

// Option configures optional Subscriber collaborators.
type Option func(*Subscriber)

// WithClock sets the clock used for reconnect backoff.
func WithClock(clk clock.Clock) Option {
	return func(s *Subscriber) { s.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) { s.logger = logger }
}

// WithRegisterer registers the subscriber metrics on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(s *Subscriber) { s.registerer = registerer }
}

// Subscriber is a GEP subscriber.
type Subscriber struct {
	config     Config
	observer   Observer
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics.Subscriber
	dialer     transport.Dialer
	delivery   *processqueue.Queue[[]measurement.Measurement]

	mu           sync.Mutex
	session      *session
	subscription *SubscriptionInfo
	running      bool
}

// New validates config and returns a Subscriber ready to Run.
func New(config Config, observer Observer, options ...Option) (*Subscriber, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("subscriber: address is required")
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if config.PreSharedKey != nil && config.Acronym == "" {
		return nil, fmt.Errorf("subscriber: a pre-shared key requires an acronym")
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.MaxRetryInterval < config.RetryInterval {
		config.MaxRetryInterval = max(DefaultMaxRetryInterval, config.RetryInterval)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.DeliveryQueueDepth == 0 {
		config.DeliveryQueueDepth = DefaultDeliveryQueueDepth
	}

	s := &Subscriber{
		config:     config,
		observer:   observer,
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
		registerer: prometheus.NewRegistry(),
		dialer:     transport.Dialer{Timeout: config.DialTimeout, Options: config.Transport},
	}
	for _, option := range options {
		option(s)
	}
	if config.AutoSubscribe {
		info := config.Subscription
		s.subscription = &info
	}

	subscriberMetrics, err := metrics.NewSubscriber(s.registerer)
	if err != nil {
		return nil, fmt.Errorf("subscriber: registering metrics: %w", err)
	}
	s.metrics = subscriberMetrics

	delivery, err := processqueue.New(processqueue.Config[[]measurement.Measurement]{
		Threading: processqueue.Synchronous,
		Style:     processqueue.OneAtATime,
		MaxDepth:  config.DeliveryQueueDepth,
		ProcessItem: func(_ context.Context, batch []measurement.Measurement) error {
			observer.NewMeasurements(batch)
			return nil
		},
	},
		processqueue.WithClock[[]measurement.Measurement](s.clock),
		processqueue.WithLogger[[]measurement.Measurement](s.logger.With("queue", "delivery")),
		processqueue.WithObserver[[]measurement.Measurement](processqueue.ObserverFuncs[[]measurement.Measurement]{
			OnException: func(err error, _ [][]measurement.Measurement) { observer.ProcessException(err) },
		}),
		processqueue.WithMetrics[[]measurement.Measurement](s.registerer, metrics.Namespace+"_subscriber_delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("subscriber: %w", err)
	}
	s.delivery = delivery
	return s, nil
}

// Run connects and keeps reconnecting until ctx is cancelled, which
// returns nil, or MaxRetries consecutive attempts fail.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("subscriber: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.delivery.Start(); err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	defer s.delivery.Stop()

	delay := s.config.RetryInterval
	failures := 0
	for {
		established, err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = s.config.RetryInterval
			failures = 0
		}
		failures++
		if s.config.MaxRetries >= 0 && failures > s.config.MaxRetries {
			return fmt.Errorf("subscriber: giving up after %d failed attempts: %w", failures, err)
		}

		s.logger.Warn("reconnecting to publisher",
			"address", s.config.Address,
			"delay", delay,
			"attempt", failures,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}
		s.metrics.Reconnects.Inc()
		delay = min(2*delay, s.config.MaxRetryInterval)
	}
}

// connect runs one connection to completion. established reports
// whether the dial succeeded.
func (s *Subscriber) connect(ctx context.Context) (established bool, err error) {
	conn, err := s.dialer.DialContext(ctx, s.config.Address)
	if err != nil {
		return false, err
	}
	session := newSession(s, conn)
	s.mu.Lock()
	s.session = session
	subscription := s.subscription
	s.mu.Unlock()

	s.metrics.Connected.Set(1)
	s.logger.Info("connected to publisher", "address", s.config.Address)
	s.observer.ConnectionEstablished()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = session.run(subscription)
	stop()

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	session.close()
	s.metrics.Connected.Set(0)

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
		s.logger.Info("disconnected from publisher", "address", s.config.Address)
	} else {
		s.logger.Warn("publisher connection failed", "address", s.config.Address, "error", err)
	}
	s.observer.ConnectionTerminated(err)
	return true, err
}

func (s *Subscriber) currentSession() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNotConnected
	}
	return s.session, nil
}

// Connected reports whether a connection is established.
func (s *Subscriber) Connected() bool {
	_, err := s.currentSession()
	return err == nil
}

// Subscribe replaces the subscription. It is remembered and requested
// again after every reconnect; when not connected it returns
// ErrNotConnected and takes effect on the next connection.
func (s *Subscriber) Subscribe(info SubscriptionInfo) error {
	s.mu.Lock()
	s.subscription = &info
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	return session.subscribe(info)
}

// Unsubscribe ends the subscription and forgets it.
func (s *Subscriber) Unsubscribe() error {
	s.mu.Lock()
	s.subscription = nil
	s.mu.Unlock()
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	return session.send(protocol.Unsubscribe, nil)
}

// RequestMetadata asks for the metadata records selected by filter,
// or all records when filter is empty. The document arrives through
// Observer.MetadataReceived.
func (s *Subscriber) RequestMetadata(filter string) error {
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	return session.send(protocol.MetaDataRefresh, []byte(filter))
}

// RotateCipherKeys asks the publisher for a fresh cipher key.
func (s *Subscriber) RotateCipherKeys() error {
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	return session.send(protocol.RotateCipherKeys, nil)
}

// UpdateProcessingInterval changes how often the publisher drains the
// subscription's outbound queue. Negative is real time.
func (s *Subscriber) UpdateProcessingInterval(milliseconds int) error {
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	return session.send(protocol.UpdateProcessingInterval, protocol.EncodeProcessingInterval(int32(milliseconds)))
}

// SendUserCommand sends one of UserCommand00 through UserCommand15.
func (s *Subscriber) SendUserCommand(command protocol.CommandCode, payload []byte) error {
	if !command.IsUserCommand() {
		return fmt.Errorf("subscriber: %s is not a user command", command)
	}
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	return session.send(command, payload)
}
