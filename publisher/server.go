// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package publisher is the server side of the Gateway Exchange
// Protocol. A Server accepts subscriber connections, negotiates each
// client's subscription, and streams the measurements handed to
// Publish to every client whose subscription selects them.
//
// Each connection runs a read goroutine that answers commands and a
// delivery loop (a Synchronous process queue) that encodes data
// packets. Publish never blocks on a client: a client whose outbound
// queue is full loses the batch and the shed is counted.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/metrics"
	"github.com/bureau-foundation/gep/lib/processqueue"
	"github.com/bureau-foundation/gep/protocol"
	"github.com/bureau-foundation/gep/transport"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultOutboundQueueDepth    = 1024
	DefaultWriteTimeout          = 5 * time.Second
	DefaultBufferBlockRetransmit = 2 * time.Second
	disconnectGracePeriod        = 2 * time.Second
)

// UserCommandFunc handles UserCommand00 through UserCommand15. The
// returned payload is sent in the matching UserResponse; an error is
// sent as Failed.
type UserCommandFunc func(ctx context.Context, client ClientInfo, command protocol.CommandCode, payload []byte) ([]byte, error)

// Config configures a Server.
type Config struct {
	// Metadata answers MetaDataRefresh and resolves subscription
	// filters. Required.
	Metadata metadata.Provider

	// RequireAuthentication rejects commands other than
	// DefineOperationalModes and Authenticate until the client has
	// authenticated against Keys.
	RequireAuthentication bool
	Keys                  KeyStore

	// EncryptPayload seals data packets of authenticated clients
	// with per-client cipher keys.
	EncryptPayload bool

	AllowSynchronized       bool
	AllowPayloadCompression bool

	OutboundQueueDepth    int
	WriteTimeout          time.Duration
	BufferBlockRetransmit time.Duration

	// IngestWorkers above one routes published batches concurrently;
	// measurement order within a client is then no longer guaranteed.
	IngestWorkers int

	UserCommand UserCommandFunc
}

// Option configures optional Server collaborators.
type Option func(*serverContext)

// WithClock sets the clock for concentrators, throttles and
// retransmission timers.
func WithClock(clk clock.Clock) Option {
	return func(s *serverContext) { s.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *serverContext) { s.logger = logger }
}

// WithRegisterer registers the publisher metrics on registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(s *serverContext) { s.registerer = registerer }
}

// serverContext is the state shared by every client connection.
type serverContext struct {
	config     Config
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics.Publisher

	latest     *latestValues
	challenges *challengeLog
	received   atomic.Uint64

	mu      sync.RWMutex
	clients map[uuid.UUID]*clientConnection
}

func (s *serverContext) addClient(client *clientConnection) {
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.metrics.ClientsConnected.Inc()
}

func (s *serverContext) removeClient(client *clientConnection) {
	s.mu.Lock()
	_, present := s.clients[client.id]
	delete(s.clients, client.id)
	s.mu.Unlock()
	if present {
		s.metrics.ClientsConnected.Dec()
	}
}

func (s *serverContext) snapshot() []*clientConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*clientConnection, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

// Server is a GEP publisher.
type Server struct {
	server *serverContext
	ingest *processqueue.Queue[[]measurement.Measurement]
}

// Statistics is a snapshot of a Server.
type Statistics struct {
	ClientsConnected     int
	MeasurementsReceived uint64
	Ingest               processqueue.Statistics
}

// New validates config and returns a Server ready to Serve.
func New(config Config, options ...Option) (*Server, error) {
	if config.Metadata == nil {
		return nil, fmt.Errorf("publisher: metadata provider is required")
	}
	if config.RequireAuthentication && config.Keys == nil {
		return nil, fmt.Errorf("publisher: authentication required but no key store configured")
	}
	if config.OutboundQueueDepth == 0 {
		config.OutboundQueueDepth = DefaultOutboundQueueDepth
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.BufferBlockRetransmit == 0 {
		config.BufferBlockRetransmit = DefaultBufferBlockRetransmit
	}

	server := &serverContext{
		config:     config,
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
		registerer: prometheus.NewRegistry(),
		latest:     newLatestValues(),
		clients:    make(map[uuid.UUID]*clientConnection),
	}
	for _, option := range options {
		option(server)
	}
	server.challenges = newChallengeLog(server.clock)

	publisherMetrics, err := metrics.NewPublisher(server.registerer)
	if err != nil {
		return nil, fmt.Errorf("publisher: registering metrics: %w", err)
	}
	server.metrics = publisherMetrics

	ingestConfig := processqueue.Config[[]measurement.Measurement]{
		Threading:   processqueue.Synchronous,
		Style:       processqueue.OneAtATime,
		ProcessItem: server.route,
	}
	if config.IngestWorkers > 1 {
		ingestConfig.Threading = processqueue.Asynchronous
		ingestConfig.Workers = config.IngestWorkers
	}
	ingest, err := processqueue.New(ingestConfig,
		processqueue.WithClock[[]measurement.Measurement](server.clock),
		processqueue.WithLogger[[]measurement.Measurement](server.logger.With("queue", "ingest")),
		processqueue.WithMetrics[[]measurement.Measurement](server.registerer, metrics.Namespace+"_publisher_ingest"),
	)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	return &Server{server: server, ingest: ingest}, nil
}

// Serve runs the accept loop on listener until ctx is cancelled, then
// disconnects every client and stops the ingest queue.
func (s *Server) Serve(ctx context.Context, listener *transport.Listener) error {
	if err := s.ingest.Start(); err != nil {
		return err
	}
	defer s.ingest.Close()

	s.server.logger.Info("publisher listening",
		"address", listener.Address(),
		"require_authentication", s.server.config.RequireAuthentication,
		"encrypt_payload", s.server.config.EncryptPayload,
	)
	return listener.Serve(ctx, s.handleConnection)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	client, err := newClientConnection(s.server, conn)
	if err != nil {
		s.server.logger.Error("rejecting connection", "remote_address", conn.RemoteAddr().String(), "error", err)
		return
	}
	client.run(ctx)
}

// Publish hands measurements to every matching subscription. The
// slice is copied; Publish returns once the batch is queued.
func (s *Server) Publish(measurements []measurement.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	return s.ingest.Push(slices.Clone(measurements))
}

// route is the ingest queue callback.
func (s *serverContext) route(ctx context.Context, batch []measurement.Measurement) error {
	s.received.Add(uint64(len(batch)))
	s.latest.update(batch)
	for _, client := range s.snapshot() {
		client.route(batch)
	}
	return nil
}

// Notify sends message to every connected client. Each client keeps
// it pending until it confirms the notification. Returns the number
// of clients notified.
func (s *Server) Notify(message string) int {
	notified := 0
	for _, client := range s.server.snapshot() {
		if client.notify(message) {
			notified++
		}
	}
	return notified
}

// PublishBufferBlock sends data to every client subscribed to
// signalID. Blocks are retransmitted until confirmed. Returns the
// number of clients the block was sent to.
func (s *Server) PublishBufferBlock(signalID uuid.UUID, data []byte) int {
	sent := 0
	for _, client := range s.server.snapshot() {
		if client.sendBufferBlock(signalID, data) {
			sent++
		}
	}
	return sent
}

// ConfigurationChanged asks every client to refresh its metadata.
func (s *Server) ConfigurationChanged() {
	for _, client := range s.server.snapshot() {
		client.send(protocol.Response{Code: protocol.MetaDataRequest, InResponseTo: protocol.MetaDataRefresh})
	}
}

// Clients returns a snapshot of the connected clients ordered by
// connection time.
func (s *Server) Clients() []ClientInfo {
	clients := s.server.snapshot()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info())
	}
	slices.SortFunc(infos, func(a, b ClientInfo) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return infos
}

// Statistics returns a snapshot of the server counters.
func (s *Server) Statistics() Statistics {
	s.server.mu.RLock()
	connected := len(s.server.clients)
	s.server.mu.RUnlock()
	return Statistics{
		ClientsConnected:     connected,
		MeasurementsReceived: s.server.received.Load(),
		Ingest:               s.ingest.Statistics(),
	}
}

// latestValues holds the newest measurement of every signal for
// replay to new subscriptions.
type latestValues struct {
	mu     sync.RWMutex
	values map[uuid.UUID]measurement.Measurement
}

func newLatestValues() *latestValues {
	return &latestValues{values: make(map[uuid.UUID]measurement.Measurement)}
}

func (l *latestValues) update(batch []measurement.Measurement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range batch {
		if current, ok := l.values[m.SignalID]; ok && current.Timestamp > m.Timestamp {
			continue
		}
		l.values[m.SignalID] = m
	}
}

// lookup returns the latest values of ids that have one, in ids order.
func (l *latestValues) lookup(ids []uuid.UUID) []measurement.Measurement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var found []measurement.Measurement
	for _, id := range ids {
		if m, ok := l.values[id]; ok {
			found = append(found, m)
		}
	}
	return found
}

// challengeLog rejects Authenticate challenges seen within the replay
// window.
type challengeLog struct {
	clock  clock.Clock
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newChallengeLog(clk clock.Clock) *challengeLog {
	return &challengeLog{clock: clk, window: 10 * time.Minute, seen: make(map[string]time.Time)}
}

// record reports whether challenge is fresh and remembers it.
func (c *challengeLog) record(challenge []byte) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, key)
		}
	}
	key := string(challenge)
	if _, replayed := c.seen[key]; replayed {
		return false
	}
	c.seen[key] = now
	return true
}
