// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/netutil"
	"github.com/bureau-foundation/gep/lib/processqueue"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/protocol"
)

// State is the lifecycle state of a client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ClientInfo is a snapshot of one client connection.
type ClientInfo struct {
	ID               uuid.UUID
	RemoteAddress    string
	Acronym          string
	State            State
	ConnectedAt      time.Time
	OperationalModes protocol.OperationalModes

	SignalCount  int
	Synchronized bool
	Encrypted    bool

	PendingNotifications int
	PendingBufferBlocks  int
	BatchesShed          uint64
	Outbound             processqueue.Statistics
}

// clientConnection is the publisher side of one subscriber session.
//
// Lock order is writeMu before mu. writeMu serializes frames on the
// socket and guards sealKeys; holding it while swapping the
// subscription keeps data packets of an old generation from being
// written after the new generation's cache update.
type clientConnection struct {
	id          uuid.UUID
	server      *serverContext
	conn        net.Conn
	logger      *slog.Logger
	connectedAt time.Time

	outbound     *processqueue.Queue[outboundBatch]
	shedWarnings *rate.Limiter
	shed         atomic.Uint64
	failOnce     sync.Once

	writeMu  sync.Mutex
	sealKeys *cipher.KeySet

	// Delivery state, touched only by the outbound worker.
	encoder           *protocol.PacketEncoder
	encoderGeneration uint64

	mu             sync.Mutex
	state          State
	acronym        string
	preSharedKey   *secret.Buffer
	modes          protocol.OperationalModes
	subscription   *subscription
	generation     uint64
	notifications  map[uint32]string
	bufferBlocks   map[uint32]protocol.BufferBlockPayload
	bufferSequence uint32
	retransmit     *clock.Timer
	closed         bool
}

func newClientConnection(server *serverContext, conn net.Conn) (*clientConnection, error) {
	id := uuid.New()
	c := &clientConnection{
		id:     id,
		server: server,
		conn:   conn,
		logger: server.logger.With(
			"client_id", id.String(),
			"remote_address", conn.RemoteAddr().String(),
		),
		connectedAt:   server.clock.Now(),
		shedWarnings:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		encoder:       protocol.NewPacketEncoder(),
		state:         StateConnected,
		notifications: make(map[uint32]string),
		bufferBlocks:  make(map[uint32]protocol.BufferBlockPayload),
	}
	if !server.config.RequireAuthentication {
		c.state = StateAuthenticated
	}

	outbound, err := processqueue.New(processqueue.Config[outboundBatch]{
		Threading:       processqueue.Synchronous,
		Style:           processqueue.OneAtATime,
		ProcessItem:     c.deliver,
		MaxDepth:        server.config.OutboundQueueDepth,
		StopGracePeriod: disconnectGracePeriod,
	},
		processqueue.WithClock[outboundBatch](server.clock),
		processqueue.WithLogger[outboundBatch](c.logger),
		processqueue.WithObserver[outboundBatch](processqueue.ObserverFuncs[outboundBatch]{
			OnException: func(err error, _ []outboundBatch) { c.fail(err) },
		}),
	)
	if err != nil {
		return nil, err
	}
	c.outbound = outbound
	return c, nil
}

// run serves the connection until the peer disconnects, a write
// fails, or ctx is cancelled.
func (c *clientConnection) run(ctx context.Context) {
	c.server.addClient(c)
	defer c.disconnect()

	if err := c.outbound.Start(); err != nil {
		c.logger.Error("starting outbound queue", "error", err)
		return
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	c.logger.Info("client connected")
	reader := bufio.NewReader(c.conn)
	for {
		command, err := protocol.ReadCommand(reader)
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				c.logger.Info("client disconnected")
			} else {
				c.logger.Warn("client connection failed", "error", err)
			}
			return
		}
		c.handleCommand(ctx, command)
	}
}

// disconnect releases everything the session owns.
func (c *clientConnection) disconnect() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	previous := c.subscription
	c.subscription = nil
	retransmit := c.retransmit
	c.retransmit = nil
	c.mu.Unlock()

	c.conn.Close()
	if previous != nil {
		previous.stop()
	}
	if retransmit != nil {
		retransmit.Stop()
	}
	c.outbound.Close()

	c.writeMu.Lock()
	if c.sealKeys != nil {
		c.sealKeys.Close()
		c.sealKeys = nil
	}
	c.writeMu.Unlock()

	c.server.removeClient(c)
}

// fail closes the connection after a write or delivery error. The
// read loop then observes the closed socket and disconnects.
func (c *clientConnection) fail(err error) {
	c.failOnce.Do(func() {
		c.logger.Warn("closing client connection", "error", err)
		c.conn.Close()
	})
}

// writeLocked writes one frame. The caller holds writeMu.
func (c *clientConnection) writeLocked(response protocol.Response) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	written, err := protocol.WriteResponse(c.conn, response)
	c.server.metrics.BytesSent.Add(float64(written))
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *clientConnection) send(response protocol.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(response)
}

func (c *clientConnection) currentSubscription() *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription
}

// route offers a published batch to the active subscription.
func (c *clientConnection) route(batch []measurement.Measurement) {
	if sub := c.currentSubscription(); sub != nil {
		sub.offer(batch)
	}
}

// enqueue hands a batch to the delivery loop, shedding it when the
// outbound queue is full.
func (c *clientConnection) enqueue(batch outboundBatch) {
	err := c.outbound.Push(batch)
	if err == nil {
		return
	}
	if errors.Is(err, processqueue.ErrQueueFull) {
		total := c.shed.Add(1)
		c.server.metrics.BatchesShed.Inc()
		if c.shedWarnings.AllowN(c.server.clock.Now(), 1) {
			c.logger.Warn("outbound queue full, shedding batches",
				"batches_shed", total,
				"queue_depth", c.outbound.Len(),
			)
		}
	}
}

func (c *clientConnection) discard(reason string, count int) {
	c.server.metrics.Discarded.WithLabelValues(reason).Add(float64(count))
}

// deliver is the outbound queue callback: it encodes a batch into data
// packets and writes them.
func (c *clientConnection) deliver(ctx context.Context, batch outboundBatch) error {
	c.mu.Lock()
	sub := c.subscription
	modes := c.modes
	c.mu.Unlock()
	if sub == nil || sub.generation != batch.generation {
		return nil
	}
	if c.encoderGeneration != sub.generation {
		c.encoder.Reset()
		c.encoderGeneration = sub.generation
	}

	records := make([]protocol.Record, 0, len(batch.measurements))
	for _, m := range batch.measurements {
		index, ok := sub.cache.Index(m.SignalID)
		if !ok {
			continue
		}
		records = append(records, protocol.Record{
			Index:     index,
			Timestamp: m.Timestamp,
			Flags:     m.StateFlags,
			Value:     float32(m.Value),
		})
	}
	if len(records) == 0 {
		return nil
	}

	format, tag := modes.PacketFormat()
	packets, err := c.encoder.Encode(records, protocol.PacketOptions{
		Format:         format,
		StreamTag:      tag,
		Compact:        sub.compact,
		IncludeTime:    sub.settings.IncludeTime,
		Synchronized:   batch.synchronized,
		FrameTimestamp: batch.frame,
		CacheSlot:      sub.slot,
	})
	if err != nil {
		return fmt.Errorf("encoding data packet: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.currentSubscription() != sub {
		return nil
	}
	if sub.started.CompareAndSwap(false, true) {
		start := records[0].Timestamp
		if batch.synchronized {
			start = batch.frame
		}
		if err := c.writeLocked(protocol.Response{Code: protocol.DataStartTime, InResponseTo: protocol.Subscribe, Payload: protocol.EncodeTicks(start)}); err != nil {
			return err
		}
	}
	for _, packet := range packets {
		if c.sealKeys != nil {
			if packet, err = protocol.SealDataPacket(packet, c.sealKeys); err != nil {
				return fmt.Errorf("sealing data packet: %w", err)
			}
		}
		if err := c.writeLocked(protocol.Response{Code: protocol.DataPacket, InResponseTo: protocol.Subscribe, Payload: packet}); err != nil {
			return err
		}
	}
	c.server.metrics.DataPackets.Add(float64(len(packets)))
	c.server.metrics.MeasurementsPublished.Add(float64(len(records)))
	if batch.synchronized {
		c.server.metrics.FramesPublished.Inc()
	}

	c.mu.Lock()
	if c.state == StateSubscribed {
		c.state = StateStreaming
	}
	c.mu.Unlock()
	return nil
}

// notify sends a Notify response and records it as pending.
func (c *clientConnection) notify(message string) bool {
	hash := protocol.NotificationHash(message)
	c.mu.Lock()
	if c.closed || c.state < StateAuthenticated {
		c.mu.Unlock()
		return false
	}
	c.notifications[hash] = message
	c.mu.Unlock()
	return c.send(protocol.Response{Code: protocol.Notify, InResponseTo: protocol.ConfirmNotification, Payload: protocol.EncodeNotify(message)}) == nil
}

// sendBufferBlock sends data addressed to signalID when the active
// subscription includes it, and schedules retransmission.
func (c *clientConnection) sendBufferBlock(signalID uuid.UUID, data []byte) bool {
	c.mu.Lock()
	if c.closed || c.subscription == nil {
		c.mu.Unlock()
		return false
	}
	index, ok := c.subscription.cache.Index(signalID)
	if !ok {
		c.mu.Unlock()
		return false
	}
	block := protocol.BufferBlockPayload{Sequence: c.bufferSequence, Index: index, Data: slices.Clone(data)}
	c.bufferSequence++
	c.bufferBlocks[block.Sequence] = block
	if c.retransmit == nil {
		c.retransmit = c.server.clock.AfterFunc(c.server.config.BufferBlockRetransmit, c.retransmitBufferBlocks)
	}
	c.mu.Unlock()
	return c.send(protocol.Response{Code: protocol.BufferBlock, InResponseTo: protocol.ConfirmBufferBlock, Payload: block.Encode()}) == nil
}

func (c *clientConnection) retransmitBufferBlocks() {
	c.mu.Lock()
	c.retransmit = nil
	if c.closed || len(c.bufferBlocks) == 0 {
		c.mu.Unlock()
		return
	}
	var blocks []protocol.BufferBlockPayload
	for _, sequence := range slices.Sorted(maps.Keys(c.bufferBlocks)) {
		blocks = append(blocks, c.bufferBlocks[sequence])
	}
	c.retransmit = c.server.clock.AfterFunc(c.server.config.BufferBlockRetransmit, c.retransmitBufferBlocks)
	c.mu.Unlock()

	c.logger.Debug("retransmitting unconfirmed buffer blocks", "count", len(blocks))
	for _, block := range blocks {
		if err := c.send(protocol.Response{Code: protocol.BufferBlock, InResponseTo: protocol.ConfirmBufferBlock, Payload: block.Encode()}); err != nil {
			return
		}
	}
}

func (c *clientConnection) info() ClientInfo {
	c.mu.Lock()
	info := ClientInfo{
		ID:                   c.id,
		RemoteAddress:        c.conn.RemoteAddr().String(),
		Acronym:              c.acronym,
		State:                c.state,
		ConnectedAt:          c.connectedAt,
		OperationalModes:     c.modes,
		PendingNotifications: len(c.notifications),
		PendingBufferBlocks:  len(c.bufferBlocks),
	}
	if c.subscription != nil {
		info.SignalCount = c.subscription.cache.Len()
		info.Synchronized = c.subscription.synchronized
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	info.Encrypted = c.sealKeys != nil
	c.writeMu.Unlock()

	info.BatchesShed = c.shed.Load()
	info.Outbound = c.outbound.Statistics()
	return info
}
