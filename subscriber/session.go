// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/processqueue"
	"github.com/bureau-foundation/gep/lib/signalindex"
	"github.com/bureau-foundation/gep/protocol"
)

// session is one connection to the publisher. Everything except the
// write path and pending subscription state is owned by the read
// goroutine.
type session struct {
	subscriber *Subscriber
	conn       net.Conn
	logger     *slog.Logger

	writeMu sync.Mutex

	mu sync.Mutex
	// pendingIncludeTime takes effect with the next signal index
	// cache, which marks the start of the requested subscription.
	pendingIncludeTime bool
	subscription       *SubscriptionInfo

	caches      [2]*signalindex.Cache
	latestSlot  int
	includeTime bool
	decoder     *protocol.PacketDecoder
	keys        *cipher.KeySet
	nextBlock   uint32
}

func newSession(subscriber *Subscriber, conn net.Conn) *session {
	return &session{
		subscriber:  subscriber,
		conn:        conn,
		logger:      subscriber.logger.With("publisher", conn.RemoteAddr().String()),
		decoder:     protocol.NewPacketDecoder(),
		includeTime: true,
	}
}

func (s *session) send(code protocol.CommandCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.subscriber.config.WriteTimeout))
	if err := protocol.WriteCommand(s.conn, protocol.Command{Code: code, Payload: payload}); err != nil {
		s.conn.Close()
		return fmt.Errorf("sending %s: %w", code, err)
	}
	return nil
}

func (s *session) subscribe(info SubscriptionInfo) error {
	s.mu.Lock()
	s.subscription = &info
	s.pendingIncludeTime = info.IncludeTime
	s.mu.Unlock()
	return s.send(protocol.Subscribe, info.request().Encode())
}

// run performs the connection handshake and reads responses until the
// connection fails.
func (s *session) run(subscription *SubscriptionInfo) error {
	config := s.subscriber.config
	if err := s.send(protocol.DefineOperationalModes, protocol.EncodeUint32(uint32(config.operationalModes()))); err != nil {
		return err
	}
	if config.PreSharedKey != nil {
		challenge, err := cipher.NewChallenge()
		if err != nil {
			return err
		}
		mac, err := cipher.AuthenticationMAC(config.PreSharedKey, config.Acronym, challenge)
		if err != nil {
			return err
		}
		request := protocol.AuthenticateRequest{Acronym: config.Acronym, Challenge: challenge, MAC: mac}
		if err := s.send(protocol.Authenticate, request.Encode()); err != nil {
			return err
		}
	}
	if config.AutoRequestMetadata {
		if err := s.send(protocol.MetaDataRefresh, []byte(config.MetadataFilter)); err != nil {
			return err
		}
	}
	if subscription != nil {
		if err := s.subscribe(*subscription); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(s.conn)
	for {
		response, err := protocol.ReadResponse(reader)
		if err != nil {
			return err
		}
		s.subscriber.metrics.BytesReceived.Add(float64(response.FrameLength()))
		if err := s.handle(response); err != nil {
			return err
		}
	}
}

// close discards the connection's generation state.
func (s *session) close() {
	s.conn.Close()
	if s.keys != nil {
		s.keys.Close()
		s.keys = nil
	}
	s.caches = [2]*signalindex.Cache{}
	s.decoder.Reset()
}

// handle dispatches one response. A returned error ends the
// connection; recoverable failures go to Observer.ProcessException.
func (s *session) handle(response protocol.Response) error {
	observer := s.subscriber.observer
	switch response.Code {
	case protocol.Succeeded:
		s.handleSucceeded(response)
	case protocol.Failed:
		observer.ProcessException(response.Err())
	case protocol.DataPacket:
		s.handleDataPacket(response.Payload)
	case protocol.UpdateSignalIndexCache:
		return s.handleSignalIndexCache(response.Payload)
	case protocol.UpdateCipherKeys:
		return s.handleCipherKeys(response.Payload)
	case protocol.DataStartTime:
		start, err := protocol.DecodeTicks(response.Payload)
		if err != nil {
			observer.ProcessException(err)
			return nil
		}
		observer.DataStartTime(start)
	case protocol.BufferBlock:
		return s.handleBufferBlock(response.Payload)
	case protocol.Notify:
		hash, message, err := protocol.DecodeNotify(response.Payload)
		if err != nil {
			observer.ProcessException(err)
			return nil
		}
		observer.NotificationReceived(message)
		return s.send(protocol.ConfirmNotification, protocol.EncodeUint32(hash))
	case protocol.MetaDataRequest:
		if s.subscriber.config.AutoRequestMetadata {
			return s.send(protocol.MetaDataRefresh, []byte(s.subscriber.config.MetadataFilter))
		}
		observer.StatusMessage("publisher configuration changed; metadata refresh recommended")
	case protocol.ProcessingComplete:
		observer.StatusMessage("publisher reported processing complete: " + string(response.Payload))
	case protocol.UpdateBaseTimes:
		s.logger.Debug("ignoring base time update", "bytes", len(response.Payload))
	case protocol.NoOP:
	default:
		if response.Code.IsUserResponse() {
			if receiver, ok := observer.(UserResponseReceiver); ok {
				receiver.UserResponseReceived(response.InResponseTo, response.Payload)
			} else {
				observer.StatusMessage(fmt.Sprintf("%s: %s", response.Code, response.Payload))
			}
			return nil
		}
		observer.ProcessException(fmt.Errorf("unexpected response %s to %s", response.Code, response.InResponseTo))
	}
	return nil
}

func (s *session) handleSucceeded(response protocol.Response) {
	observer := s.subscriber.observer
	switch response.InResponseTo {
	case protocol.MetaDataRefresh:
		document, err := protocol.DecodeMetadata(response.Payload)
		if err != nil {
			observer.ProcessException(fmt.Errorf("decoding metadata: %w", err))
			return
		}
		s.logger.Debug("metadata received", "records", document.Len())
		observer.MetadataReceived(document)
	default:
		message := strings.TrimSpace(string(response.Payload))
		if message == "" {
			message = response.InResponseTo.String() + " succeeded"
		}
		observer.StatusMessage(message)
	}
}

func (s *session) handleSignalIndexCache(payload []byte) error {
	slot, cache, err := protocol.DecodeSignalIndexCacheUpdate(payload)
	if err != nil {
		return fmt.Errorf("signal index cache: %w", err)
	}
	s.caches[slot] = cache
	s.latestSlot = slot
	s.decoder.Reset()
	s.mu.Lock()
	s.includeTime = s.pendingIncludeTime
	s.mu.Unlock()
	s.logger.Debug("signal index cache received", "slot", slot, "signals", cache.Len())
	return nil
}

func (s *session) handleCipherKeys(payload []byte) error {
	psk := s.subscriber.config.PreSharedKey
	if psk == nil {
		return errors.New("publisher sent cipher keys but no pre-shared key is configured")
	}
	keys, err := protocol.DecodeCipherKeys(payload, psk)
	if err != nil {
		return fmt.Errorf("cipher keys: %w", err)
	}
	if s.keys != nil {
		s.keys.Close()
	}
	s.keys = keys
	s.logger.Debug("cipher keys received", "active", keys.Active())
	return nil
}

func (s *session) handleDataPacket(payload []byte) {
	observer := s.subscriber.observer
	metrics := s.subscriber.metrics
	metrics.DataPackets.Inc()
	fail := func(err error) {
		metrics.DecodeErrors.Inc()
		observer.ProcessException(err)
	}

	if s.keys != nil {
		opened, err := protocol.OpenDataPacket(payload, s.keys)
		if err != nil {
			fail(fmt.Errorf("opening data packet: %w", err))
			return
		}
		payload = opened
	}
	if len(payload) == 0 {
		fail(errors.New("empty data packet"))
		return
	}
	slot := protocol.DataPacketFlags(payload[0]).CacheSlot()
	cache := s.caches[slot]
	if cache == nil {
		fail(fmt.Errorf("data packet references signal index cache %d before it was received", slot))
		return
	}

	packet, err := s.decoder.Decode(payload, s.includeTime)
	if err != nil {
		if protocol.IsCorrupt(err) {
			fail(fmt.Errorf("compressed data corrupt, resubscribing: %w", err))
			s.resubscribe()
			return
		}
		fail(fmt.Errorf("decoding data packet: %w", err))
		return
	}
	if packet.SequenceGap > 0 {
		metrics.SequenceGaps.Add(float64(packet.SequenceGap))
		s.logger.Warn("compressed packet sequence skipped ahead", "missing", packet.SequenceGap)
	}

	measurements := make([]measurement.Measurement, 0, len(packet.Records))
	unknown := 0
	for _, record := range packet.Records {
		key, ok := cache.Lookup(record.Index)
		if !ok {
			unknown++
			continue
		}
		measurements = append(measurements, measurement.Measurement{
			SignalID:   key.SignalID,
			Value:      float64(record.Value),
			Timestamp:  record.Timestamp,
			StateFlags: record.Flags,
		})
	}
	if unknown > 0 {
		observer.ProcessException(fmt.Errorf("%d records reference indices outside signal index cache %d", unknown, slot))
	}
	if len(measurements) == 0 {
		return
	}
	metrics.MeasurementsReceived.Add(float64(len(measurements)))
	if err := s.subscriber.delivery.Push(measurements); err != nil {
		if errors.Is(err, processqueue.ErrQueueFull) {
			observer.ProcessException(fmt.Errorf("delivery queue full, dropped %d measurements", len(measurements)))
			return
		}
		observer.ProcessException(err)
	}
}

// resubscribe discards the caches and decoder state and requests the
// current subscription again on the same connection.
func (s *session) resubscribe() {
	s.caches = [2]*signalindex.Cache{}
	s.decoder.Reset()
	s.mu.Lock()
	subscription := s.subscription
	s.mu.Unlock()
	if subscription == nil {
		return
	}
	if err := s.subscribe(*subscription); err != nil {
		s.logger.Warn("resubscribe failed", "error", err)
	}
}

func (s *session) handleBufferBlock(payload []byte) error {
	block, err := protocol.DecodeBufferBlock(payload)
	if err != nil {
		s.subscriber.observer.ProcessException(err)
		return nil
	}
	// Retransmissions of blocks already delivered are confirmed again
	// but not delivered twice.
	if block.Sequence >= s.nextBlock {
		s.nextBlock = block.Sequence + 1
		cache := s.caches[s.latestSlot]
		var key measurement.Key
		var ok bool
		if cache != nil {
			key, ok = cache.Lookup(block.Index)
		}
		if ok {
			s.subscriber.observer.BufferBlockReceived(key, block.Data)
		} else {
			s.subscriber.observer.ProcessException(fmt.Errorf("buffer block %d references unknown signal index %d", block.Sequence, block.Index))
		}
	}
	return s.send(protocol.ConfirmBufferBlock, protocol.EncodeUint32(block.Sequence))
}
