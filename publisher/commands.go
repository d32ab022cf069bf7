// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/filter"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/lib/signalindex"
	"github.com/bureau-foundation/gep/protocol"
)

// commandHandler answers one command. The returned payload is sent in
// a Succeeded response; an error is sent as Failed.
type commandHandler func(c *clientConnection, ctx context.Context, payload []byte) ([]byte, error)

type commandRoute struct {
	handle commandHandler
	// silent commands are not answered when they succeed.
	silent bool
	// open commands are accepted before authentication.
	open bool
}

var commandRoutes = map[protocol.CommandCode]commandRoute{
	protocol.Authenticate:             {handle: (*clientConnection).handleAuthenticate, open: true},
	protocol.MetaDataRefresh:          {handle: (*clientConnection).handleMetaDataRefresh},
	protocol.Subscribe:                {handle: (*clientConnection).handleSubscribe},
	protocol.Unsubscribe:              {handle: (*clientConnection).handleUnsubscribe},
	protocol.RotateCipherKeys:         {handle: (*clientConnection).handleRotateCipherKeys},
	protocol.UpdateProcessingInterval: {handle: (*clientConnection).handleUpdateProcessingInterval},
	protocol.DefineOperationalModes:   {handle: (*clientConnection).handleDefineOperationalModes, open: true},
	protocol.ConfirmNotification:      {handle: (*clientConnection).handleConfirmNotification, silent: true},
	protocol.ConfirmBufferBlock:       {handle: (*clientConnection).handleConfirmBufferBlock, silent: true},
}

var errAuthenticationRequired = errors.New("authentication required")

func (c *clientConnection) handleCommand(ctx context.Context, command protocol.Command) {
	c.server.metrics.Commands.WithLabelValues(command.Code.String()).Inc()

	if command.Code.IsUserCommand() {
		c.handleUserCommand(ctx, command)
		return
	}

	route, known := commandRoutes[command.Code]
	var payload []byte
	var err error
	switch {
	case !known:
		err = fmt.Errorf("unrecognized server command 0x%02X", byte(command.Code))
	case !route.open && !c.authenticated():
		err = errAuthenticationRequired
	default:
		payload, err = route.handle(c, ctx, command.Payload)
	}

	if err != nil {
		c.server.metrics.CommandFailures.WithLabelValues(command.Code.String()).Inc()
		c.logger.Debug("command failed", "command", command.Code.String(), "error", err)
		c.send(protocol.FailedResponse(command.Code, err.Error()))
		return
	}
	if route.silent {
		return
	}
	c.send(protocol.Response{Code: protocol.Succeeded, InResponseTo: command.Code, Payload: payload})
}

func (c *clientConnection) handleUserCommand(ctx context.Context, command protocol.Command) {
	fail := func(message string) {
		c.server.metrics.CommandFailures.WithLabelValues(command.Code.String()).Inc()
		c.send(protocol.FailedResponse(command.Code, message))
	}
	if !c.authenticated() {
		fail(errAuthenticationRequired.Error())
		return
	}
	if c.server.config.UserCommand == nil {
		fail("user commands are not supported by this publisher")
		return
	}
	payload, err := c.server.config.UserCommand(ctx, c.info(), command.Code, command.Payload)
	if err != nil {
		fail(err.Error())
		return
	}
	code := protocol.UserResponse00 + protocol.ResponseCode(command.Code-protocol.UserCommand00)
	c.send(protocol.Response{Code: code, InResponseTo: command.Code, Payload: payload})
}

func (c *clientConnection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateAuthenticated
}

func (c *clientConnection) handleAuthenticate(ctx context.Context, payload []byte) ([]byte, error) {
	if c.server.config.Keys == nil {
		return nil, errors.New("authentication is not configured on this publisher")
	}
	request, err := protocol.DecodeAuthenticate(payload)
	if err != nil {
		return nil, err
	}
	key, ok := c.server.config.Keys.PreSharedKey(request.Acronym)
	if !ok {
		c.logger.Warn("authentication rejected", "acronym", request.Acronym, "reason", "unknown subscriber")
		return nil, cipher.ErrAuthentication
	}
	if err := cipher.VerifyAuthentication(key, request.Acronym, request.Challenge, request.MAC); err != nil {
		c.logger.Warn("authentication rejected", "acronym", request.Acronym, "reason", "bad MAC")
		return nil, cipher.ErrAuthentication
	}
	if !c.server.challenges.record(request.Challenge) {
		c.logger.Warn("authentication rejected", "acronym", request.Acronym, "reason", "replayed challenge")
		return nil, fmt.Errorf("%w: challenge already used", cipher.ErrAuthentication)
	}

	c.mu.Lock()
	c.acronym = strings.ToUpper(request.Acronym)
	c.preSharedKey = key
	if c.state < StateAuthenticated {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	c.logger.Info("client authenticated", "acronym", c.acronym)
	return []byte("authenticated as " + c.acronym), nil
}

func (c *clientConnection) handleMetaDataRefresh(ctx context.Context, payload []byte) ([]byte, error) {
	document, err := c.server.config.Metadata.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if len(payload) > 0 {
		expression, err := filter.Parse(string(payload))
		if err != nil {
			return nil, fmt.Errorf("metadata filter: %w", err)
		}
		selected := make(map[uuid.UUID]struct{})
		for _, record := range expression.Select(document).Records {
			selected[record.SignalID] = struct{}{}
		}
		document = document.Select(func(record metadata.Record) bool {
			_, ok := selected[record.SignalID]
			return ok
		})
	}

	c.mu.Lock()
	modes := c.modes
	c.mu.Unlock()
	encoded, err := protocol.EncodeMetadata(document, modes.EnvelopeTag(protocol.CompressMetadata))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("sending metadata", "records", document.Len(), "bytes", len(encoded))
	return encoded, nil
}

func (c *clientConnection) handleSubscribe(ctx context.Context, payload []byte) ([]byte, error) {
	request, err := protocol.DecodeSubscribe(payload)
	if err != nil {
		return nil, err
	}
	settings, err := ParseSettings(request.ConnectionString)
	if err != nil {
		return nil, err
	}
	synchronized := request.Flags.Has(protocol.Synchronized)
	if synchronized && !c.server.config.AllowSynchronized {
		return nil, errors.New("synchronized subscriptions are not allowed by this publisher")
	}
	if strings.TrimSpace(settings.InputMeasurementKeys) == "" {
		return nil, errors.New("inputMeasurementKeys is required")
	}
	expression, err := filter.Parse(settings.InputMeasurementKeys)
	if err != nil {
		return nil, fmt.Errorf("inputMeasurementKeys: %w", err)
	}
	document, err := c.server.config.Metadata.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	result := expression.Select(document)
	cache, err := signalindex.New(result.Keys())
	if err != nil {
		return nil, err
	}

	sub, err := c.installSubscription(settings, request.Flags, cache)
	if err != nil {
		return nil, err
	}
	c.outbound.SetProcessInterval(settings.processInterval())
	sub.start()
	if !sub.synchronized {
		if values := c.server.latest.lookup(cache.SignalIDs()); len(values) > 0 {
			sub.offer(values)
		}
	}

	c.logger.Info("client subscribed",
		"signals", cache.Len(),
		"unresolved", len(result.Unresolved),
		"synchronized", sub.synchronized,
		"throttled", settings.Throttled,
		"generation", sub.generation,
		"assembly_info", settings.AssemblyInfo,
	)
	message := fmt.Sprintf("subscribed to %d signals", cache.Len())
	if len(result.Unresolved) > 0 {
		message += fmt.Sprintf("; %d unresolved: %s", len(result.Unresolved), strings.Join(result.Unresolved, ", "))
	}
	return []byte(message), nil
}

// installSubscription replaces the active subscription and announces
// the new signal index cache, plus cipher keys when payload
// encryption applies. Everything happens under writeMu so no data
// packet of the previous generation follows the announcement.
func (c *clientConnection) installSubscription(settings Settings, flags protocol.DataPacketFlags, cache *signalindex.Cache) (*subscription, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	previous := c.subscription
	c.generation++
	generation := c.generation
	slot := int((generation - 1) % 2)
	sub := newSubscription(c.server.clock, generation, settings, flags, cache, slot, c.enqueue, c.discard)
	c.subscription = sub
	clear(c.bufferBlocks)
	c.state = StateSubscribed
	modes := c.modes
	preSharedKey := c.preSharedKey
	c.mu.Unlock()

	if previous != nil {
		previous.stop()
	}
	if dropped := c.outbound.Clear(); dropped > 0 {
		c.logger.Debug("dropped batches of previous subscription", "batches", dropped)
	}

	cachePayload, err := protocol.EncodeSignalIndexCacheUpdate(slot, cache, modes.EnvelopeTag(protocol.CompressSignalIndexCache))
	if err != nil {
		return nil, err
	}
	if err := c.writeLocked(protocol.Response{Code: protocol.UpdateSignalIndexCache, InResponseTo: protocol.Subscribe, Payload: cachePayload}); err != nil {
		return nil, err
	}

	if c.server.config.EncryptPayload && preSharedKey != nil {
		if c.sealKeys == nil {
			keys, err := cipher.NewKeySet()
			if err != nil {
				return nil, err
			}
			c.sealKeys = keys
		}
		if err := c.writeCipherKeysLocked(preSharedKey); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// writeCipherKeysLocked sends the current key pair sealed under the
// client's pre-shared key. The caller holds writeMu.
func (c *clientConnection) writeCipherKeysLocked(preSharedKey *secret.Buffer) error {
	payload, err := protocol.EncodeCipherKeys(c.sealKeys, preSharedKey)
	if err != nil {
		return err
	}
	return c.writeLocked(protocol.Response{Code: protocol.UpdateCipherKeys, InResponseTo: protocol.RotateCipherKeys, Payload: payload})
}

func (c *clientConnection) handleUnsubscribe(ctx context.Context, payload []byte) ([]byte, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	previous := c.subscription
	c.subscription = nil
	clear(c.bufferBlocks)
	if c.state > StateAuthenticated {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	if previous == nil {
		return []byte("no active subscription"), nil
	}
	previous.stop()
	c.outbound.Clear()
	c.logger.Info("client unsubscribed", "generation", previous.generation)
	return []byte("unsubscribed"), nil
}

func (c *clientConnection) handleRotateCipherKeys(ctx context.Context, payload []byte) ([]byte, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	preSharedKey := c.preSharedKey
	c.mu.Unlock()
	if c.sealKeys == nil || preSharedKey == nil {
		return nil, errors.New("payload encryption is not active for this session")
	}
	if err := c.sealKeys.Rotate(); err != nil {
		return nil, err
	}
	if err := c.writeCipherKeysLocked(preSharedKey); err != nil {
		return nil, err
	}
	c.logger.Info("cipher keys rotated", "active", c.sealKeys.Active())
	return []byte("cipher keys rotated"), nil
}

func (c *clientConnection) handleUpdateProcessingInterval(ctx context.Context, payload []byte) ([]byte, error) {
	milliseconds, err := protocol.DecodeProcessingInterval(payload)
	if err != nil {
		return nil, err
	}
	sub := c.currentSubscription()
	if sub == nil {
		return nil, errors.New("no active subscription")
	}
	settings := Settings{ProcessingInterval: int(milliseconds)}
	c.outbound.SetProcessInterval(settings.processInterval())
	return []byte(fmt.Sprintf("processing interval set to %d ms", milliseconds)), nil
}

func (c *clientConnection) handleDefineOperationalModes(ctx context.Context, payload []byte) ([]byte, error) {
	value, err := protocol.DecodeUint32(payload)
	if err != nil {
		return nil, err
	}
	modes := protocol.OperationalModes(value)
	if modes.Encoding() != 0 {
		return nil, fmt.Errorf("string encoding %d is not supported; only UTF-8 is", modes.Encoding())
	}
	if modes.Version() != 0 {
		c.logger.Warn("subscriber requested unsupported protocol version, continuing with version 0", "version", modes.Version())
	}
	if !c.server.config.AllowPayloadCompression && modes.Has(protocol.CompressPayloadData) {
		modes &^= protocol.CompressPayloadData
		c.logger.Info("payload compression disabled by publisher configuration")
	}

	c.mu.Lock()
	c.modes = modes
	c.mu.Unlock()
	c.logger.Debug("operational modes defined", "modes", modes.String())
	return []byte("operational modes accepted: " + modes.String()), nil
}

func (c *clientConnection) handleConfirmNotification(ctx context.Context, payload []byte) ([]byte, error) {
	hash, err := protocol.DecodeUint32(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, pending := c.notifications[hash]; !pending {
		return nil, fmt.Errorf("no pending notification %08x", hash)
	}
	delete(c.notifications, hash)
	return nil, nil
}

func (c *clientConnection) handleConfirmBufferBlock(ctx context.Context, payload []byte) ([]byte, error) {
	sequence, err := protocol.DecodeUint32(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, pending := c.bufferBlocks[sequence]; !pending {
		return nil, fmt.Errorf("no pending buffer block %d", sequence)
	}
	delete(c.bufferBlocks, sequence)
	if len(c.bufferBlocks) == 0 && c.retransmit != nil {
		c.retransmit.Stop()
		c.retransmit = nil
	}
	return nil, nil
}
