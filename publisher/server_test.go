// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/lib/testutil"
	"github.com/bureau-foundation/gep/protocol"
	"github.com/bureau-foundation/gep/transport"
)

const frequencyFilter = "inputMeasurementKeys={FILTER ActiveMeasurements WHERE SignalType='FREQ'}"

func testDocument(t *testing.T) *metadata.Document {
	t.Helper()
	document, err := metadata.NewDocument(epochTicks, []metadata.Record{
		{SignalID: signalIDs[0], Source: "PPA", ID: 1, PointTag: "SHELBY:FREQ", SignalType: "FREQ", Enabled: true},
		{SignalID: signalIDs[1], Source: "PPA", ID: 2, PointTag: "CORDOVA:FREQ", SignalType: "FREQ", Enabled: true},
		{SignalID: signalIDs[2], Source: "PPA", ID: 3, PointTag: "SHELBY:VPHM", SignalType: "VPHM", Enabled: true},
	})
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	return document
}

// startServer runs a publisher on a loopback port until the test ends.
func startServer(t *testing.T, config Config, options ...Option) (*Server, string) {
	t.Helper()
	if config.Metadata == nil {
		config.Metadata = metadata.NewStatic(testDocument(t))
	}
	logger := slog.New(slog.DiscardHandler)
	options = append([]Option{WithLogger(logger)}, options...)
	server, err := New(config, options...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := transport.Listen(ctx, "127.0.0.1:0", transport.Options{}, clock.Real(), logger)
	if err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, testTimeout, "waiting for Serve to return"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return server, listener.Address()
}

// rawClient speaks the wire protocol directly.
type rawClient struct {
	t         *testing.T
	conn      net.Conn
	responses chan protocol.Response
}

func dialRaw(t *testing.T, address string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := &rawClient{t: t, conn: conn, responses: make(chan protocol.Response, 256)}
	go func() {
		defer close(client.responses)
		reader := bufio.NewReader(conn)
		for {
			response, err := protocol.ReadResponse(reader)
			if err != nil {
				return
			}
			client.responses <- response
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return client
}

func (c *rawClient) send(code protocol.CommandCode, payload []byte) {
	c.t.Helper()
	if err := protocol.WriteCommand(c.conn, protocol.Command{Code: code, Payload: payload}); err != nil {
		c.t.Fatalf("WriteCommand(%s): %v", code, err)
	}
}

func (c *rawClient) expect(code protocol.ResponseCode) protocol.Response {
	c.t.Helper()
	response := testutil.RequireReceive(c.t, c.responses, testTimeout, "waiting for %s", code)
	if response.Code != code {
		c.t.Fatalf("got %s (in response to %s, payload %q), want %s", response.Code, response.InResponseTo, response.Payload, code)
	}
	return response
}

func (c *rawClient) defineModes(modes protocol.OperationalModes) {
	c.t.Helper()
	c.send(protocol.DefineOperationalModes, protocol.EncodeUint32(uint32(modes)))
	c.expect(protocol.Succeeded)
}

// subscribe sends Subscribe and returns the announced cache slot and
// cache. Any UpdateCipherKeys before the Succeeded is returned too.
func (c *rawClient) subscribe(flags protocol.DataPacketFlags, connectionString string) (int, signalIndex, []byte) {
	c.t.Helper()
	c.send(protocol.Subscribe, protocol.SubscribeRequest{Flags: flags, ConnectionString: connectionString}.Encode())
	update := c.expect(protocol.UpdateSignalIndexCache)
	slot, cache, err := protocol.DecodeSignalIndexCacheUpdate(update.Payload)
	if err != nil {
		c.t.Fatalf("DecodeSignalIndexCacheUpdate: %v", err)
	}
	var keys []byte
	response := testutil.RequireReceive(c.t, c.responses, testTimeout, "waiting for subscribe reply")
	if response.Code == protocol.UpdateCipherKeys {
		keys = response.Payload
		response = testutil.RequireReceive(c.t, c.responses, testTimeout, "waiting for subscribe reply")
	}
	if response.Code != protocol.Succeeded {
		c.t.Fatalf("Subscribe reply %s: %q", response.Code, response.Payload)
	}
	return slot, signalIndex{cache.SignalIDs()}, keys
}

type signalIndex struct{ ids []uuid.UUID }

func (s signalIndex) id(index uint16) uuid.UUID { return s.ids[index] }

func publishAll(t *testing.T, server *Server, at measurement.Ticks, values ...float64) {
	t.Helper()
	batch := make([]measurement.Measurement, len(values))
	for i, v := range values {
		batch[i] = value(i, at, v)
	}
	if err := server.Publish(batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestSubscribeStreamUnsubscribe(t *testing.T) {
	t.Parallel()

	server, address := startServer(t, Config{})
	client := dialRaw(t, address)
	client.defineModes(0)

	slot, index, keys := client.subscribe(0, frequencyFilter)
	if slot != 0 || len(index.ids) != 2 || keys != nil {
		t.Fatalf("subscribe: slot %d, %d signals, keys %v", slot, len(index.ids), keys != nil)
	}

	publishAll(t, server, epochTicks, 59.95, 60.05, 134000)
	start := client.expect(protocol.DataStartTime)
	if ticks, err := protocol.DecodeTicks(start.Payload); err != nil || ticks != epochTicks {
		t.Errorf("DataStartTime = %v, %v", ticks, err)
	}
	packet := client.expect(protocol.DataPacket)
	decoded, err := protocol.NewPacketDecoder().Decode(packet.Payload, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Records) != 2 {
		t.Fatalf("packet has %d records, want the two FREQ signals", len(decoded.Records))
	}
	got := map[uuid.UUID]float32{}
	for _, record := range decoded.Records {
		got[index.id(record.Index)] = record.Value
		if record.Timestamp != epochTicks {
			t.Errorf("record timestamp %v", record.Timestamp)
		}
	}
	if got[signalIDs[0]] != float32(59.95) || got[signalIDs[1]] != float32(60.05) {
		t.Errorf("values = %v", got)
	}

	clients := server.Clients()
	if len(clients) != 1 || clients[0].State != StateStreaming || clients[0].SignalCount != 2 {
		t.Errorf("Clients() = %+v", clients)
	}

	client.send(protocol.Unsubscribe, nil)
	client.expect(protocol.Succeeded)
	publishAll(t, server, epochTicks+1, 59.96, 60.04, 134001)
	testutil.RequireNoReceive(t, client.responses, 100*time.Millisecond, "data after unsubscribe")
}

func TestResubscribeFlipsCacheSlot(t *testing.T) {
	t.Parallel()

	server, address := startServer(t, Config{})
	client := dialRaw(t, address)

	first, _, _ := client.subscribe(0, "inputMeasurementKeys=PPA:1")
	publishAll(t, server, epochTicks, 1, 2, 3)
	client.expect(protocol.DataStartTime)
	client.expect(protocol.DataPacket)

	// The newest value of every selected signal is replayed to a new
	// subscription.
	second, index, _ := client.subscribe(0, "inputMeasurementKeys={PPA:2; SHELBY:VPHM}")
	if first != 0 || second != 1 {
		t.Fatalf("cache slots %d then %d, want 0 then 1", first, second)
	}
	client.expect(protocol.DataStartTime)
	packet := client.expect(protocol.DataPacket)
	decoded, err := protocol.NewPacketDecoder().Decode(packet.Payload, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Flags.CacheSlot() != 1 {
		t.Errorf("packet references cache slot %d, want 1", decoded.Flags.CacheSlot())
	}
	if len(decoded.Records) != 2 || index.id(decoded.Records[0].Index) != signalIDs[1] {
		t.Errorf("replayed records = %+v", decoded.Records)
	}
}

func TestSubscribeReportsUnresolvedReferences(t *testing.T) {
	t.Parallel()

	_, address := startServer(t, Config{})
	client := dialRaw(t, address)
	client.send(protocol.Subscribe, protocol.SubscribeRequest{ConnectionString: "inputMeasurementKeys={PPA:1; PPA:99}"}.Encode())
	client.expect(protocol.UpdateSignalIndexCache)
	reply := client.expect(protocol.Succeeded)
	if !strings.Contains(string(reply.Payload), "PPA:99") {
		t.Errorf("reply %q does not name the unresolved reference", reply.Payload)
	}
}

func TestSubscribeFailures(t *testing.T) {
	t.Parallel()

	_, address := startServer(t, Config{})
	tests := []struct {
		name    string
		request protocol.SubscribeRequest
		want    string
	}{
		{"synchronized not allowed", protocol.SubscribeRequest{Flags: protocol.Synchronized, ConnectionString: frequencyFilter}, "synchronized"},
		{"no keys", protocol.SubscribeRequest{ConnectionString: "framesPerSecond=30"}, "inputMeasurementKeys"},
		{"bad settings", protocol.SubscribeRequest{ConnectionString: frequencyFilter + "; lagTime=late"}, "lagTime"},
		{"bad filter", protocol.SubscribeRequest{ConnectionString: "inputMeasurementKeys={FILTER Devices WHERE 1}"}, "filter"},
		{"frame rate too high", protocol.SubscribeRequest{Flags: protocol.Synchronized, ConnectionString: frequencyFilter + "; framesPerSecond=2000000000"}, "framesPerSecond"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := dialRaw(t, address)
			client.send(protocol.Subscribe, test.request.Encode())
			failed := client.expect(protocol.Failed)
			if failed.InResponseTo != protocol.Subscribe {
				t.Errorf("Failed in response to %s", failed.InResponseTo)
			}
			if !strings.Contains(strings.ToLower(string(failed.Payload)), strings.ToLower(test.want)) {
				t.Errorf("diagnostic %q does not mention %q", failed.Payload, test.want)
			}
			client.send(protocol.MetaDataRefresh, nil)
			client.expect(protocol.Succeeded)
		})
	}
}

func TestCompressedSession(t *testing.T) {
	t.Parallel()

	server, address := startServer(t, Config{AllowPayloadCompression: true})
	client := dialRaw(t, address)
	client.defineModes(protocol.CompressPayloadData | protocol.CompressionTSSC |
		protocol.CompressSignalIndexCache | protocol.CompressMetadata)

	client.send(protocol.MetaDataRefresh, nil)
	reply := client.expect(protocol.Succeeded)
	document, err := protocol.DecodeMetadata(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if document.Len() != 3 {
		t.Errorf("metadata has %d records, want 3", document.Len())
	}

	client.send(protocol.MetaDataRefresh, []byte("FILTER ActiveMeasurements WHERE PointTag LIKE 'SHELBY:%'"))
	reply = client.expect(protocol.Succeeded)
	if document, err = protocol.DecodeMetadata(reply.Payload); err != nil || document.Len() != 2 {
		t.Fatalf("filtered metadata: %v records, %v", document, err)
	}

	_, index, _ := client.subscribe(0, frequencyFilter)
	decoder := protocol.NewPacketDecoder()
	for round := range 3 {
		publishAll(t, server, epochTicks+measurement.Ticks(round), 59.9+float64(round)/100, 60.1)
		if round == 0 {
			client.expect(protocol.DataStartTime)
		}
		packet := client.expect(protocol.DataPacket)
		if !protocol.DataPacketFlags(packet.Payload[0]).Has(protocol.Compressed) {
			t.Fatalf("round %d: packet not compressed", round)
		}
		decoded, err := decoder.Decode(packet.Payload, true)
		if err != nil {
			t.Fatalf("round %d: Decode: %v", round, err)
		}
		if decoded.SequenceGap != 0 {
			t.Errorf("round %d: sequence gap %d", round, decoded.SequenceGap)
		}
		if len(decoded.Records) != 2 || index.id(decoded.Records[0].Index) != signalIDs[0] {
			t.Errorf("round %d: records %+v", round, decoded.Records)
		}
	}
}

func TestCompressionDeniedFallsBackToRaw(t *testing.T) {
	t.Parallel()

	server, address := startServer(t, Config{AllowPayloadCompression: false})
	client := dialRaw(t, address)
	client.defineModes(protocol.CompressPayloadData | protocol.CompressionTSSC)
	client.subscribe(0, frequencyFilter)

	publishAll(t, server, epochTicks, 1, 2)
	client.expect(protocol.DataStartTime)
	packet := client.expect(protocol.DataPacket)
	if protocol.DataPacketFlags(packet.Payload[0]).Has(protocol.Compressed) {
		t.Error("compressed packet sent although the publisher disallows compression")
	}
	if modes := server.Clients()[0].OperationalModes; modes.Has(protocol.CompressPayloadData) {
		t.Errorf("negotiated modes still request compression: %s", modes)
	}
}

func TestDefineOperationalModesRejectsEncoding(t *testing.T) {
	t.Parallel()

	_, address := startServer(t, Config{})
	client := dialRaw(t, address)
	client.send(protocol.DefineOperationalModes, protocol.EncodeUint32(0x100))
	client.expect(protocol.Failed)
	client.send(protocol.DefineOperationalModes, []byte{1, 2})
	client.expect(protocol.Failed)
}

// authenticatedServer returns a server requiring authentication for
// the SHELBY acronym and a copy of its pre-shared key.
func authenticatedServer(t *testing.T, config Config) (*Server, string, *secret.Buffer) {
	t.Helper()
	keys, err := NewStaticKeys(map[string][]byte{"SHELBY": []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("NewStaticKeys: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	config.RequireAuthentication = true
	config.Keys = keys
	server, address := startServer(t, config)

	psk, err := secret.NewFromBytes([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { psk.Close() })
	return server, address, psk
}

func authenticateRequest(t *testing.T, psk *secret.Buffer, acronym string) protocol.AuthenticateRequest {
	t.Helper()
	challenge, err := cipher.NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	mac, err := cipher.AuthenticationMAC(psk, acronym, challenge)
	if err != nil {
		t.Fatalf("AuthenticationMAC: %v", err)
	}
	return protocol.AuthenticateRequest{Acronym: acronym, Challenge: challenge, MAC: mac}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	_, address, psk := authenticatedServer(t, Config{})
	client := dialRaw(t, address)

	client.defineModes(0)
	client.send(protocol.Subscribe, protocol.SubscribeRequest{ConnectionString: frequencyFilter}.Encode())
	if failed := client.expect(protocol.Failed); !strings.Contains(string(failed.Payload), "authentication required") {
		t.Errorf("unauthenticated Subscribe: %q", failed.Payload)
	}
	client.send(protocol.UserCommand00, nil)
	client.expect(protocol.Failed)

	wrong := authenticateRequest(t, psk, "SHELBY")
	wrong.MAC[0] ^= 0xFF
	client.send(protocol.Authenticate, wrong.Encode())
	client.expect(protocol.Failed)

	unknown := authenticateRequest(t, psk, "CORDOVA")
	client.send(protocol.Authenticate, unknown.Encode())
	client.expect(protocol.Failed)

	request := authenticateRequest(t, psk, "shelby")
	client.send(protocol.Authenticate, request.Encode())
	client.expect(protocol.Succeeded)
	client.subscribe(0, frequencyFilter)

	// A captured challenge cannot be replayed on another connection.
	replay := dialRaw(t, address)
	replay.send(protocol.Authenticate, request.Encode())
	if failed := replay.expect(protocol.Failed); !strings.Contains(string(failed.Payload), "challenge") {
		t.Errorf("replayed challenge: %q", failed.Payload)
	}
}

func TestEncryptedPayloadAndRotation(t *testing.T) {
	t.Parallel()

	server, address, psk := authenticatedServer(t, Config{EncryptPayload: true})
	client := dialRaw(t, address)
	client.send(protocol.Authenticate, authenticateRequest(t, psk, "SHELBY").Encode())
	client.expect(protocol.Succeeded)

	_, _, keyPayload := client.subscribe(0, frequencyFilter)
	if keyPayload == nil {
		t.Fatal("no UpdateCipherKeys before the subscribe reply")
	}
	keys, err := protocol.DecodeCipherKeys(keyPayload, psk)
	if err != nil {
		t.Fatalf("DecodeCipherKeys: %v", err)
	}
	defer keys.Close()

	openPacket := func(keys *cipher.KeySet) protocol.DecodedPacket {
		t.Helper()
		packet := client.expect(protocol.DataPacket)
		opened, err := protocol.OpenDataPacket(packet.Payload, keys)
		if err != nil {
			t.Fatalf("OpenDataPacket: %v", err)
		}
		decoded, err := protocol.NewPacketDecoder().Decode(opened, true)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return decoded
	}

	publishAll(t, server, epochTicks, 59.9, 60.1)
	client.expect(protocol.DataStartTime)
	if decoded := openPacket(keys); len(decoded.Records) != 2 {
		t.Fatalf("decoded %d records", len(decoded.Records))
	}
	if !server.Clients()[0].Encrypted {
		t.Error("client not reported as encrypted")
	}

	client.send(protocol.RotateCipherKeys, nil)
	rotated := client.expect(protocol.UpdateCipherKeys)
	client.expect(protocol.Succeeded)
	next, err := protocol.DecodeCipherKeys(rotated.Payload, psk)
	if err != nil {
		t.Fatalf("DecodeCipherKeys after rotation: %v", err)
	}
	defer next.Close()
	if next.Active() == keys.Active() {
		t.Errorf("active key index unchanged at %d", next.Active())
	}

	publishAll(t, server, epochTicks+1, 59.8, 60.2)
	decoded := openPacket(next)
	if decoded.Flags.KeyIndex() != next.Active() {
		t.Errorf("packet sealed with key %d, active is %d", decoded.Flags.KeyIndex(), next.Active())
	}
}

func TestRotateWithoutEncryptionFails(t *testing.T) {
	t.Parallel()

	_, address := startServer(t, Config{})
	client := dialRaw(t, address)
	client.send(protocol.RotateCipherKeys, nil)
	client.expect(protocol.Failed)
}

func TestNotificationsAndBufferBlocks(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	server, address := startServer(t, Config{BufferBlockRetransmit: time.Second}, WithClock(fake))
	client := dialRaw(t, address)
	client.subscribe(0, frequencyFilter)

	if notified := server.Notify("configuration reloaded"); notified != 1 {
		t.Fatalf("Notify reached %d clients", notified)
	}
	notify := client.expect(protocol.Notify)
	hash, message, err := protocol.DecodeNotify(notify.Payload)
	if err != nil || message != "configuration reloaded" {
		t.Fatalf("DecodeNotify = %q, %v", message, err)
	}
	waitFor(t, func() bool { return server.Clients()[0].PendingNotifications == 1 }, "notification pending")
	client.send(protocol.ConfirmNotification, protocol.EncodeUint32(hash))
	waitFor(t, func() bool { return server.Clients()[0].PendingNotifications == 0 }, "notification confirmed")

	if sent := server.PublishBufferBlock(signalIDs[2], []byte("ignored")); sent != 0 {
		t.Errorf("buffer block for an unsubscribed signal reached %d clients", sent)
	}
	if sent := server.PublishBufferBlock(signalIDs[1], []byte("waveform")); sent != 1 {
		t.Fatalf("PublishBufferBlock reached %d clients", sent)
	}
	first, err := protocol.DecodeBufferBlock(client.expect(protocol.BufferBlock).Payload)
	if err != nil || string(first.Data) != "waveform" {
		t.Fatalf("BufferBlock = %+v, %v", first, err)
	}

	// Unconfirmed blocks are retransmitted.
	fake.Advance(time.Second)
	again, err := protocol.DecodeBufferBlock(client.expect(protocol.BufferBlock).Payload)
	if err != nil || again.Sequence != first.Sequence {
		t.Fatalf("retransmission = %+v, %v", again, err)
	}

	client.send(protocol.ConfirmBufferBlock, protocol.EncodeUint32(first.Sequence))
	waitFor(t, func() bool { return server.Clients()[0].PendingBufferBlocks == 0 }, "buffer block confirmed")
	fake.Advance(2 * time.Second)
	testutil.RequireNoReceive(t, client.responses, 50*time.Millisecond, "retransmission after confirmation")

	client.send(protocol.ConfirmBufferBlock, protocol.EncodeUint32(first.Sequence))
	client.expect(protocol.Failed)
}

func TestUserCommandsAndUnknownCodes(t *testing.T) {
	t.Parallel()

	_, address := startServer(t, Config{
		UserCommand: func(ctx context.Context, client ClientInfo, command protocol.CommandCode, payload []byte) ([]byte, error) {
			if len(payload) == 0 {
				return nil, errors.New("empty request")
			}
			return []byte(strings.ToUpper(string(payload))), nil
		},
	})
	client := dialRaw(t, address)

	command, _ := protocol.UserCommand(3)
	client.send(command, []byte("status"))
	reply := client.expect(protocol.UserResponse00 + 3)
	if string(reply.Payload) != "STATUS" || reply.InResponseTo != command {
		t.Errorf("user response = %q in response to %s", reply.Payload, reply.InResponseTo)
	}
	client.send(command, nil)
	client.expect(protocol.Failed)

	client.send(protocol.CommandCode(0x42), nil)
	if failed := client.expect(protocol.Failed); !strings.Contains(string(failed.Payload), "unrecognized") {
		t.Errorf("unknown command diagnostic %q", failed.Payload)
	}
}

func TestConfigurationChangedRequestsRefresh(t *testing.T) {
	t.Parallel()

	server, address := startServer(t, Config{})
	client := dialRaw(t, address)
	client.defineModes(0)
	waitFor(t, func() bool { return len(server.Clients()) == 1 }, "client registered")
	server.ConfigurationChanged()
	client.expect(protocol.MetaDataRequest)
}

func TestDisconnectRemovesClient(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	server, address := startServer(t, Config{}, WithRegisterer(registry))
	client := dialRaw(t, address)
	client.subscribe(0, frequencyFilter)
	if server.Statistics().ClientsConnected != 1 {
		t.Fatalf("ClientsConnected = %d", server.Statistics().ClientsConnected)
	}
	client.conn.Close()
	waitFor(t, func() bool { return server.Statistics().ClientsConnected == 0 }, "client removed")
	if got := promtestutil.ToFloat64(server.server.metrics.ClientsConnected); got != 0 {
		t.Errorf("clients gauge = %v", got)
	}
}

func TestOutboundQueueSheds(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	server, err := New(Config{Metadata: metadata.NewStatic(testDocument(t)), OutboundQueueDepth: 2}, WithRegisterer(registry))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	client, err := newClientConnection(server.server, local)
	if err != nil {
		t.Fatalf("newClientConnection: %v", err)
	}
	defer client.outbound.Close()

	// The outbound queue is not started, so nothing drains it.
	for range 5 {
		client.enqueue(outboundBatch{generation: 1})
	}
	if got := client.shed.Load(); got != 3 {
		t.Errorf("shed = %d, want 3", got)
	}
	if got := promtestutil.ToFloat64(server.server.metrics.BatchesShed); got != 3 {
		t.Errorf("batches shed metric = %v, want 3", got)
	}
}

// waitFor polls condition until it holds or the test times out.
func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond) //nolint:realclock bounded test wait
	}
}
