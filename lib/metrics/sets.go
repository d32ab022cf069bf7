// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Publisher is the metric set a publisher updates.
type Publisher struct {
	ClientsConnected      prometheus.Gauge
	Commands              *prometheus.CounterVec
	CommandFailures       *prometheus.CounterVec
	MeasurementsPublished prometheus.Counter
	DataPackets           prometheus.Counter
	BytesSent             prometheus.Counter
	BatchesShed           prometheus.Counter
	Discarded             *prometheus.CounterVec
	FramesPublished       prometheus.Counter
}

// NewPublisher registers the publisher metric set. Calling it twice
// on one registry returns collectors shared with the first call.
func NewPublisher(registerer prometheus.Registerer) (*Publisher, error) {
	m := &Publisher{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "clients_connected",
			Help: "Subscriber connections currently open.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "commands_total",
			Help: "Commands received, by command.",
		}, []string{"command"}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "command_failures_total",
			Help: "Commands answered with Failed, by command.",
		}, []string{"command"}),
		MeasurementsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "measurements_published_total",
			Help: "Measurements written to subscribers in data packets.",
		}),
		DataPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "data_packets_total",
			Help: "Data packets written.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "bytes_sent_total",
			Help: "Response frame bytes written, headers included.",
		}),
		BatchesShed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "batches_shed_total",
			Help: "Outbound batches dropped because a client queue was full.",
		}),
		Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "measurements_discarded_total",
			Help: "Measurements discarded by subscriptions, by reason.",
		}, []string{"reason"}),
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publisher", Name: "frames_published_total",
			Help: "Synchronized frames published by concentrators.",
		}),
	}

	var err error
	if m.ClientsConnected, err = register(registerer, m.ClientsConnected); err != nil {
		return nil, err
	}
	if m.Commands, err = register(registerer, m.Commands); err != nil {
		return nil, err
	}
	if m.CommandFailures, err = register(registerer, m.CommandFailures); err != nil {
		return nil, err
	}
	if m.MeasurementsPublished, err = register(registerer, m.MeasurementsPublished); err != nil {
		return nil, err
	}
	if m.DataPackets, err = register(registerer, m.DataPackets); err != nil {
		return nil, err
	}
	if m.BytesSent, err = register(registerer, m.BytesSent); err != nil {
		return nil, err
	}
	if m.BatchesShed, err = register(registerer, m.BatchesShed); err != nil {
		return nil, err
	}
	if m.Discarded, err = register(registerer, m.Discarded); err != nil {
		return nil, err
	}
	if m.FramesPublished, err = register(registerer, m.FramesPublished); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscriber is the metric set a subscriber updates.
type Subscriber struct {
	Connected            prometheus.Gauge
	Reconnects           prometheus.Counter
	MeasurementsReceived prometheus.Counter
	DataPackets          prometheus.Counter
	BytesReceived        prometheus.Counter
	DecodeErrors         prometheus.Counter
	SequenceGaps         prometheus.Counter
}

// NewSubscriber registers the subscriber metric set.
func NewSubscriber(registerer prometheus.Registerer) (*Subscriber, error) {
	m := &Subscriber{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "connected",
			Help: "1 while connected to the publisher.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "reconnects_total",
			Help: "Connection attempts after the first.",
		}),
		MeasurementsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "measurements_received_total",
			Help: "Measurements decoded from data packets.",
		}),
		DataPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "data_packets_total",
			Help: "Data packets received.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "bytes_received_total",
			Help: "Response frame bytes read, headers included.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "decode_errors_total",
			Help: "Data packets that failed to decode.",
		}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "subscriber", Name: "tssc_sequence_gaps_total",
			Help: "TSSC packets whose sequence number skipped ahead.",
		}),
	}

	var err error
	if m.Connected, err = register(registerer, m.Connected); err != nil {
		return nil, err
	}
	if m.Reconnects, err = register(registerer, m.Reconnects); err != nil {
		return nil, err
	}
	if m.MeasurementsReceived, err = register(registerer, m.MeasurementsReceived); err != nil {
		return nil, err
	}
	if m.DataPackets, err = register(registerer, m.DataPackets); err != nil {
		return nil, err
	}
	if m.BytesReceived, err = register(registerer, m.BytesReceived); err != nil {
		return nil, err
	}
	if m.DecodeErrors, err = register(registerer, m.DecodeErrors); err != nil {
		return nil, err
	}
	if m.SequenceGaps, err = register(registerer, m.SequenceGaps); err != nil {
		return nil, err
	}
	return m, nil
}
