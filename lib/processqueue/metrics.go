// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package processqueue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// queueMetrics mirrors Statistics into prometheus. Queues that share
// a registerer and prefix share the collectors, so per-client queues
// aggregate into one series: counters add, and each queue moves the
// depth gauge by its own change.
type queueMetrics struct {
	depth      prometheus.Gauge
	inFlight   prometheus.Gauge
	processed  prometheus.Counter
	timeouts   prometheus.Counter
	exceptions prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

func newQueueMetrics(registerer prometheus.Registerer, prefix string) (*queueMetrics, error) {
	m := &queueMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the queue.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_items_in_flight",
			Help: "Items currently held by a callback.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Items processed successfully.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_timeouts_total",
			Help: "Callbacks that exceeded the process timeout.",
		}),
		exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_exceptions_total",
			Help: "Callbacks that returned an error or panicked.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items rejected because the queue was full.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_process_duration_seconds",
			Help:    "Callback duration by outcome.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"outcome"}),
	}

	var err error
	if m.depth, err = register(registerer, m.depth); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(registerer, m.inFlight); err != nil {
		return nil, err
	}
	if m.processed, err = register(registerer, m.processed); err != nil {
		return nil, err
	}
	if m.timeouts, err = register(registerer, m.timeouts); err != nil {
		return nil, err
	}
	if m.exceptions, err = register(registerer, m.exceptions); err != nil {
		return nil, err
	}
	if m.dropped, err = register(registerer, m.dropped); err != nil {
		return nil, err
	}
	if m.duration, err = register(registerer, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers collector, returning the already registered one
// when an identical collector exists.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return collector, err
}
