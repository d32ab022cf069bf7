// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
)

// loggingObserver logs subscriber events and counts measurements for
// the periodic rate report.
type loggingObserver struct {
	logger       *slog.Logger
	measurements atomic.Uint64
	batches      atomic.Uint64
	latest       atomic.Int64
}

func newLoggingObserver(logger *slog.Logger) *loggingObserver {
	return &loggingObserver{logger: logger}
}

func (o *loggingObserver) ConnectionEstablished() {
	o.logger.Info("connection established")
}

func (o *loggingObserver) ConnectionTerminated(err error) {
	o.logger.Warn("connection terminated", "error", err)
}

func (o *loggingObserver) ProcessException(err error) {
	o.logger.Error("processing exception", "error", err)
}

func (o *loggingObserver) StatusMessage(message string) {
	o.logger.Info("publisher status", "message", message)
}

func (o *loggingObserver) NewMeasurements(batch []measurement.Measurement) {
	o.measurements.Add(uint64(len(batch)))
	o.batches.Add(1)
	if len(batch) > 0 {
		o.latest.Store(int64(batch[len(batch)-1].Timestamp))
	}
}

func (o *loggingObserver) MetadataReceived(document *metadata.Document) {
	o.logger.Info("metadata received", "records", document.Len(), "timestamp", document.Timestamp.Time())
}

func (o *loggingObserver) DataStartTime(start measurement.Ticks) {
	o.logger.Info("data started", "timestamp", start.Time())
}

func (o *loggingObserver) NotificationReceived(message string) {
	o.logger.Info("publisher notification", "message", message)
}

func (o *loggingObserver) BufferBlockReceived(key measurement.Key, data []byte) {
	o.logger.Info("buffer block received", "signal", key.String(), "bytes", len(data))
}

// report logs the measurement rate every interval until ctx is
// cancelled.
func (o *loggingObserver) report(ctx context.Context, clk clock.Clock, interval time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	var previous uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := o.measurements.Load()
			attributes := []any{
				"measurements", total - previous,
				"rate", float64(total-previous) / interval.Seconds(),
				"total", total,
				"batches", o.batches.Load(),
			}
			if latest := o.latest.Load(); latest != 0 {
				attributes = append(attributes, "latest", measurement.Ticks(latest).Time())
			}
			o.logger.Info("measurement rate", attributes...)
			previous = total
		}
	}
}
