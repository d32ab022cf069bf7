// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
)

// generatorNamespace derives stable signal IDs from SOURCE:ID keys,
// so a restarted publisher announces the same IDs.
var generatorNamespace = uuid.MustParse("5b0b8a3e-52c4-4d7e-9a4f-1f6d2d1c7e10")

// generatedSignals are the signals of one synthetic device.
var generatedSignals = []struct {
	suffix     string
	signalType string
}{
	{"FREQ", "FREQ"},
	{"DFDT", "DFDT"},
	{"VPHM", "VPHM"},
	{"VPHA", "VPHA"},
}

// generatedDocument builds metadata for devices synthetic PMUs.
func generatedDocument(source string, devices int, timestamp measurement.Ticks) (*metadata.Document, error) {
	records := make([]metadata.Record, 0, devices*len(generatedSignals))
	for device := 1; device <= devices; device++ {
		name := fmt.Sprintf("%s-PMU%02d", source, device)
		for _, signal := range generatedSignals {
			id := uint32(len(records) + 1)
			records = append(records, metadata.Record{
				SignalID:   uuid.NewSHA1(generatorNamespace, fmt.Appendf(nil, "%s:%d", source, id)),
				Source:     source,
				ID:         id,
				PointTag:   name + ":" + signal.suffix,
				SignalType: signal.signalType,
				Device:     name,
				Enabled:    true,
			})
		}
	}
	return metadata.NewDocument(timestamp, records)
}

// generator publishes a plausible value for every enabled record of
// a document at a fixed rate.
type generator struct {
	records []metadata.Record
	rate    float64
	clock   clock.Clock
	random  *rand.Rand
	logger  *slog.Logger
	// phase advances the angle signals between frames.
	phase float64
}

func newGenerator(document *metadata.Document, rate float64, clk clock.Clock, logger *slog.Logger) *generator {
	var records []metadata.Record
	for _, record := range document.Records {
		if record.Enabled {
			records = append(records, record)
		}
	}
	return &generator{
		records: records,
		rate:    rate,
		clock:   clk,
		random:  rand.New(rand.NewPCG(1, 2)),
		logger:  logger,
	}
}

// frame returns one measurement per record, all stamped at.
func (g *generator) frame(at time.Time) []measurement.Measurement {
	timestamp := measurement.FromTime(at)
	g.phase = math.Mod(g.phase+0.5, 360)
	batch := make([]measurement.Measurement, len(g.records))
	for i, record := range g.records {
		value := g.value(record.SignalType, float64(i))
		adder, multiplier := record.Scaling()
		batch[i] = measurement.Measurement{
			SignalID:  record.SignalID,
			Value:     value,
			Timestamp: timestamp,
		}.Adjust(adder, multiplier)
	}
	return batch
}

func (g *generator) value(signalType string, offset float64) float64 {
	noise := g.random.NormFloat64()
	switch signalType {
	case "FREQ":
		return 60 + 0.01*noise
	case "DFDT":
		return 0.001 * noise
	case "VPHM":
		return 500_000 + 250*noise
	case "VPHA":
		return math.Mod(g.phase+offset*30, 360) - 180
	default:
		return noise
	}
}

// run publishes frames until ctx is cancelled.
func (g *generator) run(ctx context.Context, publish func([]measurement.Measurement) error) {
	interval := time.Duration(float64(time.Second) / g.rate)
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()
	g.logger.Info("generator running", "signals", len(g.records), "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if err := publish(g.frame(at)); err != nil {
				g.logger.Warn("publishing generated frame", "error", err)
			}
		}
	}
}
