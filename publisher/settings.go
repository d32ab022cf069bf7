// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/gep/lib/connstring"
)

// MaxFramesPerSecond bounds the frame rate of a synchronized
// subscription.
const MaxFramesPerSecond = 1000

// Settings are the subscription parameters a Subscribe connection
// string carries.
type Settings struct {
	InputMeasurementKeys string

	FramesPerSecond         int
	LagTime                 time.Duration
	LeadTime                time.Duration
	UseLocalClockAsRealTime bool

	Throttled       bool
	PublishInterval time.Duration
	OnChange        bool

	IncludeTime           bool
	RequestNaNValueFilter bool

	// ProcessingInterval is in milliseconds; -1 publishes in real time.
	ProcessingInterval int

	AssemblyInfo string
}

// ParseSettings reads a Subscribe connection string. Unknown keys are
// ignored.
func ParseSettings(text string) (Settings, error) {
	values, err := connstring.Parse(text)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		InputMeasurementKeys: values.String("inputMeasurementKeys", ""),
		AssemblyInfo:         values.String("assemblyInfo", ""),
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	settings.FramesPerSecond, err = values.Int("framesPerSecond", 30)
	collect(err)
	settings.LagTime, err = values.Seconds("lagTime", 10*time.Second)
	collect(err)
	settings.LeadTime, err = values.Seconds("leadTime", 5*time.Second)
	collect(err)
	settings.UseLocalClockAsRealTime, err = values.Bool("useLocalClockAsRealTime", false)
	collect(err)

	tracking, err := values.Bool("trackLatestMeasurements", false)
	collect(err)
	settings.Throttled, err = values.Bool("throttled", tracking)
	collect(err)
	settings.PublishInterval, err = values.Seconds("publishInterval", time.Second)
	collect(err)
	settings.OnChange, err = values.Bool("onChange", false)
	collect(err)

	settings.IncludeTime, err = values.Bool("includeTime", true)
	collect(err)
	settings.RequestNaNValueFilter, err = values.Bool("requestNaNValueFilter", false)
	collect(err)
	settings.ProcessingInterval, err = values.Int("processingInterval", -1)
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	if settings.FramesPerSecond <= 0 {
		return Settings{}, fmt.Errorf("framesPerSecond must be positive, got %d", settings.FramesPerSecond)
	}
	if settings.FramesPerSecond > MaxFramesPerSecond {
		return Settings{}, fmt.Errorf("framesPerSecond must not exceed %d, got %d", MaxFramesPerSecond, settings.FramesPerSecond)
	}
	if settings.Throttled && settings.PublishInterval <= 0 {
		return Settings{}, fmt.Errorf("publishInterval must be positive when throttled")
	}
	return settings, nil
}

// processInterval converts ProcessingInterval to an outbound queue
// interval. Zero and negative values mean real time.
func (s Settings) processInterval() time.Duration {
	if s.ProcessingInterval <= 0 {
		return 0
	}
	return time.Duration(s.ProcessingInterval) * time.Millisecond
}
