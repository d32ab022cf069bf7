// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Gep-subscriber connects to a GEP publisher, subscribes to the
// configured filter and logs what arrives: connection changes,
// metadata, notifications, and the measurement rate every
// --report-interval.
//
// Usage:
//
//	gep-subscriber --config gep.yaml
//	gep-subscriber --config gep.yaml --address pdc.example.net:7165 --filter "FILTER ActiveMeasurements WHERE SignalType='FREQ'"
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/config"
	"github.com/bureau-foundation/gep/lib/logging"
	"github.com/bureau-foundation/gep/lib/metrics"
	"github.com/bureau-foundation/gep/lib/process"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/lib/version"
	"github.com/bureau-foundation/gep/subscriber"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath     string
		logLevel       string
		address        string
		filter         string
		reportInterval time.Duration
		showVersion    bool
	)
	flagSet := pflag.NewFlagSet("gep-subscriber", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to gep.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&address, "address", "", "publisher host:port (overrides subscriber.address)")
	flagSet.StringVar(&filter, "filter", "", "subscription filter (overrides subscriber.subscription.filter)")
	flagSet.DurationVar(&reportInterval, "report-interval", 5*time.Second, "how often to log the measurement rate")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("gep-subscriber")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if address != "" {
		cfg.Subscriber.Address = address
	}
	if filter != "" {
		cfg.Subscriber.Subscription.Filter = filter
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if reportInterval <= 0 {
		return fmt.Errorf("--report-interval must be positive")
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.NewCommandLogger(level).With("component", "subscriber")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return subscribe(ctx, cfg.Subscriber, reportInterval, logger)
}

// subscriberConfig maps the subscriber section onto subscriber.Config.
func subscriberConfig(section config.SubscriberConfig, psk *secret.Buffer) (subscriber.Config, error) {
	mode, err := subscriber.ParseCompressionMode(section.CompressionMode)
	if err != nil {
		return subscriber.Config{}, err
	}
	return subscriber.Config{
		Address:                  section.Address,
		RetryInterval:            config.Duration(section.RetryInterval, subscriber.DefaultRetryInterval),
		MaxRetryInterval:         config.Duration(section.MaxRetryInterval, subscriber.DefaultMaxRetryInterval),
		MaxRetries:               section.MaxRetries,
		Acronym:                  section.Acronym,
		PreSharedKey:             psk,
		CompressionMode:          mode,
		CompressMetadata:         section.CompressMetadata,
		CompressSignalIndexCache: section.CompressSignalIndexCache,
		AutoRequestMetadata:      section.AutoRequestMetadata,
		AutoSubscribe:            section.AutoSubscribe && section.Subscription.Filter != "",
		Subscription:             subscriptionInfo(section.Subscription),
	}, nil
}

func subscriptionInfo(section config.SubscriptionConfig) subscriber.SubscriptionInfo {
	seconds := func(value float64) time.Duration {
		return time.Duration(value * float64(time.Second))
	}
	return subscriber.SubscriptionInfo{
		FilterExpression:   section.Filter,
		Synchronized:       section.Synchronized,
		FramesPerSecond:    section.FramesPerSecond,
		LagTime:            seconds(section.LagTime),
		LeadTime:           seconds(section.LeadTime),
		Throttled:          section.Throttled,
		PublishInterval:    seconds(section.PublishInterval),
		OnChange:           section.OnChange,
		Compact:            section.Compact,
		IncludeTime:        section.IncludeTime,
		NaNFilter:          section.NaNFilter,
		ProcessingInterval: section.ProcessingInterval,
	}
}

func subscribe(ctx context.Context, section config.SubscriberConfig, reportInterval time.Duration, logger *slog.Logger) error {
	var psk *secret.Buffer
	if section.KeyFile != "" {
		loaded, err := subscriber.LoadPreSharedKey(section.KeyFile, section.IdentityFile)
		if err != nil {
			return err
		}
		defer loaded.Close()
		psk = loaded
	}
	clientConfig, err := subscriberConfig(section, psk)
	if err != nil {
		return err
	}
	if !clientConfig.AutoSubscribe {
		logger.Warn("no subscription configured; only metadata will be received")
	}

	registry := metrics.NewRegistry()
	observer := newLoggingObserver(logger)
	client, err := subscriber.New(clientConfig, observer,
		subscriber.WithLogger(logger),
		subscriber.WithRegisterer(registry.Registerer()),
	)
	if err != nil {
		return err
	}

	if section.MetricsAddress != "" {
		go func() {
			if err := registry.Serve(ctx, section.MetricsAddress, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}
	go observer.report(ctx, clock.Real(), reportInterval)

	logger.Info("subscriber starting", "address", section.Address, "version", version.Info())
	return client.Run(ctx)
}
