// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Gep-publisher runs a GEP publisher fed by a synthetic phasor
// generator. It serves the signals of a YAML metadata file, or when
// none is configured, generator.devices synthetic PMUs with
// frequency, ROCOF, voltage magnitude and angle signals.
//
// Usage:
//
//	gep-publisher --config gep.yaml
//	gep-publisher --write-metadata signals.yaml
//
// --write-metadata renders the generated metadata as a starter file
// and exits.
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
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/metrics"
	"github.com/bureau-foundation/gep/lib/process"
	"github.com/bureau-foundation/gep/lib/version"
	"github.com/bureau-foundation/gep/publisher"
	"github.com/bureau-foundation/gep/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath    string
		logLevel      string
		writeMetadata string
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("gep-publisher", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to gep.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&writeMetadata, "write-metadata", "", "write the generated metadata to this file and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("gep-publisher")
		return nil
	}

	cfg, err := loadConfig(configPath, writeMetadata != "")
	if err != nil {
		return err
	}
	if writeMetadata != "" {
		return writeGeneratedMetadata(cfg.Generator, writeMetadata)
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := logging.NewCommandLogger(level).With("component", "publisher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// loadConfig reads the configuration file. Writing metadata needs only
// the generator section, so a missing file falls back to defaults.
func loadConfig(path string, defaultsAllowed bool) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.EnvironmentVariable) != "" || !defaultsAllowed:
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func writeGeneratedMetadata(generatorConfig config.GeneratorConfig, path string) error {
	document, err := generatedDocument(generatorConfig.Source, generatorConfig.Devices, measurement.FromTime(time.Now()))
	if err != nil {
		return err
	}
	data, err := metadata.MarshalYAML(document)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// serverConfig maps the publisher section onto publisher.Config.
func serverConfig(section config.PublisherConfig, provider metadata.Provider, keys publisher.KeyStore) publisher.Config {
	return publisher.Config{
		Metadata:                provider,
		RequireAuthentication:   section.RequireAuthentication,
		Keys:                    keys,
		EncryptPayload:          section.EncryptPayload,
		AllowSynchronized:       section.AllowSynchronized,
		AllowPayloadCompression: section.AllowPayloadCompression,
		OutboundQueueDepth:      section.OutboundQueueDepth,
		WriteTimeout:            config.Duration(section.WriteTimeout, publisher.DefaultWriteTimeout),
		BufferBlockRetransmit:   config.Duration(section.BufferBlockRetransmit, publisher.DefaultBufferBlockRetransmit),
		IngestWorkers:           section.IngestWorkers,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	section := cfg.Publisher

	var provider *metadata.Static
	if section.MetadataFile != "" {
		loaded, err := metadata.LoadFile(section.MetadataFile, measurement.FromTime(time.Now()))
		if err != nil {
			return err
		}
		provider = loaded
	} else {
		document, err := generatedDocument(cfg.Generator.Source, cfg.Generator.Devices, measurement.FromTime(time.Now()))
		if err != nil {
			return err
		}
		provider = metadata.NewStatic(document)
	}
	document, err := provider.Document(ctx)
	if err != nil {
		return err
	}

	var keys publisher.KeyStore
	if section.RequireAuthentication {
		staticKeys, err := publisher.LoadKeys(section.KeysFile, section.IdentityFile)
		if err != nil {
			return err
		}
		defer staticKeys.Close()
		logger.Info("subscriber keys loaded", "subscribers", staticKeys.Len())
		keys = staticKeys
	}

	registry := metrics.NewRegistry()
	server, err := publisher.New(serverConfig(section, provider, keys),
		publisher.WithLogger(logger),
		publisher.WithRegisterer(registry.Registerer()),
	)
	if err != nil {
		return err
	}

	listener, err := transport.Listen(ctx, section.ListenAddress, transport.Options{}, clock.Real(), logger)
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

	generator := newGenerator(document, cfg.Generator.Rate, clock.Real(), logger.With("component", "generator"))
	go generator.run(ctx, server.Publish)

	logger.Info("publisher running",
		"address", listener.Address(),
		"signals", document.Len(),
		"environment", cfg.Environment,
		"version", version.Info(),
	)
	err = server.Serve(ctx, listener)
	logger.Info("publisher stopped")
	return err
}
