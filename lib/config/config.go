// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the GEP publisher
// and subscriber processes.
//
// Configuration comes from a single file named by the --config flag
// or the GEP_CONFIG environment variable. There is no discovery and
// no environment variable overrides individual values.
//
// The file may carry development and production sections. The
// section matching the environment is decoded over the base values,
// so it only needs the keys it changes:
//
//	environment: production
//	publisher:
//	  listen_address: ":7165"
//	production:
//	  publisher:
//	    require_authentication: true
//
// Path fields expand ${HOME} and ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads.
const EnvironmentVariable = "GEP_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the configuration of a GEP process. Each command reads
// the sections it needs.
type Config struct {
	Environment Environment `yaml:"environment"`

	Publisher  PublisherConfig  `yaml:"publisher"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Generator  GeneratorConfig  `yaml:"generator"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds raw YAML decoded over the base sections.
type Overrides struct {
	Publisher  yaml.Node `yaml:"publisher"`
	Subscriber yaml.Node `yaml:"subscriber"`
	Generator  yaml.Node `yaml:"generator"`
}

// PublisherConfig configures the publisher process.
type PublisherConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// RequireAuthentication rejects every command except
	// DefineOperationalModes and Authenticate until the subscriber
	// proves it holds a pre-shared key from KeysFile.
	RequireAuthentication bool `yaml:"require_authentication"`

	// KeysFile is an age-encrypted YAML map of subscriber acronym to
	// base64 pre-shared key, decrypted with IdentityFile.
	KeysFile     string `yaml:"keys_file"`
	IdentityFile string `yaml:"identity_file"`

	EncryptPayload          bool `yaml:"encrypt_payload"`
	AllowSynchronized       bool `yaml:"allow_synchronized"`
	AllowPayloadCompression bool `yaml:"allow_payload_compression"`

	OutboundQueueDepth    int    `yaml:"outbound_queue_depth"`
	WriteTimeout          string `yaml:"write_timeout"`
	BufferBlockRetransmit string `yaml:"buffer_block_retransmit"`
	IngestWorkers         int    `yaml:"ingest_workers"`

	MetadataFile   string `yaml:"metadata_file"`
	MetricsAddress string `yaml:"metrics_address"`
}

// SubscriberConfig configures the subscriber process.
type SubscriberConfig struct {
	Address string `yaml:"address"`

	RetryInterval    string `yaml:"retry_interval"`
	MaxRetryInterval string `yaml:"max_retry_interval"`
	MaxRetries       int    `yaml:"max_retries"`

	Acronym      string `yaml:"acronym"`
	KeyFile      string `yaml:"key_file"`
	IdentityFile string `yaml:"identity_file"`

	// CompressionMode is one of tssc, zstd, lz4 or none.
	CompressionMode          string `yaml:"compression_mode"`
	CompressMetadata         bool   `yaml:"compress_metadata"`
	CompressSignalIndexCache bool   `yaml:"compress_signal_index_cache"`

	AutoRequestMetadata bool `yaml:"auto_request_metadata"`
	AutoSubscribe       bool `yaml:"auto_subscribe"`

	Subscription SubscriptionConfig `yaml:"subscription"`

	MetricsAddress string `yaml:"metrics_address"`
}

// SubscriptionConfig is the subscription a subscriber requests.
type SubscriptionConfig struct {
	Filter string `yaml:"filter"`

	Synchronized    bool    `yaml:"synchronized"`
	FramesPerSecond int     `yaml:"frames_per_second"`
	LagTime         float64 `yaml:"lag_time"`
	LeadTime        float64 `yaml:"lead_time"`

	Throttled       bool    `yaml:"throttled"`
	PublishInterval float64 `yaml:"publish_interval"`
	OnChange        bool    `yaml:"on_change"`

	IncludeTime        bool `yaml:"include_time"`
	NaNFilter          bool `yaml:"nan_filter"`
	ProcessingInterval int  `yaml:"processing_interval"`
	Compact            bool `yaml:"compact"`
}

// GeneratorConfig configures the demo publisher's synthetic signals.
type GeneratorConfig struct {
	Source  string  `yaml:"source"`
	Devices int     `yaml:"devices"`
	Rate    float64 `yaml:"rate"`
}

// Default returns the base configuration the file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Publisher: PublisherConfig{
			ListenAddress:           ":7165",
			AllowSynchronized:       true,
			AllowPayloadCompression: true,
			OutboundQueueDepth:      1024,
			WriteTimeout:            "5s",
			BufferBlockRetransmit:   "2s",
			IngestWorkers:           1,
		},
		Subscriber: SubscriberConfig{
			Address:                  "localhost:7165",
			RetryInterval:            "1s",
			MaxRetryInterval:         "30s",
			MaxRetries:               -1,
			CompressionMode:          "tssc",
			CompressMetadata:         true,
			CompressSignalIndexCache: true,
			AutoRequestMetadata:      true,
			AutoSubscribe:            true,
			Subscription: SubscriptionConfig{
				FramesPerSecond:    30,
				LagTime:            5,
				LeadTime:           5,
				PublishInterval:    1,
				IncludeTime:        true,
				ProcessingInterval: -1,
			},
		},
		Generator: GeneratorConfig{
			Source:  "GEN",
			Devices: 4,
			Rate:    30,
		},
	}
}

// Load loads the file named by GEP_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your gep.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Parse decodes configuration text over Default and applies the
// environment section.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production without an explicit section requires
		// authenticated, encrypted sessions.
		if overrides == nil {
			c.Publisher.RequireAuthentication = true
			c.Publisher.EncryptPayload = true
		}
	}
	if overrides == nil {
		return nil
	}

	sections := []struct {
		name   string
		node   *yaml.Node
		target any
	}{
		{"publisher", &overrides.Publisher, &c.Publisher},
		{"subscriber", &overrides.Subscriber, &c.Subscriber},
		{"generator", &overrides.Generator, &c.Generator},
	}
	for _, section := range sections {
		if section.node.Kind == 0 {
			continue
		}
		if err := section.node.Decode(section.target); err != nil {
			return fmt.Errorf("%s.%s override: %w", c.Environment, section.name, err)
		}
	}
	return nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Publisher.KeysFile,
		&c.Publisher.IdentityFile,
		&c.Publisher.MetadataFile,
		&c.Subscriber.KeyFile,
		&c.Subscriber.IdentityFile,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors. It reports every
// problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	publisher := c.Publisher
	if publisher.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("publisher.listen_address is required"))
	}
	if publisher.RequireAuthentication && (publisher.KeysFile == "" || publisher.IdentityFile == "") {
		errs = append(errs, fmt.Errorf("publisher.require_authentication needs keys_file and identity_file"))
	}
	if publisher.EncryptPayload && !publisher.RequireAuthentication {
		errs = append(errs, fmt.Errorf("publisher.encrypt_payload requires require_authentication"))
	}
	if publisher.OutboundQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("publisher.outbound_queue_depth must be positive"))
	}
	if publisher.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("publisher.ingest_workers must be positive"))
	}
	errs = appendDurationError(errs, "publisher.write_timeout", publisher.WriteTimeout)
	errs = appendDurationError(errs, "publisher.buffer_block_retransmit", publisher.BufferBlockRetransmit)

	subscriber := c.Subscriber
	if subscriber.Address == "" {
		errs = append(errs, fmt.Errorf("subscriber.address is required"))
	}
	errs = appendDurationError(errs, "subscriber.retry_interval", subscriber.RetryInterval)
	errs = appendDurationError(errs, "subscriber.max_retry_interval", subscriber.MaxRetryInterval)
	switch strings.ToLower(subscriber.CompressionMode) {
	case "tssc", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("subscriber.compression_mode must be one of: tssc, zstd, lz4, none"))
	}
	if (subscriber.KeyFile == "") != (subscriber.IdentityFile == "") {
		errs = append(errs, fmt.Errorf("subscriber.key_file and subscriber.identity_file must be set together"))
	}
	if subscriber.KeyFile != "" && subscriber.Acronym == "" {
		errs = append(errs, fmt.Errorf("subscriber.acronym is required with key_file"))
	}
	if subscriber.Subscription.Synchronized && subscriber.Subscription.FramesPerSecond < 1 {
		errs = append(errs, fmt.Errorf("subscriber.subscription.frames_per_second must be positive"))
	}

	if c.Generator.Devices < 1 {
		errs = append(errs, fmt.Errorf("generator.devices must be positive"))
	}
	if c.Generator.Rate <= 0 {
		errs = append(errs, fmt.Errorf("generator.rate must be positive"))
	}

	return errors.Join(errs...)
}

func appendDurationError(errs []error, name, value string) []error {
	if _, err := time.ParseDuration(value); err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errs
}

// Duration parses a duration field already checked by Validate. It
// returns fallback for an empty or malformed value.
func Duration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
