// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics owns the prometheus registry of a GEP process and
// the metric sets the publisher and subscriber update. Each process
// builds one Registry; nothing registers with the prometheus default
// registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric this module registers.
const Namespace = "gep"

// Registry wraps a prometheus registry preloaded with the Go runtime
// and process collectors.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry returns a registry with runtime collectors installed.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{registry: registry}
}

// Registerer returns the registerer for components taking one, such
// as processqueue.WithMetrics.
func (r *Registry) Registerer() prometheus.Registerer { return r.registry }

// Gatherer returns the gatherer backing the /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics and /health on address until ctx is
// cancelled. It returns nil after a clean shutdown.
func (r *Registry) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", address, err)
	}
	return r.serve(ctx, listener, logger)
}

func (r *Registry) serve(ctx context.Context, listener net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownContext); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}()

	logger.Info("metrics endpoint listening", "address", listener.Addr().String())
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return fmt.Errorf("metrics: serving: %w", err)
}

// register installs collector, returning the existing collector when
// an identical one is already registered.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return collector, fmt.Errorf("metrics: registering collector: %w", err)
	}
	return collector, nil
}
