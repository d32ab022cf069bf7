// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/gep/lib/measurement"
)

// Provider supplies the publisher's current metadata. Implementations
// backed by a database or configuration service live outside this
// module.
type Provider interface {
	Document(ctx context.Context) (*Document, error)
}

// Static is a Provider serving an in-memory document. Replace swaps
// the document atomically; the publisher follows a Replace with
// ConfigurationChanged so subscribers refresh.
type Static struct {
	current atomic.Pointer[Document]
}

// NewStatic returns a provider serving document.
func NewStatic(document *Document) *Static {
	static := &Static{}
	static.current.Store(document)
	return static
}

// Document returns the current document.
func (s *Static) Document(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	document := s.current.Load()
	if document == nil {
		return nil, fmt.Errorf("metadata: no document loaded")
	}
	return document, nil
}

// Replace installs a new document.
func (s *Static) Replace(document *Document) {
	s.current.Store(document)
}

// ParseYAML parses a YAML metadata file:
//
//	records:
//	  - signal_id: 6f2c1a4e-9a3b-4f5e-8d2c-0b1a2c3d4e5f
//	    source: PPA
//	    id: 1
//	    point_tag: SHELBY:FREQ
//	    signal_type: FREQ
//	    enabled: true
func ParseYAML(data []byte, timestamp measurement.Ticks) (*Document, error) {
	var file struct {
		Records []Record `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("metadata: parsing YAML: %w", err)
	}
	return NewDocument(timestamp, file.Records)
}

// LoadFile reads a YAML metadata file into a Static provider.
func LoadFile(path string, timestamp measurement.Ticks) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading %s: %w", path, err)
	}
	document, err := ParseYAML(data, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewStatic(document), nil
}

// MarshalYAML renders document in the format ParseYAML reads. The
// generator command uses it to write a starter metadata file.
func MarshalYAML(document *Document) ([]byte, error) {
	return yaml.Marshal(struct {
		Records []Record `yaml:"records"`
	}{document.Records})
}
