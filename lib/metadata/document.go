// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata describes the signals a publisher offers. A
// Document is the unit exchanged in MetaDataRefresh responses and the
// table that filter expressions select from.
package metadata

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/codec"
	"github.com/bureau-foundation/gep/lib/measurement"
)

// Record is one row of the ActiveMeasurements table.
type Record struct {
	SignalID        uuid.UUID `yaml:"signal_id" cbor:"signal_id"`
	Source          string    `yaml:"source" cbor:"source"`
	ID              uint32    `yaml:"id" cbor:"id"`
	PointTag        string    `yaml:"point_tag" cbor:"point_tag"`
	SignalReference string    `yaml:"signal_reference,omitempty" cbor:"signal_reference,omitempty"`
	SignalType      string    `yaml:"signal_type" cbor:"signal_type"`
	Device          string    `yaml:"device,omitempty" cbor:"device,omitempty"`
	Description     string    `yaml:"description,omitempty" cbor:"description,omitempty"`
	Adder           float64   `yaml:"adder,omitempty" cbor:"adder,omitempty"`
	Multiplier      float64   `yaml:"multiplier,omitempty" cbor:"multiplier,omitempty"`
	Enabled         bool      `yaml:"enabled" cbor:"enabled"`
}

// Key returns the record's measurement key.
func (r Record) Key() measurement.Key {
	return measurement.Key{SignalID: r.SignalID, Source: r.Source, ID: r.ID}
}

// Scaling returns the adder and multiplier to apply to raw values. A
// zero multiplier in the document means "unset" and scales by one.
func (r Record) Scaling() (adder, multiplier float64) {
	if r.Multiplier == 0 {
		return r.Adder, 1
	}
	return r.Adder, r.Multiplier
}

// Document is an immutable set of records with lookup indices.
type Document struct {
	Timestamp measurement.Ticks `yaml:"timestamp,omitempty" cbor:"timestamp"`
	Records   []Record          `yaml:"records" cbor:"records"`

	bySignalID map[uuid.UUID]int
	byKey      map[string]int
	byTag      map[string]int
}

// NewDocument validates records and builds the lookup indices. Signal
// IDs and SOURCE:ID keys must be unique and non-zero.
func NewDocument(timestamp measurement.Ticks, records []Record) (*Document, error) {
	document := &Document{Timestamp: timestamp, Records: records}
	if err := document.index(); err != nil {
		return nil, err
	}
	return document, nil
}

func (d *Document) index() error {
	d.bySignalID = make(map[uuid.UUID]int, len(d.Records))
	d.byKey = make(map[string]int, len(d.Records))
	d.byTag = make(map[string]int, len(d.Records))
	for position, record := range d.Records {
		if record.SignalID == uuid.Nil {
			return fmt.Errorf("metadata: record %d (%s) has no signal_id", position, record.PointTag)
		}
		if record.Source == "" {
			return fmt.Errorf("metadata: record %d (%s) has no source", position, record.SignalID)
		}
		if previous, exists := d.bySignalID[record.SignalID]; exists {
			return fmt.Errorf("metadata: signal %s appears in records %d and %d", record.SignalID, previous, position)
		}
		key := strings.ToUpper(record.Key().String())
		if previous, exists := d.byKey[key]; exists {
			return fmt.Errorf("metadata: key %s appears in records %d and %d", record.Key(), previous, position)
		}
		d.bySignalID[record.SignalID] = position
		d.byKey[key] = position
		if record.PointTag != "" {
			d.byTag[strings.ToUpper(record.PointTag)] = position
		}
	}
	return nil
}

// Len returns the number of records.
func (d *Document) Len() int { return len(d.Records) }

// Lookup returns the record for signalID.
func (d *Document) Lookup(signalID uuid.UUID) (Record, bool) {
	position, ok := d.bySignalID[signalID]
	if !ok {
		return Record{}, false
	}
	return d.Records[position], true
}

// LookupKey returns the record for a SOURCE:ID pair, case-insensitively.
func (d *Document) LookupKey(source string, id uint32) (Record, bool) {
	position, ok := d.byKey[strings.ToUpper(measurement.Key{Source: source, ID: id}.String())]
	if !ok {
		return Record{}, false
	}
	return d.Records[position], true
}

// LookupTag returns the record with the given point tag, case-insensitively.
func (d *Document) LookupTag(tag string) (Record, bool) {
	position, ok := d.byTag[strings.ToUpper(tag)]
	if !ok {
		return Record{}, false
	}
	return d.Records[position], true
}

// Select returns a new document holding the records keep accepts, in
// document order.
func (d *Document) Select(keep func(Record) bool) *Document {
	var selected []Record
	for _, record := range d.Records {
		if keep(record) {
			selected = append(selected, record)
		}
	}
	// A subset of a valid document is valid.
	subset, _ := NewDocument(d.Timestamp, selected)
	return subset
}

// Encode serializes the document to deterministic CBOR.
func (d *Document) Encode() ([]byte, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("metadata: encoding document: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR document produced by Encode.
func Decode(data []byte) (*Document, error) {
	var document Document
	if err := codec.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("metadata: decoding document: %w", err)
	}
	if err := document.index(); err != nil {
		return nil, err
	}
	return &document, nil
}
