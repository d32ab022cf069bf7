// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter selects signals from a metadata document. An
// expression is a semicolon-separated list whose items are either
// explicit signal references or FILTER statements:
//
//	6f2c1a4e-9a3b-4f5e-8d2c-0b1a2c3d4e5f; PPA:12; SHELBY:FREQ
//	FILTER TOP 10 ActiveMeasurements WHERE SignalType IN ('FREQ', 'DFDT') ORDER BY PointTag
//
// An explicit reference is a signal ID, a SOURCE:ID key, or a point
// tag, tried in that order. FILTER statements support =, <>, <, <=,
// >, >=, LIKE (% and _ wildcards), IN, IS [NOT] NULL, NOT, AND, OR
// and parentheses. String comparison is case-insensitive.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
)

// ErrSyntax reports a malformed filter expression.
var ErrSyntax = errors.New("filter: syntax error")

// Table is the only table FILTER statements may name.
const Table = "ActiveMeasurements"

// Expression is a parsed filter expression.
type Expression struct {
	source string
	items  []item
}

type item struct {
	reference string
	statement *statement
}

// Parse parses expression. An empty expression selects nothing.
func Parse(expression string) (*Expression, error) {
	segments, err := splitTopLevel(expression)
	if err != nil {
		return nil, err
	}
	parsed := &Expression{source: expression}
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if isStatement(segment) {
			statement, err := parseStatement(segment)
			if err != nil {
				return nil, err
			}
			parsed.items = append(parsed.items, item{statement: statement})
			continue
		}
		for _, reference := range strings.Split(segment, ",") {
			if reference = strings.TrimSpace(reference); reference != "" {
				parsed.items = append(parsed.items, item{reference: reference})
			}
		}
	}
	return parsed, nil
}

// String returns the source text.
func (e *Expression) String() string { return e.source }

// Empty reports whether the expression selects nothing.
func (e *Expression) Empty() bool { return len(e.items) == 0 }

// Result is the outcome of applying an expression to a document.
type Result struct {
	// Records holds the selected records without duplicates, explicit
	// references and statements contributing in expression order.
	Records []metadata.Record

	// Unresolved lists explicit references that matched no record.
	Unresolved []string
}

// Keys returns the measurement keys of the selected records.
func (r Result) Keys() []measurement.Key {
	keys := make([]measurement.Key, len(r.Records))
	for i, record := range r.Records {
		keys[i] = record.Key()
	}
	return keys
}

// Select applies the expression to document.
func (e *Expression) Select(document *metadata.Document) Result {
	var result Result
	seen := make(map[uuid.UUID]struct{})
	add := func(record metadata.Record) {
		if _, duplicate := seen[record.SignalID]; duplicate {
			return
		}
		seen[record.SignalID] = struct{}{}
		result.Records = append(result.Records, record)
	}

	for _, item := range e.items {
		if item.statement != nil {
			for _, record := range item.statement.apply(document) {
				add(record)
			}
			continue
		}
		record, ok := resolve(document, item.reference)
		if !ok {
			result.Unresolved = append(result.Unresolved, item.reference)
			continue
		}
		add(record)
	}
	return result
}

func resolve(document *metadata.Document, reference string) (metadata.Record, bool) {
	if signalID, err := uuid.Parse(reference); err == nil {
		return document.Lookup(signalID)
	}
	if source, id, err := measurement.ParseSourceID(reference); err == nil {
		if record, ok := document.LookupKey(source, id); ok {
			return record, true
		}
	}
	// Point tags commonly contain a colon ("SHELBY:FREQ"), so a failed
	// key lookup falls through to the tag index.
	return document.LookupTag(reference)
}

func isStatement(segment string) bool {
	if len(segment) < len("FILTER ") {
		return false
	}
	return strings.EqualFold(segment[:6], "FILTER") && (segment[6] == ' ' || segment[6] == '\t' || segment[6] == '\n')
}

// splitTopLevel splits at semicolons outside quotes, brackets and
// parentheses.
func splitTopLevel(text string) ([]string, error) {
	var segments []string
	depth, start := 0, 0
	inString, inBracket := false, false
	for i := 0; i < len(text); i++ {
		switch character := text[i]; {
		case inString:
			if character == '\'' {
				inString = false
			}
		case inBracket:
			if character == ']' {
				inBracket = false
			}
		case character == '\'':
			inString = true
		case character == '[':
			inBracket = true
		case character == '(':
			depth++
		case character == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unmatched ')' at offset %d", ErrSyntax, i)
			}
		case character == ';' && depth == 0:
			segments = append(segments, text[start:i])
			start = i + 1
		}
	}
	if inString {
		return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
	}
	return append(segments, text[start:]), nil
}

type statement struct {
	top     int
	where   condition
	orderBy []ordering
}

type ordering struct {
	column     column
	descending bool
}

func (s *statement) apply(document *metadata.Document) []metadata.Record {
	var matched []metadata.Record
	for _, record := range document.Records {
		if s.where.match(record) {
			matched = append(matched, record)
		}
	}
	if len(s.orderBy) > 0 {
		slices.SortStableFunc(matched, func(a, b metadata.Record) int {
			for _, order := range s.orderBy {
				comparison := compareValues(order.column.value(a), order.column.value(b))
				if order.descending {
					comparison = -comparison
				}
				if comparison != 0 {
					return comparison
				}
			}
			return 0
		})
	}
	if s.top >= 0 && len(matched) > s.top {
		matched = matched[:s.top]
	}
	return matched
}
