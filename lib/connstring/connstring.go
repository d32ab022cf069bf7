// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connstring parses and builds the key=value connection
// strings carried by Subscribe commands:
//
//	inputMeasurementKeys={FILTER ActiveMeasurements WHERE SignalType='FREQ'}; includeTime=false
//
// Pairs are separated by semicolons. A value wrapped in braces may
// contain semicolons, equals signs and nested braces; one level of
// braces is removed when parsing. Keys are case-insensitive and
// surrounding whitespace is ignored. A repeated key keeps the last
// value.
package connstring

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrSyntax reports a malformed connection string.
var ErrSyntax = errors.New("connstring: syntax error")

// Values is a parsed connection string keyed by lower-cased key.
type Values map[string]string

// Parse splits text into its key/value pairs.
func Parse(text string) (Values, error) {
	segments, err := split(text, ';')
	if err != nil {
		return nil, err
	}
	values := make(Values, len(segments))
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		separator := indexAtDepthZero(segment, '=')
		if separator < 0 {
			return nil, fmt.Errorf("%w: %q has no '='", ErrSyntax, strings.TrimSpace(segment))
		}
		key := strings.TrimSpace(segment[:separator])
		if key == "" {
			return nil, fmt.Errorf("%w: empty key in %q", ErrSyntax, strings.TrimSpace(segment))
		}
		values[strings.ToLower(key)] = unwrap(strings.TrimSpace(segment[separator+1:]))
	}
	return values, nil
}

// split cuts text at separator occurrences outside braces.
func split(text string, separator byte) ([]string, error) {
	var segments []string
	depth, start := 0, 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unmatched '}' at offset %d", ErrSyntax, i)
			}
		case separator:
			if depth == 0 {
				segments = append(segments, text[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: %d unclosed '{'", ErrSyntax, depth)
	}
	return append(segments, text[start:]), nil
}

func indexAtDepthZero(text string, target byte) int {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
		case target:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// unwrap removes one enclosing pair of braces when the opening brace
// matches the final closing brace.
func unwrap(value string) string {
	if len(value) < 2 || value[0] != '{' || value[len(value)-1] != '}' {
		return value
	}
	depth := 0
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 && i != len(value)-1 {
				return value
			}
		}
	}
	return strings.TrimSpace(value[1 : len(value)-1])
}

// Get returns the value for key, matched case-insensitively.
func (v Values) Get(key string) (string, bool) {
	value, ok := v[strings.ToLower(key)]
	return value, ok
}

// Has reports whether key is present.
func (v Values) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// String returns the value for key or fallback when absent.
func (v Values) String(key, fallback string) string {
	if value, ok := v.Get(key); ok {
		return value
	}
	return fallback
}

// Bool parses key as a boolean. Accepts the strconv.ParseBool forms
// plus yes/no and on/off.
func (v Values) Bool(key string, fallback bool) (bool, error) {
	value, ok := v.Get(key)
	if !ok || value == "" {
		return fallback, nil
	}
	switch strings.ToLower(value) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("connstring: %s=%q: not a boolean", key, value)
	}
	return parsed, nil
}

// Float parses key as a float64.
func (v Values) Float(key string, fallback float64) (float64, error) {
	value, ok := v.Get(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, fmt.Errorf("connstring: %s=%q: not a number", key, value)
	}
	return parsed, nil
}

// Int parses key as a base-10 integer.
func (v Values) Int(key string, fallback int) (int, error) {
	value, ok := v.Get(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("connstring: %s=%q: not an integer", key, value)
	}
	return parsed, nil
}

// Seconds parses key as a (possibly fractional) number of seconds.
func (v Values) Seconds(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := v.Get(key)
	if !ok || value == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, fmt.Errorf("connstring: %s=%q: not a number of seconds", key, value)
	}
	if seconds < 0 {
		return fallback, fmt.Errorf("connstring: %s=%q: negative duration", key, value)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Builder assembles a connection string with keys in insertion order.
type Builder struct {
	keys   []string
	values map[string]string
}

// Set adds or replaces key.
func (b *Builder) Set(key, value string) *Builder {
	if b.values == nil {
		b.values = make(map[string]string)
	}
	lower := strings.ToLower(key)
	if _, exists := b.values[lower]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[lower] = value
	return b
}

// SetBool adds a boolean value.
func (b *Builder) SetBool(key string, value bool) *Builder {
	return b.Set(key, strconv.FormatBool(value))
}

// SetFloat adds a numeric value in its shortest form.
func (b *Builder) SetFloat(key string, value float64) *Builder {
	return b.Set(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// SetInt adds an integer value.
func (b *Builder) SetInt(key string, value int) *Builder {
	return b.Set(key, strconv.Itoa(value))
}

// String renders the pairs, wrapping values that need it in braces.
func (b *Builder) String() string {
	var output strings.Builder
	for i, key := range b.keys {
		if i > 0 {
			output.WriteString("; ")
		}
		output.WriteString(key)
		output.WriteByte('=')
		output.WriteString(Quote(b.values[strings.ToLower(key)]))
	}
	return output.String()
}

// Quote wraps value in braces when it contains a delimiter or
// surrounding whitespace that Parse would otherwise consume.
func Quote(value string) string {
	if strings.ContainsAny(value, ";={}") || strings.TrimSpace(value) != value {
		return "{" + value + "}"
	}
	return value
}

// Format renders values with keys sorted, for logging.
func Format(values Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder Builder
	for _, key := range keys {
		builder.Set(key, values[key])
	}
	return builder.String()
}
