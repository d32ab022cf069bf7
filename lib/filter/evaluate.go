// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/gep/lib/metadata"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
)

type value struct {
	kind   valueKind
	text   string
	number float64
	truth  bool
}

func stringValue(text string) value {
	if text == "" {
		return value{}
	}
	return value{kind: kindString, text: text}
}

func numberValue(number float64) value { return value{kind: kindNumber, number: number} }
func boolValue(truth bool) value       { return value{kind: kindBool, truth: truth} }

// asNumber coerces strings that parse as numbers.
func (v value) asNumber() (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.number, true
	case kindString:
		number, err := strconv.ParseFloat(v.text, 64)
		return number, err == nil
	}
	return 0, false
}

func (v value) asBool() (bool, bool) {
	switch v.kind {
	case kindBool:
		return v.truth, true
	case kindString:
		truth, err := strconv.ParseBool(v.text)
		return truth, err == nil
	case kindNumber:
		return v.number != 0, true
	}
	return false, false
}

func (v value) asText() string {
	switch v.kind {
	case kindString:
		return v.text
	case kindNumber:
		return strconv.FormatFloat(v.number, 'g', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.truth)
	}
	return ""
}

// compareValues orders nulls first, then numerically when both sides
// are numeric, then booleans, then case-insensitive text.
func compareValues(a, b value) int {
	if a.kind == kindNull || b.kind == kindNull {
		return cmp.Compare(boolRank(a.kind != kindNull), boolRank(b.kind != kindNull))
	}
	if a.kind == kindNumber || b.kind == kindNumber {
		if left, ok := a.asNumber(); ok {
			if right, ok := b.asNumber(); ok {
				return cmp.Compare(left, right)
			}
		}
	}
	if a.kind == kindBool || b.kind == kindBool {
		if left, ok := a.asBool(); ok {
			if right, ok := b.asBool(); ok {
				return cmp.Compare(boolRank(left), boolRank(right))
			}
		}
	}
	return strings.Compare(strings.ToUpper(a.asText()), strings.ToUpper(b.asText()))
}

func boolRank(truth bool) int {
	if truth {
		return 1
	}
	return 0
}

type operand interface {
	value(metadata.Record) value
}

type literal struct{ v value }

func (l literal) value(metadata.Record) value { return l.v }

type column struct {
	name    string
	extract func(metadata.Record) value
}

func (c column) value(record metadata.Record) value { return c.extract(record) }

var columns = map[string]func(metadata.Record) value{
	"SIGNALID":        func(r metadata.Record) value { return stringValue(r.SignalID.String()) },
	"ID":              func(r metadata.Record) value { return stringValue(r.Key().String()) },
	"SOURCE":          func(r metadata.Record) value { return stringValue(r.Source) },
	"POINTID":         func(r metadata.Record) value { return numberValue(float64(r.ID)) },
	"POINTTAG":        func(r metadata.Record) value { return stringValue(r.PointTag) },
	"SIGNALREFERENCE": func(r metadata.Record) value { return stringValue(r.SignalReference) },
	"SIGNALTYPE":      func(r metadata.Record) value { return stringValue(r.SignalType) },
	"DEVICE":          func(r metadata.Record) value { return stringValue(r.Device) },
	"DESCRIPTION":     func(r metadata.Record) value { return stringValue(r.Description) },
	"ADDER":           func(r metadata.Record) value { return numberValue(r.Adder) },
	"MULTIPLIER":      func(r metadata.Record) value { _, m := r.Scaling(); return numberValue(m) },
	"ENABLED":         func(r metadata.Record) value { return boolValue(r.Enabled) },
}

func lookupColumn(name token) (column, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(name.text, " ", ""))
	extract, ok := columns[normalized]
	if !ok {
		return column{}, fmt.Errorf("%w: unknown column %s", ErrSyntax, name)
	}
	return column{name: normalized, extract: extract}, nil
}

type condition interface {
	match(metadata.Record) bool
}

type orCondition struct{ left, right condition }

func (c orCondition) match(r metadata.Record) bool { return c.left.match(r) || c.right.match(r) }

type andCondition struct{ left, right condition }

func (c andCondition) match(r metadata.Record) bool { return c.left.match(r) && c.right.match(r) }

type notCondition struct{ inner condition }

func (c notCondition) match(r metadata.Record) bool { return !c.inner.match(r) }

type comparison struct {
	operator    string
	left, right operand
}

func (c comparison) match(r metadata.Record) bool {
	left, right := c.left.value(r), c.right.value(r)
	// Comparisons against null are false, as in SQL.
	if left.kind == kindNull || right.kind == kindNull {
		return false
	}
	order := compareValues(left, right)
	switch c.operator {
	case "=", "==":
		return order == 0
	case "<>", "!=":
		return order != 0
	case "<":
		return order < 0
	case "<=":
		return order <= 0
	case ">":
		return order > 0
	case ">=":
		return order >= 0
	}
	return false
}

type likeCondition struct {
	operand operand
	pattern string
}

func (c likeCondition) match(r metadata.Record) bool {
	v := c.operand.value(r)
	if v.kind == kindNull {
		return false
	}
	return like(strings.ToUpper(v.asText()), c.pattern)
}

// like matches text against a pattern where % and * match any run
// and _ matches one character.
func like(text, pattern string) bool {
	textRunes, patternRunes := []rune(text), []rune(pattern)
	t, p := 0, 0
	starText, starPattern := -1, -1
	for t < len(textRunes) {
		switch {
		case p < len(patternRunes) && (patternRunes[p] == '%' || patternRunes[p] == '*'):
			starPattern, starText = p, t
			p++
		case p < len(patternRunes) && (patternRunes[p] == '_' || patternRunes[p] == textRunes[t]):
			t++
			p++
		case starPattern >= 0:
			starText++
			t = starText
			p = starPattern + 1
		default:
			return false
		}
	}
	for p < len(patternRunes) && (patternRunes[p] == '%' || patternRunes[p] == '*') {
		p++
	}
	return p == len(patternRunes)
}

type inCondition struct {
	operand operand
	list    []operand
}

func (c inCondition) match(r metadata.Record) bool {
	v := c.operand.value(r)
	if v.kind == kindNull {
		return false
	}
	for _, element := range c.list {
		candidate := element.value(r)
		if candidate.kind != kindNull && compareValues(v, candidate) == 0 {
			return true
		}
	}
	return false
}

type nullCondition struct {
	operand  operand
	wantNull bool
}

func (c nullCondition) match(r metadata.Record) bool {
	return (c.operand.value(r).kind == kindNull) == c.wantNull
}

type truthCondition struct{ operand operand }

func (c truthCondition) match(r metadata.Record) bool {
	truth, ok := c.operand.value(r).asBool()
	return ok && truth
}
