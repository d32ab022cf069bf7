// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	tokens   []token
	position int
}

func (p *parser) peek() token { return p.tokens[p.position] }

func (p *parser) next() token {
	current := p.tokens[p.position]
	if current.kind != tokenEnd {
		p.position++
	}
	return current
}

func (p *parser) expectKeyword(keyword string) error {
	if current := p.next(); !current.is(keyword) {
		return fmt.Errorf("%w: expected %s, found %s", ErrSyntax, keyword, current)
	}
	return nil
}

func (p *parser) expect(kind tokenKind, description string) (token, error) {
	current := p.next()
	if current.kind != kind {
		return current, fmt.Errorf("%w: expected %s, found %s", ErrSyntax, description, current)
	}
	return current, nil
}

// parseStatement parses
//
//	FILTER [TOP n] ActiveMeasurements WHERE condition [ORDER BY column [ASC|DESC], ...]
func parseStatement(text string) (*statement, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if err := p.expectKeyword("FILTER"); err != nil {
		return nil, err
	}

	parsed := &statement{top: -1}
	if p.peek().is("TOP") {
		p.next()
		count, err := p.expect(tokenNumber, "row count after TOP")
		if err != nil {
			return nil, err
		}
		top, err := strconv.Atoi(count.text)
		if err != nil {
			return nil, fmt.Errorf("%w: TOP %s is not an integer", ErrSyntax, count.text)
		}
		parsed.top = top
	}

	table, err := p.expect(tokenIdentifier, "table name")
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(table.text, Table) {
		return nil, fmt.Errorf("%w: unknown table %q, want %s", ErrSyntax, table.text, Table)
	}

	if err := p.expectKeyword("WHERE"); err != nil {
		return nil, err
	}
	parsed.where, err = p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.peek().is("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			name, err := p.expect(tokenIdentifier, "column after ORDER BY")
			if err != nil {
				return nil, err
			}
			column, err := lookupColumn(name)
			if err != nil {
				return nil, err
			}
			order := ordering{column: column}
			switch {
			case p.peek().is("DESC"):
				p.next()
				order.descending = true
			case p.peek().is("ASC"):
				p.next()
			}
			parsed.orderBy = append(parsed.orderBy, order)
			if p.peek().kind != tokenComma {
				break
			}
			p.next()
		}
	}

	if trailing := p.peek(); trailing.kind != tokenEnd {
		return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, trailing)
	}
	return parsed, nil
}

func (p *parser) parseOr() (condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().is("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orCondition{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().is("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andCondition{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (condition, error) {
	if p.peek().is("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notCondition{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condition, error) {
	if p.peek().kind == tokenLeftParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRightParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	current := p.peek()
	negated := false
	if current.is("NOT") {
		p.next()
		negated = true
		current = p.peek()
		if !current.is("LIKE") && !current.is("IN") {
			return nil, fmt.Errorf("%w: expected LIKE or IN after NOT, found %s", ErrSyntax, current)
		}
	}

	var result condition
	switch {
	case current.kind == tokenOperator:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		result = comparison{operator: current.text, left: left, right: right}

	case current.is("LIKE"):
		p.next()
		pattern, err := p.expect(tokenString, "pattern string after LIKE")
		if err != nil {
			return nil, err
		}
		result = likeCondition{operand: left, pattern: strings.ToUpper(pattern.text)}

	case current.is("IN"):
		p.next()
		if _, err := p.expect(tokenLeftParen, "'(' after IN"); err != nil {
			return nil, err
		}
		var list []operand
		for {
			element, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, element)
			if p.peek().kind == tokenComma {
				p.next()
				continue
			}
			if _, err := p.expect(tokenRightParen, "')' closing IN list"); err != nil {
				return nil, err
			}
			break
		}
		result = inCondition{operand: left, list: list}

	case current.is("IS"):
		p.next()
		wantNull := true
		if p.peek().is("NOT") {
			p.next()
			wantNull = false
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		result = nullCondition{operand: left, wantNull: wantNull}

	default:
		// A bare operand is a condition when it is boolean: WHERE Enabled.
		result = truthCondition{left}
	}

	if negated {
		result = notCondition{result}
	}
	return result, nil
}

func (p *parser) parseOperand() (operand, error) {
	current := p.next()
	switch current.kind {
	case tokenString:
		return literal{stringValue(current.text)}, nil
	case tokenNumber:
		number, err := strconv.ParseFloat(current.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %s", ErrSyntax, current)
		}
		return literal{numberValue(number)}, nil
	case tokenIdentifier:
		switch {
		case current.is("TRUE"):
			return literal{boolValue(true)}, nil
		case current.is("FALSE"):
			return literal{boolValue(false)}, nil
		case current.is("NULL"):
			return literal{value{}}, nil
		}
		column, err := lookupColumn(current)
		if err != nil {
			return nil, err
		}
		return column, nil
	}
	return nil, fmt.Errorf("%w: expected a column or literal, found %s", ErrSyntax, current)
}
