// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEnd tokenKind = iota
	tokenIdentifier
	tokenString
	tokenNumber
	tokenOperator
	tokenLeftParen
	tokenRightParen
	tokenComma
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func (t token) is(keyword string) bool {
	return t.kind == tokenIdentifier && strings.EqualFold(t.text, keyword)
}

func (t token) String() string {
	if t.kind == tokenEnd {
		return "end of expression"
	}
	return fmt.Sprintf("%q at offset %d", t.text, t.offset)
}

// tokenize splits one FILTER statement. Identifiers may be bracketed
// ([Point Tag]); strings use single quotes with '' as an escaped quote.
func tokenize(text string) ([]token, error) {
	var tokens []token
	runes := []rune(text)
	for position := 0; position < len(runes); {
		current := runes[position]
		switch {
		case unicode.IsSpace(current):
			position++

		case current == '(':
			tokens = append(tokens, token{tokenLeftParen, "(", position})
			position++
		case current == ')':
			tokens = append(tokens, token{tokenRightParen, ")", position})
			position++
		case current == ',':
			tokens = append(tokens, token{tokenComma, ",", position})
			position++

		case current == '\'':
			start := position
			var value strings.Builder
			position++
			for {
				if position >= len(runes) {
					return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
				}
				if runes[position] == '\'' {
					if position+1 < len(runes) && runes[position+1] == '\'' {
						value.WriteRune('\'')
						position += 2
						continue
					}
					position++
					break
				}
				value.WriteRune(runes[position])
				position++
			}
			tokens = append(tokens, token{tokenString, value.String(), start})

		case current == '[':
			start := position
			end := position + 1
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				return nil, fmt.Errorf("%w: unterminated [identifier] at offset %d", ErrSyntax, start)
			}
			tokens = append(tokens, token{tokenIdentifier, string(runes[start+1 : end]), start})
			position = end + 1

		case strings.ContainsRune("=<>!", current):
			start := position
			position++
			if position < len(runes) && strings.ContainsRune("=<>", runes[position]) {
				position++
			}
			operator := string(runes[start:position])
			switch operator {
			case "=", "==", "<>", "!=", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("%w: unknown operator %q at offset %d", ErrSyntax, operator, start)
			}
			tokens = append(tokens, token{tokenOperator, operator, start})

		case unicode.IsDigit(current) || ((current == '-' || current == '.') && position+1 < len(runes) && unicode.IsDigit(runes[position+1])):
			start := position
			position++
			for position < len(runes) && (unicode.IsDigit(runes[position]) || strings.ContainsRune(".eE", runes[position]) ||
				((runes[position] == '-' || runes[position] == '+') && (runes[position-1] == 'e' || runes[position-1] == 'E'))) {
				position++
			}
			tokens = append(tokens, token{tokenNumber, string(runes[start:position]), start})

		case unicode.IsLetter(current) || current == '_':
			start := position
			for position < len(runes) && (unicode.IsLetter(runes[position]) || unicode.IsDigit(runes[position]) || runes[position] == '_') {
				position++
			}
			tokens = append(tokens, token{tokenIdentifier, string(runes[start:position]), start})

		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, current, position)
		}
	}
	return append(tokens, token{kind: tokenEnd, offset: len(runes)}), nil
}
