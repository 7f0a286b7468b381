package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Template is a compiled template. It is immutable and safe for concurrent use.
type Template struct {
	source   string
	segments []segment
}

// Source returns the text the template was compiled from
func (t *Template) Source() string {
	return t.source
}

// segment is either literal text or a placeholder expression
type segment struct {
	literal string
	expr    *expression
}

// expression is the content of one {{ ... }} placeholder
type expression struct {
	raw    string
	helper string   // set for helper calls
	path   []string // set for field lookups
	args   []argument
}

// argument is a helper argument: a literal or a field path
type argument struct {
	str    *string
	num    *float64
	path   []string
	rawArg string
}

// HasPlaceholders reports whether src contains any placeholder
func HasPlaceholders(src string) bool {
	i := strings.Index(src, openDelim)
	return i >= 0 && strings.Contains(src[i+len(openDelim):], closeDelim)
}

// Parse compiles src into a Template
func Parse(src string) (*Template, error) {
	t := &Template{source: src}
	rest := src
	offset := 0

	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}

		body := rest[start+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, fmt.Errorf("%w: unclosed %q at offset %d", ErrSyntax, openDelim, offset+start)
		}

		inner := body[:end]
		if strings.Contains(inner, openDelim) {
			return nil, fmt.Errorf("%w: nested %q at offset %d", ErrSyntax, openDelim, offset+start)
		}

		expr, err := parseExpression(inner)
		if err != nil {
			return nil, fmt.Errorf("%w: %v at offset %d", ErrSyntax, err, offset+start)
		}
		t.segments = append(t.segments, segment{expr: expr})

		consumed := start + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
}

func parseExpression(inner string) (*expression, error) {
	tokens, err := tokenize(inner)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty placeholder")
	}

	head := tokens[0]
	if head.quoted || head.isNumber() {
		return nil, fmt.Errorf("placeholder must start with a name, got %q", head.text)
	}

	expr := &expression{raw: strings.TrimSpace(inner)}
	if _, ok := helpers[head.text]; ok {
		expr.helper = head.text
		for _, tok := range tokens[1:] {
			arg, err := tok.toArgument()
			if err != nil {
				return nil, err
			}
			expr.args = append(expr.args, arg)
		}
		return expr, nil
	}

	if len(tokens) > 1 {
		return nil, fmt.Errorf("unknown helper %q", head.text)
	}

	path, err := parsePath(head.text)
	if err != nil {
		return nil, err
	}
	expr.path = path
	return expr, nil
}

type token struct {
	text   string
	quoted bool
}

func (t token) isNumber() bool {
	if t.quoted {
		return false
	}
	_, err := strconv.ParseFloat(t.text, 64)
	return err == nil
}

func (t token) toArgument() (argument, error) {
	if t.quoted {
		s := t.text
		return argument{str: &s, rawArg: t.text}, nil
	}
	if t.isNumber() {
		n, _ := strconv.ParseFloat(t.text, 64)
		return argument{num: &n, rawArg: t.text}, nil
	}
	path, err := parsePath(t.text)
	if err != nil {
		return argument{}, err
	}
	return argument{path: path, rawArg: t.text}, nil
}

// tokenize splits on whitespace and understands double- or single-quoted strings
func tokenize(s string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '"' || c == '\'':
			var b strings.Builder
			j := i + 1
			closed := false
			for j < len(s) {
				if s[j] == '\\' && j+1 < len(s) {
					b.WriteByte(s[j+1])
					j += 2
					continue
				}
				if s[j] == c {
					closed = true
					break
				}
				b.WriteByte(s[j])
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string in %q", s)
			}
			tokens = append(tokens, token{text: b.String(), quoted: true})
			i = j + 1
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) {
				if s[j] == '"' || s[j] == '\'' {
					return nil, fmt.Errorf("unexpected quote in %q", s)
				}
				j++
			}
			tokens = append(tokens, token{text: s[i:j]})
			i = j
		}
	}
	return tokens, nil
}

// parsePath splits a dotted field reference; "this." and a leading dot are ignored
func parsePath(s string) ([]string, error) {
	s = strings.TrimPrefix(s, "this.")
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		return nil, fmt.Errorf("empty field name")
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("malformed field path %q", s)
		}
	}
	return parts, nil
}
