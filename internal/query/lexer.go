package query

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// keyword reports whether t is the case-insensitive keyword kw.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "CONTAINS": true, "EXISTS": true,
	"TRUE": true, "FALSE": true, "NULL": true, "SELECT": true, "FROM": true, "WHERE": true,
	"ORDER": true, "BY": true, "ASC": true, "DESC": true, "LIMIT": true,
}

func isKeyword(t token) bool {
	return t.kind == tokIdent && keywords[strings.ToUpper(t.text)]
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"':
			s, n, err := lexString(rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i = n
		case r == '`':
			j := i + 1
			for j < len(rs) && rs[j] != '`' {
				j++
			}
			if j >= len(rs) || j == i+1 {
				return nil, fmt.Errorf("unterminated quoted identifier at %d", i)
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i+1 : j]), pos: i})
			i = j + 1
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E' ||
				((rs[j] == '-' || rs[j] == '+') && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j]), pos: i})
			i = j
		case r == ':' && i+1 < len(rs) && isIdentStart(rs[i+1]):
			j := i + 1
			for j < len(rs) && isIdentPart(rs[j]) && rs[j] != '.' {
				j++
			}
			toks = append(toks, token{kind: tokParam, text: string(rs[i+1 : j]), pos: i})
			i = j
		case isIdentStart(r):
			j := i + 1
			for j < len(rs) && isIdentPart(rs[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:j]), pos: i})
			i = j
		default:
			two := ""
			if i+1 < len(rs) {
				two = string(rs[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "<>":
				toks = append(toks, token{kind: tokPunct, text: two, pos: i})
				i += 2
				continue
			}
			if !strings.ContainsRune("()[],=<>*", r) {
				return nil, fmt.Errorf("unexpected character %q at %d", r, i)
			}
			toks = append(toks, token{kind: tokPunct, text: string(r), pos: i})
			i++
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

func lexString(rs []rune, start int) (string, int, error) {
	quote := rs[start]
	var b strings.Builder
	for i := start + 1; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == '\\' && i+1 < len(rs):
			i++
			switch rs[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(rs[i])
			}
		case r == quote:
			// a doubled quote is an escaped quote
			if i+1 < len(rs) && rs[i+1] == quote {
				b.WriteRune(quote)
				i++
				continue
			}
			return b.String(), i + 1, nil
		default:
			b.WriteRune(r)
		}
	}
	return "", 0, fmt.Errorf("unterminated string at %d", start)
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r) }
