package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Select is a parsed one-shot query:
//
//	SELECT * FROM collection [WHERE predicate] [ORDER BY field [ASC|DESC], ...] [LIMIT n]
type Select struct {
	Collection string
	Where      *Predicate
	Order      Ordering
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// ParseSelect parses the SELECT subset. Joins, projections and aggregates are not supported.
func ParseSelect(text string) (*Select, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	sel, err := parseSelect(text, &parser{toks: toks})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	return sel, nil
}

func parseSelect(text string, ps *parser) (*Select, error) {
	if !ps.keyword("SELECT") {
		return nil, fmt.Errorf("expected SELECT, got %s", ps.peek())
	}
	if !ps.punct("*") {
		return nil, fmt.Errorf("only SELECT * is supported, got %s", ps.peek())
	}
	if !ps.keyword("FROM") {
		return nil, fmt.Errorf("expected FROM, got %s", ps.peek())
	}
	t := ps.next()
	if (t.kind != tokIdent && t.kind != tokString) || isKeyword(t) {
		return nil, fmt.Errorf("expected a collection name, got %s", t)
	}
	sel := &Select{Collection: t.text, Where: &Predicate{root: constNode(true)}}

	if ps.keyword("WHERE") {
		start := ps.peek().pos
		root, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		end := ps.peek().pos
		sel.Where = newPredicate(strings.TrimSpace(string([]rune(text)[start:end])), root)
	}
	if ps.keyword("ORDER") {
		if !ps.keyword("BY") {
			return nil, fmt.Errorf("expected BY, got %s", ps.peek())
		}
		o, err := ps.parseOrdering()
		if err != nil {
			return nil, err
		}
		sel.Order = o
	}
	if ps.keyword("LIMIT") {
		t := ps.next()
		n, err := strconv.Atoi(t.text)
		if t.kind != tokNumber || err != nil || n < 0 {
			return nil, fmt.Errorf("LIMIT needs a non-negative integer, got %s", t)
		}
		sel.Limit = n
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", t)
	}
	return sel, nil
}
