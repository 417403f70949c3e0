package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zetareticula/meshstore/internal/document"
)

// OrderTerm sorts by one field path.
type OrderTerm struct {
	Path string
	Desc bool
}

// Ordering is a list of sort keys. Documents equal on every key are ordered by id, so the
// order is total.
type Ordering []OrderTerm

// ParseOrder parses "field [ASC|DESC], other [ASC|DESC]". Empty text orders by id only.
func ParseOrder(text string) (Ordering, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	toks, err := lex(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	ps := &parser{toks: toks}
	o, err := ps.parseOrdering()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s in ordering", ErrInvalidPredicate, t)
	}
	return o, nil
}

func (ps *parser) parseOrdering() (Ordering, error) {
	var o Ordering
	for {
		t := ps.next()
		if t.kind != tokIdent || isKeyword(t) {
			return nil, fmt.Errorf("expected a field path, got %s", t)
		}
		term := OrderTerm{Path: t.text}
		switch {
		case ps.keyword("DESC"):
			term.Desc = true
		case ps.keyword("ASC"):
		}
		o = append(o, term)
		if !ps.punct(",") {
			return o, nil
		}
	}
}

// Compare orders a before b (negative), after b (positive), or reports equal ids (zero).
// A missing field sorts as null.
func (o Ordering) Compare(a, b document.Document) int {
	for _, term := range o {
		av, _ := a.Get(term.Path)
		bv, _ := b.Get(term.Path)
		c := document.Compare(av, bv)
		if term.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort orders docs in place.
func (o Ordering) Sort(docs []document.Document) {
	slices.SortStableFunc(docs, o.Compare)
}

func (o Ordering) String() string {
	parts := make([]string, len(o))
	for i, t := range o {
		dir := "ASC"
		if t.Desc {
			dir = "DESC"
		}
		parts[i] = t.Path + " " + dir
	}
	return strings.Join(parts, ", ")
}
