// Package query implements the filter language shared by subscriptions, observers and
// one-shot queries: predicates over document fields with named parameters, orderings, and a
// minimal SELECT statement.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zetareticula/meshstore/internal/document"
)

// ErrInvalidPredicate is returned for syntax errors and for missing or unknown parameters.
var ErrInvalidPredicate = errors.New("invalid predicate")

type operandKind int

const (
	opPath operandKind = iota
	opLiteral
	opParam
	opList
)

type operand struct {
	kind  operandKind
	path  string
	value document.Value
	param string
	items []operand
}

// resolve returns the operand's value against doc; ok is false for a missing field.
func (o operand) resolve(doc document.Document) (document.Value, bool) {
	switch o.kind {
	case opPath:
		return doc.Get(o.path)
	case opList:
		items := make([]document.Value, len(o.items))
		for i, it := range o.items {
			items[i], _ = it.resolve(doc)
		}
		return document.List(items...), true
	default:
		return o.value, true
	}
}

func (o operand) bind(params map[string]document.Value) operand {
	switch o.kind {
	case opParam:
		return operand{kind: opLiteral, value: params[o.param]}
	case opList:
		out := operand{kind: opList, items: make([]operand, len(o.items))}
		for i, it := range o.items {
			out.items[i] = it.bind(params)
		}
		return out
	}
	return o
}

func (o operand) collect(names map[string]struct{}) {
	switch o.kind {
	case opParam:
		names[o.param] = struct{}{}
	case opList:
		for _, it := range o.items {
			it.collect(names)
		}
	}
}

type node interface {
	eval(doc document.Document) bool
	bind(params map[string]document.Value) (node, error)
	collect(names map[string]struct{})
}

type constNode bool

func (n constNode) eval(document.Document) bool { return bool(n) }
func (n constNode) bind(map[string]document.Value) (node, error) { return n, nil }
func (n constNode) collect(map[string]struct{}) {}

type andNode struct{ left, right node }

func (n andNode) eval(doc document.Document) bool { return n.left.eval(doc) && n.right.eval(doc) }
func (n andNode) collect(names map[string]struct{}) {
	n.left.collect(names)
	n.right.collect(names)
}
func (n andNode) bind(p map[string]document.Value) (node, error) {
	l, err := n.left.bind(p)
	if err != nil {
		return nil, err
	}
	r, err := n.right.bind(p)
	if err != nil {
		return nil, err
	}
	return andNode{l, r}, nil
}

type orNode struct{ left, right node }

func (n orNode) eval(doc document.Document) bool { return n.left.eval(doc) || n.right.eval(doc) }
func (n orNode) collect(names map[string]struct{}) {
	n.left.collect(names)
	n.right.collect(names)
}
func (n orNode) bind(p map[string]document.Value) (node, error) {
	l, err := n.left.bind(p)
	if err != nil {
		return nil, err
	}
	r, err := n.right.bind(p)
	if err != nil {
		return nil, err
	}
	return orNode{l, r}, nil
}

type notNode struct{ inner node }

func (n notNode) eval(doc document.Document) bool   { return !n.inner.eval(doc) }
func (n notNode) collect(names map[string]struct{}) { n.inner.collect(names) }
func (n notNode) bind(p map[string]document.Value) (node, error) {
	in, err := n.inner.bind(p)
	if err != nil {
		return nil, err
	}
	return notNode{in}, nil
}

type existsNode struct{ path string }

func (n existsNode) eval(doc document.Document) bool {
	_, ok := doc.Get(n.path)
	return ok
}
func (n existsNode) bind(map[string]document.Value) (node, error) { return n, nil }
func (n existsNode) collect(map[string]struct{}) {}

// cmpNode covers binary comparisons, IN and CONTAINS.
type cmpNode struct {
	op          string
	left, right operand
}

func (n cmpNode) collect(names map[string]struct{}) {
	n.left.collect(names)
	n.right.collect(names)
}

func (n cmpNode) bind(p map[string]document.Value) (node, error) {
	out := cmpNode{op: n.op, left: n.left.bind(p), right: n.right.bind(p)}
	if n.op == "IN" && n.right.kind == opParam && out.right.value.Kind() != document.KindList {
		return nil, fmt.Errorf("%w: parameter :%s used with IN must be a list", ErrInvalidPredicate, n.right.param)
	}
	return out, nil
}

// eval treats a missing field as null. Ordering comparisons only hold between values of the
// same kind.
func (n cmpNode) eval(doc document.Document) bool {
	l, _ := n.left.resolve(doc)
	r, _ := n.right.resolve(doc)
	switch n.op {
	case "=":
		return document.Equal(l, r)
	case "!=":
		return !document.Equal(l, r)
	case "IN":
		return r.Contains(l)
	case "CONTAINS":
		if ls, ok := l.AsString(); ok {
			rs, ok := r.AsString()
			return ok && strings.Contains(ls, rs)
		}
		return l.Contains(r)
	}
	if l.Kind() != r.Kind() || l.Kind() == document.KindNull {
		return false
	}
	c := document.Compare(l, r)
	switch n.op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// Predicate is a compiled filter. It is immutable and safe to share.
type Predicate struct {
	text   string
	root   node
	params []string
}

// Text returns the source the predicate was compiled from.
func (p *Predicate) Text() string { return p.text }

// Params lists the parameter names the predicate references, sorted.
func (p *Predicate) Params() []string { return p.params }

// MatchAll reports whether the predicate is empty.
func (p *Predicate) MatchAll() bool {
	c, ok := p.root.(constNode)
	return ok && bool(c)
}

// Compile parses a predicate. Empty text matches every document.
func Compile(text string) (*Predicate, error) {
	if strings.TrimSpace(text) == "" {
		return &Predicate{text: text, root: constNode(true)}, nil
	}
	toks, err := lex(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	ps := &parser{toks: toks}
	root, err := ps.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s", ErrInvalidPredicate, t)
	}
	return newPredicate(text, root), nil
}

func newPredicate(text string, root node) *Predicate {
	names := map[string]struct{}{}
	root.collect(names)
	params := make([]string, 0, len(names))
	for n := range names {
		params = append(params, n)
	}
	sort.Strings(params)
	return &Predicate{text: text, root: root, params: params}
}

// Bind resolves every parameter from params. Missing and unknown names are both errors.
func (p *Predicate) Bind(params map[string]any) (*Bound, error) {
	values := make(map[string]document.Value, len(params))
	for name, raw := range params {
		if i := sort.SearchStrings(p.params, name); i == len(p.params) || p.params[i] != name {
			return nil, fmt.Errorf("%w: unknown parameter :%s", ErrInvalidPredicate, name)
		}
		v, err := document.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter :%s: %v", ErrInvalidPredicate, name, err)
		}
		values[name] = v
	}
	for _, name := range p.params {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("%w: unbound parameter :%s", ErrInvalidPredicate, name)
		}
	}
	root, err := p.root.bind(values)
	if err != nil {
		return nil, err
	}
	return &Bound{pred: p, root: root, values: values}, nil
}

// Bound is a predicate with its parameters resolved.
type Bound struct {
	pred   *Predicate
	root   node
	values map[string]document.Value
}

// Predicate returns the unbound predicate.
func (b *Bound) Predicate() *Predicate { return b.pred }

// Params returns the bound parameter values in their JSON-shaped form.
func (b *Bound) Params() map[string]any {
	out := make(map[string]any, len(b.values))
	for k, v := range b.values {
		out[k] = v.Any()
	}
	return out
}

// Evaluate reports whether doc matches. It has no side effects.
func (b *Bound) Evaluate(doc document.Document) bool { return b.root.eval(doc) }

// Cache memoizes compiled predicates by source text.
type Cache struct {
	lru *lru.Cache[string, *Predicate]
}

// NewCache returns a cache holding at most size predicates.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[string, *Predicate](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Compile returns the cached predicate for text, compiling it on a miss.
func (c *Cache) Compile(text string) (*Predicate, error) {
	if p, ok := c.lru.Get(text); ok {
		return p, nil
	}
	p, err := Compile(text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(text, p)
	return p, nil
}

var comparisons = map[string]string{
	"=": "=", "==": "=", "!=": "!=", "<>": "!=", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
}

type parser struct {
	toks []token
	pos  int
}

func (ps *parser) peek() token { return ps.toks[ps.pos] }

func (ps *parser) next() token {
	t := ps.toks[ps.pos]
	if t.kind != tokEOF {
		ps.pos++
	}
	return t
}

func (ps *parser) punct(text string) bool {
	if t := ps.peek(); t.kind == tokPunct && t.text == text {
		ps.pos++
		return true
	}
	return false
}

func (ps *parser) keyword(kw string) bool {
	if ps.peek().keyword(kw) {
		ps.pos++
		return true
	}
	return false
}

func (ps *parser) expect(text string) error {
	if !ps.punct(text) {
		return fmt.Errorf("expected %q, got %s", text, ps.peek())
	}
	return nil
}

func (ps *parser) parseExpr() (node, error) {
	left, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	for ps.keyword("OR") {
		right, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (ps *parser) parseAnd() (node, error) {
	left, err := ps.parseUnary()
	if err != nil {
		return nil, err
	}
	for ps.keyword("AND") {
		right, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (ps *parser) parseUnary() (node, error) {
	if ps.keyword("NOT") {
		inner, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return ps.parsePrimary()
}

func (ps *parser) parsePrimary() (node, error) {
	if ps.punct("(") {
		inner, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		return inner, ps.expect(")")
	}
	if ps.keyword("EXISTS") {
		t := ps.next()
		if t.kind != tokIdent || isKeyword(t) {
			return nil, fmt.Errorf("EXISTS needs a field path, got %s", t)
		}
		return existsNode{path: t.text}, nil
	}

	left, err := ps.parseOperand()
	if err != nil {
		return nil, err
	}
	t := ps.peek()
	switch {
	case t.kind == tokPunct && comparisons[t.text] != "":
		ps.pos++
		op := comparisons[t.text]
		right, err := ps.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: left, right: right}, nil
	case t.keyword("IN"):
		ps.pos++
		right, err := ps.parseOperand()
		if err != nil {
			return nil, err
		}
		if right.kind != opList && right.kind != opParam {
			return nil, fmt.Errorf("IN needs a list or a parameter, got %s", t)
		}
		return cmpNode{op: "IN", left: left, right: right}, nil
	case t.keyword("NOT") && ps.toks[ps.pos+1].keyword("IN"):
		ps.pos += 2
		right, err := ps.parseOperand()
		if err != nil {
			return nil, err
		}
		if right.kind != opList && right.kind != opParam {
			return nil, fmt.Errorf("NOT IN needs a list or a parameter, got %s", t)
		}
		return notNode{cmpNode{op: "IN", left: left, right: right}}, nil
	case t.keyword("CONTAINS"):
		ps.pos++
		right, err := ps.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: "CONTAINS", left: left, right: right}, nil
	}

	// A lone operand is a condition on its truthiness.
	switch left.kind {
	case opLiteral:
		b, ok := left.value.AsBool()
		if !ok {
			return nil, fmt.Errorf("expected a condition near %s", t)
		}
		return constNode(b), nil
	case opPath, opParam:
		return cmpNode{op: "=", left: left, right: operand{kind: opLiteral, value: document.Bool(true)}}, nil
	}
	return nil, fmt.Errorf("expected a condition near %s", t)
}

func (ps *parser) parseOperand() (operand, error) {
	t := ps.next()
	switch t.kind {
	case tokString:
		return operand{kind: opLiteral, value: document.String(t.text)}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("bad number %s", t)
		}
		return operand{kind: opLiteral, value: document.Number(f)}, nil
	case tokParam:
		return operand{kind: opParam, param: t.text}, nil
	case tokIdent:
		switch {
		case t.keyword("TRUE"):
			return operand{kind: opLiteral, value: document.Bool(true)}, nil
		case t.keyword("FALSE"):
			return operand{kind: opLiteral, value: document.Bool(false)}, nil
		case t.keyword("NULL"):
			return operand{kind: opLiteral, value: document.Null()}, nil
		case isKeyword(t):
			return operand{}, fmt.Errorf("unexpected keyword %s", t)
		}
		if strings.HasPrefix(t.text, ".") || strings.HasSuffix(t.text, ".") || strings.Contains(t.text, "..") {
			return operand{}, fmt.Errorf("bad field path %s", t)
		}
		return operand{kind: opPath, path: t.text}, nil
	case tokPunct:
		if t.text == "[" {
			list := operand{kind: opList}
			if ps.punct("]") {
				return list, nil
			}
			for {
				item, err := ps.parseOperand()
				if err != nil {
					return operand{}, err
				}
				if item.kind == opPath {
					return operand{}, fmt.Errorf("list items must be literals or parameters, got field %q", item.path)
				}
				list.items = append(list.items, item)
				if ps.punct("]") {
					return list, nil
				}
				if err := ps.expect(","); err != nil {
					return operand{}, err
				}
			}
		}
	}
	return operand{}, fmt.Errorf("unexpected %s", t)
}
