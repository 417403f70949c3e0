package meshstore

import (
	"context"
	"fmt"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/query"
	"github.com/zetareticula/meshstore/internal/store"
)

// Op is a mutation kind.
type Op int

const (
	// Insert writes the given fields, creating the document or reviving a deleted one.
	Insert Op = iota
	// Update writes the given fields of a live document.
	Update
	// Delete tombstones the document with the given _id.
	Delete
)

func (op Op) String() string {
	switch op {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// ParamRef is a placeholder in a mutation document, bound by name from Execute's params.
type ParamRef string

// Param returns a placeholder for the parameter name.
func Param(name string) ParamRef { return ParamRef(name) }

// AppliedResult reports what a mutation changed.
type AppliedResult struct {
	ID string
	// Changed lists the fields whose value changed; "_deleted" stands for the deletion flag.
	Changed []string
	Live    bool
	// Seq is the local commit, zero when the write changed nothing.
	Seq uint64
}

func result(a store.Applied) AppliedResult {
	return AppliedResult{ID: a.ID, Changed: a.Changed, Live: a.Live, Seq: a.Seq}
}

// Execute applies one mutation to collection. The collection is created on first write.
// Update of an absent or deleted document returns ErrNotFound; Delete of an unknown id still
// writes a tombstone so that later-arriving copies stay deleted.
func (s *Store) Execute(ctx context.Context, collection string, op Op, doc map[string]any, params map[string]any) (AppliedResult, error) {
	if collection == "" {
		return AppliedResult{}, fmt.Errorf("%w: empty collection name", ErrMalformedDocument)
	}
	bound, err := bindParams(doc, params)
	if err != nil {
		return AppliedResult{}, err
	}
	m, ok := bound.(map[string]any)
	if !ok {
		return AppliedResult{}, fmt.Errorf("%w: document must be an object", ErrMalformedDocument)
	}

	var applied store.Applied
	switch op {
	case Delete:
		id, ok := m[document.IDField].(string)
		if !ok || id == "" {
			return AppliedResult{}, fmt.Errorf("%w: delete needs a string %s", ErrMalformedDocument, document.IDField)
		}
		applied, err = s.core.Delete(ctx, collection, id, "")
	case Insert, Update:
		d, ferr := document.FromMap(m)
		if ferr != nil {
			return AppliedResult{}, ferr
		}
		d.Deleted = document.Register{Value: document.Bool(false)}
		if op == Insert {
			applied, err = s.core.Put(ctx, collection, d, "")
		} else {
			applied, err = s.core.Update(ctx, collection, d, "")
		}
	default:
		return AppliedResult{}, fmt.Errorf("unknown operation %s", op)
	}
	if err != nil {
		return AppliedResult{}, err
	}
	return result(applied), nil
}

// bindParams replaces every ParamRef in v, however deeply nested.
func bindParams(v any, params map[string]any) (any, error) {
	switch x := v.(type) {
	case ParamRef:
		p, ok := params[string(x)]
		if !ok {
			return nil, fmt.Errorf("%w: unbound parameter :%s", ErrMalformedDocument, string(x))
		}
		return p, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			b, err := bindParams(item, params)
			if err != nil {
				return nil, err
			}
			out[k] = b
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			b, err := bindParams(item, params)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	default:
		return v, nil
	}
}

// Get returns the visible content of a live document, including "_id".
func (s *Store) Get(collection, id string) (map[string]any, error) {
	d, err := s.core.Get(collection, id)
	if err != nil {
		return nil, err
	}
	return d.Snapshot(), nil
}

// Find returns the live documents of collection matching predicate, sorted by ordering and
// capped at limit (zero for no cap).
func (s *Store) Find(collection, predicate, ordering string, params map[string]any, limit int) ([]map[string]any, error) {
	p, err := s.cache.Compile(predicate)
	if err != nil {
		return nil, err
	}
	order, err := query.ParseOrder(ordering)
	if err != nil {
		return nil, err
	}
	return s.find(collection, p, order, params, limit)
}

// Query runs a one-shot statement of the form
//
//	SELECT * FROM collection [WHERE predicate] [ORDER BY field [ASC|DESC], ...] [LIMIT n]
func (s *Store) Query(statement string, params map[string]any) ([]map[string]any, error) {
	sel, err := query.ParseSelect(statement)
	if err != nil {
		return nil, err
	}
	return s.find(sel.Collection, sel.Where, sel.Order, params, sel.Limit)
}

func (s *Store) find(collection string, p *query.Predicate, order query.Ordering, params map[string]any, limit int) ([]map[string]any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	filter, err := p.Bind(params)
	if err != nil {
		return nil, err
	}
	var docs []document.Document
	for d := range s.core.Scan(collection, filter.Evaluate) {
		docs = append(docs, d)
	}
	order.Sort(docs)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = d.Snapshot()
	}
	return out, nil
}

// Collections lists the collections with their live and tombstoned document counts.
func (s *Store) Collections() []CollectionInfo {
	return s.core.Collections()
}
