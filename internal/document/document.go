// Package document holds the replicated data model: field values, per-field causal
// metadata, the merge rule that makes replicas converge, and the persisted record layout.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// IDField is the reserved key holding a document's identity.
	IDField = "_id"
	// DeletedField names the reserved register that carries the tombstone flag.
	DeletedField = "_deleted"
)

// ErrMalformedDocument is returned for input that cannot be decoded into a valid document.
var ErrMalformedDocument = errors.New("malformed document")

// Clock is the causal stamp of a register: the Lamport counter of the write and the peer
// that made it.
type Clock struct {
	PeerID  string `json:"peerId"`
	Counter uint64 `json:"counter"`
}

func (c Clock) IsZero() bool { return c.Counter == 0 && c.PeerID == "" }

// Compare orders clocks by counter, then by peer id.
func (c Clock) Compare(o Clock) int {
	switch {
	case c.Counter < o.Counter:
		return -1
	case c.Counter > o.Counter:
		return 1
	}
	return strings.Compare(c.PeerID, o.PeerID)
}

func (c Clock) String() string { return fmt.Sprintf("%s@%d", c.PeerID, c.Counter) }

// Register is a last-writer-wins cell. Seq is the local commit sequence at which this
// replica last changed the register; it is local bookkeeping and never crosses the wire.
type Register struct {
	Value Value
	Clock Clock
	Seq   uint64
}

// Document is a keyed mapping of registers plus the reserved deleted register.
type Document struct {
	ID      string
	Fields  map[string]Register
	Deleted Register
}

// New returns an empty document with the given id.
func New(id string) Document {
	return Document{ID: id, Fields: map[string]Register{}}
}

// FromMap builds an unstamped document from JSON-shaped data. The map must carry a string
// "_id"; every other key becomes a field.
func FromMap(m map[string]any) (Document, error) {
	raw, ok := m[IDField]
	if !ok {
		return Document{}, fmt.Errorf("%w: missing %s", ErrMalformedDocument, IDField)
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return Document{}, fmt.Errorf("%w: %s must be a non-empty string", ErrMalformedDocument, IDField)
	}
	doc := New(id)
	for name, x := range m {
		if name == IDField {
			continue
		}
		v, err := FromAny(x)
		if err != nil {
			return Document{}, fmt.Errorf("field %q: %w", name, err)
		}
		doc.Fields[name] = Register{Value: v}
	}
	return doc, doc.Validate()
}

// Validate checks the structural invariants of a document.
func (d Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedDocument, IDField)
	}
	for name, reg := range d.Fields {
		if name == "" || name == IDField || name == DeletedField {
			return fmt.Errorf("%w: reserved or empty field name %q", ErrMalformedDocument, name)
		}
		if reg.Clock.Counter > 0 && reg.Clock.PeerID == "" {
			return fmt.Errorf("%w: field %q has a counter without a peer", ErrMalformedDocument, name)
		}
	}
	if !d.Deleted.Clock.IsZero() {
		if d.Deleted.Clock.PeerID == "" {
			return fmt.Errorf("%w: deleted register has a counter without a peer", ErrMalformedDocument)
		}
		if _, ok := d.Deleted.Value.AsBool(); !ok {
			return fmt.Errorf("%w: deleted register must hold a bool", ErrMalformedDocument)
		}
	}
	return nil
}

// Live reports whether the document is visible, i.e. not tombstoned.
func (d Document) Live() bool {
	deleted, _ := d.Deleted.Value.AsBool()
	return !deleted
}

// Get resolves a dotted path. "_id" resolves to the document id.
func (d Document) Get(path string) (Value, bool) {
	if path == IDField {
		return String(d.ID), true
	}
	head, rest, nested := strings.Cut(path, ".")
	reg, ok := d.Fields[head]
	if !ok {
		return Value{}, false
	}
	if !nested {
		return reg.Value, true
	}
	return reg.Value.Lookup(strings.Split(rest, "."))
}

// MaxCounter is the highest Lamport counter among all registers.
func (d Document) MaxCounter() uint64 {
	top := d.Deleted.Clock.Counter
	for _, reg := range d.Fields {
		top = max(top, reg.Clock.Counter)
	}
	return top
}

// Seq is the latest local commit that touched the document.
func (d Document) Seq() uint64 {
	top := d.Deleted.Seq
	for _, reg := range d.Fields {
		top = max(top, reg.Seq)
	}
	return top
}

// FirstSeqAfter returns the lowest commit after seq that wrote one of d's registers, or 0 when
// none did.
func (d Document) FirstSeqAfter(seq uint64) uint64 {
	var low uint64
	consider := func(r uint64) {
		if r > seq && (low == 0 || r < low) {
			low = r
		}
	}
	consider(d.Deleted.Seq)
	for _, reg := range d.Fields {
		consider(reg.Seq)
	}
	return low
}

// Clone copies the register table. Values are immutable and shared.
func (d Document) Clone() Document {
	out := Document{ID: d.ID, Fields: make(map[string]Register, len(d.Fields)), Deleted: d.Deleted}
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

// FieldNames returns the field names in sorted order.
func (d Document) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot renders the visible content as plain Go values, including "_id".
func (d Document) Snapshot() map[string]any {
	out := make(map[string]any, len(d.Fields)+1)
	for k, reg := range d.Fields {
		out[k] = reg.Value.Any()
	}
	out[IDField] = d.ID
	return out
}

// SameContent reports whether two documents show the same id, liveness and field values,
// ignoring causal metadata.
func SameContent(a, b Document) bool {
	if a.ID != b.ID || a.Live() != b.Live() || len(a.Fields) != len(b.Fields) {
		return false
	}
	for name, ra := range a.Fields {
		rb, ok := b.Fields[name]
		if !ok || !Equal(ra.Value, rb.Value) {
			return false
		}
	}
	return true
}
