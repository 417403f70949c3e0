package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zetareticula/meshstore/internal/document"
)

// ProtocolVersion is exchanged in the handshake; peers with different versions never sync.
const ProtocolVersion = 1

// FrameType names a frame on the wire.
type FrameType string

const (
	FrameHello    FrameType = "hello"
	FrameDelta    FrameType = "delta"
	FrameAck      FrameType = "ack"
	FrameInterest FrameType = "interest"
)

// Spec is one subscription: the documents of Collection matching Predicate bound with Params.
type Spec struct {
	Collection string         `json:"collection"`
	Predicate  string         `json:"predicate"`
	Params     map[string]any `json:"params,omitempty"`
}

// Hello opens a session.
type Hello struct {
	Version       int               `json:"version"`
	PeerID        string            `json:"peerId"`
	Subscriptions []Spec            `json:"subscriptions"`
	Checkpoints   map[string]uint64 `json:"checkpoints,omitempty"`
}

// Interest re-advertises the subscription set together with the checkpoints held for it.
type Interest struct {
	Subscriptions []Spec            `json:"subscriptions"`
	Checkpoints   map[string]uint64 `json:"checkpoints,omitempty"`
}

// Delta carries document changes of one scope. UpTo is the sender's commit the batch covers.
type Delta struct {
	Collection string              `json:"collection"`
	Scope      string              `json:"scope"`
	UpTo       uint64              `json:"upTo"`
	Docs       []document.Document `json:"docs"`
}

// Ack confirms that a delta was applied and its checkpoint persisted.
type Ack struct {
	Scope string `json:"scope"`
	Seq   uint64 `json:"seq"`
}

// Frame is the unit exchanged over a transport connection. Exactly one body is set.
type Frame struct {
	Type     FrameType `json:"type"`
	Hello    *Hello    `json:"hello,omitempty"`
	Interest *Interest `json:"interest,omitempty"`
	Delta    *Delta    `json:"delta,omitempty"`
	Ack      *Ack      `json:"ack,omitempty"`
}

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses and checks a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	var ok bool
	switch f.Type {
	case FrameHello:
		ok = f.Hello != nil
	case FrameInterest:
		ok = f.Interest != nil
	case FrameDelta:
		ok = f.Delta != nil
		if ok {
			for _, d := range f.Delta.Docs {
				if !stamped(d) {
					return Frame{}, fmt.Errorf("%w: unstamped register in %q", document.ErrMalformedDocument, d.ID)
				}
			}
		}
	case FrameAck:
		ok = f.Ack != nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	if !ok {
		return Frame{}, fmt.Errorf("%s frame without body", f.Type)
	}
	return f, nil
}

// stamped reports whether every register of d carries a clock, as every replicated register must.
func stamped(d document.Document) bool {
	if d.Validate() != nil {
		return false
	}
	for _, reg := range d.Fields {
		if reg.Clock.IsZero() {
			return false
		}
	}
	return d.Deleted.Value.IsNull() || !d.Deleted.Clock.IsZero()
}

// Scope names the checkpoint of a receiver's subscriptions on collection. Any change to the
// predicates or their parameters yields a different scope, so sync restarts from zero.
func Scope(collection string, specs []Spec) string {
	type entry struct {
		Predicate string         `json:"p"`
		Params    map[string]any `json:"a,omitempty"`
	}
	entries := make([]entry, 0, len(specs))
	for _, s := range specs {
		if s.Collection == collection {
			entries = append(entries, entry{Predicate: s.Predicate, Params: s.Params})
		}
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		b, _ := json.Marshal(e)
		keys[i] = string(b)
	}
	sort.Strings(keys)
	keys = dedupe(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return collection + "#" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ScopeCollection returns the collection a Scope key belongs to.
func ScopeCollection(scope string) string {
	if i := strings.LastIndexByte(scope, '#'); i >= 0 {
		return scope[:i]
	}
	return scope
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// Group splits specs by collection, in collection order.
func Group(specs []Spec) ([]string, map[string][]Spec) {
	byColl := make(map[string][]Spec)
	for _, s := range specs {
		byColl[s.Collection] = append(byColl[s.Collection], s)
	}
	names := make([]string, 0, len(byColl))
	for name := range byColl {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, byColl
}
