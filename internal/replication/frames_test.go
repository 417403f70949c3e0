package replication

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/document"
)

func TestScope(t *testing.T) {
	a := []Spec{
		{Collection: "cars", Predicate: "color = :c", Params: map[string]any{"c": "blue"}},
		{Collection: "cars", Predicate: "year > 2000"},
		{Collection: "people", Predicate: ""},
	}
	b := []Spec{a[2], a[1], a[0], a[1]}

	assert.Equal(t, Scope("cars", a), Scope("cars", b), "order and duplicates do not matter")
	assert.True(t, strings.HasPrefix(Scope("cars", a), "cars#"))
	assert.NotEqual(t, Scope("cars", a), Scope("people", a))

	changed := []Spec{{Collection: "cars", Predicate: "color = :c", Params: map[string]any{"c": "red"}}, a[1]}
	assert.NotEqual(t, Scope("cars", a), Scope("cars", changed), "parameters are part of the scope")

	names, byColl := Group(a)
	assert.Equal(t, []string{"cars", "people"}, names)
	assert.Len(t, byColl["cars"], 2)
}

func TestScopeCollection(t *testing.T) {
	for _, coll := range []string{"cars", "a#b", ""} {
		assert.Equal(t, coll, ScopeCollection(Scope(coll, nil)))
	}
}

func TestDecode(t *testing.T) {
	doc := document.New("1")
	doc.Fields["make"] = document.Register{Value: document.String("volvo"), Clock: document.Clock{PeerID: "A", Counter: 3}, Seq: 9}
	data, err := Encode(Frame{Type: FrameDelta, Delta: &Delta{Collection: "cars", Scope: "cars#x", UpTo: 9, Docs: []document.Document{doc}}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"seq"`, "commit sequences stay local")

	f, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Delta)
	assert.Equal(t, uint64(9), f.Delta.UpTo)
	assert.Equal(t, document.Clock{PeerID: "A", Counter: 3}, f.Delta.Docs[0].Fields["make"].Clock)

	for name, raw := range map[string]string{
		"garbage":       `{`,
		"unknown type":  `{"type":"bye"}`,
		"missing body":  `{"type":"ack"}`,
		"unstamped doc": `{"type":"delta","delta":{"collection":"c","scope":"c#x","upTo":1,"docs":[{"_id":"1","fields":{"a":{"value":1,"peerId":"","counter":0}},"deleted":{"value":false,"peerId":"","counter":0}}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}
