package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reg(v Value, peer string, counter uint64) Register {
	return Register{Value: v, Clock: Clock{PeerID: peer, Counter: counter}}
}

func docWith(id string, fields map[string]Register) Document {
	d := New(id)
	for k, v := range fields {
		d.Fields[k] = v
	}
	return d
}

func TestWins(t *testing.T) {
	cases := []struct {
		name     string
		in, have Clock
		want     bool
	}{
		{"higher counter", Clock{"a", 2}, Clock{"b", 1}, true},
		{"lower counter", Clock{"z", 1}, Clock{"a", 2}, false},
		{"tie higher peer", Clock{"b", 3}, Clock{"a", 3}, true},
		{"tie lower peer", Clock{"a", 3}, Clock{"b", 3}, false},
		{"identical", Clock{"a", 3}, Clock{"a", 3}, false},
		{"against empty", Clock{"a", 1}, Clock{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Wins(c.in, c.have))
		})
	}
}

func TestMergeFieldwise(t *testing.T) {
	existing := docWith("1", map[string]Register{
		"name":  reg(String("x"), "A", 1),
		"color": reg(String("red"), "A", 5),
	})
	incoming := docWith("1", map[string]Register{
		"name":  reg(String("y"), "B", 2),
		"color": reg(String("blue"), "B", 4),
		"size":  reg(Number(3), "B", 4),
	})

	merged, changed := Merge(existing, incoming, 7)

	assert.Equal(t, []string{"name", "size"}, changed)
	v, _ := merged.Get("name")
	assert.Equal(t, "y", v.Any())
	v, _ = merged.Get("color")
	assert.Equal(t, "red", v.Any())
	assert.Equal(t, uint64(7), merged.Fields["name"].Seq)
	assert.Equal(t, uint64(0), merged.Fields["color"].Seq)

	// existing is untouched
	v, _ = existing.Get("name")
	assert.Equal(t, "x", v.Any())
}

func TestMergeIdempotentAndCommutative(t *testing.T) {
	a := docWith("1", map[string]Register{
		"title": reg(String("a"), "A", 3),
		"n":     reg(Number(1), "A", 1),
	})
	b := docWith("1", map[string]Register{
		"title": reg(String("b"), "B", 3),
		"n":     reg(Number(2), "B", 2),
	})
	b.Deleted = reg(Bool(true), "B", 2)

	ab, _ := Merge(Document{}, a, 1)
	ab, _ = Merge(ab, b, 2)
	ba, _ := Merge(Document{}, b, 1)
	ba, _ = Merge(ba, a, 2)

	require.True(t, SameContent(ab, ba))
	assert.Equal(t, "b", ab.Fields["title"].Value.Any(), "equal counters resolve to the higher peer")
	assert.False(t, ab.Live())

	again, changed := Merge(ab, b, 3)
	assert.Empty(t, changed)
	assert.True(t, SameContent(ab, again))
}

func TestMergeDeleteRace(t *testing.T) {
	base := docWith("1", map[string]Register{"name": reg(String("x"), "A", 1)})
	base.Deleted = reg(Bool(false), "A", 1)

	t.Run("delete with higher counter wins", func(t *testing.T) {
		update := docWith("1", map[string]Register{"name": reg(String("y"), "A", 2)})
		update.Deleted = reg(Bool(false), "A", 2)
		del := New("1")
		del.Deleted = reg(Bool(true), "B", 3)

		m, _ := Merge(base, update, 1)
		m, _ = Merge(m, del, 2)
		assert.False(t, m.Live())
	})

	t.Run("delete with lower counter loses", func(t *testing.T) {
		update := docWith("1", map[string]Register{"name": reg(String("y"), "A", 5)})
		update.Deleted = reg(Bool(false), "A", 5)
		del := New("1")
		del.Deleted = reg(Bool(true), "B", 3)

		m, _ := Merge(base, del, 1)
		m, _ = Merge(m, update, 2)
		assert.True(t, m.Live())
		assert.Equal(t, "y", m.Fields["name"].Value.Any())
	})
}

func TestStampAndSince(t *testing.T) {
	d := docWith("1", map[string]Register{
		"a": {Value: Number(1)},
		"b": reg(Number(2), "X", 9),
	})
	d.Deleted = Register{Value: Bool(false)}

	stamped := Stamp(d, Clock{PeerID: "L", Counter: 10})
	assert.Equal(t, Clock{"L", 10}, stamped.Fields["a"].Clock)
	assert.Equal(t, Clock{"X", 9}, stamped.Fields["b"].Clock)
	assert.Equal(t, Clock{"L", 10}, stamped.Deleted.Clock)

	merged, _ := Merge(Document{}, stamped, 4)
	delta, ok := Since(merged, 3, "X")
	require.True(t, ok)
	assert.Contains(t, delta.Fields, "a")
	assert.NotContains(t, delta.Fields, "b", "registers written by the target peer are skipped")

	_, ok = Since(merged, 4, "")
	assert.False(t, ok)
}
