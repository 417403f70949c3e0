package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/document"
)

func TestParseSelect(t *testing.T) {
	sel, err := ParseSelect("SELECT * FROM cars WHERE year > :min AND make != 'saab' ORDER BY year DESC, make LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, "cars", sel.Collection)
	assert.Equal(t, "year > :min AND make != 'saab'", sel.Where.Text())
	assert.Equal(t, []string{"min"}, sel.Where.Params())
	assert.Equal(t, Ordering{{Path: "year", Desc: true}, {Path: "make"}}, sel.Order)
	assert.Equal(t, 10, sel.Limit)

	sel, err = ParseSelect("select * from `system.collections`")
	require.NoError(t, err)
	assert.Equal(t, "system.collections", sel.Collection)
	assert.True(t, sel.Where.MatchAll())
	assert.Zero(t, sel.Limit)

	for _, bad := range []string{
		"SELECT make FROM cars",
		"SELECT * cars",
		"SELECT * FROM cars LIMIT -1",
		"SELECT * FROM cars LIMIT x",
		"SELECT * FROM cars ORDER year",
		"SELECT * FROM cars WHERE",
		"SELECT * FROM cars GROUP BY make",
		"DELETE FROM cars",
	} {
		_, err := ParseSelect(bad)
		assert.ErrorIs(t, err, ErrInvalidPredicate, bad)
	}
}

func TestOrdering(t *testing.T) {
	o, err := ParseOrder("rank DESC, name")
	require.NoError(t, err)

	docs := []document.Document{
		doc(t, map[string]any{"_id": "d", "rank": 1, "name": "b"}),
		doc(t, map[string]any{"_id": "c", "rank": 2, "name": "z"}),
		doc(t, map[string]any{"_id": "b", "rank": 1, "name": "a"}),
		doc(t, map[string]any{"_id": "a", "rank": 1, "name": "a"}),
		doc(t, map[string]any{"_id": "e", "name": "a"}),
		doc(t, map[string]any{"_id": "f", "rank": "high"}),
	}
	o.Sort(docs)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	// strings sort after numbers, missing fields sort as null, ties fall back to _id
	assert.Equal(t, []string{"f", "c", "a", "b", "d", "e"}, ids)
	assert.Equal(t, "rank DESC, name ASC", o.String())

	empty, err := ParseOrder("")
	require.NoError(t, err)
	assert.Positive(t, empty.Compare(docs[0], docs[1]), "ids alone decide")

	_, err = ParseOrder("rank DESC extra")
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	_, err = ParseOrder("DESC")
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}
