package model

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Value
	}{
		{"null", `null`, Null()},
		{"string", `"Heat"`, String("Heat")},
		{"integer", `1995`, Number(1995)},
		{"float", `7.9`, Number(7.9)},
		{"bool", `true`, Bool(true)},
		{"list", `[28, "crime", false]`, List(Number(28), String("crime"), Bool(false))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &v))
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestValueUnmarshalRejectsObject(t *testing.T) {
	var v Value
	err := v.UnmarshalJSON([]byte(`{"a":1}`))
	assert.ErrorIs(t, err, errNestedObject)
}

func TestPayloadFromRawSplitsExtensions(t *testing.T) {
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 949,
		"title": "Heat",
		"genre_ids": [28, 80],
		"belongs_to_collection": {"id": 1, "name": "x"}
	}`), &fields))

	p, err := PayloadFromRaw(fields)
	require.NoError(t, err)

	title, ok := p.Get("title")
	require.True(t, ok)
	assert.Equal(t, "Heat", title.Str)
	assert.Len(t, p.Attributes, 3)
	assert.Contains(t, p.Extensions, "belongs_to_collection")
	assert.True(t, p.Has("belongs_to_collection"))
	assert.False(t, p.Has("missing"))
}

func TestPayloadCanonicalEncoding(t *testing.T) {
	var a, b Payload
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Heat","id":949,"meta":{"b":2,"a":1}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"meta":{"a":1,"b":2},"id":949,"title":"Heat"}`), &b))

	out, err := a.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"id":949,"meta":{"a":1,"b":2},"title":"Heat"}`, string(out))

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestContentHashIgnoresFetchMetadata(t *testing.T) {
	p := Payload{Attributes: map[string]Value{"id": Number(1), "title": String("Ronin")}}
	r1 := Record{ID: "1", Source: "movies", Payload: p, Page: 1}
	r2 := Record{ID: "1", Source: "movies", Payload: p, Page: 7}

	h1, err := r1.ContentHash()
	require.NoError(t, err)
	h2, err := r2.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	p2 := Payload{Attributes: map[string]Value{"id": Number(1), "title": String("Ronin (1998)")}}
	h3, err := Record{ID: "1", Payload: p2}.ContentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestStoredRecordRoundTrip(t *testing.T) {
	rec := StoredRecord{
		ID:          "949",
		Source:      "movies",
		ContentHash: "abc",
		RunID:       3,
		Page:        2,
		Payload:     Payload{Attributes: map[string]Value{"title": String("Heat")}},
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var got StoredRecord
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Heat", got.Payload.Attributes["title"].Str)
}
