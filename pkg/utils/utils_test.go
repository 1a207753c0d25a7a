package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ParseDuration("", 5*time.Minute))
	assert.Equal(t, 90*time.Second, ParseDuration("90s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("-3s", time.Minute))
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt("", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = ParseInt(" 3 ", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = ParseInt("three", 5)
	assert.Error(t, err)
	_, err = ParseInt("-1", 5)
	assert.Error(t, err)
}

func TestLayoutKeys(t *testing.T) {
	l := NewLayout("")
	assert.Equal(t, "landing/movies/records/", l.RecordsPrefix("movies"))
	assert.Equal(t, "landing/movies/records/949/abc.json", l.RecordKey("movies", "949", "abc"))
	assert.Equal(t, "landing/movies/batches/00000000000000000042.jsonl", l.ManifestKey("movies", 42))
	assert.Equal(t, "exports/top_movies/0123456789ab.jsonl", l.ExportKey("top_movies", "0123456789abcdef"))
	assert.True(t, l.IsRecordKey("landing/movies/records/949/abc.json"))
	assert.False(t, l.IsRecordKey("landing/movies/batches/00000000000000000042.jsonl"))

	assert.Equal(t, "raw/movies/records/", NewLayout("/raw/").RecordsPrefix("movies"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/x-ndjson", ContentType("a.jsonl"))
	assert.Equal(t, "application/json", ContentType("a.json"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}
