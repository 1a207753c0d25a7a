package warehouse

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-pipeline/internal/model"
)

func openTestWarehouse(t *testing.T) *DuckDB {
	t.Helper()
	d, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func sampleRecords() []model.StoredRecord {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mk := func(id, title string, votes float64) model.StoredRecord {
		return model.StoredRecord{
			ID: id, Source: "movies", ContentHash: "h" + id, RunID: 1, FetchedAt: now, Page: 1,
			Payload: model.Payload{Attributes: map[string]model.Value{
				"id":         model.String(id),
				"title":      model.String(title),
				"vote_count": model.Number(votes),
			}},
		}
	}
	return []model.StoredRecord{mk("1", "Heat", 900), mk("2", "Ronin", 400), mk("3", "Thief", 150)}
}

func TestLoadRecordsPublishesView(t *testing.T) {
	ctx := context.Background()
	d := openTestWarehouse(t)

	tbl, err := d.LoadRecords(ctx, "raw_movies", "aaaaaaaaaaaaaaaaaaaa", sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, int64(3), tbl.RowCount)
	assert.Equal(t, "raw_movies__aaaaaaaaaaaa", tbl.PhysicalName)

	var title string
	require.NoError(t, d.DB().QueryRowContext(ctx,
		`SELECT json_extract_string(payload, '$.title') FROM raw_movies WHERE id = '2'`).Scan(&title))
	assert.Equal(t, "Ronin", title)

	v, ok, err := d.CurrentVersion(ctx, "raw_movies")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaa", v)
}

func TestMaterializeAndRepublish(t *testing.T) {
	ctx := context.Background()
	d := openTestWarehouse(t)
	_, err := d.LoadRecords(ctx, "raw_movies", "v1", sampleRecords())
	require.NoError(t, err)

	q := `SELECT id, CAST(json_extract(payload, '$.vote_count') AS DOUBLE) AS votes FROM raw_movies`
	first, err := d.Materialize(ctx, "stg_movies", "1111111111111111", q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.RowCount)

	second, err := d.Materialize(ctx, "stg_movies", "2222222222222222", q+" WHERE id <> '3'")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.RowCount)

	var n int64
	require.NoError(t, d.DB().QueryRowContext(ctx, `SELECT count(*) FROM stg_movies`).Scan(&n))
	assert.Equal(t, int64(2), n)

	// the superseded physical table is gone
	var tables int64
	require.NoError(t, d.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, first.PhysicalName).Scan(&tables))
	assert.Zero(t, tables)
}

func TestMaterializeFailureKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	d := openTestWarehouse(t)
	_, err := d.LoadRecords(ctx, "raw_movies", "v1", sampleRecords())
	require.NoError(t, err)

	good, err := d.Materialize(ctx, "stg_movies", "1111111111111111", `SELECT id FROM raw_movies`)
	require.NoError(t, err)

	_, err = d.Materialize(ctx, "stg_movies", "3333333333333333", `SELECT no_such_column FROM raw_movies`)
	require.Error(t, err)

	cur, ok, err := d.Lookup(ctx, "stg_movies")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, good.Version, cur.Version)

	var n int64
	require.NoError(t, d.DB().QueryRowContext(ctx, `SELECT count(*) FROM stg_movies`).Scan(&n))
	assert.Equal(t, int64(3), n)

	var leftovers int64
	require.NoError(t, d.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, PhysicalName("stg_movies", "3333333333333333")).Scan(&leftovers))
	assert.Zero(t, leftovers)
}

func TestMaterializeRejectsBadName(t *testing.T) {
	d := openTestWarehouse(t)
	_, err := d.Materialize(context.Background(), `x"; DROP TABLE pipeline_tables; --`, "v", "SELECT 1")
	assert.Error(t, err)
}

func TestTablesAndExport(t *testing.T) {
	ctx := context.Background()
	d := openTestWarehouse(t)
	_, err := d.LoadRecords(ctx, "raw_movies", "v1", sampleRecords())
	require.NoError(t, err)
	_, err = d.Materialize(ctx, "top_movies", "t1", `SELECT id FROM raw_movies ORDER BY id LIMIT 2`)
	require.NoError(t, err)

	tables, err := d.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "raw_movies", tables[0].Name)
	assert.Equal(t, "top_movies", tables[1].Name)

	var buf bytes.Buffer
	n, err := d.Export(ctx, "top_movies", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"1"}`, lines[0])

	_, err = d.Export(ctx, "missing", &buf)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestExportVersionReadsThatVersionOnly(t *testing.T) {
	ctx := context.Background()
	d := openTestWarehouse(t)
	_, err := d.LoadRecords(ctx, "raw_movies", "v1", sampleRecords())
	require.NoError(t, err)

	old, err := d.Materialize(ctx, "top_movies", "1111111111111111", `SELECT id FROM raw_movies WHERE id = '1'`)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := d.ExportVersion(ctx, old, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.JSONEq(t, `{"id":"1"}`, strings.TrimSpace(buf.String()))

	cur, err := d.Materialize(ctx, "top_movies", "2222222222222222", `SELECT id FROM raw_movies ORDER BY id`)
	require.NoError(t, err)

	// the superseded version is never served from the newer rows
	buf.Reset()
	_, err = d.ExportVersion(ctx, old, &buf)
	assert.ErrorIs(t, err, ErrUnknownTable)
	assert.Empty(t, buf.String())

	n, err = d.ExportVersion(ctx, cur, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
