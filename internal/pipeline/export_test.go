package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-pipeline/internal/model"
	"movie-pipeline/internal/warehouse"
	"movie-pipeline/pkg/utils"
)

func TestExportManagerWritesEachVersionOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	wh := openWarehouse(t)

	_, err := NewLandingWriter(s).Write(ctx, movieBatch(1, 4))
	require.NoError(t, err)
	_, err = NewSourceLoader(s, wh, utils.NewLayout(""), 2).Load(ctx, "movies")
	require.NoError(t, err)

	m := NewExportManager(s, wh, utils.NewLayout(""))
	res, err := m.Export(ctx, "raw_movies")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Existing)
	assert.Equal(t, int64(4), res.RecordCount)
	assert.True(t, strings.HasPrefix(res.Path, "exports/raw_movies/"))
	assert.True(t, strings.HasPrefix(res.URL, "file://"))

	rc, err := s.Download(ctx, res.Path)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Len(t, strings.Split(strings.TrimSpace(string(body)), "\n"), 4)

	again, err := m.Export(ctx, "raw_movies")
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, res.Path, again.Path)
}

func TestExportManagerUnknownTable(t *testing.T) {
	m := NewExportManager(newTestStorage(t), openWarehouse(t), utils.NewLayout(""))
	results, err := m.ExportAll(context.Background(), []string{"nope"})
	require.ErrorIs(t, err, warehouse.ErrUnknownTable)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
}

// republishingTables publishes a new version of the table right after each
// Lookup.
type republishingTables struct {
	*warehouse.DuckDB
	t     *testing.T
	bumps int
}

func (r *republishingTables) Lookup(ctx context.Context, name string) (model.DerivedTable, bool, error) {
	t, ok, err := r.DuckDB.Lookup(ctx, name)
	if err != nil || !ok {
		return t, ok, err
	}
	r.bumps++
	_, err = r.DuckDB.Materialize(ctx, name, fmt.Sprintf("%016d", r.bumps),
		`SELECT id, 'newer' AS tag FROM raw_movies`)
	require.NoError(r.t, err)
	return t, ok, nil
}

func TestExportManagerNeverMixesVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	wh := openWarehouse(t)
	layout := utils.NewLayout("")

	_, err := NewLandingWriter(s).Write(ctx, movieBatch(1, 3))
	require.NoError(t, err)
	_, err = NewSourceLoader(s, wh, layout, 2).Load(ctx, "movies")
	require.NoError(t, err)
	older, err := wh.Materialize(ctx, "tagged", "aaaaaaaaaaaaaaaa", `SELECT id, 'older' AS tag FROM raw_movies`)
	require.NoError(t, err)

	m := NewExportManager(s, &republishingTables{DuckDB: wh, t: t}, layout)
	res, err := m.Export(ctx, "tagged")
	require.ErrorIs(t, err, warehouse.ErrUnknownTable)
	assert.False(t, res.Success)
	assert.Equal(t, older.Version, res.Version)

	exists, err := s.Exists(ctx, layout.ExportKey("tagged", older.Version))
	require.NoError(t, err)
	assert.False(t, exists)

	// the version published in between exports its own rows under its own key
	res, err = NewExportManager(s, wh, layout).Export(ctx, "tagged")
	require.NoError(t, err)
	assert.NotEqual(t, older.Version, res.Version)
	rc, err := s.Download(ctx, res.Path)
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = io.Copy(&body, rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Contains(t, body.String(), "newer")
	assert.NotContains(t, body.String(), "older")
}
