// Package warehouse holds the derived tables in an embedded DuckDB database.
//
// Every logical table name is a view over a physical table named
// <name>__<version prefix>. Publishing a new version builds the physical
// table first and then, in one transaction, repoints the view and records
// the version in pipeline_tables, so readers never see a half-built table.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
	"github.com/rs/zerolog"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
)

// ErrUnknownTable is returned for names with no published version.
var ErrUnknownTable = errors.New("unknown table")

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const metadataDDL = `
CREATE TABLE IF NOT EXISTS pipeline_tables (
	name VARCHAR PRIMARY KEY,
	version VARCHAR NOT NULL,
	physical_name VARCHAR NOT NULL,
	row_count BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// DuckDB is the warehouse backed by a DuckDB file (or memory).
type DuckDB struct {
	db  *sql.DB
	log zerolog.Logger

	// publishMu serialises view swaps and metadata writes.
	publishMu sync.Mutex
	// buildLocks holds one mutex per logical table name.
	buildLocks sync.Map
}

// Open connects to the DuckDB database at path; "" or ":memory:" keeps it in memory.
func Open(ctx context.Context, path string) (*DuckDB, error) {
	if path == ":memory:" {
		path = ""
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, metadataDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create metadata table: %w", err)
	}
	return &DuckDB{db: db, log: logging.Component("warehouse")}, nil
}

func (d *DuckDB) Close() error {
	return d.db.Close()
}

// DB exposes the underlying handle for ad-hoc reads.
func (d *DuckDB) DB() *sql.DB { return d.db }

// PhysicalName is the table a version of name is stored in.
func PhysicalName(name, version string) string {
	if len(version) > 12 {
		version = version[:12]
	}
	return name + "__" + version
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func checkName(name string) error {
	if !identifierRE.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func (d *DuckDB) buildLock(name string) *sync.Mutex {
	m, _ := d.buildLocks.LoadOrStore(name, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Lookup returns the published version of name.
func (d *DuckDB) Lookup(ctx context.Context, name string) (model.DerivedTable, bool, error) {
	t := model.DerivedTable{Name: name}
	err := d.db.QueryRowContext(ctx,
		`SELECT version, physical_name, row_count, created_at FROM pipeline_tables WHERE name = ?`, name).
		Scan(&t.Version, &t.PhysicalName, &t.RowCount, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DerivedTable{}, false, nil
	}
	if err != nil {
		return model.DerivedTable{}, false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return t, true, nil
}

// CurrentVersion returns the published version hash of name.
func (d *DuckDB) CurrentVersion(ctx context.Context, name string) (string, bool, error) {
	t, ok, err := d.Lookup(ctx, name)
	return t.Version, ok, err
}

// Tables lists every published table.
func (d *DuckDB) Tables(ctx context.Context) ([]model.DerivedTable, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, version, physical_name, row_count, created_at FROM pipeline_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.DerivedTable{}
	for rows.Next() {
		var t model.DerivedTable
		if err := rows.Scan(&t.Name, &t.Version, &t.PhysicalName, &t.RowCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Materialize builds version of name from query and publishes it. If the
// build fails nothing changes under the logical name.
func (d *DuckDB) Materialize(ctx context.Context, name, version, query string) (model.DerivedTable, error) {
	if err := checkName(name); err != nil {
		return model.DerivedTable{}, err
	}
	lock := d.buildLock(name)
	lock.Lock()
	defer lock.Unlock()

	if cur, ok, err := d.Lookup(ctx, name); err != nil {
		return model.DerivedTable{}, err
	} else if ok && cur.Version == version {
		return cur, nil
	}

	phys := PhysicalName(name, version)
	create := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", quoteIdent(phys), strings.TrimRight(strings.TrimSpace(query), ";"))
	if _, err := d.db.ExecContext(ctx, create); err != nil {
		d.dropPhysical(ctx, phys)
		return model.DerivedTable{}, fmt.Errorf("build %s: %w", name, err)
	}
	return d.publish(ctx, name, version, phys)
}

// LoadRecords stores landed records as a raw table version.
func (d *DuckDB) LoadRecords(ctx context.Context, name, version string, records []model.StoredRecord) (model.DerivedTable, error) {
	if err := checkName(name); err != nil {
		return model.DerivedTable{}, err
	}
	lock := d.buildLock(name)
	lock.Lock()
	defer lock.Unlock()

	if cur, ok, err := d.Lookup(ctx, name); err != nil {
		return model.DerivedTable{}, err
	} else if ok && cur.Version == version {
		return cur, nil
	}

	phys := PhysicalName(name, version)
	if err := d.insertRecords(ctx, phys, records); err != nil {
		d.dropPhysical(ctx, phys)
		return model.DerivedTable{}, fmt.Errorf("load %s: %w", name, err)
	}
	return d.publish(ctx, name, version, phys)
}

func (d *DuckDB) insertRecords(ctx context.Context, phys string, records []model.StoredRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ddl := fmt.Sprintf(`CREATE OR REPLACE TABLE %s (
		id VARCHAR NOT NULL,
		content_hash VARCHAR NOT NULL,
		run_id BIGINT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		page INTEGER NOT NULL,
		payload JSON NOT NULL
	)`, quoteIdent(phys))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?)`, quoteIdent(phys)))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		payload, err := r.Payload.MarshalJSON()
		if err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ContentHash, r.RunID, r.FetchedAt.UTC(), r.Page, string(payload)); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (d *DuckDB) publish(ctx context.Context, name, version, phys string) (model.DerivedTable, error) {
	var rows int64
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(phys))).Scan(&rows); err != nil {
		d.dropPhysical(ctx, phys)
		return model.DerivedTable{}, fmt.Errorf("count %s: %w", name, err)
	}

	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	prev, hadPrev, err := d.Lookup(ctx, name)
	if err != nil {
		return model.DerivedTable{}, err
	}

	t := model.DerivedTable{Name: name, Version: version, PhysicalName: phys, RowCount: rows, CreatedAt: time.Now().UTC()}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DerivedTable{}, err
	}
	defer func() { _ = tx.Rollback() }()

	view := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", quoteIdent(name), quoteIdent(phys))
	if _, err := tx.ExecContext(ctx, view); err != nil {
		return model.DerivedTable{}, fmt.Errorf("publish %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_tables (name, version, physical_name, row_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			version = excluded.version,
			physical_name = excluded.physical_name,
			row_count = excluded.row_count,
			created_at = excluded.created_at`,
		t.Name, t.Version, t.PhysicalName, t.RowCount, t.CreatedAt); err != nil {
		return model.DerivedTable{}, fmt.Errorf("record version of %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return model.DerivedTable{}, fmt.Errorf("publish %s: %w", name, err)
	}

	if hadPrev && prev.PhysicalName != phys {
		d.dropPhysical(ctx, prev.PhysicalName)
	}
	d.log.Info().Str("table", name).Str("version", version).Int64("rows", rows).Msg("table published")
	return t, nil
}

func (d *DuckDB) dropPhysical(ctx context.Context, phys string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(phys)); err != nil {
		d.log.Warn().Err(err).Str("table", phys).Msg("failed to drop physical table")
	}
}

// Export writes every row of the current version of a published table as
// one JSON object per line.
func (d *DuckDB) Export(ctx context.Context, name string, w io.Writer) (int64, error) {
	t, ok, err := d.Lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return d.ExportVersion(ctx, t, w)
}

// ExportVersion writes the rows of exactly the version t describes. A
// version that has since been superseded and dropped yields ErrUnknownTable.
func (d *DuckDB) ExportVersion(ctx context.Context, t model.DerivedTable, w io.Writer) (int64, error) {
	var present int
	if err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, t.PhysicalName).Scan(&present); err != nil {
		return 0, fmt.Errorf("export %s: %w", t.Name, err)
	}
	if present == 0 {
		return 0, fmt.Errorf("%w: %s version %.12s is no longer stored", ErrUnknownTable, t.Name, t.Version)
	}

	rows, err := d.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(t.PhysicalName))
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var n int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = exportValue(values[i])
		}
		if err := enc.Encode(row); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func exportValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
