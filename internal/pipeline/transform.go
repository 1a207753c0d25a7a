package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/metrics"
	"movie-pipeline/internal/model"
)

// Warehouse is what the transform runner needs from the warehouse.
type Warehouse interface {
	Lookup(ctx context.Context, name string) (model.DerivedTable, bool, error)
	Materialize(ctx context.Context, name, version, query string) (model.DerivedTable, error)
}

// TransformRunner materialises transform definitions in dependency order.
type TransformRunner struct {
	wh      Warehouse
	workers int
	now     func() time.Time
	log     zerolog.Logger
}

func NewTransformRunner(wh Warehouse, workers int) *TransformRunner {
	if workers <= 0 {
		workers = 1
	}
	return &TransformRunner{
		wh:      wh,
		workers: workers,
		now:     time.Now,
		log:     logging.Component("transform"),
	}
}

// Plan validates defs and returns their dependency graph. Nothing is
// executed. Inputs that are not definitions must already be published.
func (r *TransformRunner) Plan(ctx context.Context, defs []model.TransformDefinition) (*Graph, error) {
	g := NewGraph()
	byName := make(map[string]model.TransformDefinition, len(defs))
	var errs []error
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			errs = append(errs, fmt.Errorf("transform %s defined twice", d.Name))
			continue
		}
		if strings.TrimSpace(d.SQL) == "" {
			errs = append(errs, fmt.Errorf("transform %s has no sql", d.Name))
		}
		byName[d.Name] = d
		g.AddNode(d.Name)
	}

	for _, d := range defs {
		for _, in := range d.Inputs {
			if _, ok := byName[in]; ok {
				if err := g.AddEdge(in, d.Name); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			_, ok, err := r.wh.Lookup(ctx, in)
			if err != nil {
				return nil, err
			}
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %s reads %s", ErrUnknownInput, d.Name, in))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if hasCycle, path := g.HasCycle(); hasCycle {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// transformRun is the state of one Run call. outcomes is only touched under mu.
type transformRun struct {
	r     *TransformRunner
	defs  map[string]model.TransformDefinition
	graph *Graph

	mu       sync.Mutex
	outcomes map[string]model.TransformOutcome
	causes   map[string]error
}

type nodeResult struct {
	name    string
	outcome model.TransformOutcome
	err     error
}

// Run executes defs. Independent definitions run concurrently up to the
// worker limit. A failed definition skips its dependents only. The report is
// returned even when err is non-nil, except for validation failures.
func (r *TransformRunner) Run(ctx context.Context, defs []model.TransformDefinition) (*model.RunReport, error) {
	g, err := r.Plan(ctx, defs)
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	run := &transformRun{
		r:        r,
		defs:     make(map[string]model.TransformDefinition, len(defs)),
		graph:    g,
		outcomes: make(map[string]model.TransformOutcome, len(defs)),
		causes:   make(map[string]error),
	}
	for _, d := range defs {
		run.defs[d.Name] = d
	}

	pending := make(map[string]int, len(order))
	var ready []string
	for _, name := range order {
		pending[name] = len(g.Parents(name))
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}

	results := make(chan nodeResult)
	inflight := 0
	for {
		for inflight < r.workers && len(ready) > 0 && ctx.Err() == nil {
			name := ready[0]
			ready = ready[1:]
			inflight++
			go func() {
				outcome, err := run.execute(ctx, name)
				results <- nodeResult{name: name, outcome: outcome, err: err}
			}()
		}
		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		run.record(res.outcome)
		if res.err != nil {
			run.causes[res.name] = res.err
			run.skipDescendants(res.name)
			continue
		}
		for _, child := range g.Children(res.name) {
			pending[child]--
			if pending[child] == 0 && !run.done(child) {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}

	// anything never dispatched was stopped by cancellation
	for _, name := range order {
		if !run.done(name) {
			run.record(model.TransformOutcome{Name: name, Status: model.StatusSkipped, Error: "run cancelled"})
		}
	}

	report := &model.RunReport{Tables: []model.DerivedTable{}, Outcomes: run.outcomes}
	var errs []error
	for _, name := range order {
		o := run.outcomes[name]
		switch o.Status {
		case model.StatusMaterialized, model.StatusUnchanged:
			report.Tables = append(report.Tables, *o.Table)
		case model.StatusFailed:
			errs = append(errs, &TransformError{Name: name, Cause: run.causes[name]})
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	r.log.Info().
		Int("materialized", report.Count(model.StatusMaterialized)).
		Int("unchanged", report.Count(model.StatusUnchanged)).
		Int("failed", report.Count(model.StatusFailed)).
		Int("skipped", report.Count(model.StatusSkipped)).
		Msg("transform run finished")
	return report, errors.Join(errs...)
}

func (t *transformRun) record(o model.TransformOutcome) {
	t.mu.Lock()
	t.outcomes[o.Name] = o
	t.mu.Unlock()
	metrics.RecordTransform(o.Name, string(o.Status), o.Duration)
}

func (t *transformRun) done(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outcomes[name]
	return ok
}

func (t *transformRun) skipDescendants(failed string) {
	for _, name := range t.graph.Descendants(failed) {
		if t.done(name) {
			continue
		}
		t.record(model.TransformOutcome{
			Name:   name,
			Status: model.StatusSkipped,
			Error:  fmt.Sprintf("upstream %s failed", failed),
		})
		t.r.log.Warn().Str("table", name).Str("upstream", failed).Msg("transform skipped")
	}
}

// inputVersion returns the version of an input: the outcome of this run for
// definitions, the published version otherwise.
func (t *transformRun) inputVersion(ctx context.Context, input string) (string, error) {
	t.mu.Lock()
	o, ok := t.outcomes[input]
	t.mu.Unlock()
	if ok {
		if o.Table == nil {
			return "", fmt.Errorf("input %s has no table", input)
		}
		return o.Table.Version, nil
	}
	tbl, ok, err := t.r.wh.Lookup(ctx, input)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownInput, input)
	}
	return tbl.Version, nil
}

func (t *transformRun) execute(ctx context.Context, name string) (model.TransformOutcome, error) {
	def := t.defs[name]
	start := t.r.now()
	log := t.r.log.With().Str("table", name).Logger()
	fail := func(err error) (model.TransformOutcome, error) {
		log.Error().Err(err).Msg("transform failed")
		return model.TransformOutcome{Name: name, Status: model.StatusFailed, Error: err.Error(), Duration: t.r.now().Sub(start)}, err
	}

	inputs := make(map[string]string, len(def.Inputs))
	for _, in := range def.Inputs {
		v, err := t.inputVersion(ctx, in)
		if err != nil {
			return fail(err)
		}
		inputs[in] = v
	}
	version := TransformVersion(def.SQL, inputs)

	current, ok, err := t.r.wh.Lookup(ctx, name)
	if err != nil {
		return fail(err)
	}
	if ok && current.Version == version {
		log.Debug().Msg("transform unchanged")
		return model.TransformOutcome{Name: name, Status: model.StatusUnchanged, Table: &current, Duration: t.r.now().Sub(start)}, nil
	}

	tbl, err := t.r.wh.Materialize(ctx, name, version, def.SQL)
	if err != nil {
		return fail(err)
	}
	d := t.r.now().Sub(start)
	log.Info().Int64("rows", tbl.RowCount).Dur("duration", d).Msg("transform materialized")
	return model.TransformOutcome{Name: name, Status: model.StatusMaterialized, Table: &tbl, Duration: d}, nil
}

// TransformVersion is the version hash of a definition: its SQL text and the
// sorted input=version pairs.
func TransformVersion(sql string, inputs map[string]string) string {
	names := make([]string, 0, len(inputs))
	for n := range inputs {
		names = append(names, n)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(sql)))
	for _, n := range names {
		fmt.Fprintf(h, "\n%s=%s", n, inputs[n])
	}
	return hex.EncodeToString(h.Sum(nil))
}
