package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/metrics"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/secrets"
)

const maxResponseBytes = 32 << 20

// Fetcher pulls records for one source from a paginated HTTP API. A Fetcher
// is safe for concurrent use; its limiter and circuit breaker are shared by
// every stream it opens.
type Fetcher struct {
	source   model.Source
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	secrets  secrets.Provider
	retry    model.RetryConfig
	now      func() time.Time
	log      zerolog.Logger
	maxPages int
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption { return func(f *Fetcher) { f.client = c } }

// WithLimiter replaces the limiter built from the source's rate_limit.
func WithLimiter(l *rate.Limiter) FetcherOption { return func(f *Fetcher) { f.limiter = l } }

func WithSecrets(p secrets.Provider) FetcherOption { return func(f *Fetcher) { f.secrets = p } }

func WithClock(now func() time.Time) FetcherOption { return func(f *Fetcher) { f.now = now } }

func WithLogger(l zerolog.Logger) FetcherOption { return func(f *Fetcher) { f.log = l } }

// WithBreakerThreshold sets how many consecutive upstream failures open the circuit.
func WithBreakerThreshold(n uint32) FetcherOption {
	return func(f *Fetcher) { f.breaker = newBreaker(f.source.Name, n) }
}

// NewFetcher builds a fetcher for src.
func NewFetcher(src model.Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source:   src,
		retry:    retryConfigFor("fetch", src.Retry),
		now:      time.Now,
		log:      logging.Component("fetcher").With().Str("source", src.Name).Logger(),
		maxPages: src.Pagination.MaxPages,
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f.client = &http.Client{Timeout: timeout}

	f.limiter = newLimiter(src.RateLimit)
	f.breaker = newBreaker(src.Name, 10)

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newLimiter spaces requests evenly so that no window of rl.Window sees
// more than rl.Requests calls, including the first one.
func newLimiter(rl model.RateLimit) *rate.Limiter {
	if rl.Requests <= 0 || rl.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.Requests)), 1)
}

func newBreaker(source string, threshold uint32) *gobreaker.CircuitBreaker[[]byte] {
	name := "upstream-" + source
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// 4xx answers and rate limiting mean the upstream is up.
		IsSuccessful: func(err error) bool {
			var rl *rateLimitedError
			return err == nil || !IsTransient(err) || errors.As(err, &rl)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// Source returns the source configuration the fetcher serves.
func (f *Fetcher) Source() model.Source { return f.source }

// WithMaxPages returns a fetcher that stops after n pages. It shares the
// limiter and breaker with f. n <= 0 keeps the configured limit.
func (f *Fetcher) WithMaxPages(n int) *Fetcher {
	if n <= 0 {
		return f
	}
	cp := *f
	cp.maxPages = n
	return &cp
}

// Fetch opens a lazy stream starting at since. Nothing is requested until
// the stream's records are ranged over.
func (f *Fetcher) Fetch(ctx context.Context, since model.Cursor) *Stream {
	start := since
	if f.source.Pagination.Mode != "cursor" && start.Page <= 0 {
		start.Page = f.source.Pagination.StartPage
		if start.Page <= 0 {
			start.Page = 1
		}
	}
	return &Stream{f: f, ctx: ctx, start: start, next: start}
}

// Stream is a single pass over an upstream listing. After ranging over
// Records, Err reports why iteration stopped early (nil when the listing or
// the page budget was exhausted) and Next is the cursor to resume from.
type Stream struct {
	f     *Fetcher
	ctx   context.Context
	start model.Cursor

	started  bool
	next     model.Cursor
	err      error
	pages    int
	fetched  int
	rejected int
	done     bool
}

func (s *Stream) Err() error { return s.err }
func (s *Stream) Next() model.Cursor { return s.next }
func (s *Stream) Pages() int { return s.pages }
func (s *Stream) Rejected() int { return s.rejected }
func (s *Stream) Exhausted() bool { return s.done }
func (s *Stream) Fetched() int { return s.fetched }

// Records yields records one page at a time as the consumer pulls them.
// A stream can be ranged over once.
func (s *Stream) Records() iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		if s.started {
			return
		}
		s.started = true

		credential, err := s.f.credential(s.ctx)
		if err != nil {
			s.err = err
			return
		}

		cursor := s.start
		for s.f.maxPages <= 0 || s.pages < s.f.maxPages {
			if err := s.ctx.Err(); err != nil {
				s.err = err
				return
			}
			page, err := s.f.fetchPage(s.ctx, cursor, credential)
			if err != nil {
				s.err = err
				return
			}
			s.pages++

			for _, rec := range page.records {
				if err := validateRecord(rec, s.f.source.Validation); err != nil {
					s.reject("validation", rec.ID, err)
					continue
				}
				s.fetched++
				metrics.FetchedRecords.WithLabelValues(s.f.source.Name).Inc()
				if !yield(rec) {
					// resume by refetching this page; landing is idempotent
					s.next = cursor
					return
				}
			}
			s.rejected += page.rejected

			s.next = page.next
			cursor = page.next
			if page.last {
				s.done = true
				return
			}
		}
	}
}

func (s *Stream) reject(reason, id string, err error) {
	s.rejected++
	metrics.RejectedRecords.WithLabelValues(s.f.source.Name, reason).Inc()
	s.f.log.Warn().Str("id", id).Err(err).Msg("record rejected")
}

func (f *Fetcher) credential(ctx context.Context) (string, error) {
	if f.source.Auth.Secret == "" {
		return "", nil
	}
	if f.secrets == nil {
		return "", fmt.Errorf("source %s needs secret %s but no secret provider is configured", f.source.Name, f.source.Auth.Secret)
	}
	v, err := f.secrets.Secret(ctx, f.source.Auth.Secret)
	if err != nil {
		return "", fmt.Errorf("source %s: %w", f.source.Name, err)
	}
	return v, nil
}

type fetchedPage struct {
	records  []model.Record
	rejected int
	next     model.Cursor
	last     bool
}

func (f *Fetcher) pageURL(cursor model.Cursor, credential string) (string, error) {
	u, err := url.Parse(f.source.URL)
	if err != nil {
		return "", fmt.Errorf("source %s: invalid url: %w", f.source.Name, err)
	}
	q := u.Query()
	for k, v := range f.source.Params {
		q.Set(k, v)
	}
	p := f.source.Pagination
	if p.Mode == "cursor" {
		if cursor.Token != "" {
			q.Set(p.CursorParam, cursor.Token)
		}
	} else {
		q.Set(p.PageParam, strconv.Itoa(cursor.Page))
	}
	if credential != "" && f.source.Auth.Mode == "query" {
		q.Set(f.source.Auth.Param, credential)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) fetchPage(ctx context.Context, cursor model.Cursor, credential string) (*fetchedPage, error) {
	u, err := f.pageURL(cursor, credential)
	if err != nil {
		return nil, err
	}

	var body []byte
	attempts, err := retry(ctx, f.retry, func(attempt int) error {
		var callErr error
		body, callErr = f.breaker.Execute(func() ([]byte, error) {
			return f.get(ctx, u, credential)
		})
		if errors.Is(callErr, gobreaker.ErrOpenState) || errors.Is(callErr, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open for %s: %w", ErrUpstreamUnavailable, f.source.Name, callErr)
		}
		if callErr != nil && IsTransient(callErr) {
			f.log.Debug().Int("attempt", attempt).Int("page", cursor.Page).Err(callErr).Msg("page request failed")
		}
		return callErr
	})
	if err != nil {
		return nil, f.classify(ctx, err, cursor, attempts)
	}

	page, err := f.decodePage(body, cursor)
	if err != nil {
		return nil, fmt.Errorf("source %s page %d: decode response: %w", f.source.Name, cursor.Page, err)
	}
	f.log.Debug().Int("page", cursor.Page).Int("records", len(page.records)).Bool("last", page.last).Msg("page fetched")
	return page, nil
}

func (f *Fetcher) classify(ctx context.Context, err error, cursor model.Cursor, attempts int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var rl *rateLimitedError
	switch {
	case errors.As(err, &rl):
		return fmt.Errorf("%w: %s page %d after %d attempts", ErrRateLimitExceeded, f.source.Name, cursor.Page, attempts)
	case IsTransient(err):
		return fmt.Errorf("%w: %s page %d after %d attempts: %w", ErrUpstreamUnavailable, f.source.Name, cursor.Page, attempts, err)
	default:
		return err
	}
}

func (f *Fetcher) get(ctx context.Context, u, credential string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" && f.source.Auth.Mode == "bearer" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordFetch(f.source.Name, 0)
		// url.Error carries the full URL, which may hold the api key
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, transient(fmt.Errorf("request to %s: %w", f.source.Name, err))
	}
	defer resp.Body.Close()
	metrics.RecordFetch(f.source.Name, resp.StatusCode)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &transientError{
			err:        &rateLimitedError{source: f.source.Name},
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return nil, transient(fmt.Errorf("upstream %s returned %d", f.source.Name, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, &UpstreamError{Source: f.source.Name, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	if readErr != nil {
		return nil, transient(fmt.Errorf("read response from %s: %w", f.source.Name, readErr))
	}
	return body, nil
}

// parseRetryAfter accepts either delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (f *Fetcher) decodePage(body []byte, cursor model.Cursor) (*fetchedPage, error) {
	p := f.source.Pagination
	var (
		items      []json.RawMessage
		totalPages int
		nextToken  string
	)

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		raw, ok := envelope[p.ResultsField]
		if !ok {
			return nil, fmt.Errorf("response has no %q field", p.ResultsField)
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("field %s: %w", p.ResultsField, err)
		}
		if raw, ok := envelope[p.TotalPagesField]; ok {
			_ = json.Unmarshal(raw, &totalPages)
		}
		if raw, ok := envelope[p.NextCursorField]; ok {
			_ = json.Unmarshal(raw, &nextToken)
		}
	}

	page := &fetchedPage{records: make([]model.Record, 0, len(items))}
	fetchedAt := f.now().UTC()
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, fmt.Errorf("result is not an object: %w", err)
		}
		id, ok := recordID(fields[f.source.IDField])
		if !ok {
			page.rejected++
			metrics.RejectedRecords.WithLabelValues(f.source.Name, "missing_id").Inc()
			f.log.Warn().Int("page", cursor.Page).Str("id_field", f.source.IDField).Msg("record without id rejected")
			continue
		}
		payload, err := model.PayloadFromRaw(fields)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		page.records = append(page.records, model.Record{
			ID:        id,
			Source:    f.source.Name,
			Payload:   payload,
			FetchedAt: fetchedAt,
			Page:      cursor.Page,
		})
	}

	if p.Mode == "cursor" {
		page.next = model.Cursor{Token: nextToken}
		page.last = nextToken == "" || len(items) == 0
	} else {
		page.next = model.Cursor{Page: cursor.Page + 1}
		page.last = len(items) == 0 || (totalPages > 0 && cursor.Page >= totalPages)
	}
	return page, nil
}

// recordID reads a string or integer id. Anything else is unusable as a key.
func recordID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var id string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", false
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if _, err := strconv.ParseInt(string(raw), 10, 64); err != nil {
			return "", false
		}
		id = string(raw)
	default:
		return "", false
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", false
	}
	return id, true
}
