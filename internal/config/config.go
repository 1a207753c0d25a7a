// Package config loads the pipeline configuration from defaults, an optional
// YAML file and PIPELINE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"movie-pipeline/internal/logging"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/secrets"
	"movie-pipeline/internal/storage"
)

// EnvPrefix is stripped from environment variables; "__" separates levels,
// so PIPELINE_STORAGE__PROVIDER sets storage.provider.
const EnvPrefix = "PIPELINE_"

// DefaultConfigPaths are searched when no explicit path is given.
var DefaultConfigPaths = []string{"pipeline.yaml", "pipeline.yml", "config/pipeline.yaml"}

// Server configures the HTTP API.
type Server struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Warehouse configures the analytical database.
type Warehouse struct {
	Path string `koanf:"path"` // empty for in-memory
}

// State configures the run metadata database.
type State struct {
	Path string `koanf:"path" validate:"required"`
}

// Config is the root configuration.
type Config struct {
	Server      Server                      `koanf:"server"`
	Logging     logging.Config              `koanf:"logging"`
	Storage     storage.Config              `koanf:"storage"`
	Warehouse   Warehouse                   `koanf:"warehouse"`
	State       State                       `koanf:"state"`
	Secrets     secrets.Config              `koanf:"secrets"`
	Concurrency model.ConcurrencyConfig     `koanf:"concurrency"`
	Sources     []model.Source              `koanf:"sources" validate:"dive"`
	Transforms  []model.TransformDefinition `koanf:"transforms" validate:"dive"`
	Exports     []string                    `koanf:"exports" validate:"dive,identifier"` // tables copied to storage after each run

	// path of the file the config was read from, used to resolve sql_file.
	dir string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  Server{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Logging: logging.Config{Level: "info", Format: "json"},
		Storage: storage.Config{
			Provider: storage.ProviderLocal,
			Local:    storage.LocalConfig{BasePath: "data"},
		},
		Warehouse: Warehouse{Path: "data/warehouse.duckdb"},
		State:     State{Path: "data/state.db"},
		Secrets:   secrets.Config{Provider: "env", Prefix: "PIPELINE_SECRET_"},
		Concurrency: model.ConcurrencyConfig{
			Workers:    model.Workers{Landing: 8, Loading: 4, Transform: 4},
			JobTimeout: "10m",
		},
	}
}

// Load reads configuration. An empty path searches DefaultConfigPaths; a
// missing file is not an error, a named file that does not exist is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if path != "" {
		cfg.dir = filepath.Dir(path)
	}

	cfg.ApplyDefaults()
	if err := cfg.resolveSQLFiles(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyDefaults fills per-source settings left empty in the file.
func (c *Config) ApplyDefaults() {
	for i := range c.Sources {
		applySourceDefaults(&c.Sources[i])
	}
	w := &c.Concurrency.Workers
	if w.Landing <= 0 {
		w.Landing = 8
	}
	if w.Loading <= 0 {
		w.Loading = 4
	}
	if w.Transform <= 0 {
		w.Transform = 4
	}
}

func applySourceDefaults(s *model.Source) {
	if s.IDField == "" {
		s.IDField = "id"
	}
	p := &s.Pagination
	if p.Mode == "" {
		p.Mode = "page"
	}
	if p.PageParam == "" {
		p.PageParam = "page"
	}
	if p.CursorParam == "" {
		p.CursorParam = "cursor"
	}
	if p.StartPage == 0 {
		p.StartPage = 1
	}
	if p.ResultsField == "" {
		p.ResultsField = "results"
	}
	if p.TotalPagesField == "" {
		p.TotalPagesField = "total_pages"
	}
	if p.NextCursorField == "" {
		p.NextCursorField = "next_cursor"
	}
	if s.Auth.Secret != "" && s.Auth.Mode == "" {
		s.Auth.Mode = "query"
	}
	if s.Auth.Mode == "query" && s.Auth.Param == "" {
		s.Auth.Param = "api_key"
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.RateLimit.Requests > 0 && s.RateLimit.Window == 0 {
		s.RateLimit.Window = time.Second
	}
}

func (c *Config) resolveSQLFiles() error {
	for i := range c.Transforms {
		t := &c.Transforms[i]
		if t.SQLFile == "" {
			continue
		}
		p := t.SQLFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.dir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("transform %s: read sql_file: %w", t.Name, err)
		}
		t.SQL = string(b)
	}
	return nil
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRE.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate source %q", s.Name))
		}
		seen[s.Name] = true
	}
	names := make(map[string]bool)
	for _, t := range c.Transforms {
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate transform %q", t.Name))
		}
		names[t.Name] = true
		if strings.TrimSpace(t.SQL) == "" {
			errs = append(errs, fmt.Errorf("transform %q has no sql", t.Name))
		}
	}
	if _, err := time.ParseDuration(c.Concurrency.JobTimeout); c.Concurrency.JobTimeout != "" && err != nil {
		errs = append(errs, fmt.Errorf("concurrency.job_timeout: %w", err))
	}
	return errors.Join(errs...)
}

// Source returns the named source.
func (c *Config) Source(name string) (model.Source, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return model.Source{}, false
}

// IsIdentifier reports whether name is usable as a source or table name.
func IsIdentifier(name string) bool { return identifierRE.MatchString(name) }
