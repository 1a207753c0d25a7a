package model

import "time"

// ValidationRules defines validation requirements for a source
type ValidationRules struct {
	RequiredFields []string           `json:"requiredFields" koanf:"required_fields"` // fields that must be present
	NumericFields  []string           `json:"numericFields" koanf:"numeric_fields"`   // fields that must be numeric
	MinValues      map[string]float64 `json:"minValues" koanf:"min_values"`           // min allowed numeric values
	MaxValues      map[string]float64 `json:"maxValues" koanf:"max_values"`           // optional max limits
}

// Pagination describes how an upstream listing is walked.
type Pagination struct {
	Mode            string `json:"mode" koanf:"mode" validate:"oneof=page cursor"`
	PageParam       string `json:"page_param" koanf:"page_param"`
	CursorParam     string `json:"cursor_param" koanf:"cursor_param"`
	StartPage       int    `json:"start_page" koanf:"start_page" validate:"gte=0"`
	MaxPages        int    `json:"max_pages" koanf:"max_pages" validate:"gte=0"`
	ResultsField    string `json:"results_field" koanf:"results_field"`
	TotalPagesField string `json:"total_pages_field" koanf:"total_pages_field"`
	NextCursorField string `json:"next_cursor_field" koanf:"next_cursor_field"`
}

// Auth names the credential a source needs and how it is sent.
type Auth struct {
	Secret string `json:"secret" koanf:"secret"`
	Mode   string `json:"mode" koanf:"mode" validate:"omitempty,oneof=bearer query"` // bearer header or query param
	Param  string `json:"param" koanf:"param"`                                        // query param name, e.g. api_key
}

// RateLimit allows Requests calls per Window.
type RateLimit struct {
	Requests int           `json:"requests" koanf:"requests" validate:"gte=0"`
	Window   time.Duration `json:"window" koanf:"window"`
}

// Source represents an upstream listing the pipeline pulls from
type Source struct {
	Name       string            `json:"name" koanf:"name" validate:"required,identifier"`
	URL        string            `json:"url" koanf:"url" validate:"required,url"`
	Params     map[string]string `json:"params,omitempty" koanf:"params"`
	IDField    string            `json:"id_field" koanf:"id_field"`
	Pagination Pagination        `json:"pagination" koanf:"pagination"`
	Auth       Auth              `json:"auth" koanf:"auth"`
	RateLimit  RateLimit         `json:"rate_limit" koanf:"rate_limit"`
	Retry      RetryConfig       `json:"retry" koanf:"retry"`
	Timeout    time.Duration     `json:"timeout" koanf:"timeout"`
	Validation *ValidationRules  `json:"validation,omitempty" koanf:"validation"` // per-source validation
}

// PipelineJobSpec selects what a single run does. Zero values fall back to
// the configured sources and pagination.
type PipelineJobSpec struct {
	Sources       []string `json:"sources,omitempty"`    // source names; empty means all
	StartPage     int      `json:"start_page,omitempty"` // overrides pagination.start_page
	Pages         int      `json:"pages,omitempty"`      // overrides pagination.max_pages
	Resume        bool     `json:"resume,omitempty"`     // continue from the stored cursor
	SkipTransform bool     `json:"skip_transform,omitempty"`
	JobTimeout    string   `json:"jobTimeout,omitempty"` // e.g., "5m"
}

// RunSummary is what a finished pipeline run reports.
type RunSummary struct {
	JobID     string         `json:"job_id"`
	RunSeq    int64          `json:"run_seq"`
	BatchSeq  int64          `json:"batch_seq"`
	Status    string         `json:"status"`
	Batches   []WriteResult  `json:"batches"`
	Rejected  map[string]int `json:"rejected,omitempty"`
	Transform *RunReport     `json:"transform,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}
