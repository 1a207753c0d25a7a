package model

import "time"

// Run statuses, in the order a successful run moves through them.
const (
	RunPending      = "pending"
	RunFetching     = "fetching"
	RunLanding      = "landing"
	RunLoading      = "loading"
	RunTransforming = "transforming"
	RunCompleted    = "completed"
	RunFailed       = "failed"
	RunCancelled    = "cancelled"
)

// StageMetrics represents metrics for a specific pipeline stage
type StageMetrics struct {
	Stage            string        `json:"stage"`
	Status           string        `json:"status"` // "running", "completed", "failed"
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	RecordsProcessed int64         `json:"records_processed"`
	ErrorCount       int64         `json:"error_count"`
}

// SourceMetrics represents metrics for a specific data source
type SourceMetrics struct {
	Source        string        `json:"source"`
	Pages         int           `json:"pages"`
	Fetched       int64         `json:"fetched"`
	Rejected      int64         `json:"rejected"`
	Written       int64         `json:"written"`
	Deduplicated  int64         `json:"deduplicated"`
	IngestionTime time.Duration `json:"ingestion_time"`
	LastError     string        `json:"last_error,omitempty"`
}

// ErrorDetail represents a detailed error with context
type ErrorDetail struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Source    string    `json:"source,omitempty"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Severity  string    `json:"severity"` // "low", "medium", "high", "critical"
}
