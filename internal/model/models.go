package model

import "time"

// TransformDefinition is a named SQL statement that produces a derived table.
type TransformDefinition struct {
	Name        string   `json:"name" koanf:"name" validate:"required,identifier"`
	Inputs      []string `json:"inputs" koanf:"inputs" validate:"dive,identifier"`
	SQL         string   `json:"sql" koanf:"sql"`
	SQLFile     string   `json:"sql_file,omitempty" koanf:"sql_file"`
	Description string   `json:"description,omitempty" koanf:"description"`
}

// DerivedTable is a published warehouse table and the version it holds.
type DerivedTable struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	PhysicalName string    `json:"physical_name"`
	RowCount     int64     `json:"row_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransformStatus is the terminal state of one definition in a run.
type TransformStatus string

const (
	StatusMaterialized TransformStatus = "materialized"
	StatusUnchanged    TransformStatus = "unchanged"
	StatusFailed       TransformStatus = "failed"
	StatusSkipped      TransformStatus = "skipped"
)

// TransformOutcome records what happened to one definition.
type TransformOutcome struct {
	Name     string          `json:"name"`
	Status   TransformStatus `json:"status"`
	Table    *DerivedTable   `json:"table,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// RunReport lists every table produced or confirmed current by a transform run.
type RunReport struct {
	Tables   []DerivedTable              `json:"tables"`
	Outcomes map[string]TransformOutcome `json:"outcomes"`
}

// Count returns how many outcomes have the given status.
func (r *RunReport) Count(status TransformStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
