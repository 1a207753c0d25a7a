package pipeline

import (
	"fmt"

	"movie-pipeline/internal/model"
)

// validateRecord applies per-source validation rules to a record.
func validateRecord(rec model.Record, rules *model.ValidationRules) error {
	if rules == nil {
		// No validation rules defined → pass through
		return nil
	}

	// Check required fields
	for _, field := range rules.RequiredFields {
		if !rec.Payload.Has(field) {
			return fmt.Errorf("missing required field: %s", field)
		}
		if v, ok := rec.Payload.Get(field); ok && v.IsNull() {
			return fmt.Errorf("required field %s is null", field)
		}
	}

	// Check numeric fields
	for _, field := range rules.NumericFields {
		v, ok := rec.Payload.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		if v.Kind != model.KindNumber {
			return fmt.Errorf("field %s must be numeric, got %s", field, v.Kind)
		}
	}

	// Check min values
	for field, minimum := range rules.MinValues {
		if v, ok := rec.Payload.Get(field); ok && v.Kind == model.KindNumber && v.Num < minimum {
			return fmt.Errorf("field %s below minimum: got %v, want ≥ %v", field, v.Num, minimum)
		}
	}

	// Check max values
	for field, maximum := range rules.MaxValues {
		if v, ok := rec.Payload.Get(field); ok && v.Kind == model.KindNumber && v.Num > maximum {
			return fmt.Errorf("field %s above maximum: got %v, want ≤ %v", field, v.Num, maximum)
		}
	}

	return nil
}
