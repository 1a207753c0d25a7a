package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"movie-pipeline/internal/model"
)

func TestValidateRecord(t *testing.T) {
	rules := &model.ValidationRules{
		RequiredFields: []string{"title"},
		NumericFields:  []string{"vote_average"},
		MinValues:      map[string]float64{"vote_average": 0},
		MaxValues:      map[string]float64{"vote_average": 10},
	}
	rec := func(attrs map[string]model.Value) model.Record {
		return model.Record{ID: "1", Payload: model.Payload{Attributes: attrs}}
	}

	tests := []struct {
		name    string
		attrs   map[string]model.Value
		wantErr string
	}{
		{"valid", map[string]model.Value{"title": model.String("Heat"), "vote_average": model.Number(7.9)}, ""},
		{"numeric field absent", map[string]model.Value{"title": model.String("Heat")}, ""},
		{"missing title", map[string]model.Value{"vote_average": model.Number(7)}, "missing required field: title"},
		{"null title", map[string]model.Value{"title": model.Null()}, "required field title is null"},
		{"non numeric", map[string]model.Value{"title": model.String("x"), "vote_average": model.String("7")}, "must be numeric"},
		{"below min", map[string]model.Value{"title": model.String("x"), "vote_average": model.Number(-1)}, "below minimum"},
		{"above max", map[string]model.Value{"title": model.String("x"), "vote_average": model.Number(11)}, "above maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRecord(rec(tt.attrs), rules)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateRecordWithoutRules(t *testing.T) {
	assert.NoError(t, validateRecord(model.Record{}, nil))
}
