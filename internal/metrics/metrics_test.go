package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFetch(t *testing.T) {
	before := testutil.ToFloat64(FetchRequests.WithLabelValues("movies", "429"))
	RecordFetch("movies", 429)
	RecordFetch("movies", 429)
	assert.Equal(t, before+2, testutil.ToFloat64(FetchRequests.WithLabelValues("movies", "429")))
}

func TestRecordTransform(t *testing.T) {
	before := testutil.ToFloat64(TransformOutcomes.WithLabelValues("unchanged"))
	RecordTransform("stg_movies", "unchanged", time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(TransformOutcomes.WithLabelValues("unchanged")))
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("completed"))
	RecordRun("completed", 3*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(RunsTotal.WithLabelValues("completed")))
}
