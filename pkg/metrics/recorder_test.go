package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRecorder(&Config{Namespace: "paperstore", Registry: reg}), reg
}

func TestRecordFetchCountsAttemptsAndBytes(t *testing.T) {
	rec, _ := newTestRecorder(t)

	rec.RecordFetch("success", 2048, 120*time.Millisecond)
	rec.RecordFetch("success", 1024, 80*time.Millisecond)
	rec.RecordFetch("http_error", 0, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.fetchAttempts.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.fetchAttempts.WithLabelValues("http_error")))
	assert.Equal(t, float64(3072), testutil.ToFloat64(rec.fetchBytes))
}

func TestRecordCacheSizeSetsGauges(t *testing.T) {
	rec, reg := newTestRecorder(t)

	rec.RecordCacheSize(3, 3000)

	expected := `
# HELP paperstore_cache_entries Number of complete entries in the ledger
# TYPE paperstore_cache_entries gauge
paperstore_cache_entries 3
# HELP paperstore_cache_bytes Total bytes held by complete ledger entries
# TYPE paperstore_cache_bytes gauge
paperstore_cache_bytes 3000
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"paperstore_cache_entries", "paperstore_cache_bytes"))
}

func TestRecordEvictionSkipsZeroCounts(t *testing.T) {
	rec, _ := newTestRecorder(t)

	rec.RecordEviction("age", 0)
	rec.RecordEviction("age", 2)
	rec.RecordEviction("size", 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.cacheEvictions.WithLabelValues("age")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.cacheEvictions.WithLabelValues("size")))
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var rec *Recorder

	assert.NotPanics(t, func() {
		rec.RecordFetch("success", 10, time.Second)
		rec.RecordCacheLookup("hit")
		rec.RecordCacheSize(1, 1)
		rec.RecordEviction("age", 1)
		rec.RecordDocument("success")
		rec.RecordExtractionFailure()
		rec.RecordBatch(time.Second)
	})
}
