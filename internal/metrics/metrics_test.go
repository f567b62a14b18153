package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-treatment-planner/internal/database"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db.SQL)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Record(ctx, StepMetric{Step: "start", Action: "start", Outcome: "ok", LatencyMS: 10}))
	require.NoError(t, s.Record(ctx, StepMetric{Step: "choose_object", Action: "confirm", Outcome: "SESSION_EXPIRED", LatencyMS: 30}))
	require.NoError(t, s.Record(ctx, StepMetric{Step: "start", Action: "start", Outcome: "ok", LatencyMS: 5, Timestamp: time.Now().AddDate(0, 0, -40)}))

	usage, err := s.GetDailyUsage(ctx, 7)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), usage[0].Date)
	assert.Equal(t, 2, usage[0].TotalSteps)
	assert.Equal(t, 1, usage[0].TotalOK)
	assert.Equal(t, 1, usage[0].TotalFailed)
	assert.Equal(t, int64(20), usage[0].AvgLatencyMS)

	removed, err := s.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r, err := NewRecorder(s, nil, nil)
	require.NoError(t, err)

	r.RecordStep(ctx, "start", "start", "ok", 15*time.Millisecond)
	r.RecordStep(ctx, "start", "start", "ok", 5*time.Millisecond)
	r.RecordStep(ctx, "confirm_object", "confirm", "PLAN_GENERATION_EMPTY", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.steps.WithLabelValues("start", "start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.steps.WithLabelValues("confirm_object", "confirm", "PLAN_GENERATION_EMPTY")))

	usage, err := s.GetDailyUsage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 3, usage[0].TotalSteps)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "plantplan_wizard_steps_total")
}

func TestGetSysHealth(t *testing.T) {
	h := GetSysHealth(t.TempDir())
	assert.Positive(t, h.Goroutines)
	assert.Equal(t, "0 B", h.DataDiskSize)
}
