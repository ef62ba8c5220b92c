package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
)

func newTestAlerter(cfg config.MonitoringConfig) *Alerter {
	return NewAlerter(cfg, clock.NewFixed(testNow))
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{SkipRateThreshold: 0.5})
	snap := &Snapshot{
		RunsComplete: 9, RunsFailed: 1, RunFailRate: 0.1,
		Processed: 90, Skipped: 10, SkipRate: 0.1,
		LookbackHours: 24,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_RunFailures(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{})
	snap := &Snapshot{RunsComplete: 1, RunsFailed: 3, RunFailRate: 0.75, LookbackHours: 24}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailures, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "3 of 4 runs failed")
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{})
	snap := &Snapshot{RunsFailed: 2, RunFailRate: 1, LookbackHours: 24}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_SystemicFailures(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{})
	snap := &Snapshot{
		FailuresByCode: map[model.Code]int{model.CodeDataLeakage: 1, model.CodeFeatureBuild: 40},
		LookbackHours:  24,
	}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSystemicAbort, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestAlerter_EvaluateRun_SkipRate(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{SkipRateThreshold: 0.25})

	run := &model.Run{ID: "r1", Result: &model.RunResult{Processed: 6, Skipped: 4}}
	alerts := a.EvaluateRun(run)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSkipRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "40.0%")

	assert.Empty(t, a.EvaluateRun(&model.Run{ID: "r2", Result: &model.RunResult{Processed: 9, Skipped: 1}}))
	assert.Empty(t, a.EvaluateRun(&model.Run{ID: "r3"}))
}

func TestAlerter_SystemicAbort(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{})
	run := &model.Run{ID: "r1", AsOf: testNow, Horizon: 90}
	alert := a.SystemicAbort(run, "build_features", &model.TimeTravelViolationError{FactID: "s1", Field: "observed_at"})

	assert.Equal(t, AlertSystemicAbort, alert.Type)
	assert.Equal(t, "time_travel_violation", alert.Details["code"])
	assert.Equal(t, 90, alert.Details["horizon_days"])
	assert.Equal(t, testNow, alert.Timestamp)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := newTestAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	alerts := []Alert{
		{Type: AlertSkipRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertSystemicAbort, Severity: "critical", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := newTestAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertSkipRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := newTestAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertSkipRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAlerter_SendAlerts_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	a := newTestAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
		Breaker:    config.BreakerConfig{FailureThreshold: 2, ResetTimeoutSecs: 60},
	})
	alerts := []Alert{{Type: AlertSkipRate}, {Type: AlertSkipRate}, {Type: AlertSkipRate}}
	assert.Equal(t, 0, a.SendAlerts(context.Background(), alerts))
	// The third alert is rejected by the open breaker without a request.
	assert.Equal(t, int32(2), calls.Load())
}

