package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSystemicAbort AlertType = "systemic_abort"
	AlertSkipRate      AlertType = "skip_rate"
	AlertRunFailures   AlertType = "run_failure_rate"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns run outcomes and snapshots into alerts and posts them to a
// webhook behind a circuit breaker.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	clock   clock.Clock
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewAlerter creates an Alerter. Without a webhook URL alerts are only logged.
func NewAlerter(cfg config.MonitoringConfig, clk clock.Clock) *Alerter {
	if clk == nil {
		clk = clock.System{}
	}
	breakerCfg := resilience.FromCircuitConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeoutSecs)
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("monitoring: webhook breaker state change",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		clock:   clk,
		breaker: resilience.NewCircuitBreaker(breakerCfg, clk),
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 500 * time.Millisecond,
			OnRetry:        resilience.RetryLogger("monitoring.webhook"),
		},
	}
}

// SystemicAbort builds the alert for a run halted by a correctness breach.
func (a *Alerter) SystemicAbort(run *model.Run, stage string, err error) Alert {
	return Alert{
		Type:     AlertSystemicAbort,
		Severity: "critical",
		Message:  fmt.Sprintf("run %s aborted in %s: %v", run.ID, stage, err),
		Details: map[string]any{
			"run_id":       run.ID,
			"stage":        stage,
			"code":         string(model.CodeOf(err)),
			"as_of":        run.AsOf,
			"horizon_days": run.Horizon.Days(),
		},
		Timestamp: a.clock.Now(),
	}
}

// EvaluateRun returns a skip-rate alert when a finished run skipped more
// than the configured share of its work.
func (a *Alerter) EvaluateRun(run *model.Run) []Alert {
	if run.Result == nil || a.cfg.SkipRateThreshold <= 0 {
		return nil
	}
	total := run.Result.Processed + run.Result.Skipped
	if total == 0 {
		return nil
	}
	rate := float64(run.Result.Skipped) / float64(total)
	if rate <= a.cfg.SkipRateThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertSkipRate,
		Severity: "high",
		Message: fmt.Sprintf("run %s skipped %.1f%% of work (threshold %.1f%%)",
			run.ID, rate*100, a.cfg.SkipRateThreshold*100),
		Details: map[string]any{
			"run_id":    run.ID,
			"skipped":   run.Result.Skipped,
			"processed": run.Result.Processed,
			"skip_rate": rate,
		},
		Timestamp: a.clock.Now(),
	}}
}

// Evaluate checks a snapshot against thresholds.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.clock.Now()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= 3 && snap.RunFailRate > 0.5 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailures,
			Severity: "high",
			Message: fmt.Sprintf("%d of %d runs failed in last %dh",
				snap.RunsFailed, finished, snap.LookbackHours),
			Details: map[string]any{
				"failed":   snap.RunsFailed,
				"finished": finished,
			},
			Timestamp: now,
		})
	}

	if systemic := snap.FailuresByCode[model.CodeTimeTravelViolation] + snap.FailuresByCode[model.CodeDataLeakage]; systemic > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertSystemicAbort,
			Severity:  "critical",
			Message:   fmt.Sprintf("%d temporal-integrity failures recorded in last %dh", systemic, snap.LookbackHours),
			Details:   map[string]any{"failures_by_code": snap.FailuresByCode},
			Timestamp: now,
		})
	}

	if a.cfg.SkipRateThreshold > 0 && snap.SkipRate > a.cfg.SkipRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSkipRate,
			Severity: "high",
			Message: fmt.Sprintf("skip rate %.1f%% exceeds threshold %.1f%% in last %dh",
				snap.SkipRate*100, a.cfg.SkipRateThreshold*100, snap.LookbackHours),
			Details: map[string]any{
				"skipped":   snap.Skipped,
				"processed": snap.Processed,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts and returns the number sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if a.cfg.WebhookURL == "" {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
			continue
		}
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
				return a.sendWebhook(ctx, alert)
			})
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
