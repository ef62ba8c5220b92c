package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockStore{}, clock.NewFixed(testNow), nil)
	alerter := newTestAlerter(config.MonitoringConfig{})
	checker := NewChecker(collector, alerter, 10*time.Millisecond, 24)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_Defaults(t *testing.T) {
	checker := NewChecker(nil, nil, 0, 0)
	assert.Equal(t, 5*time.Minute, checker.interval)
	assert.Equal(t, 24, checker.lookback)
}

func TestChecker_Check(t *testing.T) {
	st := &mockStore{failures: map[model.Code]int{model.CodeTimeTravelViolation: 1}}
	checker := NewChecker(NewCollector(st, clock.NewFixed(testNow), nil), newTestAlerter(config.MonitoringConfig{}), time.Minute, 24)

	snap, triggered := checker.Check(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, 1, triggered)
}
