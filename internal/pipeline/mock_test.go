package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
)

// --- Runs Mock ---

type mockRuns struct {
	mock.Mock
	mu       sync.Mutex
	failures []model.StageFailure
}

func (m *mockRuns) CreateRun(ctx context.Context, kind string, asOf time.Time, h model.Horizon) (*model.Run, error) {
	args := m.Called(ctx, kind, asOf, h)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockRuns) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockRuns) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error {
	args := m.Called(ctx, runID, status, result, errMsg)
	return args.Error(0)
}

func (m *mockRuns) CreateStage(ctx context.Context, runID, name string) (*model.RunStage, error) {
	args := m.Called(ctx, runID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunStage), args.Error(1)
}

func (m *mockRuns) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	args := m.Called(ctx, stageID, result)
	return args.Error(0)
}

// RecordFailure is called from pool goroutines, so it is collected rather
// than asserted through the mock.
func (m *mockRuns) RecordFailure(_ context.Context, f model.StageFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *mockRuns) recorded() []model.StageFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.StageFailure(nil), m.failures...)
}

// --- Alerter Mock ---

type mockAlerter struct {
	mock.Mock
}

func (m *mockAlerter) SystemicAbort(run *model.Run, stage string, err error) monitoring.Alert {
	args := m.Called(run, stage, err)
	return args.Get(0).(monitoring.Alert)
}

func (m *mockAlerter) EvaluateRun(run *model.Run) []monitoring.Alert {
	args := m.Called(run)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]monitoring.Alert)
}

func (m *mockAlerter) SendAlerts(ctx context.Context, alerts []monitoring.Alert) int {
	args := m.Called(ctx, alerts)
	return args.Int(0)
}
