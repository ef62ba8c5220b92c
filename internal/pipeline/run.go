package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
)

// Runs records runs, stages and skipped work.
type Runs interface {
	CreateRun(ctx context.Context, kind string, asOf time.Time, h model.Horizon) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error
	CreateStage(ctx context.Context, runID, name string) (*model.RunStage, error)
	CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error
	RecordFailure(ctx context.Context, f model.StageFailure) error
}

// ProgressFunc is called after each subject of a stage finishes.
type ProgressFunc func(stage string, done, total int)

// RunContext is what every stage of one run shares.
type RunContext struct {
	Run            *model.Run
	AsOf           time.Time
	Horizon        model.Horizon
	ModelVersionID string
	Concurrency    int
	Limiter        *rate.Limiter
	Progress       ProgressFunc
	Runs           Runs
	Clock          clock.Clock

	logger *zap.Logger
}

func (rc *RunContext) log() *zap.Logger {
	if rc.logger == nil {
		l := zap.L().With(zap.String("component", "pipeline"))
		if rc.Run != nil {
			l = l.With(zap.String("run_id", rc.Run.ID))
		}
		rc.logger = l.With(zap.Time("as_of", rc.AsOf), zap.Int("horizon_days", int(rc.Horizon)))
	}
	return rc.logger
}

func (rc *RunContext) now() time.Time {
	if rc.Clock == nil {
		return time.Now().UTC()
	}
	return rc.Clock.Now()
}

// Skip records a skipped unit of work and counts it. It never fails the
// stage; a failure to record is logged.
func (rc *RunContext) Skip(ctx context.Context, stage, entityID string, cause error) {
	code := model.CodeOf(cause)
	monitoring.EntitiesSkipped.WithLabelValues(stage, string(code)).Inc()
	rc.log().Warn("pipeline: entity skipped",
		zap.String("stage", stage),
		zap.String("entity_id", entityID),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
	if rc.Runs == nil || rc.Run == nil {
		return
	}
	f := model.StageFailure{
		ID:        uuid.NewString(),
		RunID:     rc.Run.ID,
		Stage:     stage,
		EntityID:  entityID,
		AsOf:      rc.AsOf,
		Code:      code,
		Message:   cause.Error(),
		CreatedAt: rc.now(),
	}
	if err := rc.Runs.RecordFailure(context.WithoutCancel(ctx), f); err != nil {
		rc.log().Warn("pipeline: failed to record failure", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// SubjectFunc processes one subject and returns the number of rows written.
type SubjectFunc func(ctx context.Context, id string) (int, error)

// ForEachSubject runs fn over ids on a bounded pool. Skippable errors are
// recorded and the subject is skipped; any other error cancels the pool and
// is returned.
func ForEachSubject(ctx context.Context, rc *RunContext, stage string, ids []string, fn SubjectFunc) (model.StageResult, error) {
	limit := rc.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var processed, skipped, written, done atomic.Int64
	var progressMu sync.Mutex
	total := len(ids)

	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		if rc.Limiter != nil {
			if err := rc.Limiter.Wait(gctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			defer func() {
				d := int(done.Add(1))
				if rc.Progress != nil {
					progressMu.Lock()
					rc.Progress(stage, d, total)
					progressMu.Unlock()
				}
			}()
			n, err := fn(gctx, id)
			switch {
			case err == nil:
				processed.Add(1)
				written.Add(int64(n))
				return nil
			case model.IsSkippable(err):
				skipped.Add(1)
				rc.Skip(gctx, stage, id, err)
				return nil
			default:
				return eris.Wrapf(err, "pipeline: %s %s", stage, id)
			}
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return model.StageResult{
		Name:      stage,
		Processed: int(processed.Load()),
		Skipped:   int(skipped.Load()),
		Written:   int(written.Load()),
	}, err
}

// Alerter notifies on aborted and degraded runs.
type Alerter interface {
	SystemicAbort(run *model.Run, stage string, err error) monitoring.Alert
	EvaluateRun(run *model.Run) []monitoring.Alert
	SendAlerts(ctx context.Context, alerts []monitoring.Alert) int
}

// Runner executes graphs as recorded runs.
type Runner struct {
	runs    Runs
	clock   clock.Clock
	alerter Alerter
	cfg     config.PipelineConfig
}

// NewRunner creates a Runner. alerter may be nil.
func NewRunner(runs Runs, clk clock.Clock, alerter Alerter, cfg config.PipelineConfig) *Runner {
	return &Runner{runs: runs, clock: clk, alerter: alerter, cfg: cfg}
}

// RunOptions are the per-run inputs of Execute.
type RunOptions struct {
	Kind           string
	AsOf           time.Time
	Horizon        model.Horizon
	ModelVersionID string
	Progress       ProgressFunc
}

// Execute records a run and walks it through queued → running → complete or
// failed. A systemic abort fires an alert; so does a finished run whose skip
// rate is over the threshold.
func (r *Runner) Execute(ctx context.Context, g *Graph, opts RunOptions) (*model.Run, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if opts.Kind == "" {
		opts.Kind = "daily"
	}
	run, err := r.runs.CreateRun(ctx, opts.Kind, opts.AsOf.UTC(), opts.Horizon)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	rc := &RunContext{
		Run:            run,
		AsOf:           opts.AsOf.UTC(),
		Horizon:        opts.Horizon,
		ModelVersionID: opts.ModelVersionID,
		Concurrency:    r.cfg.Concurrency,
		Progress:       opts.Progress,
		Runs:           r.runs,
		Clock:          r.clock,
	}
	if r.cfg.MaxSubjectsPerSecond > 0 {
		rc.Limiter = rate.NewLimiter(rate.Limit(r.cfg.MaxSubjectsPerSecond), 1)
	}
	log := rc.log()

	if err := r.runs.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		log.Warn("pipeline: failed to update status", zap.Error(err))
	}
	run.Status = model.RunStatusRunning
	log.Info("pipeline: run started", zap.String("kind", opts.Kind), zap.Strings("stages", g.Stages()))

	result, runErr := g.Run(ctx, rc)
	run.Result = result
	status, msg := model.RunStatusComplete, ""
	if runErr != nil {
		status, msg = model.RunStatusFailed, runErr.Error()
	}
	run.Status, run.Error = status, msg
	if err := r.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, status, result, msg); err != nil {
		log.Error("pipeline: failed to complete run", zap.Error(err))
	}

	if r.alerter != nil {
		var alerts []monitoring.Alert
		if runErr != nil && model.IsSystemic(runErr) {
			alerts = append(alerts, r.alerter.SystemicAbort(run, abortedStage(runErr), runErr))
		}
		alerts = append(alerts, r.alerter.EvaluateRun(run)...)
		r.alerter.SendAlerts(context.WithoutCancel(ctx), alerts)
	}

	if runErr != nil {
		log.Error("pipeline: run failed",
			zap.String("stage", abortedStage(runErr)),
			zap.String("code", string(model.CodeOf(runErr))),
			zap.Error(runErr),
		)
		return run, runErr
	}
	log.Info("pipeline: run complete",
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return run, nil
}
