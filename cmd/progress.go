package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/pipeline"
)

// stageBars draws one progress bar per stage on w. Stages with no subjects
// draw nothing.
type stageBars struct {
	mu    sync.Mutex
	w     io.Writer
	stage string
	bar   *progressbar.ProgressBar
}

func newStageBars(w io.Writer) *stageBars {
	return &stageBars{w: w}
}

func (s *stageBars) update(stage string, done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage != s.stage || s.bar == nil {
		s.stage = stage
		s.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(s.w),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(stage),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(s.w) //nolint:errcheck
			}),
		)
	}
	if err := s.bar.Set(done); err != nil {
		zap.L().Debug("progress bar update failed", zap.Error(err))
	}
}

// Func adapts s to the runner's progress callback.
func (s *stageBars) Func() pipeline.ProgressFunc {
	return s.update
}
