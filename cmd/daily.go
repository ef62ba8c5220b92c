package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/pipeline"
)

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the daily graph: derive signals, candidates, features, predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, _ := cmd.Flags().GetString("as-of")
		days, _ := cmd.Flags().GetInt("horizon")
		only, _ := cmd.Flags().GetStringSlice("only")
		addr, _ := cmd.Flags().GetString("metrics-addr")
		if addr == "" {
			addr = cfg.Monitoring.MetricsAddr
		}

		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}
		h, err := horizonFlag(days)
		if err != nil {
			return err
		}

		g, err := env.Graph()
		if err != nil {
			return err
		}
		if len(only) > 0 {
			if g, err = g.Only(only...); err != nil {
				return err
			}
		}

		if addr != "" {
			shutdown := serveMetrics(addr)
			defer shutdown()
		}

		run, err := env.Runner.Execute(ctx, g, pipeline.RunOptions{
			AsOf:     asOf,
			Horizon:  h,
			Progress: newStageBars(cmd.ErrOrStderr()).Func(),
		})
		if run != nil {
			if werr := writeJSON(cmd.OutOrStdout(), run); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	},
}

// serveMetrics exposes /metrics on addr until the returned func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zap.L().Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server failed", zap.Error(eris.Wrap(err, "metrics listen")))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zap.L().Warn("metrics server shutdown", zap.Error(err))
		}
	}
}

func init() {
	dailyCmd.Flags().String("as-of", "", "as-of instant (default now)")
	dailyCmd.Flags().Int("horizon", 0, "horizon in days (default from config)")
	dailyCmd.Flags().StringSlice("only", nil, "run only these stages (comma separated)")
	dailyCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(dailyCmd)
}
