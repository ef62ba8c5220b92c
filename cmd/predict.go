package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clarence2022/transferlens/internal/daily"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/pipeline"
	"github.com/clarence2022/transferlens/internal/predict"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Write and read prediction snapshots",
}

var predictRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Score one player, or every active player as a recorded run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		player, _ := cmd.Flags().GetString("player")
		all, _ := cmd.Flags().GetBool("all")
		if (player == "") == !all {
			return model.Invalid("player", "exactly one of --player or --all is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, _ := cmd.Flags().GetString("as-of")
		days, _ := cmd.Flags().GetInt("horizon")
		versionID, _ := cmd.Flags().GetString("model")

		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}
		h, err := horizonFlag(days)
		if err != nil {
			return err
		}

		if !all {
			snaps, err := env.Writer.Predict(ctx, player, asOf, h, versionID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snaps)
		}

		g, err := env.Graph()
		if err != nil {
			return err
		}
		only, err := g.Only(daily.StagePredict)
		if err != nil {
			return err
		}
		run, err := env.Runner.Execute(ctx, only, pipeline.RunOptions{
			Kind:           "predict",
			AsOf:           asOf,
			Horizon:        h,
			ModelVersionID: versionID,
			Progress:       newStageBars(cmd.ErrOrStderr()).Func(),
		})
		if run != nil {
			if werr := writeJSON(cmd.OutOrStdout(), run); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	},
}

var predictLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Read the newest snapshot per player, destination and horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		player, _ := cmd.Flags().GetString("player")
		club, _ := cmd.Flags().GetString("club")
		days, _ := cmd.Flags().GetInt("horizon")
		minProb, _ := cmd.Flags().GetFloat64("min-prob")
		limit, _ := cmd.Flags().GetInt("limit")

		rows, err := env.Writer.Latest(ctx, predict.LatestFilter{
			PlayerID:       player,
			ToClubID:       club,
			Horizon:        model.Horizon(days),
			MinProbability: minProb,
			Limit:          limit,
		})
		if err != nil {
			return err
		}
		if rows == nil {
			rows = []model.PredictionSnapshot{}
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	},
}

var predictHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every snapshot of one player, destination and horizon, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		player, _ := cmd.Flags().GetString("player")
		club, _ := cmd.Flags().GetString("club")
		days, _ := cmd.Flags().GetInt("horizon")
		h, err := horizonFlag(days)
		if err != nil {
			return err
		}

		rows, err := env.Writer.History(ctx, player, club, h)
		if err != nil {
			return err
		}
		if rows == nil {
			rows = []model.PredictionSnapshot{}
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	},
}

func init() {
	predictRunCmd.Flags().String("player", "", "player id")
	predictRunCmd.Flags().Bool("all", false, "score every active player")
	predictRunCmd.Flags().String("as-of", "", "as-of instant (default now)")
	predictRunCmd.Flags().Int("horizon", 0, "horizon in days (default from config)")
	predictRunCmd.Flags().String("model", "", "model version id (default the deployed one)")

	predictLatestCmd.Flags().String("player", "", "player id")
	predictLatestCmd.Flags().String("club", "", "destination club id, or ANY")
	predictLatestCmd.Flags().Int("horizon", 0, "only this horizon")
	predictLatestCmd.Flags().Float64("min-prob", 0, "minimum probability")
	predictLatestCmd.Flags().Int("limit", 0, "maximum rows (default 100)")

	predictHistoryCmd.Flags().String("player", "", "player id")
	predictHistoryCmd.Flags().String("club", "", "destination club id (default any move)")
	predictHistoryCmd.Flags().Int("horizon", 0, "horizon in days (default from config)")
	_ = predictHistoryCmd.MarkFlagRequired("player")

	predictCmd.AddCommand(predictRunCmd, predictLatestCmd, predictHistoryCmd)
	rootCmd.AddCommand(predictCmd)
}
