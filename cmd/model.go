package main

import (
	"github.com/spf13/cobra"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Train, deploy and inspect model versions",
}

var modelTrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model version from labels at or before a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, _ := cmd.Flags().GetString("cutoff")
		days, _ := cmd.Flags().GetInt("horizon")
		modelType, _ := cmd.Flags().GetString("type")

		cutoff, err := parseTime("cutoff", raw, env.Clock.Now())
		if err != nil {
			return err
		}
		h, err := horizonFlag(days)
		if err != nil {
			return err
		}

		mv, err := env.Trainer.Train(ctx, cutoff, h, modelType)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), mv)
	},
}

var modelDeployCmd = &cobra.Command{
	Use:   "deploy <id>",
	Short: "Deploy a completed version, archiving the current one for its horizon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mv, err := env.Trainer.Deploy(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), mv)
	},
}

var modelArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a model version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mv, err := env.Trainer.Archive(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), mv)
	},
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List model versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		days, _ := cmd.Flags().GetInt("horizon")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		versions, err := env.Store.ListModelVersions(ctx, store.ModelFilter{
			Horizon: model.Horizon(days),
			Status:  model.ModelStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return err
		}
		if versions == nil {
			versions = []model.ModelVersion{}
		}
		return writeJSON(cmd.OutOrStdout(), versions)
	},
}

var modelEvaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Score a version against labels up to a later cutoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, _ := cmd.Flags().GetString("cutoff")
		cutoff, err := parseTime("cutoff", raw, env.Clock.Now())
		if err != nil {
			return err
		}

		ev, err := env.Trainer.Evaluate(ctx, args[0], cutoff)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), ev)
	},
}

func init() {
	modelTrainCmd.Flags().String("cutoff", "", "training cutoff (default now)")
	modelTrainCmd.Flags().Int("horizon", 0, "horizon in days (default from config)")
	modelTrainCmd.Flags().String("type", "", "model type: logistic or stumps (default from config)")

	modelListCmd.Flags().Int("horizon", 0, "only this horizon")
	modelListCmd.Flags().String("status", "", "only this status")
	modelListCmd.Flags().Int("limit", 0, "maximum rows (default 100)")

	modelEvaluateCmd.Flags().String("cutoff", "", "evaluation cutoff (default now)")

	modelCmd.AddCommand(modelTrainCmd, modelDeployCmd, modelArchiveCmd, modelListCmd, modelEvaluateCmd)
	rootCmd.AddCommand(modelCmd)
}
