package main

import (
	"github.com/spf13/cobra"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Point-in-time feature snapshots",
}

var featuresBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the feature snapshot for a player and destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		player, _ := cmd.Flags().GetString("player")
		club, _ := cmd.Flags().GetString("club")
		raw, _ := cmd.Flags().GetString("as-of")

		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}

		snap, err := env.Features.Build(ctx, player, club, asOf)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), snap)
	},
}

func init() {
	featuresBuildCmd.Flags().String("player", "", "player id")
	featuresBuildCmd.Flags().String("club", "", "destination club id")
	featuresBuildCmd.Flags().String("as-of", "", "as-of instant (default now)")
	_ = featuresBuildCmd.MarkFlagRequired("player")
	_ = featuresBuildCmd.MarkFlagRequired("club")

	featuresCmd.AddCommand(featuresBuildCmd)
	rootCmd.AddCommand(featuresCmd)
}
