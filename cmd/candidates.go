package main

import (
	"github.com/spf13/cobra"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Destination candidate sets",
}

var candidatesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate (or read back) the candidate set for a player",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		player, _ := cmd.Flags().GetString("player")
		days, _ := cmd.Flags().GetInt("horizon")
		raw, _ := cmd.Flags().GetString("as-of")

		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}
		h, err := horizonFlag(days)
		if err != nil {
			return err
		}

		cs, err := env.Candidates.Generate(ctx, player, asOf, h)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), cs)
	},
}

func init() {
	candidatesGenerateCmd.Flags().String("player", "", "player id")
	candidatesGenerateCmd.Flags().String("as-of", "", "as-of instant (default now)")
	candidatesGenerateCmd.Flags().Int("horizon", 0, "horizon in days (default from config)")
	_ = candidatesGenerateCmd.MarkFlagRequired("player")

	candidatesCmd.AddCommand(candidatesGenerateCmd)
	rootCmd.AddCommand(candidatesCmd)
}
