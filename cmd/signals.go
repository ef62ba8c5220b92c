package main

import (
	"github.com/spf13/cobra"

	"github.com/clarence2022/transferlens/internal/model"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Derive and inspect signals",
}

var signalsDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Aggregate behavior events into weak signals as of an instant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, _ := cmd.Flags().GetString("as-of")
		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}

		res, err := env.Signals.Derive(ctx, asOf)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

var signalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the signals visible for an entity at an instant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		player, _ := cmd.Flags().GetString("player")
		club, _ := cmd.Flags().GetString("club")
		rawKind, _ := cmd.Flags().GetString("kind")
		history, _ := cmd.Flags().GetBool("history")
		raw, _ := cmd.Flags().GetString("as-of")

		asOf, err := parseTime("as_of", raw, env.Clock.Now())
		if err != nil {
			return err
		}
		var kind *model.SignalKind
		if rawKind != "" {
			k := model.SignalKind(rawKind)
			if !k.Valid() {
				return model.Invalid("kind", "unknown signal kind %q", rawKind)
			}
			kind = &k
		}

		sigs, err := env.Facts.SignalsAsOf(ctx, model.EntityRef{PlayerID: player, ClubID: club}, kind, asOf, history)
		if err != nil {
			return err
		}
		if sigs == nil {
			sigs = []model.SignalEvent{}
		}
		return writeJSON(cmd.OutOrStdout(), sigs)
	},
}

func init() {
	signalsDeriveCmd.Flags().String("as-of", "", "derivation instant (default now)")

	signalsListCmd.Flags().String("player", "", "player id")
	signalsListCmd.Flags().String("club", "", "club id")
	signalsListCmd.Flags().String("kind", "", "signal kind (default all)")
	signalsListCmd.Flags().String("as-of", "", "query instant (default now)")
	signalsListCmd.Flags().Bool("history", false, "include superseded and expired facts")

	signalsCmd.AddCommand(signalsDeriveCmd, signalsListCmd)
	rootCmd.AddCommand(signalsCmd)
}
