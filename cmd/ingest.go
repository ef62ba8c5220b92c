package main

import (
	"github.com/spf13/cobra"

	"github.com/clarence2022/transferlens/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load a YAML bundle of reference data and facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		b, err := ingest.LoadBundle(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := ingest.Apply(ctx, env.Store, env.Facts, b)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), counts)
	},
}

func init() {
	ingestCmd.Flags().String("file", "", "path to the YAML bundle")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
