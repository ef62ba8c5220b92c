package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "transferlens",
	Short: "Point-in-time transfer predictions",
	Long: "Keeps a bi-temporal ledger of transfers and signals, derives weak signals from user behavior, " +
		"and trains and runs destination models without reading past the as-of instant.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// printError writes err as "error [code]: msg". Errors outside the taxonomy
// are reported as internal.
func printError(w io.Writer, err error) {
	code := model.CodeOf(err)
	fmt.Fprintf(w, "error [%s]: %v\n", code, err)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
