package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tierctl/tierctl/pkg"
	"github.com/tierctl/tierctl/pkg/executor"
)

var applyCmd = &cobra.Command{
	Use:   "apply [play file]",
	Short: "Converge the fleet onto the play's roles",
	Long: `Apply binds the play against the inventory and converges every tier
in order. Exit code 0 means every host converged without drift remaining,
2 means at least one host failed but the run completed, 3 means the run
aborted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, inv, cfg, err := load(args[0])
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine := executor.NewEngine(plan, inv, cfg)
		report := engine.Run(ctx)

		switch {
		case report.Aborted:
			os.Exit(3)
		case report.Outcome() == pkg.TierTotalFailure:
			os.Exit(3)
		case report.Outcome() == pkg.TierDegraded:
			os.Exit(2)
		}
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}
