package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [play file]",
	Short: "Check the play, roles and inventory without touching any host",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, _, _, err := load(args[0])
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("play %q is valid: %d tiers, %d host slots\n", plan.Name, len(plan.Stages), plan.HostCount())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
