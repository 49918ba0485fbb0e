package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tierctl/tierctl/pkg"
	"github.com/tierctl/tierctl/pkg/common"
	"github.com/tierctl/tierctl/pkg/config"
	_ "github.com/tierctl/tierctl/pkg/modules"
)

var (
	inventoryFile string
	configFile    string
)

var rootCmd = &cobra.Command{
	Use:   "tierctl",
	Short: "Tiered convergence for small host fleets",
	Long: `tierctl converges groups of hosts onto declared roles, one tier at a
time. Hosts within a tier run concurrently; a tier only starts once the
previous tier finished on every host.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&inventoryFile, "inventory", "i", "", "Inventory file (required)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file")
}

// load resolves config, inventory and play into a bound execution plan.
func load(playPath string) (*pkg.ExecutionPlan, *pkg.Inventory, *config.Config, error) {
	var paths []string
	if configFile != "" {
		paths = append(paths, configFile)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := common.SetLogFormat(cfg.Logging); err != nil {
		return nil, nil, nil, err
	}
	common.SetLogLevel(cfg.Logging.Level)
	if cfg.Logging.File != "" {
		if err := common.SetLogFile(cfg.Logging.File); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	if inventoryFile == "" {
		return nil, nil, nil, fmt.Errorf("no inventory file given, use -i")
	}
	inv, err := pkg.LoadInventory(inventoryFile)
	if err != nil {
		return nil, nil, nil, err
	}

	play, err := pkg.LoadPlay(playPath)
	if err != nil {
		return nil, nil, nil, err
	}
	plan, err := play.Bind(inv)
	if err != nil {
		return nil, nil, nil, err
	}
	return plan, inv, cfg, nil
}
