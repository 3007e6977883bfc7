package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/cli"
	"github.com/munet/munet/pkg/topo"
)

func newDownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down <run-id>",
		Short: "Tear down a run",
		Long: `Tear down a previously deployed run by id, reloading its persisted
state rather than requiring the original config file (§6 --cleanup-only:
a run named by a prior "munet up" can always be torn down even if its
config has since changed or moved).

  munet down run-1690000000000000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			st, err := topo.LoadRunState(runID)
			if err != nil {
				return err
			}

			orch, err := topo.NewOrchestrator(runID, st.Config)
			if err != nil {
				return err
			}
			orch.OnProgress = func(phase topo.Phase, detail string) {
				fmt.Printf("  [%s] %s\n", phase, detail)
			}

			orch.Teardown(context.Background())
			fmt.Printf("%s run %q torn down\n", cli.Green("✓"), runID)
			return nil
		},
	}
	return cmd
}
