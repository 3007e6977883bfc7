package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/cli"
	"github.com/munet/munet/pkg/topo"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's persisted status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			st, err := topo.LoadRunState(runID)
			if err != nil {
				return err
			}

			fmt.Printf("run %q: phase %s\n\n", st.RunID, st.Phase)

			names := make([]string, 0, len(st.Nodes))
			for name := range st.Nodes {
				names = append(names, name)
			}
			sort.Strings(names)

			t := cli.NewTable("NODE", "STATUS", "IFACES").WithPrefix("  ")
			for _, name := range names {
				ns := st.Nodes[name]
				t.Row(name, ns.Status, fmt.Sprintf("%d", len(ns.Ifaces)))
			}
			t.Flush()

			if len(st.Networks) > 0 {
				fmt.Println()
				nt := cli.NewTable("NETWORK", "CIDR", "BRIDGE IP").WithPrefix("  ")
				netNames := make([]string, 0, len(st.Networks))
				for name := range st.Networks {
					netNames = append(netNames, name)
				}
				sort.Strings(netNames)
				for _, name := range netNames {
					ni := st.Networks[name]
					nt.Row(name, ni.CIDR, ni.BridgeIP)
				}
				nt.Flush()
			}

			return nil
		},
	}
	return cmd
}

func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List active runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := topo.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no active runs")
				return nil
			}
			sort.Strings(runs)

			t := cli.NewTable("RUN ID", "PHASE", "NODES")
			for _, runID := range runs {
				st, err := topo.LoadRunState(runID)
				if err != nil {
					t.Row(runID, "?", "?")
					continue
				}
				t.Row(runID, st.Phase, fmt.Sprintf("%d", len(st.Nodes)))
			}
			t.Flush()
			return nil
		},
	}
}
