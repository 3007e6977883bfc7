package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/topo"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <run-id> <node> -- <command> [args...]",
		Short: "Run a command inside a node of an active run",
		Long: `Run a transient command inside one node of an already-deployed run,
the way a declared CLI Command Registry entry does (§4.8), without
attaching a pty.

  munet exec run-1 r1 -- ip addr show`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, nodeName := args[0], args[1]
			argv := args[2:]
			if len(argv) == 0 {
				return fmt.Errorf("no command given")
			}

			st, err := topo.LoadRunState(runID)
			if err != nil {
				return err
			}
			node, err := findNode(st, nodeName)
			if err != nil {
				return err
			}

			b := topo.AttachForExec(runID, node)
			res, err := b.Exec(cmd.Context(), argv, false, os.Stdin, os.Stdout, os.Stderr)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

func newSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh <run-id> <node>",
		Short: "Open an interactive shell inside a node",
		Long: `Attach an interactive, pty-backed shell to a node of an already-deployed
run (§4.5 exec, interactive case).

  munet ssh run-1 r1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, nodeName := args[0], args[1]

			st, err := topo.LoadRunState(runID)
			if err != nil {
				return err
			}
			node, err := findNode(st, nodeName)
			if err != nil {
				return err
			}

			b := topo.AttachForExec(runID, node)
			shell := node.Shell
			argv := []string{"/bin/sh"}
			if shell != nil && shell.IsPath && shell.Path != "" {
				argv = []string{shell.Path}
			}

			_, err = topo.ExecInteractive(cmd.Context(), b, node, argv)
			return err
		},
	}
}

func findNode(st *topo.RunState, name string) (*topo.Node, error) {
	nodes, err := topo.ResolveNodes(st.Config)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, topo.NewError(topo.IfaceNotFound, "exec.node", name, nil)
}
