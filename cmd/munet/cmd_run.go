package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/topo"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <run-id> <node> <command-name> [-- extra args]",
		Short: "Invoke a declared Command Registry entry against a node",
		Long: `Run a named command declared under the config's "cli" section against
one node (§4.8 Command Registry). Trailing args after "--" are substituted
for {user_input} in the command's exec template.

  munet run run-1 r1 ping
  munet run run-1 r1 ping -- -c 3 10.0.0.2`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, nodeName, cmdName := args[0], args[1], args[2]
			trailing := strings.Join(args[3:], " ")

			st, err := topo.LoadRunState(runID)
			if err != nil {
				return err
			}
			node, err := findNode(st, nodeName)
			if err != nil {
				return err
			}

			reg := topo.NewRegistry(st.Config)
			decl, ok := reg.Lookup(cmdName)
			if !ok {
				return fmt.Errorf("command %q is not declared in this topology's cli section", cmdName)
			}
			if !decl.Offered(node.Kind) {
				return fmt.Errorf("command %q is not offered for node %q (kind %q)", cmdName, nodeName, node.Kind)
			}

			resolved := decl.Resolve(node, st.Config, trailing)
			argv := strings.Fields(resolved)
			if len(argv) == 0 {
				return fmt.Errorf("command %q resolved to an empty exec line", cmdName)
			}

			b := topo.AttachForExec(runID, node)

			if decl.Interactive {
				_, err := topo.ExecInteractive(cmd.Context(), b, node, argv)
				return err
			}

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
