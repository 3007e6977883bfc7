// munet — declarative virtual network topology engine
//
// munet brings up Linux network topologies from a declarative config:
// bridges, veth pairs, namespaced nodes, and per-node processes running as
// bare shells, podman containers, or QEMU VMs.
//
// Usage:
//
//	munet up topology.yaml            # bring up a topology
//	munet status <run-id>             # show run status
//	munet exec <run-id> <node> -- cmd # run a command inside a node
//	munet down <run-id>                # tear down a run
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/cli"
	"github.com/munet/munet/pkg/runlog"
	"github.com/munet/munet/pkg/settings"
	"github.com/munet/munet/pkg/topo"
	"github.com/munet/munet/pkg/util"
)

var (
	verbose     bool
	logLevel    string
	jsonLog     bool
	cfgSettings *settings.Settings
)

func main() {
	os.Exit(run())
}

// run executes the root command and maps the returned error to an exit
// code via topo.ExitCode, so every phase of the engine's error taxonomy
// (§6) surfaces through the same path regardless of which subcommand hit
// it.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.Red("error:"), err)
		return topo.ExitCode(err)
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:               "munet",
	Short:             "Declarative virtual network topology engine",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `munet realises declarative network topologies on Linux using kernel
namespaces, veth pairs and bridges, with per-node processes running as bare
shells, podman containers, or QEMU VMs.

  munet up topology.yaml              bring up a topology
  munet status <run-id>               show run status
  munet exec <run-id> <node> -- cmd   run a command inside a node
  munet ssh <run-id> <node>           interactive exec with a pty
  munet down <run-id>                 tear down a run
  munet ps                            list active runs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			level = "info"
			if verbose {
				level = "debug"
			}
		}
		if err := util.SetLogLevel(level); err != nil {
			return topo.NewError(topo.ConfigInvalid, "cli.log-level", level, err)
		}
		if jsonLog {
			util.SetJSONFormat()
		}

		s, err := settings.Load()
		if err != nil {
			return err
		}
		cfgSettings = s

		return installRunlog(s)
	},
}

// installRunlog wires the process-wide run-event logger before any
// subcommand runs, honouring settings overrides for path and rotation
// (mirrors the teacher's PersistentPreRunE log-level wiring, extended to
// cover the journal this engine adds).
func installRunlog(s *settings.Settings) error {
	runDir := s.GetRuntimeDir()
	if os.Getenv("MUNET_RUNTIME") == "" {
		os.Setenv("MUNET_RUNTIME", runDir)
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	path := s.GetRunlogPath(runDir)
	fl, err := runlog.NewFileLogger(path, runlog.RotationConfig{
		MaxSize:    int64(s.GetRunlogMaxSizeMB()) * 1024 * 1024,
		MaxBackups: s.GetRunlogMaxBackups(),
	})
	if err != nil {
		return err
	}
	runlog.SetDefaultLogger(fl)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug) logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides --verbose")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "emit logs as JSON")

	rootCmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newPsCmd(),
		newExecCmd(),
		newSSHCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
}
