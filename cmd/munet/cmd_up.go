package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/munet/munet/pkg/cli"
	"github.com/munet/munet/pkg/topo"
	"github.com/munet/munet/pkg/util"
)

func newUpCmd() *cobra.Command {
	var runID string
	var topologyOnly bool
	var noInteractive bool

	cmd := &cobra.Command{
		Use:   "up <config>",
		Short: "Bring up a topology",
		Long: `Bring up a topology from a declarative config file (JSON, YAML or
TOML; a bare stem is probed against all three extensions). Must be run with
CAP_SYS_ADMIN (typically via sudo).

By default munet stays in the foreground holding the run up and tears it
down automatically on SIGINT/SIGTERM. Use --no-interactive to deploy and
return immediately, leaving the run for a later "munet down <run-id>".

  munet up topology.yaml
  munet up topology.yaml --run-id lab1
  munet up topology.yaml --topology-only   # build networks and links, skip node cmd
  munet up                                 # use the configured default config`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := resolveConfigArg(args)
			if err != nil {
				return err
			}

			cfg, err := topo.LoadConfig(configPath)
			if err != nil {
				return err
			}

			if runID == "" {
				runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
			}

			orch, err := topo.NewOrchestrator(runID, cfg)
			if err != nil {
				return err
			}
			orch.OnProgress = func(phase topo.Phase, detail string) {
				fmt.Printf("  [%s] %s\n", phase, detail)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			fmt.Printf("Deploying %q as run %q...\n", configPath, runID)

			var deployErr error
			if topologyOnly {
				deployErr = orch.DeployTopologyOnly(ctx)
			} else {
				deployErr = orch.Deploy(ctx)
			}
			if deployErr != nil {
				return deployErr
			}

			printUpSummary(orch, runID)

			if noInteractive {
				return nil
			}

			fmt.Println("\nHolding run up; press Ctrl-C to tear down.")

			// Supervise every node's primary process (§4.6). A run whose
			// config declares no Command Registry entries has nothing left
			// to wait for once every node process has exited, so it also
			// completes the hold; a run with CLI commands declared stays up
			// for those to be invoked against it until a signal arrives.
			var allExited <-chan struct{}
			if !topologyOnly {
				supervised := orch.Supervise(ctx)
				if !orch.HasCLIHook() {
					allExited = supervised
				}
			}

			select {
			case <-ctx.Done():
			case <-allExited:
				fmt.Println("all node processes have exited")
			}

			orch.Teardown(context.Background())
			fmt.Printf("%s run %q torn down\n", cli.Green("✓"), runID)
			if ctx.Err() != nil {
				return topo.NewError(topo.Cancelled, "cli.up", runID, ctx.Err())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: generated)")
	cmd.Flags().BoolVar(&topologyOnly, "topology-only", false, "bring up networks and links only, skip starting node commands")
	cmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "deploy and return immediately instead of holding the run in the foreground")
	return cmd
}

// resolveConfigArg picks the config path: the positional arg if given,
// else the persisted default-config setting; a path that doesn't resolve
// as given (or with a format extension probed onto it) is retried relative
// to the persisted config directory, mirroring the settings-driven path
// overrides the teacher's CLI honours.
func resolveConfigArg(args []string) (string, error) {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if cfgSettings != nil {
		path = cfgSettings.DefaultConfig
	}
	if path == "" {
		return "", fmt.Errorf("no config given and no default config configured")
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	for _, ext := range []string{".json", ".yaml", ".yml", ".toml"} {
		if _, err := os.Stat(path + ext); err == nil {
			return path, nil
		}
	}
	if cfgSettings != nil && !filepath.IsAbs(path) {
		return filepath.Join(cfgSettings.GetConfigDir(), path), nil
	}
	return path, nil
}

// signalContext derives a context that is cancelled on SIGINT/SIGTERM, so a
// deploy in progress unwinds through the orchestrator's normal rollback
// path (topo.Cancelled, exit 130) instead of leaving kernel state behind
// when the process is interrupted.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case s := <-sig:
			util.Logger.WithField("signal", s.String()).Warn("received signal, cancelling run")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}

func printUpSummary(orch *topo.Orchestrator, runID string) {
	fmt.Printf("\n%s run %q is up (%d nodes)\n\n", cli.Green("✓"), runID, len(orch.Nodes))

	t := cli.NewTable("NODE", "KIND", "BACKEND", "IFACES").WithPrefix("  ")
	names := make([]string, 0, len(orch.Nodes))
	byName := make(map[string]*topo.Node, len(orch.Nodes))
	for _, n := range orch.Nodes {
		names = append(names, n.Name)
		byName[n.Name] = n
	}
	sort.Strings(names)

	for _, name := range names {
		n := byName[name]
		ifaceCount := 0
		if ns := orch.State.Nodes[name]; ns != nil {
			ifaceCount = len(ns.Ifaces)
		}
		t.Row(n.Name, n.Kind, backendName(n), fmt.Sprintf("%d", ifaceCount))
	}
	t.Flush()
}

func backendName(n *topo.Node) string {
	switch n.SelectBackend() {
	case topo.BackendQemu:
		return "qemu"
	case topo.BackendContainer:
		return "container"
	default:
		return "shell"
	}
}
