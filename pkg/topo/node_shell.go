package topo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/munet/munet/pkg/util"
)

// shellBackend runs a node directly in a kernel network/mount/UTS namespace
// on the host, entered via nsenter for every subprocess (§4.5, §6: the
// system shells out to namespace tooling rather than linking it).
type shellBackend struct {
	runID    string
	node     *Node
	stateDir string
	ns       *NodeNamespace
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
}

func newShellBackend(runID string, n *Node) *shellBackend {
	return &shellBackend{runID: runID, node: n, stateDir: RunDir(runID)}
}

func (b *shellBackend) Prepare(ctx context.Context) error {
	ns, err := CreateNodeNamespace(b.runID, b.node.Name)
	if err != nil {
		return err
	}
	b.ns = ns

	mountPoint := filepath.Join(b.stateDir, "mnt", b.node.Name)
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return NewError(PermissionDenied, "shell.prepare", b.node.Name, err)
	}
	b.ns.MountNS = mountPoint

	for _, m := range b.node.Mounts {
		if err := bindMount(m); err != nil {
			return NewError(PermissionDenied, "shell.prepare", m.Destination, err)
		}
	}
	return nil
}

func (b *shellBackend) AttachLink(ctx context.Context, ep Endpoint, namespaces map[string]*NodeNamespace) error {
	return nil // links are realized centrally by the orchestrator via RealizeLink
}

func (b *shellBackend) Start(ctx context.Context) error {
	if b.node.Cmd == "" {
		// No process: hold the namespace open with a long-lived placeholder.
		b.cmd = b.nsenterCommand([]string{"sleep", "infinity"})
	} else {
		argv := wrapInit(b.node.Init, b.shellWrap(b.node.Cmd))
		b.cmd = b.nsenterCommand(argv)
	}

	logDir := filepath.Join(b.stateDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return NewError(StartFailed, "shell.start", b.node.Name, err)
	}
	outFile, err := os.Create(filepath.Join(logDir, b.node.Name+".out"))
	if err != nil {
		return NewError(StartFailed, "shell.start", b.node.Name, err)
	}
	errFile, err := os.Create(filepath.Join(logDir, b.node.Name+".err"))
	if err != nil {
		return NewError(StartFailed, "shell.start", b.node.Name, err)
	}
	b.cmd.Stdout = outFile
	b.cmd.Stderr = errFile
	b.cmd.Env = append(os.Environ(), envStrings(b.node.Env)...)

	if err := b.cmd.Start(); err != nil {
		return NewError(StartFailed, "shell.start", b.node.Name, err)
	}
	util.WithNode(b.node.Name).WithField("pid", b.cmd.Process.Pid).Info("node started")

	b.exited = make(chan struct{})
	go func() {
		b.waitErr = b.cmd.Wait()
		close(b.exited)
	}()
	return nil
}

// Wait blocks until the node's main process exits, or ctx is cancelled
// first, and reports the process's exit error (nil on a clean exit). A
// node never started (placeholder-only Prepare never ran Start, or Start
// failed before launching cmd) returns immediately.
func (b *shellBackend) Wait(ctx context.Context) error {
	if b.exited == nil {
		return nil
	}
	select {
	case <-b.exited:
		return b.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *shellBackend) Exec(ctx context.Context, argv []string, tty bool, stdin io.Reader, stdout, stderr io.Writer) (*ExecResult, error) {
	cmd := b.nsenterCommand(argv)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(stdout, &outBuf)
	cmd.Stderr = io.MultiWriter(stderr, &errBuf)

	err := cmd.Run()
	res := &ExecResult{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return nil, NewError(ExecFailed, "shell.exec", b.node.Name, err)
	}
	return res, nil
}

func (b *shellBackend) Signal(ctx context.Context, signal string) error {
	if b.cmd == nil || b.cmd.Process == nil {
		return NewError(NotRunning, "shell.signal", b.node.Name, nil)
	}
	sig, ok := signalByName[signal]
	if !ok {
		return NewError(Internal, "shell.signal", signal, nil)
	}
	if err := b.cmd.Process.Signal(sig); err != nil {
		return NewError(NotRunning, "shell.signal", b.node.Name, err)
	}
	return nil
}

func (b *shellBackend) Cleanup(ctx context.Context) {
	log := util.WithNode(b.node.Name)
	if b.node.CleanupCmd != "" {
		cleanup := b.nsenterCommand(b.shellWrap(b.node.CleanupCmd))
		if err := cleanup.Run(); err != nil {
			log.WithError(err).Warn("cleanup_cmd failed")
		}
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
		if b.exited != nil {
			<-b.exited
		} else {
			_, _ = b.cmd.Process.Wait()
		}
	}
	DestroyNodeNamespace(b.ns)
}

// nsenterCommand wraps argv so it runs inside the node's network, mount and
// UTS namespaces (§4.5 prepare/start/exec all route through this helper).
func (b *shellBackend) nsenterCommand(argv []string) *exec.Cmd {
	args := []string{
		"--net=" + b.ns.NetPath,
		"--mount=" + b.ns.MountNS,
		"--uts",
	}
	args = append(args, argv...)
	return exec.Command("nsenter", args...)
}

// shellWrap applies the node's shell policy (§4.5): an explicit shell path
// execs that shell with -c; shell=true selects bash if available else sh;
// shell=false execs cmd split by word.
func (b *shellBackend) shellWrap(cmd string) []string {
	if b.node.Shell != nil && b.node.Shell.IsPath {
		return []string{b.node.Shell.Path, "-c", cmd}
	}
	if b.node.Shell == nil || b.node.Shell.Bool {
		shellPath := "/bin/sh"
		if _, err := exec.LookPath("bash"); err == nil {
			shellPath = "bash"
		}
		return []string{shellPath, "-c", cmd}
	}
	return strings.Fields(cmd)
}

// wrapInit applies the node's init policy (§4.5 start: "under init wrapper
// if requested") by prepending an init process to argv: init=true wraps
// under tini, init=<path> wraps under that binary instead. init unset or
// false leaves argv untouched. Used by the shell backend; container nodes
// get podman's own --init flags instead, and qemu nodes are not wrapped.
func wrapInit(init *StringOrBool, argv []string) []string {
	if init == nil {
		return argv
	}
	var initBin string
	switch {
	case init.IsPath:
		initBin = init.Path
	case init.Bool:
		initBin = "tini"
	default:
		return argv
	}
	return append([]string{initBin, "--"}, argv...)
}

func bindMount(m Mount) error {
	args := []string{"--bind"}
	if m.ReadOnly {
		args = append(args, "-o", "ro")
	}
	args = append(args, m.Source, m.Destination)
	return exec.Command("mount", args...).Run()
}

func envStrings(vars []EnvVar) []string {
	out := make([]string, len(vars))
	for i, v := range vars {
		out[i] = fmt.Sprintf("%s=%s", v.Name, v.Value)
	}
	return out
}

var signalByName = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// RunDir returns the per-run state directory (§6 persisted state layout).
func RunDir(runID string) string {
	base := os.Getenv("MUNET_RUNTIME")
	if base == "" {
		base = "/var/run/munet"
	}
	return filepath.Join(base, runID)
}
