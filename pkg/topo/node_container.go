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

	"github.com/vishvananda/netns"

	"github.com/munet/munet/pkg/util"
)

// containerBackend runs a node as a podman container (§4.5). podman is
// invoked as a subprocess; the engine never links a container runtime SDK
// (§6 external programs invoked).
//
// Prepare creates the container with a placeholder entrypoint and starts
// it immediately, rather than waiting for the NODES_RUNNING phase: a
// container's network namespace is only valid once its main process has
// actually started, and LINKS_UP (which needs that namespace to realize
// the node's veths) runs before NODES_RUNNING. The node's declared cmd is
// instead run via a tracked `podman exec` once Start is called.
type containerBackend struct {
	runID       string
	node        *Node
	containerID string
	ns          *NodeNamespace
	cmd         *exec.Cmd
	exited      chan struct{}
	waitErr     error
}

func newContainerBackend(runID string, n *Node) *containerBackend {
	return &containerBackend{runID: runID, node: n}
}

func (b *containerBackend) containerName() string {
	return "munet-" + b.runID + "-" + b.node.Name
}

func (b *containerBackend) Prepare(ctx context.Context) error {
	args := []string{"create", "--name", b.containerName(), "--network=none"}
	if b.node.Privileged {
		args = append(args, "--privileged")
	}
	for _, c := range b.node.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, c := range b.node.CapRemove {
		args = append(args, "--cap-drop", c)
	}
	for _, m := range b.node.Mounts {
		spec := fmt.Sprintf("%s:%s", m.Source, m.Destination)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, v := range b.node.Volumes {
		args = append(args, "-v", v)
	}
	for _, e := range b.node.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", e.Name, e.Value))
	}
	switch {
	case b.node.Init != nil && b.node.Init.IsPath:
		args = append(args, "--init", "--init-path", b.node.Init.Path)
	case b.node.Init != nil && b.node.Init.Bool:
		args = append(args, "--init")
	}
	if b.node.Podman != nil {
		args = append(args, b.node.Podman.ExtraArgs...)
	}
	// The container's entrypoint is always a long-lived placeholder: cmd
	// runs later, under Start, via podman exec (see type doc comment).
	args = append(args, b.node.Image, "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "podman", args...).CombinedOutput()
	if err != nil {
		return NewError(BackendUnavailable, "container.prepare", b.node.Name, fmt.Errorf("%w: %s", err, out))
	}
	b.containerID = strings.TrimSpace(string(out))

	if out, err := exec.CommandContext(ctx, "podman", "start", b.containerID).CombinedOutput(); err != nil {
		return NewError(BackendUnavailable, "container.prepare", b.node.Name, fmt.Errorf("%w: %s", err, out))
	}

	pidOut, err := exec.CommandContext(ctx, "podman", "inspect", "-f", "{{.State.Pid}}", b.containerID).Output()
	if err != nil {
		return NewError(Internal, "container.prepare", b.node.Name, err)
	}
	pid := strings.TrimSpace(string(pidOut))

	netPath := fmt.Sprintf("/proc/%s/ns/net", pid)
	handle, err := netns.GetFromPath(netPath)
	if err != nil {
		return NewError(Internal, "container.prepare", b.node.Name, err)
	}
	b.ns = &NodeNamespace{
		Name:    b.node.Name,
		NSName:  b.containerName(),
		NetNS:   handle,
		NetPath: netPath,
	}

	util.WithNode(b.node.Name).WithField("container", b.containerID).WithField("pid", pid).Debug("container created and started")
	return nil
}

func (b *containerBackend) AttachLink(ctx context.Context, ep Endpoint, namespaces map[string]*NodeNamespace) error {
	return nil // links are realized centrally by the orchestrator via RealizeLink
}

// Start execs the node's declared cmd inside the already-running container
// (§4.5 start), under the configured shell policy; the container itself
// started in Prepare so its namespace was available for link realization.
// A node with no cmd keeps running under the placeholder entrypoint alone.
func (b *containerBackend) Start(ctx context.Context) error {
	if b.node.Cmd == "" {
		util.WithNode(b.node.Name).Info("container started (no cmd declared)")
		return nil
	}

	argv := shellWrapContainer(b.node.Shell, b.node.Cmd)
	args := append([]string{"exec", b.containerID}, argv...)
	cmd := exec.Command("podman", args...)

	logDir := filepath.Join(RunDir(b.runID), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return NewError(StartFailed, "container.start", b.node.Name, err)
	}
	outFile, err := os.Create(filepath.Join(logDir, b.node.Name+".out"))
	if err != nil {
		return NewError(StartFailed, "container.start", b.node.Name, err)
	}
	errFile, err := os.Create(filepath.Join(logDir, b.node.Name+".err"))
	if err != nil {
		return NewError(StartFailed, "container.start", b.node.Name, err)
	}
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	if err := cmd.Start(); err != nil {
		return NewError(StartFailed, "container.start", b.node.Name, err)
	}
	b.cmd = cmd
	util.WithNode(b.node.Name).WithField("pid", cmd.Process.Pid).Info("node process started")

	b.exited = make(chan struct{})
	go func() {
		b.waitErr = b.cmd.Wait()
		close(b.exited)
	}()
	return nil
}

// Wait blocks until the node's `podman exec`'d cmd exits, or ctx is
// cancelled first. A node with no cmd (nothing was ever exec'd) returns
// immediately.
func (b *containerBackend) Wait(ctx context.Context) error {
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

// shellWrapContainer applies the node's shell policy to cmd for a podman
// exec argv (§4.5): an explicit shell path execs that shell with -c;
// shell=true (or unset) selects bash if available in the image else sh
// (probed inside the container by a small sh wrapper);
// shell=false execs cmd split by word. Init wrapping for container nodes
// is instead applied once at container-create time via podman's own
// --init/--init-path flags (see Prepare), since podman already owns pid 1
// inside the container.
func shellWrapContainer(shell *StringOrBool, cmd string) []string {
	if shell != nil && shell.IsPath {
		return []string{shell.Path, "-c", cmd}
	}
	if shell == nil || shell.Bool {
		return []string{"sh", "-c", `if command -v bash >/dev/null 2>&1; then exec bash -c "$1"; fi; exec sh -c "$1"`, "sh", cmd}
	}
	return strings.Fields(cmd)
}

func (b *containerBackend) Exec(ctx context.Context, argv []string, tty bool, stdin io.Reader, stdout, stderr io.Writer) (*ExecResult, error) {
	args := []string{"exec"}
	if tty {
		args = append(args, "-it")
	}
	args = append(args, b.containerID)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "podman", args...)
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
		return nil, NewError(ExecFailed, "container.exec", b.node.Name, err)
	}
	return res, nil
}

func (b *containerBackend) Signal(ctx context.Context, signal string) error {
	name := strings.TrimPrefix(signal, "SIG")
	out, err := exec.CommandContext(ctx, "podman", "kill", "-s", name, b.containerID).CombinedOutput()
	if err != nil {
		return NewError(NotRunning, "container.signal", b.node.Name, fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (b *containerBackend) Cleanup(ctx context.Context) {
	log := util.WithNode(b.node.Name)
	if b.containerID == "" {
		return
	}
	if b.node.CleanupCmd != "" {
		if out, err := exec.CommandContext(ctx, "podman", "exec", b.containerID, "sh", "-c", b.node.CleanupCmd).CombinedOutput(); err != nil {
			log.WithError(err).WithField("output", string(out)).Warn("cleanup_cmd failed")
		}
	}
	if out, err := exec.CommandContext(ctx, "podman", "rm", "-f", b.containerID).CombinedOutput(); err != nil {
		log.WithError(err).WithField("output", string(out)).Warn("container removal failed")
	}
	if b.ns != nil {
		// Unlike a shellBackend namespace, this one is owned by the
		// container's lifecycle, not a named handle we created — just
		// release our reference to it, podman rm already tore it down.
		_ = b.ns.NetNS.Close()
	}
}
