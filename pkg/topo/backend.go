package topo

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
)

// ExecResult is the outcome of a transient command run inside a node
// (§4.5 exec).
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// NodeBackend is the lifecycle contract every node backend implements,
// regardless of whether it realises a node as a bare namespace, a podman
// container, or a QEMU VM (§4.5).
type NodeBackend interface {
	// Prepare creates the node's namespaces or equivalent container/VM
	// primitives and records their handles.
	Prepare(ctx context.Context) error

	// AttachLink makes one planned link endpoint appear inside the node.
	AttachLink(ctx context.Context, ep Endpoint, namespaces map[string]*NodeNamespace) error

	// Start runs the node's cmd under its configured shell/init policy.
	Start(ctx context.Context) error

	// Exec runs a transient command inside the node and returns its result.
	// If tty is true the container and qemu backends request a terminal
	// from their transport (podman exec -it, an SSH pty); the shell backend
	// ignores tty (ExecInteractive gives it a local pty). Output is always
	// also captured into the returned ExecResult.
	Exec(ctx context.Context, argv []string, tty bool, stdin io.Reader, stdout, stderr io.Writer) (*ExecResult, error)

	// Signal delivers signal to the node's main process.
	Signal(ctx context.Context, signal string) error

	// Wait blocks until the node's main process exits, or ctx is
	// cancelled first, and reports the process's exit error (nil on a
	// clean exit). A node with no process to wait on (e.g. Start was
	// never called, or a container node has no cmd) returns immediately;
	// a shell node with no cmd runs a placeholder process that Wait waits on.
	Wait(ctx context.Context) error

	// Cleanup runs cleanup_cmd while the node is alive, stops cmd, then
	// releases namespaces. Errors are logged, not returned, so callers
	// (the orchestrator's rollback/teardown path) never abort on them.
	Cleanup(ctx context.Context)
}

// NewBackend selects and constructs the backend implementation for n per
// the §4.5 selection rule.
func NewBackend(runID string, n *Node) NodeBackend {
	switch n.SelectBackend() {
	case BackendQemu:
		return newQemuBackend(runID, n)
	case BackendContainer:
		return newContainerBackend(runID, n)
	default:
		return newShellBackend(runID, n)
	}
}

// AttachForExec returns a backend for n positioned to run Exec against an
// already-running run from a fresh process (the "munet exec"/"munet ssh"
// driver commands, which don't hold the Orchestrator that originally called
// Prepare). Every backend derives the handles Exec needs — namespace
// paths, container name, SSH port — deterministically from runID and the
// node name, so no Prepare call is replayed.
func AttachForExec(runID string, n *Node) NodeBackend {
	switch n.SelectBackend() {
	case BackendQemu:
		b := newQemuBackend(runID, n)
		b.sshPort = allocateSSHPort(runID, n.Name)
		return b
	case BackendContainer:
		return newContainerBackend(runID, n)
	default:
		b := newShellBackend(runID, n)
		b.ns = &NodeNamespace{
			Name:    n.Name,
			NSName:  runID + "-" + n.Name,
			NetPath: fmt.Sprintf("/var/run/netns/%s-%s", runID, n.Name),
			MountNS: filepath.Join(RunDir(runID), "mnt", n.Name),
		}
		return b
	}
}
