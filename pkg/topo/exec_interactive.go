package topo

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/kr/pty"
	"golang.org/x/term"

	"github.com/munet/munet/pkg/util"
)

// ExecInteractive runs argv inside node attached to a pty, with the calling
// terminal put into raw mode for the duration, so a CLI session (§4.8
// `cli` invocation against a running node, and the driver's ssh/run
// subcommands) behaves like a real login shell: job control, line editing
// and signals all pass through unmodified.
//
// Only the shell backend supports a local pty directly; container and qemu
// backends are attached via their own exec path (podman exec -it / ssh -t)
// and ExecInteractive degrades to their buffered Exec.
func ExecInteractive(ctx context.Context, b NodeBackend, node *Node, argv []string) (*ExecResult, error) {
	sb, ok := b.(*shellBackend)
	if !ok {
		return b.Exec(ctx, argv, true, os.Stdin, os.Stdout, os.Stderr)
	}
	return sb.execPTY(ctx, argv)
}

// execPTY runs argv under nsenter with a pty in the middle, mirroring
// nsenterCommand but swapping Start for pty.Start so the child's controlling
// terminal is the pty's slave half.
func (b *shellBackend) execPTY(ctx context.Context, argv []string) (*ExecResult, error) {
	cmd := b.nsenterCommand(argv)

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, NewError(ExecFailed, "shell.exec", b.node.Name, err)
	}
	defer f.Close()

	restore, err := makeRaw(os.Stdin.Fd())
	if err == nil {
		defer restore()
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, f)
		close(done)
	}()

	go func() {
		<-ctx.Done()
		_ = cmd.Process.Kill()
	}()

	err = cmd.Wait()
	<-done

	res := &ExecResult{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		util.WithNode(b.node.Name).WithError(err).Debug("interactive exec ended")
	}
	return res, nil
}

// makeRaw puts fd into raw mode and returns a function restoring its prior
// state; it is a no-op returning an error when fd is not a terminal (e.g.
// stdin redirected from a pipe in a test or CI invocation).
func makeRaw(fd uintptr) (func(), error) {
	if !term.IsTerminal(int(fd)) {
		return nil, errNotATerminal
	}
	state, err := term.MakeRaw(int(fd))
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(int(fd), state) }, nil
}

var errNotATerminal = &ttyError{"not a terminal"}

type ttyError struct{ msg string }

func (e *ttyError) Error() string { return e.msg }
