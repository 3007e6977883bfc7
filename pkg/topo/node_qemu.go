package topo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/crypto/ssh"

	"github.com/munet/munet/pkg/util"
)

// qemuBackend runs a node as a qemu-system-x86_64 VM (§4.5). Every data
// interface is a host-side tap device, optionally enslaved to the same
// bridge a shell/container node on the same network would use, so VM and
// non-VM nodes interoperate on one topology. exec runs over SSH since a VM
// has no shared namespace with the host to nsenter into.
type qemuBackend struct {
	runID    string
	node     *Node
	stateDir string
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	sshPort  int
	taps     []string
}

func newQemuBackend(runID string, n *Node) *qemuBackend {
	return &qemuBackend{runID: runID, node: n, stateDir: RunDir(runID)}
}

func (b *qemuBackend) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(b.stateDir, "qemu"), 0755); err != nil {
		return NewError(PermissionDenied, "qemu.prepare", b.node.Name, err)
	}
	if _, err := exec.LookPath("qemu-system-x86_64"); err != nil {
		return NewError(BackendUnavailable, "qemu.prepare", b.node.Name, err)
	}
	b.sshPort = allocateSSHPort(b.runID, b.node.Name)
	return nil
}

func (b *qemuBackend) AttachLink(ctx context.Context, ep Endpoint, namespaces map[string]*NodeNamespace) error {
	tapName := truncate14("t-" + b.node.Name + "-" + ep.Iface)
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Queues:    1,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return NewError(LinkExists, "qemu.attach", tapName, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return NewError(Internal, "qemu.attach", tapName, err)
	}
	b.taps = append(b.taps, tapName)
	return nil
}

// AttachToBridge enslaves a tap device created by AttachLink to network's
// bridge; called by the orchestrator for bridge-attach connections only,
// mirroring the shell backend's veth enslavement in realizeBridgeAttach.
func (b *qemuBackend) AttachToBridge(tapName, network string) error {
	tap, err := netlink.LinkByName(tapName)
	if err != nil {
		return NewError(IfaceNotFound, "qemu.attach", tapName, err)
	}
	br, err := netlink.LinkByName(bridgeName(network))
	if err != nil {
		return NewError(IfaceNotFound, "qemu.attach", bridgeName(network), err)
	}
	if err := netlink.LinkSetMaster(tap, br.(*netlink.Bridge)); err != nil {
		return NewError(Internal, "qemu.attach", tapName, err)
	}
	return nil
}

func (b *qemuBackend) Start(ctx context.Context) error {
	cmd := b.buildCommand()
	logDir := filepath.Join(b.stateDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return NewError(StartFailed, "qemu.start", b.node.Name, err)
	}
	outFile, err := os.Create(filepath.Join(logDir, b.node.Name+".out"))
	if err != nil {
		return NewError(StartFailed, "qemu.start", b.node.Name, err)
	}
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	if err := cmd.Start(); err != nil {
		return NewError(StartFailed, "qemu.start", b.node.Name, err)
	}
	b.cmd = cmd
	util.WithNode(b.node.Name).WithField("pid", cmd.Process.Pid).Info("vm started")

	b.exited = make(chan struct{})
	go func() {
		b.waitErr = b.cmd.Wait()
		close(b.exited)
	}()
	return nil
}

// Wait blocks until the VM's qemu-system process exits, or ctx is
// cancelled first.
func (b *qemuBackend) Wait(ctx context.Context) error {
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

// buildCommand assembles the qemu-system-x86_64 invocation (grounded on
// the sibling VM lab's QEMUCommand.Build()).
func (b *qemuBackend) buildCommand() *exec.Cmd {
	q := b.node.Qemu
	memory := q.Memory
	if memory == 0 {
		memory = 512
	}
	cpus := q.CPUs
	if cpus == 0 {
		cpus = 1
	}

	args := []string{
		"-m", fmt.Sprintf("%d", memory),
		"-smp", fmt.Sprintf("%d", cpus),
		"-display", "none",
		"-serial", "null",
		"-pidfile", filepath.Join(b.stateDir, "qemu", b.node.Name+".pid"),
		"-kernel", q.Kernel,
	}
	if q.Initrd != "" {
		args = append(args, "-initrd", q.Initrd)
	}
	if q.Image != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", q.Image))
	}
	if q.KVM {
		args = append(args, "-enable-kvm")
	}

	args = append(args,
		"-netdev", fmt.Sprintf("user,id=mgmt,hostfwd=tcp::%d-:22", b.sshPort),
		"-device", "virtio-net-pci,netdev=mgmt",
	)
	for i, tap := range b.taps {
		netdevID := fmt.Sprintf("eth%d", i)
		mac := GenerateMAC(b.node.Name, i+1)
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", netdevID, tap),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", netdevID, mac),
		)
	}

	return exec.CommandContext(context.Background(), "qemu-system-x86_64", args...)
}

// GenerateMAC creates a deterministic MAC address for a node's NIC using
// QEMU's OUI prefix (52:54:00).
func GenerateMAC(nodeName string, nicIndex int) string {
	input := fmt.Sprintf("%s-%d", nodeName, nicIndex)
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", hash[0], hash[1], hash[2])
}

func (b *qemuBackend) Exec(ctx context.Context, argv []string, tty bool, stdin io.Reader, stdout, stderr io.Writer) (*ExecResult, error) {
	client, err := b.dial(ctx)
	if err != nil {
		return nil, NewError(NotRunning, "qemu.exec", b.node.Name, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, NewError(ExecFailed, "qemu.exec", b.node.Name, err)
	}
	defer session.Close()

	if tty {
		if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
			return nil, NewError(ExecFailed, "qemu.exec", b.node.Name, err)
		}
	}

	var outBuf, errBuf bytes.Buffer
	session.Stdin = stdin
	session.Stdout = io.MultiWriter(stdout, &outBuf)
	session.Stderr = io.MultiWriter(stderr, &errBuf)

	err = session.Run(strings.Join(argv, " "))
	res := &ExecResult{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return nil, NewError(ExecFailed, "qemu.exec", b.node.Name, err)
	}
	return res, nil
}

func (b *qemuBackend) dial(ctx context.Context) (*ssh.Client, error) {
	q := b.node.Qemu
	user := q.SSHUser
	if user == "" {
		user = "root"
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(q.SSHPass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := fmt.Sprintf("127.0.0.1:%d", b.sshPort)
	return ssh.Dial("tcp", addr, config)
}

func (b *qemuBackend) Signal(ctx context.Context, signal string) error {
	if b.cmd == nil || b.cmd.Process == nil {
		return NewError(NotRunning, "qemu.signal", b.node.Name, nil)
	}
	sig, ok := signalByName[signal]
	if !ok {
		return NewError(Internal, "qemu.signal", signal, nil)
	}
	return b.cmd.Process.Signal(sig)
}

func (b *qemuBackend) Cleanup(ctx context.Context) {
	log := util.WithNode(b.node.Name)
	if b.node.CleanupCmd != "" && b.cmd != nil && b.cmd.Process != nil {
		if _, err := b.Exec(ctx, []string{b.node.CleanupCmd}, false, nil, io.Discard, io.Discard); err != nil {
			log.WithError(err).Warn("cleanup_cmd failed")
		}
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
		if b.exited != nil {
			<-b.exited
		} else {
			_, _ = b.cmd.Process.Wait()
		}
	}
	for _, tap := range b.taps {
		if link, err := netlink.LinkByName(tap); err == nil {
			if err := netlink.LinkDel(link); err != nil {
				log.WithError(err).Warn("tap removal failed")
			}
		}
	}
}

var sshPortBase = 40000

// allocateSSHPort derives a stable port for a node's management SSH
// forward from the run id and node name, so the same run id and node name
// always map to the same port.
func allocateSSHPort(runID, nodeName string) int {
	h := sha256.Sum256([]byte(runID + "/" + nodeName))
	offset := (int(h[0])<<8 | int(h[1])) % 10000
	return sshPortBase + offset
}
