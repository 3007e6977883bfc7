package topo

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/munet/munet/pkg/util"
)

// NodeNamespace holds the kernel handles a node's namespaces are known by
// once NODES_PREPARED has run: the network namespace handle and the path
// used to re-enter it from another OS thread (nsenter-style), plus the
// mount and UTS namespace paths bound under the per-run state directory so
// they outlive the process that created them until teardown unmounts them.
type NodeNamespace struct {
	Name      string
	NSName    string // name netns.NewNamed registered this handle under
	NetNS     netns.NsHandle
	NetPath   string
	MountNS   string
	UTSName   string
}

// netnsDir is a per-run directory that CreateNodeNamespace creates. The
// per-node namespace handles are not placed in it: netns.NewNamed
// bind-mounts each one directly at /var/run/netns/<runID>-<node>.
func netnsDir(runID string) string {
	return fmt.Sprintf("/var/run/netns/munet-%s", runID)
}

// CreateNodeNamespace creates a new network namespace for a node and binds
// it at /var/run/netns/<runID>-<node> (`ip netns exec` compatible layout)
// so it is addressable by path and survives the creating
// goroutine's lifetime (§4.5 prepare). Must run pinned to its OS thread:
// netns.New() changes the calling thread's namespace.
func CreateNodeNamespace(runID, nodeName string) (*NodeNamespace, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, NewError(BackendUnavailable, "netns.create", nodeName, err)
	}
	defer netns.Set(origin)
	defer origin.Close()

	if err := os.MkdirAll(netnsDir(runID), 0755); err != nil {
		return nil, NewError(PermissionDenied, "netns.create", nodeName, err)
	}

	nsName := runID + "-" + nodeName
	handle, err := netns.NewNamed(nsName)
	if err != nil {
		return nil, NewError(BackendUnavailable, "netns.create", nodeName, err)
	}

	util.WithNode(nodeName).Debug("created network namespace")

	return &NodeNamespace{
		Name:    nodeName,
		NSName:  nsName,
		NetNS:   handle,
		NetPath: fmt.Sprintf("/var/run/netns/%s", nsName),
	}, nil
}

// DestroyNodeNamespace releases a node's network namespace. Best-effort:
// errors are logged, never fatal, since cleanup must proceed past any
// single node's failure (§4.5 cleanup, §7 teardown errors).
func DestroyNodeNamespace(ns *NodeNamespace) {
	if ns == nil {
		return
	}
	if err := netns.DeleteNamed(ns.NSName); err != nil {
		_ = os.Remove(ns.NetPath)
	}
	ns.NetNS.Close()
	util.WithNode(ns.Name).Debug("destroyed network namespace")
}

// EnsureBridge creates a Linux bridge named brName with the given MTU and
// brings it up, assigning addr if non-nil (§4.6 NETWORKS_UP). Idempotent:
// an existing bridge with the same name is reused and just reconfigured.
func EnsureBridge(brName string, mtu int, addr *net.IPNet) error {
	link, err := netlink.LinkByName(brName)
	if err != nil {
		br := &netlink.Bridge{
			LinkAttrs: netlink.LinkAttrs{Name: brName, MTU: mtu},
		}
		if err := netlink.LinkAdd(br); err != nil {
			return NewError(BackendUnavailable, "netns.bridge", brName, err)
		}
		link, err = netlink.LinkByName(brName)
		if err != nil {
			return NewError(Internal, "netns.bridge", brName, err)
		}
	} else if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return NewError(Internal, "netns.bridge", brName, err)
		}
	}

	if addr != nil {
		if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: addr}); err != nil {
			return NewError(Internal, "netns.bridge", brName, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return NewError(Internal, "netns.bridge", brName, err)
	}
	return nil
}

// DeleteBridge removes a bridge, if present. Best-effort on teardown.
func DeleteBridge(brName string) error {
	link, err := netlink.LinkByName(brName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return NewError(Internal, "netns.bridge.delete", brName, err)
	}
	return nil
}
