package topo

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/munet/munet/pkg/util"
)

// RealizeLink brings up one planned Link on the host: creates the veth
// pair (or moves the host interface; physical links are left to the VM
// backend), enslaves the bridge side
// where applicable, moves each end into its owning node's namespace,
// renames, addresses, sets MTU, and brings the link up (§4.6 LINKS_UP).
func RealizeLink(link *Link, namespaces map[string]*NodeNamespace) error {
	switch link.Kind {
	case LinkBridgeAttach:
		return realizeBridgeAttach(link, namespaces)
	case LinkP2P:
		return realizeP2P(link, namespaces)
	case LinkHostBind:
		return realizeHostBind(link, namespaces)
	case LinkPhysical:
		return realizePhysical(link, namespaces)
	default:
		return NewError(Internal, "link.realize", link.A.Node, fmt.Errorf("unknown link kind %d", link.Kind))
	}
}

// realizeBridgeAttach creates a veth pair, enslaves one end to the
// network's bridge in the host namespace, and moves the other end into the
// node's namespace under its assigned name.
func realizeBridgeAttach(link *Link, namespaces map[string]*NodeNamespace) error {
	ns, ok := namespaces[link.A.Node]
	if !ok {
		return NewError(Internal, "link.realize", link.A.Node, fmt.Errorf("no namespace recorded"))
	}

	hostSide := vethHostName(link.A.Node, link.A.Iface)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostSide},
		PeerName:  tempPeerName(link.A.Node, link.A.Iface),
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return NewError(LinkExists, "link.realize", hostSide, err)
	}

	brName := bridgeName(link.Network)
	br, err := netlink.LinkByName(brName)
	if err != nil {
		return NewError(IfaceNotFound, "link.realize", brName, err)
	}
	hostLink, err := netlink.LinkByName(hostSide)
	if err != nil {
		return NewError(Internal, "link.realize", hostSide, err)
	}
	if err := netlink.LinkSetMaster(hostLink, br.(*netlink.Bridge)); err != nil {
		return NewError(Internal, "link.realize", hostSide, err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return NewError(Internal, "link.realize", hostSide, err)
	}

	peerName := tempPeerName(link.A.Node, link.A.Iface)
	peerLink, err := netlink.LinkByName(peerName)
	if err != nil {
		return NewError(Internal, "link.realize", peerName, err)
	}
	return moveAndConfigure(peerLink, ns, link.A)
}

// realizeP2P creates a single veth pair and moves one end into each of the
// two nodes' namespaces under their own assigned names.
func realizeP2P(link *Link, namespaces map[string]*NodeNamespace) error {
	nsA, ok := namespaces[link.A.Node]
	if !ok {
		return NewError(Internal, "link.realize", link.A.Node, fmt.Errorf("no namespace recorded"))
	}
	nsZ, ok := namespaces[link.Z.Node]
	if !ok {
		return NewError(Internal, "link.realize", link.Z.Node, fmt.Errorf("no namespace recorded"))
	}

	nameA := tempPeerName(link.A.Node, link.A.Iface)
	nameZ := tempPeerName(link.Z.Node, link.Z.Iface)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: nameA},
		PeerName:  nameZ,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return NewError(LinkExists, "link.realize", nameA+"<->"+nameZ, err)
	}

	linkA, err := netlink.LinkByName(nameA)
	if err != nil {
		return NewError(Internal, "link.realize", nameA, err)
	}
	if err := moveAndConfigure(linkA, nsA, link.A); err != nil {
		return err
	}

	linkZ, err := netlink.LinkByName(nameZ)
	if err != nil {
		return NewError(Internal, "link.realize", nameZ, err)
	}
	return moveAndConfigure(linkZ, nsZ, link.Z)
}

// realizeHostBind moves an existing host interface into the node's
// namespace under the connection's assigned name.
func realizeHostBind(link *Link, namespaces map[string]*NodeNamespace) error {
	ns, ok := namespaces[link.A.Node]
	if !ok {
		return NewError(Internal, "link.realize", link.A.Node, fmt.Errorf("no namespace recorded"))
	}
	hostLink, err := netlink.LinkByName(link.HostIntf)
	if err != nil {
		return NewError(IfaceNotFound, "link.realize", link.HostIntf, err)
	}
	return moveAndConfigure(hostLink, ns, link.A)
}

// realizePhysical is a placeholder for PCI passthrough, which only the VM
// backend performs at qemu invocation time (§3 Connection, physical); there
// is no host-side netlink object to move.
func realizePhysical(link *Link, namespaces map[string]*NodeNamespace) error {
	if _, ok := namespaces[link.A.Node]; !ok {
		return NewError(Internal, "link.realize", link.A.Node, fmt.Errorf("no namespace recorded"))
	}
	return nil
}

// moveAndConfigure moves l into ns's network namespace, renames it to
// ep.Iface, sets MTU and address, and brings it up.
func moveAndConfigure(l netlink.Link, ns *NodeNamespace, ep Endpoint) error {
	if err := netlink.LinkSetNsFd(l, int(ns.NetNS)); err != nil {
		return NewError(Internal, "link.realize", ep.Iface, err)
	}

	return inNamespace(ns.NetNS, func() error {
		moved, err := netlink.LinkByName(l.Attrs().Name)
		if err != nil {
			return NewError(Internal, "link.realize", ep.Iface, err)
		}
		if moved.Attrs().Name != ep.Iface {
			if err := netlink.LinkSetName(moved, ep.Iface); err != nil {
				return NewError(Internal, "link.realize", ep.Iface, err)
			}
		}
		if ep.MTU > 0 {
			if err := netlink.LinkSetMTU(moved, ep.MTU); err != nil {
				return NewError(Internal, "link.realize", ep.Iface, err)
			}
		}
		if ep.IP != nil {
			if err := netlink.AddrReplace(moved, &netlink.Addr{IPNet: ep.IP}); err != nil {
				return NewError(Internal, "link.realize", ep.Iface, err)
			}
		}
		if err := netlink.LinkSetUp(moved); err != nil {
			return NewError(Internal, "link.realize", ep.Iface, err)
		}
		util.WithNode(ep.Node).WithField("iface", ep.Iface).Debug("link up")
		return nil
	})
}

// inNamespace pins the calling goroutine to its OS thread, switches into
// target for the duration of fn, and restores the original namespace
// before returning. netlink operations that must run "inside" a node's
// network namespace (renaming, addressing, bringing up) go through here.
func inNamespace(target netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return NewError(Internal, "link.realize", "netns.get", err)
	}
	defer origin.Close()

	if err := netns.Set(target); err != nil {
		return NewError(Internal, "link.realize", "netns.set", err)
	}
	defer netns.Set(origin)

	return fn()
}

func bridgeName(network string) string {
	return "br-" + network
}

func vethHostName(node, iface string) string {
	return truncate14("v-" + node + "-" + iface)
}

func tempPeerName(node, iface string) string {
	return truncate14("p-" + node + "-" + iface)
}

// truncate14 keeps generated interface names under the kernel's IFNAMSIZ
// (16 bytes including the NUL terminator).
func truncate14(name string) string {
	if len(name) <= 14 {
		return name
	}
	return name[:14]
}
