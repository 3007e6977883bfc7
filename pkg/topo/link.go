package topo

import (
	"net"
	"sort"
)

// LinkKind mirrors the four connection flavours, but at the link-record
// level where bring-up order matters (§4.4).
type LinkKind int

const (
	LinkBridgeAttach LinkKind = iota
	LinkP2P
	LinkHostBind
	LinkPhysical
)

// Endpoint is one side of a planned link: the owning node, its interface
// name, MTU, optional address, and optional traffic-control constraints.
type Endpoint struct {
	Node        string
	Iface       string
	MTU         int
	IP          *net.IPNet
	Constraints *Constraints
}

// Link is a single planned link record. For bridge-attach and host-bind
// links only A is populated; Peer names the bridge or host interface. For
// p2p links both A and Z are populated. For physical links A is populated
// and PCIAddr names the passthrough device.
type Link struct {
	Kind     LinkKind
	A        Endpoint
	Z        Endpoint // only for LinkP2P
	Network  string   // only for LinkBridgeAttach
	HostIntf string   // only for LinkHostBind
	PCIAddr  string   // only for LinkPhysical
}

// PlanLinks emits the ordered link list the Orchestrator brings up during
// LINKS_UP: bridge-attach, then p2p, then host-bind, then physical (§4.4).
// p2p connections are matched pairwise; a connection whose `to` names
// another node and which is not claimed by that node's own matching
// connection is left dangling and reported as P2PAmbiguous, since §4.4
// requires every p2p pair to resolve to exactly one peer.
func PlanLinks(nodes []*Node, alloc *Allocation, networkNames map[string]bool) ([]*Link, error) {
	nodeIdx := make(map[string]*Node, len(nodes))
	nodeNames := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeIdx[n.Name] = n
		nodeNames[n.Name] = true
	}

	var bridgeLinks, p2pLinks, hostLinks, physLinks []*Link
	claimed := make(map[string]bool) // "nodeA|localname" already paired

	for _, n := range nodes {
		ifaces := alloc.Node[n.Name]
		for i, c := range n.Connections {
			ep := Endpoint{
				Node:        n.Name,
				Iface:       ifaces[i].Name,
				MTU:         c.MTU,
				IP:          ifaces[i].IP,
				Constraints: c.IntfConstraints,
			}

			switch c.Kind(nodeNames, networkNames) {
			case ConnHostBind:
				hostLinks = append(hostLinks, &Link{Kind: LinkHostBind, A: ep, HostIntf: c.HostIntf})

			case ConnPhysical:
				physLinks = append(physLinks, &Link{Kind: LinkPhysical, A: ep, PCIAddr: c.Physical})

			case ConnBridgeAttach:
				bridgeLinks = append(bridgeLinks, &Link{Kind: LinkBridgeAttach, A: ep, Network: c.To})

			case ConnP2P:
				key := n.Name + "|" + ep.Iface
				if claimed[key] {
					continue
				}
				peerName := c.To
				peer, ok := nodeIdx[peerName]
				if !ok {
					return nil, NewError(P2PAmbiguous, "link.plan", n.Name+"->"+peerName, nil)
				}
				zIdx, err := findPeerConnection(peer, n.Name, c.RemoteName, c.Name, claimed)
				if err != nil {
					return nil, err
				}
				peerIfaces := alloc.Node[peer.Name]
				zConn := peer.Connections[zIdx]
				zEp := Endpoint{
					Node:        peer.Name,
					Iface:       peerIfaces[zIdx].Name,
					MTU:         zConn.MTU,
					IP:          peerIfaces[zIdx].IP,
					Constraints: zConn.IntfConstraints,
				}
				// A p2p pair is one wire: an MTU declared on only one leg
				// still has to hold end-to-end, so both endpoints carry
				// whichever side asked for the larger MTU.
				mtu := ep.MTU
				if zEp.MTU > mtu {
					mtu = zEp.MTU
				}
				ep.MTU = mtu
				zEp.MTU = mtu

				claimed[key] = true
				claimed[peer.Name+"|"+zEp.Iface] = true
				p2pLinks = append(p2pLinks, &Link{Kind: LinkP2P, A: ep, Z: zEp})
			}
		}
	}

	links := make([]*Link, 0, len(bridgeLinks)+len(p2pLinks)+len(hostLinks)+len(physLinks))
	links = append(links, bridgeLinks...)
	links = append(links, p2pLinks...)
	links = append(links, hostLinks...)
	links = append(links, physLinks...)
	return links, nil
}

// findPeerConnection locates the index of peer's connection back to
// declaringNode. If remoteName (from declaringNode's connection) is set,
// the match requires peer's connection's own Name to equal remoteName —
// resolving duplicate p2p pairs between the same two nodes (§4.4). Falling
// back to position is only safe when exactly one unclaimed candidate
// connection exists; more than one is P2PAmbiguous.
func findPeerConnection(peer *Node, declaringNode, remoteName, localName string, claimed map[string]bool) (int, error) {
	var candidates []int
	for i, zc := range peer.Connections {
		if zc.To != declaringNode {
			continue
		}
		key := peer.Name + "|"
		if claimed[key+zc.Name] {
			continue
		}
		if remoteName != "" {
			if zc.Name == remoteName {
				return i, nil
			}
			continue
		}
		if zc.RemoteName != "" && zc.RemoteName != localName {
			continue
		}
		candidates = append(candidates, i)
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return 0, NewError(P2PAmbiguous, "link.plan", declaringNode+"<->"+peer.Name, nil)
	default:
		return 0, NewError(P2PAmbiguous, "link.plan", declaringNode+"<->"+peer.Name, nil)
	}
}

// sortedLinkGroups is a small helper kept for deterministic debug/log
// rendering of a plan; it does not affect bring-up order, which PlanLinks
// already fixes.
func sortedLinkGroups(links []*Link) []*Link {
	out := append([]*Link{}, links...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
