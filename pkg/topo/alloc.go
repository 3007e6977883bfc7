package topo

import (
	"fmt"
	"net"
)

// NetworkAlloc is the resolved address plan for one declared network: the
// bridge's own CIDR and address, plus the counter used to hand out the
// next free host address (§4.3 phase 1).
type NetworkAlloc struct {
	Name      string
	CIDR      *net.IPNet
	BridgeIP  net.IP
	nextHost  uint32 // host-order offset within CIDR of the next free address
}

// IfaceAlloc is the resolved identity of one node interface: its name, and
// if it terminates on a bridge-attach network, its assigned address.
type IfaceAlloc struct {
	Name string
	IP   *net.IPNet
}

// Allocation is the full output of the Address & Name Allocator: per
// network plans and, per node, per-connection-index interface plans.
type Allocation struct {
	Networks map[string]*NetworkAlloc
	Node     map[string][]IfaceAlloc // keyed by node name, indexed like Node.Connections
}

const ipv4Pool = "10.0.%d.0/24"
const ipv6Pool = "2001:db8:%x::/64"

// Allocate runs both allocator phases over the resolved nodes in config
// order, producing a stable allocation (§4.3). Re-running with the same
// config and node list produces byte-identical results because every step
// is a deterministic function of declaration order.
func Allocate(cfg *Config, nodes []*Node) (*Allocation, error) {
	alloc := &Allocation{
		Networks: make(map[string]*NetworkAlloc, len(cfg.Topology.Networks)),
		Node:     make(map[string][]IfaceAlloc, len(nodes)),
	}

	for i, net0 := range cfg.Topology.Networks {
		na, err := allocateNetwork(cfg, i, net0)
		if err != nil {
			return nil, err
		}
		alloc.Networks[net0.Name] = na
	}

	networkNames := make(map[string]bool, len(cfg.Topology.Networks))
	for _, n := range cfg.Topology.Networks {
		networkNames[n.Name] = true
	}
	nodeNames := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeNames[n.Name] = true
	}

	for _, n := range nodes {
		ifaces, err := allocateNodeIfaces(cfg, alloc, n, nodeNames, networkNames)
		if err != nil {
			return nil, err
		}
		alloc.Node[n.Name] = ifaces
	}

	return alloc, nil
}

func allocateNetwork(cfg *Config, index int, n Network) (*NetworkAlloc, error) {
	if n.IP != "" {
		ip, ipnet, err := net.ParseCIDR(n.IP)
		if err != nil {
			return nil, NewError(ConfigInvalid, "alloc.network", n.Name, err)
		}
		// ParseCIDR masks ipnet.IP; keep the declared host bits for the bridge.
		declared := &net.IPNet{IP: ip, Mask: ipnet.Mask}
		return &NetworkAlloc{
			Name:     n.Name,
			CIDR:     ipnet,
			BridgeIP: bridgeAddress(declared),
			nextHost: hostCounterStart(declared),
		}, nil
	}

	if !cfg.Topology.NetworksAutonumber {
		return &NetworkAlloc{Name: n.Name}, nil
	}

	var pool string
	if cfg.Topology.IPv6Enable {
		pool = fmt.Sprintf(ipv6Pool, index)
	} else {
		pool = fmt.Sprintf(ipv4Pool, index)
	}
	_, ipnet, err := net.ParseCIDR(pool)
	if err != nil {
		return nil, NewError(Internal, "alloc.network", pool, err)
	}
	return &NetworkAlloc{
		Name:     n.Name,
		CIDR:     ipnet,
		BridgeIP: firstUsable(ipnet),
		nextHost: 2,
	}, nil
}

// bridgeAddress returns the CIDR's own address if its host bits are
// non-zero, else the first usable address in the block (§3 Network).
func bridgeAddress(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP
	if hasHostBits(ip, ipnet.Mask) {
		return ip
	}
	return firstUsable(ipnet)
}

func hasHostBits(ip net.IP, mask net.IPMask) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = ip.To16()
	}
	for i := range ip4 {
		if ip4[i]&^mask[i] != 0 {
			return true
		}
	}
	return false
}

func firstUsable(ipnet *net.IPNet) net.IP {
	ip := append(net.IP{}, ipnet.IP...)
	incrementIP(ip, 1)
	return ip
}

// hostCounterStart is 2 when the bridge holds the block's first usable
// address, else 1.
func hostCounterStart(ipnet *net.IPNet) uint32 {
	network := &net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}
	if bridgeAddress(ipnet).Equal(firstUsable(network)) {
		return 2
	}
	return 1
}

func incrementIP(ip net.IP, n uint32) {
	for i := len(ip) - 1; i >= 0 && n > 0; i-- {
		sum := uint32(ip[i]) + n
		ip[i] = byte(sum)
		n = sum >> 8
	}
}

func nextHostAddr(na *NetworkAlloc) (*net.IPNet, error) {
	if na.CIDR == nil {
		return nil, NewError(AddressExhausted, "alloc.node", na.Name, nil)
	}
	ones, bits := na.CIDR.Mask.Size()
	maxHosts := uint32(1) << uint(bits-ones)
	if na.nextHost >= maxHosts-1 {
		return nil, NewError(AddressExhausted, "alloc.node", na.Name, nil)
	}

	ip := append(net.IP{}, na.CIDR.IP...)
	incrementIP(ip, na.nextHost)
	na.nextHost++

	return &net.IPNet{IP: ip, Mask: na.CIDR.Mask}, nil
}

func allocateNodeIfaces(cfg *Config, alloc *Allocation, n *Node, nodeNames, networkNames map[string]bool) ([]IfaceAlloc, error) {
	ifaces := make([]IfaceAlloc, len(n.Connections))
	reserved := make(map[string]bool, len(n.Connections))
	for _, c := range n.Connections {
		if c.Name != "" {
			reserved[c.Name] = true
		}
	}

	for i, c := range n.Connections {
		name := c.Name
		if name == "" {
			name = generateEthName(i, reserved)
			reserved[name] = true
		}

		var ipnet *net.IPNet
		switch c.Kind(nodeNames, networkNames) {
		case ConnBridgeAttach:
			if c.IP != "" {
				parsed, err := net.ParseCIDR(c.IP)
				if err != nil {
					return nil, NewError(ConfigInvalid, "alloc.iface", n.Name+"/"+name, err)
				}
				ipnet = parsed
			} else if cfg.Topology.NetworksAutonumber {
				na, ok := alloc.Networks[c.To]
				if !ok {
					return nil, NewError(Internal, "alloc.iface", c.To, nil)
				}
				assigned, err := nextHostAddr(na)
				if err != nil {
					return nil, err
				}
				ipnet = assigned
			}
		case ConnP2P:
			if c.IP != "" {
				parsed, err := net.ParseCIDR(c.IP)
				if err != nil {
					return nil, NewError(ConfigInvalid, "alloc.iface", n.Name+"/"+name, err)
				}
				ipnet = parsed
			}
		}

		ifaces[i] = IfaceAlloc{Name: name, IP: ipnet}
	}
	return ifaces, nil
}

// generateEthName produces "eth<i>" for connection index i, skipping any
// name already reserved on the node by an explicit `name` (§4.3).
func generateEthName(i int, reserved map[string]bool) string {
	for {
		candidate := fmt.Sprintf("eth%d", i)
		if !reserved[candidate] {
			return candidate
		}
		i++
	}
}
