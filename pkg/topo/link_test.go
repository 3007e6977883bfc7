package topo

import "testing"

func resolveAndAllocate(t *testing.T, cfg *Config) ([]*Node, *Allocation) {
	t.Helper()
	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	alloc, err := Allocate(cfg, nodes)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return nodes, alloc
}

func TestPlanLinks_SimpleP2PPairsUp(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Nodes: []RawNode{
				{Name: "a", Connections: []Connection{{To: "b"}}, ConnectionsSet: true},
				{Name: "b", Connections: []Connection{{To: "a"}}, ConnectionsSet: true},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	links, err := PlanLinks(nodes, alloc, map[string]bool{})
	if err != nil {
		t.Fatalf("PlanLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected exactly 1 p2p link, got %d", len(links))
	}
	l := links[0]
	if l.Kind != LinkP2P {
		t.Fatalf("expected LinkP2P, got %v", l.Kind)
	}
	got := map[string]bool{l.A.Node: true, l.Z.Node: true}
	if !got["a"] || !got["b"] {
		t.Errorf("expected endpoints a and b, got %v / %v", l.A.Node, l.Z.Node)
	}
}

func TestPlanLinks_AmbiguousWithoutRemoteNameErrors(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Nodes: []RawNode{
				{Name: "a", Connections: []Connection{{To: "b"}}, ConnectionsSet: true},
				{
					Name: "b",
					Connections: []Connection{
						{To: "a", Name: "eth0"},
						{To: "a", Name: "eth1"},
					},
					ConnectionsSet: true,
				},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	_, err := PlanLinks(nodes, alloc, map[string]bool{})
	if err == nil {
		t.Fatal("expected P2PAmbiguous when two unclaimed candidate connections match")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != P2PAmbiguous {
		t.Errorf("expected P2PAmbiguous, got %v", err)
	}
}

func TestPlanLinks_RemoteNameDisambiguates(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Nodes: []RawNode{
				{
					Name: "a",
					Connections: []Connection{
						{To: "b", RemoteName: "eth1", Name: "link-to-b-1"},
						{To: "b", RemoteName: "eth0", Name: "link-to-b-0"},
					},
					ConnectionsSet: true,
				},
				{
					Name: "b",
					Connections: []Connection{
						{To: "a", Name: "eth0"},
						{To: "a", Name: "eth1"},
					},
					ConnectionsSet: true,
				},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	links, err := PlanLinks(nodes, alloc, map[string]bool{})
	if err != nil {
		t.Fatalf("PlanLinks with remote-name disambiguation: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 distinct p2p links, got %d", len(links))
	}

	pairs := map[string]string{}
	for _, l := range links {
		pairs[l.A.Iface] = l.Z.Iface
	}
	if pairs["link-to-b-1"] != "eth1" || pairs["link-to-b-0"] != "eth0" {
		t.Errorf("remote-name pairing mismatched: %v", pairs)
	}
}

func TestPlanLinks_OrderIsBridgeThenP2PThenHostThenPhysical(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Networks: []Network{{Name: "net0"}},
			Nodes: []RawNode{
				{
					Name: "a",
					Connections: []Connection{
						{Physical: "0000:00:03.0"},
						{HostIntf: "eth-host"},
						{To: "b"},
						{To: "net0"},
					},
					ConnectionsSet: true,
				},
				{Name: "b", Connections: []Connection{{To: "a"}}, ConnectionsSet: true},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	links, err := PlanLinks(nodes, alloc, map[string]bool{"net0": true})
	if err != nil {
		t.Fatalf("PlanLinks: %v", err)
	}
	if len(links) != 4 {
		t.Fatalf("expected 4 links, got %d", len(links))
	}
	order := make([]LinkKind, len(links))
	for i, l := range links {
		order[i] = l.Kind
	}
	want := []LinkKind{LinkBridgeAttach, LinkP2P, LinkHostBind, LinkPhysical}
	for i, k := range want {
		if order[i] != k {
			t.Errorf("link %d: expected kind %v, got %v (full order %v)", i, k, order[i], order)
		}
	}
}

func TestPlanLinks_P2PAsymmetricMTUPropagatesToBothEndpoints(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Nodes: []RawNode{
				{Name: "a", Connections: []Connection{{To: "b", MTU: 9000}}, ConnectionsSet: true},
				{Name: "b", Connections: []Connection{{To: "a"}}, ConnectionsSet: true},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	links, err := PlanLinks(nodes, alloc, map[string]bool{})
	if err != nil {
		t.Fatalf("PlanLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected exactly 1 p2p link, got %d", len(links))
	}
	l := links[0]
	if l.A.MTU != 9000 || l.Z.MTU != 9000 {
		t.Errorf("expected both endpoints at MTU 9000, got A=%d Z=%d", l.A.MTU, l.Z.MTU)
	}
}

func TestPlanLinks_DanglingP2PToUnknownNodeErrors(t *testing.T) {
	cfg := &Config{
		Topology: Topology{
			Nodes: []RawNode{
				{Name: "a", Connections: []Connection{{To: "ghost"}}, ConnectionsSet: true},
			},
		},
	}
	nodes, alloc := resolveAndAllocate(t, cfg)
	_, err := PlanLinks(nodes, alloc, map[string]bool{})
	if err == nil {
		t.Fatal("expected an error for a p2p connection to a non-existent node")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != P2PAmbiguous {
		t.Errorf("expected P2PAmbiguous, got %v", err)
	}
}
