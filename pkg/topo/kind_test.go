package topo

import "testing"

func baseConfig() *Config {
	return &Config{
		Kinds: map[string]Kind{
			"router": {
				Name:  "router",
				Image: "sonic:latest",
				Cmd:   "/sbin/init",
				Env:   []EnvVar{{Name: "ROLE", Value: "router"}},
				CapAdd: []string{"NET_ADMIN"},
				Connections: []Connection{{To: "mgmt"}},
				Merge:      []string{"env", "cap-add"},
			},
		},
		Topology: Topology{
			Networks: []Network{{Name: "mgmt"}},
		},
	}
}

func TestResolveNodes_KindDefaultsApply(t *testing.T) {
	cfg := baseConfig()
	cfg.Topology.Nodes = []RawNode{{Name: "r1", Kind: "router"}}

	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	n := nodes[0]
	if n.Image != "sonic:latest" || n.Cmd != "/sbin/init" {
		t.Errorf("kind defaults not applied: image=%q cmd=%q", n.Image, n.Cmd)
	}
	if len(n.Connections) != 1 || n.Connections[0].To != "mgmt" {
		t.Errorf("expected inherited connection to mgmt, got %v", n.Connections)
	}
}

func TestResolveNodes_ExplicitFieldOverridesKind(t *testing.T) {
	cfg := baseConfig()
	cfg.Topology.Nodes = []RawNode{{Name: "r1", Kind: "router", Image: "custom:v2"}}

	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	if nodes[0].Image != "custom:v2" {
		t.Errorf("explicit image should override kind default, got %q", nodes[0].Image)
	}
}

func TestResolveNodes_MergeListAppendsEnv(t *testing.T) {
	cfg := baseConfig()
	cfg.Topology.Nodes = []RawNode{{
		Name: "r1",
		Kind: "router",
		Env:  []EnvVar{{Name: "EXTRA", Value: "1"}},
	}}

	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	env := nodes[0].Env
	if len(env) != 2 {
		t.Fatalf("expected merged env of 2 entries, got %d: %v", len(env), env)
	}
	names := map[string]string{}
	for _, e := range env {
		names[e.Name] = e.Value
	}
	if names["ROLE"] != "router" || names["EXTRA"] != "1" {
		t.Errorf("unexpected merged env: %v", names)
	}
}

func TestResolveNodes_EmptyConnectionsOverridesKind(t *testing.T) {
	cfg := baseConfig()
	cfg.Topology.Nodes = []RawNode{{
		Name:           "r1",
		Kind:           "router",
		Connections:    []Connection{},
		ConnectionsSet: true,
	}}

	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	if len(nodes[0].Connections) != 0 {
		t.Errorf("explicit empty connections should not inherit the kind's, got %v", nodes[0].Connections)
	}
}

func TestResolveNodes_UnknownKindErrors(t *testing.T) {
	cfg := baseConfig()
	cfg.Topology.Nodes = []RawNode{{Name: "r1", Kind: "switch"}}

	_, err := ResolveNodes(cfg)
	if err == nil {
		t.Fatal("expected an error for an undeclared kind")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != UnknownKind {
		t.Errorf("expected UnknownKind error, got %v", err)
	}
}

func TestResolveNodes_IDAssignmentSkipsExplicit(t *testing.T) {
	cfg := baseConfig()
	explicit := 2
	cfg.Topology.Nodes = []RawNode{
		{Name: "r1", ID: &explicit},
		{Name: "r2"},
		{Name: "r3"},
	}

	nodes, err := ResolveNodes(cfg)
	if err != nil {
		t.Fatalf("ResolveNodes: %v", err)
	}
	ids := map[string]int{}
	for _, n := range nodes {
		ids[n.Name] = n.ID
	}
	if ids["r1"] != 2 {
		t.Errorf("explicit id not honoured: got %d", ids["r1"])
	}
	if ids["r2"] == 2 || ids["r3"] == 2 || ids["r2"] == ids["r3"] {
		t.Errorf("auto-assigned ids should avoid the explicit id and each other: %v", ids)
	}
}

func TestResolveNodes_DuplicateExplicitIDCollides(t *testing.T) {
	cfg := baseConfig()
	one := 1
	cfg.Topology.Nodes = []RawNode{
		{Name: "r1", ID: &one},
		{Name: "r2", ID: &one},
	}

	_, err := ResolveNodes(cfg)
	if err == nil {
		t.Fatal("expected a NameCollision error for duplicate explicit ids")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != NameCollision {
		t.Errorf("expected NameCollision, got %v", err)
	}
}
