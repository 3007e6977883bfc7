package topo

import "testing"

func TestRegistry_LookupAndOffered(t *testing.T) {
	cfg := &Config{
		CLI: []CLICommand{
			{Name: "ping", Exec: "ping {user_input} {host}"},
			{Name: "vtysh", Exec: "vtysh", Kinds: []string{"router"}},
		},
	}
	reg := NewRegistry(cfg)

	ping, ok := reg.Lookup("ping")
	if !ok {
		t.Fatal("expected ping to be registered")
	}
	if !ping.Offered("") && !ping.Offered("anything") {
		t.Error("a command with no kinds filter should be offered to every node")
	}

	vtysh, ok := reg.Lookup("vtysh")
	if !ok {
		t.Fatal("expected vtysh to be registered")
	}
	if vtysh.Offered("switch") {
		t.Error("vtysh should not be offered to a non-router kind")
	}
	if !vtysh.Offered("router") {
		t.Error("vtysh should be offered to the router kind")
	}

	if _, ok := reg.Lookup("nope"); ok {
		t.Error("expected lookup of an undeclared command to fail")
	}
}

func TestCLICommand_ResolveSubstitutesTokens(t *testing.T) {
	cfg := &Config{Version: "1.0"}
	node := &Node{Name: "r1", Kind: "router"}
	cmd := CLICommand{Name: "ping", Exec: "ping -c 3 {user_input} from {host} ({unet})"}

	got := cmd.Resolve(node, cfg, "10.0.0.2")
	want := "ping -c 3 10.0.0.2 from r1 (1.0)"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestCLICommand_ResolveUsesKindExecOverride(t *testing.T) {
	node := &Node{Name: "r1", Kind: "router"}
	cmd := CLICommand{
		Name:     "show",
		Exec:     "default-show",
		KindExec: map[string]string{"router": "vtysh -c 'show {host.Name}'"},
	}

	got := cmd.Resolve(node, &Config{}, "")
	if got != "vtysh -c 'show r1'" {
		t.Errorf("Resolve() with kind override = %q", got)
	}
}

func TestCLICommand_ResolveLeavesUnknownTokenVerbatim(t *testing.T) {
	node := &Node{Name: "r1"}
	cmd := CLICommand{Name: "x", Exec: "echo {bogus.field}"}

	got := cmd.Resolve(node, &Config{}, "")
	if got != "echo {bogus.field}" {
		t.Errorf("unresolvable token should be left untouched, got %q", got)
	}
}

func TestCLICommand_ResolveNeverEvaluatesCode(t *testing.T) {
	node := &Node{Name: "r1; rm -rf /"}
	cmd := CLICommand{Name: "x", Exec: "echo {host.Name}"}

	got := cmd.Resolve(node, &Config{}, "")
	want := "echo r1; rm -rf /"
	if got != want {
		t.Errorf("expected the attribute value substituted literally, got %q", got)
	}
}
