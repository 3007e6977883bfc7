package topo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
topology:
  nodes:
    - name: h1
`

func TestLoadConfig_ExactPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Topology.Nodes) != 1 || cfg.Topology.Nodes[0].Name != "h1" {
		t.Errorf("unexpected decoded topology: %+v", cfg.Topology)
	}
}

func TestLoadConfig_StemProbesExtensions(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "topo")
	if err := os.WriteFile(stem+".yaml", []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadConfig(stem)
	if err != nil {
		t.Fatalf("LoadConfig on stem: %v", err)
	}
	if len(cfg.Topology.Nodes) != 1 {
		t.Errorf("expected probe to resolve %s.yaml", stem)
	}
}

func TestLoadConfig_MissingFileIsConfigNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected an error for a non-existent config")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != ConfigNotFound {
		t.Errorf("expected ConfigNotFound, got %v", err)
	}
}

func TestLoadConfig_DuplicateNameIsConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.yaml")
	data := `
topology:
  nodes:
    - name: h1
    - name: h1
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected a ConfigInvalid error for a duplicate node name")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != ConfigInvalid {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
}

func TestLoadConfig_AmbiguousBackendIsConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.yaml")
	data := `
topology:
  nodes:
    - name: h1
      image: some-image
      qemu:
        kernel: /boot/vmlinuz
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected a ConfigInvalid error when image and qemu.kernel are both set")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != ConfigInvalid {
		t.Errorf("expected ConfigInvalid, got %v", err)
	}
}

func TestLoadConfig_ShellAndInitDecodeAcrossFormats(t *testing.T) {
	cases := []struct {
		name string
		ext  string
		data string
	}{
		{
			name: "yaml bool and path",
			ext:  ".yaml",
			data: "topology:\n  nodes:\n    - name: h1\n      shell: false\n      init: /sbin/my-init\n",
		},
		{
			name: "json bool and path",
			ext:  ".json",
			data: `{"topology":{"nodes":[{"name":"h1","shell":false,"init":"/sbin/my-init"}]}}`,
		},
		{
			name: "toml bool and path",
			ext:  ".toml",
			data: "[[topology.nodes]]\nname = \"h1\"\nshell = false\ninit = \"/sbin/my-init\"\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "topo"+c.ext)
			if err := os.WriteFile(path, []byte(c.data), 0644); err != nil {
				t.Fatalf("write fixture: %v", err)
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig(%s): %v", c.ext, err)
			}
			node := cfg.Topology.Nodes[0]
			if node.Shell == nil || node.Shell.IsPath || node.Shell.Bool {
				t.Errorf("expected shell=false, got %+v", node.Shell)
			}
			if node.Init == nil || !node.Init.IsPath || node.Init.Path != "/sbin/my-init" {
				t.Errorf("expected init path /sbin/my-init, got %+v", node.Init)
			}
		})
	}
}

func TestStringOrBool_JSONRoundTrip(t *testing.T) {
	path := StringOrBool{IsPath: true, Path: "/bin/zsh"}
	data, err := json.Marshal(path)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded StringOrBool
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.IsPath || decoded.Path != "/bin/zsh" {
		t.Errorf("round trip lost path: %+v", decoded)
	}

	flag := StringOrBool{Bool: true}
	data, err = json.Marshal(flag)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded = StringOrBool{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.IsPath || !decoded.Bool {
		t.Errorf("round trip lost bool: %+v", decoded)
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"h1", false},
		{"leaf-1", false},
		{"leaf_1", false},
		{"", true},
		{"this-name-is-too-long", true},
		{"bad name", true},
		{"bad.name", true},
	}
	for _, c := range cases {
		err := validateName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("validateName(%q): err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestMarkExplicitConnections_DistinguishesEmptyFromOmitted(t *testing.T) {
	data := []byte(`
topology:
  nodes:
    - name: h1
      connections: []
    - name: h2
`)
	var cfg Config
	if err := decodeYAML(data, &cfg); err != nil {
		t.Fatalf("decodeYAML: %v", err)
	}
	markExplicitConnections(&cfg, data, "yaml")

	if !cfg.Topology.Nodes[0].ConnectionsSet {
		t.Error("h1 explicitly set connections: [] and should be marked ConnectionsSet")
	}
	if cfg.Topology.Nodes[1].ConnectionsSet {
		t.Error("h2 omitted connections entirely and should not be marked ConnectionsSet")
	}
}
