package topo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/munet/munet/pkg/util"
)

// formatProbe lists the extensions probed for a config stem, in priority
// order (§4.1, §6).
var formatProbe = []struct {
	ext    string
	decode func([]byte, *Config) error
}{
	{".json", decodeJSON},
	{".yaml", decodeYAML},
	{".yml", decodeYAML},
	{".toml", decodeTOML},
}

func decodeJSON(data []byte, c *Config) error {
	return json.Unmarshal(data, c)
}

func decodeYAML(data []byte, c *Config) error {
	return yaml.Unmarshal(data, c)
}

func decodeTOML(data []byte, c *Config) error {
	return toml.Unmarshal(data, c)
}

// LoadConfig resolves path to a concrete config file. If path already names
// an existing file, it is used as-is (format chosen by extension). If path
// has no matching file, it is treated as a stem and probed for
// "<path>.json", "<path>.yaml", "<path>.yml", "<path>.toml" in that order
// (§4.1). Returns *Error{Kind: ConfigNotFound} if nothing resolves, or
// *Error{Kind: ConfigInvalid} if the resolved file fails to parse or fails
// schema validation.
func LoadConfig(path string) (*Config, error) {
	resolved, decode, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, NewError(ConfigNotFound, "config.load", resolved, err)
	}

	if err := ValidateSchema(data, extKind(resolved)); err != nil {
		return nil, NewError(ConfigInvalid, "config.schema", resolved, err)
	}

	var cfg Config
	if err := decode(data, &cfg); err != nil {
		return nil, NewError(ConfigInvalid, "config.decode", resolved, err)
	}

	markExplicitConnections(&cfg, data, extKind(resolved))

	if err := validateStructure(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func extKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

func resolveConfigPath(path string) (string, func([]byte, *Config) error, error) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		for _, f := range formatProbe {
			if strings.EqualFold(filepath.Ext(path), f.ext) {
				return path, f.decode, nil
			}
		}
		return path, decodeJSON, nil
	}

	for _, f := range formatProbe {
		candidate := path + f.ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, f.decode, nil
		}
	}

	return "", nil, NewError(ConfigNotFound, "config.resolve", path, nil)
}

// markExplicitConnections re-decodes the raw tree generically to tell apart
// a node that declared "connections: []" from one that omitted the field
// entirely, which the Kind Resolver's §4.2 edge policy distinguishes.
func markExplicitConnections(cfg *Config, data []byte, kind string) {
	var generic struct {
		Topology struct {
			Nodes []map[string]interface{} `json:"nodes" yaml:"nodes"`
		} `json:"topology" yaml:"topology"`
	}

	var err error
	switch kind {
	case "yaml":
		err = yaml.Unmarshal(data, &generic)
	case "toml":
		err = toml.Unmarshal(data, &generic)
	default:
		err = json.Unmarshal(data, &generic)
	}
	if err != nil || len(generic.Topology.Nodes) != len(cfg.Topology.Nodes) {
		return
	}
	for i, raw := range generic.Topology.Nodes {
		if _, ok := raw["connections"]; ok {
			cfg.Topology.Nodes[i].ConnectionsSet = true
		}
	}
}

// validateStructure enforces the structural invariants §3 lists that a
// schema alone cannot express: name shape, uniqueness across the disjoint
// node/network namespace, and the mutually-exclusive image/qemu.kernel
// backend selector (Open Question, resolved in favour of ConfigInvalid).
func validateStructure(cfg *Config) error {
	vb := &util.ValidationBuilder{}

	seen := make(map[string]bool)
	for _, n := range cfg.Topology.Networks {
		if err := validateName(n.Name); err != nil {
			vb.AddErrorf("topology.networks[%s]: %v", n.Name, err)
			continue
		}
		if seen[n.Name] {
			vb.AddErrorf("topology.networks[%s]: duplicate name", n.Name)
		}
		seen[n.Name] = true
	}

	for _, n := range cfg.Topology.Nodes {
		if err := validateName(n.Name); err != nil {
			vb.AddErrorf("topology.nodes[%s]: %v", n.Name, err)
			continue
		}
		if seen[n.Name] {
			vb.AddErrorf("topology.nodes[%s]: name collides with a network or earlier node", n.Name)
		}
		seen[n.Name] = true

		if n.Image != "" && n.Qemu != nil && n.Qemu.Kernel != "" {
			vb.AddErrorf("topology.nodes[%s]: both image and qemu.kernel set, backend is ambiguous", n.Name)
		}
	}

	if vb.HasErrors() {
		return NewError(ConfigInvalid, "config.validate", vb.Build().Error(), nil)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > 11 {
		return fmt.Errorf("name %q exceeds 11 characters", name)
	}
	for _, r := range name {
		if !(r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
