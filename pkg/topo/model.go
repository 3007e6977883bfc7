// Package topo implements the topology realisation and lifecycle engine:
// loading and validating a declarative network-topology configuration,
// resolving kind inheritance, allocating addresses and names, planning
// links, and driving phased bring-up and tear-down across node backends.
package topo

import (
	"encoding/json"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the canonical in-memory form of a munet configuration file,
// after decoding but before kind resolution (§3 Config (root)).
type Config struct {
	Version  string          `json:"version,omitempty" yaml:"version,omitempty"`
	Kinds    map[string]Kind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Topology Topology        `json:"topology" yaml:"topology"`
	CLI      []CLICommand    `json:"cli,omitempty" yaml:"cli,omitempty"`
}

// Topology holds the networks and nodes of the run.
type Topology struct {
	NetworksAutonumber bool       `json:"networks-autonumber,omitempty" yaml:"networks-autonumber,omitempty"`
	IPv6Enable         bool       `json:"ipv6-enable,omitempty" yaml:"ipv6-enable,omitempty"`
	Networks           []Network  `json:"networks,omitempty" yaml:"networks,omitempty"`
	Nodes              []RawNode  `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// Network is one declared Layer-2 broadcast domain (§3 Network).
type Network struct {
	Name string `json:"name" yaml:"name"`
	IP   string `json:"ip,omitempty" yaml:"ip,omitempty"`
}

// Kind is a named template of node properties (§3 Kind). Merge lists the
// field names that participate in merge semantics rather than replace
// semantics when a node of this kind also sets that field.
type Kind struct {
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	Cmd            string            `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	CleanupCmd     string            `json:"cleanup-cmd,omitempty" yaml:"cleanup-cmd,omitempty"`
	CapAdd         []string          `json:"cap-add,omitempty" yaml:"cap-add,omitempty"`
	CapRemove      []string          `json:"cap-remove,omitempty" yaml:"cap-remove,omitempty"`
	Mounts         []Mount           `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Env            []EnvVar          `json:"env,omitempty" yaml:"env,omitempty"`
	Init           *StringOrBool     `json:"init,omitempty" yaml:"init,omitempty"`
	Shell          *StringOrBool     `json:"shell,omitempty" yaml:"shell,omitempty"`
	Privileged     bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	Connections    []Connection      `json:"connections,omitempty" yaml:"connections,omitempty"`
	Podman         *PodmanExtras     `json:"podman,omitempty" yaml:"podman,omitempty"`
	Qemu           *QemuSettings     `json:"qemu,omitempty" yaml:"qemu,omitempty"`
	Merge          []string          `json:"merge,omitempty" yaml:"merge,omitempty"`
}

// PodmanExtras carries container-backend-only extras.
type PodmanExtras struct {
	ExtraArgs []string `json:"extra-args,omitempty" yaml:"extra-args,omitempty"`
}

// QemuSettings selects the VM backend when Kernel is non-empty (§4.5).
type QemuSettings struct {
	Kernel  string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Initrd  string `json:"initrd,omitempty" yaml:"initrd,omitempty"`
	Image   string `json:"image,omitempty" yaml:"image,omitempty"`
	Memory  int    `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPUs    int    `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	KVM     bool   `json:"kvm,omitempty" yaml:"kvm,omitempty"`
	SSHUser string `json:"ssh-user,omitempty" yaml:"ssh-user,omitempty"`
	SSHPass string `json:"ssh-pass,omitempty" yaml:"ssh-pass,omitempty"`
}

// Mount is a bind mount realised inside a node's mount namespace.
type Mount struct {
	Destination string `json:"destination" yaml:"destination"`
	Source      string `json:"source" yaml:"source"`
	ReadOnly    bool   `json:"read-only,omitempty" yaml:"read-only,omitempty"`
}

// EnvVar is one environment variable entry.
type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// StringOrBool models fields like `init`/`shell` that accept either a bool
// or an explicit path string (§3 Node process spec).
type StringOrBool struct {
	Bool bool
	Path string
	IsPath bool
}

// UnmarshalJSON accepts either a JSON bool or a JSON string, so `shell: true`
// and `shell: "/bin/zsh"` both decode.
func (s *StringOrBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		s.Bool = b
		s.Path = ""
		s.IsPath = false
		return nil
	}
	var path string
	if err := json.Unmarshal(data, &path); err != nil {
		return err
	}
	s.Path = path
	s.IsPath = true
	s.Bool = false
	return nil
}

// MarshalJSON mirrors UnmarshalJSON so a round trip through JSON (as done
// when a run's resolved config is persisted to state) preserves the bool-vs-
// path distinction instead of spilling the struct's fields.
func (s StringOrBool) MarshalJSON() ([]byte, error) {
	if s.IsPath {
		return json.Marshal(s.Path)
	}
	return json.Marshal(s.Bool)
}

// UnmarshalYAML accepts either a YAML bool or a YAML string scalar.
func (s *StringOrBool) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		s.Bool = b
		s.Path = ""
		s.IsPath = false
		return nil
	}
	var path string
	if err := value.Decode(&path); err != nil {
		return err
	}
	s.Path = path
	s.IsPath = true
	s.Bool = false
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// calls for any scalar TOML value (bools included — it stringifies them
// first) decoding into a type that satisfies the interface.
func (s *StringOrBool) UnmarshalText(text []byte) error {
	if b, err := strconv.ParseBool(string(text)); err == nil {
		s.Bool = b
		s.Path = ""
		s.IsPath = false
		return nil
	}
	s.Path = string(text)
	s.IsPath = true
	s.Bool = false
	return nil
}

// RawNode is a node as it appears in the config, before kind resolution.
type RawNode struct {
	Name           string            `json:"name" yaml:"name"`
	ID             *int              `json:"id,omitempty" yaml:"id,omitempty"`
	Kind           string            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	Cmd            string            `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	CleanupCmd     string            `json:"cleanup-cmd,omitempty" yaml:"cleanup-cmd,omitempty"`
	CapAdd         []string          `json:"cap-add,omitempty" yaml:"cap-add,omitempty"`
	CapRemove      []string          `json:"cap-remove,omitempty" yaml:"cap-remove,omitempty"`
	Mounts         []Mount           `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Volumes        []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Env            []EnvVar          `json:"env,omitempty" yaml:"env,omitempty"`
	Init           *StringOrBool     `json:"init,omitempty" yaml:"init,omitempty"`
	Shell          *StringOrBool     `json:"shell,omitempty" yaml:"shell,omitempty"`
	Privileged     bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	Connections    []Connection      `json:"connections,omitempty" yaml:"connections,omitempty"`
	ConnectionsSet bool              `json:"-" yaml:"-"` // true if the node explicitly set "connections" (even to empty)
	Podman         *PodmanExtras     `json:"podman,omitempty" yaml:"podman,omitempty"`
	Qemu           *QemuSettings     `json:"qemu,omitempty" yaml:"qemu,omitempty"`
}

// Connection is a declared adjacency from a node to a network or another
// node (§3 Connection).
type Connection struct {
	To              string       `json:"to,omitempty" yaml:"to,omitempty"`
	HostIntf        string       `json:"hostintf,omitempty" yaml:"hostintf,omitempty"`
	Physical        string       `json:"physical,omitempty" yaml:"physical,omitempty"`
	Name            string       `json:"name,omitempty" yaml:"name,omitempty"`
	RemoteName      string       `json:"remote-name,omitempty" yaml:"remote-name,omitempty"`
	IP              string       `json:"ip,omitempty" yaml:"ip,omitempty"`
	MTU             int          `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	IntfConstraints *Constraints `json:"intf-constraints,omitempty" yaml:"intf-constraints,omitempty"`
}

// ConnKind enumerates the four connection flavours (§3 Connection).
type ConnKind int

const (
	ConnBridgeAttach ConnKind = iota
	ConnP2P
	ConnHostBind
	ConnPhysical
)

// Kind classifies a connection by which field is set.
func (c Connection) Kind(nodeNames, networkNames map[string]bool) ConnKind {
	switch {
	case c.HostIntf != "":
		return ConnHostBind
	case c.Physical != "":
		return ConnPhysical
	case networkNames[c.To]:
		return ConnBridgeAttach
	default:
		return ConnP2P
	}
}

// Constraints is a link-quality constraint group (§3 Invariant 7, §4.7).
type Constraints struct {
	Delay            string `json:"delay,omitempty" yaml:"delay,omitempty"`
	Jitter           string `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	JitterCorrelation float64 `json:"jitter-correlation,omitempty" yaml:"jitter-correlation,omitempty"`
	Loss             float64 `json:"loss,omitempty" yaml:"loss,omitempty"`
	LossCorrelation  float64 `json:"loss-correlation,omitempty" yaml:"loss-correlation,omitempty"`
	Rate             *RateConstraint `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// RateConstraint is the token-bucket portion of a constraint group.
type RateConstraint struct {
	Rate  string `json:"rate,omitempty" yaml:"rate,omitempty"`
	Limit string `json:"limit,omitempty" yaml:"limit,omitempty"`
	Burst string `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// Empty reports whether the constraint group has no settings at all.
func (c *Constraints) Empty() bool {
	if c == nil {
		return true
	}
	return c.Delay == "" && c.Jitter == "" && c.Loss == 0 && (c.Rate == nil || c.Rate.Rate == "")
}

// CLICommand is one entry of the Command Registry (§4.8).
type CLICommand struct {
	Name         string            `json:"name" yaml:"name"`
	Format       string            `json:"format,omitempty" yaml:"format,omitempty"`
	Help         string            `json:"help,omitempty" yaml:"help,omitempty"`
	Kinds        []string          `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	NewWindow    bool              `json:"new-window,omitempty" yaml:"new-window,omitempty"`
	TopLevel     bool              `json:"top-level,omitempty" yaml:"top-level,omitempty"`
	Interactive  bool              `json:"interactive,omitempty" yaml:"interactive,omitempty"`
	Exec         string            `json:"exec,omitempty" yaml:"exec,omitempty"`
	KindExec     map[string]string `json:"kind-exec,omitempty" yaml:"kind-exec,omitempty"`
}

// Node is the fully resolved record after kind resolution (§3 Node).
type Node struct {
	Name       string
	ID         int
	Kind       string // resolved kind name, empty if none
	Image      string
	Cmd        string
	CleanupCmd string
	CapAdd     []string
	CapRemove  []string
	Mounts     []Mount
	Volumes    []string
	Env        []EnvVar
	Init       *StringOrBool
	Shell      *StringOrBool
	Privileged bool
	Connections []Connection
	Podman     *PodmanExtras
	Qemu       *QemuSettings
}

// Backend identifies which lifecycle implementation realises a node.
type Backend int

const (
	BackendShell Backend = iota
	BackendContainer
	BackendQemu
)

// SelectBackend applies the backend-selection rule of §4.5: VM if
// qemu.kernel is set, else container if image is set, else shell.
func (n *Node) SelectBackend() Backend {
	if n.Qemu != nil && n.Qemu.Kernel != "" {
		return BackendQemu
	}
	if n.Image != "" {
		return BackendContainer
	}
	return BackendShell
}
