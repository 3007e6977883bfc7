package topo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunState is persisted under RunDir(runID)/state.json: the canonical
// resolved config, the allocation table, and per-node runtime status (§6
// persisted state layout). No database — state lives entirely as files
// under the run's own directory.
type RunState struct {
	RunID     string                  `json:"run_id"`
	Created   time.Time               `json:"created"`
	Phase     string                  `json:"phase"`
	Config    *Config                 `json:"config"`
	Nodes     map[string]*NodeState   `json:"nodes"`
	Networks  map[string]*NetworkInfo `json:"networks"`
}

// NodeState tracks one node's runtime status and its allocation.
type NodeState struct {
	ID      int                  `json:"id"`
	Status  string               `json:"status"` // "planned", as set by NewRunState; not updated afterwards
	Ifaces  map[string]IfaceInfo `json:"ifaces"` // iface name -> info
}

// IfaceInfo is the persisted form of an IfaceAlloc.
type IfaceInfo struct {
	IP string `json:"ip,omitempty"`
}

// NetworkInfo is the persisted form of a NetworkAlloc.
type NetworkInfo struct {
	CIDR     string `json:"cidr,omitempty"`
	BridgeIP string `json:"bridge_ip,omitempty"`
}

// NewRunState builds the initial persisted state from a resolved config
// and its allocation, ready to be updated as phases progress.
func NewRunState(runID string, cfg *Config, nodes []*Node, alloc *Allocation) *RunState {
	st := &RunState{
		RunID:    runID,
		Created:  time.Time{},
		Phase:    "PLANNED",
		Config:   cfg,
		Nodes:    make(map[string]*NodeState, len(nodes)),
		Networks: make(map[string]*NetworkInfo, len(alloc.Networks)),
	}

	for _, n := range nodes {
		ns := &NodeState{ID: n.ID, Status: "planned", Ifaces: make(map[string]IfaceInfo)}
		for _, ia := range alloc.Node[n.Name] {
			info := IfaceInfo{}
			if ia.IP != nil {
				info.IP = ia.IP.String()
			}
			ns.Ifaces[ia.Name] = info
		}
		st.Nodes[n.Name] = ns
	}
	for name, na := range alloc.Networks {
		info := &NetworkInfo{}
		if na.CIDR != nil {
			info.CIDR = na.CIDR.String()
		}
		if na.BridgeIP != nil {
			info.BridgeIP = na.BridgeIP.String()
		}
		st.Networks[name] = info
	}

	return st
}

// Save writes state to <rundir>/state.json.
func (s *RunState) Save() error {
	dir := RunDir(s.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewError(Internal, "state.save", s.RunID, err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return NewError(Internal, "state.save", s.RunID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0644); err != nil {
		return NewError(Internal, "state.save", s.RunID, err)
	}
	return nil
}

// LoadRunState reads a previously saved run's state.json (§6: the
// --cleanup-only flag uses this to tear down a previously named run
// without re-resolving its config from scratch).
func LoadRunState(runID string) (*RunState, error) {
	path := filepath.Join(RunDir(runID), "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(ConfigNotFound, "state.load", runID, fmt.Errorf("run %q not found: %w", runID, err))
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, NewError(Internal, "state.load", runID, err)
	}
	return &st, nil
}

// RemoveRunState deletes a run's entire state directory.
func RemoveRunState(runID string) error {
	return os.RemoveAll(RunDir(runID))
}

// ListRuns returns the run ids with a persisted state directory under the
// runtime base.
func ListRuns() ([]string, error) {
	base := os.Getenv("MUNET_RUNTIME")
	if base == "" {
		base = "/var/run/munet"
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewError(Internal, "state.list", base, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
