package topo

// mergeableListFields are the node/kind fields that ResolveNodes consults
// when a kind's merge list names them (§4.2). Map-like fields are keyed as
// noted so merges can override by key instead of blind concatenation.
const (
	fieldCapAdd      = "cap-add"
	fieldCapRemove   = "cap-remove"
	fieldMounts      = "mounts"      // keyed by Destination
	fieldEnv         = "env"         // keyed by Name
	fieldConnections = "connections" // keyed by To
)

// ResolveNodes applies kind inheritance to every node in the config,
// producing the fully-resolved Node list that the rest of the engine
// operates on (§4.2). IDs are assigned here: explicit IDs are honoured,
// the remainder are assigned monotonically from 1 in topology order,
// skipping values already taken.
func ResolveNodes(cfg *Config) ([]*Node, error) {
	used := make(map[int]bool)
	for _, rn := range cfg.Topology.Nodes {
		if rn.ID != nil {
			if used[*rn.ID] {
				return nil, NewError(NameCollision, "kind.resolve", rn.Name, nil)
			}
			used[*rn.ID] = true
		}
	}

	nodes := make([]*Node, 0, len(cfg.Topology.Nodes))
	nextID := 1
	for _, rn := range cfg.Topology.Nodes {
		n, err := resolveOne(cfg, &rn)
		if err != nil {
			return nil, err
		}

		if rn.ID != nil {
			n.ID = *rn.ID
		} else {
			for used[nextID] {
				nextID++
			}
			n.ID = nextID
			used[nextID] = true
			nextID++
		}

		nodes = append(nodes, n)
	}
	return nodes, nil
}

func resolveOne(cfg *Config, rn *RawNode) (*Node, error) {
	var k *Kind
	if rn.Kind != "" {
		found, ok := cfg.Kinds[rn.Kind]
		if !ok {
			return nil, NewError(UnknownKind, "kind.resolve", rn.Kind, nil)
		}
		k = &found
	}

	n := &Node{
		Name:       rn.Name,
		Image:      rn.Image,
		Cmd:        rn.Cmd,
		CleanupCmd: rn.CleanupCmd,
		CapAdd:     rn.CapAdd,
		CapRemove:  rn.CapRemove,
		Mounts:     rn.Mounts,
		Volumes:    rn.Volumes,
		Env:        rn.Env,
		Init:       rn.Init,
		Shell:      rn.Shell,
		Privileged: rn.Privileged,
		Connections: rn.Connections,
		Podman:     rn.Podman,
		Qemu:       rn.Qemu,
	}

	if k == nil {
		return n, nil
	}

	n.Kind = rn.Kind
	merge := make(map[string]bool, len(k.Merge))
	for _, f := range k.Merge {
		merge[f] = true
	}

	if rn.Image == "" {
		n.Image = k.Image
	}
	if rn.Cmd == "" {
		n.Cmd = k.Cmd
	}
	if rn.CleanupCmd == "" {
		n.CleanupCmd = k.CleanupCmd
	}
	if rn.Init == nil {
		n.Init = k.Init
	}
	if rn.Shell == nil {
		n.Shell = k.Shell
	}
	if !rn.Privileged {
		n.Privileged = k.Privileged
	}
	if rn.Podman == nil {
		n.Podman = k.Podman
	}
	if rn.Qemu == nil {
		n.Qemu = k.Qemu
	}

	if merge[fieldCapAdd] {
		n.CapAdd = append(append([]string{}, k.CapAdd...), rn.CapAdd...)
	} else if len(rn.CapAdd) == 0 {
		n.CapAdd = k.CapAdd
	}
	if merge[fieldCapRemove] {
		n.CapRemove = append(append([]string{}, k.CapRemove...), rn.CapRemove...)
	} else if len(rn.CapRemove) == 0 {
		n.CapRemove = k.CapRemove
	}

	if merge[fieldMounts] {
		n.Mounts = mergeMounts(k.Mounts, rn.Mounts)
	} else if len(rn.Mounts) == 0 {
		n.Mounts = k.Mounts
	}

	if merge[fieldEnv] {
		n.Env = mergeEnv(k.Env, rn.Env)
	} else if len(rn.Env) == 0 {
		n.Env = k.Env
	}

	// A node with no explicit "connections" key inherits the kind's
	// connections verbatim, even without being named in merge (§4.2 edge
	// policy) — this is why ConnectionsSet, not len(rn.Connections)==0,
	// gates the decision.
	if merge[fieldConnections] {
		n.Connections = mergeConnections(k.Connections, rn.Connections)
	} else if !rn.ConnectionsSet {
		n.Connections = k.Connections
	}

	return n, nil
}

func mergeMounts(base, overlay []Mount) []Mount {
	idx := make(map[string]int, len(base))
	out := append([]Mount{}, base...)
	for i, m := range out {
		idx[m.Destination] = i
	}
	for _, m := range overlay {
		if i, ok := idx[m.Destination]; ok {
			out[i] = m
			continue
		}
		idx[m.Destination] = len(out)
		out = append(out, m)
	}
	return out
}

func mergeEnv(base, overlay []EnvVar) []EnvVar {
	idx := make(map[string]int, len(base))
	out := append([]EnvVar{}, base...)
	for i, e := range out {
		idx[e.Name] = i
	}
	for _, e := range overlay {
		if i, ok := idx[e.Name]; ok {
			out[i] = e
			continue
		}
		idx[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}

func mergeConnections(base, overlay []Connection) []Connection {
	idx := make(map[string]int, len(base))
	out := append([]Connection{}, base...)
	for i, c := range out {
		idx[c.To] = i
	}
	for _, c := range overlay {
		if i, ok := idx[c.To]; ok && c.To != "" {
			out[i] = c
			continue
		}
		idx[c.To] = len(out)
		out = append(out, c)
	}
	return out
}
