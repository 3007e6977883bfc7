package topo

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/munet/munet/pkg/runlog"
	"github.com/munet/munet/pkg/util"
)

// Phase names the orchestrator's progress through a run (§4.6).
type Phase string

const (
	PhasePlanned       Phase = "PLANNED"
	PhaseNetworksUp    Phase = "NETWORKS_UP"
	PhaseNodesPrepared Phase = "NODES_PREPARED"
	PhaseLinksUp       Phase = "LINKS_UP"
	PhaseNodesRunning  Phase = "NODES_RUNNING"
	PhaseTeardown      Phase = "TEARDOWN"
	PhaseDone          Phase = "DONE"
)

// ProgressFunc is an optional callback the orchestrator invokes on every
// phase transition, mirroring the teacher's OnProgress hook on Lab.
type ProgressFunc func(phase Phase, detail string)

// Orchestrator drives one run through the phase state machine of §4.6. It
// owns every kernel resource created along the way and guarantees they are
// released by Teardown regardless of how the run ends.
type Orchestrator struct {
	RunID    string
	Config   *Config
	Nodes    []*Node
	Alloc    *Allocation
	Links    []*Link
	State    *RunState
	OnProgress ProgressFunc

	backends   map[string]NodeBackend
	namespaces map[string]*NodeNamespace
	mu         sync.Mutex
	phase      Phase
}

// NewOrchestrator resolves cfg through the Kind Resolver, Allocator and
// Link Planner and returns an Orchestrator positioned at PLANNED.
func NewOrchestrator(runID string, cfg *Config) (*Orchestrator, error) {
	nodes, err := ResolveNodes(cfg)
	if err != nil {
		return nil, err
	}

	alloc, err := Allocate(cfg, nodes)
	if err != nil {
		return nil, err
	}

	networkNames := make(map[string]bool, len(cfg.Topology.Networks))
	for _, n := range cfg.Topology.Networks {
		networkNames[n.Name] = true
	}
	links, err := PlanLinks(nodes, alloc, networkNames)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		RunID:      runID,
		Config:     cfg,
		Nodes:      nodes,
		Alloc:      alloc,
		Links:      links,
		State:      NewRunState(runID, cfg, nodes, alloc),
		backends:   make(map[string]NodeBackend, len(nodes)),
		namespaces: make(map[string]*NodeNamespace, len(nodes)),
		phase:      PhasePlanned,
	}
	for _, n := range nodes {
		o.backends[n.Name] = NewBackend(runID, n)
	}
	return o, nil
}

func (o *Orchestrator) progress(phase Phase, detail string) {
	o.setPhase(phase)
	if o.OnProgress != nil {
		o.OnProgress(phase, detail)
	}
	util.WithPhase(string(phase)).Info(detail)
	_ = runlog.Log(runlog.NewEvent(o.RunID, string(phase), "orchestrator.phase").WithSuccess())
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
	if o.State != nil {
		o.State.Phase = string(phase)
	}
}

// Phase returns the orchestrator's current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Deploy drives the run from PLANNED to NODES_RUNNING. On any phase
// failure it rolls back every resource acquired by prior phases, in
// reverse creation order, then returns the original error (§4.6).
func (o *Orchestrator) Deploy(ctx context.Context) error {
	if err := o.State.Save(); err != nil {
		return err
	}

	if err := o.bringUpNetworks(ctx); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	if err := o.prepareNodes(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	if err := o.bringUpLinks(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	if err := o.startNodes(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	o.progress(PhaseNodesRunning, fmt.Sprintf("%d nodes running", len(o.Nodes)))
	return o.State.Save()
}

// DeployTopologyOnly drives the run from PLANNED to LINKS_UP without
// starting any node command, for the --topology-only driver flag (§6):
// networks, namespaces and links are realized, but node processes never
// run. Rollback on failure mirrors Deploy.
func (o *Orchestrator) DeployTopologyOnly(ctx context.Context) error {
	if err := o.State.Save(); err != nil {
		return err
	}

	if err := o.bringUpNetworks(ctx); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	if err := o.prepareNodes(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	if err := o.bringUpLinks(ctx); err != nil {
		o.Teardown(context.Background())
		return err
	}

	return o.State.Save()
}

// bringUpNetworks creates every declared network's bridge (§4.6
// NETWORKS_UP). MTU is the max of any connection's mtu to that network.
func (o *Orchestrator) bringUpNetworks(ctx context.Context) error {
	o.progress(PhaseNetworksUp, fmt.Sprintf("creating %d bridges", len(o.Config.Topology.Networks)))

	mtus := make(map[string]int)
	for _, n := range o.Nodes {
		for _, c := range n.Connections {
			if c.MTU > mtus[c.To] {
				mtus[c.To] = c.MTU
			}
		}
	}

	for _, net0 := range o.Config.Topology.Networks {
		na := o.Alloc.Networks[net0.Name]
		if err := EnsureBridge(bridgeName(net0.Name), mtus[net0.Name], addrToIPNet(na)); err != nil {
			return err
		}
	}
	return nil
}

func addrToIPNet(na *NetworkAlloc) *net.IPNet {
	if na == nil || na.CIDR == nil || na.BridgeIP == nil {
		return nil
	}
	return &net.IPNet{IP: na.BridgeIP, Mask: na.CIDR.Mask}
}

// prepareNodes runs Prepare on every node concurrently within the phase
// barrier (§4.6 NODES_PREPARED, §5 concurrency model).
func (o *Orchestrator) prepareNodes(ctx context.Context) error {
	o.progress(PhaseNodesPrepared, fmt.Sprintf("preparing %d nodes", len(o.Nodes)))

	return o.parallelForNodes(func(n *Node) error {
		b := o.backends[n.Name]
		if err := b.Prepare(ctx); err != nil {
			return err
		}
		if sb, ok := b.(*shellBackend); ok {
			o.namespaces[n.Name] = sb.ns
		}
		if cb, ok := b.(*containerBackend); ok {
			o.namespaces[n.Name] = cb.ns
		}
		return nil
	})
}

// bringUpLinks realizes every planned link in order (bridge-attach, p2p,
// host-bind, physical) and applies traffic control to each endpoint with
// constraints (§4.6 LINKS_UP, §4.7).
func (o *Orchestrator) bringUpLinks(ctx context.Context) error {
	o.progress(PhaseLinksUp, fmt.Sprintf("realizing %d links", len(o.Links)))

	for _, link := range o.Links {
		if err := o.realizeOneLink(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) realizeOneLink(ctx context.Context, link *Link) error {
	if link.Kind == LinkPhysical {
		return nil // VM backend handles PCI passthrough at qemu invocation time
	}

	if err := o.attachQemuEndpoint(ctx, link.A, link); err != nil {
		return err
	}
	if link.Kind == LinkP2P {
		if err := o.attachQemuEndpoint(ctx, link.Z, link); err != nil {
			return err
		}
	}

	// A non-qemu endpoint (or the whole non-p2p link) still needs its
	// host-kernel half realized through the shared netlink path.
	if !o.isQemuNode(link.A.Node) && (link.Kind != LinkP2P || !o.isQemuNode(link.Z.Node)) {
		if err := RealizeLink(link, o.namespaces); err != nil {
			return err
		}
	} else if link.Kind == LinkP2P && o.isQemuNode(link.A.Node) != o.isQemuNode(link.Z.Node) {
		// Mixed qemu/non-qemu p2p pair: the non-qemu side still needs a
		// namespace-side veth even though its peer is a tap, so fall back
		// to treating it as a bridge-attach onto an implicit per-link
		// bridge is out of scope; same-backend p2p is the supported case.
		util.WithPhase(string(PhaseLinksUp)).Warn("mixed shell/qemu p2p link is not fully wired")
	}

	if err := o.applyEndpointConstraints(ctx, link.A); err != nil {
		return err
	}
	if link.Kind == LinkP2P {
		if err := o.applyEndpointConstraints(ctx, link.Z); err != nil {
			return err
		}
	}
	return nil
}

// attachQemuEndpoint attaches ep's tap device and, for bridge-attach links,
// enslaves it to the network's bridge, when ep's owning node is a VM.
// Returns nil whether or not the node was a VM; errors only propagate a
// genuine attach failure. Non-qemu nodes are reported via isQemuNode.
func (o *Orchestrator) attachQemuEndpoint(ctx context.Context, ep Endpoint, link *Link) error {
	qb, ok := o.backends[ep.Node].(*qemuBackend)
	if !ok {
		return nil
	}
	if err := qb.AttachLink(ctx, ep, o.namespaces); err != nil {
		return err
	}
	if link.Kind == LinkBridgeAttach {
		return qb.AttachToBridge(qb.taps[len(qb.taps)-1], link.Network)
	}
	return nil
}

func (o *Orchestrator) isQemuNode(name string) bool {
	_, ok := o.backends[name].(*qemuBackend)
	return ok
}

func (o *Orchestrator) applyEndpointConstraints(ctx context.Context, ep Endpoint) error {
	if ep.Constraints == nil || ep.Constraints.Empty() {
		return nil
	}
	ns, ok := o.namespaces[ep.Node]
	if !ok {
		return nil // qemu nodes have no host network namespace to apply tc inside
	}
	return ApplyConstraints(ctx, ns, ep.Iface, ep.Constraints)
}

// startNodes starts every node's cmd concurrently (§4.6 NODES_RUNNING).
func (o *Orchestrator) startNodes(ctx context.Context) error {
	return o.parallelForNodes(func(n *Node) error {
		return o.backends[n.Name].Start(ctx)
	})
}

// HasCLIHook reports whether the run's config declares any Command
// Registry entries (§4.8). A run with commands declared is meant to stay
// up for those commands to be invoked against it from another process, so
// Supervise's all-exited completion trigger only fires in their absence
// (§4.6 exit trigger (c)).
func (o *Orchestrator) HasCLIHook() bool {
	return len(o.Config.CLI) > 0
}

// Supervise awaits every node's primary process concurrently and logs
// each exit with its status (§4.6 supervision). The returned channel is
// closed once every node has exited; a caller uses it, combined with
// signal-driven cancellation, to implement the steady-state exit trigger
// "all node processes have exited AND no CLI hook is attached". Supervise
// itself does not consult HasCLIHook — that decision belongs to the
// driver holding the run up, since a future caller might want the raw
// all-exited signal regardless.
func (o *Orchestrator) Supervise(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, n := range o.Nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			log := util.WithNode(n.Name)
			if err := o.backends[n.Name].Wait(ctx); err != nil {
				log.WithError(err).Warn("node process exited")
			} else {
				log.Info("node process exited")
			}
		}(n)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// parallelForNodes runs fn for every node concurrently and returns the
// first error, after waiting for all goroutines to finish (§5: phase
// transitions are barriers — the orchestrator only advances once every
// node has completed the phase's step or one has failed).
func (o *Orchestrator) parallelForNodes(fn func(n *Node) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, n := range o.Nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := fn(n); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	return firstErr
}

// Teardown releases every resource the run acquired, in reverse creation
// order, and is uncancellable once started (§4.6, §5 cancellation). It is
// idempotent: calling it twice after the first completes leaves kernel
// state unchanged the second time, since every release step tolerates its
// resource already being gone.
func (o *Orchestrator) Teardown(ctx context.Context) {
	o.progress(PhaseTeardown, "tearing down")

	for _, n := range o.Nodes {
		o.backends[n.Name].Cleanup(ctx)
	}
	for _, net0 := range o.Config.Topology.Networks {
		if err := DeleteBridge(bridgeName(net0.Name)); err != nil {
			util.WithPhase(string(PhaseTeardown)).WithError(err).Warn("bridge teardown failed")
		}
	}

	o.setPhase(PhaseDone)
	if err := o.State.Save(); err != nil {
		util.WithPhase(string(PhaseDone)).WithError(err).Warn("failed to persist final state")
	}
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return NewError(Cancelled, "orchestrator", "context cancelled", ctx.Err())
	default:
		return nil
	}
}
