package pkg

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"neon/api"
	"neon/pkg/config"
	"neon/pkg/link"
	"neon/pkg/node"
)

// ContainerEngine is what the manager needs from the isolation engine.
// *node.ContainerManager implements it.
type ContainerEngine interface {
	CreateContainer(ctx context.Context, req node.ContainerRequest) (string, error)
	StartContainer(ctx context.Context, handle string) error
	StopContainer(ctx context.Context, handle string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, handle string, force bool) error
	Status(ctx context.Context, handle string) (api.ContainerStatus, error)
	Address(ctx context.Context, handle, network string) (string, bool, error)
	WaitUntilReady(ctx context.Context, handle string, timeout, interval time.Duration) bool
	ListManaged(ctx context.Context) ([]api.ManagedContainer, error)
	Cleanup(ctx context.Context, labID string) error
}

// LinkFabric is what the manager needs from the veth wiring.
// *link.LinkManager implements it.
type LinkFabric interface {
	CreateVethLink(ctx context.Context, a, b link.Endpoint, imp api.Impairment) (link.Allocation, error)
	DeleteLink(ctx context.Context, a link.Endpoint) error
	ListInterfaces(ctx context.Context, handle string) ([]string, error)
}

// nodeEntry and linkEntry pair an object with the lock that serializes
// operations on it. The object itself is guarded by Manager.mu.
type nodeEntry struct {
	op   sync.Mutex
	node api.Node
}

type linkEntry struct {
	op   sync.Mutex
	link api.Link
}

// Manager owns the node and link state machines and sequences the engine
// and fabric calls behind them. Operations on different nodes or links
// never wait for each other.
type Manager struct {
	engine ContainerEngine
	fabric LinkFabric
	rec    StateRecorder
	cfg    config.Config

	mu    sync.Mutex
	nodes map[uuid.UUID]*nodeEntry
	links map[uuid.UUID]*linkEntry
}

func NewManager(engine ContainerEngine, fabric LinkFabric, rec StateRecorder, cfg config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{
		engine: engine,
		fabric: fabric,
		rec:    rec,
		cfg:    cfg,
		nodes:  make(map[uuid.UUID]*nodeEntry),
		links:  make(map[uuid.UUID]*linkEntry),
	}, nil
}

// DeployNode creates and starts the node's container and returns as soon
// as it is started; readiness is polled separately with CheckNodeReady.
func (m *Manager) DeployNode(ctx context.Context, spec api.NodeSpec) api.NodeResult {
	if err := spec.Validate(); err != nil {
		return api.NodeResult{Status: api.ResultError, NodeID: spec.ID, Message: err.Error(), Err: err}
	}

	e := m.nodeEntryFor(spec)
	e.op.Lock()
	defer e.op.Unlock()

	logger := log.WithFields(log.Fields{"node": spec.Name, "lab": spec.Lab.ID})
	cur := m.nodeSnapshot(e)

	// check if existed
	if cur.Deployed() {
		if err := m.engine.RemoveContainer(ctx, cur.Handle, true); err != nil && !errors.Is(err, api.ErrContainerNotFound) {
			return m.nodeFailed(ctx, e, logger, "remove previous container", err)
		}
		m.updateNode(ctx, e, func(n *api.Node) {
			n.Handle, n.MgmtAddress, n.State = "", "", api.NodeStopped
		})
		m.linksDown(ctx, spec.ID)
	} else if err := m.engine.RemoveContainer(ctx, spec.ContainerName(), true); err != nil && !errors.Is(err, api.ErrContainerNotFound) {
		// a container left over under the same name would make create fail
		logger.WithError(err).Warn("could not remove stale container")
	}

	cpu, memory := resolveResources(spec)
	logger.WithFields(log.Fields{"image": spec.Image.URI, "cpu": cpu, "memory": memory}).Info("deploying node")

	handle, err := m.engine.CreateContainer(ctx, node.ContainerRequest{
		Image:    spec.Image.URI,
		Name:     spec.ContainerName(),
		CPU:      cpu,
		MemoryMB: memory,
		Env:      nodeEnv(spec),
		Labels:   nodeLabels(spec),
	})
	if err != nil {
		return m.nodeFailed(ctx, e, logger, "create container", err)
	}
	if err = m.engine.StartContainer(ctx, handle); err != nil {
		return m.nodeFailedWith(ctx, e, logger, "start container", err, func(n *api.Node) { n.Handle = handle })
	}

	n := m.updateNode(ctx, e, func(n *api.Node) {
		n.Handle, n.MgmtAddress, n.State = handle, "", api.NodeStarting
	})
	logger.WithField("id", shortID(handle)).Info("node container started")
	return api.NodeResult{
		Status:  api.ResultStarting,
		NodeID:  n.ID,
		Handle:  n.Handle,
		Message: fmt.Sprintf("node %s deployed", n.Name),
	}
}

// CheckNodeReady moves a starting node to running (with its management
// address) or to error, depending on what the engine reports.
func (m *Manager) CheckNodeReady(ctx context.Context, id uuid.UUID) api.NodeResult {
	e, ok := m.lookupNode(id)
	if !ok {
		return unknownNode(id)
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := m.nodeSnapshot(e)
	if !cur.Deployed() {
		return notDeployedNode(cur)
	}
	logger := log.WithFields(log.Fields{"node": cur.Name, "lab": cur.LabID})

	status, err := m.engine.Status(ctx, cur.Handle)
	if err != nil {
		// an unreachable engine says nothing about the node itself
		if errors.Is(err, api.ErrEngineUnavailable) {
			logger.WithError(err).Warn("cannot check node")
			return api.NodeResult{Status: api.ResultError, NodeID: id, Handle: cur.Handle, Message: err.Error(), Err: err}
		}
		return m.nodeFailed(ctx, e, logger, "check status", err)
	}

	switch status {
	case api.StatusRunning:
		addr, _, err := m.engine.Address(ctx, cur.Handle, m.cfg.Network)
		if err != nil {
			logger.WithError(err).Warn("no management address")
		}
		n := m.updateNode(ctx, e, func(n *api.Node) {
			n.State, n.MgmtAddress = api.NodeRunning, addr
		})
		logger.WithField("ip", addr).Info("node is ready")
		return api.NodeResult{Status: api.ResultRunning, NodeID: id, Handle: n.Handle, MgmtAddress: n.MgmtAddress,
			Message: fmt.Sprintf("node %s is running", n.Name)}
	case api.StatusExited, api.StatusNotFound:
		return m.nodeFailed(ctx, e, logger, "start", fmt.Errorf("container is %s", status))
	default:
		return api.NodeResult{Status: api.ResultPending, NodeID: id, Handle: cur.Handle,
			Message: fmt.Sprintf("node %s is %s", cur.Name, status)}
	}
}

// WaitNodeReady blocks until the node's container runs or the configured
// ready timeout passes, then runs CheckNodeReady. A node still starting
// after the wait reports api.ErrTimeout and stays starting.
func (m *Manager) WaitNodeReady(ctx context.Context, id uuid.UUID) api.NodeResult {
	cur, ok := m.Node(id)
	if !ok {
		return unknownNode(id)
	}
	if !cur.Deployed() {
		return notDeployedNode(cur)
	}

	ready := m.engine.WaitUntilReady(ctx, cur.Handle, m.cfg.ReadyTimeout.Duration, m.cfg.PollInterval.Duration)
	res := m.CheckNodeReady(ctx, id)
	if !ready && res.Status == api.ResultPending {
		res.Status = api.ResultError
		res.Err = fmt.Errorf("%w: %s after %s", api.ErrTimeout, cur.Name, m.cfg.ReadyTimeout)
		res.Message = res.Err.Error()
	}
	return res
}

func (m *Manager) StopNode(ctx context.Context, id uuid.UUID) api.NodeResult {
	e, ok := m.lookupNode(id)
	if !ok {
		return unknownNode(id)
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := m.nodeSnapshot(e)
	if !cur.Deployed() {
		return notDeployedNode(cur)
	}
	logger := log.WithFields(log.Fields{"node": cur.Name, "lab": cur.LabID})

	if err := m.engine.StopContainer(ctx, cur.Handle, m.cfg.StopTimeout.Duration); err != nil {
		return m.nodeFailed(ctx, e, logger, "stop container", err)
	}
	n := m.updateNode(ctx, e, func(n *api.Node) { n.State = api.NodeStopped })
	m.linksDown(ctx, id)

	logger.Info("node stopped")
	return api.NodeResult{Status: api.ResultStopped, NodeID: id, Handle: n.Handle,
		Message: fmt.Sprintf("node %s stopped", n.Name)}
}

// DestroyNode removes the container and forgets the handle and address.
func (m *Manager) DestroyNode(ctx context.Context, id uuid.UUID) api.NodeResult {
	e, ok := m.lookupNode(id)
	if !ok {
		return unknownNode(id)
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := m.nodeSnapshot(e)
	if !cur.Deployed() {
		return notDeployedNode(cur)
	}
	logger := log.WithFields(log.Fields{"node": cur.Name, "lab": cur.LabID})

	err := m.engine.RemoveContainer(ctx, cur.Handle, true)
	if err != nil && !errors.Is(err, api.ErrContainerNotFound) {
		return m.nodeFailed(ctx, e, logger, "remove container", err)
	}
	n := m.updateNode(ctx, e, func(n *api.Node) {
		n.Handle, n.MgmtAddress, n.State = "", "", api.NodeStopped
	})
	m.linksDown(ctx, id)

	logger.Info("node destroyed")
	return api.NodeResult{Status: api.ResultDestroyed, NodeID: id,
		Message: fmt.Sprintf("node %s destroyed", n.Name)}
}

// CreateLink wires a link between two deployed nodes. Endpoint nodes that
// have no container fail the call before anything touches the kernel.
func (m *Manager) CreateLink(ctx context.Context, spec api.LinkSpec) api.LinkResult {
	if err := spec.Validate(); err != nil {
		return api.LinkResult{Status: api.ResultError, LinkID: spec.ID, Message: err.Error(), Err: err}
	}

	e := m.linkEntryFor(spec)
	e.op.Lock()
	defer e.op.Unlock()

	cur := m.linkSnapshot(e)
	if cur.State == api.LinkUp {
		if cur.A != spec.A || cur.B != spec.B {
			err := fmt.Errorf("%w: link %s is up between %s and %s", api.ErrInvalidSpec, cur.ID, cur.A, cur.B)
			return api.LinkResult{Status: api.ResultError, LinkID: cur.ID, Message: err.Error(), Err: err}
		}
		return api.LinkResult{Status: api.ResultCreated, LinkID: cur.ID, HostVethA: cur.HostVethA, HostVethB: cur.HostVethB,
			Message: "link is already up"}
	}

	epA, epB, err := m.endpoints(spec.A, spec.B)
	if err != nil {
		return api.LinkResult{Status: api.ResultNotDeployed, LinkID: spec.ID, Message: err.Error(), Err: err}
	}
	logger := log.WithFields(log.Fields{"link": spec.ID, "a": spec.A.Interface, "b": spec.B.Interface})

	if cur.State == api.LinkError {
		// clear what a failed attempt may have left in the namespace
		if oldA, _, err := m.endpoints(cur.A, cur.B); err == nil {
			if err := m.fabric.DeleteLink(ctx, oldA); err != nil {
				logger.WithError(err).Debug("nothing to clean up before retry")
			}
		}
	}

	alloc, err := m.fabric.CreateVethLink(ctx, epA, epB, spec.Impairment)
	if err != nil {
		m.updateLink(ctx, e, func(l *api.Link) {
			l.A, l.B = spec.A, spec.B
			l.State, l.HostVethA, l.HostVethB = api.LinkError, "", ""
		})
		return api.LinkResult{Status: api.ResultError, LinkID: spec.ID, Message: "failed to create veth link", Err: err}
	}

	l := m.updateLink(ctx, e, func(l *api.Link) {
		l.A, l.B = spec.A, spec.B
		l.Impairment = spec.Impairment
		l.State, l.HostVethA, l.HostVethB = api.LinkUp, alloc.HostA, alloc.HostB
	})
	return api.LinkResult{Status: api.ResultCreated, LinkID: l.ID, HostVethA: l.HostVethA, HostVethB: l.HostVethB,
		Message: "link created"}
}

// DestroyLink deletes endpoint A's interface; the kernel takes the peer with it.
func (m *Manager) DestroyLink(ctx context.Context, id uuid.UUID) api.LinkResult {
	e, ok := m.lookupLink(id)
	if !ok {
		err := fmt.Errorf("%w: link %s", api.ErrUnknown, id)
		return api.LinkResult{Status: api.ResultError, LinkID: id, Message: err.Error(), Err: err}
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := m.linkSnapshot(e)
	if cur.State == api.LinkDown {
		return api.LinkResult{Status: api.ResultDestroyed, LinkID: id, Message: "link is already down"}
	}
	epA, _, err := m.endpoints(cur.A, cur.B)
	if err != nil {
		return api.LinkResult{Status: api.ResultNotDeployed, LinkID: id, Message: err.Error(), Err: err}
	}

	if err = m.fabric.DeleteLink(ctx, epA); err != nil {
		m.updateLink(ctx, e, func(l *api.Link) { l.State = api.LinkError })
		return api.LinkResult{Status: api.ResultError, LinkID: id, Message: "failed to destroy link", Err: err}
	}
	m.updateLink(ctx, e, func(l *api.Link) {
		l.State, l.HostVethA, l.HostVethB = api.LinkDown, "", ""
	})
	return api.LinkResult{Status: api.ResultDestroyed, LinkID: id, Message: "link destroyed"}
}

// ListInterfaces lists a deployed node's interfaces for diagnostics.
func (m *Manager) ListInterfaces(ctx context.Context, id uuid.UUID) ([]string, error) {
	n, ok := m.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", api.ErrUnknown, id)
	}
	if !n.Deployed() {
		return nil, fmt.Errorf("%w: node %s is not deployed", api.ErrLinkPrecondition, n.Name)
	}
	return m.fabric.ListInterfaces(ctx, n.Handle)
}

// ContainerInterfaces lists the interfaces inside any container's
// namespace, managed by this runtime or not.
func (m *Manager) ContainerInterfaces(ctx context.Context, handle string) ([]string, error) {
	return m.fabric.ListInterfaces(ctx, handle)
}

// Stats counts the managed containers the engine knows about, including
// ones this manager never deployed.
func (m *Manager) Stats(ctx context.Context) (api.Stats, error) {
	containers, err := m.engine.ListManaged(ctx)
	if err != nil {
		return api.Stats{}, err
	}
	stats := api.Stats{Total: len(containers), Containers: containers}
	for _, c := range containers {
		if c.Status == api.StatusRunning {
			stats.Running++
		} else {
			stats.Stopped++
		}
	}
	return stats, nil
}

// CleanupLab removes every container of a lab. When the engine succeeds
// the lab's nodes and links are recorded as torn down and forgotten.
func (m *Manager) CleanupLab(ctx context.Context, labID uuid.UUID) error {
	if err := m.engine.Cleanup(ctx, labID.String()); err != nil {
		return err
	}

	m.mu.Lock()
	var nodes []api.Node
	var links []api.Link
	for id, e := range m.nodes {
		if e.node.LabID == labID {
			n := e.node
			n.Handle, n.MgmtAddress, n.State = "", "", api.NodeStopped
			nodes = append(nodes, n)
			delete(m.nodes, id)
		}
	}
	for id, e := range m.links {
		if e.link.LabID == labID {
			l := e.link
			l.State, l.HostVethA, l.HostVethB = api.LinkDown, "", ""
			links = append(links, l)
			delete(m.links, id)
		}
	}
	m.mu.Unlock()

	for _, n := range nodes {
		m.recordNode(ctx, n)
	}
	for _, l := range links {
		m.recordLink(ctx, l)
	}
	return nil
}

func (m *Manager) Node(id uuid.UUID) (api.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[id]
	if !ok {
		return api.Node{}, false
	}
	return e.node, true
}

func (m *Manager) Link(id uuid.UUID) (api.Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.links[id]
	if !ok {
		return api.Link{}, false
	}
	return e.link, true
}

// Nodes returns a snapshot of all nodes, sorted by name.
func (m *Manager) Nodes() []api.Node {
	m.mu.Lock()
	out := make([]api.Node, 0, len(m.nodes))
	for _, e := range m.nodes {
		out = append(out, e.node)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b api.Node) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Links returns a snapshot of all links, in a stable order.
func (m *Manager) Links() []api.Link {
	m.mu.Lock()
	out := make([]api.Link, 0, len(m.links))
	for _, e := range m.links {
		out = append(out, e.link)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b api.Link) int { return strings.Compare(a.ID.String(), b.ID.String()) })
	return out
}

func (m *Manager) nodeEntryFor(spec api.NodeSpec) *nodeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[spec.ID]
	if !ok {
		e = &nodeEntry{node: api.Node{ID: spec.ID, Name: spec.Name, LabID: spec.Lab.ID, State: api.NodeStopped}}
		m.nodes[spec.ID] = e
	}
	return e
}

func (m *Manager) linkEntryFor(spec api.LinkSpec) *linkEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.links[spec.ID]
	if !ok {
		e = &linkEntry{link: api.Link{ID: spec.ID, LabID: spec.Lab.ID, A: spec.A, B: spec.B,
			Impairment: spec.Impairment, State: api.LinkDown}}
		m.links[spec.ID] = e
	}
	return e
}

func (m *Manager) lookupNode(id uuid.UUID) (*nodeEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[id]
	return e, ok
}

func (m *Manager) lookupLink(id uuid.UUID) (*linkEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.links[id]
	return e, ok
}

func (m *Manager) nodeSnapshot(e *nodeEntry) api.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.node
}

func (m *Manager) linkSnapshot(e *linkEntry) api.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.link
}

// updateNode applies a transition and then records it.
func (m *Manager) updateNode(ctx context.Context, e *nodeEntry, mutate func(n *api.Node)) api.Node {
	m.mu.Lock()
	mutate(&e.node)
	n := e.node
	m.mu.Unlock()

	m.recordNode(ctx, n)
	return n
}

func (m *Manager) updateLink(ctx context.Context, e *linkEntry, mutate func(l *api.Link)) api.Link {
	m.mu.Lock()
	mutate(&e.link)
	l := e.link
	m.mu.Unlock()

	m.recordLink(ctx, l)
	return l
}

func (m *Manager) recordNode(ctx context.Context, n api.Node) {
	if err := m.rec.RecordNode(ctx, n); err != nil {
		log.WithFields(log.Fields{"node": n.Name, "state": n.State}).WithError(err).Warn("failed to record node state")
	}
}

func (m *Manager) recordLink(ctx context.Context, l api.Link) {
	if err := m.rec.RecordLink(ctx, l); err != nil {
		log.WithFields(log.Fields{"link": l.ID, "state": l.State}).WithError(err).Warn("failed to record link state")
	}
}

// nodeFailed moves the node to error, keeping whatever handle it has.
func (m *Manager) nodeFailed(ctx context.Context, e *nodeEntry, logger *log.Entry, op string, err error) api.NodeResult {
	return m.nodeFailedWith(ctx, e, logger, op, err, nil)
}

// nodeFailedWith applies mutate in the same update that moves the node to
// error, so a single transition is recorded.
func (m *Manager) nodeFailedWith(ctx context.Context, e *nodeEntry, logger *log.Entry, op string, err error, mutate func(*api.Node)) api.NodeResult {
	logger.WithError(err).Errorf("failed to %s", op)
	n := m.updateNode(ctx, e, func(n *api.Node) {
		if mutate != nil {
			mutate(n)
		}
		n.State = api.NodeError
	})
	return api.NodeResult{
		Status:  api.ResultError,
		NodeID:  n.ID,
		Handle:  n.Handle,
		Message: fmt.Sprintf("failed to %s: %v", op, err),
		Err:     err,
	}
}

// linksDown marks the up links of a node down once its namespace is gone.
func (m *Manager) linksDown(ctx context.Context, nodeID uuid.UUID) {
	m.mu.Lock()
	var affected []*linkEntry
	for _, e := range m.links {
		if e.link.A.NodeID == nodeID || e.link.B.NodeID == nodeID {
			affected = append(affected, e)
		}
	}
	m.mu.Unlock()

	for _, e := range affected {
		e.op.Lock()
		if m.linkSnapshot(e).State == api.LinkUp {
			m.updateLink(ctx, e, func(l *api.Link) {
				l.State, l.HostVethA, l.HostVethB = api.LinkDown, "", ""
			})
		}
		e.op.Unlock()
	}
}

// endpoints resolves both link ends to container handles, failing with
// api.ErrLinkPrecondition when either node has no container.
func (m *Manager) endpoints(a, b api.Endpoint) (link.Endpoint, link.Endpoint, error) {
	na, okA := m.Node(a.NodeID)
	nb, okB := m.Node(b.NodeID)
	for _, c := range []struct {
		ep    api.Endpoint
		n     api.Node
		found bool
	}{{a, na, okA}, {b, nb, okB}} {
		if !c.found || !c.n.Deployed() {
			return link.Endpoint{}, link.Endpoint{}, fmt.Errorf("%w: node %s is not deployed", api.ErrLinkPrecondition, c.ep.NodeID)
		}
	}
	return link.Endpoint{Handle: na.Handle, Interface: a.Interface},
		link.Endpoint{Handle: nb.Handle, Interface: b.Interface}, nil
}

// resolveResources prefers the node override, then the image default,
// then 1 cpu / 512 MB.
func resolveResources(spec api.NodeSpec) (int, int) {
	return firstPositive(spec.CPU, spec.Image.DefaultCPU, api.DefaultCPU),
		firstPositive(spec.MemoryMB, spec.Image.DefaultMemoryMB, api.DefaultMemoryMB)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func nodeEnv(spec api.NodeSpec) map[string]string {
	env := make(map[string]string, len(spec.Env)+2)
	if c := spec.Image.Credentials; c != nil {
		env["DEFAULT_USER"] = orDefault(c.Username, "admin")
		env["DEFAULT_PASSWORD"] = orDefault(c.Password, "admin")
	}
	maps.Copy(env, spec.Env)
	return env
}

func nodeLabels(spec api.NodeSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+3)
	maps.Copy(labels, spec.Labels)
	labels[api.LabelLabID] = spec.Lab.ID.String()
	labels[api.LabelNodeID] = spec.ID.String()
	labels[api.LabelNodeName] = spec.Name
	return labels
}

func unknownNode(id uuid.UUID) api.NodeResult {
	err := fmt.Errorf("%w: node %s", api.ErrUnknown, id)
	return api.NodeResult{Status: api.ResultError, NodeID: id, Message: err.Error(), Err: err}
}

func notDeployedNode(n api.Node) api.NodeResult {
	return api.NodeResult{Status: api.ResultNotDeployed, NodeID: n.ID, Message: fmt.Sprintf("node %s has no container", n.Name)}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
