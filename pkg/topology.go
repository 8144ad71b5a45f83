package pkg

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"neon/api"
	"neon/pkg/util"
)

// Pattern kinds understood by ExpandPattern.
const (
	PatternRing      = "ring"
	PatternMesh      = "mesh"
	PatternStar      = "star"
	PatternSpineLeaf = "spine-leaf"
)

// eth0 belongs to the management network inside every container.
const mgmtInterface = "eth0"

// labNamespace seeds lab IDs derived from lab names.
var labNamespace = uuid.MustParse("2b1d4c6a-8f0e-5c1a-9d3b-6e7f0a1b2c3d")

// Topology is the document accepted by `neon apply -f`.
type Topology struct {
	Lab     LabConfig    `yaml:"lab"`
	Nodes   []NodeConfig `yaml:"nodes"`
	Links   []LinkConfig `yaml:"links"`
	Pattern *Pattern     `yaml:"pattern"`
}

// LabConfig names the lab. ID is optional; without it the ID is derived
// from the name so re-applying a file lands on the same lab.
type LabConfig struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

type NodeConfig struct {
	Name   string            `yaml:"name"`
	Image  api.ImageRef      `yaml:"image"`
	CPU    int               `yaml:"cpu"`
	Memory int               `yaml:"memory"`
	Env    map[string]string `yaml:"env"`
	Labels map[string]string `yaml:"labels"`
}

// LinkConfig connects two nodes by name. Interfaces left empty are
// assigned by the InterfaceAllocator.
type LinkConfig struct {
	Source          string `yaml:"source"`
	SourceInterface string `yaml:"sourceInterface"`
	Target          string `yaml:"target"`
	TargetInterface string `yaml:"targetInterface"`

	api.Impairment `yaml:",inline"`
}

// Pattern generates a whole topology from a shape and a size.
type Pattern struct {
	Kind   string       `yaml:"kind"`
	Count  int          `yaml:"count"`
	Spines int          `yaml:"spines"`
	Leaves int          `yaml:"leaves"`
	Image  api.ImageRef `yaml:"image"`
}

// LoadTopology reads a topology document from a yaml file.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("error reading topology file: %w", err)
	}
	var topo Topology
	if err = yaml.Unmarshal(data, &topo); err != nil {
		return Topology{}, fmt.Errorf("%w: error unmarshaling topology file: %v", api.ErrInvalidSpec, err)
	}
	return topo, nil
}

// LabContext resolves the lab the topology belongs to.
func (t Topology) LabContext() (api.LabContext, error) {
	if t.Lab.ID != "" {
		id, err := uuid.Parse(t.Lab.ID)
		if err != nil {
			return api.LabContext{}, fmt.Errorf("%w: lab id %q: %v", api.ErrInvalidSpec, t.Lab.ID, err)
		}
		return api.LabContext{ID: id}, nil
	}
	if t.Lab.Name == "" {
		return api.LabContext{}, fmt.Errorf("%w: lab needs a name or an id", api.ErrInvalidSpec)
	}
	return api.LabContext{ID: uuid.NewSHA1(labNamespace, []byte(t.Lab.Name))}, nil
}

// ExpandPattern turns a pattern into nodes and links with no interfaces
// assigned.
func ExpandPattern(p Pattern) ([]NodeConfig, []LinkConfig, error) {
	var names []string
	var links []LinkConfig
	connect := func(src, dst string) {
		links = append(links, LinkConfig{Source: src, Target: dst})
	}

	switch p.Kind {
	case PatternRing, PatternMesh, PatternStar:
		if p.Count < 2 {
			return nil, nil, fmt.Errorf("%w: %s needs at least 2 nodes, got %d", api.ErrInvalidSpec, p.Kind, p.Count)
		}
	}

	switch p.Kind {
	case PatternRing:
		for i := 1; i <= p.Count; i++ {
			names = append(names, fmt.Sprintf("R%d", i))
		}
		for i := range names {
			connect(names[i], names[(i+1)%len(names)])
		}
	case PatternMesh:
		for i := 1; i <= p.Count; i++ {
			names = append(names, fmt.Sprintf("R%d", i))
		}
		for i := range names {
			for j := i + 1; j < len(names); j++ {
				connect(names[i], names[j])
			}
		}
	case PatternStar:
		names = append(names, "Core")
		for i := 1; i < p.Count; i++ {
			edge := fmt.Sprintf("Edge%d", i)
			names = append(names, edge)
			connect("Core", edge)
		}
	case PatternSpineLeaf:
		spines, leaves := p.Spines, p.Leaves
		if spines <= 0 {
			spines = 2
		}
		if leaves <= 0 {
			leaves = 4
		}
		for s := 1; s <= spines; s++ {
			names = append(names, fmt.Sprintf("Spine%d", s))
		}
		for l := 1; l <= leaves; l++ {
			names = append(names, fmt.Sprintf("Leaf%d", l))
		}
		for s := 1; s <= spines; s++ {
			for l := 1; l <= leaves; l++ {
				connect(fmt.Sprintf("Spine%d", s), fmt.Sprintf("Leaf%d", l))
			}
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown topology pattern %q", api.ErrInvalidSpec, p.Kind)
	}

	nodes := make([]NodeConfig, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, NodeConfig{Name: name, Image: p.Image})
	}
	return nodes, links, nil
}

// InterfaceAllocator hands out interface names per node. Every name it
// returns or is told about counts as used for the rest of the batch.
type InterfaceAllocator struct {
	used map[uuid.UUID]map[string]bool
}

// NewInterfaceAllocator seeds the allocator with the interfaces existing
// links already occupy.
func NewInterfaceAllocator(existing []api.Link) *InterfaceAllocator {
	a := &InterfaceAllocator{used: make(map[uuid.UUID]map[string]bool)}
	for _, l := range existing {
		a.Use(l.A.NodeID, l.A.Interface)
		a.Use(l.B.NodeID, l.B.Interface)
	}
	return a
}

func (a *InterfaceAllocator) Use(nodeID uuid.UUID, iface string) {
	if a.used[nodeID] == nil {
		a.used[nodeID] = map[string]bool{mgmtInterface: true}
	}
	a.used[nodeID][iface] = true
}

// InUse reports whether iface is taken on the node.
func (a *InterfaceAllocator) InUse(nodeID uuid.UUID, iface string) bool {
	return iface == mgmtInterface || a.used[nodeID][iface]
}

// Next returns the lowest free eth<i> of the node and marks it used.
func (a *InterfaceAllocator) Next(nodeID uuid.UUID) string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("eth%d", i)
		if !a.InUse(nodeID, name) {
			a.Use(nodeID, name)
			return name
		}
	}
}

// Plan is a topology resolved into specs the manager can act on.
type Plan struct {
	Lab   api.LabContext
	Nodes []api.NodeSpec
	Links []api.LinkSpec
}

// NodeName returns the name of a planned node.
func (p Plan) NodeName(id uuid.UUID) string {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n.Name
		}
	}
	return id.String()
}

// BuildPlan resolves a topology into node and link specs. IDs are derived
// from the lab, the object names and the link position so applying the same
// document twice addresses the same objects. existing links seed interface
// allocation and keep their own interfaces when planned again.
func BuildPlan(topo Topology, existing []api.Link) (Plan, error) {
	lab, err := topo.LabContext()
	if err != nil {
		return Plan{}, err
	}

	nodes, links := topo.Nodes, topo.Links
	if topo.Pattern != nil {
		pn, pl, err := ExpandPattern(*topo.Pattern)
		if err != nil {
			return Plan{}, err
		}
		nodes = append(append([]NodeConfig(nil), nodes...), pn...)
		links = append(append([]LinkConfig(nil), links...), pl...)
	}

	plan := Plan{Lab: lab}
	byName := make(map[string]uuid.UUID, len(nodes))
	for _, nc := range nodes {
		if _, dup := byName[nc.Name]; dup {
			return Plan{}, fmt.Errorf("%w: duplicate node %q", api.ErrInvalidSpec, nc.Name)
		}
		spec := api.NodeSpec{
			ID:       uuid.NewSHA1(lab.ID, []byte("node/"+nc.Name)),
			Name:     nc.Name,
			Lab:      lab,
			Image:    nc.Image,
			CPU:      nc.CPU,
			MemoryMB: nc.Memory,
			Env:      nc.Env,
			Labels:   nc.Labels,
		}
		if err := spec.Validate(); err != nil {
			return Plan{}, err
		}
		byName[nc.Name] = spec.ID
		plan.Nodes = append(plan.Nodes, spec)
	}

	alloc := NewInterfaceAllocator(existing)
	known := make(map[uuid.UUID]api.Link, len(existing))
	for _, l := range existing {
		known[l.ID] = l
	}
	// explicit names are claimed first so auto-assignment never takes them
	for _, lc := range links {
		if id, ok := byName[lc.Source]; ok && lc.SourceInterface != "" {
			alloc.Use(id, lc.SourceInterface)
		}
		if id, ok := byName[lc.Target]; ok && lc.TargetInterface != "" {
			alloc.Use(id, lc.TargetInterface)
		}
	}

	for i, lc := range links {
		src, ok := byName[lc.Source]
		if !ok {
			return Plan{}, fmt.Errorf("%w: source node %q not found", api.ErrInvalidSpec, lc.Source)
		}
		dst, ok := byName[lc.Target]
		if !ok {
			return Plan{}, fmt.Errorf("%w: target node %q not found", api.ErrInvalidSpec, lc.Target)
		}

		id := uuid.NewSHA1(lab.ID, []byte(fmt.Sprintf("link/%d/%s/%s", i, lc.Source, lc.Target)))
		srcIface, dstIface := lc.SourceInterface, lc.TargetInterface
		// a link planned before keeps the interfaces it was given
		if prev, ok := known[id]; ok {
			srcIface, dstIface = prev.A.Interface, prev.B.Interface
		}
		if srcIface == "" {
			srcIface = alloc.Next(src)
		}
		if dstIface == "" {
			dstIface = alloc.Next(dst)
		}
		if !util.ValidInterfaceName(srcIface) || !util.ValidInterfaceName(dstIface) {
			return Plan{}, fmt.Errorf("%w: invalid interface on link %s-%s", api.ErrInvalidSpec, lc.Source, lc.Target)
		}

		spec := api.LinkSpec{
			ID:         id,
			Lab:        lab,
			A:          api.Endpoint{NodeID: src, Interface: srcIface},
			B:          api.Endpoint{NodeID: dst, Interface: dstIface},
			Impairment: lc.Impairment,
		}
		if err := spec.Validate(); err != nil {
			return Plan{}, err
		}
		plan.Links = append(plan.Links, spec)
	}
	return plan, nil
}

// Report collects the per-object outcome of an Apply.
type Report struct {
	Nodes []api.NodeResult
	Links []api.LinkResult
}

// Err joins the errors of every failed object.
func (r Report) Err() error {
	var errs []error
	for _, n := range r.Nodes {
		if n.Err != nil {
			errs = append(errs, n.Err)
		}
	}
	for _, l := range r.Links {
		if l.Err != nil {
			errs = append(errs, l.Err)
		}
	}
	return errors.Join(errs...)
}

// Apply deploys every node of the plan, waits for all of them to become
// ready and then wires the links. Each phase runs concurrently; links whose
// nodes failed come back as not deployed.
func Apply(ctx context.Context, m *Manager, plan Plan) Report {
	logger := log.WithFields(log.Fields{"lab": plan.Lab.ID, "nodes": len(plan.Nodes), "links": len(plan.Links)})
	logger.Info("applying topology")

	report := Report{
		Nodes: make([]api.NodeResult, len(plan.Nodes)),
		Links: make([]api.LinkResult, len(plan.Links)),
	}

	each(len(plan.Nodes), func(i int) {
		report.Nodes[i] = m.DeployNode(ctx, plan.Nodes[i])
	})
	each(len(plan.Nodes), func(i int) {
		if report.Nodes[i].Status == api.ResultStarting {
			report.Nodes[i] = m.WaitNodeReady(ctx, plan.Nodes[i].ID)
		}
	})
	each(len(plan.Links), func(i int) {
		report.Links[i] = m.CreateLink(ctx, plan.Links[i])
	})

	if err := report.Err(); err != nil {
		logger.WithError(err).Warn("topology applied with errors")
	} else {
		logger.Info("topology applied")
	}
	return report
}

// each runs fn for 0..n-1 concurrently and waits for all of them.
func each(n int, fn func(i int)) {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
