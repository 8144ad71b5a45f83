package pkg

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"neon/api"
)

// Calculator is the front door used by the CLI: it turns topology documents
// into plans and drives them through the Manager.
type Calculator struct {
	m *Manager
}

func NewCalculator(m *Manager) *Calculator {
	return &Calculator{
		m: m,
	}
}

// ApplyTopoConfig loads a topology file and applies it.
func (c *Calculator) ApplyTopoConfig(ctx context.Context, filepath string) (Plan, Report, error) {
	topo, err := LoadTopology(filepath)
	if err != nil {
		return Plan{}, Report{}, err
	}
	return c.ApplyTopology(ctx, topo)
}

// ApplyTopology plans a topology against the links already known and
// applies it. The returned error covers planning only; per-object failures
// are in the Report.
func (c *Calculator) ApplyTopology(ctx context.Context, topo Topology) (Plan, Report, error) {
	plan, err := BuildPlan(topo, c.m.Links())
	if err != nil {
		return Plan{}, Report{}, err
	}
	return plan, Apply(ctx, c.m, plan), nil
}

// Destroy removes every container of a lab.
func (c *Calculator) Destroy(ctx context.Context, labID uuid.UUID) error {
	return c.m.CleanupLab(ctx, labID)
}

// Interfaces lists the interfaces inside a container, by handle.
func (c *Calculator) Interfaces(ctx context.Context, handle string) ([]string, error) {
	return c.m.ContainerInterfaces(ctx, handle)
}

func (c *Calculator) Stats(ctx context.Context) (api.Stats, error) {
	return c.m.Stats(ctx)
}

func (c *Calculator) ShowNodes(w io.Writer) {
	for _, node := range c.m.Nodes() {
		fmt.Fprintf(w, "Node: %s, State: %s, Container: %s, IPv4: %s\n", node.Name, node.State, shortID(node.Handle), node.MgmtAddress)
	}
}

func (c *Calculator) ShowLinks(w io.Writer) {
	names := make(map[uuid.UUID]string)
	for _, node := range c.m.Nodes() {
		names[node.ID] = node.Name
	}
	for _, link := range c.m.Links() {
		fmt.Fprintf(w, "Link: %s:%s <-> %s:%s, State: %s, Bw: %s, Delay: %dms, Loss: %.2f%%\n",
			names[link.A.NodeID], link.A.Interface, names[link.B.NodeID], link.B.Interface,
			link.State, orDefault(link.Impairment.Bandwidth, "-"), link.Impairment.DelayMs, link.Impairment.LossPercent)
	}
}

// ShowReport prints the outcome of an apply, one line per object.
func ShowReport(w io.Writer, plan Plan, report Report) {
	fmt.Fprintf(w, "Lab: %s\n", plan.Lab.ID)
	for i, res := range report.Nodes {
		fmt.Fprintf(w, "Node: %s, Status: %s, IPv4: %s", plan.Nodes[i].Name, res.Status, res.MgmtAddress)
		if res.Err != nil {
			fmt.Fprintf(w, ", Error: %v", res.Err)
		}
		fmt.Fprintln(w)
	}
	for i, res := range report.Links {
		l := plan.Links[i]
		fmt.Fprintf(w, "Link: %s:%s <-> %s:%s, Status: %s",
			plan.NodeName(l.A.NodeID), l.A.Interface, plan.NodeName(l.B.NodeID), l.B.Interface, res.Status)
		if res.Err != nil {
			fmt.Fprintf(w, ", Error: %v", res.Err)
		}
		fmt.Fprintln(w)
	}
}
