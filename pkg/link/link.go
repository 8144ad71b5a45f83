package link

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"neon/api"
)

// PidResolver maps a container handle to a pid inside its network namespace.
type PidResolver interface {
	Pid(ctx context.Context, handle string) (int, error)
}

// Endpoint is one end of a veth link: the container it lives in and the
// name it must carry inside that container.
type Endpoint struct {
	Handle    string
	Interface string
}

// Allocation records the host-side names a veth pair was created with.
type Allocation struct {
	HostA string
	HostB string
}

// LinkManager wires point-to-point veth links between container namespaces.
// It holds no state of its own; none of its steps are transactional.
type LinkManager struct {
	pids PidResolver
	ops  NamespaceOps
}

func NewLinkManager(pids PidResolver) *LinkManager {
	return newLinkManager(pids, netlinkOps{})
}

func newLinkManager(pids PidResolver, ops NamespaceOps) *LinkManager {
	return &LinkManager{
		pids: pids,
		ops:  ops,
	}
}

type step struct {
	name string
	do   func() error
}

// CreateVethLink creates a veth pair, moves one end into each namespace,
// renames both ends to the requested names, brings them up and applies the
// impairment on both. The first failing step aborts the rest and the error
// wraps api.ErrLinkOperation; whatever was already created stays behind.
// Deleting either end later removes the pair.
func (lm *LinkManager) CreateVethLink(ctx context.Context, a, b Endpoint, imp api.Impairment) (Allocation, error) {
	logger := log.WithFields(log.Fields{
		"a": shortHandle(a.Handle) + ":" + a.Interface,
		"b": shortHandle(b.Handle) + ":" + b.Interface,
	})

	pidA, err := lm.pids.Pid(ctx, a.Handle)
	if err != nil {
		return Allocation{}, lm.fail(logger, "resolve namespace of "+a.Interface, err)
	}
	pidB, err := lm.pids.Pid(ctx, b.Handle)
	if err != nil {
		return Allocation{}, lm.fail(logger, "resolve namespace of "+b.Interface, err)
	}

	alloc := Allocation{
		HostA: HostVethName(pidA, a.Interface),
		HostB: HostVethName(pidB, b.Interface),
	}
	if alloc.HostA == alloc.HostB {
		return Allocation{}, lm.fail(logger, "allocate names", fmt.Errorf("both ends map to %s", alloc.HostA))
	}
	logger.WithFields(log.Fields{"vethA": alloc.HostA, "vethB": alloc.HostB}).Info("creating veth pair")

	steps := []step{
		{"create veth pair", func() error { return lm.ops.AddVethPair(alloc.HostA, alloc.HostB) }},
		{"move " + alloc.HostA + " into namespace", func() error { return lm.ops.MoveToNamespace(alloc.HostA, pidA) }},
		{"move " + alloc.HostB + " into namespace", func() error { return lm.ops.MoveToNamespace(alloc.HostB, pidB) }},
		{"rename " + alloc.HostA + " to " + a.Interface, func() error { return lm.ops.Rename(pidA, alloc.HostA, a.Interface) }},
		{"set " + a.Interface + " up", func() error { return lm.ops.SetUp(pidA, a.Interface) }},
		{"rename " + alloc.HostB + " to " + b.Interface, func() error { return lm.ops.Rename(pidB, alloc.HostB, b.Interface) }},
		{"set " + b.Interface + " up", func() error { return lm.ops.SetUp(pidB, b.Interface) }},
	}
	if !imp.Empty() {
		steps = append(steps,
			step{"impair " + a.Interface, func() error { return lm.ApplyImpairment(pidA, a.Interface, imp) }},
			step{"impair " + b.Interface, func() error { return lm.ApplyImpairment(pidB, b.Interface, imp) }},
		)
	}

	for _, s := range steps {
		if err := s.do(); err != nil {
			return Allocation{}, lm.fail(logger, s.name, err)
		}
	}

	logger.Info("link created")
	return alloc, nil
}

// DeleteLink removes the interface of endpoint a. The kernel removes the
// peer in the other namespace along with it.
func (lm *LinkManager) DeleteLink(ctx context.Context, a Endpoint) error {
	logger := log.WithField("a", shortHandle(a.Handle)+":"+a.Interface)

	pid, err := lm.pids.Pid(ctx, a.Handle)
	if err != nil {
		return lm.fail(logger, "resolve namespace of "+a.Interface, err)
	}
	if err = lm.ops.Delete(pid, a.Interface); err != nil {
		return lm.fail(logger, "delete "+a.Interface, err)
	}

	logger.Info("link deleted")
	return nil
}

// ListInterfaces lists the interfaces in a container's namespace, without lo.
func (lm *LinkManager) ListInterfaces(ctx context.Context, handle string) ([]string, error) {
	pid, err := lm.pids.Pid(ctx, handle)
	if err != nil {
		return nil, err
	}
	return lm.ops.Interfaces(pid)
}

func (lm *LinkManager) fail(logger *log.Entry, step string, err error) error {
	logger.WithField("step", step).WithError(err).Error("link operation failed")
	return fmt.Errorf("%w: %s: %v", api.ErrLinkOperation, step, err)
}

func shortHandle(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
