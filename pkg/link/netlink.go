package link

import (
	"errors"
	"fmt"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NamespaceOps are the kernel operations the fabric is built from. Every
// namespace is addressed by the pid of a process living in it.
type NamespaceOps interface {
	AddVethPair(name, peer string) error
	MoveToNamespace(name string, pid int) error
	Rename(pid int, from, to string) error
	SetUp(pid int, name string) error
	AddQdisc(pid int, iface string, q netlink.Qdisc) error
	Delete(pid int, name string) error
	Interfaces(pid int) ([]string, error)
}

// netlinkOps talks rtnetlink directly instead of shelling out to ip/tc.
type netlinkOps struct{}

func nsPath(pid int) string {
	return fmt.Sprintf("/proc/%d/ns/net", pid)
}

// inNamespace runs fn on a thread switched into the namespace of pid.
func inNamespace(pid int, fn func() error) error {
	containerNs, err := ns.GetNS(nsPath(pid))
	if err != nil {
		return fmt.Errorf("failed to get namespace for pid %d: %v", pid, err)
	}
	defer containerNs.Close()

	return containerNs.Do(func(_ ns.NetNS) error {
		return fn()
	})
}

// withHandle gives fn a netlink handle bound to the namespace of pid,
// without switching the calling thread.
func withHandle(pid int, fn func(h *netlink.Handle) error) error {
	nsh, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("failed to get namespace for pid %d: %v", pid, err)
	}
	defer nsh.Close()

	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return fmt.Errorf("failed to open netlink handle for pid %d: %v", pid, err)
	}
	defer h.Close()
	return fn(h)
}

func (netlinkOps) AddVethPair(name, peer string) error {
	linkAttr := netlink.NewLinkAttrs()
	linkAttr.Name = name
	linkAttr.MTU = 1500

	return netlink.LinkAdd(&netlink.Veth{
		LinkAttrs: linkAttr,
		PeerName:  peer,
	})
}

func (netlinkOps) MoveToNamespace(name string, pid int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link by name: %v", err)
	}
	return netlink.LinkSetNsPid(link, pid)
}

func (netlinkOps) Rename(pid int, from, to string) error {
	return inNamespace(pid, func() error {
		link, err := netlink.LinkByName(from)
		if err != nil {
			return fmt.Errorf("failed to get link in container namespace: %v", err)
		}
		return netlink.LinkSetName(link, to)
	})
}

func (netlinkOps) SetUp(pid int, name string) error {
	return inNamespace(pid, func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("failed to get link in container namespace: %v", err)
		}
		return netlink.LinkSetUp(link)
	})
}

func (netlinkOps) AddQdisc(pid int, iface string, q netlink.Qdisc) error {
	return inNamespace(pid, func() error {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			return fmt.Errorf("failed to get link by name: %v", err)
		}
		q.Attrs().LinkIndex = link.Attrs().Index
		if err = netlink.QdiscAdd(q); err != nil {
			if errors.Is(err, unix.EEXIST) {
				return fmt.Errorf("%s qdisc %s already exists: %w", q.Type(), netlink.HandleStr(q.Attrs().Handle), err)
			}
			return err
		}
		return nil
	})
}

func (netlinkOps) Delete(pid int, name string) error {
	return withHandle(pid, func(h *netlink.Handle) error {
		link, err := h.LinkByName(name)
		if err != nil {
			return fmt.Errorf("failed to get link by name: %v", err)
		}
		return h.LinkDel(link)
	})
}

func (netlinkOps) Interfaces(pid int) ([]string, error) {
	var names []string
	err := withHandle(pid, func(h *netlink.Handle) error {
		links, err := h.LinkList()
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.Attrs().Name == "lo" {
				continue
			}
			names = append(names, l.Attrs().Name)
		}
		return nil
	})
	return names, err
}
