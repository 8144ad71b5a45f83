package api

import (
	"fmt"

	"github.com/google/uuid"

	"neon/pkg/util"
)

type LinkState string

const (
	LinkDown  LinkState = "down"
	LinkUp    LinkState = "up"
	LinkError LinkState = "error"
)

// Endpoint is one side of a link: a node and the interface name as it must
// appear inside that node's namespace.
type Endpoint struct {
	NodeID    uuid.UUID
	Interface string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.NodeID, e.Interface)
}

// MaxDelayMs bounds netem latency; the kernel keeps it as a 32-bit tick count.
const MaxDelayMs = 60000

// Impairment is applied identically to both ends of a link.
// Bandwidth uses tc rate syntax ("1gbit", "100mbit").
type Impairment struct {
	Bandwidth   string  `yaml:"bandwidth"`
	DelayMs     int     `yaml:"delayMs"`
	LossPercent float64 `yaml:"lossPercent"`
}

func (i Impairment) HasRate() bool {
	return i.Bandwidth != ""
}

// HasNetem reports whether delay or loss was requested.
func (i Impairment) HasNetem() bool {
	return i.DelayMs > 0 || i.LossPercent > 0
}

func (i Impairment) Empty() bool {
	return !i.HasRate() && !i.HasNetem()
}

func (i Impairment) Validate() error {
	if i.HasRate() {
		if _, err := util.ParseRate(i.Bandwidth); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	}
	if i.DelayMs < 0 {
		return fmt.Errorf("%w: negative delay %dms", ErrInvalidSpec, i.DelayMs)
	}
	if i.DelayMs > MaxDelayMs {
		return fmt.Errorf("%w: delay %dms exceeds %dms", ErrInvalidSpec, i.DelayMs, MaxDelayMs)
	}
	if i.LossPercent < 0 || i.LossPercent > 100 {
		return fmt.Errorf("%w: loss %.2f%% out of range", ErrInvalidSpec, i.LossPercent)
	}
	return nil
}

type LinkSpec struct {
	ID         uuid.UUID
	Lab        LabContext
	A, B       Endpoint
	Impairment Impairment
}

func (s LinkSpec) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: link has no id", ErrInvalidSpec)
	}
	for _, ep := range []Endpoint{s.A, s.B} {
		if ep.NodeID == uuid.Nil {
			return fmt.Errorf("%w: link %s has an endpoint without node", ErrInvalidSpec, s.ID)
		}
		if !util.ValidInterfaceName(ep.Interface) {
			return fmt.Errorf("%w: invalid interface name %q", ErrInvalidSpec, ep.Interface)
		}
	}
	if s.A == s.B {
		return fmt.Errorf("%w: link %s connects %s to itself", ErrInvalidSpec, s.ID, s.A)
	}
	return s.Impairment.Validate()
}

// Link is the runtime view of a LinkSpec. HostVethA/B are the names the
// pair was created with in the host namespace; they are set only while up.
type Link struct {
	ID         uuid.UUID
	LabID      uuid.UUID
	A, B       Endpoint
	Impairment Impairment
	State      LinkState
	HostVethA  string
	HostVethB  string
}
