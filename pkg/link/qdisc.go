package link

import (
	"fmt"
	"math"
	"time"

	"github.com/vishvananda/netlink"

	"neon/api"
	"neon/pkg/util"
)

// tc qdisc add dev eth1 root handle 1: tbf rate 1gbit burst 32kbit latency 50ms
// tc qdisc add dev eth1 parent 1: handle 10: netem delay 20ms loss 1%
//
// A device has exactly one root qdisc. When both rate and netem are
// requested, netem hangs below the tbf through its handle; adding it as a
// second root fails with EEXIST.
const (
	tbfBurst   = 4096 // bytes, 32kbit; the kernel wants it as a transmit time
	tbfLatency = 50 * time.Millisecond
	netemLimit = 300000
)

var (
	rootHandle  = netlink.MakeHandle(1, 0)
	netemHandle = netlink.MakeHandle(10, 0)
)

// impairmentQdiscs returns the qdiscs to install, in order. LinkIndex is
// left zero; it is filled in once the device is resolved in its namespace.
func impairmentQdiscs(imp api.Impairment) ([]netlink.Qdisc, error) {
	if err := imp.Validate(); err != nil {
		return nil, err
	}
	var qdiscs []netlink.Qdisc
	var parent uint32 = netlink.HANDLE_ROOT
	handle := rootHandle

	// 1. bw control at the root
	if imp.HasRate() {
		rate, err := util.ParseRate(imp.Bandwidth)
		if err != nil {
			return nil, err
		}
		qdiscs = append(qdiscs, &netlink.Tbf{
			QdiscAttrs: netlink.QdiscAttrs{
				Handle: rootHandle,
				Parent: netlink.HANDLE_ROOT,
			},
			Rate:   rate,
			Buffer: netlink.Xmittime(rate, tbfBurst),
			Limit:  tbfLimit(rate),
		})
		parent = rootHandle
		handle = netemHandle
	}

	// 2. delay and loss in a single netem, under the tbf if there is one
	if imp.HasNetem() {
		qdiscs = append(qdiscs, netlink.NewNetem(netlink.QdiscAttrs{
			Handle: handle,
			Parent: parent,
		}, netlink.NetemQdiscAttrs{
			Latency: uint32(imp.DelayMs) * 1000, // us
			Loss:    float32(imp.LossPercent),
			Limit:   netemLimit,
		}))
	}
	return qdiscs, nil
}

// tbfLimit turns the latency bound into the byte limit tc would compute:
// rate*latency + burst.
func tbfLimit(rate uint64) uint32 {
	limit := float64(rate)*tbfLatency.Seconds() + tbfBurst
	if limit > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(limit)
}

// ApplyImpairment installs the impairment on one device inside the
// namespace of pid.
func (lm *LinkManager) ApplyImpairment(pid int, iface string, imp api.Impairment) error {
	qdiscs, err := impairmentQdiscs(imp)
	if err != nil {
		return err
	}
	for _, q := range qdiscs {
		if err = lm.ops.AddQdisc(pid, iface, q); err != nil {
			return fmt.Errorf("failed to add %s qdisc to %s: %v", q.Type(), iface, err)
		}
	}
	return nil
}
