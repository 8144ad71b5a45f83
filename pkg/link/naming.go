package link

import (
	"fmt"
	"strings"

	"neon/pkg/util"
)

// HostVethName derives the host-side name of one veth end from the pid
// that owns the target namespace and the logical interface name it will be
// renamed to. No counter or lock is involved: two endpoints in different
// namespaces always get different pids.
//
// Known collisions, deliberately not papered over:
//   - the result is cut to 15 bytes, so with a long pid two logical names
//     that share a prefix ("eth10", "eth11" behind pid 1234567) collapse
//     into the same host name;
//   - a pid can be reused by a later container, so a stale veth left behind
//     by a dead namespace may still hold the name.
//
// Either case makes the veth creation fail with "file exists" and the link
// goes to error; nothing is silently renamed.
func HostVethName(pid int, iface string) string {
	return util.TruncateInterfaceName(fmt.Sprintf("veth%d_%s", pid, strings.ReplaceAll(iface, "/", "_")))
}
