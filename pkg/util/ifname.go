package util

import (
	"regexp"

	"golang.org/x/sys/unix"
)

// MaxInterfaceNameLen is the kernel limit on interface names, without the NUL.
const MaxInterfaceNameLen = unix.IFNAMSIZ - 1

// no '/', ':' or whitespace; the kernel rejects them in dev_valid_name
var ifnameRe = regexp.MustCompile(`^[^/:\s]+$`)

func ValidInterfaceName(name string) bool {
	if name == "" || len(name) > MaxInterfaceNameLen {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	return ifnameRe.MatchString(name)
}

// TruncateInterfaceName cuts name down to the kernel limit.
func TruncateInterfaceName(name string) string {
	if len(name) > MaxInterfaceNameLen {
		return name[:MaxInterfaceNameLen]
	}
	return name
}
