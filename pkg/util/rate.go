package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type rateUnit struct {
	suffix string
	bits   float64 // bits per second for one unit
}

// tc(8) units. "bit" and a bare number are bits, "bps" is bytes.
// Longer suffixes come first so "kbit" is not read as "bit".
var rateUnits = []rateUnit{
	{"kibit", 1024}, {"mibit", 1024 * 1024}, {"gibit", 1024 * 1024 * 1024}, {"tibit", 1024 * 1024 * 1024 * 1024},
	{"kibps", 8 * 1024}, {"mibps", 8 * 1024 * 1024}, {"gibps", 8 * 1024 * 1024 * 1024}, {"tibps", 8 * 1024 * 1024 * 1024 * 1024},
	{"kbit", 1e3}, {"mbit", 1e6}, {"gbit", 1e9}, {"tbit", 1e12},
	{"kbps", 8e3}, {"mbps", 8e6}, {"gbps", 8e9}, {"tbps", 8e12},
	{"bit", 1}, {"bps", 8},
}

// ParseRate converts a tc rate string such as "1gbit" or "100mbit" into
// bytes per second, the unit netlink expects.
func ParseRate(s string) (uint64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty rate")
	}
	mult := 1.0
	for _, u := range rateUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSuffix(v, u.suffix)
			mult = u.bits
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	bytes := n * mult / 8
	if math.IsNaN(bytes) || math.IsInf(bytes, 0) || bytes >= math.MaxUint64 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	if bytes < 1 {
		return 0, fmt.Errorf("rate %q is below 8bit", s)
	}
	return uint64(bytes), nil
}
