package engine

import (
	"strings"

	"crowdsense/internal/config"
)

// ExclusionSet holds device addresses that never count as visitors:
// the site's own access points, the capture sensors, staff devices.
type ExclusionSet struct {
	addrs map[string]struct{}
}

func BuildExclusions(cfg *config.Config) *ExclusionSet {
	if cfg == nil {
		return &ExclusionSet{}
	}
	return NewExclusionSet(cfg.Occupancy.Exclusions)
}

func NewExclusionSet(addrs []string) *ExclusionSet {
	set := &ExclusionSet{}
	if len(addrs) == 0 {
		return set
	}
	set.addrs = make(map[string]struct{}, len(addrs))
	for _, v := range addrs {
		addr := canonicalAddr(v)
		if addr == "" {
			continue
		}
		set.addrs[addr] = struct{}{}
	}
	return set
}

func (e *ExclusionSet) Contains(addr string) bool {
	if e == nil || e.addrs == nil {
		return false
	}
	_, ok := e.addrs[canonicalAddr(addr)]
	return ok
}

// canonicalAddr reduces an address to bare uppercase hex so "aa:bb:cc" and
// "AA-BB-CC" compare equal.
func canonicalAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}
