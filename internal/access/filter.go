package access

import (
	"fmt"
	"net/netip"
	"strings"
)

// Reason identifies why admission was denied.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonNoAddress means no client address could be resolved.
	ReasonNoAddress
	// ReasonNotAllowed means the resolved address matched no allow-list entry.
	ReasonNotAllowed
)

// String returns the log label for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNoAddress:
		return "no_address"
	case ReasonNotAllowed:
		return "not_allowed"
	default:
		return "none"
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	OK     bool
	Reason Reason
}

// Filter admits or rejects requests by resolved client address. Entries are
// parsed once at construction; the filter is read-only afterwards and safe
// for concurrent use.
//
// An empty allow-list admits everyone. With trustLoopback set, loopback
// sources are admitted regardless of the list; see config.AccessConfig for
// why that bypass exists.
type Filter struct {
	prefixes      []netip.Prefix
	trustLoopback bool
}

// NewFilter parses allow-list entries into prefixes. A plain address becomes
// an exact single-address prefix; matching is containment only, never textual,
// so "192.168.1.5" does not admit "192.168.1.50".
func NewFilter(entries []string, trustLoopback bool) (*Filter, error) {
	f := &Filter{trustLoopback: trustLoopback}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("allow-list entry %q: %w", entry, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", entry, err)
		}
		f.prefixes = append(f.prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return f, nil
}

// Enabled reports whether the filter has any entries to enforce.
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Admit decides whether a resolved client address may proceed.
func (f *Filter) Admit(addr string) Decision {
	if !f.Enabled() {
		return Decision{OK: true}
	}
	if f.trustLoopback && isLoopback(addr) {
		return Decision{OK: true}
	}
	if addr == UnknownAddr || addr == "" {
		return Decision{Reason: ReasonNoAddress}
	}

	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return Decision{Reason: ReasonNoAddress}
	}
	ip = ip.Unmap()

	for _, p := range f.prefixes {
		if p.Contains(ip) {
			return Decision{OK: true}
		}
	}
	return Decision{Reason: ReasonNotAllowed}
}
