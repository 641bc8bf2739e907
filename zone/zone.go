// Package zone implements IPv4 zone rules and the controller that keeps a
// proxy controller's selector groups in sync with the zone the monitored
// interface is currently in.
package zone

import "net/netip"

// Rule maps an IPv4 address range to the proxy targets to activate when the
// monitored interface enters or leaves the range.
type Rule struct {
	// IPMin is the inclusive lower bound of the range.
	IPMin netip.Addr

	// IPMax is the exclusive upper bound of the range.
	IPMax netip.Addr

	// EnterTarget is activated when an interface address enters the range.
	EnterTarget string

	// ExitTarget is activated when the interface leaves the range.
	ExitTarget string
}

// Contains reports whether the half-open range [IPMin, IPMax) contains addr.
func (r *Rule) Contains(addr netip.Addr) bool {
	return r.IPMin.Compare(addr) <= 0 && addr.Compare(r.IPMax) < 0
}

// Site is an independent ordered rule set driving one proxy selector group.
type Site struct {
	// Selector is the name of the selector group the site controls.
	Selector string

	// Rules are scanned in declaration order; the first rule whose range
	// contains an address governs. Ranges are not required to be disjoint.
	Rules []Rule
}

// Match returns the first rule in declaration order whose range contains addr,
// or false if no rule matches.
func Match(rules []Rule, addr netip.Addr) (*Rule, bool) {
	for i := range rules {
		if rules[i].Contains(addr) {
			return &rules[i], true
		}
	}
	return nil, false
}
