package ipstack

import (
	"net"
	"sync"
)

// Table is the RWMutex-guarded forwarding table (spec §4.2). Resolve
// performs the longest-prefix-match loop the original prototype's
// proper_interface/longest_prefix pair implements iteratively: it
// repeatedly resolves NextHop{Ip} entries until it bottoms out on an
// interface or ToSelf.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route // keyed by Prefix.String()
}

func NewTable() *Table {
	return &Table{routes: make(map[string]Route)}
}

// Set installs or replaces a route.
func (t *Table) Set(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[r.Prefix.String()] = r
}

// Delete removes a route by prefix, reporting whether it existed.
func (t *Table) Delete(prefix *net.IPNet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := prefix.String()
	if _, ok := t.routes[key]; !ok {
		return false
	}
	delete(t.routes, key)
	return true
}

// Snapshot returns a copy of every installed route, for the `lr` listing
// and for RIP's periodic-update response builder.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}

// longestMatch returns the most specific route whose prefix contains ip,
// or false if none does.
func (t *Table) longestMatch(ip net.IP) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best Route
	var bestLen = -1
	found := false
	for _, r := range t.routes {
		if !r.Prefix.Contains(ip) {
			continue
		}
		ones, _ := r.Prefix.Mask.Size()
		if ones > bestLen {
			best = r
			bestLen = ones
			found = true
		}
	}
	return best, found
}

// Resolution is the outcome of walking NextHop{Ip} indirections: either a
// local interface to egress through paired with the immediate neighbor IP
// to hand that interface (for its own v_ip -> udp_port lookup), or self.
type Resolution struct {
	Self          bool
	InterfaceName string
	NeighborIP    net.IP
}

// Resolve walks NextHop{Ip} indirections until it bottoms out on an
// interface name or ToSelf, mirroring proper_interface's loop. The last IP
// visited before bottoming out on an interface is the immediate neighbor,
// which is what the interface's own neighbor table is keyed on. It returns
// ErrNoRoute if no route covers dst at any point in the chain, and
// ErrRoutingLoop if resolution exceeds a sane number of hops (a
// misconfigured table could otherwise spin forever).
func (t *Table) Resolve(dst net.IP) (Resolution, error) {
	const maxIndirections = 32
	cur := dst
	for i := 0; i < maxIndirections; i++ {
		route, ok := t.longestMatch(cur)
		if !ok {
			return Resolution{}, ErrNoRoute
		}
		if iface, ok := route.NextHop.IsInterface(); ok {
			return Resolution{InterfaceName: iface, NeighborIP: cur}, nil
		}
		if route.NextHop.IsSelf() {
			return Resolution{Self: true}, nil
		}
		ip, _ := route.NextHop.IsIP()
		cur = ip
	}
	return Resolution{}, ErrRoutingLoop
}
