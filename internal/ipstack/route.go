// Package ipstack implements the IP forwarding engine (spec §4.2): a
// forwarding table keyed by destination prefix and an Engine that demuxes
// inbound datagrams to protocol handlers or forwards them on toward their
// next hop.
//
// Route and NextHop are grounded on the original_source Node.forward_packet
// / proper_interface / longest_prefix design, generalized from doublezero's
// internal/routing.Route shape (Dst/NextHop/Protocol fields, value receiver
// String()).
package ipstack

import (
	"fmt"
	"net"
)

// RouteType distinguishes how a Route entered the forwarding table.
type RouteType int

const (
	RouteLocal RouteType = iota
	RouteStatic
	RouteRip
	RouteToSelf
)

func (t RouteType) String() string {
	switch t {
	case RouteLocal:
		return "L"
	case RouteStatic:
		return "S"
	case RouteRip:
		return "R"
	case RouteToSelf:
		return "self"
	default:
		return "?"
	}
}

// NextHop is the sum type spec §3 calls ForwardingOption: either another
// node reachable through a named local interface, an IP address to
// recurse the lookup on, or "this is us".
type NextHop struct {
	kind      nextHopKind
	interfaceName string
	ip        net.IP
}

type nextHopKind int

const (
	nextHopInter nextHopKind = iota
	nextHopIP
	nextHopToSelf
)

func NextHopInterface(name string) NextHop { return NextHop{kind: nextHopInter, interfaceName: name} }
func NextHopIP(ip net.IP) NextHop          { return NextHop{kind: nextHopIP, ip: ip} }
func NextHopSelf() NextHop                 { return NextHop{kind: nextHopToSelf} }

func (n NextHop) IsInterface() (string, bool) {
	if n.kind == nextHopInter {
		return n.interfaceName, true
	}
	return "", false
}

func (n NextHop) IsIP() (net.IP, bool) {
	if n.kind == nextHopIP {
		return n.ip, true
	}
	return nil, false
}

func (n NextHop) IsSelf() bool { return n.kind == nextHopToSelf }

// Equal reports whether two NextHops name the same forwarding action.
// Implemented so go-cmp (which refuses to descend into unexported fields
// without it) can diff Routes directly in tests.
func (n NextHop) Equal(other NextHop) bool {
	if n.kind != other.kind {
		return false
	}
	switch n.kind {
	case nextHopInter:
		return n.interfaceName == other.interfaceName
	case nextHopIP:
		return n.ip.Equal(other.ip)
	default:
		return true
	}
}

func (n NextHop) String() string {
	switch n.kind {
	case nextHopInter:
		return n.interfaceName
	case nextHopIP:
		return n.ip.String()
	case nextHopToSelf:
		return "self"
	default:
		return "?"
	}
}

// Route is one forwarding table entry (spec §3).
type Route struct {
	Prefix  *net.IPNet
	Type    RouteType
	NextHop NextHop
	Cost    uint32 // only meaningful for RouteRip entries
}

func (r Route) String() string {
	return fmt.Sprintf("%s type=%s next_hop=%s cost=%d", r.Prefix, r.Type, r.NextHop, r.Cost)
}
