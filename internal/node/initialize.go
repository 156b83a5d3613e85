package node

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-go/vnet/internal/config"
	"github.com/netlab-go/vnet/internal/iface"
	"github.com/netlab-go/vnet/internal/ipstack"
	"github.com/netlab-go/vnet/internal/ipwire"
	"github.com/netlab-go/vnet/internal/rip"
	"github.com/netlab-go/vnet/internal/tcp"
)

// Initialize builds one node's interfaces, forwarding table, and
// protocol-specific control plane from cfg, and returns it as a Backend
// (spec §1: routing_mode selects host vs. router; spec §3: every interface
// installs a local prefix route and a self route for its own address).
//
// Grounded on the original prototype's config.rs `initialize()`, which
// panics on a malformed routing mode rather than returning an error — this
// port keeps that posture for configuration-time failures (spec.md's Error
// Handling Design: unrecoverable startup errors are fatal), but returns an
// error instead of panicking so cmd/vhost and cmd/vrouter can log and exit
// cleanly.
func Initialize(cfg *config.Config, clock clockwork.Clock, log *slog.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: initialize: %w", err)
	}

	table := ipstack.NewTable()
	engine := ipstack.NewEngine(table, log)
	interfaces := make(map[string]*iface.Interface, len(cfg.Interfaces))

	for _, ifcCfg := range cfg.Interfaces {
		localIP := net.ParseIP(ifcCfg.AssignedIP)
		_, localNet, err := net.ParseCIDR(ifcCfg.AssignedPrefix)
		if err != nil {
			return nil, fmt.Errorf("node: initialize: interface %s: %w", ifcCfg.Name, err)
		}

		neighbors := make(map[string]int)
		for _, n := range cfg.Neighbors {
			if n.InterfaceName != ifcCfg.Name {
				continue
			}
			neighbors[n.DestAddr] = n.UDPPort
		}

		ifc, err := iface.New(iface.Config{
			Name:      ifcCfg.Name,
			LocalIP:   localIP,
			LocalNet:  localNet,
			BindAddr:  ifcCfg.UDPAddr,
			BindPort:  ifcCfg.UDPPort,
			Neighbors: neighbors,
		}, engine, log)
		if err != nil {
			return nil, fmt.Errorf("node: initialize: %w", err)
		}

		interfaces[ifcCfg.Name] = ifc
		engine.RegisterInterface(ifcCfg.Name, ifc)

		table.Set(ipstack.Route{
			Prefix:  localNet,
			Type:    ipstack.RouteLocal,
			NextHop: ipstack.NextHopInterface(ifcCfg.Name),
		})
		table.Set(ipstack.Route{
			Prefix:  hostRoute(localIP),
			Type:    ipstack.RouteToSelf,
			NextHop: ipstack.NextHopSelf(),
		})
	}

	for _, sr := range cfg.StaticRoutes {
		_, prefix, err := net.ParseCIDR(sr.Prefix)
		if err != nil {
			return nil, fmt.Errorf("node: initialize: static route %s: %w", sr.Prefix, err)
		}
		table.Set(ipstack.Route{
			Prefix:  prefix,
			Type:    ipstack.RouteStatic,
			NextHop: ipstack.NextHopIP(net.ParseIP(sr.NextHop)),
		})
	}

	b := newBase(log, engine, interfaces)

	switch cfg.RoutingMode {
	case config.RoutingStatic:
		sockets := tcp.NewManager(b.primaryIP, engine, clock, log)
		engine.RegisterHandler(ipwire.ProtoTCP, sockets.Deliver)
		return &HostNode{base: b, sockets: sockets}, nil

	case config.RoutingRIP:
		ripNeighbors := make([]net.IP, 0, len(cfg.RIPNeighbors))
		for _, ip := range cfg.RIPNeighbors {
			ripNeighbors = append(ripNeighbors, net.ParseIP(ip))
		}
		controller := rip.New(engine, table, b.primaryIP, ripNeighbors, clock, log)
		engine.RegisterHandler(ipwire.ProtoRIP, controller.HandleRIPPacket)
		return &RouterNode{base: b, rip: controller}, nil

	default:
		return nil, fmt.Errorf("node: initialize: invalid routing mode %q", cfg.RoutingMode)
	}
}

// hostRoute returns the /32 prefix for a single IPv4 address.
func hostRoute(ip net.IP) *net.IPNet {
	ip4 := ip.To4()
	return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
}
