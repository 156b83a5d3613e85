// Package config defines the typed link-configuration record that
// internal/node.Initialize consumes (spec §6) and a small JSON loader for
// it. The REPL and the link-configuration file format itself are external
// collaborators per spec §1; this package only needs to produce the typed
// record, the same division of labor as doublezerod's
// internal/routing.loadConfig (internal/routing/config.go), which also just
// opens a file, json.Decodes it, and validates.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// RoutingMode selects whether a node behaves as a host (static routes only)
// or a router (learns routes via RIP), per spec §1.
type RoutingMode string

const (
	RoutingStatic RoutingMode = "static"
	RoutingRIP    RoutingMode = "rip"
)

// InterfaceConfig describes one emulated link endpoint (spec §6).
type InterfaceConfig struct {
	Name           string `json:"name"`
	AssignedIP     string `json:"assigned_ip"`
	AssignedPrefix string `json:"assigned_prefix"` // CIDR, e.g. "10.0.0.0/24"
	UDPAddr        string `json:"udp_addr"`
	UDPPort        int    `json:"udp_port"`
}

// NeighborConfig binds a reachable peer IP to an interface and its UDP port.
type NeighborConfig struct {
	InterfaceName string `json:"interface_name"`
	DestAddr      string `json:"dest_addr"`
	UDPPort       int    `json:"udp_port"`
}

// StaticRouteConfig is one administratively configured route.
type StaticRouteConfig struct {
	Prefix  string `json:"prefix"` // CIDR
	NextHop string `json:"next_hop_ip"`
}

// Config is the full typed configuration record (spec §6).
type Config struct {
	RoutingMode  RoutingMode         `json:"routing_mode"`
	Interfaces   []InterfaceConfig   `json:"interfaces"`
	Neighbors    []NeighborConfig    `json:"neighbors"`
	StaticRoutes []StaticRouteConfig `json:"static_routes"`
	RIPNeighbors []string            `json:"rip_neighbors"`
}

// Load reads and validates a configuration file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that every address/prefix/mode field actually parses and
// that neighbor references point at declared interfaces. Static routes are
// only checked for parseable prefix and next-hop fields.
func (c *Config) Validate() error {
	switch c.RoutingMode {
	case RoutingStatic, RoutingRIP:
	default:
		return fmt.Errorf("invalid routing_mode %q", c.RoutingMode)
	}

	names := make(map[string]struct{}, len(c.Interfaces))
	for _, ifc := range c.Interfaces {
		if net.ParseIP(ifc.AssignedIP) == nil {
			return fmt.Errorf("interface %s: invalid assigned_ip %q", ifc.Name, ifc.AssignedIP)
		}
		if _, _, err := net.ParseCIDR(ifc.AssignedPrefix); err != nil {
			return fmt.Errorf("interface %s: invalid assigned_prefix %q: %w", ifc.Name, ifc.AssignedPrefix, err)
		}
		if ifc.UDPPort <= 0 {
			return fmt.Errorf("interface %s: invalid udp_port %d", ifc.Name, ifc.UDPPort)
		}
		names[ifc.Name] = struct{}{}
	}

	for _, n := range c.Neighbors {
		if _, ok := names[n.InterfaceName]; !ok {
			return fmt.Errorf("neighbor references unknown interface %q", n.InterfaceName)
		}
		if net.ParseIP(n.DestAddr) == nil {
			return fmt.Errorf("neighbor on %s: invalid dest_addr %q", n.InterfaceName, n.DestAddr)
		}
	}

	for _, r := range c.StaticRoutes {
		if _, _, err := net.ParseCIDR(r.Prefix); err != nil {
			return fmt.Errorf("static route: invalid prefix %q: %w", r.Prefix, err)
		}
		if net.ParseIP(r.NextHop) == nil {
			return fmt.Errorf("static route %s: invalid next_hop_ip %q", r.Prefix, r.NextHop)
		}
	}

	for _, ip := range c.RIPNeighbors {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid rip_neighbor %q", ip)
		}
	}

	return nil
}
