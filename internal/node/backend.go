// Package node wires one node's interfaces, forwarding engine, and
// protocol-specific control planes (RIP for routers, TCP for hosts) into a
// single runnable unit, and exposes the command surface spec §4.7 calls the
// Backend Facade.
//
// Grounded on the original prototype's ip_data_types.rs Node
// (li/ln/lr/up/down/send on one struct branching over an n_type enum),
// generalized per spec §9's redesign note into a Backend interface backed
// by *HostNode and *RouterNode, so the router-only RIP startup/periodic
// tasks never leak into the host's Run loop and vice versa.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/netlab-go/vnet/internal/iface"
	"github.com/netlab-go/vnet/internal/ipstack"
	"github.com/netlab-go/vnet/internal/ipwire"
)

// InterfaceInfo is one row of the `li` listing.
type InterfaceInfo struct {
	Name    string
	LocalIP net.IP
	Status  iface.Status
}

// RouteInfo is one row of the `lr` listing.
type RouteInfo = ipstack.Route

// Backend is the command surface spec §4.7 exposes to the shell, common to
// both host and router nodes.
type Backend interface {
	// Run blocks, driving every interface and (for routers) RIP, until ctx
	// is canceled.
	Run(ctx context.Context)

	Li() []InterfaceInfo
	Ln(name string) (map[string]int, error)
	Lr() []RouteInfo
	Up(name string) error
	Down(name string) error
	Send(dst net.IP, msg string) error
}

// base holds the state shared by HostNode and RouterNode: the interface
// table and the forwarding engine. Command methods are defined on it and
// promoted into both concrete types, satisfying Backend's common half.
type base struct {
	log        *slog.Logger
	engine     *ipstack.Engine
	interfaces map[string]*iface.Interface
	// primaryIP is used as the source address of locally-originated test
	// packets (spec §4.7's `send`): the lowest-named interface's address,
	// since spec.md does not otherwise pin a node-wide identity distinct
	// from its interfaces.
	primaryIP net.IP
}

func newBase(log *slog.Logger, engine *ipstack.Engine, interfaces map[string]*iface.Interface) base {
	b := base{log: log, engine: engine, interfaces: interfaces}
	names := make([]string, 0, len(interfaces))
	for name := range interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.primaryIP = interfaces[names[0]].LocalIP
	}
	return b
}

// runInterfaces starts every interface's Run loop and blocks until ctx is
// canceled (spec §5: "one per Interface for ether-listen ... and one for
// command consumption").
func (b *base) runInterfaces(ctx context.Context) {
	done := make(chan struct{})
	remaining := len(b.interfaces)
	if remaining == 0 {
		<-ctx.Done()
		return
	}
	for _, ifc := range b.interfaces {
		go func(ifc *iface.Interface) {
			ifc.Run(ctx)
			done <- struct{}{}
		}(ifc)
	}
	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (b *base) Li() []InterfaceInfo {
	names := make([]string, 0, len(b.interfaces))
	for name := range b.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]InterfaceInfo, 0, len(names))
	for _, name := range names {
		ifc := b.interfaces[name]
		out = append(out, InterfaceInfo{Name: name, LocalIP: ifc.LocalIP, Status: ifc.Status()})
	}
	return out
}

func (b *base) Ln(name string) (map[string]int, error) {
	ifc, ok := b.interfaces[name]
	if !ok {
		return nil, fmt.Errorf("node: unknown interface %q", name)
	}
	return ifc.Neighbors(), nil
}

func (b *base) Lr() []RouteInfo {
	return b.engine.Table().Snapshot()
}

func (b *base) Up(name string) error {
	ifc, ok := b.interfaces[name]
	if !ok {
		return fmt.Errorf("node: unknown interface %q", name)
	}
	ifc.SetStatus(iface.Up)
	return nil
}

func (b *base) Down(name string) error {
	ifc, ok := b.interfaces[name]
	if !ok {
		return fmt.Errorf("node: unknown interface %q", name)
	}
	ifc.SetStatus(iface.Down)
	return nil
}

// Send originates a protocol-0 test packet carrying msg as its payload
// (spec §4.7: "send <ip> <msg>").
func (b *base) Send(dst net.IP, msg string) error {
	src := b.primaryIP
	return b.engine.Originate(src, dst, ipwire.ProtoTest, []byte(msg))
}
