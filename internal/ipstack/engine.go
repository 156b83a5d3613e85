package ipstack

import (
	"log/slog"
	"net"
	"sync"

	"github.com/netlab-go/vnet/internal/ipwire"
	"github.com/netlab-go/vnet/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsForwarded = metrics.Factory.NewCounter(prometheus.CounterOpts{
		Name: "vnet_ip_packets_forwarded_total",
		Help: "Packets forwarded on toward a next hop.",
	})
	packetsDelivered = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_ip_packets_delivered_total",
		Help: "Packets delivered locally, by protocol number.",
	}, []string{"protocol"})
	packetsDroppedEngine = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_ip_packets_dropped_total",
		Help: "Packets dropped by the forwarding engine, by reason.",
	}, []string{"reason"})
)

// Sender is the subset of *iface.Interface the engine needs to transmit a
// resolved packet. Kept narrow so ipstack never imports iface's Config/Run
// surface, only the one verb it actually calls.
type Sender interface {
	Send(wire []byte, nextHopIP net.IP)
}

// Handler processes a packet whose destination resolved to this node,
// keyed by IP protocol number (spec §4.2: 0 test, 6 TCP, 200 RIP).
type Handler func(src, dst net.IP, payload []byte)

// Engine is the per-node IP forwarding engine (spec §4.2).
type Engine struct {
	log   *slog.Logger
	table *Table

	mu         sync.RWMutex
	interfaces map[string]Sender
	handlers   map[uint8]Handler
}

func NewEngine(table *Table, log *slog.Logger) *Engine {
	return &Engine{
		log:        log,
		table:      table,
		interfaces: make(map[string]Sender),
		handlers:   make(map[uint8]Handler),
	}
}

// RegisterInterface lets the engine send outbound traffic through name.
func (e *Engine) RegisterInterface(name string, sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interfaces[name] = sender
}

// RegisterHandler installs the local delivery handler for an IP protocol
// number. Re-registering a protocol replaces the previous handler.
func (e *Engine) RegisterHandler(protocol uint8, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[protocol] = h
}

// Table exposes the underlying forwarding table for route installation by
// internal/rip and internal/node (static routes, local interface routes).
func (e *Engine) Table() *Table { return e.table }

// Deliver implements iface.Sink: it is called by an Interface's ether
// listener for every inbound datagram. It parses the IPv4 header,
// validates TTL and checksum, and either delivers locally or forwards.
func (e *Engine) Deliver(ifaceName string, wire []byte) {
	pkt, err := ipwire.Parse(wire)
	if err != nil {
		e.log.Debug("dropping malformed packet", "interface", ifaceName, "error", err)
		packetsDroppedEngine.WithLabelValues("parse_error").Inc()
		return
	}
	e.route(pkt.Header, pkt.Payload)
}

// Originate sends a packet created locally (spec §4.2's "send" path used
// by TCP output and RIP), with a fresh TTL, through the forwarding engine.
// Unlike route(), it never decrements TTL: that happens only at routers
// that relay a packet they did not originate (ground-truth
// vnode_traits.rs keeps send() free of update_pack, which forward_packet()
// alone calls).
func (e *Engine) Originate(src, dst net.IP, protocol uint8, payload []byte) error {
	header := ipwire.Header{Src: src, Dst: dst, TTL: ipwire.DefaultTTL, Protocol: protocol}
	resolution, sender, ok := e.resolveNextHop(header, payload)
	if !ok {
		return nil
	}
	wire, err := ipwire.Build(header, payload)
	if err != nil {
		e.log.Debug("failed to build originated packet", "error", err)
		packetsDroppedEngine.WithLabelValues("reseal_error").Inc()
		return nil
	}
	packetsForwarded.Inc()
	sender.Send(wire, resolution.NeighborIP)
	return nil
}

// route handles a packet that arrived off the wire (spec §4.2): it is
// decremented and resealed before being relayed to the next hop.
func (e *Engine) route(header ipwire.Header, payload []byte) {
	resolution, sender, ok := e.resolveNextHop(header, payload)
	if !ok {
		return
	}

	if header.TTL == 0 {
		packetsDroppedEngine.WithLabelValues("ttl_expired").Inc()
		return
	}

	newHeader, wire, err := ipwire.DecrementAndReseal(header, payload)
	if err != nil {
		e.log.Debug("failed to reseal packet", "error", err)
		packetsDroppedEngine.WithLabelValues("reseal_error").Inc()
		return
	}
	if newHeader.TTL == 0 {
		packetsDroppedEngine.WithLabelValues("ttl_expired").Inc()
		return
	}

	packetsForwarded.Inc()
	sender.Send(wire, resolution.NeighborIP)
}

// resolveNextHop performs the routing lookup shared by route and Originate,
// delivering locally and reporting ok=false when there is nothing left for
// the caller to transmit.
func (e *Engine) resolveNextHop(header ipwire.Header, payload []byte) (Resolution, Sender, bool) {
	resolution, err := e.table.Resolve(header.Dst)
	if err != nil {
		e.log.Debug("no route to destination", "dst", header.Dst, "error", err)
		packetsDroppedEngine.WithLabelValues("no_route").Inc()
		return Resolution{}, nil, false
	}

	if resolution.Self {
		e.deliverLocal(header, payload)
		return Resolution{}, nil, false
	}

	e.mu.RLock()
	sender, ok := e.interfaces[resolution.InterfaceName]
	e.mu.RUnlock()
	if !ok {
		e.log.Warn("route points at unknown interface", "interface", resolution.InterfaceName)
		packetsDroppedEngine.WithLabelValues("unknown_interface").Inc()
		return Resolution{}, nil, false
	}

	return resolution, sender, true
}

func (e *Engine) deliverLocal(header ipwire.Header, payload []byte) {
	e.mu.RLock()
	h, ok := e.handlers[header.Protocol]
	e.mu.RUnlock()
	if !ok {
		e.log.Debug("no handler for protocol, dropping", "protocol", header.Protocol)
		packetsDroppedEngine.WithLabelValues("no_handler").Inc()
		return
	}
	packetsDelivered.WithLabelValues(protocolLabel(header.Protocol)).Inc()
	h(header.Src, header.Dst, payload)
}

func protocolLabel(p uint8) string {
	switch p {
	case ipwire.ProtoTest:
		return "test"
	case ipwire.ProtoTCP:
		return "tcp"
	case ipwire.ProtoRIP:
		return "rip"
	default:
		return "unknown"
	}
}
