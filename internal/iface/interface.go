// Package iface implements the link layer (spec §4.1): a UDP socket bound
// to 127.0.0.1:<port> standing in for one physical interface, with a
// command consumer (Send/ToggleStatus) and an ether listener goroutine per
// interface, exactly the two-activities split spec.md calls for.
//
// Its Transport-shaped Send/Close surface is grounded on the teacher's
// internal/transport.Transport interface, adapted from a multicast group
// to a table of named, explicitly configured neighbors. There is no
// Receive method: inbound packets are pushed to the configured sink.
package iface

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/netlab-go/vnet/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the administrative state of an Interface (spec §3).
type Status int32

const (
	Down Status = iota
	Up
)

func (s Status) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

var (
	packetsSent = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_interface_packets_sent_total",
		Help: "Packets transmitted by an interface.",
	}, []string{"interface"})
	packetsDropped = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_interface_packets_dropped_total",
		Help: "Packets dropped at the link layer, by reason.",
	}, []string{"interface", "reason"})
	packetsReceived = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_interface_packets_received_total",
		Help: "Packets received by an interface's ether listener.",
	}, []string{"interface"})
	adminStatus = metrics.Factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vnet_interface_up",
		Help: "1 if the interface is administratively up, 0 if down.",
	}, []string{"interface"})
)

// Sink receives packets handed up from the link layer (spec §4.1: "hands it
// to the IP engine via a per-interface inbound channel"). It is implemented
// by internal/ipstack.Engine; iface never imports ipstack, avoiding the
// cyclic Interface/InterfaceRep ownership spec §9 calls out — the engine
// only ever holds a *Interface to send through, and an Interface only ever
// holds a Sink to deliver into.
type Sink interface {
	Deliver(ifaceName string, wire []byte)
}

// Config describes one interface's identity (spec §3).
type Config struct {
	Name       string
	LocalIP    net.IP   // v_ip
	LocalNet   *net.IPNet // v_net
	BindAddr   string   // e.g. "127.0.0.1"
	BindPort   int
	Neighbors  map[string]int // v_ip.String() -> udp_port
}

// Interface is one emulated link endpoint.
type Interface struct {
	Name    string
	LocalIP net.IP
	LocalNet *net.IPNet

	log    *slog.Logger
	sink   Sink
	status atomic.Int32

	mu        sync.RWMutex
	neighbors map[string]int

	conn *net.UDPConn

	cmds chan command
	wg   sync.WaitGroup
}

type command struct {
	kind      cmdKind
	payload   []byte
	nextHopIP net.IP
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdToggle
)

// New binds the interface's UDP socket. A bind failure is fatal per spec
// §4.1 and is returned directly so the caller (internal/node.Initialize)
// can abort startup.
func New(cfg Config, sink Sink, log *slog.Logger) (*Interface, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddr), Port: cfg.BindPort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("iface %s: bind %s:%d: %w", cfg.Name, cfg.BindAddr, cfg.BindPort, err)
	}

	neighbors := make(map[string]int, len(cfg.Neighbors))
	for ip, port := range cfg.Neighbors {
		neighbors[ip] = port
	}

	ifc := &Interface{
		Name:      cfg.Name,
		LocalIP:   cfg.LocalIP,
		LocalNet:  cfg.LocalNet,
		log:       log.With("interface", cfg.Name),
		sink:      sink,
		neighbors: neighbors,
		conn:      conn,
		cmds:      make(chan command, 64),
	}
	ifc.status.Store(int32(Up))
	adminStatus.WithLabelValues(cfg.Name).Set(1)
	return ifc, nil
}

// Run starts the command consumer and ether listener and blocks until ctx
// is canceled or the socket is closed.
func (i *Interface) Run(ctx context.Context) {
	i.wg.Add(2)
	go i.runCommandConsumer(ctx)
	go i.runEtherListener(ctx)
	i.wg.Wait()
}

// Close releases the underlying UDP socket and stops both goroutines.
func (i *Interface) Close() error {
	close(i.cmds)
	return i.conn.Close()
}

// Status returns the current administrative state.
func (i *Interface) Status() Status {
	return Status(i.status.Load())
}

// SetStatus toggles the interface up or down (spec §4.1).
func (i *Interface) SetStatus(s Status) {
	i.status.Store(int32(s))
	if s == Up {
		adminStatus.WithLabelValues(i.Name).Set(1)
	} else {
		adminStatus.WithLabelValues(i.Name).Set(0)
	}
}

// Neighbors returns a snapshot of the v_ip -> udp_port table (for `ln`).
func (i *Interface) Neighbors() map[string]int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]int, len(i.neighbors))
	for k, v := range i.neighbors {
		out[k] = v
	}
	return out
}

// Send enqueues a packet for transmission to nextHopIP. A no-op (with a
// dropped-packet log) if the interface is down; dropped (with a log) if
// nextHopIP is not a configured neighbor.
func (i *Interface) Send(wire []byte, nextHopIP net.IP) {
	select {
	case i.cmds <- command{kind: cmdSend, payload: wire, nextHopIP: nextHopIP}:
	default:
		i.log.Warn("command queue full, dropping packet", "next_hop", nextHopIP)
		packetsDropped.WithLabelValues(i.Name, "queue_full").Inc()
	}
}

func (i *Interface) runCommandConsumer(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-i.cmds:
			if !ok {
				return
			}
			i.handleCommand(cmd)
		}
	}
}

func (i *Interface) handleCommand(cmd command) {
	if i.Status() == Down {
		i.log.Debug("interface down, dropping outbound packet")
		packetsDropped.WithLabelValues(i.Name, "admin_down").Inc()
		return
	}

	i.mu.RLock()
	port, ok := i.neighbors[cmd.nextHopIP.String()]
	i.mu.RUnlock()
	if !ok {
		i.log.Warn("no neighbor for next hop, dropping packet", "next_hop", cmd.nextHopIP)
		packetsDropped.WithLabelValues(i.Name, "no_neighbor").Inc()
		return
	}

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	if _, err := i.conn.WriteToUDP(cmd.payload, dst); err != nil {
		i.log.Warn("udp write failed", "error", err)
		packetsDropped.WithLabelValues(i.Name, "udp_error").Inc()
		return
	}
	packetsSent.WithLabelValues(i.Name).Inc()
}

func (i *Interface) runEtherListener(ctx context.Context) {
	defer i.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.log.Debug("udp read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		if i.Status() == Down {
			continue // down interfaces drop inbound packets silently, spec §4.1
		}

		wire := make([]byte, n)
		copy(wire, buf[:n])
		packetsReceived.WithLabelValues(i.Name).Inc()
		i.sink.Deliver(i.Name, wire)
	}
}
