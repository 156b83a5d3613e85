package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-go/vnet/internal/metrics"
	"github.com/netlab-go/vnet/internal/tcpwire"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	socketsOpen = metrics.Factory.NewGauge(prometheus.GaugeOpts{
		Name: "vnet_tcp_sockets_open",
		Help: "Connection and listener sockets currently in the socket table.",
	})
	segmentsDropped = metrics.Factory.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_tcp_segments_dropped_total",
		Help: "Inbound TCP segments dropped by the socket manager, by reason.",
	}, []string{"reason"})
)

// SocketId identifies an entry in the Manager's socket table (spec §4.6).
type SocketId uint64

var (
	ErrUnknownSocket  = errors.New("tcp: unknown socket id")
	ErrNotAListener   = errors.New("tcp: socket is not a listener")
	ErrPortInUse      = errors.New("tcp: port already listening")
	ErrListenerClosed = errors.New("tcp: listener closed")
)

// listener is a listener-table entry (spec §4.6): a bound port with a queue
// of spawned SynRecvd connections waiting to be handed out by Accept.
type listener struct {
	mu      sync.Mutex
	cond    *sync.Cond
	port    uint16
	pending []*Conn
	closed  bool
}

func newListener(port uint16) *listener {
	l := &listener{port: port}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *listener) enqueue(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.pending = append(l.pending, c)
	l.cond.Signal()
}

// accept blocks until a connection is queued or the listener closes.
func (l *listener) accept() (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.pending) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.pending) == 0 {
		return nil, ErrListenerClosed
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

func (l *listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

// socketEntry is one row of the socket table: exactly one of conn/listener
// is set (spec §4.6's Connection/Listener SocketEntry variants).
type socketEntry struct {
	conn     *Conn
	listener *listener
}

// Manager is the Socket Manager (spec §4.6): the socket table keyed by
// SocketId, the listener table keyed by port, and the inbound TCP demux
// registered with the IP engine as a Handler.
//
// Grounded on tcp-imp/library/src/socket_manager.rs's SocketManager, adapted
// from message-passing actors (backend_recver/ip_recver channels, one
// thread per connection) to a mutex-guarded table plus one goroutine per
// Connection's retransmission timer (Conn.Run), matching how this module's
// iface.Interface and rip.Controller already favor explicit locking over
// channel actors for shared tables.
type Manager struct {
	log      *slog.Logger
	clock    clockwork.Clock
	localIP  net.IP
	ipSender IPSender

	ctx context.Context

	mu        sync.RWMutex
	nextID    SocketId
	sockets   map[SocketId]*socketEntry
	listeners map[uint16]*listener
}

// NewManager constructs an empty Socket Manager for one node. Run must be
// called before Listen/Accept/Connect spawn any connections, so their
// retransmission timers have a context to run under.
func NewManager(localIP net.IP, ipSender IPSender, clock clockwork.Clock, log *slog.Logger) *Manager {
	return &Manager{
		log:       log,
		clock:     clock,
		localIP:   localIP,
		ipSender:  ipSender,
		sockets:   make(map[SocketId]*socketEntry),
		listeners: make(map[uint16]*listener),
	}
}

// Run records the context under which spawned connections' retransmission
// timers run, and blocks until ctx is canceled (spec §5: one thread per
// Connection Socket, parented to the node's lifetime).
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	<-ctx.Done()
}

// Listen creates a listener entry in Listening state (spec §4.6).
func (m *Manager) Listen(port uint16) (SocketId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[port]; ok {
		return 0, fmt.Errorf("%w: port %d", ErrPortInUse, port)
	}
	l := newListener(port)
	m.listeners[port] = l
	id := m.allocIDLocked()
	m.sockets[id] = &socketEntry{listener: l}
	socketsOpen.Set(float64(len(m.sockets)))
	return id, nil
}

// Accept blocks until a SYN arrives for port's listener and a connection is
// spawned for it, or the listener is closed (spec §5: "accept waits until a
// SYN arrives or the shell issues cl").
func (m *Manager) Accept(port uint16) (SocketId, *Conn, error) {
	m.mu.RLock()
	l, ok := m.listeners[port]
	m.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("%w: port %d", ErrNotAListener, port)
	}

	c, err := l.accept()
	if err != nil {
		return 0, nil, err
	}

	m.mu.RLock()
	id, ok := m.idForConnLocked(c)
	m.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("tcp: accepted connection missing from socket table")
	}
	return id, c, nil
}

// Connect allocates a local port, creates a Connection Socket in
// AwaitingRun, inserts it, and sends the initial SYN (spec §4.6).
func (m *Manager) Connect(remoteIP net.IP, remotePort uint16) (SocketId, *Conn, error) {
	m.mu.Lock()
	local := m.unusedAddrLocked()
	remote := Address{IP: remoteIP, Port: remotePort}
	c := NewConn(local, remote, m.ipSender, m.clock, m.log)
	id := m.allocIDLocked()
	m.sockets[id] = &socketEntry{conn: c}
	ctx := m.ctx
	m.mu.Unlock()

	socketsOpen.Set(float64(m.socketCount()))
	c.SetOnClosed(func() { m.evict(id) })
	if ctx != nil {
		go c.Run(ctx)
	}
	if err := c.Connect(); err != nil {
		return 0, nil, err
	}
	return id, c, nil
}

// Deliver is registered with the IP engine as the protocol-6 Handler (spec
// §4.2/§4.6): parse the TCP segment, find its owning socket by 4-tuple, and
// dispatch. A pure SYN with no matching connection is routed to a listener
// on the destination port if one exists, which spawns a SynRecvd
// connection and queues it for Accept; everything else unmatched is
// dropped.
func (m *Manager) Deliver(src, dst net.IP, payload []byte) {
	seg, err := tcpwire.Parse(src, dst, payload)
	if err != nil {
		m.log.Debug("dropping malformed tcp segment", "error", err)
		segmentsDropped.WithLabelValues("parse_error").Inc()
		return
	}

	local := Address{IP: dst, Port: seg.DstPort}
	remote := Address{IP: src, Port: seg.SrcPort}

	m.mu.RLock()
	c := m.connForLocked(local, remote)
	m.mu.RUnlock()
	if c != nil {
		c.HandlePacket(seg)
		return
	}

	if !seg.Has(tcpwire.FlagSYN) || seg.Has(tcpwire.FlagACK) {
		segmentsDropped.WithLabelValues("no_matching_socket").Inc()
		return
	}

	m.mu.RLock()
	l, ok := m.listeners[seg.DstPort]
	ctx := m.ctx
	m.mu.RUnlock()
	if !ok {
		segmentsDropped.WithLabelValues("no_listener").Inc()
		return
	}

	child := NewConn(local, remote, m.ipSender, m.clock, m.log)
	m.mu.Lock()
	id := m.allocIDLocked()
	m.sockets[id] = &socketEntry{conn: child}
	m.mu.Unlock()
	socketsOpen.Set(float64(m.socketCount()))

	child.SetOnClosed(func() { m.evict(id) })
	if ctx != nil {
		go child.Run(ctx)
	}
	child.AcceptSYN(seg.Seq)
	l.enqueue(child)
}

// Close closes the given socket: a connection socket is torn down via
// Conn.Close, a listener stops accepting and unblocks any pending Accept.
func (m *Manager) Close(id SocketId) error {
	m.mu.RLock()
	ent, ok := m.sockets[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSocket, id)
	}
	if ent.conn != nil {
		return ent.conn.Close()
	}
	ent.listener.close()
	m.mu.Lock()
	delete(m.listeners, ent.listener.port)
	delete(m.sockets, id)
	m.mu.Unlock()
	socketsOpen.Set(float64(m.socketCount()))
	return nil
}

// Lookup returns the connection behind a socket id, for s/r commands.
func (m *Manager) Lookup(id SocketId) (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.sockets[id]
	if !ok || ent.conn == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSocket, id)
	}
	return ent.conn, nil
}

// SocketInfo is one row of the `ls` listing.
type SocketInfo struct {
	ID     SocketId
	Local  Address
	Remote Address
	State  string // "LISTEN" for listener entries
}

// List returns a snapshot of the socket table for the `ls` command.
func (m *Manager) List() []SocketInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SocketInfo, 0, len(m.sockets))
	for id, ent := range m.sockets {
		if ent.conn != nil {
			out = append(out, SocketInfo{ID: id, Local: ent.conn.Local, Remote: ent.conn.Remote, State: ent.conn.State().String()})
		} else {
			out = append(out, SocketInfo{ID: id, Local: Address{IP: m.localIP, Port: ent.listener.port}, State: "LISTEN"})
		}
	}
	return out
}

func (m *Manager) evict(id SocketId) {
	m.mu.Lock()
	delete(m.sockets, id)
	m.mu.Unlock()
	socketsOpen.Set(float64(m.socketCount()))
}

func (m *Manager) socketCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// allocIDLocked requires m.mu held for writing.
func (m *Manager) allocIDLocked() SocketId {
	id := m.nextID
	m.nextID++
	return id
}

// connForLocked requires m.mu held for reading.
func (m *Manager) connForLocked(local, remote Address) *Conn {
	for _, ent := range m.sockets {
		if ent.conn == nil {
			continue
		}
		if ent.conn.Local.Equal(local) && ent.conn.Remote.Equal(remote) {
			return ent.conn
		}
	}
	return nil
}

// idForConnLocked requires m.mu held for reading.
func (m *Manager) idForConnLocked(c *Conn) (SocketId, bool) {
	for id, ent := range m.sockets {
		if ent.conn == c {
			return id, true
		}
	}
	return 0, false
}

// unusedAddrLocked requires m.mu held for writing. Ports are drawn at
// random and retried until unused (spec §4.6), matching
// socket_manager.rs's unused_tcp_addr.
func (m *Manager) unusedAddrLocked() Address {
	for {
		port := uint16(rand.Intn(65535-1024) + 1024)
		taken := false
		for _, ent := range m.sockets {
			if ent.conn != nil && ent.conn.Local.Port == port {
				taken = true
				break
			}
		}
		if !taken {
			return Address{IP: m.localIP, Port: port}
		}
	}
}
