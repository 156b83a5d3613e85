package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/netlab-go/vnet/internal/tcp"
)

// fileChunkSize bounds each sf/rf read/write to a TCP segment's worth of
// payload, matching tcp.MaxSegmentSize so a file transfer never
// needs to wait on mid-segment fragmentation.
const fileChunkSize = tcp.MaxSegmentSize

// HostNode is a Backend for a node running routing_mode=static (spec §1): a
// node with no RIP control plane, whose forwarding table holds only local
// and statically configured routes, and which additionally runs the TCP
// stack's Socket Manager for the host-only command surface (spec §4.7:
// a/c/ls/s/r/cl/sf/rf).
type HostNode struct {
	base
	sockets *tcp.Manager
}

// Run drives every interface and the Socket Manager's connection timers
// until ctx is canceled.
func (h *HostNode) Run(ctx context.Context) {
	go h.sockets.Run(ctx)
	h.runInterfaces(ctx)
}

// Listen opens a listener on port (spec §4.7's `a <port>`: listen+accept).
func (h *HostNode) Listen(port uint16) (tcp.SocketId, error) {
	return h.sockets.Listen(port)
}

// Accept blocks until a connection arrives for port's listener (spec §4.7's
// `a <port>`).
func (h *HostNode) Accept(port uint16) (tcp.SocketId, error) {
	id, _, err := h.sockets.Accept(port)
	return id, err
}

// Connect opens an outbound connection (spec §4.7's `c <ip> <port>`).
func (h *HostNode) Connect(dst net.IP, port uint16) (tcp.SocketId, error) {
	id, _, err := h.sockets.Connect(dst, port)
	return id, err
}

// ListSockets returns the socket table (spec §4.7's `ls`).
func (h *HostNode) ListSockets() []tcp.SocketInfo {
	return h.sockets.List()
}

// SendOnSocket writes b to the connection behind id (spec §4.7's
// `s <sid> <bytes>`).
func (h *HostNode) SendOnSocket(id tcp.SocketId, b []byte) (int, error) {
	c, err := h.sockets.Lookup(id)
	if err != nil {
		return 0, err
	}
	return c.Send(b)
}

// ReadFromSocket reads up to n bytes from the connection behind id (spec
// §4.7's `r <sid> <n>`).
func (h *HostNode) ReadFromSocket(id tcp.SocketId, n int) ([]byte, error) {
	c, err := h.sockets.Lookup(id)
	if err != nil {
		return nil, err
	}
	return c.Read(n)
}

// CloseSocket closes the socket behind id (spec §4.7's `cl <sid>`).
func (h *HostNode) CloseSocket(id tcp.SocketId) error {
	return h.sockets.Close(id)
}

// SendFile streams path to dst:port over a fresh connection in
// fileChunkSize pieces, then closes it (spec §4.7's `sf <path> <ip> <port>`,
// supplemented per SPEC_FULL.md: a thin wrapper over connect+send+close).
func (h *HostNode) SendFile(path string, dst net.IP, port uint16) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("node: sf: %w", err)
	}
	defer f.Close()

	_, conn, err := h.sockets.Connect(dst, port)
	if err != nil {
		return fmt.Errorf("node: sf: %w", err)
	}

	buf := make([]byte, fileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Send(buf[:n]); werr != nil {
				return fmt.Errorf("node: sf: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("node: sf: %w", err)
		}
	}
	return conn.Close()
}

// RecvFile accepts one connection on port and streams everything it sends
// to path until EOF (spec §4.7's `rf <path> <port>`).
func (h *HostNode) RecvFile(path string, port uint16) error {
	if _, err := h.sockets.Listen(port); err != nil {
		return fmt.Errorf("node: rf: %w", err)
	}
	_, conn, err := h.sockets.Accept(port)
	if err != nil {
		return fmt.Errorf("node: rf: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("node: rf: %w", err)
	}
	defer out.Close()

	for {
		chunk, err := conn.Read(fileChunkSize)
		if err != nil {
			return fmt.Errorf("node: rf: %w", err)
		}
		if len(chunk) == 0 {
			return nil // peer's FIN observed, transfer complete
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("node: rf: %w", err)
		}
	}
}
