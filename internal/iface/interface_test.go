package iface

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSink) Deliver(ifaceName string, wire []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ifaceName)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestInterface(t *testing.T, name string, sink Sink, neighbors map[string]int) *Interface {
	t.Helper()
	cfg := Config{
		Name:      name,
		LocalIP:   net.ParseIP("10.0.0.1"),
		BindAddr:  "127.0.0.1",
		BindPort:  freePort(t),
		Neighbors: neighbors,
	}
	ifc, err := New(cfg, sink, slog.Default())
	require.NoError(t, err)
	return ifc
}

func TestSendAndReceiveAcrossInterfaces(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	a := newTestInterface(t, "ethA", sinkA, nil)
	defer a.Close()
	b := newTestInterface(t, "ethB", sinkB, nil)
	defer b.Close()

	bPort := b.conn.LocalAddr().(*net.UDPAddr).Port
	a.mu.Lock()
	a.neighbors["10.0.0.2"] = bPort
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	a.Send([]byte("hello"), net.ParseIP("10.0.0.2"))

	require.Eventually(t, func() bool {
		return sinkB.count() == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sinkA.count())
}

func TestSendDropsWhenInterfaceDown(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	a := newTestInterface(t, "ethA", sinkA, nil)
	defer a.Close()
	b := newTestInterface(t, "ethB", sinkB, nil)
	defer b.Close()

	bPort := b.conn.LocalAddr().(*net.UDPAddr).Port
	a.mu.Lock()
	a.neighbors["10.0.0.2"] = bPort
	a.mu.Unlock()

	a.SetStatus(Down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	a.Send([]byte("hello"), net.ParseIP("10.0.0.2"))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, sinkB.count())
}

func TestReceiveDroppedWhenDestinationInterfaceDown(t *testing.T) {
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}

	a := newTestInterface(t, "ethA", sinkA, nil)
	defer a.Close()
	b := newTestInterface(t, "ethB", sinkB, nil)
	defer b.Close()
	b.SetStatus(Down)

	bPort := b.conn.LocalAddr().(*net.UDPAddr).Port
	a.mu.Lock()
	a.neighbors["10.0.0.2"] = bPort
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	a.Send([]byte("hello"), net.ParseIP("10.0.0.2"))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, sinkB.count())
}

func TestSendToUnknownNeighborDropsPacket(t *testing.T) {
	sinkA := &recordingSink{}
	a := newTestInterface(t, "ethA", sinkA, nil)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Send([]byte("hello"), net.ParseIP("10.0.0.99"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sinkA.count())
}
