// Package repl implements the line-oriented shell spec §4.7 describes as
// the Backend Facade's caller, split into the common command set (every
// node) and the host-only socket commands, grounded on the original
// prototype's tcp-imp/vnode/src/{repl.rs,host_repl.rs,router_repl.rs}
// command-table/dispatch split.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/netlab-go/vnet/internal/node"
	"github.com/netlab-go/vnet/internal/tcp"
)

// Run reads one command per line from in, dispatches it against backend,
// and writes human-readable results to out. It returns when in reaches EOF.
func Run(backend node.Backend, in io.Reader, out io.Writer, log *slog.Logger) {
	host, isHost := backend.(*node.HostNode)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := dispatch(backend, host, isHost, fields, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("repl: reading input", "error", err)
	}
}

func dispatch(backend node.Backend, host *node.HostNode, isHost bool, fields []string, out io.Writer) error {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "li":
		for _, i := range backend.Li() {
			fmt.Fprintf(out, "%s\t%s\t%s\n", i.Name, i.LocalIP, i.Status)
		}
		return nil

	case "ln":
		if len(args) != 1 {
			return fmt.Errorf("usage: ln <name>")
		}
		neighbors, err := backend.Ln(args[0])
		if err != nil {
			return err
		}
		for ip, port := range neighbors {
			fmt.Fprintf(out, "%s\t%d\n", ip, port)
		}
		return nil

	case "lr":
		for _, r := range backend.Lr() {
			fmt.Fprintf(out, "%s\n", r)
		}
		return nil

	case "up":
		if len(args) != 1 {
			return fmt.Errorf("usage: up <name>")
		}
		return backend.Up(args[0])

	case "down":
		if len(args) != 1 {
			return fmt.Errorf("usage: down <name>")
		}
		return backend.Down(args[0])

	case "send":
		if len(args) < 2 {
			return fmt.Errorf("usage: send <ip> <msg>")
		}
		ip := net.ParseIP(args[0])
		if ip == nil {
			return fmt.Errorf("invalid ip %q", args[0])
		}
		return backend.Send(ip, strings.Join(args[1:], " "))

	case "a", "c", "ls", "s", "r", "cl", "sf", "rf":
		if !isHost {
			return fmt.Errorf("%s: only available on host nodes", cmd)
		}
		return dispatchHost(host, cmd, args, out)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func dispatchHost(host *node.HostNode, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "a":
		if len(args) != 1 {
			return fmt.Errorf("usage: a <port>")
		}
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		if _, err := host.Listen(port); err != nil {
			return err
		}
		id, err := host.Accept(port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "accepted sid %d\n", id)
		return nil

	case "c":
		if len(args) != 2 {
			return fmt.Errorf("usage: c <ip> <port>")
		}
		ip := net.ParseIP(args[0])
		if ip == nil {
			return fmt.Errorf("invalid ip %q", args[0])
		}
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		id, err := host.Connect(ip, port)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "connected sid %d\n", id)
		return nil

	case "ls":
		fmt.Fprintf(out, "SID\tLADDR\t\tRADDR\t\tSTATE\n")
		for _, s := range host.ListSockets() {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", s.ID, s.Local, s.Remote, s.State)
		}
		return nil

	case "s":
		if len(args) < 2 {
			return fmt.Errorf("usage: s <sid> <bytes>")
		}
		id, err := parseSocketID(args[0])
		if err != nil {
			return err
		}
		n, err := host.SendOnSocket(id, []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %d bytes\n", n)
		return nil

	case "r":
		if len(args) != 2 {
			return fmt.Errorf("usage: r <sid> <n>")
		}
		id, err := parseSocketID(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid byte count %q", args[1])
		}
		data, err := host.ReadFromSocket(id, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil

	case "cl":
		if len(args) != 1 {
			return fmt.Errorf("usage: cl <sid>")
		}
		id, err := parseSocketID(args[0])
		if err != nil {
			return err
		}
		return host.CloseSocket(id)

	case "sf":
		if len(args) != 3 {
			return fmt.Errorf("usage: sf <path> <ip> <port>")
		}
		ip := net.ParseIP(args[1])
		if ip == nil {
			return fmt.Errorf("invalid ip %q", args[1])
		}
		port, err := parsePort(args[2])
		if err != nil {
			return err
		}
		return host.SendFile(args[0], ip, port)

	case "rf":
		if len(args) != 2 {
			return fmt.Errorf("usage: rf <path> <port>")
		}
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		return host.RecvFile(args[0], port)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

func parseSocketID(s string) (tcp.SocketId, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid socket id %q", s)
	}
	return tcp.SocketId(n), nil
}
