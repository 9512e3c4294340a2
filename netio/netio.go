//go:build linux

// Package netio implements a nonblocking TCP listener and connection on
// top of ioloop.Channel: SO_REUSEADDR, backlog 128, EINPROGRESS/SO_ERROR
// connect handling, and eager-then-suspend read/write.
package netio

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/gorcverbs/gorcverbs/ioloop"
	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

const listenBacklog = 128

// Listener accepts inbound TCP connections nonblockingly.
type Listener struct {
	loop *ioloop.Loop
	fd   int
	ch   *ioloop.Channel
}

// resolveCandidates expands "host:port" into the candidate IPs to try in
// order, a nil IP meaning the wildcard address.
func resolveCandidates(op, address string) ([]net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, rdmaerr.Wrap(op, rdmaerr.Resource, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, rdmaerr.Wrap(op, rdmaerr.Resource, err)
	}
	if host == "" {
		return []net.IP{nil}, port, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, port, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, 0, rdmaerr.Wrap(op, rdmaerr.Resource, err)
	}
	return ips, port, nil
}

func domainOf(ip net.IP) int {
	if ip != nil && ip.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// Listen binds address ("host:port", host may be empty for any) with
// SO_REUSEADDR and a fixed backlog of 128. Candidates from name
// resolution are tried in order; the first successful bind wins.
func Listen(loop *ioloop.Loop, address string) (*Listener, error) {
	ips, port, err := resolveCandidates("netio.Listen", address)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		fd, err := bindCandidate(ip, port)
		if err != nil {
			lastErr = err
			continue
		}
		ch, err := loop.Register(fd, 0)
		if err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		return &Listener{loop: loop, fd: fd, ch: ch}, nil
	}
	return nil, rdmaerr.Wrap("netio.Listen", rdmaerr.Resource, lastErr)
}

func bindCandidate(ip net.IP, port int) (int, error) {
	domain := domainOf(ip)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	sa, err := toSockaddr(domain, ip, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Addr returns the address the listener is bound to, useful when Listen was
// given port 0 and the kernel picked one.
func (l *Listener) Addr() (string, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return "", rdmaerr.Wrap("netio.Listener.Addr", rdmaerr.Resource, err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port)), nil
	default:
		return "", rdmaerr.New("netio.Listener.Addr", rdmaerr.Precondition, "unsupported address family")
	}
}

// Accept blocks until a client connects: non-blocking accept, suspending on
// EAGAIN until the listener is readable.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			ch, rerr := l.loop.Register(nfd, 0)
			if rerr != nil {
				_ = unix.Close(nfd)
				return nil, rerr
			}
			return &Conn{loop: l.loop, fd: nfd, ch: ch}, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return nil, rdmaerr.Wrap("netio.Accept", rdmaerr.Resource, err)
		}
		if err := waitFor(ctx, l.ch, ioloop.EventRead); err != nil {
			return nil, err
		}
	}
}

// Close deregisters and closes the listening socket.
func (l *Listener) Close() error {
	_ = l.ch.Close()
	if err := unix.Close(l.fd); err != nil {
		return rdmaerr.Wrap("netio.Listener.Close", rdmaerr.Resource, err)
	}
	return nil
}

// Conn is a nonblocking TCP connection driven through an ioloop.Channel.
type Conn struct {
	loop *ioloop.Loop
	fd   int
	ch   *ioloop.Channel
}

// Dial opens a connection to address: issues a nonblocking connect,
// suspending on writable if it returns EINPROGRESS, then inspecting
// SO_ERROR on resume. Candidates from name resolution are tried in order;
// the first successful connect wins.
func Dial(ctx context.Context, loop *ioloop.Loop, address string) (*Conn, error) {
	ips, port, err := resolveCandidates("netio.Dial", address)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialCandidate(ctx, loop, ip, port)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, rdmaerr.Wrap("netio.Dial", rdmaerr.Resource, lastErr)
}

func dialCandidate(ctx context.Context, loop *ioloop.Loop, ip net.IP, port int) (*Conn, error) {
	domain := domainOf(ip)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	sa, err := toSockaddr(domain, ip, port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	ch, err := loop.Register(fd, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = ch.Close()
		_ = unix.Close(fd)
		return nil, err
	}
	if err == unix.EINPROGRESS {
		if err := waitFor(ctx, ch, ioloop.EventWrite); err != nil {
			_ = ch.Close()
			_ = unix.Close(fd)
			return nil, err
		}
		errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil {
			_ = ch.Close()
			_ = unix.Close(fd)
			return nil, serr
		}
		if errno != 0 {
			_ = ch.Close()
			_ = unix.Close(fd)
			return nil, unix.Errno(errno)
		}
	}

	return &Conn{loop: loop, fd: fd, ch: ch}, nil
}

// Read reads into buf: attempt eagerly; on EAGAIN suspend until readable,
// then re-attempt exactly once and return that attempt's result, whatever
// it is. A zero-byte result denotes orderly remote close.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err == nil {
		return n, nil
	}
	if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return 0, rdmaerr.Wrap("netio.Read", rdmaerr.Resource, err)
	}
	if err := waitFor(ctx, c.ch, ioloop.EventRead); err != nil {
		return 0, err
	}
	n, err = unix.Read(c.fd, buf)
	if err != nil {
		return 0, rdmaerr.Wrap("netio.Read", rdmaerr.Resource, err)
	}
	return n, nil
}

// Write writes from buf: attempt eagerly; on EAGAIN suspend until
// writable, then re-attempt exactly once and return that attempt's result.
func (c *Conn) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if err == nil {
		return n, nil
	}
	if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return 0, rdmaerr.Wrap("netio.Write", rdmaerr.Resource, err)
	}
	if err := waitFor(ctx, c.ch, ioloop.EventWrite); err != nil {
		return 0, err
	}
	n, err = unix.Write(c.fd, buf)
	if err != nil {
		return 0, rdmaerr.Wrap("netio.Write", rdmaerr.Resource, err)
	}
	return n, nil
}

// Close deregisters and closes the connection.
func (c *Conn) Close() error {
	_ = c.ch.Close()
	if err := unix.Close(c.fd); err != nil {
		return rdmaerr.Wrap("netio.Conn.Close", rdmaerr.Resource, err)
	}
	return nil
}

func waitFor(ctx context.Context, ch *ioloop.Channel, want ioloop.Events) error {
	result := make(chan ioloop.Events, 1)
	notify := func(ev ioloop.Events) {
		select {
		case result <- ev:
		default:
		}
	}
	if want&ioloop.EventRead != 0 {
		ch.SetReadable(notify)
	}
	if want&ioloop.EventWrite != 0 {
		ch.SetWritable(notify)
	}
	if err := ch.Modify(want); err != nil {
		return rdmaerr.Wrap("netio.waitFor", rdmaerr.Resource, err)
	}
	// Clear the interest set either way: epoll is level-triggered, and a
	// still-ready fd with a cleared one-shot callback would spin the loop.
	defer func() { _ = ch.Modify(0) }()
	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toSockaddr(domain int, ip net.IP, port int) (unix.Sockaddr, error) {
	switch domain {
	case unix.AF_INET:
		var sa unix.SockaddrInet4
		sa.Port = port
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return &sa, nil
	case unix.AF_INET6:
		var sa unix.SockaddrInet6
		sa.Port = port
		if ip16 := ip.To16(); ip16 != nil {
			copy(sa.Addr[:], ip16)
		}
		return &sa, nil
	default:
		return nil, rdmaerr.New("netio.toSockaddr", rdmaerr.Precondition, "unsupported address family")
	}
}
