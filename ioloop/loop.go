//go:build linux

// Package ioloop is a single-threaded epoll-based readiness multiplexer:
// exactly one goroutine calls Run at a time, while other goroutines
// register/deregister channels; an eventfd wakes the loop for cross-thread
// operations such as Close.
package ioloop

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/gorcverbs/gorcverbs/internal/logging"
	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

// Events is a readiness bitmask.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Loop is a single-threaded epoll multiplexer. Zero value is not usable;
// construct with New.
type Loop struct {
	epfd   int
	wakeFD int
	logger *logging.Logger

	mu       sync.Mutex
	channels map[int]*Channel
	closed   atomic.Bool

	wakeMu    sync.Mutex
	fdsClosed bool
}

// New creates the epoll instance and its wake-fd, but does not start
// polling; call Run to drive it.
func New(logger *logging.Logger) (*Loop, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, rdmaerr.Wrap("ioloop.New", rdmaerr.Resource, err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, rdmaerr.Wrap("ioloop.New", rdmaerr.Resource, err)
	}
	l := &Loop{
		epfd:     epfd,
		wakeFD:   wakeFD,
		logger:   logger,
		channels: make(map[int]*Channel),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, rdmaerr.Wrap("ioloop.New", rdmaerr.Resource, err)
	}
	return l, nil
}

// Register adds fd to the loop with the given initial interest set and
// returns a Channel owning it. Registering an already-registered fd is an
// error.
func (l *Loop) Register(fd int, events Events) (*Channel, error) {
	c := &Channel{loop: l, fd: fd}

	l.mu.Lock()
	if _, exists := l.channels[fd]; exists {
		l.mu.Unlock()
		return nil, rdmaerr.New("ioloop.Register", rdmaerr.Precondition, "fd already registered")
	}
	l.channels[fd] = c
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.mu.Lock()
		delete(l.channels, fd)
		l.mu.Unlock()
		return nil, rdmaerr.Wrap("ioloop.Register", rdmaerr.Resource, err)
	}
	return c, nil
}

// Run polls until ctx is cancelled or Close is called, dispatching readable
// callbacks before writable callbacks for the same fd within a batch.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.wakeMu.Lock()
		l.fdsClosed = true
		_ = unix.Close(l.epfd)
		_ = unix.Close(l.wakeFD)
		l.wakeMu.Unlock()
	}()

	// EpollWait blocks with no timeout, so a ctx cancellation has to be
	// turned into a wake-fd write to be observed.
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go func() {
		<-wctx.Done()
		_ = l.wake()
	}()

	var buf [256]unix.EpollEvent
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(l.epfd, buf[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Err().Err(err).Log("epoll wait failed")
			return rdmaerr.Wrap("ioloop.Run", rdmaerr.Resource, err)
		}

		woke := false
		for i := 0; i < n; i++ {
			fd := int(buf[i].Fd)
			if fd == l.wakeFD {
				woke = true
				continue
			}
			l.dispatch(fd, epollToEvents(buf[i].Events))
		}
		if woke {
			l.drainWake()
			if l.closed.Load() {
				return nil
			}
		}
	}
}

func (l *Loop) dispatch(fd int, ev Events) {
	l.mu.Lock()
	ch := l.channels[fd]
	l.mu.Unlock()
	if ch == nil {
		// The channel was deregistered concurrently with the wake-up that
		// reported it ready; this is the "vanished channel" case and is
		// silently ignored, not an error.
		return
	}
	if ev&(EventRead|EventError|EventHangup) != 0 {
		ch.fireReadable(ev)
	}
	if ev&(EventWrite|EventError) != 0 {
		ch.fireWritable(ev)
	}
}

// Close unblocks a running Run by writing to the wake-fd; Run returns after
// draining the batch it is currently processing.
func (l *Loop) Close() error {
	l.closed.Store(true)
	return l.wake()
}

func (l *Loop) wake() error {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.fdsClosed {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return rdmaerr.Wrap("ioloop.wake", rdmaerr.Resource, err)
	}
	return nil
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// deregister removes fd from the epoll set and the channel table. Called by
// Channel.Close; idempotent by construction (Channel guards the double-call
// itself).
func (l *Loop) deregister(fd int) error {
	l.mu.Lock()
	delete(l.channels, fd)
	l.mu.Unlock()
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return rdmaerr.Wrap("ioloop.deregister", rdmaerr.Resource, err)
	}
	return nil
}

func (l *Loop) modify(fd int, events Events) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return rdmaerr.Wrap("ioloop.modify", rdmaerr.Resource, err)
	}
	return nil
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		events |= EventHangup
	}
	return events
}
