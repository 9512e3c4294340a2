//go:build linux

package ioloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gorcverbs/gorcverbs/internal/logging"
	"github.com/gorcverbs/gorcverbs/ioloop"
)

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	return fds[0], fds[1]
}

func TestRegisterReadableFiresOnceBeforeDeregistration(t *testing.T) {
	loop, err := ioloop.New(logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	r, w := pipeFDs(t)
	defer unix.Close(w)

	ch, err := loop.Register(r, ioloop.EventRead)
	require.NoError(t, err)
	defer ch.Close()

	fired := make(chan ioloop.Events, 1)
	ch.SetReadable(func(ev ioloop.Events) { fired <- ev })

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-fired:
		require.NotZero(t, ev&ioloop.EventRead)
	case <-time.After(2 * time.Second):
		t.Fatal("readable callback never fired")
	}

	// one-shot: draining the byte and writing again should not re-fire
	// without re-arming SetReadable.
	var buf [1]byte
	_, _ = unix.Read(r, buf[:])
	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("readable callback fired again without being re-armed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, loop.Close())
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Close")
	}
}

func TestCloseIsIdempotentOnChannel(t *testing.T) {
	loop, err := ioloop.New(logging.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()
	defer loop.Close()

	r, w := pipeFDs(t)
	defer unix.Close(r)
	defer unix.Close(w)

	ch, err := loop.Register(r, ioloop.EventRead)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestDuplicateRegistrationIsError(t *testing.T) {
	loop, err := ioloop.New(logging.Noop())
	require.NoError(t, err)
	defer loop.Close()

	r, w := pipeFDs(t)
	defer unix.Close(r)
	defer unix.Close(w)

	_, err = loop.Register(r, ioloop.EventRead)
	require.NoError(t, err)
	_, err = loop.Register(r, ioloop.EventRead)
	require.Error(t, err)
}
