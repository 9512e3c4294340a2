//go:build linux

package netio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorcverbs/gorcverbs/internal/logging"
	"github.com/gorcverbs/gorcverbs/ioloop"
	"github.com/gorcverbs/gorcverbs/netio"
)

func newRunningLoop(t *testing.T) (*ioloop.Loop, context.CancelFunc) {
	t.Helper()
	loop, err := ioloop.New(logging.Noop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() { _ = loop.Close() })
	return loop, cancel
}

func TestAcceptConnectReadWriteRoundTrip(t *testing.T) {
	loop, cancel := newRunningLoop(t)
	defer cancel()

	ln, err := netio.Listen(loop, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr, err := ln.Addr()
	require.NoError(t, err)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	serverConn := make(chan *netio.Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverConn <- c
	}()

	client, err := netio.Dial(ctx, loop, addr)
	require.NoError(t, err)
	defer client.Close()

	var server *netio.Conn
	select {
	case server = <-serverConn:
	case err := <-serverErr:
		t.Fatalf("accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer server.Close()

	n, err := client.Write(ctx, []byte("hello\x00"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	buf := make([]byte, 6)
	n, err = server.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "hello\x00", string(buf))
}

func TestReadReturnsZeroOnOrderlyClose(t *testing.T) {
	loop, cancel := newRunningLoop(t)
	defer cancel()

	ln, err := netio.Listen(loop, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr, err := ln.Addr()
	require.NoError(t, err)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	serverConn := make(chan *netio.Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		require.NoError(t, err)
		serverConn <- c
	}()

	client, err := netio.Dial(ctx, loop, addr)
	require.NoError(t, err)

	server := <-serverConn
	defer server.Close()

	require.NoError(t, client.Close())

	buf := make([]byte, 4)
	n, err := server.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
