// Command rdma-echo runs a hello-world exchange end to end: an acceptor
// and a connector handshake a Reliable-Connected QP over a loopback TCP
// socket, then trade one SEND/RECV each way.
//
// There is no cgo ibverbs binding in this module, so both roles
// run in this one process against the in-memory verbs/simverbs.Driver,
// which requires a single shared address space to move bytes between
// "remote" buffers. -real is reserved for a future build that swaps in
// an actual kernel verbs driver; until one is wired in it only explains
// why it refuses to run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/gorcverbs/gorcverbs/completion"
	"github.com/gorcverbs/gorcverbs/internal/logging"
	"github.com/gorcverbs/gorcverbs/ioloop"
	"github.com/gorcverbs/gorcverbs/netio"
	"github.com/gorcverbs/gorcverbs/qp"
	"github.com/gorcverbs/gorcverbs/rendezvous"
	"github.com/gorcverbs/gorcverbs/verbs"
	"github.com/gorcverbs/gorcverbs/verbs/simverbs"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:0", "loopback address the acceptor binds")
		verbose    = flag.Bool("v", false, "debug-level logging")
		real       = flag.Bool("real", false, "use a real kernel verbs driver instead of the in-memory simulator")
	)
	flag.Parse()

	if *real {
		log.Fatal("rdma-echo: -real is not implemented: this module ships no cgo ibverbs binding, only verbs/simverbs")
	}

	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelDebug
	}
	logger := logging.New(logging.WithLevel(level))

	if err := run(*listenAddr, logger); err != nil {
		logger.Err().Err(err).Log("rdma-echo failed")
		os.Exit(1)
	}
}

type endpoint struct {
	dev      *verbs.Device
	pd       *verbs.PD
	cq       *verbs.CQ
	registry *completion.CallbackRegistry
	executor *completion.Executor
	poller   *completion.Poller
}

func newEndpoint(fabric *simverbs.Fabric, logger *logging.Logger) (*endpoint, error) {
	index := fabric.AddDevice(verbs.AtomicCapHCA)
	driver := simverbs.NewDriver(fabric)

	dev, err := verbs.OpenDevice(driver, index, 1)
	if err != nil {
		return nil, err
	}
	pd, err := verbs.AllocPD(dev)
	if err != nil {
		return nil, err
	}
	cq, err := verbs.CreateCQ(dev, 0)
	if err != nil {
		return nil, err
	}

	registry := completion.NewCallbackRegistry()
	executor := completion.NewExecutor(completion.ExecutorConfig{Logger: logger})
	poller := completion.NewPoller(cq, registry, executor, completion.PollerConfig{Logger: logger})
	poller.Start(context.Background())

	return &endpoint{dev: dev, pd: pd, cq: cq, registry: registry, executor: executor, poller: poller}, nil
}

func (e *endpoint) close() {
	e.poller.Stop()
	e.executor.Close()
}

func run(listenAddr string, logger *logging.Logger) error {
	fabric := simverbs.NewFabric()

	server, err := newEndpoint(fabric, logger)
	if err != nil {
		return err
	}
	defer server.close()
	client, err := newEndpoint(fabric, logger)
	if err != nil {
		return err
	}
	defer client.close()

	loop, err := ioloop.New(logger)
	if err != nil {
		return err
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go func() {
		if err := loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			logger.Err().Err(err).Log("event loop exited")
		}
	}()

	listener, err := netio.Listen(loop, listenAddr)
	if err != nil {
		return err
	}
	addr, err := listener.Addr()
	if err != nil {
		return err
	}
	logger.Info().Str("addr", addr).Log("acceptor listening")

	acceptor := rendezvous.NewAcceptor(listener, server.pd, server.cq, server.cq, nil, server.registry, qp.DefaultConfig())
	defer acceptor.Close()
	connector := rendezvous.NewConnector(loop, client.pd, client.cq, client.cq, nil, client.registry, qp.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type acceptResult struct {
		q   *qp.QP
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		q, err := acceptor.Accept(ctx)
		acceptCh <- acceptResult{q, err}
	}()

	clientQP, err := connector.Connect(ctx, addr, []byte("rdma-echo-client"))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer clientQP.Close()

	res := <-acceptCh
	if res.err != nil {
		return fmt.Errorf("accept: %w", res.err)
	}
	serverQP := res.q
	defer serverQP.Close()

	logger.Info().Str("user_data", string(serverQP.UserData())).Log("server accepted connection")

	serverBuf := []byte("hello")
	clientRecvBuf := make([]byte, len(serverBuf))
	recvClient := clientQP.Recv(ctx, clientRecvBuf)

	sendServer := serverQP.Send(ctx, serverBuf)
	if _, err := sendServer.Join(ctx); err != nil {
		return fmt.Errorf("server send: %w", err)
	}
	fmt.Printf("Sent to client: %s\n", serverBuf)

	clientResult, err := recvClient.Join(ctx)
	if err != nil {
		return fmt.Errorf("client recv: %w", err)
	}
	fmt.Printf("Received from server: %s\n", clientRecvBuf[:clientResult.ByteLen])

	serverRecvBuf := make([]byte, len(serverBuf))
	recvServer := serverQP.Recv(ctx, serverRecvBuf)

	copy(clientRecvBuf, "world")
	sendClient := clientQP.Send(ctx, clientRecvBuf)
	if _, err := sendClient.Join(ctx); err != nil {
		return fmt.Errorf("client send: %w", err)
	}
	fmt.Printf("Sent to server: %s\n", clientRecvBuf)

	serverResult, err := recvServer.Join(ctx)
	if err != nil {
		return fmt.Errorf("server recv: %w", err)
	}
	fmt.Printf("Received from client: %s\n", serverRecvBuf[:serverResult.ByteLen])

	return nil
}
