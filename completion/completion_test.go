package completion_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorcverbs/gorcverbs/completion"
	"github.com/gorcverbs/gorcverbs/verbs"
	"github.com/gorcverbs/gorcverbs/verbs/simverbs"
)

func TestCallbackRegistryRoundTrip(t *testing.T) {
	reg := completion.NewCallbackRegistry()
	id := reg.NextID()
	require.EqualValues(t, 1, id)

	var got verbs.WorkCompletion
	require.NoError(t, reg.Register(id, func(wc verbs.WorkCompletion) { got = wc }))
	require.Equal(t, 1, reg.Len())

	cb, ok := reg.Take(id)
	require.True(t, ok)
	cb(verbs.WorkCompletion{WRID: id, ByteLen: 4})
	require.Equal(t, id, got.WRID)
	require.Equal(t, 0, reg.Len())

	_, ok = reg.Take(id)
	require.False(t, ok)
}

func TestCallbackRegistryRejectsDuplicateRegistration(t *testing.T) {
	reg := completion.NewCallbackRegistry()
	id := reg.NextID()
	require.NoError(t, reg.Register(id, func(verbs.WorkCompletion) {}))
	require.Error(t, reg.Register(id, func(verbs.WorkCompletion) {}))
}

func TestExecutorRunsSubmittedJobs(t *testing.T) {
	exec := completion.NewExecutor(completion.ExecutorConfig{WorkerCount: 2, QueueDepth: 4})
	defer exec.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, exec.Submit(context.Background(), func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		}))
	}
	wg.Wait()
	require.Equal(t, 50, seen)
}

// peer bundles the verbs handles one simulated RC endpoint needs, enough
// to drive the Driver contract directly without the qp package's state
// machine (not under test here).
type peer struct {
	driver verbs.Driver
	dev    *verbs.Device
	pd     *verbs.PD
	cq     *verbs.CQ
	qp     verbs.QPHandle
}

func newLoopbackPeer(t *testing.T, fabric *simverbs.Fabric) *peer {
	t.Helper()
	index := fabric.AddDevice(verbs.AtomicCapHCA)
	driver := simverbs.NewDriver(fabric)
	dev, err := verbs.OpenDevice(driver, index, 1)
	require.NoError(t, err)
	pd, err := verbs.AllocPD(dev)
	require.NoError(t, err)
	cq, err := verbs.CreateCQ(dev, 0)
	require.NoError(t, err)
	qp, err := driver.CreateQP(verbs.QPInitAttr{PD: pd.Handle(), SendCQ: cq.Handle(), RecvCQ: cq.Handle(), Signaled: true})
	require.NoError(t, err)
	require.NoError(t, driver.ModifyQPToInit(qp, 1, verbs.DefaultAccessFlags))
	return &peer{driver: driver, dev: dev, pd: pd, cq: cq, qp: qp}
}

func connectLoopbackPeers(t *testing.T, a, b *peer) {
	t.Helper()
	aNum, err := a.driver.QueryQPNum(a.qp)
	require.NoError(t, err)
	bNum, err := b.driver.QueryQPNum(b.qp)
	require.NoError(t, err)

	require.NoError(t, a.driver.ModifyQPToRTR(a.qp, verbs.RTRAttr{RemoteLID: b.dev.LID(), RemoteQPN: bNum}))
	require.NoError(t, b.driver.ModifyQPToRTR(b.qp, verbs.RTRAttr{RemoteLID: a.dev.LID(), RemoteQPN: aNum}))
	require.NoError(t, a.driver.ModifyQPToRTS(a.qp, verbs.RTSAttr{SQPSN: 1}))
	require.NoError(t, b.driver.ModifyQPToRTS(b.qp, verbs.RTSAttr{SQPSN: 1}))
}

func TestPollerRoutesCompletionToRegisteredCallback(t *testing.T) {
	fabric := simverbs.NewFabric()
	client := newLoopbackPeer(t, fabric)
	server := newLoopbackPeer(t, fabric)
	connectLoopbackPeers(t, client, server)

	reg := completion.NewCallbackRegistry()
	exec := completion.NewExecutor(completion.ExecutorConfig{})
	defer exec.Close()
	poller := completion.NewPoller(client.cq, reg, exec, completion.PollerConfig{})
	poller.Start(context.Background())
	defer poller.Stop()

	resultCh := make(chan verbs.WorkCompletion, 1)
	id := reg.NextID()
	require.NoError(t, reg.Register(id, func(wc verbs.WorkCompletion) { resultCh <- wc }))

	recvBuf := make([]byte, 8)
	require.NoError(t, server.driver.PostRecv(server.qp, verbs.WorkRequest{WRID: 999, Buf: recvBuf}))
	require.NoError(t, client.driver.PostSend(client.qp, verbs.WorkRequest{WRID: id, Opcode: verbs.OpcodeSend, Buf: []byte("pingpng!"), Signaled: true}))

	select {
	case wc := <-resultCh:
		require.Equal(t, id, wc.WRID)
		require.Equal(t, verbs.StatusSuccess, wc.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
