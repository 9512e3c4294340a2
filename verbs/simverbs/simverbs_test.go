package simverbs_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorcverbs/gorcverbs/verbs"
	"github.com/gorcverbs/gorcverbs/verbs/simverbs"
)

type side struct {
	driver *simverbs.Driver
	dev    *verbs.Device
	pd     *verbs.PD
	cq     *verbs.CQ
	qp     verbs.QPHandle
}

func newConnectedPair(t *testing.T, fabric *simverbs.Fabric) (a, b *side) {
	t.Helper()
	a = newSide(t, fabric)
	b = newSide(t, fabric)

	aNum, err := a.driver.QueryQPNum(a.qp)
	require.NoError(t, err)
	bNum, err := b.driver.QueryQPNum(b.qp)
	require.NoError(t, err)

	require.NoError(t, a.driver.ModifyQPToRTR(a.qp, verbs.RTRAttr{RemoteLID: b.dev.LID(), RemoteQPN: bNum}))
	require.NoError(t, b.driver.ModifyQPToRTR(b.qp, verbs.RTRAttr{RemoteLID: a.dev.LID(), RemoteQPN: aNum}))
	require.NoError(t, a.driver.ModifyQPToRTS(a.qp, verbs.RTSAttr{SQPSN: 1}))
	require.NoError(t, b.driver.ModifyQPToRTS(b.qp, verbs.RTSAttr{SQPSN: 1}))
	return a, b
}

func newSide(t *testing.T, fabric *simverbs.Fabric) *side {
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
	return &side{driver: driver, dev: dev, pd: pd, cq: cq, qp: qp}
}

func TestSendRecvDeliversPayload(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	recvBuf := make([]byte, 16)
	require.NoError(t, b.driver.PostRecv(b.qp, verbs.WorkRequest{WRID: 1, Buf: recvBuf}))
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{WRID: 2, Opcode: verbs.OpcodeSend, Buf: []byte("hello world"), Signaled: true}))

	wcs := make([]verbs.WorkCompletion, 2)
	n, err := b.driver.PollCQ(b.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1), wcs[0].WRID)
	require.Equal(t, uint32(len("hello world")), wcs[0].ByteLen)
	require.Equal(t, "hello world", string(recvBuf[:wcs[0].ByteLen]))

	n, err = a.driver.PollCQ(a.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(2), wcs[0].WRID)
}

func TestSendWithoutPostedRecvFails(t *testing.T) {
	fabric := simverbs.NewFabric()
	fabric.SetRNRWait(0)
	a, b := newConnectedPair(t, fabric)
	_ = b
	err := a.driver.PostSend(a.qp, verbs.WorkRequest{WRID: 1, Opcode: verbs.OpcodeSend, Buf: []byte("x")})
	require.Error(t, err)
}

func TestSendWaitsForLatePostedRecv(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	recvBuf := make([]byte, 8)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.driver.PostRecv(b.qp, verbs.WorkRequest{WRID: 7, Buf: recvBuf})
	}()

	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{WRID: 1, Opcode: verbs.OpcodeSend, Buf: []byte("late"), Signaled: true}))

	wcs := make([]verbs.WorkCompletion, 2)
	n, err := b.driver.PollCQ(b.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "late", string(recvBuf[:wcs[0].ByteLen]))
}

func TestRDMAWriteIsSilentAtRemote(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	remoteBuf := make([]byte, 16)
	mr, err := verbs.RegisterMR(b.pd, remoteBuf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	payload := []byte("write-target!!!!")
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 1, Opcode: verbs.OpcodeRDMAWrite, Buf: payload,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Signaled: true,
	}))
	require.Equal(t, payload, remoteBuf)

	wcs := make([]verbs.WorkCompletion, 4)
	n, err := b.driver.PollCQ(b.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 0, n, "plain RDMA_WRITE must not notify the remote side")

	n, err = a.driver.PollCQ(a.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRDMAWriteWithImmNotifiesPostedRecv(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	remoteBuf := make([]byte, 16)
	mr, err := verbs.RegisterMR(b.pd, remoteBuf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	require.NoError(t, b.driver.PostRecv(b.qp, verbs.WorkRequest{WRID: 42, Buf: make([]byte, 0)}))

	payload := []byte("imm-data")
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 1, Opcode: verbs.OpcodeRDMAWriteWithImm, Buf: payload,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Imm: 7, Signaled: true,
	}))

	wcs := make([]verbs.WorkCompletion, 4)
	n, err := b.driver.PollCQ(b.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(42), wcs[0].WRID)
	require.Equal(t, uint32(0), wcs[0].ByteLen, "the payload bypasses the posted receive buffer")
	require.True(t, wcs[0].HasImm)
	require.EqualValues(t, 7, wcs[0].Imm)
	require.Equal(t, payload, remoteBuf[:len(payload)])
}

func TestRDMAReadFetchesRemoteMemory(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	remoteBuf := []byte("remote-source!!!")
	mr, err := verbs.RegisterMR(b.pd, remoteBuf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	localBuf := make([]byte, len(remoteBuf))
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 1, Opcode: verbs.OpcodeRDMARead, Buf: localBuf,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Signaled: true,
	}))
	require.Equal(t, remoteBuf, localBuf)

	wcs := make([]verbs.WorkCompletion, 4)
	n, err := b.driver.PollCQ(b.cq.Handle(), wcs)
	require.NoError(t, err)
	require.Equal(t, 0, n, "RDMA_READ must not touch the remote CQ")
}

func TestAtomicFetchAndAdd(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	remoteBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(remoteBuf, 100)
	mr, err := verbs.RegisterMR(b.pd, remoteBuf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	result := make([]byte, 8)
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 1, Opcode: verbs.OpcodeAtomicFetchAdd, Buf: result,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Add: 5, Signaled: true,
	}))
	require.EqualValues(t, 100, binary.LittleEndian.Uint64(result))
	require.EqualValues(t, 105, binary.LittleEndian.Uint64(remoteBuf))
}

func TestAtomicCompareAndSwap(t *testing.T) {
	a, b := newConnectedPair(t, simverbs.NewFabric())

	remoteBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(remoteBuf, 100)
	mr, err := verbs.RegisterMR(b.pd, remoteBuf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	result := make([]byte, 8)
	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 1, Opcode: verbs.OpcodeAtomicCompareSwap, Buf: result,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Compare: 999, Swap: 42, Signaled: true,
	}))
	require.EqualValues(t, 100, binary.LittleEndian.Uint64(result), "mismatched compare must not swap")
	require.EqualValues(t, 100, binary.LittleEndian.Uint64(remoteBuf))

	require.NoError(t, a.driver.PostSend(a.qp, verbs.WorkRequest{
		WRID: 2, Opcode: verbs.OpcodeAtomicCompareSwap, Buf: result,
		RemoteAddr: mr.Addr(), RemoteRKey: mr.RKey(), Compare: 100, Swap: 42, Signaled: true,
	}))
	require.EqualValues(t, 100, binary.LittleEndian.Uint64(result))
	require.EqualValues(t, 42, binary.LittleEndian.Uint64(remoteBuf))
}

func TestPostSendBeforeRTSFails(t *testing.T) {
	fabric := simverbs.NewFabric()
	s := newSide(t, fabric)
	err := s.driver.PostSend(s.qp, verbs.WorkRequest{WRID: 1, Opcode: verbs.OpcodeSend, Buf: []byte("x")})
	require.Error(t, err)
}

func TestDeviceCountAndAddressing(t *testing.T) {
	fabric := simverbs.NewFabric()
	first := fabric.AddDevice(verbs.AtomicCapHCA)
	second := fabric.AddDevice(verbs.AtomicCapHCA)
	require.Equal(t, 0, first)
	require.Equal(t, 1, second)

	driver := simverbs.NewDriver(fabric)
	require.Equal(t, 2, driver.DeviceCount())
}
