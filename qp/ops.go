package qp

import (
	"context"
	"encoding/binary"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
	"github.com/gorcverbs/gorcverbs/task"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// RecvResult is the resume value of a recv: byte_len plus an optional
// immediate, present iff the completion carried one.
type RecvResult struct {
	ByteLen uint32
	Imm     uint32
	HasImm  bool
}

// postSend is the shared posting protocol for every send-side
// operation: allocate a callback, build the work request, post it, and
// block the calling goroutine (the task's goroutine, standing in for a
// suspended coroutine) for the routed completion. A synchronous post
// failure abandons the callback registration and returns immediately
// without suspending.
func (qp *QP) postSend(ctx context.Context, wr verbs.WorkRequest) (verbs.WorkCompletion, error) {
	if qp.State() != StateRTS {
		return verbs.WorkCompletion{}, rdmaerr.New("qp.postSend", rdmaerr.Precondition, "qp not in RTS state")
	}

	resultCh := make(chan verbs.WorkCompletion, 1)
	id := qp.registry.NextID()
	if err := qp.registry.Register(id, func(wc verbs.WorkCompletion) { resultCh <- wc }); err != nil {
		return verbs.WorkCompletion{}, rdmaerr.Wrap("qp.postSend", rdmaerr.Resource, err)
	}

	wr.WRID = id
	wr.Signaled = true
	if err := qp.driver.PostSend(qp.handle, wr); err != nil {
		qp.registry.Abandon(id)
		return verbs.WorkCompletion{}, rdmaerr.Wrap("qp.postSend", rdmaerr.Resource, err)
	}

	select {
	case wc := <-resultCh:
		if wc.Status != verbs.StatusSuccess {
			return wc, rdmaerr.New("qp.postSend", rdmaerr.Completion, "work request failed: "+wc.VendorMsg)
		}
		return wc, nil
	case <-ctx.Done():
		return verbs.WorkCompletion{}, ctx.Err()
	}
}

// postRecv mirrors postSend for the receive side, posting to the QP's own
// RQ or to its SRQ per the policy fixed at construction.
func (qp *QP) postRecv(ctx context.Context, buf []byte) (verbs.WorkCompletion, error) {
	if qp.State() != StateRTS {
		return verbs.WorkCompletion{}, rdmaerr.New("qp.postRecv", rdmaerr.Precondition, "qp not in RTS state")
	}

	resultCh := make(chan verbs.WorkCompletion, 1)
	id := qp.registry.NextID()
	if err := qp.registry.Register(id, func(wc verbs.WorkCompletion) { resultCh <- wc }); err != nil {
		return verbs.WorkCompletion{}, rdmaerr.Wrap("qp.postRecv", rdmaerr.Resource, err)
	}

	wr := verbs.WorkRequest{WRID: id, Opcode: verbs.OpcodeRecv, Buf: buf}
	var err error
	if qp.srq != nil {
		err = qp.driver.PostRecvSRQ(qp.srq.Handle(), wr)
	} else {
		err = qp.driver.PostRecv(qp.handle, wr)
	}
	if err != nil {
		qp.registry.Abandon(id)
		return verbs.WorkCompletion{}, rdmaerr.Wrap("qp.postRecv", rdmaerr.Resource, err)
	}

	select {
	case wc := <-resultCh:
		if wc.Status != verbs.StatusSuccess {
			return wc, rdmaerr.New("qp.postRecv", rdmaerr.Completion, "receive failed: "+wc.VendorMsg)
		}
		return wc, nil
	case <-ctx.Done():
		return verbs.WorkCompletion{}, ctx.Err()
	}
}

// withTempMR registers buf as a temporary local MR for the duration of fn,
// deregistering it unconditionally afterward, for callers that pass a raw
// buffer instead of an application-owned *verbs.LocalMR.
func (qp *QP) withTempMR(buf []byte, fn func(mr *verbs.LocalMR) (verbs.WorkCompletion, error)) (verbs.WorkCompletion, error) {
	mr, err := verbs.RegisterMR(qp.pd, buf, verbs.DefaultAccessFlags)
	if err != nil {
		return verbs.WorkCompletion{}, rdmaerr.Wrap("qp.withTempMR", rdmaerr.Resource, err)
	}
	defer mr.Deregister()
	return fn(mr)
}

// Send posts buf as a SEND, registering and deregistering a temporary MR.
func (qp *QP) Send(ctx context.Context, buf []byte) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{Opcode: verbs.OpcodeSend, Buf: buf, LKey: mr.LKey()})
		})
		return int(wc.ByteLen), err
	})
}

// SendMR posts mr's contents as a SEND, using the caller-owned MR
// directly; the caller controls mr's lifetime.
func (qp *QP) SendMR(ctx context.Context, mr *verbs.LocalMR) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.postSend(ctx, verbs.WorkRequest{Opcode: verbs.OpcodeSend, Buf: mr.Bytes(), LKey: mr.LKey()})
		return int(wc.ByteLen), err
	})
}

// Recv posts buf as a receive buffer, registering and deregistering a
// temporary MR. buf may be empty, e.g. a receive posted only to catch an
// RDMA_WRITE_WITH_IMM notification, which carries no payload of its own.
func (qp *QP) Recv(ctx context.Context, buf []byte) *task.Task[RecvResult] {
	return task.Go(ctx, func(ctx context.Context) (RecvResult, error) {
		if len(buf) == 0 {
			wc, err := qp.postRecv(ctx, buf)
			return RecvResult{ByteLen: wc.ByteLen, Imm: wc.Imm, HasImm: wc.HasImm}, err
		}
		mr, err := verbs.RegisterMR(qp.pd, buf, verbs.DefaultAccessFlags)
		if err != nil {
			return RecvResult{}, rdmaerr.Wrap("qp.Recv", rdmaerr.Resource, err)
		}
		defer mr.Deregister()
		wc, err := qp.postRecv(ctx, buf)
		return RecvResult{ByteLen: wc.ByteLen, Imm: wc.Imm, HasImm: wc.HasImm}, err
	})
}

// RecvMR posts mr as a receive buffer, using the caller-owned MR directly.
func (qp *QP) RecvMR(ctx context.Context, mr *verbs.LocalMR) *task.Task[RecvResult] {
	return task.Go(ctx, func(ctx context.Context) (RecvResult, error) {
		wc, err := qp.postRecv(ctx, mr.Bytes())
		return RecvResult{ByteLen: wc.ByteLen, Imm: wc.Imm, HasImm: wc.HasImm}, err
	})
}

// Write posts buf as an RDMA_WRITE to remote, registering and
// deregistering a temporary MR.
func (qp *QP) Write(ctx context.Context, remote verbs.RemoteMR, buf []byte) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{
				Opcode: verbs.OpcodeRDMAWrite, Buf: buf, LKey: mr.LKey(),
				RemoteAddr: remote.Addr, RemoteRKey: remote.RKey,
			})
		})
		return int(wc.ByteLen), err
	})
}

// WriteWithImm posts buf as an RDMA_WRITE_WITH_IMM to remote carrying imm.
func (qp *QP) WriteWithImm(ctx context.Context, remote verbs.RemoteMR, buf []byte, imm uint32) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{
				Opcode: verbs.OpcodeRDMAWriteWithImm, Buf: buf, LKey: mr.LKey(),
				RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Imm: imm,
			})
		})
		return int(wc.ByteLen), err
	})
}

// WriteMR posts mr's contents as an RDMA_WRITE to remote, using the
// caller-owned MR directly.
func (qp *QP) WriteMR(ctx context.Context, remote verbs.RemoteMR, mr *verbs.LocalMR) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.postSend(ctx, verbs.WorkRequest{
			Opcode: verbs.OpcodeRDMAWrite, Buf: mr.Bytes(), LKey: mr.LKey(),
			RemoteAddr: remote.Addr, RemoteRKey: remote.RKey,
		})
		return int(wc.ByteLen), err
	})
}

// WriteWithImmMR is WriteWithImm over a caller-owned MR.
func (qp *QP) WriteWithImmMR(ctx context.Context, remote verbs.RemoteMR, mr *verbs.LocalMR, imm uint32) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.postSend(ctx, verbs.WorkRequest{
			Opcode: verbs.OpcodeRDMAWriteWithImm, Buf: mr.Bytes(), LKey: mr.LKey(),
			RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Imm: imm,
		})
		return int(wc.ByteLen), err
	})
}

// Read posts buf as an RDMA_READ destination, fetching remote's contents.
func (qp *QP) Read(ctx context.Context, remote verbs.RemoteMR, buf []byte) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{
				Opcode: verbs.OpcodeRDMARead, Buf: buf, LKey: mr.LKey(),
				RemoteAddr: remote.Addr, RemoteRKey: remote.RKey,
			})
		})
		return int(wc.ByteLen), err
	})
}

// ReadMR is Read over a caller-owned MR.
func (qp *QP) ReadMR(ctx context.Context, remote verbs.RemoteMR, mr *verbs.LocalMR) *task.Task[int] {
	return task.Go(ctx, func(ctx context.Context) (int, error) {
		wc, err := qp.postSend(ctx, verbs.WorkRequest{
			Opcode: verbs.OpcodeRDMARead, Buf: mr.Bytes(), LKey: mr.LKey(),
			RemoteAddr: remote.Addr, RemoteRKey: remote.RKey,
		})
		return int(wc.ByteLen), err
	})
}

// FetchAndAdd performs an ATOMIC_FETCH_AND_ADD against remote, returning
// the pre-add value into buf (which must be 8 bytes) and as the task's
// result. Fails with a precondition error, never posting, if the device
// does not advertise atomic support.
func (qp *QP) FetchAndAdd(ctx context.Context, remote verbs.RemoteMR, buf []byte, add uint64) *task.Task[uint64] {
	return task.Go(ctx, func(ctx context.Context) (uint64, error) {
		if !qp.pd.Device().IsFetchAndAddSupported() {
			return 0, rdmaerr.New("qp.FetchAndAdd", rdmaerr.Precondition, "device does not support fetch_and_add")
		}
		_, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{
				Opcode: verbs.OpcodeAtomicFetchAdd, Buf: buf, LKey: mr.LKey(),
				RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Add: add,
			})
		})
		if err != nil {
			return 0, err
		}
		return decodeAtomicResult(buf), nil
	})
}

// CompareAndSwap performs an ATOMIC_CMP_AND_SWP against remote, returning
// the pre-swap value. Fails with a precondition error, never posting, if
// the device does not advertise atomic support.
func (qp *QP) CompareAndSwap(ctx context.Context, remote verbs.RemoteMR, buf []byte, compare, swap uint64) *task.Task[uint64] {
	return task.Go(ctx, func(ctx context.Context) (uint64, error) {
		if !qp.pd.Device().IsCompareAndSwapSupported() {
			return 0, rdmaerr.New("qp.CompareAndSwap", rdmaerr.Precondition, "device does not support compare_and_swap")
		}
		_, err := qp.withTempMR(buf, func(mr *verbs.LocalMR) (verbs.WorkCompletion, error) {
			return qp.postSend(ctx, verbs.WorkRequest{
				Opcode: verbs.OpcodeAtomicCompareSwap, Buf: buf, LKey: mr.LKey(),
				RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Compare: compare, Swap: swap,
			})
		})
		if err != nil {
			return 0, err
		}
		return decodeAtomicResult(buf), nil
	})
}

// FetchAndAddMR is FetchAndAdd over a caller-owned MR, which must cover at
// least 8 bytes.
func (qp *QP) FetchAndAddMR(ctx context.Context, remote verbs.RemoteMR, mr *verbs.LocalMR, add uint64) *task.Task[uint64] {
	return task.Go(ctx, func(ctx context.Context) (uint64, error) {
		if !qp.pd.Device().IsFetchAndAddSupported() {
			return 0, rdmaerr.New("qp.FetchAndAddMR", rdmaerr.Precondition, "device does not support fetch_and_add")
		}
		_, err := qp.postSend(ctx, verbs.WorkRequest{
			Opcode: verbs.OpcodeAtomicFetchAdd, Buf: mr.Bytes(), LKey: mr.LKey(),
			RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Add: add,
		})
		if err != nil {
			return 0, err
		}
		return decodeAtomicResult(mr.Bytes()), nil
	})
}

// CompareAndSwapMR is CompareAndSwap over a caller-owned MR, which must
// cover at least 8 bytes.
func (qp *QP) CompareAndSwapMR(ctx context.Context, remote verbs.RemoteMR, mr *verbs.LocalMR, compare, swap uint64) *task.Task[uint64] {
	return task.Go(ctx, func(ctx context.Context) (uint64, error) {
		if !qp.pd.Device().IsCompareAndSwapSupported() {
			return 0, rdmaerr.New("qp.CompareAndSwapMR", rdmaerr.Precondition, "device does not support compare_and_swap")
		}
		_, err := qp.postSend(ctx, verbs.WorkRequest{
			Opcode: verbs.OpcodeAtomicCompareSwap, Buf: mr.Bytes(), LKey: mr.LKey(),
			RemoteAddr: remote.Addr, RemoteRKey: remote.RKey, Compare: compare, Swap: swap,
		})
		if err != nil {
			return 0, err
		}
		return decodeAtomicResult(mr.Bytes()), nil
	})
}

func decodeAtomicResult(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:8])
}
