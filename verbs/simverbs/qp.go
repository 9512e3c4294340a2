package simverbs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/gorcverbs/gorcverbs/verbs"
)

type qpState struct {
	mu sync.Mutex

	device *deviceState
	pd     *pdState
	sendCQ *cqState
	recvCQ *cqState
	srq    *srqState

	qpNum  uint32
	state  string // RESET, INIT, RTR, RTS
	sqPSN  uint32

	remoteLID   uint16
	remoteQPNum uint32

	recvQueue []pendingRecv
}

func (qp *qpState) popRecv() (pendingRecv, bool) {
	if qp.srq != nil {
		return qp.srq.pop()
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if len(qp.recvQueue) == 0 {
		return pendingRecv{}, false
	}
	r := qp.recvQueue[0]
	qp.recvQueue = qp.recvQueue[1:]
	return r, true
}

// waitRecv polls popRecv until deadline, pacing with a short sleep the way
// a real HCA paces RNR retries. The sender's posting goroutine is the one
// that blocks, which matches where an RNR NAK stalls a real send queue.
func (qp *qpState) waitRecv(deadline time.Time) (pendingRecv, bool) {
	for {
		if r, ok := qp.popRecv(); ok {
			return r, true
		}
		if !time.Now().Before(deadline) {
			return pendingRecv{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Driver) CreateQP(attr verbs.QPInitAttr) (verbs.QPHandle, error) {
	pd := attr.PD.(*pdState)
	sendCQ := attr.SendCQ.(*cqState)
	recvCQ := attr.RecvCQ.(*cqState)
	var srq *srqState
	if attr.SRQ != nil {
		srq = attr.SRQ.(*srqState)
	}

	dev := pd.device
	dev.mu.Lock()
	dev.nextQPNum++
	qpNum := dev.nextQPNum
	qp := &qpState{
		device: dev,
		pd:     pd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		srq:    srq,
		qpNum:  qpNum,
		state:  "RESET",
	}
	dev.qps[qpNum] = qp
	dev.mu.Unlock()

	return qp, nil
}

func (d *Driver) QueryQPNum(h verbs.QPHandle) (uint32, error) {
	qp := h.(*qpState)
	return qp.qpNum, nil
}

func (d *Driver) ModifyQPToInit(h verbs.QPHandle, portNum int, flags verbs.AccessFlags) error {
	qp := h.(*qpState)
	qp.mu.Lock()
	qp.state = "INIT"
	qp.mu.Unlock()
	return nil
}

func (d *Driver) ModifyQPToRTR(h verbs.QPHandle, attr verbs.RTRAttr) error {
	qp := h.(*qpState)
	qp.mu.Lock()
	if qp.state != "INIT" {
		qp.mu.Unlock()
		return fmt.Errorf("simverbs: qp %d not in INIT state", qp.qpNum)
	}
	qp.state = "RTR"
	qp.remoteLID = attr.RemoteLID
	qp.remoteQPNum = attr.RemoteQPN
	qp.mu.Unlock()
	return nil
}

func (d *Driver) ModifyQPToRTS(h verbs.QPHandle, attr verbs.RTSAttr) error {
	qp := h.(*qpState)
	qp.mu.Lock()
	if qp.state != "RTR" {
		qp.mu.Unlock()
		return fmt.Errorf("simverbs: qp %d not in RTR state", qp.qpNum)
	}
	qp.state = "RTS"
	qp.sqPSN = attr.SQPSN
	qp.mu.Unlock()
	return nil
}

func (d *Driver) DestroyQP(h verbs.QPHandle) error {
	qp := h.(*qpState)
	qp.device.mu.Lock()
	delete(qp.device.qps, qp.qpNum)
	qp.device.mu.Unlock()
	return nil
}

// atomicMu serializes RDMA atomics across the whole fabric. A real device
// guarantees atomicity per remote location, not fabric-wide; one mutex is a
// simplification acceptable for a test/demo driver, not a concurrency
// model to emulate production behavior under.
var atomicMu sync.Mutex

func bytesAt(addr uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func (d *Driver) PostSend(h verbs.QPHandle, wr verbs.WorkRequest) error {
	qp := h.(*qpState)
	qp.mu.Lock()
	if qp.state != "RTS" {
		qp.mu.Unlock()
		return fmt.Errorf("simverbs: qp %d not in RTS state", qp.qpNum)
	}
	remoteLID, remoteQPNum := qp.remoteLID, qp.remoteQPNum
	sendCQ := qp.sendCQ
	qp.mu.Unlock()

	peer, ok := d.fabric.lookupQP(remoteLID, remoteQPNum)
	if !ok {
		return fmt.Errorf("simverbs: peer qp (lid=%d qpn=%d) not found", remoteLID, remoteQPNum)
	}

	switch wr.Opcode {
	case verbs.OpcodeSend:
		recv, ok := peer.waitRecv(d.fabric.rnrDeadline())
		if !ok {
			return fmt.Errorf("simverbs: peer has no posted receive for SEND")
		}
		n := copy(recv.buf, wr.Buf)
		peer.recvCQ.push(verbs.WorkCompletion{WRID: recv.wrID, Status: verbs.StatusSuccess, Opcode: verbs.OpcodeRecv, ByteLen: uint32(n)})

	case verbs.OpcodeRDMAWrite:
		copy(bytesAt(wr.RemoteAddr, uint32(len(wr.Buf))), wr.Buf)

	case verbs.OpcodeRDMAWriteWithImm:
		copy(bytesAt(wr.RemoteAddr, uint32(len(wr.Buf))), wr.Buf)
		recv, ok := peer.waitRecv(d.fabric.rnrDeadline())
		if !ok {
			return fmt.Errorf("simverbs: peer has no posted receive for RDMA_WRITE_WITH_IMM notification")
		}
		peer.recvCQ.push(verbs.WorkCompletion{WRID: recv.wrID, Status: verbs.StatusSuccess, Opcode: verbs.OpcodeRecv, ByteLen: 0, HasImm: true, Imm: wr.Imm})

	case verbs.OpcodeRDMARead:
		copy(wr.Buf, bytesAt(wr.RemoteAddr, uint32(len(wr.Buf))))

	case verbs.OpcodeAtomicFetchAdd:
		atomicMu.Lock()
		b := bytesAt(wr.RemoteAddr, 8)
		old := binary.LittleEndian.Uint64(b)
		binary.LittleEndian.PutUint64(b, old+wr.Add)
		atomicMu.Unlock()
		binary.LittleEndian.PutUint64(wr.Buf[:8], old)

	case verbs.OpcodeAtomicCompareSwap:
		atomicMu.Lock()
		b := bytesAt(wr.RemoteAddr, 8)
		old := binary.LittleEndian.Uint64(b)
		if old == wr.Compare {
			binary.LittleEndian.PutUint64(b, wr.Swap)
		}
		atomicMu.Unlock()
		binary.LittleEndian.PutUint64(wr.Buf[:8], old)

	default:
		return fmt.Errorf("simverbs: unsupported opcode %s", wr.Opcode)
	}

	if wr.Signaled {
		sendCQ.push(verbs.WorkCompletion{WRID: wr.WRID, Status: verbs.StatusSuccess, Opcode: wr.Opcode, ByteLen: uint32(len(wr.Buf))})
	}
	return nil
}
