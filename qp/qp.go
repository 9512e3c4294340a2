// Package qp implements the RC queue-pair engine: the RESET->INIT->RTR->RTS
// lifecycle, the handshake wire format, and the seven data-plane
// operations as suspendable tasks (send, recv, write, write_with_imm,
// read, fetch_and_add, compare_and_swap).
package qp

import (
	"sync"
	"sync/atomic"

	"github.com/gorcverbs/gorcverbs/completion"
	"github.com/gorcverbs/gorcverbs/rdmaerr"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// State is a QP's position in the RESET->INIT->RTR->RTS lifecycle.
type State int

const (
	StateInit State = iota
	StateRTR
	StateRTS
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	default:
		return "UNKNOWN"
	}
}

// Config carries the per-QP retry knobs: retry_cnt and rnr_retry both
// default to 1.
type Config struct {
	RetryCnt int
	RNRRetry int
}

// DefaultConfig returns the default retry parameters.
func DefaultConfig() Config {
	return Config{RetryCnt: 1, RNRRetry: 1}
}

func (c Config) withDefaults() Config {
	if c.RetryCnt == 0 {
		c.RetryCnt = 1
	}
	if c.RNRRetry == 0 {
		c.RNRRetry = 1
	}
	return c
}

// nextSQPSN is the process-wide monotonic sq_psn counter, starting at 1
// (the zero value plus one Add).
var nextSQPSN atomic.Uint32

func allocateSQPSN() uint32 { return nextSQPSN.Add(1) }

// QP is an owning handle over a verbs RC queue pair plus the bookkeeping
// the posting protocol needs: a callback registry shared with the CQ
// poller driving its send/recv CQs, and the identity fields a handshake
// needs to hand to a peer.
type QP struct {
	driver verbs.Driver
	handle verbs.QPHandle

	pd     *verbs.PD
	sendCQ *verbs.CQ
	recvCQ *verbs.CQ
	srq    *verbs.SRQ

	registry *completion.CallbackRegistry

	qpNum uint32
	sqPSN uint32
	cfg   Config

	mu       sync.Mutex
	state    State
	closed   bool
	userData []byte

	remoteLID   uint16
	remoteQPNum uint32
}

// New constructs an unconnected QP (RESET->INIT): verbs create
// plus the INIT transition, with send/recv depth 128 and single-SGE per
// direction. srq may be nil, fixing the post-receive policy to the QP's
// own RQ for its lifetime.
func New(pd *verbs.PD, sendCQ, recvCQ *verbs.CQ, srq *verbs.SRQ, registry *completion.CallbackRegistry, cfg Config) (*QP, error) {
	cfg = cfg.withDefaults()
	driver := pd.Driver()

	attr := verbs.QPInitAttr{
		PD:      pd.Handle(),
		SendCQ:  sendCQ.Handle(),
		RecvCQ:  recvCQ.Handle(),
		SQDepth: 128,
		RQDepth: 128,
		MaxSGE:  1,
	}
	var srqHandle verbs.SRQHandle
	if srq != nil {
		srqHandle = srq.Handle()
		attr.SRQ = srqHandle
	}

	handle, err := driver.CreateQP(attr)
	if err != nil {
		return nil, rdmaerr.Wrap("qp.New", rdmaerr.Resource, err)
	}
	qpNum, err := driver.QueryQPNum(handle)
	if err != nil {
		_ = driver.DestroyQP(handle)
		return nil, rdmaerr.Wrap("qp.New", rdmaerr.Resource, err)
	}

	port := pd.Device().Port()
	if err := driver.ModifyQPToInit(handle, port, verbs.DefaultAccessFlags); err != nil {
		_ = driver.DestroyQP(handle)
		return nil, rdmaerr.Wrap("qp.New", rdmaerr.Resource, err)
	}

	pd.Retain()
	sendCQ.Retain()
	recvCQ.Retain()
	if srq != nil {
		srq.Retain()
	}

	return &QP{
		driver:   driver,
		handle:   handle,
		pd:       pd,
		sendCQ:   sendCQ,
		recvCQ:   recvCQ,
		srq:      srq,
		registry: registry,
		qpNum:    qpNum,
		sqPSN:    allocateSQPSN(),
		cfg:      cfg,
		state:    StateInit,
	}, nil
}

func (qp *QP) LID() uint16 { return qp.pd.Device().LID() }
func (qp *QP) GID() verbs.GID { return qp.pd.Device().GID() }
func (qp *QP) QPNum() uint32 { return qp.qpNum }
func (qp *QP) SQPSN() uint32 { return qp.sqPSN }
func (qp *QP) UserData() []byte { return qp.userData }
func (qp *QP) Handle() verbs.QPHandle { return qp.handle }

// SetUserData records the payload received from a peer during the
// handshake.
func (qp *QP) SetUserData(data []byte) {
	qp.mu.Lock()
	qp.userData = data
	qp.mu.Unlock()
}

// Handshake produces this QP's own serialized identity, for the acceptor
// and connector to write to their peer.
func (qp *QP) Handshake(userData []byte) Handshake {
	return Handshake{LID: qp.LID(), QPNum: qp.qpNum, SQPSN: qp.sqPSN, GID: qp.GID(), UserData: userData}
}

func (qp *QP) State() State {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// TransitionToRTR drives INIT -> RTR using a peer's handshake fields.
// A failure here is fatal for the QP:
// the caller must destroy it, never retry the transition.
func (qp *QP) TransitionToRTR(remoteLID uint16, remoteQPNum, remotePSN uint32, remoteGID verbs.GID) error {
	qp.mu.Lock()
	if qp.state != StateInit {
		qp.mu.Unlock()
		return rdmaerr.New("qp.TransitionToRTR", rdmaerr.Precondition, "qp not in INIT state")
	}
	qp.mu.Unlock()

	err := qp.driver.ModifyQPToRTR(qp.handle, verbs.RTRAttr{
		PathMTU:         4096,
		RemoteLID:       remoteLID,
		RemoteQPN:       remoteQPNum,
		RemotePSN:       remotePSN,
		RemoteGID:       remoteGID,
		UseGID:          !remoteGID.IsZero(),
		MinRNRTimer:     12,
		MaxDestRDAtomic: 1,
		PortNum:         qp.pd.Device().Port(),
	})
	if err != nil {
		return rdmaerr.Wrap("qp.TransitionToRTR", rdmaerr.Resource, err)
	}

	qp.mu.Lock()
	qp.state = StateRTR
	qp.remoteLID = remoteLID
	qp.remoteQPNum = remoteQPNum
	qp.mu.Unlock()
	return nil
}

// TransitionToRTS drives RTR -> RTS using this QP's own allocated sq_psn
// and its configured retry parameters.
func (qp *QP) TransitionToRTS() error {
	qp.mu.Lock()
	if qp.state != StateRTR {
		qp.mu.Unlock()
		return rdmaerr.New("qp.TransitionToRTS", rdmaerr.Precondition, "qp not in RTR state")
	}
	qp.mu.Unlock()

	err := qp.driver.ModifyQPToRTS(qp.handle, verbs.RTSAttr{
		Timeout:     14,
		RetryCnt:    qp.cfg.RetryCnt,
		RNRRetry:    qp.cfg.RNRRetry,
		MaxRDAtomic: 1,
		SQPSN:       qp.sqPSN,
	})
	if err != nil {
		return rdmaerr.Wrap("qp.TransitionToRTS", rdmaerr.Resource, err)
	}

	qp.mu.Lock()
	qp.state = StateRTS
	qp.mu.Unlock()
	return nil
}

// Close destroys the verbs QP and releases its hold on its PD, CQs, and
// SRQ, following leaves-first destruction order. Safe to call once
// all outstanding requests have completed or been abandoned by teardown.
func (qp *QP) Close() error {
	qp.mu.Lock()
	if qp.closed {
		qp.mu.Unlock()
		return nil
	}
	qp.closed = true
	qp.mu.Unlock()

	if err := qp.driver.DestroyQP(qp.handle); err != nil {
		return rdmaerr.Wrap("qp.Close", rdmaerr.Resource, err)
	}
	qp.pd.Release()
	qp.sendCQ.Release()
	qp.recvCQ.Release()
	if qp.srq != nil {
		qp.srq.Release()
	}
	return nil
}
