package rendezvous

import (
	"context"

	"github.com/gorcverbs/gorcverbs/completion"
	"github.com/gorcverbs/gorcverbs/ioloop"
	"github.com/gorcverbs/gorcverbs/netio"
	"github.com/gorcverbs/gorcverbs/qp"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// Connector is the active side of the rendezvous: dials out, then drives a new QP
// through INIT -> RTR -> RTS using the peer's handshake.
type Connector struct {
	loop     *ioloop.Loop
	pd       *verbs.PD
	sendCQ   *verbs.CQ
	recvCQ   *verbs.CQ
	srq      *verbs.SRQ
	registry *completion.CallbackRegistry
	cfg      qp.Config
}

// NewConnector binds every connected QP to pd's device, sendCQ/recvCQ (may
// alias), and an optional srq.
func NewConnector(loop *ioloop.Loop, pd *verbs.PD, sendCQ, recvCQ *verbs.CQ, srq *verbs.SRQ, registry *completion.CallbackRegistry, cfg qp.Config) *Connector {
	return &Connector{loop: loop, pd: pd, sendCQ: sendCQ, recvCQ: recvCQ, srq: srq, registry: registry, cfg: cfg}
}

// Connect dials address: connect, construct a QP in INIT, send
// this side's handshake with userData, receive the peer's, drive RTR then
// RTS, store the peer's user data, and return the QP. The connector sends
// before it receives; combined with the acceptor sending after receiving,
// this guarantees each side knows its peer's qp_num/sq_psn before RTR.
func (c *Connector) Connect(ctx context.Context, address string, userData []byte) (result *qp.QP, err error) {
	conn, err := netio.Dial(ctx, c.loop, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q, err := qp.New(c.pd, c.sendCQ, c.recvCQ, c.srq, c.registry, c.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	if err = writeAll(ctx, conn, q.Handshake(userData).Serialize()); err != nil {
		return nil, err
	}

	remote, err := receiveHandshake(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err = q.TransitionToRTR(remote.LID, remote.QPNum, remote.SQPSN, remote.GID); err != nil {
		return nil, err
	}
	if err = q.TransitionToRTS(); err != nil {
		return nil, err
	}
	q.SetUserData(remote.UserData)

	return q, nil
}
