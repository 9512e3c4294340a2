package rendezvous

import (
	"context"

	"github.com/gorcverbs/gorcverbs/completion"
	"github.com/gorcverbs/gorcverbs/netio"
	"github.com/gorcverbs/gorcverbs/qp"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// Acceptor is the passive side of the rendezvous: a listener plus the verbs
// resources every accepted QP is built on.
type Acceptor struct {
	listener *netio.Listener
	pd       *verbs.PD
	sendCQ   *verbs.CQ
	recvCQ   *verbs.CQ
	srq      *verbs.SRQ
	registry *completion.CallbackRegistry
	cfg      qp.Config
	userData []byte
}

// NewAcceptor accepts peers on an already bound listener and binds every accepted QP to pd's
// device, sendCQ/recvCQ (may alias), and an optional srq.
func NewAcceptor(loop *netio.Listener, pd *verbs.PD, sendCQ, recvCQ *verbs.CQ, srq *verbs.SRQ, registry *completion.CallbackRegistry, cfg qp.Config) *Acceptor {
	return &Acceptor{listener: loop, pd: pd, sendCQ: sendCQ, recvCQ: recvCQ, srq: srq, registry: registry, cfg: cfg}
}

// SetUserData sets the opaque payload this side's handshake carries to
// every subsequently accepted peer.
func (a *Acceptor) SetUserData(data []byte) {
	a.userData = data
}

// Accept accepts one peer: accept a TCP connection, receive the
// peer's handshake, construct a new QP directly into RTS using it, store
// the peer's user data, send this side's own handshake, and return the
// QP. Any failure destroys the partially constructed QP before returning.
func (a *Acceptor) Accept(ctx context.Context) (result *qp.QP, err error) {
	conn, err := a.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	remote, err := receiveHandshake(ctx, conn)
	if err != nil {
		return nil, err
	}

	q, err := qp.New(a.pd, a.sendCQ, a.recvCQ, a.srq, a.registry, a.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	if err = q.TransitionToRTR(remote.LID, remote.QPNum, remote.SQPSN, remote.GID); err != nil {
		return nil, err
	}
	if err = q.TransitionToRTS(); err != nil {
		return nil, err
	}
	q.SetUserData(remote.UserData)

	if err = writeAll(ctx, conn, q.Handshake(a.userData).Serialize()); err != nil {
		return nil, err
	}
	return q, nil
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}
