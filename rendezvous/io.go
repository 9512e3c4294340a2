// Package rendezvous implements the out-of-band acceptor/connector
// handshake: swap serialized QP identities over a netio.Conn and drive the
// new QP to RTS, in the order that guarantees each side knows its peer's
// qp_num/sq_psn before transitioning.
package rendezvous

import (
	"context"

	"github.com/gorcverbs/gorcverbs/netio"
	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

// writeAll writes buf in full, handling short writes; a zero-byte write
// is a failure.
func writeAll(ctx context.Context, conn *netio.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(ctx, buf)
		if err != nil {
			return rdmaerr.Wrap("rendezvous.writeAll", rdmaerr.Wire, err)
		}
		if n == 0 {
			return rdmaerr.New("rendezvous.writeAll", rdmaerr.Wire, "remote closed unexpectedly while sending qp header")
		}
		buf = buf[n:]
	}
	return nil
}

// readFull reads exactly len(buf) bytes, handling short reads; a
// zero-byte read mid-record is a failure, not orderly close, because it
// happens inside a fixed-size record the peer is still writing.
func readFull(ctx context.Context, conn *netio.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Read(ctx, buf)
		if err != nil {
			return rdmaerr.Wrap("rendezvous.readFull", rdmaerr.Wire, err)
		}
		if n == 0 {
			return rdmaerr.New("rendezvous.readFull", rdmaerr.Wire, "remote closed unexpectedly while receiving qp header")
		}
		buf = buf[n:]
	}
	return nil
}
