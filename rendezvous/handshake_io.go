package rendezvous

import (
	"context"

	"github.com/gorcverbs/gorcverbs/netio"
	"github.com/gorcverbs/gorcverbs/qp"
)

// receiveHandshake reads one handshake record off conn: the fixed header,
// then exactly user_data_size body bytes.
func receiveHandshake(ctx context.Context, conn *netio.Conn) (qp.Handshake, error) {
	header := make([]byte, qp.HeaderSize)
	if err := readFull(ctx, conn, header); err != nil {
		return qp.Handshake{}, err
	}
	h, userDataSize, err := qp.DeserializeHeader(header)
	if err != nil {
		return qp.Handshake{}, err
	}
	if userDataSize > 0 {
		h.UserData = make([]byte, userDataSize)
		if err := readFull(ctx, conn, h.UserData); err != nil {
			return qp.Handshake{}, err
		}
	}
	return h, nil
}
