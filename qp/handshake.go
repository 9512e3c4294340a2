package qp

import (
	"encoding/binary"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// HeaderSize is the fixed portion of the handshake record (everything
// before user_data).
const HeaderSize = 2 + 4 + 4 + 4 + 16

// Handshake is the wire record exchanged by the acceptor and connector to
// bring up an RC connection: enough of a remote QP's identity to drive it
// through RTR/RTS, plus an opaque application payload.
type Handshake struct {
	LID      uint16
	QPNum    uint32
	SQPSN    uint32
	GID      verbs.GID
	UserData []byte
}

// Serialize produces the big-endian record: lid, qp_num, sq_psn,
// user_data_size, gid, user_data. The length prefix precedes the GID so a
// truncated stream is caught before a remote address would be trusted.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HeaderSize+len(h.UserData))
	binary.BigEndian.PutUint16(buf[0:2], h.LID)
	binary.BigEndian.PutUint32(buf[2:6], h.QPNum)
	binary.BigEndian.PutUint32(buf[6:10], h.SQPSN)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(h.UserData)))
	copy(buf[14:30], h.GID[:])
	copy(buf[30:], h.UserData)
	return buf
}

// DeserializeHeader parses the fixed HeaderSize prefix, returning the
// handshake (with UserData unset) and the user_data_size a caller must
// still read off the wire.
func DeserializeHeader(buf []byte) (h Handshake, userDataSize uint32, err error) {
	if len(buf) < HeaderSize {
		return Handshake{}, 0, rdmaerr.New("qp.DeserializeHeader", rdmaerr.Wire, "header shorter than 30 bytes")
	}
	h.LID = binary.BigEndian.Uint16(buf[0:2])
	h.QPNum = binary.BigEndian.Uint32(buf[2:6])
	h.SQPSN = binary.BigEndian.Uint32(buf[6:10])
	userDataSize = binary.BigEndian.Uint32(buf[10:14])
	copy(h.GID[:], buf[14:30])
	return h, userDataSize, nil
}
