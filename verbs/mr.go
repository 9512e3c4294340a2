package verbs

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

// RemoteMRSerializedSize is 16 bytes regardless of host pointer width:
// the wire format fixes the address at 64 bits, so LocalMR.Serialize and
// RemoteMR.Deserialize never branch on unsafe.Sizeof(uintptr(0)).
const RemoteMRSerializedSize = 8 + 4 + 4

// LocalMR is an owning handle over a registered memory region.
// Deregistration releases the region exactly
// once; double-drop and use-after-drop are prevented by Deregister's
// idempotency guard plus callers discarding the value after calling it.
type LocalMR struct {
	pd     *PD
	handle MRHandle
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32

	mu           sync.Mutex
	deregistered bool
}

// RegisterMR registers buf on pd with the given access flags.
func RegisterMR(pd *PD, buf []byte, flags AccessFlags) (*LocalMR, error) {
	if len(buf) == 0 {
		return nil, rdmaerr.New("verbs.RegisterMR", rdmaerr.Precondition, "buf must be non-empty")
	}
	handle, lkey, rkey, err := pd.driver.RegisterMR(pd.handle, buf, flags)
	if err != nil {
		return nil, rdmaerr.Wrap("verbs.RegisterMR", rdmaerr.Resource, err)
	}
	pd.retain()
	return &LocalMR{
		pd:     pd,
		handle: handle,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		lkey:   lkey,
		rkey:   rkey,
	}, nil
}

func (m *LocalMR) Addr() uint64 { return m.addr }
func (m *LocalMR) Length() uint32 { return uint32(len(m.buf)) }
func (m *LocalMR) LKey() uint32 { return m.lkey }
func (m *LocalMR) RKey() uint32 { return m.rkey }
func (m *LocalMR) Bytes() []byte { return m.buf }
func (m *LocalMR) Handle() MRHandle { return m.handle }

// Remote produces the plain-value remote_mr view of this region, for an
// application to serialize and hand to a peer.
func (m *LocalMR) Remote() RemoteMR {
	return RemoteMR{Addr: m.addr, Length: m.Length(), RKey: m.rkey}
}

// Serialize produces the 16-byte big-endian wire form: address, length,
// rkey.
func (m *LocalMR) Serialize() []byte {
	return m.Remote().Serialize()
}

// Deregister releases the registration exactly once; subsequent calls are
// no-ops.
func (m *LocalMR) Deregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deregistered {
		return nil
	}
	m.deregistered = true
	m.pd.release()
	if err := m.pd.driver.DeregisterMR(m.handle); err != nil {
		return rdmaerr.Wrap("verbs.LocalMR.Deregister", rdmaerr.Resource, err)
	}
	return nil
}

// RemoteMR is a plain, freely-copyable value describing a region
// registered by some peer.
type RemoteMR struct {
	Addr   uint64
	Length uint32
	RKey   uint32
}

// Serialize produces the 16-byte big-endian record: address (8),
// length (4), rkey (4).
func (m RemoteMR) Serialize() []byte {
	buf := make([]byte, RemoteMRSerializedSize)
	binary.BigEndian.PutUint64(buf[0:8], m.Addr)
	binary.BigEndian.PutUint32(buf[8:12], m.Length)
	binary.BigEndian.PutUint32(buf[12:16], m.RKey)
	return buf
}

// DeserializeRemoteMR is the inverse of Serialize.
func DeserializeRemoteMR(buf []byte) (RemoteMR, error) {
	if len(buf) < RemoteMRSerializedSize {
		return RemoteMR{}, rdmaerr.New("verbs.DeserializeRemoteMR", rdmaerr.Wire, "buffer shorter than 16 bytes")
	}
	return RemoteMR{
		Addr:   binary.BigEndian.Uint64(buf[0:8]),
		Length: binary.BigEndian.Uint32(buf[8:12]),
		RKey:   binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}
