// Package verbs defines the vendor-verbs driver contract and the thin,
// owning wrapper types layered over it: Device, PD, CQ, SRQ, LocalMR,
// RemoteMR. Ownership follows the creation tree (device <- pd <- {qp, mr},
// cq <- qp); destruction is leaves first, enforced by per-parent child
// counts.
package verbs

// AccessFlags mirrors ibv_access_flags bits relevant to this library.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
)

// DefaultAccessFlags is the access-flag set qp.New applies at the INIT
// transition, and the set this module passes to RegisterMR for the
// memory regions it registers itself.
const DefaultAccessFlags = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite | AccessRemoteAtomic

// AtomicCap mirrors ibv_atomic_cap.
type AtomicCap int

const (
	AtomicCapNone AtomicCap = iota
	AtomicCapHCA
	AtomicCapGlobal
)

// GID is a 128-bit port identifier.
type GID [16]byte

// IsZero reports whether g is the all-zero GID. A zero GID selects
// LID-only routing; a non-zero GID makes the address handle global.
func (g GID) IsZero() bool {
	return g == GID{}
}

// PortAttr is the subset of ibv_port_attr this library consults.
type PortAttr struct {
	LID       uint16
	LinkLayer string
}

// DeviceAttr is the subset of extended device attributes this library
// consults.
type DeviceAttr struct {
	AtomicCap AtomicCap
	GID       GID
}

// Opcode identifies the verbs operation a WorkRequest/WorkCompletion
// represents.
type Opcode int

const (
	OpcodeSend Opcode = iota
	OpcodeRecv
	OpcodeRDMAWrite
	OpcodeRDMAWriteWithImm
	OpcodeRDMARead
	OpcodeAtomicFetchAdd
	OpcodeAtomicCompareSwap
)

func (op Opcode) String() string {
	switch op {
	case OpcodeSend:
		return "SEND"
	case OpcodeRecv:
		return "RECV"
	case OpcodeRDMAWrite:
		return "RDMA_WRITE"
	case OpcodeRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case OpcodeRDMARead:
		return "RDMA_READ"
	case OpcodeAtomicFetchAdd:
		return "ATOMIC_FETCH_AND_ADD"
	case OpcodeAtomicCompareSwap:
		return "ATOMIC_CMP_AND_SWP"
	default:
		return "UNKNOWN"
	}
}

// WorkRequest is the descriptor posted to a QP. Buf is the local
// SGE source/destination; for recv it is the destination buffer.
type WorkRequest struct {
	WRID     uint64
	Opcode   Opcode
	Buf      []byte
	LKey     uint32
	Signaled bool

	// Remote fields, valid for RDMA/atomic opcodes.
	RemoteAddr uint64
	RemoteRKey uint32

	// Imm is valid for OpcodeRDMAWriteWithImm.
	Imm uint32

	// Compare/Add are valid for atomic opcodes: FetchAndAdd uses Add,
	// CompareAndSwap uses Compare and Swap.
	Add     uint64
	Compare uint64
	Swap    uint64
}

// CompletionStatus reports whether a WorkCompletion succeeded.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusError
)

// WorkCompletion is the entry a CQ emits for a posted WorkRequest.
type WorkCompletion struct {
	WRID      uint64
	Status    CompletionStatus
	Opcode    Opcode
	ByteLen   uint32
	Imm       uint32
	HasImm    bool
	VendorMsg string
}
