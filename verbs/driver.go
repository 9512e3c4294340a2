package verbs

// Opaque handles returned by a Driver. Each is implementation-defined; this
// library never inspects their contents, only passes them back.
type (
	DeviceHandle any
	PDHandle     any
	CQHandle     any
	SRQHandle    any
	QPHandle     any
	MRHandle     any
)

// QPInitAttr describes a to-be-created QP.
type QPInitAttr struct {
	PD       PDHandle
	SendCQ   CQHandle
	RecvCQ   CQHandle
	SRQ      SRQHandle // nil if the QP posts receives to its own RQ
	SQDepth  int
	RQDepth  int
	MaxSGE   int
	Signaled bool
}

// RTRAttr carries the remote side's parameters and AH configuration for
// the INIT -> RTR transition.
type RTRAttr struct {
	PathMTU         int
	RemoteLID       uint16
	RemoteQPN       uint32
	RemotePSN       uint32
	RemoteGID       GID
	UseGID          bool
	MinRNRTimer     int
	MaxDestRDAtomic int
	PortNum         int
}

// RTSAttr carries the local parameters for the RTR -> RTS transition.
type RTSAttr struct {
	Timeout     int
	RetryCnt    int
	RNRRetry    int
	MaxRDAtomic int
	SQPSN       uint32
}

// Driver is the vendor verbs interface: an external (possibly simulated)
// component exposing, at minimum, the operations below. Any implementation
// with equivalent semantics satisfies the contract, including
// verbs/simverbs, the in-memory driver this repository ships for tests and
// the cmd/rdma-echo demo.
type Driver interface {
	DeviceCount() int
	DeviceName(index int) (string, error)
	OpenDevice(index int) (DeviceHandle, error)
	CloseDevice(dev DeviceHandle) error
	QueryPort(dev DeviceHandle, portNum int) (PortAttr, error)
	QueryDeviceAttr(dev DeviceHandle) (DeviceAttr, error)

	AllocPD(dev DeviceHandle) (PDHandle, error)
	FreePD(pd PDHandle) error

	RegisterMR(pd PDHandle, buf []byte, flags AccessFlags) (mr MRHandle, lkey, rkey uint32, err error)
	DeregisterMR(mr MRHandle) error

	CreateCQ(dev DeviceHandle, depth int) (CQHandle, error)
	DestroyCQ(cq CQHandle) error
	PollCQ(cq CQHandle, out []WorkCompletion) (int, error)

	CreateSRQ(pd PDHandle, maxWR int) (SRQHandle, error)
	DestroySRQ(srq SRQHandle) error

	CreateQP(attr QPInitAttr) (QPHandle, error)
	QueryQPNum(qp QPHandle) (uint32, error)
	ModifyQPToInit(qp QPHandle, portNum int, flags AccessFlags) error
	ModifyQPToRTR(qp QPHandle, attr RTRAttr) error
	ModifyQPToRTS(qp QPHandle, attr RTSAttr) error
	DestroyQP(qp QPHandle) error

	PostSend(qp QPHandle, wr WorkRequest) error
	PostRecv(qp QPHandle, wr WorkRequest) error
	PostRecvSRQ(srq SRQHandle, wr WorkRequest) error
}
