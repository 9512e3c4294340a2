package simverbs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorcverbs/gorcverbs/verbs"
)

// Driver implements verbs.Driver over a Fabric.
type Driver struct {
	fabric  *Fabric
	nextKey atomic.Uint32
}

var _ verbs.Driver = (*Driver)(nil)

// NewDriver returns a Driver bound to fabric. Multiple Drivers may share one
// Fabric to represent multiple peers.
func NewDriver(fabric *Fabric) *Driver {
	return &Driver{fabric: fabric}
}

func (d *Driver) DeviceCount() int { return d.fabric.deviceCount() }

func (d *Driver) DeviceName(index int) (string, error) {
	dev, ok := d.fabric.deviceAt(index)
	if !ok {
		return "", fmt.Errorf("simverbs: device index %d out of range", index)
	}
	return dev.name, nil
}

func (d *Driver) OpenDevice(index int) (verbs.DeviceHandle, error) {
	dev, ok := d.fabric.deviceAt(index)
	if !ok {
		return nil, fmt.Errorf("simverbs: device index %d out of range", index)
	}
	return dev, nil
}

func (d *Driver) CloseDevice(verbs.DeviceHandle) error { return nil }

func (d *Driver) QueryPort(h verbs.DeviceHandle, portNum int) (verbs.PortAttr, error) {
	dev := h.(*deviceState)
	return verbs.PortAttr{LID: dev.lid, LinkLayer: "Ethernet"}, nil
}

func (d *Driver) QueryDeviceAttr(h verbs.DeviceHandle) (verbs.DeviceAttr, error) {
	dev := h.(*deviceState)
	return verbs.DeviceAttr{AtomicCap: dev.atomicCap, GID: dev.gid}, nil
}

type pdState struct {
	device *deviceState
}

func (d *Driver) AllocPD(h verbs.DeviceHandle) (verbs.PDHandle, error) {
	return &pdState{device: h.(*deviceState)}, nil
}

func (d *Driver) FreePD(verbs.PDHandle) error { return nil }

func (d *Driver) RegisterMR(pd verbs.PDHandle, buf []byte, flags verbs.AccessFlags) (verbs.MRHandle, uint32, uint32, error) {
	lkey := d.nextKey.Add(1)
	rkey := d.nextKey.Add(1)
	return buf, lkey, rkey, nil
}

func (d *Driver) DeregisterMR(verbs.MRHandle) error { return nil }

type cqState struct {
	mu      sync.Mutex
	entries []verbs.WorkCompletion
	closed  bool
}

func (cq *cqState) push(wc verbs.WorkCompletion) {
	cq.mu.Lock()
	cq.entries = append(cq.entries, wc)
	cq.mu.Unlock()
}

func (d *Driver) CreateCQ(h verbs.DeviceHandle, depth int) (verbs.CQHandle, error) {
	return &cqState{}, nil
}

func (d *Driver) DestroyCQ(h verbs.CQHandle) error {
	cq := h.(*cqState)
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()
	return nil
}

func (d *Driver) PollCQ(h verbs.CQHandle, out []verbs.WorkCompletion) (int, error) {
	cq := h.(*cqState)
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := copy(out, cq.entries)
	cq.entries = cq.entries[n:]
	return n, nil
}

type pendingRecv struct {
	wrID uint64
	buf  []byte
}

type srqState struct {
	mu      sync.Mutex
	pending []pendingRecv
}

func (s *srqState) pop() (pendingRecv, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return pendingRecv{}, false
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, true
}

func (d *Driver) CreateSRQ(pd verbs.PDHandle, maxWR int) (verbs.SRQHandle, error) {
	return &srqState{}, nil
}

func (d *Driver) DestroySRQ(verbs.SRQHandle) error { return nil }

func (d *Driver) PostRecv(h verbs.QPHandle, wr verbs.WorkRequest) error {
	qp := h.(*qpState)
	qp.mu.Lock()
	qp.recvQueue = append(qp.recvQueue, pendingRecv{wrID: wr.WRID, buf: wr.Buf})
	qp.mu.Unlock()
	return nil
}

func (d *Driver) PostRecvSRQ(h verbs.SRQHandle, wr verbs.WorkRequest) error {
	srq := h.(*srqState)
	srq.mu.Lock()
	srq.pending = append(srq.pending, pendingRecv{wrID: wr.WRID, buf: wr.Buf})
	srq.mu.Unlock()
	return nil
}
