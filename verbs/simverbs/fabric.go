// Package simverbs is an in-memory verbs.Driver: SEND/RECV matching
// against posted receive work requests, RDMA reading/writing a peer's
// registered memory directly, and 64-bit atomics, all over plain Go byte
// slices. A Fabric connects any number of simulated devices so two (or
// more) gorcverbs peers can exchange real bytes and real completions
// without any cgo ibverbs dependency, which is what tests and
// cmd/rdma-echo run against.
package simverbs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorcverbs/gorcverbs/verbs"
)

// DefaultRNRWait bounds how long a SEND or RDMA_WRITE_WITH_IMM waits for
// the peer to post a receive before failing, standing in for the
// rnr_retry/min_rnr_timer pacing a real HCA applies.
const DefaultRNRWait = 2 * time.Second

// Fabric is shared state connecting every device opened against it: LID
// allocation and QP lookup by (lid, qp_num), the addressing a real switched
// fabric provides and that PostSend needs to find its peer.
type Fabric struct {
	mu      sync.Mutex
	nextLID uint16
	rnrWait time.Duration
	devices []*deviceState
}

// NewFabric creates an empty fabric. Call AddDevice for each simulated port
// peers will open.
func NewFabric() *Fabric {
	return &Fabric{nextLID: 1, rnrWait: DefaultRNRWait}
}

// SetRNRWait overrides DefaultRNRWait; zero makes a SEND with no posted
// receive fail on the first attempt.
func (f *Fabric) SetRNRWait(d time.Duration) {
	f.mu.Lock()
	f.rnrWait = d
	f.mu.Unlock()
}

func (f *Fabric) rnrDeadline() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now().Add(f.rnrWait)
}

// AddDevice registers a new simulated port and returns its index for
// Driver.OpenDevice.
func (f *Fabric) AddDevice(atomicCap verbs.AtomicCap) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	lid := f.nextLID
	f.nextLID++
	d := &deviceState{
		name:      fmt.Sprintf("sim%d", len(f.devices)),
		lid:       lid,
		gid:       deriveGID(lid),
		atomicCap: atomicCap,
		qps:       make(map[uint32]*qpState),
	}
	f.devices = append(f.devices, d)
	return len(f.devices) - 1
}

func (f *Fabric) deviceAt(index int) (*deviceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.devices) {
		return nil, false
	}
	return f.devices[index], true
}

func (f *Fabric) deviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *Fabric) lookupQP(lid uint16, qpNum uint32) (*qpState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.lid == lid {
			qp, ok := d.qps[qpNum]
			return qp, ok
		}
	}
	return nil, false
}

type deviceState struct {
	mu        sync.Mutex
	name      string
	lid       uint16
	gid       verbs.GID
	atomicCap verbs.AtomicCap
	nextQPNum uint32
	qps       map[uint32]*qpState
}

func deriveGID(lid uint16) verbs.GID {
	var g verbs.GID
	binary.BigEndian.PutUint16(g[14:16], lid)
	return g
}
