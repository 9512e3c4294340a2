package verbs

import (
	"sync"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

// DefaultCQDepth is the completion queue depth used when none is given.
const DefaultCQDepth = 128

// CQ is an owning completion-queue handle. Exactly one CQ poller may drive
// it; direct Poll calls are incompatible with a running poller on the same
// CQ.
type CQ struct {
	driver Driver
	device *Device
	handle CQHandle
	depth  int

	mu       sync.Mutex
	children int
	closed   bool
}

// CreateCQ creates a CQ of the given depth (0 selects DefaultCQDepth).
func CreateCQ(dev *Device, depth int) (*CQ, error) {
	if depth <= 0 {
		depth = DefaultCQDepth
	}
	handle, err := dev.driver.CreateCQ(dev.handle, depth)
	if err != nil {
		return nil, rdmaerr.Wrap("verbs.CreateCQ", rdmaerr.Resource, err)
	}
	dev.retain()
	return &CQ{driver: dev.driver, device: dev, handle: handle, depth: depth}, nil
}

func (cq *CQ) Handle() CQHandle { return cq.handle }
func (cq *CQ) Depth() int { return cq.depth }

// PollOne returns at most one completion.
func (cq *CQ) PollOne() (WorkCompletion, bool, error) {
	buf := make([]WorkCompletion, 1)
	n, err := cq.driver.PollCQ(cq.handle, buf)
	if err != nil {
		return WorkCompletion{}, false, rdmaerr.Wrap("verbs.CQ.PollOne", rdmaerr.Resource, err)
	}
	if n == 0 {
		return WorkCompletion{}, false, nil
	}
	return buf[0], true, nil
}

// PollBatch returns up to len(buf) completions in buf.
func (cq *CQ) PollBatch(buf []WorkCompletion) (int, error) {
	n, err := cq.driver.PollCQ(cq.handle, buf)
	if err != nil {
		return 0, rdmaerr.Wrap("verbs.CQ.PollBatch", rdmaerr.Resource, err)
	}
	return n, nil
}

func (cq *CQ) retain() {
	cq.mu.Lock()
	cq.children++
	cq.mu.Unlock()
}

func (cq *CQ) release() {
	cq.mu.Lock()
	cq.children--
	cq.mu.Unlock()
}

// Retain marks cq as having one more live QP referencing it, blocking
// Close until a matching Release.
func (cq *CQ) Retain() { cq.retain() }

// Release undoes a prior Retain.
func (cq *CQ) Release() { cq.release() }

// Close destroys the CQ. Fails if any QP still references it.
func (cq *CQ) Close() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.closed {
		return nil
	}
	if cq.children > 0 {
		return rdmaerr.New("verbs.CQ.Close", rdmaerr.Precondition, "completion queue has live queue pairs")
	}
	cq.closed = true
	if err := cq.driver.DestroyCQ(cq.handle); err != nil {
		return rdmaerr.Wrap("verbs.CQ.Close", rdmaerr.Resource, err)
	}
	cq.device.release()
	return nil
}

// DefaultSRQDepth is the SRQ max_wr used when none is given.
const DefaultSRQDepth = 1024

// SRQ is an owning shared-receive-queue handle.
type SRQ struct {
	driver Driver
	pd     *PD
	handle SRQHandle
	depth  int

	mu       sync.Mutex
	children int
	closed   bool
}

// CreateSRQ creates an SRQ on pd with the given max_wr (0 selects
// DefaultSRQDepth).
func CreateSRQ(pd *PD, maxWR int) (*SRQ, error) {
	if maxWR <= 0 {
		maxWR = DefaultSRQDepth
	}
	handle, err := pd.driver.CreateSRQ(pd.handle, maxWR)
	if err != nil {
		return nil, rdmaerr.Wrap("verbs.CreateSRQ", rdmaerr.Resource, err)
	}
	pd.retain()
	return &SRQ{driver: pd.driver, pd: pd, handle: handle, depth: maxWR}, nil
}

func (s *SRQ) Handle() SRQHandle { return s.handle }
func (s *SRQ) Depth() int { return s.depth }

func (s *SRQ) retain() {
	s.mu.Lock()
	s.children++
	s.mu.Unlock()
}

func (s *SRQ) release() {
	s.mu.Lock()
	s.children--
	s.mu.Unlock()
}

// Retain marks s as having one more live QP bound to it, blocking Close
// until a matching Release.
func (s *SRQ) Retain() { s.retain() }

// Release undoes a prior Retain.
func (s *SRQ) Release() { s.release() }

// Close destroys the SRQ. Fails if any QP is still bound to it.
func (s *SRQ) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.children > 0 {
		return rdmaerr.New("verbs.SRQ.Close", rdmaerr.Precondition, "shared receive queue has live queue pairs")
	}
	s.closed = true
	if err := s.driver.DestroySRQ(s.handle); err != nil {
		return rdmaerr.Wrap("verbs.SRQ.Close", rdmaerr.Resource, err)
	}
	s.pd.release()
	return nil
}
