package verbs

import (
	"sync"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

// Device wraps a verbs device + port, caching port and extended
// attributes so later queries are allocation-free. Immutable after Open;
// destroyed once all PDs on it are gone.
type Device struct {
	driver Driver
	handle DeviceHandle
	port   int

	portAttr PortAttr
	devAttr  DeviceAttr

	mu       sync.Mutex
	pdCount  int
	closed   bool
}

// OpenDevice opens device index on the given port, caching its port and
// extended attributes.
func OpenDevice(driver Driver, index, port int) (*Device, error) {
	handle, err := driver.OpenDevice(index)
	if err != nil {
		return nil, rdmaerr.Wrap("verbs.OpenDevice", rdmaerr.Resource, err)
	}
	portAttr, err := driver.QueryPort(handle, port)
	if err != nil {
		_ = driver.CloseDevice(handle)
		return nil, rdmaerr.Wrap("verbs.OpenDevice", rdmaerr.Resource, err)
	}
	devAttr, err := driver.QueryDeviceAttr(handle)
	if err != nil {
		_ = driver.CloseDevice(handle)
		return nil, rdmaerr.Wrap("verbs.OpenDevice", rdmaerr.Resource, err)
	}
	return &Device{
		driver:   driver,
		handle:   handle,
		port:     port,
		portAttr: portAttr,
		devAttr:  devAttr,
	}, nil
}

// OpenDeviceByName opens the device whose name matches name, scanning the
// driver's device list.
func OpenDeviceByName(driver Driver, name string, port int) (*Device, error) {
	for i := 0; i < driver.DeviceCount(); i++ {
		n, err := driver.DeviceName(i)
		if err != nil {
			return nil, rdmaerr.Wrap("verbs.OpenDeviceByName", rdmaerr.Resource, err)
		}
		if n == name {
			return OpenDevice(driver, i, port)
		}
	}
	return nil, rdmaerr.Newf("verbs.OpenDeviceByName", rdmaerr.Resource, "no device named %q", name)
}

func (d *Device) Port() int { return d.port }
func (d *Device) LID() uint16 { return d.portAttr.LID }
func (d *Device) GID() GID { return d.devAttr.GID }
func (d *Device) Handle() DeviceHandle { return d.handle }

// IsFetchAndAddSupported reports atomic_cap != NONE.
func (d *Device) IsFetchAndAddSupported() bool {
	return d.devAttr.AtomicCap != AtomicCapNone
}

// IsCompareAndSwapSupported mirrors IsFetchAndAddSupported: both are true
// iff the device advertises any atomic capability.
func (d *Device) IsCompareAndSwapSupported() bool {
	return d.devAttr.AtomicCap != AtomicCapNone
}

func (d *Device) retain() {
	d.mu.Lock()
	d.pdCount++
	d.mu.Unlock()
}

func (d *Device) release() {
	d.mu.Lock()
	d.pdCount--
	d.mu.Unlock()
}

// Retain marks dev as having one more live PD-equivalent dependent,
// blocking Close until a matching Release. Exported for the qp package,
// which does not live in this package but must participate in the same
// leaves-first destruction order.
func (d *Device) Retain() { d.retain() }

// Release undoes a prior Retain.
func (d *Device) Release() { d.release() }

// Close destroys the device. Fails if any PD is still alive, enforcing
// leaves-first destruction order.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if d.pdCount > 0 {
		return rdmaerr.New("verbs.Device.Close", rdmaerr.Precondition, "device has live protection domains")
	}
	d.closed = true
	if err := d.driver.CloseDevice(d.handle); err != nil {
		return rdmaerr.Wrap("verbs.Device.Close", rdmaerr.Resource, err)
	}
	return nil
}

// PD is a protection domain: owns memory regions and QPs, and keeps its
// device alive.
type PD struct {
	driver Driver
	device *Device
	handle PDHandle

	mu        sync.Mutex
	children  int
	closed    bool
}

// AllocPD allocates a PD on dev.
func AllocPD(dev *Device) (*PD, error) {
	handle, err := dev.driver.AllocPD(dev.handle)
	if err != nil {
		return nil, rdmaerr.Wrap("verbs.AllocPD", rdmaerr.Resource, err)
	}
	dev.retain()
	return &PD{driver: dev.driver, device: dev, handle: handle}, nil
}

func (pd *PD) Device() *Device { return pd.device }
func (pd *PD) Handle() PDHandle { return pd.handle }

// Driver returns the Driver this PD (and its device) were opened against,
// for packages building higher-level constructs (e.g. qp.QP) directly on
// top of the Driver contract.
func (pd *PD) Driver() Driver { return pd.driver }

func (pd *PD) retain() {
	pd.mu.Lock()
	pd.children++
	pd.mu.Unlock()
}

func (pd *PD) release() {
	pd.mu.Lock()
	pd.children--
	pd.mu.Unlock()
}

// Retain marks pd as having one more live dependent (e.g. a qp.QP),
// blocking Close until a matching Release.
func (pd *PD) Retain() { pd.retain() }

// Release undoes a prior Retain.
func (pd *PD) Release() { pd.release() }

// Close destroys the PD. Fails if any MR or QP still references it.
func (pd *PD) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return nil
	}
	if pd.children > 0 {
		return rdmaerr.New("verbs.PD.Close", rdmaerr.Precondition, "protection domain has live children")
	}
	pd.closed = true
	if err := pd.driver.FreePD(pd.handle); err != nil {
		return rdmaerr.Wrap("verbs.PD.Close", rdmaerr.Resource, err)
	}
	pd.device.release()
	return nil
}
