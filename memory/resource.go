package memory

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Accelerator is a device with its own memory that can run kernel blocks.
type Accelerator interface {
	Name() string
	DeviceCount() int
	// Workers is the number of concurrent kernel workers per device.
	Workers() int
	Memory() *MemoryManager
	// Upload copies src into device memory.
	Upload(label string, src []float64) (*Buffer, error)
}

// VirtualDevice is an Accelerator backed by host RAM with a separate
// memory budget and worker count. It is the accelerator used when no
// hardware backend is linked in.
type VirtualDevice struct {
	name       string
	devices    int
	workers    int
	mem        *MemoryManager
	mu         sync.Mutex
	uploadHook func(label string) error
}

// NewVirtualDevice creates a virtual accelerator.
func NewVirtualDevice(name string, devices, workersPerDevice int, memoryBytes int64) *VirtualDevice {
	if devices < 1 {
		devices = 1
	}
	if workersPerDevice < 1 {
		workersPerDevice = 1
	}
	return &VirtualDevice{
		name:    name,
		devices: devices,
		workers: workersPerDevice,
		mem:     NewMemoryManager(GPU, memoryBytes),
	}
}

func (v *VirtualDevice) Name() string           { return v.name }
func (v *VirtualDevice) DeviceCount() int       { return v.devices }
func (v *VirtualDevice) Workers() int           { return v.workers }
func (v *VirtualDevice) Memory() *MemoryManager { return v.mem }

// SetUploadHook installs a hook that can fail individual uploads.
func (v *VirtualDevice) SetUploadHook(hook func(label string) error) {
	v.mu.Lock()
	v.uploadHook = hook
	v.mu.Unlock()
}

// Upload copies src into device memory.
func (v *VirtualDevice) Upload(label string, src []float64) (*Buffer, error) {
	v.mu.Lock()
	hook := v.uploadHook
	v.mu.Unlock()
	if hook != nil {
		if err := hook(label); err != nil {
			return nil, fmt.Errorf("upload %s to %s: %w", label, v.name, err)
		}
	}

	buf, err := v.mem.Allocate(label, len(src))
	if err != nil {
		return nil, fmt.Errorf("upload %s to %s: %w", label, v.name, err)
	}
	copy(buf.Data, src)
	return buf, nil
}

// Mode is the execution mode chosen by the ResourceManager.
type Mode int

const (
	HostOnly Mode = iota
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "host"
}

// ResourceOptions configures a ResourceManager.
type ResourceOptions struct {
	UseAccelerator bool
	MaxDevices     int // 0 means every device the accelerator reports
	HostWorkers    int // 0 means GOMAXPROCS
	HostLimitBytes int64
}

// Array names a host slice to be placed on the accelerator.
type Array struct {
	Name string
	Data []float64
}

// ResourceManager owns the host memory budget, the optional accelerator
// and the set of arrays resident on it.
type ResourceManager struct {
	log         *logrus.Entry
	host        *MemoryManager
	accel       Accelerator
	devices     int
	hostWorkers int
	mode        Mode
	resident    map[string]*Buffer
	fallbacks   int
	spills      int
}

// NewResourceManager selects host-only or accelerated mode from opts and
// the accelerator's availability.
func NewResourceManager(opts ResourceOptions, accel Accelerator, log *logrus.Entry) *ResourceManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	workers := opts.HostWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	rm := &ResourceManager{
		log:         log.WithField("component", "resources"),
		host:        NewMemoryManager(CPU, opts.HostLimitBytes),
		hostWorkers: workers,
		resident:    make(map[string]*Buffer),
	}

	if opts.UseAccelerator && accel != nil && accel.DeviceCount() > 0 {
		devices := accel.DeviceCount()
		if opts.MaxDevices > 0 && opts.MaxDevices < devices {
			devices = opts.MaxDevices
		}
		rm.accel = accel
		rm.devices = devices
		rm.mode = Accelerated
		rm.log.WithFields(logrus.Fields{
			"accelerator": accel.Name(),
			"devices":     devices,
		}).Info("Using accelerator")
	} else if opts.UseAccelerator {
		rm.log.Warn("No accelerator available, running on host")
	}
	return rm
}

// Mode returns the current execution mode.
func (rm *ResourceManager) Mode() Mode {
	return rm.mode
}

// Host returns the host memory manager.
func (rm *ResourceManager) Host() *MemoryManager {
	return rm.host
}

// Memory returns the memory manager for working buffers in the current mode.
func (rm *ResourceManager) Memory() *MemoryManager {
	if rm.mode == Accelerated {
		return rm.accel.Memory()
	}
	return rm.host
}

// Workers returns the kernel worker count for the current mode.
func (rm *ResourceManager) Workers() int {
	if rm.mode == Accelerated {
		return rm.accel.Workers() * rm.devices
	}
	return rm.hostWorkers
}

// Devices returns the number of accelerator devices in use.
func (rm *ResourceManager) Devices() int {
	if rm.mode == Accelerated {
		return rm.devices
	}
	return 0
}

// TransferAll places every array on the accelerator. If any transfer
// fails, every array placed so far is released, the manager switches to
// host-only mode and TransferAll returns false. It never fails the run.
func (rm *ResourceManager) TransferAll(arrays ...Array) bool {
	if rm.mode != Accelerated {
		return false
	}
	placed := make([]string, 0, len(arrays))
	for _, a := range arrays {
		buf, err := rm.accel.Upload(a.Name, a.Data)
		if err != nil {
			for _, name := range placed {
				rm.resident[name].Release()
				delete(rm.resident, name)
			}
			rm.Fallback(err)
			return false
		}
		if old, ok := rm.resident[a.Name]; ok {
			old.Release()
		}
		rm.resident[a.Name] = buf
		placed = append(placed, a.Name)
	}
	return true
}

// TransferOptional places a single array on the accelerator. Failure
// leaves the array on the host without changing the mode.
func (rm *ResourceManager) TransferOptional(a Array) bool {
	if rm.mode != Accelerated {
		return false
	}
	buf, err := rm.accel.Upload(a.Name, a.Data)
	if err != nil {
		rm.log.WithError(err).WithField("array", a.Name).Warn("Array kept on host")
		return false
	}
	if old, ok := rm.resident[a.Name]; ok {
		old.Release()
	}
	rm.resident[a.Name] = buf
	return true
}

// Resident returns the device copy of a transferred array.
func (rm *ResourceManager) Resident(name string) ([]float64, bool) {
	buf, ok := rm.resident[name]
	if !ok || rm.mode != Accelerated {
		return nil, false
	}
	return buf.Data, true
}

// Fallback releases every device buffer and switches to host-only mode.
func (rm *ResourceManager) Fallback(reason error) {
	for name, buf := range rm.resident {
		buf.Release()
		delete(rm.resident, name)
	}
	if rm.mode == Accelerated {
		rm.fallbacks++
		rm.log.WithError(reason).Warn("Accelerator failure, falling back to host")
	}
	rm.mode = HostOnly
}

// AllocateShrinking allocates a working buffer in the current mode. In
// accelerated mode one attempt is made on the device at req.Capacity; if
// the device is out of memory the buffer is placed on the host instead
// and the mode is left unchanged. Only host exhaustion halves the
// capacity and ends in an OUT_OF_MEMORY error.
func (rm *ResourceManager) AllocateShrinking(req ShrinkRequest, log *logrus.Entry) (*Buffer, int, error) {
	if rm.mode == Accelerated && req.Capacity >= max(req.Floor, 1) {
		buf, err := rm.accel.Memory().Allocate(req.Label, req.Elements(req.Capacity))
		if err == nil {
			return buf, req.Capacity, nil
		}
		rm.spills++
		rm.log.WithError(err).WithFields(logrus.Fields{
			"buffer":   req.Label,
			"capacity": req.Capacity,
		}).Debug("Device allocation failed, placing buffer on host")
	}
	return rm.host.AllocateShrinking(req, log)
}

// Spills returns how many working buffers were placed on the host because
// the device could not hold them.
func (rm *ResourceManager) Spills() int {
	return rm.spills
}

// Fallbacks returns how many times the manager fell back to the host.
func (rm *ResourceManager) Fallbacks() int {
	return rm.fallbacks
}

// Close releases every device buffer.
func (rm *ResourceManager) Close() {
	for name, buf := range rm.resident {
		buf.Release()
		delete(rm.resident, name)
	}
}
