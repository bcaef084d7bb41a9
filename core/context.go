// Package core is a hardware-abstraction layer for GPU-accelerated ray
// intersection. A Context enumerates compute devices, instantiates and owns
// intersection devices over heterogeneous backends, binds a shared dataset
// to them and drives their collective lifecycle. Devices build
// device-resident acceleration structures and compiled intersection kernels
// on Start and answer asynchronous ray-batch queries until Stop.
package core

import (
	"fmt"

	"github.com/240db/LuxCore/log"
)

// Context is the top-level registry composing device descriptions and
// instantiated devices. It owns both: devices are released before
// descriptions when the context closes. Mutating operations require the
// context to be stopped; violations are caller bugs and panic.
type Context struct {
	logger log.Logger
	cfg    Config

	descriptions []DeviceDescription
	devices      []Device
	idevices     []IntersectionDevice
	hdevices     []HardwareDevice

	dataset *DataSet
	started bool
}

// NewContext enumerates every compiled-in backend and returns a stopped
// context holding the discovered device descriptions.
func NewContext(cfg Config) (*Context, error) {
	logger := log.New("context")

	descs, err := enumerateDevices(cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, desc := range descs {
		logger.Noticef("device %q (%s): %d compute units, float vector width %d, %d bytes memory, %d bytes max alloc",
			desc.Name(), desc.Type(), desc.ComputeUnits(), desc.NativeVectorWidthFloat(),
			desc.MaxMemory(), desc.MaxMemoryAllocSize())
	}

	return &Context{
		logger:       logger,
		cfg:          cfg,
		descriptions: descs,
	}, nil
}

func (c *Context) Descriptions() []DeviceDescription {
	return c.descriptions
}

func (c *Context) Devices() []Device {
	return c.devices
}

func (c *Context) IntersectionDevices() []IntersectionDevice {
	return c.idevices
}

func (c *Context) HardwareDevices() []HardwareDevice {
	return c.hdevices
}

func (c *Context) Started() bool {
	return c.started
}

// CreateIntersectionDevices instantiates one device per description, with
// indices assigned contiguously from indexOffset. The devices are not yet
// owned by the context; use AddIntersectionDevices for that.
func (c *Context) CreateIntersectionDevices(descs []DeviceDescription, indexOffset int) ([]IntersectionDevice, error) {
	if c.started {
		panic("core: CreateIntersectionDevices on a started context")
	}

	devices := make([]IntersectionDevice, 0, len(descs))
	for i, desc := range descs {
		dev, err := c.createIntersectionDevice(desc, indexOffset+i)
		if err != nil {
			releaseDevices(devices)
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func (c *Context) createIntersectionDevice(desc DeviceDescription, index int) (IntersectionDevice, error) {
	switch desc.Type() {
	case NativeDevice:
		return newNativeIntersectionDevice(c.cfg, desc, index), nil
	case CUDADevice:
		cdesc, ok := desc.(*cudaDeviceDescription)
		if !ok {
			return nil, fmt.Errorf("core: foreign CUDA device description %q", desc.Name())
		}
		return newCUDAIntersectionDevice(c.cfg, cdesc, index)
	case OpenCLDevice:
		return newOpenCLIntersectionDevice(c.cfg, desc, index)
	}
	return nil, fmt.Errorf("core: unsupported device type %d for %q", desc.Type(), desc.Name())
}

// AddIntersectionDevices creates devices for the descriptions and appends
// them to both the intersection list and the unified device list. Index
// offsets follow the unified list length, so every device gets a stable,
// unique index.
func (c *Context) AddIntersectionDevices(descs []DeviceDescription) ([]IntersectionDevice, error) {
	devices, err := c.CreateIntersectionDevices(descs, len(c.devices))
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		c.idevices = append(c.idevices, dev)
		c.devices = append(c.devices, dev)
		if hw, ok := dev.(HardwareDevice); ok {
			c.hdevices = append(c.hdevices, hw)
		}
	}
	if c.dataset != nil {
		for _, dev := range devices {
			dev.SetDataSet(c.dataset)
		}
	}
	return devices, nil
}

// CreateHardwareDevices instantiates general-compute devices. Native
// descriptions are rejected: CPU threads expose no hardware-compute
// surface.
func (c *Context) CreateHardwareDevices(descs []DeviceDescription, indexOffset int) ([]HardwareDevice, error) {
	if c.started {
		panic("core: CreateHardwareDevices on a started context")
	}

	devices := make([]HardwareDevice, 0, len(descs))
	for i, desc := range descs {
		if desc.Type() == NativeDevice {
			releaseHardwareDevices(devices)
			return nil, fmt.Errorf("core: native devices are not supported as hardware devices (%q)", desc.Name())
		}

		dev, err := c.createIntersectionDevice(desc, indexOffset+i)
		if err != nil {
			releaseHardwareDevices(devices)
			return nil, err
		}
		hw, ok := dev.(HardwareDevice)
		if !ok {
			dev.release()
			releaseHardwareDevices(devices)
			return nil, fmt.Errorf("core: device %q exposes no hardware-compute surface", desc.Name())
		}
		devices = append(devices, hw)
	}
	return devices, nil
}

// AddHardwareDevices creates hardware devices and appends them to both the
// hardware list and the unified device list.
func (c *Context) AddHardwareDevices(descs []DeviceDescription) ([]HardwareDevice, error) {
	devices, err := c.CreateHardwareDevices(descs, len(c.devices))
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		c.hdevices = append(c.hdevices, dev)
		c.devices = append(c.devices, dev)
		if c.dataset != nil {
			if idev, ok := dev.(IntersectionDevice); ok {
				idev.SetDataSet(c.dataset)
			}
		}
	}
	return devices, nil
}

// SetDataSet binds the dataset and propagates it to every device with an
// intersection surface, including hardware-owned ones. Rebinding requires a
// stopped context.
func (c *Context) SetDataSet(ds *DataSet) {
	if c.started {
		panic("core: SetDataSet on a started context")
	}

	c.dataset = ds
	for _, dev := range c.devices {
		if idev, ok := dev.(IntersectionDevice); ok {
			idev.SetDataSet(ds)
		}
	}
}

// UpdateDataSet refreshes the dataset's accelerators in place and notifies
// every device with an incremental update path. The caller must have
// stopped enqueuing on all devices first.
func (c *Context) UpdateDataSet() error {
	if !c.started {
		panic("core: UpdateDataSet on a stopped context")
	}
	if c.dataset == nil {
		panic("core: UpdateDataSet without a bound dataset")
	}

	if err := c.dataset.UpdateAccelerators(); err != nil {
		return err
	}
	for _, dev := range c.idevices {
		ok, err := dev.Update()
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Debugf("device %q has no incremental update path, skipping", dev.Name())
		}
	}
	return nil
}

// Start transitions every owned device to the started state.
func (c *Context) Start() error {
	if c.started {
		panic("core: Start on a started context")
	}

	for i, dev := range c.devices {
		if err := dev.Start(); err != nil {
			for _, started := range c.devices[:i] {
				started.Interrupt()
				started.Stop()
			}
			return err
		}
	}
	c.started = true
	return nil
}

// Stop interrupts in-flight work, then transitions every owned device back
// to the stopped state.
func (c *Context) Stop() {
	if !c.started {
		panic("core: Stop on a stopped context")
	}

	c.Interrupt()
	for _, dev := range c.devices {
		dev.Stop()
	}
	c.started = false
}

// Interrupt requests cancellation of in-flight work on every device. Work
// winds down on its own time; resources stay valid until Stop.
func (c *Context) Interrupt() {
	if !c.started {
		panic("core: Interrupt on a stopped context")
	}

	for _, dev := range c.devices {
		dev.Interrupt()
	}
}

// Close forces a Stop when still started, then releases all owned devices
// followed by the descriptions.
func (c *Context) Close() error {
	if c.started {
		c.Stop()
	}

	var firstErr error
	for _, dev := range c.devices {
		if err := dev.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.devices = nil
	c.idevices = nil
	c.hdevices = nil
	c.descriptions = nil
	return firstErr
}

func releaseDevices(devices []IntersectionDevice) {
	for _, dev := range devices {
		dev.release()
	}
}

func releaseHardwareDevices(devices []HardwareDevice) {
	for _, dev := range devices {
		dev.release()
	}
}
