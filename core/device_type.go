package core

type DeviceType uint8

// Supported device backend types.
const (
	NativeDevice DeviceType = 1 << iota
	OpenCLDevice
	CUDADevice
	AllDevices DeviceType = 0xFF
)

func (dt DeviceType) String() string {
	switch dt {
	case NativeDevice:
		return "Native"
	case OpenCLDevice:
		return "OpenCL"
	case CUDADevice:
		return "CUDA"
	}
	panic("core: unsupported device type")
}

type AcceleratorType uint8

// Spatial structure strategies a dataset can select. Auto defers the choice
// to each device.
const (
	AcceleratorAuto AcceleratorType = iota
	AcceleratorBVH
	AcceleratorMBVH
	AcceleratorHardware
)

func (at AcceleratorType) String() string {
	switch at {
	case AcceleratorAuto:
		return "Auto"
	case AcceleratorBVH:
		return "BVH"
	case AcceleratorMBVH:
		return "MBVH"
	case AcceleratorHardware:
		return "Hardware"
	}
	panic("core: unsupported accelerator type")
}
