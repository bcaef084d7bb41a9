package core

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/log"
)

// A DeviceDescription reports the static capabilities of one enumerable
// device. Descriptions are immutable and owned by the Context that
// enumerated them.
type DeviceDescription interface {
	Name() string
	Type() DeviceType

	ComputeUnits() int
	NativeVectorWidthFloat() int
	MaxMemory() uint64
	MaxMemoryAllocSize() uint64
}

// The CPU-thread backend. Always present.
type nativeDeviceDescription struct{}

func (d *nativeDeviceDescription) Name() string                { return "Native" }
func (d *nativeDeviceDescription) Type() DeviceType            { return NativeDevice }
func (d *nativeDeviceDescription) ComputeUnits() int           { return runtime.NumCPU() }
func (d *nativeDeviceDescription) NativeVectorWidthFloat() int { return 4 }
func (d *nativeDeviceDescription) MaxMemory() uint64           { return 0 }
func (d *nativeDeviceDescription) MaxMemoryAllocSize() uint64  { return 0 }

// One device of a registered hardware driver.
type cudaDeviceDescription struct {
	drv   driver.Driver
	index int
	info  driver.DeviceInfo
}

func (d *cudaDeviceDescription) Name() string {
	return fmt.Sprintf("%s (%s)", d.info.Name, d.drv.Name())
}

func (d *cudaDeviceDescription) Type() DeviceType            { return CUDADevice }
func (d *cudaDeviceDescription) ComputeUnits() int           { return d.info.ComputeUnits }
func (d *cudaDeviceDescription) NativeVectorWidthFloat() int { return d.info.NativeVectorWidthFloat }
func (d *cudaDeviceDescription) MaxMemory() uint64           { return d.info.MaxMemory }
func (d *cudaDeviceDescription) MaxMemoryAllocSize() uint64  { return d.info.MaxMemoryAllocSize }

// HardwareIntersection reports whether the device carries dedicated
// ray-tracing units.
func (d *cudaDeviceDescription) HardwareIntersection() bool {
	return d.info.HardwareIntersection
}

// Enumerate descriptions from every compiled-in backend. The native backend
// always contributes one description; hardware backends that report
// themselves unavailable are skipped, any other enumeration failure is
// fatal.
func enumerateDevices(cfg Config, logger log.Logger) ([]DeviceDescription, error) {
	descs := []DeviceDescription{&nativeDeviceDescription{}}

	for _, drv := range driver.Drivers() {
		infos, err := drv.Devices()
		if errors.Is(err, driver.ErrUnavailable) {
			logger.Debugf("no %s devices present, skipping backend", drv.Name())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("core: enumerating %s devices: %v", drv.Name(), err)
		}
		for i, info := range infos {
			descs = append(descs, &cudaDeviceDescription{drv: drv, index: i, info: info})
		}
	}

	oclDescs, err := enumerateOpenCLDevices(cfg)
	if err != nil {
		return nil, err
	}
	return append(descs, oclDescs...), nil
}
