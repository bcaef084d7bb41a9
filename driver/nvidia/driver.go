//go:build cuda

package nvidia

import (
	"github.com/240db/LuxCore/driver"
)

// Driver is a stub enabled with the "cuda" build tag. It registers under
// the nvidia name but reports no devices until a cgo binding to the CUDA
// driver API and OptiX is linked in.
type Driver struct{}

func init() {
	driver.Register(&Driver{})
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Devices() ([]driver.DeviceInfo, error) {
	return nil, driver.ErrUnavailable
}

func (d *Driver) CreateContext(_ int) (driver.Context, error) {
	return nil, driver.ErrUnavailable
}
