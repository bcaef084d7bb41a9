//go:build !opencl

package core

import "fmt"

// OpenCL support is compiled in with the "opencl" build tag; without it the
// backend enumerates nothing.
func enumerateOpenCLDevices(_ Config) ([]DeviceDescription, error) {
	return nil, nil
}

func newOpenCLIntersectionDevice(_ Config, _ DeviceDescription, _ int) (IntersectionDevice, error) {
	return nil, fmt.Errorf("core: opencl support not compiled in")
}
