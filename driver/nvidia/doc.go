// Package nvidia provides the CUDA/OptiX driver. The driver is only
// compiled in when the "cuda" build tag is set; without the tag the
// package contributes nothing to the registry and enumeration falls
// back to the software drivers.
package nvidia

// DriverName identifies the CUDA/OptiX driver in the registry.
const DriverName = "nvidia"
