package core

// Config carries the settings threaded through NewContext into every
// component the context creates.
type Config struct {
	// Directory where compiled kernels persist across runs. Empty keeps
	// the cache in memory only.
	KernelCacheDir string

	// OpenCL platform selected during enumeration.
	OpenCLPlatformIndex int
}
