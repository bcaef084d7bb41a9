package core

// A Device is one instantiated compute device with a uniform lifecycle over
// heterogeneous backends. Devices are created stopped, owned by their
// Context, and carry a stable index assigned at creation time.
type Device interface {
	Name() string
	Type() DeviceType
	Index() int

	Start() error
	Stop()
	Interrupt()
	Started() bool

	// Backend teardown. Called by the owning Context, which always
	// outlives its devices.
	release() error
}

// BufferOps is the device-memory boundary: explicit allocate/free of typed
// buffers plus host transfers. hostData may be nil on AllocBufferRW to
// request uninitialized storage.
type BufferOps interface {
	AllocBufferRO(buf *Buffer, hostData []byte, size uint64) error
	AllocBufferRW(buf *Buffer, hostData []byte, size uint64) error
	FreeBuffer(buf *Buffer) error
	EnqueueWriteBuffer(buf *Buffer, async bool, hostData []byte) error
	ReadBuffer(buf *Buffer, hostData []byte) error
}

// An IntersectionDevice answers ray-batch intersection queries against a
// bound dataset.
type IntersectionDevice interface {
	Device
	BufferOps

	// Bind the dataset and select the accelerator strategy this device
	// will build on Start. Requires the device to be stopped.
	SetDataSet(ds *DataSet)

	// SelectedAcceleratorType reports the strategy chosen by the last
	// SetDataSet call.
	SelectedAcceleratorType() AcceleratorType

	// Refresh device state after the dataset's accelerators were rebuilt
	// in place. Devices without an incremental path report false.
	Update() (bool, error)

	// Queue an asynchronous trace of rayCount rays. Completion is
	// observed only through Synchronize.
	EnqueueTraceRayBuffer(rayBuff, rayHitBuff *Buffer, rayCount int) error

	// Block until all queued work has completed.
	Synchronize() error

	// Cumulative number of rays traced since creation.
	TotalRaysTraced() uint64
}

// A HardwareDevice exposes general device-compute capabilities beyond ray
// intersection. Native devices do not qualify.
type HardwareDevice interface {
	Device
	BufferOps

	// HardwareIntersection reports whether dedicated ray-tracing units
	// back this device.
	HardwareIntersection() bool

	// CompileKernel resolves kernel source through the device's
	// compilation cache.
	CompileKernel(options []string, source, name string) (binary []byte, cached bool, err error)
}
