package core

import (
	"fmt"
	"sync/atomic"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/kernelcache"
	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/scene"
)

// CUDAIntersectionDevice drives one device of a registered hardware driver.
// It owns the driver context and a single execution stream; ray batches run
// against a HardwareIntersectionKernel built on Start.
type CUDAIntersectionDevice struct {
	logger log.Logger
	name   string
	index  int
	desc   *cudaDeviceDescription

	dctx   driver.Context
	stream driver.Stream
	cache  *kernelcache.Cache

	dataset  *DataSet
	selected AcceleratorType
	kernel   *HardwareIntersectionKernel

	traced  atomic.Uint64
	started bool
}

func newCUDAIntersectionDevice(cfg Config, desc *cudaDeviceDescription, index int) (*CUDAIntersectionDevice, error) {
	name := fmt.Sprintf("CUDAIntersect-%03d", index)

	dctx, err := desc.drv.CreateContext(desc.index)
	if err != nil {
		return nil, fmt.Errorf("%s: opening %s device: %v", name, desc.drv.Name(), err)
	}
	stream, err := dctx.CreateStream()
	if err != nil {
		dctx.Close()
		return nil, fmt.Errorf("%s: creating stream: %v", name, err)
	}

	var store kernelcache.Store
	if cfg.KernelCacheDir != "" {
		store, err = kernelcache.NewFileStore(cfg.KernelCacheDir)
		if err != nil {
			dctx.Close()
			return nil, fmt.Errorf("%s: opening kernel cache: %v", name, err)
		}
	} else {
		store = kernelcache.NewMemStore()
	}

	return &CUDAIntersectionDevice{
		logger: log.New(name),
		name:   name,
		index:  index,
		desc:   desc,
		dctx:   dctx,
		stream: stream,
		cache:  kernelcache.New(store, dctx.CompilePTX),
	}, nil
}

func (d *CUDAIntersectionDevice) Name() string {
	return d.name
}

func (d *CUDAIntersectionDevice) Type() DeviceType {
	return CUDADevice
}

func (d *CUDAIntersectionDevice) Index() int {
	return d.index
}

func (d *CUDAIntersectionDevice) Started() bool {
	return d.started
}

func (d *CUDAIntersectionDevice) HardwareIntersection() bool {
	return d.desc.HardwareIntersection()
}

// DriverContext exposes the underlying driver context. Tests reach the
// backend's allocation counters through it.
func (d *CUDAIntersectionDevice) DriverContext() driver.Context {
	return d.dctx
}

func (d *CUDAIntersectionDevice) SetDataSet(ds *DataSet) {
	if d.started {
		panic(fmt.Sprintf("%s: SetDataSet on a started device", d.name))
	}

	d.dataset = ds
	if ds == nil {
		return
	}

	switch {
	case ds.AcceleratorType() != AcceleratorAuto:
		d.selected = ds.AcceleratorType()
	case ds.RequiresInstanceSupport() || ds.RequiresMotionBlurSupport():
		d.selected = AcceleratorMBVH
	case d.desc.HardwareIntersection():
		d.selected = AcceleratorHardware
	default:
		d.selected = AcceleratorBVH
	}
	d.logger.Debugf("selected %s accelerator", d.selected)
}

func (d *CUDAIntersectionDevice) SelectedAcceleratorType() AcceleratorType {
	return d.selected
}

// Start builds a fresh intersection kernel against the current dataset.
// Either the build completes and installs the kernel or it fails leaving no
// device state behind. Without a bound dataset the device starts as a pure
// compute device with no kernel installed.
func (d *CUDAIntersectionDevice) Start() error {
	if d.started {
		panic(fmt.Sprintf("%s: Start on a started device", d.name))
	}
	if d.dataset == nil {
		d.started = true
		return nil
	}

	accel, err := d.dataset.GetAccelerator(d.selected)
	if err != nil {
		return fmt.Errorf("%s: %v", d.name, err)
	}

	kernel, err := accel.newKernel(d)
	if err != nil {
		return err
	}

	d.kernel = kernel
	d.started = true
	return nil
}

func (d *CUDAIntersectionDevice) Stop() {
	if !d.started {
		panic(fmt.Sprintf("%s: Stop on a stopped device", d.name))
	}

	d.Interrupt()
	d.stream.Synchronize()

	if d.kernel != nil {
		d.kernel.release()
		d.kernel = nil
	}
	d.started = false
}

func (d *CUDAIntersectionDevice) Interrupt() {
	d.stream.Interrupt()
}

func (d *CUDAIntersectionDevice) Update() (bool, error) {
	// Structure builds are monolithic on this backend; a restart rebuilds
	// the kernel.
	return false, nil
}

// EnqueueTraceRayBuffer queues rayCount rays from rayBuff through the
// kernel, writing hit records to rayHitBuff. Asynchronous; call Synchronize
// before reading results.
func (d *CUDAIntersectionDevice) EnqueueTraceRayBuffer(rayBuff, rayHitBuff *Buffer, rayCount int) error {
	if !d.started {
		panic(fmt.Sprintf("%s: EnqueueTraceRayBuffer on a stopped device", d.name))
	}
	if d.kernel == nil {
		panic(fmt.Sprintf("%s: EnqueueTraceRayBuffer without a bound dataset", d.name))
	}
	if uint64(rayCount*scene.RaySize) > rayBuff.size {
		return fmt.Errorf("%s: ray buffer of %d bytes holds fewer than %d rays", d.name, rayBuff.size, rayCount)
	}
	if uint64(rayCount*scene.RayHitSize) > rayHitBuff.size {
		return fmt.Errorf("%s: ray hit buffer of %d bytes holds fewer than %d records", d.name, rayHitBuff.size, rayCount)
	}

	if err := d.kernel.enqueueTraceRayBuffer(rayBuff, rayHitBuff, rayCount); err != nil {
		return err
	}
	d.traced.Add(uint64(rayCount))
	return nil
}

func (d *CUDAIntersectionDevice) Synchronize() error {
	return d.stream.Synchronize()
}

func (d *CUDAIntersectionDevice) TotalRaysTraced() uint64 {
	return d.traced.Load()
}

// CompileKernel resolves kernel source through the device's compilation
// cache, compiling on a miss.
func (d *CUDAIntersectionDevice) CompileKernel(options []string, source, name string) ([]byte, bool, error) {
	return d.cache.CompilePTX(options, source, name)
}

func (d *CUDAIntersectionDevice) AllocBufferRO(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadOnly, hostData, size)
}

func (d *CUDAIntersectionDevice) AllocBufferRW(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadWrite, hostData, size)
}

func (d *CUDAIntersectionDevice) allocBuffer(buf *Buffer, mode BufferMode, hostData []byte, size uint64) error {
	if buf.Allocated() {
		if err := d.FreeBuffer(buf); err != nil {
			return err
		}
	}
	if hostData != nil && uint64(len(hostData)) > size {
		return fmt.Errorf("%s: initial data of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, size)
	}

	ptr, err := d.dctx.MemAlloc(size)
	if err != nil {
		return fmt.Errorf("%s: could not allocate buffer %s of size %d: %v", d.name, buf.name, size, err)
	}
	if hostData != nil {
		if err := d.dctx.MemcpyHtoD(ptr, hostData); err != nil {
			d.dctx.MemFree(ptr)
			return fmt.Errorf("%s: could not initialize buffer %s: %v", d.name, buf.name, err)
		}
	}

	buf.ptr = ptr
	buf.mode = mode
	buf.size = size
	return nil
}

func (d *CUDAIntersectionDevice) FreeBuffer(buf *Buffer) error {
	if !buf.Allocated() {
		return nil
	}
	err := d.dctx.MemFree(buf.ptr)
	buf.reset()
	if err != nil {
		return fmt.Errorf("%s: could not free buffer %s: %v", d.name, buf.name, err)
	}
	return nil
}

func (d *CUDAIntersectionDevice) EnqueueWriteBuffer(buf *Buffer, async bool, hostData []byte) error {
	if !buf.Allocated() {
		return fmt.Errorf("%s: write to unallocated buffer %s", d.name, buf.name)
	}
	if uint64(len(hostData)) > buf.size {
		return fmt.Errorf("%s: write of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, buf.size)
	}

	if async {
		return d.stream.EnqueueWriteBuffer(buf.ptr, hostData)
	}
	if err := d.dctx.MemcpyHtoD(buf.ptr, hostData); err != nil {
		return fmt.Errorf("%s: error copying host data to device buffer %s: %v", d.name, buf.name, err)
	}
	return nil
}

func (d *CUDAIntersectionDevice) ReadBuffer(buf *Buffer, hostData []byte) error {
	if !buf.Allocated() {
		return fmt.Errorf("%s: read from unallocated buffer %s", d.name, buf.name)
	}
	if err := d.dctx.MemcpyDtoH(hostData, buf.ptr); err != nil {
		return fmt.Errorf("%s: error copying device data from %s to host: %v", d.name, buf.name, err)
	}
	return nil
}

func (d *CUDAIntersectionDevice) release() error {
	if d.started {
		d.Stop()
	}
	return d.dctx.Close()
}
