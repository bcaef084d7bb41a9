package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/scene"
)

// NativeIntersectionDevice answers ray queries with a pool of worker
// goroutines tracing against the dataset's software structures. Device
// buffers are plain host memory.
type NativeIntersectionDevice struct {
	logger log.Logger
	name   string
	index  int

	workerCount int

	dataset  *DataSet
	selected AcceleratorType
	accel    hostIntersector

	tasks    chan func()
	pending  sync.WaitGroup
	workerWg sync.WaitGroup

	interrupted atomic.Bool
	traced      atomic.Uint64
	started     bool
}

func newNativeIntersectionDevice(_ Config, desc DeviceDescription, index int) *NativeIntersectionDevice {
	name := fmt.Sprintf("NativeIntersect-%03d", index)
	return &NativeIntersectionDevice{
		logger:      log.New(name),
		name:        name,
		index:       index,
		workerCount: desc.ComputeUnits(),
	}
}

func (d *NativeIntersectionDevice) Name() string {
	return d.name
}

func (d *NativeIntersectionDevice) Type() DeviceType {
	return NativeDevice
}

func (d *NativeIntersectionDevice) Index() int {
	return d.index
}

func (d *NativeIntersectionDevice) Started() bool {
	return d.started
}

func (d *NativeIntersectionDevice) SetDataSet(ds *DataSet) {
	if d.started {
		panic(fmt.Sprintf("%s: SetDataSet on a started device", d.name))
	}

	d.dataset = ds
	if ds == nil {
		return
	}

	// CPU threads have no dedicated ray-tracing units, so auto selection
	// never picks the hardware strategy here.
	switch {
	case ds.AcceleratorType() != AcceleratorAuto:
		d.selected = ds.AcceleratorType()
	case ds.RequiresInstanceSupport() || ds.RequiresMotionBlurSupport():
		d.selected = AcceleratorMBVH
	default:
		d.selected = AcceleratorBVH
	}
	d.logger.Debugf("selected %s accelerator", d.selected)
}

func (d *NativeIntersectionDevice) SelectedAcceleratorType() AcceleratorType {
	return d.selected
}

func (d *NativeIntersectionDevice) Start() error {
	if d.started {
		panic(fmt.Sprintf("%s: Start on a started device", d.name))
	}
	if d.dataset == nil {
		panic(fmt.Sprintf("%s: Start without a bound dataset", d.name))
	}

	accel, err := hostAccelerator(d.dataset, d.selected)
	if err != nil {
		return fmt.Errorf("%s: %v", d.name, err)
	}
	d.accel = accel

	d.tasks = make(chan func(), d.workerCount*4)
	d.workerWg.Add(d.workerCount)
	for i := 0; i < d.workerCount; i++ {
		go func() {
			defer d.workerWg.Done()
			for task := range d.tasks {
				task()
			}
		}()
	}

	d.logger.Debugf("started with %d workers", d.workerCount)
	d.started = true
	return nil
}

func (d *NativeIntersectionDevice) Stop() {
	if !d.started {
		panic(fmt.Sprintf("%s: Stop on a stopped device", d.name))
	}

	d.Interrupt()
	d.pending.Wait()
	close(d.tasks)
	d.workerWg.Wait()

	d.tasks = nil
	d.accel = nil
	d.interrupted.Store(false)
	d.started = false
}

func (d *NativeIntersectionDevice) Interrupt() {
	d.interrupted.Store(true)
}

func (d *NativeIntersectionDevice) Update() (bool, error) {
	// The dataset rebuilds its software structures in place; the workers
	// pick them up on the next batch.
	return true, nil
}

// EnqueueTraceRayBuffer splits the batch across the worker pool and returns
// immediately. Hit records land in rayHitBuff as workers finish; call
// Synchronize before reading them.
func (d *NativeIntersectionDevice) EnqueueTraceRayBuffer(rayBuff, rayHitBuff *Buffer, rayCount int) error {
	if !d.started {
		panic(fmt.Sprintf("%s: EnqueueTraceRayBuffer on a stopped device", d.name))
	}
	if rayBuff.host == nil || rayHitBuff.host == nil {
		return fmt.Errorf("%s: trace buffers must be allocated on this device", d.name)
	}
	if rayCount*scene.RaySize > len(rayBuff.host) {
		return fmt.Errorf("%s: ray buffer of %d bytes holds fewer than %d rays", d.name, len(rayBuff.host), rayCount)
	}
	if rayCount*scene.RayHitSize > len(rayHitBuff.host) {
		return fmt.Errorf("%s: ray hit buffer of %d bytes holds fewer than %d records", d.name, len(rayHitBuff.host), rayCount)
	}

	rays := scene.UnpackRays(rayBuff.host, rayCount)
	accel := d.accel
	out := rayHitBuff.host

	chunk := (rayCount + d.workerCount - 1) / d.workerCount
	for first := 0; first < rayCount; first += chunk {
		last := first + chunk
		if last > rayCount {
			last = rayCount
		}

		first, last := first, last
		d.pending.Add(1)
		d.tasks <- func() {
			defer d.pending.Done()
			d.traceChunk(accel, rays[first:last], out[first*scene.RayHitSize:last*scene.RayHitSize])
		}
	}

	d.traced.Add(uint64(rayCount))
	return nil
}

// Trace one chunk, packing hit records into its slice of the output buffer.
func (d *NativeIntersectionDevice) traceChunk(accel hostIntersector, rays []scene.Ray, out []byte) {
	hits := make([]scene.RayHit, len(rays))
	for i := range rays {
		if d.interrupted.Load() {
			hits[i] = scene.RayHit{MeshIndex: scene.MissIndex, TriangleIndex: scene.MissIndex}
			continue
		}
		hit, ok := accel.Intersect(&rays[i])
		if !ok {
			hit = scene.RayHit{MeshIndex: scene.MissIndex, TriangleIndex: scene.MissIndex}
		}
		hits[i] = hit
	}
	copy(out, scene.PackRayHits(hits))
}

func (d *NativeIntersectionDevice) Synchronize() error {
	d.pending.Wait()
	d.interrupted.Store(false)
	return nil
}

func (d *NativeIntersectionDevice) TotalRaysTraced() uint64 {
	return d.traced.Load()
}

func (d *NativeIntersectionDevice) AllocBufferRO(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadOnly, hostData, size)
}

func (d *NativeIntersectionDevice) AllocBufferRW(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadWrite, hostData, size)
}

func (d *NativeIntersectionDevice) allocBuffer(buf *Buffer, mode BufferMode, hostData []byte, size uint64) error {
	if buf.Allocated() {
		if err := d.FreeBuffer(buf); err != nil {
			return err
		}
	}
	if hostData != nil && uint64(len(hostData)) > size {
		return fmt.Errorf("%s: initial data of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, size)
	}

	buf.host = make([]byte, size)
	copy(buf.host, hostData)
	buf.mode = mode
	buf.size = size
	return nil
}

func (d *NativeIntersectionDevice) FreeBuffer(buf *Buffer) error {
	buf.reset()
	return nil
}

func (d *NativeIntersectionDevice) EnqueueWriteBuffer(buf *Buffer, _ bool, hostData []byte) error {
	if buf.host == nil {
		return fmt.Errorf("%s: write to unallocated buffer %s", d.name, buf.name)
	}
	if len(hostData) > len(buf.host) {
		return fmt.Errorf("%s: write of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, len(buf.host))
	}
	copy(buf.host, hostData)
	return nil
}

func (d *NativeIntersectionDevice) ReadBuffer(buf *Buffer, hostData []byte) error {
	if buf.host == nil {
		return fmt.Errorf("%s: read from unallocated buffer %s", d.name, buf.name)
	}
	if len(hostData) > len(buf.host) {
		return fmt.Errorf("%s: read of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, len(buf.host))
	}
	copy(hostData, buf.host)
	return nil
}

func (d *NativeIntersectionDevice) release() error {
	if d.started {
		d.Stop()
	}
	return nil
}
