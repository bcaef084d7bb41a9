//go:build opencl

package core

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/achilleasa/gopencl/v1.2/cl"

	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/scene"
)

const (
	clPlatformBufferSize = 100
	clDeviceBufferSize   = 100
	clDataBufferSize     = 1024
)

// One device of the selected OpenCL platform.
type openCLDeviceDescription struct {
	name string
	id   cl.DeviceId

	computeUnits uint32
	vecWidth     uint32
	maxMemory    uint64
	maxAlloc     uint64
}

func (d *openCLDeviceDescription) Name() string                { return d.name }
func (d *openCLDeviceDescription) Type() DeviceType            { return OpenCLDevice }
func (d *openCLDeviceDescription) ComputeUnits() int           { return int(d.computeUnits) }
func (d *openCLDeviceDescription) NativeVectorWidthFloat() int { return int(d.vecWidth) }
func (d *openCLDeviceDescription) MaxMemory() uint64           { return d.maxMemory }
func (d *openCLDeviceDescription) MaxMemoryAllocSize() uint64  { return d.maxAlloc }

// Enumerate the devices of the configured OpenCL platform. A system without
// platforms simply contributes nothing.
func enumerateOpenCLDevices(cfg Config) ([]DeviceDescription, error) {
	pids := make([]cl.PlatformID, clPlatformBufferSize)
	pidCount := uint32(0)
	cl.GetPlatformIDs(uint32(len(pids)), &pids[0], &pidCount)
	if pidCount == 0 {
		return nil, nil
	}
	if cfg.OpenCLPlatformIndex >= int(pidCount) {
		return nil, fmt.Errorf("core: opencl platform index %d out of range (%d platforms)", cfg.OpenCLPlatformIndex, pidCount)
	}
	pid := pids[cfg.OpenCLPlatformIndex]

	devices := make([]cl.DeviceId, clDeviceBufferSize)
	data := make([]byte, clDataBufferSize)
	dataLen := uint64(0)

	var descs []DeviceDescription
	for _, devType := range []cl.DeviceType{cl.DEVICE_TYPE_CPU, cl.DEVICE_TYPE_GPU} {
		deviceCount := uint32(0)
		cl.GetDeviceIDs(pid, devType, uint32(clDeviceBufferSize), &devices[0], &deviceCount)

		for i := 0; i < int(deviceCount); i++ {
			desc := &openCLDeviceDescription{id: devices[i]}

			cl.GetDeviceInfo(devices[i], cl.DEVICE_NAME, clDataBufferSize, unsafe.Pointer(&data[0]), &dataLen)
			desc.name = string(data[0 : dataLen-1])
			cl.GetDeviceInfo(devices[i], cl.DEVICE_MAX_COMPUTE_UNITS, 4, unsafe.Pointer(&desc.computeUnits), nil)
			cl.GetDeviceInfo(devices[i], cl.DEVICE_NATIVE_VECTOR_WIDTH_FLOAT, 4, unsafe.Pointer(&desc.vecWidth), nil)
			cl.GetDeviceInfo(devices[i], cl.DEVICE_GLOBAL_MEM_SIZE, 8, unsafe.Pointer(&desc.maxMemory), nil)
			cl.GetDeviceInfo(devices[i], cl.DEVICE_MAX_MEM_ALLOC_SIZE, 8, unsafe.Pointer(&desc.maxAlloc), nil)

			descs = append(descs, desc)
		}
	}
	return descs, nil
}

// OpenCLIntersectionDevice traces ray batches with an OpenCL kernel walking
// an uploaded flattened structure. There is no hardware-intersection path on
// this backend; instanced datasets are flattened at upload time.
type OpenCLIntersectionDevice struct {
	logger log.Logger
	name   string
	index  int
	desc   *openCLDeviceDescription

	ctx      *cl.Context
	cmdQueue cl.CommandQueue
	program  cl.Program
	kernel   cl.Kernel

	dataset  *DataSet
	selected AcceleratorType

	nodesBuf *Buffer
	primsBuf *Buffer

	traced  atomic.Uint64
	started bool
}

func newOpenCLIntersectionDevice(_ Config, desc DeviceDescription, index int) (IntersectionDevice, error) {
	cdesc, ok := desc.(*openCLDeviceDescription)
	if !ok {
		return nil, fmt.Errorf("core: foreign OpenCL device description %q", desc.Name())
	}
	name := fmt.Sprintf("OpenCLIntersect-%03d", index)

	d := &OpenCLIntersectionDevice{
		logger: log.New(name),
		name:   name,
		index:  index,
		desc:   cdesc,
	}

	var errCode cl.ErrorCode
	d.ctx = cl.CreateContext(nil, 1, &cdesc.id, nil, nil, (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		return nil, fmt.Errorf("%s: could not create opencl context (code %d)", name, errCode)
	}
	d.cmdQueue = cl.CreateCommandQueue(*d.ctx, cdesc.id, 0, (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		d.release()
		return nil, fmt.Errorf("%s: could not create command queue (code %d)", name, errCode)
	}
	return d, nil
}

func (d *OpenCLIntersectionDevice) Name() string {
	return d.name
}

func (d *OpenCLIntersectionDevice) Type() DeviceType {
	return OpenCLDevice
}

func (d *OpenCLIntersectionDevice) Index() int {
	return d.index
}

func (d *OpenCLIntersectionDevice) Started() bool {
	return d.started
}

func (d *OpenCLIntersectionDevice) SetDataSet(ds *DataSet) {
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
	default:
		d.selected = AcceleratorBVH
	}
	d.logger.Debugf("selected %s accelerator", d.selected)
}

func (d *OpenCLIntersectionDevice) SelectedAcceleratorType() AcceleratorType {
	return d.selected
}

func (d *OpenCLIntersectionDevice) Start() error {
	if d.started {
		panic(fmt.Sprintf("%s: Start on a started device", d.name))
	}
	if d.dataset == nil {
		panic(fmt.Sprintf("%s: Start without a bound dataset", d.name))
	}

	if err := d.uploadTree(); err != nil {
		return err
	}
	if err := d.buildProgram(); err != nil {
		d.freeStructures()
		return err
	}

	d.started = true
	return nil
}

// Upload the flattened structure for the selected accelerator.
func (d *OpenCLIntersectionDevice) uploadTree() error {
	accel, err := d.dataset.GetAccelerator(d.selected)
	if err != nil {
		return fmt.Errorf("%s: %v", d.name, err)
	}

	var tree *scene.BVHTree
	switch a := accel.(type) {
	case *bvhAccel:
		tree = a.tree
	case *mbvhAccel:
		// The kernel walks one flat structure; instanced sets are
		// flattened with their geometry duplicated.
		flat, err := newBVHAccel(d.dataset)
		if err != nil {
			return fmt.Errorf("%s: %v", d.name, err)
		}
		tree = flat.tree
	default:
		return fmt.Errorf("%s: %s accelerator not supported on this backend", d.name, accel.Type())
	}

	nodes := tree.PackNodes()
	d.nodesBuf = NewBuffer("bvh nodes")
	if err := d.AllocBufferRO(d.nodesBuf, nodes, uint64(len(nodes))); err != nil {
		return err
	}
	prims := tree.PackPrimitives()
	d.primsBuf = NewBuffer("bvh primitives")
	if err := d.AllocBufferRO(d.primsBuf, prims, uint64(len(prims))); err != nil {
		d.freeStructures()
		return err
	}
	return nil
}

// Build the trace program and load its kernel, capturing the build log on
// failure.
func (d *OpenCLIntersectionDevice) buildProgram() error {
	var errCode cl.ErrorCode

	progSrc := cl.Str(traceKernelSourceCL + "\x00")
	d.program = cl.CreateProgramWithSource(*d.ctx, 1, &progSrc, nil, (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		return fmt.Errorf("%s: could not create program (code %d)", d.name, errCode)
	}

	buildOpts := fmt.Sprintf("-D RAY_EPSILON_MIN=%vf -D RAY_EPSILON_MAX=%vf\x00", scene.RayEpsilonMin, scene.RayEpsilonMax)
	errCode = cl.BuildProgram(d.program, 1, &d.desc.id, cl.Str(buildOpts), nil, nil)
	if errCode != cl.SUCCESS {
		var dataLen uint64
		data := make([]byte, 120000)
		cl.GetProgramBuildInfo(d.program, d.desc.id, cl.PROGRAM_BUILD_LOG, uint64(len(data)), unsafe.Pointer(&data[0]), &dataLen)
		d.releaseProgram()
		return fmt.Errorf("%s: could not build kernel (code %d):\n%s", d.name, errCode, string(data[0:dataLen-1]))
	}

	d.kernel = cl.CreateKernel(d.program, cl.Str("trace\x00"), (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		d.releaseProgram()
		return fmt.Errorf("%s: could not load trace kernel (code %d)", d.name, errCode)
	}
	return nil
}

func (d *OpenCLIntersectionDevice) Stop() {
	if !d.started {
		panic(fmt.Sprintf("%s: Stop on a stopped device", d.name))
	}

	d.Interrupt()
	cl.Finish(d.cmdQueue)

	d.releaseProgram()
	d.freeStructures()
	d.started = false
}

func (d *OpenCLIntersectionDevice) Interrupt() {
	// OpenCL 1.2 offers no queue-level cancellation; queued work drains
	// on the next Finish.
}

func (d *OpenCLIntersectionDevice) Update() (bool, error) {
	return false, nil
}

func (d *OpenCLIntersectionDevice) EnqueueTraceRayBuffer(rayBuff, rayHitBuff *Buffer, rayCount int) error {
	if !d.started {
		panic(fmt.Sprintf("%s: EnqueueTraceRayBuffer on a stopped device", d.name))
	}

	handles := make([]cl.Mem, 4)
	for i, buf := range []*Buffer{d.nodesBuf, d.primsBuf, rayBuff, rayHitBuff} {
		mem, ok := buf.clmem.(cl.Mem)
		if !ok {
			return fmt.Errorf("%s: trace buffers must be allocated on this device", d.name)
		}
		handles[i] = mem
		if errCode := cl.SetKernelArg(d.kernel, uint32(i), 8, unsafe.Pointer(&handles[i])); errCode != cl.SUCCESS {
			return fmt.Errorf("%s: could not set trace kernel arg %d (code %d)", d.name, i, errCode)
		}
	}
	count := int32(rayCount)
	if errCode := cl.SetKernelArg(d.kernel, 4, 4, unsafe.Pointer(&count)); errCode != cl.SUCCESS {
		return fmt.Errorf("%s: could not set trace kernel arg 4 (code %d)", d.name, errCode)
	}

	globalSize := uint64(rayCount)
	errCode := cl.EnqueueNDRangeKernel(d.cmdQueue, d.kernel, 1, nil,
		(*uint64)(unsafe.Pointer(&globalSize)), nil, 0, nil, nil)
	if errCode != cl.SUCCESS {
		return fmt.Errorf("%s: unable to execute trace kernel (code %d)", d.name, errCode)
	}

	d.traced.Add(uint64(rayCount))
	return nil
}

func (d *OpenCLIntersectionDevice) Synchronize() error {
	if errCode := cl.Finish(d.cmdQueue); errCode != cl.SUCCESS {
		return fmt.Errorf("%s: queued work did not complete (code %d)", d.name, errCode)
	}
	return nil
}

func (d *OpenCLIntersectionDevice) TotalRaysTraced() uint64 {
	return d.traced.Load()
}

func (d *OpenCLIntersectionDevice) AllocBufferRO(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadOnly, cl.MEM_READ_ONLY, hostData, size)
}

func (d *OpenCLIntersectionDevice) AllocBufferRW(buf *Buffer, hostData []byte, size uint64) error {
	return d.allocBuffer(buf, BufferReadWrite, cl.MEM_READ_WRITE, hostData, size)
}

func (d *OpenCLIntersectionDevice) allocBuffer(buf *Buffer, mode BufferMode, flags cl.MemFlags, hostData []byte, size uint64) error {
	if buf.Allocated() {
		if err := d.FreeBuffer(buf); err != nil {
			return err
		}
	}

	var errPtr *int32
	mem := cl.CreateBuffer(*d.ctx, flags, cl.MemFlags(size), nil, errPtr)
	if errPtr != nil && cl.ErrorCode(*errPtr) != cl.SUCCESS {
		return fmt.Errorf("%s: could not allocate buffer %s of size %d (code %d)", d.name, buf.name, size, cl.ErrorCode(*errPtr))
	}

	buf.clmem = mem
	buf.mode = mode
	buf.size = size

	if hostData != nil {
		if err := d.EnqueueWriteBuffer(buf, false, hostData); err != nil {
			d.FreeBuffer(buf)
			return err
		}
	}
	return nil
}

func (d *OpenCLIntersectionDevice) FreeBuffer(buf *Buffer) error {
	if mem, ok := buf.clmem.(cl.Mem); ok {
		cl.ReleaseMemObject(mem)
	}
	buf.reset()
	return nil
}

func (d *OpenCLIntersectionDevice) EnqueueWriteBuffer(buf *Buffer, async bool, hostData []byte) error {
	mem, ok := buf.clmem.(cl.Mem)
	if !ok {
		return fmt.Errorf("%s: write to unallocated buffer %s", d.name, buf.name)
	}
	if uint64(len(hostData)) > buf.size {
		return fmt.Errorf("%s: write of %d bytes overflows buffer %s of %d bytes", d.name, len(hostData), buf.name, buf.size)
	}

	blocking := cl.TRUE
	if async {
		blocking = cl.FALSE
	}
	errCode := cl.EnqueueWriteBuffer(d.cmdQueue, mem, blocking, 0, uint64(len(hostData)),
		unsafe.Pointer(&hostData[0]), 0, nil, nil)
	if errCode != cl.SUCCESS {
		return fmt.Errorf("%s: error copying host data to device buffer %s (code %d)", d.name, buf.name, errCode)
	}
	return nil
}

func (d *OpenCLIntersectionDevice) ReadBuffer(buf *Buffer, hostData []byte) error {
	mem, ok := buf.clmem.(cl.Mem)
	if !ok {
		return fmt.Errorf("%s: read from unallocated buffer %s", d.name, buf.name)
	}

	errCode := cl.EnqueueReadBuffer(d.cmdQueue, mem, cl.TRUE, 0, uint64(len(hostData)),
		unsafe.Pointer(&hostData[0]), 0, nil, nil)
	if errCode != cl.SUCCESS {
		return fmt.Errorf("%s: error copying device data from %s to host (code %d)", d.name, buf.name, errCode)
	}
	return nil
}

func (d *OpenCLIntersectionDevice) freeStructures() {
	if d.nodesBuf != nil {
		d.FreeBuffer(d.nodesBuf)
		d.nodesBuf = nil
	}
	if d.primsBuf != nil {
		d.FreeBuffer(d.primsBuf)
		d.primsBuf = nil
	}
}

func (d *OpenCLIntersectionDevice) releaseProgram() {
	if d.kernel != nil {
		cl.ReleaseKernel(d.kernel)
		d.kernel = nil
	}
	if d.program != nil {
		cl.ReleaseProgram(d.program)
		d.program = nil
	}
}

func (d *OpenCLIntersectionDevice) release() error {
	if d.started {
		d.Stop()
	}
	if d.cmdQueue != nil {
		cl.ReleaseCommandQueue(d.cmdQueue)
		d.cmdQueue = nil
	}
	if d.ctx != nil {
		cl.ReleaseContext(d.ctx)
		d.ctx = nil
	}
	return nil
}

// OpenCL source of the trace kernel: one work item per ray walking the
// uploaded structure.
const traceKernelSourceCL = `
typedef struct {
	float4 bboxMin;
	float4 bboxMax;
} BVHNode;

typedef struct {
	float v0[3];
	float v1[3];
	float v2[3];
	uint meshIndex;
	uint triangleIndex;
	uint pad0;
} BVHPrimitive;

typedef struct {
	float origin[3];
	float dir[3];
	float minT;
	float maxT;
} Ray;

typedef struct {
	float t;
	float b1;
	float b2;
	uint meshIndex;
	uint triangleIndex;
} RayHit;

bool intersectTriangle(__global const Ray *ray, __global const BVHPrimitive *prim,
		float maxT, float *t, float *b1, float *b2) {
	float3 v0 = vload3(0, prim->v0);
	float3 edge1 = vload3(0, prim->v1) - v0;
	float3 edge2 = vload3(0, prim->v2) - v0;
	float3 origin = vload3(0, ray->origin);
	float3 dir = vload3(0, ray->dir);

	float3 pvec = cross(dir, edge2);
	float det = dot(edge1, pvec);
	if (fabs(det) < 1e-30f) {
		return false;
	}
	float invDet = 1.0f / det;

	float3 tvec = origin - v0;
	*b1 = dot(tvec, pvec) * invDet;
	if (*b1 < 0.0f || *b1 > 1.0f) {
		return false;
	}
	float3 qvec = cross(tvec, edge1);
	*b2 = dot(dir, qvec) * invDet;
	if (*b2 < 0.0f || *b1 + *b2 > 1.0f) {
		return false;
	}
	*t = dot(edge2, qvec) * invDet;
	return *t >= ray->minT && *t < maxT;
}

__kernel void trace(
	__global const BVHNode *nodes,
	__global const BVHPrimitive *prims,
	__global const Ray *rays,
	__global RayHit *hits,
	const int rayCount) {

	int index = get_global_id(0);
	if (index >= rayCount) {
		return;
	}

	__global const Ray *ray = rays + index;
	float3 origin = vload3(0, ray->origin);
	float3 invDir = native_recip(vload3(0, ray->dir));

	RayHit hit;
	hit.t = ray->maxT;
	hit.meshIndex = 0xffffffffu;
	hit.triangleIndex = 0xffffffffu;

	uint stack[64];
	int stackTop = 0;
	stack[0] = 0;

	while (stackTop >= 0) {
		__global const BVHNode *node = nodes + stack[stackTop--];

		float3 t0 = (node->bboxMin.xyz - origin) * invDir;
		float3 t1 = (node->bboxMax.xyz - origin) * invDir;
		float3 tNear = fmin(t0, t1);
		float3 tFar = fmax(t0, t1);
		float tmin = fmax(fmax(tNear.x, tNear.y), fmax(tNear.z, ray->minT));
		float tmax = fmin(fmin(tFar.x, tFar.y), fmin(tFar.z, hit.t));
		if (tmin > tmax) {
			continue;
		}

		if (node->bboxMax.w < 0.0f) {
			uint first = (uint)node->bboxMin.w;
			uint count = (uint)(-node->bboxMax.w);
			for (uint i = first; i < first + count; i++) {
				float t, b1, b2;
				if (intersectTriangle(ray, prims + i, hit.t, &t, &b1, &b2)) {
					hit.t = t;
					hit.b1 = b1;
					hit.b2 = b2;
					hit.meshIndex = prims[i].meshIndex;
					hit.triangleIndex = prims[i].triangleIndex;
				}
			}
			continue;
		}

		stack[++stackTop] = (uint)node->bboxMin.w;
		stack[++stackTop] = (uint)node->bboxMax.w;
	}

	hits[index] = hit;
}
`
