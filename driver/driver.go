// Package driver defines the low-level hardware driver surface consumed by
// the accelerator build pipeline: device enumeration, device memory, spatial
// structure builds and compaction, kernel compilation, pipeline assembly and
// one-dimensional launches.
//
// Backends register themselves with Register, typically from an init
// function triggered by a blank import. The sim backend (driver/sim) runs
// the whole surface on the CPU and is always available; a CUDA backend is
// provided behind the "cuda" build tag.
package driver

import "errors"

// A device memory address. The zero value is the null pointer.
type DevicePtr uint64

// An opaque handle to a built, queryable spatial structure.
type TraversableHandle uint64

// Static capabilities of one enumerable device.
type DeviceInfo struct {
	Name string

	ComputeUnits           int
	NativeVectorWidthFloat int
	MaxMemory              uint64
	MaxMemoryAllocSize     uint64

	// The device has dedicated ray-tracing hardware. When false only
	// software structures can be used on it.
	HardwareIntersection bool
}

// Temporary and worst-case output sizes for a structure build.
type AccelBufferSizes struct {
	TempSizeInBytes   uint64
	OutputSizeInBytes uint64
}

type BuildInputType int

const (
	BuildInputTriangles BuildInputType = iota
	BuildInputInstances
)

// Per-mesh geometry description for a structure build.
type TriangleArray struct {
	VertexBuffer        DevicePtr
	VertexCount         int
	VertexStrideInBytes int

	IndexBuffer        DevicePtr
	TriangleCount      int
	IndexStrideInBytes int

	Flags uint32
}

// Instance list description for a top-level structure build. Instances
// points at packed Instance records in device memory.
type InstanceArray struct {
	Instances     DevicePtr
	InstanceCount int
}

// One build input: either a triangle array or an instance array.
type BuildInput struct {
	Type      BuildInputType
	Triangles TriangleArray
	Instances InstanceArray
}

// Program group kinds linked into an intersection pipeline.
type ProgramGroupKind int

const (
	ProgramGroupRaygen ProgramGroupKind = iota
	ProgramGroupMiss
	ProgramGroupHitGroup
)

func (k ProgramGroupKind) String() string {
	switch k {
	case ProgramGroupRaygen:
		return "raygen"
	case ProgramGroupMiss:
		return "miss"
	case ProgramGroupHitGroup:
		return "hitgroup"
	}
	return "unknown"
}

// Describes one program group to be created from a compiled module.
type ProgramGroupDesc struct {
	Kind              ProgramGroupKind
	EntryFunctionName string
}

// Opaque header prefixed to every dispatch table record, packed by
// SBTRecordPackHeader.
const SBTRecordHeaderSize = 32

// Dispatch table consulted by a launch: one ray-generation record, a miss
// record region and a hit-group record region with one record per geometry.
type ShaderBindingTable struct {
	RaygenRecord DevicePtr

	MissRecordBase          DevicePtr
	MissRecordStrideInBytes int
	MissRecordCount         int

	HitGroupRecordBase          DevicePtr
	HitGroupRecordStrideInBytes int
	HitGroupRecordCount         int
}

// A compiled device program module.
type Module interface {
	Destroy() error
}

// A program group created from module entry points.
type ProgramGroup interface {
	Kind() ProgramGroupKind
	Destroy() error
}

// A linked intersection pipeline.
type Pipeline interface {
	Destroy() error
}

// An execution stream. Work submitted to one stream executes in submission
// order; no ordering holds across streams without a Synchronize.
type Stream interface {
	// Asynchronous host-to-device copy ordered with later launches on
	// this stream.
	EnqueueWriteBuffer(dst DevicePtr, data []byte) error

	// Block until all queued work on this stream has completed.
	Synchronize() error

	// Request cancellation of in-flight work. Queued work is dropped;
	// running work winds down on its own time.
	Interrupt()
}

// A device context bound to one enumerated device.
type Context interface {
	Device() DeviceInfo

	CreateStream() (Stream, error)

	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(ptr DevicePtr) error
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// Report the scratch and worst-case output sizes needed to build a
	// structure over the given inputs.
	AccelComputeMemoryUsage(inputs []BuildInput) (AccelBufferSizes, error)

	// Build a structure over all inputs, batched. The post-build
	// compacted size (8 bytes) is written to compactedSizeOut.
	AccelBuild(stream Stream, inputs []BuildInput, temp DevicePtr, tempSize uint64,
		output DevicePtr, outputSize uint64, compactedSizeOut DevicePtr) (TraversableHandle, error)

	// Rewrite a built structure into a tightly sized output buffer,
	// returning the new handle. The old handle is invalidated.
	AccelCompact(stream Stream, handle TraversableHandle, output DevicePtr, outputSize uint64) (TraversableHandle, error)

	// Compile kernel source to a device binary. On failure the
	// compiler's diagnostic log is returned alongside the error.
	CompilePTX(options []string, source, name string) (binary []byte, diagnostics string, err error)

	ModuleCreate(binary []byte) (Module, error)
	ProgramGroupCreate(module Module, desc ProgramGroupDesc) (ProgramGroup, error)
	PipelineCreate(groups []ProgramGroup, maxTraceDepth int) (Pipeline, error)

	// Pack the opaque dispatch-table header for a program group into the
	// first SBTRecordHeaderSize bytes of record.
	SBTRecordPackHeader(group ProgramGroup, record []byte) error

	// Dispatch the pipeline with a one-dimensional launch of the given
	// width, reading launch parameters from params.
	Launch(stream Stream, pipeline Pipeline, params DevicePtr, paramsSize uint64,
		sbt *ShaderBindingTable, width int) error

	Close() error
}

// A Driver enumerates devices of one backend and opens contexts on them.
type Driver interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	CreateContext(deviceIndex int) (Context, error)
}

// ErrUnavailable is returned by backends that are compiled in but cannot
// run on the current system (missing driver, no devices).
var ErrUnavailable = errors.New("driver: backend unavailable")
