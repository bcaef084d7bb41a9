package sim

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/scene"
	"github.com/240db/LuxCore/types"
)

const testKernelSource = `
extern "C" __global__ void __raygen__trace() {}
extern "C" __global__ void __miss__trace() {}
extern "C" __global__ void __closesthit__trace() {}
`

func newTestContext(t *testing.T) *Context {
	ctx, err := New().CreateContext(0)
	if err != nil {
		t.Fatal(err)
	}
	return ctx.(*Context)
}

// Upload a unit quad at the given z and return its triangle build input.
func uploadQuad(t *testing.T, ctx *Context, z float32) driver.BuildInput {
	mesh, err := scene.NewTriangleMesh(
		[]types.Vec3{
			{0, 0, z},
			{1, 0, z},
			{1, 1, z},
			{0, 1, z},
		},
		[]uint32{0, 1, 2, 0, 2, 3},
	)
	if err != nil {
		t.Fatal(err)
	}
	return uploadMesh(t, ctx, mesh)
}

func uploadMesh(t *testing.T, ctx *Context, mesh *scene.TriangleMesh) driver.BuildInput {
	vertexData := mesh.PackVertices()
	vertexBuff, err := ctx.MemAlloc(uint64(len(vertexData)))
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(vertexBuff, vertexData); err != nil {
		t.Fatal(err)
	}

	indexData := mesh.PackIndices()
	indexBuff, err := ctx.MemAlloc(uint64(len(indexData)))
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(indexBuff, indexData); err != nil {
		t.Fatal(err)
	}

	return driver.BuildInput{
		Type: driver.BuildInputTriangles,
		Triangles: driver.TriangleArray{
			VertexBuffer:        vertexBuff,
			VertexCount:         mesh.VertexCount(),
			VertexStrideInBytes: scene.VertexStride,
			IndexBuffer:         indexBuff,
			TriangleCount:       mesh.TriangleCount(),
			IndexStrideInBytes:  scene.TriangleStride,
		},
	}
}

// Build a structure over the inputs, returning the handle and the reported
// compacted size alongside the worst-case output estimate.
func buildStructure(t *testing.T, ctx *Context, stream driver.Stream,
	inputs []driver.BuildInput) (driver.TraversableHandle, uint64, uint64) {

	sizes, err := ctx.AccelComputeMemoryUsage(inputs)
	if err != nil {
		t.Fatal(err)
	}

	temp, err := ctx.MemAlloc(sizes.TempSizeInBytes)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.MemFree(temp)

	output, err := ctx.MemAlloc(sizes.OutputSizeInBytes)
	if err != nil {
		t.Fatal(err)
	}

	sizeOut, err := ctx.MemAlloc(8)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.MemFree(sizeOut)

	handle, err := ctx.AccelBuild(stream, inputs, temp, sizes.TempSizeInBytes,
		output, sizes.OutputSizeInBytes, sizeOut)
	if err != nil {
		t.Fatal(err)
	}
	if err = stream.Synchronize(); err != nil {
		t.Fatal(err)
	}

	var sizeBytes [8]byte
	if err = ctx.MemcpyDtoH(sizeBytes[:], sizeOut); err != nil {
		t.Fatal(err)
	}
	return handle, binary.LittleEndian.Uint64(sizeBytes[:]), sizes.OutputSizeInBytes
}

func TestMemAllocFreeParity(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	ptrs := make([]driver.DevicePtr, 4)
	for i := range ptrs {
		ptr, err := ctx.MemAlloc(256)
		if err != nil {
			t.Fatal(err)
		}
		ptrs[i] = ptr
	}
	if got := ctx.LiveAllocs(); got != 4 {
		t.Fatalf("expected 4 live allocations; got %d", got)
	}

	for _, ptr := range ptrs {
		if err := ctx.MemFree(ptr); err != nil {
			t.Fatal(err)
		}
	}
	if ctx.AllocCount() != ctx.FreeCount() {
		t.Fatalf("expected alloc/free parity; got %d allocs, %d frees", ctx.AllocCount(), ctx.FreeCount())
	}
	if got := ctx.LiveAllocs(); got != 0 {
		t.Fatalf("expected no live allocations; got %d", got)
	}

	if err := ctx.MemFree(ptrs[0]); err == nil {
		t.Fatal("expected double free to fail")
	}
}

func TestAccelBuildReportsCompactedSize(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}

	_, compacted, worstCase := buildStructure(t, ctx, stream,
		[]driver.BuildInput{uploadQuad(t, ctx, 1)})

	if compacted == 0 {
		t.Fatal("expected a non-zero compacted size")
	}
	if compacted > worstCase {
		t.Fatalf("expected compacted size %d to fit the worst-case estimate %d", compacted, worstCase)
	}
}

func TestAccelCompactReplacesHandle(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}

	handle, compacted, _ := buildStructure(t, ctx, stream,
		[]driver.BuildInput{uploadQuad(t, ctx, 1)})

	output, err := ctx.MemAlloc(compacted)
	if err != nil {
		t.Fatal(err)
	}
	newHandle, err := ctx.AccelCompact(stream, handle, output, compacted)
	if err != nil {
		t.Fatal(err)
	}
	if newHandle == handle {
		t.Fatal("expected compaction to mint a new handle")
	}

	// The old handle must be invalidated.
	if _, err = ctx.AccelCompact(stream, handle, output, compacted); err == nil {
		t.Fatal("expected compaction of the invalidated handle to fail")
	}

	// Undersized targets are rejected.
	if _, err = ctx.AccelCompact(stream, newHandle, output, compacted-1); err == nil {
		t.Fatal("expected undersized compaction target to be rejected")
	}
}

func TestCompilePTXDeterministic(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	opts := []string{"--use_fast_math"}
	bin1, _, err := ctx.CompilePTX(opts, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	bin2, _, err := ctx.CompilePTX(opts, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bin1, bin2) {
		t.Fatal("expected identical inputs to produce byte-identical binaries")
	}

	bin3, _, err := ctx.CompilePTX(nil, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(bin1, bin3) {
		t.Fatal("expected different options to produce a different binary")
	}

	bin4, _, err := ctx.CompilePTX([]string{"-DF", "OO"}, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	bin5, _, err := ctx.CompilePTX([]string{"-DF OO"}, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(bin4, bin5) {
		t.Fatal("expected option list boundaries to produce different binaries")
	}
}

func TestCompilePTXFailureDiagnostics(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	if _, _, err := ctx.CompilePTX(nil, "   ", "trace"); err == nil {
		t.Fatal("expected empty source to fail compilation")
	}

	_, diagnostics, err := ctx.CompilePTX(nil, "int main() { return 0; }", "trace")
	if err == nil {
		t.Fatal("expected source without entry points to fail compilation")
	}
	if !strings.Contains(diagnostics, "entry points") {
		t.Fatalf("expected a diagnostic log naming the missing entry points; got %q", diagnostics)
	}
}

// Assemble the full launch state for a built structure: compiled pipeline,
// dispatch table with the given per-record mesh indices, ray and hit
// buffers, launch parameters.
type launchState struct {
	pipeline   driver.Pipeline
	sbt        driver.ShaderBindingTable
	params     driver.DevicePtr
	rayBuff    driver.DevicePtr
	rayHitBuff driver.DevicePtr
	rayCount   int
}

func setupLaunch(t *testing.T, ctx *Context, handle driver.TraversableHandle,
	meshIndices []uint32, rays []scene.Ray) launchState {

	bin, _, err := ctx.CompilePTX(nil, testKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	mod, err := ctx.ModuleCreate(bin)
	if err != nil {
		t.Fatal(err)
	}
	raygen, err := ctx.ProgramGroupCreate(mod, driver.ProgramGroupDesc{
		Kind: driver.ProgramGroupRaygen, EntryFunctionName: "__raygen__trace"})
	if err != nil {
		t.Fatal(err)
	}
	miss, err := ctx.ProgramGroupCreate(mod, driver.ProgramGroupDesc{
		Kind: driver.ProgramGroupMiss, EntryFunctionName: "__miss__trace"})
	if err != nil {
		t.Fatal(err)
	}
	hit, err := ctx.ProgramGroupCreate(mod, driver.ProgramGroupDesc{
		Kind: driver.ProgramGroupHitGroup, EntryFunctionName: "__closesthit__trace"})
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := ctx.PipelineCreate([]driver.ProgramGroup{raygen, miss, hit}, 1)
	if err != nil {
		t.Fatal(err)
	}

	packRecord := func(group driver.ProgramGroup, payload []byte) driver.DevicePtr {
		record := make([]byte, driver.SBTRecordHeaderSize+len(payload))
		if err := ctx.SBTRecordPackHeader(group, record); err != nil {
			t.Fatal(err)
		}
		copy(record[driver.SBTRecordHeaderSize:], payload)
		ptr, err := ctx.MemAlloc(uint64(len(record)))
		if err != nil {
			t.Fatal(err)
		}
		if err = ctx.MemcpyHtoD(ptr, record); err != nil {
			t.Fatal(err)
		}
		return ptr
	}

	hitStride := driver.SBTRecordHeaderSize + 16
	hitRecords := make([]byte, len(meshIndices)*hitStride)
	for i, meshIndex := range meshIndices {
		record := hitRecords[i*hitStride : (i+1)*hitStride]
		if err := ctx.SBTRecordPackHeader(hit, record); err != nil {
			t.Fatal(err)
		}
		binary.LittleEndian.PutUint32(record[driver.SBTRecordHeaderSize:], meshIndex)
	}
	hitBase, err := ctx.MemAlloc(uint64(len(hitRecords)))
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(hitBase, hitRecords); err != nil {
		t.Fatal(err)
	}

	sbt := driver.ShaderBindingTable{
		RaygenRecord:                packRecord(raygen, nil),
		MissRecordBase:              packRecord(miss, nil),
		MissRecordStrideInBytes:     driver.SBTRecordHeaderSize,
		MissRecordCount:             1,
		HitGroupRecordBase:          hitBase,
		HitGroupRecordStrideInBytes: hitStride,
		HitGroupRecordCount:         len(meshIndices),
	}

	rayData := scene.PackRays(rays)
	rayBuff, err := ctx.MemAlloc(uint64(len(rayData)))
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(rayBuff, rayData); err != nil {
		t.Fatal(err)
	}
	rayHitBuff, err := ctx.MemAlloc(uint64(len(rays) * scene.RayHitSize))
	if err != nil {
		t.Fatal(err)
	}

	paramBytes := make([]byte, launchParamsByteSize)
	binary.LittleEndian.PutUint64(paramBytes[0:], uint64(handle))
	binary.LittleEndian.PutUint64(paramBytes[8:], uint64(rayBuff))
	binary.LittleEndian.PutUint64(paramBytes[16:], uint64(rayHitBuff))
	params, err := ctx.MemAlloc(launchParamsByteSize)
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(params, paramBytes); err != nil {
		t.Fatal(err)
	}

	return launchState{
		pipeline:   pipe,
		sbt:        sbt,
		params:     params,
		rayBuff:    rayBuff,
		rayHitBuff: rayHitBuff,
		rayCount:   len(rays),
	}
}

func (ls *launchState) run(t *testing.T, ctx *Context, stream driver.Stream) []scene.RayHit {
	err := ctx.Launch(stream, ls.pipeline, ls.params, launchParamsByteSize, &ls.sbt, ls.rayCount)
	if err != nil {
		t.Fatal(err)
	}
	if err = stream.Synchronize(); err != nil {
		t.Fatal(err)
	}

	hitData := make([]byte, ls.rayCount*scene.RayHitSize)
	if err = ctx.MemcpyDtoH(hitData, ls.rayHitBuff); err != nil {
		t.Fatal(err)
	}
	return scene.UnpackRayHits(hitData, ls.rayCount)
}

func TestLaunchBatchedStructure(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}

	// Two quads batched into one build; each input gets its own hit record.
	handle, _, _ := buildStructure(t, ctx, stream, []driver.BuildInput{
		uploadQuad(t, ctx, 5),
		uploadQuad(t, ctx, 3),
	})

	rays := []scene.Ray{
		scene.NewRay(types.Vec3{0.25, 0.25, 0}, types.Vec3{0, 0, 1}),
		scene.NewRay(types.Vec3{8, 8, 0}, types.Vec3{0, 0, 1}),
	}
	ls := setupLaunch(t, ctx, handle, []uint32{11, 22}, rays)
	hits := ls.run(t, ctx, stream)

	if hits[0].Miss() {
		t.Fatal("expected ray through the quads to hit")
	}
	// The nearer quad is the second build input; its record carries 22.
	if hits[0].MeshIndex != 22 {
		t.Fatalf("expected mesh index 22 from the nearer input's record; got %d", hits[0].MeshIndex)
	}
	if hits[0].T < 2.999 || hits[0].T > 3.001 {
		t.Fatalf("expected hit distance ~3; got %f", hits[0].T)
	}
	if !hits[1].Miss() {
		t.Fatal("expected ray outside the quads to miss")
	}
}

func TestLaunchInstanceStructure(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}

	near, _, _ := buildStructure(t, ctx, stream, []driver.BuildInput{uploadQuad(t, ctx, 2)})
	far, _, _ := buildStructure(t, ctx, stream, []driver.BuildInput{uploadQuad(t, ctx, 6)})

	// The far structure first, so nearest-hit selection is actually
	// exercised across instances.
	instances := []driver.Instance{
		{Transform: driver.IdentityTransform(), InstanceID: 0, VisibilityMask: 0xff, Traversable: far},
		{Transform: driver.IdentityTransform(), InstanceID: 1, VisibilityMask: 0xff, Traversable: near},
	}
	instData := driver.PackInstances(instances)
	instBuff, err := ctx.MemAlloc(uint64(len(instData)))
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.MemcpyHtoD(instBuff, instData); err != nil {
		t.Fatal(err)
	}

	top, _, _ := buildStructure(t, ctx, stream, []driver.BuildInput{{
		Type:      driver.BuildInputInstances,
		Instances: driver.InstanceArray{Instances: instBuff, InstanceCount: len(instances)},
	}})

	rays := []scene.Ray{
		scene.NewRay(types.Vec3{0.5, 0.5, 0}, types.Vec3{0, 0, 1}),
	}
	ls := setupLaunch(t, ctx, top, []uint32{40, 41}, rays)
	hits := ls.run(t, ctx, stream)

	if hits[0].Miss() {
		t.Fatal("expected ray through both instances to hit")
	}
	// Instance id 1 is the near quad; its record carries 41.
	if hits[0].MeshIndex != 41 {
		t.Fatalf("expected mesh index 41 from the near instance's record; got %d", hits[0].MeshIndex)
	}
	if hits[0].T < 1.999 || hits[0].T > 2.001 {
		t.Fatalf("expected hit distance ~2; got %f", hits[0].T)
	}
}

func TestLaunchAfterResidentBufferFreed(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()
	stream, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}

	sizes, err := ctx.AccelComputeMemoryUsage([]driver.BuildInput{uploadQuad(t, ctx, 1)})
	if err != nil {
		t.Fatal(err)
	}
	input := uploadQuad(t, ctx, 1)
	temp, err := ctx.MemAlloc(sizes.TempSizeInBytes)
	if err != nil {
		t.Fatal(err)
	}
	output, err := ctx.MemAlloc(sizes.OutputSizeInBytes)
	if err != nil {
		t.Fatal(err)
	}
	sizeOut, err := ctx.MemAlloc(8)
	if err != nil {
		t.Fatal(err)
	}
	handle, err := ctx.AccelBuild(stream, []driver.BuildInput{input},
		temp, sizes.TempSizeInBytes, output, sizes.OutputSizeInBytes, sizeOut)
	if err != nil {
		t.Fatal(err)
	}
	if err = stream.Synchronize(); err != nil {
		t.Fatal(err)
	}

	// Freeing the structure's resident buffer must fail the next launch.
	if err = ctx.MemFree(output); err != nil {
		t.Fatal(err)
	}

	rays := []scene.Ray{scene.NewRay(types.Vec3{0.5, 0.5, 0}, types.Vec3{0, 0, 1})}
	ls := setupLaunch(t, ctx, handle, []uint32{0}, rays)
	err = ctx.Launch(stream, ls.pipeline, ls.params, launchParamsByteSize, &ls.sbt, ls.rayCount)
	if err != nil {
		t.Fatal(err)
	}
	if err = stream.Synchronize(); err == nil {
		t.Fatal("expected launch against a freed structure buffer to fail")
	}
}
