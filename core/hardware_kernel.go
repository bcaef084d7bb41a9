package core

import (
	"encoding/binary"
	"fmt"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/scene"
)

const (
	// Launch parameters: top-level handle plus the ray and ray-hit buffer
	// pointers, rewritten before every dispatch.
	launchParamsSize = 24

	// Hit-group records carry the mesh index after the opaque header,
	// padded to keep records aligned.
	hitRecordStride = driver.SBTRecordHeaderSize + 16

	// The pipeline traces primary rays only.
	maxTraceDepth = 1
)

// A HardwareIntersectionKernel owns every device-side resource created for
// one device's intersection path: structure buffers, the compiled program,
// dispatch-table buffers and the launch parameters. It is built once per
// device Start and released once per Stop.
type HardwareIntersectionKernel struct {
	dev    *CUDAIntersectionDevice
	logger log.Logger

	meshStructs []*Buffer
	topStruct   *Buffer
	instanceBuf *Buffer
	handle      driver.TraversableHandle

	module      driver.Module
	raygenGroup driver.ProgramGroup
	missGroup   driver.ProgramGroup
	hitGroup    driver.ProgramGroup
	pipeline    driver.Pipeline

	raygenRecord *Buffer
	missRecord   *Buffer
	hitRecords   *Buffer
	sbt          driver.ShaderBindingTable

	params     *Buffer
	paramsHost [launchParamsSize]byte
}

// Build a kernel for the given device. Construction either completes fully
// or fails releasing everything it allocated; no partially built kernel is
// ever installed.
func buildHardwareKernel(hw HardwareDevice, ds *DataSet, instanced bool) (*HardwareIntersectionKernel, error) {
	dev, ok := hw.(*CUDAIntersectionDevice)
	if !ok {
		return nil, fmt.Errorf("core: hardware kernel build requires a CUDA device, got %T", hw)
	}

	k := &HardwareIntersectionKernel{dev: dev, logger: dev.logger}
	if err := k.build(ds, instanced); err != nil {
		k.release()
		return nil, err
	}
	return k, nil
}

func (k *HardwareIntersectionKernel) build(ds *DataSet, instanced bool) error {
	meshes := ds.Meshes()
	if len(meshes) == 0 {
		return fmt.Errorf("%s: no meshes to build a structure over", k.dev.name)
	}
	for _, mesh := range meshes {
		if mesh.Type() != scene.TriangleMeshType {
			return fmt.Errorf("%s: unsupported mesh type %s", k.dev.name, mesh.Type())
		}
	}

	if err := k.buildStructures(meshes, instanced); err != nil {
		return err
	}
	if err := k.buildPipeline(instanced); err != nil {
		return err
	}
	if err := k.buildDispatchTable(len(meshes)); err != nil {
		return err
	}

	// Launch parameters; the buffer pointers are placeholders rewritten
	// on every enqueue.
	binary.LittleEndian.PutUint64(k.paramsHost[0:], uint64(k.handle))
	k.params = NewBuffer("launch params")
	if err := k.dev.AllocBufferRW(k.params, k.paramsHost[:], launchParamsSize); err != nil {
		return err
	}
	return nil
}

// Build the device-resident structures: one batched structure over every
// mesh, or per-mesh structures under a top-level instance structure when
// the dataset instances meshes.
func (k *HardwareIntersectionKernel) buildStructures(meshes []*scene.TriangleMesh, instanced bool) error {
	if !instanced {
		inputs, geometry, err := k.meshBuildInputs(meshes)
		if err != nil {
			freeBuffers(k.dev, geometry)
			return err
		}
		handle, output, err := k.buildStructure("geometry", inputs)
		freeBuffers(k.dev, geometry)
		if err != nil {
			return err
		}
		k.topStruct = output
		k.handle = handle
		return nil
	}

	// Bottom level: one structure per mesh.
	instances := make([]driver.Instance, len(meshes))
	for i := range meshes {
		inputs, geometry, err := k.meshBuildInputs(meshes[i : i+1])
		if err != nil {
			freeBuffers(k.dev, geometry)
			return err
		}
		handle, output, err := k.buildStructure(fmt.Sprintf("mesh %d", i), inputs)
		freeBuffers(k.dev, geometry)
		if err != nil {
			return err
		}
		k.meshStructs = append(k.meshStructs, output)

		instances[i] = driver.Instance{
			Transform:      driver.IdentityTransform(),
			InstanceID:     uint32(i),
			VisibilityMask: 0xff,
			Flags:          driver.InstanceFlagNone,
			Traversable:    handle,
		}
	}

	// Top level: one instance per mesh structure.
	packed := driver.PackInstances(instances)
	k.instanceBuf = NewBuffer("instance descriptions")
	if err := k.dev.AllocBufferRO(k.instanceBuf, packed, uint64(len(packed))); err != nil {
		return err
	}

	handle, output, err := k.buildStructure("top level", []driver.BuildInput{{
		Type: driver.BuildInputInstances,
		Instances: driver.InstanceArray{
			Instances:     k.instanceBuf.Ptr(),
			InstanceCount: len(instances),
		},
	}})
	if err != nil {
		return err
	}
	k.topStruct = output
	k.handle = handle
	return nil
}

// Describe each mesh as one triangle build input, uploading its vertex and
// index arrays to read-only device buffers. The returned geometry buffers
// are build-time only; the caller frees them once the build completed.
func (k *HardwareIntersectionKernel) meshBuildInputs(meshes []*scene.TriangleMesh) ([]driver.BuildInput, []*Buffer, error) {
	var (
		inputs   []driver.BuildInput
		geometry []*Buffer
	)
	for i, mesh := range meshes {
		verts := mesh.PackVertices()
		vertBuf := NewBuffer(fmt.Sprintf("mesh %d vertices", i))
		if err := k.dev.AllocBufferRO(vertBuf, verts, uint64(len(verts))); err != nil {
			return nil, geometry, err
		}
		geometry = append(geometry, vertBuf)

		indices := mesh.PackIndices()
		idxBuf := NewBuffer(fmt.Sprintf("mesh %d indices", i))
		if err := k.dev.AllocBufferRO(idxBuf, indices, uint64(len(indices))); err != nil {
			return nil, geometry, err
		}
		geometry = append(geometry, idxBuf)

		inputs = append(inputs, driver.BuildInput{
			Type: driver.BuildInputTriangles,
			Triangles: driver.TriangleArray{
				VertexBuffer:        vertBuf.Ptr(),
				VertexCount:         mesh.VertexCount(),
				VertexStrideInBytes: scene.VertexStride,
				IndexBuffer:         idxBuf.Ptr(),
				TriangleCount:       mesh.TriangleCount(),
				IndexStrideInBytes:  scene.TriangleStride,
			},
		})
	}
	return inputs, geometry, nil
}

// Two-phase structure build. The output buffer is sized to the backend's
// worst case plus an 8-byte slot at a rounded-up offset receiving the
// compacted size; when compaction would shrink the structure it is
// rewritten into a tightly sized buffer and the oversized one is freed.
func (k *HardwareIntersectionKernel) buildStructure(label string, inputs []driver.BuildInput) (driver.TraversableHandle, *Buffer, error) {
	dev := k.dev

	sizes, err := dev.dctx.AccelComputeMemoryUsage(inputs)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: sizing %s structure: %v", dev.name, label, err)
	}

	temp := NewBuffer(label + " scratch")
	if err := dev.AllocBufferRW(temp, nil, sizes.TempSizeInBytes); err != nil {
		return 0, nil, err
	}

	compactedSizeOffset := (sizes.OutputSizeInBytes + 7) &^ 7
	output := NewBuffer(label + " structure")
	if err := dev.AllocBufferRW(output, nil, compactedSizeOffset+8); err != nil {
		dev.FreeBuffer(temp)
		return 0, nil, err
	}

	handle, err := dev.dctx.AccelBuild(dev.stream, inputs,
		temp.Ptr(), sizes.TempSizeInBytes,
		output.Ptr(), sizes.OutputSizeInBytes,
		output.Ptr()+driver.DevicePtr(compactedSizeOffset))
	if err == nil {
		err = dev.stream.Synchronize()
	}

	// Scratch and geometry are build-time only.
	dev.FreeBuffer(temp)
	if err != nil {
		dev.FreeBuffer(output)
		return 0, nil, fmt.Errorf("%s: building %s structure: %v", dev.name, label, err)
	}

	var sizeBytes [8]byte
	if err := dev.dctx.MemcpyDtoH(sizeBytes[:], output.Ptr()+driver.DevicePtr(compactedSizeOffset)); err != nil {
		dev.FreeBuffer(output)
		return 0, nil, fmt.Errorf("%s: reading %s compacted size: %v", dev.name, label, err)
	}
	compactedSize := binary.LittleEndian.Uint64(sizeBytes[:])

	if compactedSize >= sizes.OutputSizeInBytes {
		// Compaction would not shrink the structure; keep the buffer.
		return handle, output, nil
	}

	tight := NewBuffer(label + " structure (compacted)")
	if err := dev.AllocBufferRW(tight, nil, compactedSize); err != nil {
		dev.FreeBuffer(output)
		return 0, nil, err
	}
	compactedHandle, err := dev.dctx.AccelCompact(dev.stream, handle, tight.Ptr(), compactedSize)
	if err == nil {
		err = dev.stream.Synchronize()
	}
	if err != nil {
		dev.FreeBuffer(tight)
		dev.FreeBuffer(output)
		return 0, nil, fmt.Errorf("%s: compacting %s structure: %v", dev.name, label, err)
	}

	dev.FreeBuffer(output)
	k.logger.Debugf("%s structure compacted %d -> %d bytes", label, sizes.OutputSizeInBytes, compactedSize)
	return compactedHandle, tight, nil
}

// Compile the intersection program through the device's kernel cache and
// link the pipeline: raygen, miss and closest-hit groups with a bounded
// trace depth of one.
func (k *HardwareIntersectionKernel) buildPipeline(instanced bool) error {
	dev := k.dev

	ptx, cached, err := dev.CompileKernel(traceKernelOptions(instanced), traceKernelSource, "trace")
	if err != nil {
		return fmt.Errorf("%s: %v", dev.name, err)
	}
	if cached {
		k.logger.Debug("intersection program loaded from cache")
	} else {
		k.logger.Debug("intersection program compiled")
	}

	k.module, err = dev.dctx.ModuleCreate(ptx)
	if err != nil {
		return fmt.Errorf("%s: creating module: %v", dev.name, err)
	}

	groups := []struct {
		target *driver.ProgramGroup
		desc   driver.ProgramGroupDesc
	}{
		{&k.raygenGroup, driver.ProgramGroupDesc{Kind: driver.ProgramGroupRaygen, EntryFunctionName: raygenEntryPoint}},
		{&k.missGroup, driver.ProgramGroupDesc{Kind: driver.ProgramGroupMiss, EntryFunctionName: missEntryPoint}},
		{&k.hitGroup, driver.ProgramGroupDesc{Kind: driver.ProgramGroupHitGroup, EntryFunctionName: closestHitEntryPoint}},
	}
	for _, g := range groups {
		*g.target, err = dev.dctx.ProgramGroupCreate(k.module, g.desc)
		if err != nil {
			return fmt.Errorf("%s: creating %s group: %v", dev.name, g.desc.Kind, err)
		}
	}

	k.pipeline, err = dev.dctx.PipelineCreate(
		[]driver.ProgramGroup{k.raygenGroup, k.missGroup, k.hitGroup}, maxTraceDepth)
	if err != nil {
		return fmt.Errorf("%s: linking pipeline: %v", dev.name, err)
	}
	return nil
}

// Build the dispatch table: one raygen record, one miss record and one
// hit-group record per mesh carrying the mesh index as its payload.
func (k *HardwareIntersectionKernel) buildDispatchTable(meshCount int) error {
	dev := k.dev

	record := make([]byte, driver.SBTRecordHeaderSize)
	if err := dev.dctx.SBTRecordPackHeader(k.raygenGroup, record); err != nil {
		return fmt.Errorf("%s: packing raygen record: %v", dev.name, err)
	}
	k.raygenRecord = NewBuffer("raygen record")
	if err := dev.AllocBufferRO(k.raygenRecord, record, uint64(len(record))); err != nil {
		return err
	}

	record = make([]byte, driver.SBTRecordHeaderSize)
	if err := dev.dctx.SBTRecordPackHeader(k.missGroup, record); err != nil {
		return fmt.Errorf("%s: packing miss record: %v", dev.name, err)
	}
	k.missRecord = NewBuffer("miss record")
	if err := dev.AllocBufferRO(k.missRecord, record, uint64(len(record))); err != nil {
		return err
	}

	hitData := make([]byte, meshCount*hitRecordStride)
	for i := 0; i < meshCount; i++ {
		rec := hitData[i*hitRecordStride:]
		if err := dev.dctx.SBTRecordPackHeader(k.hitGroup, rec[:driver.SBTRecordHeaderSize]); err != nil {
			return fmt.Errorf("%s: packing hit record %d: %v", dev.name, i, err)
		}
		binary.LittleEndian.PutUint32(rec[driver.SBTRecordHeaderSize:], uint32(i))
	}
	k.hitRecords = NewBuffer("hit records")
	if err := dev.AllocBufferRO(k.hitRecords, hitData, uint64(len(hitData))); err != nil {
		return err
	}

	k.sbt = driver.ShaderBindingTable{
		RaygenRecord:                k.raygenRecord.Ptr(),
		MissRecordBase:              k.missRecord.Ptr(),
		MissRecordStrideInBytes:     driver.SBTRecordHeaderSize,
		MissRecordCount:             1,
		HitGroupRecordBase:          k.hitRecords.Ptr(),
		HitGroupRecordStrideInBytes: hitRecordStride,
		HitGroupRecordCount:         meshCount,
	}
	return nil
}

// Rewrite the launch parameters for this batch's buffers, push them to the
// device and dispatch. The parameter write and the launch run in submission
// order on the device stream, so no wait is needed between them.
func (k *HardwareIntersectionKernel) enqueueTraceRayBuffer(rayBuff, rayHitBuff *Buffer, rayCount int) error {
	dev := k.dev

	binary.LittleEndian.PutUint64(k.paramsHost[8:], uint64(rayBuff.Ptr()))
	binary.LittleEndian.PutUint64(k.paramsHost[16:], uint64(rayHitBuff.Ptr()))
	if err := dev.stream.EnqueueWriteBuffer(k.params.Ptr(), k.paramsHost[:]); err != nil {
		return fmt.Errorf("%s: updating launch parameters: %v", dev.name, err)
	}

	if err := dev.dctx.Launch(dev.stream, k.pipeline, k.params.Ptr(), launchParamsSize, &k.sbt, rayCount); err != nil {
		return fmt.Errorf("%s: dispatching %d rays: %v", dev.name, rayCount, err)
	}
	return nil
}

// Release every owned resource. Each release is guarded, so tearing down a
// partially constructed kernel is safe.
func (k *HardwareIntersectionKernel) release() {
	dev := k.dev

	if k.pipeline != nil {
		k.pipeline.Destroy()
		k.pipeline = nil
	}
	for _, group := range []*driver.ProgramGroup{&k.raygenGroup, &k.missGroup, &k.hitGroup} {
		if *group != nil {
			(*group).Destroy()
			*group = nil
		}
	}
	if k.module != nil {
		k.module.Destroy()
		k.module = nil
	}

	freeBuffers(dev, k.meshStructs)
	k.meshStructs = nil
	if k.topStruct != nil {
		dev.FreeBuffer(k.topStruct)
		k.topStruct = nil
	}
	if k.instanceBuf != nil {
		dev.FreeBuffer(k.instanceBuf)
		k.instanceBuf = nil
	}
	if k.params != nil {
		dev.FreeBuffer(k.params)
		k.params = nil
	}
	for _, buf := range []**Buffer{&k.raygenRecord, &k.missRecord, &k.hitRecords} {
		if *buf != nil {
			dev.FreeBuffer(*buf)
			*buf = nil
		}
	}
	k.handle = 0
}

func freeBuffers(ops BufferOps, buffers []*Buffer) {
	for _, buf := range buffers {
		if buf != nil {
			ops.FreeBuffer(buf)
		}
	}
}
