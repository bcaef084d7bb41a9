package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/scene"
)

// A built structure. The queryable data lives host-side; resident points at
// the device allocation the structure notionally occupies so lifetime bugs
// (querying a structure whose buffer was freed) are caught at launch time.
type accelStruct struct {
	tree      *scene.BVHTree
	instances []driver.Instance

	resident   driver.DevicePtr
	packedSize uint64
}

// Extra scratch bytes charged per build on top of the primitive data.
const buildScratchSlack = 1024

// Slack added to the worst-case output estimate for instance builds.
const instanceOutputSlack = 128

func (c *Context) AccelComputeMemoryUsage(inputs []driver.BuildInput) (driver.AccelBufferSizes, error) {
	var sizes driver.AccelBufferSizes
	if len(inputs) == 0 {
		return sizes, fmt.Errorf("sim: structure build without inputs")
	}

	for i := range inputs {
		switch inputs[i].Type {
		case driver.BuildInputTriangles:
			tris := inputs[i].Triangles.TriangleCount
			sizes.TempSizeInBytes += uint64(tris)*64 + buildScratchSlack
			sizes.OutputSizeInBytes += uint64(scene.MaxBVHNodeCount(tris)) * scene.BVHNodeSize
		case driver.BuildInputInstances:
			count := inputs[i].Instances.InstanceCount
			sizes.TempSizeInBytes += uint64(count)*driver.InstanceSize + buildScratchSlack
			sizes.OutputSizeInBytes += uint64(count)*driver.InstanceSize + instanceOutputSlack
		default:
			return sizes, fmt.Errorf("sim: unknown build input type %d", inputs[i].Type)
		}
	}
	return sizes, nil
}

func (c *Context) AccelBuild(stream driver.Stream, inputs []driver.BuildInput,
	temp driver.DevicePtr, tempSize uint64, output driver.DevicePtr, outputSize uint64,
	compactedSizeOut driver.DevicePtr) (driver.TraversableHandle, error) {

	required, err := c.AccelComputeMemoryUsage(inputs)
	if err != nil {
		return 0, err
	}
	if tempSize < required.TempSizeInBytes {
		return 0, fmt.Errorf("sim: temp buffer of %d bytes below required %d", tempSize, required.TempSizeInBytes)
	}
	if outputSize < required.OutputSizeInBytes {
		return 0, fmt.Errorf("sim: output buffer of %d bytes below required %d", outputSize, required.OutputSizeInBytes)
	}

	built := &accelStruct{resident: output}

	switch inputs[0].Type {
	case driver.BuildInputTriangles:
		var prims []scene.BVHPrimitive
		for i := range inputs {
			inputPrims, err := c.trianglePrimitives(&inputs[i].Triangles, uint32(i))
			if err != nil {
				return 0, err
			}
			prims = append(prims, inputPrims...)
		}
		built.tree = scene.BuildBVH(prims)
		built.packedSize = built.tree.PackedSize()
	case driver.BuildInputInstances:
		if len(inputs) != 1 {
			return 0, fmt.Errorf("sim: instance builds accept exactly one input, got %d", len(inputs))
		}
		instances, err := c.readInstances(&inputs[0].Instances)
		if err != nil {
			return 0, err
		}
		built.instances = instances
		built.packedSize = uint64(len(instances)) * driver.InstanceSize
	}

	// The structure is written into the worst-case output buffer; the true
	// size is emitted so the caller can decide whether compaction pays off.
	if err := c.writeStructure(built, output); err != nil {
		return 0, err
	}

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], built.packedSize)
	if err := c.MemcpyHtoD(compactedSizeOut, sizeBytes[:]); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	handle := c.nextHandle
	c.accels[handle] = built
	return handle, nil
}

func (c *Context) AccelCompact(stream driver.Stream, handle driver.TraversableHandle,
	output driver.DevicePtr, outputSize uint64) (driver.TraversableHandle, error) {

	c.mu.Lock()
	built, ok := c.accels[handle]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("sim: compaction of unknown traversable %#x", uint64(handle))
	}
	if outputSize < built.packedSize {
		return 0, fmt.Errorf("sim: compaction target of %d bytes below structure size %d", outputSize, built.packedSize)
	}

	compacted := &accelStruct{
		tree:       built.tree,
		instances:  built.instances,
		resident:   output,
		packedSize: built.packedSize,
	}
	if err := c.writeStructure(compacted, output); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accels, handle)
	c.nextHandle++
	newHandle := c.nextHandle
	c.accels[newHandle] = compacted
	return newHandle, nil
}

// Decode one triangle build input from device memory.
func (c *Context) trianglePrimitives(ta *driver.TriangleArray, meshIndex uint32) ([]scene.BVHPrimitive, error) {
	if ta.VertexStrideInBytes != scene.VertexStride {
		return nil, fmt.Errorf("sim: unsupported vertex stride %d", ta.VertexStrideInBytes)
	}
	if ta.IndexStrideInBytes != scene.TriangleStride {
		return nil, fmt.Errorf("sim: unsupported index stride %d", ta.IndexStrideInBytes)
	}

	vertexData := make([]byte, ta.VertexCount*scene.VertexStride)
	if err := c.MemcpyDtoH(vertexData, ta.VertexBuffer); err != nil {
		return nil, err
	}
	indexData := make([]byte, ta.TriangleCount*scene.TriangleStride)
	if err := c.MemcpyDtoH(indexData, ta.IndexBuffer); err != nil {
		return nil, err
	}

	vertices := scene.UnpackVertices(vertexData)
	indices := scene.UnpackIndices(indexData)

	prims := make([]scene.BVHPrimitive, ta.TriangleCount)
	for i := 0; i < ta.TriangleCount; i++ {
		i0, i1, i2 := indices[i*3], indices[i*3+1], indices[i*3+2]
		if int(i0) >= len(vertices) || int(i1) >= len(vertices) || int(i2) >= len(vertices) {
			return nil, fmt.Errorf("sim: triangle %d references vertex out of range", i)
		}
		prims[i] = scene.NewBVHPrimitive(vertices[i0], vertices[i1], vertices[i2], meshIndex, uint32(i))
	}
	return prims, nil
}

// Decode and validate an instance build input from device memory.
func (c *Context) readInstances(ia *driver.InstanceArray) ([]driver.Instance, error) {
	data := make([]byte, ia.InstanceCount*driver.InstanceSize)
	if err := c.MemcpyDtoH(data, ia.Instances); err != nil {
		return nil, err
	}
	instances := driver.UnpackInstances(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range instances {
		if _, ok := c.accels[instances[i].Traversable]; !ok {
			return nil, fmt.Errorf("sim: instance %d references unknown traversable %#x", i, uint64(instances[i].Traversable))
		}
	}
	return instances, nil
}

// Write the packed structure image into its resident buffer.
func (c *Context) writeStructure(built *accelStruct, output driver.DevicePtr) error {
	if built.tree != nil {
		return c.MemcpyHtoD(output, built.tree.PackNodes())
	}
	return c.MemcpyHtoD(output, driver.PackInstances(built.instances))
}

// Look up a structure and verify its resident buffer is still allocated.
func (c *Context) liveStructure(handle driver.TraversableHandle) (*accelStruct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	built, ok := c.accels[handle]
	if !ok {
		return nil, fmt.Errorf("sim: launch against unknown traversable %#x", uint64(handle))
	}
	if _, err := c.resolve(built.resident); err != nil {
		return nil, fmt.Errorf("sim: traversable %#x resident buffer was freed", uint64(handle))
	}
	return built, nil
}
