package scene

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/240db/LuxCore/types"
)

type MeshType uint8

// Supported mesh representations. Only triangle meshes can be uploaded to
// the accelerated device path.
const (
	TriangleMeshType MeshType = iota
)

func (mt MeshType) String() string {
	switch mt {
	case TriangleMeshType:
		return "triangle"
	}
	return fmt.Sprintf("unknown mesh type %d", uint8(mt))
}

// Device-facing strides for packed mesh data.
const (
	// Packed vertex: 3 x float32.
	VertexStride = 12

	// Packed triangle: 3 x uint32 vertex indices.
	TriangleStride = 12
)

// A triangle mesh described by a shared vertex pool and a list of vertex
// index triplets.
type TriangleMesh struct {
	vertices []types.Vec3
	indices  []uint32
}

// Create a triangle mesh from a vertex pool and index triplets.
func NewTriangleMesh(vertices []types.Vec3, indices []uint32) (*TriangleMesh, error) {
	if len(vertices) == 0 {
		return nil, fmt.Errorf("scene: triangle mesh defines no vertices")
	}
	if len(indices) == 0 || len(indices)%3 != 0 {
		return nil, fmt.Errorf("scene: triangle mesh index count %d is not a multiple of 3", len(indices))
	}
	for _, idx := range indices {
		if int(idx) >= len(vertices) {
			return nil, fmt.Errorf("scene: triangle mesh index %d out of range (%d vertices)", idx, len(vertices))
		}
	}

	return &TriangleMesh{
		vertices: vertices,
		indices:  indices,
	}, nil
}

// Get mesh type tag.
func (m *TriangleMesh) Type() MeshType {
	return TriangleMeshType
}

// Get the number of vertices in the pool.
func (m *TriangleMesh) VertexCount() int {
	return len(m.vertices)
}

// Get the number of triangles.
func (m *TriangleMesh) TriangleCount() int {
	return len(m.indices) / 3
}

// Get the vertex pool.
func (m *TriangleMesh) Vertices() []types.Vec3 {
	return m.vertices
}

// Get the index triplet list.
func (m *TriangleMesh) Indices() []uint32 {
	return m.indices
}

// Fetch the three corners of a triangle by index.
func (m *TriangleMesh) Triangle(index int) (v0, v1, v2 types.Vec3) {
	base := index * 3
	return m.vertices[m.indices[base]], m.vertices[m.indices[base+1]], m.vertices[m.indices[base+2]]
}

// Pack the vertex pool into the device wire layout (VertexStride bytes per
// vertex, little endian).
func (m *TriangleMesh) PackVertices() []byte {
	out := make([]byte, len(m.vertices)*VertexStride)
	for i, v := range m.vertices {
		base := i * VertexStride
		binary.LittleEndian.PutUint32(out[base:], math.Float32bits(v[0]))
		binary.LittleEndian.PutUint32(out[base+4:], math.Float32bits(v[1]))
		binary.LittleEndian.PutUint32(out[base+8:], math.Float32bits(v[2]))
	}
	return out
}

// Pack the index triplets into the device wire layout (TriangleStride bytes
// per triangle, little endian).
func (m *TriangleMesh) PackIndices() []byte {
	out := make([]byte, len(m.indices)*4)
	for i, idx := range m.indices {
		binary.LittleEndian.PutUint32(out[i*4:], idx)
	}
	return out
}

// Unpack a vertex pool from the device wire layout.
func UnpackVertices(data []byte) []types.Vec3 {
	count := len(data) / VertexStride
	out := make([]types.Vec3, count)
	for i := 0; i < count; i++ {
		base := i * VertexStride
		out[i] = types.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(data[base:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[base+4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[base+8:])),
		}
	}
	return out
}

// Unpack index triplets from the device wire layout.
func UnpackIndices(data []byte) []uint32 {
	count := len(data) / 4
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}
