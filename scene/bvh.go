package scene

import (
	"encoding/binary"
	"math"

	"github.com/240db/LuxCore/types"
)

// Packed BVH node size in bytes.
const BVHNodeSize = 32

// A BVH node. Each node takes 32 bytes when packed for device upload.
//
// For inner nodes the W component of Min holds the left child index and the
// W component of Max holds the right child index. For leafs the W component
// of Min holds the index of the first primitive and the W component of Max
// holds the negated primitive count.
type BVHNode struct {
	Min types.Vec4
	Max types.Vec4
}

// Mark node as an inner node pointing to two children.
func (n *BVHNode) SetChildNodes(left, right uint32) {
	n.Min[3] = float32(left)
	n.Max[3] = float32(right)
}

// Mark node as a leaf covering count primitives starting at first.
func (n *BVHNode) SetLeaf(first, count uint32) {
	n.Min[3] = float32(first)
	n.Max[3] = -float32(count)
}

// Report whether this is a leaf node.
func (n *BVHNode) Leaf() bool {
	return n.Max[3] < 0
}

// Get child node indices. Only valid for inner nodes.
func (n *BVHNode) ChildNodes() (left, right uint32) {
	return uint32(n.Min[3]), uint32(n.Max[3])
}

// Get primitive range. Only valid for leafs.
func (n *BVHNode) Primitives() (first, count uint32) {
	return uint32(n.Min[3]), uint32(-n.Max[3])
}

// A primitive reference partitioned by the BVH builder. The three corners
// are snapshotted at build time so traversal does not chase mesh storage.
type BVHPrimitive struct {
	V0, V1, V2    types.Vec3
	MeshIndex     uint32
	TriangleIndex uint32

	min, max, center types.Vec3
}

// Create a BVH primitive for one mesh triangle.
func NewBVHPrimitive(v0, v1, v2 types.Vec3, meshIndex, triangleIndex uint32) BVHPrimitive {
	min := types.MinVec3(v0, types.MinVec3(v1, v2))
	max := types.MaxVec3(v0, types.MaxVec3(v1, v2))
	return BVHPrimitive{
		V0:            v0,
		V1:            v1,
		V2:            v2,
		MeshIndex:     meshIndex,
		TriangleIndex: triangleIndex,
		min:           min,
		max:           max,
		center:        min.Add(max).Mul(0.5),
	}
}

// Get the primitive bounding box.
func (p *BVHPrimitive) BBox() (min, max types.Vec3) {
	return p.min, p.max
}

// Get the bounding box center.
func (p *BVHPrimitive) Center() types.Vec3 {
	return p.center
}

// A built spatial index: a contiguous node list plus the primitive list
// reordered so each leaf covers a contiguous primitive range.
type BVHTree struct {
	Nodes      []BVHNode
	Primitives []BVHPrimitive
}

// Packed size of the node list in bytes. This is the device-resident
// footprint of the structure.
func (t *BVHTree) PackedSize() uint64 {
	return uint64(len(t.Nodes)) * BVHNodeSize
}

// Pack the node list into the device wire layout.
func (t *BVHTree) PackNodes() []byte {
	out := make([]byte, t.PackedSize())
	for i, n := range t.Nodes {
		base := i * BVHNodeSize
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(out[base+c*4:], math.Float32bits(n.Min[c]))
			binary.LittleEndian.PutUint32(out[base+16+c*4:], math.Float32bits(n.Max[c]))
		}
	}
	return out
}

// Packed BVH primitive size in bytes: three corners, mesh index, triangle
// index and padding.
const BVHPrimitiveSize = 48

// Pack the primitive list into the device wire layout.
func (t *BVHTree) PackPrimitives() []byte {
	out := make([]byte, len(t.Primitives)*BVHPrimitiveSize)
	for i := range t.Primitives {
		p := &t.Primitives[i]
		base := i * BVHPrimitiveSize
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint32(out[base+c*4:], math.Float32bits(p.V0[c]))
			binary.LittleEndian.PutUint32(out[base+12+c*4:], math.Float32bits(p.V1[c]))
			binary.LittleEndian.PutUint32(out[base+24+c*4:], math.Float32bits(p.V2[c]))
		}
		binary.LittleEndian.PutUint32(out[base+36:], p.MeshIndex)
		binary.LittleEndian.PutUint32(out[base+40:], p.TriangleIndex)
	}
	return out
}

// Find the closest intersection between a ray and the indexed primitives.
func (t *BVHTree) Intersect(ray *Ray) (RayHit, bool) {
	hit := RayHit{T: ray.MaxT, MeshIndex: MissIndex, TriangleIndex: MissIndex}
	if len(t.Nodes) == 0 {
		return hit, false
	}

	invDir := types.Vec3{1 / ray.Dir[0], 1 / ray.Dir[1], 1 / ray.Dir[2]}

	var stack [64]uint32
	stackTop := 0
	stack[stackTop] = 0
	found := false

	for stackTop >= 0 {
		node := &t.Nodes[stack[stackTop]]
		stackTop--

		if !intersectAABB(ray, invDir, hit.T, node.Min.Vec3(), node.Max.Vec3()) {
			continue
		}

		if node.Leaf() {
			first, count := node.Primitives()
			for i := first; i < first+count; i++ {
				prim := &t.Primitives[i]
				if d, b1, b2, ok := IntersectTriangle(ray, prim.V0, prim.V1, prim.V2); ok && d < hit.T {
					hit = RayHit{
						T:             d,
						B1:            b1,
						B2:            b2,
						MeshIndex:     prim.MeshIndex,
						TriangleIndex: prim.TriangleIndex,
					}
					found = true
				}
			}
			continue
		}

		left, right := node.ChildNodes()
		stackTop++
		stack[stackTop] = left
		stackTop++
		stack[stackTop] = right
	}

	return hit, found
}

// Slab test against a node bounding box bounded by the closest hit so far.
func intersectAABB(ray *Ray, invDir types.Vec3, maxT float32, min, max types.Vec3) bool {
	tmin := ray.MinT
	tmax := maxT

	for axis := 0; axis < 3; axis++ {
		t0 := (min[axis] - ray.Origin[axis]) * invDir[axis]
		t1 := (max[axis] - ray.Origin[axis]) * invDir[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tmin {
			tmin = t0
		}
		if t1 < tmax {
			tmax = t1
		}
		if tmin > tmax {
			return false
		}
	}

	return true
}
