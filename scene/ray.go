package scene

import (
	"encoding/binary"
	"math"

	"github.com/240db/LuxCore/types"
)

// Ray epsilon bounds baked into compiled intersection programs. Hits closer
// than the minimum are rejected to avoid self-intersection artifacts.
const (
	RayEpsilonMin float32 = 1e-5
	RayEpsilonMax float32 = 1e-1
)

// Device wire sizes.
const (
	// Packed ray: origin, direction, mint, maxt (8 x float32).
	RaySize = 32

	// Packed hit record: t, b1, b2, meshIndex, triangleIndex.
	RayHitSize = 20
)

// A ray segment. Only points with t in [MinT, MaxT) are tested.
type Ray struct {
	Origin types.Vec3
	Dir    types.Vec3
	MinT   float32
	MaxT   float32
}

// Create a ray covering the default epsilon-bounded segment.
func NewRay(origin, dir types.Vec3) Ray {
	return Ray{
		Origin: origin,
		Dir:    dir,
		MinT:   RayEpsilonMin,
		MaxT:   math.MaxFloat32,
	}
}

// The result of a ray intersection query. A miss is encoded with
// MeshIndex == MissIndex.
type RayHit struct {
	T             float32
	B1, B2        float32
	MeshIndex     uint32
	TriangleIndex uint32
}

// Marker for rays that hit nothing.
const MissIndex uint32 = 0xffffffff

// Report whether the hit record encodes a miss.
func (rh *RayHit) Miss() bool {
	return rh.MeshIndex == MissIndex
}

// Pack rays into the device wire layout.
func PackRays(rays []Ray) []byte {
	out := make([]byte, len(rays)*RaySize)
	for i, r := range rays {
		base := i * RaySize
		putFloat32(out[base:], r.Origin[0])
		putFloat32(out[base+4:], r.Origin[1])
		putFloat32(out[base+8:], r.Origin[2])
		putFloat32(out[base+12:], r.Dir[0])
		putFloat32(out[base+16:], r.Dir[1])
		putFloat32(out[base+20:], r.Dir[2])
		putFloat32(out[base+24:], r.MinT)
		putFloat32(out[base+28:], r.MaxT)
	}
	return out
}

// Unpack rays from the device wire layout.
func UnpackRays(data []byte, count int) []Ray {
	out := make([]Ray, count)
	for i := 0; i < count; i++ {
		base := i * RaySize
		out[i] = Ray{
			Origin: types.Vec3{getFloat32(data[base:]), getFloat32(data[base+4:]), getFloat32(data[base+8:])},
			Dir:    types.Vec3{getFloat32(data[base+12:]), getFloat32(data[base+16:]), getFloat32(data[base+20:])},
			MinT:   getFloat32(data[base+24:]),
			MaxT:   getFloat32(data[base+28:]),
		}
	}
	return out
}

// Pack hit records into the device wire layout.
func PackRayHits(hits []RayHit) []byte {
	out := make([]byte, len(hits)*RayHitSize)
	for i, h := range hits {
		base := i * RayHitSize
		putFloat32(out[base:], h.T)
		putFloat32(out[base+4:], h.B1)
		putFloat32(out[base+8:], h.B2)
		binary.LittleEndian.PutUint32(out[base+12:], h.MeshIndex)
		binary.LittleEndian.PutUint32(out[base+16:], h.TriangleIndex)
	}
	return out
}

// Unpack hit records from the device wire layout.
func UnpackRayHits(data []byte, count int) []RayHit {
	out := make([]RayHit, count)
	for i := 0; i < count; i++ {
		base := i * RayHitSize
		out[i] = RayHit{
			T:             getFloat32(data[base:]),
			B1:            getFloat32(data[base+4:]),
			B2:            getFloat32(data[base+8:]),
			MeshIndex:     binary.LittleEndian.Uint32(data[base+12:]),
			TriangleIndex: binary.LittleEndian.Uint32(data[base+16:]),
		}
	}
	return out
}

func putFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func getFloat32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

// Moeller-Trumbore ray/triangle intersection. Returns the distance and
// barycentric coordinates of the hit, or ok=false when the ray misses or the
// hit falls outside the ray segment.
func IntersectTriangle(ray *Ray, v0, v1, v2 types.Vec3) (t, b1, b2 float32, ok bool) {
	edge1 := v1.Sub(v0)
	edge2 := v2.Sub(v0)

	pvec := ray.Dir.Cross(edge2)
	det := edge1.Dot(pvec)
	if det > -1e-12 && det < 1e-12 {
		return 0, 0, 0, false
	}
	invDet := 1.0 / det

	tvec := ray.Origin.Sub(v0)
	b1 = tvec.Dot(pvec) * invDet
	if b1 < 0 || b1 > 1 {
		return 0, 0, 0, false
	}

	qvec := tvec.Cross(edge1)
	b2 = ray.Dir.Dot(qvec) * invDet
	if b2 < 0 || b1+b2 > 1 {
		return 0, 0, 0, false
	}

	t = edge2.Dot(qvec) * invDet
	if t < ray.MinT || t >= ray.MaxT {
		return 0, 0, 0, false
	}

	return t, b1, b2, true
}
