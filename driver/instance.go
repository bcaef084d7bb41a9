package driver

import (
	"encoding/binary"
	"math"
)

// Packed size of one Instance record in device memory: 3x4 transform,
// instance id, visibility mask, flags, 4 bytes padding, 64-bit handle.
const InstanceSize = 72

// Instance flags.
const (
	InstanceFlagNone             uint32 = 0
	InstanceFlagDisableTransform uint32 = 1 << 0
)

// A per-instance descriptor for a top-level structure build. Transform is a
// 3x4 row-major object-to-world matrix.
type Instance struct {
	Transform      [12]float32
	InstanceID     uint32
	VisibilityMask uint32
	Flags          uint32
	Traversable    TraversableHandle
}

// IdentityTransform returns the identity 3x4 transform.
func IdentityTransform() [12]float32 {
	return [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// Pack instance records into the device wire layout.
func PackInstances(instances []Instance) []byte {
	out := make([]byte, len(instances)*InstanceSize)
	for i, inst := range instances {
		base := i * InstanceSize
		for c, v := range inst.Transform {
			binary.LittleEndian.PutUint32(out[base+c*4:], math.Float32bits(v))
		}
		binary.LittleEndian.PutUint32(out[base+48:], inst.InstanceID)
		binary.LittleEndian.PutUint32(out[base+52:], inst.VisibilityMask)
		binary.LittleEndian.PutUint32(out[base+56:], inst.Flags)
		binary.LittleEndian.PutUint64(out[base+64:], uint64(inst.Traversable))
	}
	return out
}

// Unpack instance records from the device wire layout.
func UnpackInstances(data []byte) []Instance {
	count := len(data) / InstanceSize
	out := make([]Instance, count)
	for i := 0; i < count; i++ {
		base := i * InstanceSize
		for c := 0; c < 12; c++ {
			out[i].Transform[c] = math.Float32frombits(binary.LittleEndian.Uint32(data[base+c*4:]))
		}
		out[i].InstanceID = binary.LittleEndian.Uint32(data[base+48:])
		out[i].VisibilityMask = binary.LittleEndian.Uint32(data[base+52:])
		out[i].Flags = binary.LittleEndian.Uint32(data[base+56:])
		out[i].Traversable = TraversableHandle(binary.LittleEndian.Uint64(data[base+64:]))
	}
	return out
}
