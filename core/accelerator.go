package core

import (
	"fmt"

	"github.com/240db/LuxCore/scene"
)

// An Accelerator is a stateless builder bound to a DataSet. It produces a
// HardwareIntersectionKernel for a requesting device; software variants
// additionally answer host-side queries for the native backend.
type Accelerator interface {
	Type() AcceleratorType

	// Rebuild internal structures after the dataset's meshes changed.
	update() error

	// Build a device-resident kernel for the given device.
	newKernel(dev HardwareDevice) (*HardwareIntersectionKernel, error)
}

// Host-side query path used by the native backend.
type hostIntersector interface {
	Intersect(ray *scene.Ray) (scene.RayHit, bool)
}

// A single-level structure over every triangle of every mesh.
type bvhAccel struct {
	ds   *DataSet
	tree *scene.BVHTree
}

func newBVHAccel(ds *DataSet) (*bvhAccel, error) {
	a := &bvhAccel{ds: ds}
	return a, a.update()
}

func (a *bvhAccel) Type() AcceleratorType {
	return AcceleratorBVH
}

func (a *bvhAccel) update() error {
	var prims []scene.BVHPrimitive
	for i, mesh := range a.ds.Meshes() {
		prims = append(prims, scene.MeshPrimitives(mesh, uint32(i))...)
	}
	a.tree = scene.BuildBVH(prims)
	return nil
}

func (a *bvhAccel) Intersect(ray *scene.Ray) (scene.RayHit, bool) {
	return a.tree.Intersect(ray)
}

func (a *bvhAccel) newKernel(dev HardwareDevice) (*HardwareIntersectionKernel, error) {
	return buildHardwareKernel(dev, a.ds, false)
}

// A two-level structure: one tree per mesh, queried through the mesh list.
// Used when the dataset instances meshes.
type mbvhAccel struct {
	ds    *DataSet
	trees []*scene.BVHTree
}

func newMBVHAccel(ds *DataSet) (*mbvhAccel, error) {
	a := &mbvhAccel{ds: ds}
	return a, a.update()
}

func (a *mbvhAccel) Type() AcceleratorType {
	return AcceleratorMBVH
}

func (a *mbvhAccel) update() error {
	a.trees = a.trees[:0]
	for i, mesh := range a.ds.Meshes() {
		a.trees = append(a.trees, scene.BuildBVH(scene.MeshPrimitives(mesh, uint32(i))))
	}
	return nil
}

func (a *mbvhAccel) Intersect(ray *scene.Ray) (scene.RayHit, bool) {
	working := *ray
	var best scene.RayHit
	found := false
	for _, tree := range a.trees {
		hit, ok := tree.Intersect(&working)
		if !ok {
			continue
		}
		best = hit
		found = true
		working.MaxT = hit.T
	}
	return best, found
}

func (a *mbvhAccel) newKernel(dev HardwareDevice) (*HardwareIntersectionKernel, error) {
	return buildHardwareKernel(dev, a.ds, true)
}

// Dedicated ray-tracing units; the structure lives on the device only and
// there is no host query path.
type hwAccel struct {
	ds *DataSet
}

func newHardwareAccel(ds *DataSet) *hwAccel {
	return &hwAccel{ds: ds}
}

func (a *hwAccel) Type() AcceleratorType {
	return AcceleratorHardware
}

func (a *hwAccel) update() error {
	return nil
}

func (a *hwAccel) newKernel(dev HardwareDevice) (*HardwareIntersectionKernel, error) {
	return buildHardwareKernel(dev, a.ds, false)
}

// Resolve an accelerator with a host query path for the native backend.
func hostAccelerator(ds *DataSet, at AcceleratorType) (hostIntersector, error) {
	accel, err := ds.GetAccelerator(at)
	if err != nil {
		return nil, err
	}
	host, ok := accel.(hostIntersector)
	if !ok {
		return nil, fmt.Errorf("core: %s accelerator has no host query path", at)
	}
	return host, nil
}
