package core

import (
	"fmt"

	"github.com/240db/LuxCore/log"
	"github.com/240db/LuxCore/scene"
)

// A DataSet is the scene's geometric content plus the accelerator strategy
// shared by every intersection device bound to the same Context. The set is
// externally owned and read-mostly; mutation goes through Add before any
// device starts, or through Context.UpdateDataSet afterwards.
type DataSet struct {
	logger log.Logger

	meshes    []*scene.TriangleMesh
	seen      map[*scene.TriangleMesh]struct{}
	instanced bool

	accelType AcceleratorType
	accels    map[AcceleratorType]Accelerator
}

func NewDataSet() *DataSet {
	return &DataSet{
		logger:    log.New("dataset"),
		seen:      make(map[*scene.TriangleMesh]struct{}),
		accelType: AcceleratorAuto,
		accels:    make(map[AcceleratorType]Accelerator),
	}
}

// Add appends a mesh and returns its index. Adding the same mesh object
// again marks the set as instanced, steering auto accelerator selection to
// a multi-level structure.
func (ds *DataSet) Add(mesh *scene.TriangleMesh) uint32 {
	if mesh.Type() != scene.TriangleMeshType {
		panic(fmt.Sprintf("dataset: unsupported mesh type %s", mesh.Type()))
	}

	if _, ok := ds.seen[mesh]; ok {
		ds.instanced = true
	}
	ds.seen[mesh] = struct{}{}
	ds.meshes = append(ds.meshes, mesh)
	return uint32(len(ds.meshes) - 1)
}

func (ds *DataSet) Meshes() []*scene.TriangleMesh {
	return ds.meshes
}

// SetAcceleratorType pins the accelerator strategy. AcceleratorAuto (the
// default) lets each device pick.
func (ds *DataSet) SetAcceleratorType(at AcceleratorType) {
	ds.accelType = at
}

func (ds *DataSet) AcceleratorType() AcceleratorType {
	return ds.accelType
}

func (ds *DataSet) RequiresInstanceSupport() bool {
	return ds.instanced
}

// Motion blur is not representable with plain triangle meshes.
func (ds *DataSet) RequiresMotionBlurSupport() bool {
	return false
}

// GetAccelerator returns the accelerator of the given type, building and
// caching it on first request. The type must be concrete; devices resolve
// AcceleratorAuto before asking.
func (ds *DataSet) GetAccelerator(at AcceleratorType) (Accelerator, error) {
	if accel, ok := ds.accels[at]; ok {
		return accel, nil
	}
	if len(ds.meshes) == 0 {
		return nil, fmt.Errorf("dataset: no meshes to build a %s accelerator over", at)
	}

	var (
		accel Accelerator
		err   error
	)
	switch at {
	case AcceleratorBVH:
		accel, err = newBVHAccel(ds)
	case AcceleratorMBVH:
		accel, err = newMBVHAccel(ds)
	case AcceleratorHardware:
		accel = newHardwareAccel(ds)
	default:
		return nil, fmt.Errorf("dataset: unsupported accelerator type %d", at)
	}
	if err != nil {
		return nil, err
	}

	ds.logger.Debugf("built %s accelerator over %d meshes", at, len(ds.meshes))
	ds.accels[at] = accel
	return accel, nil
}

// UpdateAccelerators rebuilds every cached accelerator from the current
// mesh data. Devices must not be mid-dispatch; the caller serializes this.
func (ds *DataSet) UpdateAccelerators() error {
	for at, accel := range ds.accels {
		if err := accel.update(); err != nil {
			return fmt.Errorf("dataset: updating %s accelerator: %v", at, err)
		}
	}
	return nil
}
