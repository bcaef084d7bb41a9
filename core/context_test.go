package core

import (
	"strings"
	"testing"

	_ "github.com/240db/LuxCore/driver/sim"
	"github.com/240db/LuxCore/scene"
	"github.com/240db/LuxCore/types"
)

func newTestContext(t *testing.T) *Context {
	ctx, err := NewContext(Config{})
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

// Locate the simulated hardware device description.
func simDescription(t *testing.T, ctx *Context) DeviceDescription {
	for _, desc := range ctx.Descriptions() {
		if desc.Type() == CUDADevice {
			return desc
		}
	}
	t.Fatal("expected the sim backend to contribute a device description")
	return nil
}

func quadDataSet(t *testing.T, z float32) *DataSet {
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

	ds := NewDataSet()
	ds.Add(mesh)
	return ds
}

func TestEnumerateDescriptions(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	descs := ctx.Descriptions()
	if len(descs) == 0 {
		t.Fatal("expected at least one device description")
	}
	if descs[0].Type() != NativeDevice {
		t.Fatalf("expected the native device first; got %s", descs[0].Type())
	}
	if descs[0].ComputeUnits() < 1 {
		t.Fatalf("expected at least one native compute unit; got %d", descs[0].ComputeUnits())
	}

	desc := simDescription(t, ctx)
	if !strings.Contains(desc.Name(), "(sim)") {
		t.Fatalf("expected the hardware description name to carry its backend; got %q", desc.Name())
	}
	if desc.MaxMemory() == 0 || desc.MaxMemoryAllocSize() == 0 {
		t.Fatal("expected the hardware description to report memory limits")
	}
}

func TestCreateIntersectionDevicesIndices(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	descs := []DeviceDescription{
		ctx.Descriptions()[0],
		simDescription(t, ctx),
	}
	devices, err := ctx.CreateIntersectionDevices(descs, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseDevices(devices)

	for i, dev := range devices {
		if dev.Index() != 5+i {
			t.Fatalf("expected device %d to carry index %d; got %d", i, 5+i, dev.Index())
		}
	}
	if devices[0].Type() != NativeDevice {
		t.Fatalf("expected a native device; got %s", devices[0].Type())
	}
	if devices[1].Type() != CUDADevice {
		t.Fatalf("expected a CUDA device; got %s", devices[1].Type())
	}
}

func TestAddIntersectionDevicesClassification(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	_, err := ctx.AddIntersectionDevices([]DeviceDescription{
		ctx.Descriptions()[0],
		simDescription(t, ctx),
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := len(ctx.Devices()); got != 2 {
		t.Fatalf("expected 2 owned devices; got %d", got)
	}
	if got := len(ctx.IntersectionDevices()); got != 2 {
		t.Fatalf("expected 2 intersection devices; got %d", got)
	}
	// Only the hardware-backed device exposes the compute surface.
	if got := len(ctx.HardwareDevices()); got != 1 {
		t.Fatalf("expected 1 hardware device; got %d", got)
	}
	if ctx.HardwareDevices()[0].Type() != CUDADevice {
		t.Fatalf("expected the hardware device to be CUDA-backed; got %s", ctx.HardwareDevices()[0].Type())
	}
}

func TestCreateHardwareDevicesRejectsNative(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	_, err := ctx.CreateHardwareDevices(ctx.Descriptions()[:1], 0)
	if err == nil {
		t.Fatal("expected native descriptions to be rejected")
	}

	devices, err := ctx.AddHardwareDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	if !devices[0].HardwareIntersection() {
		t.Fatal("expected the sim device to report hardware intersection support")
	}
}

func TestSetDataSetPanicsWhenStarted(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	if _, err := ctx.AddIntersectionDevices(ctx.Descriptions()[:1]); err != nil {
		t.Fatal(err)
	}
	ctx.SetDataSet(quadDataSet(t, 1))
	if err := ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	defer func() {
		if recover() == nil {
			t.Fatal("expected SetDataSet on a started context to panic")
		}
	}()
	ctx.SetDataSet(quadDataSet(t, 2))
}

func TestInterruptPanicsWhenStopped(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected Interrupt on a stopped context to panic")
		}
	}()
	ctx.Interrupt()
}

func TestSelectedAcceleratorType(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices([]DeviceDescription{
		ctx.Descriptions()[0],
		simDescription(t, ctx),
	})
	if err != nil {
		t.Fatal(err)
	}
	native, cuda := devices[0], devices[1]

	// Auto selection: the hardware-backed device picks its dedicated
	// units, the native device falls back to a single-level structure.
	ctx.SetDataSet(quadDataSet(t, 1))
	if got := native.SelectedAcceleratorType(); got != AcceleratorBVH {
		t.Fatalf("expected the native device to select %s; got %s", AcceleratorBVH, got)
	}
	if got := cuda.SelectedAcceleratorType(); got != AcceleratorHardware {
		t.Fatalf("expected the hardware device to select %s; got %s", AcceleratorHardware, got)
	}

	// An instanced set steers both to a multi-level structure.
	ds := quadDataSet(t, 1)
	ds.Add(ds.Meshes()[0])
	if !ds.RequiresInstanceSupport() {
		t.Fatal("expected re-adding a mesh to mark the set as instanced")
	}
	ctx.SetDataSet(ds)
	if got := native.SelectedAcceleratorType(); got != AcceleratorMBVH {
		t.Fatalf("expected the native device to select %s; got %s", AcceleratorMBVH, got)
	}
	if got := cuda.SelectedAcceleratorType(); got != AcceleratorMBVH {
		t.Fatalf("expected the hardware device to select %s; got %s", AcceleratorMBVH, got)
	}

	// Pinning overrides auto selection everywhere.
	ds = quadDataSet(t, 1)
	ds.SetAcceleratorType(AcceleratorBVH)
	ctx.SetDataSet(ds)
	if got := cuda.SelectedAcceleratorType(); got != AcceleratorBVH {
		t.Fatalf("expected the pinned type %s; got %s", AcceleratorBVH, got)
	}
}
