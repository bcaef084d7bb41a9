package core

import (
	"testing"

	"github.com/240db/LuxCore/driver/sim"
	"github.com/240db/LuxCore/scene"
	"github.com/240db/LuxCore/types"
)

// Fire count rays along the quad diagonal: the first half pass through it,
// the rest start beyond its footprint.
func diagonalRays(count int) []scene.Ray {
	rays := make([]scene.Ray, count)
	for i := range rays {
		s := (float32(i) + 0.5) / float32(count) * 2
		rays[i] = scene.NewRay(types.Vec3{s, s, 0}, types.Vec3{0, 0, 1})
	}
	return rays
}

// Run one ray batch on the device and return the unpacked hit records.
func traceBatch(t *testing.T, dev IntersectionDevice, rays []scene.Ray) []scene.RayHit {
	rayBuff := NewBuffer("rays")
	rayData := scene.PackRays(rays)
	if err := dev.AllocBufferRO(rayBuff, rayData, uint64(len(rayData))); err != nil {
		t.Fatal(err)
	}
	defer dev.FreeBuffer(rayBuff)

	hitBuff := NewBuffer("ray hits")
	if err := dev.AllocBufferRW(hitBuff, nil, uint64(len(rays)*scene.RayHitSize)); err != nil {
		t.Fatal(err)
	}
	defer dev.FreeBuffer(hitBuff)

	if err := dev.EnqueueTraceRayBuffer(rayBuff, hitBuff, len(rays)); err != nil {
		t.Fatal(err)
	}
	if err := dev.Synchronize(); err != nil {
		t.Fatal(err)
	}

	hitData := make([]byte, len(rays)*scene.RayHitSize)
	if err := dev.ReadBuffer(hitBuff, hitData); err != nil {
		t.Fatal(err)
	}
	return scene.UnpackRayHits(hitData, len(rays))
}

func checkDiagonalHits(t *testing.T, hits []scene.RayHit) {
	for i, hit := range hits {
		wantHit := i < len(hits)/2
		if wantHit && hit.Miss() {
			t.Fatalf("expected ray %d to hit the quad", i)
		}
		if !wantHit && !hit.Miss() {
			t.Fatalf("expected ray %d to miss the quad", i)
		}
		if wantHit && (hit.T < 4.999 || hit.T > 5.001) {
			t.Fatalf("expected ray %d to hit at distance ~5; got %f", i, hit.T)
		}
		if wantHit && hit.MeshIndex != 0 {
			t.Fatalf("expected ray %d to hit mesh 0; got %d", i, hit.MeshIndex)
		}
	}
}

func TestNativeDeviceTrace(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices(ctx.Descriptions()[:1])
	if err != nil {
		t.Fatal(err)
	}
	ctx.SetDataSet(quadDataSet(t, 5))
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	rays := diagonalRays(32)
	checkDiagonalHits(t, traceBatch(t, devices[0], rays))

	if got := devices[0].TotalRaysTraced(); got != 32 {
		t.Fatalf("expected 32 rays traced; got %d", got)
	}
}

func TestCUDADeviceTrace(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	dev := devices[0].(*CUDAIntersectionDevice)

	ctx.SetDataSet(quadDataSet(t, 5))
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	if got := dev.SelectedAcceleratorType(); got != AcceleratorHardware {
		t.Fatalf("expected the %s accelerator; got %s", AcceleratorHardware, got)
	}

	rays := diagonalRays(32)
	checkDiagonalHits(t, traceBatch(t, dev, rays))

	checkDiagonalHits(t, traceBatch(t, dev, rays))
	if got := dev.TotalRaysTraced(); got != 64 {
		t.Fatalf("expected 64 rays traced over two batches; got %d", got)
	}
}

func TestCUDADeviceInstancedTrace(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	dev := devices[0]

	ds := quadDataSet(t, 5)
	ds.Add(ds.Meshes()[0])
	ctx.SetDataSet(ds)
	if got := dev.SelectedAcceleratorType(); got != AcceleratorMBVH {
		t.Fatalf("expected the %s accelerator for an instanced set; got %s", AcceleratorMBVH, got)
	}

	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	checkDiagonalHits(t, traceBatch(t, dev, diagonalRays(32)))
}

func TestCUDADeviceStopStartRebuildsCleanly(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	dev := devices[0].(*CUDAIntersectionDevice)
	dctx := dev.DriverContext().(*sim.Context)

	ctx.SetDataSet(quadDataSet(t, 5))
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	checkDiagonalHits(t, traceBatch(t, dev, diagonalRays(8)))
	ctx.Stop()

	// A second cycle builds a fresh kernel and still answers queries.
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	checkDiagonalHits(t, traceBatch(t, dev, diagonalRays(8)))
	ctx.Stop()

	// Stopping must release every device allocation the kernel made.
	if dctx.LiveAllocs() != 0 {
		t.Fatalf("expected no live device allocations after stopping; got %d", dctx.LiveAllocs())
	}
	if dctx.AllocCount() != dctx.FreeCount() {
		t.Fatalf("expected alloc/free parity; got %d allocs, %d frees", dctx.AllocCount(), dctx.FreeCount())
	}
}

func TestCUDADevicesShareKernelCache(t *testing.T) {
	cacheDir := t.TempDir()
	ctx, err := NewContext(Config{KernelCacheDir: cacheDir})
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	desc := simDescription(t, ctx)
	devices, err := ctx.AddHardwareDevices([]DeviceDescription{desc, desc})
	if err != nil {
		t.Fatal(err)
	}

	opts := traceKernelOptions(false)
	_, cached, err := devices[0].CompileKernel(opts, traceKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal("expected the first compilation to be a cache miss")
	}

	// The second device resolves the same program from the shared store.
	_, cached, err = devices[1].CompileKernel(opts, traceKernelSource, "trace")
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("expected the second device to hit the shared kernel cache")
	}
}

func TestHardwareKernelCompaction(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	dev := devices[0].(*CUDAIntersectionDevice)

	// Two triangles pack into a single node, well below the worst-case
	// estimate, so the build compacts into a tightly sized buffer.
	ds := quadDataSet(t, 5)
	ctx.SetDataSet(ds)
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}

	mesh := ds.Meshes()[0]
	packed := scene.BuildBVH(scene.MeshPrimitives(mesh, 0)).PackedSize()
	worstCase := uint64(scene.MaxBVHNodeCount(mesh.TriangleCount())) * scene.BVHNodeSize
	if packed >= worstCase {
		t.Fatalf("expected the packed structure (%d bytes) below the worst case (%d bytes)", packed, worstCase)
	}
	if got := dev.kernel.topStruct.Size(); got != packed {
		t.Fatalf("expected a compacted structure buffer of %d bytes; got %d", packed, got)
	}
	ctx.Stop()

	// A single triangle already matches its worst case; the oversized
	// buffer (worst case plus the size slot) is retained as-is.
	tri, err := scene.NewTriangleMesh(
		[]types.Vec3{{0, 0, 5}, {1, 0, 5}, {0, 1, 5}},
		[]uint32{0, 1, 2},
	)
	if err != nil {
		t.Fatal(err)
	}
	ds = NewDataSet()
	ds.Add(tri)
	ctx.SetDataSet(ds)
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	worstCase = uint64(scene.MaxBVHNodeCount(1)) * scene.BVHNodeSize
	wantSize := (worstCase+7)&^7 + 8
	if got := dev.kernel.topStruct.Size(); got != wantSize {
		t.Fatalf("expected the worst-case buffer of %d bytes to be retained; got %d", wantSize, got)
	}
}

func TestHardwareDeviceTraceAfterDataSetBind(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddHardwareDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	dev, ok := devices[0].(*CUDAIntersectionDevice)
	if !ok {
		t.Fatalf("expected a CUDA device; got %T", devices[0])
	}

	ctx.SetDataSet(quadDataSet(t, 5))
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	checkDiagonalHits(t, traceBatch(t, dev, diagonalRays(16)))
}

func TestHardwareDeviceStartWithoutDataSet(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddHardwareDevices([]DeviceDescription{simDescription(t, ctx)})
	if err != nil {
		t.Fatal(err)
	}
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	// A dataset-less hardware device still serves compute work.
	dev := devices[0]
	if _, _, err = dev.CompileKernel(nil, "extern \"C\" __global__ void __raygen__noop() {}", "noop"); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateDataSetRebuildsAccelerators(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.Close()

	devices, err := ctx.AddIntersectionDevices(ctx.Descriptions()[:1])
	if err != nil {
		t.Fatal(err)
	}
	ds := quadDataSet(t, 5)
	ctx.SetDataSet(ds)
	if err = ctx.Start(); err != nil {
		t.Fatal(err)
	}
	defer ctx.Stop()

	rays := diagonalRays(16)
	checkDiagonalHits(t, traceBatch(t, devices[0], rays))

	// Move the quad closer and refresh the accelerators in place; the next
	// batch must see the rebuilt structure.
	vertices := ds.Meshes()[0].Vertices()
	for i := range vertices {
		vertices[i][2] = 3
	}
	if err = ctx.UpdateDataSet(); err != nil {
		t.Fatal(err)
	}

	hits := traceBatch(t, devices[0], rays)
	for i, hit := range hits {
		if i < len(hits)/2 {
			if hit.Miss() {
				t.Fatalf("expected ray %d to hit the moved quad", i)
			}
			if hit.T < 2.999 || hit.T > 3.001 {
				t.Fatalf("expected ray %d to hit at distance ~3; got %f", i, hit.T)
			}
		} else if !hit.Miss() {
			t.Fatalf("expected ray %d to miss the moved quad", i)
		}
	}
}
