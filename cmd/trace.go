package cmd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/240db/LuxCore/core"
	"github.com/240db/LuxCore/scene"
	"github.com/240db/LuxCore/types"
)

// Trace runs a ray batch against a built-in two-triangle dataset on one
// device, exercising the full path: enumeration, device creation, dataset
// binding, structure build, dispatch and synchronize.
func Trace(cliCtx *cli.Context) error {
	setupLogging(cliCtx)

	ctx, err := core.NewContext(coreConfig(cliCtx))
	if err != nil {
		return err
	}
	defer ctx.Close()

	descs := ctx.Descriptions()
	deviceIndex := cliCtx.Int("device")
	if deviceIndex < 0 || deviceIndex >= len(descs) {
		return fmt.Errorf("device index %d out of range; %d devices available", deviceIndex, len(descs))
	}

	devices, err := ctx.AddIntersectionDevices(descs[deviceIndex : deviceIndex+1])
	if err != nil {
		return err
	}
	dev := devices[0]

	ds := core.NewDataSet()
	mesh, err := unitQuadMesh()
	if err != nil {
		return err
	}
	ds.Add(mesh)
	ctx.SetDataSet(ds)

	if err := ctx.Start(); err != nil {
		return err
	}
	defer ctx.Stop()

	rayCount := cliCtx.Int("rays")
	rays := quadRays(rayCount)

	rayBuff := core.NewBuffer("rays")
	rayData := scene.PackRays(rays)
	if err := dev.AllocBufferRO(rayBuff, rayData, uint64(len(rayData))); err != nil {
		return err
	}
	defer dev.FreeBuffer(rayBuff)

	hitBuff := core.NewBuffer("ray hits")
	if err := dev.AllocBufferRW(hitBuff, nil, uint64(rayCount*scene.RayHitSize)); err != nil {
		return err
	}
	defer dev.FreeBuffer(hitBuff)

	start := time.Now()
	if err := dev.EnqueueTraceRayBuffer(rayBuff, hitBuff, rayCount); err != nil {
		return err
	}
	if err := dev.Synchronize(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	hitData := make([]byte, rayCount*scene.RayHitSize)
	if err := dev.ReadBuffer(hitBuff, hitData); err != nil {
		return err
	}
	hits := scene.UnpackRayHits(hitData, rayCount)

	hitCount := 0
	for i := range hits {
		if !hits[i].Miss() {
			hitCount++
		}
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Accelerator", "Rays", "Hits", "Misses", "Trace time"})
	table.Append([]string{
		dev.Name(),
		dev.SelectedAcceleratorType().String(),
		fmt.Sprintf("%d", rayCount),
		fmt.Sprintf("%d", hitCount),
		fmt.Sprintf("%d", rayCount-hitCount),
		elapsed.String(),
	})
	table.Render()

	logger.Noticef("trace statistics\n%s", buf.String())
	return nil
}

// A unit quad at z=1 built from two triangles.
func unitQuadMesh() (*scene.TriangleMesh, error) {
	return scene.NewTriangleMesh(
		[]types.Vec3{
			{0, 0, 1},
			{1, 0, 1},
			{1, 1, 1},
			{0, 1, 1},
		},
		[]uint32{0, 1, 2, 0, 2, 3},
	)
}

// Rays from z=0 towards the quad, spread along its diagonal.
func quadRays(count int) []scene.Ray {
	rays := make([]scene.Ray, count)
	for i := range rays {
		s := (float32(i) + 0.5) / float32(count)
		rays[i] = scene.NewRay(types.Vec3{s, s, 0}, types.Vec3{0, 0, 1})
	}
	return rays
}
