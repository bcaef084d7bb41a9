package core

import (
	"fmt"

	"github.com/240db/LuxCore/scene"
)

// Entry points of the intersection program.
const (
	raygenEntryPoint     = "__raygen__trace"
	missEntryPoint       = "__miss__trace"
	closestHitEntryPoint = "__closesthit__trace"
)

// Compiler options for the intersection program. The epsilon defines feed
// the self-intersection guards inside the kernel; the option list is part
// of the compilation cache key.
func traceKernelOptions(instanced bool) []string {
	opts := []string{
		"--use_fast_math",
		fmt.Sprintf("-DRAY_EPSILON_MIN=%vf", scene.RayEpsilonMin),
		fmt.Sprintf("-DRAY_EPSILON_MAX=%vf", scene.RayEpsilonMax),
	}
	if instanced {
		opts = append(opts, "-DTRACE_INSTANCED")
	}
	return opts
}

// Device source of the intersection program. One ray per launch index; the
// hit-group record payload carries the mesh index written back into the hit
// record.
const traceKernelSource = `
#include <optix.h>

struct LaunchParams {
	OptixTraversableHandle topHandle;
	const float4 *rays;
	unsigned int *rayHits;
};

extern "C" __constant__ LaunchParams params;

struct HitGroupData {
	unsigned int meshIndex;
};

extern "C" __global__ void __raygen__trace() {
	const unsigned int index = optixGetLaunchIndex().x;

	const float4 rayPart0 = params.rays[index * 2];
	const float4 rayPart1 = params.rays[index * 2 + 1];
	const float3 origin = make_float3(rayPart0.x, rayPart0.y, rayPart0.z);
	const float3 dir = make_float3(rayPart0.w, rayPart1.x, rayPart1.y);
	const float minT = rayPart1.z;
	const float maxT = rayPart1.w;

	unsigned int t = __float_as_uint(maxT);
	unsigned int b1 = 0, b2 = 0;
	unsigned int meshIndex = 0xffffffffu, triangleIndex = 0xffffffffu;
	optixTrace(params.topHandle, origin, dir, minT, maxT, 0.f,
			OptixVisibilityMask(0xff), OPTIX_RAY_FLAG_NONE,
			0, 1, 0,
			t, b1, b2, meshIndex, triangleIndex);

	// 5 words per hit record: t, b1, b2, mesh index, triangle index.
	unsigned int *hit = params.rayHits + index * 5;
	hit[0] = t;
	hit[1] = b1;
	hit[2] = b2;
	hit[3] = meshIndex;
	hit[4] = triangleIndex;
}

extern "C" __global__ void __miss__trace() {
	optixSetPayload_3(0xffffffffu);
	optixSetPayload_4(0xffffffffu);
}

extern "C" __global__ void __closesthit__trace() {
	const HitGroupData *data = (const HitGroupData *)optixGetSbtDataPointer();
	const float2 barycentrics = optixGetTriangleBarycentrics();

	optixSetPayload_0(__float_as_uint(optixGetRayTmax()));
	optixSetPayload_1(__float_as_uint(barycentrics.x));
	optixSetPayload_2(__float_as_uint(barycentrics.y));
	optixSetPayload_3(data->meshIndex);
	optixSetPayload_4(optixGetPrimitiveIndex());
}
`
