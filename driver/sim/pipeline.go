package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/240db/LuxCore/driver"
	"github.com/240db/LuxCore/scene"
)

const (
	binaryMagic    = "SIMPTX1"
	sbtHeaderMagic = "SIMSBT1"
)

// CompilePTX "compiles" kernel source by validating it and emitting a
// deterministic artifact: a header line, the digest of the option list and
// source, and the entry points declared by the source. Identical inputs
// always produce byte-identical binaries, which is what the kernel cache
// layered above relies on.
func (c *Context) CompilePTX(options []string, source, name string) ([]byte, string, error) {
	if strings.TrimSpace(source) == "" {
		return nil, "error: empty translation unit", fmt.Errorf("sim: %s: no kernel source", name)
	}

	entries := scanEntryPoints(source)
	if len(entries) == 0 {
		return nil, "error: no __raygen__/__miss__/__closesthit__ entry points found",
			fmt.Errorf("sim: %s: source declares no entry points", name)
	}

	h := sha256.New()
	for _, opt := range options {
		h.Write([]byte(opt))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(source))

	var b strings.Builder
	b.WriteString(binaryMagic)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(h.Sum(nil)))
	b.WriteByte('\n')
	b.WriteString(strings.Join(entries, " "))
	b.WriteByte('\n')
	return []byte(b.String()), "", nil
}

// Extract program entry point identifiers from kernel source.
func scanEntryPoints(source string) []string {
	var entries []string
	seen := make(map[string]bool)

	for _, prefix := range []string{"__raygen__", "__miss__", "__closesthit__"} {
		rest := source
		for {
			idx := strings.Index(rest, prefix)
			if idx < 0 {
				break
			}
			end := idx
			for end < len(rest) && (isIdentChar(rest[end])) {
				end++
			}
			name := rest[idx:end]
			if !seen[name] {
				seen[name] = true
				entries = append(entries, name)
			}
			rest = rest[end:]
		}
	}
	return entries
}

func isIdentChar(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

type module struct {
	entries map[string]bool
}

func (c *Context) ModuleCreate(binary []byte) (driver.Module, error) {
	lines := strings.Split(string(binary), "\n")
	if len(lines) < 3 || lines[0] != binaryMagic {
		return nil, fmt.Errorf("sim: module image is not a %s artifact", binaryMagic)
	}

	m := &module{entries: make(map[string]bool)}
	for _, entry := range strings.Fields(lines[2]) {
		m.entries[entry] = true
	}
	return m, nil
}

func (m *module) Destroy() error {
	m.entries = nil
	return nil
}

type programGroup struct {
	kind  driver.ProgramGroupKind
	entry string
}

func (c *Context) ProgramGroupCreate(mod driver.Module, desc driver.ProgramGroupDesc) (driver.ProgramGroup, error) {
	m, ok := mod.(*module)
	if !ok || m.entries == nil {
		return nil, fmt.Errorf("sim: program group created against an invalid module")
	}
	if !m.entries[desc.EntryFunctionName] {
		return nil, fmt.Errorf("sim: module defines no entry point %q", desc.EntryFunctionName)
	}
	return &programGroup{kind: desc.Kind, entry: desc.EntryFunctionName}, nil
}

func (g *programGroup) Kind() driver.ProgramGroupKind {
	return g.kind
}

func (g *programGroup) Destroy() error {
	g.entry = ""
	return nil
}

type pipeline struct {
	groups        []*programGroup
	maxTraceDepth int
}

func (c *Context) PipelineCreate(groups []driver.ProgramGroup, maxTraceDepth int) (driver.Pipeline, error) {
	if maxTraceDepth < 1 {
		return nil, fmt.Errorf("sim: pipeline max trace depth %d below 1", maxTraceDepth)
	}

	p := &pipeline{maxTraceDepth: maxTraceDepth}
	var raygen int
	for _, group := range groups {
		g, ok := group.(*programGroup)
		if !ok || g.entry == "" {
			return nil, fmt.Errorf("sim: pipeline linked against an invalid program group")
		}
		if g.kind == driver.ProgramGroupRaygen {
			raygen++
		}
		p.groups = append(p.groups, g)
	}
	if raygen != 1 {
		return nil, fmt.Errorf("sim: pipeline requires exactly one raygen group, got %d", raygen)
	}
	return p, nil
}

func (p *pipeline) Destroy() error {
	p.groups = nil
	return nil
}

// SBTRecordPackHeader writes the opaque record header: a magic tag, the
// group kind and the digest of the entry point name.
func (c *Context) SBTRecordPackHeader(group driver.ProgramGroup, record []byte) error {
	g, ok := group.(*programGroup)
	if !ok || g.entry == "" {
		return fmt.Errorf("sim: record header packed from an invalid program group")
	}
	if len(record) < driver.SBTRecordHeaderSize {
		return fmt.Errorf("sim: record of %d bytes below header size %d", len(record), driver.SBTRecordHeaderSize)
	}

	copy(record, sbtHeaderMagic)
	record[8] = byte(g.kind)
	digest := sha256.Sum256([]byte(g.entry))
	copy(record[9:driver.SBTRecordHeaderSize], digest[:])
	return nil
}

// Launch queues a one-dimensional pipeline dispatch on the stream. Rays are
// read through the launch-parameters indirection, traced against the
// top-level structure and hit records are written back to device memory.
func (c *Context) Launch(strm driver.Stream, pipe driver.Pipeline, params driver.DevicePtr,
	paramsSize uint64, sbt *driver.ShaderBindingTable, width int) error {

	p, ok := pipe.(*pipeline)
	if !ok || p.groups == nil {
		return fmt.Errorf("sim: launch of an invalid pipeline")
	}
	s, ok := strm.(*stream)
	if !ok {
		return fmt.Errorf("sim: launch on a foreign stream")
	}
	if paramsSize < launchParamsByteSize {
		return fmt.Errorf("sim: launch parameters of %d bytes below required %d", paramsSize, launchParamsByteSize)
	}
	if err := c.checkRecordHeader(sbt.RaygenRecord, driver.ProgramGroupRaygen); err != nil {
		return err
	}

	s.enqueue(func() error {
		return c.dispatch(params, sbt, width)
	})
	return nil
}

// Verify a dispatch table record was packed from a group of the given kind.
func (c *Context) checkRecordHeader(record driver.DevicePtr, kind driver.ProgramGroupKind) error {
	header := make([]byte, driver.SBTRecordHeaderSize)
	if err := c.MemcpyDtoH(header, record); err != nil {
		return err
	}
	if string(header[:len(sbtHeaderMagic)]) != sbtHeaderMagic {
		return fmt.Errorf("sim: dispatch record has no packed header")
	}
	if driver.ProgramGroupKind(header[8]) != kind {
		return fmt.Errorf("sim: dispatch record packed from %s group, want %s",
			driver.ProgramGroupKind(header[8]), kind)
	}
	return nil
}

// dispatch executes the launch: one simulated pipeline invocation per ray.
func (c *Context) dispatch(params driver.DevicePtr, sbt *driver.ShaderBindingTable, width int) error {
	paramBytes := make([]byte, launchParamsByteSize)
	if err := c.MemcpyDtoH(paramBytes, params); err != nil {
		return err
	}
	topHandle := driver.TraversableHandle(binary.LittleEndian.Uint64(paramBytes[0:]))
	rayBuff := driver.DevicePtr(binary.LittleEndian.Uint64(paramBytes[8:]))
	rayHitBuff := driver.DevicePtr(binary.LittleEndian.Uint64(paramBytes[16:]))

	top, err := c.liveStructure(topHandle)
	if err != nil {
		return err
	}

	rayData := make([]byte, width*scene.RaySize)
	if err := c.MemcpyDtoH(rayData, rayBuff); err != nil {
		return err
	}
	rays := scene.UnpackRays(rayData, width)

	hits := make([]scene.RayHit, width)
	for i := range rays {
		hit, err := c.traceRay(&rays[i], top, sbt)
		if err != nil {
			return err
		}
		hits[i] = hit
	}

	return c.MemcpyHtoD(rayHitBuff, scene.PackRayHits(hits))
}

// Trace one ray against the top-level structure. Hits resolve their mesh
// index through the hit-group dispatch record of the instance they landed
// in, exactly as the device program would.
func (c *Context) traceRay(ray *scene.Ray, top *accelStruct, sbt *driver.ShaderBindingTable) (scene.RayHit, error) {
	miss := scene.RayHit{MeshIndex: scene.MissIndex, TriangleIndex: scene.MissIndex}

	if top.tree != nil {
		// Single-level structure: the build input index stored with each
		// primitive selects the hit-group record.
		hit, ok := top.tree.Intersect(ray)
		if !ok {
			return miss, nil
		}
		meshIndex, err := c.hitRecordMeshIndex(sbt, int(hit.MeshIndex))
		if err != nil {
			return scene.RayHit{}, err
		}
		hit.MeshIndex = meshIndex
		return hit, nil
	}

	working := *ray
	best := miss
	found := false
	for i := range top.instances {
		child, err := c.liveStructure(top.instances[i].Traversable)
		if err != nil {
			return scene.RayHit{}, err
		}
		if child.tree == nil {
			return scene.RayHit{}, fmt.Errorf("sim: nested instance structures are not supported")
		}

		hit, ok := child.tree.Intersect(&working)
		if !ok {
			continue
		}

		meshIndex, err := c.hitRecordMeshIndex(sbt, int(top.instances[i].InstanceID))
		if err != nil {
			return scene.RayHit{}, err
		}
		hit.MeshIndex = meshIndex
		best = hit
		found = true
		// Shrink the segment so later instances only report closer hits.
		working.MaxT = hit.T
	}

	if !found {
		return miss, nil
	}
	return best, nil
}

// Read the mesh index payload of one hit-group dispatch record.
func (c *Context) hitRecordMeshIndex(sbt *driver.ShaderBindingTable, record int) (uint32, error) {
	if record >= sbt.HitGroupRecordCount {
		return 0, fmt.Errorf("sim: hit-group record %d out of range (%d records)", record, sbt.HitGroupRecordCount)
	}
	recordPtr := sbt.HitGroupRecordBase + driver.DevicePtr(record*sbt.HitGroupRecordStrideInBytes)
	if err := c.checkRecordHeader(recordPtr, driver.ProgramGroupHitGroup); err != nil {
		return 0, err
	}

	payload := make([]byte, driver.SBTRecordHeaderSize+4)
	if err := c.MemcpyDtoH(payload, recordPtr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(payload[driver.SBTRecordHeaderSize:]), nil
}
