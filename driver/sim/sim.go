// Package sim is a software implementation of the hardware driver surface.
// Structure builds, compaction, kernel compilation and launches all execute
// on the CPU against host memory, which makes the backend available on every
// system and lets tests exercise the full accelerator build pipeline without
// GPU hardware.
package sim

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/240db/LuxCore/driver"
)

// DriverName identifies the sim backend in the driver registry.
const DriverName = "sim"

const (
	simMaxMemory         = 8 << 30
	simMaxMemoryAlloc    = 2 << 30
	allocAlignment       = 256
	firstDeviceAddress   = 0x10000
	launchParamsByteSize = 24
)

// Driver is the software backend driver. It enumerates a single simulated
// device with hardware-intersection support.
type Driver struct {
	info driver.DeviceInfo
}

// New creates the sim driver.
func New() *Driver {
	return &Driver{
		info: driver.DeviceInfo{
			Name:                   "SimRT",
			ComputeUnits:           runtime.NumCPU(),
			NativeVectorWidthFloat: 4,
			MaxMemory:              simMaxMemory,
			MaxMemoryAllocSize:     simMaxMemoryAlloc,
			HardwareIntersection:   true,
		},
	}
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Devices() ([]driver.DeviceInfo, error) {
	return []driver.DeviceInfo{d.info}, nil
}

func (d *Driver) CreateContext(deviceIndex int) (driver.Context, error) {
	if deviceIndex != 0 {
		return nil, fmt.Errorf("sim: device index %d out of range", deviceIndex)
	}
	return &Context{
		info:     d.info,
		nextAddr: firstDeviceAddress,
		blocks:   make(map[driver.DevicePtr][]byte),
		accels:   make(map[driver.TraversableHandle]*accelStruct),
	}, nil
}

func init() {
	driver.Register(New())
}

// Context implements driver.Context on host memory. Exported so tests can
// reach the allocation counters.
type Context struct {
	info driver.DeviceInfo

	mu         sync.Mutex
	nextAddr   uint64
	blocks     map[driver.DevicePtr][]byte
	nextHandle driver.TraversableHandle
	accels     map[driver.TraversableHandle]*accelStruct
	streams    []*stream

	allocCount uint64
	freeCount  uint64
}

func (c *Context) Device() driver.DeviceInfo {
	return c.info
}

// AllocCount reports the number of successful device allocations.
func (c *Context) AllocCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocCount
}

// FreeCount reports the number of successful device frees.
func (c *Context) FreeCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeCount
}

// LiveAllocs reports the number of allocations not yet freed.
func (c *Context) LiveAllocs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func (c *Context) MemAlloc(size uint64) (driver.DevicePtr, error) {
	if size == 0 {
		return 0, fmt.Errorf("sim: zero byte device allocation")
	}
	if size > c.info.MaxMemoryAllocSize {
		return 0, fmt.Errorf("sim: allocation of %d bytes exceeds max allocation size %d", size, c.info.MaxMemoryAllocSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ptr := driver.DevicePtr(c.nextAddr)
	c.nextAddr += (size + allocAlignment - 1) / allocAlignment * allocAlignment
	c.blocks[ptr] = make([]byte, size)
	c.allocCount++
	return ptr, nil
}

func (c *Context) MemFree(ptr driver.DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.blocks[ptr]; !ok {
		return fmt.Errorf("sim: free of unknown device pointer %#x", uint64(ptr))
	}
	delete(c.blocks, ptr)
	c.freeCount++
	return nil
}

// Resolve a device pointer, possibly interior, to its backing block.
func (c *Context) resolve(ptr driver.DevicePtr) ([]byte, error) {
	for base, block := range c.blocks {
		if ptr >= base && uint64(ptr) < uint64(base)+uint64(len(block)) {
			return block[uint64(ptr)-uint64(base):], nil
		}
	}
	return nil, fmt.Errorf("sim: device pointer %#x does not belong to any allocation", uint64(ptr))
}

func (c *Context) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, err := c.resolve(dst)
	if err != nil {
		return err
	}
	if len(src) > len(block) {
		return fmt.Errorf("sim: device write of %d bytes overflows allocation of %d bytes", len(src), len(block))
	}
	copy(block, src)
	return nil
}

func (c *Context) MemcpyDtoH(dst []byte, src driver.DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, err := c.resolve(src)
	if err != nil {
		return err
	}
	if len(dst) > len(block) {
		return fmt.Errorf("sim: device read of %d bytes overflows allocation of %d bytes", len(dst), len(block))
	}
	copy(dst, block)
	return nil
}

func (c *Context) CreateStream() (driver.Stream, error) {
	s := &stream{ctx: c, tasks: make(chan func(), 64)}
	go s.run()

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, s := range streams {
		s.wg.Wait()
		close(s.tasks)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = make(map[driver.DevicePtr][]byte)
	c.accels = make(map[driver.TraversableHandle]*accelStruct)
	return nil
}
