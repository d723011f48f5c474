// Package gputest implements an in-memory gpu.Instance for tests.
//
// The mock device does no rendering. It tracks object lifetimes,
// simulates fence completion and records enough state for tests
// to check synchronization rules, such as a command pool being
// reset while its last submission is still pending.
package gputest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// Config configures an Instance.
type Config struct {
	Adapters    []gpu.Adapter
	Caps        gpu.SurfaceCaps
	MemoryTypes []gpu.MemoryType

	// Latency is how long a submission takes to complete.
	// Zero completes submissions immediately.
	Latency time.Duration

	// Manual disables automatic completion; fences are only
	// signaled by Device.CompleteAll.
	Manual bool
}

// DiscreteAdapter returns a capability-complete discrete adapter
// with a single queue family that supports everything.
func DiscreteAdapter(name string) gpu.Adapter {
	return gpu.Adapter{
		Name: name,
		Type: gpu.DeviceDiscrete,
		Features: gpu.Features{
			SamplerAnisotropy:   true,
			SampleRateShading:   true,
			SparseBinding:       true,
			DescriptorIndexing:  true,
			BufferDeviceAddress: true,
		},
		Extensions: []string{gpu.ExtSwapchain, gpu.ExtDescriptorIndexing, gpu.ExtBufferDeviceAddress},
		Families: []gpu.QueueFamily{
			{Flags: gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer, Count: 1, Present: true},
		},
		Limits: gpu.Limits{
			MinUniformOffsetAlign: 256,
			NonCoherentAtomSize:   64,
			MaxAnisotropy:         16,
			MaxImageDimension2D:   16384,
			MaxPushConstantsSize:  128,
			SampleCounts:          1 | 2 | 4 | 8,
		},
	}
}

// IntegratedAdapter is like DiscreteAdapter but integrated.
func IntegratedAdapter(name string) gpu.Adapter {
	a := DiscreteAdapter(name)
	a.Type = gpu.DeviceIntegrated
	return a
}

// DefaultCaps returns surface capabilities of a typical
// 800x600 window.
func DefaultCaps() gpu.SurfaceCaps {
	return gpu.SurfaceCaps{
		MinImages: 2,
		MaxImages: 8,
		Current:   gpu.Extent{Width: 800, Height: 600},
		MinExtent: gpu.Extent{Width: 1, Height: 1},
		MaxExtent: gpu.Extent{Width: 16384, Height: 16384},
		Formats: []gpu.SurfaceFormat{
			{Format: gpu.FormatRGBA8, ColorSpace: gpu.ColorSpaceSRGBNonlinear},
			{Format: gpu.FormatBGRA8sRGB, ColorSpace: gpu.ColorSpaceSRGBNonlinear},
		},
		PresentModes: []gpu.PresentMode{gpu.PresentFIFO, gpu.PresentMailbox, gpu.PresentImmediate},
	}
}

// DefaultMemoryTypes returns a device-local type followed by
// two host-visible types.
func DefaultMemoryTypes() []gpu.MemoryType {
	return []gpu.MemoryType{
		{Props: gpu.MemDeviceLocal, HeapIndex: 0, HeapSize: 1 << 32},
		{Props: gpu.MemHostVisible | gpu.MemHostCoherent, HeapIndex: 1, HeapSize: 1 << 30},
		{Props: gpu.MemHostVisible | gpu.MemHostCoherent | gpu.MemHostCached, HeapIndex: 1, HeapSize: 1 << 30},
	}
}

// DefaultConfig returns a Config with one discrete adapter.
func DefaultConfig() Config {
	return Config{
		Adapters:    []gpu.Adapter{DiscreteAdapter("mock discrete")},
		Caps:        DefaultCaps(),
		MemoryTypes: DefaultMemoryTypes(),
	}
}

// Instance is a mock gpu.Instance.
type Instance struct {
	cfg Config

	mu        sync.Mutex
	devices   []*Device
	destroyed bool
}

// NewInstance creates a mock instance.
func NewInstance(cfg Config) *Instance {
	if cfg.MemoryTypes == nil {
		cfg.MemoryTypes = DefaultMemoryTypes()
	}
	return &Instance{cfg: cfg}
}

// Adapters implements gpu.Instance.
func (in *Instance) Adapters() ([]gpu.Adapter, error) {
	s := make([]gpu.Adapter, len(in.cfg.Adapters))
	for i := range in.cfg.Adapters {
		s[i] = in.cfg.Adapters[i]
		s[i].Handle = i
	}
	return s, nil
}

// NewDevice implements gpu.Instance.
func (in *Instance) NewDevice(a *gpu.Adapter, desc *gpu.DeviceDesc) (gpu.Device, error) {
	idx, ok := a.Handle.(int)
	if !ok || idx < 0 || idx >= len(in.cfg.Adapters) {
		return nil, errors.New("gputest: adapter not from this instance")
	}
	for _, f := range desc.Families {
		if f < 0 || f >= len(a.Families) {
			return nil, errors.Newf("gputest: bad queue family %d", f)
		}
	}
	d := &Device{
		inst:    in,
		adapter: *a,
		desc:    *desc,
		caps:    in.cfg.Caps,
		queues:  make(map[int]*Queue),
	}
	for _, f := range desc.Families {
		d.queues[f] = &Queue{dev: d, family: f}
	}
	in.mu.Lock()
	in.devices = append(in.devices, d)
	in.mu.Unlock()
	return d, nil
}

// Devices returns the devices created so far.
func (in *Instance) Devices() []*Device {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*Device(nil), in.devices...)
}

// Destroy implements gpu.Destroyer.
func (in *Instance) Destroy() {
	in.mu.Lock()
	in.destroyed = true
	in.mu.Unlock()
}

// Destroyed reports whether Destroy was called.
func (in *Instance) Destroyed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.destroyed
}
