package render

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// Requirements are the capabilities an adapter must have to be
// used.
type Requirements struct {
	Extensions []string
	Features   gpu.Features
}

// DefaultRequirements returns the requirements of the renderer.
// Buffer device address is not used by default.
func DefaultRequirements() *Requirements {
	return &Requirements{
		Extensions: []string{gpu.ExtSwapchain},
		Features: gpu.Features{
			SamplerAnisotropy:  true,
			SampleRateShading:  true,
			SparseBinding:      true,
			DescriptorIndexing: true,
		},
	}
}

// QueueFamilies holds the queue family index of each role.
// Roles may share a family.
type QueueFamilies struct {
	Graphics int
	Present  int
	Transfer int
}

// Distinct returns the distinct family indices, graphics first.
func (q QueueFamilies) Distinct() []int {
	s := []int{q.Graphics}
	if q.Present != q.Graphics {
		s = append(s, q.Present)
	}
	if q.Transfer != q.Graphics && q.Transfer != q.Present {
		s = append(s, q.Transfer)
	}
	return s
}

// SelectQueueFamilies picks the queue family of each role in a
// single pass: the first graphics family, the first presenting
// family other than it (else the graphics family itself if it
// can present), and the first transfer family other than it
// (else the graphics family).
// It reports false if there is no graphics family or nothing
// can present.
func SelectQueueFamilies(fams []gpu.QueueFamily) (QueueFamilies, bool) {
	g, p, t := -1, -1, -1
	for i, f := range fams {
		if f.Count <= 0 {
			continue
		}
		if g < 0 && f.Flags&gpu.QueueGraphics != 0 {
			g = i
		}
		if p < 0 && f.Present && i != g {
			p = i
		}
		if t < 0 && f.Flags&gpu.QueueTransfer != 0 && i != g {
			t = i
		}
	}
	if g < 0 {
		return QueueFamilies{}, false
	}
	if p < 0 {
		if !fams[g].Present {
			return QueueFamilies{}, false
		}
		p = g
	}
	if t < 0 {
		t = g
	}
	return QueueFamilies{Graphics: g, Present: p, Transfer: t}, true
}

// DeviceContext is the selected adapter, its logical device and
// queues. It is immutable after Initialize.
// Roles may share a queue, so queue operations go through Submit,
// PresentImage and WaitIdle, which serialize them.
type DeviceContext struct {
	Adapter  gpu.Adapter
	Device   gpu.Device
	Families QueueFamilies
	Graphics gpu.Queue
	Present  gpu.Queue
	Transfer gpu.Queue
	Limits   gpu.Limits

	queueMu   sync.Mutex
	destroyed atomic.Bool
}

// Submit submits work to q.
func (c *DeviceContext) Submit(q gpu.Queue, sub []gpu.Submission, fence gpu.Fence) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return q.Submit(sub, fence)
}

// PresentImage presents image index of sc on the present queue.
func (c *DeviceContext) PresentImage(sc gpu.Swapchain, index int, wait []gpu.Semaphore) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.Present.Present(sc, index, wait)
}

// WaitIdle waits until the device is idle.
func (c *DeviceContext) WaitIdle() error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.Device.WaitIdle()
}

// qualify returns the queue families of a, or the reason why a
// cannot be used.
func qualify(a *gpu.Adapter, req *Requirements) (QueueFamilies, string) {
	if missing := a.Features.Missing(req.Features); len(missing) > 0 {
		return QueueFamilies{}, "missing features: " + strings.Join(missing, ", ")
	}
	var exts []string
	for _, e := range req.Extensions {
		if !a.HasExtension(e) {
			exts = append(exts, e)
		}
	}
	if len(exts) > 0 {
		return QueueFamilies{}, "missing extensions: " + strings.Join(exts, ", ")
	}
	q, ok := SelectQueueFamilies(a.Families)
	if !ok {
		return QueueFamilies{}, "no graphics queue that can present"
	}
	return q, ""
}

// Initialize selects an adapter and creates the logical device.
// The first qualifying discrete adapter wins; otherwise the
// first qualifying adapter of any type is used.
// Every error it returns is fatal (see IsFatal).
func Initialize(inst gpu.Instance, req *Requirements) (*DeviceContext, error) {
	if req == nil {
		req = DefaultRequirements()
	}
	log := Logger()

	adapters, err := inst.Adapters()
	if err != nil {
		return nil, fatal(errors.Wrap(err, "enumerate adapters"))
	}

	var (
		chosen   *gpu.Adapter
		fams     QueueFamilies
		fallback *gpu.Adapter
		fallFams QueueFamilies
	)
	for i := range adapters {
		a := &adapters[i]
		q, reason := qualify(a, req)
		if reason != "" {
			log.Debug("adapter rejected", slog.String("adapter", a.Name), slog.String("reason", reason))
			continue
		}
		if a.Type == gpu.DeviceDiscrete {
			chosen, fams = a, q
			break
		}
		if fallback == nil {
			fallback, fallFams = a, q
		}
	}
	if chosen == nil {
		if fallback == nil {
			err := errors.WithDetailf(gpu.ErrNoDevice, "%d adapters enumerated, none qualified", len(adapters))
			return nil, fatal(err)
		}
		chosen, fams = fallback, fallFams
		log.Warn("no discrete adapter qualified, performance may be degraded",
			slog.String("adapter", chosen.Name), slog.String("type", chosen.Type.String()))
	}

	desc := &gpu.DeviceDesc{
		Families:   fams.Distinct(),
		Extensions: append([]string(nil), req.Extensions...),
		Features:   req.Features,
	}
	if req.Features.DescriptorIndexing && chosen.HasExtension(gpu.ExtDescriptorIndexing) {
		desc.Extensions = append(desc.Extensions, gpu.ExtDescriptorIndexing)
	}
	if req.Features.BufferDeviceAddress && chosen.HasExtension(gpu.ExtBufferDeviceAddress) {
		desc.Extensions = append(desc.Extensions, gpu.ExtBufferDeviceAddress)
	}
	dev, err := inst.NewDevice(chosen, desc)
	if err != nil {
		return nil, fatal(errors.Wrapf(err, "create device on %s", chosen.Name))
	}

	log.Info("adapter selected",
		slog.String("adapter", chosen.Name),
		slog.String("type", chosen.Type.String()),
		slog.Int("graphics", fams.Graphics),
		slog.Int("present", fams.Present),
		slog.Int("transfer", fams.Transfer))

	return &DeviceContext{
		Adapter:  *chosen,
		Device:   dev,
		Families: fams,
		Graphics: dev.Queue(fams.Graphics),
		Present:  dev.Queue(fams.Present),
		Transfer: dev.Queue(fams.Transfer),
		Limits:   chosen.Limits,
	}, nil
}

// Samples returns the largest supported sample count that does
// not exceed want. It returns at least 1.
func (c *DeviceContext) Samples(want int) int {
	for n := 64; n > 1; n >>= 1 {
		if n <= want && c.Limits.SampleCounts&n != 0 {
			return n
		}
	}
	return 1
}

// Destroy waits for the device to be idle and destroys it.
func (c *DeviceContext) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err := c.WaitIdle(); err != nil {
		Logger().Error("wait idle before device destruction", errAttr(err))
	}
	c.Device.Destroy()
}
