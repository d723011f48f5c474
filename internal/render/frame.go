package render

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

const (
	// DefaultFramesInFlight is the number of frames the CPU may
	// record ahead of the GPU.
	DefaultFramesInFlight = 2

	// FenceTimeout bounds every wait for a frame slot.
	FenceTimeout = 5 * time.Second
)

// SlotState is the state of a FrameSlot.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotWaited
	SlotRecording
	SlotSubmitted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotWaited:
		return "fence-waited"
	case SlotRecording:
		return "recording"
	case SlotSubmitted:
		return "submitted"
	}
	return "unknown"
}

// FrameSlot is one of the reusable per-frame resource sets.
// Everything in it belongs to the frame being recorded into it
// until the frame's fence signals.
type FrameSlot struct {
	Index      int
	Pool       gpu.CmdPool
	Primary    gpu.CmdBuffer
	Fence      gpu.Fence
	ImageReady gpu.Semaphore
	RenderDone gpu.Semaphore
	Set        gpu.DescriptorSet

	// UniformOffset is the offset of the slot's region of the
	// per-frame uniform buffer.
	UniformOffset int64

	// Image is the swapchain image the slot renders to.
	Image int

	// Frame is the number of the frame recorded into the slot.
	Frame uint64

	state   atomic.Int32
	handoff chan error
	pending bool
	start   time.Duration
}

// State returns the state of the slot.
func (s *FrameSlot) State() SlotState { return SlotState(s.state.Load()) }

func (s *FrameSlot) setState(st SlotState) { s.state.Store(int32(st)) }

// Submission is a recorded frame handed to the presentation
// thread.
type Submission struct {
	Slot      *FrameSlot
	Image     int
	Swapchain gpu.Swapchain
}

// FrameSink receives the submissions of a Scheduler in frame
// order. Presenter is the FrameSink of a renderer.
type FrameSink interface {
	Enqueue(sub *Submission) error
}

// FrameStats are CPU-side frame timings.
type FrameStats struct {
	Frames    uint64
	Last      time.Duration
	Average   time.Duration
	Max       time.Duration
	FenceWait time.Duration
}

// AlignedStride rounds size up to a multiple of minAlign.
func AlignedStride(size, minAlign int64) int64 {
	return alignUp(size, minAlign)
}

// Scheduler cycles through the frame slots, making sure a slot is
// only reused once the GPU is done with its previous frame.
// Its methods must be called from a single goroutine.
type Scheduler struct {
	ctx   *DeviceContext
	slots []*FrameSlot
	frame uint64

	uniforms    *Resource
	uniformSize int64
	stride      int64
	setLayout   gpu.SetLayout
	descPool    gpu.DescriptorPool

	sink           FrameSink
	imagesInFlight []*FrameSlot

	stats     FrameStats
	destroyed bool
}

// NewScheduler creates frames slots with uniformSize bytes of
// per-frame uniforms each. Recorded frames go to sink.
func NewScheduler(ctx *DeviceContext, alloc *Allocator, sink FrameSink, frames int, uniformSize int64) (*Scheduler, error) {
	if frames <= 0 {
		frames = DefaultFramesInFlight
	}
	s := &Scheduler{
		ctx:         ctx,
		uniformSize: uniformSize,
		stride:      AlignedStride(uniformSize, ctx.Limits.MinUniformOffsetAlign),
		sink:        sink,
	}
	if err := s.init(alloc, frames); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) init(alloc *Allocator, frames int) error {
	dev := s.ctx.Device
	var err error
	s.setLayout, err = dev.NewSetLayout([]gpu.Binding{{
		Set:     0,
		Binding: 0,
		Type:    gpu.DescUniformBuffer,
		Count:   1,
		Stages:  gpu.ShaderVertex | gpu.ShaderFragment,
	}})
	if err != nil {
		return errors.Wrap(err, "create frame set layout")
	}
	s.descPool, err = dev.NewDescriptorPool(frames, []gpu.PoolSize{{Type: gpu.DescUniformBuffer, Count: frames}})
	if err != nil {
		return errors.Wrap(err, "create frame descriptor pool")
	}
	s.uniforms, err = alloc.CreateBuffer(s.stride*int64(frames), gpu.BufUniform, HostMapped)
	if err != nil {
		return errors.Wrap(err, "create frame uniform buffer")
	}

	for i := 0; i < frames; i++ {
		slot := &FrameSlot{
			Index:         i,
			UniformOffset: int64(i) * s.stride,
			Image:         -1,
			handoff:       make(chan error, 1),
		}
		s.slots = append(s.slots, slot)
		if slot.Pool, err = dev.NewCmdPool(s.ctx.Families.Graphics); err != nil {
			return errors.Wrapf(err, "create command pool of slot %d", i)
		}
		cmds, err := slot.Pool.Alloc(gpu.CmdPrimary, 1)
		if err != nil {
			return errors.Wrapf(err, "allocate command buffer of slot %d", i)
		}
		slot.Primary = cmds[0]
		// Created signaled so the first BeginFrame does not wait.
		if slot.Fence, err = dev.NewFence(true); err != nil {
			return errors.Wrapf(err, "create fence of slot %d", i)
		}
		if slot.ImageReady, err = dev.NewSemaphore(); err != nil {
			return errors.Wrapf(err, "create semaphore of slot %d", i)
		}
		if slot.RenderDone, err = dev.NewSemaphore(); err != nil {
			return errors.Wrapf(err, "create semaphore of slot %d", i)
		}
		if slot.Set, err = s.descPool.Alloc(s.setLayout); err != nil {
			return errors.Wrapf(err, "allocate descriptor set of slot %d", i)
		}
		slot.Set.WriteBuffer(0, gpu.DescUniformBuffer, s.uniforms.Buffer(), slot.UniformOffset, s.uniformSize)
	}
	return nil
}

// SetLayout returns the layout of the per-frame descriptor sets.
func (s *Scheduler) SetLayout() gpu.SetLayout { return s.setLayout }

// FramesInFlight returns the number of slots.
func (s *Scheduler) FramesInFlight() int { return len(s.slots) }

// Slot returns slot i.
func (s *Scheduler) Slot(i int) *FrameSlot { return s.slots[i] }

// Frame returns the number of the next frame.
func (s *Scheduler) Frame() uint64 { return s.frame }

// Stride returns the distance between two slots' uniform regions.
func (s *Scheduler) Stride() int64 { return s.stride }

// settle collects the result of the slot's last hand-off to the
// presentation thread. A failed submission leaves the slot's fence
// unsignaled and its image-ready semaphore signaled forever, so
// both are replaced.
func (s *Scheduler) settle(slot *FrameSlot) error {
	if !slot.pending {
		return nil
	}
	t := time.NewTimer(FenceTimeout)
	defer t.Stop()
	var err error
	select {
	case err = <-slot.handoff:
	case <-t.C:
		return errors.Wrapf(gpu.ErrTimeout, "frame %d was never submitted", slot.Frame)
	}
	slot.pending = false
	if err == nil {
		return nil
	}
	Logger().Error("frame submission failed", slog.Uint64("frame", slot.Frame), errAttr(err))
	fence, ferr := s.ctx.Device.NewFence(true)
	if ferr != nil {
		return errors.Wrap(ferr, "replace fence")
	}
	if err := s.replaceImageReady(slot); err != nil {
		fence.Destroy()
		return err
	}
	slot.Fence.Destroy()
	slot.Fence = fence
	return nil
}

// replaceImageReady swaps the slot's image-ready semaphore for a
// new one. It is used when an acquire signaled the semaphore but no
// submission will ever wait on it.
func (s *Scheduler) replaceImageReady(slot *FrameSlot) error {
	sem, err := s.ctx.Device.NewSemaphore()
	if err != nil {
		return errors.Wrapf(err, "replace image-ready semaphore of slot %d", slot.Index)
	}
	slot.ImageReady.Destroy()
	slot.ImageReady = sem
	return nil
}

// wait waits until the GPU is done with the slot's last frame.
func (s *Scheduler) wait(slot *FrameSlot) error {
	if err := s.settle(slot); err != nil {
		return err
	}
	start := hrtime.Now()
	err := slot.Fence.Wait(FenceTimeout)
	s.stats.FenceWait += hrtime.Since(start)
	if err != nil {
		return errors.Wrapf(err, "wait for frame %d", slot.Frame)
	}
	return nil
}

// BeginFrame returns the slot of the next frame once the GPU is
// done with the frame previously recorded into it, with its
// command pool reset.
func (s *Scheduler) BeginFrame() (*FrameSlot, error) {
	if s.destroyed {
		return nil, ErrClosed
	}
	slot := s.slots[s.frame%uint64(len(s.slots))]
	if slot.State() == SlotRecording {
		return nil, ErrSlotBusy
	}
	if err := s.wait(slot); err != nil {
		return nil, err
	}
	slot.setState(SlotWaited)
	if err := slot.Pool.Reset(); err != nil {
		return nil, errors.Wrapf(err, "reset command pool of slot %d", slot.Index)
	}
	slot.Frame = s.frame
	slot.Image = -1
	slot.start = hrtime.Now()
	slot.setState(SlotRecording)
	return slot, nil
}

// WaitImage makes sure no other slot's frame still renders to
// the swapchain image.
func (s *Scheduler) WaitImage(slot *FrameSlot, image int) error {
	if image < 0 || image >= len(s.imagesInFlight) {
		return nil
	}
	owner := s.imagesInFlight[image]
	if owner == nil || owner == slot {
		return nil
	}
	return s.wait(owner)
}

// ResetImages forgets which slot renders to which image; it is
// called with the image count of a new swapchain.
func (s *Scheduler) ResetImages(n int) {
	s.imagesInFlight = make([]*FrameSlot, n)
}

// WriteUniforms copies data into the slot's region of the
// per-frame uniform buffer.
func (s *Scheduler) WriteUniforms(slot *FrameSlot, data []byte) error {
	if int64(len(data)) > s.uniformSize {
		return errors.Newf("render: %d bytes of uniforms, slot holds %d", len(data), s.uniformSize)
	}
	copy(s.uniforms.Mapped()[slot.UniformOffset:], data)
	return nil
}

// SubmitFrame hands the recorded slot to the presentation thread,
// which submits it and presents image on sc.
// If the sink refuses the frame the slot is left idle with a fresh
// image-ready semaphore.
func (s *Scheduler) SubmitFrame(slot *FrameSlot, image int, sc gpu.Swapchain) error {
	if slot.State() != SlotRecording {
		return errors.Newf("render: submit of slot %d in state %s", slot.Index, slot.State())
	}
	slot.Image = image
	slot.pending = true
	slot.setState(SlotSubmitted)
	if err := s.sink.Enqueue(&Submission{Slot: slot, Image: image, Swapchain: sc}); err != nil {
		slot.pending = false
		slot.setState(SlotIdle)
		return errors.CombineErrors(errors.Wrapf(err, "submit frame %d", slot.Frame), s.replaceImageReady(slot))
	}
	if image >= 0 && image < len(s.imagesInFlight) {
		s.imagesInFlight[image] = slot
	}
	return nil
}

// Abandon returns a slot obtained from BeginFrame without
// submitting it. The next BeginFrame returns the same slot.
// acquired tells that a swapchain image was acquired with the
// slot's image-ready semaphore; nothing will wait on it, so it is
// replaced.
func (s *Scheduler) Abandon(slot *FrameSlot, acquired bool) error {
	if st := slot.State(); st != SlotRecording && st != SlotWaited {
		return nil
	}
	slot.setState(SlotIdle)
	if acquired {
		return s.replaceImageReady(slot)
	}
	return nil
}

// EndFrame advances to the next frame.
func (s *Scheduler) EndFrame() {
	slot := s.slots[s.frame%uint64(len(s.slots))]
	d := hrtime.Since(slot.start)
	st := &s.stats
	st.Frames++
	st.Last = d
	st.Max = max(st.Max, d)
	if st.Frames == 1 {
		st.Average = d
	} else {
		st.Average += (d - st.Average) / 16
	}
	s.frame++
}

// Stats returns the frame timings.
func (s *Scheduler) Stats() FrameStats { return s.stats }

// WaitAll waits until every slot's frame is done.
func (s *Scheduler) WaitAll() error {
	var errs error
	for _, slot := range s.slots {
		if slot.Fence == nil {
			continue
		}
		if err := s.wait(slot); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if slot.State() == SlotSubmitted {
			slot.setState(SlotIdle)
		}
	}
	return errs
}

// Destroy destroys the slots and the uniform buffer. The device
// must be idle. It is safe to call more than once.
func (s *Scheduler) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	for _, slot := range s.slots {
		for _, d := range []gpu.Destroyer{slot.Pool, slot.Fence, slot.ImageReady, slot.RenderDone} {
			if d != nil {
				d.Destroy()
			}
		}
	}
	s.slots = nil
	if s.descPool != nil {
		s.descPool.Destroy()
	}
	if s.setLayout != nil {
		s.setLayout.Destroy()
	}
	s.uniforms.Destroy()
}
