package render

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

// syncSink submits frames on the calling goroutine.
type syncSink struct {
	ctx *DeviceContext

	mu     sync.Mutex
	images []int
	refuse error
	// lose simulates a submission that fails after the fence
	// was reset.
	lose error
}

func (s *syncSink) Enqueue(sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse != nil {
		return s.refuse
	}
	slot := sub.Slot
	if err := slot.Fence.Reset(); err != nil {
		return err
	}
	if s.lose != nil {
		slot.handoff <- s.lose
		return nil
	}
	err := s.ctx.Submit(s.ctx.Graphics, []gpu.Submission{{Cmds: []gpu.CmdBuffer{slot.Primary}}}, slot.Fence)
	s.images = append(s.images, sub.Image)
	slot.handoff <- err
	return nil
}

func newScheduler(t *testing.T, cfg gputest.Config, frames int) (*Scheduler, *syncSink, *gputest.Device) {
	t.Helper()
	ctx, dev := newContext(t, cfg)
	al, err := NewAllocator(ctx.Device, ctx.Limits, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(al.Destroy)
	sink := &syncSink{ctx: ctx}
	s, err := NewScheduler(ctx, al, sink, frames, UniformSize)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(s.Destroy)
	t.Cleanup(func() { s.WaitAll() })
	s.ResetImages(3)
	return s, sink, dev
}

// recordEmpty records an empty primary command buffer.
func recordEmpty(t *testing.T, slot *FrameSlot) {
	t.Helper()
	if err := slot.Primary.Begin(nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := slot.Primary.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestAlignedStride(t *testing.T) {
	tests := []struct{ size, align, want int64 }{
		{240, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{240, 0, 240},
		{240, 1, 240},
		{100, 64, 128},
	}
	for _, tt := range tests {
		if got := AlignedStride(tt.size, tt.align); got != tt.want {
			t.Fatalf("AlignedStride(%d, %d) = %d, want %d", tt.size, tt.align, got, tt.want)
		}
	}
}

func TestNewScheduler(t *testing.T) {
	s, _, dev := newScheduler(t, gputest.DefaultConfig(), 0)
	if s.FramesInFlight() != DefaultFramesInFlight {
		t.Fatalf("%d slots, want %d", s.FramesInFlight(), DefaultFramesInFlight)
	}
	if s.Stride() != 256 {
		t.Fatalf("stride = %d, want 256", s.Stride())
	}
	writes := dev.Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %+v", writes)
	}
	for i, w := range writes {
		if w.Off != int64(i)*256 || w.Size != UniformSize {
			t.Fatalf("write %d = %+v", i, w)
		}
	}
	for i := 0; i < s.FramesInFlight(); i++ {
		if ok, _ := s.Slot(i).Fence.Signaled(); !ok {
			t.Fatalf("fence of slot %d starts unsignaled", i)
		}
	}
}

func TestSchedulerCyclesSlots(t *testing.T) {
	cfg := gputest.DefaultConfig()
	cfg.Latency = 2 * time.Millisecond
	s, sink, dev := newScheduler(t, cfg, 2)

	const frames = 30
	for i := 0; i < frames; i++ {
		slot, err := s.BeginFrame()
		if err != nil {
			t.Fatalf("frame %d: BeginFrame: %v", i, err)
		}
		if slot.Index != i%2 || slot.Frame != uint64(i) || slot.State() != SlotRecording {
			t.Fatalf("frame %d: slot %d frame %d state %s", i, slot.Index, slot.Frame, slot.State())
		}
		if err := s.WaitImage(slot, i%3); err != nil {
			t.Fatalf("frame %d: WaitImage: %v", i, err)
		}
		recordEmpty(t, slot)
		if err := s.SubmitFrame(slot, i%3, nil); err != nil {
			t.Fatalf("frame %d: SubmitFrame: %v", i, err)
		}
		if slot.State() != SlotSubmitted || slot.Image != i%3 {
			t.Fatalf("frame %d: state %s image %d", i, slot.State(), slot.Image)
		}
		s.EndFrame()
	}
	if err := s.WaitAll(); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
	if dev.Submits() != frames || len(sink.images) != frames {
		t.Fatalf("%d submits, %d images", dev.Submits(), len(sink.images))
	}
	st := s.Stats()
	if st.Frames != frames || s.Frame() != frames || st.Max < st.Last {
		t.Fatalf("stats = %+v", st)
	}
	for i := 0; i < 2; i++ {
		if s.Slot(i).State() != SlotIdle {
			t.Fatalf("slot %d is %s after WaitAll", i, s.Slot(i).State())
		}
	}
}

func TestSchedulerSlotBusy(t *testing.T) {
	s, _, _ := newScheduler(t, gputest.DefaultConfig(), 2)
	slot, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.BeginFrame(); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("got %v, want ErrSlotBusy", err)
	}
	s.Abandon(slot, false)
	again, err := s.BeginFrame()
	if err != nil || again != slot {
		t.Fatalf("abandoned slot not reused: %v", err)
	}
	s.Abandon(again, false)
	if err := s.SubmitFrame(again, 0, nil); err == nil {
		t.Fatalf("submitted an abandoned slot")
	}
}

func TestSchedulerSubmitRefused(t *testing.T) {
	s, sink, _ := newScheduler(t, gputest.DefaultConfig(), 2)
	sink.refuse = ErrClosed

	slot, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	sem := slot.ImageReady
	recordEmpty(t, slot)
	if err := s.SubmitFrame(slot, 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if slot.State() != SlotIdle {
		t.Fatalf("refused slot is %s", slot.State())
	}
	if slot.ImageReady == sem {
		t.Fatalf("image-ready semaphore of the refused frame kept")
	}

	sink.refuse = nil
	again, err := s.BeginFrame()
	if err != nil || again != slot {
		t.Fatalf("refused slot not reused: %v", err)
	}
}

func TestSchedulerLostSubmission(t *testing.T) {
	s, sink, dev := newScheduler(t, gputest.DefaultConfig(), 1)
	sink.lose = errors.New("queue submit failed")

	slot, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	fence, sem := slot.Fence, slot.ImageReady
	recordEmpty(t, slot)
	if err := s.SubmitFrame(slot, 0, nil); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	s.EndFrame()
	live := dev.Live()

	sink.lose = nil
	// The fence of the lost frame never signals; BeginFrame must
	// not wait for it.
	next, err := s.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame after a lost submission: %v", err)
	}
	if next.Fence == fence || next.ImageReady == sem {
		t.Fatalf("fence and semaphore of the lost frame reused")
	}
	if n := dev.Live(); n != live {
		t.Fatalf("%d live objects, want %d", n, live)
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
}

func TestSchedulerWaitImage(t *testing.T) {
	cfg := gputest.DefaultConfig()
	cfg.Manual = true
	s, _, dev := newScheduler(t, cfg, 2)

	first, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	recordEmpty(t, first)
	if err := s.SubmitFrame(first, 0, nil); err != nil {
		t.Fatal(err)
	}
	s.EndFrame()

	second, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := first.Fence.Signaled(); ok {
		t.Fatalf("fence signaled before the GPU completed")
	}
	// Another image does not depend on the first frame.
	if err := s.WaitImage(second, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.WaitImage(second, 7); err != nil {
		t.Fatal(err)
	}

	time.AfterFunc(10*time.Millisecond, dev.CompleteAll)
	if err := s.WaitImage(second, 0); err != nil {
		t.Fatalf("WaitImage: %v", err)
	}
	if ok, _ := first.Fence.Signaled(); !ok {
		t.Fatalf("WaitImage returned before the owner's fence signaled")
	}
	s.Abandon(second, false)
}

func TestSchedulerUniforms(t *testing.T) {
	s, _, _ := newScheduler(t, gputest.DefaultConfig(), 2)
	first, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	recordEmpty(t, first)
	if err := s.SubmitFrame(first, 0, nil); err != nil {
		t.Fatal(err)
	}
	s.EndFrame()

	slot, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if slot.Index != 1 {
		t.Fatalf("slot %d, want 1", slot.Index)
	}
	data := make([]byte, UniformSize)
	for i := range data {
		data[i] = byte(i)
	}
	if err := s.WriteUniforms(slot, data); err != nil {
		t.Fatalf("WriteUniforms: %v", err)
	}
	m := s.uniforms.Mapped()
	if m[256] != 0 || m[256+100] != 100 || m[0] != 0 || m[100] != 0 {
		t.Fatalf("uniforms not written to the slot's region")
	}
	if err := s.WriteUniforms(slot, make([]byte, UniformSize+1)); err == nil {
		t.Fatalf("oversized uniforms accepted")
	}
	s.Abandon(slot, false)
}

func TestSchedulerDestroy(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	al, err := NewAllocator(ctx.Device, ctx.Limits, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewScheduler(ctx, al, &syncSink{ctx: ctx}, 3, UniformSize)
	if err != nil {
		t.Fatal(err)
	}
	s.Destroy()
	s.Destroy()
	al.Destroy()
	if n := dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
	if _, err := s.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("BeginFrame after Destroy: %v", err)
	}
}

func TestSchedulerAbandonAcquired(t *testing.T) {
	s, _, dev := newScheduler(t, gputest.DefaultConfig(), 1)
	slot, err := s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	sem := slot.ImageReady
	if err := s.Abandon(slot, false); err != nil {
		t.Fatal(err)
	}
	if slot.ImageReady != sem {
		t.Fatalf("semaphore replaced without an acquire")
	}

	slot, err = s.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	live := dev.Live()
	if err := s.Abandon(slot, true); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if slot.ImageReady == sem || slot.State() != SlotIdle {
		t.Fatalf("acquired semaphore kept, slot %s", slot.State())
	}
	if n := dev.Live(); n != live {
		t.Fatalf("%d live objects, want %d", n, live)
	}
	// Abandoning a slot that is not being recorded changes nothing.
	sem = slot.ImageReady
	if err := s.Abandon(slot, true); err != nil || slot.ImageReady != sem {
		t.Fatalf("idle slot abandoned: %v", err)
	}
}
