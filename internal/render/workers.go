package render

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// DrawItem is one entry of a frame's draw list.
type DrawItem struct {
	Mesh      MeshID
	Material  string
	Transform mgl32.Mat4
}

// Target is the render pass instance the secondary command
// buffers of a frame continue.
type Target struct {
	Pass        gpu.RenderPass
	Framebuffer gpu.Framebuffer
	Extent      gpu.Extent
	// FrameSet is the per-frame descriptor set of the slot.
	FrameSet gpu.DescriptorSet
}

// RecordState is the state of one worker's recording. Recorders
// use it to skip redundant binds.
type RecordState struct {
	Worker   int
	Slot     int
	Target   *Target
	Pipeline *Pipeline
}

// DrawRecorder records the commands of one draw item into cmd.
// An error skips the item; the rest of the list is still recorded.
type DrawRecorder func(cmd gpu.CmdBuffer, st *RecordState, item *DrawItem) error

// Range is a half-open range of draw list indices.
type Range struct {
	Start, End int
}

// Len returns the number of indices in r.
func (r Range) Len() int { return r.End - r.Start }

// Partition splits m items among w workers. The first m%w workers
// get one extra item. The ranges are contiguous and in order.
func Partition(m, w int) []Range {
	if w <= 0 {
		return nil
	}
	rs := make([]Range, w)
	base, extra := m/w, m%w
	start := 0
	for i := range rs {
		n := base
		if i < extra {
			n++
		}
		rs[i] = Range{Start: start, End: start + n}
		start += n
	}
	return rs
}

// DefaultWorkers returns the default number of render workers.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()/2)
}

type phase int

const (
	phaseBegin phase = iota
	phaseRecord
	phaseEnd
)

func (p phase) String() string {
	switch p {
	case phaseBegin:
		return "begin"
	case phaseRecord:
		return "record"
	case phaseEnd:
		return "end"
	}
	return "unknown"
}

// WorkerState is the state of a render worker.
type WorkerState int32

const (
	WorkerWaiting WorkerState = iota
	WorkerRecording
	WorkerDone
)

type job struct {
	phase  phase
	slot   int
	items  []DrawItem
	target *Target
}

type result struct {
	worker  int
	skipped int
	err     error
}

type worker struct {
	id      int
	pools   []gpu.CmdPool
	cmds    []gpu.CmdBuffer
	mailbox chan job
	state   atomic.Int32

	// failed is set once the current frame's recording failed.
	failed bool
	// ready is set when the current frame's buffer is executable.
	ready bool
	rs    RecordState
}

// WorkerPool records a frame's draw list into secondary command
// buffers on a fixed set of goroutines, each locked to its OS
// thread. Every worker owns one command pool and one secondary
// command buffer per frame slot.
//
// Dispatch and Close must be called from a single goroutine.
type WorkerPool struct {
	record  DrawRecorder
	workers []*worker
	done    chan result
	wg      sync.WaitGroup
	log     *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	destroyed bool

	skipped atomic.Int64
	failed  atomic.Int64
}

// NewWorkerPool starts n workers (DefaultWorkers if n <= 0) with
// command buffers for frames frame slots.
func NewWorkerPool(ctx *DeviceContext, n, frames int, record DrawRecorder) (*WorkerPool, error) {
	if n <= 0 {
		n = DefaultWorkers()
	}
	p := &WorkerPool{
		record: record,
		done:   make(chan result, n),
		log:    Logger(),
	}
	for i := 0; i < n; i++ {
		w := &worker{id: i, mailbox: make(chan job, 1)}
		p.workers = append(p.workers, w)
		for s := 0; s < frames; s++ {
			pool, err := ctx.Device.NewCmdPool(ctx.Families.Graphics)
			if err != nil {
				p.Destroy()
				return nil, errors.Wrapf(err, "create command pool of worker %d", i)
			}
			w.pools = append(w.pools, pool)
			cmds, err := pool.Alloc(gpu.CmdSecondary, 1)
			if err != nil {
				p.Destroy()
				return nil, errors.Wrapf(err, "allocate command buffer of worker %d", i)
			}
			w.cmds = append(w.cmds, cmds[0])
		}
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}
	return p, nil
}

// Len returns the number of workers.
func (p *WorkerPool) Len() int { return len(p.workers) }

// State returns the state of worker i.
func (p *WorkerPool) State(i int) WorkerState {
	return WorkerState(p.workers[i].state.Load())
}

// Skipped returns the number of draw items skipped so far.
func (p *WorkerPool) Skipped() int64 { return p.skipped.Load() }

// Failed returns the number of times a worker contributed an
// empty command buffer.
func (p *WorkerPool) Failed() int64 { return p.failed.Load() }

func (p *WorkerPool) run(w *worker) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for j := range w.mailbox {
		p.done <- p.step(w, j)
	}
}

// step runs one phase. It always returns, so the main goroutine
// always gets a result from every worker.
func (p *WorkerPool) step(w *worker, j job) (res result) {
	res.worker = w.id
	defer func() {
		if r := recover(); r != nil {
			res.err = errors.Newf("worker %d panicked in %s phase: %v", w.id, j.phase, r)
		}
		if res.err != nil && !w.failed {
			w.failed = true
			p.salvage(w, j)
		}
	}()

	if j.phase != phaseBegin && w.failed {
		return res
	}
	cmd := w.cmds[j.slot]
	switch j.phase {
	case phaseBegin:
		w.failed, w.ready = false, false
		w.state.Store(int32(WorkerRecording))
		w.rs = RecordState{Worker: w.id, Slot: j.slot, Target: j.target}
		if err := w.pools[j.slot].Reset(); err != nil {
			res.err = errors.Wrap(err, "reset command pool")
			return res
		}
		if err := beginSecondary(cmd, j.target); err != nil {
			res.err = err
			return res
		}
	case phaseRecord:
		for i := range j.items {
			if err := p.record(cmd, &w.rs, &j.items[i]); err != nil {
				res.skipped++
				if res.skipped == 1 {
					p.log.Warn("draw skipped", slog.Int("worker", w.id), errAttr(err))
				}
			}
		}
	case phaseEnd:
		if err := cmd.End(); err != nil {
			res.err = errors.Wrap(err, "end command buffer")
			return res
		}
		w.ready = true
		w.state.Store(int32(WorkerDone))
	}
	return res
}

func beginSecondary(cmd gpu.CmdBuffer, t *Target) error {
	if err := cmd.Begin(&gpu.Inheritance{Pass: t.Pass, Framebuffer: t.Framebuffer}); err != nil {
		return errors.Wrap(err, "begin secondary command buffer")
	}
	cmd.SetViewport(gpu.Viewport{
		Width:    float32(t.Extent.Width),
		Height:   float32(t.Extent.Height),
		MaxDepth: 1,
	})
	cmd.SetScissor(gpu.Rect{Width: t.Extent.Width, Height: t.Extent.Height})
	return nil
}

// salvage replaces whatever the worker recorded with an empty
// command buffer.
func (p *WorkerPool) salvage(w *worker, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("salvaging command buffer", slog.Int("worker", w.id), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	w.ready = false
	w.state.Store(int32(WorkerDone))
	cmd := w.cmds[j.slot]
	if err := cmd.Reset(); err != nil || j.target == nil {
		return
	}
	if err := cmd.Begin(&gpu.Inheritance{Pass: j.target.Pass, Framebuffer: j.target.Framebuffer}); err != nil {
		return
	}
	w.ready = cmd.End() == nil
}

// broadcast runs a phase on every worker and waits for all of
// them.
func (p *WorkerPool) broadcast(jobs []job) []result {
	for i, w := range p.workers {
		w.mailbox <- jobs[i]
	}
	res := make([]result, len(p.workers))
	for range p.workers {
		r := <-p.done
		res[r.worker] = r
	}
	return res
}

// Dispatch records items into the secondary command buffers of
// frame slot slot and returns them in worker order. Items are
// partitioned with Partition, so executing the buffers in order
// draws the items in list order.
// A worker that fails contributes an empty buffer, or none if even
// that cannot be recorded; its error is logged but not returned.
func (p *WorkerPool) Dispatch(slot int, items []DrawItem, target *Target) ([]gpu.CmdBuffer, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	n := len(p.workers)
	parts := Partition(len(items), n)
	jobs := make([]job, n)

	for _, ph := range []phase{phaseBegin, phaseRecord, phaseEnd} {
		for i := range jobs {
			jobs[i] = job{phase: ph, slot: slot, target: target}
			if ph == phaseRecord {
				jobs[i].items = items[parts[i].Start:parts[i].End]
			}
		}
		for _, r := range p.broadcast(jobs) {
			if r.skipped > 0 {
				p.skipped.Add(int64(r.skipped))
			}
			if r.err != nil {
				p.failed.Add(1)
				p.log.Error("render worker failed", slog.Int("worker", r.worker),
					slog.String("phase", ph.String()), errAttr(r.err))
			}
		}
	}

	cmds := make([]gpu.CmdBuffer, 0, n)
	for _, w := range p.workers {
		w.state.Store(int32(WorkerWaiting))
		if w.ready {
			cmds = append(cmds, w.cmds[slot])
		}
	}
	return cmds, nil
}

// Close stops the workers once they finish their current phase.
// It is safe to call more than once.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		for _, w := range p.workers {
			close(w.mailbox)
		}
		p.wg.Wait()
	})
}

// Destroy stops the workers and destroys their command pools.
// The device must be done with the command buffers.
// It is safe to call more than once.
func (p *WorkerPool) Destroy() {
	p.Close()
	if p.destroyed {
		return
	}
	p.destroyed = true
	for _, w := range p.workers {
		destroyAll(w.pools)
	}
}
