package render

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// DefaultStopTimeout bounds the wait for the presentation thread
// to stop.
const DefaultStopTimeout = 2 * time.Second

// Presenter submits recorded frames to the graphics queue and
// presents them, in the order they were enqueued, on a goroutine
// locked to its OS thread.
type Presenter struct {
	ctx  *DeviceContext
	subs chan *Submission
	log  *slog.Logger

	pending sync.WaitGroup

	// enqMu orders Enqueue against Stop: a submission sent before
	// stopped is set is drained by Stop.
	enqMu    sync.RWMutex
	stopped  bool
	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	stopErr  error

	rebuild   atomic.Bool
	presented atomic.Uint64
	failures  atomic.Uint64
	err       atomic.Pointer[error]
}

// NewPresenter starts the presentation thread. Up to depth
// submissions may wait in its queue.
func NewPresenter(ctx *DeviceContext, depth int) *Presenter {
	p := &Presenter{
		ctx:    ctx,
		subs:   make(chan *Submission, max(1, depth)),
		log:    Logger(),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue queues a submission. It blocks while the queue is full,
// until Stop is called.
func (p *Presenter) Enqueue(sub *Submission) error {
	p.enqMu.RLock()
	defer p.enqMu.RUnlock()
	if p.stopped {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.subs <- sub:
		return nil
	case <-p.stop:
		p.pending.Done()
		return ErrClosed
	}
}

func (p *Presenter) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.exited)

	for {
		select {
		case <-p.stop:
			return
		case sub := <-p.subs:
			p.handle(sub)
			p.pending.Done()
		}
	}
}

func (p *Presenter) handle(sub *Submission) {
	slot := sub.Slot
	if err := slot.Fence.Reset(); err != nil {
		p.fail(sub, errors.Wrap(err, "reset frame fence"))
		return
	}
	err := p.ctx.Submit(p.ctx.Graphics, []gpu.Submission{{
		Wait:       []gpu.Semaphore{slot.ImageReady},
		WaitStages: []gpu.Stage{gpu.StageColorOutput},
		Cmds:       []gpu.CmdBuffer{slot.Primary},
		Signal:     []gpu.Semaphore{slot.RenderDone},
	}}, slot.Fence)
	if err != nil {
		p.fail(sub, errors.Wrap(err, "submit frame"))
		return
	}
	slot.handoff <- nil

	err = p.ctx.PresentImage(sub.Swapchain, sub.Image, []gpu.Semaphore{slot.RenderDone})
	switch {
	case err == nil:
		p.presented.Add(1)
	case errors.Is(err, gpu.ErrOutOfDate), errors.Is(err, gpu.ErrSuboptimal):
		p.presented.Add(1)
		p.rebuild.Store(true)
	default:
		p.failures.Add(1)
		p.rebuild.Store(true)
		p.setErr(errors.Wrapf(err, "present image %d", sub.Image))
		p.log.Error("present failed", slog.Int("image", sub.Image), errAttr(err))
	}
}

// fail reports a submission that never reached the queue. The
// image it acquired is never presented, so the swapchain has to be
// rebuilt.
func (p *Presenter) fail(sub *Submission, err error) {
	p.failures.Add(1)
	p.rebuild.Store(true)
	if errors.Is(err, gpu.ErrDeviceLost) {
		p.setErr(err)
	}
	p.log.Error("frame not submitted", slog.Uint64("frame", sub.Slot.Frame), errAttr(err))
	sub.Slot.handoff <- err
}

func (p *Presenter) setErr(err error) {
	p.err.CompareAndSwap(nil, &err)
}

// Err returns the first unrecoverable error met by the
// presentation thread.
func (p *Presenter) Err() error {
	if e := p.err.Load(); e != nil {
		return *e
	}
	return nil
}

// NeedsRebuild reports, once, that a present found the swapchain
// out of date or suboptimal.
func (p *Presenter) NeedsRebuild() bool {
	return p.rebuild.CompareAndSwap(true, false)
}

// RequestRebuild makes the next NeedsRebuild return true.
func (p *Presenter) RequestRebuild() {
	p.rebuild.Store(true)
}

// Presented returns the number of frames presented.
func (p *Presenter) Presented() uint64 { return p.presented.Load() }

// Failures returns the number of frames that could not be
// submitted or presented.
func (p *Presenter) Failures() uint64 { return p.failures.Load() }

// Wait blocks until every enqueued submission has been handled,
// or FenceTimeout expires.
func (p *Presenter) Wait() error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	t := time.NewTimer(FenceTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return errors.Wrap(gpu.ErrTimeout, "wait for the presentation thread")
	}
}

// Stop stops the presentation thread after its current
// submission. Submissions still queued are reported to their slots
// as failed. If the thread does not stop within timeout it is
// abandoned and ErrStopTimeout is returned.
// It is safe to call more than once.
func (p *Presenter) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.enqMu.Lock()
		p.stopped = true
		p.enqMu.Unlock()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.exited:
		case <-t.C:
			p.stopErr = ErrStopTimeout
			p.log.Error("presentation thread abandoned", slog.Duration("timeout", timeout))
			return
		}
		for {
			select {
			case sub := <-p.subs:
				sub.Slot.handoff <- ErrClosed
				p.pending.Done()
			default:
				return
			}
		}
	})
	return p.stopErr
}
