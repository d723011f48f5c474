package gputest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// Fence is a mock gpu.Fence.
type Fence struct {
	object
	mu      sync.Mutex
	ch      chan struct{}
	pending bool
}

func newFence(d *Device, signaled bool) *Fence {
	f := &Fence{object: object{dev: d}, ch: make(chan struct{})}
	if signaled {
		close(f.ch)
	}
	return f
}

func (f *Fence) done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

// Wait implements gpu.Fence.
func (f *Fence) Wait(timeout time.Duration) error {
	ch := f.done()
	select {
	case <-ch:
		return nil
	default:
	}
	if timeout <= 0 {
		return gpu.ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return gpu.ErrTimeout
	}
}

// Reset implements gpu.Fence.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		f.dev.violate("fence reset while its submission is pending")
		return nil
	}
	select {
	case <-f.ch:
		f.ch = make(chan struct{})
	default:
	}
	return nil
}

// Signaled implements gpu.Fence.
func (f *Fence) Signaled() (bool, error) {
	select {
	case <-f.done():
		return true, nil
	default:
		return false, nil
	}
}

// submit marks the fence as pending and arranges for it to be
// signaled.
func (f *Fence) submit() {
	f.mu.Lock()
	select {
	case <-f.ch:
		f.mu.Unlock()
		f.dev.violate("submission with a signaled fence")
		return
	default:
	}
	f.pending = true
	f.mu.Unlock()

	d := f.dev
	cfg := d.inst.cfg
	switch {
	case cfg.Manual:
		d.mu.Lock()
		d.pending = append(d.pending, f)
		d.mu.Unlock()
	case cfg.Latency <= 0:
		f.signal()
	default:
		d.mu.Lock()
		d.pending = append(d.pending, f)
		d.mu.Unlock()
		time.AfterFunc(cfg.Latency, func() {
			f.signal()
			d.mu.Lock()
			for i, p := range d.pending {
				if p == f {
					d.pending = append(d.pending[:i], d.pending[i+1:]...)
					break
				}
			}
			d.mu.Unlock()
		})
	}
}

func (f *Fence) isPending() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// CmdPool is a mock gpu.CmdPool.
type CmdPool struct {
	object
	family int

	mu     sync.Mutex
	fence  *Fence
	cmds   []*CmdBuffer
	resets int
}

// Resets returns how many times the pool was reset.
func (p *CmdPool) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *CmdPool) lastFence() *Fence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fence
}

func (p *CmdPool) setFence(f *Fence) {
	p.mu.Lock()
	p.fence = f
	p.mu.Unlock()
}

// Reset implements gpu.CmdPool.
func (p *CmdPool) Reset() error {
	if p.lastFence().isPending() {
		p.dev.violate("command pool reset while its submission is pending")
	}
	p.mu.Lock()
	p.resets++
	cmds := append([]*CmdBuffer(nil), p.cmds...)
	p.mu.Unlock()
	for _, c := range cmds {
		c.clear()
	}
	return nil
}

// Alloc implements gpu.CmdPool.
func (p *CmdPool) Alloc(level gpu.CmdLevel, n int) ([]gpu.CmdBuffer, error) {
	if p.Destroyed() {
		return nil, errors.New("gputest: alloc from a destroyed command pool")
	}
	s := make([]gpu.CmdBuffer, n)
	p.mu.Lock()
	for i := range s {
		c := &CmdBuffer{pool: p, Level: level}
		p.cmds = append(p.cmds, c)
		s[i] = c
	}
	p.mu.Unlock()
	return s, nil
}

// Destroy implements gpu.Destroyer.
func (p *CmdPool) Destroy() {
	if p.lastFence().isPending() {
		p.dev.violate("command pool destroyed while its submission is pending")
	}
	p.object.Destroy()
}

type cmdState int

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
)

// CmdBuffer is a mock gpu.CmdBuffer.
// It records the name of every command.
type CmdBuffer struct {
	pool  *CmdPool
	Level gpu.CmdLevel

	mu    sync.Mutex
	state cmdState
	ops   []string
	draws int
	exec  []*CmdBuffer
	inh   *gpu.Inheritance
}

func (c *CmdBuffer) clear() {
	c.mu.Lock()
	c.state = cmdInitial
	c.ops = nil
	c.draws = 0
	c.exec = nil
	c.inh = nil
	c.mu.Unlock()
}

func (c *CmdBuffer) op(name string) {
	c.mu.Lock()
	if c.state != cmdRecording {
		c.mu.Unlock()
		c.pool.dev.violate("%s recorded outside Begin/End", name)
		return
	}
	c.ops = append(c.ops, name)
	c.mu.Unlock()
}

// Ops returns the names of the recorded commands.
func (c *CmdBuffer) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Draws returns the number of recorded draws.
func (c *CmdBuffer) Draws() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draws
}

// Executed returns the secondaries recorded by Execute.
func (c *CmdBuffer) Executed() []*CmdBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CmdBuffer(nil), c.exec...)
}

// Pool returns the pool the buffer was allocated from.
func (c *CmdBuffer) Pool() *CmdPool { return c.pool }

// Begin implements gpu.CmdBuffer.
func (c *CmdBuffer) Begin(inh *gpu.Inheritance) error {
	if c.pool.lastFence().isPending() {
		c.pool.dev.violate("recording into a command buffer whose submission is pending")
	}
	if c.Level == gpu.CmdSecondary && inh == nil {
		return errors.New("gputest: secondary begun without inheritance")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == cmdRecording {
		return errors.New("gputest: command buffer already recording")
	}
	c.state = cmdRecording
	c.ops = nil
	c.draws = 0
	c.exec = nil
	c.inh = inh
	return nil
}

// End implements gpu.CmdBuffer.
func (c *CmdBuffer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cmdRecording {
		return errors.New("gputest: End without Begin")
	}
	c.state = cmdExecutable
	return nil
}

// Reset implements gpu.CmdBuffer.
func (c *CmdBuffer) Reset() error {
	c.clear()
	return nil
}

// BeginPass implements gpu.CmdBuffer.
func (c *CmdBuffer) BeginPass(pass gpu.RenderPass, fb gpu.Framebuffer, area gpu.Rect, clear gpu.ClearValue, secondary bool) {
	c.op("BeginPass")
}

// EndPass implements gpu.CmdBuffer.
func (c *CmdBuffer) EndPass() { c.op("EndPass") }

// Execute implements gpu.CmdBuffer.
func (c *CmdBuffer) Execute(cmds []gpu.CmdBuffer) {
	c.op("Execute")
	for _, s := range cmds {
		sc, ok := s.(*CmdBuffer)
		if !ok || sc.Level != gpu.CmdSecondary {
			c.pool.dev.violate("Execute of a non-secondary command buffer")
			continue
		}
		sc.mu.Lock()
		st := sc.state
		sc.mu.Unlock()
		if st != cmdExecutable {
			c.pool.dev.violate("Execute of a secondary that is not executable")
		}
		c.mu.Lock()
		c.exec = append(c.exec, sc)
		c.mu.Unlock()
	}
}

// SetViewport implements gpu.CmdBuffer.
func (c *CmdBuffer) SetViewport(vp gpu.Viewport) { c.op("SetViewport") }

// SetScissor implements gpu.CmdBuffer.
func (c *CmdBuffer) SetScissor(r gpu.Rect) { c.op("SetScissor") }

// BindPipeline implements gpu.CmdBuffer.
func (c *CmdBuffer) BindPipeline(p gpu.Pipeline) { c.op("BindPipeline") }

// BindDescriptorSet implements gpu.CmdBuffer.
func (c *CmdBuffer) BindDescriptorSet(layout gpu.PipelineLayout, set int, ds gpu.DescriptorSet, dynOffsets []uint32) {
	c.op("BindDescriptorSet")
}

// BindVertexBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) BindVertexBuffer(buf gpu.Buffer, off int64) { c.op("BindVertexBuffer") }

// BindIndexBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) BindIndexBuffer(buf gpu.Buffer, off int64, index32 bool) {
	c.op("BindIndexBuffer")
}

// PushConstants implements gpu.CmdBuffer.
func (c *CmdBuffer) PushConstants(layout gpu.PipelineLayout, stages gpu.ShaderStage, off int, data []byte) {
	c.op("PushConstants")
}

// DrawIndexed implements gpu.CmdBuffer.
func (c *CmdBuffer) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	c.op("DrawIndexed")
	c.mu.Lock()
	c.draws++
	c.mu.Unlock()
}

// CopyBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) CopyBuffer(dst gpu.Buffer, dstOff int64, src gpu.Buffer, srcOff int64, size int64) {
	c.op("CopyBuffer")
}

// CopyBufferToImage implements gpu.CmdBuffer.
func (c *CmdBuffer) CopyBufferToImage(dst gpu.Image, src gpu.Buffer, regions []gpu.BufferImageCopy) {
	c.op("CopyBufferToImage")
}

// Barrier implements gpu.CmdBuffer.
func (c *CmdBuffer) Barrier(t []gpu.Transition) { c.op("Barrier") }

// Queue is a mock gpu.Queue.
type Queue struct {
	dev    *Device
	family int
	mu     sync.Mutex
}

// Family returns the queue family index.
func (q *Queue) Family() int { return q.family }

func (q *Queue) lock() {
	if !q.mu.TryLock() {
		q.dev.violate("concurrent use of queue %d", q.family)
		q.mu.Lock()
	}
}

// Submit implements gpu.Queue.
func (q *Queue) Submit(sub []gpu.Submission, fence gpu.Fence) error {
	q.lock()
	defer q.mu.Unlock()

	var f *Fence
	if fence != nil {
		var ok bool
		if f, ok = fence.(*Fence); !ok {
			return errors.New("gputest: foreign fence")
		}
	}
	for _, s := range sub {
		if len(s.Wait) != len(s.WaitStages) {
			return errors.New("gputest: wait semaphores and stages differ in length")
		}
		for _, cb := range s.Cmds {
			c, ok := cb.(*CmdBuffer)
			if !ok {
				return errors.New("gputest: foreign command buffer")
			}
			c.mu.Lock()
			st := c.state
			exec := c.exec
			c.mu.Unlock()
			if st != cmdExecutable {
				return errors.New("gputest: submission of a command buffer that is not executable")
			}
			if f != nil {
				c.pool.setFence(f)
				for _, sec := range exec {
					sec.pool.setFence(f)
				}
			}
		}
	}
	q.dev.mu.Lock()
	q.dev.submits++
	for _, s := range sub {
		unsignal(s.Wait)
	}
	q.dev.mu.Unlock()
	if f != nil {
		f.submit()
	}
	return nil
}

// Present implements gpu.Queue.
func (q *Queue) Present(sc gpu.Swapchain, index int, wait []gpu.Semaphore) error {
	q.lock()
	defer q.mu.Unlock()

	s, ok := sc.(*Swapchain)
	if !ok {
		return errors.New("gputest: foreign swapchain")
	}
	if s.Destroyed() {
		return errors.New("gputest: present to a destroyed swapchain")
	}
	if index < 0 || index >= len(s.images) {
		return errors.Newf("gputest: bad image index %d", index)
	}
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	unsignal(wait)
	d.presented = append(d.presented, index)
	if len(d.presentQueue) > 0 {
		res := d.presentQueue[0]
		d.presentQueue = d.presentQueue[1:]
		return res
	}
	return nil
}

// WaitIdle implements gpu.Queue.
func (q *Queue) WaitIdle() error { return q.dev.WaitIdle() }
