package render

import (
	"sync"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// Uploader copies host data into device-local resources through
// staging buffers and a one-shot command buffer on the graphics
// queue. Uploads block until the copy is done.
// It is safe for concurrent use.
type Uploader struct {
	ctx   *DeviceContext
	alloc *Allocator

	mu        sync.Mutex
	pool      gpu.CmdPool
	cmd       gpu.CmdBuffer
	fence     gpu.Fence
	uploads   int
	destroyed bool
}

// NewUploader creates an uploader.
func NewUploader(ctx *DeviceContext, alloc *Allocator) (*Uploader, error) {
	u := &Uploader{ctx: ctx, alloc: alloc}
	var err error
	if u.pool, err = ctx.Device.NewCmdPool(ctx.Families.Graphics); err != nil {
		return nil, errors.Wrap(err, "create upload command pool")
	}
	cmds, err := u.pool.Alloc(gpu.CmdPrimary, 1)
	if err != nil {
		u.pool.Destroy()
		return nil, errors.Wrap(err, "allocate upload command buffer")
	}
	u.cmd = cmds[0]
	if u.fence, err = ctx.Device.NewFence(false); err != nil {
		u.pool.Destroy()
		return nil, errors.Wrap(err, "create upload fence")
	}
	return u, nil
}

// Staging returns a staging buffer holding a copy of data.
// The caller destroys it once the upload that reads it is done.
func (u *Uploader) Staging(data []byte) (*Resource, error) {
	r, err := u.alloc.CreateBuffer(int64(len(data)), gpu.BufTransferSrc, Staging)
	if err != nil {
		return nil, errors.Wrap(err, "create staging buffer")
	}
	copy(r.Mapped(), data)
	return r, nil
}

// Do records commands with record, submits them and waits for them
// to complete.
func (u *Uploader) Do(record func(cmd gpu.CmdBuffer)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.destroyed {
		return ErrClosed
	}
	if err := u.pool.Reset(); err != nil {
		return errors.Wrap(err, "reset upload command pool")
	}
	if err := u.cmd.Begin(nil); err != nil {
		return errors.Wrap(err, "begin upload")
	}
	record(u.cmd)
	if err := u.cmd.End(); err != nil {
		return errors.Wrap(err, "end upload")
	}
	if err := u.fence.Reset(); err != nil {
		return errors.Wrap(err, "reset upload fence")
	}
	sub := []gpu.Submission{{Cmds: []gpu.CmdBuffer{u.cmd}}}
	if err := u.ctx.Submit(u.ctx.Graphics, sub, u.fence); err != nil {
		return errors.Wrap(err, "submit upload")
	}
	if err := u.fence.Wait(FenceTimeout); err != nil {
		return errors.Wrap(err, "wait for upload")
	}
	u.uploads++
	return nil
}

// CopyToBuffer uploads data to dst at off.
func (u *Uploader) CopyToBuffer(dst gpu.Buffer, off int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	st, err := u.Staging(data)
	if err != nil {
		return err
	}
	defer st.Destroy()
	return u.Do(func(cmd gpu.CmdBuffer) {
		cmd.CopyBuffer(dst, off, st.Buffer(), 0, int64(len(data)))
	})
}

// Uploads returns the number of completed uploads.
func (u *Uploader) Uploads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

// Destroy destroys the command pool and fence. It is safe to call
// more than once.
func (u *Uploader) Destroy() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.destroyed {
		return
	}
	u.destroyed = true
	u.fence.Destroy()
	u.pool.Destroy()
}
