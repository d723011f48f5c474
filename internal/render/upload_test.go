package render

import (
	"testing"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

type uploadRig struct {
	ctx *DeviceContext
	al  *Allocator
	up  *Uploader
	dev *gputest.Device
}

func newUploadRig(t *testing.T) *uploadRig {
	t.Helper()
	ctx, dev := newContext(t, gputest.DefaultConfig())
	al, err := NewAllocator(ctx.Device, ctx.Limits, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(al.Destroy)
	up, err := NewUploader(ctx, al)
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	t.Cleanup(up.Destroy)
	return &uploadRig{ctx: ctx, al: al, up: up, dev: dev}
}

func TestUploaderCopyToBuffer(t *testing.T) {
	r := newUploadRig(t)
	dst := mustBuffer(t, r.al, 4096, DeviceLocal)
	defer dst.Destroy()

	if err := r.up.CopyToBuffer(dst.Buffer(), 0, nil); err != nil {
		t.Fatalf("empty copy: %v", err)
	}
	if r.up.Uploads() != 0 || r.dev.Submits() != 0 {
		t.Fatalf("empty copy was submitted")
	}
	for i := 0; i < 3; i++ {
		if err := r.up.CopyToBuffer(dst.Buffer(), int64(i)*1024, make([]byte, 1000)); err != nil {
			t.Fatalf("CopyToBuffer: %v", err)
		}
	}
	if r.up.Uploads() != 3 || r.dev.Submits() != 3 {
		t.Fatalf("%d uploads, %d submits", r.up.Uploads(), r.dev.Submits())
	}
	if st := r.al.Stats(); st.Used != dst.Allocation().Size {
		t.Fatalf("staging memory leaked: %+v", st)
	}
	if v := r.dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
}

func TestUploaderDo(t *testing.T) {
	r := newUploadRig(t)
	var recorded gpu.CmdBuffer
	err := r.up.Do(func(cmd gpu.CmdBuffer) {
		recorded = cmd
		cmd.Barrier(nil)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	mc := recorded.(*gputest.CmdBuffer)
	if mc.Level != gpu.CmdPrimary || len(mc.Ops()) != 1 || mc.Ops()[0] != "Barrier" {
		t.Fatalf("recorded %v", mc.Ops())
	}
	// The command buffer is reused once the upload completed.
	if err := r.up.Do(func(cmd gpu.CmdBuffer) {}); err != nil {
		t.Fatal(err)
	}
	if mc.Pool().Resets() != 2 {
		t.Fatalf("%d pool resets, want 2", mc.Pool().Resets())
	}
}

func TestUploaderDestroy(t *testing.T) {
	r := newUploadRig(t)
	r.up.Destroy()
	r.up.Destroy()
	if err := r.up.Do(func(cmd gpu.CmdBuffer) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Do after Destroy: %v", err)
	}
	r.al.Destroy()
	if n := r.dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
	if n := r.dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
}
