package render

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		m, w int
		want []Range
	}{
		{10, 3, []Range{{0, 4}, {4, 7}, {7, 10}}},
		{9, 3, []Range{{0, 3}, {3, 6}, {6, 9}}},
		{2, 4, []Range{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		{0, 2, []Range{{0, 0}, {0, 0}}},
		{5, 1, []Range{{0, 5}}},
		{5, 0, nil},
	}
	for _, tt := range tests {
		got := Partition(tt.m, tt.w)
		if len(got) != len(tt.want) {
			t.Fatalf("Partition(%d, %d) = %v, want %v", tt.m, tt.w, got, tt.want)
		}
		total := 0
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Partition(%d, %d) = %v, want %v", tt.m, tt.w, got, tt.want)
			}
			total += got[i].Len()
		}
		if tt.w > 0 && total != tt.m {
			t.Fatalf("Partition(%d, %d) covers %d items", tt.m, tt.w, total)
		}
	}
}

// drawLog records which items each command buffer drew.
type drawLog struct {
	mu    sync.Mutex
	drawn map[gpu.CmdBuffer][]MeshID
	slots map[int]bool
}

func newDrawLog() *drawLog {
	return &drawLog{drawn: make(map[gpu.CmdBuffer][]MeshID), slots: make(map[int]bool)}
}

func (l *drawLog) record(cmd gpu.CmdBuffer, st *RecordState, item *DrawItem) error {
	l.mu.Lock()
	l.drawn[cmd] = append(l.drawn[cmd], item.Mesh)
	l.slots[st.Slot] = true
	l.mu.Unlock()
	cmd.DrawIndexed(3, 1, 0, 0, 0)
	return nil
}

func (l *drawLog) reset() {
	l.mu.Lock()
	clear(l.drawn)
	l.mu.Unlock()
}

func newWorkerPool(t *testing.T, n int, record DrawRecorder) (*WorkerPool, *Target, *gputest.Device) {
	t.Helper()
	ctx, dev := newContext(t, gputest.DefaultConfig())
	pass, err := dev.NewRenderPass(&gpu.RenderPassDesc{Color: gpu.FormatBGRA8sRGB, Depth: DepthFormat, Samples: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pass.Destroy)
	p, err := NewWorkerPool(ctx, n, 2, record)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p, &Target{Pass: pass, Extent: gpu.Extent{Width: 800, Height: 600}}, dev
}

func drawList(n int) []DrawItem {
	items := make([]DrawItem, n)
	for i := range items {
		items[i].Mesh = MeshID(i + 1)
	}
	return items
}

func TestDispatchPreservesOrder(t *testing.T) {
	log := newDrawLog()
	p, target, dev := newWorkerPool(t, 3, log.record)
	items := drawList(11)

	for frame := 0; frame < 4; frame++ {
		log.reset()
		slot := frame % 2
		cmds, err := p.Dispatch(slot, items, target)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if len(cmds) != 3 {
			t.Fatalf("%d command buffers, want 3", len(cmds))
		}
		var order []MeshID
		for _, c := range cmds {
			mc := c.(*gputest.CmdBuffer)
			if mc.Level != gpu.CmdSecondary {
				t.Fatalf("primary command buffer returned")
			}
			ops := mc.Ops()
			if len(ops) < 2 || ops[0] != "SetViewport" || ops[1] != "SetScissor" {
				t.Fatalf("ops = %v", ops)
			}
			if mc.Draws() != len(log.drawn[c]) {
				t.Fatalf("%d draws recorded, %d logged", mc.Draws(), len(log.drawn[c]))
			}
			order = append(order, log.drawn[c]...)
		}
		if len(order) != len(items) {
			t.Fatalf("%d items drawn, want %d", len(order), len(items))
		}
		for i, id := range order {
			if id != items[i].Mesh {
				t.Fatalf("draw order %v", order)
			}
		}
		for i := 0; i < p.Len(); i++ {
			if p.State(i) != WorkerWaiting {
				t.Fatalf("worker %d left in state %d", i, p.State(i))
			}
		}
	}
	if !log.slots[0] || !log.slots[1] {
		t.Fatalf("slots recorded: %v", log.slots)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
}

func TestDispatchSkipsFailedItems(t *testing.T) {
	log := newDrawLog()
	record := func(cmd gpu.CmdBuffer, st *RecordState, item *DrawItem) error {
		if item.Mesh%3 == 0 {
			return errors.Wrapf(ErrNotFound, "mesh %d", item.Mesh)
		}
		return log.record(cmd, st, item)
	}
	p, target, _ := newWorkerPool(t, 2, record)
	cmds, err := p.Dispatch(0, drawList(9), target)
	if err != nil {
		t.Fatal(err)
	}
	draws := 0
	for _, c := range cmds {
		draws += c.(*gputest.CmdBuffer).Draws()
	}
	if draws != 6 || p.Skipped() != 3 || p.Failed() != 0 {
		t.Fatalf("%d draws, %d skipped, %d failed", draws, p.Skipped(), p.Failed())
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	log := newDrawLog()
	record := func(cmd gpu.CmdBuffer, st *RecordState, item *DrawItem) error {
		if item.Mesh == 2 {
			panic("recorder bug")
		}
		return log.record(cmd, st, item)
	}
	p, target, dev := newWorkerPool(t, 3, record)
	items := drawList(6)
	cmds, err := p.Dispatch(1, items, target)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cmds) != 3 || p.Failed() != 1 {
		t.Fatalf("%d buffers, %d failed", len(cmds), p.Failed())
	}
	// The first worker owned items 1 and 2; its buffer is empty.
	first := cmds[0].(*gputest.CmdBuffer)
	if first.Draws() != 0 || len(first.Ops()) != 0 {
		t.Fatalf("failed worker's buffer has ops %v", first.Ops())
	}
	for _, c := range cmds[1:] {
		if n := c.(*gputest.CmdBuffer).Draws(); n != 2 {
			t.Fatalf("healthy worker drew %d items, want 2", n)
		}
	}

	// The worker recovers on the next frame.
	cmds, err = p.Dispatch(1, drawList(1), target)
	if err != nil {
		t.Fatal(err)
	}
	if n := cmds[0].(*gputest.CmdBuffer).Draws(); n != 1 {
		t.Fatalf("worker did not recover: %d draws", n)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
}

func TestWorkerPoolClose(t *testing.T) {
	log := newDrawLog()
	p, target, dev := newWorkerPool(t, 2, log.record)
	live := dev.Live()
	if live != 1+2*2 {
		t.Fatalf("%d live objects, want 5", live)
	}
	p.Close()
	p.Close()
	if _, err := p.Dispatch(0, drawList(1), target); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dispatch after Close: %v", err)
	}
	p.Destroy()
	p.Destroy()
	if n := dev.Live(); n != 1 {
		t.Fatalf("%d live objects after Destroy, want 1", n)
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
}
