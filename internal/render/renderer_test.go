package render

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Workers = 2
	opts.BlockSize = testBlockSize
	opts.ArenaVertices = 1024
	opts.ArenaIndices = 1024
	opts.CacheDir = t.TempDir()
	return opts
}

type rendererRig struct {
	r    *Renderer
	dev  *gputest.Device
	surf *testSurface
	tri  MeshID
}

func newRenderer(t *testing.T, cfg gputest.Config, opts Options) *rendererRig {
	t.Helper()
	inst := gputest.NewInstance(cfg)
	surf := &testSurface{800, 600}
	r, err := New(inst, surf, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Destroy)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lit.vert.spv"), vertexSPV(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lit.frag.spv"), fragmentSPV(), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, err := r.LoadShaders(dir); err != nil || n != 2 {
		t.Fatalf("LoadShaders = %d, %v", n, err)
	}
	if _, err := r.CreatePipeline(litEffectNamed("lit")); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	tri, err := r.CreateMesh("triangle", triangle, []uint32{0, 1, 2})
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	return &rendererRig{r: r, dev: inst.Devices()[0], surf: surf, tri: tri}
}

func testView() *View {
	return &View{
		View:       mgl32.LookAtV(mgl32.Vec3{0, 0, 3}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}),
		Proj:       mgl32.Perspective(mgl32.DegToRad(60), 4.0/3, 0.1, 100),
		Eye:        mgl32.Vec3{0, 0, 3},
		LightDir:   mgl32.Vec3{0, -1, 0},
		LightColor: mgl32.Vec3{1, 1, 1},
		Ambient:    0.1,
	}
}

func (rig *rendererRig) render(t *testing.T, n int, items []DrawItem) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := rig.r.Render(testView(), items); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
}

func TestViewPack(t *testing.T) {
	v := testView()
	b := make([]byte, UniformSize)
	v.Pack(b)
	float := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	}
	vp := v.Proj.Mul4(v.View)
	for i := 0; i < 16; i++ {
		if float(i*4) != v.View[i] || float(64+i*4) != v.Proj[i] || float(128+i*4) != vp[i] {
			t.Fatalf("matrix element %d packed wrong", i)
		}
	}
	if float(192+8) != 3 || float(192+12) != 1 {
		t.Fatalf("eye not packed as a point")
	}
	if float(208+4) != -1 || float(208+12) != 0 {
		t.Fatalf("light direction not packed as a direction")
	}
	// The ambient term rides in the w of the light color.
	if float(236) != v.Ambient {
		t.Fatalf("ambient = %v", float(236))
	}
}

func TestRendererRender(t *testing.T) {
	cfg := gputest.DefaultConfig()
	rig := newRenderer(t, cfg, testOptions(t))
	r := rig.r
	if _, err := r.LoadTexture("checker", CheckerPixels(4), 4, 4, TextureOptions{Mipmaps: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetMaterialTexture("lit", "checker"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetMaterialTexture("lit", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing texture: %v", err)
	}

	items := []DrawItem{
		{Mesh: rig.tri, Material: "lit", Transform: mgl32.Ident4()},
		{Mesh: rig.tri, Material: "lit", Transform: mgl32.Translate3D(1, 0, 0)},
		{Mesh: 99, Material: "lit"},
		{Mesh: rig.tri, Material: "unknown"},
	}
	const frames = 10
	rig.render(t, frames, items)
	if err := r.pres.Wait(); err != nil {
		t.Fatal(err)
	}

	st := r.Stats()
	if st.Frames != frames || st.Presented != frames || st.Skipped != 2*frames || st.FailedWorkers != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Rebuilds != 0 || st.Memory.Blocks == 0 {
		t.Fatalf("stats = %+v", st)
	}
	if rig.dev.Submits() < frames {
		t.Fatalf("%d submits", rig.dev.Submits())
	}
	if v := rig.dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
	if id, ok := r.Mesh("triangle"); !ok || id != rig.tri {
		t.Fatalf("Mesh = %d, %v", id, ok)
	}
}

func TestRendererResize(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	items := []DrawItem{{Mesh: rig.tri, Material: "lit"}}
	rig.render(t, 3, items)

	caps := gputest.DefaultCaps()
	caps.Current = gpu.Extent{Width: 1024, Height: 768}
	rig.dev.SetCaps(caps)
	rig.surf.w, rig.surf.h = 1024, 768
	r.Resize()
	r.Resize()
	rig.render(t, 3, items)

	scs := rig.dev.Swapchains()
	if len(scs) != 2 {
		t.Fatalf("%d swapchains, want 2", len(scs))
	}
	if scs[1].Old != gpu.Swapchain(scs[0]) || !scs[0].Destroyed() {
		t.Fatalf("old swapchain not handed over and destroyed")
	}
	if r.Extent() != (gpu.Extent{Width: 1024, Height: 768}) || r.Stats().Rebuilds != 1 {
		t.Fatalf("extent %+v after %d rebuilds", r.Extent(), r.Stats().Rebuilds)
	}
	if v := rig.dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
}

func TestRendererMinimized(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	items := []DrawItem{{Mesh: rig.tri, Material: "lit"}}
	rig.render(t, 2, items)

	caps := gputest.DefaultCaps()
	caps.Current = gpu.Extent{}
	rig.dev.SetCaps(caps)
	rig.surf.w, rig.surf.h = 0, 0
	r.Resize()
	rig.render(t, 3, items)
	if n := r.Stats().Frames; n != 2 {
		t.Fatalf("%d frames rendered while minimized", n)
	}

	rig.dev.SetCaps(gputest.DefaultCaps())
	rig.surf.w, rig.surf.h = 800, 600
	rig.render(t, 2, items)
	if st := r.Stats(); st.Frames != 4 || st.Rebuilds != 1 {
		t.Fatalf("stats after restore = %+v", st)
	}
}

func TestRendererOutOfDate(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	items := []DrawItem{{Mesh: rig.tri, Material: "lit"}}

	// Acquire reports the swapchain out of date; the frame is still
	// drawn on the rebuilt one.
	rig.dev.PushAcquire(gpu.ErrOutOfDate)
	rig.render(t, 1, items)
	if st := r.Stats(); st.Frames != 1 || st.Rebuilds != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// Present reports it; the next frame rebuilds first.
	if err := r.pres.Wait(); err != nil {
		t.Fatal(err)
	}
	rig.dev.PushPresent(gpu.ErrOutOfDate)
	rig.render(t, 1, items)
	if err := r.pres.Wait(); err != nil {
		t.Fatal(err)
	}
	rig.render(t, 1, items)
	if st := r.Stats(); st.Frames != 3 || st.Rebuilds != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if len(rig.dev.Swapchains()) != 3 {
		t.Fatalf("%d swapchains, want 3", len(rig.dev.Swapchains()))
	}
}

func TestRendererMSAA(t *testing.T) {
	opts := testOptions(t)
	opts.MSAA = 4
	rig := newRenderer(t, gputest.DefaultConfig(), opts)
	if rig.r.samples != 4 || rig.r.msaa == nil {
		t.Fatalf("samples = %d", rig.r.samples)
	}
	rig.render(t, 2, []DrawItem{{Mesh: rig.tri, Material: "lit"}})

	opts.MSAA = 16
	rig = newRenderer(t, gputest.DefaultConfig(), opts)
	if rig.r.samples != 8 {
		t.Fatalf("samples = %d, want the highest supported", rig.r.samples)
	}
}

func TestRendererDestroy(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	rig.render(t, 3, []DrawItem{{Mesh: rig.tri, Material: "lit"}})
	r.Destroy()
	r.Destroy()
	if n := rig.dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
	if n := rig.dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
	if !rig.dev.Destroyed() {
		t.Fatalf("device not destroyed")
	}
	if err := r.Render(testView(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Render after Destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.opts.CacheDir, CacheFileName)); err != nil {
		t.Fatalf("pipeline cache not saved: %v", err)
	}
}

func TestRendererStartupFailure(t *testing.T) {
	cfg := gputest.DefaultConfig()
	cfg.Caps.Formats = nil
	_, err := New(gputest.NewInstance(cfg), &testSurface{800, 600}, testOptions(t))
	if err == nil || !IsFatal(err) {
		t.Fatalf("got %v, want a fatal error", err)
	}

	cfg = gputest.DefaultConfig()
	cfg.Adapters = nil
	if _, err := New(gputest.NewInstance(cfg), &testSurface{800, 600}, testOptions(t)); !errors.Is(err, gpu.ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
}

func TestRendererFailedRebuildIsRetried(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	items := []DrawItem{{Mesh: rig.tri, Material: "lit"}}
	rig.render(t, 2, items)

	// The views of the new swapchain images succeed, the depth
	// buffer view fails.
	rig.dev.FailViewAt(r.sc.Len() + 1)
	r.Resize()
	if err := r.Render(testView(), items); err == nil {
		t.Fatalf("Render succeeded with a failing depth view")
	}
	if r.depth != nil || r.depthView != nil {
		t.Fatalf("targets of the failed rebuild left behind")
	}
	rig.render(t, 2, items)
	if st := r.Stats(); st.Frames != 4 || st.Rebuilds != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if v := rig.dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
	r.Destroy()
	if n := rig.dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
}

func TestRendererRecordFailureReleasesImageReady(t *testing.T) {
	rig := newRenderer(t, gputest.DefaultConfig(), testOptions(t))
	r := rig.r
	items := []DrawItem{{Mesh: rig.tri, Material: "lit"}}
	rig.render(t, 1, items)
	if err := r.pres.Wait(); err != nil {
		t.Fatal(err)
	}

	// Recording fails after the image was acquired. The slot comes
	// back with a semaphore that is not signaled.
	r.pool.Close()
	for i := 0; i < 3; i++ {
		if err := r.Render(testView(), items); !errors.Is(err, ErrClosed) {
			t.Fatalf("Render with a closed worker pool: %v", err)
		}
	}
	if v := rig.dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
}
