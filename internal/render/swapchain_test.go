package render

import (
	"testing"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

type testSurface struct {
	w, h int
}

func (s *testSurface) DrawableSize() (int, int) { return s.w, s.h }

func TestImageCount(t *testing.T) {
	tests := []struct{ min, max, want int }{
		{2, 8, 3},
		{2, 0, 3},
		{3, 3, 3},
		{1, 1, 1},
		{4, 5, 5},
	}
	for _, tt := range tests {
		if got := ImageCount(tt.min, tt.max); got != tt.want {
			t.Fatalf("ImageCount(%d, %d) = %d, want %d", tt.min, tt.max, got, tt.want)
		}
	}
}

func TestChooseSurfaceFormat(t *testing.T) {
	srgb := gpu.ColorSpaceSRGBNonlinear
	tests := []struct {
		name    string
		offered []gpu.SurfaceFormat
		want    gpu.SurfaceFormat
	}{
		{
			name:    "preferred first",
			offered: []gpu.SurfaceFormat{{Format: gpu.FormatRGBA8, ColorSpace: srgb}, {Format: gpu.FormatBGRA8sRGB, ColorSpace: srgb}},
			want:    gpu.SurfaceFormat{Format: gpu.FormatBGRA8sRGB, ColorSpace: srgb},
		},
		{
			name:    "color space must match",
			offered: []gpu.SurfaceFormat{{Format: gpu.FormatBGRA8sRGB, ColorSpace: gpu.ColorSpaceOther}, {Format: gpu.FormatRGBA8sRGB, ColorSpace: srgb}},
			want:    gpu.SurfaceFormat{Format: gpu.FormatRGBA8sRGB, ColorSpace: srgb},
		},
		{
			name:    "fallback to first",
			offered: []gpu.SurfaceFormat{{Format: gpu.FormatRGB10A2, ColorSpace: gpu.ColorSpaceOther}, {Format: gpu.FormatRGBA16f, ColorSpace: srgb}},
			want:    gpu.SurfaceFormat{Format: gpu.FormatRGB10A2, ColorSpace: gpu.ColorSpaceOther},
		},
	}
	for _, tt := range tests {
		got, err := ChooseSurfaceFormat(tt.offered)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}

	_, err := ChooseSurfaceFormat(nil)
	if !errors.Is(err, ErrNoSurfaceFormat) || !IsFatal(err) {
		t.Fatalf("empty format list: got %v", err)
	}
}

func TestChoosePresentMode(t *testing.T) {
	all := []gpu.PresentMode{gpu.PresentFIFO, gpu.PresentMailbox, gpu.PresentImmediate}
	fifo := []gpu.PresentMode{gpu.PresentFIFO}
	tests := []struct {
		offered []gpu.PresentMode
		vsync   bool
		want    gpu.PresentMode
	}{
		{all, true, gpu.PresentMailbox},
		{all, false, gpu.PresentImmediate},
		{fifo, true, gpu.PresentFIFO},
		{fifo, false, gpu.PresentFIFO},
		{[]gpu.PresentMode{gpu.PresentFIFORelaxed, gpu.PresentImmediate}, true, gpu.PresentFIFO},
	}
	for _, tt := range tests {
		if got := ChoosePresentMode(tt.offered, tt.vsync); got != tt.want {
			t.Fatalf("ChoosePresentMode(%v, %v) = %v, want %v", tt.offered, tt.vsync, got, tt.want)
		}
	}
}

func TestChooseExtent(t *testing.T) {
	undefined := gpu.Extent{Width: gpu.UndefinedExtent, Height: gpu.UndefinedExtent}
	tests := []struct {
		current gpu.Extent
		w, h    int
		want    gpu.Extent
	}{
		{gpu.Extent{Width: 800, Height: 600}, 1024, 768, gpu.Extent{Width: 800, Height: 600}},
		{undefined, 1024, 768, gpu.Extent{Width: 1024, Height: 768}},
		{undefined, 8000, 0, gpu.Extent{Width: 4096, Height: 1}},
	}
	for _, tt := range tests {
		caps := &gpu.SurfaceCaps{
			Current:   tt.current,
			MinExtent: gpu.Extent{Width: 1, Height: 1},
			MaxExtent: gpu.Extent{Width: 4096, Height: 4096},
		}
		if got := ChooseExtent(caps, tt.w, tt.h); got != tt.want {
			t.Fatalf("ChooseExtent(%+v, %d, %d) = %+v, want %+v", tt.current, tt.w, tt.h, got, tt.want)
		}
	}
}

func newSwapchain(t *testing.T) (*Swapchain, *gputest.Device) {
	t.Helper()
	ctx, dev := newContext(t, gputest.DefaultConfig())
	sc, err := NewSwapchain(ctx, &testSurface{800, 600}, true)
	if err != nil {
		t.Fatalf("NewSwapchain: %v", err)
	}
	t.Cleanup(sc.Destroy)
	return sc, dev
}

func TestNewSwapchain(t *testing.T) {
	sc, dev := newSwapchain(t)
	if sc.Len() != 3 {
		t.Fatalf("%d images, want 3", sc.Len())
	}
	if sc.Format().Format != gpu.FormatBGRA8sRGB {
		t.Fatalf("format = %v", sc.Format())
	}
	if sc.PresentMode() != gpu.PresentMailbox {
		t.Fatalf("present mode = %v", sc.PresentMode())
	}
	if sc.Extent() != (gpu.Extent{Width: 800, Height: 600}) || sc.Current() != -1 || sc.Generation() != 1 {
		t.Fatalf("extent %+v current %d generation %d", sc.Extent(), sc.Current(), sc.Generation())
	}
	// One view per image.
	if n := dev.Live(); n != 1+3 {
		t.Fatalf("%d live objects, want 4", n)
	}
}

func TestSwapchainMinimized(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	caps := gputest.DefaultCaps()
	caps.Current = gpu.Extent{}
	dev.SetCaps(caps)
	_, err := NewSwapchain(ctx, &testSurface{}, true)
	if !errors.Is(err, ErrMinimized) {
		t.Fatalf("got %v, want ErrMinimized", err)
	}
	if len(dev.Swapchains()) != 0 {
		t.Fatalf("swapchain created for an empty window")
	}
}

func TestSwapchainRebuild(t *testing.T) {
	sc, dev := newSwapchain(t)
	old := sc.Handle()

	caps := gputest.DefaultCaps()
	caps.Current = gpu.Extent{Width: 1024, Height: 768}
	dev.SetCaps(caps)
	if err := sc.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	scs := dev.Swapchains()
	if len(scs) != 2 {
		t.Fatalf("%d swapchains created, want 2", len(scs))
	}
	if scs[1].Old != old {
		t.Fatalf("rebuild did not pass the old handle")
	}
	if !scs[0].Destroyed() || scs[1].Destroyed() {
		t.Fatalf("old destroyed %v, new destroyed %v", scs[0].Destroyed(), scs[1].Destroyed())
	}
	if sc.Extent() != caps.Current || sc.Generation() != 2 {
		t.Fatalf("extent %+v generation %d", sc.Extent(), sc.Generation())
	}
	if n := dev.Live(); n != 1+3 {
		t.Fatalf("%d live objects after rebuild, want 4", n)
	}
}

func TestSwapchainRebuildKeepsFormat(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	caps := gputest.DefaultCaps()
	caps.Formats = []gpu.SurfaceFormat{{Format: gpu.FormatRGBA8, ColorSpace: gpu.ColorSpaceSRGBNonlinear}}
	dev.SetCaps(caps)
	sc, err := NewSwapchain(ctx, &testSurface{800, 600}, false)
	if err != nil {
		t.Fatalf("NewSwapchain: %v", err)
	}
	defer sc.Destroy()

	caps.Formats = append([]gpu.SurfaceFormat{{Format: gpu.FormatBGRA8sRGB, ColorSpace: gpu.ColorSpaceSRGBNonlinear}}, caps.Formats...)
	dev.SetCaps(caps)
	if err := sc.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if sc.Format().Format != gpu.FormatRGBA8 {
		t.Fatalf("format changed to %v while still offered", sc.Format())
	}

	caps.Formats = caps.Formats[:1]
	dev.SetCaps(caps)
	if err := sc.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if sc.Format().Format != gpu.FormatBGRA8sRGB {
		t.Fatalf("format %v, want the newly chosen one", sc.Format())
	}
}

func TestSwapchainRebuildRollback(t *testing.T) {
	sc, dev := newSwapchain(t)
	old := sc.Handle()
	live := dev.Live()

	dev.FailViewAt(2)
	if err := sc.Rebuild(); err == nil {
		t.Fatalf("Rebuild succeeded despite a view failure")
	}
	if sc.Handle() != old || sc.Generation() != 1 || sc.Len() != 3 {
		t.Fatalf("previous swapchain not kept")
	}
	scs := dev.Swapchains()
	if !scs[1].Destroyed() {
		t.Fatalf("half-built swapchain leaked")
	}
	if n := dev.Live(); n != live {
		t.Fatalf("%d live objects after a failed rebuild, want %d", n, live)
	}
	dev.FailViewAt(0)
	if err := sc.Rebuild(); err != nil {
		t.Fatalf("Rebuild after failure: %v", err)
	}
}

func TestSwapchainFramebuffers(t *testing.T) {
	sc, dev := newSwapchain(t)
	pass, err := dev.NewRenderPass(&gpu.RenderPassDesc{Color: sc.Format().Format, Depth: gpu.FormatD32f, Samples: 1})
	if err != nil {
		t.Fatalf("NewRenderPass: %v", err)
	}
	defer pass.Destroy()

	var views []gpu.ImageView
	err = sc.CreateFramebuffers(pass, func(v gpu.ImageView) []gpu.ImageView {
		views = append(views, v)
		return []gpu.ImageView{v}
	})
	if err != nil {
		t.Fatalf("CreateFramebuffers: %v", err)
	}
	if len(views) != sc.Len() {
		t.Fatalf("attach called %d times for %d images", len(views), sc.Len())
	}
	for i := 0; i < sc.Len(); i++ {
		if sc.Framebuffer(i) == nil {
			t.Fatalf("framebuffer %d missing", i)
		}
	}
	live := dev.Live()
	if err := sc.CreateFramebuffers(pass, func(v gpu.ImageView) []gpu.ImageView { return []gpu.ImageView{v} }); err != nil {
		t.Fatalf("CreateFramebuffers: %v", err)
	}
	if n := dev.Live(); n != live {
		t.Fatalf("recreating framebuffers leaked %d objects", n-live)
	}
}

func TestSwapchainAcquire(t *testing.T) {
	sc, dev := newSwapchain(t)
	sem, err := dev.NewSemaphore()
	if err != nil {
		t.Fatalf("NewSemaphore: %v", err)
	}
	defer sem.Destroy()

	if i, err := sc.Acquire(sem); err != nil || i != 0 || sc.Current() != 0 {
		t.Fatalf("Acquire = %d, %v", i, err)
	}
	dev.PushAcquire(gpu.ErrSuboptimal)
	if i, err := sc.Acquire(sem); !errors.Is(err, gpu.ErrSuboptimal) || i != 1 {
		t.Fatalf("suboptimal Acquire = %d, %v", i, err)
	}
	dev.PushAcquire(gpu.ErrOutOfDate)
	if i, err := sc.Acquire(sem); !errors.Is(err, gpu.ErrOutOfDate) || i != -1 {
		t.Fatalf("out of date Acquire = %d, %v", i, err)
	}
	if sc.Current() != 1 {
		t.Fatalf("current = %d after a failed acquire", sc.Current())
	}
}

func TestSwapchainDestroyTwice(t *testing.T) {
	sc, dev := newSwapchain(t)
	sc.Destroy()
	sc.Destroy()
	if n := dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Fatalf("violations: %v", v)
	}
	if err := sc.Rebuild(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Rebuild after Destroy: %v", err)
	}
}
