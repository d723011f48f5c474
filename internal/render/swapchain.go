package render

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// AcquireTimeout bounds the wait for the next swapchain image.
const AcquireTimeout = time.Second

// ErrMinimized means the drawable area is empty, so no swapchain
// can be created until the window is resized.
var ErrMinimized = errors.New("render: drawable area is empty")

// SurfaceProvider is the window the renderer draws into.
// The renderer only asks it for its size; it never owns it.
type SurfaceProvider interface {
	// DrawableSize returns the size of the drawable area in
	// pixels.
	DrawableSize() (width, height int)
}

var preferredFormats = []gpu.Format{
	gpu.FormatBGRA8sRGB,
	gpu.FormatRGBA8sRGB,
	gpu.FormatBGRA8,
	gpu.FormatRGBA8,
}

// ChooseSurfaceFormat picks the first format of the preference
// list offered with the sRGB non-linear color space, falling back
// to the first format offered.
func ChooseSurfaceFormat(offered []gpu.SurfaceFormat) (gpu.SurfaceFormat, error) {
	if len(offered) == 0 {
		return gpu.SurfaceFormat{}, fatal(ErrNoSurfaceFormat)
	}
	for _, want := range preferredFormats {
		for _, f := range offered {
			if f.Format == want && f.ColorSpace == gpu.ColorSpaceSRGBNonlinear {
				return f, nil
			}
		}
	}
	return offered[0], nil
}

// ChoosePresentMode returns mailbox when vsync is on and immediate
// when it is off, falling back to FIFO if the preferred mode is not
// offered.
func ChoosePresentMode(offered []gpu.PresentMode, vsync bool) gpu.PresentMode {
	want := gpu.PresentImmediate
	if vsync {
		want = gpu.PresentMailbox
	}
	for _, m := range offered {
		if m == want {
			return m
		}
	}
	return gpu.PresentFIFO
}

// ImageCount asks for one more image than the driver minimum so
// that acquire does not stall on the presentation engine, within
// the driver maximum (zero means no maximum).
func ImageCount(min, max int) int {
	n := min + 1
	if max > 0 && n > max {
		n = max
	}
	return n
}

// ChooseExtent returns the current extent of the surface, or the
// drawable size clamped to the surface limits when the surface
// leaves it to the swapchain.
func ChooseExtent(caps *gpu.SurfaceCaps, width, height int) gpu.Extent {
	if caps.Current.Width != gpu.UndefinedExtent {
		return caps.Current
	}
	return gpu.Extent{
		Width:  clamp(width, caps.MinExtent.Width, caps.MaxExtent.Width),
		Height: clamp(height, caps.MinExtent.Height, caps.MaxExtent.Height),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// Swapchain owns the presentable images, their views and the
// framebuffers that target them.
// It is not safe for concurrent use: Rebuild and Destroy must not
// run while a frame that uses it is in flight.
type Swapchain struct {
	ctx     *DeviceContext
	surface SurfaceProvider
	vsync   bool

	handle       gpu.Swapchain
	format       gpu.SurfaceFormat
	extent       gpu.Extent
	mode         gpu.PresentMode
	images       []gpu.Image
	views        []gpu.ImageView
	framebuffers []gpu.Framebuffer

	generation int
	current    int
	destroyed  bool
}

// NewSwapchain creates a swapchain for the surface the device
// context presents to.
func NewSwapchain(ctx *DeviceContext, surface SurfaceProvider, vsync bool) (*Swapchain, error) {
	sc := &Swapchain{ctx: ctx, surface: surface, vsync: vsync, current: -1}
	if err := sc.build(); err != nil {
		return nil, err
	}
	return sc, nil
}

func destroyAll[T gpu.Destroyer](s []T) {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].Destroy()
	}
}

func (sc *Swapchain) build() error {
	dev := sc.ctx.Device
	caps, err := dev.SurfaceCaps()
	if err != nil {
		return errors.Wrap(err, "query surface capabilities")
	}

	format := sc.format
	if !sc.offered(caps.Formats) {
		if format, err = ChooseSurfaceFormat(caps.Formats); err != nil {
			return err
		}
	}
	w, h := sc.surface.DrawableSize()
	extent := ChooseExtent(&caps, w, h)
	if extent.Width <= 0 || extent.Height <= 0 {
		return ErrMinimized
	}
	desc := &gpu.SwapchainDesc{
		Images:      ImageCount(caps.MinImages, caps.MaxImages),
		Format:      format,
		Extent:      extent,
		PresentMode: ChoosePresentMode(caps.PresentModes, sc.vsync),
		Families:    []int{sc.ctx.Families.Graphics, sc.ctx.Families.Present},
	}

	handle, err := dev.NewSwapchain(desc, sc.handle)
	if err != nil {
		return errors.Wrap(err, "create swapchain")
	}
	images := handle.Images()
	views := make([]gpu.ImageView, 0, len(images))
	ok := false
	defer func() {
		if !ok {
			destroyAll(views)
			handle.Destroy()
		}
	}()
	for i, img := range images {
		v, err := img.NewView(gpu.AspectColor, 1)
		if err != nil {
			return errors.Wrapf(err, "create view of swapchain image %d", i)
		}
		views = append(views, v)
	}
	ok = true

	rebuilt := sc.handle != nil
	sc.release()
	sc.handle = handle
	sc.format = format
	sc.extent = extent
	sc.mode = desc.PresentMode
	sc.images = images
	sc.views = views
	sc.current = -1
	sc.generation++

	Logger().Info("swapchain created",
		slog.Int("images", len(images)),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
		slog.String("present mode", sc.mode.String()),
		slog.Bool("rebuilt", rebuilt))
	return nil
}

// offered reports whether the current format is still offered.
func (sc *Swapchain) offered(formats []gpu.SurfaceFormat) bool {
	if sc.handle == nil {
		return false
	}
	for _, f := range formats {
		if f == sc.format {
			return true
		}
	}
	return false
}

// release destroys the framebuffers, views and handle.
func (sc *Swapchain) release() {
	destroyAll(sc.framebuffers)
	destroyAll(sc.views)
	sc.framebuffers, sc.views, sc.images = nil, nil, nil
	if sc.handle != nil {
		sc.handle.Destroy()
		sc.handle = nil
	}
}

// Rebuild recreates the swapchain for the current surface size,
// passing the old handle to the new swapchain. Framebuffers are
// destroyed and must be recreated with CreateFramebuffers.
// On failure the previous swapchain is kept.
func (sc *Swapchain) Rebuild() error {
	if sc.destroyed {
		return ErrClosed
	}
	return sc.build()
}

// CreateFramebuffers creates one framebuffer per image.
// attach returns the attachments of the framebuffer that targets
// the given swapchain view.
func (sc *Swapchain) CreateFramebuffers(pass gpu.RenderPass, attach func(view gpu.ImageView) []gpu.ImageView) error {
	destroyAll(sc.framebuffers)
	sc.framebuffers = nil

	fbs := make([]gpu.Framebuffer, 0, len(sc.views))
	ok := false
	defer func() {
		if !ok {
			destroyAll(fbs)
		}
	}()
	for i, v := range sc.views {
		fb, err := sc.ctx.Device.NewFramebuffer(pass, attach(v), sc.extent.Width, sc.extent.Height)
		if err != nil {
			return errors.Wrapf(err, "create framebuffer %d", i)
		}
		fbs = append(fbs, fb)
	}
	ok = true
	sc.framebuffers = fbs
	return nil
}

// Acquire acquires the next image and arranges for signal to be
// signaled when it can be rendered to.
// ErrOutOfDate means the swapchain must be rebuilt. ErrSuboptimal
// comes with a usable index.
func (sc *Swapchain) Acquire(signal gpu.Semaphore) (int, error) {
	idx, err := sc.handle.Acquire(signal, AcquireTimeout)
	if err != nil && !errors.Is(err, gpu.ErrSuboptimal) {
		return -1, err
	}
	sc.current = idx
	return idx, err
}

// Present queues image index for presentation on the present
// queue once wait is signaled.
func (sc *Swapchain) Present(index int, wait gpu.Semaphore) error {
	return sc.ctx.PresentImage(sc.handle, index, []gpu.Semaphore{wait})
}

// Handle returns the current swapchain handle.
func (sc *Swapchain) Handle() gpu.Swapchain { return sc.handle }

// Format returns the surface format of the images.
func (sc *Swapchain) Format() gpu.SurfaceFormat { return sc.format }

// Extent returns the size of the images.
func (sc *Swapchain) Extent() gpu.Extent { return sc.extent }

// PresentMode returns the present mode in use.
func (sc *Swapchain) PresentMode() gpu.PresentMode { return sc.mode }

// Len returns the number of images.
func (sc *Swapchain) Len() int { return len(sc.images) }

// Framebuffer returns the framebuffer of image i, or nil if it has
// none.
func (sc *Swapchain) Framebuffer(i int) gpu.Framebuffer {
	if i < 0 || i >= len(sc.framebuffers) {
		return nil
	}
	return sc.framebuffers[i]
}

// Current returns the index set by the last acquire, or -1.
func (sc *Swapchain) Current() int { return sc.current }

// Generation is incremented by every successful build.
func (sc *Swapchain) Generation() int { return sc.generation }

// Destroy destroys the swapchain. It is safe to call more than once.
func (sc *Swapchain) Destroy() {
	if sc.destroyed {
		return
	}
	sc.destroyed = true
	sc.release()
}
