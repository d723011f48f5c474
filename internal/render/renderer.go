package render

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// DepthFormat is the format of the depth buffer.
const DepthFormat = gpu.FormatD32f

// DefaultTexture is the name of the texture bound to materials
// that were not given one.
const DefaultTexture = "default"

// MaxMaterials is the number of material descriptor sets a
// renderer can allocate.
const MaxMaterials = 256

// Options configure a Renderer.
type Options struct {
	VSync          bool
	MSAA           int
	FramesInFlight int
	Workers        int

	// CacheDir is where the pipeline cache is kept. Empty
	// disables the cache file.
	CacheDir string

	BlockSize     int64
	ArenaVertices int
	ArenaIndices  int
	ClearColor    mgl32.Vec4

	// Requirements defaults to DefaultRequirements.
	Requirements *Requirements
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		VSync:          true,
		MSAA:           1,
		FramesInFlight: DefaultFramesInFlight,
		ClearColor:     mgl32.Vec4{0.05, 0.05, 0.08, 1},
	}
}

// View is what the scene provides each frame besides its draw
// list.
type View struct {
	View       mgl32.Mat4
	Proj       mgl32.Mat4
	Eye        mgl32.Vec3
	LightDir   mgl32.Vec3
	LightColor mgl32.Vec3
	Ambient    float32
}

// UniformSize is the size of the packed per-frame uniforms:
// view, projection and view-projection matrices, then the eye
// position, light direction and light color as vec4s, the last
// one carrying the ambient term in w.
const UniformSize = 3*64 + 3*16

// Pack writes the per-frame uniforms into b, which holds at least
// UniformSize bytes.
func (v *View) Pack(b []byte) {
	vp := v.Proj.Mul4(v.View)
	putFloats(b, v.View[:]...)
	putFloats(b[64:], v.Proj[:]...)
	putFloats(b[128:], vp[:]...)
	eye := v.Eye.Vec4(1)
	light := v.LightDir.Vec4(0)
	color := v.LightColor.Vec4(v.Ambient)
	putFloats(b[192:], eye[:]...)
	putFloats(b[208:], light[:]...)
	putFloats(b[224:], color[:]...)
}

// Stats is a snapshot of renderer counters.
type Stats struct {
	Frames        uint64
	Presented     uint64
	Skipped       int64
	FailedWorkers int64
	Rebuilds      int
	LastFrame     time.Duration
	AverageFrame  time.Duration
	Memory        AllocStats
}

// Renderer owns every rendering component. Render, Resize and
// Destroy must be called from one goroutine; resource creation
// (CreateMesh, LoadTexture, CreatePipeline and friends) may
// happen on any goroutine.
type Renderer struct {
	opts Options
	log  *slog.Logger

	ctx      *DeviceContext
	alloc    *Allocator
	sc       *Swapchain
	pass     gpu.RenderPass
	samples  int
	factory  *PipelineFactory
	up       *Uploader
	meshes   *MeshArena
	textures *Textures
	pres     *Presenter
	sched    *Scheduler
	pool     *WorkerPool

	depth     *Resource
	depthView gpu.ImageView
	msaa      *Resource
	msaaView  gpu.ImageView

	matLayout gpu.SetLayout
	matPool   gpu.DescriptorPool
	matMu     sync.RWMutex
	materials map[string]gpu.DescriptorSet
	defMat    gpu.DescriptorSet

	ubo       [UniformSize]byte
	resized   atomic.Bool
	rebuilds  int
	destroyed bool
}

// New creates a renderer drawing into surface with the device
// selected from inst. Errors marked fatal (see IsFatal) mean the
// process cannot render at all.
func New(inst gpu.Instance, surface SurfaceProvider, opts Options) (*Renderer, error) {
	if opts.FramesInFlight <= 0 {
		opts.FramesInFlight = DefaultFramesInFlight
	}
	r := &Renderer{opts: opts, log: Logger(), materials: make(map[string]gpu.DescriptorSet)}
	if err := r.init(inst, surface); err != nil {
		r.Destroy()
		return nil, err
	}
	return r, nil
}

func (r *Renderer) init(inst gpu.Instance, surface SurfaceProvider) error {
	var err error
	if r.ctx, err = Initialize(inst, r.opts.Requirements); err != nil {
		return err
	}
	dev := r.ctx.Device
	if r.alloc, err = NewAllocator(dev, r.ctx.Limits, r.opts.BlockSize); err != nil {
		return fatal(err)
	}
	if r.sc, err = NewSwapchain(r.ctx, surface, r.opts.VSync); err != nil {
		return fatal(err)
	}

	r.samples = r.ctx.Samples(max(1, r.opts.MSAA))
	if r.samples != max(1, r.opts.MSAA) {
		r.log.Warn("anti-aliasing level not supported", slog.Int("wanted", r.opts.MSAA), slog.Int("using", r.samples))
	}
	r.pass, err = dev.NewRenderPass(&gpu.RenderPassDesc{
		Color:   r.sc.Format().Format,
		Depth:   DepthFormat,
		Samples: r.samples,
	})
	if err != nil {
		return errors.Wrap(err, "create render pass")
	}

	cachePath := ""
	if r.opts.CacheDir != "" {
		cachePath = filepath.Join(r.opts.CacheDir, CacheFileName)
	}
	r.factory = NewPipelineFactory(dev, cachePath)
	r.factory.SetTarget(r.pass, r.samples)

	if r.up, err = NewUploader(r.ctx, r.alloc); err != nil {
		return err
	}
	if r.meshes, err = NewMeshArena(r.alloc, r.up, r.opts.ArenaVertices, r.opts.ArenaIndices); err != nil {
		return err
	}
	r.textures = NewTextures(r.ctx, r.alloc, r.up)
	if err := r.initMaterials(); err != nil {
		return err
	}

	if err := r.createTargets(); err != nil {
		return err
	}

	frames := r.opts.FramesInFlight
	r.pres = NewPresenter(r.ctx, frames)
	if r.sched, err = NewScheduler(r.ctx, r.alloc, r.pres, frames, UniformSize); err != nil {
		return err
	}
	r.sched.ResetImages(r.sc.Len())
	if r.pool, err = NewWorkerPool(r.ctx, r.opts.Workers, frames, r.recordDraw); err != nil {
		return err
	}

	r.log.Info("renderer ready",
		slog.Int("frames in flight", frames),
		slog.Int("workers", r.pool.Len()),
		slog.Int("samples", r.samples))
	return nil
}

func (r *Renderer) initMaterials() error {
	dev := r.ctx.Device
	var err error
	r.matLayout, err = dev.NewSetLayout([]gpu.Binding{{
		Set:     1,
		Binding: 0,
		Type:    gpu.DescCombinedImageSampler,
		Count:   1,
		Stages:  gpu.ShaderVertex | gpu.ShaderFragment,
	}})
	if err != nil {
		return errors.Wrap(err, "create material set layout")
	}
	r.matPool, err = dev.NewDescriptorPool(MaxMaterials, []gpu.PoolSize{{Type: gpu.DescCombinedImageSampler, Count: MaxMaterials}})
	if err != nil {
		return errors.Wrap(err, "create material descriptor pool")
	}
	tex, err := r.textures.Load(DefaultTexture, CheckerPixels(8), 8, 8, TextureOptions{})
	if err != nil {
		return err
	}
	if r.defMat, err = r.matPool.Alloc(r.matLayout); err != nil {
		return errors.Wrap(err, "allocate default material set")
	}
	r.defMat.WriteImage(0, tex.View, tex.Sampler)
	return nil
}

// createTargets creates the depth buffer, the multisampled color
// target and the framebuffers for the current swapchain extent.
// On failure nothing it created is left behind.
func (r *Renderer) createTargets() (err error) {
	defer func() {
		if err != nil {
			r.destroyTargets()
		}
	}()
	ext := r.sc.Extent()
	r.depth, err = r.alloc.CreateImage(&gpu.ImageDesc{
		Format:  DepthFormat,
		Width:   ext.Width,
		Height:  ext.Height,
		Levels:  1,
		Samples: r.samples,
		Usage:   gpu.ImgDepthTarget,
	}, DeviceLocal, WithPriority(ResidentPriority))
	if err != nil {
		return errors.Wrap(err, "create depth buffer")
	}
	if r.depthView, err = r.depth.Image().NewView(gpu.AspectDepth, 1); err != nil {
		return errors.Wrap(err, "create depth buffer view")
	}
	if r.samples > 1 {
		r.msaa, err = r.alloc.CreateImage(&gpu.ImageDesc{
			Format:  r.sc.Format().Format,
			Width:   ext.Width,
			Height:  ext.Height,
			Levels:  1,
			Samples: r.samples,
			Usage:   gpu.ImgColorTarget | gpu.ImgTransient,
		}, DeviceLocal, WithPriority(ResidentPriority))
		if err != nil {
			return errors.Wrap(err, "create multisampled color target")
		}
		if r.msaaView, err = r.msaa.Image().NewView(gpu.AspectColor, 1); err != nil {
			return errors.Wrap(err, "create multisampled color target view")
		}
	}
	return r.sc.CreateFramebuffers(r.pass, func(view gpu.ImageView) []gpu.ImageView {
		if r.samples > 1 {
			return []gpu.ImageView{r.msaaView, r.depthView, view}
		}
		return []gpu.ImageView{view, r.depthView}
	})
}

func (r *Renderer) destroyTargets() {
	if r.msaaView != nil {
		r.msaaView.Destroy()
		r.msaaView = nil
	}
	r.msaa.Destroy()
	r.msaa = nil
	if r.depthView != nil {
		r.depthView.Destroy()
		r.depthView = nil
	}
	r.depth.Destroy()
	r.depth = nil
}

// rebuild recreates the swapchain and everything sized after it
// once no frame is in flight.
func (r *Renderer) rebuild() error {
	if err := r.pres.Wait(); err != nil {
		return err
	}
	if err := r.sched.WaitAll(); err != nil {
		return err
	}
	if err := r.ctx.WaitIdle(); err != nil {
		return errors.Wrap(err, "wait idle before swapchain rebuild")
	}
	format := r.sc.Format()
	if err := r.sc.Rebuild(); err != nil {
		return err
	}
	if r.sc.Format().Format != format.Format {
		// Every pipeline was created for the old format.
		return fatal(errors.Newf("render: surface format changed from %d to %d", format.Format, r.sc.Format().Format))
	}
	r.destroyTargets()
	if err := r.createTargets(); err != nil {
		return err
	}
	r.sched.ResetImages(r.sc.Len())
	r.rebuilds++
	return nil
}

// Resize tells the renderer the drawable size changed. The
// swapchain is rebuilt before the next frame.
// It may be called from any goroutine.
func (r *Renderer) Resize() {
	r.resized.Store(true)
}

// Render draws one frame. Items that cannot be drawn are skipped.
// A frame that cannot be drawn because the window is minimized is
// dropped without error.
func (r *Renderer) Render(view *View, items []DrawItem) error {
	if r.destroyed {
		return ErrClosed
	}
	if err := r.pres.Err(); err != nil {
		return err
	}
	if r.pres.NeedsRebuild() || r.resized.Load() {
		r.resized.Store(false)
		if err := r.rebuild(); err != nil {
			return r.retryRebuild(err)
		}
	}

	slot, err := r.sched.BeginFrame()
	if err != nil {
		return err
	}
	image, err := r.sc.Acquire(slot.ImageReady)
	if errors.Is(err, gpu.ErrOutOfDate) {
		if err := r.sched.Abandon(slot, false); err != nil {
			return err
		}
		if err := r.rebuild(); err != nil {
			return r.retryRebuild(err)
		}
		if slot, err = r.sched.BeginFrame(); err != nil {
			return err
		}
		image, err = r.sc.Acquire(slot.ImageReady)
	}
	switch {
	case err == nil:
	case errors.Is(err, gpu.ErrSuboptimal):
		r.pres.RequestRebuild()
	default:
		return errors.CombineErrors(errors.Wrap(err, "acquire swapchain image"), r.sched.Abandon(slot, false))
	}

	if err := r.record(slot, image, view, items); err != nil {
		// The acquired image is never presented.
		r.pres.RequestRebuild()
		return errors.CombineErrors(err, r.sched.Abandon(slot, true))
	}
	if err := r.sched.SubmitFrame(slot, image, r.sc.Handle()); err != nil {
		return err
	}
	r.sched.EndFrame()
	return nil
}

// retryRebuild arms a new rebuild attempt for the next frame after
// a failed one. A minimized window is not an error.
func (r *Renderer) retryRebuild(err error) error {
	r.resized.Store(true)
	if errors.Is(err, ErrMinimized) {
		return nil
	}
	return errors.Wrap(err, "rebuild swapchain")
}

func (r *Renderer) record(slot *FrameSlot, image int, view *View, items []DrawItem) error {
	fb := r.sc.Framebuffer(image)
	if fb == nil {
		return errors.Newf("render: no framebuffer for swapchain image %d", image)
	}
	if err := r.sched.WaitImage(slot, image); err != nil {
		return err
	}
	view.Pack(r.ubo[:])
	if err := r.sched.WriteUniforms(slot, r.ubo[:]); err != nil {
		return err
	}
	ext := r.sc.Extent()
	target := &Target{
		Pass:        r.pass,
		Framebuffer: fb,
		Extent:      ext,
		FrameSet:    slot.Set,
	}
	secs, err := r.pool.Dispatch(slot.Index, items, target)
	if err != nil {
		return err
	}

	cmd := slot.Primary
	if err := cmd.Begin(nil); err != nil {
		return errors.Wrap(err, "begin frame command buffer")
	}
	cmd.BeginPass(r.pass, target.Framebuffer, gpu.Rect{Width: ext.Width, Height: ext.Height},
		gpu.ClearValue{Color: r.opts.ClearColor, Depth: 1}, true)
	if len(secs) > 0 {
		cmd.Execute(secs)
	}
	cmd.EndPass()
	if err := cmd.End(); err != nil {
		return errors.Wrap(err, "end frame command buffer")
	}
	return nil
}

// recordDraw is the DrawRecorder of the renderer's worker pool.
func (r *Renderer) recordDraw(cmd gpu.CmdBuffer, st *RecordState, item *DrawItem) error {
	p, ok := r.factory.Pipeline(item.Material)
	if !ok {
		return errors.Wrapf(ErrNotFound, "material %q", item.Material)
	}
	mesh, ok := r.meshes.Mesh(item.Mesh)
	if !ok {
		return errors.Wrapf(ErrNotFound, "mesh %d", item.Mesh)
	}
	if st.Pipeline != p {
		if st.Pipeline == nil {
			r.meshes.Bind(cmd)
		}
		cmd.BindPipeline(p.Handle)
		if p.Layout.HasSet(0) {
			cmd.BindDescriptorSet(p.Layout.Handle, 0, st.Target.FrameSet, nil)
		}
		if p.Layout.HasSet(1) {
			cmd.BindDescriptorSet(p.Layout.Handle, 1, r.material(item.Material), nil)
		}
		st.Pipeline = p
	}
	if len(p.Layout.Push) > 0 && p.Layout.Push[0].Size >= 64 {
		var m [64]byte
		putFloats(m[:], item.Transform[:]...)
		cmd.PushConstants(p.Layout.Handle, p.Layout.Push[0].Stages, 0, m[:])
	}
	mesh.Draw(cmd)
	return nil
}

func (r *Renderer) material(name string) gpu.DescriptorSet {
	r.matMu.RLock()
	defer r.matMu.RUnlock()
	if ds, ok := r.materials[name]; ok {
		return ds
	}
	return r.defMat
}

// SetMaterialTexture binds texture to material. Every call
// allocates a new descriptor set, so sets used by frames in flight
// are never written.
func (r *Renderer) SetMaterialTexture(material, texture string) error {
	tex, ok := r.textures.Get(texture)
	if !ok {
		return errors.Wrapf(ErrNotFound, "texture %q", texture)
	}
	r.matMu.Lock()
	defer r.matMu.Unlock()
	ds, err := r.matPool.Alloc(r.matLayout)
	if err != nil {
		return errors.Wrapf(err, "allocate set of material %q", material)
	}
	ds.WriteImage(0, tex.View, tex.Sampler)
	r.materials[material] = ds
	return nil
}

// CreateMesh uploads a mesh.
func (r *Renderer) CreateMesh(name string, vertices []Vertex, indices []uint32) (MeshID, error) {
	return r.meshes.Create(name, vertices, indices)
}

// Mesh returns the ID of the mesh called name.
func (r *Renderer) Mesh(name string) (MeshID, bool) {
	return r.meshes.Lookup(name)
}

// LoadTexture uploads a w×h RGBA8 texture.
func (r *Renderer) LoadTexture(name string, pixels []byte, w, h int, opts TextureOptions) (*Texture, error) {
	return r.textures.Load(name, pixels, w, h, opts)
}

// LoadTextureFile reads an image file with ReadImage and uploads
// it as a texture.
func (r *Renderer) LoadTextureFile(name, path string, opts TextureOptions) (*Texture, error) {
	pixels, w, h, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	return r.textures.Load(name, pixels, w, h, opts)
}

// LoadShaders loads every shader of dir.
func (r *Renderer) LoadShaders(dir string) (int, error) {
	return r.factory.LoadShaders(dir)
}

// AddWGSL compiles and adds a WGSL shader.
func (r *Renderer) AddWGSL(name, src string) error {
	return r.factory.AddWGSL(name, src)
}

// CreatePipeline creates the pipeline of an effect. Draw items
// select it by the effect's name.
func (r *Renderer) CreatePipeline(e *Effect) (*Pipeline, error) {
	return r.factory.CreateGraphicsPipeline(e)
}

// LoadEffects creates the pipeline of every effect in dir and
// returns how many were created. Effects that fail are logged and
// skipped.
func (r *Renderer) LoadEffects(dir string) (int, error) {
	effects, err := LoadEffects(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range effects {
		if _, err := r.factory.CreateGraphicsPipeline(e); err != nil {
			r.log.Warn("effect skipped", slog.String("effect", e.Name), errAttr(err))
			continue
		}
		n++
	}
	return n, nil
}

// Extent returns the size of the swapchain images.
func (r *Renderer) Extent() gpu.Extent { return r.sc.Extent() }

// Swapchain returns the renderer's swapchain.
func (r *Renderer) Swapchain() *Swapchain { return r.sc }

// Allocator returns the renderer's memory allocator.
func (r *Renderer) Allocator() *Allocator { return r.alloc }

// Stats returns a snapshot of the renderer counters.
func (r *Renderer) Stats() Stats {
	fs := r.sched.Stats()
	return Stats{
		Frames:        fs.Frames,
		Presented:     r.pres.Presented(),
		Skipped:       r.pool.Skipped(),
		FailedWorkers: r.pool.Failed(),
		Rebuilds:      r.rebuilds,
		LastFrame:     fs.Last,
		AverageFrame:  fs.Average,
		Memory:        r.alloc.Stats(),
	}
}

// Destroy stops the render and presentation threads, waits for
// the device to be idle and destroys everything, saving the
// pipeline cache. It is safe to call more than once.
func (r *Renderer) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true

	if r.pool != nil {
		r.pool.Close()
	}
	if r.pres != nil {
		if err := r.pres.Stop(DefaultStopTimeout); err != nil {
			r.log.Error("stop presentation thread", errAttr(err))
		}
	}
	if r.sched != nil {
		if err := r.sched.WaitAll(); err != nil {
			r.log.Error("wait for frames in flight", errAttr(err))
		}
	}
	if r.ctx == nil {
		return
	}
	if err := r.ctx.WaitIdle(); err != nil {
		r.log.Error("wait idle before shutdown", errAttr(err))
	}

	if r.pool != nil {
		r.pool.Destroy()
	}
	if r.sched != nil {
		r.sched.Destroy()
	}
	if r.matPool != nil {
		r.matPool.Destroy()
	}
	if r.matLayout != nil {
		r.matLayout.Destroy()
	}
	if r.textures != nil {
		r.textures.Destroy()
	}
	if r.meshes != nil {
		r.meshes.Destroy()
	}
	if r.up != nil {
		r.up.Destroy()
	}
	r.destroyTargets()
	if r.sc != nil {
		r.sc.Destroy()
	}
	if r.factory != nil {
		r.factory.Destroy()
	}
	if r.pass != nil {
		r.pass.Destroy()
	}
	if r.alloc != nil {
		r.alloc.Destroy()
	}
	r.ctx.Destroy()
	r.log.Info("renderer destroyed")
}
