package render

import (
	"image"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/image/draw"

	"Dragonfire/internal/gpu"
)

// MaxAnisotropy is the anisotropy requested for textures, clamped
// to what the device supports.
const MaxAnisotropy = 16

// TextureOptions control how a texture is uploaded and sampled.
type TextureOptions struct {
	// Mipmaps generates the mip chain on the CPU.
	Mipmaps bool
	// Linear stores the texels as UNORM instead of sRGB.
	Linear bool
	// Clamp clamps texture coordinates instead of repeating.
	Clamp bool
}

// TextureID is the handle of a texture. The zero TextureID is
// never assigned.
type TextureID uint32

// Texture is a sampled image.
type Texture struct {
	ID      TextureID
	Name    string
	Width   int
	Height  int
	Levels  int
	View    gpu.ImageView
	Sampler gpu.Sampler

	image *Resource
}

func (t *Texture) destroy() {
	t.Sampler.Destroy()
	t.View.Destroy()
	t.image.Destroy()
}

// MipLevels returns the length of the full mip chain of a w×h
// image.
func MipLevels(w, h int) int {
	return bits.Len(uint(max(w, h, 1)))
}

// MipChain returns img followed by successively halved copies of
// it down to 1×1.
func MipChain(img *image.RGBA) []*image.RGBA {
	chain := []*image.RGBA{img}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for w > 1 || h > 1 {
		w, h = max(w/2, 1), max(h/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		prev := chain[len(chain)-1]
		draw.BiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		chain = append(chain, next)
	}
	return chain
}

// CheckerPixels returns an n×n RGBA checkerboard of 1×1 cells.
func CheckerPixels(n int) []byte {
	p := make([]byte, n*n*4)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := byte(50)
			if (x+y)%2 == 0 {
				v = 255
			}
			o := (y*n + x) * 4
			p[o], p[o+1], p[o+2], p[o+3] = v, v, v, 255
		}
	}
	return p
}

// Textures loads and owns textures.
// It is safe for concurrent use.
type Textures struct {
	ctx   *DeviceContext
	alloc *Allocator
	up    *Uploader

	mu     sync.RWMutex
	next   TextureID
	byID   map[TextureID]*Texture
	byName map[string]*Texture
}

// NewTextures creates an empty texture registry.
func NewTextures(ctx *DeviceContext, alloc *Allocator, up *Uploader) *Textures {
	return &Textures{
		ctx:    ctx,
		alloc:  alloc,
		up:     up,
		byID:   make(map[TextureID]*Texture),
		byName: make(map[string]*Texture),
	}
}

// Load uploads w×h RGBA8 pixels as texture name, replacing any
// texture of that name. The replaced texture must not be in use by
// a frame in flight.
func (t *Textures) Load(name string, pixels []byte, w, h int, opts TextureOptions) (*Texture, error) {
	if w <= 0 || h <= 0 || len(pixels) != w*h*4 {
		return nil, errors.Newf("texture %q: %d bytes for %dx%d RGBA", name, len(pixels), w, h)
	}
	if lim := t.ctx.Limits.MaxImageDimension2D; lim > 0 && (w > lim || h > lim) {
		return nil, errors.Newf("texture %q: %dx%d exceeds the device limit of %d", name, w, h, lim)
	}

	base := &image.RGBA{Pix: pixels, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	chain := []*image.RGBA{base}
	if opts.Mipmaps {
		chain = MipChain(base)
	}

	// All levels share one staging buffer.
	var size int
	for _, m := range chain {
		size += len(m.Pix)
	}
	data := make([]byte, 0, size)
	regions := make([]gpu.BufferImageCopy, len(chain))
	for i, m := range chain {
		regions[i] = gpu.BufferImageCopy{
			Off:    int64(len(data)),
			Level:  i,
			Width:  m.Bounds().Dx(),
			Height: m.Bounds().Dy(),
		}
		data = append(data, m.Pix...)
	}

	format := gpu.FormatRGBA8sRGB
	if opts.Linear {
		format = gpu.FormatRGBA8
	}
	img, err := t.alloc.CreateImage(&gpu.ImageDesc{
		Format:  format,
		Width:   w,
		Height:  h,
		Levels:  len(chain),
		Samples: 1,
		Usage:   gpu.ImgTransferDst | gpu.ImgSampled,
	}, DeviceLocal)
	if err != nil {
		return nil, errors.Wrapf(err, "texture %q", name)
	}
	tex := &Texture{Name: name, Width: w, Height: h, Levels: len(chain), image: img}
	ok := false
	defer func() {
		if !ok {
			if tex.Sampler != nil {
				tex.Sampler.Destroy()
			}
			if tex.View != nil {
				tex.View.Destroy()
			}
			img.Destroy()
		}
	}()

	st, err := t.up.Staging(data)
	if err != nil {
		return nil, err
	}
	defer st.Destroy()
	err = t.up.Do(func(cmd gpu.CmdBuffer) {
		cmd.Barrier([]gpu.Transition{{
			Image: img.Image(), Aspect: gpu.AspectColor, Levels: len(chain),
			From: gpu.LayoutUndefined, To: gpu.LayoutTransferDst,
		}})
		cmd.CopyBufferToImage(img.Image(), st.Buffer(), regions)
		cmd.Barrier([]gpu.Transition{{
			Image: img.Image(), Aspect: gpu.AspectColor, Levels: len(chain),
			From: gpu.LayoutTransferDst, To: gpu.LayoutShaderRead,
		}})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "upload texture %q", name)
	}

	if tex.View, err = img.Image().NewView(gpu.AspectColor, len(chain)); err != nil {
		return nil, errors.Wrapf(err, "create view of texture %q", name)
	}
	var aniso float32
	if t.ctx.Adapter.Features.SamplerAnisotropy {
		aniso = min(MaxAnisotropy, t.ctx.Limits.MaxAnisotropy)
	}
	tex.Sampler, err = t.ctx.Device.NewSampler(&gpu.SamplerDesc{
		Anisotropy: aniso,
		Levels:     len(chain),
		Repeat:     !opts.Clamp,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create sampler of texture %q", name)
	}
	ok = true

	t.mu.Lock()
	t.next++
	tex.ID = t.next
	old := t.byName[name]
	if old != nil {
		delete(t.byID, old.ID)
	}
	t.byID[tex.ID] = tex
	t.byName[name] = tex
	t.mu.Unlock()
	if old != nil {
		old.destroy()
	}

	Logger().Debug("texture loaded", slog.String("texture", name),
		slog.Int("width", w), slog.Int("height", h), slog.Int("levels", len(chain)))
	return tex, nil
}

// Get returns the texture called name.
func (t *Textures) Get(name string) (*Texture, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tex, ok := t.byName[name]
	return tex, ok
}

// ByID returns the texture with the given ID.
func (t *Textures) ByID(id TextureID) (*Texture, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tex, ok := t.byID[id]
	return tex, ok
}

// Len returns the number of textures.
func (t *Textures) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Destroy destroys every texture. It is safe to call more than
// once.
func (t *Textures) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tex := range t.byID {
		tex.destroy()
		delete(t.byID, id)
	}
	clear(t.byName)
}
