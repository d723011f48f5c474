package render

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// CacheFileName is the name of the pipeline cache file in the
// cache directory.
const CacheFileName = "pipeline.cache"

const (
	cacheMagic   = "DFPC"
	cacheVersion = 1
	cacheHeader  = 16
)

// ErrBadCache means the pipeline cache file is not usable.
var ErrBadCache = errors.New("render: invalid pipeline cache file")

// EncodeCache frames a pipeline cache blob with a magic number,
// a version and a checksum.
func EncodeCache(payload []byte) []byte {
	b := make([]byte, cacheHeader+len(payload))
	copy(b, cacheMagic)
	binary.LittleEndian.PutUint32(b[4:], cacheVersion)
	binary.LittleEndian.PutUint32(b[8:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[12:], crc32.ChecksumIEEE(payload))
	copy(b[cacheHeader:], payload)
	return b
}

// DecodeCache returns the blob framed by EncodeCache.
func DecodeCache(b []byte) ([]byte, error) {
	if len(b) < cacheHeader || !bytes.Equal(b[:4], []byte(cacheMagic)) {
		return nil, errors.Wrap(ErrBadCache, "bad magic")
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != cacheVersion {
		return nil, errors.Wrapf(ErrBadCache, "version %d", v)
	}
	n := binary.LittleEndian.Uint32(b[8:])
	payload := b[cacheHeader:]
	if uint32(len(payload)) != n {
		return nil, errors.Wrapf(ErrBadCache, "payload is %d bytes, header says %d", len(payload), n)
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(b[12:]) {
		return nil, errors.Wrap(ErrBadCache, "checksum mismatch")
	}
	return payload, nil
}

// Shader is a loaded shader module.
type Shader struct {
	Name   string
	Module gpu.ShaderModule
	Refl   *Reflection
}

// Layout is a pipeline layout shared by every pipeline with the
// same binding shape.
type Layout struct {
	Hash     uint64
	Bindings []gpu.Binding
	Push     []gpu.PushRange
	Sets     []gpu.SetLayout
	Handle   gpu.PipelineLayout
}

// HasSet reports whether the layout has bindings in set.
func (l *Layout) HasSet(set int) bool {
	for _, b := range l.Bindings {
		if b.Set == set {
			return true
		}
	}
	return false
}

// Pipeline is a graphics pipeline created from an Effect.
type Pipeline struct {
	Effect Effect
	Handle gpu.Pipeline
	Layout *Layout
}

// PipelineFactory loads shaders and creates pipelines, caching
// layouts by shape and pipelines by effect name.
// It is safe for concurrent use.
type PipelineFactory struct {
	dev       gpu.Device
	cachePath string
	log       *slog.Logger

	cacheOnce sync.Once
	cache     gpu.PipelineCache
	cacheErr  error

	mu        sync.RWMutex
	pass      gpu.RenderPass
	samples   int
	shaders   map[string]*Shader
	layouts   map[uint64][]*Layout
	pipelines map[string]*Pipeline
	destroyed bool
}

// NewPipelineFactory creates a factory. The pipeline cache is
// read from cachePath the first time shaders are loaded and
// written back to it by Destroy. An empty cachePath disables
// persistence.
func NewPipelineFactory(dev gpu.Device, cachePath string) *PipelineFactory {
	return &PipelineFactory{
		dev:       dev,
		cachePath: cachePath,
		log:       Logger(),
		samples:   1,
		shaders:   make(map[string]*Shader),
		layouts:   make(map[uint64][]*Layout),
		pipelines: make(map[string]*Pipeline),
	}
}

// SetTarget sets the render pass pipelines are created for.
func (f *PipelineFactory) SetTarget(pass gpu.RenderPass, samples int) {
	f.mu.Lock()
	f.pass, f.samples = pass, max(1, samples)
	f.mu.Unlock()
}

func (f *PipelineFactory) loadCache() {
	var initial []byte
	if f.cachePath != "" {
		b, err := os.ReadFile(f.cachePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			f.log.Info("no pipeline cache, starting cold", slog.String("path", f.cachePath))
		case err != nil:
			f.log.Warn("pipeline cache unreadable, starting cold", slog.String("path", f.cachePath), errAttr(err))
		default:
			if initial, err = DecodeCache(b); err != nil {
				f.log.Warn("pipeline cache invalid, starting cold", slog.String("path", f.cachePath), errAttr(err))
				initial = nil
			}
		}
	}
	cache, err := f.dev.NewPipelineCache(initial)
	if err != nil && initial != nil {
		f.log.Warn("pipeline cache rejected by the device, starting cold", errAttr(err))
		cache, err = f.dev.NewPipelineCache(nil)
	}
	if err != nil {
		f.cacheErr = errors.Wrap(err, "create pipeline cache")
		return
	}
	f.cache = cache
	f.log.Debug("pipeline cache created", slog.Int("bytes", len(initial)))
}

func (f *PipelineFactory) ensureCache() error {
	f.cacheOnce.Do(f.loadCache)
	return f.cacheErr
}

// LoadShaders loads every .spv and .wgsl file of dir. Shaders are
// named after their file name without the extension. A file that
// fails to load is logged and skipped. The returned count is the
// number of shaders loaded.
func (f *PipelineFactory) LoadShaders(dir string) (int, error) {
	if err := f.ensureCache(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "list shaders in %s", dir)
	}
	n, skipped := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		ext := filepath.Ext(file)
		name := strings.TrimSuffix(file, ext)
		path := filepath.Join(dir, file)
		switch ext {
		case ".spv":
			code, err := os.ReadFile(path)
			if err == nil {
				err = f.AddShader(name, code)
			}
			if err != nil {
				f.log.Warn("shader skipped", slog.String("file", path), errAttr(err))
				skipped++
				continue
			}
		case ".wgsl":
			src, err := os.ReadFile(path)
			if err == nil {
				err = f.AddWGSL(name, string(src))
			}
			if err != nil {
				f.log.Warn("shader skipped", slog.String("file", path), errAttr(err))
				skipped++
				continue
			}
		default:
			continue
		}
		n++
	}
	f.log.Info("shaders loaded", slog.String("dir", dir), slog.Int("loaded", n), slog.Int("skipped", skipped))
	return n, nil
}

// AddShader creates a shader module from SPIR-V code.
// A shader with the same name is replaced; pipelines already
// created keep using the old module.
func (f *PipelineFactory) AddShader(name string, code []byte) error {
	refl, err := ReflectSPIRV(code)
	if err != nil {
		return err
	}
	mod, err := f.dev.NewShaderModule(code)
	if err != nil {
		return errors.Wrapf(err, "create shader module %s", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		mod.Destroy()
		return ErrClosed
	}
	if old, ok := f.shaders[name]; ok {
		old.Module.Destroy()
	}
	f.shaders[name] = &Shader{Name: name, Module: mod, Refl: refl}
	return nil
}

// AddWGSL compiles WGSL source to SPIR-V and adds it as a shader.
func (f *PipelineFactory) AddWGSL(name, src string) error {
	code, err := naga.Compile(src)
	if err != nil {
		return errors.Wrapf(err, "compile %s", name)
	}
	return f.AddShader(name, code)
}

// Shader returns the shader with the given name.
func (f *PipelineFactory) Shader(name string) (*Shader, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.shaders[name]
	return s, ok
}

// MergeBindings merges bindings that refer to the same set and
// binding. Every binding is made visible to all of stages so that
// set layouts only depend on the binding shape.
func MergeBindings(stages gpu.ShaderStage, lists ...[]gpu.Binding) ([]gpu.Binding, error) {
	type key struct{ set, binding int }
	m := make(map[key]gpu.Binding)
	for _, l := range lists {
		for _, b := range l {
			k := key{b.Set, b.Binding}
			if prev, ok := m[k]; ok {
				if prev.Type != b.Type || prev.Count != b.Count {
					return nil, errors.Newf("set %d binding %d declared with different types", b.Set, b.Binding)
				}
				continue
			}
			b.Stages = stages
			m[k] = b
		}
	}
	s := make([]gpu.Binding, 0, len(m))
	for _, b := range m {
		s = append(s, b)
	}
	sort.Slice(s, func(i, j int) bool {
		if s[i].Set != s[j].Set {
			return s[i].Set < s[j].Set
		}
		return s[i].Binding < s[j].Binding
	})
	return s, nil
}

// LayoutHash hashes the shape of a pipeline layout. Bindings must
// be sorted as MergeBindings sorts them.
func LayoutHash(bindings []gpu.Binding, push []gpu.PushRange) uint64 {
	h := fnv.New64a()
	var b [4]byte
	put := func(v int) {
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		h.Write(b[:])
	}
	put(len(bindings))
	for _, x := range bindings {
		put(x.Set)
		put(x.Binding)
		put(int(x.Type))
		put(x.Count)
		put(int(x.Stages))
	}
	put(len(push))
	for _, p := range push {
		put(int(p.Stages))
		put(p.Offset)
		put(p.Size)
	}
	return h.Sum64()
}

// layoutHash is LayoutHash; tests replace it to force collisions.
var layoutHash = LayoutHash

// same reports whether l has exactly the given shape.
func (l *Layout) same(bindings []gpu.Binding, push []gpu.PushRange) bool {
	return slices.Equal(l.Bindings, bindings) && slices.Equal(l.Push, push)
}

// lookupLayout returns the memoized layout of the shape.
// f.mu must be held.
func (f *PipelineFactory) lookupLayout(hash uint64, bindings []gpu.Binding, push []gpu.PushRange) (*Layout, bool) {
	for _, l := range f.layouts[hash] {
		if l.same(bindings, push) {
			return l, true
		}
	}
	return nil, false
}

// layout returns the memoized layout for the shape, creating it
// if needed.
func (f *PipelineFactory) layout(bindings []gpu.Binding, push []gpu.PushRange) (*Layout, error) {
	hash := layoutHash(bindings, push)
	f.mu.RLock()
	l, ok := f.lookupLayout(hash, bindings, push)
	f.mu.RUnlock()
	if ok {
		return l, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lookupLayout(hash, bindings, push); ok {
		return l, nil
	}
	nsets := 0
	for _, b := range bindings {
		nsets = max(nsets, b.Set+1)
	}
	sets := make([]gpu.SetLayout, 0, nsets)
	ok = false
	defer func() {
		if !ok {
			destroyAll(sets)
		}
	}()
	for i := 0; i < nsets; i++ {
		var bs []gpu.Binding
		for _, b := range bindings {
			if b.Set == i {
				bs = append(bs, b)
			}
		}
		sl, err := f.dev.NewSetLayout(bs)
		if err != nil {
			return nil, errors.Wrapf(err, "create layout of set %d", i)
		}
		sets = append(sets, sl)
	}
	h, err := f.dev.NewPipelineLayout(sets, push)
	if err != nil {
		return nil, errors.Wrap(err, "create pipeline layout")
	}
	ok = true
	l = &Layout{Hash: hash, Bindings: bindings, Push: push, Sets: sets, Handle: h}
	f.layouts[hash] = append(f.layouts[hash], l)
	f.log.Debug("pipeline layout created", slog.Uint64("hash", hash), slog.Int("sets", nsets))
	return l, nil
}

// CreateGraphicsPipeline creates the pipeline of an effect, or
// returns the one already created for the effect's name.
func (f *PipelineFactory) CreateGraphicsPipeline(e *Effect) (*Pipeline, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := f.ensureCache(); err != nil {
		return nil, err
	}
	if p, ok := f.Pipeline(e.Name); ok {
		return p, nil
	}

	f.mu.RLock()
	pass, samples, closed := f.pass, f.samples, f.destroyed
	f.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if pass == nil {
		return nil, errors.New("render: pipeline factory has no target render pass")
	}

	stageOrder := make([]gpu.ShaderStage, 0, len(e.Stages))
	for st := range e.Stages {
		stageOrder = append(stageOrder, st)
	}
	sort.Slice(stageOrder, func(i, j int) bool { return stageOrder[i] < stageOrder[j] })

	var (
		infos []gpu.ShaderStageInfo
		lists [][]gpu.Binding
		all   gpu.ShaderStage
		push  int
	)
	for _, st := range stageOrder {
		name := e.Stages[st]
		sh, ok := f.Shader(name)
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "effect %s: shader %s", e.Name, name)
		}
		entry, ok := sh.Refl.Entry(st)
		if !ok {
			return nil, errors.Newf("effect %s: shader %s has no %s entry point", e.Name, name, st)
		}
		infos = append(infos, gpu.ShaderStageInfo{Stage: st, Module: sh.Module, Entry: entry})
		lists = append(lists, sh.Refl.Bindings)
		all |= st
		push = max(push, sh.Refl.PushSize)
	}
	bindings, err := MergeBindings(all, lists...)
	if err != nil {
		return nil, errors.Wrapf(err, "effect %s", e.Name)
	}
	var ranges []gpu.PushRange
	if push > 0 {
		ranges = []gpu.PushRange{{Stages: all, Offset: 0, Size: push}}
	}
	layout, err := f.layout(bindings, ranges)
	if err != nil {
		return nil, errors.Wrapf(err, "effect %s", e.Name)
	}

	state := &gpu.GraphicsState{
		Stages:        infos,
		Stride:        VertexStride,
		Attrs:         VertexAttrs,
		Topology:      e.Topology,
		Cull:          e.Cull,
		DepthTest:     e.DepthTest,
		DepthWrite:    e.DepthWrite,
		Blend:         e.Blend,
		Samples:       samples,
		SampleShading: samples > 1,
		Layout:        layout.Handle,
		Pass:          pass,
	}
	h, err := f.dev.NewGraphicsPipeline(f.cache, state)
	if err != nil {
		return nil, errors.Wrapf(err, "create pipeline of effect %s", e.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pipelines[e.Name]; ok {
		h.Destroy()
		return p, nil
	}
	p := &Pipeline{Effect: *e, Handle: h, Layout: layout}
	f.pipelines[e.Name] = p
	f.log.Debug("pipeline created", slog.String("effect", e.Name), slog.Uint64("layout", layout.Hash))
	return p, nil
}

// Pipeline returns the pipeline created for an effect name.
func (f *PipelineFactory) Pipeline(name string) (*Pipeline, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pipelines[name]
	return p, ok
}

// Layouts returns the number of distinct layouts.
func (f *PipelineFactory) Layouts() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, ls := range f.layouts {
		n += len(ls)
	}
	return n
}

// SaveCache writes the pipeline cache to path, replacing the file
// atomically.
func (f *PipelineFactory) SaveCache(path string) error {
	if err := f.ensureCache(); err != nil {
		return err
	}
	f.mu.RLock()
	cache := f.cache
	f.mu.RUnlock()
	if cache == nil {
		return ErrClosed
	}
	data, err := cache.Data()
	if err != nil {
		return errors.Wrap(err, "read pipeline cache")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create cache directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pipeline-*.tmp")
	if err != nil {
		return errors.Wrap(err, "write pipeline cache")
	}
	_, werr := tmp.Write(EncodeCache(data))
	cerr := tmp.Close()
	if err := errors.CombineErrors(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write pipeline cache")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write pipeline cache")
	}
	f.log.Info("pipeline cache saved", slog.String("path", path), slog.Int("bytes", len(data)))
	return nil
}

// Destroy saves the pipeline cache and destroys every pipeline,
// layout and shader module. A failure to save is logged.
// It is safe to call more than once.
func (f *PipelineFactory) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.mu.Unlock()

	if f.cachePath != "" && f.cache != nil {
		if err := f.SaveCache(f.cachePath); err != nil {
			f.log.Error("pipeline cache not saved", slog.String("path", f.cachePath), errAttr(err))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for name, p := range f.pipelines {
		p.Handle.Destroy()
		delete(f.pipelines, name)
	}
	for hash, ls := range f.layouts {
		for _, l := range ls {
			l.Handle.Destroy()
			destroyAll(l.Sets)
		}
		delete(f.layouts, hash)
	}
	for name, s := range f.shaders {
		s.Module.Destroy()
		delete(f.shaders, name)
	}
	if f.cache != nil {
		f.cache.Destroy()
		f.cache = nil
	}
}
