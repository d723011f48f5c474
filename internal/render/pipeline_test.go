package render

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

func TestCacheFraming(t *testing.T) {
	payload := []byte("driver cache blob")
	b := EncodeCache(payload)
	got, err := DecodeCache(b)
	if err != nil {
		t.Fatalf("DecodeCache: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
	if empty, err := DecodeCache(EncodeCache(nil)); err != nil || len(empty) != 0 {
		t.Fatalf("empty payload = %q, %v", empty, err)
	}

	corrupt := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), b...))
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"short", b[:cacheHeader-1]},
		{"magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"version", corrupt(func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:], 99); return b })},
		{"truncated", b[:len(b)-1]},
		{"checksum", corrupt(func(b []byte) []byte { b[len(b)-1] ^= 1; return b })},
	}
	for _, tt := range tests {
		if _, err := DecodeCache(tt.data); !errors.Is(err, ErrBadCache) {
			t.Fatalf("%s: got %v, want ErrBadCache", tt.name, err)
		}
	}
}

func TestMergeBindings(t *testing.T) {
	vs := []gpu.Binding{{Set: 0, Binding: 0, Type: gpu.DescUniformBuffer, Count: 1, Stages: gpu.ShaderVertex}}
	fs := []gpu.Binding{
		{Set: 1, Binding: 0, Type: gpu.DescCombinedImageSampler, Count: 1, Stages: gpu.ShaderFragment},
		{Set: 0, Binding: 0, Type: gpu.DescUniformBuffer, Count: 1, Stages: gpu.ShaderFragment},
	}
	all := gpu.ShaderVertex | gpu.ShaderFragment
	got, err := MergeBindings(all, vs, fs)
	if err != nil {
		t.Fatalf("MergeBindings: %v", err)
	}
	want := []gpu.Binding{
		{Set: 0, Binding: 0, Type: gpu.DescUniformBuffer, Count: 1, Stages: all},
		{Set: 1, Binding: 0, Type: gpu.DescCombinedImageSampler, Count: 1, Stages: all},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	clash := []gpu.Binding{{Set: 0, Binding: 0, Type: gpu.DescStorageBuffer, Count: 1}}
	if _, err := MergeBindings(all, vs, clash); err == nil {
		t.Fatalf("conflicting bindings merged")
	}
}

func TestLayoutHash(t *testing.T) {
	a := []gpu.Binding{{Set: 0, Binding: 0, Type: gpu.DescUniformBuffer, Count: 1, Stages: gpu.ShaderVertex}}
	b := []gpu.Binding{{Set: 0, Binding: 1, Type: gpu.DescUniformBuffer, Count: 1, Stages: gpu.ShaderVertex}}
	push := []gpu.PushRange{{Stages: gpu.ShaderVertex, Size: 64}}
	if LayoutHash(a, nil) != LayoutHash(append([]gpu.Binding(nil), a...), nil) {
		t.Fatalf("equal shapes hash differently")
	}
	hashes := map[uint64]string{}
	for name, h := range map[string]uint64{
		"a":      LayoutHash(a, nil),
		"b":      LayoutHash(b, nil),
		"a+push": LayoutHash(a, push),
		"empty":  LayoutHash(nil, nil),
	} {
		if other, ok := hashes[h]; ok {
			t.Fatalf("%s and %s hash the same", name, other)
		}
		hashes[h] = name
	}
}

// newFactory returns a pipeline factory targeting a fresh render
// pass, with the test shaders added as lit.vert and lit.frag.
func newFactory(t *testing.T, dev gpu.Device, cachePath string) *PipelineFactory {
	t.Helper()
	pass, err := dev.NewRenderPass(&gpu.RenderPassDesc{Color: gpu.FormatBGRA8sRGB, Depth: DepthFormat, Samples: 1})
	if err != nil {
		t.Fatalf("NewRenderPass: %v", err)
	}
	t.Cleanup(pass.Destroy)
	f := NewPipelineFactory(dev, cachePath)
	t.Cleanup(f.Destroy)
	f.SetTarget(pass, 1)
	if err := f.AddShader("lit.vert", vertexSPV()); err != nil {
		t.Fatalf("AddShader: %v", err)
	}
	if err := f.AddShader("lit.frag", fragmentSPV()); err != nil {
		t.Fatalf("AddShader: %v", err)
	}
	return f
}

func litEffectNamed(name string) *Effect {
	e := NewEffect(name)
	e.Stages[gpu.ShaderVertex] = "lit.vert"
	e.Stages[gpu.ShaderFragment] = "lit.frag"
	return e
}

func TestCreateGraphicsPipeline(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	f := newFactory(t, ctx.Device, "")

	p, err := f.CreateGraphicsPipeline(litEffectNamed("lit"))
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}
	all := gpu.ShaderVertex | gpu.ShaderFragment
	l := p.Layout
	if len(l.Push) != 1 || l.Push[0] != (gpu.PushRange{Stages: all, Size: 64}) {
		t.Fatalf("push ranges = %+v", l.Push)
	}
	if len(l.Bindings) != 2 || !l.HasSet(0) || !l.HasSet(1) || l.HasSet(2) || len(l.Sets) != 2 {
		t.Fatalf("layout = %+v", l)
	}
	for _, b := range l.Bindings {
		if b.Stages != all {
			t.Fatalf("binding %+v not visible to every stage", b)
		}
	}

	again, err := f.CreateGraphicsPipeline(litEffectNamed("lit"))
	if err != nil || again != p {
		t.Fatalf("second creation returned a different pipeline: %v", err)
	}
	other, err := f.CreateGraphicsPipeline(litEffectNamed("lit-copy"))
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}
	if other.Layout != p.Layout || f.Layouts() != 1 {
		t.Fatalf("layout of an identical shape not shared")
	}
	if n := dev.Pipelines(); n != 2 {
		t.Fatalf("%d pipelines created, want 2", n)
	}
	if got, ok := f.Pipeline("lit-copy"); !ok || got != other {
		t.Fatalf("Pipeline lookup failed")
	}
}

func TestCreateGraphicsPipelineErrors(t *testing.T) {
	ctx, _ := newContext(t, gputest.DefaultConfig())
	f := newFactory(t, ctx.Device, "")

	missing := litEffectNamed("missing")
	missing.Stages[gpu.ShaderFragment] = "nope.frag"
	if _, err := f.CreateGraphicsPipeline(missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing shader: got %v", err)
	}

	swapped := litEffectNamed("swapped")
	swapped.Stages[gpu.ShaderVertex] = "lit.frag"
	if _, err := f.CreateGraphicsPipeline(swapped); err == nil {
		t.Fatalf("fragment shader accepted as a vertex stage")
	}

	if _, err := f.CreateGraphicsPipeline(NewEffect("empty")); err == nil {
		t.Fatalf("effect without stages accepted")
	}

	untargeted := NewPipelineFactory(ctx.Device, "")
	defer untargeted.Destroy()
	if err := untargeted.AddShader("lit.vert", vertexSPV()); err != nil {
		t.Fatal(err)
	}
	if err := untargeted.AddShader("lit.frag", fragmentSPV()); err != nil {
		t.Fatal(err)
	}
	if _, err := untargeted.CreateGraphicsPipeline(litEffectNamed("lit")); err == nil {
		t.Fatalf("pipeline created without a render pass")
	}
}

func TestPipelineCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", CacheFileName)
	ctx, dev := newContext(t, gputest.DefaultConfig())

	f := newFactory(t, ctx.Device, path)
	if _, err := f.CreateGraphicsPipeline(litEffectNamed("lit")); err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}
	if inits := dev.CacheInits(); len(inits) != 1 || len(inits[0]) != 0 {
		t.Fatalf("cold start cache data = %q", inits)
	}
	f.Destroy()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cache not saved: %v", err)
	}
	saved, err := DecodeCache(b)
	if err != nil || string(saved) != "gputest:p" {
		t.Fatalf("saved cache = %q, %v", saved, err)
	}

	g := newFactory(t, ctx.Device, path)
	if _, err := g.CreateGraphicsPipeline(litEffectNamed("lit")); err != nil {
		t.Fatalf("CreateGraphicsPipeline: %v", err)
	}
	inits := dev.CacheInits()
	if len(inits) != 2 || string(inits[1]) != "gputest:p" {
		t.Fatalf("warm start cache data = %q", inits)
	}
}

func TestPipelineCacheCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)
	if err := os.WriteFile(path, []byte("garbage that is long enough"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, dev := newContext(t, gputest.DefaultConfig())
	f := newFactory(t, ctx.Device, path)
	if _, err := f.CreateGraphicsPipeline(litEffectNamed("lit")); err != nil {
		t.Fatalf("corrupt cache file broke pipeline creation: %v", err)
	}
	if inits := dev.CacheInits(); len(inits) != 1 || len(inits[0]) != 0 {
		t.Fatalf("corrupt cache passed to the device: %q", inits)
	}
}

func TestLoadShaders(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"lit.vert.spv": vertexSPV(),
		"lit.frag.spv": fragmentSPV(),
		"broken.spv":   []byte("not spir-v at all"),
		"README.md":    []byte("shaders"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.spv"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, _ := newContext(t, gputest.DefaultConfig())
	f := NewPipelineFactory(ctx.Device, "")
	defer f.Destroy()
	n, err := f.LoadShaders(dir)
	if err != nil {
		t.Fatalf("LoadShaders: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d shaders, want 2", n)
	}
	for _, name := range []string{"lit.vert", "lit.frag"} {
		if _, ok := f.Shader(name); !ok {
			t.Fatalf("shader %s not loaded", name)
		}
	}
	if _, ok := f.Shader("broken"); ok {
		t.Fatalf("broken shader loaded")
	}
	if _, err := f.LoadShaders(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("missing directory accepted")
	}
}

const testWGSL = `
struct VertexOutput {
    @builtin(position) position: vec4<f32>,
};

@vertex
fn vs_main(@location(0) pos: vec3<f32>) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(pos, 1.0);
    return out;
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.2, 1.0);
}
`

func TestAddWGSL(t *testing.T) {
	if _, err := naga.Compile(testWGSL); err != nil {
		t.Skipf("naga cannot compile the test shader: %v", err)
	}
	ctx, _ := newContext(t, gputest.DefaultConfig())
	f := NewPipelineFactory(ctx.Device, "")
	defer f.Destroy()

	if err := f.AddWGSL("tri", testWGSL); err != nil {
		t.Fatalf("AddWGSL: %v", err)
	}
	sh, _ := f.Shader("tri")
	if name, ok := sh.Refl.Entry(gpu.ShaderVertex); !ok || name != "vs_main" {
		t.Fatalf("vertex entry = %q, %v", name, ok)
	}
	if name, ok := sh.Refl.Entry(gpu.ShaderFragment); !ok || name != "fs_main" {
		t.Fatalf("fragment entry = %q, %v", name, ok)
	}
	if err := f.AddWGSL("bad", "fn broken("); err == nil {
		t.Fatalf("invalid WGSL accepted")
	}
}

func TestPipelineFactoryDestroy(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	f := NewPipelineFactory(ctx.Device, "")
	pass, err := dev.NewRenderPass(&gpu.RenderPassDesc{Color: gpu.FormatBGRA8sRGB, Depth: DepthFormat, Samples: 4})
	if err != nil {
		t.Fatal(err)
	}
	f.SetTarget(pass, 4)
	if err := f.AddShader("lit.vert", vertexSPV()); err != nil {
		t.Fatal(err)
	}
	if err := f.AddShader("lit.frag", fragmentSPV()); err != nil {
		t.Fatal(err)
	}
	// Replacing a shader destroys the old module.
	if err := f.AddShader("lit.frag", fragmentSPV()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CreateGraphicsPipeline(litEffectNamed("lit")); err != nil {
		t.Fatal(err)
	}

	f.Destroy()
	f.Destroy()
	pass.Destroy()
	if n := dev.Live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
	if err := f.AddShader("late", vertexSPV()); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddShader after Destroy: %v", err)
	}
	if n := dev.Live(); n != 0 {
		t.Fatalf("module added after Destroy leaked")
	}
}

func TestLayoutHashCollision(t *testing.T) {
	ctx, _ := newContext(t, gputest.DefaultConfig())
	f := newFactory(t, ctx.Device, "")
	defer func(h func([]gpu.Binding, []gpu.PushRange) uint64) { layoutHash = h }(layoutHash)
	layoutHash = func([]gpu.Binding, []gpu.PushRange) uint64 { return 42 }

	all := gpu.ShaderVertex | gpu.ShaderFragment
	uniform := []gpu.Binding{{Set: 0, Binding: 0, Type: gpu.DescUniformBuffer, Count: 1, Stages: all}}
	sampler := []gpu.Binding{{Set: 0, Binding: 0, Type: gpu.DescCombinedImageSampler, Count: 1, Stages: all}}
	push := []gpu.PushRange{{Stages: all, Size: 64}}

	a, err := f.layout(uniform, push)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.layout(sampler, push)
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.layout(uniform, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a == b || a == c || b == c || f.Layouts() != 3 {
		t.Fatalf("colliding shapes shared a layout: %d layouts", f.Layouts())
	}
	if again, err := f.layout(uniform, push); err != nil || again != a {
		t.Fatalf("equal shape not shared: %v", err)
	}
}
