package main

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/render"
)

// demoWGSL shades with the per-frame light only, so it runs
// without any asset on disk.
const demoWGSL = `
struct Frame {
    view: mat4x4<f32>,
    proj: mat4x4<f32>,
    view_proj: mat4x4<f32>,
    eye: vec4<f32>,
    light_dir: vec4<f32>,
    light_color: vec4<f32>,
};

@group(0) @binding(0) var<uniform> frame: Frame;

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) normal: vec3<f32>,
};

@vertex
fn vs_main(@location(0) pos: vec3<f32>, @location(1) normal: vec3<f32>, @location(2) uv: vec2<f32>) -> VertexOutput {
    var out: VertexOutput;
    out.position = frame.view_proj * vec4<f32>(pos, 1.0);
    out.normal = normal;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let n = normalize(in.normal);
    let diffuse = max(dot(n, -frame.light_dir.xyz), 0.0);
    let color = frame.light_color.xyz * diffuse + vec3<f32>(frame.light_color.w);
    return vec4<f32>(color, 1.0);
}
`

const (
	demoMaterial = "demo"
	litMaterial  = "lit"
	cubeMesh     = "cube"
)

// scene is the demo scene: a cube seen from an orbiting camera,
// plus a textured one when the effect directory provides "lit".
type scene struct {
	r     *render.Renderer
	items []render.DrawItem
	start time.Duration

	frames    int
	lastTitle time.Duration
}

func newScene(r *render.Renderer, shaderDir, effectDir string) (*scene, error) {
	log := render.Logger()
	if err := r.AddWGSL(demoMaterial, demoWGSL); err != nil {
		return nil, err
	}
	e := render.NewEffect(demoMaterial)
	e.Stages[gpu.ShaderVertex] = demoMaterial
	e.Stages[gpu.ShaderFragment] = demoMaterial
	e.Cull = gpu.CullNone
	if _, err := r.CreatePipeline(e); err != nil {
		return nil, err
	}

	if _, err := r.LoadShaders(shaderDir); err != nil {
		log.Warn("no shaders loaded", slog.Any("error", err))
	}
	effects, err := r.LoadEffects(effectDir)
	if err != nil {
		log.Warn("no effects loaded", slog.Any("error", err))
	}

	vertices, indices := cube()
	mesh, err := r.CreateMesh(cubeMesh, vertices, indices)
	if err != nil {
		return nil, err
	}

	now := hrtime.Now()
	s := &scene{r: r, start: now, lastTitle: now}
	s.items = append(s.items, render.DrawItem{Mesh: mesh, Material: demoMaterial, Transform: mgl32.Ident4()})
	if effects > 0 {
		s.loadTexture(filepath.Join(effectDir, "cube.ppm"))
		s.items = append(s.items, render.DrawItem{
			Mesh:      mesh,
			Material:  litMaterial,
			Transform: mgl32.Translate3D(2.5, 0, 0),
		})
	}
	return s, nil
}

// loadTexture binds the image at path to the lit material, or a
// generated checkerboard if it cannot be read.
func (s *scene) loadTexture(path string) {
	log := render.Logger()
	name := "cube"
	if _, err := s.r.LoadTextureFile(name, path, render.TextureOptions{Mipmaps: true}); err != nil {
		log.Info("using checker texture", slog.String("path", path), slog.Any("error", err))
		name = "checker"
		if _, err := s.r.LoadTexture(name, render.CheckerPixels(64), 64, 64, render.TextureOptions{Mipmaps: true}); err != nil {
			log.Warn("checker texture", slog.Any("error", err))
			return
		}
	}
	if err := s.r.SetMaterialTexture(litMaterial, name); err != nil {
		log.Warn("bind texture", slog.Any("error", err))
	}
}

// view returns the camera of the current frame.
func (s *scene) view() *render.View {
	t := float32((hrtime.Now() - s.start).Seconds())
	ext := s.r.Extent()
	aspect := float32(1)
	if ext.Height > 0 {
		aspect = float32(ext.Width) / float32(ext.Height)
	}
	eye := mgl32.Vec3{6 * float32(math.Cos(float64(t)*0.5)), 3, 6 * float32(math.Sin(float64(t)*0.5))}
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, 100)
	// Vulkan clip space has Y pointing down.
	proj[5] *= -1
	return &render.View{
		View:       mgl32.LookAtV(eye, mgl32.Vec3{1.25, 0, 0}, mgl32.Vec3{0, 1, 0}),
		Proj:       proj,
		Eye:        eye,
		LightDir:   mgl32.Vec3{-0.4, -1, -0.3}.Normalize(),
		LightColor: mgl32.Vec3{0.9, 0.85, 0.8},
		Ambient:    0.15,
	}
}

// draw renders one frame, spinning the textured cube.
func (s *scene) draw() error {
	if len(s.items) > 1 {
		t := float32((hrtime.Now() - s.start).Seconds())
		s.items[1].Transform = mgl32.Translate3D(2.5, 0, 0).Mul4(mgl32.HomogRotate3DY(t))
	}
	return s.r.Render(s.view(), s.items)
}

// title returns a new window title once a second.
func (s *scene) title() (string, bool) {
	s.frames++
	now := hrtime.Now()
	elapsed := now - s.lastTitle
	if elapsed < time.Second {
		return "", false
	}
	fps := float64(s.frames) / elapsed.Seconds()
	s.frames = 0
	s.lastTitle = now
	st := s.r.Stats()
	return fmt.Sprintf("Dragonfire | %.1f FPS | %.2f ms avg | %d MiB", fps,
		float64(st.AverageFrame.Microseconds())/1000, st.Memory.Used>>20), true
}

// cube returns a unit cube with per-face normals, counter-clockwise
// when seen from outside.
func cube() ([]render.Vertex, []uint32) {
	faces := []struct {
		n, u, v mgl32.Vec3
	}{
		{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}},
		{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}},
	}
	var vertices []render.Vertex
	var indices []uint32
	for _, f := range faces {
		base := uint32(len(vertices))
		for _, c := range [4][2]float32{{0, 0}, {1, 0}, {1, 1}, {0, 1}} {
			pos := f.n.Mul(0.5).Add(f.u.Mul(c[0] - 0.5)).Add(f.v.Mul(c[1] - 0.5))
			vertices = append(vertices, render.Vertex{Pos: pos, Normal: f.n, UV: mgl32.Vec2{c[0], 1 - c[1]}})
		}
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	return vertices, indices
}
