package render

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

var (
	triangle = []Vertex{
		{Pos: mgl32.Vec3{0, 1, 0}, Normal: mgl32.Vec3{0, 0, 1}, UV: mgl32.Vec2{0.5, 0}},
		{Pos: mgl32.Vec3{-1, -1, 0}, Normal: mgl32.Vec3{0, 0, 1}, UV: mgl32.Vec2{0, 1}},
		{Pos: mgl32.Vec3{1, -1, 0}, Normal: mgl32.Vec3{0, 0, 1}, UV: mgl32.Vec2{1, 1}},
	}
	quad = []Vertex{
		{Pos: mgl32.Vec3{-1, -1, 0}},
		{Pos: mgl32.Vec3{1, -1, 0}},
		{Pos: mgl32.Vec3{1, 1, 0}},
		{Pos: mgl32.Vec3{-1, 1, 0}},
	}
	quadIndices = []uint32{0, 1, 2, 2, 3, 0}
)

func TestPackVertices(t *testing.T) {
	b := PackVertices(triangle)
	if len(b) != 3*VertexStride {
		t.Fatalf("%d bytes, want %d", len(b), 3*VertexStride)
	}
	float := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	}
	// Second vertex: position, normal, then UV.
	v := VertexStride
	if float(v) != -1 || float(v+4) != -1 || float(v+20) != 1 || float(v+24) != 0 || float(v+28) != 1 {
		t.Fatalf("vertex 1 packed as % x", b[v:v+VertexStride])
	}
	last := VertexAttrs[len(VertexAttrs)-1]
	if last.Offset+8 != VertexStride {
		t.Fatalf("attributes do not cover the stride")
	}

	idx := PackIndices([]uint32{1, 0x01020304})
	if len(idx) != 8 || binary.LittleEndian.Uint32(idx[4:]) != 0x01020304 {
		t.Fatalf("indices packed as % x", idx)
	}
}

func newArena(t *testing.T, verts, indices int) (*MeshArena, *uploadRig) {
	t.Helper()
	r := newUploadRig(t)
	m, err := NewMeshArena(r.al, r.up, verts, indices)
	if err != nil {
		t.Fatalf("NewMeshArena: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m, r
}

func TestMeshArenaCreate(t *testing.T) {
	m, r := newArena(t, 64, 64)
	tri, err := m.Create("triangle", triangle, []uint32{0, 1, 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	q, err := m.Create("quad", quad, quadIndices)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tri != 1 || q != 2 || m.Len() != 2 {
		t.Fatalf("ids %d %d, %d meshes", tri, q, m.Len())
	}
	mesh, ok := m.Mesh(q)
	if !ok {
		t.Fatalf("mesh %d not found", q)
	}
	want := Mesh{ID: q, Name: "quad", FirstIndex: 3, IndexCount: 6, VertexOffset: 3, VertexCount: 4}
	if *mesh != want {
		t.Fatalf("mesh = %+v, want %+v", *mesh, want)
	}
	if id, ok := m.Lookup("triangle"); !ok || id != tri {
		t.Fatalf("Lookup = %d, %v", id, ok)
	}
	if _, ok := m.Lookup("cube"); ok {
		t.Fatalf("unknown mesh found")
	}
	if v, i := m.Used(); v != 7 || i != 9 {
		t.Fatalf("used %d vertices, %d indices", v, i)
	}
	if r.up.Uploads() != 2 {
		t.Fatalf("%d uploads, want 2", r.up.Uploads())
	}

	pool, err := r.ctx.Device.NewCmdPool(r.ctx.Families.Graphics)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()
	cmds, err := pool.Alloc(gpu.CmdPrimary, 1)
	if err != nil {
		t.Fatal(err)
	}
	cmd := cmds[0]
	if err := cmd.Begin(nil); err != nil {
		t.Fatal(err)
	}
	m.Bind(cmd)
	mesh.Draw(cmd)
	if err := cmd.End(); err != nil {
		t.Fatal(err)
	}
	ops := cmd.(*gputest.CmdBuffer).Ops()
	if len(ops) != 3 || ops[0] != "BindVertexBuffer" || ops[1] != "BindIndexBuffer" || ops[2] != "DrawIndexed" {
		t.Fatalf("ops = %v", ops)
	}
}

func TestMeshArenaErrors(t *testing.T) {
	m, _ := newArena(t, 5, 64)
	tests := []struct {
		name     string
		vertices []Vertex
		indices  []uint32
	}{
		{"no vertices", nil, []uint32{0}},
		{"no indices", triangle, nil},
		{"index out of range", triangle, []uint32{0, 1, 3}},
	}
	for _, tt := range tests {
		if _, err := m.Create(tt.name, tt.vertices, tt.indices); err == nil {
			t.Fatalf("%s: no error", tt.name)
		}
	}

	if _, err := m.Create("triangle", triangle, []uint32{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Create("quad", quad, quadIndices)
	if !errors.Is(err, gpu.ErrOutOfDeviceMemory) {
		t.Fatalf("full arena: %v", err)
	}
	if v, i := m.Used(); v != 3 || i != 3 || m.Len() != 1 {
		t.Fatalf("failed create changed the arena: %d vertices, %d indices", v, i)
	}
}

func TestMeshArenaDestroy(t *testing.T) {
	m, r := newArena(t, 16, 16)
	if _, err := m.Create("triangle", triangle, []uint32{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	m.Destroy()
	m.Destroy()
	if _, err := m.Create("triangle", triangle, []uint32{0, 1, 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after Destroy: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("%d meshes after Destroy", m.Len())
	}
	if n := r.dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
}
