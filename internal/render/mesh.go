package render

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// Vertex is the vertex layout of every mesh.
type Vertex struct {
	Pos    mgl32.Vec3
	Normal mgl32.Vec3
	UV     mgl32.Vec2
}

// VertexStride is the size of a packed Vertex.
const VertexStride = 32

// VertexAttrs describes Vertex to the vertex input stage.
var VertexAttrs = []gpu.VertexAttr{
	{Location: 0, Format: gpu.VertexFloat3, Offset: 0},
	{Location: 1, Format: gpu.VertexFloat3, Offset: 12},
	{Location: 2, Format: gpu.VertexFloat2, Offset: 24},
}

// PackVertices encodes vertices in the layout described by
// VertexAttrs.
func PackVertices(vs []Vertex) []byte {
	b := make([]byte, len(vs)*VertexStride)
	for i, v := range vs {
		p := b[i*VertexStride:]
		putFloats(p, v.Pos[:]...)
		putFloats(p[12:], v.Normal[:]...)
		putFloats(p[24:], v.UV[:]...)
	}
	return b
}

// PackIndices encodes 32-bit indices.
func PackIndices(idx []uint32) []byte {
	b := make([]byte, len(idx)*4)
	for i, x := range idx {
		binary.LittleEndian.PutUint32(b[i*4:], x)
	}
	return b
}

func putFloats(b []byte, fs ...float32) {
	for i, f := range fs {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
}

// Default capacities of the mesh arena.
const (
	DefaultArenaVertices = 1 << 20
	DefaultArenaIndices  = 4 << 20
)

// MeshID is the handle of a mesh. The zero MeshID is never
// assigned.
type MeshID uint32

// Mesh is a range of the arena's vertex and index buffers.
type Mesh struct {
	ID           MeshID
	Name         string
	FirstIndex   int
	IndexCount   int
	VertexOffset int
	VertexCount  int
}

// MeshArena holds the geometry of every mesh in one vertex buffer
// and one index buffer. Space is handed out by bumping an offset
// and never reclaimed. Both buffers are resident.
// It is safe for concurrent use.
type MeshArena struct {
	up       *Uploader
	vertices *Resource
	indices  *Resource
	maxVerts int
	maxIdx   int

	mu       sync.RWMutex
	nextVert int
	nextIdx  int
	next     MeshID
	meshes   map[MeshID]*Mesh
	byName   map[string]MeshID
}

// NewMeshArena creates an arena for maxVertices vertices and
// maxIndices indices.
func NewMeshArena(alloc *Allocator, up *Uploader, maxVertices, maxIndices int) (*MeshArena, error) {
	if maxVertices <= 0 {
		maxVertices = DefaultArenaVertices
	}
	if maxIndices <= 0 {
		maxIndices = DefaultArenaIndices
	}
	vb, err := alloc.CreateBuffer(int64(maxVertices)*VertexStride, gpu.BufVertex|gpu.BufTransferDst,
		DeviceLocal, WithPriority(ResidentPriority))
	if err != nil {
		return nil, errors.Wrap(err, "create mesh vertex buffer")
	}
	ib, err := alloc.CreateBuffer(int64(maxIndices)*4, gpu.BufIndex|gpu.BufTransferDst,
		DeviceLocal, WithPriority(ResidentPriority))
	if err != nil {
		vb.Destroy()
		return nil, errors.Wrap(err, "create mesh index buffer")
	}
	return &MeshArena{
		up:       up,
		vertices: vb,
		indices:  ib,
		maxVerts: maxVertices,
		maxIdx:   maxIndices,
		meshes:   make(map[MeshID]*Mesh),
		byName:   make(map[string]MeshID),
	}, nil
}

// Create uploads a mesh. Indices are relative to the mesh's first
// vertex.
func (m *MeshArena) Create(name string, vertices []Vertex, indices []uint32) (MeshID, error) {
	if len(vertices) == 0 || len(indices) == 0 {
		return 0, errors.Newf("mesh %q is empty", name)
	}
	for _, i := range indices {
		if int(i) >= len(vertices) {
			return 0, errors.Newf("mesh %q: index %d out of range of %d vertices", name, i, len(vertices))
		}
	}

	m.mu.Lock()
	if m.vertices == nil {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.nextVert+len(vertices) > m.maxVerts || m.nextIdx+len(indices) > m.maxIdx {
		m.mu.Unlock()
		return 0, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "mesh arena full, cannot hold mesh %q", name)
	}
	mesh := &Mesh{
		Name:         name,
		FirstIndex:   m.nextIdx,
		IndexCount:   len(indices),
		VertexOffset: m.nextVert,
		VertexCount:  len(vertices),
	}
	m.nextVert += len(vertices)
	m.nextIdx += len(indices)
	vb, ib := m.vertices.Buffer(), m.indices.Buffer()
	m.mu.Unlock()

	vdata, idata := PackVertices(vertices), PackIndices(indices)
	vs, err := m.up.Staging(vdata)
	if err != nil {
		return 0, err
	}
	defer vs.Destroy()
	is, err := m.up.Staging(idata)
	if err != nil {
		return 0, err
	}
	defer is.Destroy()
	err = m.up.Do(func(cmd gpu.CmdBuffer) {
		cmd.CopyBuffer(vb, int64(mesh.VertexOffset)*VertexStride, vs.Buffer(), 0, int64(len(vdata)))
		cmd.CopyBuffer(ib, int64(mesh.FirstIndex)*4, is.Buffer(), 0, int64(len(idata)))
	})
	if err != nil {
		return 0, errors.Wrapf(err, "upload mesh %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	mesh.ID = m.next
	m.meshes[mesh.ID] = mesh
	if name != "" {
		m.byName[name] = mesh.ID
	}
	Logger().Debug("mesh created", slog.String("mesh", name),
		slog.Int("vertices", len(vertices)), slog.Int("indices", len(indices)))
	return mesh.ID, nil
}

// Mesh returns the mesh with the given ID.
func (m *MeshArena) Mesh(id MeshID) (*Mesh, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mesh, ok := m.meshes[id]
	return mesh, ok
}

// Lookup returns the ID of the last mesh created with name.
func (m *MeshArena) Lookup(name string) (MeshID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	return id, ok
}

// Len returns the number of meshes.
func (m *MeshArena) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.meshes)
}

// Used returns the number of vertices and indices handed out.
func (m *MeshArena) Used() (vertices, indices int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextVert, m.nextIdx
}

// Bind binds the arena's buffers.
func (m *MeshArena) Bind(cmd gpu.CmdBuffer) {
	cmd.BindVertexBuffer(m.vertices.Buffer(), 0)
	cmd.BindIndexBuffer(m.indices.Buffer(), 0, true)
}

// Draw records an indexed draw of mesh.
func (mesh *Mesh) Draw(cmd gpu.CmdBuffer) {
	cmd.DrawIndexed(mesh.IndexCount, 1, mesh.FirstIndex, mesh.VertexOffset, 0)
}

// Destroy destroys the arena's buffers. It is safe to call more
// than once.
func (m *MeshArena) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vertices.Destroy()
	m.indices.Destroy()
	m.vertices, m.indices = nil, nil
	clear(m.meshes)
	clear(m.byName)
}
