package render

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// Intent says how a resource's memory is going to be accessed.
type Intent int

const (
	// DeviceLocal memory is only accessed by the device.
	DeviceLocal Intent = iota
	// HostMapped memory is host-visible, coherent and mapped for
	// the lifetime of the resource.
	HostMapped
	// Staging memory is host-visible and used as a transfer source.
	Staging
)

func (i Intent) String() string {
	switch i {
	case DeviceLocal:
		return "device-local"
	case HostMapped:
		return "host-mapped"
	case Staging:
		return "staging"
	}
	return "unknown"
}

const (
	// DefaultBlockSize is the size of the memory blocks that
	// allocations are carved from.
	DefaultBlockSize = 64 << 20

	// DefaultPriority is the priority of allocations that do
	// not ask for one.
	DefaultPriority float32 = 0.5

	// ResidentPriority is the priority from which allocations are
	// considered resident. Resident allocations never share a
	// block with evictable ones and their blocks are kept when
	// they become empty.
	ResidentPriority float32 = 1.0
)

type allocOpts struct {
	priority  float32
	dedicated bool
}

// AllocOption configures a single allocation.
type AllocOption func(*allocOpts)

// WithPriority sets the priority hint of an allocation.
func WithPriority(p float32) AllocOption {
	return func(o *allocOpts) { o.priority = p }
}

// WithDedicated gives the resource its own memory block.
func WithDedicated() AllocOption {
	return func(o *allocOpts) { o.dedicated = true }
}

type span struct {
	off, size int64
}

type poolKey struct {
	typ      int
	resident bool
	mapped   bool
	// optimal pools hold optimal-tiling images. They are kept apart
	// from buffers when the device has a buffer-image granularity.
	optimal bool
}

type block struct {
	mem       gpu.Memory
	key       poolKey
	size      int64
	mapped    []byte
	free      []span
	used      int64
	allocs    int
	dedicated bool
}

func alignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// fit carves size bytes aligned to align out of the first free
// span that can hold them.
func (b *block) fit(size, align int64) (int64, bool) {
	for i, s := range b.free {
		off := alignUp(s.off, align)
		end := s.off + s.size
		if off+size > end {
			continue
		}
		var rest []span
		if off > s.off {
			rest = append(rest, span{s.off, off - s.off})
		}
		if off+size < end {
			rest = append(rest, span{off + size, end - off - size})
		}
		b.free = append(b.free[:i], append(rest, b.free[i+1:]...)...)
		b.used += size
		b.allocs++
		return off, true
	}
	return 0, false
}

// release returns a range to the free list, merging it with its
// neighbors.
func (b *block) release(off, size int64) {
	i := sort.Search(len(b.free), func(i int) bool { return b.free[i].off > off })
	b.free = append(b.free, span{})
	copy(b.free[i+1:], b.free[i:])
	b.free[i] = span{off, size}
	if i+1 < len(b.free) && b.free[i].off+b.free[i].size == b.free[i+1].off {
		b.free[i].size += b.free[i+1].size
		b.free = append(b.free[:i+1], b.free[i+2:]...)
	}
	if i > 0 && b.free[i-1].off+b.free[i-1].size == b.free[i].off {
		b.free[i-1].size += b.free[i].size
		b.free = append(b.free[:i], b.free[i+1:]...)
	}
	b.used -= size
	b.allocs--
}

// Allocation is a range of device memory owned by one Resource.
type Allocation struct {
	block     *block
	Offset    int64
	Size      int64
	Priority  float32
	Dedicated bool
	mapped    []byte
}

// Mapped returns the host view of the allocation, or nil if its
// memory is not host-visible.
func (a *Allocation) Mapped() []byte { return a.mapped }

// MemoryType returns the index of the memory type.
func (a *Allocation) MemoryType() int { return a.block.key.typ }

// Allocator sub-allocates device memory for buffers and images.
type Allocator struct {
	dev         gpu.Device
	types       []gpu.MemoryType
	blockSize   int64
	granularity int64
	log         *slog.Logger

	mu        sync.Mutex
	pools     map[poolKey][]*block
	dedicated []*block
	live      int
	destroyed bool
}

// NewAllocator creates an allocator for a device with the given
// limits. A blockSize of zero means DefaultBlockSize.
func NewAllocator(dev gpu.Device, limits gpu.Limits, blockSize int64) (*Allocator, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 {
		return nil, errors.Newf("render: bad block size %d", blockSize)
	}
	types := dev.MemoryTypes()
	if len(types) == 0 {
		return nil, fatal(errors.New("render: device reports no memory types"))
	}
	return &Allocator{
		dev:         dev,
		types:       types,
		blockSize:   blockSize,
		granularity: limits.BufferImageGranularity,
		log:         Logger(),
		pools:       make(map[poolKey][]*block),
	}, nil
}

func intentProps(intent Intent) (required, preferred gpu.MemoryProperty) {
	switch intent {
	case HostMapped:
		return gpu.MemHostVisible | gpu.MemHostCoherent, gpu.MemDeviceLocal
	case Staging:
		return gpu.MemHostVisible | gpu.MemHostCoherent, 0
	default:
		return gpu.MemDeviceLocal, 0
	}
}

// FindMemoryType returns the first memory type allowed by bits
// that has the required and preferred properties, or, failing
// that, only the required ones.
func (al *Allocator) FindMemoryType(bits uint32, required, preferred gpu.MemoryProperty) (int, bool) {
	for _, want := range []gpu.MemoryProperty{required | preferred, required} {
		for i, t := range al.types {
			if bits&(1<<uint(i)) != 0 && t.Props&want == want {
				return i, true
			}
		}
	}
	return -1, false
}

func (al *Allocator) newBlock(key poolKey, size int64, priority float32, dedicated bool) (*block, error) {
	mem, err := al.dev.AllocateMemory(key.typ, size, priority)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d bytes of memory type %d", size, key.typ)
	}
	b := &block{
		mem:       mem,
		key:       key,
		size:      size,
		free:      []span{{0, size}},
		dedicated: dedicated,
	}
	if key.mapped {
		if b.mapped, err = mem.Map(); err != nil {
			mem.Destroy()
			return nil, errors.Wrapf(err, "map memory type %d", key.typ)
		}
	}
	al.log.Debug("memory block allocated",
		slog.Int("type", key.typ), slog.Int64("size", size),
		slog.Bool("resident", key.resident), slog.Bool("dedicated", dedicated))
	return b, nil
}

// allocate finds memory for req. image tells that the memory is for
// an optimal-tiling image.
func (al *Allocator) allocate(req gpu.MemReq, intent Intent, o allocOpts, image bool) (*Allocation, error) {
	required, preferred := intentProps(intent)
	typ, ok := al.FindMemoryType(req.TypeBits, required, preferred)
	if !ok {
		return nil, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "no memory type for %s intent (type bits %#x)", intent, req.TypeBits)
	}
	key := poolKey{
		typ:      typ,
		resident: o.priority >= ResidentPriority,
		mapped:   intent != DeviceLocal,
		optimal:  image && al.granularity > 1,
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	if al.destroyed {
		return nil, ErrClosed
	}

	if o.dedicated || req.Size > al.blockSize/2 {
		b, err := al.newBlock(key, req.Size, o.priority, true)
		if err != nil {
			return nil, err
		}
		b.fit(req.Size, 1)
		al.dedicated = append(al.dedicated, b)
		al.live++
		return &Allocation{block: b, Size: req.Size, Priority: o.priority, Dedicated: true, mapped: b.mapped}, nil
	}

	var (
		b   *block
		off int64
	)
	for _, c := range al.pools[key] {
		if at, ok := c.fit(req.Size, req.Alignment); ok {
			b, off = c, at
			break
		}
	}
	if b == nil {
		prio := DefaultPriority
		if key.resident {
			prio = ResidentPriority
		}
		nb, err := al.newBlock(key, al.blockSize, prio, false)
		if err != nil {
			return nil, err
		}
		al.pools[key] = append(al.pools[key], nb)
		b = nb
		off, _ = b.fit(req.Size, req.Alignment)
	}
	al.live++
	a := &Allocation{block: b, Offset: off, Size: req.Size, Priority: o.priority}
	if b.mapped != nil {
		a.mapped = b.mapped[off : off+req.Size : off+req.Size]
	}
	return a, nil
}

func (al *Allocator) free(a *Allocation) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.destroyed {
		return
	}
	b := a.block
	b.release(a.Offset, a.Size)
	al.live--
	if b.allocs > 0 {
		return
	}
	switch {
	case b.dedicated:
		al.dedicated = removeBlock(al.dedicated, b)
	case !b.key.resident:
		al.pools[b.key] = removeBlock(al.pools[b.key], b)
	default:
		return
	}
	b.mem.Destroy()
}

func removeBlock(s []*block, b *block) []*block {
	for i, c := range s {
		if c == b {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func (al *Allocator) opts(opts []AllocOption) allocOpts {
	o := allocOpts{priority: DefaultPriority}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// CreateBuffer creates a buffer and binds memory to it.
func (al *Allocator) CreateBuffer(size int64, usage gpu.BufferUsage, intent Intent, opts ...AllocOption) (*Resource, error) {
	buf, err := al.dev.NewBuffer(size, usage)
	if err != nil {
		return nil, errors.Wrapf(err, "create buffer of %d bytes", size)
	}
	a, err := al.allocate(buf.Requirements(), intent, al.opts(opts), false)
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	if err := buf.Bind(a.block.mem, a.Offset); err != nil {
		al.free(a)
		buf.Destroy()
		return nil, errors.Wrap(err, "bind buffer memory")
	}
	return &Resource{kind: KindBuffer, buf: buf, alloc: a, owner: al}, nil
}

// CreateImage creates an image and binds memory to it.
func (al *Allocator) CreateImage(desc *gpu.ImageDesc, intent Intent, opts ...AllocOption) (*Resource, error) {
	img, err := al.dev.NewImage(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "create %dx%d image", desc.Width, desc.Height)
	}
	a, err := al.allocate(img.Requirements(), intent, al.opts(opts), true)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	if err := img.Bind(a.block.mem, a.Offset); err != nil {
		al.free(a)
		img.Destroy()
		return nil, errors.Wrap(err, "bind image memory")
	}
	return &Resource{kind: KindImage, img: img, alloc: a, owner: al}, nil
}

// AllocStats summarizes the state of an Allocator.
type AllocStats struct {
	Blocks      int
	Dedicated   int
	Allocations int
	Reserved    int64
	Used        int64
}

// Stats returns a snapshot of the allocator state.
func (al *Allocator) Stats() AllocStats {
	al.mu.Lock()
	defer al.mu.Unlock()
	var s AllocStats
	for _, bs := range al.pools {
		for _, b := range bs {
			s.Blocks++
			s.Reserved += b.size
			s.Used += b.used
		}
	}
	for _, b := range al.dedicated {
		s.Dedicated++
		s.Reserved += b.size
		s.Used += b.used
	}
	s.Allocations = al.live
	return s
}

// StatsJSON dumps every block of the allocator as JSON.
func (al *Allocator) StatsJSON() []byte {
	al.mu.Lock()
	defer al.mu.Unlock()

	keys := make([]poolKey, 0, len(al.pools))
	for k := range al.pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		if a.resident != b.resident {
			return !a.resident
		}
		if a.mapped != b.mapped {
			return !a.mapped
		}
		return !a.optimal && b.optimal
	})

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("BlockSize").Int(int(al.blockSize))
	obj.Name("Allocations").Int(al.live)
	arr := obj.Name("Blocks").Array()
	for _, k := range keys {
		for _, b := range al.pools[k] {
			writeBlock(&arr, b)
		}
	}
	for _, b := range al.dedicated {
		writeBlock(&arr, b)
	}
	arr.End()
	obj.End()
	return w.Bytes()
}

func writeBlock(arr *jwriter.ArrayState, b *block) {
	obj := arr.Object()
	obj.Name("MemoryType").Int(b.key.typ)
	obj.Name("Resident").Bool(b.key.resident)
	obj.Name("Optimal").Bool(b.key.optimal)
	obj.Name("Dedicated").Bool(b.dedicated)
	obj.Name("Size").Int(int(b.size))
	obj.Name("Used").Int(int(b.used))
	obj.Name("Allocations").Int(b.allocs)
	obj.Name("FreeRanges").Int(len(b.free))
	obj.End()
}

// Destroy releases every block. Resources still alive at this
// point are reported and must not be used afterwards.
func (al *Allocator) Destroy() {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.destroyed {
		return
	}
	al.destroyed = true
	if al.live > 0 {
		al.log.Warn("allocator destroyed with live allocations", slog.Int("count", al.live))
	}
	for k, bs := range al.pools {
		for _, b := range bs {
			b.mem.Destroy()
		}
		delete(al.pools, k)
	}
	for _, b := range al.dedicated {
		b.mem.Destroy()
	}
	al.dedicated = nil
}

// ResourceKind tells which variant a Resource holds.
type ResourceKind int

const (
	KindNone ResourceKind = iota
	KindBuffer
	KindImage
)

// Resource is a buffer or an image together with the memory it
// exclusively owns.
type Resource struct {
	kind  ResourceKind
	buf   gpu.Buffer
	img   gpu.Image
	alloc *Allocation
	owner *Allocator
	gone  atomic.Bool
}

// Kind returns the variant held by r. A moved-from or destroyed
// Resource is KindNone.
func (r *Resource) Kind() ResourceKind {
	if r == nil || r.gone.Load() {
		return KindNone
	}
	return r.kind
}

// Buffer returns the buffer, or nil if r does not hold one.
func (r *Resource) Buffer() gpu.Buffer {
	if r.Kind() != KindBuffer {
		return nil
	}
	return r.buf
}

// Image returns the image, or nil if r does not hold one.
func (r *Resource) Image() gpu.Image {
	if r.Kind() != KindImage {
		return nil
	}
	return r.img
}

// Allocation returns the memory of r.
func (r *Resource) Allocation() *Allocation {
	if r.Kind() == KindNone {
		return nil
	}
	return r.alloc
}

// Mapped returns the persistent host view of r, or nil.
func (r *Resource) Mapped() []byte {
	if a := r.Allocation(); a != nil {
		return a.mapped
	}
	return nil
}

// Move transfers ownership of r's handles and memory to a new
// Resource. r is left empty and destroying it is a no-op.
func (r *Resource) Move() *Resource {
	if r.Kind() == KindNone {
		return &Resource{}
	}
	n := &Resource{kind: r.kind, buf: r.buf, img: r.img, alloc: r.alloc, owner: r.owner}
	r.gone.Store(true)
	r.buf, r.img, r.alloc, r.owner = nil, nil, nil, nil
	return n
}

// Destroy destroys the handle and frees the memory.
// It is safe to call more than once.
func (r *Resource) Destroy() {
	if r == nil || !r.gone.CompareAndSwap(false, true) {
		return
	}
	switch r.kind {
	case KindBuffer:
		r.buf.Destroy()
	case KindImage:
		r.img.Destroy()
	default:
		return
	}
	if r.alloc != nil && r.owner != nil {
		r.owner.free(r.alloc)
	}
	r.buf, r.img, r.alloc = nil, nil, nil
}
