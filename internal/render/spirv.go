package render

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

// ErrBadShader means a shader blob is not a valid SPIR-V module.
var ErrBadShader = errors.New("render: not a SPIR-V module")

// Reflection is what the renderer needs to know about a shader
// module to build a pipeline layout for it.
type Reflection struct {
	// Stage is the union of the stages of all entry points.
	Stage    gpu.ShaderStage
	Entries  []EntryPoint
	Bindings []gpu.Binding
	// PushSize is the size in bytes of the push-constant block,
	// or zero.
	PushSize int
}

// EntryPoint is an entry point of a shader module.
type EntryPoint struct {
	Stage gpu.ShaderStage
	Name  string
}

// Entry returns the name of the entry point for stage.
func (r *Reflection) Entry(stage gpu.ShaderStage) (string, bool) {
	for _, e := range r.Entries {
		if e.Stage == stage {
			return e.Name, true
		}
	}
	return "", false
}

// SPIR-V opcodes, decorations and storage classes used by
// ReflectSPIRV.
const (
	opEntryPoint       = 15
	opTypeInt          = 21
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeMatrix       = 24
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opConstant         = 43
	opVariable         = 59
	opDecorate         = 71
	opMemberDecorate   = 72

	decBlock       = 2
	decBufferBlock = 3
	decArrayStride = 6
	decBinding     = 33
	decDescSet     = 34
	decOffset      = 35

	scUniformConstant = 0
	scUniform         = 2
	scPushConstant    = 9
	scStorageBuffer   = 12
)

var execModels = map[uint32]gpu.ShaderStage{
	0: gpu.ShaderVertex,
	1: gpu.ShaderTessControl,
	2: gpu.ShaderTessEval,
	3: gpu.ShaderGeometry,
	4: gpu.ShaderFragment,
	5: gpu.ShaderCompute,
}

// CheckSPIRV checks the size and magic number of a blob.
func CheckSPIRV(code []byte) error {
	if len(code) < 20 || len(code)%4 != 0 {
		return errors.Wrapf(ErrBadShader, "size %d", len(code))
	}
	if binary.LittleEndian.Uint32(code) != SPIRVMagic {
		return errors.Wrapf(ErrBadShader, "magic %#08x", binary.LittleEndian.Uint32(code))
	}
	return nil
}

type spvType struct {
	op    uint32
	words []uint32
}

type spvVar struct {
	ptr   uint32
	class uint32
}

type reflector struct {
	types    map[uint32]spvType
	consts   map[uint32]uint32
	vars     map[uint32]spvVar
	sets     map[uint32]uint32
	bindings map[uint32]uint32
	flags    map[uint32]uint32
	strides  map[uint32]uint32
	offsets  map[[2]uint32]uint32
}

// ReflectSPIRV extracts the entry points, descriptor bindings and
// push-constant size of a little-endian SPIR-V module. Bindings
// are visible to the stages of every entry point.
func ReflectSPIRV(code []byte) (*Reflection, error) {
	if err := CheckSPIRV(code); err != nil {
		return nil, err
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}

	r := &reflector{
		types:    make(map[uint32]spvType),
		consts:   make(map[uint32]uint32),
		vars:     make(map[uint32]spvVar),
		sets:     make(map[uint32]uint32),
		bindings: make(map[uint32]uint32),
		flags:    make(map[uint32]uint32),
		strides:  make(map[uint32]uint32),
		offsets:  make(map[[2]uint32]uint32),
	}
	refl := &Reflection{}

	for i := 5; i < len(words); {
		n := int(words[i] >> 16)
		op := words[i] & 0xffff
		if n == 0 || i+n > len(words) {
			return nil, errors.Wrapf(ErrBadShader, "truncated instruction at word %d", i)
		}
		in := words[i+1 : i+n]
		switch op {
		case opEntryPoint:
			if len(in) >= 3 {
				stage, ok := execModels[in[0]]
				if !ok {
					return nil, errors.Newf("render: unsupported execution model %d", in[0])
				}
				refl.Stage |= stage
				refl.Entries = append(refl.Entries, EntryPoint{Stage: stage, Name: spvString(in[2:])})
			}
		case opTypeInt, opTypeFloat, opTypeVector, opTypeMatrix, opTypeImage,
			opTypeSampler, opTypeSampledImage, opTypeArray, opTypeRuntimeArray,
			opTypeStruct, opTypePointer:
			if len(in) >= 1 {
				r.types[in[0]] = spvType{op: op, words: in[1:]}
			}
		case opConstant:
			if len(in) >= 3 {
				r.consts[in[1]] = in[2]
			}
		case opVariable:
			if len(in) >= 3 {
				r.vars[in[1]] = spvVar{ptr: in[0], class: in[2]}
			}
		case opDecorate:
			if len(in) < 2 {
				break
			}
			switch in[1] {
			case decDescSet:
				if len(in) >= 3 {
					r.sets[in[0]] = in[2]
				}
			case decBinding:
				if len(in) >= 3 {
					r.bindings[in[0]] = in[2]
				}
			case decArrayStride:
				if len(in) >= 3 {
					r.strides[in[0]] = in[2]
				}
			case decBlock, decBufferBlock:
				r.flags[in[0]] = in[1]
			}
		case opMemberDecorate:
			if len(in) >= 4 && in[2] == decOffset {
				r.offsets[[2]uint32{in[0], in[1]}] = in[3]
			}
		}
		i += n
	}
	if len(refl.Entries) == 0 {
		return nil, errors.Wrap(ErrBadShader, "no entry point")
	}

	for id, v := range r.vars {
		ptr, ok := r.types[v.ptr]
		if !ok || ptr.op != opTypePointer || len(ptr.words) < 2 {
			continue
		}
		pointee := ptr.words[1]
		switch v.class {
		case scPushConstant:
			refl.PushSize = max(refl.PushSize, r.size(pointee))
		case scUniformConstant, scUniform, scStorageBuffer:
			set, hasSet := r.sets[id]
			binding, hasBinding := r.bindings[id]
			if !hasSet || !hasBinding {
				continue
			}
			typ, count := r.unwrap(pointee)
			dt, ok := r.descType(v.class, typ)
			if !ok {
				continue
			}
			refl.Bindings = append(refl.Bindings, gpu.Binding{
				Set:     int(set),
				Binding: int(binding),
				Type:    dt,
				Count:   count,
				Stages:  refl.Stage,
			})
		}
	}
	sort.Slice(refl.Bindings, func(i, j int) bool {
		a, b := refl.Bindings[i], refl.Bindings[j]
		if a.Set != b.Set {
			return a.Set < b.Set
		}
		return a.Binding < b.Binding
	})
	return refl, nil
}

// spvString decodes a nul-terminated literal string.
func spvString(w []uint32) string {
	var b []byte
	for _, x := range w {
		for k := 0; k < 4; k++ {
			c := byte(x >> (8 * k))
			if c == 0 {
				return string(b)
			}
			b = append(b, c)
		}
	}
	return string(b)
}

// unwrap strips array types, returning the element type and the
// descriptor count. Runtime arrays count as zero, meaning unbounded.
func (r *reflector) unwrap(id uint32) (uint32, int) {
	count := 1
	for {
		t, ok := r.types[id]
		if !ok || len(t.words) < 1 {
			return id, count
		}
		switch t.op {
		case opTypeArray:
			if len(t.words) < 2 {
				return id, count
			}
			count *= int(r.consts[t.words[1]])
			id = t.words[0]
		case opTypeRuntimeArray:
			count = 0
			id = t.words[0]
		default:
			return id, count
		}
	}
}

func (r *reflector) descType(class, id uint32) (gpu.DescriptorType, bool) {
	t, ok := r.types[id]
	if !ok {
		return 0, false
	}
	switch class {
	case scStorageBuffer:
		return gpu.DescStorageBuffer, true
	case scUniform:
		if r.flags[id] == decBufferBlock {
			return gpu.DescStorageBuffer, true
		}
		return gpu.DescUniformBuffer, true
	}
	switch t.op {
	case opTypeSampledImage:
		return gpu.DescCombinedImageSampler, true
	case opTypeSampler:
		return gpu.DescSampler, true
	case opTypeImage:
		// Sampled operand: 2 means read/write without a sampler.
		if len(t.words) >= 6 && t.words[5] == 2 {
			return gpu.DescStorageImage, true
		}
		return gpu.DescSampledImage, true
	}
	return 0, false
}

// size returns the size in bytes of a type as laid out by its
// offset and stride decorations.
func (r *reflector) size(id uint32) int {
	t, ok := r.types[id]
	if !ok || len(t.words) < 1 {
		return 0
	}
	if t.op != opTypeStruct && t.op != opTypeInt && t.op != opTypeFloat && len(t.words) < 2 {
		return 0
	}
	switch t.op {
	case opTypeInt, opTypeFloat:
		return int(t.words[0]) / 8
	case opTypeVector, opTypeMatrix:
		return int(t.words[1]) * r.size(t.words[0])
	case opTypeArray:
		stride := int(r.strides[id])
		if stride == 0 {
			stride = r.size(t.words[0])
		}
		return stride * int(r.consts[t.words[1]])
	case opTypeStruct:
		n := 0
		for m, member := range t.words {
			off := int(r.offsets[[2]uint32{id, uint32(m)}])
			n = max(n, off+r.size(member))
		}
		return n
	}
	return 0
}
