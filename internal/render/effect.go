package render

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

// Effect describes a graphics pipeline: the shader used by each
// stage and the fixed-function state.
//
// Effects are read from JSON documents such as
//
//	{
//	  "name": "lit",
//	  "stages": {"vertex": "lit.vert", "fragment": "lit.frag"},
//	  "topology": "triangle-list",
//	  "cull": "back",
//	  "depthTest": true,
//	  "depthWrite": true,
//	  "blend": false
//	}
//
// where stage values name shaders loaded by LoadShaders.
type Effect struct {
	Name       string
	Stages     map[gpu.ShaderStage]string
	Topology   gpu.Topology
	Cull       gpu.CullMode
	DepthTest  bool
	DepthWrite bool
	Blend      bool
}

// NewEffect returns an opaque, depth-tested, back-face culled
// triangle-list effect with no stages.
func NewEffect(name string) *Effect {
	return &Effect{
		Name:       name,
		Stages:     make(map[gpu.ShaderStage]string),
		Topology:   gpu.TriangleList,
		Cull:       gpu.CullBack,
		DepthTest:  true,
		DepthWrite: true,
	}
}

var stageNames = map[string]gpu.ShaderStage{
	"vertex":       gpu.ShaderVertex,
	"fragment":     gpu.ShaderFragment,
	"geometry":     gpu.ShaderGeometry,
	"tess-control": gpu.ShaderTessControl,
	"tess-eval":    gpu.ShaderTessEval,
}

var topologyNames = map[string]gpu.Topology{
	"triangle-list":  gpu.TriangleList,
	"triangle-strip": gpu.TriangleStrip,
	"line-list":      gpu.LineList,
	"point-list":     gpu.PointList,
}

var cullNames = map[string]gpu.CullMode{
	"back":  gpu.CullBack,
	"front": gpu.CullFront,
	"none":  gpu.CullNone,
}

// ParseEffect parses an effect document.
func ParseEffect(data []byte) (*Effect, error) {
	e := NewEffect("")
	var bad []string

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		switch key := string(obj.Name()); key {
		case "name":
			e.Name = r.String()
		case "stages":
			for st := r.Object(); st.Next(); {
				name := string(st.Name())
				file := r.String()
				stage, ok := stageNames[name]
				if !ok {
					bad = append(bad, "stage "+name)
					continue
				}
				e.Stages[stage] = file
			}
		case "topology":
			s := r.String()
			if t, ok := topologyNames[s]; ok {
				e.Topology = t
			} else {
				bad = append(bad, "topology "+s)
			}
		case "cull":
			s := r.String()
			if c, ok := cullNames[s]; ok {
				e.Cull = c
			} else {
				bad = append(bad, "cull mode "+s)
			}
		case "depthTest":
			e.DepthTest = r.Bool()
		case "depthWrite":
			e.DepthWrite = r.Bool()
		case "blend":
			e.Blend = r.Bool()
		default:
			_ = r.SkipValue()
		}
	}
	if err := r.Error(); err != nil {
		return nil, errors.Wrap(err, "parse effect")
	}
	if len(bad) > 0 {
		return nil, errors.Newf("effect %q: unknown %s", e.Name, strings.Join(bad, ", "))
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks that the effect can be turned into a pipeline.
func (e *Effect) Validate() error {
	if e.Name == "" {
		return errors.New("effect has no name")
	}
	if e.Stages[gpu.ShaderVertex] == "" {
		return errors.Newf("effect %q has no vertex stage", e.Name)
	}
	if e.Stages[gpu.ShaderFragment] == "" {
		return errors.Newf("effect %q has no fragment stage", e.Name)
	}
	return nil
}

// LoadEffects parses every .json file of dir. Files that cannot
// be read or parsed are logged and skipped; only a failure to
// list dir is returned.
func LoadEffects(dir string) ([]*Effect, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "list effects in %s", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "list effects in %s", dir)
	}
	log := Logger()
	var effects []*Effect
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Warn("effect skipped", slog.String("file", f), errAttr(err))
			continue
		}
		e, err := ParseEffect(data)
		if err != nil {
			log.Warn("effect skipped", slog.String("file", f), errAttr(err))
			continue
		}
		effects = append(effects, e)
	}
	sort.Slice(effects, func(i, j int) bool { return effects[i].Name < effects[j].Name })
	return effects, nil
}
