package render

import (
	"testing"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/gputest"
)

// newContext initializes a device context on a mock instance.
func newContext(t *testing.T, cfg gputest.Config) (*DeviceContext, *gputest.Device) {
	t.Helper()
	inst := gputest.NewInstance(cfg)
	ctx, err := Initialize(inst, nil)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(ctx.Destroy)
	return ctx, inst.Devices()[0]
}

func TestSelectQueueFamilies(t *testing.T) {
	all := gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer
	tests := []struct {
		name string
		fams []gpu.QueueFamily
		want QueueFamilies
		ok   bool
	}{
		{
			name: "single family",
			fams: []gpu.QueueFamily{{Flags: all, Count: 1, Present: true}},
			want: QueueFamilies{0, 0, 0},
			ok:   true,
		},
		{
			name: "distinct families",
			fams: []gpu.QueueFamily{
				{Flags: all, Count: 16, Present: true},
				{Flags: gpu.QueueCompute, Count: 1, Present: true},
				{Flags: gpu.QueueTransfer, Count: 2},
			},
			want: QueueFamilies{0, 1, 2},
			ok:   true,
		},
		{
			name: "graphics cannot present",
			fams: []gpu.QueueFamily{
				{Flags: gpu.QueueGraphics, Count: 1},
				{Flags: gpu.QueueTransfer, Count: 1, Present: true},
			},
			want: QueueFamilies{0, 1, 1},
			ok:   true,
		},
		{
			name: "graphics family is not first",
			fams: []gpu.QueueFamily{
				{Flags: gpu.QueueTransfer, Count: 1},
				{Flags: all, Count: 1, Present: true},
			},
			want: QueueFamilies{1, 1, 0},
			ok:   true,
		},
		{
			name: "nothing presents",
			fams: []gpu.QueueFamily{{Flags: all, Count: 1}},
		},
		{
			name: "no graphics",
			fams: []gpu.QueueFamily{{Flags: gpu.QueueCompute, Count: 1, Present: true}},
		},
		{
			name: "empty family skipped",
			fams: []gpu.QueueFamily{
				{Flags: all, Count: 0, Present: true},
				{Flags: all, Count: 1, Present: true},
			},
			want: QueueFamilies{1, 1, 1},
			ok:   true,
		},
	}
	for _, tt := range tests {
		got, ok := SelectQueueFamilies(tt.fams)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestQueueFamiliesDistinct(t *testing.T) {
	tests := []struct {
		q    QueueFamilies
		want []int
	}{
		{QueueFamilies{0, 0, 0}, []int{0}},
		{QueueFamilies{0, 1, 0}, []int{0, 1}},
		{QueueFamilies{0, 1, 2}, []int{0, 1, 2}},
		{QueueFamilies{2, 2, 1}, []int{2, 1}},
	}
	for _, tt := range tests {
		got := tt.q.Distinct()
		if len(got) != len(tt.want) {
			t.Fatalf("%+v: got %v, want %v", tt.q, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%+v: got %v, want %v", tt.q, got, tt.want)
			}
		}
	}
}

func TestInitializePrefersDiscrete(t *testing.T) {
	cfg := gputest.DefaultConfig()
	cfg.Adapters = []gpu.Adapter{
		gputest.IntegratedAdapter("integrated"),
		gputest.DiscreteAdapter("discrete"),
	}
	ctx, _ := newContext(t, cfg)
	if ctx.Adapter.Name != "discrete" {
		t.Fatalf("selected %q, want the discrete adapter", ctx.Adapter.Name)
	}
}

func TestInitializeFallsBackToIntegrated(t *testing.T) {
	weak := gputest.DiscreteAdapter("no anisotropy")
	weak.Features.SamplerAnisotropy = false
	cfg := gputest.DefaultConfig()
	cfg.Adapters = []gpu.Adapter{weak, gputest.IntegratedAdapter("integrated")}

	ctx, dev := newContext(t, cfg)
	if ctx.Adapter.Name != "integrated" {
		t.Fatalf("selected %q, want the integrated adapter", ctx.Adapter.Name)
	}
	if got := dev.Desc().Families; len(got) != 1 || got[0] != 0 {
		t.Fatalf("device created with families %v, want [0]", got)
	}
	if ctx.Graphics == nil || ctx.Present == nil || ctx.Transfer == nil {
		t.Fatalf("queues not set: %+v", ctx)
	}
}

func TestInitializeEnablesOptionalExtensions(t *testing.T) {
	_, dev := newContext(t, gputest.DefaultConfig())
	exts := dev.Desc().Extensions
	want := map[string]bool{gpu.ExtSwapchain: false, gpu.ExtDescriptorIndexing: false}
	for _, e := range exts {
		if _, ok := want[e]; ok {
			want[e] = true
		}
		if e == gpu.ExtBufferDeviceAddress {
			t.Fatalf("buffer device address enabled without being required")
		}
	}
	for e, found := range want {
		if !found {
			t.Fatalf("extension %s not enabled: %v", e, exts)
		}
	}
}

func TestInitializeNoDevice(t *testing.T) {
	a := gputest.DiscreteAdapter("no swapchain")
	a.Extensions = nil
	b := gputest.IntegratedAdapter("no present")
	b.Families[0].Present = false

	inst := gputest.NewInstance(gputest.Config{Adapters: []gpu.Adapter{a, b}, Caps: gputest.DefaultCaps()})
	_, err := Initialize(inst, nil)
	if err == nil {
		t.Fatalf("Initialize succeeded without a qualifying adapter")
	}
	if !errors.Is(err, gpu.ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
	if !IsFatal(err) {
		t.Fatalf("%v is not fatal", err)
	}
	if n := len(inst.Devices()); n != 0 {
		t.Fatalf("%d devices created", n)
	}
}

func TestSamples(t *testing.T) {
	ctx := &DeviceContext{Limits: gpu.Limits{SampleCounts: 1 | 2 | 4}}
	tests := []struct{ want, got int }{
		{0, 1},
		{1, 1},
		{2, 2},
		{4, 4},
		{8, 4},
		{3, 2},
	}
	for _, tt := range tests {
		if got := ctx.Samples(tt.want); got != tt.got {
			t.Fatalf("Samples(%d) = %d, want %d", tt.want, got, tt.got)
		}
	}
}

func TestDeviceContextDestroyTwice(t *testing.T) {
	ctx, dev := newContext(t, gputest.DefaultConfig())
	ctx.Destroy()
	ctx.Destroy()
	if !dev.Destroyed() {
		t.Fatalf("device not destroyed")
	}
	if n := dev.DoubleDestroys(); n != 0 {
		t.Fatalf("%d double destroys", n)
	}
}
