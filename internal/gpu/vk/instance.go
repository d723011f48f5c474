// Package vk implements the gpu interfaces on Vulkan through
// github.com/vulkan-go/vulkan.
//
// Objects returned by this package must only be passed back to
// the Device (or Instance) that created them.
package vk

import (
	"context"
	"io"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/gpu"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation\x00"}

const debugReportExt = "VK_EXT_debug_report"

// Window is the platform window an Instance presents to.
type Window interface {
	// ProcAddr returns vkGetInstanceProcAddr as provided by the
	// windowing library.
	ProcAddr() unsafe.Pointer

	// RequiredInstanceExtensions lists the instance extensions
	// the window needs to create a surface.
	RequiredInstanceExtensions() []string

	// CreateSurface creates a surface for the window.
	CreateSurface(inst vulkan.Instance) (vulkan.Surface, error)
}

// Option configures NewInstance.
type Option func(*Instance)

// WithLogger sets the logger that receives validation messages.
func WithLogger(l *slog.Logger) Option {
	return func(in *Instance) {
		if l != nil {
			in.log = l
		}
	}
}

// WithAppName sets the application name reported to the driver.
func WithAppName(name string) Option {
	return func(in *Instance) { in.appName = name }
}

// Instance is a Vulkan instance bound to one window surface.
type Instance struct {
	inst       vulkan.Instance
	surface    vulkan.Surface
	debug      vulkan.DebugReportCallback
	validation bool
	appName    string
	log        *slog.Logger

	mu      sync.Mutex
	devices []*Device
}

var initOnce sync.Once
var initErr error

// NewInstance creates an instance and the surface of win.
// If validation is set and the validation layers are installed,
// they are enabled and their messages go to the logger.
func NewInstance(win Window, validation bool, opts ...Option) (*Instance, error) {
	in := &Instance{
		validation: validation,
		appName:    "Dragonfire",
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(in)
	}

	initOnce.Do(func() {
		vulkan.SetGetInstanceProcAddr(win.ProcAddr())
		initErr = vulkan.Init()
	})
	if initErr != nil {
		return nil, errors.Mark(errors.Wrap(initErr, "vulkan init"), gpu.ErrNoDevice)
	}

	if in.validation && !layersSupported(validationLayers) {
		in.log.Warn("validation layers requested but not installed, continuing without them")
		in.validation = false
	}
	if err := in.createInstance(win.RequiredInstanceExtensions()); err != nil {
		return nil, err
	}
	if err := vulkan.InitInstance(in.inst); err != nil {
		in.Destroy()
		return nil, errors.Wrap(err, "init instance")
	}
	if err := in.setupDebugCallback(); err != nil {
		in.log.Warn("debug report callback unavailable", slog.Any("error", err))
	}
	surface, err := win.CreateSurface(in.inst)
	if err != nil {
		in.Destroy()
		return nil, errors.Mark(errors.Wrap(err, "create window surface"), gpu.ErrSurface)
	}
	in.surface = surface
	return in, nil
}

func (in *Instance) createInstance(windowExts []string) error {
	appInfo := vulkan.ApplicationInfo{
		SType:              vulkan.StructureTypeApplicationInfo,
		PApplicationName:   in.appName + "\x00",
		ApplicationVersion: vulkan.MakeVersion(0, 1, 0),
		PEngineName:        "Dragonfire\x00",
		EngineVersion:      vulkan.MakeVersion(0, 1, 0),
		ApiVersion:         vulkan.MakeVersion(1, 1, 0),
	}

	exts := make([]string, 0, len(windowExts)+1)
	for _, e := range windowExts {
		exts = append(exts, cstr(e))
	}
	if in.validation {
		exts = append(exts, cstr(debugReportExt))
	}

	createInfo := vulkan.InstanceCreateInfo{
		SType:                   vulkan.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(exts)),
		PpEnabledExtensionNames: exts,
	}
	if in.validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}

	var inst vulkan.Instance
	if err := checkResult(vulkan.CreateInstance(&createInfo, nil, &inst), "create instance"); err != nil {
		return err
	}
	in.inst = inst
	return nil
}

func layersSupported(want []string) bool {
	var count uint32
	if vulkan.EnumerateInstanceLayerProperties(&count, nil) != vulkan.Success {
		return false
	}
	props := make([]vulkan.LayerProperties, count)
	if vulkan.EnumerateInstanceLayerProperties(&count, props) != vulkan.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vulkan.ToString(props[i].LayerName[:])] = true
	}
	for _, l := range want {
		if !supported[gostr(l)] {
			return false
		}
	}
	return true
}

func (in *Instance) setupDebugCallback() error {
	if !in.validation {
		return nil
	}
	log := in.log
	createInfo := vulkan.DebugReportCallbackCreateInfo{
		SType: vulkan.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vulkan.DebugReportFlags(
			vulkan.DebugReportErrorBit |
				vulkan.DebugReportWarningBit |
				vulkan.DebugReportPerformanceWarningBit),
		PfnCallback: func(flags vulkan.DebugReportFlags, objectType vulkan.DebugReportObjectType, object uint64, location uint, messageCode int32, layerPrefix string, message string, userData unsafe.Pointer) vulkan.Bool32 {
			level := slog.LevelWarn
			if flags&vulkan.DebugReportFlags(vulkan.DebugReportErrorBit) != 0 {
				level = slog.LevelError
			}
			log.Log(context.Background(), level, message,
				slog.String("layer", layerPrefix),
				slog.Int("code", int(messageCode)),
				slog.Uint64("object", object))
			return vulkan.False
		},
	}
	var cb vulkan.DebugReportCallback
	if err := checkResult(vulkan.CreateDebugReportCallback(in.inst, &createInfo, nil, &cb), "create debug callback"); err != nil {
		return err
	}
	in.debug = cb
	return nil
}

// Adapters implements gpu.Instance.
func (in *Instance) Adapters() ([]gpu.Adapter, error) {
	var count uint32
	if err := checkResult(vulkan.EnumeratePhysicalDevices(in.inst, &count, nil), "enumerate physical devices"); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	pds := make([]vulkan.PhysicalDevice, count)
	if err := checkResult(vulkan.EnumeratePhysicalDevices(in.inst, &count, pds), "enumerate physical devices"); err != nil {
		return nil, err
	}
	adapters := make([]gpu.Adapter, 0, count)
	for _, pd := range pds[:count] {
		adapters = append(adapters, in.describe(pd))
	}
	return adapters, nil
}

func (in *Instance) describe(pd vulkan.PhysicalDevice) gpu.Adapter {
	var props vulkan.PhysicalDeviceProperties
	vulkan.GetPhysicalDeviceProperties(pd, &props)
	props.Deref()
	props.Limits.Deref()

	var feats vulkan.PhysicalDeviceFeatures
	vulkan.GetPhysicalDeviceFeatures(pd, &feats)
	feats.Deref()

	a := gpu.Adapter{
		Name:       vulkan.ToString(props.DeviceName[:]),
		Type:       gpuDeviceType(props.DeviceType),
		VendorID:   props.VendorID,
		DeviceID:   props.DeviceID,
		Extensions: deviceExtensions(pd),
		Families:   in.queueFamilies(pd),
		Limits: gpu.Limits{
			MinUniformOffsetAlign:  int64(props.Limits.MinUniformBufferOffsetAlignment),
			NonCoherentAtomSize:    int64(props.Limits.NonCoherentAtomSize),
			MaxAnisotropy:          props.Limits.MaxSamplerAnisotropy,
			MaxImageDimension2D:    int(props.Limits.MaxImageDimension2D),
			MaxPushConstantsSize:   int(props.Limits.MaxPushConstantsSize),
			BufferImageGranularity: int64(props.Limits.BufferImageGranularity),
			SampleCounts:           int(props.Limits.FramebufferColorSampleCounts & props.Limits.FramebufferDepthSampleCounts),
		},
		Handle: pd,
	}
	a.Features = gpu.Features{
		SamplerAnisotropy: feats.SamplerAnisotropy == vulkan.True,
		SampleRateShading: feats.SampleRateShading == vulkan.True,
		SparseBinding:     feats.SparseBinding == vulkan.True,
		// Both are promoted through extensions on the 1.1 API
		// this backend targets.
		DescriptorIndexing:  a.HasExtension(gpu.ExtDescriptorIndexing),
		BufferDeviceAddress: a.HasExtension(gpu.ExtBufferDeviceAddress),
	}
	return a
}

func deviceExtensions(pd vulkan.PhysicalDevice) []string {
	var count uint32
	if vulkan.EnumerateDeviceExtensionProperties(pd, "", &count, nil) != vulkan.Success {
		return nil
	}
	props := make([]vulkan.ExtensionProperties, count)
	if vulkan.EnumerateDeviceExtensionProperties(pd, "", &count, props) != vulkan.Success {
		return nil
	}
	names := make([]string, 0, count)
	for i := range props[:count] {
		props[i].Deref()
		names = append(names, vulkan.ToString(props[i].ExtensionName[:]))
	}
	return names
}

func (in *Instance) queueFamilies(pd vulkan.PhysicalDevice) []gpu.QueueFamily {
	var count uint32
	vulkan.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vulkan.QueueFamilyProperties, count)
	vulkan.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	fams := make([]gpu.QueueFamily, count)
	for i := range fams {
		props[i].Deref()
		var present vulkan.Bool32
		vulkan.GetPhysicalDeviceSurfaceSupport(pd, uint32(i), in.surface, &present)
		fams[i] = gpu.QueueFamily{
			Flags:   gpuQueueFlags(props[i].QueueFlags),
			Count:   int(props[i].QueueCount),
			Present: present == vulkan.True,
		}
	}
	return fams
}

// NewDevice implements gpu.Instance.
func (in *Instance) NewDevice(a *gpu.Adapter, desc *gpu.DeviceDesc) (gpu.Device, error) {
	pd, ok := a.Handle.(vulkan.PhysicalDevice)
	if !ok {
		return nil, errors.Newf("vk: adapter %q was not enumerated by this backend", a.Name)
	}
	priority := []float32{1}
	queueInfos := make([]vulkan.DeviceQueueCreateInfo, 0, len(desc.Families))
	for _, fam := range desc.Families {
		queueInfos = append(queueInfos, vulkan.DeviceQueueCreateInfo{
			SType:            vulkan.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(fam),
			QueueCount:       1,
			PQueuePriorities: priority,
		})
	}

	features := vulkan.PhysicalDeviceFeatures{
		SamplerAnisotropy: bool32(desc.Features.SamplerAnisotropy),
		SampleRateShading: bool32(desc.Features.SampleRateShading),
		SparseBinding:     bool32(desc.Features.SparseBinding),
	}
	exts := make([]string, 0, len(desc.Extensions))
	for _, e := range desc.Extensions {
		exts = append(exts, cstr(e))
	}
	createInfo := vulkan.DeviceCreateInfo{
		SType:                   vulkan.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vulkan.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(exts)),
		PpEnabledExtensionNames: exts,
	}
	if in.validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}

	var dev vulkan.Device
	if err := checkResult(vulkan.CreateDevice(pd, &createInfo, nil, &dev), "create logical device"); err != nil {
		return nil, err
	}
	d := &Device{
		inst:     in,
		pd:       pd,
		dev:      dev,
		queues:   make(map[int]*Queue, len(desc.Families)),
		memTypes: memoryTypes(pd),
	}
	for _, fam := range desc.Families {
		var q vulkan.Queue
		vulkan.GetDeviceQueue(dev, uint32(fam), 0, &q)
		d.queues[fam] = &Queue{d: d, q: q}
	}
	in.mu.Lock()
	in.devices = append(in.devices, d)
	in.mu.Unlock()
	return d, nil
}

func memoryTypes(pd vulkan.PhysicalDevice) []gpu.MemoryType {
	var props vulkan.PhysicalDeviceMemoryProperties
	vulkan.GetPhysicalDeviceMemoryProperties(pd, &props)
	props.Deref()

	types := make([]gpu.MemoryType, props.MemoryTypeCount)
	for i := range types {
		mt := props.MemoryTypes[i]
		mt.Deref()
		heap := props.MemoryHeaps[mt.HeapIndex]
		heap.Deref()
		types[i] = gpu.MemoryType{
			Props:     gpuMemoryProps(mt.PropertyFlags),
			HeapIndex: int(mt.HeapIndex),
			HeapSize:  int64(heap.Size),
		}
	}
	return types
}

// Destroy destroys the surface and the instance. Devices created
// from the instance must be destroyed first.
func (in *Instance) Destroy() {
	in.mu.Lock()
	for _, d := range in.devices {
		if !d.destroyed.Load() {
			in.log.Error("instance destroyed before its device")
		}
	}
	in.devices = nil
	in.mu.Unlock()

	if in.debug != vulkan.DebugReportCallback(vulkan.NullHandle) {
		vulkan.DestroyDebugReportCallback(in.inst, in.debug, nil)
		in.debug = vulkan.DebugReportCallback(vulkan.NullHandle)
	}
	if in.surface != vulkan.Surface(vulkan.NullHandle) {
		vulkan.DestroySurface(in.inst, in.surface, nil)
		in.surface = vulkan.Surface(vulkan.NullHandle)
	}
	if in.inst != vulkan.Instance(vulkan.NullHandle) {
		vulkan.DestroyInstance(in.inst, nil)
		in.inst = vulkan.Instance(vulkan.NullHandle)
	}
}

// cstr null-terminates s for the Vulkan loader.
func cstr(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}

func gostr(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s[:len(s)-1]
	}
	return s
}
