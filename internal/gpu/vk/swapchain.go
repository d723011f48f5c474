package vk

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// SurfaceCaps implements gpu.Device.
func (d *Device) SurfaceCaps() (gpu.SurfaceCaps, error) {
	surface := d.inst.surface
	var caps vulkan.SurfaceCapabilities
	res := vulkan.GetPhysicalDeviceSurfaceCapabilities(d.pd, surface, &caps)
	if err := checkResult(res, "surface capabilities"); err != nil {
		return gpu.SurfaceCaps{}, errors.Mark(err, gpu.ErrSurface)
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	out := gpu.SurfaceCaps{
		MinImages: int(caps.MinImageCount),
		MaxImages: int(caps.MaxImageCount),
		Current:   gpu.Extent{Width: int(caps.CurrentExtent.Width), Height: int(caps.CurrentExtent.Height)},
		MinExtent: gpu.Extent{Width: int(caps.MinImageExtent.Width), Height: int(caps.MinImageExtent.Height)},
		MaxExtent: gpu.Extent{Width: int(caps.MaxImageExtent.Width), Height: int(caps.MaxImageExtent.Height)},
	}
	if caps.CurrentExtent.Width == math.MaxUint32 {
		out.Current = gpu.Extent{Width: gpu.UndefinedExtent, Height: gpu.UndefinedExtent}
	}

	var formatCount uint32
	vulkan.GetPhysicalDeviceSurfaceFormats(d.pd, surface, &formatCount, nil)
	if formatCount > 0 {
		formats := make([]vulkan.SurfaceFormat, formatCount)
		res = vulkan.GetPhysicalDeviceSurfaceFormats(d.pd, surface, &formatCount, formats)
		if err := checkResult(res, "surface formats"); err != nil {
			return gpu.SurfaceCaps{}, errors.Mark(err, gpu.ErrSurface)
		}
		for i := range formats[:formatCount] {
			formats[i].Deref()
			f, ok := gpuFormat(formats[i].Format)
			if !ok || f == gpu.FormatUndefined {
				continue
			}
			out.Formats = append(out.Formats, gpu.SurfaceFormat{
				Format:     f,
				ColorSpace: gpuColorSpace(formats[i].ColorSpace),
			})
		}
	}

	var modeCount uint32
	vulkan.GetPhysicalDeviceSurfacePresentModes(d.pd, surface, &modeCount, nil)
	if modeCount > 0 {
		modes := make([]vulkan.PresentMode, modeCount)
		res = vulkan.GetPhysicalDeviceSurfacePresentModes(d.pd, surface, &modeCount, modes)
		if err := checkResult(res, "surface present modes"); err != nil {
			return gpu.SurfaceCaps{}, errors.Mark(err, gpu.ErrSurface)
		}
		for _, m := range modes[:modeCount] {
			if pm, ok := gpuPresentMode(m); ok {
				out.PresentModes = append(out.PresentModes, pm)
			}
		}
	}
	return out, nil
}

// Swapchain is a Vulkan swapchain.
type Swapchain struct {
	d      *Device
	sc     vulkan.Swapchain
	images []gpu.Image
}

// NewSwapchain implements gpu.Device.
func (d *Device) NewSwapchain(desc *gpu.SwapchainDesc, old gpu.Swapchain) (gpu.Swapchain, error) {
	var caps vulkan.SurfaceCapabilities
	res := vulkan.GetPhysicalDeviceSurfaceCapabilities(d.pd, d.inst.surface, &caps)
	if err := checkResult(res, "surface capabilities"); err != nil {
		return nil, errors.Mark(err, gpu.ErrSurface)
	}
	caps.Deref()

	alpha := vulkan.CompositeAlphaOpaqueBit
	if vulkan.CompositeAlphaFlagBits(caps.SupportedCompositeAlpha)&alpha == 0 {
		for _, a := range []vulkan.CompositeAlphaFlagBits{
			vulkan.CompositeAlphaPreMultipliedBit,
			vulkan.CompositeAlphaPostMultipliedBit,
			vulkan.CompositeAlphaInheritBit,
		} {
			if vulkan.CompositeAlphaFlagBits(caps.SupportedCompositeAlpha)&a != 0 {
				alpha = a
				break
			}
		}
	}

	format := vkFormat(desc.Format.Format)
	info := vulkan.SwapchainCreateInfo{
		SType:            vulkan.StructureTypeSwapchainCreateInfo,
		Surface:          d.inst.surface,
		MinImageCount:    uint32(desc.Images),
		ImageFormat:      format,
		ImageColorSpace:  vkColorSpace(desc.Format.ColorSpace),
		ImageExtent:      vulkan.Extent2D{Width: uint32(desc.Extent.Width), Height: uint32(desc.Extent.Height)},
		ImageArrayLayers: 1,
		ImageUsage:       vulkan.ImageUsageFlags(vulkan.ImageUsageColorAttachmentBit),
		ImageSharingMode: vulkan.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   alpha,
		PresentMode:      vkPresentMode(desc.PresentMode),
		Clipped:          vulkan.True,
		OldSwapchain:     vulkan.Swapchain(vulkan.NullHandle),
	}
	if families := distinct(desc.Families); len(families) > 1 {
		info.ImageSharingMode = vulkan.SharingModeConcurrent
		info.QueueFamilyIndexCount = uint32(len(families))
		info.PQueueFamilyIndices = families
	}
	if old != nil {
		info.OldSwapchain = old.(*Swapchain).sc
	}

	var sc vulkan.Swapchain
	if err := checkResult(vulkan.CreateSwapchain(d.dev, &info, nil, &sc), "create swapchain"); err != nil {
		return nil, err
	}

	var count uint32
	vulkan.GetSwapchainImages(d.dev, sc, &count, nil)
	vkImages := make([]vulkan.Image, count)
	res = vulkan.GetSwapchainImages(d.dev, sc, &count, vkImages)
	if err := checkResult(res, "get swapchain images"); err != nil {
		vulkan.DestroySwapchain(d.dev, sc, nil)
		return nil, err
	}
	images := make([]gpu.Image, count)
	for i, img := range vkImages[:count] {
		images[i] = &Image{d: d, img: img, format: format, levels: 1}
	}
	return &Swapchain{d: d, sc: sc, images: images}, nil
}

func distinct(families []int) []uint32 {
	var out []uint32
	seen := make(map[int]bool, len(families))
	for _, f := range families {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, uint32(f))
	}
	return out
}

// Images implements gpu.Swapchain.
func (s *Swapchain) Images() []gpu.Image {
	return s.images
}

// Acquire implements gpu.Swapchain.
func (s *Swapchain) Acquire(signal gpu.Semaphore, timeout time.Duration) (int, error) {
	sem := vulkan.Semaphore(vulkan.NullHandle)
	if signal != nil {
		sem = signal.(*Semaphore).s
	}
	var idx uint32
	res := vulkan.AcquireNextImage(s.d.dev, s.sc, timeoutNanos(timeout), sem, vulkan.Fence(vulkan.NullHandle), &idx)
	switch res {
	case vulkan.Success:
		return int(idx), nil
	case vulkan.Suboptimal:
		return int(idx), checkResult(res, "acquire next image")
	}
	return -1, checkResult(res, "acquire next image")
}

// Destroy implements gpu.Destroyer. The images go with the
// swapchain.
func (s *Swapchain) Destroy() {
	if s.sc != vulkan.Swapchain(vulkan.NullHandle) {
		vulkan.DestroySwapchain(s.d.dev, s.sc, nil)
		s.sc = vulkan.Swapchain(vulkan.NullHandle)
		s.images = nil
	}
}
