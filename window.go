package main

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/config"
)

// window adapts a GLFW window to the vk and render packages.
type window struct {
	*glfw.Window
}

func newWindow(cfg config.Config, title string) (*window, error) {
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	w, h := cfg.Width, cfg.Height
	var monitor *glfw.Monitor
	switch cfg.WindowMode {
	case config.Fullscreen:
		monitor = glfw.GetPrimaryMonitor()
		if mode := monitor.GetVideoMode(); mode != nil {
			w, h = mode.Width, mode.Height
		}
	case config.Borderless:
		if m := glfw.GetPrimaryMonitor(); m != nil {
			if mode := m.GetVideoMode(); mode != nil {
				w, h = mode.Width, mode.Height
			}
		}
		glfw.WindowHint(glfw.Decorated, glfw.False)
	}
	win, err := glfw.CreateWindow(w, h, title, monitor, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create window")
	}
	return &window{Window: win}, nil
}

// ProcAddr implements vk.Window.
func (w *window) ProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// RequiredInstanceExtensions implements vk.Window.
func (w *window) RequiredInstanceExtensions() []string {
	return w.GetRequiredInstanceExtensions()
}

// CreateSurface implements vk.Window.
func (w *window) CreateSurface(inst vulkan.Instance) (vulkan.Surface, error) {
	ptr, err := w.CreateWindowSurface(inst, nil)
	if err != nil {
		return vulkan.NullSurface, err
	}
	return vulkan.SurfaceFromPointer(ptr), nil
}

// DrawableSize implements render.SurfaceProvider.
func (w *window) DrawableSize() (int, int) {
	return w.GetFramebufferSize()
}
