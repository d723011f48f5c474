package main

import (
	"context"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	"github.com/xlab/closer"
	"golang.org/x/exp/slog"

	"Dragonfire/internal/config"
	"Dragonfire/internal/gpu"
	"Dragonfire/internal/gpu/vk"
	"Dragonfire/internal/render"
)

// maxFailedFrames is how many frames in a row may fail before the
// loop gives up.
const maxFailedFrames = 30

func init() {
	// GLFW/Vulkan require the main thread.
	runtime.LockOSThread()
}

func main() {
	code := 0
	if err := run(); err != nil {
		render.Logger().Log(context.Background(), render.LevelCritical, "renderer stopped", slog.Any("error", err))
		code = 1
	}
	closer.Exit(code)
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if cfg.Validation {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	render.SetLogger(log)

	// Signals stop the main loop; cleanup happens on this thread.
	stop := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	closer.Bind(func() {
		select {
		case stop <- struct{}{}:
			<-done
		case <-done:
		}
	})

	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "init glfw")
	}
	defer glfw.Terminate()

	win, err := newWindow(cfg, "Dragonfire")
	if err != nil {
		return err
	}
	defer win.Destroy()

	// Ensure the framebuffer has a non-zero size before initializing Vulkan.
	for {
		w, h := win.GetFramebufferSize()
		if w > 0 && h > 0 {
			break
		}
		glfw.WaitEventsTimeout(0.01)
	}

	inst, err := vk.NewInstance(win, cfg.Validation, vk.WithLogger(log), vk.WithAppName("Dragonfire"))
	if err != nil {
		return err
	}
	defer inst.Destroy()

	opts := render.DefaultOptions()
	opts.VSync = cfg.VSync
	opts.MSAA = cfg.MSAA
	opts.FramesInFlight = cfg.FramesInFlight
	opts.Workers = cfg.Workers
	opts.CacheDir = cfg.CacheDir
	r, err := render.New(inst, win, opts)
	if err != nil {
		return err
	}
	defer r.Destroy()

	sc, err := newScene(r, cfg.ShaderDir, cfg.EffectDir)
	if err != nil {
		return err
	}

	win.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})
	win.SetFramebufferSizeCallback(func(w *glfw.Window, width int, height int) {
		r.Resize()
	})

	log.Info("entering main loop",
		slog.String("mode", cfg.WindowMode.String()),
		slog.Int("msaa", cfg.MSAA),
		slog.Bool("vsync", cfg.VSync))
	failures := 0
	for !win.ShouldClose() {
		select {
		case <-stop:
			log.Info("interrupted")
			return nil
		default:
		}
		glfw.PollEvents()
		if err := sc.draw(); err != nil {
			failures++
			if render.IsFatal(err) || errors.Is(err, gpu.ErrDeviceLost) || failures >= maxFailedFrames {
				return err
			}
			log.Error("frame failed", slog.Any("error", err), slog.Int("consecutive", failures))
			continue
		}
		failures = 0
		if title, ok := sc.title(); ok {
			win.SetTitle(title)
		}
	}
	st := r.Stats()
	log.Info("exiting",
		slog.Uint64("frames", st.Frames),
		slog.Uint64("presented", st.Presented),
		slog.Int("rebuilds", st.Rebuilds))
	return nil
}
