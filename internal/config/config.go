// Package config holds the start-up settings of the renderer.
// A Config is read once from the environment and not changed
// afterwards.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// WindowMode is how the window occupies the screen.
type WindowMode int

const (
	Windowed WindowMode = iota
	Fullscreen
	Borderless
)

func (m WindowMode) String() string {
	switch m {
	case Windowed:
		return "windowed"
	case Fullscreen:
		return "fullscreen"
	case Borderless:
		return "borderless"
	}
	return "WindowMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseWindowMode parses the String form of a WindowMode.
func ParseWindowMode(s string) (WindowMode, error) {
	switch strings.ToLower(s) {
	case "windowed", "window":
		return Windowed, nil
	case "fullscreen":
		return Fullscreen, nil
	case "borderless":
		return Borderless, nil
	}
	return 0, errors.Newf("unknown window mode %q", s)
}

// Config is the renderer configuration.
type Config struct {
	Width      int
	Height     int
	WindowMode WindowMode
	VSync      bool
	// MSAA is the requested sample count. The device may support
	// fewer.
	MSAA int
	// Validation enables the Vulkan validation layers and the
	// debug report callback.
	Validation     bool
	FramesInFlight int
	// Workers is the number of render workers; zero picks one per
	// two CPUs.
	Workers   int
	CacheDir  string
	ShaderDir string
	EffectDir string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Width:          800,
		Height:         600,
		WindowMode:     Windowed,
		VSync:          true,
		MSAA:           1,
		Validation:     true,
		FramesInFlight: 2,
		CacheDir:       defaultCacheDir(),
		ShaderDir:      "shaders",
		EffectDir:      "effects",
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dragonfire")
}

// Environment variables read by FromEnv.
const (
	EnvValidation = "VK_VALIDATION"
	EnvVSync      = "DF_VSYNC"
	EnvMSAA       = "DF_MSAA"
	EnvWidth      = "DF_WIDTH"
	EnvHeight     = "DF_HEIGHT"
	EnvWindowMode = "DF_WINDOW_MODE"
	EnvFrames     = "DF_FRAMES_IN_FLIGHT"
	EnvWorkers    = "DF_WORKERS"
	EnvCacheDir   = "DF_CACHE_DIR"
	EnvShaderDir  = "DF_SHADER_DIR"
	EnvEffectDir  = "DF_EFFECT_DIR"
)

// FromEnv returns Default overridden by the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup is FromEnv with the environment supplied by lookup.
// Unset variables keep their defaults; the first malformed one is
// reported.
func FromLookup(lookup func(key string) (string, bool)) (Config, error) {
	c := Default()
	var err error
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = parseBool(v)
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = errors.Wrapf(perr, "%s", key)
			return
		}
		*dst = n
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	setBool(EnvValidation, &c.Validation)
	setBool(EnvVSync, &c.VSync)
	setInt(EnvMSAA, &c.MSAA)
	setInt(EnvWidth, &c.Width)
	setInt(EnvHeight, &c.Height)
	setInt(EnvFrames, &c.FramesInFlight)
	setInt(EnvWorkers, &c.Workers)
	setString(EnvCacheDir, &c.CacheDir)
	setString(EnvShaderDir, &c.ShaderDir)
	setString(EnvEffectDir, &c.EffectDir)
	if v, ok := lookup(EnvWindowMode); ok && v != "" && err == nil {
		if c.WindowMode, err = ParseWindowMode(v); err != nil {
			err = errors.Wrapf(err, "%s", EnvWindowMode)
		}
	}
	if err != nil {
		return Default(), err
	}
	return c, c.Validate()
}

// parseBool reports false only for an explicit false value.
func parseBool(v string) bool {
	switch strings.TrimSpace(v) {
	case "0", "false", "False", "FALSE", "off", "no":
		return false
	}
	return true
}

// Validate reports the first setting out of range.
func (c *Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return errors.Newf("window size %dx%d", c.Width, c.Height)
	case c.MSAA < 1 || c.MSAA > 64 || c.MSAA&(c.MSAA-1) != 0:
		return errors.Newf("MSAA %d is not a power of two between 1 and 64", c.MSAA)
	case c.FramesInFlight < 1 || c.FramesInFlight > 3:
		return errors.Newf("%d frames in flight, want 1 to 3", c.FramesInFlight)
	case c.Workers < 0:
		return errors.Newf("%d workers", c.Workers)
	case c.WindowMode < Windowed || c.WindowMode > Borderless:
		return errors.Newf("window mode %d", int(c.WindowMode))
	}
	return nil
}
