package vk

import (
	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// checkResult converts a Vulkan result into an error.
// Results with a gpu sentinel are marked with it so callers can
// test them with errors.Is; the Vulkan error stays in the chain.
func checkResult(res vulkan.Result, op string) error {
	var sentinel error
	switch res {
	case vulkan.Success:
		return nil
	case vulkan.Suboptimal:
		sentinel = gpu.ErrSuboptimal
	case vulkan.Timeout, vulkan.NotReady:
		sentinel = gpu.ErrTimeout
	case vulkan.ErrorOutOfDate:
		sentinel = gpu.ErrOutOfDate
	case vulkan.ErrorDeviceLost:
		sentinel = gpu.ErrDeviceLost
	case vulkan.ErrorOutOfDeviceMemory:
		sentinel = gpu.ErrOutOfDeviceMemory
	case vulkan.ErrorOutOfHostMemory:
		sentinel = gpu.ErrOutOfHostMemory
	case vulkan.ErrorSurfaceLost, vulkan.ErrorNativeWindowInUse:
		sentinel = gpu.ErrSurface
	}
	err := vulkan.Error(res)
	if err == nil {
		err = errors.Newf("vulkan result %d", int32(res))
	}
	err = errors.Wrap(err, op)
	if sentinel != nil {
		err = errors.Mark(err, sentinel)
	}
	return err
}
