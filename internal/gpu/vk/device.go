package vk

import (
	"sync/atomic"
	"time"

	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// Device is a logical device.
type Device struct {
	inst      *Instance
	pd        vulkan.PhysicalDevice
	dev       vulkan.Device
	queues    map[int]*Queue
	memTypes  []gpu.MemoryType
	destroyed atomic.Bool
}

// Queue implements gpu.Device.
func (d *Device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		return nil
	}
	return q
}

// MemoryTypes implements gpu.Device.
func (d *Device) MemoryTypes() []gpu.MemoryType {
	return d.memTypes
}

// WaitIdle implements gpu.Device.
func (d *Device) WaitIdle() error {
	return checkResult(vulkan.DeviceWaitIdle(d.dev), "device wait idle")
}

// Destroy destroys the logical device. Every object created from
// it must have been destroyed.
func (d *Device) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	vulkan.DestroyDevice(d.dev, nil)
	d.dev = vulkan.Device(vulkan.NullHandle)
}

// Queue is a device queue.
type Queue struct {
	d *Device
	q vulkan.Queue
}

// Submit implements gpu.Queue.
func (q *Queue) Submit(sub []gpu.Submission, fence gpu.Fence) error {
	infos := make([]vulkan.SubmitInfo, len(sub))
	for i, s := range sub {
		info := vulkan.SubmitInfo{
			SType:                vulkan.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(s.Wait)),
			CommandBufferCount:   uint32(len(s.Cmds)),
			SignalSemaphoreCount: uint32(len(s.Signal)),
		}
		if len(s.Wait) > 0 {
			info.PWaitSemaphores = semaphores(s.Wait)
			info.PWaitDstStageMask = make([]vulkan.PipelineStageFlags, len(s.Wait))
			for j := range s.Wait {
				stage := gpu.StageTop
				if j < len(s.WaitStages) {
					stage = s.WaitStages[j]
				}
				info.PWaitDstStageMask[j] = vkStages(stage)
			}
		}
		if len(s.Cmds) > 0 {
			info.PCommandBuffers = make([]vulkan.CommandBuffer, len(s.Cmds))
			for j, c := range s.Cmds {
				info.PCommandBuffers[j] = c.(*CmdBuffer).cb
			}
		}
		if len(s.Signal) > 0 {
			info.PSignalSemaphores = semaphores(s.Signal)
		}
		infos[i] = info
	}
	f := vulkan.Fence(vulkan.NullHandle)
	if fence != nil {
		f = fence.(*Fence).f
	}
	return checkResult(vulkan.QueueSubmit(q.q, uint32(len(infos)), infos, f), "queue submit")
}

// Present implements gpu.Queue.
func (q *Queue) Present(sc gpu.Swapchain, index int, wait []gpu.Semaphore) error {
	info := vulkan.PresentInfo{
		SType:          vulkan.StructureTypePresentInfo,
		SwapchainCount: 1,
		PSwapchains:    []vulkan.Swapchain{sc.(*Swapchain).sc},
		PImageIndices:  []uint32{uint32(index)},
	}
	if len(wait) > 0 {
		info.WaitSemaphoreCount = uint32(len(wait))
		info.PWaitSemaphores = semaphores(wait)
	}
	return checkResult(vulkan.QueuePresent(q.q, &info), "queue present")
}

// WaitIdle implements gpu.Queue.
func (q *Queue) WaitIdle() error {
	return checkResult(vulkan.QueueWaitIdle(q.q), "queue wait idle")
}

func semaphores(s []gpu.Semaphore) []vulkan.Semaphore {
	out := make([]vulkan.Semaphore, len(s))
	for i, sem := range s {
		out[i] = sem.(*Semaphore).s
	}
	return out
}

// Fence is a Vulkan fence.
type Fence struct {
	d *Device
	f vulkan.Fence
}

// NewFence implements gpu.Device.
func (d *Device) NewFence(signaled bool) (gpu.Fence, error) {
	info := vulkan.FenceCreateInfo{SType: vulkan.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vulkan.FenceCreateFlags(vulkan.FenceCreateSignaledBit)
	}
	var f vulkan.Fence
	if err := checkResult(vulkan.CreateFence(d.dev, &info, nil, &f), "create fence"); err != nil {
		return nil, err
	}
	return &Fence{d: d, f: f}, nil
}

// Wait implements gpu.Fence. A negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	res := vulkan.WaitForFences(f.d.dev, 1, []vulkan.Fence{f.f}, vulkan.True, timeoutNanos(timeout))
	return checkResult(res, "wait for fence")
}

// Reset implements gpu.Fence.
func (f *Fence) Reset() error {
	return checkResult(vulkan.ResetFences(f.d.dev, 1, []vulkan.Fence{f.f}), "reset fence")
}

// Signaled implements gpu.Fence.
func (f *Fence) Signaled() (bool, error) {
	switch res := vulkan.GetFenceStatus(f.d.dev, f.f); res {
	case vulkan.Success:
		return true, nil
	case vulkan.NotReady:
		return false, nil
	default:
		return false, checkResult(res, "fence status")
	}
}

// Destroy implements gpu.Destroyer.
func (f *Fence) Destroy() {
	if f.f != vulkan.Fence(vulkan.NullHandle) {
		vulkan.DestroyFence(f.d.dev, f.f, nil)
		f.f = vulkan.Fence(vulkan.NullHandle)
	}
}

// Semaphore is a binary Vulkan semaphore.
type Semaphore struct {
	d *Device
	s vulkan.Semaphore
}

// NewSemaphore implements gpu.Device.
func (d *Device) NewSemaphore() (gpu.Semaphore, error) {
	info := vulkan.SemaphoreCreateInfo{SType: vulkan.StructureTypeSemaphoreCreateInfo}
	var s vulkan.Semaphore
	if err := checkResult(vulkan.CreateSemaphore(d.dev, &info, nil, &s), "create semaphore"); err != nil {
		return nil, err
	}
	return &Semaphore{d: d, s: s}, nil
}

// Destroy implements gpu.Destroyer.
func (s *Semaphore) Destroy() {
	if s.s != vulkan.Semaphore(vulkan.NullHandle) {
		vulkan.DestroySemaphore(s.d.dev, s.s, nil)
		s.s = vulkan.Semaphore(vulkan.NullHandle)
	}
}
