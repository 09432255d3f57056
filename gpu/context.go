package gpu

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoGPU is returned when no WebGPU adapter or device could be initialised
var ErrNoGPU = errors.New("gpu unavailable")

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	initErr  error
}

var ctx Context

// Verbose prints adapter selection to stdout
var Verbose = os.Getenv("RECUR_GPU_VERBOSE") != ""

func logf(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf(format, args...)
	}
}

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialisation is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.initErr = ctx.init()
	})
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("%w: device or queue not initialized", ErrNoGPU)
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("%w: failed to create WebGPU instance", ErrNoGPU)
	}

	// Prefer a discrete NVIDIA adapter when one is enumerated
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		logf("Adapter: %s (Vendor: %s, Type: %d)\n", info.Name, info.VendorName, info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
		if lastErr != nil {
			logf("Adapter request failed: %v. Falling back...\n", lastErr)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("%w: all adapter attempts failed: %v", ErrNoGPU, lastErr)
	}

	info := c.Adapter.GetInfo()
	logf("Using GPU Adapter: %s (Vendor: %s)\n", info.Name, info.VendorName)

	device, err := c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("%w: request device: %v", ErrNoGPU, err)
	}
	c.Device = device
	c.Queue = device.GetQueue()
	return nil
}

// EnsureGPU ensures the GPU context is initialized
func EnsureGPU() error {
	_, err := GetContext()
	return err
}
