package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// ReadTimeout bounds how long ReadBuffer waits for a mapping
var ReadTimeout = 2 * time.Second

// StepTimeout is added to ReadTimeout for every dispatch recorded in the submit being read
var StepTimeout = 20 * time.Millisecond

// readTimeout is the wait allowed for a submit holding steps dispatches
func readTimeout(steps int) time.Duration {
	return ReadTimeout + time.Duration(steps)*StepTimeout
}

// NewFloatBuffer creates a storage buffer holding data. Empty data still gets a
// one-element buffer because zero-sized bindings are invalid.
func NewFloatBuffer(c *Context, label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	if len(data) == 0 {
		data = []float32{0}
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %w", label, err)
	}
	return buf, nil
}

// NewEmptyBuffer creates a zeroed storage buffer of n float32 elements
func NewEmptyBuffer(c *Context, label string, n int) (*wgpu.Buffer, error) {
	if n < 1 {
		n = 1
	}
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %s: %w", label, err)
	}
	return buf, nil
}

// ReadBuffer copies the first size float32 values of buffer back to the host
func ReadBuffer(c *Context, buffer *wgpu.Buffer, size int) ([]float32, error) {
	return ReadBufferTimeout(c, buffer, size, ReadTimeout)
}

// ReadBufferTimeout is ReadBuffer with an explicit wait for the mapping
func ReadBufferTimeout(c *Context, buffer *wgpu.Buffer, size int, wait time.Duration) ([]float32, error) {
	sizeBytes := uint64(size * 4)
	stagingBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer stagingBuf.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, stagingBuf, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = stagingBuf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("MapAsync failed: %w", err)
	}

	// Poll without blocking so a stuck device cannot hang the caller
	timeout := time.After(wait)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("ReadBuffer timed out after %v", wait)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := stagingBuf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	result := make([]float32, size)
	copy(result, wgpu.FromBytes[float32](data))
	stagingBuf.Unmap()

	return result, nil
}
