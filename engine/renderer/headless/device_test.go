package headless

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := NewDevice(opts...)
	t.Cleanup(d.Destroy)
	return d
}

func hostVisible(t *testing.T, d *Device, size uint64) renderer.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(renderer.BufferDescriptor{
		Size:        size,
		Usage:       renderer.BufferUsageUniform,
		HostVisible: true,
	})
	require.NoError(t, err)
	return b
}

func TestSubmissionSignalsFenceAfterExecution(t *testing.T) {
	d := newTestDevice(t, WithLatency(2*time.Millisecond))
	buf := hostVisible(t, d, 8)

	fence, err := d.CreateFence(false)
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	err = d.Submit(renderer.Submission{
		SessionID: "test",
		Commands: []renderer.Command{{
			Type:      renderer.CommandHostWrite,
			HostWrite: &renderer.HostWriteCommand{Target: buf, Data: payload},
		}},
		Fence: fence,
	})
	require.NoError(t, err)

	require.NoError(t, fence.Wait(time.Second))
	assert.True(t, fence.Signaled())
	assert.Equal(t, payload, buf.(*buffer).Contents())
	assert.Equal(t, uint64(1), d.RetiredSubmissions())
}

func TestFenceWaitTimesOutWithoutSignal(t *testing.T) {
	d := newTestDevice(t)
	fence, err := d.CreateFence(false)
	require.NoError(t, err)
	assert.ErrorIs(t, fence.Wait(10*time.Millisecond), core.ErrFenceTimeout)

	signaled, err := d.CreateFence(true)
	require.NoError(t, err)
	assert.NoError(t, signaled.Wait(time.Millisecond))
}

func TestFenceResetUnsignals(t *testing.T) {
	d := newTestDevice(t)
	fence, err := d.CreateFence(true)
	require.NoError(t, err)
	require.NoError(t, fence.Reset())
	assert.False(t, fence.Signaled())
	assert.ErrorIs(t, fence.Wait(5*time.Millisecond), core.ErrFenceTimeout)
}

func TestCopyBetweenHostVisibleBuffers(t *testing.T) {
	d := newTestDevice(t)
	src := hostVisible(t, d, 16)
	dst := hostVisible(t, d, 16)

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}

	err := d.Submit(renderer.Submission{
		SessionID: "copy",
		Commands: []renderer.Command{
			{
				Type:      renderer.CommandHostWrite,
				HostWrite: &renderer.HostWriteCommand{Target: src, Data: data},
			},
			{
				Type: renderer.CommandCopy,
				Copy: &renderer.CopyCommand{
					SrcBuffer: src, DstBuffer: dst,
					SrcOffset: 4, DstOffset: 8, Size: 8,
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.WaitIdle())

	got := dst.(*buffer).Contents()
	assert.Equal(t, data[4:12], got[8:16])
	assert.Equal(t, make([]byte, 8), got[:8])
}

func TestSubmissionsRetireInOrder(t *testing.T) {
	d := newTestDevice(t)
	buf := hostVisible(t, d, 1)

	// Ten host writes of increasing values into the same byte; FIFO execution
	// means the last submission wins.
	for i := 0; i < 10; i++ {
		err := d.Submit(renderer.Submission{
			Commands: []renderer.Command{{
				Type:      renderer.CommandHostWrite,
				HostWrite: &renderer.HostWriteCommand{Target: buf, Data: []byte{byte(i)}},
			}},
		})
		require.NoError(t, err)
	}
	require.NoError(t, d.WaitIdle())
	assert.Equal(t, []byte{9}, buf.(*buffer).Contents())
	assert.Equal(t, uint64(10), d.RetiredSubmissions())
}

func TestMemoryBudgetEnforcedAndReleased(t *testing.T) {
	d := newTestDevice(t, WithMemoryBudget(1024))

	first, err := d.CreateBuffer(renderer.BufferDescriptor{Size: 768, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)

	_, err = d.CreateBuffer(renderer.BufferDescriptor{Size: 512, Usage: renderer.BufferUsageVertex})
	assert.ErrorIs(t, err, core.ErrOutOfMemory)

	first.Destroy()
	second, err := d.CreateBuffer(renderer.BufferDescriptor{Size: 512, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	second.Destroy()

	assert.Empty(t, d.ValidationIncidents())
}

func TestImageCountsAgainstBudget(t *testing.T) {
	// A 16x16 RGBA image is 1024 bytes, exactly the budget.
	d := newTestDevice(t, WithMemoryBudget(1024))
	img, err := d.CreateImage(renderer.ImageDescriptor{
		Width: 16, Height: 16,
		Format: renderer.FormatRGBA8Unorm,
		Usage:  renderer.ImageUsageSampled,
	})
	require.NoError(t, err)

	_, err = d.CreateBuffer(renderer.BufferDescriptor{Size: 1, Usage: renderer.BufferUsageVertex})
	assert.ErrorIs(t, err, core.ErrOutOfMemory)

	img.Destroy()
	buf, err := d.CreateBuffer(renderer.BufferDescriptor{Size: 1, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	buf.Destroy()
}

func TestDoubleDestroyRecordsIncident(t *testing.T) {
	d := newTestDevice(t)
	buf := hostVisible(t, d, 4)
	buf.Destroy()
	buf.Destroy()

	incidents := d.ValidationIncidents()
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0], "destroyed twice")
}

func TestSemaphoreReSignalRecordsIncident(t *testing.T) {
	d := newTestDevice(t)
	sem, err := d.CreateSemaphore()
	require.NoError(t, err)

	// Two submissions signal the same semaphore and nothing consumes it in
	// between; the second signal lands while the first is still pending.
	for i := 0; i < 2; i++ {
		require.NoError(t, d.Submit(renderer.Submission{
			SessionID: "re-signal",
			Signal:    []renderer.Semaphore{sem},
		}))
	}
	require.NoError(t, d.WaitIdle())

	incidents := d.ValidationIncidents()
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0], "re-signaled while pending")
}

func TestWaitSemaphoreConsumesSignal(t *testing.T) {
	d := newTestDevice(t)
	sem, err := d.CreateSemaphore()
	require.NoError(t, err)
	fence, err := d.CreateFence(false)
	require.NoError(t, err)

	require.NoError(t, d.Submit(renderer.Submission{
		SessionID: "producer",
		Signal:    []renderer.Semaphore{sem},
	}))
	require.NoError(t, d.Submit(renderer.Submission{
		SessionID: "consumer",
		Wait:      []renderer.Semaphore{sem},
		WaitStage: renderer.StageColorOutput,
		Fence:     fence,
	}))

	require.NoError(t, fence.Wait(time.Second))
	assert.Empty(t, d.ValidationIncidents())

	// The consumer drained the signal, so a third signal is not a re-signal.
	require.NoError(t, d.Submit(renderer.Submission{
		SessionID: "producer-2",
		Signal:    []renderer.Semaphore{sem},
	}))
	require.NoError(t, d.WaitIdle())
	assert.Empty(t, d.ValidationIncidents())
}

type foreignFence struct{}

func (foreignFence) Wait(time.Duration) error { return nil }
func (foreignFence) Reset() error             { return nil }
func (foreignFence) Signaled() bool           { return true }
func (foreignFence) Destroy()                 {}

type foreignSemaphore struct{}

func (foreignSemaphore) Destroy() {}

func TestForeignSyncObjectsRejected(t *testing.T) {
	d := newTestDevice(t)

	err := d.Submit(renderer.Submission{Fence: foreignFence{}})
	assert.ErrorIs(t, err, core.ErrInvalidDescriptor)

	err = d.Submit(renderer.Submission{Wait: []renderer.Semaphore{foreignSemaphore{}}})
	assert.ErrorIs(t, err, core.ErrInvalidDescriptor)

	err = d.Submit(renderer.Submission{Signal: []renderer.Semaphore{foreignSemaphore{}}})
	assert.ErrorIs(t, err, core.ErrInvalidDescriptor)

	assert.Equal(t, uint64(0), d.RetiredSubmissions())
}

func TestSubmitAfterDestroyFails(t *testing.T) {
	d := NewDevice()
	d.Destroy()
	err := d.Submit(renderer.Submission{})
	assert.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestHostWriteIntoDestroyedBufferFlagged(t *testing.T) {
	d := newTestDevice(t)
	buf := hostVisible(t, d, 4)
	buf.Destroy()

	require.NoError(t, d.Submit(renderer.Submission{
		Commands: []renderer.Command{{
			Type:      renderer.CommandHostWrite,
			HostWrite: &renderer.HostWriteCommand{Target: buf, Data: []byte{1}},
		}},
	}))
	require.NoError(t, d.WaitIdle())

	incidents := d.ValidationIncidents()
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0], "destroyed or device-local")
}
