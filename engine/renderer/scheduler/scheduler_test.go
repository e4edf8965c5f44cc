package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
	"github.com/lodestar-engine/lodestar/engine/renderer/command"
	"github.com/lodestar-engine/lodestar/engine/renderer/headless"
)

type destroyable interface {
	Destroyed() bool
}

// testProducer draws one pipeline-only triangle per frame and streams a
// small uniform payload.
type testProducer struct {
	pipeline renderer.Handle
	extra    func(fc FrameContext) []command.DrawOp
}

func (p *testProducer) DrawList(fc FrameContext) []command.DrawOp {
	ops := []command.DrawOp{{Pipeline: p.pipeline, VertexCount: 3}}
	if p.extra != nil {
		ops = append(ops, p.extra(fc)...)
	}
	return ops
}

func (p *testProducer) FrameUniforms(fc FrameContext) []byte {
	return []byte{byte(fc.FrameNumber), 0, 0, 1}
}

func newTestRig(t *testing.T, imageCount, framesInFlight int, opts ...headless.Option) (*headless.Device, *headless.Surface, *Scheduler, *testProducer) {
	t.Helper()

	device := headless.NewDevice(opts...)
	surface := headless.NewSurface(device, imageCount, 640, 480)

	sched, err := New(device, surface, Config{
		MaxFramesInFlight: framesInFlight,
		FenceTimeout:      time.Second,
		GraceBudget:       5 * time.Second,
	}, nil)
	require.NoError(t, err)

	pipeline, err := sched.Registry().CreatePipeline(renderer.PipelineDescriptor{
		Name:               "test.tri",
		VertexShaderPath:   "shaders/vert.spv",
		FragmentShaderPath: "shaders/frag.spv",
	})
	require.NoError(t, err)

	return device, surface, sched, &testProducer{pipeline: pipeline}
}

// Ten frames against a three-image surface with two frames in flight. The
// image slot count and frame slot count differ on purpose; render-finished
// semaphores must follow the image, not the frame, or the device flags a
// re-signal incident.
func TestTenFramesThreeImagesTwoInFlight(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 3, 2, headless.WithLatency(2*time.Millisecond))
	defer device.Destroy()

	for i := 0; i < 10; i++ {
		report, err := sched.DrawFrame(producer)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), report.FrameNumber)
		assert.Equal(t, i%3, report.ImageIndex)
	}

	require.NoError(t, sched.Shutdown())

	assert.Empty(t, device.ValidationIncidents())
	assert.Equal(t, uint64(10), device.RetiredSubmissions())
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, surface.PresentOrder())
}

// Fewer surface images than frames in flight: every image is contended and
// the prior-frame fence wait in front of each image slot is what keeps its
// render-finished semaphore from being re-signaled.
func TestFewerImagesThanFramesInFlight(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 2, 3, headless.WithLatency(3*time.Millisecond))
	defer device.Destroy()

	order := make([]int, 0, 12)
	for i := 0; i < 12; i++ {
		report, err := sched.DrawFrame(producer)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), report.FrameNumber)
		order = append(order, i%2)
	}

	require.NoError(t, sched.Shutdown())

	assert.Empty(t, device.ValidationIncidents())
	assert.Equal(t, uint64(12), device.RetiredSubmissions())
	assert.Equal(t, order, surface.PresentOrder())
}

// Degenerate single-image surface: every frame fights over image 0, so each
// cycle must wait out the previous one before reusing its semaphore.
func TestSingleImageSurface(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 1, 2, headless.WithLatency(2*time.Millisecond))
	defer device.Destroy()

	for i := 0; i < 6; i++ {
		report, err := sched.DrawFrame(producer)
		require.NoError(t, err)
		assert.Equal(t, 0, report.ImageIndex)
	}

	require.NoError(t, sched.Shutdown())

	assert.Empty(t, device.ValidationIncidents())
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, surface.PresentOrder())
}

func TestFramePresentedEventFires(t *testing.T) {
	device, _, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()
	defer sched.Shutdown()

	var got []uint64
	sched.Events().Register(core.EVENT_CODE_FRAME_PRESENTED, t, func(code core.SystemEventCode, data core.EventContext) bool {
		got = append(got, data.U64[0])
		return false
	})

	for i := 0; i < 3; i++ {
		_, err := sched.DrawFrame(producer)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{0, 1, 2}, got)
}

// A deferred destroy while the owning frame is still in flight must not
// release the device object until that frame's fence has been waited.
func TestDeferredDestroySurvivesInFlightFrame(t *testing.T) {
	device, _, sched, producer := newTestRig(t, 3, 2, headless.WithLatency(5*time.Millisecond))
	defer device.Destroy()

	reg := sched.Registry()
	h, err := reg.CreateBuffer(renderer.BufferDescriptor{Size: 256, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	view, err := reg.Get(h)
	require.NoError(t, err)
	obj := view.Buffer.(destroyable)

	// Frame 0 runs on slot 0; queue the buffer's release against it.
	_, err = sched.DrawFrame(producer)
	require.NoError(t, err)
	require.NoError(t, reg.DeferDestroy(h, 0))

	// Teardown has not run yet; the handle and the device object both live
	// until slot 0's fence is waited again.
	_, err = reg.Get(h)
	assert.NoError(t, err)
	assert.False(t, obj.Destroyed())

	// Slot 0 is reused two frames later; its fence wait precedes collection.
	_, err = sched.DrawFrame(producer)
	require.NoError(t, err)
	_, err = sched.DrawFrame(producer)
	require.NoError(t, err)

	assert.True(t, obj.Destroyed())
	_, err = reg.Get(h)
	assert.ErrorIs(t, err, core.ErrHandleNotFound)
	require.NoError(t, sched.Shutdown())
	assert.Empty(t, device.ValidationIncidents())
}

// Mid-flight resize: both frame slots are busy when the resize lands. The
// recreate must drain them before the surface is reconfigured; skipping the
// drain shows up as a configure-while-busy incident on the device.
func TestResizeDrainsInFlightFramesFirst(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 3, 2, headless.WithLatency(10*time.Millisecond))
	defer device.Destroy()

	_, err := sched.DrawFrame(producer)
	require.NoError(t, err)
	_, err = sched.DrawFrame(producer)
	require.NoError(t, err)

	sched.Resized(800, 600)

	report, err := sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.FrameNumber)

	assert.Equal(t, 1, surface.Configures())
	w, h := surface.Extent()
	assert.Equal(t, uint32(800), w)
	assert.Equal(t, uint32(600), h)
	assert.Empty(t, device.ValidationIncidents())

	require.NoError(t, sched.Shutdown())
	require.NoError(t, sched.Registry().Destroy(producer.pipeline))
	assert.Equal(t, 0, sched.Registry().Live())
}

// Out-of-date reported at acquire: the frame must recreate the surface and
// retry once, producing exactly one present for that logical frame.
func TestAcquireOutOfDateRecreatesAndRetries(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()
	defer sched.Shutdown()

	_, err := sched.DrawFrame(producer)
	require.NoError(t, err)

	surface.InjectOutOfDate()
	report, err := sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.FrameNumber)
	assert.Equal(t, 1, surface.Configures())
	assert.Empty(t, device.ValidationIncidents())
}

// Suboptimal reported at acquire: the frame renders and presents anyway, but
// the surface must be recreated before the next frame renders.
func TestAcquireSuboptimalRecreatesNextFrame(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()
	defer sched.Shutdown()

	surface.InjectSuboptimal()
	report, err := sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.True(t, report.Suboptimal)
	assert.Equal(t, 0, surface.Configures())

	report, err = sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.False(t, report.Suboptimal)
	assert.Equal(t, 1, surface.Configures())
	assert.Empty(t, device.ValidationIncidents())
}

// The surface may come back from recreation with a different image count.
// The sync pool must follow it so every image slot has its own
// render-finished semaphore.
func TestRecreateAdoptsNewImageCount(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 2, 2)
	defer device.Destroy()
	defer sched.Shutdown()

	_, err := sched.DrawFrame(producer)
	require.NoError(t, err)

	surface.SetNextImageCount(4)
	surface.InjectOutOfDate()

	for i := 0; i < 5; i++ {
		_, err := sched.DrawFrame(producer)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, surface.ImageCount())
	assert.Equal(t, 4, sched.pool.ImageCount())
	assert.Equal(t, 2, sched.pool.FrameCount())
	assert.Empty(t, device.ValidationIncidents())
}

// A zero-extent resize (minimized window) must not recreate; the pending
// generation survives until a usable extent arrives.
func TestZeroExtentResizeDeferred(t *testing.T) {
	device, surface, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()
	defer sched.Shutdown()

	sched.Resized(0, 0)
	_, err := sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.Equal(t, 0, surface.Configures())

	sched.Resized(1024, 768)
	_, err = sched.DrawFrame(producer)
	require.NoError(t, err)
	assert.Equal(t, 1, surface.Configures())
}

// A producer referencing a stale handle is a contract violation; the frame
// fails with the handle error and does not submit.
func TestStaleHandleFailsFrame(t *testing.T) {
	device, _, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()

	reg := sched.Registry()
	h, err := reg.CreateBuffer(renderer.BufferDescriptor{Size: 64, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	require.NoError(t, reg.Destroy(h))

	producer.extra = func(fc FrameContext) []command.DrawOp {
		return []command.DrawOp{{Pipeline: producer.pipeline, VertexBuffer: h, VertexCount: 3}}
	}

	_, err = sched.DrawFrame(producer)
	assert.ErrorIs(t, err, core.ErrHandleNotFound)

	require.NoError(t, sched.Shutdown())
	assert.Equal(t, uint64(0), device.RetiredSubmissions())
}

func TestShutdownReportsCleanRegistry(t *testing.T) {
	device, _, sched, producer := newTestRig(t, 3, 2)
	defer device.Destroy()

	for i := 0; i < 4; i++ {
		_, err := sched.DrawFrame(producer)
		require.NoError(t, err)
	}
	require.NoError(t, sched.Shutdown())

	// Only the test pipeline remains; the scheduler's own uniform buffer is
	// released by Shutdown.
	assert.Equal(t, 1, sched.Registry().Live())
	assert.Empty(t, device.ValidationIncidents())
}
