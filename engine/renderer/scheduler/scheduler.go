package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
	"github.com/lodestar-engine/lodestar/engine/renderer/barrier"
	"github.com/lodestar-engine/lodestar/engine/renderer/command"
	"github.com/lodestar-engine/lodestar/engine/renderer/registry"
	"github.com/lodestar-engine/lodestar/engine/renderer/syncpool"
)

const uniformBufferSize = 64 * 1024

type Config struct {
	// Maximum CPU frames in flight (M). Defaults to 2.
	MaxFramesInFlight int
	// Single fence wait budget. Defaults to 1s.
	FenceTimeout time.Duration
	// Total budget across retries before a stuck fence is classified as a
	// lost device. Defaults to 5s.
	GraceBudget time.Duration
	ClearColor  [4]float32
}

// FrameContext is handed to the render-data producer once per frame.
type FrameContext struct {
	FrameNumber uint64
	FrameSlot   int
	ImageIndex  int
	Width       uint32
	Height      uint32
}

// Producer is the external render-data source: it decides what to draw, the
// core decides when and how it is synchronized.
type Producer interface {
	DrawList(fc FrameContext) []command.DrawOp
	FrameUniforms(fc FrameContext) []byte
}

// FrameReport is returned per cycle; callers may use it for pacing and
// metrics but the core does not require a response.
type FrameReport struct {
	FrameNumber uint64
	ImageIndex  int
	CPUMillis   float64
	Suboptimal  bool
}

// Scheduler paces CPU frame production against GPU consumption. The only
// blocking operation in the steady-state loop is the frame-slot fence wait,
// which bounds CPU-ahead-of-GPU drift to exactly MaxFramesInFlight frames.
type Scheduler struct {
	device  renderer.Device
	surface renderer.Surface
	cfg     Config

	pool     *syncpool.Pool
	registry *registry.Registry
	planner  *barrier.Planner
	watcher  *registry.PipelineWatcher

	events  *core.EventBus
	metrics *core.Metrics
	clock   *core.Clock

	frameIndex  int
	frameNumber uint64

	uniformBuffer renderer.Handle

	// Surface size generation counters; a mismatch means the next frame must
	// run the drain-and-recreate path before rendering.
	cachedWidth        uint32
	cachedHeight       uint32
	sizeGeneration     uint64
	lastSizeGeneration uint64
	recreating         bool
}

func New(device renderer.Device, surface renderer.Surface, cfg Config, events *core.EventBus) (*Scheduler, error) {
	if cfg.MaxFramesInFlight == 0 {
		cfg.MaxFramesInFlight = 2
	}
	if cfg.FenceTimeout == 0 {
		cfg.FenceTimeout = time.Second
	}
	if cfg.GraceBudget < cfg.FenceTimeout {
		cfg.GraceBudget = 5 * cfg.FenceTimeout
	}
	if events == nil {
		events = core.NewEventBus()
	}

	pool, err := syncpool.New(device, cfg.MaxFramesInFlight)
	if err != nil {
		return nil, err
	}
	if err := pool.ConfigureImages(surface.ImageCount()); err != nil {
		pool.Destroy()
		return nil, err
	}

	reg := registry.New(device)
	planner := barrier.New()
	reg.SetTeardownHook(planner.Forget)

	uniform, err := reg.CreateBuffer(renderer.BufferDescriptor{
		Size:        uniformBufferSize,
		Usage:       renderer.BufferUsageUniform,
		HostVisible: true,
	})
	if err != nil {
		pool.Destroy()
		return nil, err
	}

	w, h := surface.Extent()
	s := &Scheduler{
		device:        device,
		surface:       surface,
		cfg:           cfg,
		pool:          pool,
		registry:      reg,
		planner:       planner,
		events:        events,
		metrics:       core.NewMetrics(),
		clock:         core.NewClock(),
		uniformBuffer: uniform,
		cachedWidth:   w,
		cachedHeight:  h,
	}

	core.LogInfo("frame scheduler ready: %d frames in flight, %d surface images, %dx%d",
		cfg.MaxFramesInFlight, surface.ImageCount(), w, h)
	return s, nil
}

// Registry exposes resource creation to the host application and producer.
func (s *Scheduler) Registry() *registry.Registry {
	return s.registry
}

func (s *Scheduler) Events() *core.EventBus {
	return s.events
}

func (s *Scheduler) Metrics() *core.Metrics {
	return s.metrics
}

// SetPipelineWatcher wires hot-reload: pending pipeline changes are applied
// at the top of the record phase, against the current frame slot.
func (s *Scheduler) SetPipelineWatcher(w *registry.PipelineWatcher) {
	s.watcher = w
}

// Resized records the new surface extent. The actual drain and recreation
// happen at the start of the next DrawFrame, never mid-frame.
func (s *Scheduler) Resized(width, height uint32) {
	s.cachedWidth = width
	s.cachedHeight = height
	s.sizeGeneration++
	core.LogInfo("scheduler resized: w/h/gen: %d/%d/%d", width, height, s.sizeGeneration)
}

// DrawFrame runs one WaitForSlot → AcquireImage → Record → Submit → Present
// → Advance cycle. Surface-out-of-date triggers recreation and a single
// retry of the same logical frame; fatal errors propagate for orderly
// shutdown.
func (s *Scheduler) DrawFrame(p Producer) (FrameReport, error) {
	s.clock.Start()

	for attempt := 0; ; attempt++ {
		report, err := s.drawOnce(p)
		if err == nil {
			return report, nil
		}
		if errors.Is(err, core.ErrSurfaceOutOfDate) && attempt == 0 {
			if rerr := s.recreate(); rerr != nil {
				return FrameReport{}, rerr
			}
			continue
		}
		return FrameReport{}, err
	}
}

func (s *Scheduler) drawOnce(p Producer) (FrameReport, error) {
	// A pending resize must be honored before any slot is touched.
	if s.sizeGeneration != s.lastSizeGeneration {
		if err := s.recreate(); err != nil {
			return FrameReport{}, err
		}
	}

	slot := s.pool.FrameSlot(s.frameIndex)

	// WaitForSlot: the backpressure point. The fence being free is what
	// allows this cycle to proceed.
	if err := s.waitSlot(slot); err != nil {
		return FrameReport{}, err
	}
	// The slot's GPU work is done; release resources deferred against it.
	s.registry.Collect(slot.Index)

	// AcquireImage, signaled through this frame slot's acquire semaphore.
	imageIndex, err := s.surface.Acquire(s.cfg.FenceTimeout, slot.ImageAvailable)
	suboptimal := false
	if err != nil {
		if errors.Is(err, core.ErrSurfaceSuboptimal) {
			suboptimal = true
		} else {
			return FrameReport{}, err
		}
	}
	imgSlot := s.pool.ImageSlot(imageIndex)

	// If a previous frame slot targeted this image and has not retired yet,
	// wait it out; otherwise the render-finished semaphore could be
	// re-signaled while presentation still consumes it.
	if prior := imgSlot.LastUsedFrame; prior >= 0 && prior != s.frameIndex {
		priorFence := s.pool.FrameSlot(prior).Fence
		if !priorFence.Signaled() {
			if err := priorFence.Wait(s.cfg.GraceBudget); err != nil {
				return FrameReport{}, err
			}
		}
	}

	// Apply pending pipeline hot-reloads; old objects retire with this slot.
	if s.watcher != nil {
		for _, h := range s.watcher.Pending() {
			if err := s.registry.ReloadPipeline(h, s.frameIndex); err != nil {
				core.LogWarn("pipeline reload of %s failed: %s", h, err)
			}
		}
	}

	// Record.
	w, h := s.surface.Extent()
	fc := FrameContext{
		FrameNumber: s.frameNumber,
		FrameSlot:   s.frameIndex,
		ImageIndex:  imageIndex,
		Width:       w,
		Height:      h,
	}

	session := command.NewSession(s.registry, s.planner, s.frameIndex, s.frameNumber)
	if err := session.Begin(); err != nil {
		return FrameReport{}, err
	}
	if data := p.FrameUniforms(fc); len(data) > 0 {
		if err := session.WriteHost(s.uniformBuffer, 0, data); err != nil {
			return FrameReport{}, err
		}
	}
	if err := session.BeginPass(imageIndex, s.cfg.ClearColor); err != nil {
		return FrameReport{}, err
	}
	for _, op := range p.DrawList(fc) {
		if err := session.Draw(op); err != nil {
			// Handle and descriptor failures are contract violations;
			// surface them immediately rather than absorbing them.
			return FrameReport{}, err
		}
	}
	if err := session.EndPass(); err != nil {
		return FrameReport{}, err
	}
	if err := session.End(); err != nil {
		return FrameReport{}, err
	}
	cmds, err := session.Commands()
	if err != nil {
		return FrameReport{}, err
	}

	// Submit: wait on this frame's acquire semaphore, signal the *image
	// slot's* render-finished semaphore, fence on the frame slot. The fence
	// is reset only now, so an acquire failure above leaves it signaled and
	// drains stay unblocked.
	if err := slot.Fence.Reset(); err != nil {
		return FrameReport{}, err
	}
	sub := renderer.Submission{
		SessionID: session.ID().String(),
		Commands:  cmds,
		Wait:      []renderer.Semaphore{slot.ImageAvailable},
		WaitStage: renderer.StageColorOutput,
		Signal:    []renderer.Semaphore{imgSlot.RenderFinished},
		Fence:     slot.Fence,
	}
	if err := s.device.Submit(sub); err != nil {
		return FrameReport{}, err
	}
	if err := session.MarkSubmitted(); err != nil {
		return FrameReport{}, err
	}
	imgSlot.LastUsedFrame = s.frameIndex

	// Present, ordered after rendering by the image's own semaphore.
	if err := s.surface.Present(imageIndex, imgSlot.RenderFinished); err != nil {
		if errors.Is(err, core.ErrSurfaceOutOfDate) || errors.Is(err, core.ErrSurfaceSuboptimal) {
			// The image was queued; recreate before the next frame.
			s.sizeGeneration++
		} else {
			return FrameReport{}, err
		}
	} else if suboptimal {
		// Acquire flagged the surface as stale but the frame still rendered
		// and presented; rebuild before the next frame touches a slot.
		s.sizeGeneration++
	}

	// Advance.
	report := FrameReport{
		FrameNumber: s.frameNumber,
		ImageIndex:  imageIndex,
		Suboptimal:  suboptimal,
	}
	s.frameIndex = (s.frameIndex + 1) % s.pool.FrameCount()
	s.frameNumber++

	s.clock.Update()
	report.CPUMillis = s.clock.ElapsedMS()
	s.metrics.Update(report.CPUMillis)

	var ec core.EventContext
	ec.U64[0] = report.FrameNumber
	ec.U32[0] = uint32(report.ImageIndex)
	ec.F64[0] = report.CPUMillis
	s.events.Fire(core.EVENT_CODE_FRAME_PRESENTED, ec)

	return report, nil
}

// waitSlot blocks on the slot's completion fence. Timeouts are retried with
// diagnostics until the grace budget runs out, then classified as a lost
// device.
func (s *Scheduler) waitSlot(slot *syncpool.FrameSlot) error {
	deadline := time.Now().Add(s.cfg.GraceBudget)
	for {
		err := slot.Fence.Wait(s.cfg.FenceTimeout)
		if err == nil {
			return nil
		}
		if errors.Is(err, core.ErrFenceTimeout) {
			if time.Now().Before(deadline) {
				core.LogWarn("frame slot %d fence still unsignaled after %s (frame %d), retrying",
					slot.Index, s.cfg.FenceTimeout, s.frameNumber)
				continue
			}
			core.LogError("frame slot %d fence exceeded grace budget %s, treating as lost device",
				slot.Index, s.cfg.GraceBudget)
			var ec core.EventContext
			s.events.Fire(core.EVENT_CODE_DEVICE_LOST, ec)
			return fmt.Errorf("%w: %s", core.ErrDeviceLost, err)
		}
		return err
	}
}

// recreate is the drain-and-recreate path: every frame-slot fence is waited
// before any image slot or its semaphore is destroyed. A resize path that
// skips the drain is a defect, not an optimization.
func (s *Scheduler) recreate() error {
	if s.recreating {
		core.LogDebug("recreate called while already recreating, booting")
		return nil
	}
	if s.cachedWidth == 0 || s.cachedHeight == 0 {
		// Window minimized; keep the generation mismatch so the recreate
		// reruns once the extent is valid again.
		core.LogDebug("recreate skipped: zero extent")
		return nil
	}
	s.recreating = true
	defer func() { s.recreating = false }()

	if err := s.pool.DrainAll(s.cfg.GraceBudget); err != nil {
		return fmt.Errorf("%w: drain before surface recreation: %s", core.ErrDeviceLost, err)
	}
	// Queued presents are not covered by the fences; flush them too before
	// any image slot is destroyed.
	if err := s.device.WaitIdle(); err != nil {
		return err
	}
	// Nothing is in flight; all deferred releases may run now.
	s.registry.CollectAll()

	if err := s.surface.Configure(s.cachedWidth, s.cachedHeight); err != nil {
		return err
	}
	if err := s.pool.ConfigureImages(s.surface.ImageCount()); err != nil {
		return err
	}
	s.lastSizeGeneration = s.sizeGeneration

	core.LogInfo("surface recreated: %dx%d, %d images", s.cachedWidth, s.cachedHeight, s.surface.ImageCount())
	return nil
}

// Shutdown drains all in-flight work and tears the scheduler's objects down
// in reverse creation order. Leaked handles are reported, not hidden.
func (s *Scheduler) Shutdown() error {
	if err := s.pool.DrainAll(s.cfg.GraceBudget); err != nil {
		core.LogError("shutdown drain failed: %s", err)
	}
	if err := s.device.WaitIdle(); err != nil {
		core.LogError("shutdown wait idle failed: %s", err)
	}
	s.registry.CollectAll()

	if err := s.registry.Destroy(s.uniformBuffer); err != nil {
		core.LogWarn("shutdown: uniform buffer: %s", err)
	}
	if leaked := s.registry.Live(); leaked > 0 {
		core.LogWarn("shutdown with %d live resource handles", leaked)
	}

	s.pool.Destroy()
	return nil
}
