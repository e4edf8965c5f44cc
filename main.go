/*
Lodestar is a frame scheduling and resource lifecycle core for explicit
graphics APIs. This entry point runs a small demo scene, either against a
real window and GPU or against the simulated headless device.
*/
package main

import (
	"encoding/binary"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/lodestar-engine/lodestar/engine/config"
	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/platform"
	"github.com/lodestar-engine/lodestar/engine/renderer"
	"github.com/lodestar-engine/lodestar/engine/renderer/command"
	"github.com/lodestar-engine/lodestar/engine/renderer/headless"
	"github.com/lodestar-engine/lodestar/engine/renderer/registry"
	"github.com/lodestar-engine/lodestar/engine/renderer/scheduler"
	"github.com/lodestar-engine/lodestar/engine/renderer/vulkan"
)

func main() {
	configPath := flag.String("config", "engine.toml", "path to the engine configuration")
	headlessMode := flag.Bool("headless", false, "run against the simulated device")
	frames := flag.Int("frames", 0, "stop after this many frames (0 = run until closed)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.LogFatal("configuration error: %s", err)
	}
	if *headlessMode {
		cfg.Headless = true
	}

	quit := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		<-sigCh
		close(quit)
	}()

	if cfg.Headless {
		err = runHeadless(cfg, quit, *frames)
	} else {
		err = runWindowed(cfg, quit, *frames)
	}
	if err != nil {
		core.LogFatal("engine stopped: %s", err)
	}
}

func runHeadless(cfg config.Config, quit <-chan struct{}, frames int) error {
	device := headless.NewDevice()
	defer device.Destroy()
	surface := headless.NewSurface(device, 3, cfg.Width, cfg.Height)
	defer surface.Destroy()

	events := core.NewEventBus()
	sched, err := scheduler.New(device, surface, schedulerConfig(cfg), events)
	if err != nil {
		return err
	}

	scene, err := newDemoScene(sched.Registry())
	if err != nil {
		return err
	}

	if frames == 0 {
		frames = 600
	}
loop:
	for i := 0; i < frames; i++ {
		select {
		case <-quit:
			break loop
		default:
		}
		if _, err := sched.DrawFrame(scene); err != nil {
			sched.Shutdown()
			return err
		}
	}
	core.LogInfo("headless run complete: %d submissions retired", device.RetiredSubmissions())
	return sched.Shutdown()
}

func runWindowed(cfg config.Config, quit <-chan struct{}, frames int) error {
	events := core.NewEventBus()

	p := platform.New(events)
	if err := p.Startup(cfg.AppName, cfg.Width, cfg.Height); err != nil {
		return err
	}
	defer p.Shutdown()

	device, err := vulkan.NewDevice(p.Window, cfg.AppName, os.Getenv("LODESTAR_DEBUG") != "")
	if err != nil {
		return err
	}
	defer device.Destroy()

	surface, err := vulkan.NewSurface(device, cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	defer surface.Destroy()

	sched, err := scheduler.New(device, surface, schedulerConfig(cfg), events)
	if err != nil {
		return err
	}

	events.Register(core.EVENT_CODE_RESIZED, sched, func(code core.SystemEventCode, data core.EventContext) bool {
		sched.Resized(data.U32[0], data.U32[1])
		return false
	})

	scene, err := newDemoScene(sched.Registry())
	if err != nil {
		return err
	}

	watcher, err := registry.NewPipelineWatcher(sched.Registry())
	if err != nil {
		core.LogWarn("pipeline watcher unavailable: %s", err)
	} else {
		defer watcher.Close()
		if err := watcher.Watch(scene.pipeline); err != nil {
			core.LogWarn("shader watch failed: %s", err)
		}
		sched.SetPipelineWatcher(watcher)
	}

	drawn := 0
	for !p.ShouldClose() {
		select {
		case <-quit:
			return sched.Shutdown()
		default:
		}

		p.PumpMessages()
		if _, err := sched.DrawFrame(scene); err != nil {
			sched.Shutdown()
			return err
		}
		drawn++
		if frames > 0 && drawn >= frames {
			break
		}
	}
	return sched.Shutdown()
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		MaxFramesInFlight: cfg.MaxFramesInFlight,
		FenceTimeout:      cfg.FenceTimeout(),
		GraceBudget:       cfg.GraceBudget(),
		ClearColor:        [4]float32{0.05, 0.05, 0.1, 1.0},
	}
}

// demoScene draws a single triangle generated in the vertex shader and
// animates a tint through the per-frame uniform stream.
type demoScene struct {
	pipeline renderer.Handle
}

func newDemoScene(reg *registry.Registry) (*demoScene, error) {
	pipeline, err := reg.CreatePipeline(renderer.PipelineDescriptor{
		Name:               "demo.triangle",
		VertexShaderPath:   "shaders/vert.spv",
		FragmentShaderPath: "shaders/frag.spv",
	})
	if err != nil {
		return nil, err
	}
	return &demoScene{pipeline: pipeline}, nil
}

func (d *demoScene) DrawList(fc scheduler.FrameContext) []command.DrawOp {
	return []command.DrawOp{
		{
			Pipeline:    d.pipeline,
			VertexCount: 3,
		},
	}
}

func (d *demoScene) FrameUniforms(fc scheduler.FrameContext) []byte {
	tint := float32(0.5 + 0.5*math.Sin(float64(fc.FrameNumber)*0.02))
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(tint))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(1.0-tint))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(1.0))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(1.0))
	return buf
}
