package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
	"github.com/lodestar-engine/lodestar/engine/renderer/barrier"
	"github.com/lodestar-engine/lodestar/engine/renderer/headless"
	"github.com/lodestar-engine/lodestar/engine/renderer/registry"
)

type fixture struct {
	registry *registry.Registry
	planner  *barrier.Planner
	pipeline renderer.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	device := headless.NewDevice()
	t.Cleanup(device.Destroy)

	reg := registry.New(device)
	planner := barrier.New()
	reg.SetTeardownHook(planner.Forget)

	pipeline, err := reg.CreatePipeline(renderer.PipelineDescriptor{
		Name:               "fixture",
		VertexShaderPath:   "shaders/vert.spv",
		FragmentShaderPath: "shaders/frag.spv",
	})
	require.NoError(t, err)

	return &fixture{registry: reg, planner: planner, pipeline: pipeline}
}

func (f *fixture) session(frameSlot int) *Session {
	return NewSession(f.registry, f.planner, frameSlot, uint64(frameSlot))
}

func (f *fixture) hostBuffer(t *testing.T, size uint64) renderer.Handle {
	t.Helper()
	h, err := f.registry.CreateBuffer(renderer.BufferDescriptor{
		Size:        size,
		Usage:       renderer.BufferUsageUniform,
		HostVisible: true,
	})
	require.NoError(t, err)
	return h
}

func (f *fixture) sampledImage(t *testing.T) renderer.Handle {
	t.Helper()
	h, err := f.registry.CreateImage(renderer.ImageDescriptor{
		Width:  64,
		Height: 64,
		Format: renderer.FormatRGBA8Unorm,
		Usage:  renderer.ImageUsageColorAttachment | renderer.ImageUsageSampled,
	})
	require.NoError(t, err)
	return h
}

func commandTypes(cmds []renderer.Command) []renderer.CommandType {
	out := make([]renderer.CommandType, len(cmds))
	for i, c := range cmds {
		out[i] = c.Type
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)

	assert.Equal(t, SESSION_STATE_IDLE, s.State())
	require.NoError(t, s.Begin())
	assert.Equal(t, SESSION_STATE_RECORDING, s.State())

	require.NoError(t, s.BeginPass(0, [4]float32{0, 0, 0, 1}))
	assert.Equal(t, SESSION_STATE_IN_PASS, s.State())
	require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3}))
	require.NoError(t, s.EndPass())
	assert.Equal(t, SESSION_STATE_RECORDING, s.State())

	require.NoError(t, s.End())
	assert.Equal(t, SESSION_STATE_ENDED, s.State())

	cmds, err := s.Commands()
	require.NoError(t, err)
	assert.Equal(t, []renderer.CommandType{
		renderer.CommandBeginPass,
		renderer.CommandBindPipeline,
		renderer.CommandDraw,
		renderer.CommandEndPass,
	}, commandTypes(cmds))

	require.NoError(t, s.MarkSubmitted())
	assert.Equal(t, SESSION_STATE_SUBMITTED, s.State())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)

	// Nothing but Begin is valid from idle.
	assert.ErrorIs(t, s.Draw(DrawOp{Pipeline: f.pipeline}), core.ErrInvalidState)
	assert.ErrorIs(t, s.End(), core.ErrInvalidState)
	_, err := s.Commands()
	assert.ErrorIs(t, err, core.ErrInvalidState)

	require.NoError(t, s.Begin())
	assert.ErrorIs(t, s.Begin(), core.ErrInvalidState)
	// Draw is a pass-scoped operation.
	assert.ErrorIs(t, s.Draw(DrawOp{Pipeline: f.pipeline}), core.ErrInvalidState)
	assert.ErrorIs(t, s.EndPass(), core.ErrInvalidState)

	require.NoError(t, s.BeginPass(0, [4]float32{}))
	// No nesting, no ending mid-pass.
	assert.ErrorIs(t, s.BeginPass(1, [4]float32{}), core.ErrInvalidState)
	assert.ErrorIs(t, s.End(), core.ErrInvalidState)
	assert.ErrorIs(t, s.WriteHost(f.pipeline, 0, nil), core.ErrInvalidState)

	require.NoError(t, s.EndPass())
	require.NoError(t, s.End())
	require.NoError(t, s.MarkSubmitted())
	assert.ErrorIs(t, s.MarkSubmitted(), core.ErrInvalidState)
	_, err = s.Commands()
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestBeginPassRequiresImageSlot(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)
	require.NoError(t, s.Begin())
	assert.ErrorIs(t, s.BeginPass(-1, [4]float32{}), core.ErrInvalidDescriptor)
}

func TestWriteHostValidation(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)
	require.NoError(t, s.Begin())

	deviceLocal, err := f.registry.CreateBuffer(renderer.BufferDescriptor{Size: 64, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	assert.ErrorIs(t, s.WriteHost(deviceLocal, 0, []byte{1}), core.ErrInvalidDescriptor)

	host := f.hostBuffer(t, 16)
	assert.ErrorIs(t, s.WriteHost(host, 8, make([]byte, 9)), core.ErrInvalidDescriptor)
	require.NoError(t, s.WriteHost(host, 8, make([]byte, 8)))

	require.NoError(t, s.BeginPass(0, [4]float32{}))
	require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3}))
	require.NoError(t, s.EndPass())
	require.NoError(t, s.End())

	cmds, err := s.Commands()
	require.NoError(t, err)
	require.Equal(t, renderer.CommandHostWrite, cmds[0].Type)
	assert.Equal(t, host, cmds[0].HostWrite.Buffer)
	assert.Equal(t, uint64(8), cmds[0].HostWrite.Offset)
	assert.NotNil(t, cmds[0].HostWrite.Target)
}

func TestPipelineBoundOncePerRun(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)
	require.NoError(t, s.Begin())
	require.NoError(t, s.BeginPass(0, [4]float32{}))
	require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3}))
	require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3}))
	require.NoError(t, s.EndPass())
	require.NoError(t, s.End())

	cmds, err := s.Commands()
	require.NoError(t, err)
	binds := 0
	for _, c := range cmds {
		if c.Type == renderer.CommandBindPipeline {
			binds++
		}
	}
	assert.Equal(t, 1, binds)
}

func TestDrawDefaultsInstanceCount(t *testing.T) {
	f := newFixture(t)
	s := f.session(0)
	require.NoError(t, s.Begin())
	require.NoError(t, s.BeginPass(0, [4]float32{}))
	require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3}))
	require.NoError(t, s.EndPass())
	require.NoError(t, s.End())

	cmds, err := s.Commands()
	require.NoError(t, err)
	for _, c := range cmds {
		if c.Type == renderer.CommandDraw {
			assert.Equal(t, uint32(1), c.Draw.InstanceCount)
		}
	}
}

func TestStaleHandleRejected(t *testing.T) {
	f := newFixture(t)
	buf, err := f.registry.CreateBuffer(renderer.BufferDescriptor{Size: 64, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)
	require.NoError(t, f.registry.Destroy(buf))

	s := f.session(0)
	require.NoError(t, s.Begin())
	require.NoError(t, s.BeginPass(0, [4]float32{}))
	err = s.Draw(DrawOp{Pipeline: f.pipeline, VertexBuffer: buf, VertexCount: 3})
	assert.ErrorIs(t, err, core.ErrHandleNotFound)
}

// Render-to-texture then sample: the second session shares the planner, so
// the write in the first frame forces a barrier with a layout transition in
// front of the sampled read.
func TestRenderThenSampleEmitsBarrier(t *testing.T) {
	f := newFixture(t)
	target := f.sampledImage(t)

	first := f.session(0)
	require.NoError(t, first.Begin())
	require.NoError(t, first.BeginPass(0, [4]float32{}))
	require.NoError(t, first.Draw(DrawOp{Pipeline: f.pipeline, VertexCount: 3, RenderTarget: target}))
	require.NoError(t, first.EndPass())
	require.NoError(t, first.End())

	second := f.session(1)
	require.NoError(t, second.Begin())
	require.NoError(t, second.BeginPass(1, [4]float32{}))
	require.NoError(t, second.Draw(DrawOp{
		Pipeline:    f.pipeline,
		VertexCount: 3,
		Sampled:     []renderer.Handle{target},
	}))
	require.NoError(t, second.EndPass())
	require.NoError(t, second.End())

	cmds, err := second.Commands()
	require.NoError(t, err)

	var barriers []renderer.Command
	for _, c := range cmds {
		if c.Type == renderer.CommandBarrier {
			barriers = append(barriers, c)
		}
	}
	require.Len(t, barriers, 1)

	b := barriers[0].Barrier
	assert.Equal(t, target, b.Handle)
	assert.Equal(t, renderer.StageColorOutput, b.SrcStage)
	assert.Equal(t, renderer.StageFragmentShader, b.DstStage)
	assert.Equal(t, renderer.LayoutColorAttachment, b.OldLayout)
	assert.Equal(t, renderer.LayoutShaderReadOnly, b.NewLayout)
	assert.NotNil(t, barriers[0].BarrierImage)
}

// Two reads of the same buffer in back-to-back sessions: no barrier, ever.
func TestReadAfterReadRecordsNoBarrier(t *testing.T) {
	f := newFixture(t)
	buf, err := f.registry.CreateBuffer(renderer.BufferDescriptor{Size: 256, Usage: renderer.BufferUsageVertex})
	require.NoError(t, err)

	for slot := 0; slot < 2; slot++ {
		s := f.session(slot)
		require.NoError(t, s.Begin())
		require.NoError(t, s.BeginPass(0, [4]float32{}))
		require.NoError(t, s.Draw(DrawOp{Pipeline: f.pipeline, VertexBuffer: buf, VertexCount: 3}))
		require.NoError(t, s.EndPass())
		require.NoError(t, s.End())

		cmds, err := s.Commands()
		require.NoError(t, err)
		for _, c := range cmds {
			assert.NotEqual(t, renderer.CommandBarrier, c.Type)
		}
	}
}

func TestTransferRecordsCopy(t *testing.T) {
	f := newFixture(t)
	src := f.hostBuffer(t, 128)
	dst, err := f.registry.CreateBuffer(renderer.BufferDescriptor{
		Size:  128,
		Usage: renderer.BufferUsageVertex | renderer.BufferUsageTransferDst,
	})
	require.NoError(t, err)

	s := f.session(0)
	require.NoError(t, s.Begin())
	require.NoError(t, s.BeginPass(0, [4]float32{}))

	assert.ErrorIs(t, s.Transfer(TransferOp{Src: src, Dst: dst, Size: 0}), core.ErrInvalidDescriptor)
	require.NoError(t, s.Transfer(TransferOp{Src: src, Dst: dst, Size: 128}))

	require.NoError(t, s.EndPass())
	require.NoError(t, s.End())

	cmds, err := s.Commands()
	require.NoError(t, err)
	var copies []renderer.Command
	for _, c := range cmds {
		if c.Type == renderer.CommandCopy {
			copies = append(copies, c)
		}
	}
	require.Len(t, copies, 1)
	assert.Equal(t, src, copies[0].Copy.Src)
	assert.Equal(t, dst, copies[0].Copy.Dst)
	assert.Equal(t, uint64(128), copies[0].Copy.Size)
	assert.NotNil(t, copies[0].Copy.SrcBuffer)
	assert.NotNil(t, copies[0].Copy.DstBuffer)
}

func TestSessionIDCarriesFrameNumber(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.registry, f.planner, 0, 42)
	assert.Contains(t, s.ID().String(), "42-")
	assert.Equal(t, 0, s.FrameSlot())
}
