package command

import (
	"fmt"

	"github.com/lodestar-engine/lodestar/engine/core"
	enginemath "github.com/lodestar-engine/lodestar/engine/math"
	"github.com/lodestar-engine/lodestar/engine/renderer"
	"github.com/lodestar-engine/lodestar/engine/renderer/barrier"
	"github.com/lodestar-engine/lodestar/engine/renderer/registry"
)

type SessionState int

const (
	SESSION_STATE_IDLE SessionState = iota
	SESSION_STATE_RECORDING
	SESSION_STATE_IN_PASS
	SESSION_STATE_ENDED
	SESSION_STATE_SUBMITTED
)

func (s SessionState) String() string {
	switch s {
	case SESSION_STATE_IDLE:
		return "idle"
	case SESSION_STATE_RECORDING:
		return "recording"
	case SESSION_STATE_IN_PASS:
		return "in-pass"
	case SESSION_STATE_ENDED:
		return "ended"
	case SESSION_STATE_SUBMITTED:
		return "submitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DrawOp is one draw supplied by the render-data producer. RenderTarget is an
// optional offscreen image the draw writes; when zero the draw targets the
// pass's presentation image, whose layout the backend manages itself.
type DrawOp struct {
	Pipeline      renderer.Handle
	VertexBuffer  renderer.Handle
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	Sampled       []renderer.Handle
	RenderTarget  renderer.Handle
}

type TransferOp struct {
	Src       renderer.Handle
	Dst       renderer.Handle
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// Session is one recording-to-submission cycle. GPU command streams are
// strictly sequential within a buffer and the hardware gives no protection
// against recording into a submitted or never-begun buffer, so the states
// are encoded explicitly and every transition is checked.
//
// Idle → Recording → (InPass ⇄ Recording)* → Ended → Submitted.
type Session struct {
	id        core.SessionID
	state     SessionState
	frameSlot int
	// Image slot bound by the current pass, -1 outside a pass.
	imageIndex int

	registry *registry.Registry
	planner  *barrier.Planner

	cmds          []renderer.Command
	boundPipeline renderer.Handle
}

// NewSession opens a session targeting frameSlot. Sessions are consumed at
// submission and never reused.
func NewSession(reg *registry.Registry, planner *barrier.Planner, frameSlot int, frameNumber uint64) *Session {
	return &Session{
		id:         core.NewSessionID(frameNumber),
		state:      SESSION_STATE_IDLE,
		frameSlot:  frameSlot,
		imageIndex: -1,
		registry:   reg,
		planner:    planner,
	}
}

func (s *Session) ID() core.SessionID {
	return s.id
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) FrameSlot() int {
	return s.frameSlot
}

func (s *Session) transitionErr(op string) error {
	err := fmt.Errorf("%w: %s in state %s (session %s)", core.ErrInvalidState, op, s.state, s.id)
	core.LogError(err.Error())
	return err
}

func (s *Session) Begin() error {
	if s.state != SESSION_STATE_IDLE {
		return s.transitionErr("begin")
	}
	s.state = SESSION_STATE_RECORDING
	return nil
}

// WriteHost records a CPU write into a host-visible buffer. Valid outside a
// pass. The write is registered at the virtual host stage so the planner can
// order it before the first GPU stage that consumes the data.
func (s *Session) WriteHost(h renderer.Handle, offset uint64, data []byte) error {
	if s.state != SESSION_STATE_RECORDING {
		return s.transitionErr("write_host")
	}
	view, err := s.registry.Get(h)
	if err != nil {
		return err
	}
	if view.Kind != renderer.ResourceKindBuffer || !view.BufferDesc.HostVisible {
		return fmt.Errorf("%w: %s is not a host-visible buffer", core.ErrInvalidDescriptor, h)
	}
	if offset+uint64(len(data)) > view.BufferDesc.Size {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds %s (size %d)",
			core.ErrInvalidDescriptor, len(data), offset, h, view.BufferDesc.Size)
	}

	s.plan(h, renderer.StageHost, renderer.AccessWrite, renderer.LayoutUndefined)
	s.cmds = append(s.cmds, renderer.Command{
		Type: renderer.CommandHostWrite,
		HostWrite: &renderer.HostWriteCommand{
			Buffer: h,
			Target: view.Buffer,
			Offset: offset,
			Data:   data,
		},
	})
	return nil
}

func (s *Session) BeginPass(imageIndex int, clear [4]float32) error {
	if s.state != SESSION_STATE_RECORDING {
		return s.transitionErr("begin_pass")
	}
	if imageIndex < 0 {
		return fmt.Errorf("%w: pass without a live image slot", core.ErrInvalidDescriptor)
	}
	s.state = SESSION_STATE_IN_PASS
	s.imageIndex = imageIndex
	s.cmds = append(s.cmds, renderer.Command{
		Type:       renderer.CommandBeginPass,
		ImageIndex: imageIndex,
		ClearColor: clear,
	})
	return nil
}

// Draw records one draw. Every referenced handle is resolved through the
// registry first and consulted with the planner; planned barriers are
// recorded immediately before the draw.
func (s *Session) Draw(op DrawOp) error {
	if s.state != SESSION_STATE_IN_PASS {
		return s.transitionErr("draw")
	}

	pipeView, err := s.registry.Get(op.Pipeline)
	if err != nil {
		return err
	}
	if op.Pipeline != s.boundPipeline {
		s.cmds = append(s.cmds, renderer.Command{
			Type:        renderer.CommandBindPipeline,
			Pipeline:    op.Pipeline,
			PipelineObj: pipeView.Pipeline,
		})
		s.boundPipeline = op.Pipeline
	}

	draw := &renderer.DrawCommand{
		VertexBuffer:  op.VertexBuffer,
		VertexCount:   op.VertexCount,
		InstanceCount: enginemath.Max(op.InstanceCount, 1),
		FirstVertex:   op.FirstVertex,
		Sampled:       op.Sampled,
	}

	if !op.VertexBuffer.IsZero() {
		view, err := s.registry.Get(op.VertexBuffer)
		if err != nil {
			return err
		}
		draw.VertexBufferObj = view.Buffer
		s.plan(op.VertexBuffer, renderer.StageVertexShader, renderer.AccessRead, renderer.LayoutUndefined)
	}
	for _, sampled := range op.Sampled {
		view, err := s.registry.Get(sampled)
		if err != nil {
			return err
		}
		draw.SampledObjs = append(draw.SampledObjs, view.Image)
		s.plan(sampled, renderer.StageFragmentShader, renderer.AccessRead, renderer.LayoutShaderReadOnly)
	}
	if !op.RenderTarget.IsZero() {
		if _, err := s.registry.Get(op.RenderTarget); err != nil {
			return err
		}
		s.plan(op.RenderTarget, renderer.StageColorOutput, renderer.AccessWrite, renderer.LayoutColorAttachment)
	}

	s.cmds = append(s.cmds, renderer.Command{Type: renderer.CommandDraw, Draw: draw})
	return nil
}

// Transfer records a copy between two resources.
func (s *Session) Transfer(op TransferOp) error {
	if s.state != SESSION_STATE_IN_PASS {
		return s.transitionErr("transfer")
	}
	src, err := s.registry.Get(op.Src)
	if err != nil {
		return err
	}
	dst, err := s.registry.Get(op.Dst)
	if err != nil {
		return err
	}
	if op.Size == 0 {
		return fmt.Errorf("%w: zero-sized transfer", core.ErrInvalidDescriptor)
	}

	s.plan(op.Src, renderer.StageTransfer, renderer.AccessRead, transferLayout(src.Kind, renderer.LayoutTransferSrc))
	s.plan(op.Dst, renderer.StageTransfer, renderer.AccessWrite, transferLayout(dst.Kind, renderer.LayoutTransferDst))

	s.cmds = append(s.cmds, renderer.Command{
		Type: renderer.CommandCopy,
		Copy: &renderer.CopyCommand{
			Src:       op.Src,
			Dst:       op.Dst,
			SrcBuffer: src.Buffer,
			DstBuffer: dst.Buffer,
			SrcImage:  src.Image,
			DstImage:  dst.Image,
			SrcOffset: op.SrcOffset,
			DstOffset: op.DstOffset,
			Size:      op.Size,
		},
	})
	return nil
}

func (s *Session) EndPass() error {
	if s.state != SESSION_STATE_IN_PASS {
		return s.transitionErr("end_pass")
	}
	s.state = SESSION_STATE_RECORDING
	s.imageIndex = -1
	s.cmds = append(s.cmds, renderer.Command{Type: renderer.CommandEndPass})
	return nil
}

func (s *Session) End() error {
	if s.state != SESSION_STATE_RECORDING {
		return s.transitionErr("end")
	}
	s.state = SESSION_STATE_ENDED
	return nil
}

// Commands returns the recorded stream. Ended sessions only; the stream is
// immutable afterwards.
func (s *Session) Commands() ([]renderer.Command, error) {
	if s.state != SESSION_STATE_ENDED {
		return nil, s.transitionErr("commands")
	}
	return s.cmds, nil
}

// MarkSubmitted consumes the session. Submission is the only point at which
// the frame slot's fence and semaphores are attached; that wiring lives in
// the scheduler.
func (s *Session) MarkSubmitted() error {
	if s.state != SESSION_STATE_ENDED {
		return s.transitionErr("mark_submitted")
	}
	s.state = SESSION_STATE_SUBMITTED
	return nil
}

// plan asks the planner for a dependency before the access and records it.
func (s *Session) plan(h renderer.Handle, stage renderer.Stage, access renderer.Access, layout renderer.ImageLayout) {
	if b := s.planner.Plan(h, stage, access, layout); b != nil {
		cmd := renderer.Command{Type: renderer.CommandBarrier, Barrier: b}
		if h.Kind == renderer.ResourceKindImage {
			if view, err := s.registry.Get(h); err == nil {
				cmd.BarrierImage = view.Image
			}
		}
		s.cmds = append(s.cmds, cmd)
	}
}

func transferLayout(kind renderer.ResourceKind, layout renderer.ImageLayout) renderer.ImageLayout {
	if kind != renderer.ResourceKindImage {
		return renderer.LayoutUndefined
	}
	return layout
}
