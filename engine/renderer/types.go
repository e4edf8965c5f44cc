package renderer

import "fmt"

// ResourceKind is a closed tag; the registry and the barrier planner both
// switch over it exhaustively.
type ResourceKind uint8

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindImage
	ResourceKindPipeline
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindBuffer:
		return "buffer"
	case ResourceKindImage:
		return "image"
	case ResourceKindPipeline:
		return "pipeline"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Handle is an opaque registry-issued reference to a GPU-visible object. The
// generation counter makes a reused slot index distinguishable from a stale
// handle.
type Handle struct {
	Index      uint32
	Generation uint32
	Kind       ResourceKind
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d", h.Kind, h.Index, h.Generation)
}

type BufferUsage uint8

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageTransferSrc
	BufferUsageTransferDst
)

type ImageFormat uint8

const (
	FormatUndefined ImageFormat = iota
	FormatBGRA8Unorm
	FormatRGBA8Unorm
	FormatDepth24Stencil8
)

type ImageUsage uint8

const (
	ImageUsageColorAttachment ImageUsage = 1 << iota
	ImageUsageDepthAttachment
	ImageUsageSampled
	ImageUsageTransferSrc
	ImageUsageTransferDst
)

type BufferDescriptor struct {
	Size        uint64
	Usage       BufferUsage
	HostVisible bool
}

type ImageDescriptor struct {
	Width  uint32
	Height uint32
	Format ImageFormat
	Usage  ImageUsage
}

type PipelineDescriptor struct {
	Name               string
	VertexShaderPath   string
	FragmentShaderPath string
	DepthTest          bool
}

// Stage identifies a point on the GPU pipeline timeline. StageHost is a
// virtual stage for CPU writes to host-visible memory so that a barrier can
// order them before the first GPU stage that consumes them.
type Stage uint8

const (
	StageNone Stage = iota
	StageHost
	StageTransfer
	StageVertexShader
	StageFragmentShader
	StageColorOutput
	StageCompute
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageHost:
		return "host"
	case StageTransfer:
		return "transfer"
	case StageVertexShader:
		return "vertex"
	case StageFragmentShader:
		return "fragment"
	case StageColorOutput:
		return "color-output"
	case StageCompute:
		return "compute"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

func (a Access) HasWrite() bool {
	return a&AccessWrite != 0
}

type ImageLayout uint8

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

// Barrier is a declared execution/memory dependency between two accesses to
// one resource. For image resources it may also transition the layout.
type Barrier struct {
	Handle    Handle
	SrcStage  Stage
	DstStage  Stage
	SrcAccess Access
	DstAccess Access
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// LayoutChange reports whether the barrier transitions an image layout.
func (b Barrier) LayoutChange() bool {
	return b.OldLayout != b.NewLayout
}
