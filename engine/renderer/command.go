package renderer

// CommandType enumerates the closed set of operations a command session can
// record. Backends switch over it exhaustively when translating a submission.
type CommandType uint8

const (
	CommandBeginPass CommandType = iota
	CommandEndPass
	CommandBindPipeline
	CommandDraw
	CommandCopy
	CommandBarrier
	CommandHostWrite
)

// Commands carry both the registry handle (diagnostics, barrier identity)
// and the device object the recorder resolved it to. Resolution happens once
// at record time; by submission the handles are not consulted again.

type DrawCommand struct {
	VertexBuffer    Handle
	VertexBufferObj Buffer
	VertexCount     uint32
	InstanceCount   uint32
	FirstVertex     uint32
	// Sampled inputs read by the fragment stage.
	Sampled     []Handle
	SampledObjs []Image
}

type CopyCommand struct {
	Src       Handle
	Dst       Handle
	SrcBuffer Buffer
	DstBuffer Buffer
	SrcImage  Image
	DstImage  Image
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type HostWriteCommand struct {
	Buffer Handle
	Target Buffer
	Offset uint64
	Data   []byte
}

// Command is one recorded operation. Only the field selected by Type is
// meaningful.
type Command struct {
	Type CommandType

	// BeginPass
	ImageIndex int
	ClearColor [4]float32

	// BindPipeline
	Pipeline    Handle
	PipelineObj Pipeline

	Draw      *DrawCommand
	Copy      *CopyCommand
	Barrier   *Barrier
	HostWrite *HostWriteCommand

	// Image the barrier transitions, resolved at record time. Nil for
	// buffer barriers and for non-barrier commands.
	BarrierImage Image
}

// Submission bundles a finished command stream with the sync objects that
// guard it: wait semaphores gate the first stage touching the presentation
// image, signal semaphores are flipped on retire, the fence reports CPU-side
// completion.
type Submission struct {
	SessionID string
	Commands  []Command
	Wait      []Semaphore
	WaitStage Stage
	Signal    []Semaphore
	Fence     Fence
}
