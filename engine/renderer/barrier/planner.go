package barrier

import (
	"sync"

	"github.com/lodestar-engine/lodestar/engine/renderer"
)

type accessState struct {
	stage  renderer.Stage
	access renderer.Access
	layout renderer.ImageLayout
}

// Planner decides, per resource access, whether an execution/memory barrier
// is required before the access and of what shape. It tracks the last known
// (stage, access) pair per handle, plus the current layout for images.
//
// Over-synchronizing is correctness-preserving but destroys performance, so
// the planner returns nil whenever the access pair carries no hazard.
type Planner struct {
	mu   sync.Mutex
	last map[renderer.Handle]accessState
}

func New() *Planner {
	return &Planner{
		last: make(map[renderer.Handle]accessState),
	}
}

// Plan records the access (stage, access, layout) against h and returns the
// barrier that must precede it, or nil when none is needed.
//
// A barrier is required for read-after-write, write-after-read, and
// write-after-write at a different stage. Two consecutive reads never need
// one. A layout change is mandatory regardless of the read/write relation.
func (p *Planner) Plan(h renderer.Handle, stage renderer.Stage, access renderer.Access, layout renderer.ImageLayout) *renderer.Barrier {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, known := p.last[h]
	p.last[h] = accessState{stage: stage, access: access, layout: layout}

	if !known {
		// First recorded access. Only an image arriving in a layout other
		// than undefined needs a transition.
		if h.Kind == renderer.ResourceKindImage && layout != renderer.LayoutUndefined {
			return &renderer.Barrier{
				Handle:    h,
				SrcStage:  renderer.StageNone,
				DstStage:  stage,
				DstAccess: access,
				OldLayout: renderer.LayoutUndefined,
				NewLayout: layout,
			}
		}
		return nil
	}

	layoutChange := prev.layout != layout

	hazard := false
	switch {
	case prev.access.HasWrite() && !access.HasWrite():
		// Read after write.
		hazard = true
	case !prev.access.HasWrite() && access.HasWrite():
		// Write after read.
		hazard = true
	case prev.access.HasWrite() && access.HasWrite() && prev.stage != stage:
		// Write after write across stages.
		hazard = true
	}

	if !hazard && !layoutChange {
		return nil
	}

	return &renderer.Barrier{
		Handle:    h,
		SrcStage:  prev.stage,
		DstStage:  stage,
		SrcAccess: prev.access,
		DstAccess: access,
		OldLayout: prev.layout,
		NewLayout: layout,
	}
}

// Forget drops the tracking state of h. Wired to the registry's teardown
// hook so destroyed handles do not pin planner state.
func (p *Planner) Forget(h renderer.Handle) {
	p.mu.Lock()
	delete(p.last, h)
	p.mu.Unlock()
}

// Reset clears all tracking state. Surface recreation paths only, after a
// full drain.
func (p *Planner) Reset() {
	p.mu.Lock()
	p.last = make(map[renderer.Handle]accessState)
	p.mu.Unlock()
}
