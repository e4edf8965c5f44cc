package registry

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// ReloadPipeline rebuilds the device pipeline behind h from its stored
// descriptor. The handle (index and generation) survives; the old device
// object is queued for destruction once frameSlot's fence signals, since an
// in-flight frame may still execute against it.
func (r *Registry) ReloadPipeline(h renderer.Handle, frameSlot int) error {
	r.mu.RLock()
	e, err := r.lookup(h)
	if err != nil {
		r.mu.RUnlock()
		return err
	}
	if e.kind != renderer.ResourceKindPipeline {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s is not a pipeline", core.ErrInvalidDescriptor, h)
	}
	desc := e.pipelineDesc
	r.mu.RUnlock()

	obj, err := r.device.CreatePipeline(desc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Revalidate: the handle may have been destroyed while the new object
	// was building.
	e, err = r.lookup(h)
	if err != nil {
		obj.Destroy()
		return err
	}
	old := e.pipeline
	e.pipeline = obj
	r.deferred[frameSlot] = append(r.deferred[frameSlot], old.Destroy)

	core.LogInfo("registry: pipeline %s reloaded from %s", h, desc.VertexShaderPath)
	return nil
}

// PipelineWatcher watches pipeline shader sources and reports handles whose
// sources changed. The scheduler picks them up at the start of the record
// phase and reloads them against the current frame slot, so the swap is
// ordered against in-flight frames.
type PipelineWatcher struct {
	registry *Registry
	fsnotify *fsnotify.Watcher

	mu      sync.Mutex
	byPath  map[string][]renderer.Handle
	pending map[renderer.Handle]struct{}

	done     chan struct{}
	isClosed bool
}

func NewPipelineWatcher(reg *Registry) (*PipelineWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &PipelineWatcher{
		registry: reg,
		fsnotify: fsWatch,
		byPath:   make(map[string][]renderer.Handle),
		pending:  make(map[renderer.Handle]struct{}),
		done:     make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

// Watch registers the shader sources of the pipeline handle h.
func (pw *PipelineWatcher) Watch(h renderer.Handle) error {
	view, err := pw.registry.Get(h)
	if err != nil {
		return err
	}
	if view.Kind != renderer.ResourceKindPipeline {
		return fmt.Errorf("%w: %s is not a pipeline", core.ErrInvalidDescriptor, h)
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	for _, path := range []string{view.PipelineDesc.VertexShaderPath, view.PipelineDesc.FragmentShaderPath} {
		if len(pw.byPath[path]) == 0 {
			if err := pw.fsnotify.Add(path); err != nil {
				return err
			}
		}
		pw.byPath[path] = append(pw.byPath[path], h)
	}
	return nil
}

// Pending returns the handles whose sources changed since the last call and
// clears the set.
func (pw *PipelineWatcher) Pending() []renderer.Handle {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if len(pw.pending) == 0 {
		return nil
	}
	out := make([]renderer.Handle, 0, len(pw.pending))
	for h := range pw.pending {
		out = append(out, h)
	}
	pw.pending = make(map[renderer.Handle]struct{})
	return out
}

func (pw *PipelineWatcher) run() {
	for {
		select {
		case e, ok := <-pw.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pw.mu.Lock()
			for _, h := range pw.byPath[e.Name] {
				pw.pending[h] = struct{}{}
			}
			pw.mu.Unlock()
			core.LogDebug("pipeline source changed: %s", e.Name)
		case err, ok := <-pw.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogWarn("pipeline watcher: %s", err)
		case <-pw.done:
			pw.fsnotify.Close()
			return
		}
	}
}

func (pw *PipelineWatcher) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.isClosed {
		return nil
	}
	pw.isClosed = true
	close(pw.done)
	return nil
}
