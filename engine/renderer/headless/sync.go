package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-engine/lodestar/engine/core"
)

// fence is a CPU-observable completion signal. Reset swaps the wait channel
// so waiters from the previous cycle cannot observe the next one.
type fence struct {
	mu        sync.Mutex
	signaled  bool
	ch        chan struct{}
	destroyed bool
}

func newFence(signaled bool) *fence {
	f := &fence{
		signaled: signaled,
		ch:       make(chan struct{}),
	}
	if signaled {
		close(f.ch)
	}
	return f
}

func (f *fence) signal() {
	f.mu.Lock()
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
	f.mu.Unlock()
}

func (f *fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		return nil
	}
	ch := f.ch
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: after %s", core.ErrFenceTimeout, timeout)
	}
}

func (f *fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

func (f *fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *fence) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

// semaphore is a binary GPU-side signal: signaled by exactly one operation,
// consumed by exactly one wait. Signaling while a prior signal is still
// pending is the hazard a real presentation engine reports as a validation
// error; the device records it instead of crashing.
type semaphore struct {
	device  *Device
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

// semaphoreStallBudget bounds a GPU-side wait on a semaphore nobody will
// signal; hitting it is always a bug in the submission graph.
const semaphoreStallBudget = 10 * time.Second

func newSemaphore(d *Device) *semaphore {
	s := &semaphore{device: d}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) signal(origin string) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		s.device.recordValidation("semaphore re-signaled while pending (origin %s)", origin)
		return
	}
	s.pending = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitConsume blocks until the semaphore is pending, then consumes it.
func (s *semaphore) waitConsume(origin string) {
	deadline := time.Now().Add(semaphoreStallBudget)
	timer := time.AfterFunc(semaphoreStallBudget, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.pending {
		if time.Now().After(deadline) {
			s.device.recordValidation("semaphore wait stalled beyond %s (origin %s)", semaphoreStallBudget, origin)
			return
		}
		s.cond.Wait()
	}
	s.pending = false
}

func (s *semaphore) Destroy() {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
}
