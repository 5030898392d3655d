package syncpt

// A Fence is a waitable handle for "syncpoint reaches threshold". A
// fence created at or past an already-reached threshold is born
// signaled.
type Fence struct {
	sp     *Syncpoint
	thresh uint32
	done   chan struct{}
}

// A Waiter is anything with a completion channel. Composite fences
// from other subsystems satisfy Waiter without being syncpoint-backed.
type Waiter interface {
	Done() <-chan struct{}
}

// NewFence returns a fence that signals when the syncpoint reaches
// thresh.
func (s *Syncpoint) NewFence(thresh uint32) *Fence {
	f := &Fence{
		sp:     s,
		thresh: thresh,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if Expired(s.value, thresh) {
		close(f.done)
		return f
	}

	s.fences = append(s.fences, f)
	return f
}

// Done returns a channel closed when the fence signals.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Signaled reports whether the fence has signaled.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Syncpt returns the backing syncpoint.
func (f *Fence) Syncpt() *Syncpoint {
	return f.sp
}

// Thresh returns the threshold the fence signals at.
func (f *Fence) Thresh() uint32 {
	return f.thresh
}

// cancel detaches an unsignaled fence from its syncpoint.
func (f *Fence) cancel() {
	f.sp.mu.Lock()
	defer f.sp.mu.Unlock()

	for i, pend := range f.sp.fences {
		if pend == f {
			f.sp.fences = append(f.sp.fences[:i], f.sp.fences[i+1:]...)
			return
		}
	}
}

// HardwareWaitable reports whether every waiter is backed exclusively
// by a syncpoint, i.e. the engine itself could wait on all of them
// with WAIT_SYNCPT and no CPU fallback is needed.
func HardwareWaitable(ws ...Waiter) bool {
	for _, w := range ws {
		if _, ok := w.(*Fence); !ok {
			return false
		}
	}

	return true
}
