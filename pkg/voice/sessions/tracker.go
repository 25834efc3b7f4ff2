// Package sessions tracks live calls so the server can drain them
// gracefully on shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a call registers with the tracker. Cancel tears the call
// down; Hangup sends a polite close to the caller first.
type Handle struct {
	Cancel func()
	Hangup func(reason string) error
}

// Tracker is a concurrency-safe registry of live calls keyed by call id.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*trackedCall)}
}

// Register adds a call and returns its unregister func. Registering the
// same call id twice unregisters the older entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// snapshot copies the live handles so callers can invoke them without
// holding the lock.
func (t *Tracker) snapshot() []Handle {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	handles := make([]Handle, 0, len(t.calls))
	for _, entry := range t.calls {
		if entry != nil {
			handles = append(handles, entry.handle)
		}
	}
	return handles
}

// HangupAll sends a close notice to every live call without cancelling
// them. Used at the start of a graceful drain.
func (t *Tracker) HangupAll(reason string) (sent int) {
	for _, h := range t.snapshot() {
		if h.Hangup == nil {
			continue
		}
		_ = h.Hangup(reason)
		sent++
	}
	return sent
}

// CancelAll force-terminates every live call.
func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered, or ctx
// expires. Returns true when fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
