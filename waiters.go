package forge

import "sync"

////////////////////////////////////////////////////////////////////////////////
// Wait hub for API: wait for final worker result by build_id
////////////////////////////////////////////////////////////////////////////////

type waiterHub struct {
	mu      sync.Mutex
	waiters map[string]chan BuildResultMsg
}

func newWaiterHub() *waiterHub {
	return &waiterHub{
		mu:      sync.Mutex{},
		waiters: map[string]chan BuildResultMsg{},
	}
}

func (h *waiterHub) register(buildID string) <-chan BuildResultMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan BuildResultMsg, 1)
	h.waiters[buildID] = ch
	return ch
}

func (h *waiterHub) unregister(buildID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, buildID)
}

func (h *waiterHub) deliver(buildID string, msg BuildResultMsg) {
	h.mu.Lock()
	ch, ok := h.waiters[buildID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
