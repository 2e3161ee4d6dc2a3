package monitoring

import "sync"

// AlertHook is called for every raised alert.
type AlertHook func(Alert)

// StatusHook is called after every sample.
type StatusHook func(Status)

// Hooks fans monitor output out to integrations such as pagers or an
// admin channel. Each hook runs on its own goroutine.
type Hooks struct {
	mu          sync.RWMutex
	alertHooks  []AlertHook
	statusHooks []StatusHook
}

func (h *Hooks) AddAlertHook(hook AlertHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alertHooks = append(h.alertHooks, hook)
}

func (h *Hooks) AddStatusHook(hook StatusHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusHooks = append(h.statusHooks, hook)
}

func (h *Hooks) triggerAlert(alert Alert) {
	h.mu.RLock()
	hooks := make([]AlertHook, len(h.alertHooks))
	copy(hooks, h.alertHooks)
	h.mu.RUnlock()

	for _, hook := range hooks {
		go hook(alert)
	}
}

func (h *Hooks) triggerStatus(status Status) {
	h.mu.RLock()
	hooks := make([]StatusHook, len(h.statusHooks))
	copy(hooks, h.statusHooks)
	h.mu.RUnlock()

	for _, hook := range hooks {
		go hook(status)
	}
}
