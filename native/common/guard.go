package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports operator maintenance pauses keyed by module name. It is
// independent of any pause flag a module persists in its own state.
type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a concurrency-safe PauseView that operators can flip at runtime.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses seeds the view with the provided module flags.
func NewPauses(initial map[string]bool) *Pauses {
	p := &Pauses{paused: make(map[string]bool, len(initial))}
	for module, paused := range initial {
		p.paused[normalizeModule(module)] = paused
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normalizeModule(module)]
}

// Set updates the pause flag for module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	p.paused[normalizeModule(module)] = paused
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
