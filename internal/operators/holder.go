package operators

import (
	"context"
	"sync/atomic"

	"github.com/worq1337/parcer/internal/logger"
)

// Holder publishes the current registry. Reloading builds a new registry
// and swaps the pointer; a published registry is never mutated.
type Holder struct {
	current atomic.Pointer[Registry]
	path    string
}

// NewHolder returns a holder publishing reg. path is used by Reload.
func NewHolder(reg *Registry, path string) *Holder {
	h := &Holder{path: path}
	h.current.Store(reg)
	return h
}

// Current returns the registry in effect.
func (h *Holder) Current() *Registry {
	return h.current.Load()
}

// Swap publishes reg and returns the previous registry.
func (h *Holder) Swap(reg *Registry) *Registry {
	return h.current.Swap(reg)
}

// Reload rebuilds the registry from the holder's source and swaps it in.
// On error the current registry stays in effect.
func (h *Holder) Reload(ctx context.Context) (*Registry, error) {
	reg, err := Load(ctx, h.path)
	if err != nil {
		return nil, err
	}
	prev := h.Swap(reg)
	log := logger.FromContext(ctx)
	log.Info().
		Int("rules", reg.Len()).
		Int("previous_rules", prev.Len()).
		Int("skipped", len(reg.Skipped())).
		Msg("Operator dictionary reloaded")
	return reg, nil
}
