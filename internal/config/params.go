package config

import "sync/atomic"

// Holder gives running components lock-free access to the current engine
// params and lets an operator swap them at runtime. Actors read the pointer
// once per bid, so in-flight evaluations finish under the params they
// started with.
type Holder struct {
	current atomic.Pointer[EngineParams]
}

// NewHolder creates a Holder seeded with the given params. The params are
// copied so later mutation of the argument has no effect.
func NewHolder(p EngineParams) *Holder {
	h := &Holder{}
	cp := p.clone()
	h.current.Store(&cp)
	return h
}

// Current returns the params in effect right now. The returned value must be
// treated as read-only.
func (h *Holder) Current() *EngineParams {
	return h.current.Load()
}

// Swap validates and installs new params. In-flight actors pick them up on
// their next bid.
func (h *Holder) Swap(p EngineParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := p.clone()
	h.current.Store(&cp)
	return nil
}

// clone deep-copies the params so the holder never shares the region map
// with callers.
func (p EngineParams) clone() EngineParams {
	cp := p
	cp.RegionWeights = make(map[string]float64, len(p.RegionWeights))
	for k, v := range p.RegionWeights {
		cp.RegionWeights[k] = v
	}
	return cp
}
