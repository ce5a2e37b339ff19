package service

import (
	"sort"
	"sync"

	"browser-swarm/internal/application/port/output"
)

var _ output.DetectorRegistry = (*DetectorRegistryImpl)(nil)

type DetectorRegistryImpl struct {
	mu        sync.RWMutex
	detectors map[string]output.DetectorPort
	order     []string
}

func NewDetectorRegistry() *DetectorRegistryImpl {
	return &DetectorRegistryImpl{
		detectors: make(map[string]output.DetectorPort),
	}
}

func (r *DetectorRegistryImpl) Register(d output.DetectorPort) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[d.Name()]; !exists {
		r.order = append(r.order, d.Name())
	}
	r.detectors[d.Name()] = d
}

func (r *DetectorRegistryImpl) Get(name string) (output.DetectorPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.detectors[name]
	return d, ok
}

// All returns detectors in registration order so merged results are stable.
func (r *DetectorRegistryImpl) All() []output.DetectorPort {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]output.DetectorPort, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.detectors[name])
	}
	return result
}

func (r *DetectorRegistryImpl) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
