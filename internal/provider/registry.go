package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// Priority orders providers when no explicit provider is requested.
type Priority int

const (
	PriorityPrimary Priority = iota
	PrioritySecondary
	PriorityTertiary
)

// Registration holds a registered provider and its runtime switches.
type Registration struct {
	Client   Client
	Enabled  bool
	Priority Priority
	Breaker  *CircuitBreaker
	Pool     *Pool
	Latency  *LatencyTracker
}

// Registry is the process-scoped set of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Registration
	logger    *logging.StructuredLogger
}

func NewRegistry(logger *logging.StructuredLogger) *Registry {
	return &Registry{
		providers: make(map[string]*Registration),
		logger:    logger,
	}
}

// Register adds a provider.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.Client == nil {
		return errors.New("provider cannot be nil")
	}
	name := reg.Client.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = reg

	r.logger.Info("Registered payment provider", map[string]interface{}{
		"provider": name,
		"priority": int(reg.Priority),
		"enabled":  reg.Enabled,
	})
	return nil
}

// Get returns the named provider. Unknown or disabled providers are a
// validation failure from the caller's point of view.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.providers[name]
	if !ok {
		return nil, payerrors.Validationf("unknown payment provider %q", name)
	}
	if !reg.Enabled {
		return nil, payerrors.Validationf("payment provider %q is disabled", name)
	}
	return reg.Client, nil
}

// Default returns the enabled provider with the best priority whose
// breaker is not open.
func (r *Registry) Default() (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Registration
	for _, reg := range r.providers {
		if !reg.Enabled {
			continue
		}
		if reg.Breaker != nil && reg.Breaker.State() == StateOpen {
			continue
		}
		candidates = append(candidates, reg)
	}
	if len(candidates) == 0 {
		return nil, payerrors.API(503, "no payment provider available", "")
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority == candidates[j].Priority {
			return candidates[i].Client.Name() < candidates[j].Client.Name()
		}
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates[0].Client, nil
}

// Healthy counts enabled providers whose breaker is closed.
func (r *Registry) Healthy() (healthy, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.providers {
		total++
		if reg.Enabled && (reg.Breaker == nil || reg.Breaker.State() == StateClosed) {
			healthy++
		}
	}
	return healthy, total
}

// Names lists registered providers, enabled or not.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("provider '%s' not found", name)
	}
	reg.Enabled = enabled
	r.logger.Warn("Provider availability changed", map[string]interface{}{
		"provider": name,
		"enabled":  enabled,
	})
	return nil
}

func (r *Registry) Enable(name string) error  { return r.setEnabled(name, true) }
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

// ResetBreaker closes the named provider's circuit.
func (r *Registry) ResetBreaker(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("provider '%s' not found", name)
	}
	if reg.Breaker != nil {
		reg.Breaker.Reset()
	}
	return nil
}

// Status returns a snapshot for the admin surface.
func (r *Registry) Status() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(r.providers))
	for name, reg := range r.providers {
		s := map[string]interface{}{
			"name":     name,
			"enabled":  reg.Enabled,
			"priority": int(reg.Priority),
		}
		if reg.Breaker != nil {
			s["circuit_breaker"] = reg.Breaker.Stats()
		}
		if reg.Pool != nil {
			s["connection_pool"] = reg.Pool.Stats()
		}
		if reg.Latency != nil {
			s["latency"] = reg.Latency.Stats()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"].(string) < out[j]["name"].(string) })
	return out
}
