package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// TransportFactory builds a realtime dialer from its config section.
type TransportFactory func(RealtimeConfig) (realtime.Dialer, error)

// CapturerFactory builds a microphone capturer from its config section.
type CapturerFactory func(AudioConfig) (device.Capturer, error)

// Registry maps component names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
	capturers  map[string]CapturerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]TransportFactory),
		capturers:  make(map[string]CapturerFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterCapturer registers a capturer factory under name.
func (r *Registry) RegisterCapturer(name string, factory CapturerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capturers[name] = factory
}

// CreateTransport builds the dialer named by cfg.Transport.
func (r *Registry) CreateTransport(cfg RealtimeConfig) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, cfg.Transport)
	}
	return factory(cfg)
}

// CreateCapturer builds the capturer named by cfg.Backend.
func (r *Registry) CreateCapturer(cfg AudioConfig) (device.Capturer, error) {
	r.mu.RLock()
	factory, ok := r.capturers[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capturer/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Transports returns the registered transport names, sorted.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.transports))
}

// Capturers returns the registered capturer names, sorted.
func (r *Registry) Capturers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.capturers))
}
