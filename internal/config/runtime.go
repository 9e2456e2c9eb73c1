package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Runtime is the process-wide mutable configuration store. The supervisor
// captures an immutable snapshot at Execute() entry; the WebSocket
// start_system handler overrides the LLM selection before a run starts.
// Overrides are rejected while a run is in progress.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	runActive bool
}

// NewRuntime wraps a loaded config in a runtime store.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// Snapshot returns a copy of the current configuration. The model factory
// calls this per invocation so pre-run overrides are observed.
func (r *Runtime) Snapshot() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// OverrideLLM replaces the LLM selection. It also mirrors the values into the
// process environment so child processes observe them. Fails if a run is
// active.
func (r *Runtime) OverrideLLM(llm LLMConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runActive {
		return fmt.Errorf("config override rejected: run in progress")
	}
	if llm.Provider != "" {
		r.cfg.LLM.Provider = llm.Provider
		os.Setenv("LLM_PROVIDER", llm.Provider)
	}
	if llm.Model != "" {
		r.cfg.LLM.Model = llm.Model
		os.Setenv("LLM_MODEL", llm.Model)
	}
	if llm.Temperature != 0 {
		r.cfg.LLM.Temperature = llm.Temperature
		os.Setenv("LLM_TEMPERATURE", strconv.FormatFloat(llm.Temperature, 'f', -1, 64))
	}
	return nil
}

// SetRunActive marks a run as started or finished. While active, overrides
// are rejected.
func (r *Runtime) SetRunActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runActive = active
}

// RunActive reports whether a run is in progress.
func (r *Runtime) RunActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runActive
}
