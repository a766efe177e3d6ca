// Package bundle compiles policy bundles into policy functions and registers
// them with an executor.
package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/polis-authz/pkg/config"
	"github.com/polisai/polis-authz/pkg/policy"
	"github.com/polisai/polis-authz/pkg/policy/rego"
)

// Registry receives compiled policies. *policy.Executor satisfies it.
type Registry interface {
	RegisterAll(policies map[string]policy.Func)
}

// ReloadRecorder counts bundle applications by status.
type ReloadRecorder interface {
	RecordBundleReload(status string)
}

// Reload statuses passed to ReloadRecorder.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Loader applies bundles to a registry.
type Loader struct {
	registry Registry
	recorder ReloadRecorder
	logger   *slog.Logger

	mu      sync.Mutex
	applied map[string]struct{}
}

// NewLoader builds a loader. recorder and logger may be nil.
func NewLoader(registry Registry, recorder ReloadRecorder, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: registry,
		recorder: recorder,
		logger:   logger,
		applied:  make(map[string]struct{}),
	}
}

// Compile turns a bundle into policy functions without registering them.
func Compile(ctx context.Context, b *config.Bundle) (map[string]policy.Func, error) {
	engine, err := rego.NewEngine(ctx, rego.EngineOptions{Modules: b.Modules})
	if err != nil {
		return nil, err
	}

	defs := make([]rego.Definition, 0, len(b.Policies))
	for _, p := range b.Policies {
		defs = append(defs, rego.Definition{Name: p.Name, Entrypoint: p.Entrypoint})
	}
	return engine.Policies(ctx, defs)
}

// Apply compiles b and registers every policy it declares. A bundle that
// fails to compile leaves the registry untouched. Policies dropped from the
// bundle since the last Apply stay registered and are reported as stale.
func (l *Loader) Apply(ctx context.Context, b *config.Bundle) error {
	policies, err := Compile(ctx, b)
	if err != nil {
		l.record(StatusFailure)
		return fmt.Errorf("compile policy bundle: %w", err)
	}

	l.registry.RegisterAll(policies)
	l.record(StatusSuccess)

	l.mu.Lock()
	var stale []string
	for name := range l.applied {
		if _, ok := policies[name]; !ok {
			stale = append(stale, name)
		}
	}
	for name := range policies {
		l.applied[name] = struct{}{}
	}
	l.mu.Unlock()

	sort.Strings(stale)
	if len(stale) > 0 {
		l.logger.Warn("policies removed from bundle remain registered", "policies", stale)
	}
	l.logger.Info("policy bundle applied", "policies", len(policies))
	return nil
}

// Watch returns a callback for config.BundleWatcher that applies each
// reloaded bundle, logging failures.
func (l *Loader) Watch(ctx context.Context) func(*config.Bundle) {
	return func(b *config.Bundle) {
		if err := l.Apply(ctx, b); err != nil {
			l.logger.Error("policy bundle reload rejected", "error", err)
		}
	}
}

func (l *Loader) record(status string) {
	if l.recorder != nil {
		l.recorder.RecordBundleReload(status)
	}
}
