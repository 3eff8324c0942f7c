package courier

import (
	"context"
	"errors"
	"log/slog"
)

// Plugin defines the interface for session extensions.
// Plugins can hook into sample publication to add custom behavior
// such as payload validation, rate limiting, or auditing.
//
// For observing other operations (queries sent, queries served),
// use the event system instead (QuerySent, QueryServed).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the session connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the session closes.
	Close(ctx context.Context) error
}

// PutHook is called before/after publishing samples.
// This is the primary extension point for payload validation and filtering.
type PutHook interface {
	Plugin
	// BeforePut is called before a sample is published. Return an error to abort.
	// Use this for payload validation, rate limiting, or auditing.
	BeforePut(ctx context.Context, keyExpr string, payload []byte) error
	// AfterPut is called after a sample is successfully published.
	// Return an error to signal post-publish failures.
	// Note: The sample is already published and cannot be recalled.
	AfterPut(ctx context.Context, keyExpr string, payload []byte) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all    []Plugin
	put    []PutHook
	logger *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(PutHook); ok {
		r.put = append(r.put, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			// Close already-initialized plugins in reverse order
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Hook execution helpers

func (r *pluginRegistry) beforePut(ctx context.Context, keyExpr string, payload []byte) error {
	for _, h := range r.put {
		if err := h.BeforePut(ctx, keyExpr, payload); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforePut", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterPut(ctx context.Context, keyExpr string, payload []byte) error {
	for _, h := range r.put {
		if err := h.AfterPut(ctx, keyExpr, payload); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "AfterPut", Err: err}
		}
	}
	return nil
}
