package plugin

import "context"

// StepFunc runs a single step of a bound task body.
// It should return promptly once ctx is done.
type StepFunc func(ctx context.Context, iteration int) error

// Binding carries the agent definition a plugin turns into a task body.
type Binding struct {
	AgentID      string
	AgentName    string
	Code         string
	Parameters   map[string]any
	Capabilities []Capability
}

// Clone returns a copy of the binding so plugins can safely mutate maps.
func (b Binding) Clone() Binding {
	dup := b
	if b.Parameters != nil {
		dup.Parameters = make(map[string]any, len(b.Parameters))
		for k, v := range b.Parameters {
			dup.Parameters[k] = v
		}
	}
	if b.Capabilities != nil {
		dup.Capabilities = append([]Capability(nil), b.Capabilities...)
	}
	return dup
}

// Plugin produces task bodies of one kind.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Configure allows the plugin to inspect its configuration block before registration.
	Configure(cfg map[string]any) error
	// Bind returns the step function for one agent.
	Bind(b Binding) (StepFunc, error)
}

// Option modifies the behaviour of a registry instance.
type Option func(*Registry)

// WithIsolationStrategy sets a custom capability enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(r *Registry) {
		if strategy != nil {
			r.isolation = strategy
		}
	}
}
