package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownKind is returned when no plugin is registered for a kind.
	ErrUnknownKind = errors.New("plugin kind not registered")
	// ErrKindDisabled is returned when the configuration switched a kind off.
	ErrKindDisabled = errors.New("plugin kind disabled")
	// ErrCapabilityDenied is returned when an agent requests a capability its policy forbids.
	ErrCapabilityDenied = errors.New("capability denied")
)

// Registry keeps track of registered plugins and binds agents to them.
type Registry struct {
	mu        sync.RWMutex
	entries   map[Kind]*entry
	isolation IsolationStrategy
	cfg       RegistryConfig
}

type entry struct {
	plugin Plugin
	info   Info
	state  State
	policy IsolationPolicy
}

// NewRegistry constructs a registry using the supplied configuration and options.
func NewRegistry(cfg RegistryConfig, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		entries:   make(map[Kind]*entry),
		isolation: CapabilityStrategy{},
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register configures a plugin and makes its kind available for binding.
// A kind disabled by configuration is recorded but refuses every binding.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.Kind == "" {
		return errors.New("plugin kind cannot be empty")
	}
	kindCfg := r.cfg.Kinds[string(info.Kind)]
	policy := MergePolicies(r.cfg.Defaults, kindCfg.Policy)
	if err := validateCapabilities(policy); err != nil {
		return fmt.Errorf("plugin %s policy: %w", info.Kind, err)
	}
	state := StateRegistered
	if !kindCfg.enabled() {
		state = StateDisabled
	} else if err := p.Configure(cloneConfig(kindCfg.Config)); err != nil {
		return fmt.Errorf("configure plugin %s: %w", info.Kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Kind]; exists {
		return fmt.Errorf("plugin %s already registered", info.Kind)
	}
	r.entries[info.Kind] = &entry{plugin: p, info: info, state: state, policy: policy}
	return nil
}

// Bind returns the step function of the given kind for one agent.
func (r *Registry) Bind(kind Kind, b Binding) (StepFunc, error) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if e.state == StateDisabled {
		return nil, fmt.Errorf("%w: %s", ErrKindDisabled, kind)
	}
	requested := knownCapabilities(b.Capabilities)
	if err := ensureSupported(e.info, requested); err != nil {
		return nil, err
	}
	if err := r.isolation.Validate(requested, e.policy); err != nil {
		return nil, fmt.Errorf("kind %s: %w", kind, err)
	}
	step, err := e.plugin.Bind(b.Clone())
	if err != nil {
		return nil, fmt.Errorf("bind %s for agent %s: %w", kind, b.AgentName, err)
	}
	if step == nil {
		return nil, fmt.Errorf("plugin %s returned no step function", kind)
	}
	return step, nil
}

// Kinds lists the metadata of every registered kind, sorted by kind.
func (r *Registry) Kinds() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
	return infos
}

// State returns the lifecycle state of a kind.
func (r *Registry) State(kind Kind) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return e.state, nil
}

// knownCapabilities drops free-form labels that are not enforceable capabilities.
func knownCapabilities(in []Capability) []Capability {
	out := make([]Capability, 0, len(in))
	for _, c := range in {
		switch c {
		case CapabilityFilesystem, CapabilityNetwork, CapabilityExecution:
			out = append(out, c)
		}
	}
	return out
}

func cloneConfig(cfg map[string]any) map[string]any {
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
