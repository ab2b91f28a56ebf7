package plugin

import (
	"errors"
	"fmt"
)

// RegistryConfig describes how the registry should treat each kind.
type RegistryConfig struct {
	Defaults IsolationPolicy       `yaml:"defaults"`
	Kinds    map[string]KindConfig `yaml:"kinds"`
}

// KindConfig is the configuration block for a single kind.
// A nil Enabled keeps the kind available.
type KindConfig struct {
	Enabled *bool            `yaml:"enabled"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

func (c KindConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsolationPolicy governs which capabilities agents of a kind may declare.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Validate ensures the registry configuration is internally consistent.
func (c RegistryConfig) Validate() error {
	for kind := range c.Kinds {
		if kind == "" {
			return errors.New("plugin kind cannot be empty")
		}
	}
	return validateCapabilities(c.Defaults)
}

func validateCapabilities(p IsolationPolicy) error {
	for _, list := range [][]Capability{p.AllowedCapabilities, p.DeniedCapabilities} {
		for _, c := range list {
			switch c {
			case CapabilityFilesystem, CapabilityNetwork, CapabilityExecution:
			default:
				return fmt.Errorf("unknown capability %q", c)
			}
		}
	}
	return nil
}
