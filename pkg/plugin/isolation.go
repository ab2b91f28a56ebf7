package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy decides whether an agent may bind to a kind with the capabilities it declares.
type IsolationStrategy interface {
	Validate(requested []Capability, policy IsolationPolicy) error
}

// CapabilityStrategy performs only capability validation.
type CapabilityStrategy struct{}

// Validate ensures every requested capability is allowed and none is denied.
func (CapabilityStrategy) Validate(requested []Capability, policy IsolationPolicy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(requested, c) {
			return fmt.Errorf("%w: %s is explicitly denied", ErrCapabilityDenied, c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range requested {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("%w: %s not permitted", ErrCapabilityDenied, c)
		}
	}
	return nil
}

// MergePolicies combines the default and kind specific isolation policies.
func MergePolicies(defaults IsolationPolicy, kind *IsolationPolicy) IsolationPolicy {
	if kind == nil {
		return defaults
	}
	merged := kind.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// ensureSupported rejects capabilities the kind itself never offers.
func ensureSupported(info Info, requested []Capability) error {
	for _, c := range requested {
		if !slices.Contains(info.Capabilities, c) {
			return fmt.Errorf("%w: kind %s does not offer %s", ErrCapabilityDenied, info.Kind, c)
		}
	}
	return nil
}
