package plugin

// Kind names a family of task bodies. Agents select one through their type.
type Kind string

const (
	// KindGeneral steps by sleeping for a configured delay.
	KindGeneral Kind = "general"
	// KindScripted interprets the agent code as a list of step directives.
	KindScripted Kind = "scripted"
	// KindJavaScript evaluates the agent code and calls its step function.
	KindJavaScript Kind = "javascript"
)

// Capability expresses optional features a task body may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	Kind         Kind
	Description  string
	Version      string
	Capabilities []Capability
}

// State represents the lifecycle position of a registered plugin.
type State string

const (
	StateRegistered State = "registered"
	StateDisabled   State = "disabled"
)
