// Package execution runs agent task bodies outside the caller's control flow.
//
// An Environment owns a registry of live execution units (at most one per
// agent) and an in-memory store holding the latest terminal Result of every
// agent. Each unit runs on its own goroutine, steps the task body up to the
// agent's iteration ceiling and observes a context-based cancellation signal
// between steps. The agent's configured timeout is enforced by the
// environment through the same signal.
//
// Every termination path (success, cancellation, timeout, task fault or
// panic) is converted into a Result; nothing raised by a task body crosses
// the Environment's public API. The optional Observer is invoked once per
// run, on the unit's goroutine, after the Result has been stored and the
// unit removed from the live registry.
package execution
