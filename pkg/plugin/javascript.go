package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"agent-ide/pkg/logger"
)

// JavaScript is the javascript kind. The agent code must define a function
// step(iteration); every bound run gets its own runtime, so globals persist
// across the steps of one run and nothing leaks between runs.
//
//	var seen = 0;
//	function step(i) {
//	  seen += params.batch;
//	  log("processed " + seen);
//	  if (seen > 100) throw new Error("quota exceeded");
//	}
//
// The runtime exposes params (the agent parameters) and log(msg). It has no
// file system, network or process access.
type JavaScript struct {
	// StepTimeout bounds a single step call. Zero leaves only the run context.
	StepTimeout time.Duration
}

func (j *JavaScript) Info() Info {
	return Info{
		Kind:        KindJavaScript,
		Description: "Calls step(iteration) defined in the agent code.",
		Version:     "1.0.0",
	}
}

// Configure accepts an optional "step_timeout".
func (j *JavaScript) Configure(cfg map[string]any) error {
	if raw, ok := cfg["step_timeout"]; ok {
		d, err := durationOf(raw)
		if err != nil {
			return fmt.Errorf("step_timeout: %w", err)
		}
		j.StepTimeout = d
	}
	return nil
}

// Bind compiles the agent code. The top-level statements run on the first
// step, under the same context and step timeout as the step call itself.
func (j *JavaScript) Bind(b Binding) (StepFunc, error) {
	program, err := goja.Compile(b.AgentName, b.Code, false)
	if err != nil {
		return nil, fmt.Errorf("compile agent code: %w", err)
	}
	vm := goja.New()
	log := logger.Named("plugin.javascript").With("agent_id", b.AgentID, "agent_name", b.AgentName)

	params := b.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := vm.Set("params", params); err != nil {
		return nil, err
	}
	if err := vm.Set("log", func(msg string) { log.Info(msg) }); err != nil {
		return nil, err
	}

	timeout := j.StepTimeout
	var step goja.Callable
	return func(ctx context.Context, iteration int) error {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := interruptible(callCtx, vm, func() error {
			if step == nil {
				if _, err := vm.RunProgram(program); err != nil {
					return err
				}
				fn, ok := goja.AssertFunction(vm.Get("step"))
				if !ok {
					return errors.New("agent code must define function step(iteration)")
				}
				step = fn
			}
			_, err := step(goja.Undefined(), vm.ToValue(iteration))
			return err
		})
		if err == nil {
			return nil
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("step %d timed out after %s", iteration, timeout)
		}
		var thrown *goja.Exception
		if errors.As(err, &thrown) {
			return errors.New(thrown.Value().String())
		}
		return err
	}, nil
}

// interruptible runs fn on the calling goroutine and interrupts the runtime
// once ctx is done. The runtime is usable again when it returns.
func interruptible(ctx context.Context, vm *goja.Runtime, fn func() error) error {
	returned := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-returned:
		}
	}()
	err := fn()
	close(returned)
	<-watching
	vm.ClearInterrupt()
	return err
}
