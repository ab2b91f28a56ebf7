package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/observability/alerting"
	"agent-ide/pkg/plugin"
)

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

func newTestEnv(opts ...Option) *Environment {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStepDelay(time.Millisecond),
	}
	return New(append(base, opts...)...)
}

func newTestAgent(maxIterations int, timeout time.Duration) *agent.Agent {
	return agent.New(agent.Config{
		Name:          "worker",
		Type:          "general",
		MaxIterations: maxIterations,
		Timeout:       timeout,
	}, "noop")
}

// blockAt 在第 n 步阻塞直到 ctx 结束，并通过 reached 通知已到达。
func blockAt(n int, reached chan<- struct{}) TaskFunc {
	return func(ctx context.Context, iteration int) error {
		if iteration < n {
			return nil
		}
		if reached != nil {
			close(reached)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func resultCollector() (Observer, <-chan Result) {
	ch := make(chan Result, 1)
	return func(_ *agent.Agent, r Result) { ch <- r }, ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("observer was not invoked")
		return Result{}
	}
}

func TestExecuteRunsToCompletion(t *testing.T) {
	env := newTestEnv()
	ag := newTestAgent(5, time.Minute)
	observer, results := resultCollector()

	id, err := env.Execute(ag, observer)
	require.NoError(t, err)
	assert.Equal(t, ag.ID(), id)

	res := waitResult(t, results)
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.Iterations)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, "agent executed successfully for 5 iterations", res.Output)
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))

	state := ag.State()
	assert.Equal(t, agent.StatusCompleted, state.Status)
	assert.Equal(t, 5, state.Iteration)
	require.NotNil(t, state.EndedAt)

	stored, ok := env.Result(id)
	require.True(t, ok)
	assert.Equal(t, res, stored)
	assert.False(t, env.IsRunning(id))
	assert.Empty(t, env.LiveIDs())
}

func TestExecuteRejectsSecondRun(t *testing.T) {
	env := newTestEnv()
	ag := newTestAgent(3, time.Minute)
	reached := make(chan struct{})
	observer, results := resultCollector()

	_, err := env.ExecuteTask(ag, blockAt(1, reached), observer)
	require.NoError(t, err)
	<-reached

	_, err = env.ExecuteTask(ag, blockAt(1, nil), nil)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, []string{ag.ID()}, env.LiveIDs())

	require.True(t, env.Cancel(context.Background(), ag.ID()))
	waitResult(t, results)

	observer, results = resultCollector()
	_, err = env.ExecuteTask(ag, TaskFunc(func(context.Context, int) error { return nil }), observer)
	require.NoError(t, err)
	res := waitResult(t, results)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Iterations)
}

func TestCancel(t *testing.T) {
	t.Run("before first step", func(t *testing.T) {
		env := newTestEnv()
		ag := newTestAgent(10, time.Minute)
		observer, results := resultCollector()

		_, err := env.ExecuteTask(ag, blockAt(1, nil), observer)
		require.NoError(t, err)
		assert.True(t, env.Cancel(context.Background(), ag.ID()))

		res := waitResult(t, results)
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.Iterations)
		assert.Equal(t, agent.StatusCancelled, res.Status)
		assert.Empty(t, res.Error)
		assert.Equal(t, agent.StatusCancelled, ag.State().Status)
	})

	t.Run("mid run", func(t *testing.T) {
		env := newTestEnv()
		ag := newTestAgent(10, time.Minute)
		reached := make(chan struct{})

		_, err := env.ExecuteTask(ag, blockAt(3, reached), nil)
		require.NoError(t, err)
		<-reached
		require.True(t, env.Cancel(context.Background(), ag.ID()))

		// Cancel 返回 true 时结果已写入。
		res, ok := env.Result(ag.ID())
		require.True(t, ok)
		assert.Equal(t, 2, res.Iterations)
		assert.Equal(t, "execution stopped at iteration 2", res.Output)
		assert.Equal(t, agent.StatusCancelled, res.Status)
		assert.False(t, env.IsRunning(ag.ID()))
	})

	t.Run("unknown agent", func(t *testing.T) {
		env := newTestEnv()
		assert.False(t, env.Cancel(context.Background(), "missing"))
	})

	t.Run("grace period expires", func(t *testing.T) {
		alerts := &recordingAlerts{}
		env := newTestEnv(WithGracePeriod(20*time.Millisecond), WithAlertDispatcher(alerts))
		ag := newTestAgent(3, time.Minute)
		reached := make(chan struct{})
		release := make(chan struct{})
		stubborn := TaskFunc(func(_ context.Context, iteration int) error {
			if iteration == 1 {
				close(reached)
				<-release
			}
			return nil
		})

		_, err := env.ExecuteTask(ag, stubborn, nil)
		require.NoError(t, err)
		<-reached

		assert.False(t, env.Cancel(context.Background(), ag.ID()))
		assert.True(t, env.IsRunning(ag.ID()))
		assert.Contains(t, alerts.codes(), CodeCancelTimeout)

		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := env.Wait(ctx, ag.ID())
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCancelled, res.Status)
		assert.Equal(t, 1, res.Iterations)
	})

	t.Run("caller gives up first", func(t *testing.T) {
		alerts := &recordingAlerts{}
		env := newTestEnv(WithGracePeriod(time.Minute), WithAlertDispatcher(alerts))
		ag := newTestAgent(3, time.Minute)
		reached := make(chan struct{})
		release := make(chan struct{})
		stubborn := TaskFunc(func(_ context.Context, iteration int) error {
			if iteration == 1 {
				close(reached)
				<-release
			}
			return nil
		})

		_, err := env.ExecuteTask(ag, stubborn, nil)
		require.NoError(t, err)
		<-reached

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, env.Cancel(ctx, ag.ID()))
		assert.NotContains(t, alerts.codes(), CodeCancelTimeout)

		close(release)
		waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		res, err := env.Wait(waitCtx, ag.ID())
		require.NoError(t, err)
		assert.Equal(t, agent.StatusCancelled, res.Status)
	})
}

func TestTaskFaultBecomesResult(t *testing.T) {
	alerts := &recordingAlerts{}
	env := newTestEnv(WithAlertDispatcher(alerts))
	ag := newTestAgent(5, time.Minute)
	observer, results := resultCollector()

	task := TaskFunc(func(_ context.Context, iteration int) error {
		if iteration == 3 {
			return errors.New("boom")
		}
		return nil
	})
	_, err := env.ExecuteTask(ag, task, observer)
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, agent.StatusError, res.Status)

	state := ag.State()
	assert.Equal(t, agent.StatusError, state.Status)
	assert.Equal(t, "boom", state.ErrorMessage)
	assert.Equal(t, []xerrors.Code{CodeTaskFault}, alerts.codes())
}

func TestTaskPanicBecomesResult(t *testing.T) {
	env := newTestEnv()
	ag := newTestAgent(5, time.Minute)
	observer, results := resultCollector()

	_, err := env.ExecuteTask(ag, TaskFunc(func(context.Context, int) error { panic("kaboom") }), observer)
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Contains(t, res.Error, "kaboom")
	assert.Contains(t, res.Error, string(CodeTaskFault))
	assert.Equal(t, 0, res.Iterations)
}

func TestTimeoutIsEnforced(t *testing.T) {
	alerts := &recordingAlerts{}
	env := newTestEnv(WithAlertDispatcher(alerts))
	ag := newTestAgent(10, 50*time.Millisecond)
	observer, results := resultCollector()

	_, err := env.ExecuteTask(ag, blockAt(2, nil), observer)
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.False(t, res.Success)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Contains(t, res.Error, string(CodeRunTimeout))
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "execution stopped at iteration 1", res.Output)
	assert.Contains(t, ag.State().ErrorMessage, string(CodeRunTimeout))
	assert.Equal(t, []xerrors.Code{CodeRunTimeout}, alerts.codes())
}

func TestDefaultTimeoutAppliesWhenUnset(t *testing.T) {
	env := newTestEnv(WithDefaultTimeout(30 * time.Millisecond))
	ag := newTestAgent(10, 0)
	observer, results := resultCollector()

	_, err := env.ExecuteTask(ag, blockAt(1, nil), observer)
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Contains(t, res.Error, "30ms")
}

func TestObserverSeesFinalState(t *testing.T) {
	env := newTestEnv()
	ag := newTestAgent(2, time.Minute)

	type seen struct {
		stored  bool
		running bool
		status  agent.Status
	}
	ch := make(chan seen, 1)
	observer := func(a *agent.Agent, r Result) {
		_, stored := env.Result(a.ID())
		ch <- seen{stored: stored, running: env.IsRunning(a.ID()), status: a.State().Status}
	}

	_, err := env.Execute(ag, observer)
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.True(t, s.stored)
		assert.False(t, s.running)
		assert.Equal(t, agent.StatusCompleted, s.status)
	case <-time.After(5 * time.Second):
		t.Fatal("observer was not invoked")
	}
}

func TestObserverPanicIsIsolated(t *testing.T) {
	alerts := &recordingAlerts{}
	env := newTestEnv(WithAlertDispatcher(alerts))
	ag := newTestAgent(1, time.Minute)
	called := make(chan struct{})

	_, err := env.Execute(ag, func(*agent.Agent, Result) {
		close(called)
		panic("observer exploded")
	})
	require.NoError(t, err)
	<-called

	require.Eventually(t, func() bool {
		return len(alerts.codes()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []xerrors.Code{CodeObserverFault}, alerts.codes())

	res, ok := env.Result(ag.ID())
	require.True(t, ok)
	assert.True(t, res.Success)

	observer, results := resultCollector()
	_, err = env.Execute(ag, observer)
	require.NoError(t, err)
	assert.True(t, waitResult(t, results).Success)
}

func TestAgentsRunIndependently(t *testing.T) {
	env := newTestEnv()
	slow := newTestAgent(5, time.Minute)
	fast := newTestAgent(2, time.Minute)
	reached := make(chan struct{})
	slowObs, slowResults := resultCollector()
	fastObs, fastResults := resultCollector()

	_, err := env.ExecuteTask(slow, blockAt(3, reached), slowObs)
	require.NoError(t, err)
	_, err = env.ExecuteTask(fast, TaskFunc(func(context.Context, int) error { return nil }), fastObs)
	require.NoError(t, err)

	assert.True(t, waitResult(t, fastResults).Success)
	<-reached
	assert.True(t, env.IsRunning(slow.ID()))
	assert.Equal(t, []string{slow.ID()}, env.LiveIDs())

	require.True(t, env.Cancel(context.Background(), slow.ID()))
	assert.Equal(t, 2, waitResult(t, slowResults).Iterations)

	fastRes, ok := env.Result(fast.ID())
	require.True(t, ok)
	assert.Equal(t, 2, fastRes.Iterations)
}

func TestResultAndWaitForUnknownAgent(t *testing.T) {
	env := newTestEnv()
	_, ok := env.Result("never-ran")
	assert.False(t, ok)

	_, err := env.Wait(context.Background(), "never-ran")
	assert.True(t, errors.Is(err, ErrNoResult))
}

func TestShutdownCancelsLiveUnits(t *testing.T) {
	env := newTestEnv()
	ag := newTestAgent(10, time.Minute)
	reached := make(chan struct{})

	_, err := env.ExecuteTask(ag, blockAt(2, reached), nil)
	require.NoError(t, err)
	<-reached

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Shutdown(ctx))

	res, ok := env.Result(ag.ID())
	require.True(t, ok)
	assert.Equal(t, agent.StatusCancelled, res.Status)
	assert.Equal(t, 1, res.Iterations)

	_, err = env.Execute(newTestAgent(1, time.Minute), nil)
	assert.True(t, errors.Is(err, ErrEnvironmentClosed))
}

func TestShutdownWaitsForFinishingObserver(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv()
		ag := newTestAgent(1, time.Minute)
		var finished atomic.Bool
		observer := func(*agent.Agent, Result) {
			time.Sleep(2 * time.Millisecond)
			finished.Store(true)
		}

		_, err := env.ExecuteTask(ag, TaskFunc(func(context.Context, int) error { return nil }), observer)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return !env.IsRunning(ag.ID()) }, 5*time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, env.Shutdown(ctx))
		cancel()
		require.True(t, finished.Load(), "shutdown returned before the observer of run %d", i)
	}
}

func TestExecuteChecksLivenessBeforeBinding(t *testing.T) {
	var binds atomic.Int32
	env := newTestEnv(WithTaskFactory(func(*agent.Agent) (Task, error) {
		binds.Add(1)
		return TaskFunc(func(context.Context, int) error { return nil }), nil
	}))
	ag := newTestAgent(3, time.Minute)
	reached := make(chan struct{})

	_, err := env.ExecuteTask(ag, blockAt(1, reached), nil)
	require.NoError(t, err)
	<-reached

	_, err = env.Execute(ag, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Zero(t, binds.Load())

	require.True(t, env.Cancel(context.Background(), ag.ID()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Shutdown(ctx))
	_, err = env.Execute(ag, nil)
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	assert.Zero(t, binds.Load())
}

func TestJavaScriptTopLevelRunsInsideUnit(t *testing.T) {
	reg, err := plugin.NewRegistry(plugin.RegistryConfig{})
	require.NoError(t, err)
	require.NoError(t, reg.Register(&plugin.JavaScript{}))
	env := newTestEnv(WithTaskFactory(PluginFactory(reg)))

	spinner := agent.New(agent.Config{Name: "spinner", Type: "javascript", MaxIterations: 3, Timeout: 50 * time.Millisecond},
		"while (true) {}\nfunction step(i) {}")
	observer, results := resultCollector()

	started := make(chan error, 1)
	go func() {
		_, err := env.Execute(spinner, observer)
		started <- err
	}()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked on agent code")
	}
	assert.NotEqual(t, agent.StatusIdle, spinner.State().Status)

	res := waitResult(t, results)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Contains(t, res.Error, string(CodeRunTimeout))
	assert.Equal(t, "execution stopped at iteration 0", res.Output)
}

func TestExecuteValidatesArguments(t *testing.T) {
	env := newTestEnv()
	_, err := env.Execute(nil, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = env.ExecuteTask(newTestAgent(1, time.Minute), nil, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	failing := newTestEnv(WithTaskFactory(func(*agent.Agent) (Task, error) {
		return nil, errors.New("no runtime for agent type")
	}))
	_, err = failing.Execute(newTestAgent(1, time.Minute), nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestPluginFactoryBindsByAgentType(t *testing.T) {
	reg, err := plugin.NewRegistry(plugin.RegistryConfig{
		Defaults: plugin.IsolationPolicy{DeniedCapabilities: []plugin.Capability{plugin.CapabilityNetwork}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(plugin.NewSleep(0)))
	require.NoError(t, reg.Register(&plugin.Scripted{}))

	env := newTestEnv(WithTaskFactory(PluginFactory(reg)))

	scripted := agent.New(agent.Config{Name: "scripted", Type: "scripted", MaxIterations: 4, Timeout: time.Minute},
		"noop\nfail upstream refused")
	observer, results := resultCollector()
	_, err = env.Execute(scripted, observer)
	require.NoError(t, err)
	res := waitResult(t, results)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "upstream refused", res.Error)
	assert.Equal(t, 1, res.Iterations)

	general := agent.New(agent.Config{Name: "general", Type: "general", MaxIterations: 2, Timeout: time.Minute}, "")
	observer, results = resultCollector()
	_, err = env.Execute(general, observer)
	require.NoError(t, err)
	assert.True(t, waitResult(t, results).Success)

	unknown := agent.New(agent.Config{Name: "odd", Type: "quantum", MaxIterations: 1}, "")
	_, err = env.Execute(unknown, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.ErrorIs(t, err, plugin.ErrUnknownKind)

	denied := agent.New(agent.Config{Name: "net", Type: "general", MaxIterations: 1, Capabilities: []string{"network"}}, "")
	_, err = env.Execute(denied, nil)
	assert.ErrorIs(t, err, plugin.ErrCapabilityDenied)
	assert.False(t, env.IsRunning(denied.ID()))
}

func TestRunsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	env := newTestEnv(WithTracerProvider(tp))

	ok := newTestAgent(3, time.Minute)
	observer, results := resultCollector()
	_, err := env.Execute(ok, observer)
	require.NoError(t, err)
	waitResult(t, results)

	failing := newTestAgent(5, time.Minute)
	task := TaskFunc(func(_ context.Context, iteration int) error {
		if iteration == 2 {
			return errors.New("boom")
		}
		return nil
	})
	observer, results = resultCollector()
	_, err = env.ExecuteTask(failing, task, observer)
	require.NoError(t, err)
	waitResult(t, results)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	first := spans[0]
	assert.Equal(t, "agent.run", first.Name())
	assert.Len(t, first.Events(), 3)
	assert.Equal(t, codes.Ok, first.Status().Code)

	second := spans[1]
	assert.Len(t, second.Events(), 1)
	assert.Equal(t, codes.Error, second.Status().Code)
	assert.Equal(t, "boom", second.Status().Description)

	attrs := map[string]string{}
	for _, kv := range second.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, failing.ID(), attrs["agent.id"])
	assert.Equal(t, "error", attrs["agent.status"])
	assert.Equal(t, "1", attrs["agent.iterations"])
}
