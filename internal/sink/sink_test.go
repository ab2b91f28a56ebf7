package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
)

func sampleRun() (*agent.Agent, execution.Result) {
	ag := agent.New(agent.Config{Name: "summarizer", Type: "general", MaxIterations: 3}, "noop")
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return ag, execution.Result{
		AgentID:    ag.ID(),
		Success:    false,
		Output:     "execution stopped at iteration 2",
		Status:     agent.StatusCancelled,
		Duration:   1500 * time.Millisecond,
		Iterations: 2,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}
}

func TestNewRunEvent(t *testing.T) {
	ag, res := sampleRun()
	ev := NewRunEvent(ag, res)

	assert.Equal(t, ag.ID(), ev.AgentID)
	assert.Equal(t, "summarizer", ev.AgentName)
	assert.Equal(t, "general", ev.AgentType)
	assert.Equal(t, agent.StatusCancelled, ev.Status)
	assert.Equal(t, int64(1500), ev.DurationMS)
	assert.Equal(t, "runs.cancelled", RoutingKey(ev))

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"cancelled"`)
	assert.NotContains(t, string(raw), `"error"`)
}

func TestFanoutIsolatesPanics(t *testing.T) {
	ag, res := sampleRun()
	var calls []string
	observer := Fanout(
		func(*agent.Agent, execution.Result) { calls = append(calls, "first") },
		nil,
		func(*agent.Agent, execution.Result) { panic("sink exploded") },
		func(_ *agent.Agent, r execution.Result) { calls = append(calls, "last:"+r.AgentID) },
	)

	assert.NotPanics(t, func() { observer(ag, res) })
	assert.Equal(t, []string{"first", "last:" + ag.ID()}, calls)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	ag, res := sampleRun()
	LogObserver(slog.New(slog.NewJSONHandler(&buf, nil)))(ag, res)

	out := buf.String()
	for _, want := range []string{`"agent_name":"summarizer"`, `"status":"cancelled"`, `"iterations":2`} {
		assert.True(t, strings.Contains(out, want), "missing %s in %s", want, out)
	}
}

func TestObserverForSwallowsErrors(t *testing.T) {
	ag, res := sampleRun()
	var got RunEvent
	observer := observerFor("test", func(ctx context.Context, ev RunEvent) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got = ev
		return xerrors.New(xerrors.CodePublishFailure, "unreachable")
	})
	assert.NotPanics(t, func() { observer(ag, res) })
	assert.Equal(t, res.AgentID, got.AgentID)
}

func TestRedisPublisherWrapsFailures(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := NewRedisPublisherWithClient(client, RedisPublisherConfig{})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ag, res := sampleRun()
	err := p.Publish(ctx, NewRunEvent(ag, res))
	assert.Equal(t, xerrors.CodePublishFailure, xerrors.CodeOf(err))

	_, _, err = p.LastResult(ctx, ag.Name())
	assert.Equal(t, xerrors.CodePublishFailure, xerrors.CodeOf(err))
}

// memoryHook 在客户端内部应答 SET/GET，不建立网络连接。
type memoryHook struct {
	mu   sync.Mutex
	keys map[string]string
}

func (h *memoryHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *memoryHook) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		get, ok := cmd.(*redis.StringCmd)
		if !ok || cmd.Name() != "get" {
			return nil
		}
		h.mu.Lock()
		val, found := h.keys[fmt.Sprint(cmd.Args()[1])]
		h.mu.Unlock()
		if !found {
			get.SetErr(redis.Nil)
			return redis.Nil
		}
		get.SetVal(val)
		return nil
	}
}

func (h *memoryHook) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, cmd := range cmds {
			if cmd.Name() != "set" {
				continue
			}
			args := cmd.Args()
			switch v := args[2].(type) {
			case []byte:
				h.keys[fmt.Sprint(args[1])] = string(v)
			default:
				h.keys[fmt.Sprint(args[1])] = fmt.Sprint(v)
			}
		}
		return nil
	}
}

func TestRedisLastResultSurvivesNewAgentIDs(t *testing.T) {
	hook := &memoryHook{keys: map[string]string{}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(hook)
	p := NewRedisPublisherWithClient(client, RedisPublisherConfig{KeyPrefix: "test:result:"})
	defer p.Close()

	ctx := context.Background()
	ag, res := sampleRun()
	require.NoError(t, p.Publish(ctx, NewRunEvent(ag, res)))
	assert.Contains(t, hook.keys, "test:result:summarizer")

	// 重启后同名智能体拿到新 ID，仍能按名称读到上一次结果。
	restarted := agent.New(ag.Config(), ag.Code())
	require.NotEqual(t, ag.ID(), restarted.ID())
	ev, ok, err := p.LastResult(ctx, restarted.Name())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ag.ID(), ev.AgentID)
	assert.Equal(t, agent.StatusCancelled, ev.Status)

	_, ok, err = p.LastResult(ctx, "never-ran")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublisherConstructorsValidateConfig(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisPublisherConfig{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewRabbitMQPublisher(RabbitMQPublisherConfig{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
