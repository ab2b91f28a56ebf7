package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"agent-ide/pkg/logger"
)

// Sleep is the general kind: every step waits for a fixed delay.
type Sleep struct {
	Delay time.Duration
}

// NewSleep returns the general kind with the given default step delay.
func NewSleep(delay time.Duration) *Sleep {
	return &Sleep{Delay: delay}
}

func (s *Sleep) Info() Info {
	return Info{
		Kind:        KindGeneral,
		Description: "Waits for a fixed delay on every step.",
		Version:     "1.0.0",
	}
}

// Configure accepts an optional "step_delay" override.
func (s *Sleep) Configure(cfg map[string]any) error {
	if raw, ok := cfg["step_delay"]; ok {
		d, err := durationOf(raw)
		if err != nil {
			return fmt.Errorf("step_delay: %w", err)
		}
		s.Delay = d
	}
	return nil
}

// Bind honours a per-agent "step_delay" parameter.
func (s *Sleep) Bind(b Binding) (StepFunc, error) {
	delay := s.Delay
	if raw, ok := b.Parameters["step_delay"]; ok {
		d, err := durationOf(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter step_delay: %w", err)
		}
		delay = d
	}
	return func(ctx context.Context, _ int) error {
		return sleep(ctx, delay)
	}, nil
}

// Scripted is the scripted kind: the agent code lists one directive per line
// and step N runs directive (N-1) modulo the script length.
//
//	sleep 50ms
//	log fetched page
//	log "two  spaces; kept"
//	fail upstream refused
//	noop
//
// Lines are split with shell quoting rules, so a message containing
// separators such as ; or | must be quoted. Blank lines and lines starting
// with # are skipped.
type Scripted struct {
	MaxSleep time.Duration
}

func (s *Scripted) Info() Info {
	return Info{
		Kind:        KindScripted,
		Description: "Runs the directives listed in the agent code.",
		Version:     "1.0.0",
	}
}

// Configure accepts an optional "max_sleep" cap for sleep directives.
func (s *Scripted) Configure(cfg map[string]any) error {
	if raw, ok := cfg["max_sleep"]; ok {
		d, err := durationOf(raw)
		if err != nil {
			return fmt.Errorf("max_sleep: %w", err)
		}
		s.MaxSleep = d
	}
	return nil
}

type directive struct {
	op  string
	arg string
	d   time.Duration
}

func (s *Scripted) Bind(b Binding) (StepFunc, error) {
	script, err := s.parse(b.Code)
	if err != nil {
		return nil, err
	}
	log := logger.Named("plugin.scripted").With("agent_id", b.AgentID, "agent_name", b.AgentName)
	return func(ctx context.Context, iteration int) error {
		d := script[(iteration-1)%len(script)]
		switch d.op {
		case "sleep":
			return sleep(ctx, d.d)
		case "log":
			log.Info(d.arg, "iteration", iteration)
		case "fail":
			return errors.New(d.arg)
		}
		return nil
	}, nil
}

func (s *Scripted) parse(code string) ([]directive, error) {
	var script []directive
	for n, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parser := shellwords.NewParser()
		words, err := parser.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if parser.Position >= 0 {
			return nil, fmt.Errorf("line %d: unquoted separator at column %d", n+1, parser.Position+1)
		}
		if len(words) == 0 {
			continue
		}
		op := words[0]
		arg := strings.Join(words[1:], " ")
		d := directive{op: strings.ToLower(op), arg: arg}
		switch d.op {
		case "noop":
		case "log", "fail":
			if arg == "" {
				return nil, fmt.Errorf("line %d: %s needs a message", n+1, d.op)
			}
		case "sleep":
			if len(words) != 2 {
				return nil, fmt.Errorf("line %d: sleep takes exactly one duration", n+1)
			}
			dur, err := time.ParseDuration(arg)
			if err != nil || dur < 0 {
				return nil, fmt.Errorf("line %d: invalid sleep duration %q", n+1, arg)
			}
			if s.MaxSleep > 0 && dur > s.MaxSleep {
				dur = s.MaxSleep
			}
			d.d = dur
		default:
			return nil, fmt.Errorf("line %d: unknown directive %q", n+1, op)
		}
		script = append(script, d)
	}
	if len(script) == 0 {
		return nil, errors.New("script has no directives")
	}
	return script, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func durationOf(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		return time.ParseDuration(t)
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}
