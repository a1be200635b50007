package actions

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jkaninda/kazi/internal/automation/rules"
)

// ActionResult is the outcome of one action including its retries.
type ActionResult struct {
	Type     string
	Retries  int
	Duration time.Duration
	Err      error
}

// Runner executes pipelines with per-action retry. Transient failures
// back off exponentially with jitter; terminal failures stop retrying
// immediately.
type Runner struct {
	Registry   *Registry
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

// RunPipeline executes actions in order, stopping at the first action
// that exhausts its retries. Results cover every attempted action.
func (r *Runner) RunPipeline(ctx context.Context, pipeline []rules.Action, in ExecInput) []ActionResult {
	results := make([]ActionResult, 0, len(pipeline))
	for i := range pipeline {
		action := &pipeline[i]
		result := r.runAction(ctx, action, in)
		results = append(results, result)
		if result.Err != nil {
			break
		}
	}
	return results
}

func (r *Runner) runAction(ctx context.Context, action *rules.Action, in ExecInput) ActionResult {
	started := time.Now()
	result := ActionResult{Type: action.Type}

	exec, ok := r.Registry.Lookup(action.Type)
	if !ok {
		result.Err = fmt.Errorf("unknown action type %q", action.Type)
		result.Duration = time.Since(started)
		return result
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = exec.Execute(ctx, *action, in)
		if err == nil {
			break
		}
		if attempt >= r.MaxRetries || !Transient(err) {
			break
		}
		delay := r.backoff(attempt)
		r.Logger.WarnContext(ctx, "action failed, retrying",
			slog.String("action", action.Type),
			slog.String("rule_id", in.RuleID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		result.Retries++

		select {
		case <-ctx.Done():
			err = ctx.Err()
			result.Err = err
			result.Duration = time.Since(started)
			return result
		case <-time.After(delay):
		}
	}

	result.Err = err
	result.Duration = time.Since(started)
	return result
}

// backoff returns base * 2^attempt plus up to 50% jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	delay := base << uint(attempt)
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}
