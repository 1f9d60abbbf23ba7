package session

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/signal"
)

// Workflow structure signal names.
const (
	NamePhaseStart       = "phase:start"
	NamePhaseComplete    = "phase:complete"
	NamePhaseFailed      = "phase:failed"
	NameTaskStart        = "task:start"
	NameTaskComplete     = "task:complete"
	NameTaskFailed       = "task:failed"
	NameRetryStart       = "retry:start"
	NameRetryAttempt     = "retry:attempt"
	NameRetryBackoff     = "retry:backoff"
	NameRetrySuccess     = "retry:success"
	NameRetryFailure     = "retry:failure"
	NameParallelStart    = "parallel:start"
	NameParallelItemDone = "parallel:item:complete"
	NameParallelComplete = "parallel:complete"
)

type (
	// RunContext is handed to the workflow body. It exposes the session's
	// agents and state plus the structured execution helpers. All helpers
	// are cooperative suspension points: they observe pause and abort.
	RunContext struct {
		session *Session

		phaseSeq atomic.Int64
	}

	// RetryOptions configures RunContext.Retry.
	RetryOptions struct {
		// Retries is the maximum number of attempts. Defaults to 3.
		Retries int
		// MinTimeout is the initial backoff. Defaults to 1s.
		MinTimeout time.Duration
		// MaxTimeout clamps the backoff. Defaults to 5s.
		MaxTimeout time.Duration
	}

	// ParallelOptions configures RunContext.Parallel.
	ParallelOptions struct {
		// Concurrency caps in-flight items. Defaults to 5.
		Concurrency int
	}

	// Fn is a unit of workflow work returning a result.
	Fn func(ctx context.Context) (any, error)
)

// Session returns the owning session.
func (rc *RunContext) Session() *Session { return rc.session }

// Agent returns the named agent, or a usage error when unknown.
func (rc *RunContext) Agent(name string) (Agent, error) {
	a, ok := rc.session.agents[name]
	if !ok {
		return nil, fault.New(fault.KindUsage, "unknown agent %q", name)
	}
	return a, nil
}

// Agents returns the registered agent names.
func (rc *RunContext) Agents() []string {
	names := make([]string, 0, len(rc.session.agents))
	for name := range rc.session.agents {
		names = append(names, name)
	}
	return names
}

// Emit publishes a signal scoped to the current context frame.
func (rc *RunContext) Emit(ctx context.Context, name string, payload map[string]any) signal.Enriched {
	return rc.session.Emit(ctx, signal.Signal{Name: name, Payload: payload})
}

// Scoped runs fn with the partial context merged into the emission scope.
func (rc *RunContext) Scoped(ctx context.Context, partial signal.Context, fn func(ctx context.Context) error) error {
	return rc.session.hub.Scoped(ctx, partial, fn)
}

// State returns a snapshot of the dispatch machine state, or nil when no
// machine is configured.
func (rc *RunContext) State() State {
	if rc.session.machine == nil {
		return nil
	}
	return rc.session.machine.Snapshot()
}

// Checkpoint blocks while the session is paused and fails once aborted. Long
// workflow code should call it at convenient points.
func (rc *RunContext) Checkpoint(ctx context.Context) error {
	return rc.session.checkpoint(ctx)
}

// HasMessages reports whether injected messages are waiting.
func (rc *RunContext) HasMessages() bool { return rc.session.HasMessages() }

// ReadMessages drains and returns the injected message queue.
func (rc *RunContext) ReadMessages() []Message { return rc.session.ReadMessages() }

// WaitForUser suspends the workflow until a correlated user reply arrives.
// See Session.WaitForUser.
func (rc *RunContext) WaitForUser(ctx context.Context, promptText string, opts ...PromptOption) (string, error) {
	return rc.session.WaitForUser(ctx, promptText, opts...)
}

// Phase brackets fn with phase:start and phase:complete (or phase:failed)
// and scopes emissions inside fn to the phase. Phase numbers increase
// monotonically per session. Errors propagate.
func (rc *RunContext) Phase(ctx context.Context, name string, fn Fn) (any, error) {
	if err := rc.session.checkpoint(ctx); err != nil {
		return nil, err
	}
	number := int(rc.phaseSeq.Add(1))
	scope := signal.Context{Phase: &signal.PhaseRef{Name: name, Number: number}}

	rc.session.Emit(ctx, signal.Signal{
		Name:    NamePhaseStart,
		Payload: map[string]any{"name": name, "phaseNumber": number},
	})

	var result any
	err := rc.session.hub.Scoped(ctx, scope, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		rc.session.Emit(ctx, signal.Signal{
			Name:    NamePhaseFailed,
			Payload: map[string]any{"name": name, "phaseNumber": number, "error": err.Error()},
		})
		return nil, err
	}
	rc.session.Emit(ctx, signal.Signal{
		Name:    NamePhaseComplete,
		Payload: map[string]any{"name": name, "phaseNumber": number, "result": result},
	})
	return result, nil
}

// Task brackets fn with task:start and task:complete (or task:failed) and
// scopes emissions inside fn to the task id.
func (rc *RunContext) Task(ctx context.Context, id string, fn Fn) (any, error) {
	if err := rc.session.checkpoint(ctx); err != nil {
		return nil, err
	}
	scope := signal.Context{Task: &signal.TaskRef{ID: id}}

	rc.session.Emit(ctx, signal.Signal{Name: NameTaskStart, Payload: map[string]any{"id": id}})

	var result any
	err := rc.session.hub.Scoped(ctx, scope, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		rc.session.Emit(ctx, signal.Signal{
			Name:    NameTaskFailed,
			Payload: map[string]any{"id": id, "error": err.Error()},
		})
		return nil, err
	}
	rc.session.Emit(ctx, signal.Signal{
		Name:    NameTaskComplete,
		Payload: map[string]any{"id": id, "result": result},
	})
	return result, nil
}

// Retry runs fn up to opts.Retries times with exponential backoff and jitter
// clamped to [MinTimeout, MaxTimeout]. On exhaustion the last error is
// returned after retry:failure.
func (rc *RunContext) Retry(ctx context.Context, name string, fn Fn, opts RetryOptions) (any, error) {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 5 * time.Second
	}

	rc.session.Emit(ctx, signal.Signal{
		Name:    NameRetryStart,
		Payload: map[string]any{"name": name, "maxAttempts": opts.Retries},
	})

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if err := rc.session.checkpoint(ctx); err != nil {
			return nil, err
		}
		rc.session.Emit(ctx, signal.Signal{
			Name:    NameRetryAttempt,
			Payload: map[string]any{"name": name, "attempt": attempt},
		})

		result, err := fn(ctx)
		if err == nil {
			rc.session.Emit(ctx, signal.Signal{
				Name:    NameRetrySuccess,
				Payload: map[string]any{"name": name, "attempt": attempt},
			})
			return result, nil
		}
		lastErr = err
		// Abort is terminal; backing off and re-running would only delay it.
		if fault.IsKind(err, fault.KindAborted) {
			break
		}
		if attempt == opts.Retries {
			break
		}

		delay := backoff(opts, attempt)
		rc.session.Emit(ctx, signal.Signal{
			Name: NameRetryBackoff,
			Payload: map[string]any{
				"name":    name,
				"attempt": attempt,
				"delay":   delay.Milliseconds(),
				"error":   err.Error(),
			},
		})
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindAborted, ctx.Err(), "retry %s", name)
		case <-time.After(delay):
		}
	}

	rc.session.Emit(ctx, signal.Signal{
		Name:    NameRetryFailure,
		Payload: map[string]any{"name": name, "attempts": opts.Retries, "error": lastErr.Error()},
	})
	return nil, lastErr
}

// Parallel runs fns with bounded concurrency. Results are positional. Item
// completions are reported in completion order with a monotonically
// increasing counter. The first failure cancels items that have not started;
// in-flight items observe cancellation through their context. The first
// error is returned after parallel:complete.
func (rc *RunContext) Parallel(ctx context.Context, name string, fns []Fn, opts ParallelOptions) ([]any, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if err := rc.session.checkpoint(ctx); err != nil {
		return nil, err
	}
	total := len(fns)

	rc.session.Emit(ctx, signal.Signal{
		Name:    NameParallelStart,
		Payload: map[string]any{"name": name, "total": total, "concurrency": opts.Concurrency},
	})

	var (
		mu        sync.Mutex
		completed int
	)
	results := make([]any, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, fn := range fns {
		g.Go(func() error {
			if gctx.Err() != nil {
				// A sibling already failed; skip items that never started.
				return nil
			}
			result, err := fn(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = result
			completed++
			done := completed
			mu.Unlock()
			rc.session.Emit(ctx, signal.Signal{
				Name: NameParallelItemDone,
				Payload: map[string]any{
					"name":      name,
					"index":     i,
					"completed": done,
					"total":     total,
				},
			})
			return nil
		})
	}
	err := g.Wait()

	payload := map[string]any{"name": name, "total": total}
	if err != nil {
		payload["failed"] = true
		payload["error"] = err.Error()
	}
	rc.session.Emit(ctx, signal.Signal{Name: NameParallelComplete, Payload: payload})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// backoff computes the delay before the next attempt: exponential with
// jitter, clamped to [MinTimeout, MaxTimeout].
func backoff(opts RetryOptions, attempt int) time.Duration {
	d := float64(opts.MinTimeout) * math.Pow(2, float64(attempt-1))
	d += d * 0.1 * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	if d < float64(opts.MinTimeout) {
		d = float64(opts.MinTimeout)
	}
	if d > float64(opts.MaxTimeout) {
		d = float64(opts.MaxTimeout)
	}
	return time.Duration(d)
}
