package eval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
	"github.com/loomkit/loom/kernel/telemetry"
)

type (
	// Workflow builds the session body for a case. The case input is handed
	// through unchanged.
	Workflow func(input map[string]any) session.Body

	// Options configures a runner.
	Options struct {
		// Workflows maps case workflow names to bodies.
		Workflows map[string]Workflow
		// Store resolves recording-backed cases. Optional.
		Store store.Store
		// Log defaults to the no-op logger.
		Log telemetry.Logger
	}

	// Runner executes evaluation cases.
	Runner struct {
		workflows map[string]Workflow
		store     store.Store
		log       telemetry.Logger
	}

	// Result is the outcome of one case.
	Result struct {
		Name     string        `json:"name"`
		Passed   bool          `json:"passed"`
		Failures []string      `json:"failures,omitempty"`
		Duration time.Duration `json:"duration"`
	}

	// Report aggregates case results.
	Report struct {
		Results []Result `json:"results"`
	}
)

// NewRunner builds a case runner.
func NewRunner(opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Runner{
		workflows: opts.Workflows,
		store:     opts.Store,
		log:       log,
	}
}

// Run executes every case and returns the aggregated report. Case failures
// are reported, not returned as errors; the error return covers setup
// problems such as an empty case list.
func (r *Runner) Run(ctx context.Context, cases []Case) (*Report, error) {
	if len(cases) == 0 {
		return nil, fault.New(fault.KindUsage, "no evaluation cases")
	}
	report := &Report{Results: make([]Result, 0, len(cases))}
	for _, c := range cases {
		report.Results = append(report.Results, r.runCase(ctx, c))
	}
	return report, nil
}

// Passed reports whether every case passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// ExitCode maps the report to a process exit code.
func (r *Report) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

func (r *Runner) runCase(ctx context.Context, c Case) Result {
	started := time.Now()
	res := Result{Name: c.Name}

	caseCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	signals, err := r.observe(caseCtx, c)
	if err != nil {
		res.Failures = append(res.Failures, err.Error())
		res.Duration = time.Since(started)
		return res
	}

	res.Failures = assertSubsequence(signals, c.Expect)
	res.Passed = len(res.Failures) == 0
	res.Duration = time.Since(started)
	r.log.Info(ctx, "evaluation case finished",
		"case", c.Name, "passed", res.Passed, "duration", res.Duration)
	return res
}

// observe produces the signal log the case asserts against: either the
// capture of a live workflow run or a stored recording.
func (r *Runner) observe(ctx context.Context, c Case) ([]signal.Enriched, error) {
	switch {
	case c.Workflow != "":
		return r.runWorkflow(ctx, c)
	case c.Recording != "":
		if r.store == nil {
			return nil, fault.New(fault.KindUsage, "case %s: no store configured for recordings", c.Name)
		}
		rec, err := r.store.Load(ctx, c.Recording)
		if err != nil {
			return nil, fault.Wrap(fault.KindOf(err), err, "case %s", c.Name)
		}
		return rec.Signals, nil
	default:
		return nil, fault.New(fault.KindUsage, "case %s: workflow or recording is required", c.Name)
	}
}

func (r *Runner) runWorkflow(ctx context.Context, c Case) ([]signal.Enriched, error) {
	wf, ok := r.workflows[c.Workflow]
	if !ok {
		return nil, fault.New(fault.KindUsage, "case %s: unknown workflow %q", c.Name, c.Workflow)
	}

	sess := session.New(session.Config{Log: r.log})
	var (
		mu       sync.Mutex
		observed []signal.Enriched
	)
	sess.Hub().Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		mu.Lock()
		observed = append(observed, sig)
		mu.Unlock()
	})

	if err := sess.Run(ctx, wf(c.Input)); err != nil {
		return nil, err
	}
	if err := sess.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			sess.Abort(context.Background(), "evaluation timeout")
			return nil, fault.Wrap(fault.KindTimeout, err, "case %s timed out after %s", c.Name, c.timeout())
		}
		// A failed workflow still emits harness:complete{success:false};
		// expectations decide whether that is a case failure.
		r.log.Warn(ctx, "workflow returned error", "case", c.Name, "err", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return observed, nil
}

// assertSubsequence verifies the expectations appear in order within the
// signal log, each with its payload subset satisfied.
func assertSubsequence(signals []signal.Enriched, expect []Expectation) []string {
	var failures []string
	pos := 0
	for i, exp := range expect {
		found := false
		for ; pos < len(signals); pos++ {
			sig := signals[pos]
			if sig.Name != exp.Signal {
				continue
			}
			if exp.Payload != nil && !payloadSubset(sig.Payload, exp.Payload) {
				continue
			}
			found = true
			pos++
			break
		}
		if !found {
			failures = append(failures,
				fmt.Sprintf("expectation %d: signal %q with payload subset %v not found in order",
					i+1, exp.Signal, exp.Payload))
		}
	}
	return failures
}

// payloadSubset reports whether every expected key is present in the actual
// payload with a matching value. Objects recurse; scalars compare by their
// string form so YAML ints match JSON floats.
func payloadSubset(actual any, expected map[string]any) bool {
	am, ok := toMap(actual)
	if !ok {
		return false
	}
	for k, vexp := range expected {
		vact, ok := am[k]
		if !ok {
			return false
		}
		switch ev := vexp.(type) {
		case map[string]any:
			if !payloadSubset(vact, ev) {
				return false
			}
		default:
			if fmt.Sprintf("%v", vexp) != fmt.Sprintf("%v", vact) {
				return false
			}
		}
	}
	return true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}
