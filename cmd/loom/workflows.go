package main

import (
	"context"
	"fmt"

	"github.com/loomkit/loom/eval"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
)

// workflows returns the built-in workflow registry shared by serve and eval.
func workflows() map[string]eval.Workflow {
	return map[string]eval.Workflow{
		"demo":    demoWorkflow,
		"fanout":  fanoutWorkflow,
		"approve": approveWorkflow,
	}
}

// workflowSchemas validates the payloads the built-in workflows emit. Raw
// signals injected through the input endpoint are held to the same shapes.
func workflowSchemas() (*signal.SchemaRegistry, error) {
	reg := signal.NewSchemaRegistry()
	schemas := map[string]string{
		"plan:created": `{
			"type": "object",
			"required": ["goal", "steps"],
			"properties": {
				"goal":  {"type": "string"},
				"steps": {"type": "integer", "minimum": 1}
			}
		}`,
		"item:done": `{
			"type": "object",
			"required": ["item"],
			"properties": {"item": {"type": "integer", "minimum": 0}}
		}`,
		"approval:granted": `{
			"type": "object",
			"required": ["question"],
			"properties": {"question": {"type": "string"}}
		}`,
	}
	for name, schema := range schemas {
		if err := reg.Register(name, []byte(schema)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// demoWorkflow walks a plan/execute phase pair, emitting progress signals.
func demoWorkflow(input map[string]any) session.Body {
	return func(ctx context.Context, rc *session.RunContext) error {
		goal, _ := input["goal"].(string)
		if goal == "" {
			goal = "demo"
		}
		if _, err := rc.Phase(ctx, "plan", func(ctx context.Context) (any, error) {
			rc.Emit(ctx, "plan:created", map[string]any{"goal": goal, "steps": 2})
			return nil, nil
		}); err != nil {
			return err
		}
		_, err := rc.Phase(ctx, "execute", func(ctx context.Context) (any, error) {
			return rc.Task(ctx, "work", func(ctx context.Context) (any, error) {
				rc.Emit(ctx, "work:done", map[string]any{"goal": goal})
				return goal, nil
			})
		})
		return err
	}
}

// fanoutWorkflow runs a bounded parallel batch sized by input.
func fanoutWorkflow(input map[string]any) session.Body {
	return func(ctx context.Context, rc *session.RunContext) error {
		count := 3
		switch n := input["count"].(type) {
		case float64:
			if n > 0 {
				count = int(n)
			}
		case int:
			if n > 0 {
				count = n
			}
		}
		fns := make([]session.Fn, count)
		for i := range fns {
			item := i
			fns[i] = func(ctx context.Context) (any, error) {
				rc.Emit(ctx, "item:done", map[string]any{"item": item})
				return item, nil
			}
		}
		_, err := rc.Parallel(ctx, "fanout", fns, session.ParallelOptions{Concurrency: 2})
		return err
	}
}

// approveWorkflow prompts for confirmation before finishing. It requires an
// interactive session; replies arrive through the input endpoint.
func approveWorkflow(input map[string]any) session.Body {
	return func(ctx context.Context, rc *session.RunContext) error {
		question, _ := input["question"].(string)
		if question == "" {
			question = "proceed?"
		}
		response, err := rc.WaitForUser(ctx, question, session.WithChoices("yes", "no"))
		if err != nil {
			return err
		}
		if response != "yes" {
			return fmt.Errorf("declined: %s", response)
		}
		rc.Emit(ctx, "approval:granted", map[string]any{"question": question})
		return nil
	}
}
