package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/signal"
)

type (
	// Validator inspects a prompt response. An empty return accepts the
	// response; a non-empty return is a validation message surfaced to the
	// replying client while the prompt stays open for another attempt.
	Validator func(response string) string

	// PromptOption customizes WaitForUser.
	PromptOption func(*prompt)

	// prompt is a pending human-in-the-loop question. Exactly one of the
	// channels fires.
	prompt struct {
		id        string
		carrierID int64 // signal id of the session:prompt emission
		choices   []string
		validator Validator
		timeout   time.Duration
		replyCh   chan string
		errCh     chan error
	}
)

// WithChoices attaches the choice list surfaced to the client.
func WithChoices(choices ...string) PromptOption {
	return func(p *prompt) { p.choices = choices }
}

// WithValidator installs a response validator. Rejected responses keep the
// prompt open and surface the validation message to the replier.
func WithValidator(v Validator) PromptOption {
	return func(p *prompt) { p.validator = v }
}

// WithPromptTimeout bounds the wait. A timeout rejects the prompt but does
// not abort the surrounding session.
func WithPromptTimeout(d time.Duration) PromptOption {
	return func(p *prompt) { p.timeout = d }
}

// WaitForUser suspends the workflow until a reply correlated by prompt id
// arrives via Reply, the timeout elapses, or the session aborts. Only
// interactive sessions may prompt.
func (s *Session) WaitForUser(ctx context.Context, promptText string, opts ...PromptOption) (string, error) {
	if !s.interactive {
		return "", fault.New(fault.KindUsage, "session %s is not interactive", s.id)
	}
	if err := s.checkpoint(ctx); err != nil {
		return "", err
	}

	p := &prompt{
		id:      uuid.NewString(),
		replyCh: make(chan string, 1),
		errCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	s.mu.Lock()
	if s.status == StatusAborted {
		s.mu.Unlock()
		return "", fault.New(fault.KindAborted, "session %s aborted", s.id)
	}
	s.prompts[p.id] = p
	s.mu.Unlock()

	payload := map[string]any{"promptId": p.id, "prompt": promptText}
	if len(p.choices) > 0 {
		payload["choices"] = p.choices
	}
	carrier := s.hub.Emit(ctx, signal.Signal{Name: NameSessionPrompt, Payload: payload})
	p.carrierID = carrier.ID

	var timeoutCh <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case response := <-p.replyCh:
		return response, nil
	case err := <-p.errCh:
		return "", err
	case <-timeoutCh:
		s.removePrompt(p.id)
		return "", fault.New(fault.KindTimeout, "prompt %s timed out after %s", p.id, p.timeout)
	case <-ctx.Done():
		s.removePrompt(p.id)
		return "", fault.Wrap(fault.KindAborted, ctx.Err(), "prompt %s", p.id)
	}
}

// Reply resolves the pending prompt with the given response. When the
// prompt's validator rejects the response, the prompt stays open and a
// validation error carrying the validator's message is returned to the
// caller. Exactly one session:reply is recorded per resolved prompt, caused
// by the prompt's carrier signal.
func (s *Session) Reply(ctx context.Context, promptID, response string) error {
	s.mu.Lock()
	p, ok := s.prompts[promptID]
	s.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "unknown prompt %q", promptID)
	}

	if p.validator != nil {
		if msg := p.validator(response); msg != "" {
			return fault.New(fault.KindValidation, "%s", msg)
		}
	}

	s.removePrompt(promptID)
	s.hub.Emit(ctx, signal.Signal{
		Name:     NameSessionReply,
		CausedBy: p.carrierID,
		Payload:  map[string]any{"promptId": promptID, "content": response},
	})
	p.replyCh <- response
	return nil
}

// PendingPrompts returns the ids of open prompts, mostly for status surfaces.
func (s *Session) PendingPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.prompts))
	for id := range s.prompts {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) removePrompt(id string) {
	s.mu.Lock()
	delete(s.prompts, id)
	s.mu.Unlock()
}

// reject delivers a terminal error to the waiting workflow.
func (p *prompt) reject(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}
