package session

import (
	"context"

	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/store"
)

// ForkResult describes a completed fork.
type ForkResult struct {
	// SessionID is the forked session's id.
	SessionID string `json:"sessionId"`
	// OriginalSessionID is the source session's id.
	OriginalSessionID string `json:"originalSessionId"`
	// RecordingID is the forked session log recording.
	RecordingID string `json:"recordingId"`
	// EventsCopied is the number of signals copied from the source log.
	EventsCopied int `json:"eventsCopied"`
}

// Fork copies the session's signal log up to position into a fresh recording
// under a new session id. Nothing is re-executed: fork is a log operation,
// and subsequent live emissions continue on the forked log. A negative
// position copies everything.
func (s *Session) Fork(ctx context.Context, position int) (*ForkResult, *Session, error) {
	s.mu.Lock()
	recordingID := s.recordingID
	s.mu.Unlock()
	if s.store == nil || recordingID == "" {
		return nil, nil, fault.New(fault.KindUsage, "session %s has no signal log to fork", s.id)
	}

	rec, err := s.store.Load(ctx, recordingID)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindNotFound, err, "fork session %s", s.id)
	}
	if position < 0 || position > len(rec.Signals) {
		position = len(rec.Signals)
	}

	forked := New(Config{
		Store:       s.store,
		Agents:      agentList(s.agents),
		Interactive: s.interactive,
		Log:         s.log,
		Metrics:     s.metrics,
	})
	forkedRecordingID, err := s.store.Create(ctx, store.Meta{
		Name: "session:" + forked.id,
		Tags: []string{"session", "fork"},
	})
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindInternal, err, "fork session %s: create log", s.id)
	}
	for _, sig := range rec.Signals[:position] {
		if err := s.store.Append(ctx, forkedRecordingID, sig); err != nil {
			return nil, nil, fault.Wrap(fault.KindInternal, err, "fork session %s: copy log", s.id)
		}
	}

	forked.mu.Lock()
	forked.recordingID = forkedRecordingID
	forked.mu.Unlock()

	return &ForkResult{
		SessionID:         forked.id,
		OriginalSessionID: s.id,
		RecordingID:       forkedRecordingID,
		EventsCopied:      position,
	}, forked, nil
}

func agentList(m map[string]Agent) []Agent {
	agents := make([]Agent, 0, len(m))
	for _, a := range m {
		agents = append(agents, a)
	}
	return agents
}
