package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/signal"
)

func TestEmitDeliversMatchingOnly(t *testing.T) {
	h := New("s1", nil, nil)
	ctx := context.Background()

	var names []string
	h.Subscribe(signal.MustCompileFilter("agent:*"), func(_ context.Context, sig signal.Enriched) {
		names = append(names, sig.Name)
	})

	h.Emit(ctx, signal.Signal{Name: "agent:start", Payload: map[string]any{"name": "p"}})
	h.Emit(ctx, signal.Signal{Name: "harness:start"})

	require.Equal(t, []string{"agent:start"}, names)
}

func TestEmitOrderingPerSubscriber(t *testing.T) {
	h := New("s1", nil, nil)
	ctx := context.Background()

	var got []int64
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		got = append(got, sig.ID)
	})

	for i := 0; i < 10; i++ {
		h.Emit(ctx, signal.Signal{Name: "tick"})
	}

	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
	}
}

func TestEmitSubscriptionOrder(t *testing.T) {
	h := New("s1", nil, nil)
	ctx := context.Background()

	var order []string
	h.Subscribe(nil, func(context.Context, signal.Enriched) { order = append(order, "first") })
	h.Subscribe(nil, func(context.Context, signal.Enriched) { order = append(order, "second") })

	h.Emit(ctx, signal.Signal{Name: "tick"})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestScopedContext(t *testing.T) {
	h := New("s", nil, nil)

	var got signal.Context
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		got = sig.Context
	})

	err := h.Scoped(context.Background(), signal.Context{Task: &signal.TaskRef{ID: "T-1"}}, func(ctx context.Context) error {
		h.Emit(ctx, signal.Signal{Name: "narrative", Payload: map[string]any{"text": "x"}})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "s", got.SessionID)
	require.NotNil(t, got.Task)
	require.Equal(t, "T-1", got.Task.ID)

	// Outside the scope the frame is gone.
	h.Emit(context.Background(), signal.Signal{Name: "narrative"})
	require.Nil(t, got.Task)
	require.Equal(t, "s", got.SessionID)
}

func TestScopedNesting(t *testing.T) {
	h := New("s", nil, nil)

	var contexts []signal.Context
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		contexts = append(contexts, sig.Context)
	})

	err := h.Scoped(context.Background(), signal.Context{Phase: &signal.PhaseRef{Name: "build", Number: 1}}, func(ctx context.Context) error {
		h.Emit(ctx, signal.Signal{Name: "a"})
		return h.Scoped(ctx, signal.Context{Task: &signal.TaskRef{ID: "T-9"}}, func(ctx context.Context) error {
			h.Emit(ctx, signal.Signal{Name: "b"})
			return nil
		})
	})
	require.NoError(t, err)

	require.Len(t, contexts, 2)
	require.Equal(t, "build", contexts[0].Phase.Name)
	require.Nil(t, contexts[0].Task)
	require.Equal(t, "build", contexts[1].Phase.Name)
	require.Equal(t, "T-9", contexts[1].Task.ID)
}

func TestScopedDoesNotBleedAcrossGoroutines(t *testing.T) {
	h := New("s", nil, nil)

	var mu sync.Mutex
	byName := make(map[string]signal.Context)
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		mu.Lock()
		byName[sig.Name] = sig.Context
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.Scoped(context.Background(), signal.Context{Task: &signal.TaskRef{ID: "A"}}, func(ctx context.Context) error {
			h.Emit(ctx, signal.Signal{Name: "from:a"})
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = h.Scoped(context.Background(), signal.Context{Task: &signal.TaskRef{ID: "B"}}, func(ctx context.Context) error {
			h.Emit(ctx, signal.Signal{Name: "from:b"})
			return nil
		})
	}()
	wg.Wait()

	require.Equal(t, "A", byName["from:a"].Task.ID)
	require.Equal(t, "B", byName["from:b"].Task.ID)
}

func TestEmitOverride(t *testing.T) {
	h := New("s", nil, nil)

	var got signal.Context
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { got = sig.Context })

	_ = h.Scoped(context.Background(), signal.Context{Task: &signal.TaskRef{ID: "T-1"}}, func(ctx context.Context) error {
		h.Emit(ctx, signal.Signal{Name: "x"}, WithOverride(signal.Context{Task: &signal.TaskRef{ID: "T-2"}}))
		return nil
	})
	require.Equal(t, "T-2", got.Task.ID)
}

func TestReentrantEmitFIFO(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var order []string
	h.Subscribe(nil, func(ctx context.Context, sig signal.Enriched) {
		order = append(order, "a:"+sig.Name)
		if sig.Name == "trigger" {
			h.Emit(ctx, signal.Signal{Name: "follow"})
		}
	})
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		order = append(order, "b:"+sig.Name)
	})

	h.Emit(ctx, signal.Signal{Name: "trigger"})

	// The follow-up is delivered after all listeners of the trigger ran.
	require.Equal(t, []string{"a:trigger", "b:trigger", "a:follow", "b:follow"}, order)
}

func TestListenerPanicIsolated(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var survived bool
	h.Subscribe(nil, func(context.Context, signal.Enriched) { panic("boom") })
	h.Subscribe(nil, func(context.Context, signal.Enriched) { survived = true })

	require.NotPanics(t, func() { h.Emit(ctx, signal.Signal{Name: "x"}) })
	require.True(t, survived)
}

func TestUnsubscribe(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	count := 0
	unsub := h.Subscribe(nil, func(context.Context, signal.Enriched) { count++ })
	require.Equal(t, 1, h.SubscriberCount())

	h.Emit(ctx, signal.Signal{Name: "x"})
	unsub()
	unsub() // idempotent
	h.Emit(ctx, signal.Signal{Name: "x"})

	require.Equal(t, 1, count)
	require.Equal(t, 0, h.SubscriberCount())
}

func TestClear(t *testing.T) {
	h := New("s", nil, nil)
	h.Subscribe(nil, func(context.Context, signal.Enriched) {})
	h.Subscribe(nil, func(context.Context, signal.Enriched) {})
	h.Clear()
	require.Equal(t, 0, h.SubscriberCount())
}

func TestTimestampsMonotonic(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var sigs []signal.Enriched
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { sigs = append(sigs, sig) })

	for i := 0; i < 100; i++ {
		h.Emit(ctx, signal.Signal{Name: "tick"})
	}
	for i := 1; i < len(sigs); i++ {
		require.False(t, sigs[i].Timestamp.Before(sigs[i-1].Timestamp))
		require.Equal(t, sigs[i-1].ID+1, sigs[i].ID)
	}
}

func TestEmitFinalSealsHub(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var names []string
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { names = append(names, sig.Name) })

	final := h.EmitFinal(ctx, signal.Signal{Name: "session:abort"})
	require.NotZero(t, final.ID)

	dropped := h.Emit(ctx, signal.Signal{Name: "provider:end"})
	require.Zero(t, dropped.ID)
	require.Equal(t, []string{"session:abort"}, names)
}

func TestEmitFinalDropsListenerFollowUps(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var names []string
	h.Subscribe(nil, func(ctx context.Context, sig signal.Enriched) {
		names = append(names, sig.Name)
		if sig.Name == "session:abort" {
			// A process manager reacting to the abort: its follow-up must
			// not land behind the final signal.
			h.Emit(ctx, signal.Signal{Name: "cleanup:scheduled"})
		}
	})

	h.Emit(ctx, signal.Signal{Name: "work"})
	h.EmitFinal(ctx, signal.Signal{Name: "session:abort"})
	require.Equal(t, []string{"work", "session:abort"}, names)
}

func TestEmitSchemaValidation(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	reg := signal.NewSchemaRegistry()
	require.NoError(t, reg.Register("note:add", []byte(`{
		"type": "object",
		"required": ["content"],
		"properties": {"content": {"type": "string"}}
	}`)))
	h.SetSchemas(reg)

	var names []string
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { names = append(names, sig.Name) })

	ok := h.Emit(ctx, signal.Signal{Name: "note:add", Payload: map[string]any{"content": "hi"}})
	require.NotZero(t, ok.ID)

	bad := h.Emit(ctx, signal.Signal{Name: "note:add", Payload: map[string]any{"content": 7}})
	require.Zero(t, bad.ID)

	// Names without a registered schema pass through untouched.
	h.Emit(ctx, signal.Signal{Name: "note:free"})

	require.Equal(t, []string{"note:add", "note:free"}, names)
}

func TestTapReceivesAfterListeners(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var order []string
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { order = append(order, "listener:"+sig.Name) })
	h.SetTap(func(_ context.Context, sig signal.Enriched) error {
		order = append(order, "tap:"+sig.Name)
		return nil
	})

	h.Emit(ctx, signal.Signal{Name: "x"})
	require.Equal(t, []string{"listener:x", "tap:x"}, order)
}

func TestTapErrorEmitsChannelError(t *testing.T) {
	h := New("s", nil, nil)
	ctx := context.Background()

	var names []string
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) { names = append(names, sig.Name) })
	h.SetTap(func(_ context.Context, sig signal.Enriched) error {
		if sig.Name == "x" {
			return errors.New("disk full")
		}
		return nil
	})

	h.Emit(ctx, signal.Signal{Name: "x"})
	require.Equal(t, []string{"x", NameChannelError}, names)
}
