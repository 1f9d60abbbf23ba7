package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/hub"
	"github.com/loomkit/loom/kernel/signal"
)

func TestMachineReducerCommitsAfterCycle(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{"count": 0})

	var observedDuring State
	m.OnReduce("tick", func(state State, _ signal.Enriched) {
		state["count"] = state["count"].(int) + 1
		// External observers still see the pre-signal state mid-cycle.
		observedDuring = m.Snapshot()
	})
	m.Bind(h)

	h.Emit(context.Background(), signal.Signal{Name: "tick"})

	require.Equal(t, 0, observedDuring["count"])
	require.Equal(t, 1, m.Snapshot()["count"])
}

func TestMachineHandlerFollowUps(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{})

	var names []string
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		names = append(names, sig.Name)
	})

	m.OnHandle("order:placed", func(state State, sig signal.Enriched) []signal.Signal {
		state["placed"] = true
		return []signal.Signal{
			{Name: "inventory:reserve"},
			{Name: "billing:charge"},
		}
	})
	m.Bind(h)

	h.Emit(context.Background(), signal.Signal{Name: "order:placed"})

	// Follow-ups are dispatched FIFO after the triggering signal.
	require.Equal(t, []string{"order:placed", "inventory:reserve", "billing:charge"}, names)
	require.Equal(t, true, m.Snapshot()["placed"])
}

func TestMachineFollowUpCausedBy(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{})

	var sigs []signal.Enriched
	h.Subscribe(nil, func(_ context.Context, sig signal.Enriched) {
		sigs = append(sigs, sig)
	})

	m.OnProcess("order:placed", func(_ State, sig signal.Enriched) []signal.Signal {
		return []signal.Signal{{Name: "audit:log"}}
	})
	m.Bind(h)

	h.Emit(context.Background(), signal.Signal{Name: "order:placed"})

	require.Len(t, sigs, 2)
	require.Equal(t, sigs[0].ID, sigs[1].CausedBy)
}

func TestMachineTierOrder(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{})

	var order []string
	m.OnReduce("x", func(State, signal.Enriched) { order = append(order, "reduce-1") })
	m.OnReduce("x", func(State, signal.Enriched) { order = append(order, "reduce-2") })
	m.OnHandle("x", func(State, signal.Enriched) []signal.Signal {
		order = append(order, "handle")
		return nil
	})
	m.OnProcess("x", func(State, signal.Enriched) []signal.Signal {
		order = append(order, "process")
		return nil
	})
	m.Bind(h)

	h.Emit(context.Background(), signal.Signal{Name: "x"})
	require.Equal(t, []string{"reduce-1", "reduce-2", "handle", "process"}, order)
}

func TestProcessManagerMutationsDiscarded(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{"count": 0})

	m.OnProcess("tick", func(state State, _ signal.Enriched) []signal.Signal {
		state["count"] = 999
		state["rogue"] = true
		return nil
	})
	m.Bind(h)

	h.Emit(context.Background(), signal.Signal{Name: "tick"})

	snap := m.Snapshot()
	require.Equal(t, 0, snap["count"])
	require.NotContains(t, snap, "rogue")
}

func TestMachineEndWhen(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{"done": false})

	m.OnReduce("finish", func(state State, _ signal.Enriched) {
		state["done"] = true
	})
	m.SetEndWhen(func(state State) bool { return state["done"] == true })
	m.Bind(h)

	require.False(t, m.Ended())
	h.Emit(context.Background(), signal.Signal{Name: "finish"})
	require.True(t, m.Ended())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done channel not closed")
	}

	// Dispatch stops after the end predicate is satisfied.
	m.OnReduce("finish", func(state State, _ signal.Enriched) {
		state["late"] = true
	})
	h.Emit(context.Background(), signal.Signal{Name: "finish"})
	require.NotContains(t, m.Snapshot(), "late")
}

func TestMachinePatternFiltering(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{"agents": 0})

	m.OnReduce("agent:*", func(state State, _ signal.Enriched) {
		state["agents"] = state["agents"].(int) + 1
	})
	m.Bind(h)

	ctx := context.Background()
	h.Emit(ctx, signal.Signal{Name: "agent:start"})
	h.Emit(ctx, signal.Signal{Name: "harness:start"})
	h.Emit(ctx, signal.Signal{Name: "agent:complete"})

	require.Equal(t, 2, m.Snapshot()["agents"])
}

func TestMachineSnapshotIsolated(t *testing.T) {
	m := NewMachine(State{"nested": map[string]any{"k": "v"}})

	snap := m.Snapshot()
	snap["nested"].(map[string]any)["k"] = "mutated"

	require.Equal(t, "v", m.Snapshot()["nested"].(map[string]any)["k"])
}

func TestMachineReplay(t *testing.T) {
	m := NewMachine(State{})
	m.OnReduce("tick", func(state State, _ signal.Enriched) {
		n, _ := state["count"].(int)
		state["count"] = n + 1
	})

	log := []signal.Enriched{
		{Signal: signal.Signal{Name: "tick"}, ID: 1},
		{Signal: signal.Signal{Name: "other"}, ID: 2},
		{Signal: signal.Signal{Name: "tick"}, ID: 3},
		{Signal: signal.Signal{Name: "tick"}, ID: 4},
	}

	require.Equal(t, 3, m.Replay(log, -1)["count"])
	require.Equal(t, 1, m.Replay(log, 2)["count"])
	require.NotContains(t, m.Replay(log, 0), "count")
}

func TestMachineUnbind(t *testing.T) {
	h := hub.New("s", nil, nil)
	m := NewMachine(State{"count": 0})
	m.OnReduce("tick", func(state State, _ signal.Enriched) {
		state["count"] = state["count"].(int) + 1
	})
	m.Bind(h)

	ctx := context.Background()
	h.Emit(ctx, signal.Signal{Name: "tick"})
	m.Unbind()
	h.Emit(ctx, signal.Signal{Name: "tick"})

	require.Equal(t, 1, m.Snapshot()["count"])
}
