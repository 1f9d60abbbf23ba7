package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store"
)

func TestCreateAppendLoad(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, store.Meta{Name: "run-1", Tags: []string{"test"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	for i := 1; i <= 3; i++ {
		sig := signal.Enriched{
			Signal: signal.Signal{Name: "text:delta", Payload: map[string]any{"i": i}},
			ID:     int64(i),
		}
		require.NoError(t, s.Append(ctx, id, sig))
	}

	rec, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, rec.Status)
	require.Len(t, rec.Signals, 3)
	for i, sig := range rec.Signals {
		require.Equal(t, int64(i+1), sig.ID)
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, store.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, id, 1234))

	rec, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinalized, rec.Status)
	require.NotNil(t, rec.FinalizedAt)
	require.Equal(t, int64(1234), rec.DurationMs)

	err = s.Append(ctx, id, signal.Enriched{Signal: signal.Signal{Name: "x"}, ID: 1})
	require.ErrorIs(t, err, store.ErrRecordingFinalized)

	err = s.Finalize(ctx, id, 0)
	require.ErrorIs(t, err, store.ErrRecordingFinalized)
}

func TestUnknownRecording(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.ErrorIs(t, s.Append(ctx, "nope", signal.Enriched{}), store.ErrRecordingNotFound)
	require.ErrorIs(t, s.Finalize(ctx, "nope", 0), store.ErrRecordingNotFound)
	_, err := s.Load(ctx, "nope")
	require.ErrorIs(t, err, store.ErrRecordingNotFound)
	require.ErrorIs(t, s.Delete(ctx, "nope"), store.ErrRecordingNotFound)
}

func TestListFiltering(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, store.Meta{RecordingID: "a", Name: "alpha", Tags: []string{"x", "y"}, ProviderType: "anthropic"})
	require.NoError(t, err)
	_, err = s.Create(ctx, store.Meta{RecordingID: "b", Name: "beta", Tags: []string{"x"}, ProviderType: "openai"})
	require.NoError(t, err)

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].RecordingID)
	require.Equal(t, "b", all[1].RecordingID)

	byTag, err := s.List(ctx, store.Filter{Tags: []string{"y"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	require.Equal(t, "a", byTag[0].RecordingID)

	byProvider, err := s.List(ctx, store.Filter{ProviderType: "openai"})
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	require.Equal(t, "b", byProvider[0].RecordingID)

	byName, err := s.List(ctx, store.Filter{Name: "alpha"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, store.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Load(ctx, id)
	require.ErrorIs(t, err, store.ErrRecordingNotFound)
}

func TestLoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Create(ctx, store.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, signal.Enriched{Signal: signal.Signal{Name: "a"}, ID: 1}))

	rec, err := s.Load(ctx, id)
	require.NoError(t, err)
	rec.Signals[0].Name = "mutated"

	rec2, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "a", rec2.Signals[0].Name)
}
