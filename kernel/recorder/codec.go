package recorder

import (
	"encoding/json"
	"fmt"

	"github.com/loomkit/loom/kernel/provider"
	"github.com/loomkit/loom/kernel/signal"
)

// chunkNamePrefix namespaces recorded chunk signals so recordings remain
// distinguishable from session signal logs sharing a store.
const chunkNamePrefix = "chunk:"

// chunkSignal encodes a provider chunk as a storable signal.
func chunkSignal(chunk provider.Chunk) (signal.Signal, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("marshal chunk: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return signal.Signal{}, fmt.Errorf("decode chunk: %w", err)
	}
	return signal.Signal{
		Name:    chunkNamePrefix + chunk.Kind,
		Payload: payload,
	}, nil
}

// signalChunk decodes a recorded chunk signal back into a provider chunk.
func signalChunk(sig signal.Enriched) (provider.Chunk, error) {
	raw, err := json.Marshal(sig.Payload)
	if err != nil {
		return provider.Chunk{}, fmt.Errorf("marshal payload of %q: %w", sig.Name, err)
	}
	var chunk provider.Chunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode chunk signal %q: %w", sig.Name, err)
	}
	return chunk, nil
}
