package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomkit/loom/features/attach/pulse/clients/pulse"
	"github.com/loomkit/loom/kernel/signal"
)

type (
	// Decoder converts raw payloads read from Pulse into enriched signals.
	Decoder func([]byte) (signal.Enriched, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume signals. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "loom_subscriber".
		SinkName string
		// Buffer specifies the signal channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the JSON decoder.
		Decoder Decoder
	}

	// Subscriber consumes Pulse streams and emits the session signals that
	// the publisher attachment wrote.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodeSignal
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decode,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream and returns channels for
// signals and errors. The returned cancel function stops consumption, closes
// the sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan signal.Enriched, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	signals := make(chan signal.Enriched, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, signals, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return signals, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink, decodes them, and emits signals
// on the out channel, acking each event after emission.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- signal.Enriched, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			sig, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

func decodeSignal(payload []byte) (signal.Enriched, error) {
	var sig signal.Enriched
	if err := json.Unmarshal(payload, &sig); err != nil {
		return signal.Enriched{}, err
	}
	return sig, nil
}
