// Package pulse provides session attachments backed by goa.design/pulse
// streams. The publisher forwards session signals to a Redis-backed stream so
// external consumers (dashboards, auditors, other services) can follow a
// session live; the subscriber reads them back into enriched signals.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	clientspulse "github.com/loomkit/loom/features/attach/pulse/clients/pulse"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
)

// defaultBuffer is the capacity of the publish queue. Signals beyond it are
// dropped rather than blocking the session's dispatch loop.
const defaultBuffer = 256

type (
	// PublisherOption customizes the publisher attachment.
	PublisherOption func(*publisher)

	publisher struct {
		client     clientspulse.Client
		streamName func(sessionID string) string
		filter     signal.Filter
		log        telemetry.Logger

		queue chan signal.Enriched
		done  chan struct{}
	}
)

// WithStreamName overrides how the target stream is derived from the session
// id. The default is "session/<id>".
func WithStreamName(fn func(sessionID string) string) PublisherOption {
	return func(p *publisher) { p.streamName = fn }
}

// WithFilter narrows the signals the publisher forwards.
func WithFilter(filter signal.Filter) PublisherOption {
	return func(p *publisher) { p.filter = filter }
}

// WithLogger sets the logger for publish failures.
func WithLogger(log telemetry.Logger) PublisherOption {
	return func(p *publisher) { p.log = log }
}

// Publisher builds an attachment that forwards session signals to a Pulse
// stream named after the session. Publishing is asynchronous: signals queue
// into a bounded buffer and a background goroutine writes them to Redis, so
// slow consumers never stall the session. Publish failures are logged and
// dropped; the stream is a best-effort mirror, not the durable log.
func Publisher(client clientspulse.Client, opts ...PublisherOption) session.Attachment {
	return func(t session.Transport) (func(), error) {
		p := &publisher{
			client:     client,
			streamName: defaultStreamName,
			log:        telemetry.NewNoopLogger(),
			queue:      make(chan signal.Enriched, defaultBuffer),
			done:       make(chan struct{}),
		}
		for _, opt := range opts {
			opt(p)
		}

		stream, err := client.Stream(p.streamName(t.SessionID()))
		if err != nil {
			return nil, fmt.Errorf("open pulse stream: %w", err)
		}

		unsub := t.Subscribe(p.filter, func(_ context.Context, sig signal.Enriched) {
			select {
			case p.queue <- sig:
			default:
				p.log.Warn(context.Background(), "pulse publish queue full, dropping signal",
					"signal", sig.Name, "id", sig.ID)
			}
		})

		drained := make(chan struct{})
		go p.drain(stream, drained)

		cleanup := func() {
			unsub()
			close(p.done)
			<-drained
		}
		return cleanup, nil
	}
}

// drain publishes queued signals until the attachment is cleaned up, then
// flushes whatever is still buffered.
func (p *publisher) drain(stream clientspulse.Stream, drained chan struct{}) {
	defer close(drained)
	ctx := context.Background()
	for {
		select {
		case sig := <-p.queue:
			p.publish(ctx, stream, sig)
		case <-p.done:
			for {
				select {
				case sig := <-p.queue:
					p.publish(ctx, stream, sig)
				default:
					return
				}
			}
		}
	}
}

func (p *publisher) publish(ctx context.Context, stream clientspulse.Stream, sig signal.Enriched) {
	data, err := json.Marshal(sig)
	if err != nil {
		p.log.Error(ctx, "encode signal for pulse", "signal", sig.Name, "err", err)
		return
	}
	if _, err := stream.Add(ctx, sig.Name, data); err != nil {
		p.log.Error(ctx, "publish signal to pulse", "signal", sig.Name, "err", err)
	}
}

func defaultStreamName(sessionID string) string {
	return "session/" + sessionID
}
