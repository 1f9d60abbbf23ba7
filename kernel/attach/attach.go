// Package attach provides reference attachments for sessions. The central
// one is Renderer, which maintains an external view of a session (a markdown
// file, an issue comment, a terminal pane) by re-rendering on signal activity
// with debounced, content-hashed writes so external I/O happens only when the
// view actually changed.
package attach

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
)

// DefaultInterval is the minimum delay between renderer writes.
const DefaultInterval = 3 * time.Second

type (
	// Sink receives rendered content.
	Sink interface {
		Write(ctx context.Context, content string) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, content string) error

	// RenderFunc builds the external view from the signals observed so far.
	RenderFunc func(sigs []signal.Enriched) string

	// RendererOption customizes a renderer attachment.
	RendererOption func(*renderer)

	renderer struct {
		sink     Sink
		render   RenderFunc
		filter   signal.Filter
		interval time.Duration
		log      telemetry.Logger

		mu   sync.Mutex
		sigs []signal.Enriched
		last [sha256.Size]byte
		seen bool

		notify chan struct{}
		done   chan struct{}
	}
)

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, content string) error { return f(ctx, content) }

// WithInterval overrides the minimum delay between writes.
func WithInterval(d time.Duration) RendererOption {
	return func(r *renderer) { r.interval = d }
}

// WithFilter narrows the signals the renderer observes.
func WithFilter(filter signal.Filter) RendererOption {
	return func(r *renderer) { r.filter = filter }
}

// WithLogger sets the logger for write failures.
func WithLogger(log telemetry.Logger) RendererOption {
	return func(r *renderer) { r.log = log }
}

// Renderer builds an attachment that re-renders the session view on signal
// activity. Writes are debounced: bursts of signals coalesce into one write,
// and at most one write per interval reaches the sink. Identical content
// (by hash) is never re-written. The cleanup performs a final synchronous
// flush so the external view reflects the terminal state.
func Renderer(sink Sink, render RenderFunc, opts ...RendererOption) session.Attachment {
	return func(t session.Transport) (func(), error) {
		r := &renderer{
			sink:     sink,
			render:   render,
			interval: DefaultInterval,
			log:      telemetry.NewNoopLogger(),
			notify:   make(chan struct{}, 1),
			done:     make(chan struct{}),
		}
		for _, opt := range opts {
			opt(r)
		}

		unsub := t.Subscribe(r.filter, func(_ context.Context, sig signal.Enriched) {
			r.mu.Lock()
			r.sigs = append(r.sigs, sig)
			r.mu.Unlock()
			select {
			case r.notify <- struct{}{}:
			default:
			}
		})

		flusherDone := make(chan struct{})
		go r.run(flusherDone)

		cleanup := func() {
			unsub()
			close(r.done)
			<-flusherDone
			r.flush(context.Background())
		}
		return cleanup, nil
	}
}

// run coalesces notifications and paces writes with a rate limiter, one
// token per interval.
func (r *renderer) run(flusherDone chan struct{}) {
	defer close(flusherDone)
	limiter := rate.NewLimiter(rate.Every(r.interval), 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.done
		cancel()
	}()

	for {
		select {
		case <-r.done:
			return
		case <-r.notify:
		}
		// Signals arriving while we wait for a token ride along with this
		// flush.
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		r.flush(ctx)
	}
}

// flush renders the current view and writes it unless unchanged.
func (r *renderer) flush(ctx context.Context) {
	r.mu.Lock()
	sigs := make([]signal.Enriched, len(r.sigs))
	copy(sigs, r.sigs)
	r.mu.Unlock()
	if len(sigs) == 0 {
		return
	}

	content := r.render(sigs)
	hash := sha256.Sum256([]byte(content))

	r.mu.Lock()
	unchanged := r.seen && hash == r.last
	r.mu.Unlock()
	if unchanged {
		return
	}

	if err := r.sink.Write(ctx, content); err != nil {
		// The hash stays untouched so the next flush retries this content.
		r.log.Error(ctx, "renderer write failed", "err", err)
		return
	}

	r.mu.Lock()
	r.last = hash
	r.seen = true
	r.mu.Unlock()
}
