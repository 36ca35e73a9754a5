// Package outbox relays committed events from the outbox table to a message
// transport, in global order and with at-least-once delivery.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sgttomas/solver-ralph-sub008/pkg/observability"
	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

// Publisher drains the outbox. A record is marked published only after the
// transport acknowledged it; a failure stops the batch so later records are
// never delivered ahead of an earlier one.
type Publisher struct {
	source       store.Outbox
	transport    Transport
	policy       BackoffPolicy
	limiter      *rate.Limiter
	batchSize    int
	pollInterval time.Duration
	clock        func() time.Time
	logger       *slog.Logger
	obs          *observability.Provider
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithBackoff(policy BackoffPolicy) Option {
	return func(p *Publisher) { p.policy = policy }
}

// WithRateLimit paces publishing to perSecond messages. Zero disables pacing.
func WithRateLimit(perSecond float64) Option {
	return func(p *Publisher) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) { p.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithObservability(obs *observability.Provider) Option {
	return func(p *Publisher) { p.obs = obs }
}

// NewPublisher creates a publisher over source and transport.
func NewPublisher(source store.Outbox, transport Transport, opts ...Option) *Publisher {
	p := &Publisher{
		source:       source,
		transport:    transport,
		policy:       DefaultBackoffPolicy(),
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		clock:        time.Now,
		logger:       slog.Default().With("component", "outbox"),
		obs:          observability.Disabled(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BatchResult summarizes one pass over the outbox.
type BatchResult struct {
	Published  int           `json:"published"`
	Fetched    int           `json:"fetched"`
	FailedSeq  int64         `json:"failed_seq,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Failed reports whether the batch stopped on a transport failure.
func (r BatchResult) Failed() bool { return r.FailedSeq != 0 }

// PublishBatch relays up to one batch of unpublished records. Transport
// failures are recorded on the record and reported in the result; only
// failures of the outbox source are returned as errors.
func (p *Publisher) PublishBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	recs, err := p.source.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		return res, fmt.Errorf("fetch unpublished: %w", err)
	}
	res.Fetched = len(recs)

	for _, rec := range recs {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		pubErr := p.publish(ctx, rec)
		if pubErr != nil {
			if err := p.source.RecordFailure(ctx, rec.GlobalSeq, pubErr.Error()); err != nil {
				return res, fmt.Errorf("record failure for %d: %w", rec.GlobalSeq, err)
			}
			res.FailedSeq = rec.GlobalSeq
			res.RetryAfter = ComputeBackoff(rec.EventID, rec.Attempts, p.policy)
			p.logger.WarnContext(ctx, "outbox publish failed",
				"global_seq", rec.GlobalSeq,
				"event_id", rec.EventID,
				"topic", rec.Topic,
				"attempt", rec.Attempts+1,
				"retry_after", res.RetryAfter,
				"error", pubErr,
			)
			return res, nil
		}

		if err := p.source.MarkPublished(ctx, rec.GlobalSeq, p.clock()); err != nil {
			// Delivered but not marked: the record goes out again and the
			// consumer drops the duplicate by event id.
			return res, fmt.Errorf("mark published %d: %w", rec.GlobalSeq, err)
		}
		res.Published++
	}
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, rec store.OutboxRecord) (err error) {
	ctx, done := p.obs.TrackOperation(ctx, "outbox.publish", observability.PublishOperation(rec.Topic, rec.GlobalSeq)...)
	defer func() { done(err) }()
	return p.transport.Publish(ctx, messageFor(rec))
}

// Run publishes until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise it waits for the poll interval, or
// for the backoff delay after a failure.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "outbox publisher started", "batch_size", p.batchSize, "poll_interval", p.pollInterval)
	for {
		res, err := p.PublishBatch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := p.pollInterval
		switch {
		case err != nil:
			p.logger.ErrorContext(ctx, "outbox batch failed", "error", err)
		case res.Failed():
			wait = res.RetryAfter
		case res.Fetched == p.batchSize:
			wait = 0
		}

		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
