package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirrormarket/mirrormarket/internal/config"
	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/notify"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

// Mirrorer places a follower copy of a committed creator trade. It is
// implemented by the service layer.
type Mirrorer interface {
	Mirror(ctx context.Context, follower domain.EligibleFollower, source domain.Trade) (domain.Trade, error)
}

// Engine consumes fan-out jobs from the durable stream and mirrors each
// creator trade to its eligible followers. Followers within a job run
// concurrently up to a configured bound; one follower's failure never aborts
// the others.
type Engine struct {
	bus     domain.SignalBus
	trades  domain.TradeStore
	follows domain.FollowStore
	mirror  Mirrorer

	dedup    *Dedup
	notifier *notify.Notifier
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	batchSize    int

	cleanupInterval time.Duration

	// lastID is the stream position of the last processed message. Jobs are
	// claimed strictly in stream order.
	lastID string
}

// NewEngine creates an Engine reading from domain.FanoutStream. The notifier
// may be nil, in which case operator alerts are skipped.
func NewEngine(
	bus domain.SignalBus,
	trades domain.TradeStore,
	follows domain.FollowStore,
	mirror Mirrorer,
	notifier *notify.Notifier,
	cfg config.FanoutConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		bus:             bus,
		trades:          trades,
		follows:         follows,
		mirror:          mirror,
		dedup:           NewDedup(10 * time.Minute),
		notifier:        notifier,
		logger:          logger.With(slog.String("component", "fanout")),
		concurrency:     cfg.Concurrency,
		pollInterval:    cfg.PollInterval.Duration,
		batchSize:       cfg.BatchSize,
		cleanupInterval: 5 * time.Minute,
		lastID:          "$",
	}
}

// Run polls the stream until ctx is cancelled. Jobs already in the stream at
// startup are skipped; the enqueue path alerts the operator on append
// failure, so replaying history on every restart is not needed.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "fan-out engine started",
		slog.Int("concurrency", e.concurrency),
		slog.Int("batch_size", e.batchSize),
		slog.Duration("poll_interval", e.pollInterval),
	)

	// Resolve "$" to a concrete position so subsequent reads are ordered.
	if e.lastID == "$" {
		e.lastID = fmt.Sprintf("%d-0", time.Now().UnixMilli())
	}

	pollTicker := time.NewTicker(e.pollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "fan-out engine stopping",
				slog.String("last_id", e.lastID),
			)
			return ctx.Err()

		case <-cleanupTicker.C:
			e.dedup.Cleanup()

		case <-pollTicker.C:
			if err := e.drainOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				e.logger.ErrorContext(ctx, "stream read failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// drainOnce reads one batch from the stream and processes every message in
// order, advancing lastID per message so a mid-batch failure does not replay
// completed jobs.
func (e *Engine) drainOnce(ctx context.Context) error {
	msgs, err := e.bus.StreamRead(ctx, domain.FanoutStream, e.lastID, e.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		e.processMessage(ctx, msg)
		e.lastID = msg.ID
	}
	return nil
}

// processMessage decodes and executes a single fan-out job. Malformed or
// duplicate messages are logged and skipped; the stream position still
// advances past them.
func (e *Engine) processMessage(ctx context.Context, msg domain.StreamMessage) {
	var job domain.FanoutJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		e.logger.ErrorContext(ctx, "malformed fan-out job",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if e.dedup.IsDuplicate(job.TradeID) {
		e.logger.WarnContext(ctx, "duplicate fan-out job skipped",
			slog.String("trade_id", job.TradeID),
			slog.String("stream_id", msg.ID),
		)
		return
	}

	if err := e.processJob(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "fan-out job failed",
			slog.String("trade_id", job.TradeID),
			slog.String("creator_id", job.CreatorID),
			slog.String("error", err.Error()),
		)
		e.alert(ctx, job.TradeID, "Fan-out job failed",
			fmt.Sprintf("creator %s: %v", job.CreatorID, err))
	}
}

// processJob mirrors one committed creator trade to every eligible follower.
func (e *Engine) processJob(ctx context.Context, job domain.FanoutJob) error {
	source, err := e.trades.GetByID(ctx, job.TradeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted between enqueue and processing; nothing to mirror.
			e.logger.InfoContext(ctx, "source trade gone, skipping fan-out",
				slog.String("trade_id", job.TradeID),
			)
			return nil
		}
		return fmt.Errorf("fanout: load source trade: %w", err)
	}

	if source.Status != domain.TradeStatusOpen {
		e.logger.InfoContext(ctx, "source trade no longer open, skipping fan-out",
			slog.String("trade_id", source.ID),
			slog.String("status", string(source.Status)),
		)
		return nil
	}

	followers, err := e.follows.ListEligibleFollowers(ctx, job.CreatorID, job.TradeID)
	if err != nil {
		return fmt.Errorf("fanout: list eligible followers: %w", err)
	}
	if len(followers) == 0 {
		e.logger.InfoContext(ctx, "no eligible followers",
			slog.String("trade_id", source.ID),
			slog.String("creator_id", job.CreatorID),
		)
		return nil
	}

	e.logger.InfoContext(ctx, "mirroring trade to followers",
		slog.String("trade_id", source.ID),
		slog.Int("followers", len(followers)),
	)

	var mirrored, rejected, failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	results := make([]error, len(followers))

	for i, f := range followers {
		g.Go(func() error {
			_, err := e.mirror.Mirror(gctx, f, source)
			results[i] = err
			// Follower failures are isolated; never short-circuit siblings.
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		switch {
		case err == nil:
			mirrored++
		case isRejection(err):
			// The broker turned the order down before anything persisted,
			// so no follower trade exists; count it separately from
			// infrastructure failures.
			rejected++
			e.logger.WarnContext(ctx, "follower order rejected",
				slog.String("trade_id", source.ID),
				slog.String("follower_id", followers[i].FollowerID),
				slog.String("error", err.Error()),
			)
		default:
			failed++
			e.logger.ErrorContext(ctx, "follower mirror failed",
				slog.String("trade_id", source.ID),
				slog.String("follower_id", followers[i].FollowerID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.InfoContext(ctx, "fan-out job complete",
		slog.String("trade_id", source.ID),
		slog.Int("mirrored", mirrored),
		slog.Int("rejected", rejected),
		slog.Int("failed", failed),
	)

	if failed > 0 {
		e.alert(ctx, source.ID, "Follower mirrors failed",
			fmt.Sprintf("%d of %d followers failed", failed, len(followers)))
	}
	return nil
}

func isRejection(err error) bool {
	var rej *service.BrokerRejectionError
	return errors.As(err, &rej)
}

func (e *Engine) alert(ctx context.Context, tradeID, title, body string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, notify.Alert{
		Event:   "fanout_failure",
		Title:   title,
		Body:    body,
		TradeID: tradeID,
	}); err != nil {
		e.logger.WarnContext(ctx, "operator alert failed",
			slog.String("error", err.Error()),
		)
	}
}
