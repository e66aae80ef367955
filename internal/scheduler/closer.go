// Package scheduler drives auctions through their lifecycle on a timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/resolver"
	"auction-live/utils"

	"github.com/go-co-op/gocron/v2"
)

// Store is the part of the repository the closer needs
type Store interface {
	FindDueAuctions(ctx context.Context, status model.AuctionStatus, now time.Time) ([]model.Auction, error)
	TransitionStatus(ctx context.Context, auctionID string, from, to model.AuctionStatus) error
}

// Resolver resolves the winner of an auction
type Resolver interface {
	Resolve(ctx context.Context, auctionID string) (resolver.Result, error)
}

// Sweep summarizes one pass over due auctions
type Sweep struct {
	Opened int
	Closed int
	Failed int
}

// AuctionCloser opens auctions whose start time passed and resolves those whose end time passed
type AuctionCloser struct {
	store     Store
	resolver  Resolver
	metrics   *metrics.Manager
	interval  time.Duration
	now       func() time.Time
	scheduler gocron.Scheduler
}

// NewAuctionCloser creates a closer that sweeps every interval once started
func NewAuctionCloser(store Store, res Resolver, m *metrics.Manager, interval time.Duration) (*AuctionCloser, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", interval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return &AuctionCloser{
		store:     store,
		resolver:  res,
		metrics:   m,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
		scheduler: scheduler,
	}, nil
}

// Start registers the sweep job and starts the scheduler
func (c *AuctionCloser) Start() error {
	_, err := c.scheduler.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(
			func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.interval)
				defer cancel()
				c.RunOnce(ctx)
			},
		),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register sweep job: %w", err)
	}

	c.scheduler.Start()
	utils.Info("scheduler: auction closer started", map[string]any{"interval": c.interval.String()})
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish
func (c *AuctionCloser) Stop() error {
	return c.scheduler.Shutdown()
}

// RunOnce performs a single sweep
func (c *AuctionCloser) RunOnce(ctx context.Context) Sweep {
	var sweep Sweep
	now := c.now()

	upcoming, err := c.store.FindDueAuctions(ctx, model.AuctionStatusUpcoming, now)
	if err != nil {
		utils.Error("scheduler: find auctions to open", map[string]any{"error": err.Error()})
	}
	for _, a := range upcoming {
		err := c.store.TransitionStatus(ctx, a.AuctionID, model.AuctionStatusUpcoming, model.AuctionStatusLive)
		switch {
		case err == nil:
			sweep.Opened++
			c.metrics.SchedulerTransition(string(model.AuctionStatusLive))
			utils.Info("scheduler: auction opened", map[string]any{"auction_id": a.AuctionID})
		case errors.Is(err, auctionerrors.ErrInvalidStatus):
			// moved by someone else since the query
		default:
			sweep.Failed++
			utils.Error("scheduler: open auction", map[string]any{"auction_id": a.AuctionID, "error": err.Error()})
		}
	}

	live, err := c.store.FindDueAuctions(ctx, model.AuctionStatusLive, now)
	if err != nil {
		utils.Error("scheduler: find auctions to close", map[string]any{"error": err.Error()})
		return sweep
	}
	for _, a := range live {
		if err := c.close(ctx, a.AuctionID); err != nil {
			sweep.Failed++
			utils.Error("scheduler: close auction", map[string]any{"auction_id": a.AuctionID, "error": err.Error()})
			continue
		}
		sweep.Closed++
		c.metrics.SchedulerTransition(string(model.AuctionStatusEnded))
	}

	return sweep
}

func (c *AuctionCloser) close(ctx context.Context, auctionID string) error {
	res, err := c.resolver.Resolve(ctx, auctionID)
	if err != nil {
		return err
	}
	if res.Outcome != resolver.OutcomeNoBids {
		return nil
	}

	// no winner was written, end the auction so it is not swept again
	err = c.store.TransitionStatus(ctx, auctionID, model.AuctionStatusLive, model.AuctionStatusEnded)
	if err != nil && !errors.Is(err, auctionerrors.ErrInvalidStatus) {
		return err
	}
	return nil
}
