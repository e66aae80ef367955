// Package resolver decides the winner of an auction and records it exactly once.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/relay"
	"auction-live/utils"

	"golang.org/x/sync/singleflight"
)

// Outcome describes how a resolve call ended
type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeNoBids          Outcome = "no_bids"
	OutcomeAlreadyResolved Outcome = "already_resolved"
)

// Result is returned by Resolve. Winner is nil for NoBids and for cancelled auctions.
type Result struct {
	AuctionID string
	Outcome   Outcome
	Winner    *model.WinningBid
}

// Store is the subset of the repository the resolver needs
type Store interface {
	FindAuctionByID(ctx context.Context, auctionID string) (model.Auction, error)
	FindBidByID(ctx context.Context, bidID string) (model.Bid, error)
	FindUserByID(ctx context.Context, userID string) (model.User, error)
	FindBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	EndAuction(ctx context.Context, auctionID, winningBidID string) error
}

// Broadcaster sends an event to every registered connection
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) relay.Report
}

// Locker guards resolution across processes
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

const (
	defaultLockTTL    = 10 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
	defaultTimeout    = 30 * time.Second
	maxReselects      = 3
)

// Resolver runs winner resolution; calls for the same auction are collapsed into one
type Resolver struct {
	store       Store
	broadcaster Broadcaster
	locker      Locker
	metrics     *metrics.Manager
	lockTTL     time.Duration
	retryDelay  time.Duration
	timeout     time.Duration
	group       singleflight.Group
}

type Option func(*Resolver)

// WithLocker adds a distributed lock around each resolution
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.Manager) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithRetryDelay sets the pause before the single retry of the final write
func WithRetryDelay(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.retryDelay = d
		}
	}
}

// WithTimeout bounds one shared resolution, independent of any single caller
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Resolver
func New(store Store, broadcaster Broadcaster, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		broadcaster: broadcaster,
		lockTTL:     defaultLockTTL,
		retryDelay:  defaultRetryDelay,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SelectWinner picks the highest bid. Ties go to the earliest placed bid, then to the smallest bid ID.
func SelectWinner(bids []model.Bid) (model.Bid, bool) {
	if len(bids) == 0 {
		return model.Bid{}, false
	}

	sorted := make([]model.Bid, len(bids))
	copy(sorted, bids)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bidLess(sorted[i], sorted[j])
	})
	return sorted[0], true
}

func bidLess(a, b model.Bid) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	if !a.PlacedAt.Equal(b.PlacedAt) {
		return a.PlacedAt.Before(b.PlacedAt)
	}
	return a.BidID < b.BidID
}

// Resolve determines and records the winner of an auction, then broadcasts it.
// Resolving an ended auction returns the stored winner without a new write or broadcast.
// Concurrent callers share one resolution; a caller that gives up does not cancel it for the others.
func (r *Resolver) Resolve(ctx context.Context, auctionID string) (Result, error) {
	if auctionID == "" {
		return Result{}, fmt.Errorf("resolver: %w - empty auction ID", auctionerrors.ErrInvalidAuction)
	}

	ch := r.group.DoChan(auctionID, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolve(wctx, auctionID)
	})

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("resolver: resolve auction %s: %w", auctionID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, auctionID string) (Result, error) {
	start := time.Now()

	release, err := r.acquire(ctx, auctionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	auction, err := r.store.FindAuctionByID(ctx, auctionID)
	if err != nil {
		return Result{}, readErr("find auction "+auctionID, err)
	}

	if auction.Status.Terminal() {
		release()
		return r.finishExisting(ctx, auction, start)
	}

	best, found, err := r.recordWinner(ctx, auctionID)
	release()
	switch {
	case errors.Is(err, auctionerrors.ErrAlreadyResolved):
		// another writer got there first; report what it stored
		current, ferr := r.store.FindAuctionByID(ctx, auctionID)
		if ferr != nil {
			return Result{}, readErr("reload auction "+auctionID, ferr)
		}
		return r.finishExisting(ctx, current, start)
	case err != nil:
		return Result{}, err
	case !found:
		r.broadcaster.Broadcast(ctx, relay.EventWinnerSelected, nil)
		r.metrics.Resolution(string(OutcomeNoBids), time.Since(start))
		utils.Info("resolver: auction closed without bids", map[string]any{"auction_id": auctionID})
		return Result{AuctionID: auctionID, Outcome: OutcomeNoBids}, nil
	}

	winner := r.winningBid(ctx, best)
	r.broadcaster.Broadcast(ctx, relay.EventWinnerSelected, winner)
	r.metrics.Resolution(string(OutcomeResolved), time.Since(start))

	utils.Info("resolver: winner selected", map[string]any{
		"auction_id": auctionID,
		"bid_id":     best.BidID,
		"bidder_id":  best.BidderID,
		"amount":     best.Amount,
	})

	return Result{AuctionID: auctionID, Outcome: OutcomeResolved, Winner: &winner}, nil
}

// recordWinner selects the highest bid and ends the auction with it.
// A bid that lands between the read and the write makes the store reject the winner; selection then runs again.
func (r *Resolver) recordWinner(ctx context.Context, auctionID string) (model.Bid, bool, error) {
	for attempt := 1; ; attempt++ {
		bids, err := r.store.FindBidsByAuction(ctx, auctionID)
		if err != nil {
			return model.Bid{}, false, readErr("find bids for auction "+auctionID, err)
		}

		best, ok := SelectWinner(bids)
		if !ok {
			return model.Bid{}, false, nil
		}

		err = r.endAuction(ctx, auctionID, best.BidID)
		if err == nil {
			return best, true, nil
		}
		if !errors.Is(err, auctionerrors.ErrOutbid) || attempt == maxReselects {
			return model.Bid{}, false, err
		}
		utils.Info("resolver: winner outbid during resolution, reselecting", map[string]any{
			"auction_id": auctionID,
			"bid_id":     best.BidID,
		})
	}
}

func (r *Resolver) finishExisting(ctx context.Context, auction model.Auction, start time.Time) (Result, error) {
	res, err := r.existing(ctx, auction)
	if err == nil {
		r.metrics.Resolution(string(res.Outcome), time.Since(start))
	}
	return res, err
}

// acquire takes the distributed lock when one is configured. The release func may be called more than once.
func (r *Resolver) acquire(ctx context.Context, auctionID string) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	unlock, err := r.locker.Acquire(ctx, "auction:resolve:"+auctionID, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("resolver: lock auction %s: %w", auctionID, err)
	}
	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

// readErr classifies a failed store read. Misses and cancellation keep their own meaning.
func readErr(op string, err error) error {
	if errors.Is(err, auctionerrors.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("resolver: %s: %w", op, err)
	}
	return fmt.Errorf("resolver: %s: %w: %w", op, auctionerrors.ErrPersistence, err)
}

// endAuction performs the compare-and-set write, retrying once on a transient failure
func (r *Resolver) endAuction(ctx context.Context, auctionID, bidID string) error {
	err := r.store.EndAuction(ctx, auctionID, bidID)
	if err == nil || !transient(err) {
		return wrapEnd(auctionID, err)
	}

	utils.Warn("resolver: end auction failed, retrying", map[string]any{
		"auction_id": auctionID,
		"error":      err.Error(),
	})

	if r.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("resolver: end auction %s: %w: %w", auctionID, auctionerrors.ErrPersistence, ctx.Err())
		case <-time.After(r.retryDelay):
		}
	}

	err = r.store.EndAuction(ctx, auctionID, bidID)
	if err == nil || !transient(err) {
		return wrapEnd(auctionID, err)
	}

	utils.Error("resolver: end auction failed after retry", map[string]any{
		"auction_id": auctionID,
		"error":      err.Error(),
	})
	return fmt.Errorf("resolver: end auction %s: %w: %w", auctionID, auctionerrors.ErrPersistence, err)
}

func wrapEnd(auctionID string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("resolver: end auction %s: %w", auctionID, err)
}

func transient(err error) bool {
	switch {
	case errors.Is(err, auctionerrors.ErrAlreadyResolved),
		errors.Is(err, auctionerrors.ErrOutbid),
		errors.Is(err, auctionerrors.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// existing builds the result for an auction that is already terminal
func (r *Resolver) existing(ctx context.Context, auction model.Auction) (Result, error) {
	res := Result{AuctionID: auction.AuctionID, Outcome: OutcomeAlreadyResolved}

	if auction.Status == model.AuctionStatusCancelled {
		return res, nil
	}
	if auction.WinningBidID == nil {
		res.Outcome = OutcomeNoBids
		return res, nil
	}

	bid, err := r.store.FindBidByID(ctx, *auction.WinningBidID)
	if err != nil {
		return Result{}, readErr("find winning bid "+*auction.WinningBidID, err)
	}
	winner := r.winningBid(ctx, bid)
	res.Winner = &winner
	return res, nil
}

// winningBid attaches the bidder's public profile. A failed lookup leaves the profile empty.
func (r *Resolver) winningBid(ctx context.Context, bid model.Bid) model.WinningBid {
	wb := model.WinningBid{Bid: bid}

	user, err := r.store.FindUserByID(ctx, bid.BidderID)
	if err != nil {
		utils.Warn("resolver: bidder profile unavailable", map[string]any{
			"bidder_id": bid.BidderID,
			"error":     err.Error(),
		})
		return wb
	}
	wb.Bidder = user.Profile()
	return wb
}
