package repository

//go:generate mockgen -source=repository.go -destination=mock_repository.go -package=repository

import (
	"auction-live/internal/auctionerrors"
	model "auction-live/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AuctionDB defines the persistence contract for auctions, bids and users
type AuctionDB interface {
	FindAuctionByID(ctx context.Context, auctionID string) (model.Auction, error)
	FindBidByID(ctx context.Context, bidID string) (model.Bid, error)
	FindUserByID(ctx context.Context, userID string) (model.User, error)
	// FindBidsByAuction returns the bids of an auction ordered by placement time.
	// An auction without bids yields an empty slice and no error.
	FindBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	FindAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error)
	FindDueAuctions(ctx context.Context, status model.AuctionStatus, now time.Time) ([]model.Auction, error)

	SaveAuction(ctx context.Context, auction model.Auction) error
	SaveUser(ctx context.Context, user model.User) error
	// RecordBid stores a bid only while its auction is live and before its end time.
	RecordBid(ctx context.Context, bid model.Bid) error

	// EndAuction sets the winning bid and the ended status in one step, but only
	// while the auction is not in a terminal status. It returns ErrOutbid when a
	// stored bid ranks above the given winner.
	EndAuction(ctx context.Context, auctionID, winningBidID string) error
	TransitionStatus(ctx context.Context, auctionID string, from, to model.AuctionStatus) error
}

// ValidateAuction checks the structural invariants of an auction
func ValidateAuction(a model.Auction) error {
	if a.AuctionID == "" || a.SellerID == "" {
		return fmt.Errorf("%w: missing auction or seller id", auctionerrors.ErrInvalidAuction)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", auctionerrors.ErrInvalidAuction, a.Status)
	}
	if a.StartingPrice < 0 {
		return fmt.Errorf("%w: negative starting price", auctionerrors.ErrInvalidAuction)
	}
	if !a.EndTime.After(a.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", auctionerrors.ErrInvalidAuction)
	}
	return nil
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionDB
type MemoryRepo struct {
	mu           sync.RWMutex
	auctions     map[string]model.Auction // key: auctionID
	users        map[string]model.User    // key: userID
	bids         map[string][]model.Bid   // key: auctionID -> bids in insertion order
	bidIndex     map[string]model.Bid     // key: bidID
	userAuctions map[string][]string      // key: userID -> auctionIDs the user has bid on
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions:     make(map[string]model.Auction),
		users:        make(map[string]model.User),
		bids:         make(map[string][]model.Bid),
		bidIndex:     make(map[string]model.Bid),
		userAuctions: make(map[string][]string),
	}
}

// FindAuctionByID returns a copy of the stored auction
func (r *MemoryRepo) FindAuctionByID(_ context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("find auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
	}
	return copyAuction(a), nil
}

// FindBidByID returns a bid by its identity
func (r *MemoryRepo) FindBidByID(_ context.Context, bidID string) (model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bidIndex[bidID]
	if !ok {
		return model.Bid{}, fmt.Errorf("find bid %s: %w", bidID, auctionerrors.ErrBidNotFound)
	}
	return b, nil
}

// FindUserByID returns a user by its identity
func (r *MemoryRepo) FindUserByID(_ context.Context, userID string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return model.User{}, fmt.Errorf("find user %s: %w", userID, auctionerrors.ErrUserNotFound)
	}
	return u, nil
}

// FindBidsByAuction returns all bids for an auction ordered by placement time
func (r *MemoryRepo) FindBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("find bids for auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
	}

	bids := append([]model.Bid{}, r.bids[auctionID]...)
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].PlacedAt.Equal(bids[j].PlacedAt) {
			return bids[i].PlacedAt.Before(bids[j].PlacedAt)
		}
		return bids[i].BidID < bids[j].BidID
	})
	return bids, nil
}

// FindAuctionsByBidder returns all auctions a user has bid on
func (r *MemoryRepo) FindAuctionsByBidder(_ context.Context, userID string) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auctionIDs, ok := r.userAuctions[userID]
	if !ok || len(auctionIDs) == 0 {
		return nil, fmt.Errorf("find auctions for user %s: %w", userID, auctionerrors.ErrUserNoBids)
	}

	auctions := make([]model.Auction, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		if a, exists := r.auctions[id]; exists {
			auctions = append(auctions, copyAuction(a))
		}
	}
	return auctions, nil
}

// FindDueAuctions returns auctions in status whose next transition time has passed:
// the start time for upcoming auctions and the end time for live ones.
func (r *MemoryRepo) FindDueAuctions(_ context.Context, status model.AuctionStatus, now time.Time) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []model.Auction
	for _, a := range r.auctions {
		if a.Status != status {
			continue
		}
		switch status {
		case model.AuctionStatusUpcoming:
			if !a.StartTime.After(now) {
				due = append(due, copyAuction(a))
			}
		case model.AuctionStatusLive:
			if !a.EndTime.After(now) {
				due = append(due, copyAuction(a))
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AuctionID < due[j].AuctionID })
	return due, nil
}

// SaveAuction inserts or replaces an auction. A terminal auction cannot be moved to another status.
func (r *MemoryRepo) SaveAuction(_ context.Context, auction model.Auction) error {
	if err := ValidateAuction(auction); err != nil {
		return fmt.Errorf("save auction: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.auctions[auction.AuctionID]; ok {
		if current.Status != auction.Status && !current.Status.CanTransition(auction.Status) {
			return fmt.Errorf("save auction %s: %s -> %s: %w", auction.AuctionID, current.Status, auction.Status, auctionerrors.ErrInvalidStatus)
		}
	}
	if auction.WinningBidID != nil {
		b, ok := r.bidIndex[*auction.WinningBidID]
		if !ok || b.AuctionID != auction.AuctionID {
			return fmt.Errorf("save auction %s: winning bid %s: %w", auction.AuctionID, *auction.WinningBidID, auctionerrors.ErrBidNotFound)
		}
	}

	r.auctions[auction.AuctionID] = copyAuction(auction)
	return nil
}

// SaveUser inserts or replaces a user
func (r *MemoryRepo) SaveUser(_ context.Context, user model.User) error {
	if user.UserID == "" {
		return fmt.Errorf("save user: %w", auctionerrors.ErrUserNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UserID] = user
	return nil
}

// RecordBid records a user's bid on an auction. The auction must still be live at PlacedAt.
func (r *MemoryRepo) RecordBid(_ context.Context, bid model.Bid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[bid.AuctionID]
	if !ok {
		return fmt.Errorf("record bid for auction %s: %w", bid.AuctionID, auctionerrors.ErrAuctionNotFound)
	}
	if a.Status != model.AuctionStatusLive || !bid.PlacedAt.Before(a.EndTime) {
		return fmt.Errorf("record bid for auction %s: status %s: %w", bid.AuctionID, a.Status, auctionerrors.ErrAuctionNotLive)
	}

	for _, existing := range r.bids[bid.AuctionID] {
		if existing.BidderID == bid.BidderID && existing.Amount == bid.Amount {
			return fmt.Errorf("record bid for auction %s: %w", bid.AuctionID, auctionerrors.ErrDuplicateBid)
		}
	}

	r.bids[bid.AuctionID] = append(r.bids[bid.AuctionID], bid)
	r.bidIndex[bid.BidID] = bid

	for _, id := range r.userAuctions[bid.BidderID] {
		if id == bid.AuctionID {
			return nil
		}
	}
	r.userAuctions[bid.BidderID] = append(r.userAuctions[bid.BidderID], bid.AuctionID)

	return nil
}

// EndAuction marks the auction ended with the given winning bid, unless it is already terminal
// or another bid of the auction outranks the winner
func (r *MemoryRepo) EndAuction(_ context.Context, auctionID, winningBidID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return fmt.Errorf("end auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("end auction %s: status %s: %w", auctionID, a.Status, auctionerrors.ErrAlreadyResolved)
	}
	b, ok := r.bidIndex[winningBidID]
	if !ok || b.AuctionID != auctionID {
		return fmt.Errorf("end auction %s: winning bid %s: %w", auctionID, winningBidID, auctionerrors.ErrBidNotFound)
	}

	for _, other := range r.bids[auctionID] {
		if outranks(other, b) {
			return fmt.Errorf("end auction %s: bid %s beats %s: %w", auctionID, other.BidID, winningBidID, auctionerrors.ErrOutbid)
		}
	}

	id := winningBidID
	a.WinningBidID = &id
	a.Status = model.AuctionStatusEnded
	r.auctions[auctionID] = a
	return nil
}

// TransitionStatus moves an auction from one status to another if it is still in from
func (r *MemoryRepo) TransitionStatus(_ context.Context, auctionID string, from, to model.AuctionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("transition auction %s: %s -> %s: %w", auctionID, from, to, auctionerrors.ErrInvalidStatus)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return fmt.Errorf("transition auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("transition auction %s: current status %s: %w", auctionID, a.Status, auctionerrors.ErrInvalidStatus)
	}
	a.Status = to
	r.auctions[auctionID] = a
	return nil
}

// outranks orders bids by amount desc, placed-at asc, bid id asc
func outranks(a, b model.Bid) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	if !a.PlacedAt.Equal(b.PlacedAt) {
		return a.PlacedAt.Before(b.PlacedAt)
	}
	return a.BidID < b.BidID
}

func copyAuction(a model.Auction) model.Auction {
	if a.WinningBidID != nil {
		id := *a.WinningBidID
		a.WinningBidID = &id
	}
	return a
}
