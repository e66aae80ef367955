package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/repository"
	"auction-live/internal/resolver"
	"auction-live/utils"
)

// BiddingService defines the business logic for placing and reading bids
type BiddingService struct {
	repo    repository.AuctionDB
	metrics *metrics.Manager
	now     func() time.Time
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(repo repository.AuctionDB, m *metrics.Manager) *BiddingService {
	return &BiddingService{
		repo:    repo,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBid validates and records a user's bid on a live auction
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (model.Bid, error) {
	if err := s.validateBid(ctx, auctionID, userID, amount); err != nil {
		return model.Bid{}, err
	}

	bid := model.Bid{
		BidID:     utils.GenerateID(),
		AuctionID: auctionID,
		BidderID:  userID,
		Amount:    amount,
		PlacedAt:  s.now(),
	}

	if err := s.repo.RecordBid(ctx, bid); err != nil {
		return model.Bid{}, fmt.Errorf("service: failed to record bid for auction %s by user %s: %w", auctionID, userID, err)
	}
	s.metrics.BidPlaced()

	return bid, nil
}

// validateBid checks input validity and business rules for bidding
func (s *BiddingService) validateBid(ctx context.Context, auctionID, userID string, amount int64) error {
	if auctionID == "" || userID == "" {
		return fmt.Errorf("service: %w - missing auctionID or userID", auctionerrors.ErrInvalidBid)
	}
	if amount <= 0 {
		return fmt.Errorf("service: %w - non-positive bid amount", auctionerrors.ErrInvalidBid)
	}

	auction, err := s.repo.FindAuctionByID(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("service: failed to load auction %s: %w", auctionID, err)
	}

	now := s.now()
	if auction.Status != model.AuctionStatusLive || now.Before(auction.StartTime) || !now.Before(auction.EndTime) {
		return fmt.Errorf("service: %w - auction %s is %s", auctionerrors.ErrAuctionNotLive, auctionID, auction.Status)
	}
	if auction.SellerID == userID {
		return fmt.Errorf("service: %w - sellers cannot bid on their own auction", auctionerrors.ErrInvalidBid)
	}
	if amount < auction.StartingPrice {
		return fmt.Errorf("service: %w - starting price is %d", auctionerrors.ErrBidTooLow, auction.StartingPrice)
	}

	bids, err := s.repo.FindBidsByAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("service: failed to check current bids: %w", err)
	}
	if highest, ok := resolver.SelectWinner(bids); ok && amount <= highest.Amount {
		return fmt.Errorf("service: %w - current highest bid is %d", auctionerrors.ErrBidTooLow, highest.Amount)
	}

	return nil
}

// GetAuction returns a single auction
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	if auctionID == "" {
		return model.Auction{}, fmt.Errorf("service: %w - empty auction ID", auctionerrors.ErrInvalidAuction)
	}

	auction, err := s.repo.FindAuctionByID(ctx, auctionID)
	if err != nil {
		return model.Auction{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}
	return auction, nil
}

// GetBidsForAuction returns all bids for a specific auction
func (s *BiddingService) GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("service: %w - empty auction ID", auctionerrors.ErrInvalidBid)
	}

	bids, err := s.repo.FindBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}

	return bids, nil
}

// GetWinningBid returns the recorded winner of an ended auction, or the leading bid of an open one
func (s *BiddingService) GetWinningBid(ctx context.Context, auctionID string) (model.WinningBid, error) {
	if auctionID == "" {
		return model.WinningBid{}, fmt.Errorf("service: %w - empty auction ID", auctionerrors.ErrInvalidBid)
	}

	auction, err := s.repo.FindAuctionByID(ctx, auctionID)
	if err != nil {
		return model.WinningBid{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}

	var bid model.Bid
	if auction.WinningBidID != nil {
		bid, err = s.repo.FindBidByID(ctx, *auction.WinningBidID)
		if err != nil {
			return model.WinningBid{}, fmt.Errorf("service: failed to get winning bid for auction %s: %w", auctionID, err)
		}
	} else {
		bids, err := s.repo.FindBidsByAuction(ctx, auctionID)
		if err != nil {
			return model.WinningBid{}, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
		}
		leading, ok := resolver.SelectWinner(bids)
		if !ok {
			return model.WinningBid{}, fmt.Errorf("service: auction %s: %w", auctionID, auctionerrors.ErrNoBids)
		}
		bid = leading
	}

	winner := model.WinningBid{Bid: bid}
	user, err := s.repo.FindUserByID(ctx, bid.BidderID)
	switch {
	case err == nil:
		winner.Bidder = user.Profile()
	case !errors.Is(err, auctionerrors.ErrNotFound):
		return model.WinningBid{}, fmt.Errorf("service: failed to get bidder %s: %w", bid.BidderID, err)
	}

	return winner, nil
}

// GetAuctionsByUser returns all auctions a user has placed bids on
func (s *BiddingService) GetAuctionsByUser(ctx context.Context, userID string) ([]model.Auction, error) {
	if userID == "" {
		return nil, fmt.Errorf("service: %w - empty user ID", auctionerrors.ErrInvalidBid)
	}

	auctions, err := s.repo.FindAuctionsByBidder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get auctions for user %s: %w", userID, err)
	}

	return auctions, nil
}
