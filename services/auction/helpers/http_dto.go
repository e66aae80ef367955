package helpers

import (
	"time"

	model "auction-live/internal/models"
	"auction-live/internal/resolver"
)

// Request/Response DTOs
type PlaceBidRequest struct {
	AuctionID string `json:"auction_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

type BidResponse struct {
	BidID     string `json:"bid_id"`
	AuctionID string `json:"auction_id"`
	BidderID  string `json:"bidder_id"`
	Amount    int64  `json:"amount"`
	PlacedAt  string `json:"placed_at"`
}

type AuctionResponse struct {
	AuctionID     string  `json:"auction_id"`
	Name          string  `json:"name"`
	SellerID      string  `json:"seller_id"`
	StartingPrice int64   `json:"starting_price"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Status        string  `json:"status"`
	WinningBidID  *string `json:"winning_bid_id"`
}

type WinningBidResponse struct {
	BidResponse
	Bidder model.PublicProfile `json:"bidder"`
}

type ResolveResponse struct {
	AuctionID string              `json:"auction_id"`
	Outcome   string              `json:"outcome"`
	Winner    *WinningBidResponse `json:"winner"`
}

func NewBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:     b.BidID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		PlacedAt:  b.PlacedAt.UTC().Format(time.RFC3339),
	}
}

func NewBidResponses(bids []model.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, NewBidResponse(b))
	}
	return out
}

func NewAuctionResponse(a model.Auction) AuctionResponse {
	return AuctionResponse{
		AuctionID:     a.AuctionID,
		Name:          a.Name,
		SellerID:      a.SellerID,
		StartingPrice: a.StartingPrice,
		StartTime:     a.StartTime.UTC().Format(time.RFC3339),
		EndTime:       a.EndTime.UTC().Format(time.RFC3339),
		Status:        string(a.Status),
		WinningBidID:  a.WinningBidID,
	}
}

func NewAuctionResponses(auctions []model.Auction) []AuctionResponse {
	out := make([]AuctionResponse, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, NewAuctionResponse(a))
	}
	return out
}

func NewWinningBidResponse(w model.WinningBid) WinningBidResponse {
	return WinningBidResponse{
		BidResponse: NewBidResponse(w.Bid),
		Bidder:      w.Bidder,
	}
}

func NewResolveResponse(r resolver.Result) ResolveResponse {
	resp := ResolveResponse{
		AuctionID: r.AuctionID,
		Outcome:   string(r.Outcome),
	}
	if r.Winner != nil {
		w := NewWinningBidResponse(*r.Winner)
		resp.Winner = &w
	}
	return resp
}
