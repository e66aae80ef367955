package handler

//go:generate mockgen -source=auction_handler.go -destination=mock_auction_handler.go -package=handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"auction-live/internal/auctionerrors"
	model "auction-live/internal/models"
	"auction-live/internal/resolver"
	"auction-live/services/auction/helpers"
	"auction-live/utils"

	"github.com/gin-gonic/gin"
)

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (model.Bid, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetWinningBid(ctx context.Context, auctionID string) (model.WinningBid, error)
	GetAuctionsByUser(ctx context.Context, userID string) ([]model.Auction, error)
}

// WinnerSelector triggers winner resolution
type WinnerSelector interface {
	SelectWinner(ctx context.Context, auctionID string) (resolver.Result, error)
}

type AuctionHandler struct {
	service  BiddingServiceInterface
	selector WinnerSelector
}

func NewAuctionHandler(service BiddingServiceInterface, selector WinnerSelector) *AuctionHandler {
	return &AuctionHandler{service: service, selector: selector}
}

func respondError(c *gin.Context, err error) {
	status, message := helpers.MapErrorToHTTP(err)
	utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)
}

// RecordBidHandler handles POST /bids
func (h *AuctionHandler) RecordBidHandler(c *gin.Context) {
	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "RecordBidHandler", err)
		return
	}

	bid, err := h.service.PlaceBid(c.Request.Context(), req.AuctionID, req.UserID, req.Amount)
	if err != nil {
		respondError(c, err)
		utils.Error("RecordBidHandler: failed to record bid", map[string]any{
			"handler":    "RecordBidHandler",
			"auction_id": req.AuctionID,
			"user_id":    req.UserID,
			"error":      err.Error(),
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewBidResponse(bid), "bid recorded successfully")
	helpers.LogSuccess("RecordBidHandler", "bid recorded successfully", map[string]any{
		"bid_id":     bid.BidID,
		"auction_id": bid.AuctionID,
		"user_id":    req.UserID,
		"amount":     bid.Amount,
	})
}

// GetAuctionHandler handles GET /auctions/:auction_id
func (h *AuctionHandler) GetAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	auction, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		respondError(c, err)
		utils.Warn("GetAuctionHandler: error retrieving auction", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAuctionResponse(auction), "auction retrieved successfully")
}

// GetBidsByAuctionHandler handles GET /auctions/:auction_id/bids
func (h *AuctionHandler) GetBidsByAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bids, err := h.service.GetBidsForAuction(c.Request.Context(), auctionID)
	if err != nil && !errors.Is(err, auctionerrors.ErrNoBids) {
		respondError(c, err)
		utils.Warn("GetBidsByAuctionHandler: error retrieving bids", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponses(bids), "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByAuctionHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(bids),
	})
}

// GetWinningBidHandler handles GET /auctions/:auction_id/winner
func (h *AuctionHandler) GetWinningBidHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	winner, err := h.service.GetWinningBid(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, auctionerrors.ErrNoBids) {
			utils.JSONError(c, http.StatusNotFound, err, "no winning bid found")
			utils.Info("GetWinningBidHandler: no winning bid found", map[string]any{"auction_id": auctionID})
			return
		}
		respondError(c, err)
		utils.Warn("GetWinningBidHandler: winning bid error", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewWinningBidResponse(winner), "winning bid retrieved successfully")
	helpers.LogSuccess("GetWinningBidHandler", "winning bid retrieved successfully", map[string]any{
		"bid_id":     winner.BidID,
		"auction_id": winner.AuctionID,
		"user_id":    winner.BidderID,
		"amount":     winner.Amount,
	})
}

// GetAuctionsByUserHandler handles GET /users/:user_id/auctions
func (h *AuctionHandler) GetAuctionsByUserHandler(c *gin.Context) {
	userID := c.Param("user_id")
	auctions, err := h.service.GetAuctionsByUser(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, auctionerrors.ErrUserNoBids) {
		respondError(c, err)
		utils.Warn("GetAuctionsByUserHandler: error retrieving auctions", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAuctionResponses(auctions), "auctions retrieved successfully")
	helpers.LogSuccess("GetAuctionsByUserHandler", "auctions retrieved successfully", map[string]any{
		"user_id":        userID,
		"auctions_count": len(auctions),
	})
}

// ResolveWinnerHandler handles POST /auctions/:auction_id/winner
func (h *AuctionHandler) ResolveWinnerHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	result, err := h.selector.SelectWinner(c.Request.Context(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewResolveResponse(result), "auction resolved")
	helpers.LogSuccess("ResolveWinnerHandler", "auction resolved", map[string]any{
		"auction_id": auctionID,
		"outcome":    string(result.Outcome),
	})
}
