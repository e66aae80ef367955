package helpers

import (
	"errors"
	"fmt"
	"net/http"

	"auction-live/internal/auctionerrors"
	"auction-live/utils"

	"github.com/gin-gonic/gin"
)

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := fmt.Errorf("invalid request payload: %w", err)
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload")
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, auctionerrors.ErrAuctionNotFound):
		return http.StatusNotFound, "auction not found"
	case errors.Is(err, auctionerrors.ErrBidNotFound):
		return http.StatusNotFound, "bid not found"
	case errors.Is(err, auctionerrors.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, auctionerrors.ErrInvalidBid):
		return http.StatusBadRequest, "invalid bid details"
	case errors.Is(err, auctionerrors.ErrInvalidAuction):
		return http.StatusBadRequest, "invalid auction"
	case errors.Is(err, auctionerrors.ErrBidTooLow):
		return http.StatusConflict, "bid amount too low"
	case errors.Is(err, auctionerrors.ErrDuplicateBid):
		return http.StatusConflict, "duplicate bid"
	case errors.Is(err, auctionerrors.ErrAuctionNotLive):
		return http.StatusConflict, "auction is not live"
	case errors.Is(err, auctionerrors.ErrAlreadyResolved):
		return http.StatusConflict, "auction already resolved"
	case errors.Is(err, auctionerrors.ErrOutbid):
		return http.StatusConflict, "auction received a higher bid during resolution"
	case errors.Is(err, auctionerrors.ErrLockHeld):
		return http.StatusConflict, "auction resolution in progress"
	case errors.Is(err, auctionerrors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auctionerrors.ErrNoBids):
		return http.StatusOK, "no bids found for auction"
	case errors.Is(err, auctionerrors.ErrUserNoBids):
		return http.StatusOK, "no auctions found for user"
	case errors.Is(err, auctionerrors.ErrPersistence):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}
