package auctionerrors

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every lookup miss
var ErrNotFound = errors.New("not found")

// Repository-level errors
var (
	ErrAuctionNotFound = fmt.Errorf("auction %w", ErrNotFound)
	ErrBidNotFound     = fmt.Errorf("bid %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
	ErrNoBids          = errors.New("no bids found for auction")
	ErrUserNoBids      = errors.New("user has not placed any bids")
	ErrDuplicateBid    = errors.New("bidder already placed a bid with this amount")
	ErrPersistence     = errors.New("persistence failure")
)

// business logic errors
var (
	ErrInvalidBid      = errors.New("invalid bid")
	ErrBidTooLow       = errors.New("bid amount too low")
	ErrAuctionNotLive  = errors.New("auction is not accepting bids")
	ErrAlreadyResolved = errors.New("auction already resolved")
	ErrInvalidAuction  = errors.New("invalid auction")
	ErrInvalidStatus   = errors.New("invalid status transition")
	ErrOutbid          = errors.New("winning bid has been outbid")
)

// real-time errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrDelivery         = errors.New("delivery failed")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
)
