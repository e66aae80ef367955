package models

import "time"

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionStatusUpcoming  AuctionStatus = "upcoming"
	AuctionStatusLive      AuctionStatus = "live"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionStatusUpcoming, AuctionStatusLive, AuctionStatusEnded, AuctionStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic
func (s AuctionStatus) CanTransition(next AuctionStatus) bool {
	switch s {
	case AuctionStatusUpcoming:
		return next == AuctionStatusLive || next == AuctionStatusEnded || next == AuctionStatusCancelled
	case AuctionStatusLive:
		return next == AuctionStatusEnded || next == AuctionStatusCancelled
	}
	return false
}

// User represents a marketplace participant
type User struct {
	UserID         string `json:"user_id"`
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	ProfilePicture string `json:"profile_picture"`
}

// PublicProfile is the subset of a user that is shown to other participants
type PublicProfile struct {
	UserID         string `json:"user_id"`
	FullName       string `json:"full_name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Profile returns the public fields of u
func (u User) Profile() PublicProfile {
	return PublicProfile{
		UserID:         u.UserID,
		FullName:       u.FullName,
		Email:          u.Email,
		Phone:          u.Phone,
		ProfilePicture: u.ProfilePicture,
	}
}

// Auction represents a timed sale listing
type Auction struct {
	AuctionID     string        `json:"auction_id"`
	Name          string        `json:"name"`
	SellerID      string        `json:"seller_id"`
	StartingPrice int64         `json:"starting_price"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Status        AuctionStatus `json:"status"`
	WinningBidID  *string       `json:"winning_bid_id"`
}

// Bid represents a user's offer on an auction
type Bid struct {
	BidID     string    `json:"bid_id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}

// BidEvent is the real-time announcement of a freshly placed bid
type BidEvent struct {
	BidderID          string `json:"bidder_id"`
	AuctionID         string `json:"auction_id"`
	Amount            int64  `json:"amount"`
	BidderDisplayName string `json:"bidder_name"`
}

// NotificationCategory groups notifications for clients
type NotificationCategory string

const (
	NotificationBidPlaced NotificationCategory = "BID_PLACED"
)

// Notification is an outbound, human-readable message. A nil RecipientID means broadcast.
type Notification struct {
	RecipientID *string              `json:"recipient_id"`
	Message     string               `json:"message"`
	Category    NotificationCategory `json:"category"`
	AuctionID   string               `json:"auction_id"`
	Link        string               `json:"link"`
}

// WinningBid is a resolved winning bid with the bidder's public profile attached
type WinningBid struct {
	Bid
	Bidder PublicProfile `json:"bidder"`
}
