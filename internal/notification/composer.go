// Package notification builds per-recipient messages for bid events.
package notification

import (
	"fmt"

	model "auction-live/internal/models"
)

// Compose returns the message shown to recipientID for ev.
// The bidder reads "You placed ..."; everyone else sees the bidder's display name.
func Compose(ev model.BidEvent, recipientID, auctionName string) string {
	who := ev.BidderDisplayName
	if recipientID == ev.BidderID {
		who = "You"
	}
	return fmt.Sprintf("%s placed a $%d bid on %s", who, ev.Amount, auctionName)
}

// AuctionLink is the client deep link for an auction page
func AuctionLink(auctionID string) string {
	return "/single-auction-detail/" + auctionID
}

// Build wraps the composed message for recipientID into a Notification
func Build(ev model.BidEvent, recipientID, auctionName string) model.Notification {
	recipient := recipientID
	return model.Notification{
		RecipientID: &recipient,
		Message:     Compose(ev, recipientID, auctionName),
		Category:    model.NotificationBidPlaced,
		AuctionID:   ev.AuctionID,
		Link:        AuctionLink(ev.AuctionID),
	}
}
