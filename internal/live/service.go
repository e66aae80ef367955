// Package live is the entry point for inbound real-time events.
package live

import (
	"context"
	"fmt"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/registry"
	"auction-live/internal/relay"
	"auction-live/internal/resolver"
	"auction-live/utils"
)

// Inbound event names
const (
	EventJoin         = "join"
	EventBidPlaced    = "bidPlaced"
	EventSelectWinner = "selectWinner"
	EventDisconnect   = "disconnect"
)

// Relayer fans bid events and their notifications out to connections
type Relayer interface {
	Relay(ctx context.Context, ev model.BidEvent) relay.Report
	Notify(ctx context.Context, ev model.BidEvent, auctionName string) relay.Report
}

// WinnerResolver resolves an auction
type WinnerResolver interface {
	Resolve(ctx context.Context, auctionID string) (resolver.Result, error)
}

// Lookup reads the auction and bidder details a bid event needs
type Lookup interface {
	FindAuctionByID(ctx context.Context, auctionID string) (model.Auction, error)
	FindUserByID(ctx context.Context, userID string) (model.User, error)
}

// Service wires the registry, relay and resolver together
type Service struct {
	registry *registry.Registry
	relay    Relayer
	resolver WinnerResolver
	lookup   Lookup
	metrics  *metrics.Manager
}

// NewService creates a new Service instance
func NewService(reg *registry.Registry, r Relayer, res WinnerResolver, lookup Lookup, m *metrics.Manager) *Service {
	return &Service{
		registry: reg,
		relay:    r,
		resolver: res,
		lookup:   lookup,
		metrics:  m,
	}
}

// Join binds userID to the connection handle, replacing any previous handle for that user
func (s *Service) Join(userID string, h registry.Handle) error {
	if userID == "" {
		return fmt.Errorf("live: %w - empty user ID", auctionerrors.ErrInvalidEvent)
	}

	replaced, err := s.registry.Register(userID, h)
	if err != nil {
		return fmt.Errorf("live: join %s: %w", userID, err)
	}
	s.metrics.SetConnections(s.registry.Len())

	utils.Info("live: user joined", map[string]any{
		"user_id":       userID,
		"connection_id": h.ID(),
		"replaced":      replaced,
	})
	return nil
}

// Disconnect drops every identity bound to the handle. Unknown handles are ignored.
func (s *Service) Disconnect(h registry.Handle) {
	removed := s.registry.Unregister(h)
	s.metrics.SetConnections(s.registry.Len())

	if len(removed) > 0 {
		utils.Info("live: user disconnected", map[string]any{
			"user_ids":      removed,
			"connection_id": h.ID(),
		})
	}
}

// BidPlaced relays the bid event and then pushes a personalized notification to every connection
func (s *Service) BidPlaced(ctx context.Context, ev model.BidEvent) error {
	if ev.BidderID == "" || ev.AuctionID == "" {
		return fmt.Errorf("live: %w - missing bidder or auction ID", auctionerrors.ErrInvalidEvent)
	}
	if ev.Amount <= 0 {
		return fmt.Errorf("live: %w - non-positive bid amount", auctionerrors.ErrInvalidEvent)
	}

	if ev.BidderDisplayName == "" {
		if user, err := s.lookup.FindUserByID(ctx, ev.BidderID); err == nil {
			ev.BidderDisplayName = user.FullName
		}
	}

	report := s.relay.Relay(ctx, ev)

	auctionName := ev.AuctionID
	if auction, err := s.lookup.FindAuctionByID(ctx, ev.AuctionID); err == nil && auction.Name != "" {
		auctionName = auction.Name
	} else if err != nil {
		utils.Warn("live: auction lookup failed, notifying with auction ID", map[string]any{
			"auction_id": ev.AuctionID,
			"error":      err.Error(),
		})
	}

	notified := s.relay.Notify(ctx, ev, auctionName)

	utils.Debug("live: bid relayed", map[string]any{
		"auction_id": ev.AuctionID,
		"bidder_id":  ev.BidderID,
		"amount":     ev.Amount,
		"delivered":  report.Delivered,
		"failed":     report.Failed,
		"notified":   notified.Delivered,
	})
	return nil
}

// SelectWinner runs winner resolution for the auction
func (s *Service) SelectWinner(ctx context.Context, auctionID string) (resolver.Result, error) {
	res, err := s.resolver.Resolve(ctx, auctionID)
	if err != nil {
		utils.Error("live: winner resolution failed", map[string]any{
			"auction_id": auctionID,
			"error":      err.Error(),
		})
		return resolver.Result{}, err
	}
	return res, nil
}

// Shutdown drops every registration
func (s *Service) Shutdown() {
	s.registry.Clear()
	s.metrics.SetConnections(0)
}
