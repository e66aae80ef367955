// Package relay fans outbound real-time events out to every registered connection.
package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/notification"
	"auction-live/internal/registry"
	"auction-live/utils"

	"golang.org/x/sync/errgroup"
)

// Outbound event names
const (
	EventNewBidData         = "newBidData"
	EventNewBidNotification = "newBidNotification"
	EventWinnerSelected     = "winnerSelected"
)

const (
	defaultSendTimeout = 2 * time.Second
	defaultConcurrency = 16
)

// Report summarises one fan-out
type Report struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Relay delivers events best-effort: a failed or slow connection is logged and skipped,
// never retried, and never holds up the others longer than the send timeout.
type Relay struct {
	registry    *registry.Registry
	sendTimeout time.Duration
	concurrency int
	metrics     *metrics.Manager
}

// Option configures a Relay
type Option func(*Relay)

// WithSendTimeout bounds each per-connection send
func WithSendTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithConcurrency bounds the number of sends in flight
func WithConcurrency(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics records deliveries on m
func WithMetrics(m *metrics.Manager) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a Relay over reg
func New(reg *registry.Registry, opts ...Option) *Relay {
	r := &Relay{
		registry:    reg,
		sendTimeout: defaultSendTimeout,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Relay pushes a copy of ev to every registered connection as newBidData
func (r *Relay) Relay(ctx context.Context, ev model.BidEvent) Report {
	return r.Broadcast(ctx, EventNewBidData, ev)
}

// Notify pushes each registered user a newBidNotification personalised for them
func (r *Relay) Notify(ctx context.Context, ev model.BidEvent, auctionName string) Report {
	return r.fanOut(ctx, EventNewBidNotification, func(target registry.Registration) any {
		return notification.Build(ev, target.UserID, auctionName)
	})
}

// Broadcast pushes the same payload to every registered connection
func (r *Relay) Broadcast(ctx context.Context, event string, payload any) Report {
	return r.fanOut(ctx, event, func(registry.Registration) any { return payload })
}

func (r *Relay) fanOut(ctx context.Context, event string, build func(registry.Registration) any) Report {
	targets := r.registry.Snapshot()
	r.metrics.EventRelayed(event)

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := target.Handle.Send(sendCtx, event, build(target)); err != nil {
				failed.Add(1)
				r.metrics.Delivery(metrics.DeliveryFailed)
				fields := map[string]any{
					"event":         event,
					"user_id":       target.UserID,
					"connection_id": target.Handle.ID(),
					"error":         err.Error(),
				}
				if errors.Is(err, auctionerrors.ErrConnectionClosed) {
					utils.Debug("relay: skipped closed connection", fields)
				} else {
					utils.Warn("relay: delivery failed", fields)
				}
				return nil
			}
			delivered.Add(1)
			r.metrics.Delivery(metrics.DeliveryDelivered)
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Recipients: len(targets),
		Delivered:  int(delivered.Load()),
		Failed:     int(failed.Load()),
	}
}
