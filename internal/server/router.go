package server

import (
	"context"
	"net/http"
	"time"

	"auction-live/internal/metrics"
	"auction-live/internal/socket"
	"auction-live/internal/token"
	handler "auction-live/services/auction/handler"
	"auction-live/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter counts requests per key
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Dependencies holds everything the router wires into handlers.
// TokenMaker, RateLimiter, Metrics and Health are optional.
type Dependencies struct {
	BiddingService  handler.BiddingServiceInterface
	WinnerSelector  handler.WinnerSelector
	Hub             *socket.Hub
	TokenMaker      token.Maker
	RateLimiter     RateLimiter
	Metrics         *metrics.Manager
	Health          func(ctx context.Context) error
	AllowedOrigins  []string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(deps Dependencies) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging
	if deps.Metrics != nil {
		router.Use(MetricsMiddleware(deps.Metrics))
	}
	if len(deps.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     deps.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
			AllowCredentials: true,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				utils.JSONError(c, http.StatusServiceUnavailable, err, "unhealthy")
				return
			}
		}
		utils.JSONResponse(c, http.StatusOK, gin.H{"status": "ok"}, "healthy")
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Hub != nil {
		router.GET("/ws", gin.WrapF(deps.Hub.HandleWS))
	}

	api := router.Group("")
	if deps.RateLimiter != nil {
		api.Use(RateLimitMiddleware(deps.RateLimiter, deps.RateLimitMax, deps.RateLimitWindow))
	}

	auctionHandler := handler.NewAuctionHandler(deps.BiddingService, deps.WinnerSelector)

	bids := api.Group("/bids")
	{
		bids.POST("", auctionHandler.RecordBidHandler)
	}

	auctions := api.Group("/auctions")
	{
		auctions.GET("/:auction_id", auctionHandler.GetAuctionHandler)
		auctions.GET("/:auction_id/bids", auctionHandler.GetBidsByAuctionHandler)
		auctions.GET("/:auction_id/winner", auctionHandler.GetWinningBidHandler)

		resolve := []gin.HandlerFunc{}
		if deps.TokenMaker != nil {
			resolve = append(resolve, AuthMiddleware(deps.TokenMaker))
		}
		resolve = append(resolve, auctionHandler.ResolveWinnerHandler)
		auctions.POST("/:auction_id/winner", resolve...)
	}

	users := api.Group("/users")
	{
		users.GET("/:user_id/auctions", auctionHandler.GetAuctionsByUserHandler)
	}

	return router
}
