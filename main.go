package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bidding "auction-live/internal/biddingService"
	"auction-live/internal/cache/redis"
	"auction-live/internal/config"
	"auction-live/internal/live"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/registry"
	"auction-live/internal/relay"
	"auction-live/internal/repository"
	"auction-live/internal/resolver"
	"auction-live/internal/scheduler"
	"auction-live/internal/server"
	"auction-live/internal/socket"
	"auction-live/internal/token"
	"auction-live/utils"
)

func main() {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		utils.Fatal("failed to load config", map[string]any{"error": err.Error()})
	}
	utils.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewManager()

	repo, health, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		utils.Fatal("failed to open repository", map[string]any{"error": err.Error()})
	}
	defer closeRepo()

	deps := server.Dependencies{
		Metrics:         m,
		Health:          health,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}

	resolverOpts := []resolver.Option{resolver.WithMetrics(m)}
	if cfg.RedisServerAddress != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.RedisServerAddress,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			utils.Fatal("failed to connect to redis", map[string]any{"error": err.Error()})
		}
		defer rc.Close()

		resolverOpts = append(resolverOpts, resolver.WithLocker(redis.NewLockManager(rc), cfg.ResolveLockTTL))
		deps.RateLimiter = redis.NewRateLimiter(rc)
		utils.Info("redis enabled", map[string]any{"addr": cfg.RedisServerAddress})
	}

	var hubOpts []socket.Option
	hubOpts = append(hubOpts, socket.WithAllowedOrigins(cfg.AllowedOrigins))
	if cfg.TokenSecretKey != "" {
		maker, err := token.NewJWTMaker(cfg.TokenSecretKey)
		if err != nil {
			utils.Fatal("failed to create token maker", map[string]any{"error": err.Error()})
		}
		deps.TokenMaker = maker
		hubOpts = append(hubOpts, socket.WithTokenMaker(maker))
	}

	reg := registry.New()
	rel := relay.New(reg,
		relay.WithSendTimeout(cfg.SendTimeout),
		relay.WithConcurrency(cfg.RelayConcurrency),
		relay.WithMetrics(m),
	)
	res := resolver.New(repo, rel, resolverOpts...)
	liveSvc := live.NewService(reg, rel, res, repo, m)
	hub := socket.NewHub(liveSvc, hubOpts...)

	deps.BiddingService = bidding.NewBiddingService(repo, m)
	deps.WinnerSelector = liveSvc
	deps.Hub = hub

	var closer *scheduler.AuctionCloser
	if cfg.SchedulerInterval > 0 {
		closer, err = scheduler.NewAuctionCloser(repo, res, m, cfg.SchedulerInterval)
		if err != nil {
			utils.Fatal("failed to create scheduler", map[string]any{"error": err.Error()})
		}
		if err := closer.Start(); err != nil {
			utils.Fatal("failed to start scheduler", map[string]any{"error": err.Error()})
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPServerAddress,
		Handler:           server.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		utils.Info("starting auction server", map[string]any{"addr": cfg.HTTPServerAddress})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error("server stopped", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	utils.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if closer != nil {
		if err := closer.Stop(); err != nil {
			utils.Warn("scheduler shutdown", map[string]any{"error": err.Error()})
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Warn("http shutdown", map[string]any{"error": err.Error()})
	}
	if err := hub.Close(shutdownCtx); err != nil {
		utils.Warn("websocket shutdown", map[string]any{"error": err.Error()})
	}
	liveSvc.Shutdown()
}

// configPath returns the env file path from CONFIG_FILE or defaults to "app.env"
func configPath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "app.env"
}

// openRepository returns PostgreSQL when DATABASE_URL is set, otherwise a seeded in-memory store
func openRepository(ctx context.Context, cfg config.Config) (repository.AuctionDB, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		repo := repository.NewMemoryRepo()
		if err := prepopulate(ctx, repo, time.Now().UTC()); err != nil {
			return nil, nil, nil, err
		}
		utils.Info("using in-memory repository", nil)
		return repo, nil, func() {}, nil
	}

	repo, err := repository.NewPostgresRepo(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := repo.RunMigrations(ctx); err != nil {
		repo.Close()
		return nil, nil, nil, err
	}
	utils.Info("using postgres repository", nil)
	return repo, repo.Ping, repo.Close, nil
}

// prepopulate adds sample users and auctions to the in-memory repo
func prepopulate(ctx context.Context, repo repository.AuctionDB, now time.Time) error {
	users := []model.User{
		{UserID: "user1", FullName: "Alice Martin", Email: "alice@example.com"},
		{UserID: "user2", FullName: "Bob Chen", Email: "bob@example.com"},
		{UserID: "user3", FullName: "Carol Diaz", Email: "carol@example.com"},
		{UserID: "seller1", FullName: "Sam Seller", Email: "sam@example.com"},
	}
	for _, u := range users {
		if err := repo.SaveUser(ctx, u); err != nil {
			return err
		}
	}

	auctions := []model.Auction{
		{AuctionID: "auction1", Name: "Ming Vase", SellerID: "seller1", StartingPrice: 100,
			StartTime: now.Add(-time.Hour), EndTime: now.Add(2 * time.Hour), Status: model.AuctionStatusLive},
		{AuctionID: "auction2", Name: "Oak Writing Desk", SellerID: "seller1", StartingPrice: 200,
			StartTime: now.Add(-time.Minute), EndTime: now.Add(10 * time.Minute), Status: model.AuctionStatusLive},
		{AuctionID: "auction3", Name: "Signed First Edition", SellerID: "seller1", StartingPrice: 150,
			StartTime: now.Add(5 * time.Minute), EndTime: now.Add(24 * time.Hour), Status: model.AuctionStatusUpcoming},
	}
	for _, a := range auctions {
		if err := repo.SaveAuction(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
