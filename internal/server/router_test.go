package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	bidding "auction-live/internal/biddingService"
	"auction-live/internal/live"
	"auction-live/internal/metrics"
	model "auction-live/internal/models"
	"auction-live/internal/registry"
	"auction-live/internal/relay"
	"auction-live/internal/repository"
	"auction-live/internal/resolver"
	"auction-live/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

type stubLimiter struct {
	mu    sync.Mutex
	calls int
	allow int
	err   error
}

func (l *stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	return l.calls <= l.allow, nil
}

func newDeps(t *testing.T) Dependencies {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	repo := repository.NewMemoryRepo()
	require.NoError(t, repo.SaveAuction(ctx, model.Auction{
		AuctionID:     "a1",
		Name:          "Vase",
		SellerID:      "seller",
		StartingPrice: 10,
		StartTime:     now.Add(-time.Hour),
		EndTime:       now.Add(time.Hour),
		Status:        model.AuctionStatusLive,
	}))

	m := metrics.NewManager()
	reg := registry.New()
	r := relay.New(reg, relay.WithMetrics(m))
	svc := live.NewService(reg, r, resolver.New(repo, r), repo, m)

	return Dependencies{
		BiddingService: bidding.NewBiddingService(repo, m),
		WinnerSelector: svc,
		Metrics:        m,
	}
}

func do(router http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	deps := newDeps(t)
	router := SetupRouter(deps)

	w := do(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/bids", `{"auction_id":"a1","user_id":"u1","amount":20}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "auction_live_bids_placed_total 1")
	require.Contains(t, w.Body.String(), `route="/bids"`)
}

func TestRouter_HealthFailure(t *testing.T) {
	deps := newDeps(t)
	deps.Health = func(context.Context) error { return errors.New("db down") }
	router := SetupRouter(deps)

	w := do(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_ResolveRequiresToken(t *testing.T) {
	maker, err := token.NewJWTMaker(testSecret)
	require.NoError(t, err)

	deps := newDeps(t)
	deps.TokenMaker = maker
	router := SetupRouter(deps)

	w := do(router, http.MethodPost, "/auctions/a1/winner", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/auctions/a1/winner", "", map[string]string{"Authorization": "Basic abc"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	signed, _, err := maker.CreateToken("operator", time.Minute)
	require.NoError(t, err)
	w = do(router, http.MethodPost, "/auctions/a1/winner", "", map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"outcome":"no_bids"`)

	// reads stay public
	w = do(router, http.MethodGet, "/auctions/a1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	deps := newDeps(t)
	deps.RateLimiter = &stubLimiter{allow: 2}
	deps.RateLimitMax = 2
	deps.RateLimitWindow = time.Minute
	router := SetupRouter(deps)

	for i := 0; i < 2; i++ {
		w := do(router, http.MethodGet, "/auctions/a1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(router, http.MethodGet, "/auctions/a1", "", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "60", w.Header().Get("Retry-After"))

	// health is not limited
	w = do(router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimitFailsOpen(t *testing.T) {
	deps := newDeps(t)
	deps.RateLimiter = &stubLimiter{err: errors.New("redis down")}
	deps.RateLimitMax = 1
	deps.RateLimitWindow = time.Minute
	router := SetupRouter(deps)

	for i := 0; i < 3; i++ {
		w := do(router, http.MethodGet, "/auctions/a1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	deps := newDeps(t)
	deps.AllowedOrigins = []string{"http://localhost:5173"}
	router := SetupRouter(deps)

	w := do(router, http.MethodGet, "/auctions/a1", "", map[string]string{"Origin": "http://localhost:5173"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(router, http.MethodGet, "/auctions/a1", "", map[string]string{"Origin": "http://evil.example"})
	require.Equal(t, http.StatusForbidden, w.Code)
}
