package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"auction-live/internal/server"
	"auction-live/internal/socket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestApp is a fully wired application over the in-memory repository
type TestApp struct {
	Router *gin.Engine
	Repo   *repository.MemoryRepo
	Server *httptest.Server
}

// SetupTestApp wires the application and seeds the repo with users and auctions.
func SetupTestApp(t *testing.T, auctions ...model.Auction) *TestApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	repo := repository.NewMemoryRepo()
	for _, u := range []model.User{
		{UserID: "user1", FullName: "Alice"},
		{UserID: "user2", FullName: "Bob"},
		{UserID: "user3", FullName: "Carol"},
	} {
		require.NoError(t, repo.SaveUser(ctx, u))
	}
	for _, a := range auctions {
		require.NoError(t, repo.SaveAuction(ctx, a))
	}

	m := metrics.NewManager()
	reg := registry.New()
	rel := relay.New(reg, relay.WithMetrics(m), relay.WithSendTimeout(time.Second))
	res := resolver.New(repo, rel, resolver.WithMetrics(m))
	liveSvc := live.NewService(reg, rel, res, repo, m)
	hub := socket.NewHub(liveSvc)

	router := server.SetupRouter(server.Dependencies{
		BiddingService: bidding.NewBiddingService(repo, m),
		WinnerSelector: liveSvc,
		Hub:            hub,
		Metrics:        m,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		srv.Close()
	})

	return &TestApp{Router: router, Repo: repo, Server: srv}
}

// LiveAuction returns a live auction open for the next hour
func LiveAuction(id string, startingPrice int64) model.Auction {
	now := time.Now().UTC()
	return model.Auction{
		AuctionID:     id,
		Name:          "Auction " + id,
		SellerID:      "seller",
		StartingPrice: startingPrice,
		StartTime:     now.Add(-time.Hour),
		EndTime:       now.Add(time.Hour),
		Status:        model.AuctionStatusLive,
	}
}

// ExecuteRequestAndParse executes an HTTP request on the given router and parses the response
func ExecuteRequestAndParse(t *testing.T, router *gin.Engine, method, url string, body any) (map[string]any, *httptest.ResponseRecorder) {
	var reqBody []byte
	var err error

	switch v := body.(type) {
	case nil:
	case string:
		reqBody = []byte(v)
	default:
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}

	return resp, w
}

// Dial opens a websocket to the app and joins as userID
func (a *TestApp) Dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.Server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })

	Emit(t, conn, live.EventJoin, userID)
	Await(t, conn, socket.EventJoined)
	return conn
}

// Emit sends an inbound event
func Emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// Await reads frames until event arrives and returns its data
func Await(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var env socket.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env.Data
		}
	}
	t.Fatalf("event %s not received", event)
	return nil
}
