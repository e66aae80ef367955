package resolver

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"auction-live/internal/auctionerrors"
	model "auction-live/internal/models"
	"auction-live/internal/relay"
	"auction-live/internal/repository"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

// fakeBroadcaster records every broadcast
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
	loads  []any
	onSend func()
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, event string, payload any) relay.Report {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.loads = append(f.loads, payload)
	return relay.Report{}
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func scenarioBids() []model.Bid {
	return []model.Bid{
		{BidID: "bid-a", AuctionID: "X", BidderID: "A", Amount: 100, PlacedAt: t0},
		{BidID: "bid-b", AuctionID: "X", BidderID: "B", Amount: 150, PlacedAt: t0.Add(time.Minute)},
		{BidID: "bid-c", AuctionID: "X", BidderID: "C", Amount: 150, PlacedAt: t0},
	}
}

func liveAuction(id string) model.Auction {
	return model.Auction{
		AuctionID:     id,
		Name:          "Vase",
		SellerID:      "seller",
		StartingPrice: 10,
		StartTime:     t0.Add(-time.Hour),
		EndTime:       t0.Add(time.Hour),
		Status:        model.AuctionStatusLive,
	}
}

func TestSelectWinner(t *testing.T) {
	winner, ok := SelectWinner(scenarioBids())
	require.True(t, ok)
	require.Equal(t, "bid-c", winner.BidID)

	_, ok = SelectWinner(nil)
	require.False(t, ok)
}

func TestSelectWinner_StableUnderPermutation(t *testing.T) {
	bids := append(scenarioBids(),
		model.Bid{BidID: "bid-d", AuctionID: "X", BidderID: "D", Amount: 150, PlacedAt: t0},
	)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		shuffled := append([]model.Bid(nil), bids...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		winner, ok := SelectWinner(shuffled)
		require.True(t, ok)
		require.Equal(t, "bid-c", winner.BidID, "same amount and time falls back to bid ID")
	}
}

func TestSelectWinner_DoesNotReorderInput(t *testing.T) {
	bids := scenarioBids()
	_, _ = SelectWinner(bids)
	require.Equal(t, "bid-a", bids[0].BidID)
}

func TestResolve_SelectsAndPersistsWinner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil)
	mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(nil)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "C").Return(model.User{UserID: "C", FullName: "Carol"}, nil)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, res.Outcome)
	require.NotNil(t, res.Winner)
	require.Equal(t, "bid-c", res.Winner.BidID)
	require.Equal(t, "Carol", res.Winner.Bidder.FullName)

	require.Equal(t, []string{relay.EventWinnerSelected}, bc.events)
	require.Equal(t, *res.Winner, bc.loads[0])
}

func TestResolve_NoBids(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return([]model.Bid{}, nil)
	// no EndAuction call expected

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoBids, res.Outcome)
	require.Nil(t, res.Winner)
	require.Equal(t, []string{relay.EventWinnerSelected}, bc.events)
	require.Nil(t, bc.loads[0])
}

func TestResolve_AuctionNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "missing").Return(model.Auction{}, auctionerrors.ErrAuctionNotFound)

	_, err := r.Resolve(ctx, "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, auctionerrors.ErrNotFound))
	require.Zero(t, bc.count())
}

func TestResolve_EmptyID(t *testing.T) {
	r := New(repository.NewMemoryRepo(), &fakeBroadcaster{})
	_, err := r.Resolve(context.Background(), "")
	require.True(t, errors.Is(err, auctionerrors.ErrInvalidAuction))
}

func TestResolve_AlreadyEndedReturnsStoredWinner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	ended := liveAuction("X")
	ended.Status = model.AuctionStatusEnded
	winningID := "bid-b"
	ended.WinningBidID = &winningID

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(ended, nil)
	mockDB.EXPECT().FindBidByID(gomock.Any(), "bid-b").Return(scenarioBids()[1], nil)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "B").Return(model.User{UserID: "B", FullName: "Bob"}, nil)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyResolved, res.Outcome)
	require.Equal(t, "bid-b", res.Winner.BidID)
	require.Zero(t, bc.count())
}

func TestResolve_CancelledAuction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	r := New(mockDB, &fakeBroadcaster{})

	cancelled := liveAuction("X")
	cancelled.Status = model.AuctionStatusCancelled
	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(cancelled, nil)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyResolved, res.Outcome)
	require.Nil(t, res.Winner)
}

func TestResolve_RetriesTransientFailureOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc, WithRetryDelay(0))

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil)
	gomock.InOrder(
		mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(errors.New("connection reset")),
		mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(nil),
	)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "C").Return(model.User{UserID: "C"}, nil)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, res.Outcome)
	require.Equal(t, 1, bc.count())
}

func TestResolve_SurfacesPersistentFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc, WithRetryDelay(0))

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil)
	mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(errors.New("connection reset")).Times(2)

	_, err := r.Resolve(ctx, "X")
	require.Error(t, err)
	require.True(t, errors.Is(err, auctionerrors.ErrPersistence))
	require.Zero(t, bc.count())
}

func TestResolve_LostRaceReportsStoredWinner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	ended := liveAuction("X")
	ended.Status = model.AuctionStatusEnded
	winningID := "bid-c"
	ended.WinningBidID = &winningID

	gomock.InOrder(
		mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil),
		mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(ended, nil),
	)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil)
	mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(auctionerrors.ErrAlreadyResolved)
	mockDB.EXPECT().FindBidByID(gomock.Any(), "bid-c").Return(scenarioBids()[2], nil)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "C").Return(model.User{UserID: "C"}, nil)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyResolved, res.Outcome)
	require.Equal(t, "bid-c", res.Winner.BidID)
	require.Zero(t, bc.count())
}

func TestResolve_MissingProfileStillBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil)
	mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(nil)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "C").Return(model.User{}, auctionerrors.ErrUserNotFound)

	res, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Empty(t, res.Winner.Bidder.FullName)
	require.Equal(t, 1, bc.count())
}

func seedRepo(t *testing.T) *repository.MemoryRepo {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepo()
	require.NoError(t, repo.SaveAuction(ctx, liveAuction("X")))
	for _, u := range []string{"A", "B", "C"} {
		require.NoError(t, repo.SaveUser(ctx, model.User{UserID: u, FullName: "User " + u}))
	}
	for _, b := range scenarioBids() {
		require.NoError(t, repo.RecordBid(ctx, b))
	}
	return repo
}

func TestResolve_IdempotentAgainstMemoryRepo(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	bc := &fakeBroadcaster{}
	r := New(repo, bc)

	first, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, first.Outcome)

	second, err := r.Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyResolved, second.Outcome)
	require.Equal(t, first.Winner.BidID, second.Winner.BidID)
	require.Equal(t, 1, bc.count())

	stored, err := repo.FindAuctionByID(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, model.AuctionStatusEnded, stored.Status)
	require.Equal(t, "bid-c", *stored.WinningBidID)
}

func TestResolve_ConcurrentCallsBroadcastOnce(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)
	bc := &fakeBroadcaster{}
	r := New(repo, bc)

	const callers = 20
	var wg sync.WaitGroup
	winners := make(chan string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(ctx, "X")
			if err != nil || res.Winner == nil {
				winners <- "failed"
				return
			}
			winners <- res.Winner.BidID
		}()
	}
	wg.Wait()
	close(winners)

	for id := range winners {
		require.Equal(t, "bid-c", id)
	}
	require.Equal(t, 1, bc.count())
}

// stubLocker fails every acquire after the first until released
type stubLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *stubLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, auctionerrors.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func TestResolve_LockHeldElsewhere(t *testing.T) {
	repo := seedRepo(t)
	locker := &stubLocker{held: map[string]bool{"auction:resolve:X": true}}
	r := New(repo, &fakeBroadcaster{}, WithLocker(locker, time.Second))

	_, err := r.Resolve(context.Background(), "X")
	require.True(t, errors.Is(err, auctionerrors.ErrLockHeld))

	delete(locker.held, "auction:resolve:X")
	res, err := r.Resolve(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, res.Outcome)
	require.Empty(t, locker.held)
}

func (l *stubLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

func TestResolve_LockReleasedBeforeBroadcast(t *testing.T) {
	repo := seedRepo(t)
	locker := &stubLocker{held: map[string]bool{}}
	heldDuringSend := true
	bc := &fakeBroadcaster{}
	bc.onSend = func() { heldDuringSend = locker.isHeld("auction:resolve:X") }
	r := New(repo, bc, WithLocker(locker, time.Second))

	res, err := r.Resolve(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, res.Outcome)
	require.Equal(t, 1, bc.count())
	require.False(t, heldDuringSend)
	require.Empty(t, locker.held)
}

func TestResolve_ReadFailuresArePersistenceErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *repository.MockAuctionDB)
	}{
		{
			name: "find auction",
			setup: func(m *repository.MockAuctionDB) {
				m.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(model.Auction{}, errors.New("connection refused"))
			},
		},
		{
			name: "find bids",
			setup: func(m *repository.MockAuctionDB) {
				m.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
				m.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(nil, errors.New("connection refused"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockDB := repository.NewMockAuctionDB(ctrl)
			bc := &fakeBroadcaster{}
			tt.setup(mockDB)

			_, err := New(mockDB, bc).Resolve(context.Background(), "X")
			require.True(t, errors.Is(err, auctionerrors.ErrPersistence))
			require.Zero(t, bc.count())
		})
	}
}

func TestResolve_ReselectsWhenWinnerOutbid(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDB := repository.NewMockAuctionDB(ctrl)
	bc := &fakeBroadcaster{}
	r := New(mockDB, bc)

	late := model.Bid{BidID: "bid-d", AuctionID: "X", BidderID: "D", Amount: 200, PlacedAt: t0.Add(2 * time.Minute)}

	mockDB.EXPECT().FindAuctionByID(gomock.Any(), "X").Return(liveAuction("X"), nil)
	gomock.InOrder(
		mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(scenarioBids(), nil),
		mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-c").Return(auctionerrors.ErrOutbid),
		mockDB.EXPECT().FindBidsByAuction(gomock.Any(), "X").Return(append(scenarioBids(), late), nil),
		mockDB.EXPECT().EndAuction(gomock.Any(), "X", "bid-d").Return(nil),
	)
	mockDB.EXPECT().FindUserByID(gomock.Any(), "D").Return(model.User{UserID: "D", FullName: "Dan"}, nil)

	res, err := r.Resolve(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, "bid-d", res.Winner.BidID)
	require.Equal(t, 1, bc.count())
}

// lateBidStore records a higher bid right after the resolver has read the bid list
type lateBidStore struct {
	*repository.MemoryRepo
	once sync.Once
	late model.Bid
}

func (s *lateBidStore) FindBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	bids, err := s.MemoryRepo.FindBidsByAuction(ctx, auctionID)
	s.once.Do(func() {
		if rerr := s.MemoryRepo.RecordBid(ctx, s.late); rerr != nil {
			panic(rerr)
		}
	})
	return bids, err
}

func TestResolve_BidLandingDuringResolutionWins(t *testing.T) {
	ctx := context.Background()
	store := &lateBidStore{
		MemoryRepo: seedRepo(t),
		late:       model.Bid{BidID: "bid-z", AuctionID: "X", BidderID: "A", Amount: 500, PlacedAt: t0.Add(5 * time.Minute)},
	}
	bc := &fakeBroadcaster{}

	res, err := New(store, bc).Resolve(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, res.Outcome)
	require.Equal(t, "bid-z", res.Winner.BidID)

	stored, err := store.FindAuctionByID(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, "bid-z", *stored.WinningBidID)
}

// gatedStore blocks the first auction lookup until the gate opens, honouring ctx
type gatedStore struct {
	*repository.MemoryRepo
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedStore) FindAuctionByID(ctx context.Context, auctionID string) (model.Auction, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		select {
		case <-s.gate:
		case <-ctx.Done():
			return model.Auction{}, ctx.Err()
		}
	}
	return s.MemoryRepo.FindAuctionByID(ctx, auctionID)
}

func TestResolve_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{MemoryRepo: seedRepo(t), entered: make(chan struct{}), gate: make(chan struct{})}
	bc := &fakeBroadcaster{}
	r := New(store, bc)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "X")
		errA <- err
	}()
	<-store.entered

	type outcome struct {
		res Result
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(context.Background(), "X")
		resB <- outcome{res, err}
	}()

	cancelA()
	require.True(t, errors.Is(<-errA, context.Canceled))

	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	b := <-resB
	require.NoError(t, b.err)
	require.NotNil(t, b.res.Winner)
	require.Equal(t, "bid-c", b.res.Winner.BidID)
	require.Equal(t, 1, bc.count())
}
