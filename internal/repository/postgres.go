package repository

import (
	"auction-live/internal/auctionerrors"
	model "auction-live/internal/models"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// PostgresRepo implements AuctionDB on PostgreSQL via pgx
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo opens a pool for dsn and verifies connectivity
func NewPostgresRepo(ctx context.Context, dsn string, maxConns int) (*PostgresRepo, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresRepo{pool: pool}, nil
}

// Ping checks that the database is reachable
func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close shuts down the connection pool
func (r *PostgresRepo) Close() {
	r.pool.Close()
}

// RunMigrations applies the embedded SQL files in lexicographic order, once each
func (r *PostgresRepo) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := r.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := r.applyMigration(ctx, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepo) applyMigration(ctx context.Context, name string) error {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check migration %s: %w", name, err)
	}
	if exists {
		return nil
	}

	data, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("postgres: read migration %s: %w", name, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx for %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return fmt.Errorf("postgres: exec migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
		return fmt.Errorf("postgres: record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit migration %s: %w", name, err)
	}
	return nil
}

const auctionSelectCols = `id, name, seller_id, starting_price, start_time, end_time, status, winning_bid_id`

func scanAuction(row pgx.Row) (model.Auction, error) {
	var a model.Auction
	var status string
	if err := row.Scan(&a.AuctionID, &a.Name, &a.SellerID, &a.StartingPrice,
		&a.StartTime, &a.EndTime, &status, &a.WinningBidID); err != nil {
		return model.Auction{}, err
	}
	a.Status = model.AuctionStatus(status)
	return a, nil
}

const bidSelectCols = `id, auction_id, bidder_id, amount, placed_at`

func scanBid(row pgx.Row) (model.Bid, error) {
	var b model.Bid
	err := row.Scan(&b.BidID, &b.AuctionID, &b.BidderID, &b.Amount, &b.PlacedAt)
	return b, err
}

// FindAuctionByID loads one auction
func (r *PostgresRepo) FindAuctionByID(ctx context.Context, auctionID string) (model.Auction, error) {
	a, err := scanAuction(r.pool.QueryRow(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions WHERE id = $1`, auctionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("postgres: find auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, fmt.Errorf("postgres: find auction %s: %w", auctionID, err)
	}
	return a, nil
}

// FindBidByID loads one bid
func (r *PostgresRepo) FindBidByID(ctx context.Context, bidID string) (model.Bid, error) {
	b, err := scanBid(r.pool.QueryRow(ctx, `SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, bidID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bid{}, fmt.Errorf("postgres: find bid %s: %w", bidID, auctionerrors.ErrBidNotFound)
	}
	if err != nil {
		return model.Bid{}, fmt.Errorf("postgres: find bid %s: %w", bidID, err)
	}
	return b, nil
}

// FindUserByID loads one user
func (r *PostgresRepo) FindUserByID(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, full_name, email, phone, profile_picture FROM users WHERE id = $1`, userID,
	).Scan(&u.UserID, &u.FullName, &u.Email, &u.Phone, &u.ProfilePicture)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("postgres: find user %s: %w", userID, auctionerrors.ErrUserNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("postgres: find user %s: %w", userID, err)
	}
	return u, nil
}

// FindBidsByAuction lists the bids of an auction by placement time
func (r *PostgresRepo) FindBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := r.FindAuctionByID(ctx, auctionID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE auction_id = $1 ORDER BY placed_at ASC, id ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: find bids for auction %s: %w", auctionID, err)
	}
	defer rows.Close()

	bids := []model.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate bids for auction %s: %w", auctionID, err)
	}
	return bids, nil
}

// FindAuctionsByBidder lists the auctions a user has bid on
func (r *PostgresRepo) FindAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+auctionSelectCols+` FROM auctions
		WHERE id IN (SELECT DISTINCT auction_id FROM bids WHERE bidder_id = $1)
		ORDER BY start_time ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: find auctions for user %s: %w", userID, err)
	}
	auctions, err := collectAuctions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: find auctions for user %s: %w", userID, err)
	}
	if len(auctions) == 0 {
		return nil, fmt.Errorf("postgres: find auctions for user %s: %w", userID, auctionerrors.ErrUserNoBids)
	}
	return auctions, nil
}

// FindDueAuctions lists auctions in status whose start (upcoming) or end (live) time has passed
func (r *PostgresRepo) FindDueAuctions(ctx context.Context, status model.AuctionStatus, now time.Time) ([]model.Auction, error) {
	var column string
	switch status {
	case model.AuctionStatusUpcoming:
		column = "start_time"
	case model.AuctionStatusLive:
		column = "end_time"
	default:
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+auctionSelectCols+` FROM auctions WHERE status = $1 AND `+column+` <= $2 ORDER BY id`,
		string(status), now)
	if err != nil {
		return nil, fmt.Errorf("postgres: find due %s auctions: %w", status, err)
	}
	auctions, err := collectAuctions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: find due %s auctions: %w", status, err)
	}
	return auctions, nil
}

func collectAuctions(rows pgx.Rows) ([]model.Auction, error) {
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

// SaveAuction upserts an auction. Status changes must move forward in the lifecycle
// and a winning bid must belong to the auction.
func (r *PostgresRepo) SaveAuction(ctx context.Context, a model.Auction) error {
	if err := ValidateAuction(a); err != nil {
		return fmt.Errorf("postgres: save auction: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO auctions (id, name, seller_id, starting_price, start_time, end_time, status, winning_bid_id)
		SELECT $1::text, $2::text, $3::text, $4::bigint, $5::timestamptz, $6::timestamptz, $7::text, $8::text
		WHERE $8::text IS NULL
		   OR EXISTS (SELECT 1 FROM bids WHERE id = $8::text AND auction_id = $1::text)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			starting_price = EXCLUDED.starting_price,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			winning_bid_id = EXCLUDED.winning_bid_id,
			updated_at = NOW()
		WHERE auctions.status = EXCLUDED.status
		   OR (auctions.status = 'upcoming' AND EXCLUDED.status IN ('live', 'ended', 'cancelled'))
		   OR (auctions.status = 'live' AND EXCLUDED.status IN ('ended', 'cancelled'))`,
		a.AuctionID, a.Name, a.SellerID, a.StartingPrice, a.StartTime, a.EndTime, string(a.Status), a.WinningBidID)
	if err != nil {
		return fmt.Errorf("postgres: save auction %s: %w", a.AuctionID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if a.WinningBidID != nil {
		b, err := r.FindBidByID(ctx, *a.WinningBidID)
		if err != nil || b.AuctionID != a.AuctionID {
			return fmt.Errorf("postgres: save auction %s: winning bid %s: %w", a.AuctionID, *a.WinningBidID, auctionerrors.ErrBidNotFound)
		}
	}
	return fmt.Errorf("postgres: save auction %s: %w", a.AuctionID, auctionerrors.ErrInvalidStatus)
}

// SaveUser upserts a user
func (r *PostgresRepo) SaveUser(ctx context.Context, u model.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, full_name, email, phone, profile_picture)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			profile_picture = EXCLUDED.profile_picture`,
		u.UserID, u.FullName, u.Email, u.Phone, u.ProfilePicture)
	if err != nil {
		return fmt.Errorf("postgres: save user %s: %w", u.UserID, err)
	}
	return nil
}

// RecordBid inserts a bid while its auction is live and not past its end time.
// The auction row is share-locked so the insert cannot interleave with EndAuction.
func (r *PostgresRepo) RecordBid(ctx context.Context, b model.Bid) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at)
		SELECT $1::text, a.id, $3::text, $4::bigint, $5::timestamptz
		FROM auctions a
		WHERE a.id = $2 AND a.status = 'live' AND a.end_time > $5::timestamptz
		FOR SHARE OF a`,
		b.BidID, b.AuctionID, b.BidderID, b.Amount, b.PlacedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: record bid for auction %s: %w", b.AuctionID, auctionerrors.ErrDuplicateBid)
		}
		return fmt.Errorf("postgres: record bid for auction %s: %w", b.AuctionID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	a, err := r.FindAuctionByID(ctx, b.AuctionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("postgres: record bid for auction %s: status %s: %w", b.AuctionID, a.Status, auctionerrors.ErrAuctionNotLive)
}

// EndAuction locks the auction row, checks that the winner is still the top bid
// and sets status and winner in the same transaction.
func (r *PostgresRepo) EndAuction(ctx context.Context, auctionID, winningBidID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM auctions WHERE id = $1 FOR UPDATE`, auctionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: end auction %s: %w", auctionID, auctionerrors.ErrAuctionNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: end auction %s: %w", auctionID, err)
		}
		if model.AuctionStatus(status).Terminal() {
			return fmt.Errorf("postgres: end auction %s: status %s: %w", auctionID, status, auctionerrors.ErrAlreadyResolved)
		}

		winner, err := scanBid(tx.QueryRow(ctx,
			`SELECT `+bidSelectCols+` FROM bids WHERE id = $1 AND auction_id = $2`, winningBidID, auctionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: end auction %s: winning bid %s: %w", auctionID, winningBidID, auctionerrors.ErrBidNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: end auction %s: %w", auctionID, err)
		}

		// same order as the in-memory store: amount desc, placed_at asc, id asc
		var outbid bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM bids
				WHERE auction_id = $1
				  AND (amount > $2
				   OR (amount = $2 AND placed_at < $3)
				   OR (amount = $2 AND placed_at = $3 AND id COLLATE "C" < $4)))`,
			auctionID, winner.Amount, winner.PlacedAt, winner.BidID).Scan(&outbid)
		if err != nil {
			return fmt.Errorf("postgres: end auction %s: %w", auctionID, err)
		}
		if outbid {
			return fmt.Errorf("postgres: end auction %s: winning bid %s: %w", auctionID, winningBidID, auctionerrors.ErrOutbid)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE auctions SET status = 'ended', winning_bid_id = $2, updated_at = NOW() WHERE id = $1`,
			auctionID, winningBidID); err != nil {
			return fmt.Errorf("postgres: end auction %s: %w", auctionID, err)
		}
		return nil
	})
}

// TransitionStatus is a conditional update from one status to the next
func (r *PostgresRepo) TransitionStatus(ctx context.Context, auctionID string, from, to model.AuctionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("postgres: transition auction %s: %s -> %s: %w", auctionID, from, to, auctionerrors.ErrInvalidStatus)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE auctions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		auctionID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition auction %s: %w", auctionID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindAuctionByID(ctx, auctionID); err != nil {
			return err
		}
		return fmt.Errorf("postgres: transition auction %s: not in status %s: %w", auctionID, from, auctionerrors.ErrInvalidStatus)
	}
	return nil
}

var _ AuctionDB = (*PostgresRepo)(nil)
var _ AuctionDB = (*MemoryRepo)(nil)
