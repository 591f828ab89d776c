package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// DrawStore implements domain.DrawStore using PostgreSQL.
type DrawStore struct {
	pool *pgxpool.Pool
}

// NewDrawStore creates a DrawStore backed by pool.
func NewDrawStore(pool *pgxpool.Pool) *DrawStore {
	return &DrawStore{pool: pool}
}

const drawColumns = `id::text, round, request_id::text, random_word::text, winner_index, winner, prize::text, entrant_count, closed_at, paid_at`

// Insert records a paid-out round. A second record for the same round
// returns domain.ErrAlreadyExists.
func (s *DrawStore) Insert(ctx context.Context, d domain.DrawRecord) error {
	const query = `
		INSERT INTO draws (id, round, request_id, random_word, winner_index, winner, prize, entrant_count, closed_at, paid_at)
		VALUES ($1::text::uuid, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7::text::numeric, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		d.ID,
		int64(d.Round),
		bigString(d.RequestID),
		bigString(d.RandomWord),
		d.WinnerIndex,
		d.Winner.Hex(),
		bigString(d.Prize),
		d.EntrantCount,
		d.ClosedAt,
		d.PaidAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("postgres: insert draw round=%d: %w", d.Round, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert draw round=%d: %w", d.Round, err)
	}
	return nil
}

// GetByRound returns the draw of round or domain.ErrNotFound.
func (s *DrawStore) GetByRound(ctx context.Context, round uint64) (domain.DrawRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+drawColumns+` FROM draws WHERE round = $1`, int64(round))
	d, err := scanDraw(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DrawRecord{}, fmt.Errorf("postgres: draw round=%d: %w", round, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DrawRecord{}, fmt.Errorf("postgres: get draw round=%d: %w", round, err)
	}
	return d, nil
}

// ListRecent returns draws, most recently paid first.
func (s *DrawStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.DrawRecord, error) {
	q := newListQuery(`SELECT ` + drawColumns + ` FROM draws WHERE 1=1`)
	q.window("paid_at", opts)
	return s.query(ctx, q)
}

// ListByWinner returns the draws won by addr, most recent first.
func (s *DrawStore) ListByWinner(ctx context.Context, addr common.Address, opts domain.ListOpts) ([]domain.DrawRecord, error) {
	q := newListQuery(`SELECT ` + drawColumns + ` FROM draws WHERE 1=1`)
	q.where("winner = $%d", addr.Hex())
	q.window("paid_at", opts)
	return s.query(ctx, q)
}

func (s *DrawStore) query(ctx context.Context, q *listQuery) ([]domain.DrawRecord, error) {
	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list draws: %w", err)
	}
	defer rows.Close()

	var out []domain.DrawRecord
	for rows.Next() {
		d, err := scanDraw(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan draw: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list draws rows: %w", err)
	}
	return out, nil
}

func scanDraw(row pgx.Row) (domain.DrawRecord, error) {
	var (
		d                      domain.DrawRecord
		round                  int64
		requestID, word, prize string
		winner                 string
	)
	if err := row.Scan(&d.ID, &round, &requestID, &word, &d.WinnerIndex, &winner, &prize, &d.EntrantCount, &d.ClosedAt, &d.PaidAt); err != nil {
		return domain.DrawRecord{}, err
	}
	d.Round = uint64(round)
	d.Winner = common.HexToAddress(winner)
	var err error
	if d.RequestID, err = parseBig(requestID); err != nil {
		return domain.DrawRecord{}, err
	}
	if d.RandomWord, err = parseBig(word); err != nil {
		return domain.DrawRecord{}, err
	}
	if d.Prize, err = parseBig(prize); err != nil {
		return domain.DrawRecord{}, err
	}
	return d, nil
}

var _ domain.DrawStore = (*DrawStore)(nil)
