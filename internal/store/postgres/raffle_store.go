package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// RaffleStore persists the raffle snapshot and entry ledger. It implements
// domain.RaffleStore and the raffle journal.
type RaffleStore struct {
	pool *pgxpool.Pool
}

// NewRaffleStore creates a RaffleStore backed by pool.
func NewRaffleStore(pool *pgxpool.Pool) *RaffleStore {
	return &RaffleStore{pool: pool}
}

// RecordEntry appends one ledger slot and the new pot in a single
// transaction. The snapshot row must already exist for round.
func (s *RaffleStore) RecordEntry(ctx context.Context, round uint64, slot int, participant common.Address, amount, pot *big.Int) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO raffle_entries (round, slot, participant, amount)
			VALUES ($1, $2, $3, $4::text::numeric)`
		if _, err := tx.Exec(ctx, insert, int64(round), slot, participant.Hex(), amount.String()); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		const update = `
			UPDATE raffle_state SET pot = $1::text::numeric, updated_at = NOW()
			WHERE id = 1 AND round = $2 AND state = 0`
		tag, err := tx.Exec(ctx, update, pot.String(), int64(round))
		if err != nil {
			return fmt.Errorf("update pot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("no open snapshot for round %d", round)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: record entry round=%d slot=%d: %w", round, slot, err)
	}
	return nil
}

// SaveSnapshot replaces the persisted state with snap, entries included.
func (s *RaffleStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO raffle_state (id, round, state, pot, last_timestamp, closed_at, request_id, recent_winner, updated_at)
			VALUES (1, $1, $2, $3::text::numeric, $4, $5, $6::text::numeric, $7, NOW())
			ON CONFLICT (id) DO UPDATE SET
				round = EXCLUDED.round,
				state = EXCLUDED.state,
				pot = EXCLUDED.pot,
				last_timestamp = EXCLUDED.last_timestamp,
				closed_at = EXCLUDED.closed_at,
				request_id = EXCLUDED.request_id,
				recent_winner = EXCLUDED.recent_winner,
				updated_at = NOW()`
		if _, err := tx.Exec(ctx, upsert,
			int64(snap.Round),
			int16(snap.State),
			bigString(snap.Pot),
			snap.LastTimestamp,
			nullTime(snap.ClosedAt),
			nullBig(snap.RequestID),
			winnerString(snap.RecentWinner),
		); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM raffle_entries WHERE round = $1`, int64(snap.Round)); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		if len(snap.Entrants) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i, p := range snap.Entrants {
			batch.Queue(`INSERT INTO raffle_entries (round, slot, participant, amount) VALUES ($1, $2, $3, $4::text::numeric)`,
				int64(snap.Round), i, p.Hex(), bigString(snap.Amounts[i]))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save snapshot round=%d: %w", snap.Round, err)
	}
	return nil
}

// LoadSnapshot returns the persisted state or domain.ErrNotFound.
func (s *RaffleStore) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	const query = `
		SELECT round, state, pot::text, last_timestamp, closed_at, request_id::text, recent_winner
		FROM raffle_state WHERE id = 1`

	var (
		snap      domain.Snapshot
		round     int64
		state     int16
		pot       string
		closedAt  *time.Time
		requestID *string
		winner    string
	)
	err := s.pool.QueryRow(ctx, query).Scan(&round, &state, &pot, &snap.LastTimestamp, &closedAt, &requestID, &winner)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, fmt.Errorf("postgres: load snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	snap.Round = uint64(round)
	snap.State = domain.RaffleState(state)
	if snap.Pot, err = parseBig(pot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load snapshot pot: %w", err)
	}
	if closedAt != nil {
		snap.ClosedAt = *closedAt
	}
	if requestID != nil {
		if snap.RequestID, err = parseBig(*requestID); err != nil {
			return domain.Snapshot{}, fmt.Errorf("postgres: load snapshot request id: %w", err)
		}
	}
	if winner != "" {
		snap.RecentWinner = common.HexToAddress(winner)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT participant, amount::text FROM raffle_entries WHERE round = $1 ORDER BY slot`, round)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var participant, amount string
		if err := rows.Scan(&participant, &amount); err != nil {
			return domain.Snapshot{}, fmt.Errorf("postgres: scan entry: %w", err)
		}
		a, err := parseBig(amount)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("postgres: entry amount: %w", err)
		}
		snap.Entrants = append(snap.Entrants, common.HexToAddress(participant))
		snap.Amounts = append(snap.Amounts, a)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load entries rows: %w", err)
	}
	return snap, nil
}

// EntriesOf counts the slots participant holds in round. Entries of closed
// rounds stay in the ledger, so past rounds answer too.
func (s *RaffleStore) EntriesOf(ctx context.Context, round uint64, participant common.Address) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM raffle_entries WHERE round = $1 AND participant = $2`,
		int64(round), participant.Hex(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count entries: %w", err)
	}
	return n, nil
}

// NUMERIC(78,0) columns travel as decimal text.

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func nullBig(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}

func parseBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return n, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func winnerString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

var (
	_ domain.RaffleStore = (*RaffleStore)(nil)
	_ domain.EntryLedger = (*RaffleStore)(nil)
)
