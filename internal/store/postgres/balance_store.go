package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// BalanceStore is a domain.Treasury on PostgreSQL. Every movement of funds
// runs in one transaction with the affected rows locked.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore backed by pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

var _ domain.Treasury = (*BalanceStore)(nil)

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("postgres: %w: %v", domain.ErrInvalidAmount, amount)
	}
	return nil
}

// Balance returns the free balance of addr, zero when unknown.
func (s *BalanceStore) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM balances WHERE address = $1`, addr.Hex()).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", addr.Hex(), err)
	}
	return parseBig(bal)
}

// Deposit credits addr.
func (s *BalanceStore) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	const query = `
		INSERT INTO balances (address, balance) VALUES ($1, $2::text::numeric)
		ON CONFLICT (address) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, addr.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: deposit to %s: %w", addr.Hex(), err)
	}
	return nil
}

// Collect moves amount from addr into escrow.
func (s *BalanceStore) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var bal string
		err := tx.QueryRow(ctx, `SELECT balance::text FROM balances WHERE address = $1 FOR UPDATE`, from.Hex()).Scan(&bal)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		have, err := parseBig(bal)
		if err != nil {
			return err
		}
		if have.Cmp(amount) < 0 {
			return fmt.Errorf("%w (balance %s)", domain.ErrInsufficientFunds, have)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE balances SET balance = balance - $2::text::numeric, updated_at = NOW() WHERE address = $1`,
			from.Hex(), amount.String()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE escrow SET amount = amount + $1::text::numeric WHERE id = 1`, amount.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: collect %s from %s: %w", amount, from.Hex(), err)
	}
	return nil
}

// Refund returns amount from escrow to addr.
func (s *BalanceStore) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	return s.release(ctx, to, amount, false)
}

// Transfer pays amount from escrow to addr unless addr rejects transfers.
func (s *BalanceStore) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return s.release(ctx, to, amount, true)
}

func (s *BalanceStore) release(ctx context.Context, to common.Address, amount *big.Int, honourRejection bool) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if honourRejection {
			var rejecting bool
			err := tx.QueryRow(ctx, `SELECT rejecting FROM balances WHERE address = $1`, to.Hex()).Scan(&rejecting)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if rejecting {
				return domain.ErrRecipientRejected
			}
		}
		var esc string
		if err := tx.QueryRow(ctx, `SELECT amount::text FROM escrow WHERE id = 1 FOR UPDATE`).Scan(&esc); err != nil {
			return err
		}
		held, err := parseBig(esc)
		if err != nil {
			return err
		}
		if held.Cmp(amount) < 0 {
			return fmt.Errorf("%w (escrow %s)", domain.ErrInsufficientFunds, held)
		}
		if _, err := tx.Exec(ctx, `UPDATE escrow SET amount = amount - $1::text::numeric WHERE id = 1`, amount.String()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO balances (address, balance) VALUES ($1, $2::text::numeric)
			ON CONFLICT (address) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()`,
			to.Hex(), amount.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: release %s to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

// Escrow returns the funds held for the raffle.
func (s *BalanceStore) Escrow(ctx context.Context) (*big.Int, error) {
	var esc string
	if err := s.pool.QueryRow(ctx, `SELECT amount::text FROM escrow WHERE id = 1`).Scan(&esc); err != nil {
		return nil, fmt.Errorf("postgres: escrow: %w", err)
	}
	return parseBig(esc)
}

// SetRejecting flags addr as refusing prize transfers.
func (s *BalanceStore) SetRejecting(ctx context.Context, addr common.Address, reject bool) error {
	const query = `
		INSERT INTO balances (address, rejecting) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET rejecting = EXCLUDED.rejecting, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, addr.Hex(), reject); err != nil {
		return fmt.Errorf("postgres: set rejecting %s: %w", addr.Hex(), err)
	}
	return nil
}
