// Package treasury holds participant balances and the raffle escrow for
// deployments that keep funds in process.
package treasury

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Bank is an in-memory domain.Treasury.
type Bank struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	escrow    *big.Int
	rejecting map[common.Address]bool
}

// NewBank returns an empty bank.
func NewBank() *Bank {
	return &Bank{
		balances:  make(map[common.Address]*big.Int),
		escrow:    new(big.Int),
		rejecting: make(map[common.Address]bool),
	}
}

var _ domain.Treasury = (*Bank)(nil)

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: %w: %v", domain.ErrInvalidAmount, amount)
	}
	return nil
}

func (b *Bank) balanceLocked(addr common.Address) *big.Int {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	return bal
}

// Balance returns the free balance of addr.
func (b *Bank) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(addr)), nil
}

// Deposit credits addr.
func (b *Bank) Deposit(_ context.Context, addr common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceLocked(addr)
	bal.Add(bal, amount)
	return nil
}

// Collect moves amount from addr into escrow.
func (b *Bank) Collect(_ context.Context, from common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: collect %s from %s: %w (balance %s)", amount, from.Hex(), domain.ErrInsufficientFunds, bal)
	}
	bal.Sub(bal, amount)
	b.escrow.Add(b.escrow, amount)
	return nil
}

// Refund returns amount from escrow to addr.
func (b *Bank) Refund(_ context.Context, to common.Address, amount *big.Int) error {
	return b.release(to, amount, false)
}

// Transfer pays amount out of escrow to addr. Addresses flagged with
// SetRejecting refuse the payment.
func (b *Bank) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	return b.release(to, amount, true)
}

func (b *Bank) release(to common.Address, amount *big.Int, honourRejection bool) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if honourRejection && b.rejecting[to] {
		return fmt.Errorf("treasury: transfer to %s: %w", to.Hex(), domain.ErrRecipientRejected)
	}
	if b.escrow.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: release %s: %w (escrow %s)", amount, domain.ErrInsufficientFunds, b.escrow)
	}
	b.escrow.Sub(b.escrow, amount)
	bal := b.balanceLocked(to)
	bal.Add(bal, amount)
	return nil
}

// Escrow returns the funds currently held for the raffle.
func (b *Bank) Escrow(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.escrow), nil
}

// SetRejecting makes addr refuse (or accept again) prize transfers.
func (b *Bank) SetRejecting(addr common.Address, reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reject {
		b.rejecting[addr] = true
		return
	}
	delete(b.rejecting, addr)
}
