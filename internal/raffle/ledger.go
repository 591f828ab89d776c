package raffle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Enter adds participant to the current round. The full payment joins the
// pot; paying more than the fee buys a single slot all the same. The same
// address may enter any number of times, each entry being its own slot.
func (r *Raffle) Enter(ctx context.Context, participant common.Address, payment *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if payment == nil || payment.Cmp(r.cfg.EntranceFee) < 0 {
		paid := new(big.Int)
		if payment != nil {
			paid.Set(payment)
		}
		return &InsufficientPaymentError{Paid: paid, Fee: new(big.Int).Set(r.cfg.EntranceFee)}
	}
	if r.st.State != domain.RaffleOpen {
		return fmt.Errorf("%w: state is %s", ErrRoundNotOpen, r.st.State)
	}
	if participant == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidParticipant)
	}

	amount := new(big.Int).Set(payment)
	pot := new(big.Int).Add(r.st.Pot, amount)
	slot := len(r.st.Entrants)

	if r.journal != nil {
		if err := r.journal.RecordEntry(ctx, r.st.Round, slot, participant, amount, pot); err != nil {
			return fmt.Errorf("%w: %w", ErrJournal, err)
		}
	}

	r.st.Entrants = append(r.st.Entrants, participant)
	r.st.Amounts = append(r.st.Amounts, amount)
	r.st.Pot = pot

	r.logger.DebugContext(ctx, "entry accepted",
		slog.Uint64("round", r.st.Round),
		slog.String("participant", participant.Hex()),
		slog.String("amount", amount.String()),
		slog.Int("slot", slot),
	)
	r.emitLocked(ctx, domain.Entered{
		Round:       r.st.Round,
		Participant: participant,
		Amount:      new(big.Int).Set(amount),
		Slot:        slot,
		At:          r.clock.Now(),
	})
	return nil
}

// resetSnapshot builds the state of the round following a payout to winner.
func (r *Raffle) resetSnapshot(winner common.Address) domain.Snapshot {
	return domain.Snapshot{
		Round:         r.st.Round + 1,
		State:         domain.RaffleOpen,
		Pot:           new(big.Int),
		LastTimestamp: r.clock.Now(),
		RecentWinner:  winner,
	}
}
