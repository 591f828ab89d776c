package raffle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// FulfillRandomWords consumes the oracle's answer to the outstanding request:
// it selects the winner, pays out the whole pot and re-opens entry. A request
// id other than the outstanding one is rejected without touching state, which
// also rejects replays of an already-consumed id.
//
// If the payout fails the round stays CALCULATING with the same outstanding
// request and the full pot, so the fulfilment can be retried. A journal
// failure after a successful payout is returned wrapping ErrJournal with the
// new round already in effect.
func (r *Raffle) FulfillRandomWords(ctx context.Context, requestID *big.Int, words []*big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestID == nil || r.st.RequestID == nil || requestID.Cmp(r.st.RequestID) != 0 {
		e := &UnknownRequestError{Got: new(big.Int)}
		if requestID != nil {
			e.Got.Set(requestID)
		}
		if r.st.RequestID != nil {
			e.Want = new(big.Int).Set(r.st.RequestID)
		}
		r.logger.WarnContext(ctx, "rejected fulfilment",
			slog.String("request_id", e.Got.String()),
			slog.Bool("outstanding", e.Want != nil),
		)
		return e
	}
	if len(words) == 0 || words[0] == nil {
		return fmt.Errorf("%w: no random words", ErrInvalidRandomness)
	}
	word := words[0]
	if word.Sign() < 0 || word.BitLen() > 256 {
		return fmt.Errorf("%w: word is not a 256-bit unsigned integer", ErrInvalidRandomness)
	}

	prev := r.st
	idx := WinnerIndex(word, len(prev.Entrants))
	winner := prev.Entrants[idx]
	prize := new(big.Int).Set(prev.Pot)

	// The journal keeps the CALCULATING round until the prize has left
	// escrow, so a crash mid-payout restores a round that still owns its pot.
	if err := r.payer.Transfer(ctx, winner, prize); err != nil {
		tf := &TransferFailedError{Winner: winner, Amount: prize, Err: err}
		r.logger.ErrorContext(ctx, "prize transfer failed",
			slog.Uint64("round", prev.Round),
			slog.String("winner", winner.Hex()),
			slog.String("prize", prize.String()),
			slog.String("error", err.Error()),
		)
		return tf
	}

	// The payout is final, so the reset commits in memory even when the
	// journal write fails. A restart then restores CALCULATING over a drained
	// escrow and a replayed payout fails instead of paying twice.
	next := r.resetSnapshot(winner)
	jerr := r.saveLocked(ctx, next)
	r.st = next
	if jerr != nil {
		r.logger.ErrorContext(ctx, "payout not journalled",
			slog.Uint64("round", prev.Round),
			slog.String("winner", winner.Hex()),
			slog.String("error", jerr.Error()),
		)
	}

	r.logger.InfoContext(ctx, "winner picked",
		slog.Uint64("round", prev.Round),
		slog.String("winner", winner.Hex()),
		slog.String("prize", prize.String()),
		slog.Int("winner_index", idx),
		slog.Int("players", len(prev.Entrants)),
	)
	r.emitLocked(ctx, domain.WinnerPicked{
		Round:       prev.Round,
		Winner:      winner,
		Prize:       prize,
		RequestID:   new(big.Int).Set(prev.RequestID),
		RandomWord:  new(big.Int).Set(word),
		WinnerIndex: idx,
		Players:     len(prev.Entrants),
		ClosedAt:    prev.ClosedAt,
		At:          next.LastTimestamp,
	})
	return jerr
}

// RawFulfillRandomWords lets a Raffle act as a coordinator consumer.
func (r *Raffle) RawFulfillRandomWords(ctx context.Context, requestID *big.Int, words []*big.Int) error {
	return r.FulfillRandomWords(ctx, requestID, words)
}
