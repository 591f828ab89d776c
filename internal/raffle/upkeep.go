package raffle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Reasons reported by Eligibility.
const (
	ReasonOK                 = "ok"
	ReasonIntervalNotElapsed = "interval not elapsed"
	ReasonNoEntrants         = "no entrants"
	ReasonEmptyPot           = "empty pot"
	ReasonRoundNotOpen       = "round not open"
)

// eligibleLocked is the single eligibility predicate behind both the external
// poll and the guard inside PerformUpkeep. It lists every failing condition.
func (r *Raffle) eligibleLocked() (bool, string) {
	var failed []string
	if r.clock.Now().Sub(r.st.LastTimestamp) < r.cfg.Interval {
		failed = append(failed, ReasonIntervalNotElapsed)
	}
	if len(r.st.Entrants) == 0 {
		failed = append(failed, ReasonNoEntrants)
	}
	if r.st.Pot.Sign() <= 0 {
		failed = append(failed, ReasonEmptyPot)
	}
	if r.st.State != domain.RaffleOpen {
		failed = append(failed, ReasonRoundNotOpen)
	}
	if len(failed) > 0 {
		return false, strings.Join(failed, ", ")
	}
	return true, ReasonOK
}

// Eligibility reports whether the round may be closed now and, if not, why.
func (r *Raffle) Eligibility() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligibleLocked()
}

// CheckUpkeep is the read-only poll used by triggers. checkData is ignored
// and the returned performData is always empty.
func (r *Raffle) CheckUpkeep(_ context.Context, _ []byte) (bool, []byte) {
	ok, _ := r.Eligibility()
	return ok, []byte{}
}

// PerformUpkeep closes the round and requests randomness. Eligibility is
// evaluated again here whatever the caller believes. performData is ignored.
// It returns the id of the request it issued without waiting for the answer.
func (r *Raffle) PerformUpkeep(ctx context.Context, _ []byte) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, reason := r.eligibleLocked(); !ok {
		return nil, &UpkeepNotNeededError{
			Pot:     new(big.Int).Set(r.st.Pot),
			Players: len(r.st.Entrants),
			State:   r.st.State,
			Reason:  reason,
		}
	}

	requestID, err := r.oracle.RequestRandomWords(ctx, domain.RandomnessRequest{
		KeyHash:          r.cfg.KeyHash,
		SubscriptionID:   r.cfg.SubscriptionID,
		MinConfirmations: r.cfg.RequestConfirmations,
		CallbackGasLimit: r.cfg.CallbackGasLimit,
		NumWords:         numWords,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleRequest, err)
	}
	if requestID == nil {
		return nil, fmt.Errorf("%w: oracle returned no request id", ErrOracleRequest)
	}
	requestID = new(big.Int).Set(requestID)

	next := r.st
	next.State = domain.RaffleCalculating
	next.RequestID = requestID
	next.ClosedAt = r.clock.Now()
	if err := r.saveLocked(ctx, next); err != nil {
		// The oracle request is orphaned; a fulfilment for it will be
		// rejected as unknown.
		return nil, err
	}
	r.st = next

	r.logger.InfoContext(ctx, "round closed",
		slog.Uint64("round", next.Round),
		slog.String("request_id", requestID.String()),
		slog.Int("players", len(next.Entrants)),
		slog.String("pot", next.Pot.String()),
	)
	r.emitLocked(ctx, domain.RoundClosed{
		Round:     next.Round,
		RequestID: new(big.Int).Set(requestID),
		Players:   len(next.Entrants),
		Pot:       new(big.Int).Set(next.Pot),
		At:        next.ClosedAt,
	})
	return new(big.Int).Set(requestID), nil
}
