package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/raffle"
)

// ErrUnauthorizedFulfiller is returned when a fulfilment is not signed by the
// configured coordinator.
var ErrUnauthorizedFulfiller = errors.New("fulfilment not signed by coordinator")

// RaffleService puts the raffle core behind the host treasury: an entry is
// paid for by moving the fee into escrow, and the winner is paid from it.
type RaffleService struct {
	core     *raffle.Raffle
	treasury domain.Treasury
	audit    domain.AuditStore
	entries  domain.EntryLedger
	notifier EventNotifier
	logger   *slog.Logger

	// alerted is the round/request of the last recorded payout failure;
	// retries of the same fulfilment are not recorded again.
	mu      sync.Mutex
	alerted string
}

// EventNotifier delivers operator alerts; *notify.Notifier implements it.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyEvent(ctx context.Context, ev domain.RaffleEvent) error
}

// NewRaffleService creates a RaffleService. audit and notifier may be nil.
func NewRaffleService(core *raffle.Raffle, treasury domain.Treasury, audit domain.AuditStore, notifier EventNotifier, logger *slog.Logger) *RaffleService {
	return &RaffleService{
		core:     core,
		treasury: treasury,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "raffle_service")),
	}
}

// WithEntryLedger lets Entries answer for closed rounds.
func (s *RaffleService) WithEntryLedger(l domain.EntryLedger) *RaffleService {
	s.entries = l
	return s
}

// Core returns the underlying raffle.
func (s *RaffleService) Core() *raffle.Raffle {
	return s.core
}

// Enter collects amount from participant into escrow and enters them. When
// the raffle refuses the entry the collected amount is refunded.
func (s *RaffleService) Enter(ctx context.Context, participant common.Address, amount *big.Int) error {
	// Entries the raffle always refuses are rejected before any funds move,
	// so the caller sees the raffle's error rather than a funding one.
	if amount == nil || amount.Cmp(s.core.EntranceFee()) < 0 || participant == (common.Address{}) {
		return s.core.Enter(ctx, participant, amount)
	}
	if err := s.treasury.Collect(ctx, participant, amount); err != nil {
		return fmt.Errorf("raffle_service: collect entry: %w", err)
	}
	if err := s.core.Enter(ctx, participant, amount); err != nil {
		if rerr := s.treasury.Refund(ctx, participant, amount); rerr != nil {
			s.logger.ErrorContext(ctx, "raffle_service: refund failed",
				slog.String("participant", participant.Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", rerr.Error()),
			)
			return errors.Join(err, fmt.Errorf("raffle_service: refund: %w", rerr))
		}
		return err
	}
	return nil
}

// PerformUpkeep closes the round if it is eligible.
func (s *RaffleService) PerformUpkeep(ctx context.Context, performData []byte) (*big.Int, error) {
	return s.core.PerformUpkeep(ctx, performData)
}

// CheckUpkeep reports whether the round may close.
func (s *RaffleService) CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte) {
	return s.core.CheckUpkeep(ctx, checkData)
}

// RawFulfillRandomWords forwards a fulfilment to the raffle and records
// failed payouts. It makes the service usable as a coordinator consumer.
func (s *RaffleService) RawFulfillRandomWords(ctx context.Context, requestID *big.Int, words []*big.Int) error {
	err := s.core.FulfillRandomWords(ctx, requestID, words)
	var tf *raffle.TransferFailedError
	if errors.As(err, &tf) {
		s.recordTransferFailure(ctx, requestID, tf)
	}
	return err
}

// FulfillSigned verifies that sig was produced by the configured coordinator
// before forwarding the fulfilment.
func (s *RaffleService) FulfillSigned(ctx context.Context, requestID *big.Int, words []*big.Int, sig string) error {
	signer, err := crypto.RecoverFulfiller(requestID, words, sig)
	if errors.Is(err, crypto.ErrOutOfRange) {
		return fmt.Errorf("raffle_service: %w: %w", raffle.ErrInvalidRandomness, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedFulfiller, err)
	}
	if want := s.core.Config().Coordinator; signer != want {
		s.logger.WarnContext(ctx, "raffle_service: fulfilment from unexpected signer",
			slog.String("signer", signer.Hex()),
			slog.String("coordinator", want.Hex()),
		)
		return fmt.Errorf("%w: signed by %s", ErrUnauthorizedFulfiller, signer.Hex())
	}
	return s.RawFulfillRandomWords(ctx, requestID, words)
}

func (s *RaffleService) recordTransferFailure(ctx context.Context, requestID *big.Int, tf *raffle.TransferFailedError) {
	round := s.core.Round()
	key := fmt.Sprintf("%d/%s", round, requestID)
	s.mu.Lock()
	repeat := key == s.alerted
	s.alerted = key
	s.mu.Unlock()
	if repeat {
		s.logger.DebugContext(ctx, "raffle_service: payout still failing",
			slog.Uint64("round", round),
			slog.String("request_id", dec(requestID)),
		)
		return
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, domain.EventTransferFailed, map[string]any{
			"round":      round,
			"request_id": dec(requestID),
			"winner":     tf.Winner.Hex(),
			"amount":     dec(tf.Amount),
			"error":      tf.Err.Error(),
		}); err != nil {
			s.logger.WarnContext(ctx, "raffle_service: audit log failed", slog.String("error", err.Error()))
		}
	}
	if s.notifier != nil {
		title := fmt.Sprintf("Round %d payout failed", round)
		msg := fmt.Sprintf("transfer of %s ETH to %s failed: %v; round stays CALCULATING",
			domain.FormatEther(tf.Amount), tf.Winner.Hex(), tf.Err)
		if err := s.notifier.Notify(ctx, domain.EventTransferFailed, title, msg); err != nil {
			s.logger.WarnContext(ctx, "raffle_service: notify failed", slog.String("error", err.Error()))
		}
	}
}

// Deposit credits addr in the treasury; the dev faucet.
func (s *RaffleService) Deposit(ctx context.Context, addr common.Address, amount *big.Int) error {
	if err := s.treasury.Deposit(ctx, addr, amount); err != nil {
		return fmt.Errorf("raffle_service: deposit: %w", err)
	}
	return nil
}

// Balance returns the free treasury balance of addr.
func (s *RaffleService) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return s.treasury.Balance(ctx, addr)
}

// Entries counts the slots addr holds in round; round 0 means the current
// one. The current round is answered from memory, closed rounds from the
// entry ledger.
func (s *RaffleService) Entries(ctx context.Context, addr common.Address, round uint64) (uint64, int, error) {
	snap := s.core.Snapshot()
	if round == 0 || round == snap.Round {
		n := 0
		for _, p := range snap.Entrants {
			if p == addr {
				n++
			}
		}
		return snap.Round, n, nil
	}
	if round > snap.Round {
		return round, 0, fmt.Errorf("raffle_service: entries round=%d: %w", round, domain.ErrNotFound)
	}
	if s.entries == nil {
		return round, 0, ErrHistoryDisabled
	}
	n, err := s.entries.EntriesOf(ctx, round, addr)
	if err != nil {
		return round, 0, fmt.Errorf("raffle_service: entries round=%d: %w", round, err)
	}
	return round, n, nil
}

// TransferFailures lists the recorded payout failures, newest first.
func (s *RaffleService) TransferFailures(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, ErrHistoryDisabled
	}
	return s.audit.ListEvent(ctx, domain.EventTransferFailed, domain.ListOpts{Limit: limit, Offset: offset})
}

// Player returns the participant in ledger slot i.
func (s *RaffleService) Player(i int) (common.Address, error) {
	return s.core.Player(i)
}

// Status is a point-in-time view of the raffle.
type Status struct {
	Round           uint64
	State           domain.RaffleState
	EntranceFee     *big.Int
	Interval        time.Duration
	Players         int
	Pot             *big.Int
	LatestTimestamp time.Time
	RecentWinner    common.Address
	PendingRequest  *big.Int // nil when none is outstanding
	UpkeepNeeded    bool
	Reason          string
}

// Status reads the current state of the raffle.
func (s *RaffleService) Status() Status {
	snap := s.core.Snapshot()
	ok, reason := s.core.Eligibility()
	return Status{
		Round:           snap.Round,
		State:           snap.State,
		EntranceFee:     s.core.EntranceFee(),
		Interval:        s.core.Interval(),
		Players:         len(snap.Entrants),
		Pot:             snap.Pot,
		LatestTimestamp: snap.LastTimestamp,
		RecentWinner:    snap.RecentWinner,
		PendingRequest:  snap.RequestID,
		UpkeepNeeded:    ok,
		Reason:          reason,
	}
}
