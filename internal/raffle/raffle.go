// Package raffle implements the periodic raffle: an entry ledger, the upkeep
// check that decides when a round may close, the request/fulfil handshake
// with a randomness oracle, and winner selection with payout.
//
// A Raffle owns exactly one round. Every operation takes the same mutex and
// runs to completion, so transitions are observed all-or-nothing. Nothing
// blocks on the oracle: PerformUpkeep returns once the request is issued and
// the answer arrives later through FulfillRandomWords.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// numWords is fixed: one word selects one winner.
const numWords = 1

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

// EventSink receives events after the transition producing them has
// committed. It is called with the raffle lock held and must not call back
// into the Raffle.
type EventSink interface {
	Emit(ctx context.Context, e domain.RaffleEvent)
}

// Journal persists state ahead of it becoming visible. RecordEntry appends a
// single slot; SaveSnapshot replaces the whole persisted state. A Journal
// must not retain the slices of the snapshot it is given.
type Journal interface {
	RecordEntry(ctx context.Context, round uint64, slot int, participant common.Address, amount, pot *big.Int) error
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
}

// Deps are the collaborators of a Raffle. Oracle and Payer are required.
type Deps struct {
	Oracle  domain.RandomnessOracle
	Payer   domain.Payer
	Journal Journal
	Sink    EventSink
	Clock   Clock
	Logger  *slog.Logger
}

// Option customises New.
type Option func(*Raffle) error

// WithSnapshot restores previously persisted state instead of starting a
// fresh round.
func WithSnapshot(snap domain.Snapshot) Option {
	return func(r *Raffle) error {
		if err := snap.CheckConsistency(); err != nil {
			return err
		}
		r.st = snap.Clone()
		if r.st.Round == 0 {
			r.st.Round = 1
		}
		return nil
	}
}

// Raffle is a single-round-at-a-time lottery instance.
type Raffle struct {
	mu      sync.Mutex
	cfg     domain.RaffleConfig
	oracle  domain.RandomnessOracle
	payer   domain.Payer
	journal Journal
	sink    EventSink
	clock   Clock
	logger  *slog.Logger

	st domain.Snapshot
}

// New creates a Raffle in the OPEN state with an empty ledger, its interval
// measured from the current time.
func New(cfg domain.RaffleConfig, deps Deps, opts ...Option) (*Raffle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Oracle == nil {
		return nil, errors.New("raffle: oracle is required")
	}
	if deps.Payer == nil {
		return nil, errors.New("raffle: payer is required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	cfg.EntranceFee = new(big.Int).Set(cfg.EntranceFee)
	r := &Raffle{
		cfg:     cfg,
		oracle:  deps.Oracle,
		payer:   deps.Payer,
		journal: deps.Journal,
		sink:    deps.Sink,
		clock:   deps.Clock,
		logger:  deps.Logger.With(slog.String("component", "raffle")),
		st: domain.Snapshot{
			Round:         1,
			State:         domain.RaffleOpen,
			Pot:           new(big.Int),
			LastTimestamp: deps.Clock.Now(),
		},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("raffle: apply option: %w", err)
		}
	}
	return r, nil
}

// Config returns a copy of the immutable configuration.
func (r *Raffle) Config() domain.RaffleConfig {
	cfg := r.cfg
	cfg.EntranceFee = new(big.Int).Set(r.cfg.EntranceFee)
	return cfg
}

// EntranceFee returns the minimum payment accepted by Enter.
func (r *Raffle) EntranceFee() *big.Int {
	return new(big.Int).Set(r.cfg.EntranceFee)
}

// Interval returns the minimum time between payouts.
func (r *Raffle) Interval() time.Duration {
	return r.cfg.Interval
}

func (r *Raffle) State() domain.RaffleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.State
}

func (r *Raffle) NumberOfPlayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.st.Entrants)
}

// Player returns the entrant in slot i of the current round.
func (r *Raffle) Player(i int) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.st.Entrants) {
		return common.Address{}, fmt.Errorf("%w: %d (players: %d)", ErrPlayerIndex, i, len(r.st.Entrants))
	}
	return r.st.Entrants[i], nil
}

func (r *Raffle) RecentWinner() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.RecentWinner
}

// LatestTimestamp is the time the interval is measured from.
func (r *Raffle) LatestTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.LastTimestamp
}

// PendingRequest reports the outstanding oracle request, if any.
func (r *Raffle) PendingRequest() (*big.Int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.RequestID == nil {
		return nil, false
	}
	return new(big.Int).Set(r.st.RequestID), true
}

// Pot returns the funds accumulated in the current round.
func (r *Raffle) Pot() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.st.Pot)
}

// Round returns the 1-based number of the current round.
func (r *Raffle) Round() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Round
}

// Snapshot returns a deep copy of the current state.
func (r *Raffle) Snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Clone()
}

func (r *Raffle) saveLocked(ctx context.Context, snap domain.Snapshot) error {
	if r.journal == nil {
		return nil
	}
	if err := r.journal.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("%w: %w", ErrJournal, err)
	}
	return nil
}

func (r *Raffle) emitLocked(ctx context.Context, e domain.RaffleEvent) {
	if r.sink != nil {
		r.sink.Emit(ctx, e)
	}
}
