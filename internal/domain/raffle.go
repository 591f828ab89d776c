package domain

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RaffleState is the phase of the current round.
type RaffleState int

const (
	RaffleOpen        RaffleState = iota // accepting entries
	RaffleCalculating                    // entry closed, awaiting randomness
)

func (s RaffleState) String() string {
	switch s {
	case RaffleOpen:
		return "OPEN"
	case RaffleCalculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// RaffleConfig is fixed at construction time.
type RaffleConfig struct {
	EntranceFee          *big.Int // wei
	Interval             time.Duration
	KeyHash              common.Hash // gas lane
	SubscriptionID       uint64
	RequestConfirmations uint16
	CallbackGasLimit     uint32
	Coordinator          common.Address // only this address may fulfil over HTTP
}

// Validate reports configuration that would leave the raffle unable to run.
func (c RaffleConfig) Validate() error {
	if c.EntranceFee == nil || c.EntranceFee.Sign() <= 0 {
		return errors.New("raffle config: entrance fee must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("raffle config: interval must be positive")
	}
	return nil
}

// Snapshot is the complete persisted state of a raffle instance. Amounts is
// parallel to Entrants and records what each slot paid.
type Snapshot struct {
	Round         uint64
	State         RaffleState
	Entrants      []common.Address
	Amounts       []*big.Int
	Pot           *big.Int
	LastTimestamp time.Time // last payout, or construction time
	ClosedAt      time.Time // when the outstanding request was issued
	RequestID     *big.Int  // nil when no request is outstanding
	RecentWinner  common.Address
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Entrants = append([]common.Address(nil), s.Entrants...)
	out.Amounts = make([]*big.Int, len(s.Amounts))
	for i, a := range s.Amounts {
		out.Amounts[i] = new(big.Int).Set(a)
	}
	out.Pot = new(big.Int)
	if s.Pot != nil {
		out.Pot.Set(s.Pot)
	}
	if s.RequestID != nil {
		out.RequestID = new(big.Int).Set(s.RequestID)
	}
	return out
}

// CheckConsistency verifies the invariants a restored snapshot must hold.
func (s Snapshot) CheckConsistency() error {
	if (s.RequestID != nil) != (s.State == RaffleCalculating) {
		return errors.New("snapshot: request id must be present iff state is CALCULATING")
	}
	if len(s.Amounts) != len(s.Entrants) {
		return errors.New("snapshot: amounts and entrants differ in length")
	}
	sum := new(big.Int)
	for _, a := range s.Amounts {
		if a == nil || a.Sign() < 0 {
			return errors.New("snapshot: negative or missing entry amount")
		}
		sum.Add(sum, a)
	}
	pot := s.Pot
	if pot == nil {
		pot = new(big.Int)
	}
	if sum.Cmp(pot) != 0 {
		return errors.New("snapshot: pot does not equal the sum of entries")
	}
	if s.State == RaffleCalculating && len(s.Entrants) == 0 {
		return errors.New("snapshot: calculating round without entrants")
	}
	return nil
}

// DrawRecord is the audit trail of one paid-out round.
type DrawRecord struct {
	ID           string
	Round        uint64
	RequestID    *big.Int
	RandomWord   *big.Int
	WinnerIndex  int
	Winner       common.Address
	Prize        *big.Int
	EntrantCount int
	ClosedAt     time.Time
	PaidAt       time.Time
}
