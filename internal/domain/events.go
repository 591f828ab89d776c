package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event names double as bus message types and notifier event filters.
const (
	EventEntered        = "entered"
	EventRoundClosed    = "round_closed"
	EventWinnerPicked   = "winner_picked"
	EventTransferFailed = "transfer_failed"
)

// RaffleEvent is an observable state change emitted after a commit.
type RaffleEvent interface {
	Name() string
	OccurredAt() time.Time
}

// Entered is emitted for every accepted entry.
type Entered struct {
	Round       uint64
	Participant common.Address
	Amount      *big.Int
	Slot        int
	At          time.Time
}

// RoundClosed carries the request id the eventual fulfilment must match.
type RoundClosed struct {
	Round     uint64
	RequestID *big.Int
	Players   int
	Pot       *big.Int
	At        time.Time
}

// WinnerPicked is emitted once the prize has been transferred.
type WinnerPicked struct {
	Round       uint64
	Winner      common.Address
	Prize       *big.Int
	RequestID   *big.Int
	RandomWord  *big.Int
	WinnerIndex int
	Players     int
	ClosedAt    time.Time
	At          time.Time
}

func (e Entered) Name() string      { return EventEntered }
func (e RoundClosed) Name() string  { return EventRoundClosed }
func (e WinnerPicked) Name() string { return EventWinnerPicked }

func (e Entered) OccurredAt() time.Time      { return e.At }
func (e RoundClosed) OccurredAt() time.Time  { return e.At }
func (e WinnerPicked) OccurredAt() time.Time { return e.At }
