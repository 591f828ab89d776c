package raffle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

var (
	ErrInsufficientPayment = errors.New("raffle: insufficient payment")
	ErrRoundNotOpen        = errors.New("raffle: round not open")
	ErrUpkeepNotNeeded     = errors.New("raffle: upkeep not needed")
	ErrUnknownRequest      = errors.New("raffle: unknown request")
	ErrTransferFailed      = errors.New("raffle: transfer failed")
	ErrInvalidRandomness   = errors.New("raffle: invalid randomness")
	ErrInvalidParticipant  = errors.New("raffle: invalid participant")
	ErrOracleRequest       = errors.New("raffle: randomness request failed")
	ErrPlayerIndex         = errors.New("raffle: player index out of range")
	ErrJournal             = errors.New("raffle: journal write failed")
)

// InsufficientPaymentError reports an entry below the entrance fee.
type InsufficientPaymentError struct {
	Paid *big.Int
	Fee  *big.Int
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("raffle: insufficient payment: paid %s wei, fee is %s wei", e.Paid, e.Fee)
}

func (e *InsufficientPaymentError) Unwrap() error { return ErrInsufficientPayment }

// UpkeepNotNeededError carries the state observed when a close was rejected.
// While the round is CALCULATING it also matches ErrRoundNotOpen.
type UpkeepNotNeededError struct {
	Pot     *big.Int
	Players int
	State   domain.RaffleState
	Reason  string
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("raffle: upkeep not needed (%s): pot=%s players=%d state=%s",
		e.Reason, e.Pot, e.Players, e.State)
}

func (e *UpkeepNotNeededError) Is(target error) bool {
	if target == ErrUpkeepNotNeeded {
		return true
	}
	return target == ErrRoundNotOpen && e.State != domain.RaffleOpen
}

// UnknownRequestError is returned for a fulfilment that does not match the
// outstanding request.
type UnknownRequestError struct {
	Got  *big.Int
	Want *big.Int // nil when nothing is outstanding
}

func (e *UnknownRequestError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("raffle: unknown request %s: no request outstanding", e.Got)
	}
	return fmt.Sprintf("raffle: unknown request %s: outstanding request is %s", e.Got, e.Want)
}

func (e *UnknownRequestError) Unwrap() []error {
	return []error{ErrUnknownRequest, domain.ErrStaleRequest}
}

// TransferFailedError is returned when the prize could not be delivered. The
// round keeps its pot, entrants and outstanding request.
type TransferFailedError struct {
	Winner common.Address
	Amount *big.Int
	Err    error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("raffle: transfer of %s wei to %s failed: %v", e.Amount, e.Winner.Hex(), e.Err)
}

func (e *TransferFailedError) Unwrap() []error { return []error{ErrTransferFailed, e.Err} }
