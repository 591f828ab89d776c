package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RandomnessRequest mirrors the parameters of a VRF v2 requestRandomWords call.
type RandomnessRequest struct {
	KeyHash          common.Hash
	SubscriptionID   uint64
	MinConfirmations uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// RandomnessOracle issues asynchronous randomness requests. The answer is
// delivered later through a separate fulfilment call.
type RandomnessOracle interface {
	RequestRandomWords(ctx context.Context, req RandomnessRequest) (*big.Int, error)
}

// Payer moves funds out of the raffle escrow.
type Payer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// Treasury is the host ledger holding participant balances and the raffle
// escrow.
type Treasury interface {
	Payer
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Deposit(ctx context.Context, addr common.Address, amount *big.Int) error
	// Collect moves amount from addr into the raffle escrow.
	Collect(ctx context.Context, from common.Address, amount *big.Int) error
	// Refund returns a collected amount from escrow to addr.
	Refund(ctx context.Context, to common.Address, amount *big.Int) error
	Escrow(ctx context.Context) (*big.Int, error)
}
