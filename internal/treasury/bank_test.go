package treasury

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

func TestBank(t *testing.T) {
	ctx := context.Background()
	b := NewBank()
	alice := common.HexToAddress("0xa11ce")
	bob := common.HexToAddress("0xb0b")

	require.ErrorIs(t, b.Deposit(ctx, alice, big.NewInt(0)), domain.ErrInvalidAmount)
	require.NoError(t, b.Deposit(ctx, alice, big.NewInt(100)))

	require.ErrorIs(t, b.Collect(ctx, alice, big.NewInt(101)), domain.ErrInsufficientFunds)
	require.NoError(t, b.Collect(ctx, alice, big.NewInt(60)))

	esc, _ := b.Escrow(ctx)
	assert.Equal(t, int64(60), esc.Int64())

	require.NoError(t, b.Refund(ctx, alice, big.NewInt(10)))
	bal, _ := b.Balance(ctx, alice)
	assert.Equal(t, int64(50), bal.Int64())

	b.SetRejecting(bob, true)
	require.ErrorIs(t, b.Transfer(ctx, bob, big.NewInt(50)), domain.ErrRecipientRejected)
	b.SetRejecting(bob, false)
	require.ErrorIs(t, b.Transfer(ctx, bob, big.NewInt(51)), domain.ErrInsufficientFunds)
	require.NoError(t, b.Transfer(ctx, bob, big.NewInt(50)))

	bal, _ = b.Balance(ctx, bob)
	assert.Equal(t, int64(50), bal.Int64())
	esc, _ = b.Escrow(ctx)
	assert.Equal(t, 0, esc.Sign())
}
