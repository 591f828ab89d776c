package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0.01", want: "10000000000000000"},
		{in: "1", want: "1000000000000000000"},
		{in: " 10 ", want: "10000000000000000000"},
		{in: "0.000000000000000001", want: "1"},
		{in: "0.0000000000000000001", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEther(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.04", FormatEther(big.NewInt(40_000_000_000_000_000)))
	assert.Equal(t, "1", FormatEther(big.NewInt(1_000_000_000_000_000_000)))
	assert.Equal(t, "0", FormatEther(nil))
}

func TestParseWei(t *testing.T) {
	n, err := ParseWei("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), n.Int64())

	_, err = ParseWei("1.5")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSnapshotCheckConsistency(t *testing.T) {
	ok := Snapshot{State: RaffleOpen, Pot: new(big.Int)}
	require.NoError(t, ok.CheckConsistency())

	stuck := Snapshot{State: RaffleCalculating, Pot: new(big.Int)}
	require.Error(t, stuck.CheckConsistency())

	orphan := Snapshot{State: RaffleOpen, RequestID: big.NewInt(1), Pot: new(big.Int)}
	require.Error(t, orphan.CheckConsistency())
}
