package raffle

import "math/big"

// WinnerIndex maps a random word onto one of n slots. An address that entered
// several times owns several slots and is weighted accordingly. It panics if
// n is not positive.
func WinnerIndex(word *big.Int, n int) int {
	if n <= 0 {
		panic("raffle: WinnerIndex with no entrants")
	}
	// Mod is Euclidean so the result is never negative.
	idx := new(big.Int).Mod(word, big.NewInt(int64(n)))
	return int(idx.Int64())
}
