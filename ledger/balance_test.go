package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeforge/gateway/ids"
	"github.com/latticeforge/gateway/wireformat"
)

// Balance-map comparisons read much better through testify than through
// hand-rolled map diffing, so the derived-balance properties live here.

func TestDeriveAllBalancesMatchesPerAccountDerivation(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendEntry(ctx, ids.New(), "mint", "c1", Mint("u1", 5_000), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "mint", "c2", Mint("u2", 7_000), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "reserve", "c3", Reserve("u1", 2_000), nil)
	require.NoError(t, err)

	all := l.DeriveAllBalances()
	require.Equal(t, map[string]wireformat.MicroUSD{
		"user:u1:available": 3_000,
		"user:u1:held":      2_000,
		"user:u2:available": 7_000,
		"system:revenue":    -12_000,
	}, all)

	for account, want := range all {
		require.Equal(t, want, l.DeriveBalance(account), "account %s", account)
	}
}

func TestVoidReversesCommitExactly(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.AppendEntry(ctx, ids.New(), "mint", "c1", Mint("u1", 10_000), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "reserve", "c2", Reserve("u1", 4_000), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "commit", "c3", Commit("u1", 4_000, 3_500), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "void", "c4", Void("u1", 4_000, 3_500), nil)
	require.NoError(t, err)
	_, err = l.AppendEntry(ctx, ids.New(), "release", "c5", Release("u1", 4_000), nil)
	require.NoError(t, err)

	// Void restores the post-reserve position (hold re-established, the
	// revenue and refund postings reversed); the follow-up release then
	// returns the hold, leaving only the mint's supply injection.
	require.Equal(t, wireformat.MicroUSD(10_000), l.DeriveBalance("user:u1:available"))
	require.Equal(t, wireformat.MicroUSD(0), l.DeriveBalance("user:u1:held"))
	require.Equal(t, wireformat.MicroUSD(-10_000), l.DeriveBalance("system:revenue"))
}
