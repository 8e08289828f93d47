package escrow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/escrow"
	"github.com/tolelom/nftmarket/internal/testutil"
)

func TestDepositAndRelease(t *testing.T) {
	state := testutil.NewStateDB()
	ledger := escrow.NewLedger(state)
	require.NoError(t, state.SetAccount(&core.Account{Address: "bidder", Balance: 500}))

	require.NoError(t, ledger.Deposit("sword-1", "bidder", 200))

	acc, err := state.GetAccount("bidder")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), acc.Balance)

	held, err := ledger.Held("sword-1", "bidder")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), held)

	amount, err := ledger.Release("sword-1", "bidder", "seller")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), amount)

	seller, err := state.GetAccount("seller")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), seller.Balance)

	total, err := ledger.Total()
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReleaseIsExactlyOnce(t *testing.T) {
	state := testutil.NewStateDB()
	ledger := escrow.NewLedger(state)
	require.NoError(t, state.SetAccount(&core.Account{Address: "bidder", Balance: 500}))
	require.NoError(t, ledger.Deposit("sword-1", "bidder", 200))

	_, err := ledger.Release("sword-1", "bidder", "bidder")
	require.NoError(t, err)

	_, err = ledger.Release("sword-1", "bidder", "bidder")
	assert.ErrorIs(t, err, core.ErrNotFound)

	acc, err := state.GetAccount("bidder")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Balance, "refund happened exactly once")
}

func TestDepositRejections(t *testing.T) {
	state := testutil.NewStateDB()
	ledger := escrow.NewLedger(state)
	require.NoError(t, state.SetAccount(&core.Account{Address: "bidder", Balance: 100}))

	require.Error(t, ledger.Deposit("sword-1", "bidder", 0))

	err := ledger.Deposit("sword-1", "bidder", 150)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	acc, err := state.GetAccount("bidder")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acc.Balance)

	require.NoError(t, ledger.Deposit("sword-1", "bidder", 80))
	err = ledger.Deposit("sword-1", "bidder", 10)
	assert.ErrorIs(t, err, core.ErrDuplicateOffer)

	// Same bidder, different token is fine.
	require.NoError(t, ledger.Deposit("axe-2", "bidder", 20))
	total, err := ledger.Total()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), total)
}
