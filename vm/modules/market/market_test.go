package market_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/internal/testutil"
	"github.com/tolelom/nftmarket/registry"
	"github.com/tolelom/nftmarket/storage"
	"github.com/tolelom/nftmarket/vm"
	"github.com/tolelom/nftmarket/vm/modules/market"
)

const testPackage = "pkg-market-test"

type fixture struct {
	t       *testing.T
	state   *storage.StateDB
	reg     *registry.MemRegistry
	emitter *events.Emitter
	exec    *vm.Executor

	seller *testutil.Signer
	buyer  *testutil.Signer
	bidder *testutil.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := testutil.NewStateDB()
	reg := registry.NewMemRegistry()
	emitter := events.NewEmitter(nil)
	exec := vm.NewExecutor(state, reg, emitter)
	exec.SetNowFunc(func() int64 { return 1700000000 })

	require.NoError(t, market.Install(state, testPackage))

	f := &fixture{
		t:       t,
		state:   state,
		reg:     reg,
		emitter: emitter,
		exec:    exec,
		seller:  testutil.NewSigner(t),
		buyer:   testutil.NewSigner(t),
		bidder:  testutil.NewSigner(t),
	}
	for _, s := range []*testutil.Signer{f.seller, f.buyer, f.bidder} {
		require.NoError(t, state.SetAccount(&core.Account{Address: s.Hex(), Balance: 1000}))
	}
	require.NoError(t, state.Commit())

	require.NoError(t, reg.Mint("sword-1", f.seller.Hex()))
	return f
}

func (f *fixture) mustExec(s *testutil.Signer, ep core.Entrypoint, payload any) *vm.Receipt {
	f.t.Helper()
	rec, err := f.exec.Execute(s.Request(f.t, ep, 0, payload))
	require.NoError(f.t, err)
	s.Advance()
	return rec
}

func (f *fixture) execErr(s *testutil.Signer, ep core.Entrypoint, payload any) error {
	f.t.Helper()
	_, err := f.exec.Execute(s.Request(f.t, ep, 0, payload))
	require.Error(f.t, err)
	return err
}

func (f *fixture) balance(s *testutil.Signer) uint64 {
	f.t.Helper()
	acc, err := f.state.GetAccount(s.Hex())
	require.NoError(f.t, err)
	return acc.Balance
}

func TestCreateListing(t *testing.T) {
	f := newFixture(t)

	rec := f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	require.Len(t, rec.Events, 1)
	ev := rec.Events[0]
	assert.Equal(t, events.EventListingCreated, ev.Type)
	assert.Equal(t, testPackage, ev.Package)
	assert.Equal(t, "sword-1", ev.TokenID)
	assert.Equal(t, events.ListingCreated{Seller: f.seller.Hex(), Price: 250}, ev.Payload)

	listing, err := f.state.ActiveListing("sword-1")
	require.NoError(t, err)
	assert.Equal(t, core.ListingActive, listing.Status)
	assert.Equal(t, uint64(250), listing.Price)
	assert.Equal(t, f.seller.Hex(), listing.Seller)
}

func TestCreateListingRejections(t *testing.T) {
	f := newFixture(t)

	err := f.execErr(f.buyer, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	assert.ErrorIs(t, err, core.ErrNotOwner)

	err = f.execErr(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "ghost", Price: 250})
	assert.ErrorIs(t, err, core.ErrNotFound)

	f.execErr(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 0})

	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	err = f.execErr(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 300})
	assert.ErrorIs(t, err, core.ErrAlreadyListed)
}

func TestBuyListing(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})

	rec := f.mustExec(f.buyer, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 250})
	require.Len(t, rec.Events, 1)
	assert.Equal(t, events.EventListingPurchased, rec.Events[0].Type)
	assert.Equal(t, events.ListingPurchased{Seller: f.seller.Hex(), Buyer: f.buyer.Hex(), Price: 250}, rec.Events[0].Payload)

	assert.Equal(t, uint64(750), f.balance(f.buyer))
	assert.Equal(t, uint64(1250), f.balance(f.seller))

	owner, err := f.reg.OwnerOf("sword-1")
	require.NoError(t, err)
	assert.Equal(t, f.buyer.Hex(), owner)

	_, err = f.state.ActiveListing("sword-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The listing is terminal: a second purchase attempt finds nothing.
	err = f.execErr(f.bidder, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 250})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBuyListingRejections(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})

	err := f.execErr(f.buyer, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 200})
	assert.ErrorIs(t, err, core.ErrPriceMismatch)
	err = f.execErr(f.buyer, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 300})
	assert.ErrorIs(t, err, core.ErrPriceMismatch)

	poor := testutil.NewSigner(t)
	require.NoError(t, f.state.SetAccount(&core.Account{Address: poor.Hex(), Balance: 100}))
	require.NoError(t, f.state.Commit())
	err = f.execErr(poor, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 250})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	// Nothing changed for the seller or the listing.
	assert.Equal(t, uint64(1000), f.balance(f.seller))
	listing, err := f.state.ActiveListing("sword-1")
	require.NoError(t, err)
	assert.Equal(t, core.ListingActive, listing.Status)
}

func TestBuyPaysCurrentOwner(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})

	// The token changes hands outside the market while the listing stays up.
	newOwner := testutil.NewSigner(t)
	require.NoError(t, f.state.SetAccount(&core.Account{Address: newOwner.Hex(), Balance: 0}))
	require.NoError(t, f.state.Commit())
	require.NoError(t, f.reg.Transfer(f.seller.Hex(), newOwner.Hex(), "sword-1"))

	rec := f.mustExec(f.buyer, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 250})

	// Proceeds go to the owner at purchase time, not the original seller.
	assert.Equal(t, uint64(250), f.balance(newOwner))
	assert.Equal(t, uint64(1000), f.balance(f.seller))
	assert.Equal(t, events.ListingPurchased{Seller: newOwner.Hex(), Buyer: f.buyer.Hex(), Price: 250}, rec.Events[0].Payload)
}

func TestCancelListing(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	firstID := mustActiveID(t, f)

	err := f.execErr(f.buyer, core.EntrypointCancelListing, core.CancelListingPayload{TokenID: "sword-1"})
	assert.ErrorIs(t, err, core.ErrNotOwner)

	rec := f.mustExec(f.seller, core.EntrypointCancelListing, core.CancelListingPayload{TokenID: "sword-1"})
	require.Len(t, rec.Events, 1)
	assert.Equal(t, events.EventListingCanceled, rec.Events[0].Type)
	assert.Equal(t, events.ListingCanceled{}, rec.Events[0].Payload)

	_, err = f.state.ActiveListing("sword-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Canceling again finds no active listing.
	err = f.execErr(f.seller, core.EntrypointCancelListing, core.CancelListingPayload{TokenID: "sword-1"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Relisting creates a fresh record with a new id; the old one stays
	// canceled.
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 400})
	secondID := mustActiveID(t, f)
	assert.NotEqual(t, firstID, secondID)
	old, err := f.state.GetListing(firstID)
	require.NoError(t, err)
	assert.Equal(t, core.ListingCanceled, old.Status)
}

func mustActiveID(t *testing.T, f *fixture) string {
	t.Helper()
	listing, err := f.state.ActiveListing("sword-1")
	require.NoError(t, err)
	return listing.ID
}

func TestMakeOffer(t *testing.T) {
	f := newFixture(t)

	rec := f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 150})
	require.Len(t, rec.Events, 1)
	assert.Equal(t, events.EventOfferCreated, rec.Events[0].Type)
	assert.Equal(t, events.OfferCreated{Bidder: f.bidder.Hex(), Amount: 150}, rec.Events[0].Payload)

	// The deposit left the bidder's account into escrow.
	assert.Equal(t, uint64(850), f.balance(f.bidder))
	total, err := f.state.EscrowTotal()
	require.NoError(t, err)
	assert.Equal(t, uint64(150), total)

	offer, err := f.state.GetOffer("sword-1", f.bidder.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferOpen, offer.Status)
	assert.Equal(t, uint64(150), offer.Amount)
}

func TestMakeOfferRejections(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 150})

	err := f.execErr(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 200})
	assert.ErrorIs(t, err, core.ErrDuplicateOffer)
	// The rejected deposit was not taken.
	assert.Equal(t, uint64(850), f.balance(f.bidder))

	err = f.execErr(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "ghost", Amount: 100})
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = f.execErr(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 2000})
	assert.ErrorIs(t, err, core.ErrDuplicateOffer)

	fresh := testutil.NewSigner(t)
	require.NoError(t, f.state.SetAccount(&core.Account{Address: fresh.Hex(), Balance: 50}))
	require.NoError(t, f.state.Commit())
	err = f.execErr(fresh, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 100})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	_, err = f.state.GetOffer("sword-1", fresh.Hex())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWithdrawOffer(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 150})

	rec := f.mustExec(f.bidder, core.EntrypointWithdrawOffer, core.WithdrawOfferPayload{TokenID: "sword-1"})
	require.Len(t, rec.Events, 1)
	assert.Equal(t, events.EventOfferWithdraw, rec.Events[0].Type)
	assert.Equal(t, events.OfferWithdraw{Bidder: f.bidder.Hex(), Amount: 150}, rec.Events[0].Payload)

	// Full refund, escrow entry gone.
	assert.Equal(t, uint64(1000), f.balance(f.bidder))
	total, err := f.state.EscrowTotal()
	require.NoError(t, err)
	assert.Zero(t, total)

	offer, err := f.state.GetOffer("sword-1", f.bidder.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferWithdrawn, offer.Status)

	// A withdrawn offer cannot be withdrawn again.
	err = f.execErr(f.bidder, core.EntrypointWithdrawOffer, core.WithdrawOfferPayload{TokenID: "sword-1"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Withdrawing then re-offering works, with a fresh id.
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 200})
	offer2, err := f.state.GetOffer("sword-1", f.bidder.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferOpen, offer2.Status)
	assert.NotEqual(t, offer.ID, offer2.ID)
}

func TestWithdrawOfferNeverMade(t *testing.T) {
	f := newFixture(t)
	err := f.execErr(f.bidder, core.EntrypointWithdrawOffer, core.WithdrawOfferPayload{TokenID: "sword-1"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAcceptOffer(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 500})
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 150})
	f.mustExec(f.buyer, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 120})

	require.NoError(t, f.reg.Approve("sword-1", testPackage))

	rec := f.mustExec(f.seller, core.EntrypointAcceptOffer, core.AcceptOfferPayload{TokenID: "sword-1", Bidder: f.bidder.Hex()})
	require.Len(t, rec.Events, 1)
	assert.Equal(t, events.EventOfferAccepted, rec.Events[0].Type)
	assert.Equal(t, events.OfferAccepted{Seller: f.seller.Hex(), Bidder: f.bidder.Hex(), Amount: 150}, rec.Events[0].Payload)

	// Escrowed funds moved to the seller, token to the bidder.
	assert.Equal(t, uint64(1150), f.balance(f.seller))
	owner, err := f.reg.OwnerOf("sword-1")
	require.NoError(t, err)
	assert.Equal(t, f.bidder.Hex(), owner)

	accepted, err := f.state.GetOffer("sword-1", f.bidder.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferAccepted, accepted.Status)

	// The active listing was voided without emitting a cancel event.
	_, err = f.state.ActiveListing("sword-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The other offer stays open and fully escrowed; its bidder withdraws
	// on their own initiative.
	other, err := f.state.GetOffer("sword-1", f.buyer.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferOpen, other.Status)
	total, err := f.state.EscrowTotal()
	require.NoError(t, err)
	assert.Equal(t, uint64(120), total)

	// The previous owner can no longer accept the remaining offer.
	err = f.execErr(f.seller, core.EntrypointAcceptOffer, core.AcceptOfferPayload{TokenID: "sword-1", Bidder: f.buyer.Hex()})
	assert.ErrorIs(t, err, core.ErrNotOwner)

	f.mustExec(f.buyer, core.EntrypointWithdrawOffer, core.WithdrawOfferPayload{TokenID: "sword-1"})
	assert.Equal(t, uint64(1000), f.balance(f.buyer))
}

func TestAcceptOfferRejections(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 150})

	// No approval for the market package.
	err := f.execErr(f.seller, core.EntrypointAcceptOffer, core.AcceptOfferPayload{TokenID: "sword-1", Bidder: f.bidder.Hex()})
	assert.ErrorIs(t, err, core.ErrTransferNotApproved)

	require.NoError(t, f.reg.Approve("sword-1", testPackage))

	err = f.execErr(f.buyer, core.EntrypointAcceptOffer, core.AcceptOfferPayload{TokenID: "sword-1", Bidder: f.bidder.Hex()})
	assert.ErrorIs(t, err, core.ErrNotOwner)

	err = f.execErr(f.seller, core.EntrypointAcceptOffer, core.AcceptOfferPayload{TokenID: "sword-1", Bidder: f.buyer.Hex()})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The open offer survived all the rejections untouched.
	offer, err := f.state.GetOffer("sword-1", f.bidder.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.OfferOpen, offer.Status)
	total, err := f.state.EscrowTotal()
	require.NoError(t, err)
	assert.Equal(t, uint64(150), total)
}

func TestFailedRequestRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})

	rootBefore := f.state.ComputeRoot()
	seqBefore, err := f.state.LastEventSeq()
	require.NoError(t, err)

	err = f.execErr(f.buyer, core.EntrypointBuyListing, core.BuyListingPayload{TokenID: "sword-1", Payment: 99})
	assert.ErrorIs(t, err, core.ErrPriceMismatch)

	// Root unchanged, no event appended, fee and nonce untouched.
	assert.Equal(t, rootBefore, f.state.ComputeRoot())
	seqAfter, err := f.state.LastEventSeq()
	require.NoError(t, err)
	assert.Equal(t, seqBefore, seqAfter)
	acc, err := f.state.GetAccount(f.buyer.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), acc.Balance)
	assert.Zero(t, acc.Nonce)
}

func TestNonceAndSignatureRejection(t *testing.T) {
	f := newFixture(t)

	// Replay: same signed request twice.
	req := f.seller.Request(t, core.EntrypointCreateListing, 0, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	_, err := f.exec.Execute(req)
	require.NoError(t, err)
	f.seller.Advance()
	_, err = f.exec.Execute(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")

	// Tampered payload breaks the signature.
	req2 := f.seller.Request(t, core.EntrypointCancelListing, 0, core.CancelListingPayload{TokenID: "sword-1"})
	req2.Fee = 5
	_, err = f.exec.Execute(req2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestEventSequenceAcrossRequests(t *testing.T) {
	f := newFixture(t)
	var seen []events.Event
	for _, typ := range events.Types() {
		f.emitter.Subscribe(typ, func(ev events.Event) { seen = append(seen, ev) })
	}

	f.mustExec(f.seller, core.EntrypointCreateListing, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	f.mustExec(f.bidder, core.EntrypointMakeOffer, core.MakeOfferPayload{TokenID: "sword-1", Amount: 100})
	f.mustExec(f.seller, core.EntrypointCancelListing, core.CancelListingPayload{TokenID: "sword-1"})
	f.mustExec(f.bidder, core.EntrypointWithdrawOffer, core.WithdrawOfferPayload{TokenID: "sword-1"})

	require.Len(t, seen, 4)
	wantTypes := []events.EventType{
		events.EventListingCreated,
		events.EventOfferCreated,
		events.EventListingCanceled,
		events.EventOfferWithdraw,
	}
	for i, ev := range seen {
		assert.Equal(t, wantTypes[i], ev.Type)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	// The persisted log matches what subscribers saw.
	raws, err := f.state.EventsSince(1)
	require.NoError(t, err)
	require.Len(t, raws, 4)
	for i, raw := range raws {
		ev, err := events.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, seen[i].Type, ev.Type)
		assert.Equal(t, seen[i].Seq, ev.Seq)
	}

	// latest_event tracks the most recent commit.
	latest, err := f.state.GetNamedValue(core.NamedKeyLatestEvent)
	require.NoError(t, err)
	ev, err := events.Decode([]byte(latest))
	require.NoError(t, err)
	assert.Equal(t, events.EventOfferWithdraw, ev.Type)
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestFeeIsCharged(t *testing.T) {
	f := newFixture(t)
	req := f.seller.Request(t, core.EntrypointCreateListing, 10, core.CreateListingPayload{TokenID: "sword-1", Price: 250})
	_, err := f.exec.Execute(req)
	require.NoError(t, err)
	assert.Equal(t, uint64(990), f.balance(f.seller))
}
