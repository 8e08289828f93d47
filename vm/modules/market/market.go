// Package market implements the marketplace entrypoints: fixed-price
// listings and escrow-backed offers over tokens owned in an external
// registry. Handlers self-register with the vm on import.
package market

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/crypto"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/vm"
)

func init() {
	vm.Register(core.EntrypointCreateListing, handleCreateListing)
	vm.Register(core.EntrypointCancelListing, handleCancelListing)
	vm.Register(core.EntrypointBuyListing, handleBuyListing)
	vm.Register(core.EntrypointMakeOffer, handleMakeOffer)
	vm.Register(core.EntrypointWithdrawOffer, handleWithdrawOffer)
	vm.Register(core.EntrypointAcceptOffer, handleAcceptOffer)
}

// Install records the deployment's package identity in state. Every event
// emitted afterwards is stamped with it.
func Install(state core.State, packageID string) error {
	if packageID == "" {
		return errors.New("market: empty package id")
	}
	return state.SetNamedValue(core.NamedKeyPackageHash, packageID)
}

func handleCreateListing(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CreateListingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode create_listing payload: %w", err)
	}
	if p.TokenID == "" {
		return errors.New("missing token id")
	}
	if p.Price == 0 {
		return errors.New("price must be > 0")
	}

	owner, err := ctx.Registry.OwnerOf(p.TokenID)
	if err != nil {
		return errors.Wrapf(core.ErrNotFound, "token %q: %v", p.TokenID, err)
	}
	if owner != ctx.Req.From {
		return errors.Wrapf(core.ErrNotOwner, "token %q is owned by %s", p.TokenID, owner)
	}

	// At most one active listing per token.
	if existing, err := ctx.State.ActiveListing(p.TokenID); err == nil {
		return errors.Wrapf(core.ErrAlreadyListed, "token %q (listing %s)", p.TokenID, existing.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	listingID := crypto.Hash([]byte(ctx.Req.ID + ":listing:" + p.TokenID))
	listing := &core.Listing{
		ID:        listingID,
		TokenID:   p.TokenID,
		Seller:    ctx.Req.From,
		Price:     p.Price,
		Status:    core.ListingActive,
		CreatedAt: ctx.Now,
	}
	if err := ctx.State.SetListing(listing); err != nil {
		return err
	}
	if err := ctx.State.SetActiveListing(p.TokenID, listingID); err != nil {
		return err
	}

	ctx.Emit(p.TokenID, events.ListingCreated{Seller: ctx.Req.From, Price: p.Price})
	return nil
}

func handleCancelListing(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CancelListingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode cancel_listing payload: %w", err)
	}

	listing, err := ctx.State.ActiveListing(p.TokenID)
	if errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(core.ErrNotFound, "no active listing for token %q", p.TokenID)
	}
	if err != nil {
		return err
	}
	// Cancel authority stays with the original seller even if the token
	// changed hands since listing.
	if listing.Seller != ctx.Req.From {
		return errors.Wrapf(core.ErrNotOwner, "listing %s belongs to %s", listing.ID, listing.Seller)
	}

	listing.Status = core.ListingCanceled
	listing.ClosedAt = ctx.Now
	if err := ctx.State.SetListing(listing); err != nil {
		return err
	}
	if err := ctx.State.ClearActiveListing(p.TokenID); err != nil {
		return err
	}

	ctx.Emit(p.TokenID, events.ListingCanceled{})
	return nil
}

func handleBuyListing(ctx *vm.Context, payload json.RawMessage) error {
	var p core.BuyListingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode buy_listing payload: %w", err)
	}

	listing, err := ctx.State.ActiveListing(p.TokenID)
	if errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(core.ErrNotFound, "no active listing for token %q", p.TokenID)
	}
	if err != nil {
		return err
	}
	if p.Payment != listing.Price {
		return errors.Wrapf(core.ErrPriceMismatch, "payment %d, price %d", p.Payment, listing.Price)
	}

	// Ownership is re-checked at purchase time: proceeds go to whoever owns
	// the token now, not to the seller recorded at listing time.
	owner, err := ctx.Registry.OwnerOf(p.TokenID)
	if err != nil {
		return errors.Wrapf(core.ErrNotFound, "token %q: %v", p.TokenID, err)
	}

	buyer, err := ctx.State.GetAccount(ctx.Req.From)
	if err != nil {
		return err
	}
	if buyer.Balance < p.Payment {
		return errors.Wrapf(core.ErrInsufficientFunds, "have %d, need %d", buyer.Balance, p.Payment)
	}
	buyer.Balance -= p.Payment
	if err := ctx.State.SetAccount(buyer); err != nil {
		return err
	}

	seller, err := ctx.State.GetAccount(owner)
	if err != nil {
		return err
	}
	seller.Balance += p.Payment
	if err := ctx.State.SetAccount(seller); err != nil {
		return err
	}

	listing.Status = core.ListingSold
	listing.ClosedAt = ctx.Now
	if err := ctx.State.SetListing(listing); err != nil {
		return err
	}
	if err := ctx.State.ClearActiveListing(p.TokenID); err != nil {
		return err
	}

	// The registry does not participate in state rollback, so the transfer
	// is the last fallible step: nothing after it can fail the request.
	if err := ctx.Registry.Transfer(owner, ctx.Req.From, p.TokenID); err != nil {
		return errors.Wrapf(core.ErrNotOwner, "transfer token %q: %v", p.TokenID, err)
	}

	ctx.Emit(p.TokenID, events.ListingPurchased{
		Seller: owner,
		Buyer:  ctx.Req.From,
		Price:  listing.Price,
	})
	return nil
}
