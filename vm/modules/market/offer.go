package market

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/crypto"
	"github.com/tolelom/nftmarket/escrow"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/vm"
)

func handleMakeOffer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.MakeOfferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode make_offer payload: %w", err)
	}
	if p.TokenID == "" {
		return errors.New("missing token id")
	}
	if p.Amount == 0 {
		return errors.New("offer amount must be > 0")
	}

	if _, err := ctx.Registry.OwnerOf(p.TokenID); err != nil {
		return errors.Wrapf(core.ErrNotFound, "token %q: %v", p.TokenID, err)
	}

	if existing, err := ctx.State.GetOffer(p.TokenID, ctx.Req.From); err == nil && existing.Status == core.OfferOpen {
		return errors.Wrapf(core.ErrDuplicateOffer, "offer %s is still open", existing.ID)
	} else if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}

	// The deposit is taken first; recording the offer cannot fail after the
	// funds are custodied, so an open offer is always fully backed.
	if err := escrow.NewLedger(ctx.State).Deposit(p.TokenID, ctx.Req.From, p.Amount); err != nil {
		return err
	}

	offer := &core.Offer{
		ID:        crypto.Hash([]byte(ctx.Req.ID + ":offer:" + p.TokenID)),
		TokenID:   p.TokenID,
		Bidder:    ctx.Req.From,
		Amount:    p.Amount,
		Status:    core.OfferOpen,
		CreatedAt: ctx.Now,
	}
	if err := ctx.State.SetOffer(offer); err != nil {
		return err
	}

	ctx.Emit(p.TokenID, events.OfferCreated{Bidder: ctx.Req.From, Amount: p.Amount})
	return nil
}

func handleWithdrawOffer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.WithdrawOfferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode withdraw_offer payload: %w", err)
	}

	offer, err := ctx.State.GetOffer(p.TokenID, ctx.Req.From)
	if errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(core.ErrNotFound, "no offer by %s on token %q", ctx.Req.From, p.TokenID)
	}
	if err != nil {
		return err
	}
	if offer.Status != core.OfferOpen {
		return errors.Wrapf(core.ErrNotFound, "offer %s is %s", offer.ID, offer.Status)
	}

	refunded, err := escrow.NewLedger(ctx.State).Release(p.TokenID, ctx.Req.From, ctx.Req.From)
	if err != nil {
		return err
	}

	offer.Status = core.OfferWithdrawn
	offer.ClosedAt = ctx.Now
	if err := ctx.State.SetOffer(offer); err != nil {
		return err
	}

	ctx.Emit(p.TokenID, events.OfferWithdraw{Bidder: ctx.Req.From, Amount: refunded})
	return nil
}

func handleAcceptOffer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.AcceptOfferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode accept_offer payload: %w", err)
	}
	if _, err := crypto.PubKeyFromHex(p.Bidder); err != nil {
		return fmt.Errorf("invalid bidder (must be ed25519 pubkey hex): %w", err)
	}

	owner, err := ctx.Registry.OwnerOf(p.TokenID)
	if err != nil {
		return errors.Wrapf(core.ErrNotFound, "token %q: %v", p.TokenID, err)
	}
	if owner != ctx.Req.From {
		return errors.Wrapf(core.ErrNotOwner, "token %q is owned by %s", p.TokenID, owner)
	}
	approved, err := ctx.Registry.IsApproved(p.TokenID, ctx.Package)
	if err != nil {
		return errors.Wrapf(core.ErrNotFound, "token %q: %v", p.TokenID, err)
	}
	if !approved {
		return errors.Wrapf(core.ErrTransferNotApproved, "token %q", p.TokenID)
	}

	offer, err := ctx.State.GetOffer(p.TokenID, p.Bidder)
	if errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(core.ErrNotFound, "no offer by %s on token %q", p.Bidder, p.TokenID)
	}
	if err != nil {
		return err
	}
	if offer.Status != core.OfferOpen {
		return errors.Wrapf(core.ErrNotFound, "offer %s is %s", offer.ID, offer.Status)
	}

	if _, err := escrow.NewLedger(ctx.State).Release(p.TokenID, p.Bidder, ctx.Req.From); err != nil {
		return err
	}

	offer.Status = core.OfferAccepted
	offer.ClosedAt = ctx.Now
	if err := ctx.State.SetOffer(offer); err != nil {
		return err
	}

	// An active listing for the token is voided without its own event; the
	// acceptance event supersedes it. Other open offers on the token are
	// untouched, their bidders withdraw at their own pace.
	if listing, err := ctx.State.ActiveListing(p.TokenID); err == nil {
		listing.Status = core.ListingCanceled
		listing.ClosedAt = ctx.Now
		if err := ctx.State.SetListing(listing); err != nil {
			return err
		}
		if err := ctx.State.ClearActiveListing(p.TokenID); err != nil {
			return err
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	// Transfer last: the registry does not roll back with the state buffer.
	if err := ctx.Registry.Transfer(ctx.Req.From, p.Bidder, p.TokenID); err != nil {
		return errors.Wrapf(core.ErrNotOwner, "transfer token %q: %v", p.TokenID, err)
	}

	ctx.Emit(p.TokenID, events.OfferAccepted{
		Seller: ctx.Req.From,
		Bidder: p.Bidder,
		Amount: offer.Amount,
	})
	return nil
}
