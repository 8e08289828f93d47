// Package escrow implements the custodial ledger that holds offer deposits.
// Funds enter on deposit and leave exactly once: the entry is deleted on
// release, so a duplicated release observes "not found" instead of paying
// twice.
package escrow

import (
	"github.com/pkg/errors"

	"github.com/tolelom/nftmarket/core"
)

// Ledger moves funds between accounts and per-offer custody entries. All
// writes go through the request's state buffer, so escrow movements commit
// or roll back with the rest of the transition.
type Ledger struct {
	state core.State
}

// NewLedger binds a ledger to the given state.
func NewLedger(state core.State) *Ledger {
	return &Ledger{state: state}
}

// Deposit debits amount from the bidder's account into a fresh custody
// entry for (tokenID, bidder). An entry that already exists means the
// bidder has an open offer on the token.
func (l *Ledger) Deposit(tokenID, bidder string, amount uint64) error {
	if amount == 0 {
		return errors.New("escrow deposit must be > 0")
	}
	if _, err := l.state.GetEscrow(tokenID, bidder); err == nil {
		return errors.Wrapf(core.ErrDuplicateOffer, "escrow already held for bidder %s on token %s", bidder, tokenID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	acc, err := l.state.GetAccount(bidder)
	if err != nil {
		return err
	}
	if acc.Balance < amount {
		return errors.Wrapf(core.ErrInsufficientFunds, "have %d, need %d", acc.Balance, amount)
	}
	acc.Balance -= amount
	if err := l.state.SetAccount(acc); err != nil {
		return err
	}

	return l.state.SetEscrow(&core.EscrowEntry{
		TokenID: tokenID,
		Bidder:  bidder,
		Amount:  amount,
	})
}

// Release pays the full custodied amount for (tokenID, bidder) to the
// recipient and clears the entry. A second release for the same entry fails
// with ErrNotFound.
func (l *Ledger) Release(tokenID, bidder, to string) (uint64, error) {
	entry, err := l.state.GetEscrow(tokenID, bidder)
	if errors.Is(err, core.ErrNotFound) {
		return 0, errors.Wrapf(core.ErrNotFound, "no escrow held for bidder %s on token %s", bidder, tokenID)
	}
	if err != nil {
		return 0, err
	}

	acc, err := l.state.GetAccount(to)
	if err != nil {
		return 0, err
	}
	acc.Balance += entry.Amount
	if err := l.state.SetAccount(acc); err != nil {
		return 0, err
	}
	if err := l.state.DeleteEscrow(tokenID, bidder); err != nil {
		return 0, err
	}
	return entry.Amount, nil
}

// Held returns the custodied amount for (tokenID, bidder), or ErrNotFound.
func (l *Ledger) Held(tokenID, bidder string) (uint64, error) {
	entry, err := l.state.GetEscrow(tokenID, bidder)
	if err != nil {
		return 0, err
	}
	return entry.Amount, nil
}

// Total is the sum of every custodied balance. Conservation: after any
// sequence of operations it equals the sum of amounts of open offers.
func (l *Ledger) Total() (uint64, error) {
	return l.state.EscrowTotal()
}
