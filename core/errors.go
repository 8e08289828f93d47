package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
// It doubles as the "no such listing/offer/escrow" entrypoint failure so a
// read against closed or never-created state surfaces uniformly.
var ErrNotFound = errors.New("not found")

// Entrypoint failure taxonomy. Every rejected request resolves to exactly one
// of these sentinels (possibly wrapped with context), so the ledger client
// can map failures deterministically. Retrying with the same arguments
// reproduces the same failure unless external state changed.
var (
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrAlreadyListed       = errors.New("token already has an active listing")
	ErrDuplicateOffer      = errors.New("bidder already has an open offer on this token")
	ErrInsufficientFunds   = errors.New("insufficient balance")
	ErrPriceMismatch       = errors.New("payment does not match the listing price")
	ErrTransferNotApproved = errors.New("market is not approved to transfer the token")
)
