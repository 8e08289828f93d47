// Package registry defines the market's view of the external token
// registry: the sole authority on token ownership and transfer approvals.
// The market reads it as an oracle and calls Transfer only when a purchase
// or acceptance settles.
package registry

import "errors"

// ErrUnknownToken is returned for token ids the registry has never minted.
var ErrUnknownToken = errors.New("unknown token")

// ErrNotTokenOwner is returned when a transfer names a sender that does not
// own the token.
var ErrNotTokenOwner = errors.New("sender does not own token")

// TokenRegistry is the outbound collaborator interface. Implementations
// live outside the market core; MemRegistry in this package is the
// in-process reference used by tests and local deployments.
type TokenRegistry interface {
	// OwnerOf returns the current owner's identity.
	OwnerOf(tokenID string) (string, error)
	// IsApproved reports whether spender may move the token on the
	// owner's behalf.
	IsApproved(tokenID, spender string) (bool, error)
	// Transfer moves the token from its current owner to the recipient.
	Transfer(from, to, tokenID string) error
}
