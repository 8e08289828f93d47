package registry

import (
	"fmt"
	"sync"
)

type token struct {
	owner    string
	approved map[string]bool // spender -> approved
}

// MemRegistry is a thread-safe in-memory TokenRegistry. Approvals are
// cleared on transfer, so a market approved by the previous owner cannot
// move the token again after ownership changes.
type MemRegistry struct {
	mu     sync.RWMutex
	tokens map[string]*token
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{tokens: make(map[string]*token)}
}

// Mint records a new token owned by owner. Minting an existing id fails.
func (r *MemRegistry) Mint(tokenID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[tokenID]; ok {
		return fmt.Errorf("token %q already minted", tokenID)
	}
	r.tokens[tokenID] = &token{owner: owner, approved: make(map[string]bool)}
	return nil
}

// Approve lets spender move the token on the current owner's behalf.
func (r *MemRegistry) Approve(tokenID, spender string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return ErrUnknownToken
	}
	t.approved[spender] = true
	return nil
}

func (r *MemRegistry) OwnerOf(tokenID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return "", ErrUnknownToken
	}
	return t.owner, nil
}

func (r *MemRegistry) IsApproved(tokenID, spender string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return false, ErrUnknownToken
	}
	return t.approved[spender], nil
}

func (r *MemRegistry) Transfer(from, to, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return ErrUnknownToken
	}
	if t.owner != from {
		return ErrNotTokenOwner
	}
	t.owner = to
	t.approved = make(map[string]bool)
	return nil
}
