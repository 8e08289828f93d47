package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/nftmarket/crypto"
)

// Entrypoint names an externally invocable state transition.
type Entrypoint string

const (
	EntrypointCreateListing Entrypoint = "create_listing"
	EntrypointCancelListing Entrypoint = "cancel_listing"
	EntrypointBuyListing    Entrypoint = "buy_listing"
	EntrypointMakeOffer     Entrypoint = "make_offer"
	EntrypointWithdrawOffer Entrypoint = "withdraw_offer"
	EntrypointAcceptOffer   Entrypoint = "accept_offer"
)

// Request is a single signed entrypoint invocation, the atomic unit of work
// against the market. From holds the caller's full hex-encoded ed25519
// public key; the verified signature is what makes it the authenticated
// caller identity. Signature covers all fields except Signature itself.
type Request struct {
	ID         string          `json:"id"`
	Entrypoint Entrypoint      `json:"entrypoint"`
	From       string          `json:"from"` // hex-encoded ed25519 public key
	Nonce      uint64          `json:"nonce"`
	Fee        uint64          `json:"fee"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	Entrypoint Entrypoint      `json:"entrypoint"`
	From       string          `json:"from"`
	Nonce      uint64          `json:"nonce"`
	Fee        uint64          `json:"fee"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the request (sans Signature).
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (r *Request) Hash() string {
	body := signingBody{
		Entrypoint: r.Entrypoint,
		From:       r.From,
		Nonce:      r.Nonce,
		Fee:        r.Fee,
		Timestamp:  r.Timestamp,
		Payload:    r.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID.
func (r *Request) Sign(priv crypto.PrivateKey) {
	hash := r.Hash()
	r.Signature = crypto.Sign(priv, []byte(hash))
	r.ID = hash
}

// Verify checks the signature and that From is a valid public key.
func (r *Request) Verify() error {
	if r.From == "" {
		return errors.New("missing from field")
	}
	pub, err := crypto.PubKeyFromHex(r.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(r.Hash()), r.Signature)
}

// NewRequest creates an unsigned request with the current timestamp.
func NewRequest(ep Entrypoint, from string, nonce, fee uint64, payload any) (*Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Request{
		Entrypoint: ep,
		From:       from,
		Nonce:      nonce,
		Fee:        fee,
		Timestamp:  time.Now().UnixNano(),
		Payload:    raw,
	}, nil
}

// ---- Payload types ----

// CreateListingPayload lists a token for sale at a fixed price.
type CreateListingPayload struct {
	TokenID string `json:"token_id"`
	Price   uint64 `json:"price"`
}

// CancelListingPayload cancels the caller's active listing.
type CancelListingPayload struct {
	TokenID string `json:"token_id"`
}

// BuyListingPayload purchases an active listing. Payment must equal the
// listing price exactly.
type BuyListingPayload struct {
	TokenID string `json:"token_id"`
	Payment uint64 `json:"payment"`
}

// MakeOfferPayload places an escrow-backed offer on a token.
type MakeOfferPayload struct {
	TokenID string `json:"token_id"`
	Amount  uint64 `json:"amount"`
}

// WithdrawOfferPayload withdraws the caller's open offer and refunds escrow.
type WithdrawOfferPayload struct {
	TokenID string `json:"token_id"`
}

// AcceptOfferPayload accepts a named bidder's open offer on the caller's token.
type AcceptOfferPayload struct {
	TokenID string `json:"token_id"`
	Bidder  string `json:"bidder"` // pubkey hex of the accepted bidder
}
