package core

// Named-value keys persisted alongside the stores. External tooling reads
// the package hash to correlate events emitted by this deployment among
// others sharing a ledger.
const (
	NamedKeyPackageHash = "market_contract_package_hash"
	NamedKeyLatestEvent = "latest_event"
)

// Account holds a participant's balance and replay-protection nonce.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"` // pubkey hex
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// ListingStatus is the lifecycle state of a sale listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingCanceled ListingStatus = "canceled"
	ListingSold     ListingStatus = "sold"
)

// Listing is a seller's standing offer to sell a token at a fixed price.
// Terminal records (Canceled/Sold) are never reopened; relisting the same
// token creates a fresh record with a new ID.
type Listing struct {
	ID        string        `json:"id"`
	TokenID   string        `json:"token_id"`
	Seller    string        `json:"seller"` // pubkey hex; registry owner at creation time
	Price     uint64        `json:"price"`
	Status    ListingStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
	ClosedAt  int64         `json:"closed_at,omitempty"`
}

// OfferStatus is the lifecycle state of a purchase offer.
type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferAccepted  OfferStatus = "accepted"
)

// Offer is a bidder's standing bid on a token, backed by escrowed funds
// while Open. A (token, bidder) pair has at most one Open offer.
type Offer struct {
	ID        string      `json:"id"`
	TokenID   string      `json:"token_id"`
	Bidder    string      `json:"bidder"` // pubkey hex
	Amount    uint64      `json:"amount"`
	Status    OfferStatus `json:"status"`
	CreatedAt int64       `json:"created_at"`
	ClosedAt  int64       `json:"closed_at,omitempty"`
}

// EscrowEntry maps an open offer to its custodied balance. The entry is
// created when the deposit is taken and deleted on release, so a second
// release attempt observes "not found" instead of paying twice.
type EscrowEntry struct {
	TokenID string `json:"token_id"`
	Bidder  string `json:"bidder"`
	Amount  uint64 `json:"amount"`
}

// State is the marketplace's persisted state interface. Implementations must
// be snapshot-able so the executor can roll back failed requests, and must
// layer uncommitted writes over the backing store for every read, including
// prefix scans.
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Listing store
	GetListing(id string) (*Listing, error)
	SetListing(l *Listing) error
	// ActiveListing returns the Active listing for a token, or ErrNotFound.
	ActiveListing(tokenID string) (*Listing, error)
	SetActiveListing(tokenID, listingID string) error
	ClearActiveListing(tokenID string) error

	// Offer book
	GetOffer(tokenID, bidder string) (*Offer, error)
	SetOffer(o *Offer) error
	OpenOffers(tokenID string) ([]*Offer, error)

	// Escrow ledger
	GetEscrow(tokenID, bidder string) (*EscrowEntry, error)
	SetEscrow(e *EscrowEntry) error
	DeleteEscrow(tokenID, bidder string) error
	// EscrowTotal is the sum of all custodied balances, used to verify
	// conservation against the open offer set.
	EscrowTotal() (uint64, error)

	// Named values
	GetNamedValue(key string) (string, error)
	SetNamedValue(key, value string) error

	// Event log: append-only, ordered by commit order. Records are opaque
	// bytes so storage stays decoupled from the event schema. Sequence
	// numbers start at 1 and are assigned by the caller from LastEventSeq.
	AppendEvent(seq uint64, raw []byte) error
	LastEventSeq() (uint64, error)
	EventsSince(seq uint64) ([][]byte, error)

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current
	// write buffer without flushing.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
