// Package events defines the market's committed-transition event schema and
// a pub/sub emitter for in-process watchers. The schema is closed: each
// event type carries exactly one payload variant, so consumers match
// exhaustively instead of probing optional fields.
package events

import (
	"encoding/json"
	"fmt"
)

// EventType labels what happened. The six names are the canonical wire
// strings watchers filter on.
type EventType string

const (
	EventListingCreated   EventType = "market_listing_created"
	EventListingPurchased EventType = "market_listing_purchased"
	EventListingCanceled  EventType = "market_listing_canceled"
	EventOfferCreated     EventType = "market_offer_created"
	EventOfferWithdraw    EventType = "market_offer_withdraw"
	EventOfferAccepted    EventType = "market_offer_accepted"
)

// Payload is the tagged variant carried by an Event. Exactly one concrete
// type exists per EventType.
type Payload interface {
	eventType() EventType
}

// ListingCreated is emitted when a seller lists a token.
type ListingCreated struct {
	Seller string `json:"seller"`
	Price  uint64 `json:"price"`
}

// ListingPurchased is emitted when a buyer purchases an active listing.
type ListingPurchased struct {
	Seller string `json:"seller"`
	Buyer  string `json:"buyer"`
	Price  uint64 `json:"price"`
}

// ListingCanceled is emitted when the seller cancels an active listing.
type ListingCanceled struct{}

// OfferCreated is emitted when a bidder's deposit is escrowed and the offer
// recorded.
type OfferCreated struct {
	Bidder string `json:"bidder"`
	Amount uint64 `json:"amount"`
}

// OfferWithdraw is emitted when a bidder withdraws an open offer and the
// escrowed amount is refunded.
type OfferWithdraw struct {
	Bidder string `json:"bidder"`
	Amount uint64 `json:"amount"`
}

// OfferAccepted is emitted when the owner accepts an offer: the token moves
// to the bidder and the escrowed amount to the seller.
type OfferAccepted struct {
	Seller string `json:"seller"`
	Bidder string `json:"bidder"`
	Amount uint64 `json:"amount"`
}

func (ListingCreated) eventType() EventType   { return EventListingCreated }
func (ListingPurchased) eventType() EventType { return EventListingPurchased }
func (ListingCanceled) eventType() EventType  { return EventListingCanceled }
func (OfferCreated) eventType() EventType     { return EventOfferCreated }
func (OfferWithdraw) eventType() EventType    { return EventOfferWithdraw }
func (OfferAccepted) eventType() EventType    { return EventOfferAccepted }

// Event is one committed state transition. Package carries the emitting
// deployment's package identity so a watcher can filter events belonging to
// one market among others on a shared ledger. Seq is assigned at commit
// time and is strictly increasing in commit order.
type Event struct {
	Seq       uint64
	Type      EventType
	Package   string
	TokenID   string
	RequestID string
	Payload   Payload
}

// New builds an event for payload; Type is derived from the variant.
func New(pkg, tokenID, requestID string, payload Payload) Event {
	return Event{
		Type:      payload.eventType(),
		Package:   pkg,
		TokenID:   tokenID,
		RequestID: requestID,
		Payload:   payload,
	}
}

// envelope is the wire form of an Event.
type envelope struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"event_type"`
	Package   string          `json:"contract_package_hash"`
	TokenID   string          `json:"token_id"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event with its type tag and variant data.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Seq:       e.Seq,
		Type:      e.Type,
		Package:   e.Package,
		TokenID:   e.TokenID,
		RequestID: e.RequestID,
		Data:      data,
	})
}

// UnmarshalJSON decodes the envelope and selects the payload variant from
// the type tag. Unknown tags are an error, never a silently empty payload.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	var payload Payload
	switch env.Type {
	case EventListingCreated:
		var p ListingCreated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		payload = p
	case EventListingPurchased:
		var p ListingPurchased
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		payload = p
	case EventListingCanceled:
		payload = ListingCanceled{}
	case EventOfferCreated:
		var p OfferCreated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		payload = p
	case EventOfferWithdraw:
		var p OfferWithdraw
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		payload = p
	case EventOfferAccepted:
		var p OfferAccepted
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}

	e.Seq = env.Seq
	e.Type = env.Type
	e.Package = env.Package
	e.TokenID = env.TokenID
	e.RequestID = env.RequestID
	e.Payload = payload
	return nil
}

// Decode parses a stored event-log record.
func Decode(raw []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

// Types returns all canonical event types, in a fixed order. Watchers use
// this to subscribe to the full stream.
func Types() []EventType {
	return []EventType{
		EventListingCreated,
		EventListingPurchased,
		EventListingCanceled,
		EventOfferCreated,
		EventOfferWithdraw,
		EventOfferAccepted,
	}
}
