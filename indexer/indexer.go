// Package indexer maintains secondary lookup tables over the committed
// event stream so off-ledger tooling can query a token's or deployment's
// history without scanning the full state log.
package indexer

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/storage"
)

const (
	prefixPackageEvents = "idx:pkg:"
	prefixTokenEvents   = "idx:token:"
)

// Indexer subscribes to market events and appends each one to per-package
// and per-token history lists in its own DB. It is a pure consumer: index
// writes never feed back into market state, and a failed write only loses
// index coverage, never a committed transition.
type Indexer struct {
	db  storage.DB
	log *zap.Logger
}

// New creates an Indexer backed by db and subscribes it to every market
// event type on emitter. A nil logger falls back to zap.NewNop.
func New(db storage.DB, emitter *events.Emitter, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	idx := &Indexer{db: db, log: log}
	for _, typ := range events.Types() {
		emitter.Subscribe(typ, idx.onEvent)
	}
	return idx
}

// EventsByPackage returns every indexed event for a deployment, in commit
// order.
func (idx *Indexer) EventsByPackage(pkg string) ([]events.Event, error) {
	return idx.getEvents(prefixPackageEvents + pkg)
}

// EventsByToken returns every indexed event touching a token under a
// deployment, in commit order.
func (idx *Indexer) EventsByToken(pkg, tokenID string) ([]events.Event, error) {
	return idx.getEvents(prefixTokenEvents + pkg + ":" + tokenID)
}

func (idx *Indexer) onEvent(ev events.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		idx.log.Error("indexer: encode event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return
	}
	if err := idx.appendToList(prefixPackageEvents+ev.Package, raw); err != nil {
		idx.log.Error("indexer: persist package index",
			zap.String("package", ev.Package),
			zap.Error(err))
		return
	}
	if err := idx.appendToList(prefixTokenEvents+ev.Package+":"+ev.TokenID, raw); err != nil {
		idx.log.Error("indexer: persist token index",
			zap.String("token_id", ev.TokenID),
			zap.Error(err))
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]json.RawMessage, error) {
	data, err := idx.db.Get([]byte(key))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil // empty list
	}
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return items, nil
}

func (idx *Indexer) getEvents(key string) ([]events.Event, error) {
	items, err := idx.getList(key)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(items))
	for _, raw := range items {
		ev, err := events.Decode(raw)
		if err != nil {
			return nil, errors.Wrap(err, "decode indexed event")
		}
		out = append(out, ev)
	}
	return out, nil
}

func (idx *Indexer) appendToList(key string, raw json.RawMessage) error {
	items, err := idx.getList(key)
	if err != nil {
		return err
	}
	items = append(items, raw)
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
