package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it.  All prefix constants must be declared
// via this function; manually editing statePrefixes is not required.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated automatically by registerPrefix() below.
// ComputeRoot() iterates these prefixes to build the full world-state view.
var statePrefixes []string

var (
	prefixAccount = registerPrefix("acct:")
	prefixListing = registerPrefix("listing:")
	prefixActive  = registerPrefix("active:")
	prefixOffer   = registerPrefix("offer:")
	prefixEscrow  = registerPrefix("escrow:")
	prefixNamed   = registerPrefix("name:")
	prefixEvent   = registerPrefix("event:")
	prefixSeq     = registerPrefix("seq:")
)

const eventSeqKey = "seq:event"

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// scanPrefix merges persisted entries under prefix with the uncommitted
// write buffer and returns them in ascending key order. Every prefix read
// must go through this so uncommitted writes are visible mid-request.
func (s *StateDB) scanPrefix(prefix string) ([]string, map[string][]byte) {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		k := string(it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[k] = v
	}
	it.Release()

	for k, v := range s.dirty {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, merged
}

func offerKey(tokenID, bidder string) string {
	return prefixOffer + tokenID + ":" + bidder
}

func escrowKey(tokenID, bidder string) string {
	return prefixEscrow + tokenID + ":" + bidder
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(prefixAccount + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, errors.Wrap(err, "decode account")
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	s.set(prefixAccount+acc.Address, data)
	return nil
}

// ---- Listing store ----

func (s *StateDB) GetListing(id string) (*core.Listing, error) {
	data, err := s.get(prefixListing + id)
	if err != nil {
		return nil, err
	}
	var l core.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "decode listing")
	}
	return &l, nil
}

func (s *StateDB) SetListing(l *core.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	s.set(prefixListing+l.ID, data)
	return nil
}

func (s *StateDB) ActiveListing(tokenID string) (*core.Listing, error) {
	id, err := s.get(prefixActive + tokenID)
	if err != nil {
		return nil, err
	}
	return s.GetListing(string(id))
}

func (s *StateDB) SetActiveListing(tokenID, listingID string) error {
	s.set(prefixActive+tokenID, []byte(listingID))
	return nil
}

func (s *StateDB) ClearActiveListing(tokenID string) error {
	s.del(prefixActive + tokenID)
	return nil
}

// ---- Offer book ----

func (s *StateDB) GetOffer(tokenID, bidder string) (*core.Offer, error) {
	data, err := s.get(offerKey(tokenID, bidder))
	if err != nil {
		return nil, err
	}
	var o core.Offer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrap(err, "decode offer")
	}
	return &o, nil
}

func (s *StateDB) SetOffer(o *core.Offer) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	s.set(offerKey(o.TokenID, o.Bidder), data)
	return nil
}

func (s *StateDB) OpenOffers(tokenID string) ([]*core.Offer, error) {
	keys, merged := s.scanPrefix(prefixOffer + tokenID + ":")
	var open []*core.Offer
	for _, k := range keys {
		var o core.Offer
		if err := json.Unmarshal(merged[k], &o); err != nil {
			return nil, errors.Wrapf(err, "decode offer %s", k)
		}
		if o.Status == core.OfferOpen {
			open = append(open, &o)
		}
	}
	return open, nil
}

// ---- Escrow ledger ----

func (s *StateDB) GetEscrow(tokenID, bidder string) (*core.EscrowEntry, error) {
	data, err := s.get(escrowKey(tokenID, bidder))
	if err != nil {
		return nil, err
	}
	var e core.EscrowEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode escrow entry")
	}
	return &e, nil
}

func (s *StateDB) SetEscrow(e *core.EscrowEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.set(escrowKey(e.TokenID, e.Bidder), data)
	return nil
}

func (s *StateDB) DeleteEscrow(tokenID, bidder string) error {
	s.del(escrowKey(tokenID, bidder))
	return nil
}

func (s *StateDB) EscrowTotal() (uint64, error) {
	keys, merged := s.scanPrefix(prefixEscrow)
	var total uint64
	for _, k := range keys {
		var e core.EscrowEntry
		if err := json.Unmarshal(merged[k], &e); err != nil {
			return 0, errors.Wrapf(err, "decode escrow entry %s", k)
		}
		total += e.Amount
	}
	return total, nil
}

// ---- Named values ----

func (s *StateDB) GetNamedValue(key string) (string, error) {
	data, err := s.get(prefixNamed + key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *StateDB) SetNamedValue(key, value string) error {
	s.set(prefixNamed+key, []byte(value))
	return nil
}

// ---- Event log ----

// LastEventSeq returns the sequence number of the most recently appended
// event, including uncommitted appends, or 0 when the log is empty.
func (s *StateDB) LastEventSeq() (uint64, error) {
	data, err := s.get(eventSeqKey)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "decode event sequence")
	}
	return seq, nil
}

// AppendEvent stores raw under seq and advances the counter. The write sits
// in the buffer like any other mutation, so a rolled-back request leaves no
// trace in the log.
func (s *StateDB) AppendEvent(seq uint64, raw []byte) error {
	last, err := s.LastEventSeq()
	if err != nil {
		return err
	}
	if seq != last+1 {
		return fmt.Errorf("event sequence gap: appending %d after %d", seq, last)
	}
	s.set(eventSeqKey, []byte(strconv.FormatUint(seq, 10)))
	s.set(fmt.Sprintf("%s%020d", prefixEvent, seq), raw)
	return nil
}

func (s *StateDB) EventsSince(seq uint64) ([][]byte, error) {
	keys, merged := s.scanPrefix(prefixEvent)
	var out [][]byte
	for _, k := range keys {
		n, err := strconv.ParseUint(k[len(prefixEvent):], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed event key %s", k)
		}
		if n >= seq {
			out = append(out, merged[k])
		}
	}
	return out, nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state.
// It merges all persisted state entries with the current write buffer, then
// hashes the sorted key-value pairs using length-prefix encoding.  It does
// NOT flush or modify state, so it is safe to call before acknowledging a
// request as final.
func (s *StateDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		keys, part := s.scanPrefix(prefix)
		for _, k := range keys {
			merged[k] = part[k]
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// Batch and then clears it. The executor calls this exactly once per
// successful request, after appending the request's events.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
