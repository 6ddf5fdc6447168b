// Package peerbook implements the per-identity Peer Book (spec §4.H):
// known-peer records, address-set merge, last-seen bookkeeping. Grounded on
// internal/storage/message_store.go's copy-on-write, full-file-rewrite
// persistence idiom, applied here to a PeerRecord map instead of messages.
package peerbook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"clawgate/internal/model"
)

// Book is one identity's peer book, backed by peers.json.
type Book struct {
	mu      sync.RWMutex
	path    string
	records map[string]model.PeerRecord
}

// New loads (or initializes) the peer book at path.
func New(path string) (*Book, error) {
	b := &Book{path: path, records: make(map[string]model.PeerRecord)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var list []model.PeerRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, r := range list {
		b.records[r.Principal] = r
	}
	return nil
}

func (b *Book) persistLocked() error {
	if b.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	list := make([]model.PeerRecord, 0, len(b.records))
	for _, r := range b.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Principal < list[j].Principal })
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

// Add merges an address (and optional alias) into principal's record,
// creating it if absent. Addresses are stored as a set.
func (b *Book) Add(principal, address, alias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[principal]
	if !ok {
		rec = model.PeerRecord{Principal: principal, FirstSeen: time.Now().UTC()}
	}
	rec.Addresses = mergeAddresses(rec.Addresses, []string{address})
	if alias != "" {
		rec.Alias = alias
	}
	rec.LastSeen = time.Now().UTC()
	b.records[principal] = rec
	return b.persistLocked()
}

// Remove deletes principal's record entirely.
func (b *Book) Remove(principal string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[principal]; !ok {
		return nil
	}
	delete(b.records, principal)
	return b.persistLocked()
}

// List snapshots all records.
func (b *Book) List() []model.PeerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.PeerRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// Get returns the record for principal, if any.
func (b *Book) Get(principal string) (model.PeerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[principal]
	return r, ok
}

// MarkVerified upgrades a principal's record to verified on successful
// session authentication (spec §4.C step 3, §4.H), recording the node
// public key and merging any addresses learned through the dial.
func (b *Book) MarkVerified(principal string, nodePublicKey []byte, learnedAddresses []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[principal]
	if !ok {
		rec = model.PeerRecord{Principal: principal, FirstSeen: time.Now().UTC()}
	}
	rec.NodePublicKey = append([]byte(nil), nodePublicKey...)
	rec.Addresses = mergeAddresses(rec.Addresses, learnedAddresses)
	rec.Verified = true
	rec.LastSeen = time.Now().UTC()
	b.records[principal] = rec
	return b.persistLocked()
}

// Merge applies one gossiped PX-1 record, merging its addresses (pex.Exchange
// skips records naming the local identity before calling it); verified is
// never downgraded by gossip and never upgraded by it either (only
// MarkVerified, from an actual handshake, sets it true).
// Idempotent and commutative on address sets per spec §8.
func (b *Book) Merge(principal string, nodePublicKey []byte, addresses []string, sourcePrincipal string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[principal]
	if !ok {
		rec = model.PeerRecord{Principal: principal, FirstSeen: time.Now().UTC()}
	}
	if len(nodePublicKey) == 32 && len(rec.NodePublicKey) == 0 {
		rec.NodePublicKey = append([]byte(nil), nodePublicKey...)
	}
	rec.Addresses = mergeAddresses(rec.Addresses, addresses)
	rec.SourcePrincipal = sourcePrincipal
	rec.LastSeen = time.Now().UTC()
	b.records[principal] = rec
	return b.persistLocked()
}

func mergeAddresses(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, a := range existing {
		set[a] = struct{}{}
	}
	for _, a := range incoming {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
