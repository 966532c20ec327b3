// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vtxnpool holds the unordered pool of pending validator
// transactions (DKG results, JWK updates) that dkg/jwk publish into
// and proposalgen pulls from.
package vtxnpool

import (
	"sync"

	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/utils/linked"
)

// Kind discriminates the validator-transaction payload variants this
// core actually produces.
type Kind uint8

const (
	KindDKGResult Kind = iota
	KindJWKUpdate
)

// Txn is a single validator transaction pending inclusion in a block.
type Txn struct {
	Hash  types.Hash
	Kind  Kind
	Epoch types.Epoch
	Bytes []byte
}

// Pool is the unordered, dedup-by-hash set of pending validator
// transactions shared across DKG, JWK, and the proposal generator.
// Producers append; consumers pull under a caller-supplied filter;
// dedup by transaction hash makes concurrent pulls idempotent.
type Pool struct {
	mu      sync.Mutex
	byHash  *linked.Hashmap[types.Hash, Txn]
	maxSize int
}

// NewPool constructs an empty pool bounded at maxSize entries (0 means
// unbounded).
func NewPool(maxSize int) *Pool {
	return &Pool{
		byHash:  linked.NewHashmap[types.Hash, Txn](),
		maxSize: maxSize,
	}
}

// Insert adds txn to the pool. Re-inserting an existing hash is a
// no-op (idempotent dedup). Returns false if the pool is at capacity
// and txn is new.
func (p *Pool) Insert(txn Txn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash.Get(txn.Hash); exists {
		return true
	}
	if p.maxSize > 0 && p.byHash.Len() >= p.maxSize {
		return false
	}
	p.byHash.Put(txn.Hash, txn)
	return true
}

// Remove drops hashes from the pool, e.g. once they are included in a
// committed block.
func (p *Pool) Remove(hashes ...types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.byHash.Delete(h)
	}
}

// Len reports the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byHash.Len()
}

// Pull returns up to maxCount pending transactions whose hash is not
// present in excludeHashes, oldest first.
func (p *Pool) Pull(maxCount int, excludeHashes map[types.Hash]struct{}) []Txn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Txn, 0, maxCount)
	p.byHash.Iterate(func(h types.Hash, txn Txn) bool {
		if _, excluded := excludeHashes[h]; excluded {
			return true
		}
		out = append(out, txn)
		return maxCount <= 0 || len(out) < maxCount
	})
	return out
}

// Flush clears every pending transaction, used on epoch change to
// drop items staled by the new validator set.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHash.Clear()
}
