// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package jwk implements the JWK/oracle-consensus poller: poll a set
// of external sources keyed by
// gravity://<source_type>/<source_id>/<task_type> URIs, track
// per-URI nonce/update state to avoid unbounded re-poll amplification
// while consensus catches up, and submit accepted updates to the
// validator-txn pool. Like payload.Client, the external source is a
// narrow collaborator interface pulled under a small caller-driven
// contract.
package jwk

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/vtxnpool"
)

// URI identifies a poll target in gravity://<source_type>/<source_id>/
// <task_type>?<params> form.
type URI string

// PollResult is poll_uri's result.
type PollResult struct {
	MaxBlockNumber *uint64
	Nonce          *uint64
	Updated        bool
	JWKStructs     [][]byte
}

// Source is the external collaborator a URI is polled through; the
// RPC URL it targets is sourced from a separate config, out of scope
// here.
type Source interface {
	Poll(ctx context.Context, uri URI) (PollResult, error)
}

// perURIState is the fetched_nonce / last_had_update / last_result
// triple tracked per URI.
type perURIState struct {
	fetchedNonce  uint64
	lastHadUpdate bool
	lastResult    PollResult
}

// Poller runs the poll contract across a set of sources and submits
// accepted updates to a validator-txn pool.
type Poller struct {
	mu       sync.Mutex
	source   Source
	pool     *vtxnpool.Pool
	makeHash func(URI, PollResult) types.Hash
	epoch    types.Epoch

	state map[URI]*perURIState
}

// NewPoller builds a Poller over source, submitting accepted updates
// into pool tagged with epoch.
func NewPoller(source Source, pool *vtxnpool.Pool, epoch types.Epoch, makeHash func(URI, PollResult) types.Hash) *Poller {
	return &Poller{
		source:   source,
		pool:     pool,
		epoch:    epoch,
		makeHash: makeHash,
		state:    make(map[URI]*perURIState),
	}
}

// PollURI implements the poll contract: if the locally
// fetched nonce exceeds onchainNonce and the last poll carried an
// update, the cached last_result is returned without polling again
// (prevents unbounded amplification while consensus catches up);
// otherwise it polls source and updates the per-URI state.
func (p *Poller) PollURI(ctx context.Context, uri URI, onchainNonce *uint64, onchainBlock *uint64) (PollResult, error) {
	p.mu.Lock()
	if st, ok := p.state[uri]; ok && onchainNonce != nil && st.fetchedNonce > *onchainNonce && st.lastHadUpdate {
		cached := st.lastResult
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	result, err := p.source.Poll(ctx, uri)
	if err != nil {
		return PollResult{}, err
	}

	p.mu.Lock()
	st, ok := p.state[uri]
	if !ok {
		st = &perURIState{}
		p.state[uri] = st
	}
	if result.Nonce != nil {
		st.fetchedNonce = *result.Nonce
	}
	st.lastHadUpdate = result.Updated
	st.lastResult = result
	p.mu.Unlock()

	if result.Updated {
		p.pool.Insert(vtxnpool.Txn{
			Hash:  p.makeHash(uri, result),
			Kind:  vtxnpool.KindJWKUpdate,
			Epoch: p.epoch,
			Bytes: flattenJWKStructs(result.JWKStructs),
		})
	}

	return result, nil
}

// GetLastState returns the cached last_result for uri without
// polling, or false if no poll has ever completed for it.
func (p *Poller) GetLastState(uri URI) (PollResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[uri]
	if !ok {
		return PollResult{}, false
	}
	return st.lastResult, true
}

func flattenJWKStructs(structs [][]byte) []byte {
	var out []byte
	for _, s := range structs {
		out = append(out, s...)
	}
	return out
}

// OnChainState supplies the consensus-observed nonce/block for a URI
// at poll time; either pointer may be nil when the chain has no state
// for the URI yet.
type OnChainState func(uri URI) (nonce *uint64, block *uint64)

// Run polls every uri on the given interval until ctx is cancelled,
// submitting accepted updates through the pool the Poller was built
// over. The ticker is the caller's pacing choice; state reconciliation
// per poll is PollURI's.
func (p *Poller) Run(ctx context.Context, uris []URI, interval time.Duration, onchain OnChainState) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, uri := range uris {
				var nonce, block *uint64
				if onchain != nil {
					nonce, block = onchain(uri)
				}
				_, _ = p.PollURI(ctx, uri, nonce, block)
			}
		}
	}
}
