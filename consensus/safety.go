// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/quorumchain/store"
	"github.com/luxfi/quorumchain/types"
)

// ErrSafetyViolation is returned when producing a vote would
// equivocate. It is locally fatal: the caller must stop voting and
// surface the error rather than risk a double vote.
var ErrSafetyViolation = errors.New("consensus: safety violation")

// Rules is the two-chain safety rule: maintain last_voted_round and
// preferred_round on disk. A vote is allowed for block B iff
// B.round > last_voted_round and
// B.quorum_cert.certified_block.round >= preferred_round. On
// producing a vote, update last_voted_round := B.round and
// preferred_round := max(preferred_round, B.quorum_cert.parent_block.
// round), then fsync before send.
type Rules struct {
	mu    sync.Mutex
	store *store.Store
	data  store.SafetyData
}

// NewRules loads the persisted safety data (zero value for a replica
// that has never voted) and builds a Rules over it.
func NewRules(s *store.Store) (*Rules, error) {
	data, err := s.SafetyData()
	if err != nil {
		return nil, err
	}
	return &Rules{store: s, data: data}, nil
}

// CheckVote reports whether voting for block is currently allowed.
// block.QC is the QC block carries (certifying its parent); a genesis
// or NIL-root block with no QC is always allowed through the
// preferred-round check (there is no parent to measure).
func (r *Rules) CheckVote(block *types.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if block.Round <= r.data.LastVotedRound {
		return fmt.Errorf("%w: round %d <= last_voted_round %d", ErrSafetyViolation, block.Round, r.data.LastVotedRound)
	}
	if block.QC != nil && block.QC.CertifiedBlock().Round < r.data.PreferredRound {
		return fmt.Errorf("%w: certified round %d < preferred_round %d", ErrSafetyViolation, block.QC.CertifiedBlock().Round, r.data.PreferredRound)
	}
	return nil
}

// RecordVote advances last_voted_round/preferred_round for block and
// fsyncs the result before returning, so the caller may only send the
// vote once this call has completed.
func (r *Rules) RecordVote(block *types.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := r.data
	data.LastVotedRound = block.Round
	if block.QC != nil && block.QC.ParentBlock().Round > data.PreferredRound {
		data.PreferredRound = block.QC.ParentBlock().Round
	}
	if err := r.store.SaveSafetyData(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

// Snapshot returns the current (last_voted_round, preferred_round)
// pair, for diagnostics and tests.
func (r *Rules) Snapshot() store.SafetyData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}
