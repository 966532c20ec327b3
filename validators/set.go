// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validators holds the per-epoch weighted validator set and
// the leader-schedule primitives built on top of it.
package validators

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/quorumchain/types"
)

// ErrUnknownValidator is returned when an operation names a node that
// is not a member of the set.
var ErrUnknownValidator = errors.New("validators: unknown validator")

// Set is a weighted, epoch-scoped validator set. It is safe for
// concurrent reads; it is typically replaced wholesale on epoch
// change rather than mutated in place.
type Set struct {
	mu          sync.RWMutex
	epoch       types.Epoch
	byAuthor    map[types.NodeID]types.ValidatorInfo
	order       []types.NodeID // ascending NodeID order, for deterministic iteration
	totalWeight uint64
}

// NewSet builds a Set for epoch from its validator list. Entries are
// sorted by NodeID so two nodes that observe the same EpochState agree
// on iteration/signer-index order without further coordination.
func NewSet(epoch types.Epoch, infos []types.ValidatorInfo) (*Set, error) {
	if len(infos) == 0 {
		return nil, errors.New("validators: empty set")
	}
	s := &Set{
		epoch:    epoch,
		byAuthor: make(map[types.NodeID]types.ValidatorInfo, len(infos)),
	}
	for _, vi := range infos {
		if _, dup := s.byAuthor[vi.Author]; dup {
			return nil, fmt.Errorf("validators: duplicate author %s", vi.Author)
		}
		s.byAuthor[vi.Author] = vi
		s.order = append(s.order, vi.Author)
		s.totalWeight += vi.VotingPower
	}
	sort.Slice(s.order, func(i, j int) bool {
		return bytes.Compare(s.order[i][:], s.order[j][:]) < 0
	})
	return s, nil
}

// FromEpochState builds a Set from an EpochState embedded in a
// committed BlockInfo on epoch change.
func FromEpochState(es *types.EpochState) (*Set, error) {
	if es == nil {
		return nil, errors.New("validators: nil epoch state")
	}
	return NewSet(es.Epoch, es.Validators)
}

// Epoch returns the epoch this set was built for.
func (s *Set) Epoch() types.Epoch { return s.epoch }

// Len returns the number of validators in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// TotalVotingPower returns the sum of all members' voting power.
func (s *Set) TotalVotingPower() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalWeight
}

// QuorumVotingPower is the 2f+1-by-weight byzantine threshold.
func (s *Set) QuorumVotingPower() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (2*s.totalWeight)/3 + 1
}

// Get returns the ValidatorInfo for author.
func (s *Set) Get(author types.NodeID) (types.ValidatorInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vi, ok := s.byAuthor[author]
	if !ok {
		return types.ValidatorInfo{}, fmt.Errorf("%w: %s", ErrUnknownValidator, author)
	}
	return vi, nil
}

// Contains reports whether author is a member of the set.
func (s *Set) Contains(author types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAuthor[author]
	return ok
}

// Ordered returns the set's members in stable ascending-NodeID order,
// the order signer bitmaps are indexed against.
func (s *Set) Ordered() []types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NodeID, len(s.order))
	copy(out, s.order)
	return out
}

// IndexOf returns author's position in Ordered(), or -1 if not a
// member.
func (s *Set) IndexOf(author types.NodeID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, a := range s.order {
		if a == author {
			return i
		}
	}
	return -1
}

// HasQuorumVotingPower reports whether the given authors together
// carry at least the 2f+1 threshold.
func (s *Set) HasQuorumVotingPower(authors []types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	seen := make(map[types.NodeID]struct{}, len(authors))
	for _, a := range authors {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		total += s.byAuthor[a].VotingPower
	}
	return total >= (2*s.totalWeight)/3+1
}
