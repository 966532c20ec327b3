// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/luxfi/quorumchain/types"
)

// LeaderSchedule assigns a round's proposer by weighted random
// selection seeded by (epoch, round). Each validator's selection probability is
// proportional to its voting power.
type LeaderSchedule struct {
	set *Set
}

// NewLeaderSchedule builds a LeaderSchedule over set.
func NewLeaderSchedule(set *Set) *LeaderSchedule {
	return &LeaderSchedule{set: set}
}

// LeaderFor returns the validator elected to propose at round.
func (ls *LeaderSchedule) LeaderFor(round types.Round) types.NodeID {
	ls.set.mu.RLock()
	defer ls.set.mu.RUnlock()

	seed := seedFor(ls.set.epoch, round)
	target := seed % ls.set.totalWeight

	var cum uint64
	for _, author := range ls.set.order {
		cum += ls.set.byAuthor[author].VotingPower
		if target < cum {
			return author
		}
	}
	// Unreachable unless totalWeight is 0, which NewSet rejects.
	return ls.set.order[len(ls.set.order)-1]
}

func seedFor(epoch types.Epoch, round types.Round) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(epoch))
	binary.BigEndian.PutUint64(buf[8:16], uint64(round))
	digest := sha256.Sum256(buf[:])
	return binary.BigEndian.Uint64(digest[:8])
}
