// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package proposer

import (
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/validators"
)

// Election combines the weighted leader schedule with the
// back-pressure advisor: given a round it returns the elected
// proposer, and it derives the voting-power participation ratio the
// chain-health backoff consumes.
type Election struct {
	schedule *validators.LeaderSchedule
	set      *validators.Set
	advisor  *Advisor
}

// NewElection builds an Election over set, using advisor for
// back-pressure calibration.
func NewElection(set *validators.Set, advisor *Advisor) *Election {
	return &Election{
		schedule: validators.NewLeaderSchedule(set),
		set:      set,
		advisor:  advisor,
	}
}

// LeaderFor returns the validator elected to propose at round.
func (e *Election) LeaderFor(round types.Round) types.NodeID {
	return e.schedule.LeaderFor(round)
}

// VotingPowerParticipationRatio derives the chain-health input from
// the authors of recent QCs.
func (e *Election) VotingPowerParticipationRatio(recentQCAuthors [][]types.NodeID) uint64 {
	return VotingPowerParticipationRatio(e.set, recentQCAuthors)
}

// Advise delegates to the configured back-pressure Advisor.
func (e *Election) Advise(votingPowerRatioPct, pendingMs uint64, recentExec []types.ExecutionSummary, currentCap uint64) (BackPressureLimits, bool) {
	return e.advisor.Advise(votingPowerRatioPct, pendingMs, recentExec, currentCap)
}
