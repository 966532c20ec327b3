// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"testing"

	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

func fourValidators() []types.ValidatorInfo {
	return []types.ValidatorInfo{
		{Author: types.NodeID{1}, VotingPower: 10},
		{Author: types.NodeID{2}, VotingPower: 10},
		{Author: types.NodeID{3}, VotingPower: 10},
		{Author: types.NodeID{4}, VotingPower: 10},
	}
}

func TestNewSetRejectsEmpty(t *testing.T) {
	_, err := NewSet(1, nil)
	require.Error(t, err)
}

func TestNewSetRejectsDuplicate(t *testing.T) {
	vs := fourValidators()
	vs = append(vs, vs[0])
	_, err := NewSet(1, vs)
	require.Error(t, err)
}

func TestQuorumVotingPower(t *testing.T) {
	s, err := NewSet(1, fourValidators())
	require.NoError(t, err)
	require.Equal(t, uint64(40), s.TotalVotingPower())
	require.Equal(t, uint64(27), s.QuorumVotingPower())
}

func TestHasQuorumVotingPower(t *testing.T) {
	s, err := NewSet(1, fourValidators())
	require.NoError(t, err)
	require.False(t, s.HasQuorumVotingPower([]types.NodeID{{1}, {2}}))
	require.True(t, s.HasQuorumVotingPower([]types.NodeID{{1}, {2}, {3}}))
}

func TestOrderedIsDeterministic(t *testing.T) {
	vs := fourValidators()
	s1, err := NewSet(1, vs)
	require.NoError(t, err)
	// Rebuild from a reshuffled slice; order must still come out sorted.
	reshuffled := []types.ValidatorInfo{vs[2], vs[0], vs[3], vs[1]}
	s2, err := NewSet(1, reshuffled)
	require.NoError(t, err)
	require.Equal(t, s1.Ordered(), s2.Ordered())
}

func TestLeaderForIsDeterministicPerRound(t *testing.T) {
	s, err := NewSet(1, fourValidators())
	require.NoError(t, err)
	ls := NewLeaderSchedule(s)
	l1 := ls.LeaderFor(5)
	l2 := ls.LeaderFor(5)
	require.Equal(t, l1, l2)
	require.True(t, s.Contains(l1))
}
