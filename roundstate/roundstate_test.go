// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roundstate

import (
	"testing"
	"time"

	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

// fakeTimer/fakeClock let tests avoid racing against a real timer;
// AfterFunc never fires its callback.
type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	wasRunning := !t.stopped
	t.stopped = true
	return wasRunning
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) AfterFunc(time.Duration, func()) Timer {
	return &fakeTimer{}
}

func verifierOf(t *testing.T, weights ...uint64) *crypto.Verifier {
	t.Helper()
	infos := make([]types.ValidatorInfo, len(weights))
	for i, w := range weights {
		infos[i] = types.ValidatorInfo{Author: types.NodeID{byte(i + 1)}, VotingPower: w}
	}
	v, err := crypto.NewVerifier(1, infos)
	require.NoError(t, err)
	return v
}

func TestAddVoteEmitsQCAtThreshold(t *testing.T) {
	v := verifierOf(t, 1, 1, 1, 1)
	s := New(v, &fakeClock{}, 0, time.Second, 5*time.Second, nil)

	vd := types.VoteData{Proposed: types.BlockInfo{Round: 1, ID: types.Hash{9}}}
	var qc *types.QuorumCert
	for i := 0; i < 3; i++ {
		vote := &types.Vote{Author: types.NodeID{byte(i + 1)}, VoteData: vd}
		var err error
		qc, err = s.AddVote(vote)
		require.NoError(t, err)
		if i < 2 {
			require.Nil(t, qc)
		}
	}
	require.NotNil(t, qc)
	require.Equal(t, types.Round(1), qc.Round())
	require.Equal(t, types.Round(2), s.CurrentRound())
}

func TestAddVoteQCEmittedOnce(t *testing.T) {
	v := verifierOf(t, 1, 1, 1, 1)
	s := New(v, &fakeClock{}, 0, time.Second, 5*time.Second, nil)
	vd := types.VoteData{Proposed: types.BlockInfo{Round: 1, ID: types.Hash{9}}}
	for i := 0; i < 3; i++ {
		_, err := s.AddVote(&types.Vote{Author: types.NodeID{byte(i + 1)}, VoteData: vd})
		require.NoError(t, err)
	}
	// A fourth, already-quorate vote must not re-emit.
	qc, err := s.AddVote(&types.Vote{Author: types.NodeID{4}, VoteData: vd})
	require.NoError(t, err)
	require.Nil(t, qc)
}

func TestAddTimeoutEmitsTCAndAdvancesRound(t *testing.T) {
	v := verifierOf(t, 1, 1, 1, 1)
	s := New(v, &fakeClock{}, 3, time.Second, 5*time.Second, nil)

	var tc *types.TwoChainTimeoutCertificate
	for i := 0; i < 3; i++ {
		ti := &types.TimeoutInfo{Epoch: 1, Round: 3, HighQCRound: 2, Author: types.NodeID{byte(i + 1)}}
		var err error
		tc, err = s.AddTimeout(ti)
		require.NoError(t, err)
	}
	require.NotNil(t, tc)
	require.Equal(t, types.Round(4), s.CurrentRound())
	require.Equal(t, types.Round(2), tc.MaxHighQCRound())
}
