// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package proposalgen

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/quorumchain/payload"
	"github.com/luxfi/quorumchain/proposer"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/validators"
	"github.com/luxfi/quorumchain/vtxnpool"
	"github.com/stretchr/testify/require"
)

type fixedMempool struct {
	txns []types.Txn
}

func (f *fixedMempool) PullTxns(_ context.Context, _ uint64, _ uint64, _ map[types.Hash]struct{}) ([]types.Txn, error) {
	return f.txns, nil
}

func (f *fixedMempool) MempoolSnapshot() []payload.PendingTxnSummary { return nil }

func fourValidatorSet(t *testing.T) *validators.Set {
	t.Helper()
	infos := make([]types.ValidatorInfo, 4)
	for i := range infos {
		infos[i] = types.ValidatorInfo{Author: types.NodeID{byte(i + 1)}, VotingPower: 10}
	}
	set, err := validators.NewSet(1, infos)
	require.NoError(t, err)
	return set
}

func genesisParent() *types.PipelinedBlock {
	b := types.NewGenesisBlock(types.LedgerInfo{})
	return &types.PipelinedBlock{Block: b, InsertionTime: time.Now()}
}

func TestGenerateProposalBuildsDirectMempoolBlock(t *testing.T) {
	set := fourValidatorSet(t)
	advisor := proposer.NewAdvisor(nil, nil, proposer.ExecutionBackpressureConfig{})
	election := proposer.NewElection(set, advisor)
	client := payload.NewClient(&fixedMempool{txns: []types.Txn{{Hash: types.Hash{7}}}})
	vpool := vtxnpool.NewPool(0)
	g := NewGenerator(election, client, vpool, Config{
		MaxBlockTxnsAfterFiltering: 100,
		MaxBlockBytes:              1 << 20,
		MaxFailedAuthorsToStore:    2,
		MaxValidatorTxnsPerBlock:   8,
	})

	parent := genesisParent()
	b, err := g.GenerateProposal(context.Background(), Request{
		Parent:        parent,
		Round:         1,
		Epoch:         1,
		Proposer:      types.NodeID{1},
		TimestampUsec: 1000,
		PullDeadline:  time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, types.PayloadDirectMempool, b.Payload.Kind)
	require.Len(t, b.Payload.DirectTxns, 1)
	require.Equal(t, parent.ID(), b.ParentID)
	require.Equal(t, parent.Block.BlockNumber+1, b.BlockNumber)
	require.Equal(t, b.ComputeID(), b.ID)
}

func TestGenerateProposalEmptyPayloadIsNIL(t *testing.T) {
	set := fourValidatorSet(t)
	advisor := proposer.NewAdvisor(nil, nil, proposer.ExecutionBackpressureConfig{})
	election := proposer.NewElection(set, advisor)
	client := payload.NewClient(&fixedMempool{})
	vpool := vtxnpool.NewPool(0)
	g := NewGenerator(election, client, vpool, Config{MaxBlockTxnsAfterFiltering: 100, MaxBlockBytes: 1 << 20})

	parent := genesisParent()
	b, err := g.GenerateProposal(context.Background(), Request{
		Parent:             parent,
		Round:              1,
		Epoch:              1,
		Proposer:           types.NodeID{1},
		PullDeadline:       time.Now().Add(20 * time.Millisecond),
		PendingOrdering:    true,
		RecentFillFraction: 0,
		FillThreshold:      1,
		PendingThreshold:   10,
	})
	require.NoError(t, err)
	require.True(t, b.IsNIL())
}

func TestGenerateProposalTruncatesFailedAuthors(t *testing.T) {
	set := fourValidatorSet(t)
	advisor := proposer.NewAdvisor(nil, nil, proposer.ExecutionBackpressureConfig{})
	election := proposer.NewElection(set, advisor)
	client := payload.NewClient(&fixedMempool{})
	vpool := vtxnpool.NewPool(0)
	g := NewGenerator(election, client, vpool, Config{
		MaxBlockTxnsAfterFiltering: 100,
		MaxBlockBytes:              1 << 20,
		MaxFailedAuthorsToStore:    1,
	})

	parent := genesisParent()
	b, err := g.GenerateProposal(context.Background(), Request{
		Parent:       parent,
		Round:        1,
		Epoch:        1,
		Proposer:     types.NodeID{1},
		PullDeadline: time.Now().Add(20 * time.Millisecond),
		FailedAuthors: []types.FailedAuthor{
			{Round: 1, Author: types.NodeID{2}},
			{Round: 2, Author: types.NodeID{3}},
		},
		PendingOrdering:    true,
		RecentFillFraction: 0,
		FillThreshold:      1,
		PendingThreshold:   10,
	})
	require.NoError(t, err)
	require.Len(t, b.FailedAuthors, 1)
	require.Equal(t, types.Round(2), b.FailedAuthors[0].Round)
}

func TestEffectiveCapsAppliesFloorAndMaxTxnsToExecute(t *testing.T) {
	set := fourValidatorSet(t)
	advisor := proposer.NewAdvisor(nil, nil, proposer.ExecutionBackpressureConfig{
		MinCalibratedTxnsPerBlock: 1,
		TargetBlockTimeMs:         100,
		MinBlockTimeMsToActivate:  1,
		Percentile:                0.5,
	})
	election := proposer.NewElection(set, advisor)
	client := payload.NewClient(&fixedMempool{})
	vpool := vtxnpool.NewPool(0)
	g := NewGenerator(election, client, vpool, Config{
		MaxBlockTxnsAfterFiltering:                      500,
		MaxBlockBytes:                                   1 << 20,
		MinMaxTxnsInBlockAfterFilteringFromBackpressure: 250,
	})

	recent := []types.ExecutionSummary{
		{PayloadLen: 500, ToCommit: 400, ToRetry: 100, ExecutionTime: 200 * time.Millisecond},
	}
	maxTxns, _, maxTxnsToExecute := g.effectiveCaps(Request{RecentExecutions: recent})
	require.Equal(t, uint64(250), maxTxns)
	require.NotNil(t, maxTxnsToExecute)
	require.Equal(t, uint64(200), *maxTxnsToExecute)
}
