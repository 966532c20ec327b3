// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocktree

import (
	"testing"

	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

func genesisPB() *types.PipelinedBlock {
	g := types.NewGenesisBlock(types.LedgerInfo{CommitInfo: types.BlockInfo{Epoch: 0, BlockNumber: 0}})
	return &types.PipelinedBlock{Block: g}
}

func child(parent *types.Block, round types.Round) *types.PipelinedBlock {
	b := &types.Block{
		ParentID:    parent.ID,
		Epoch:       parent.Epoch,
		Round:       round,
		BlockNumber: parent.BlockNumber + 1,
		Payload:     types.Payload{Kind: types.PayloadEmpty},
	}
	b.ID = b.ComputeID()
	return &types.PipelinedBlock{Block: b}
}

func TestInsertBlockRejectsMissingParent(t *testing.T) {
	g := genesisPB()
	tree := New(g.Block.Epoch, g, 8)

	orphan := child(&types.Block{ID: types.Hash{0xFF}, Epoch: g.Block.Epoch, Round: 99}, 100)
	err := tree.InsertBlock(orphan)
	require.ErrorIs(t, err, ErrParentMissing)
}

func TestInsertBlockAndPath(t *testing.T) {
	g := genesisPB()
	tree := New(g.Block.Epoch, g, 8)

	b1 := child(g.Block, 1)
	require.NoError(t, tree.InsertBlock(b1))
	b2 := child(b1.Block, 2)
	require.NoError(t, tree.InsertBlock(b2))

	path, err := tree.PathFromCommitRoot(b2.ID())
	require.NoError(t, err)
	require.Len(t, path, 2)
	require.Equal(t, b1.ID(), path[0].ID)
	require.Equal(t, b2.ID(), path[1].ID)
}

func TestInsertQCMonotonicity(t *testing.T) {
	g := genesisPB()
	tree := New(g.Block.Epoch, g, 8)

	qcLow := &types.QuorumCert{VoteData: types.VoteData{Proposed: types.BlockInfo{Round: 2}}}
	qcHigh := &types.QuorumCert{VoteData: types.VoteData{Proposed: types.BlockInfo{Round: 5}}}
	require.NoError(t, tree.InsertQC(qcHigh))
	require.NoError(t, tree.InsertQC(qcLow))
	require.Equal(t, types.Round(5), tree.HighestQuorumCert().Round())
}

func TestPruneRemovesNonDescendants(t *testing.T) {
	g := genesisPB()
	tree := New(g.Block.Epoch, g, 8)

	b1 := child(g.Block, 1)
	require.NoError(t, tree.InsertBlock(b1))
	b2a := child(b1.Block, 2)
	require.NoError(t, tree.InsertBlock(b2a))

	// A sibling branch off genesis that should be pruned away.
	sibling := child(g.Block, 1)
	sibling.Block.TimestampUsec = 1 // distinguish id from b1
	sibling.Block.ID = sibling.Block.ComputeID()
	require.NoError(t, tree.InsertBlock(sibling))

	require.Equal(t, 4, tree.Len())
	removed, err := tree.Prune(b1.ID())
	require.NoError(t, err)
	require.Contains(t, removed, g.Block.ID)
	require.Contains(t, removed, sibling.ID())
	require.Equal(t, 2, tree.Len())
}

func TestRecentBlockExecutionTimesBounded(t *testing.T) {
	g := genesisPB()
	tree := New(g.Block.Epoch, g, 2)
	tree.RecordExecutionSummary(types.ExecutionSummary{BlockID: types.Hash{1}})
	tree.RecordExecutionSummary(types.ExecutionSummary{BlockID: types.Hash{2}})
	tree.RecordExecutionSummary(types.ExecutionSummary{BlockID: types.Hash{3}})

	recent := tree.RecentBlockExecutionTimes(10)
	require.Len(t, recent, 2)
	require.Equal(t, types.Hash{2}, recent[0].BlockID)
	require.Equal(t, types.Hash{3}, recent[1].BlockID)
}
