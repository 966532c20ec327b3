// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"context"
	"testing"

	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

type stubBridge struct {
	latest types.BlockNumber
}

func (s *stubBridge) PushOrderedBlock(context.Context, types.Hash, types.Hash, types.BlockNumber, uint64, []types.Txn, []types.Address, []byte) error {
	return nil
}
func (s *stubBridge) PullExecutedBlockHash(context.Context) (ExecutedBlockHash, error) {
	return ExecutedBlockHash{}, nil
}
func (s *stubBridge) CommitExecutedBlockHash(context.Context, types.Hash, *types.Hash) error {
	return nil
}
func (s *stubBridge) GetBlockID(context.Context, types.BlockNumber) (types.Hash, error) {
	return types.Hash{}, nil
}
func (s *stubBridge) PreCommitBlock(context.Context, types.Hash) error { return nil }
func (s *stubBridge) CommitLedger(context.Context, []types.Hash, types.LedgerInfoWithSignatures) error {
	return nil
}
func (s *stubBridge) LatestBlockNumber(context.Context) (types.BlockNumber, error) {
	return s.latest, nil
}

func TestReconcileFindsMatchingBlock(t *testing.T) {
	older := &types.Block{ID: types.Hash{1}, Epoch: 1, Round: 1, BlockNumber: 5}
	newer := &types.Block{ID: types.Hash{2}, Epoch: 1, Round: 2, BlockNumber: 6}
	qc := &types.QuorumCert{VoteData: types.VoteData{Proposed: types.BlockInfo{ID: newer.ID}}}

	bridge := &stubBridge{latest: 6}
	root, err := Reconcile(context.Background(), bridge, []*types.Block{newer, older}, []*types.QuorumCert{qc}, types.LedgerInfo{})
	require.NoError(t, err)
	require.Equal(t, newer.ID, root.Block.ID)
	require.Same(t, qc, root.QC)
}

func TestReconcileFallsBackToGenesis(t *testing.T) {
	bridge := &stubBridge{latest: 42}
	fallback := types.LedgerInfo{CommitInfo: types.BlockInfo{BlockNumber: 42, Epoch: 3}}

	root, err := Reconcile(context.Background(), bridge, nil, nil, fallback)
	require.NoError(t, err)
	require.Nil(t, root.QC)
	require.Equal(t, types.BlockNumber(42), root.Block.BlockNumber)
	require.Equal(t, types.Epoch(4), root.Block.Epoch)
}
