// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor is the narrow external-executor bridge: the
// interface the pipeline hands ordered blocks to and awaits
// execution/commit results from, plus the startup reconciliation
// that rebuilds the block-tree root from whatever the executor
// already knows on restart.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/quorumchain/types"
)

// ErrNoMatchingBlock names the case in which none of the recovered
// blocks carries the executor's reported latest block number.
// Reconcile does not return it: in that case it falls back to the
// virtual-genesis block.
var ErrNoMatchingBlock = errors.New("executor: no recovered block matches executor's latest block number")

// ExecutedBlockHash is PullExecutedBlockHash's result.
type ExecutedBlockHash struct {
	BlockID       types.Hash
	BlockNumber   types.BlockNumber
	ExecutionHash types.Hash
	TxsInfo       [][]byte
}

// Bridge is the narrow contract the external execution engine
// implements.
type Bridge interface {
	// PushOrderedBlock hands an ordered block's transactions (plus any
	// randomness beacon output) to the executor to begin execution.
	PushOrderedBlock(ctx context.Context, parentID, blockID types.Hash, number types.BlockNumber, timestampUsec uint64, txns []types.Txn, senders []types.Address, randomness []byte) error
	// PullExecutedBlockHash blocks until the executor has run the
	// oldest pushed-but-unexecuted block and returns its result.
	PullExecutedBlockHash(ctx context.Context) (ExecutedBlockHash, error)
	// CommitExecutedBlockHash signals final commit of blockID, with an
	// optional overriding block hash (e.g. for epoch-ending blocks).
	CommitExecutedBlockHash(ctx context.Context, blockID types.Hash, blockHash *types.Hash) error
	// GetBlockID returns the block id the executor associates with
	// number, used for restart reconciliation.
	GetBlockID(ctx context.Context, number types.BlockNumber) (types.Hash, error)
	// PreCommitBlock is a durability hint: it must be called and
	// awaited before post-pre-commit notifications, even where a
	// synchronously-committing executor treats it as a no-op.
	PreCommitBlock(ctx context.Context, blockID types.Hash) error
	// CommitLedger asks the executor to durably commit blockIDs under
	// the given aggregated ledger info.
	CommitLedger(ctx context.Context, blockIDs []types.Hash, li types.LedgerInfoWithSignatures) error
	// LatestBlockNumber returns the highest block number the executor
	// has executed, used by Reconcile.
	LatestBlockNumber(ctx context.Context) (types.BlockNumber, error)
}

// Root is the reconciled (epoch, round)-ordered block the block tree
// should be rooted at on startup, along with its certifying QC if one
// was recovered.
type Root struct {
	Block *types.Block
	QC    *types.QuorumCert
}

// Reconcile implements the startup reconciliation: query
// the executor's latest_block_number, sort recovered blocks by
// (epoch, round), find the one whose BlockNumber matches, and build
// the root from it with its QC; if none matches, fall back to the
// ledger-info-derived virtual-genesis block.
func Reconcile(ctx context.Context, bridge Bridge, recoveredBlocks []*types.Block, recoveredQCs []*types.QuorumCert, fallbackEndingLedgerInfo types.LedgerInfo) (Root, error) {
	latest, err := bridge.LatestBlockNumber(ctx)
	if err != nil {
		return Root{}, fmt.Errorf("executor: latest block number: %w", err)
	}

	sorted := append([]*types.Block(nil), recoveredBlocks...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Epoch != sorted[j].Epoch {
			return sorted[i].Epoch < sorted[j].Epoch
		}
		return sorted[i].Round < sorted[j].Round
	})

	qcByBlock := make(map[types.Hash]*types.QuorumCert, len(recoveredQCs))
	for _, qc := range recoveredQCs {
		qcByBlock[qc.CertifiedBlock().ID] = qc
	}

	for _, b := range sorted {
		if b.BlockNumber == latest {
			return Root{Block: b, QC: qcByBlock[b.ID]}, nil
		}
	}

	genesis := types.NewGenesisBlock(fallbackEndingLedgerInfo)
	return Root{Block: genesis}, nil
}
