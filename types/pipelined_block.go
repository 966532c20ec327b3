// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "time"

// StateComputeResult is the opaque output of executing a block's
// transactions, as produced by the external executor bridge.
type StateComputeResult struct {
	ExecutedStateHash Hash
	NumLeaves         uint64 // txn accumulator leaf count, for block-number derivation
	CompactTxnInfos   [][]byte
}

// PipelinedBlock augments a Block with everything the pipeline
// produces as it runs the block through execution and commit.
type PipelinedBlock struct {
	Block *Block

	InsertionTime time.Time

	// InputTxns is the flattened [metadata, validator_txns, user_txns]
	// list handed to the executor at the Execute stage.
	InputTxns []Txn

	Randomness []byte

	StateComputeResult *StateComputeResult

	// EpochEndTimestampUsec is set once an ancestor in this block's
	// suffix executes a reconfiguration transaction; it overrides the
	// timestamp used when signing this block's commit vote.
	EpochEndTimestampUsec *uint64
}

// ID is a convenience accessor for the underlying block's ID.
func (pb *PipelinedBlock) ID() Hash { return pb.Block.ID }

// ParentID is a convenience accessor for the underlying block's parent.
func (pb *PipelinedBlock) ParentID() Hash { return pb.Block.ParentID }

// Round is a convenience accessor for the underlying block's round.
func (pb *PipelinedBlock) Round() Round { return pb.Block.Round }

// ExecutionSummary records how a recent block fared in execution,
// feeding the execution back-pressure advisor and blocktree's
// RecentBlockExecutionTimes.
type ExecutionSummary struct {
	BlockID       Hash
	PayloadLen    int
	ExecutionTime time.Duration
	ToCommit      int
	ToRetry       int
	ObservedAt    time.Time
}
