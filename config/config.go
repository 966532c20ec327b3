// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the replica configuration: mempool
// bucketing, block-shape caps, the three back-pressure tables, quorum-store
// poll timing, and the feature toggles (observer/order-vote/vtxn):
// sentinel validation errors, a Builder with presets, and a plain
// Valid()/Validate() pair.
package config

import (
	"errors"
	"time"

	"github.com/luxfi/quorumchain/proposalgen"
	"github.com/luxfi/quorumchain/proposer"
)

// Validation error sentinels.
var (
	ErrInvalidMaxBlockTxns      = errors.New("config: max_block_txns must be >= 1")
	ErrInvalidMaxBlockBytes     = errors.New("config: max_block_bytes must be >= 1")
	ErrInvalidQuorumStorePoll   = errors.New("config: quorum_store_poll_time must be >= 1ms")
	ErrInvalidBacklog           = errors.New("config: max_backlog must be >= 1")
	ErrInvalidRebroadcast       = errors.New("config: commit_vote_rebroadcast_interval must be >= broadcast_interval")
	ErrInvalidRetryPolicy       = errors.New("config: block retrieval retry policy must have >= 1 attempt")
	ErrInvalidNumSenderBuckets  = errors.New("config: num_sender_buckets must be >= 1")
)

// MempoolConfig holds the mempool bucketing/size limits.
type MempoolConfig struct {
	NumSenderBuckets            int           `json:"numSenderBuckets"`
	BroadcastBuckets             []uint64      `json:"broadcastBuckets"`
	Capacity                     int           `json:"capacity"`
	CapacityBytes                uint64        `json:"capacityBytes"`
	CapacityPerUser              int           `json:"capacityPerUser"`
	SharedMempoolMaxBatchBytes   uint64        `json:"sharedMempoolMaxBatchBytes"`
}

// BlockRetrievalConfig is the block-retrieval RPC retry policy:
// "5 attempts, 1 peer per try, 500 ms interval, 5 s per-RPC timeout".
type BlockRetrievalConfig struct {
	MaxAttempts   int           `json:"maxAttempts"`
	PeersPerTry   int           `json:"peersPerTry"`
	RetryInterval time.Duration `json:"retryInterval"`
	RPCTimeout    time.Duration `json:"rpcTimeout"`
}

// BufferConfig is the buffer-manager timing: MAX_BACKLOG(20)
// back-pressure and the rebroadcast timer's two intervals.
type BufferConfig struct {
	MaxBacklog                     int           `json:"maxBacklog"`
	CommitVoteBroadcastInterval    time.Duration `json:"commitVoteBroadcastInterval"`
	CommitVoteRebroadcastInterval  time.Duration `json:"commitVoteRebroadcastInterval"`
}

// RoundConfig holds the round-timer parameters.
type RoundConfig struct {
	BaseTimeout time.Duration `json:"baseTimeout"`
	MaxTimeout  time.Duration `json:"maxTimeout"`
}

// Config is the full replica configuration.
type Config struct {
	Mempool MempoolConfig `json:"mempool"`
	Round   RoundConfig   `json:"round"`
	Buffer  BufferConfig  `json:"buffer"`
	Retrieval BlockRetrievalConfig `json:"blockRetrieval"`

	Proposal proposalgen.Config `json:"proposal"`

	ChainHealthBackoff []proposer.ChainHealthBucket `json:"chainHealthBackoff"`
	PipelineBackoff    []proposer.PipelineBucket    `json:"pipelineBackoff"`
	ExecutionBackoff   proposer.ExecutionBackpressureConfig `json:"executionBackoff"`

	QuorumStorePollTime                     time.Duration `json:"quorumStorePollTime"`
	WaitForFullBlocksAboveRecentFillThreshold float64      `json:"waitForFullBlocksAboveRecentFillThreshold"`
	WaitForFullBlocksAbovePendingBlocks       int          `json:"waitForFullBlocksAbovePendingBlocks"`

	ObserverEnabled  bool `json:"observerEnabled"`
	OrderVoteEnabled bool `json:"orderVoteEnabled"`
	VtxnEnabled      bool `json:"vtxnEnabled"`
}

// Valid checks the subset of the fields whose ranges this
// core enforces directly; mempool admission policy beyond bucket count
// is an external collaborator's concern.
func (c Config) Valid() error {
	if c.Proposal.MaxBlockTxns < 1 {
		return ErrInvalidMaxBlockTxns
	}
	if c.Proposal.MaxBlockBytes < 1 {
		return ErrInvalidMaxBlockBytes
	}
	if c.QuorumStorePollTime < time.Millisecond {
		return ErrInvalidQuorumStorePoll
	}
	if c.Buffer.MaxBacklog < 1 {
		return ErrInvalidBacklog
	}
	if c.Buffer.CommitVoteRebroadcastInterval < c.Buffer.CommitVoteBroadcastInterval {
		return ErrInvalidRebroadcast
	}
	if c.Retrieval.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if c.Mempool.NumSenderBuckets < 1 {
		return ErrInvalidNumSenderBuckets
	}
	return nil
}

// Validate is an alias for Valid.
func (c Config) Validate() error { return c.Valid() }
