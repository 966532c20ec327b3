// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"time"

	"github.com/luxfi/quorumchain/proposalgen"
	"github.com/luxfi/quorumchain/proposer"
)

// NetworkType selects one of the built-in presets.
type NetworkType string

const (
	MainnetNetwork NetworkType = "mainnet"
	TestnetNetwork NetworkType = "testnet"
	LocalNetwork   NetworkType = "local"
)

// Builder provides a fluent, error-accumulating interface for
// constructing a Config.
type Builder struct {
	cfg *Config
	err error
}

// NewBuilder returns a Builder seeded with DefaultConfig.
func NewBuilder() *Builder {
	d := DefaultConfig()
	return &Builder{cfg: &d}
}

// FromPreset resets the builder to one of the named presets.
func (b *Builder) FromPreset(preset NetworkType) *Builder {
	if b.err != nil {
		return b
	}
	switch preset {
	case MainnetNetwork:
		c := MainnetConfig()
		b.cfg = &c
	case TestnetNetwork:
		c := TestnetConfig()
		b.cfg = &c
	case LocalNetwork:
		c := LocalConfig()
		b.cfg = &c
	}
	return b
}

// WithBlockShape overrides the static proposalgen.Config block-shape caps.
func (b *Builder) WithBlockShape(p proposalgen.Config) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.Proposal = p
	return b
}

// WithMempool overrides the MempoolConfig.
func (b *Builder) WithMempool(m MempoolConfig) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.Mempool = m
	return b
}

// WithFeatureFlags sets the observer/order-vote/vtxn toggles.
func (b *Builder) WithFeatureFlags(observer, orderVote, vtxn bool) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.ObserverEnabled = observer
	b.cfg.OrderVoteEnabled = orderVote
	b.cfg.VtxnEnabled = vtxn
	return b
}

// Build validates and returns the assembled Config.
func (b *Builder) Build() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	if err := b.cfg.Valid(); err != nil {
		return Config{}, err
	}
	return *b.cfg, nil
}

// DefaultConfig returns sensible defaults: a 100ms target block
// time for execution calibration, and block retrieval at 5 attempts,
// 1 peer per try, 500ms interval, 5s per-RPC timeout.
func DefaultConfig() Config {
	return Config{
		Mempool: MempoolConfig{
			NumSenderBuckets:           4,
			BroadcastBuckets:           []uint64{1024, 4096, 16384, 65536},
			Capacity:                   1 << 20,
			CapacityBytes:              1 << 30,
			CapacityPerUser:            100,
			SharedMempoolMaxBatchBytes: 4 * 1024 * 1024,
		},
		Round: RoundConfig{
			BaseTimeout: time.Second,
			MaxTimeout:  30 * time.Second,
		},
		Buffer: BufferConfig{
			MaxBacklog:                    20,
			CommitVoteBroadcastInterval:   1500 * time.Millisecond,
			CommitVoteRebroadcastInterval: 30 * time.Second,
		},
		Retrieval: BlockRetrievalConfig{
			MaxAttempts:   5,
			PeersPerTry:   1,
			RetryInterval: 500 * time.Millisecond,
			RPCTimeout:    5 * time.Second,
		},
		Proposal: proposalgen.Config{
			MaxBlockTxns:                                    10_000,
			MaxBlockTxnsAfterFiltering:                       5_000,
			MaxBlockBytes:                                    3 * 1024 * 1024,
			MaxInlineTxns:                                    100,
			MaxInlineBytes:                                   512 * 1024,
			MaxFailedAuthorsToStore:                          10,
			MinMaxTxnsInBlockAfterFilteringFromBackpressure:  100,
			MaxValidatorTxnsPerBlock:                         4,
		},
		ChainHealthBackoff: []proposer.ChainHealthBucket{
			{VotingPowerPct: 90, Limits: proposer.BackPressureLimits{MaxTxns: 2000, MaxBytes: 1 << 20, DelayMs: 50}},
			{VotingPowerPct: 80, Limits: proposer.BackPressureLimits{MaxTxns: 500, MaxBytes: 256 << 10, DelayMs: 200}},
		},
		PipelineBackoff: []proposer.PipelineBucket{
			{LatencyMs: 800, Limits: proposer.BackPressureLimits{MaxTxns: 2000, MaxBytes: 1 << 20, DelayMs: 50}},
			{LatencyMs: 2000, Limits: proposer.BackPressureLimits{MaxTxns: 500, MaxBytes: 256 << 10, DelayMs: 200}},
		},
		ExecutionBackoff: proposer.ExecutionBackpressureConfig{
			MinCalibratedTxnsPerBlock: 100,
			LookbackNumBlocks:         10,
			MinBlockTimeMsToActivate:  50,
			TargetBlockTimeMs:         100,
			Percentile:                0.5,
		},
		QuorumStorePollTime:                       50 * time.Millisecond,
		WaitForFullBlocksAboveRecentFillThreshold: 0.8,
		WaitForFullBlocksAbovePendingBlocks:       3,
		ObserverEnabled:                           true,
		OrderVoteEnabled:                          true,
		VtxnEnabled:                               true,
	}
}

// MainnetConfig adjusts the defaults for production-scale validator
// counts: longer round timeouts; all other fields keep their defaults.
func MainnetConfig() Config {
	c := DefaultConfig()
	c.Round.BaseTimeout = 2 * time.Second
	c.Round.MaxTimeout = time.Minute
	return c
}

// TestnetConfig is the mainnet shape with faster rounds, for smaller
// validator sets.
func TestnetConfig() Config {
	c := DefaultConfig()
	c.Round.BaseTimeout = 500 * time.Millisecond
	c.Round.MaxTimeout = 10 * time.Second
	return c
}

// LocalConfig is tuned for a single-process multi-replica test
// harness: aggressive timeouts, a small backlog.
func LocalConfig() Config {
	c := DefaultConfig()
	c.Round.BaseTimeout = 50 * time.Millisecond
	c.Round.MaxTimeout = time.Second
	c.Buffer.MaxBacklog = 5
	return c
}
