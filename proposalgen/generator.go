// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package proposalgen builds new blocks from a pulled payload, the
// elected proposer, and the back-pressure advisor's current limits.
package proposalgen

import (
	"context"
	"time"

	"github.com/luxfi/quorumchain/payload"
	"github.com/luxfi/quorumchain/proposer"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/vtxnpool"
)

// Config holds the static block-shape limits
// ("max_block_txns", "max_block_txns_after_filtering",
// "max_block_bytes", "max_inline_txns", "max_inline_bytes",
// "max_failed_authors_to_store",
// "min_max_txns_in_block_after_filtering_from_backpressure").
type Config struct {
	MaxBlockTxns                                    uint64
	MaxBlockTxnsAfterFiltering                       uint64
	MaxBlockBytes                                    uint64
	MaxInlineTxns                                    uint64
	MaxInlineBytes                                    uint64
	MaxFailedAuthorsToStore                          int
	MinMaxTxnsInBlockAfterFilteringFromBackpressure  uint64
	// MaxValidatorTxnsPerBlock bounds how many pending validator
	// transactions (DKG/JWK) are pulled per proposal, so one oversized
	// DKG transcript batch cannot starve user payload pulls.
	MaxValidatorTxnsPerBlock int
}

// Request bundles the per-call inputs GenerateProposal needs beyond
// the static Config: the parent to extend, the round/proposer being
// generated for, and the live back-pressure signals.
type Request struct {
	Parent       *types.PipelinedBlock
	ParentQC     *types.QuorumCert
	Round        types.Round
	Epoch        types.Epoch
	Proposer     types.NodeID
	FailedAuthors []types.FailedAuthor
	TimestampUsec uint64

	VotingPowerRatioPct uint64
	PendingMs           uint64
	RecentExecutions    []types.ExecutionSummary

	PullDeadline        time.Time
	ExcludePayloads     map[types.Hash]struct{}
	ExcludeValidatorTxns map[types.Hash]struct{}
	PendingOrdering     bool
	PendingBlocksCount  int
	RecentFillFraction  float64
	FillThreshold       float64
	PendingThreshold    int
}

// Generator assembles new, unsigned blocks.
type Generator struct {
	election *proposer.Election
	payload  *payload.Client
	vpool    *vtxnpool.Pool
	cfg      Config
}

// NewGenerator builds a Generator over the given election advisor,
// payload client, validator-txn pool, and static block-shape Config.
func NewGenerator(election *proposer.Election, payloadClient *payload.Client, vpool *vtxnpool.Pool, cfg Config) *Generator {
	return &Generator{election: election, payload: payloadClient, vpool: vpool, cfg: cfg}
}

// effectiveCaps applies the back-pressure advisor to the static
// per-block caps: when the calibrated cap would breach the configured
// floor, the floor is kept as the hard block-txn cap and the tighter
// calibrated value is instead carried as MaxTxnsToExecute, rather
// than sub-splitting quorum-store batches.
func (g *Generator) effectiveCaps(req Request) (maxTxns, maxBytes uint64, maxTxnsToExecute *uint64) {
	maxTxns = g.cfg.MaxBlockTxnsAfterFiltering
	maxBytes = g.cfg.MaxBlockBytes
	limits, found := g.election.Advise(req.VotingPowerRatioPct, req.PendingMs, req.RecentExecutions, maxTxns)
	if !found {
		return maxTxns, maxBytes, nil
	}
	if limits.MaxBytes < maxBytes {
		maxBytes = limits.MaxBytes
	}
	if limits.MaxTxns >= maxTxns {
		return maxTxns, maxBytes, nil
	}
	calibrated := limits.MaxTxns
	if calibrated < g.cfg.MinMaxTxnsInBlockAfterFilteringFromBackpressure {
		floor := g.cfg.MinMaxTxnsInBlockAfterFilteringFromBackpressure
		return floor, maxBytes, &calibrated
	}
	return calibrated, maxBytes, nil
}

// blockNumberAfter derives the next block's number from the parent's
// executed state-compute-result leaf count when available, falling
// back to a simple increment for a not-yet-executed parent.
func blockNumberAfter(parent *types.PipelinedBlock) types.BlockNumber {
	if parent.StateComputeResult != nil {
		return types.BlockNumber(parent.StateComputeResult.NumLeaves)
	}
	return parent.Block.BlockNumber + 1
}

// GenerateProposal pulls a payload and assembles a new, unsigned
// Block extending req.Parent at req.Round. The caller is responsible
// for signing the result and inserting it into the block tree.
func (g *Generator) GenerateProposal(ctx context.Context, req Request) (*types.Block, error) {
	maxTxns, maxBytes, maxTxnsToExecute := g.effectiveCaps(req)

	txns, err := g.payload.PullPayload(ctx, payload.PullRequest{
		Deadline:           req.PullDeadline,
		MaxTxns:            maxTxns,
		MaxBytes:           maxBytes,
		ExcludePayloads:    req.ExcludePayloads,
		PendingOrdering:    req.PendingOrdering,
		PendingBlocksCount: req.PendingBlocksCount,
		RecentFillFraction: req.RecentFillFraction,
		BlockTimestampUsec: req.TimestampUsec,
		FillThreshold:      req.FillThreshold,
		PendingThreshold:   req.PendingThreshold,
	})
	if err != nil {
		return nil, err
	}

	vtxnCap := g.cfg.MaxValidatorTxnsPerBlock
	vtxns := g.vpool.Pull(vtxnCap, req.ExcludeValidatorTxns)
	rawVtxns := make([][]byte, len(vtxns))
	for i, vt := range vtxns {
		rawVtxns[i] = vt.Bytes
	}

	failedAuthors := req.FailedAuthors
	if g.cfg.MaxFailedAuthorsToStore > 0 && len(failedAuthors) > g.cfg.MaxFailedAuthorsToStore {
		failedAuthors = failedAuthors[len(failedAuthors)-g.cfg.MaxFailedAuthorsToStore:]
	}

	kind := types.PayloadEmpty
	if len(txns) > 0 {
		kind = types.PayloadDirectMempool
	}
	maxTxnsVal := maxTxns
	p := types.Payload{
		Kind:             kind,
		DirectTxns:       txns,
		MaxTxns:          &maxTxnsVal,
		MaxTxnsToExecute: maxTxnsToExecute,
	}

	b := &types.Block{
		ParentID:      req.Parent.ID(),
		Epoch:         req.Epoch,
		Round:         req.Round,
		BlockNumber:   blockNumberAfter(req.Parent),
		TimestampUsec: req.TimestampUsec,
		Proposer:      req.Proposer,
		HasProposer:   true,
		Payload:       p,
		ValidatorTxns: rawVtxns,
		FailedAuthors: failedAuthors,
		QC:            req.ParentQC,
	}
	b.ID = b.ComputeID()
	return b, nil
}
