// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/quorumchain/executor"
	"github.com/luxfi/quorumchain/types"
)

// ErrUnscheduledBlock is returned when signing (or a commit proof) is
// requested for a block no pipeline was ever started for.
var ErrUnscheduledBlock = errors.New("pipeline: block was never scheduled")

// SchedulerOptions carries the collaborators shared by every block's
// pipeline; the per-block inputs come from the scheduled block itself.
type SchedulerOptions struct {
	Bridge executor.Bridge

	ResolvePayload   func(ctx context.Context, block *types.Block) ([]types.Txn, error)
	VerifySignatures func(ctx context.Context, txns []types.Txn) ([]types.Txn, error)
	SignLedgerInfo   func(block *types.Block, executedRoot types.Hash, epochEndTimestampUsec *uint64) (*types.Vote, error)

	NotifyMempoolFailed func(failed []types.Hash)
	NotifyPostPreCommit func(block *types.Block)
	AdvanceCommitRoot   func(blockID types.Hash)
}

// Scheduler drives one Pipeline per ordered block, chaining each
// block's stages to its parent's so the cross-block stage order holds.
// It implements the buffer manager's execution/signing contract:
// ScheduleExecution starts the block's pipeline and blocks until the
// LedgerUpdate stage resolves; RequestSigning blocks until the
// SignCommitVote stage resolves. ResolveCommitProof feeds an observed
// commit certificate in, unblocking the block's PreCommit through
// PostCommit stages.
type Scheduler struct {
	opts SchedulerOptions

	mu        sync.Mutex
	pipelines map[types.Hash]*Pipeline
	proofs    map[types.Hash]*Handle[types.LedgerInfoWithSignatures]
}

// NewScheduler builds a Scheduler over opts.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		opts:      opts,
		pipelines: make(map[types.Hash]*Pipeline),
		proofs:    make(map[types.Hash]*Handle[types.LedgerInfoWithSignatures]),
	}
}

// startLocked launches pb's pipeline if it is not already running. A
// block handed to the scheduler is ordered by definition, so its
// OrderCert precondition is resolved immediately; the commit proof
// stays pending until ResolveCommitProof.
func (s *Scheduler) startLocked(ctx context.Context, pb *types.PipelinedBlock) *Pipeline {
	if p, ok := s.pipelines[pb.ID()]; ok {
		return p
	}

	var parent *Stages
	if pp, ok := s.pipelines[pb.ParentID()]; ok {
		parent = pp.Stages
	}

	orderCert := NewHandle[types.QuorumCert]()
	if qc := pb.Block.QC; qc != nil {
		orderCert.Resolve(*qc)
	} else {
		orderCert.Resolve(types.QuorumCert{})
	}

	proof, ok := s.proofs[pb.ID()]
	if !ok {
		proof = NewHandle[types.LedgerInfoWithSignatures]()
		s.proofs[pb.ID()] = proof
	}

	endsEpoch := false
	if qc := pb.Block.QC; qc != nil {
		endsEpoch = qc.SignedLedgerInfo.LedgerInfo.CommitInfo.EndsEpoch()
	}

	p := Start(ctx, Deps{
		Bridge:              s.opts.Bridge,
		Block:               pb,
		Parent:              parent,
		OrderCert:           orderCert,
		CommitProof:         proof,
		EndsEpoch:           endsEpoch,
		ResolvePayload:      s.opts.ResolvePayload,
		VerifySignatures:    s.opts.VerifySignatures,
		NotifyMempoolFailed: s.opts.NotifyMempoolFailed,
		SignLedgerInfo:      s.opts.SignLedgerInfo,
		NotifyPostPreCommit: s.opts.NotifyPostPreCommit,
		AdvanceCommitRoot:   s.opts.AdvanceCommitRoot,
	})
	s.pipelines[pb.ID()] = p
	return p
}

// ScheduleExecution starts pb's pipeline (if not already started) and
// blocks until the block has executed, returning the state-compute
// result.
func (s *Scheduler) ScheduleExecution(ctx context.Context, pb *types.PipelinedBlock) (types.StateComputeResult, error) {
	s.mu.Lock()
	p := s.startLocked(ctx, pb)
	s.mu.Unlock()

	result, err := p.Stages.LedgerUpdate.Wait(ctx)
	if err != nil {
		return types.StateComputeResult{}, err
	}
	return result.StateComputeResult, nil
}

// RequestSigning blocks until pb's commit vote has been signed.
func (s *Scheduler) RequestSigning(ctx context.Context, pb *types.PipelinedBlock, _ types.StateComputeResult) (*types.Vote, error) {
	s.mu.Lock()
	p, ok := s.pipelines[pb.ID()]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnscheduledBlock
	}
	return p.Stages.SignCommitVote.Wait(ctx)
}

// ResolveCommitProof feeds an aggregated commit certificate to the
// named block's pipeline, unblocking its commit-side stages. Proofs
// may arrive before the block is scheduled; the handle is kept and
// adopted when the pipeline starts.
func (s *Scheduler) ResolveCommitProof(blockID types.Hash, li types.LedgerInfoWithSignatures) {
	s.mu.Lock()
	proof, ok := s.proofs[blockID]
	if !ok {
		proof = NewHandle[types.LedgerInfoWithSignatures]()
		s.proofs[blockID] = proof
	}
	s.mu.Unlock()
	proof.Resolve(li)
}

// Forget drops a committed block's pipeline bookkeeping once its
// PostCommit stage has run.
func (s *Scheduler) Forget(blockID types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, blockID)
	delete(s.proofs, blockID)
}

// Reset aborts every in-flight pipeline and drops all bookkeeping,
// used on epoch change alongside the buffer manager's own reset.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	pipelines := s.pipelines
	s.pipelines = make(map[types.Hash]*Pipeline)
	s.proofs = make(map[types.Hash]*Handle[types.LedgerInfoWithSignatures])
	s.mu.Unlock()

	for _, p := range pipelines {
		p.Abort()
	}
}
