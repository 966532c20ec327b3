// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"time"

	"github.com/luxfi/quorumchain/executor"
	"github.com/luxfi/quorumchain/types"
)

// LedgerUpdateResult is the LedgerUpdate stage's output: the executed
// state plus any epoch-end timestamp carried forward from a reconfig
// ancestor.
type LedgerUpdateResult struct {
	StateComputeResult    types.StateComputeResult
	EpochEndTimestampUsec *uint64
}

// Stages holds the nine fixed completion handles, in execution
// order.
type Stages struct {
	Prepare          *Handle[[]types.Txn]
	Execute          *Handle[struct{}]
	LedgerUpdate     *Handle[LedgerUpdateResult]
	PostLedgerUpdate *Handle[struct{}]
	SignCommitVote   *Handle[*types.Vote]
	PreCommit        *Handle[types.StateComputeResult]
	PostPreCommit    *Handle[struct{}]
	CommitLedger     *Handle[*types.LedgerInfo]
	PostCommit       *Handle[struct{}]
}

// NewStages builds a Stages with every handle unresolved.
func NewStages() *Stages {
	return &Stages{
		Prepare:          NewHandle[[]types.Txn](),
		Execute:          NewHandle[struct{}](),
		LedgerUpdate:     NewHandle[LedgerUpdateResult](),
		PostLedgerUpdate: NewHandle[struct{}](),
		SignCommitVote:   NewHandle[*types.Vote](),
		PreCommit:        NewHandle[types.StateComputeResult](),
		PostPreCommit:    NewHandle[struct{}](),
		CommitLedger:     NewHandle[*types.LedgerInfo](),
		PostCommit:       NewHandle[struct{}](),
	}
}

// Deps bundles the per-block inputs and external collaborators a
// Pipeline needs to run the nine stages.
type Deps struct {
	Bridge executor.Bridge
	Block  *types.PipelinedBlock

	// Parent is the parent block's Stages, or nil for the block
	// immediately above the commit root.
	Parent *Stages

	// OrderCert resolves once an order vote, order proof, or commit
	// proof has been observed for this block. The buffer manager
	// resolves this; must be non-nil (use pipeline.Resolved for an
	// already-satisfied one).
	OrderCert *Handle[types.QuorumCert]

	// Randomness resolves once the randomness beacon output for this
	// block is known; nil when the chain runs without randomness, in
	// which case Execute uses Block.Randomness as-is.
	Randomness *Handle[[]byte]

	// CommitProof resolves once a commit decision naming this block
	// has been observed. The buffer manager resolves this; must be
	// non-nil (use pipeline.Resolved for an already-satisfied one).
	CommitProof *Handle[types.LedgerInfoWithSignatures]

	// EndsEpoch marks whether Block ends an epoch; an epoch-ending
	// block may only pre-commit once its commit proof is present.
	EndsEpoch bool

	// ResolvePayload fetches this block's missing batches, retrying
	// without bound until ctx is cancelled.
	ResolvePayload func(ctx context.Context, block *types.Block) ([]types.Txn, error)

	// VerifySignatures checks txns' signatures, stage 1's "verify
	// signatures in parallel".
	VerifySignatures func(ctx context.Context, txns []types.Txn) ([]types.Txn, error)

	// NotifyMempoolFailed reports transactions the executor could not
	// apply.
	NotifyMempoolFailed func(failed []types.Hash)

	// SignLedgerInfo builds and signs this block's LedgerInfo once
	// executed.
	SignLedgerInfo func(block *types.Block, executedRoot types.Hash, epochEndTimestampUsec *uint64) (*types.Vote, error)

	// NotifyPostPreCommit informs state-sync and the payload manager
	// of newly pre-committed transactions.
	NotifyPostPreCommit func(block *types.Block)

	// AdvanceCommitRoot is the block-store callback that advances the
	// commit root once this block is fully committed.
	AdvanceCommitRoot func(blockID types.Hash)
}

// Pipeline runs one block's nine-stage graph as nine goroutines, each
// gated by its stage's preconditions.
type Pipeline struct {
	Stages *Stages
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches a Pipeline for deps.Block. The returned Pipeline's
// Stages handles resolve as each stage completes; call Abort to
// cooperatively cancel every not-yet-run stage.
func Start(ctx context.Context, deps Deps) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	st := NewStages()
	p := &Pipeline{Stages: st, cancel: cancel, done: make(chan struct{})}

	go runPrepare(ctx, deps, st)
	go runExecute(ctx, deps, st)
	go runLedgerUpdate(ctx, deps, st)
	go runPostLedgerUpdate(ctx, deps, st)
	go runSignCommitVote(ctx, deps, st)
	go runPreCommit(ctx, deps, st)
	go runPostPreCommit(ctx, deps, st)
	go runCommitLedger(ctx, deps, st)
	go runPostCommit(ctx, deps, st, p.done)

	return p
}

// Abort cooperatively cancels every stage that has not yet run. No
// stage may write to persistent store after its cancellation is
// observed; every stage body below checks ctx before any Bridge
// write.
func (p *Pipeline) Abort() {
	p.cancel()
}

// Done reports when the final (PostCommit) stage has resolved, one
// way or another.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func runPrepare(ctx context.Context, deps Deps, st *Stages) {
	var txns []types.Txn
	for {
		if ctx.Err() != nil {
			st.Prepare.Fail(&PropagatedError{Stage: "Prepare", Err: ErrAborted})
			return
		}
		fetched, err := deps.ResolvePayload(ctx, deps.Block.Block)
		if err == nil {
			txns = fetched
			break
		}
		if ctx.Err() != nil {
			st.Prepare.Fail(&PropagatedError{Stage: "Prepare", Err: ErrAborted})
			return
		}
		select {
		case <-ctx.Done():
			st.Prepare.Fail(&PropagatedError{Stage: "Prepare", Err: ErrAborted})
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	verified, err := deps.VerifySignatures(ctx, txns)
	if err != nil {
		st.Prepare.Fail(&PropagatedError{Stage: "Prepare", Err: err})
		return
	}
	st.Prepare.Resolve(verified)
}

func runExecute(ctx context.Context, deps Deps, st *Stages) {
	preconditions := []awaiter{st.Prepare}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.Execute)
	}
	if deps.Randomness != nil {
		preconditions = append(preconditions, deps.Randomness)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.Execute.Fail(&PropagatedError{Stage: "Execute", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.Execute.Fail(&PropagatedError{Stage: "Execute", Err: ErrAborted})
		return
	}

	randomness := deps.Block.Randomness
	if deps.Randomness != nil {
		randomness, _ = deps.Randomness.Wait(ctx)
	}
	txns, _ := st.Prepare.Wait(ctx)
	b := deps.Block.Block
	senders := make([]types.Address, len(txns))
	for i, t := range txns {
		senders[i] = t.Sender
	}
	if err := deps.Bridge.PushOrderedBlock(ctx, b.ParentID, b.ID, b.BlockNumber, b.TimestampUsec, txns, senders, randomness); err != nil {
		st.Execute.Fail(&PropagatedError{Stage: "Execute", Err: err})
		return
	}
	st.Execute.Resolve(struct{}{})
}

func runLedgerUpdate(ctx context.Context, deps Deps, st *Stages) {
	preconditions := []awaiter{st.Execute}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.LedgerUpdate)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.LedgerUpdate.Fail(&PropagatedError{Stage: "LedgerUpdate", Err: err})
		return
	}

	exec, err := deps.Bridge.PullExecutedBlockHash(ctx)
	if err != nil {
		st.LedgerUpdate.Fail(&PropagatedError{Stage: "LedgerUpdate", Err: err})
		return
	}

	epochEndTs := deps.Block.EpochEndTimestampUsec
	if deps.Parent != nil {
		if parentResult, err := deps.Parent.LedgerUpdate.Wait(ctx); err == nil && parentResult.EpochEndTimestampUsec != nil {
			epochEndTs = parentResult.EpochEndTimestampUsec
		}
	}
	if deps.EndsEpoch && epochEndTs == nil {
		ts := deps.Block.Block.TimestampUsec
		epochEndTs = &ts
	}

	st.LedgerUpdate.Resolve(LedgerUpdateResult{
		StateComputeResult: types.StateComputeResult{
			ExecutedStateHash: exec.ExecutionHash,
			NumLeaves:         uint64(len(exec.TxsInfo)),
			CompactTxnInfos:   exec.TxsInfo,
		},
		EpochEndTimestampUsec: epochEndTs,
	})
}

func runPostLedgerUpdate(ctx context.Context, deps Deps, st *Stages) {
	if err := waitAll(ctx, st.Prepare, st.LedgerUpdate); err != nil {
		st.PostLedgerUpdate.Fail(&PropagatedError{Stage: "PostLedgerUpdate", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.PostLedgerUpdate.Fail(&PropagatedError{Stage: "PostLedgerUpdate", Err: ErrAborted})
		return
	}
	if deps.NotifyMempoolFailed != nil {
		deps.NotifyMempoolFailed(nil)
	}
	st.PostLedgerUpdate.Resolve(struct{}{})
}

func runSignCommitVote(ctx context.Context, deps Deps, st *Stages) {
	if err := st.LedgerUpdate.Await(ctx); err != nil {
		st.SignCommitVote.Fail(&PropagatedError{Stage: "SignCommitVote", Err: err})
		return
	}
	if err := waitAny(ctx, deps.OrderCert, deps.CommitProof); err != nil {
		st.SignCommitVote.Fail(&PropagatedError{Stage: "SignCommitVote", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.SignCommitVote.Fail(&PropagatedError{Stage: "SignCommitVote", Err: ErrAborted})
		return
	}

	result, _ := st.LedgerUpdate.Wait(ctx)
	vote, err := deps.SignLedgerInfo(deps.Block.Block, result.StateComputeResult.ExecutedStateHash, result.EpochEndTimestampUsec)
	if err != nil {
		st.SignCommitVote.Fail(&PropagatedError{Stage: "SignCommitVote", Err: err})
		return
	}
	st.SignCommitVote.Resolve(vote)
}

func runPreCommit(ctx context.Context, deps Deps, st *Stages) {
	preconditions := []awaiter{st.LedgerUpdate, deps.OrderCert}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.PreCommit)
	}
	if deps.EndsEpoch {
		preconditions = append(preconditions, deps.CommitProof)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.PreCommit.Fail(&PropagatedError{Stage: "PreCommit", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.PreCommit.Fail(&PropagatedError{Stage: "PreCommit", Err: ErrAborted})
		return
	}

	if err := deps.Bridge.PreCommitBlock(ctx, deps.Block.Block.ID); err != nil {
		st.PreCommit.Fail(&PropagatedError{Stage: "PreCommit", Err: err})
		return
	}
	result, _ := st.LedgerUpdate.Wait(ctx)
	st.PreCommit.Resolve(result.StateComputeResult)
}

func runPostPreCommit(ctx context.Context, deps Deps, st *Stages) {
	preconditions := []awaiter{st.PreCommit}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.PostPreCommit)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.PostPreCommit.Fail(&PropagatedError{Stage: "PostPreCommit", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.PostPreCommit.Fail(&PropagatedError{Stage: "PostPreCommit", Err: ErrAborted})
		return
	}
	if deps.NotifyPostPreCommit != nil {
		deps.NotifyPostPreCommit(deps.Block.Block)
	}
	st.PostPreCommit.Resolve(struct{}{})
}

func runCommitLedger(ctx context.Context, deps Deps, st *Stages) {
	preconditions := []awaiter{st.PreCommit, deps.CommitProof}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.CommitLedger)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.CommitLedger.Fail(&PropagatedError{Stage: "CommitLedger", Err: err})
		return
	}
	if ctx.Err() != nil {
		st.CommitLedger.Fail(&PropagatedError{Stage: "CommitLedger", Err: ErrAborted})
		return
	}

	commitProof, _ := deps.CommitProof.Wait(ctx)
	block := deps.Block.Block
	if commitProof.LedgerInfo.CommitInfo.ID != block.ID {
		st.CommitLedger.Resolve(nil) // committed as a prefix of a later block; skip
		return
	}
	if err := deps.Bridge.CommitLedger(ctx, []types.Hash{block.ID}, commitProof); err != nil {
		st.CommitLedger.Fail(&PropagatedError{Stage: "CommitLedger", Err: err})
		return
	}
	li := commitProof.LedgerInfo
	st.CommitLedger.Resolve(&li)
}

func runPostCommit(ctx context.Context, deps Deps, st *Stages, done chan struct{}) {
	defer close(done)

	preconditions := []awaiter{st.PreCommit, st.CommitLedger}
	if deps.Parent != nil {
		preconditions = append(preconditions, deps.Parent.PostCommit)
	}
	if err := waitAll(ctx, preconditions...); err != nil {
		st.PostCommit.Fail(&PropagatedError{Stage: "PostCommit", Err: err})
		return
	}
	if deps.AdvanceCommitRoot != nil {
		deps.AdvanceCommitRoot(deps.Block.Block.ID)
	}
	st.PostCommit.Resolve(struct{}{})
}
