// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package buffer implements the buffer manager that serializes
// ordered blocks through commit: a FIFO of BufferItems moving through
// Ordered -> Executed -> Signed -> Aggregated, three monotonically
// advancing cursors (head/execution/signing root), commit-message
// handling (votes, decisions, acks, nacks), a rebroadcast timer,
// reset on epoch change, and back-pressure against MaxBacklog. The
// FIFO itself is a utils/linked.List.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	blscrypto "github.com/luxfi/crypto/bls"
	"github.com/luxfi/quorumchain/broadcast"
	"github.com/luxfi/quorumchain/config"
	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/pipeline"
	"github.com/luxfi/quorumchain/telemetry"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/utils"
	"github.com/luxfi/quorumchain/utils/linked"
)

// State is a BufferItem's position in the Ordered -> Executed ->
// Signed -> Aggregated state machine.
type State int

const (
	Ordered State = iota
	Executed
	Signed
	Aggregated
)

// ErrBackPressure is returned by PushOrdered when
// highest_committed_round + MAX_BACKLOG < latest_round.
var ErrBackPressure = errors.New("buffer: back-pressure, backlog exceeds MAX_BACKLOG")

// ErrUnknownBlock is returned when a commit message names a block not
// currently in the buffer.
var ErrUnknownBlock = errors.New("buffer: unknown block")

// ErrStaleVote is returned when a vote's round is behind the item's
// latest known round.
var ErrStaleVote = errors.New("buffer: stale vote round")

// ErrResetInProgress is returned by PushOrdered while a Reset is
// draining in-flight work.
var ErrResetInProgress = errors.New("buffer: reset in progress")

// Scheduler is the execution/signing backend each BufferItem is
// driven through; backed in production by pipeline.Scheduler (kept as
// a narrow interface here so buffer does not need to know pipeline's
// full nine-stage shape).
type Scheduler interface {
	ScheduleExecution(ctx context.Context, pb *types.PipelinedBlock) (types.StateComputeResult, error)
	RequestSigning(ctx context.Context, pb *types.PipelinedBlock, result types.StateComputeResult) (*types.Vote, error)
}

var _ Scheduler = (*pipeline.Scheduler)(nil)

// BufferItem is one block moving through the buffer.
type BufferItem struct {
	Block *types.PipelinedBlock
	State State

	Result      *types.StateComputeResult
	SignedVote  *types.Vote
	SignedAt    time.Time
	broadcast   *broadcast.Handle
	CommitProof *types.LedgerInfoWithSignatures

	votes map[types.NodeID]*types.Vote
}

// CommittableBlocks is the (blocks, commit_proof) pair handed to the
// persist phase once the head item reaches Aggregated.
type CommittableBlocks struct {
	Blocks      []*types.PipelinedBlock
	CommitProof types.LedgerInfoWithSignatures
	EndsEpoch   bool
}

// Manager owns the buffer FIFO and its cursors.
type Manager struct {
	mu sync.Mutex

	cfg         config.BufferConfig
	verifier    *crypto.Verifier
	scheduler   Scheduler
	broadcaster *broadcast.Broadcaster
	encode      func(*types.Vote) []byte
	sink        telemetry.Sink

	items         *linked.List[*BufferItem]
	byID          map[types.Hash]*linked.ListNode[*BufferItem]
	headCursor    *linked.ListNode[*BufferItem]
	executionRoot *linked.ListNode[*BufferItem]
	signingRoot   *linked.ListNode[*BufferItem]

	highestCommittedRound types.Round
	onOrderedBlock        func(*types.PipelinedBlock)

	// ongoing counts in-flight execution/signing tasks; Reset blocks
	// until it drains to zero. resetting is observable to upstream so
	// it can stop feeding ordered blocks for the duration.
	ongoing   utils.AtomicInt
	resetting utils.AtomicBool

	// onCommitProof (if set) is told every time an item gains an
	// aggregated commit certificate, so the pipeline scheduler can
	// unblock that block's commit-side stages. onReset (if set) runs
	// at the start of Reset, before the drain.
	onCommitProof func(types.Hash, types.LedgerInfoWithSignatures)
	onReset       func()
}

// NewManager constructs an empty Manager. A nil sink defaults to the
// no-op sink.
func NewManager(cfg config.BufferConfig, verifier *crypto.Verifier, scheduler Scheduler, broadcaster *broadcast.Broadcaster, encode func(*types.Vote) []byte, sink telemetry.Sink) *Manager {
	if sink == nil {
		sink = telemetry.NoOp{}
	}
	return &Manager{
		cfg:         cfg,
		verifier:    verifier,
		scheduler:   scheduler,
		broadcaster: broadcaster,
		encode:      encode,
		sink:        sink,
		items:       linked.NewList[*BufferItem](),
		byID:        make(map[types.Hash]*linked.ListNode[*BufferItem]),
	}
}

// NewPipelinedManager is the production construction path: a Manager
// whose Scheduler is a pipeline.Scheduler, with commit certificates
// forwarded into the per-block pipelines and Reset aborting them.
func NewPipelinedManager(cfg config.BufferConfig, verifier *crypto.Verifier, ps *pipeline.Scheduler, broadcaster *broadcast.Broadcaster, encode func(*types.Vote) []byte, sink telemetry.Sink) *Manager {
	m := NewManager(cfg, verifier, ps, broadcaster, encode, sink)
	m.onCommitProof = ps.ResolveCommitProof
	m.onReset = ps.Reset
	return m
}

// OnOrderedBlock registers an observer notified (if set) every time a
// new block enters the buffer.
func (m *Manager) OnOrderedBlock(fn func(*types.PipelinedBlock)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOrderedBlock = fn
}

// AcceptingNewBlocks reports whether the buffer will accept another
// ordered block at latestRound: new ordered blocks are refused while
// the committed round trails latestRound by more than MaxBacklog.
func (m *Manager) AcceptingNewBlocks(latestRound types.Round) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestCommittedRound+types.Round(m.cfg.MaxBacklog) >= latestRound
}

// PushOrdered pushes pb onto the back of the buffer and schedules its
// execution.
func (m *Manager) PushOrdered(ctx context.Context, pb *types.PipelinedBlock) error {
	if m.resetting.Get() {
		return ErrResetInProgress
	}
	m.mu.Lock()
	if !m.acceptingNewBlocksLocked(pb.Round()) {
		m.mu.Unlock()
		return ErrBackPressure
	}
	if _, exists := m.byID[pb.ID()]; exists {
		m.mu.Unlock()
		return nil // idempotent re-push
	}
	item := &BufferItem{Block: pb, State: Ordered, votes: make(map[types.NodeID]*types.Vote)}
	node := m.items.PushBack(item)
	m.byID[pb.ID()] = node
	if m.headCursor == nil {
		m.headCursor = node
	}
	if m.executionRoot == nil {
		m.executionRoot = node
	}
	if m.signingRoot == nil {
		m.signingRoot = node
	}
	observer := m.onOrderedBlock
	m.mu.Unlock()

	m.sink.BlockOrdered(pb.Round())
	if observer != nil {
		observer(pb)
	}

	m.ongoing.Inc()
	go m.runExecution(ctx, item)
	return nil
}

func (m *Manager) acceptingNewBlocksLocked(latestRound types.Round) bool {
	return m.highestCommittedRound+types.Round(m.cfg.MaxBacklog) >= latestRound
}

func (m *Manager) runExecution(ctx context.Context, item *BufferItem) {
	defer m.ongoing.Dec()
	result, err := m.scheduler.ScheduleExecution(ctx, item.Block)
	if err != nil {
		return
	}
	m.onExecuted(ctx, item, result)
}

func (m *Manager) onExecuted(ctx context.Context, item *BufferItem, result types.StateComputeResult) {
	m.mu.Lock()
	item.Result = &result
	if item.State == Ordered {
		if item.CommitProof != nil {
			item.State = Aggregated
		} else {
			item.State = Executed
		}
	}
	m.advanceExecutionRootLocked()
	shouldSign := item.State == Executed
	m.mu.Unlock()

	if !item.Block.InsertionTime.IsZero() {
		m.sink.BlockExecuted(item.Block.Round(), time.Since(item.Block.InsertionTime))
	}
	if shouldSign {
		m.ongoing.Inc()
		go m.runSigning(ctx, item, result)
	}
}

func (m *Manager) advanceExecutionRootLocked() {
	for m.executionRoot != nil && m.executionRoot.Value.State != Ordered {
		m.executionRoot = m.executionRoot.Next
	}
}

func (m *Manager) runSigning(ctx context.Context, item *BufferItem, result types.StateComputeResult) {
	defer m.ongoing.Dec()
	vote, err := m.scheduler.RequestSigning(ctx, item.Block, result)
	if err != nil {
		return
	}
	m.onSigned(ctx, item, vote)
}

func (m *Manager) onSigned(ctx context.Context, item *BufferItem, vote *types.Vote) {
	m.mu.Lock()
	item.SignedVote = vote
	item.SignedAt = time.Now()
	if item.State == Executed {
		item.State = Signed
	}
	m.advanceSigningRootLocked()
	targets := m.verifier.Order()
	m.mu.Unlock()

	handle := m.broadcaster.Start(ctx, m.encode(vote), targets, broadcast.NewThresholdStatus(m.verifier.HasQuorumVotingPower))
	m.mu.Lock()
	item.broadcast = handle
	m.mu.Unlock()
}

func (m *Manager) advanceSigningRootLocked() {
	for m.signingRoot != nil && m.signingRoot.Value.State != Ordered && m.signingRoot.Value.State != Executed {
		m.signingRoot = m.signingRoot.Next
	}
}

// HandleVote processes an incoming commit vote from another
// validator: caches it against the matching item by
// (block_id, author) if the author is in the current validator set
// and its round is not behind the item's; once the cached votes carry
// the verifier's quorum weight, the item transitions to Aggregated
// and HandleVote reports ack=true.
func (m *Manager) HandleVote(vote *types.Vote) (ack bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.verifier.Contains(vote.Author) {
		return false, crypto.ErrUnknownAuthor
	}
	node, ok := m.byID[vote.BlockID()]
	if !ok {
		return false, ErrUnknownBlock
	}
	item := node.Value
	if vote.Round() < item.Block.Round() {
		return false, ErrStaleVote
	}

	item.votes[vote.Author] = vote
	if item.State == Aggregated {
		return true, nil
	}

	authors := make([]types.NodeID, 0, len(item.votes))
	sigs := make(map[types.NodeID]*blscrypto.Signature, len(item.votes))
	for a, v := range item.votes {
		authors = append(authors, a)
		sigs[a] = v.Signature
	}
	if !m.verifier.HasQuorumVotingPower(authors) {
		return false, nil
	}

	agg, err := m.verifier.Aggregate(sigs)
	if err != nil {
		return false, err
	}
	var anyVote *types.Vote
	for _, v := range item.votes {
		anyVote = v
		break
	}
	li := types.LedgerInfoWithSignatures{LedgerInfo: anyVote.LedgerInfo, Signatures: agg}
	item.CommitProof = &li
	item.State = Aggregated
	if m.onCommitProof != nil {
		m.onCommitProof(item.Block.ID(), li)
	}
	return true, nil
}

// HandleDecision advances the buffer item named by proof's commit
// info directly to Aggregated, carrying proof as its commit
// certificate.
func (m *Manager) HandleDecision(proof types.LedgerInfoWithSignatures) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.byID[proof.LedgerInfo.CommitInfo.ID]
	if !ok {
		return ErrUnknownBlock
	}
	item := node.Value
	item.CommitProof = &proof
	item.State = Aggregated
	if m.onCommitProof != nil {
		m.onCommitProof(item.Block.ID(), proof)
	}
	return nil
}

// HandleAck terminates the retry loop of blockID's outbound commit
// vote broadcast once author has acknowledged it.
func (m *Manager) HandleAck(blockID types.Hash, author types.NodeID) {
	m.mu.Lock()
	node, ok := m.byID[blockID]
	var handle *broadcast.Handle
	if ok {
		handle = node.Value.broadcast
	}
	m.mu.Unlock()
	if handle != nil {
		handle.Ack(author)
	}
}

// HandleNack is a no-op: the broadcaster already
// retries unacknowledged targets unconditionally on every backoff
// tick.
func (m *Manager) HandleNack(types.Hash, types.NodeID) {}

// PopCommittable pops the head item if it is Aggregated, returning
// the (blocks, commit_proof) pair for the persist phase.
func (m *Manager) PopCommittable() (CommittableBlocks, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headCursor == nil || m.headCursor.Value.State != Aggregated {
		return CommittableBlocks{}, false
	}
	item := m.headCursor.Value
	proof := *item.CommitProof
	blocks := []*types.PipelinedBlock{item.Block}

	next := m.headCursor.Next
	m.items.Remove(m.headCursor)
	delete(m.byID, item.Block.ID())
	m.headCursor = next

	m.sink.BlockCommitted(item.Block.Round(), proof.LedgerInfo.CommitInfo.BlockNumber)
	return CommittableBlocks{Blocks: blocks, CommitProof: proof, EndsEpoch: proof.LedgerInfo.CommitInfo.EndsEpoch()}, true
}

// MarkCommitted updates highest_committed_round after the persist
// phase reports round_committed.
func (m *Manager) MarkCommitted(round types.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if round > m.highestCommittedRound {
		m.highestCommittedRound = round
	}
}

// Rebroadcast re-initiates broadcast for Signed items whose SignedAt
// is older than CommitVoteRebroadcastInterval, or that have no
// current handle. Call this periodically, e.g. every
// CommitVoteBroadcastInterval.
func (m *Manager) Rebroadcast(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var stale []*BufferItem
	for node := m.items.Front(); node != nil; node = node.Next {
		item := node.Value
		if item.State != Signed {
			continue
		}
		if item.broadcast == nil || now.Sub(item.SignedAt) > m.cfg.CommitVoteRebroadcastInterval {
			stale = append(stale, item)
		}
	}
	targets := m.verifier.Order()
	m.mu.Unlock()

	for _, item := range stale {
		handle := m.broadcaster.Start(ctx, m.encode(item.SignedVote), targets, broadcast.NewThresholdStatus(m.verifier.HasQuorumVotingPower))
		m.mu.Lock()
		item.broadcast = handle
		item.SignedAt = now
		m.mu.Unlock()
	}
}

// ResetInProgress reports whether a Reset is currently draining
// in-flight work, so upstream can pause feeding ordered blocks.
func (m *Manager) ResetInProgress() bool {
	return m.resetting.Get()
}

// Reset clears the buffer (epoch change or external stop/target-round
// signal): every item is dropped, cursors go to none, any pending
// broadcast is cancelled, and Reset blocks until in-flight
// execution/signing tasks have drained.
func (m *Manager) Reset() {
	m.resetting.Set(true)
	defer m.resetting.Set(false)

	if m.onReset != nil {
		m.onReset()
	}

	m.mu.Lock()
	var handles []*broadcast.Handle
	for node := m.items.Front(); node != nil; node = node.Next {
		if node.Value.broadcast != nil {
			handles = append(handles, node.Value.broadcast)
		}
	}
	m.items.Clear()
	m.byID = make(map[types.Hash]*linked.ListNode[*BufferItem])
	m.headCursor = nil
	m.executionRoot = nil
	m.signingRoot = nil
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	for m.ongoing.Get() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// Len reports the number of items currently buffered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len()
}
