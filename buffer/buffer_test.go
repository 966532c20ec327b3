// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	blscrypto "github.com/luxfi/crypto/bls"
	"github.com/luxfi/quorumchain/broadcast"
	"github.com/luxfi/quorumchain/config"
	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/executor"
	"github.com/luxfi/quorumchain/pipeline"
	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, id byte, weight uint64) (types.ValidatorInfo, *blscrypto.SecretKey) {
	t.Helper()
	sk, err := blscrypto.NewSecretKey()
	require.NoError(t, err)
	return types.ValidatorInfo{
		Author:      types.NodeID{id},
		PublicKey:   blscrypto.PublicFromSecretKey(sk),
		VotingPower: weight,
	}, sk
}

type stubScheduler struct {
	mu           sync.Mutex
	execResult   types.StateComputeResult
	execErr      error
	signVote     func(*types.PipelinedBlock, types.StateComputeResult) *types.Vote
	signErr      error
	executedHook func(*types.PipelinedBlock)
}

func (s *stubScheduler) ScheduleExecution(_ context.Context, pb *types.PipelinedBlock) (types.StateComputeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executedHook != nil {
		s.executedHook(pb)
	}
	return s.execResult, s.execErr
}

func (s *stubScheduler) RequestSigning(_ context.Context, pb *types.PipelinedBlock, result types.StateComputeResult) (*types.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return nil, s.signErr
	}
	return s.signVote(pb, result), nil
}

type recordingSender struct {
	mu    sync.Mutex
	sends int
}

func (s *recordingSender) Send(context.Context, types.NodeID, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return nil
}

func encodeVote(*types.Vote) []byte { return []byte("vote") }

func newTestManager(t *testing.T, scheduler Scheduler) (*Manager, []types.ValidatorInfo, []*blscrypto.SecretKey) {
	t.Helper()
	var validators []types.ValidatorInfo
	var keys []*blscrypto.SecretKey
	for i := byte(1); i <= 4; i++ {
		vi, sk := newTestValidator(t, i, 1)
		validators = append(validators, vi)
		keys = append(keys, sk)
	}
	v, err := crypto.NewVerifier(1, validators)
	require.NoError(t, err)

	cfg := config.BufferConfig{
		MaxBacklog:                    2,
		CommitVoteBroadcastInterval:   10 * time.Millisecond,
		CommitVoteRebroadcastInterval: 20 * time.Millisecond,
	}
	b := broadcast.NewBroadcaster(&recordingSender{})
	m := NewManager(cfg, v, scheduler, b, encodeVote, nil)
	return m, validators, keys
}

func testBlock(id byte, round types.Round) *types.PipelinedBlock {
	return &types.PipelinedBlock{Block: &types.Block{ID: types.Hash{id}, Round: round}}
}

func TestPushOrderedSchedulesExecutionAndSigning(t *testing.T) {
	var signedOnce sync.WaitGroup
	signedOnce.Add(1)

	scheduler := &stubScheduler{
		execResult: types.StateComputeResult{ExecutedStateHash: types.Hash{9}},
		signVote: func(pb *types.PipelinedBlock, result types.StateComputeResult) *types.Vote {
			defer signedOnce.Done()
			return &types.Vote{Kind: types.VoteCommit, VoteData: types.VoteData{Proposed: types.BlockInfo{ID: pb.ID(), ExecutedStateHash: result.ExecutedStateHash}}}
		},
	}
	m, _, _ := newTestManager(t, scheduler)

	block := testBlock(1, 1)
	require.NoError(t, m.PushOrdered(context.Background(), block))

	done := make(chan struct{})
	go func() { signedOnce.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signing never happened")
	}

	require.Eventually(t, func() bool {
		node, ok := m.byID[block.ID()]
		return ok && node.Value.State == Signed
	}, time.Second, time.Millisecond)
}

func TestPushOrderedRejectsUnderBackPressure(t *testing.T) {
	scheduler := &stubScheduler{signVote: func(*types.PipelinedBlock, types.StateComputeResult) *types.Vote { return nil }}
	m, _, _ := newTestManager(t, scheduler)

	for i := byte(1); i <= 2; i++ {
		require.NoError(t, m.PushOrdered(context.Background(), testBlock(i, types.Round(i))))
	}
	err := m.PushOrdered(context.Background(), testBlock(3, 3))
	require.ErrorIs(t, err, ErrBackPressure)
}

func TestHandleVoteAggregatesAtQuorumAndPops(t *testing.T) {
	scheduler := &stubScheduler{}
	m, validators, keys := newTestManager(t, scheduler)
	block := testBlock(1, 1)

	// Bypass the scheduler goroutines: insert the item directly in
	// Ordered state without PushOrdered and then drive commit votes
	// only (HandleVote works regardless of item.State).
	item := &BufferItem{Block: block, State: Ordered, votes: make(map[types.NodeID]*types.Vote)}
	node := m.items.PushBack(item)
	m.byID[block.ID()] = node
	m.headCursor = node

	li := types.LedgerInfo{CommitInfo: types.BlockInfo{ID: block.ID(), Round: block.Round()}}
	msg := []byte("msg")

	for i := 0; i < 2; i++ {
		vote := &types.Vote{
			Author:     validators[i].Author,
			VoteData:   types.VoteData{Proposed: li.CommitInfo},
			LedgerInfo: li,
			Signature:  blscrypto.Sign(keys[i], msg),
		}
		ack, err := m.HandleVote(vote)
		require.NoError(t, err)
		require.False(t, ack)
	}

	vote := &types.Vote{
		Author:     validators[2].Author,
		VoteData:   types.VoteData{Proposed: li.CommitInfo},
		LedgerInfo: li,
		Signature:  blscrypto.Sign(keys[2], msg),
	}
	ack, err := m.HandleVote(vote)
	require.NoError(t, err)
	require.True(t, ack)

	cb, ok := m.PopCommittable()
	require.True(t, ok)
	require.Len(t, cb.Blocks, 1)
	require.Equal(t, block.ID(), cb.Blocks[0].ID())
	require.Equal(t, 0, m.Len())
}

func TestHandleVoteRejectsUnknownAuthorAndBlock(t *testing.T) {
	scheduler := &stubScheduler{}
	m, validators, _ := newTestManager(t, scheduler)

	_, err := m.HandleVote(&types.Vote{Author: types.NodeID{0xff}})
	require.ErrorIs(t, err, crypto.ErrUnknownAuthor)

	_, err = m.HandleVote(&types.Vote{
		Author:   validators[0].Author,
		VoteData: types.VoteData{Proposed: types.BlockInfo{ID: types.Hash{77}}},
	})
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestHandleDecisionAggregatesDirectly(t *testing.T) {
	scheduler := &stubScheduler{}
	m, _, _ := newTestManager(t, scheduler)
	block := testBlock(1, 1)
	item := &BufferItem{Block: block, State: Ordered, votes: make(map[types.NodeID]*types.Vote)}
	node := m.items.PushBack(item)
	m.byID[block.ID()] = node
	m.headCursor = node

	proof := types.LedgerInfoWithSignatures{LedgerInfo: types.LedgerInfo{CommitInfo: types.BlockInfo{ID: block.ID()}}}
	require.NoError(t, m.HandleDecision(proof))

	cb, ok := m.PopCommittable()
	require.True(t, ok)
	require.Equal(t, block.ID(), cb.CommitProof.LedgerInfo.CommitInfo.ID)
}

func TestHandleDecisionUnknownBlock(t *testing.T) {
	scheduler := &stubScheduler{}
	m, _, _ := newTestManager(t, scheduler)
	err := m.HandleDecision(types.LedgerInfoWithSignatures{})
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestResetClearsBuffer(t *testing.T) {
	scheduler := &stubScheduler{signVote: func(*types.PipelinedBlock, types.StateComputeResult) *types.Vote {
		return &types.Vote{}
	}}
	m, _, _ := newTestManager(t, scheduler)
	require.NoError(t, m.PushOrdered(context.Background(), testBlock(1, 1)))
	require.Equal(t, 1, m.Len())

	m.Reset()
	require.Equal(t, 0, m.Len())
	require.Nil(t, m.headCursor)
}

func TestMarkCommittedOnlyAdvances(t *testing.T) {
	scheduler := &stubScheduler{}
	m, _, _ := newTestManager(t, scheduler)
	m.MarkCommitted(5)
	require.Equal(t, types.Round(5), m.highestCommittedRound)
	m.MarkCommitted(2)
	require.Equal(t, types.Round(5), m.highestCommittedRound)
}

// pipelineBridge is a minimal executor bridge for driving a real
// pipeline.Scheduler through the manager.
type pipelineBridge struct {
	mu      sync.Mutex
	commits int
}

func (b *pipelineBridge) PushOrderedBlock(context.Context, types.Hash, types.Hash, types.BlockNumber, uint64, []types.Txn, []types.Address, []byte) error {
	return nil
}

func (b *pipelineBridge) PullExecutedBlockHash(context.Context) (executor.ExecutedBlockHash, error) {
	return executor.ExecutedBlockHash{ExecutionHash: types.Hash{0x42}}, nil
}

func (b *pipelineBridge) CommitExecutedBlockHash(context.Context, types.Hash, *types.Hash) error {
	return nil
}

func (b *pipelineBridge) GetBlockID(context.Context, types.BlockNumber) (types.Hash, error) {
	return types.Hash{}, nil
}

func (b *pipelineBridge) PreCommitBlock(context.Context, types.Hash) error { return nil }

func (b *pipelineBridge) CommitLedger(context.Context, []types.Hash, types.LedgerInfoWithSignatures) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	return nil
}

func (b *pipelineBridge) LatestBlockNumber(context.Context) (types.BlockNumber, error) {
	return 0, nil
}

func (b *pipelineBridge) committed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

func TestPipelinedManagerRunsBlockThroughCommit(t *testing.T) {
	bridge := &pipelineBridge{}
	ps := pipeline.NewScheduler(pipeline.SchedulerOptions{
		Bridge: bridge,
		ResolvePayload: func(context.Context, *types.Block) ([]types.Txn, error) {
			return []types.Txn{{Hash: types.Hash{7}}}, nil
		},
		VerifySignatures: func(_ context.Context, txns []types.Txn) ([]types.Txn, error) {
			return txns, nil
		},
		SignLedgerInfo: func(block *types.Block, executedRoot types.Hash, _ *uint64) (*types.Vote, error) {
			return &types.Vote{
				Kind:     types.VoteCommit,
				VoteData: types.VoteData{Proposed: types.BlockInfo{ID: block.ID, ExecutedStateHash: executedRoot}},
			}, nil
		},
	})

	var validators []types.ValidatorInfo
	for i := byte(1); i <= 4; i++ {
		vi, _ := newTestValidator(t, i, 1)
		validators = append(validators, vi)
	}
	v, err := crypto.NewVerifier(1, validators)
	require.NoError(t, err)
	cfg := config.BufferConfig{
		MaxBacklog:                    20,
		CommitVoteBroadcastInterval:   10 * time.Millisecond,
		CommitVoteRebroadcastInterval: 20 * time.Millisecond,
	}
	m := NewPipelinedManager(cfg, v, ps, broadcast.NewBroadcaster(&recordingSender{}), encodeVote, nil)

	block := &types.Block{ID: types.Hash{1}, Round: 1, Epoch: 1, Payload: types.Payload{Kind: types.PayloadEmpty}}
	pb := &types.PipelinedBlock{Block: block, InsertionTime: time.Now()}
	require.NoError(t, m.PushOrdered(context.Background(), pb))

	// The pipeline executes and signs the block; the item reaches
	// Signed once the commit vote is out for broadcast.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		node, ok := m.byID[block.ID]
		return ok && node.Value.State == Signed
	}, 2*time.Second, 5*time.Millisecond)

	// A commit decision is forwarded into the pipeline, unblocking
	// its commit-side stages all the way to the bridge's CommitLedger.
	proof := types.LedgerInfoWithSignatures{
		LedgerInfo: types.LedgerInfo{CommitInfo: types.BlockInfo{ID: block.ID, Round: 1, Epoch: 1}},
	}
	require.NoError(t, m.HandleDecision(proof))

	cb, ok := m.PopCommittable()
	require.True(t, ok)
	require.Equal(t, block.ID, cb.CommitProof.LedgerInfo.CommitInfo.ID)

	require.Eventually(t, func() bool { return bridge.committed() == 1 }, 2*time.Second, 5*time.Millisecond)
}
