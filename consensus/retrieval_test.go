// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/luxfi/quorumchain/config"
	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// MockBlockFetcher is a hand-written gomock-style mock of
// BlockFetcher, matching the shape mockgen would produce;
// BlockFetcher is narrow enough not to warrant a generated file of
// its own.
type MockBlockFetcher struct {
	ctrl     *gomock.Controller
	recorder *MockBlockFetcherMockRecorder
}

type MockBlockFetcherMockRecorder struct {
	mock *MockBlockFetcher
}

func NewMockBlockFetcher(ctrl *gomock.Controller) *MockBlockFetcher {
	mock := &MockBlockFetcher{ctrl: ctrl}
	mock.recorder = &MockBlockFetcherMockRecorder{mock}
	return mock
}

func (m *MockBlockFetcher) EXPECT() *MockBlockFetcherMockRecorder {
	return m.recorder
}

func (m *MockBlockFetcher) FetchBlock(ctx context.Context, peer types.NodeID, id types.Hash) (*types.Block, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "FetchBlock", ctx, peer, id)
	block, _ := ret[0].(*types.Block)
	err, _ := ret[1].(error)
	return block, err
}

func (mr *MockBlockFetcherMockRecorder) FetchBlock(ctx, peer, id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "FetchBlock", reflect.TypeOf((*MockBlockFetcher)(nil).FetchBlock), ctx, peer, id)
}

func TestRetrieveBlockSucceedsAfterPeerFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := NewMockBlockFetcher(ctrl)

	peers := []types.NodeID{{1}, {2}, {3}}
	id := types.Hash{9}
	want := &types.Block{ID: id}
	errPeerDown := errors.New("peer unreachable")

	fetcher.EXPECT().FetchBlock(gomock.Any(), peers[0], id).Return(nil, errPeerDown)
	fetcher.EXPECT().FetchBlock(gomock.Any(), peers[1], id).Return(nil, errPeerDown)
	fetcher.EXPECT().FetchBlock(gomock.Any(), peers[2], id).Return(want, nil)

	cfg := config.BlockRetrievalConfig{
		MaxAttempts:   1,
		PeersPerTry:   3,
		RetryInterval: time.Millisecond,
		RPCTimeout:    time.Second,
	}

	got, err := RetrieveBlock(context.Background(), fetcher, peers, id, cfg)
	require.NoError(t, err)
	require.Same(t, want, got)
}

func TestRetrieveBlockExhaustsAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := NewMockBlockFetcher(ctrl)

	peers := []types.NodeID{{1}}
	id := types.Hash{9}
	errPeerDown := errors.New("peer unreachable")

	fetcher.EXPECT().FetchBlock(gomock.Any(), peers[0], id).Return(nil, errPeerDown).Times(2)

	cfg := config.BlockRetrievalConfig{
		MaxAttempts:   2,
		PeersPerTry:   1,
		RetryInterval: time.Millisecond,
		RPCTimeout:    time.Second,
	}

	_, err := RetrieveBlock(context.Background(), fetcher, peers, id, cfg)
	require.ErrorIs(t, err, ErrRetrievalExhausted)
}

func TestRetrieveBlockNoPeers(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := NewMockBlockFetcher(ctrl)

	_, err := RetrieveBlock(context.Background(), fetcher, nil, types.Hash{9}, config.BlockRetrievalConfig{MaxAttempts: 1})
	require.ErrorIs(t, err, ErrRetrievalExhausted)
}

// retrievalChain builds n identity-correct blocks walking parent
// links tip-to-ancestor, the order a retrieval response carries them.
func retrievalChain(t *testing.T, epoch types.Epoch, n int) []*types.Block {
	t.Helper()
	blocks := make([]*types.Block, n)
	parent := types.EmptyHash
	for i := n - 1; i >= 0; i-- {
		b := &types.Block{
			ParentID: parent,
			Epoch:    epoch,
			Round:    types.Round(10 + i),
			Payload:  types.Payload{Kind: types.PayloadEmpty},
		}
		b.ID = b.ComputeID()
		blocks[i] = b
		parent = b.ID
	}
	return blocks
}

func TestVerifyRetrievalResponseChainIntegrity(t *testing.T) {
	blocks := retrievalChain(t, 1, 3)
	req := BlockRetrievalRequest{BlockID: blocks[0].ID, NumBlocks: 3}
	resp := &BlockRetrievalResponse{Status: RetrievalSucceeded, Blocks: blocks}
	require.NoError(t, VerifyRetrievalResponse(req, resp))

	// Wrong head block.
	badHead := *resp
	badHead.Blocks = blocks[1:]
	require.ErrorIs(t, VerifyRetrievalResponse(req, &badHead), ErrBadRetrievalResponse)

	// Broken parent link.
	broken := retrievalChain(t, 1, 3)
	broken[2] = retrievalChain(t, 1, 1)[0]
	resp2 := &BlockRetrievalResponse{Status: RetrievalSucceeded, Blocks: broken}
	require.ErrorIs(t, VerifyRetrievalResponse(BlockRetrievalRequest{BlockID: broken[0].ID, NumBlocks: 3}, resp2), ErrBadRetrievalResponse)

	// Succeeded must carry exactly NumBlocks.
	short := &BlockRetrievalResponse{Status: RetrievalSucceeded, Blocks: blocks[:2]}
	require.ErrorIs(t, VerifyRetrievalResponse(req, short), ErrBadRetrievalResponse)
}

func TestVerifyRetrievalResponseTarget(t *testing.T) {
	blocks := retrievalChain(t, 1, 2)
	target := blocks[1].ID
	req := BlockRetrievalRequest{BlockID: blocks[0].ID, NumBlocks: 5, TargetBlockID: &target}
	resp := &BlockRetrievalResponse{Status: RetrievalSucceededWithTarget, Blocks: blocks}
	require.NoError(t, VerifyRetrievalResponse(req, resp))

	wrongTarget := types.Hash{0xff}
	req.TargetBlockID = &wrongTarget
	require.ErrorIs(t, VerifyRetrievalResponse(req, resp), ErrBadRetrievalResponse)
}

type stubChainFetcher struct {
	responses map[types.NodeID]*BlockRetrievalResponse
	err       error
}

func (f *stubChainFetcher) FetchChain(_ context.Context, peer types.NodeID, _ BlockRetrievalRequest) (*BlockRetrievalResponse, error) {
	if resp, ok := f.responses[peer]; ok {
		return resp, nil
	}
	return nil, f.err
}

func TestRetrieveChainRotatesPastNotFound(t *testing.T) {
	blocks := retrievalChain(t, 1, 2)
	req := BlockRetrievalRequest{BlockID: blocks[0].ID, NumBlocks: 2}
	peers := []types.NodeID{{1}, {2}}
	fetcher := &stubChainFetcher{
		responses: map[types.NodeID]*BlockRetrievalResponse{
			{1}: {Status: RetrievalIDNotFound},
			{2}: {Status: RetrievalSucceeded, Blocks: blocks},
		},
	}
	cfg := config.BlockRetrievalConfig{MaxAttempts: 1, PeersPerTry: 2, RetryInterval: time.Millisecond, RPCTimeout: time.Second}

	resp, err := RetrieveChain(context.Background(), fetcher, peers, req, cfg)
	require.NoError(t, err)
	require.Equal(t, RetrievalSucceeded, resp.Status)
	require.Len(t, resp.Blocks, 2)
}

func TestRetrieveChainExhausts(t *testing.T) {
	fetcher := &stubChainFetcher{err: errors.New("peer unreachable")}
	cfg := config.BlockRetrievalConfig{MaxAttempts: 2, PeersPerTry: 1, RetryInterval: time.Millisecond, RPCTimeout: time.Second}
	_, err := RetrieveChain(context.Background(), fetcher, []types.NodeID{{1}}, BlockRetrievalRequest{BlockID: types.Hash{9}, NumBlocks: 1}, cfg)
	require.ErrorIs(t, err, ErrRetrievalExhausted)
}
