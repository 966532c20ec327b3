// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/quorumchain/config"
	"github.com/luxfi/quorumchain/types"
)

// ErrRetrievalExhausted is returned once the retry policy's attempt
// budget is spent with no peer returning the requested block.
var ErrRetrievalExhausted = errors.New("consensus: block retrieval exhausted")

// BlockFetcher issues a single block-retrieval RPC to peer, blocking
// until it either returns the block or ctx (carrying the per-RPC
// timeout) expires.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, peer types.NodeID, id types.Hash) (*types.Block, error)
}

// RetrieveBlock implements the bounded retry policy over
// BlockFetcher: cfg.MaxAttempts rounds, cfg.PeersPerTry peers per
// round (in the order given by peers), cfg.RPCTimeout per RPC,
// cfg.RetryInterval between rounds. It returns the first successfully
// fetched block.
func RetrieveBlock(ctx context.Context, fetcher BlockFetcher, peers []types.NodeID, id types.Hash, cfg config.BlockRetrievalConfig) (*types.Block, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: no peers available", ErrRetrievalExhausted)
	}
	var lastErr error
	peersPerTry := cfg.PeersPerTry
	if peersPerTry <= 0 || peersPerTry > len(peers) {
		peersPerTry = len(peers)
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		for i := 0; i < peersPerTry; i++ {
			peer := peers[(attempt*peersPerTry+i)%len(peers)]
			rctx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
			block, err := fetcher.FetchBlock(rctx, peer, id)
			cancel()
			if err == nil {
				return block, nil
			}
			lastErr = err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetrievalExhausted, lastErr)
}

// BlockRetrievalStatus is the status tag of a BlockRetrievalResponse.
type BlockRetrievalStatus uint8

const (
	// RetrievalSucceeded carries exactly NumBlocks blocks forming a
	// parent-chain from the requested id.
	RetrievalSucceeded BlockRetrievalStatus = iota
	// RetrievalIDNotFound means the peer does not know the requested
	// block.
	RetrievalIDNotFound
	// RetrievalNotEnoughBlocks carries fewer blocks than requested
	// (the peer's chain ended early).
	RetrievalNotEnoughBlocks
	// RetrievalSucceededWithTarget means the chain reached the
	// requested target block before NumBlocks were gathered.
	RetrievalSucceededWithTarget
)

// BlockRetrievalRequest asks a peer for num_blocks starting at
// BlockID and walking parent links, optionally stopping early at
// TargetBlockID.
type BlockRetrievalRequest struct {
	BlockID       types.Hash
	NumBlocks     uint64
	TargetBlockID *types.Hash
	Epoch         *types.Epoch
}

// BlockRetrievalResponse is a peer's answer: blocks in
// request-to-ancestor order, plus any QCs and ledger infos the peer
// attaches to let the caller verify the chain.
type BlockRetrievalResponse struct {
	Status      BlockRetrievalStatus
	Blocks      []*types.Block
	QCs         []*types.QuorumCert
	LedgerInfos []*types.LedgerInfoWithSignatures
}

// ErrBadRetrievalResponse is returned when a response fails
// verification against its request.
var ErrBadRetrievalResponse = errors.New("consensus: bad block retrieval response")

// VerifyRetrievalResponse checks a successful response forms a
// parent-chain from the requested block: blocks[0].id must equal
// request.block_id, every later block must be its predecessor's
// parent, every block must pass the identity check, and a plain
// Succeeded must carry exactly NumBlocks blocks.
func VerifyRetrievalResponse(req BlockRetrievalRequest, resp *BlockRetrievalResponse) error {
	switch resp.Status {
	case RetrievalIDNotFound, RetrievalNotEnoughBlocks:
		return nil
	case RetrievalSucceeded, RetrievalSucceededWithTarget:
	default:
		return fmt.Errorf("%w: unknown status %d", ErrBadRetrievalResponse, resp.Status)
	}

	if len(resp.Blocks) == 0 {
		return fmt.Errorf("%w: success with no blocks", ErrBadRetrievalResponse)
	}
	if resp.Status == RetrievalSucceeded && uint64(len(resp.Blocks)) != req.NumBlocks {
		return fmt.Errorf("%w: got %d blocks, requested %d", ErrBadRetrievalResponse, len(resp.Blocks), req.NumBlocks)
	}
	if resp.Blocks[0].ID != req.BlockID {
		return fmt.Errorf("%w: first block %s, requested %s", ErrBadRetrievalResponse, resp.Blocks[0].ID, req.BlockID)
	}
	for i, b := range resp.Blocks {
		if err := b.CheckIdentity(); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrBadRetrievalResponse, i, err)
		}
		if req.Epoch != nil && b.Epoch != *req.Epoch {
			return fmt.Errorf("%w: block %d epoch %d, requested %d", ErrBadRetrievalResponse, i, b.Epoch, *req.Epoch)
		}
		if i > 0 && resp.Blocks[i-1].ParentID != b.ID {
			return fmt.Errorf("%w: block %d does not parent block %d", ErrBadRetrievalResponse, i, i-1)
		}
	}
	if resp.Status == RetrievalSucceededWithTarget {
		if req.TargetBlockID == nil {
			return fmt.Errorf("%w: target status without a requested target", ErrBadRetrievalResponse)
		}
		last := resp.Blocks[len(resp.Blocks)-1]
		if last.ID != *req.TargetBlockID {
			return fmt.Errorf("%w: chain ends at %s, target %s", ErrBadRetrievalResponse, last.ID, *req.TargetBlockID)
		}
	}
	return nil
}

// ChainFetcher issues one BlockRetrievalRequest RPC to peer.
type ChainFetcher interface {
	FetchChain(ctx context.Context, peer types.NodeID, req BlockRetrievalRequest) (*BlockRetrievalResponse, error)
}

// RetrieveChain runs the same bounded retry policy as RetrieveBlock
// over the chain-retrieval RPC, verifying every response and
// terminating early on SucceededWithTarget. IDNotFound and
// NotEnoughBlocks responses count as failed attempts and rotate to
// the next peer.
func RetrieveChain(ctx context.Context, fetcher ChainFetcher, peers []types.NodeID, req BlockRetrievalRequest, cfg config.BlockRetrievalConfig) (*BlockRetrievalResponse, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: no peers available", ErrRetrievalExhausted)
	}
	peersPerTry := cfg.PeersPerTry
	if peersPerTry <= 0 || peersPerTry > len(peers) {
		peersPerTry = len(peers)
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		for i := 0; i < peersPerTry; i++ {
			peer := peers[(attempt*peersPerTry+i)%len(peers)]
			rctx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
			resp, err := fetcher.FetchChain(rctx, peer, req)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			if err := VerifyRetrievalResponse(req, resp); err != nil {
				lastErr = err
				continue
			}
			switch resp.Status {
			case RetrievalSucceeded, RetrievalSucceededWithTarget:
				return resp, nil
			default:
				lastErr = fmt.Errorf("consensus: peer %s returned status %d", peer, resp.Status)
			}
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetrievalExhausted, lastErr)
}

// maxAncestorFetch bounds how many ancestors a single missing-parent
// retrieval asks for; a deeper gap is closed over further rounds.
const maxAncestorFetch = 64
