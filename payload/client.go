// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package payload implements the payload-pull client: a bounded-wait
// loop over an external mempool that returns either a non-empty set
// of pending user transactions or an early empty result once it is
// safe to propose a NIL-equivalent payload.
package payload

import (
	"context"
	"time"

	"github.com/luxfi/quorumchain/types"
)

// NoTxnDelay is the backoff between unsuccessful pull attempts.
const NoTxnDelay = 30 * time.Millisecond

// PendingTxnSummary is the narrow view of a pending mempool entry the
// back-pressure "pending ordering" signal needs: sender, nonce, and
// hash only. It is not a full mempool view, only the contract
// payload.Client consumes.
type PendingTxnSummary struct {
	Hash   types.Hash
	Sender types.Address
	Nonce  uint64
}

// Mempool is the external collaborator payload.Client pulls from and
// observes. Admission policy, transaction validity, and storage are
// the mempool's own concern; this is strictly a pull contract.
type Mempool interface {
	// PullTxns returns up to maxTxns transactions (stopping earlier if
	// maxBytes would be exceeded) whose hash is not in exclude.
	PullTxns(ctx context.Context, maxTxns uint64, maxBytes uint64, exclude map[types.Hash]struct{}) ([]types.Txn, error)
	// MempoolSnapshot reports the subset of pending transactions the
	// back-pressure "pending_ordering" signal needs.
	MempoolSnapshot() []PendingTxnSummary
}

// PullRequest bundles the parameters of a single PullPayload call.
type PullRequest struct {
	Deadline            time.Time
	MaxTxns             uint64
	MaxBytes            uint64
	ExcludePayloads     map[types.Hash]struct{}
	PendingOrdering     bool
	PendingBlocksCount  int
	RecentFillFraction  float64
	BlockTimestampUsec  uint64
	FillThreshold       float64
	PendingThreshold    int
}

// Client pulls payload from an external Mempool under the
// return_non_full / return_empty policy.
type Client struct {
	pool Mempool
}

// NewClient builds a payload Client over pool.
func NewClient(pool Mempool) *Client {
	return &Client{pool: pool}
}

// returnNonFull reports whether the pipeline is healthy enough to
// propose a less-than-full payload rather than keep waiting.
func returnNonFull(req PullRequest) bool {
	return req.RecentFillFraction < req.FillThreshold && req.PendingBlocksCount < req.PendingThreshold
}

// returnEmpty reports whether the client should return early with an
// empty payload rather than wait out the full deadline: blocks are
// pending ordering and returnNonFull holds.
func returnEmpty(req PullRequest) bool {
	return req.PendingOrdering && returnNonFull(req)
}

// PullPayload loops, pulling from the mempool with NoTxnDelay backoff,
// until either a non-empty batch of transactions is returned, the
// early-empty condition fires, or the deadline passes.
func (c *Client) PullPayload(ctx context.Context, req PullRequest) ([]types.Txn, error) {
	for {
		txns, err := c.pool.PullTxns(ctx, req.MaxTxns, req.MaxBytes, req.ExcludePayloads)
		if err != nil {
			return nil, err
		}
		if len(txns) > 0 {
			return txns, nil
		}
		if returnEmpty(req) {
			return nil, nil
		}
		if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
			return nil, nil
		}
		timer := time.NewTimer(NoTxnDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// MempoolSnapshot delegates to the underlying Mempool, giving callers
// (e.g. the back-pressure advisor's pending-ordering input) a single
// narrow entry point.
func (c *Client) MempoolSnapshot() []PendingTxnSummary {
	return c.pool.MempoolSnapshot()
}
