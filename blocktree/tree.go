// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blocktree is the in-memory DAG of PipelinedBlocks rooted at
// the last committed block. It is arena-indexed by
// block id: children hold only ids, and lookups go through the
// tree's map rather than owning references.
package blocktree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/quorumchain/types"
)

var (
	// ErrParentMissing is returned when a block's parent is not yet in
	// the tree; the caller should trigger block retrieval.
	ErrParentMissing = errors.New("blocktree: parent missing")
	// ErrEpochMismatch is returned when a block's epoch does not match
	// the epoch the tree is currently tracking.
	ErrEpochMismatch = errors.New("blocktree: epoch mismatch")
	// ErrIdentityMismatch is returned when a block's declared id does
	// not hash out from its immutable fields.
	ErrIdentityMismatch = errors.New("blocktree: identity mismatch")
	// ErrUnknownBlock is returned when an operation names a block id
	// not present in the tree.
	ErrUnknownBlock = errors.New("blocktree: unknown block")
)

type node struct {
	block    *types.PipelinedBlock
	children map[types.Hash]struct{}
}

// Tree is the in-memory block DAG. A zero Tree is not usable; build
// one with New.
type Tree struct {
	mu sync.RWMutex

	epoch types.Epoch
	nodes map[types.Hash]*node
	root  types.Hash

	highestQC      *types.QuorumCert
	highestOrdered *types.QuorumCert // the QC whose commit_info chain is furthest ordered
	highestCommit  *types.QuorumCert

	// recentExecTimes is a ring buffer of the most recent blocks'
	// execution summaries, feeding the execution back-pressure advisor.
	recentExecTimes []types.ExecutionSummary
	maxExecSamples  int
}

// New builds a Tree rooted at root, which must already carry a
// genesis or recovered QC from startup reconciliation.
func New(epoch types.Epoch, root *types.PipelinedBlock, maxExecSamples int) *Tree {
	t := &Tree{
		epoch:          epoch,
		nodes:          make(map[types.Hash]*node),
		root:           root.ID(),
		maxExecSamples: maxExecSamples,
	}
	t.nodes[root.ID()] = &node{block: root, children: make(map[types.Hash]struct{})}
	return t
}

// InsertBlock adds pb to the tree. Rejects a block whose parent is
// missing, whose epoch mismatches the tree's, or whose id does not
// match its contents.
func (t *Tree) InsertBlock(pb *types.PipelinedBlock) error {
	if err := pb.Block.CheckIdentity(); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if pb.Block.Epoch != t.epoch {
		return fmt.Errorf("%w: block epoch %d, tree epoch %d", ErrEpochMismatch, pb.Block.Epoch, t.epoch)
	}
	if _, exists := t.nodes[pb.ID()]; exists {
		return nil // idempotent re-insert
	}
	parent, ok := t.nodes[pb.ParentID()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentMissing, pb.ParentID())
	}
	t.nodes[pb.ID()] = &node{block: pb, children: make(map[types.Hash]struct{})}
	parent.children[pb.ID()] = struct{}{}
	return nil
}

// InsertQC records a newly-formed QC, advancing highest_quorum_cert
// monotonically. A QC below the current highest round (e.g. one
// carried by an old proposal) is accepted as a no-op so the cursor
// never regresses; a QC at the current highest round replaces it.
func (t *Tree) InsertQC(qc *types.QuorumCert) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.highestQC != nil && qc.Round() < t.highestQC.Round() {
		return nil
	}
	t.highestQC = qc

	if n, ok := t.nodes[qc.CertifiedBlock().ID]; ok {
		n.block.Block.QC = qc
	}

	// A QC orders its certified block's parent through the two-chain
	// rule; commit progresses when the grandparent round is
	// contiguous. The consensus core drives the exact ordering/commit
	// cursor transitions; the tree just records the certs it is told
	// about, keeping highestOrdered/highestCommit monotonic too.
	if t.highestOrdered == nil || qc.ParentBlock().Round > t.highestOrdered.ParentBlock().Round {
		t.highestOrdered = qc
	}
	return nil
}

// MarkCommitted records qc as the certificate whose commit_info is
// now the tree's commit cursor, used by PathFromCommitRoot and by
// Prune's caller to decide the next root.
func (t *Tree) MarkCommitted(qc *types.QuorumCert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.highestCommit == nil || qc.CertifiedBlock().BlockNumber > t.highestCommit.CertifiedBlock().BlockNumber {
		t.highestCommit = qc
	}
}

// HighestQuorumCert returns the highest-round QC seen so far.
func (t *Tree) HighestQuorumCert() *types.QuorumCert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highestQC
}

// HighestOrderedCert returns the QC furthest along the ordered chain.
func (t *Tree) HighestOrderedCert() *types.QuorumCert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highestOrdered
}

// HighestCommitCert returns the QC whose commit_info is the furthest
// committed block.
func (t *Tree) HighestCommitCert() *types.QuorumCert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highestCommit
}

// Get returns the PipelinedBlock for id.
func (t *Tree) Get(id types.Hash) (*types.PipelinedBlock, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return n.block, nil
}

// PathFromCommitRoot returns the chain of blocks from the tree's
// commit root (inclusive of id, exclusive of root) ordered
// root-to-tip.
func (t *Tree) PathFromCommitRoot(id types.Hash) ([]*types.Block, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathTo(id, t.root)
}

// PathFromOrderedRoot returns the chain of blocks from the highest
// ordered cert's certified block down to id.
func (t *Tree) PathFromOrderedRoot(id types.Hash) ([]*types.Block, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.highestOrdered == nil {
		return t.pathTo(id, t.root)
	}
	return t.pathTo(id, t.highestOrdered.CertifiedBlock().ID)
}

func (t *Tree) pathTo(id, stopAt types.Hash) ([]*types.Block, error) {
	var rev []*types.Block
	cur := id
	for cur != stopAt {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, cur)
		}
		rev = append(rev, n.block.Block)
		if n.block.ParentID() == cur {
			break // defend against a self-referencing root
		}
		cur = n.block.ParentID()
	}
	out := make([]*types.Block, len(rev))
	for i, b := range rev {
		out[len(rev)-1-i] = b
	}
	return out, nil
}

// Prune removes every block that is not a descendant of newRoot,
// moving the tree's root to newRoot. The caller is expected to have
// already durably committed newRoot before pruning.
func (t *Tree) Prune(newRoot types.Hash) ([]types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[newRoot]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, newRoot)
	}

	keep := make(map[types.Hash]struct{})
	var mark func(types.Hash)
	mark = func(id types.Hash) {
		if _, done := keep[id]; done {
			return
		}
		keep[id] = struct{}{}
		for child := range t.nodes[id].children {
			mark(child)
		}
	}
	mark(newRoot)

	var removed []types.Hash
	for id := range t.nodes {
		if _, kept := keep[id]; !kept {
			removed = append(removed, id)
			delete(t.nodes, id)
		}
	}
	for id, n := range t.nodes {
		for child := range n.children {
			if _, kept := keep[child]; !kept {
				delete(n.children, child)
			}
		}
		_ = id
	}
	t.root = newRoot
	return removed, nil
}

// RecordExecutionSummary appends an execution summary to the recent
// ring buffer consumed by the execution back-pressure advisor.
func (t *Tree) RecordExecutionSummary(s types.ExecutionSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recentExecTimes = append(t.recentExecTimes, s)
	if len(t.recentExecTimes) > t.maxExecSamples {
		t.recentExecTimes = t.recentExecTimes[len(t.recentExecTimes)-t.maxExecSamples:]
	}
}

// RecentBlockExecutionTimes returns up to n of the most recent
// execution summaries, most recent last.
func (t *Tree) RecentBlockExecutionTimes(n int) []types.ExecutionSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.recentExecTimes) {
		n = len(t.recentExecTimes)
	}
	out := make([]types.ExecutionSummary, n)
	copy(out, t.recentExecTimes[len(t.recentExecTimes)-n:])
	return out
}

// Root returns the tree's current root block id.
func (t *Tree) Root() types.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Len returns the number of blocks currently held by the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
