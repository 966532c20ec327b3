// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus composes the rest of the core packages into the
// replica state machine: safety-rule-gated vote production, QC/TC
// formation via roundstate, epoch change, and block retrieval. Core
// holds references to its verifier/tree/round collaborators and
// exposes a handful of Process* entry points, one per message kind,
// rather than a single monolithic event loop.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	blscrypto "github.com/luxfi/crypto/bls"
	"github.com/luxfi/quorumchain/blocktree"
	"github.com/luxfi/quorumchain/broadcast"
	"github.com/luxfi/quorumchain/buffer"
	"github.com/luxfi/quorumchain/config"
	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/dkg"
	"github.com/luxfi/quorumchain/proposalgen"
	"github.com/luxfi/quorumchain/proposer"
	"github.com/luxfi/quorumchain/roundstate"
	"github.com/luxfi/quorumchain/store"
	"github.com/luxfi/quorumchain/telemetry"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/validators"
	"github.com/luxfi/quorumchain/vtxnpool"
)

// ErrWrongEpoch is returned when a proposal or vote names an epoch the
// core is no longer (or not yet) tracking.
var ErrWrongEpoch = errors.New("consensus: wrong epoch")

// ErrWrongProposer is returned when a proposal's declared proposer
// does not match the round's elected leader.
var ErrWrongProposer = errors.New("consensus: wrong proposer")

// VoteSigner signs vote and returns the signature, which Core stores
// in the vote's Signature field.
type VoteSigner func(vote *types.Vote) (*blscrypto.Signature, error)

// BlockSigner signs a freshly generated block, returning the bytes to
// store in Block.Signature.
type BlockSigner func(block *types.Block) ([]byte, error)

// Encoder serializes outbound consensus messages for Sender.Send; the
// concrete wire format is out of scope, so this is
// an interface the caller supplies, mirroring store.Codec's posture.
type Encoder interface {
	EncodeProposal(*types.Block) []byte
	EncodeVote(*types.Vote) []byte
	EncodeTimeout(*types.TimeoutInfo) []byte
}

// DKGFactory constructs a fresh DKG session over the new epoch's
// verifier, called by EpochChange so each epoch's dealing starts with
// the right dealer set.
type DKGFactory func(verifier *crypto.Verifier) *dkg.Manager

// OwnTranscriptFunc deals this node's own transcript for the target
// epoch's DKG session.
type OwnTranscriptFunc func(targetEpoch types.Epoch) (dkg.Transcript, error)

// Deps bundles Core's external collaborators, constructed once per
// epoch (EpochChange rebuilds the epoch-scoped ones).
type Deps struct {
	Self types.NodeID

	Verifier     *crypto.Verifier
	Validators   *validators.Set
	Tree         *blocktree.Tree
	Round        *roundstate.State
	Safety       *Rules
	Election     *proposer.Election
	Advisor      *proposer.Advisor
	Generator    *proposalgen.Generator
	Store        *store.Store
	Buffer       *buffer.Manager // optional; nil if the replica does not run the pipeline buffer itself
	Sender       broadcast.Sender
	Encoder      Encoder
	VoteSigner   VoteSigner
	BlockSigner  BlockSigner
	Sink         telemetry.Sink
	MaxExecSamples int

	// VTxnPool (optional) is flushed of stale items on epoch change.
	VTxnPool *vtxnpool.Pool
	// DKGFactory and OwnTranscript (optional, set together) start the
	// next epoch's DKG session on epoch change.
	DKGFactory    DKGFactory
	OwnTranscript OwnTranscriptFunc

	// Fetcher (optional) retrieves missing ancestors when a proposal
	// arrives whose parent is not yet in the tree.
	Fetcher      ChainFetcher
	RetrievalCfg config.BlockRetrievalConfig
}

// Core is the per-epoch replica state machine.
type Core struct {
	epoch types.Epoch

	self       types.NodeID
	verifier   *crypto.Verifier
	validators *validators.Set
	tree       *blocktree.Tree
	round      *roundstate.State
	safety     *Rules
	election   *proposer.Election
	advisor    *proposer.Advisor
	generator  *proposalgen.Generator
	store      *store.Store
	buf        *buffer.Manager
	sender     broadcast.Sender
	encoder    Encoder
	voteSigner VoteSigner
	blockSign  BlockSigner
	sink       telemetry.Sink

	maxExecSamples int

	vtxns         *vtxnpool.Pool
	dkgFactory    DKGFactory
	ownTranscript OwnTranscriptFunc
	dkg           *dkg.Manager

	fetcher      ChainFetcher
	retrievalCfg config.BlockRetrievalConfig
}

// New builds a Core for the current epoch from deps. deps.Validators'
// epoch is taken as the core's starting epoch.
func New(deps Deps) *Core {
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NoOp{}
	}
	return &Core{
		epoch:          deps.Validators.Epoch(),
		self:           deps.Self,
		verifier:       deps.Verifier,
		validators:     deps.Validators,
		tree:           deps.Tree,
		round:          deps.Round,
		safety:         deps.Safety,
		election:       deps.Election,
		advisor:        deps.Advisor,
		generator:      deps.Generator,
		store:          deps.Store,
		buf:            deps.Buffer,
		sender:         deps.Sender,
		encoder:        deps.Encoder,
		voteSigner:     deps.VoteSigner,
		blockSign:      deps.BlockSigner,
		sink:           sink,
		maxExecSamples: deps.MaxExecSamples,
		vtxns:          deps.VTxnPool,
		dkgFactory:     deps.DKGFactory,
		ownTranscript:  deps.OwnTranscript,
		fetcher:        deps.Fetcher,
		retrievalCfg:   deps.RetrievalCfg,
	}
}

// Epoch returns the epoch Core is currently tracking.
func (c *Core) Epoch() types.Epoch { return c.epoch }

// CurrentRound returns the round the round-timer state machine is at.
func (c *Core) CurrentRound() types.Round { return c.round.CurrentRound() }

// observeQC inserts qc into the tree and fast-forwards the round timer
// past it, for QCs observed outside of local vote aggregation (e.g.
// carried in a proposal, or recovered from storage).
func (c *Core) observeQC(qc *types.QuorumCert) {
	_ = c.tree.InsertQC(qc)
	c.round.AdvanceRound(qc.Round() + 1)
	c.sink.RoundAdvanced(c.round.CurrentRound())
}

// ProcessProposal validates and votes on an incoming proposal:
// identity, epoch match, correct elected proposer, the two-chain
// safety rule, then produces, persists, and sends a
// proposal vote to the round's next leader.
func (c *Core) ProcessProposal(ctx context.Context, block *types.Block) error {
	if err := block.CheckIdentity(); err != nil {
		return err
	}
	if block.Epoch != c.epoch {
		return fmt.Errorf("%w: block epoch %d, core epoch %d", ErrWrongEpoch, block.Epoch, c.epoch)
	}
	if block.HasProposer {
		if want := c.election.LeaderFor(block.Round); want != block.Proposer {
			return fmt.Errorf("%w: round %d proposer %s, elected %s", ErrWrongProposer, block.Round, block.Proposer, want)
		}
	}

	if block.QC != nil {
		c.observeQC(block.QC)
	}

	pb := &types.PipelinedBlock{Block: block, InsertionTime: time.Now()}
	if err := c.tree.InsertBlock(pb); err != nil {
		if !errors.Is(err, blocktree.ErrParentMissing) || c.fetcher == nil {
			return err
		}
		if ferr := c.fetchMissingAncestors(ctx, block.ParentID); ferr != nil {
			return fmt.Errorf("%w: %v", err, ferr)
		}
		if err := c.tree.InsertBlock(pb); err != nil {
			return err
		}
	}

	var qcs []*types.QuorumCert
	if block.QC != nil {
		qcs = append(qcs, block.QC)
	}
	if err := c.store.SaveTree([]*types.Block{block}, qcs); err != nil {
		return err
	}

	if err := c.safety.CheckVote(block); err != nil {
		c.sink.SafetyViolation()
		return err
	}

	vote := &types.Vote{
		Kind:   types.VoteProposal,
		Author: c.self,
		VoteData: types.VoteData{
			Proposed: types.BlockInfo{
				Epoch:         block.Epoch,
				Round:         block.Round,
				ID:            block.ID,
				BlockNumber:   block.BlockNumber,
				TimestampUsec: block.TimestampUsec,
			},
		},
	}
	if block.QC != nil {
		vote.VoteData.Parent = block.QC.CertifiedBlock()
	}

	if err := c.safety.RecordVote(block); err != nil {
		return err
	}

	sig, err := c.voteSigner(vote)
	if err != nil {
		return fmt.Errorf("consensus: sign vote: %w", err)
	}
	vote.Signature = sig

	// The vote is durable before it is released: a replica that
	// crashes here re-sends the same vote on restart instead of
	// producing a different one.
	if err := c.store.SaveVote(vote); err != nil {
		return err
	}

	c.sink.VoteSent(block.Round, types.VoteProposal)
	target := c.election.LeaderFor(block.Round + 1)
	return c.sender.Send(ctx, target, c.encoder.EncodeVote(vote))
}

// ProcessVote accumulates an incoming proposal vote towards a QC.
// Once quorum is reached, the resulting QC is recorded
// and, if this replica is the elected leader for the next round, a new
// proposal is generated and broadcast.
func (c *Core) ProcessVote(ctx context.Context, vote *types.Vote) error {
	if !c.verifier.Contains(vote.Author) {
		return fmt.Errorf("%w: %s", crypto.ErrUnknownAuthor, vote.Author)
	}
	c.sink.VoteReceived(vote.Round(), vote.Author)

	qc, err := c.round.AddVote(vote)
	if err != nil {
		return err
	}
	if qc == nil {
		return nil
	}
	c.sink.QCFormed(qc.Round())
	_ = c.tree.InsertQC(qc)
	if err := c.store.SaveTree(nil, []*types.QuorumCert{qc}); err != nil {
		return err
	}
	c.orderCertified(ctx, qc)

	next := qc.Round() + 1
	if c.election.LeaderFor(next) != c.self {
		return nil
	}
	return c.proposeAt(ctx, next, qc)
}

// ProcessTimeout accumulates an incoming round timeout.
// Once quorum is reached, the resulting TC is persisted and, if this
// replica leads the next round, a new proposal extends the block
// certified by the tree's highest known QC.
func (c *Core) ProcessTimeout(ctx context.Context, ti *types.TimeoutInfo) error {
	if !c.verifier.Contains(ti.Author) {
		return fmt.Errorf("%w: %s", crypto.ErrUnknownAuthor, ti.Author)
	}

	tc, err := c.round.AddTimeout(ti)
	if err != nil {
		return err
	}
	if tc == nil {
		return nil
	}
	c.sink.TCFormed(tc.Round)
	if err := c.store.SaveHighest2ChainTC(tc); err != nil {
		return err
	}

	next := tc.Round + 1
	if c.election.LeaderFor(next) != c.self {
		return nil
	}
	qc := c.tree.HighestQuorumCert()
	if qc == nil {
		return errors.New("consensus: no known qc to extend after timeout")
	}
	return c.proposeAt(ctx, next, qc)
}

// proposeAt generates, signs, self-votes, and broadcasts a new
// proposal extending qc's certified block at round.
func (c *Core) proposeAt(ctx context.Context, round types.Round, qc *types.QuorumCert) error {
	parent, err := c.tree.Get(qc.CertifiedBlock().ID)
	if err != nil {
		return err
	}

	req := proposalgen.Request{
		Parent:        parent,
		ParentQC:      qc,
		Round:         round,
		Epoch:         c.epoch,
		Proposer:      c.self,
		TimestampUsec: uint64(time.Now().UnixMicro()),
	}
	block, err := c.generator.GenerateProposal(ctx, req)
	if err != nil {
		return fmt.Errorf("consensus: generate proposal: %w", err)
	}

	sig, err := c.blockSign(block)
	if err != nil {
		return fmt.Errorf("consensus: sign block: %w", err)
	}
	block.Signature = sig

	c.sink.BlockProposed(round, len(block.Payload.DirectTxns))

	for _, target := range c.verifier.Order() {
		if target == c.self {
			continue
		}
		if err := c.sender.Send(ctx, target, c.encoder.EncodeProposal(block)); err != nil {
			continue
		}
	}

	// The leader also processes its own proposal, producing and
	// sending its own proposal vote exactly like any other replica.
	return c.ProcessProposal(ctx, block)
}

// orderCertified pushes every block newly ordered by qc into the
// buffer manager. Under the two-chain rule the block qc's certified
// block extends is ordered once qc forms, together with any of its
// not-yet-ordered ancestors; the buffer dedups re-pushes, so walking
// the whole path from the commit root is idempotent.
func (c *Core) orderCertified(ctx context.Context, qc *types.QuorumCert) {
	if c.buf == nil {
		return
	}
	path, err := c.tree.PathFromCommitRoot(qc.ParentBlock().ID)
	if err != nil {
		return
	}
	for _, b := range path {
		pb, err := c.tree.Get(b.ID)
		if err != nil {
			continue
		}
		if !c.buf.AcceptingNewBlocks(pb.Round()) {
			return
		}
		_ = c.buf.PushOrdered(ctx, pb)
	}
}

// ProcessCommitVote forwards another validator's commit vote to the
// buffer manager and, if that completes an aggregation at the head of
// the buffer, advances the commit root. The returned ledger info is
// non-nil iff an epoch-ending block was committed; the caller then
// runs EpochChange. ack reports whether the vote's block has an
// aggregated certificate, the reply sent to the vote's author.
func (c *Core) ProcessCommitVote(vote *types.Vote) (ack bool, endsEpoch *types.LedgerInfoWithSignatures, err error) {
	if c.buf == nil {
		return false, nil, nil
	}
	ack, err = c.buf.HandleVote(vote)
	if err != nil {
		return false, nil, err
	}
	endsEpoch, err = c.drainCommitted()
	return ack, endsEpoch, err
}

// ProcessCommitDecision forwards an already-aggregated commit
// certificate to the buffer manager and advances the commit root.
func (c *Core) ProcessCommitDecision(proof types.LedgerInfoWithSignatures) (*types.LedgerInfoWithSignatures, error) {
	if c.buf == nil {
		return nil, nil
	}
	if err := c.buf.HandleDecision(proof); err != nil {
		return nil, err
	}
	return c.drainCommitted()
}

// drainCommitted pops every aggregated item at the head of the
// buffer, persists its blocks, commit proof, and randomness, prunes
// the tree to the committed tip, and advances the buffer's committed
// round. Returns the commit proof of an epoch-ending commit, if one
// was popped, so the caller can run EpochChange.
func (c *Core) drainCommitted() (*types.LedgerInfoWithSignatures, error) {
	if c.buf == nil {
		return nil, nil
	}
	for {
		cb, ok := c.buf.PopCommittable()
		if !ok {
			return nil, nil
		}
		blocks := make([]*types.Block, len(cb.Blocks))
		for i, pb := range cb.Blocks {
			blocks[i] = pb.Block
		}
		if err := c.store.SaveTree(blocks, nil); err != nil {
			return nil, err
		}
		proof := cb.CommitProof
		if err := c.store.PutLedgerInfo(&proof); err != nil {
			return nil, err
		}
		for _, pb := range cb.Blocks {
			if len(pb.Randomness) > 0 {
				if err := c.store.SaveRandomness(pb.Block.BlockNumber, pb.Randomness); err != nil {
					return nil, err
				}
			}
		}

		tip := cb.Blocks[len(cb.Blocks)-1]
		if removed, err := c.tree.Prune(tip.ID()); err == nil && len(removed) > 0 {
			if err := c.store.Delete(c.epoch, removed); err != nil {
				return nil, err
			}
		}
		c.buf.MarkCommitted(tip.Round())

		if cb.EndsEpoch {
			return &proof, nil
		}
	}
}

// fetchMissingAncestors retrieves the parent chain from fromID back
// to the tree's root from peers and inserts it ancestor-first, so a
// proposal whose parent has not been seen yet can still be processed.
func (c *Core) fetchMissingAncestors(ctx context.Context, fromID types.Hash) error {
	root := c.tree.Root()
	epoch := c.epoch
	req := BlockRetrievalRequest{
		BlockID:       fromID,
		NumBlocks:     maxAncestorFetch,
		TargetBlockID: &root,
		Epoch:         &epoch,
	}

	var peers []types.NodeID
	for _, author := range c.verifier.Order() {
		if author != c.self {
			peers = append(peers, author)
		}
	}

	resp, err := RetrieveChain(ctx, c.fetcher, peers, req, c.retrievalCfg)
	if err != nil {
		return err
	}
	for i := len(resp.Blocks) - 1; i >= 0; i-- {
		b := resp.Blocks[i]
		if b.ID == root {
			continue
		}
		if err := c.tree.InsertBlock(&types.PipelinedBlock{Block: b, InsertionTime: time.Now()}); err != nil {
			return err
		}
	}
	return c.store.SaveTree(resp.Blocks, resp.QCs)
}

// EpochChange atomically replaces every epoch-scoped collaborator:
// validator set, verifier, block tree (rooted at the genesis block
// derived from endingLI), round state, and (if present) the buffer
// manager.
func (c *Core) EpochChange(es *types.EpochState, endingLI types.LedgerInfo, clock roundstate.Clock, baseTimeout, maxTimeout time.Duration, onTimeout func(types.Round)) error {
	verifier, err := crypto.NewVerifier(es.Epoch, es.Validators)
	if err != nil {
		return err
	}
	vset, err := validators.FromEpochState(es)
	if err != nil {
		return err
	}

	genesis := types.NewGenesisBlock(endingLI)
	tree := blocktree.New(es.Epoch, &types.PipelinedBlock{Block: genesis}, c.maxExecSamples)

	c.round.Stop()
	round := roundstate.New(verifier, clock, types.GenesisRound+1, baseTimeout, maxTimeout, onTimeout)

	election := proposer.NewElection(vset, c.advisor)

	if c.buf != nil {
		c.buf.Reset()
		c.sink.BufferReset()
	}
	if c.vtxns != nil {
		c.vtxns.Flush()
	}

	c.epoch = es.Epoch
	c.verifier = verifier
	c.validators = vset
	c.tree = tree
	c.round = round
	c.election = election

	// The new epoch's validators immediately start dealing the epoch
	// after it, so the randomness-beacon key is ready when the next
	// reconfiguration commits.
	if c.dkgFactory != nil && c.ownTranscript != nil {
		target := es.Epoch + 1
		own, err := c.ownTranscript(target)
		if err != nil {
			return fmt.Errorf("consensus: deal own transcript: %w", err)
		}
		mgr := c.dkgFactory(verifier)
		if err := mgr.Start(target, own); err != nil {
			return err
		}
		c.dkg = mgr
	}
	return nil
}

// DKG returns the running DKG session started by the most recent
// EpochChange, or nil.
func (c *Core) DKG() *dkg.Manager {
	return c.dkg
}
