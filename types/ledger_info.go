// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "github.com/luxfi/crypto/bls"

// EpochState is carried in a BlockInfo when the block's execution
// changes the validator set, triggering epoch change.
type EpochState struct {
	Epoch      Epoch
	Validators []ValidatorInfo
}

// ValidatorInfo is a (author, public key, voting power) triple, the
// unit the crypto.Verifier is built from.
type ValidatorInfo struct {
	Author      NodeID
	PublicKey   *bls.PublicKey
	VotingPower uint64
}

// BlockInfo is the compact, verifiable summary of a block that a
// QuorumCert/LedgerInfo certifies.
type BlockInfo struct {
	Epoch             Epoch
	Round             Round
	ID                Hash
	ExecutedStateHash Hash
	BlockNumber       BlockNumber
	TimestampUsec     uint64
	NextEpochState    *EpochState
}

// EndsEpoch reports whether this BlockInfo ends an epoch.
func (bi BlockInfo) EndsEpoch() bool {
	return bi.NextEpochState != nil
}

// LedgerInfo is a commitment to the state at BlockInfo, the payload
// signed (directly or in aggregate) by votes, QCs, and commit
// certificates.
type LedgerInfo struct {
	CommitInfo        BlockInfo
	ConsensusDataHash Hash
}

// LedgerInfoWithSignatures pairs a LedgerInfo with the aggregate
// signature of the validators who signed it.
type LedgerInfoWithSignatures struct {
	LedgerInfo LedgerInfo
	Signatures AggregateSignature
}

// VoteData is the (proposed, parent) pair a Vote/QC certifies.
type VoteData struct {
	Proposed BlockInfo
	Parent   BlockInfo
}

// QuorumCert certifies VoteData.Proposed via a threshold-weight
// aggregate signature over a LedgerInfo whose ConsensusDataHash
// commits to VoteData. A QC implicitly orders/commits through
// SignedLedgerInfo.LedgerInfo.CommitInfo.
type QuorumCert struct {
	VoteData         VoteData
	SignedLedgerInfo LedgerInfoWithSignatures
}

// CertifiedBlock is the block VoteData.Proposed refers to.
func (qc *QuorumCert) CertifiedBlock() BlockInfo { return qc.VoteData.Proposed }

// ParentBlock is the block VoteData.Parent refers to.
func (qc *QuorumCert) ParentBlock() BlockInfo { return qc.VoteData.Parent }

// Round is the round of the block this QC certifies.
func (qc *QuorumCert) Round() Round { return qc.VoteData.Proposed.Round }

// TimeoutInfo is a single validator's signed claim that round Round
// elapsed without a QC, carrying the highest QC round they have seen
// (used to assemble a TwoChainTimeoutCertificate).
type TimeoutInfo struct {
	Epoch        Epoch
	Round        Round
	HighQCRound  Round
	Author       NodeID
	Signature    *bls.Signature
}

// TwoChainTimeoutCertificate aggregates signed timeouts for a round,
// each carrying the signer's highest-known QC round, so the next
// leader can prove liveness without having seen every validator's QC.
type TwoChainTimeoutCertificate struct {
	Epoch           Epoch
	Round           Round
	Signatures      AggregateSignature
	PerValidatorQCs map[NodeID]Round
}

// MaxHighQCRound returns the highest QC round claimed by any signer of
// the certificate, used by the next proposer to extend the safest
// known branch.
func (tc *TwoChainTimeoutCertificate) MaxHighQCRound() Round {
	var max Round
	for _, r := range tc.PerValidatorQCs {
		if r > max {
			max = r
		}
	}
	return max
}

// VoteKind discriminates a proposal vote from an order/commit vote.
type VoteKind uint8

const (
	// VoteProposal votes to certify a proposed block at its round.
	VoteProposal VoteKind = iota
	// VoteOrder votes that an already-certified block is ordered.
	VoteOrder
	// VoteCommit (a.k.a. CommitVote) votes that an ordered block has
	// executed and is ready to commit.
	VoteCommit
)

// Vote is a single validator's signed vote, either on a proposal (with
// an execution-result placeholder filled in once the block executes)
// or on an already-ordered block for commit.
type Vote struct {
	Kind       VoteKind
	VoteData   VoteData
	Author     NodeID
	LedgerInfo LedgerInfo
	Signature  *bls.Signature
	// TimeoutSignature is set only when this vote also carries a
	// timeout for the same round (a common optimization: a validator
	// that times out after having already voted attaches its vote's
	// signature to the timeout instead of producing a second one).
	TimeoutSignature *bls.Signature
}

// BlockID is the block this vote concerns.
func (v *Vote) BlockID() Hash { return v.VoteData.Proposed.ID }

// Round is the round this vote concerns.
func (v *Vote) Round() Round { return v.VoteData.Proposed.Round }

// CommitVote is the SignCommitVote pipeline stage's output: a Vote of
// kind VoteCommit over the block's executed LedgerInfo.
type CommitVote = Vote
