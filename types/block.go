// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/luxfi/crypto/bls"
	mathset "github.com/luxfi/math/set"
)

// ErrBlockIdentityMismatch is returned when a block's declared ID does
// not match the hash of its immutable fields.
var ErrBlockIdentityMismatch = errors.New("block id does not match hash of immutable fields")

// FailedAuthor records a round whose leader failed to produce a block
// that was certified, along with the author who was expected to lead.
type FailedAuthor struct {
	Round  Round
	Author NodeID
}

// Block is the immutable proposal unit of the chain. A NIL block has no
// Payload (Payload.Kind == PayloadEmpty) and carries only a parent QC
// and FailedAuthors. A genesis block is derived from an epoch-ending
// LedgerInfo via NewGenesisBlock.
type Block struct {
	ID            Hash
	ParentID      Hash
	Epoch         Epoch
	Round         Round
	BlockNumber   BlockNumber
	TimestampUsec uint64
	Proposer      NodeID
	HasProposer   bool
	Payload       Payload
	ValidatorTxns [][]byte
	FailedAuthors []FailedAuthor
	QC            *QuorumCert
	Signature     []byte
}

// IsNIL reports whether b carries no payload, i.e. it only exists to
// carry a certified QC past a round whose leader failed.
func (b *Block) IsNIL() bool {
	return b.Payload.Kind == PayloadEmpty
}

// IsGenesis reports whether b is the first block of its epoch.
func (b *Block) IsGenesis() bool {
	return b.Round == GenesisRound
}

// immutableDigest hashes the fields that determine block identity:
// everything except the signature, which is produced over the ID.
func (b *Block) immutableDigest() Hash {
	h := sha256.New()
	h.Write(b.ParentID[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(b.Epoch))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.Round))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.BlockNumber))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], b.TimestampUsec)
	h.Write(buf[:])
	if b.HasProposer {
		h.Write(b.Proposer[:])
	}
	h.Write(b.Payload.digest())
	for _, vt := range b.ValidatorTxns {
		h.Write(vt)
	}
	for _, fa := range b.FailedAuthors {
		binary.BigEndian.PutUint64(buf[:], uint64(fa.Round))
		h.Write(buf[:])
		h.Write(fa.Author[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeID returns the deterministic ID of b.
func (b *Block) ComputeID() Hash {
	return b.immutableDigest()
}

// CheckIdentity verifies b.ID == H(immutable fields).
func (b *Block) CheckIdentity() error {
	if b.ComputeID() != b.ID {
		return ErrBlockIdentityMismatch
	}
	return nil
}

// NewGenesisBlock derives the first block of an epoch from the
// LedgerInfo that ended the previous one.
func NewGenesisBlock(endingLI LedgerInfo) *Block {
	b := &Block{
		ParentID:      EmptyHash,
		Epoch:         endingLI.CommitInfo.Epoch + 1,
		Round:         GenesisRound,
		BlockNumber:   endingLI.CommitInfo.BlockNumber,
		TimestampUsec: endingLI.CommitInfo.TimestampUsec,
		Payload:       Payload{Kind: PayloadEmpty},
	}
	b.ID = b.ComputeID()
	return b
}

// PayloadKind discriminates the five payload variants.
type PayloadKind uint8

const (
	PayloadEmpty PayloadKind = iota
	PayloadDirectMempool
	PayloadInQuorumStore
	PayloadInQuorumStoreWithLimit
	PayloadQuorumStoreInlineHybrid
	PayloadOptQuorumStore
)

// Address identifies the sender of an opaque transaction.
type Address [20]byte

// BatchInfo describes a quorum-store batch of transactions.
type BatchInfo struct {
	Digest   Hash
	Author   NodeID
	NumTxns  uint64
	GasUnits uint64
	Expiry   time.Time
}

// ProofOfStore certifies that a batch has been durably stored by a
// weight-threshold of validators.
type ProofOfStore struct {
	BatchInfo BatchInfo
	AggSig    AggregateSignature
}

// ProofSet is an ordered sequence of proofs-of-store.
type ProofSet []ProofOfStore

// InlineBatch carries a batch's transactions directly in the block,
// used by the hybrid quorum-store payload variant for small batches
// that have not yet gathered a proof.
type InlineBatch struct {
	Info BatchInfo
	Txns []Txn
}

// Txn is an opaque user transaction. Consensus inspects only the
// (sender, nonce, hash) triple; the payload bytes are opaque.
type Txn struct {
	Sender Address
	Nonce  uint64
	Hash   Hash
	Bytes  []byte
}

// Payload is the tagged union of the five payload variants.
type Payload struct {
	Kind         PayloadKind
	DirectTxns   []Txn
	Proofs       ProofSet
	MaxTxns      *uint64
	Inline       []InlineBatch
	OptBatches   []BatchInfo
	// MaxTxnsToExecute transports the back-pressure-derived execution
	// cap when a quorum-store batch cannot be sub-split: the block cap
	// stays at the configured floor, but the executor is told to stop
	// applying transactions early.
	MaxTxnsToExecute *uint64
}

func (p *Payload) digest() []byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(p.Kind))
	h.Write(buf[:])
	for _, t := range p.DirectTxns {
		h.Write(t.Hash[:])
	}
	for _, pr := range p.Proofs {
		h.Write(pr.BatchInfo.Digest[:])
	}
	for _, ib := range p.Inline {
		h.Write(ib.Info.Digest[:])
	}
	for _, ob := range p.OptBatches {
		h.Write(ob.Digest[:])
	}
	return h.Sum(nil)
}

// AggregateSignature is a threshold-weight aggregate over a set of
// validator signatures, produced by crypto.Verifier.Aggregate.
// SignersBitmap indexes into the signing Verifier's stable validator
// order.
type AggregateSignature struct {
	SignersBitmap mathset.Bits
	Sig           *bls.Signature
}
