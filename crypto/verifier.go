// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto holds the validator verifier: the
// object every multi-signature over validator-sourced data (QC, TC,
// ledger-info aggregates, proof-of-store) is checked through.
package crypto

import (
	"errors"
	"fmt"

	blscrypto "github.com/luxfi/crypto/bls"
	mathset "github.com/luxfi/math/set"
	"github.com/luxfi/quorumchain/types"
)

var (
	// ErrUnknownAuthor is returned when a signature or vote names an
	// author not present in the verifier's validator set.
	ErrUnknownAuthor = errors.New("crypto: unknown author")
	// ErrInvalidSignature is returned when a signature fails to verify
	// against the claimed author's public key.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrInsufficientVotingPower is returned when an aggregate's
	// signer set does not carry the 2f+1 threshold weight.
	ErrInsufficientVotingPower = errors.New("crypto: insufficient voting power")
)

// Verifier holds the weighted validator set for one epoch and the
// byzantine quorum threshold derived from it (2f+1 by weight).
type Verifier struct {
	epoch       types.Epoch
	byAuthor    map[types.NodeID]types.ValidatorInfo
	order       []types.NodeID // stable index order, for signer bitmaps
	indexOf     map[types.NodeID]int
	totalWeight uint64
	threshold   uint64
}

// NewVerifier builds a Verifier from the weighted validator set of an
// epoch. The quorum threshold is the smallest weight w such that
// 3w > 2*totalWeight, i.e. weight > 2/3 of total (2f+1 by weight).
func NewVerifier(epoch types.Epoch, validators []types.ValidatorInfo) (*Verifier, error) {
	if len(validators) == 0 {
		return nil, errors.New("crypto: empty validator set")
	}
	v := &Verifier{
		epoch:    epoch,
		byAuthor: make(map[types.NodeID]types.ValidatorInfo, len(validators)),
		indexOf:  make(map[types.NodeID]int, len(validators)),
	}
	for _, vi := range validators {
		v.byAuthor[vi.Author] = vi
		v.indexOf[vi.Author] = len(v.order)
		v.order = append(v.order, vi.Author)
		v.totalWeight += vi.VotingPower
	}
	// threshold = floor(2*totalWeight/3) + 1
	v.threshold = (2*v.totalWeight)/3 + 1
	return v, nil
}

// Epoch returns the epoch this verifier was built for.
func (v *Verifier) Epoch() types.Epoch { return v.epoch }

// TotalVotingPower returns the sum of all validators' voting power.
func (v *Verifier) TotalVotingPower() uint64 { return v.totalWeight }

// QuorumVotingPower returns the minimum weight (2f+1) an aggregate
// must carry to be considered certified.
func (v *Verifier) QuorumVotingPower() uint64 { return v.threshold }

// VotingPower returns the weight of a single author, or 0 if unknown.
func (v *Verifier) VotingPower(author types.NodeID) uint64 {
	return v.byAuthor[author].VotingPower
}

// Contains reports whether author is a member of this epoch's
// validator set.
func (v *Verifier) Contains(author types.NodeID) bool {
	_, ok := v.byAuthor[author]
	return ok
}

// Order returns the validator set in stable signer-bitmap-index order.
// Callers that need the full membership (e.g. dkg's dealer set) use
// this rather than reaching into unexported fields.
func (v *Verifier) Order() []types.NodeID {
	out := make([]types.NodeID, len(v.order))
	copy(out, v.order)
	return out
}

// HasQuorumVotingPower reports whether the given (deduplicated)
// authors together carry at least the 2f+1 threshold weight. Unlike
// CheckVotingPower, which reads a signer bitmap, this takes the
// explicit author list that vote/timeout aggregators accumulate as
// they receive individual messages.
func (v *Verifier) HasQuorumVotingPower(authors []types.NodeID) bool {
	var total uint64
	seen := make(map[types.NodeID]struct{}, len(authors))
	for _, a := range authors {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		total += v.byAuthor[a].VotingPower
	}
	return total >= v.threshold
}

// Verify checks a single author's signature over msg.
func (v *Verifier) Verify(author types.NodeID, msg []byte, sig *blscrypto.Signature) error {
	vi, ok := v.byAuthor[author]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
	}
	if !blscrypto.Verify(vi.PublicKey, sig, msg) {
		return fmt.Errorf("%w: author %s", ErrInvalidSignature, author)
	}
	return nil
}

// CheckVotingPower reports whether the weight carried by signersBitmap
// (indices into Verifier's stable validator order) reaches the 2f+1
// threshold. It does not check signatures.
func (v *Verifier) CheckVotingPower(signersBitmap mathset.Bits) error {
	var total uint64
	for i, author := range v.order {
		if signersBitmap.Contains(i) {
			total += v.byAuthor[author].VotingPower
		}
	}
	if total < v.threshold {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientVotingPower, total, v.threshold)
	}
	return nil
}

// VerifyAggregate checks that an aggregate signature over msg was
// produced by a signer set whose weight meets the 2f+1 threshold, and
// that the aggregate signature itself verifies against the aggregated
// public keys of the claimed signers.
func (v *Verifier) VerifyAggregate(agg types.AggregateSignature, msg []byte) error {
	if err := v.CheckVotingPower(agg.SignersBitmap); err != nil {
		return err
	}
	pubKeys := make([]*blscrypto.PublicKey, 0, len(v.order))
	for i, author := range v.order {
		if agg.SignersBitmap.Contains(i) {
			pubKeys = append(pubKeys, v.byAuthor[author].PublicKey)
		}
	}
	aggPK, err := blscrypto.AggregatePublicKeys(pubKeys)
	if err != nil {
		return fmt.Errorf("crypto: aggregate public keys: %w", err)
	}
	if !blscrypto.Verify(aggPK, agg.Sig, msg) {
		return ErrInvalidSignature
	}
	return nil
}

// Aggregate combines per-author signatures into an AggregateSignature,
// setting the signer bitmap in the verifier's stable index order.
func (v *Verifier) Aggregate(sigs map[types.NodeID]*blscrypto.Signature) (types.AggregateSignature, error) {
	bitmap := mathset.NewBits()
	sigList := make([]*blscrypto.Signature, 0, len(sigs))
	for author, sig := range sigs {
		idx, ok := v.indexOf[author]
		if !ok {
			return types.AggregateSignature{}, fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
		}
		bitmap.Add(idx)
		sigList = append(sigList, sig)
	}
	agg, err := blscrypto.AggregateSignatures(sigList)
	if err != nil {
		return types.AggregateSignature{}, fmt.Errorf("crypto: aggregate signatures: %w", err)
	}
	return types.AggregateSignature{SignersBitmap: bitmap, Sig: agg}, nil
}
