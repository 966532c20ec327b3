// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dkg runs the per-epoch distributed-key-generation session:
// collect one publicly-verifiable-secret-shared transcript per
// dealer, aggregate once the contributing weight crosses the
// validator verifier's byzantine quorum threshold, and publish the
// aggregated transcript to the validator-txn pool exactly once.
// Weight accounting goes through crypto.Verifier rather than a
// duplicated weight table.
package dkg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/utils/set"
	"github.com/luxfi/quorumchain/vtxnpool"
)

// ErrNotStarted is returned by node-facing requests before a session
// has started for the target epoch.
var ErrNotStarted = errors.New("dkg: session not started")

// ErrDuplicateStart is returned when a second DKGStartEvent targets an
// epoch that already has a session.
var ErrDuplicateStart = errors.New("dkg: session already started for this epoch")

// ErrUnknownDealer is returned when a transcript's author is not a
// member of the dealer validator set.
var ErrUnknownDealer = errors.New("dkg: author is not a dealer")

// ErrEpochMismatch is returned when a transcript's metadata epoch
// does not match the session's dealer epoch.
var ErrEpochMismatch = errors.New("dkg: transcript epoch mismatch")

// ErrSenderMismatch is returned when the network sender of a
// transcript differs from the transcript's claimed author.
var ErrSenderMismatch = errors.New("dkg: sender does not match transcript author")

// State is the Manager's finite state.
type State int

const (
	// NotStarted rejects all node-requests with ErrNotStarted.
	NotStarted State = iota
	// InProgress accepts its own transcript on entry and aggregates
	// incoming ones.
	InProgress
	// Finished has already emitted (or is emitting) the aggregated
	// transcript.
	Finished
)

// TranscriptMetadata identifies a contributed transcript.
type TranscriptMetadata struct {
	Epoch  types.Epoch
	Author types.NodeID
}

// Transcript is one dealer's publicly-verifiable-secret-shared
// contribution.
type Transcript struct {
	Metadata TranscriptMetadata
	Bytes    []byte
}

// VerifyFunc checks a scheme-specific transcript's well-formedness.
// The PVSS scheme itself is the caller's choice; the session only
// needs its verify predicate.
type VerifyFunc func(Transcript) bool

// Result is the aggregated transcript Manager publishes once per
// epoch.
type Result struct {
	Epoch     types.Epoch
	Bytes     []byte
	Signers   []types.NodeID
}

// AggregateFunc combines the accepted per-dealer transcripts into one
// aggregated transcript's bytes, supplied by the caller for the same
// reason as VerifyFunc.
type AggregateFunc func(epoch types.Epoch, contributions []Transcript) []byte

// Manager runs one epoch's DKG session. A fresh
// Manager must be constructed per target epoch; there is no reset.
// Epoch change discards it and Start begins a new one.
type Manager struct {
	mu sync.Mutex

	state      State
	verifier   *crypto.Verifier
	dealerSet  set.Set[types.NodeID]
	epoch      types.Epoch
	verify     VerifyFunc
	aggregate  AggregateFunc
	pool       *vtxnpool.Pool
	makeHash   func([]byte) types.Hash

	contributions map[types.NodeID]Transcript
	result        *Result
}

// NewManager constructs a Manager that will run InProgress for epoch
// once Start is called, using verifier to judge contributor weight
// (the byzantine quorum threshold of the next epoch's dealer
// validator set).
func NewManager(verifier *crypto.Verifier, verify VerifyFunc, aggregate AggregateFunc, pool *vtxnpool.Pool, makeHash func([]byte) types.Hash) *Manager {
	dealers := set.NewSet[types.NodeID](len(verifier.Order()))
	dealers.Add(verifier.Order()...)
	return &Manager{
		state:         NotStarted,
		verifier:      verifier,
		dealerSet:     dealers,
		verify:        verify,
		aggregate:     aggregate,
		pool:          pool,
		makeHash:      makeHash,
		contributions: make(map[types.NodeID]Transcript),
	}
}

// State reports the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start transitions NotStarted -> InProgress for epoch, accepting own
// as this node's own transcript. Only one start event per epoch is
// honored: calling Start twice returns ErrDuplicateStart.
func (m *Manager) Start(epoch types.Epoch, own Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != NotStarted {
		return ErrDuplicateStart
	}
	m.epoch = epoch
	m.state = InProgress
	return m.acceptLocked(own)
}

// TranscriptRequest returns this node's own contributed transcript in
// response to a TranscriptRequest{epoch}, valid in InProgress and
// Finished.
func (m *Manager) TranscriptRequest(self types.NodeID) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == NotStarted {
		return Transcript{}, ErrNotStarted
	}
	t, ok := m.contributions[self]
	if !ok {
		return Transcript{}, fmt.Errorf("dkg: no transcript recorded for %v", self)
	}
	return t, nil
}

// Contribute accepts an incoming transcript from sender.
// metadata.epoch must match the session's epoch, sender must equal
// metadata.author, author must be a dealer, and verify must pass.
// Duplicates from the same author
// are ignored. When accumulated contributor weight reaches the
// verifier's quorum threshold, the aggregated transcript is emitted
// exactly once; further valid contributions after that are accepted
// into history but never trigger a second emission.
func (m *Manager) Contribute(sender types.NodeID, t Transcript) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == NotStarted {
		return nil, ErrNotStarted
	}
	if t.Metadata.Epoch != m.epoch {
		return nil, ErrEpochMismatch
	}
	if sender != t.Metadata.Author {
		return nil, ErrSenderMismatch
	}
	if !m.dealerSet.Contains(t.Metadata.Author) {
		return nil, ErrUnknownDealer
	}
	if !m.verify(t) {
		return nil, fmt.Errorf("dkg: transcript from %v failed verification", t.Metadata.Author)
	}

	if err := m.acceptLocked(t); err != nil {
		return nil, err
	}

	if m.result != nil {
		return nil, nil // already emitted; this contribution is recorded but inert
	}

	authors := make([]types.NodeID, 0, len(m.contributions))
	for a := range m.contributions {
		authors = append(authors, a)
	}
	if !m.verifier.HasQuorumVotingPower(authors) {
		return nil, nil
	}

	contributions := make([]Transcript, 0, len(m.contributions))
	for _, c := range m.contributions {
		contributions = append(contributions, c)
	}
	aggBytes := m.aggregate(m.epoch, contributions)
	result := &Result{Epoch: m.epoch, Bytes: aggBytes, Signers: authors}
	m.result = result
	m.state = Finished

	m.pool.Insert(vtxnpool.Txn{
		Hash:  m.makeHash(aggBytes),
		Kind:  vtxnpool.KindDKGResult,
		Epoch: m.epoch,
		Bytes: aggBytes,
	})

	return result, nil
}

// acceptLocked records t, ignoring (not erroring on) a duplicate
// author. Caller holds m.mu.
func (m *Manager) acceptLocked(t Transcript) error {
	if _, exists := m.contributions[t.Metadata.Author]; exists {
		return nil
	}
	m.contributions[t.Metadata.Author] = t
	return nil
}

// Result returns the aggregated transcript once Finished, or nil.
func (m *Manager) Result() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}
