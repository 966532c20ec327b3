// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roundstate holds the per-round timer, the vote/timeout
// aggregators, and the round-advancement rule: one aggregator
// instance per key, resolved at most once, with the round advancing
// to max(current, cert.round+1) whenever a certificate forms.
package roundstate

import (
	"sync"
	"time"

	"github.com/luxfi/quorumchain/crypto"
	"github.com/luxfi/quorumchain/types"
)

// Clock abstracts time so tests can drive the round timer
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer roundstate needs.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the production Clock implementation.
func RealClock() Clock { return realClock{} }

// roundKey aggregates votes by (round, block_id); timeouts are
// aggregated by round alone.
type roundKey struct {
	round types.Round
	block types.Hash
}

// State drives round advancement for a single epoch. One State is
// constructed per epoch and discarded on epoch change.
type State struct {
	mu sync.Mutex

	verifier *crypto.Verifier
	clock    Clock

	currentRound types.Round
	timer        Timer

	baseTimeout time.Duration
	maxTimeout  time.Duration
	curTimeout  time.Duration

	votes    map[roundKey]map[types.NodeID]*types.Vote
	timeouts map[types.Round]map[types.NodeID]*types.TimeoutInfo

	qcEmitted map[roundKey]bool
	tcEmitted map[types.Round]bool

	onTimeout func(types.Round)
}

// New builds a State starting at startRound, with the given base
// round-timer duration and exponential-backoff cap.
func New(verifier *crypto.Verifier, clock Clock, startRound types.Round, baseTimeout, maxTimeout time.Duration, onTimeout func(types.Round)) *State {
	if clock == nil {
		clock = RealClock()
	}
	s := &State{
		verifier:     verifier,
		clock:        clock,
		currentRound: startRound,
		baseTimeout:  baseTimeout,
		maxTimeout:   maxTimeout,
		curTimeout:   baseTimeout,
		votes:        make(map[roundKey]map[types.NodeID]*types.Vote),
		timeouts:     make(map[types.Round]map[types.NodeID]*types.TimeoutInfo),
		qcEmitted:    make(map[roundKey]bool),
		tcEmitted:    make(map[types.Round]bool),
		onTimeout:    onTimeout,
	}
	s.armTimer()
	return s
}

// CurrentRound returns the round the state machine is presently at.
func (s *State) CurrentRound() types.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRound
}

func (s *State) armTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	round := s.currentRound
	s.timer = s.clock.AfterFunc(s.curTimeout, func() {
		if s.onTimeout != nil {
			s.onTimeout(round)
		}
	})
}

// resetTimerLocked resets the round timer to the base duration
// (called on successful round advancement) or doubles it capped at
// maxTimeout (called after a local timeout fires with no cert yet).
func (s *State) resetTimerLocked(advanced bool) {
	if advanced {
		s.curTimeout = s.baseTimeout
	} else {
		s.curTimeout *= 2
		if s.curTimeout > s.maxTimeout {
			s.curTimeout = s.maxTimeout
		}
	}
	s.armTimer()
}

// NotifyLocalTimeout is called by the caller when the round timer
// fires without a cert having advanced the round; it backs off the
// next timeout exponentially.
func (s *State) NotifyLocalTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetTimerLocked(false)
}

// AddVote records a vote towards a QC for (round, block_id). Returns
// the assembled QC once the threshold weight is reached; nil
// otherwise. Idempotent per author.
func (s *State) AddVote(v *types.Vote) (*types.QuorumCert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := roundKey{round: v.Round(), block: v.BlockID()}
	if s.votes[key] == nil {
		s.votes[key] = make(map[types.NodeID]*types.Vote)
	}
	s.votes[key][v.Author] = v

	if s.qcEmitted[key] {
		return nil, nil
	}

	authors := make([]types.NodeID, 0, len(s.votes[key]))
	for author := range s.votes[key] {
		authors = append(authors, author)
	}
	if !s.verifier.HasQuorumVotingPower(authors) {
		return nil, nil
	}

	qc := assembleQC(s.votes[key])
	s.qcEmitted[key] = true
	s.advanceRoundLocked(qc.Round() + 1)
	return qc, nil
}

func assembleQC(votes map[types.NodeID]*types.Vote) *types.QuorumCert {
	var any *types.Vote
	for _, v := range votes {
		any = v
		break
	}
	return &types.QuorumCert{
		VoteData: any.VoteData,
		SignedLedgerInfo: types.LedgerInfoWithSignatures{
			LedgerInfo: any.LedgerInfo,
		},
	}
}

// AddTimeout records a timeout for a round, returning the assembled
// TwoChainTimeoutCertificate once the threshold weight is reached.
func (s *State) AddTimeout(ti *types.TimeoutInfo) (*types.TwoChainTimeoutCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeouts[ti.Round] == nil {
		s.timeouts[ti.Round] = make(map[types.NodeID]*types.TimeoutInfo)
	}
	s.timeouts[ti.Round][ti.Author] = ti

	if s.tcEmitted[ti.Round] {
		return nil, nil
	}

	authors := make([]types.NodeID, 0, len(s.timeouts[ti.Round]))
	for author := range s.timeouts[ti.Round] {
		authors = append(authors, author)
	}
	if !s.verifier.HasQuorumVotingPower(authors) {
		return nil, nil
	}

	tc := &types.TwoChainTimeoutCertificate{
		Epoch:           ti.Epoch,
		Round:           ti.Round,
		PerValidatorQCs: make(map[types.NodeID]types.Round, len(s.timeouts[ti.Round])),
	}
	for author, info := range s.timeouts[ti.Round] {
		tc.PerValidatorQCs[author] = info.HighQCRound
	}
	s.tcEmitted[ti.Round] = true
	s.advanceRoundLocked(tc.Round + 1)
	return tc, nil
}

// advanceRoundLocked applies the round advancement rule:
// current := max(current, round), then resets the timer.
func (s *State) advanceRoundLocked(round types.Round) {
	if round > s.currentRound {
		s.currentRound = round
	}
	s.resetTimerLocked(true)
}

// AdvanceRound fast-forwards the round state machine to round without
// going through vote/timeout aggregation, used when a QC or TC arrives
// already-formed (carried in a proposal, or recovered from storage).
// It applies the same max(current, round) rule as AddVote/AddTimeout.
func (s *State) AdvanceRound(round types.Round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceRoundLocked(round)
}

// Stop releases the round timer; called on epoch reset.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
