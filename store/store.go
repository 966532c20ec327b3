// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store is the persistent store façade: typed column-family
// access to blocks, QCs, votes, the highest two-chain TC, ledger
// infos, and randomness, backed by github.com/luxfi/database.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/utils"
)

// Column-family key prefixes. Keys within a family are the family
// prefix followed by the family's own encoding.
var (
	prefixBlocks             = []byte{0x01}
	prefixQuorumCerts        = []byte{0x02}
	prefixLastVote           = []byte{0x03}
	prefixHighest2ChainTC    = []byte{0x04}
	prefixLedgerInfo         = []byte{0x05}
	prefixEpochByBlockNumber = []byte{0x06}
	prefixRandomness         = []byte{0x07}
	prefixSafetyData         = []byte{0x08}
)

// MaxLedgerInfos bounds how many ledger infos RecentLedgerInfos
// returns.
const MaxLedgerInfos = 256

// ErrStorageFailure wraps any write failure encountered while
// committing a logical batch; it is fatal to the caller's process.
var ErrStorageFailure = errors.New("store: storage failure")

// Codec is the narrow (de)serialization contract the store needs.
// Implementations are expected to produce a deterministic encoding
// that round-trips each value; this package does not fix the concrete
// scheme (JSONCodec is the reference implementation).
type Codec interface {
	MarshalBlock(*types.Block) ([]byte, error)
	UnmarshalBlock([]byte) (*types.Block, error)
	MarshalQC(*types.QuorumCert) ([]byte, error)
	UnmarshalQC([]byte) (*types.QuorumCert, error)
	MarshalVote(*types.Vote) ([]byte, error)
	UnmarshalVote([]byte) (*types.Vote, error)
	MarshalTC(*types.TwoChainTimeoutCertificate) ([]byte, error)
	UnmarshalTC([]byte) (*types.TwoChainTimeoutCertificate, error)
	MarshalLedgerInfo(*types.LedgerInfoWithSignatures) ([]byte, error)
	UnmarshalLedgerInfo([]byte) (*types.LedgerInfoWithSignatures, error)
}

// RecoveryData is everything a replica needs to rebuild its in-memory
// state on restart.
type RecoveryData struct {
	LatestLedgerInfo *types.LedgerInfoWithSignatures
	LastVote         *types.Vote // only if its epoch == recovered epoch
	HighestTC        *types.TwoChainTimeoutCertificate
	Blocks           []*types.Block
	QCs              []*types.QuorumCert
}

// Store is the typed façade over a database.Database handle.
type Store struct {
	db    database.Database
	codec Codec
	log   log.Logger

	latestLedgerInfo utils.Atomic[*types.LedgerInfoWithSignatures] // in-memory copy-on-write cache
}

// New builds a Store over db, using codec for (de)serialization. A
// nil logger defaults to the no-op logger.
func New(db database.Database, codec Codec, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Store{db: db, codec: codec, log: logger}
}

func blockKey(epoch types.Epoch, id types.Hash) []byte {
	key := make([]byte, len(prefixBlocks)+8+len(id))
	copy(key, prefixBlocks)
	binary.BigEndian.PutUint64(key[len(prefixBlocks):], uint64(epoch))
	copy(key[len(prefixBlocks)+8:], id[:])
	return key
}

func qcKey(epoch types.Epoch, certifiedBlockID types.Hash) []byte {
	key := make([]byte, len(prefixQuorumCerts)+8+len(certifiedBlockID))
	copy(key, prefixQuorumCerts)
	binary.BigEndian.PutUint64(key[len(prefixQuorumCerts):], uint64(epoch))
	copy(key[len(prefixQuorumCerts)+8:], certifiedBlockID[:])
	return key
}

func ledgerInfoKey(blockNumber types.BlockNumber) []byte {
	key := make([]byte, len(prefixLedgerInfo)+8)
	copy(key, prefixLedgerInfo)
	binary.BigEndian.PutUint64(key[len(prefixLedgerInfo):], uint64(blockNumber))
	return key
}

func epochByBlockNumberKey(blockNumber types.BlockNumber) []byte {
	key := make([]byte, len(prefixEpochByBlockNumber)+8)
	copy(key, prefixEpochByBlockNumber)
	binary.BigEndian.PutUint64(key[len(prefixEpochByBlockNumber):], uint64(blockNumber))
	return key
}

func randomnessKey(blockNumber types.BlockNumber) []byte {
	key := make([]byte, len(prefixRandomness)+8)
	copy(key, prefixRandomness)
	binary.BigEndian.PutUint64(key[len(prefixRandomness):], uint64(blockNumber))
	return key
}

// SaveTree atomically persists a set of blocks and the QCs that
// certify them.
func (s *Store) SaveTree(blocks []*types.Block, qcs []*types.QuorumCert) error {
	batch := s.db.NewBatch()
	for _, b := range blocks {
		raw, err := s.codec.MarshalBlock(b)
		if err != nil {
			return fmt.Errorf("store: marshal block: %w", err)
		}
		if err := batch.Put(blockKey(b.Epoch, b.ID), raw); err != nil {
			return fmt.Errorf("%w: put block: %v", ErrStorageFailure, err)
		}
	}
	for _, qc := range qcs {
		raw, err := s.codec.MarshalQC(qc)
		if err != nil {
			return fmt.Errorf("store: marshal qc: %w", err)
		}
		epoch := qc.CertifiedBlock().Epoch
		if err := batch.Put(qcKey(epoch, qc.CertifiedBlock().ID), raw); err != nil {
			return fmt.Errorf("%w: put qc: %v", ErrStorageFailure, err)
		}
	}
	if err := batch.Write(); err != nil {
		s.log.Error("tree batch write failed", log.Err(err))
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// Delete atomically removes the named blocks, e.g. after the block
// tree prunes them.
func (s *Store) Delete(epoch types.Epoch, blockIDs []types.Hash) error {
	batch := s.db.NewBatch()
	for _, id := range blockIDs {
		if err := batch.Delete(blockKey(epoch, id)); err != nil {
			return fmt.Errorf("%w: delete block: %v", ErrStorageFailure, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// SaveVote persists the replica's last vote, fsyncing before
// returning so the caller may only send the vote after this call
// completes.
func (s *Store) SaveVote(vote *types.Vote) error {
	raw, err := s.codec.MarshalVote(vote)
	if err != nil {
		return fmt.Errorf("store: marshal vote: %w", err)
	}
	if err := s.db.Put(prefixLastVote, raw); err != nil {
		return fmt.Errorf("%w: put last_vote: %v", ErrStorageFailure, err)
	}
	return nil
}

// LastVote returns the persisted last vote, or nil if none exists.
func (s *Store) LastVote() (*types.Vote, error) {
	raw, err := s.db.Get(prefixLastVote)
	if err == database.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get last_vote: %w", err)
	}
	return s.codec.UnmarshalVote(raw)
}

// SafetyData is the on-disk state the two-chain safety rule needs to
// survive a restart.
type SafetyData struct {
	LastVotedRound types.Round
	PreferredRound types.Round
}

func (s SafetyData) encode() []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(s.LastVotedRound))
	binary.BigEndian.PutUint64(buf[8:], uint64(s.PreferredRound))
	return buf[:]
}

func decodeSafetyData(raw []byte) SafetyData {
	return SafetyData{
		LastVotedRound: types.Round(binary.BigEndian.Uint64(raw[:8])),
		PreferredRound: types.Round(binary.BigEndian.Uint64(raw[8:16])),
	}
}

// SaveSafetyData persists the safety rule's (last_voted_round,
// preferred_round) pair, fsyncing before returning so the caller may
// only send a vote once this completes.
func (s *Store) SaveSafetyData(data SafetyData) error {
	if err := s.db.Put(prefixSafetyData, data.encode()); err != nil {
		return fmt.Errorf("%w: put safety_data: %v", ErrStorageFailure, err)
	}
	return nil
}

// SafetyData returns the persisted safety data, or the zero value if
// none has been saved yet (a fresh replica has never voted).
func (s *Store) SafetyData() (SafetyData, error) {
	raw, err := s.db.Get(prefixSafetyData)
	if err == database.ErrNotFound {
		return SafetyData{}, nil
	}
	if err != nil {
		return SafetyData{}, fmt.Errorf("store: get safety_data: %w", err)
	}
	return decodeSafetyData(raw), nil
}

// SaveHighest2ChainTC persists the highest-seen TC. Writing the same
// (epoch, round) twice is a no-op.
func (s *Store) SaveHighest2ChainTC(tc *types.TwoChainTimeoutCertificate) error {
	existing, err := s.HighestTC()
	if err != nil {
		return err
	}
	if existing != nil && existing.Epoch == tc.Epoch && existing.Round == tc.Round {
		return nil
	}
	raw, err := s.codec.MarshalTC(tc)
	if err != nil {
		return fmt.Errorf("store: marshal tc: %w", err)
	}
	if err := s.db.Put(prefixHighest2ChainTC, raw); err != nil {
		return fmt.Errorf("%w: put highest_2c_tc: %v", ErrStorageFailure, err)
	}
	return nil
}

// HighestTC returns the persisted highest TC, or nil if none exists.
func (s *Store) HighestTC() (*types.TwoChainTimeoutCertificate, error) {
	raw, err := s.db.Get(prefixHighest2ChainTC)
	if err == database.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get highest_2c_tc: %w", err)
	}
	return s.codec.UnmarshalTC(raw)
}

// PutLedgerInfo writes a ledger info keyed by block number, plus the
// epoch_by_block_number secondary index iff it ends an epoch. The
// in-memory latest-ledger-info cache is updated copy-on-write so
// concurrent readers never block.
func (s *Store) PutLedgerInfo(li *types.LedgerInfoWithSignatures) error {
	raw, err := s.codec.MarshalLedgerInfo(li)
	if err != nil {
		return fmt.Errorf("store: marshal ledger info: %w", err)
	}
	batch := s.db.NewBatch()
	if err := batch.Put(ledgerInfoKey(li.LedgerInfo.CommitInfo.BlockNumber), raw); err != nil {
		return fmt.Errorf("%w: put ledger_info: %v", ErrStorageFailure, err)
	}
	if li.LedgerInfo.CommitInfo.EndsEpoch() {
		var epochBuf [8]byte
		binary.BigEndian.PutUint64(epochBuf[:], uint64(li.LedgerInfo.CommitInfo.Epoch))
		if err := batch.Put(epochByBlockNumberKey(li.LedgerInfo.CommitInfo.BlockNumber), epochBuf[:]); err != nil {
			return fmt.Errorf("%w: put epoch_by_block_number: %v", ErrStorageFailure, err)
		}
	}
	if err := batch.Write(); err != nil {
		s.log.Error("ledger info batch write failed", log.Err(err))
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.latestLedgerInfo.Set(li)
	return nil
}

// LatestLedgerInfo returns the in-memory cached latest ledger info
// without touching the underlying database.
func (s *Store) LatestLedgerInfo() *types.LedgerInfoWithSignatures {
	return s.latestLedgerInfo.Get()
}

// SaveRandomness persists the randomness beacon output for a block
// number.
func (s *Store) SaveRandomness(blockNumber types.BlockNumber, randomness []byte) error {
	if err := s.db.Put(randomnessKey(blockNumber), randomness); err != nil {
		return fmt.Errorf("%w: put randomness: %v", ErrStorageFailure, err)
	}
	return nil
}

// Randomness returns the randomness beacon output for a block number,
// or nil if none was recorded.
func (s *Store) Randomness(blockNumber types.BlockNumber) ([]byte, error) {
	raw, err := s.db.Get(randomnessKey(blockNumber))
	if err == database.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get randomness: %w", err)
	}
	return raw, nil
}

// Recover reconstructs a replica's boot state: the
// latest ledger info, the last vote (only if its epoch matches the
// recovered epoch), the highest TC (same constraint), and every
// persisted block/QC.
func (s *Store) Recover() (*RecoveryData, error) {
	li := s.LatestLedgerInfo()
	if li == nil {
		iter := s.db.NewIteratorWithPrefix(prefixLedgerInfo)
		defer iter.Release()
		for iter.Next() {
			got, err := s.codec.UnmarshalLedgerInfo(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("store: unmarshal ledger info during recovery: %w", err)
			}
			if li == nil || got.LedgerInfo.CommitInfo.BlockNumber > li.LedgerInfo.CommitInfo.BlockNumber {
				li = got
			}
		}
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("store: iterate ledger_info: %w", err)
		}
		if li != nil {
			s.latestLedgerInfo.Set(li)
		}
	}

	data := &RecoveryData{LatestLedgerInfo: li}
	recoveredEpoch := types.Epoch(0)
	if li != nil {
		recoveredEpoch = li.LedgerInfo.CommitInfo.Epoch
	}

	lastVote, err := s.LastVote()
	if err != nil {
		return nil, err
	}
	if lastVote != nil && lastVote.VoteData.Proposed.Epoch == recoveredEpoch {
		data.LastVote = lastVote
	}

	tc, err := s.HighestTC()
	if err != nil {
		return nil, err
	}
	if tc != nil && tc.Epoch == recoveredEpoch {
		data.HighestTC = tc
	}

	blockIter := s.db.NewIteratorWithPrefix(prefixBlocks)
	defer blockIter.Release()
	for blockIter.Next() {
		b, err := s.codec.UnmarshalBlock(blockIter.Value())
		if err != nil {
			return nil, fmt.Errorf("store: unmarshal block during recovery: %w", err)
		}
		data.Blocks = append(data.Blocks, b)
	}
	if err := blockIter.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate blocks: %w", err)
	}

	qcIter := s.db.NewIteratorWithPrefix(prefixQuorumCerts)
	defer qcIter.Release()
	for qcIter.Next() {
		qc, err := s.codec.UnmarshalQC(qcIter.Value())
		if err != nil {
			return nil, fmt.Errorf("store: unmarshal qc during recovery: %w", err)
		}
		data.QCs = append(data.QCs, qc)
	}
	if err := qcIter.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate quorum_certs: %w", err)
	}

	return data, nil
}

// RecentLedgerInfos returns the MaxLedgerInfos most recent ledger
// infos (or all of them, if fewer are stored), in ascending
// block-number order, so the most recent is last.
func (s *Store) RecentLedgerInfos() ([]*types.LedgerInfoWithSignatures, error) {
	iter := s.db.NewIteratorWithPrefix(prefixLedgerInfo)
	defer iter.Release()

	var all []*types.LedgerInfoWithSignatures
	for iter.Next() {
		li, err := s.codec.UnmarshalLedgerInfo(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("store: unmarshal ledger info: %w", err)
		}
		all = append(all, li)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate ledger_info: %w", err)
	}

	if len(all) <= MaxLedgerInfos {
		return all, nil
	}
	return all[len(all)-MaxLedgerInfos:], nil
}
