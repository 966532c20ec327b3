// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/quorumchain/types"
)

// JSONCodec is a reference Codec implementation. It satisfies the
// round-trip identity requirement without committing the core to a
// specific binary format; a deployment substitutes its canonical
// wire codec here.
type JSONCodec struct{}

func (JSONCodec) MarshalBlock(b *types.Block) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("store: marshal block: %w", err)
	}
	return data, nil
}

func (JSONCodec) UnmarshalBlock(raw []byte) (*types.Block, error) {
	var b types.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("store: unmarshal block: %w", err)
	}
	return &b, nil
}

func (JSONCodec) MarshalQC(qc *types.QuorumCert) ([]byte, error) {
	data, err := json.Marshal(qc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal qc: %w", err)
	}
	return data, nil
}

func (JSONCodec) UnmarshalQC(raw []byte) (*types.QuorumCert, error) {
	var qc types.QuorumCert
	if err := json.Unmarshal(raw, &qc); err != nil {
		return nil, fmt.Errorf("store: unmarshal qc: %w", err)
	}
	return &qc, nil
}

func (JSONCodec) MarshalVote(v *types.Vote) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal vote: %w", err)
	}
	return data, nil
}

func (JSONCodec) UnmarshalVote(raw []byte) (*types.Vote, error) {
	var v types.Vote
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("store: unmarshal vote: %w", err)
	}
	return &v, nil
}

func (JSONCodec) MarshalTC(tc *types.TwoChainTimeoutCertificate) ([]byte, error) {
	data, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tc: %w", err)
	}
	return data, nil
}

func (JSONCodec) UnmarshalTC(raw []byte) (*types.TwoChainTimeoutCertificate, error) {
	var tc types.TwoChainTimeoutCertificate
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("store: unmarshal tc: %w", err)
	}
	return &tc, nil
}

func (JSONCodec) MarshalLedgerInfo(li *types.LedgerInfoWithSignatures) ([]byte, error) {
	data, err := json.Marshal(li)
	if err != nil {
		return nil, fmt.Errorf("store: marshal ledger info: %w", err)
	}
	return data, nil
}

func (JSONCodec) UnmarshalLedgerInfo(raw []byte) (*types.LedgerInfoWithSignatures, error) {
	var li types.LedgerInfoWithSignatures
	if err := json.Unmarshal(raw, &li); err != nil {
		return nil, fmt.Errorf("store: unmarshal ledger info: %w", err)
	}
	return &li, nil
}
