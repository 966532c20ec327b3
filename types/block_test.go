// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockIdentity(t *testing.T) {
	b := &Block{
		ParentID:      EmptyHash,
		Epoch:         1,
		Round:         5,
		BlockNumber:   100,
		TimestampUsec: 1000,
		Payload:       Payload{Kind: PayloadDirectMempool},
	}
	b.ID = b.ComputeID()
	require.NoError(t, b.CheckIdentity())

	// Mutating any immutable field must change the identity.
	b2 := *b
	b2.Round = 6
	require.NotEqual(t, b.ID, b2.ComputeID())
}

func TestBlockIdentityMismatch(t *testing.T) {
	b := &Block{Round: 1, Payload: Payload{Kind: PayloadEmpty}}
	b.ID = EmptyHash
	require.ErrorIs(t, b.CheckIdentity(), ErrBlockIdentityMismatch)
}

func TestIsNILBlock(t *testing.T) {
	nilBlock := &Block{Payload: Payload{Kind: PayloadEmpty}}
	require.True(t, nilBlock.IsNIL())

	payloadBlock := &Block{Payload: Payload{Kind: PayloadInQuorumStore}}
	require.False(t, payloadBlock.IsNIL())
}

func TestGenesisBlockDerivation(t *testing.T) {
	li := LedgerInfo{CommitInfo: BlockInfo{
		Epoch:       3,
		BlockNumber: 42,
		NextEpochState: &EpochState{Epoch: 4},
	}}
	g := NewGenesisBlock(li)
	require.True(t, g.IsGenesis())
	require.Equal(t, Epoch(4), g.Epoch)
	require.Equal(t, BlockNumber(42), g.BlockNumber)
	require.NoError(t, g.CheckIdentity())
}
