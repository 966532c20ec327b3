// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"testing"

	blscrypto "github.com/luxfi/crypto/bls"
	mathset "github.com/luxfi/math/set"
	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, id byte, weight uint64) (types.ValidatorInfo, *blscrypto.SecretKey) {
	t.Helper()
	sk, err := blscrypto.NewSecretKey()
	require.NoError(t, err)
	return types.ValidatorInfo{
		Author:      types.NodeID{id},
		PublicKey:   blscrypto.PublicFromSecretKey(sk),
		VotingPower: weight,
	}, sk
}

func TestQuorumVotingPowerIsTwoThirdsPlusOne(t *testing.T) {
	v1, _ := newTestValidator(t, 1, 1)
	v2, _ := newTestValidator(t, 2, 1)
	v3, _ := newTestValidator(t, 3, 1)
	v4, _ := newTestValidator(t, 4, 1)
	v, err := NewVerifier(1, []types.ValidatorInfo{v1, v2, v3, v4})
	require.NoError(t, err)
	require.Equal(t, uint64(4), v.TotalVotingPower())
	require.Equal(t, uint64(3), v.QuorumVotingPower())
}

func TestVerifySingleSignature(t *testing.T) {
	vi, sk := newTestValidator(t, 1, 1)
	v, err := NewVerifier(1, []types.ValidatorInfo{vi})
	require.NoError(t, err)

	msg := []byte("hello-round-5")
	sig := blscrypto.Sign(sk, msg)
	require.NoError(t, v.Verify(vi.Author, msg, sig))

	unknown := types.NodeID{0xff}
	require.ErrorIs(t, v.Verify(unknown, msg, sig), ErrUnknownAuthor)

	require.ErrorIs(t, v.Verify(vi.Author, []byte("other"), sig), ErrInvalidSignature)
}

func TestCheckVotingPowerInsufficient(t *testing.T) {
	v1, _ := newTestValidator(t, 1, 1)
	v2, _ := newTestValidator(t, 2, 1)
	v3, _ := newTestValidator(t, 3, 1)
	v4, _ := newTestValidator(t, 4, 1)
	v, err := NewVerifier(1, []types.ValidatorInfo{v1, v2, v3, v4})
	require.NoError(t, err)

	bitmap := mathset.NewBits()
	bitmap.Add(0)
	bitmap.Add(1)
	require.ErrorIs(t, v.CheckVotingPower(bitmap), ErrInsufficientVotingPower)

	bitmap.Add(2)
	require.NoError(t, v.CheckVotingPower(bitmap))
}

func TestAggregateAndVerify(t *testing.T) {
	v1, sk1 := newTestValidator(t, 1, 1)
	v2, sk2 := newTestValidator(t, 2, 1)
	v3, sk3 := newTestValidator(t, 3, 1)
	v, err := NewVerifier(1, []types.ValidatorInfo{v1, v2, v3})
	require.NoError(t, err)

	msg := []byte("commit-round-9")
	sigs := map[types.NodeID]*blscrypto.Signature{
		v1.Author: blscrypto.Sign(sk1, msg),
		v2.Author: blscrypto.Sign(sk2, msg),
		v3.Author: blscrypto.Sign(sk3, msg),
	}
	agg, err := v.Aggregate(sigs)
	require.NoError(t, err)
	require.NoError(t, v.VerifyAggregate(agg, msg))

	agg.SignersBitmap = mathset.NewBits()
	require.ErrorIs(t, v.VerifyAggregate(agg, msg), ErrInsufficientVotingPower)
}
