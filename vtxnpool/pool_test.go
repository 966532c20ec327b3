// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vtxnpool

import (
	"testing"

	"github.com/luxfi/quorumchain/types"
	"github.com/stretchr/testify/require"
)

func TestInsertIsIdempotent(t *testing.T) {
	p := NewPool(0)
	txn := Txn{Hash: types.Hash{1}, Kind: KindDKGResult, Bytes: []byte("a")}
	require.True(t, p.Insert(txn))
	require.True(t, p.Insert(txn))
	require.Equal(t, 1, p.Len())
}

func TestInsertRespectsCapacity(t *testing.T) {
	p := NewPool(1)
	require.True(t, p.Insert(Txn{Hash: types.Hash{1}}))
	require.False(t, p.Insert(Txn{Hash: types.Hash{2}}))
	require.Equal(t, 1, p.Len())
}

func TestPullExcludesFilteredHashes(t *testing.T) {
	p := NewPool(0)
	p.Insert(Txn{Hash: types.Hash{1}})
	p.Insert(Txn{Hash: types.Hash{2}})
	out := p.Pull(10, map[types.Hash]struct{}{{1}: {}})
	require.Len(t, out, 1)
	require.Equal(t, types.Hash{2}, out[0].Hash)
}

func TestFlushClearsPool(t *testing.T) {
	p := NewPool(0)
	p.Insert(Txn{Hash: types.Hash{1}})
	p.Flush()
	require.Equal(t, 0, p.Len())
}

func TestRemove(t *testing.T) {
	p := NewPool(0)
	p.Insert(Txn{Hash: types.Hash{1}})
	p.Insert(Txn{Hash: types.Hash{2}})
	p.Remove(types.Hash{1})
	require.Equal(t, 1, p.Len())
}
