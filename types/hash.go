// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the value types shared across the consensus core:
// identifiers, blocks, payloads, quorum/timeout certificates, ledger
// infos, and votes.
package types

import (
	"encoding/binary"

	"github.com/luxfi/ids"
)

// Hash is a 32-byte cryptographic digest. It is a type alias (not a
// defined type) over ids.ID so that Hash values interoperate directly
// with the rest of the luxfi ecosystem's identifier-keyed maps and RPCs.
type Hash = ids.ID

// NodeID identifies a validator author.
type NodeID = ids.NodeID

// Round is monotonically increasing within an epoch. Round 0 is
// reserved for the genesis block.
type Round uint64

// Epoch is monotonically increasing across the lifetime of the chain.
type Epoch uint64

// BlockNumber is monotonically increasing across the committed chain.
type BlockNumber uint64

// EmptyHash is the zero digest, used as the parent of genesis blocks.
var EmptyHash = ids.Empty

// GenesisRound is the reserved round for the genesis block of an epoch.
const GenesisRound Round = 0

// roundBytes renders r in big-endian form for digesting.
func roundBytes(r Round) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(r))
	return b[:]
}
