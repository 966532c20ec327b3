// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"testing"
	"time"

	"github.com/luxfi/quorumchain/types"
)

func TestNoOpSatisfiesSink(t *testing.T) {
	var s Sink = NoOp{}
	s.VoteSent(1, types.VoteProposal)
	s.VoteReceived(1, types.NodeID{})
	s.QCFormed(1)
	s.TCFormed(1)
	s.RoundAdvanced(2)
	s.SafetyViolation()
	s.BlockProposed(1, 10)
	s.BlockOrdered(1)
	s.BlockExecuted(1, 150*time.Millisecond)
	s.BlockCommitted(1, 100)
	s.PipelineStageCompleted("Execute", types.Hash{})
	s.PipelineStageAborted("Execute", types.Hash{})
	s.BackPressureApplied(100, 50)
	s.BufferReset()
	s.DKGTranscriptAggregated(2)
	s.JWKUpdatePublished("gravity://oracle/1/price")
}

func TestMetricsSatisfiesSink(t *testing.T) {
	var _ Sink = (*Metrics)(nil)
}
