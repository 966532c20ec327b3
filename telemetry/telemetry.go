// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry holds the core's observation sinks. Nothing in
// this package enforces behavior: every method is a side-effecting
// observation a caller makes after the fact, covering the event
// surface the core produces (votes, certs, commits, back-pressure,
// DKG/JWK state), backed either by a no-op sink or by a
// github.com/luxfi/metric registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/utils/metric"
	"github.com/luxfi/quorumchain/utils/wrappers"
)

// Sink is the full observation surface the core reports through. A
// caller wires exactly one Sink (NoOp or Prometheus-backed) per
// replica; the core itself never branches on observed values.
type Sink interface {
	VoteSent(round types.Round, kind types.VoteKind)
	VoteReceived(round types.Round, author types.NodeID)
	QCFormed(round types.Round)
	TCFormed(round types.Round)
	RoundAdvanced(round types.Round)
	SafetyViolation()
	BlockProposed(round types.Round, numTxns int)
	BlockOrdered(round types.Round)
	BlockExecuted(round types.Round, execTime time.Duration)
	BlockCommitted(round types.Round, blockNumber types.BlockNumber)
	PipelineStageCompleted(stage string, blockID types.Hash)
	PipelineStageAborted(stage string, blockID types.Hash)
	BackPressureApplied(maxTxns uint64, delayMs uint64)
	BufferReset()
	DKGTranscriptAggregated(epoch types.Epoch)
	JWKUpdatePublished(uri string)
}

// NoOp is the zero-cost Sink for callers that have not wired a
// metrics backend.
type NoOp struct{}

var _ Sink = NoOp{}

func (NoOp) VoteSent(types.Round, types.VoteKind)              {}
func (NoOp) VoteReceived(types.Round, types.NodeID)             {}
func (NoOp) QCFormed(types.Round)                               {}
func (NoOp) TCFormed(types.Round)                                {}
func (NoOp) RoundAdvanced(types.Round)                           {}
func (NoOp) SafetyViolation()                                    {}
func (NoOp) BlockProposed(types.Round, int)                      {}
func (NoOp) BlockOrdered(types.Round)                            {}
func (NoOp) BlockExecuted(types.Round, time.Duration)            {}
func (NoOp) BlockCommitted(types.Round, types.BlockNumber)       {}
func (NoOp) PipelineStageCompleted(string, types.Hash)           {}
func (NoOp) PipelineStageAborted(string, types.Hash)             {}
func (NoOp) BackPressureApplied(uint64, uint64)                  {}
func (NoOp) BufferReset()                                        {}
func (NoOp) DKGTranscriptAggregated(types.Epoch)                 {}
func (NoOp) JWKUpdatePublished(string)                           {}

// Metrics is a Sink backed by a metric.Registry (in turn backed by
// github.com/luxfi/metric, which wraps prometheus.Registerer). Every
// event increments a counter, sets a gauge, or feeds the
// block-execution-time averager; nothing here ever reads
// values back to change behavior, keeping the "shape only" contract.
type Metrics struct {
	reg metric.Registry

	votesSent        metric.Counter
	votesReceived    metric.Counter
	qcsFormed        metric.Counter
	tcsFormed        metric.Counter
	roundAdvances    metric.Counter
	safetyViolations metric.Counter
	blocksProposed   metric.Counter
	blocksOrdered    metric.Counter
	blocksCommitted  metric.Counter
	stagesCompleted  metric.Counter
	stagesAborted    metric.Counter
	backpressureHits metric.Counter
	bufferResets     metric.Counter
	dkgAggregations  metric.Counter
	jwkPublications  metric.Counter

	currentRound  metric.Gauge
	execTimeMs    metric.Averager
}

var _ Sink = (*Metrics)(nil)

// NewMetrics builds a Prometheus-backed Sink namespaced under reg,
// additionally exporting a block-execution-time averager through
// prom. Registration failures downgrade the averager to in-memory
// only and are reported through errs (which may be nil).
func NewMetrics(reg metric.Registry, prom prometheus.Registerer, errs *wrappers.Errs) *Metrics {
	return &Metrics{
		reg:              reg,
		votesSent:        reg.NewCounter("votes_sent"),
		votesReceived:    reg.NewCounter("votes_received"),
		qcsFormed:        reg.NewCounter("qcs_formed"),
		tcsFormed:        reg.NewCounter("tcs_formed"),
		roundAdvances:    reg.NewCounter("round_advances"),
		safetyViolations: reg.NewCounter("safety_violations"),
		blocksProposed:   reg.NewCounter("blocks_proposed"),
		blocksOrdered:    reg.NewCounter("blocks_ordered"),
		blocksCommitted:  reg.NewCounter("blocks_committed"),
		stagesCompleted:  reg.NewCounter("pipeline_stages_completed"),
		stagesAborted:    reg.NewCounter("pipeline_stages_aborted"),
		backpressureHits: reg.NewCounter("backpressure_applied"),
		bufferResets:     reg.NewCounter("buffer_resets"),
		dkgAggregations:  reg.NewCounter("dkg_transcripts_aggregated"),
		jwkPublications:  reg.NewCounter("jwk_updates_published"),
		currentRound:     reg.NewGauge("current_round"),
		execTimeMs:       metric.NewAveragerWithErrs("block_execution_time_ms", "block execution time (ms)", prom, errs),
	}
}

func (m *Metrics) VoteSent(round types.Round, _ types.VoteKind) {
	m.votesSent.Inc()
	m.currentRound.Set(float64(round))
}
func (m *Metrics) VoteReceived(types.Round, types.NodeID)        { m.votesReceived.Inc() }
func (m *Metrics) QCFormed(types.Round)                          { m.qcsFormed.Inc() }
func (m *Metrics) TCFormed(types.Round)                          { m.tcsFormed.Inc() }
func (m *Metrics) RoundAdvanced(round types.Round) {
	m.roundAdvances.Inc()
	m.currentRound.Set(float64(round))
}
func (m *Metrics) SafetyViolation()                                { m.safetyViolations.Inc() }
func (m *Metrics) BlockProposed(types.Round, int)                  { m.blocksProposed.Inc() }
func (m *Metrics) BlockOrdered(types.Round)                        { m.blocksOrdered.Inc() }
func (m *Metrics) BlockExecuted(_ types.Round, d time.Duration) {
	m.execTimeMs.Observe(float64(d.Milliseconds()))
}
func (m *Metrics) BlockCommitted(types.Round, types.BlockNumber)   { m.blocksCommitted.Inc() }
func (m *Metrics) PipelineStageCompleted(string, types.Hash)       { m.stagesCompleted.Inc() }
func (m *Metrics) PipelineStageAborted(string, types.Hash)         { m.stagesAborted.Inc() }
func (m *Metrics) BackPressureApplied(uint64, uint64)              { m.backpressureHits.Inc() }
func (m *Metrics) BufferReset()                                    { m.bufferResets.Inc() }
func (m *Metrics) DKGTranscriptAggregated(types.Epoch)             { m.dkgAggregations.Inc() }
func (m *Metrics) JWKUpdatePublished(string)                       { m.jwkPublications.Inc() }
