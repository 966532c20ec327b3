// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package proposer implements proposer election and the
// chain-health/pipeline/execution back-pressure advisor. Leader
// selection itself is delegated to validators.LeaderSchedule; this
// package adds the participation ratio and back-pressure calibration
// that election depends on.
package proposer

import (
	"sort"
	"time"

	safemath "github.com/luxfi/quorumchain/utils/math"

	"github.com/luxfi/quorumchain/types"
	"github.com/luxfi/quorumchain/validators"
)

// BackPressureLimits is a (max_txns, max_bytes, delay_ms) bucket, the
// unit both the chain-health and pipeline backoff tables are made of.
type BackPressureLimits struct {
	MaxTxns  uint64
	MaxBytes uint64
	DelayMs  uint64
}

// ChainHealthBucket maps a voting-power-participation-ratio floor (in
// percent, 0-100) to the limits that apply once the ratio falls to or
// below it.
type ChainHealthBucket struct {
	VotingPowerPct uint64
	Limits         BackPressureLimits
}

// PipelineBucket maps a pending-latency floor (milliseconds) to the
// limits that apply once blocks have been pending at least that long.
type PipelineBucket struct {
	LatencyMs uint64
	Limits    BackPressureLimits
}

// ExecutionBackpressureConfig holds the execution-time transaction
// calibration parameters.
type ExecutionBackpressureConfig struct {
	MinCalibratedTxnsPerBlock uint64
	LookbackNumBlocks         int
	MinBlockTimeMsToActivate  uint64
	TargetBlockTimeMs         uint64
	// Percentile selects which order statistic of the lookback window
	// is used; 0.5 means p50 / median.
	Percentile float64
}

// Advisor combines the three back-pressure sources and picks the
// minimum block size / maximum proposal delay.
type Advisor struct {
	chainHealth []ChainHealthBucket // must be sorted ascending by VotingPowerPct
	pipeline    []PipelineBucket    // must be sorted ascending by LatencyMs
	execution   ExecutionBackpressureConfig
}

// NewAdvisor builds an Advisor from the three configured tables,
// sorting each ascending so lookup can walk them once.
func NewAdvisor(chainHealth []ChainHealthBucket, pipeline []PipelineBucket, execution ExecutionBackpressureConfig) *Advisor {
	ch := append([]ChainHealthBucket(nil), chainHealth...)
	sort.Slice(ch, func(i, j int) bool { return ch[i].VotingPowerPct < ch[j].VotingPowerPct })
	pl := append([]PipelineBucket(nil), pipeline...)
	sort.Slice(pl, func(i, j int) bool { return pl[i].LatencyMs < pl[j].LatencyMs })
	return &Advisor{chainHealth: ch, pipeline: pl, execution: execution}
}

// VotingPowerParticipationRatio derives the fraction (0-100) of total
// voting power that participated in recent QCs, the chain-health
// input.
func VotingPowerParticipationRatio(set *validators.Set, recentQCAuthors [][]types.NodeID) uint64 {
	if len(recentQCAuthors) == 0 || set.TotalVotingPower() == 0 {
		return 100
	}
	var sum uint64
	for _, authors := range recentQCAuthors {
		seen := make(map[types.NodeID]struct{}, len(authors))
		var weight uint64
		for _, a := range authors {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			vi, err := set.Get(a)
			if err != nil {
				continue
			}
			weight += vi.VotingPower
		}
		sum += weight * 100 / set.TotalVotingPower()
	}
	return sum / uint64(len(recentQCAuthors))
}

func chainHealthLimits(buckets []ChainHealthBucket, ratioPct uint64) (BackPressureLimits, bool) {
	var applied BackPressureLimits
	var found bool
	for _, b := range buckets {
		if ratioPct <= b.VotingPowerPct {
			applied = b.Limits
			found = true
			break
		}
	}
	return applied, found
}

func pipelineLimits(buckets []PipelineBucket, pendingMs uint64) (BackPressureLimits, bool) {
	var applied BackPressureLimits
	var found bool
	for i := len(buckets) - 1; i >= 0; i-- {
		if pendingMs >= buckets[i].LatencyMs {
			applied = buckets[i].Limits
			found = true
			break
		}
	}
	return applied, found
}

// CalibratedExecutionTxnTarget implements the execution
// back-pressure formula:
//
//	floor(target_block_time / execution_time * (to_commit / (to_commit + to_retry)) * payload_len)
//
// clamped to min_calibrated_txns_per_block, for a single
// ExecutionSummary sample with payload_len > 0 and execution time
// above the activation floor.
func CalibratedExecutionTxnTarget(cfg ExecutionBackpressureConfig, s types.ExecutionSummary) (uint64, bool) {
	if s.PayloadLen <= 0 {
		return 0, false
	}
	execMs := uint64(s.ExecutionTime / time.Millisecond)
	if execMs < cfg.MinBlockTimeMsToActivate {
		return 0, false
	}
	total := s.ToCommit + s.ToRetry
	if total == 0 || execMs == 0 {
		return 0, false
	}
	// target = targetMs/execMs * toCommit/total * payloadLen, computed
	// with a single integer division at the end to minimize rounding
	// error, using overflow-checked multiplication throughout.
	numerator, err := safemath.Mul64(cfg.TargetBlockTimeMs, uint64(s.ToCommit))
	if err != nil {
		return cfg.MinCalibratedTxnsPerBlock, true
	}
	numerator, err = safemath.Mul64(numerator, uint64(s.PayloadLen))
	if err != nil {
		return cfg.MinCalibratedTxnsPerBlock, true
	}
	denominator := execMs * uint64(total)
	if denominator == 0 {
		return cfg.MinCalibratedTxnsPerBlock, true
	}
	target := numerator / denominator
	if target < cfg.MinCalibratedTxnsPerBlock {
		target = cfg.MinCalibratedTxnsPerBlock
	}
	return target, true
}

// CalibratedExecutionTxnTargetPercentile applies
// CalibratedExecutionTxnTarget to the lookback window and returns the
// configured percentile of the resulting per-sample targets.
func CalibratedExecutionTxnTargetPercentile(cfg ExecutionBackpressureConfig, recent []types.ExecutionSummary) (uint64, bool) {
	if len(recent) == 0 {
		return 0, false
	}
	window := recent
	if cfg.LookbackNumBlocks > 0 && len(window) > cfg.LookbackNumBlocks {
		window = window[len(window)-cfg.LookbackNumBlocks:]
	}
	var targets []uint64
	for _, s := range window {
		if target, ok := CalibratedExecutionTxnTarget(cfg, s); ok {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return 0, false
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	idx := int(cfg.Percentile * float64(len(targets)-1))
	return targets[idx], true
}

// Advise combines all three back-pressure sources and returns the
// tightest (minimum block size, maximum delay) applicable. The
// returned bool is false iff none of the three sources fired, meaning
// the caller's configured defaults apply unmodified.
func (a *Advisor) Advise(votingPowerRatioPct, pendingMs uint64, recentExec []types.ExecutionSummary, currentCap uint64) (BackPressureLimits, bool) {
	var (
		best  BackPressureLimits
		found bool
	)
	tighten := func(l BackPressureLimits) {
		if !found {
			best = l
			found = true
			return
		}
		if l.MaxTxns < best.MaxTxns {
			best.MaxTxns = l.MaxTxns
		}
		if l.MaxBytes < best.MaxBytes {
			best.MaxBytes = l.MaxBytes
		}
		if l.DelayMs > best.DelayMs {
			best.DelayMs = l.DelayMs
		}
	}

	if l, ok := chainHealthLimits(a.chainHealth, votingPowerRatioPct); ok {
		tighten(l)
	}
	if l, ok := pipelineLimits(a.pipeline, pendingMs); ok {
		tighten(l)
	}
	if target, ok := CalibratedExecutionTxnTargetPercentile(a.execution, recentExec); ok && target < currentCap {
		tighten(BackPressureLimits{MaxTxns: target, MaxBytes: ^uint64(0)})
	}
	return best, found
}
