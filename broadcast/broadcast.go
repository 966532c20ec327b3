// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package broadcast implements a generic retrying one-to-quorum
// reliable broadcaster: fan a message out to a target set, track
// acknowledgements through a pluggable BroadcastStatus predicate,
// retry unacknowledged targets with exponential backoff (x2, capped
// at 5s), and stop once the predicate reports Done or the caller
// drops the returned Handle.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/quorumchain/types"
)

// InitialBackoff and MaxBackoff bound the retry schedule: backoff
// doubles per attempt up to the cap.
const (
	InitialBackoff = 200 * time.Millisecond
	MaxBackoff     = 5 * time.Second
)

// Decision is returned by a BroadcastStatus on every acknowledgement.
type Decision int

const (
	// Continue means the broadcast should keep retrying unacknowledged
	// targets.
	Continue Decision = iota
	// Done means the broadcast predicate is satisfied; no further
	// retries are issued.
	Done
)

// Status is the pluggable acknowledgement predicate of a broadcast.
// OnAck is called once per acknowledgement received from author; the
// returned Decision controls the retry loop, and the result value is
// not retained by the Broadcaster.
type Status[R any] interface {
	OnAck(author types.NodeID) (Decision, R)
}

// Sender is the narrow per-message send contract a Broadcaster
// drives.
type Sender interface {
	Send(ctx context.Context, to types.NodeID, msg []byte) error
}

// Handle represents one in-flight broadcast. Dropping it (calling
// Cancel) stops further retries.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	ackCh  chan types.NodeID
}

// Cancel stops the broadcast's retry loop.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the broadcast's retry loop has exited, either
// because Status reported Done or the handle was cancelled.
func (h *Handle) Wait() {
	<-h.done
}

// Ack reports that author acknowledged the in-flight message. The
// caller (the message-handling layer that received a CommitMessage
// Ack/Nack, or an aggregated-vote observation) feeds acknowledgements
// in as they arrive. Nack is not itself an acknowledgement; it asks
// for a retry, which this broadcaster already does unconditionally on
// every backoff tick, so a Nack needs no separate signal here.
func (h *Handle) Ack(author types.NodeID) {
	select {
	case h.ackCh <- author:
	case <-h.done:
	}
}

// Broadcaster retries an unacknowledged send to each target with
// exponential backoff until Status reports Done or the Handle is
// cancelled.
type Broadcaster struct {
	sender Sender
}

// NewBroadcaster builds a Broadcaster over sender.
func NewBroadcaster(sender Sender) *Broadcaster {
	return &Broadcaster{sender: sender}
}

// Start fans msg out to targets on a background goroutine and retries
// unacknowledged ones with exponential backoff until status reports
// Done, every target has acknowledged, or the returned Handle is
// cancelled. Call Handle.Ack as acknowledgements arrive.
func (b *Broadcaster) Start(ctx context.Context, msg []byte, targets []types.NodeID, status Status[any]) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{}), ackCh: make(chan types.NodeID, len(targets)+8)}

	go b.run(ctx, msg, targets, status, h)
	return h
}

func (b *Broadcaster) run(ctx context.Context, msg []byte, targets []types.NodeID, status Status[any], h *Handle) {
	defer close(h.done)

	pending := make(map[types.NodeID]struct{}, len(targets))
	for _, t := range targets {
		pending[t] = struct{}{}
	}
	for t := range pending {
		_ = b.sender.Send(ctx, t, msg)
	}

	backoff := InitialBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case author := <-h.ackCh:
			decision, _ := status.OnAck(author)
			delete(pending, author)
			if decision == Done || len(pending) == 0 {
				return
			}
		case <-timer.C:
			for t := range pending {
				_ = b.sender.Send(ctx, t, msg)
			}
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
			timer.Reset(backoff)
		}
	}
}

// ThresholdStatus is the Status used for commit-vote broadcast: Done
// once the accumulated authors carry the verifier's 2f+1 threshold
// weight.
type ThresholdStatus struct {
	mu          sync.Mutex
	hasQuorum   func([]types.NodeID) bool
	acked       map[types.NodeID]struct{}
}

// NewThresholdStatus builds a ThresholdStatus whose Done condition is
// hasQuorum(ackedAuthors).
func NewThresholdStatus(hasQuorum func([]types.NodeID) bool) *ThresholdStatus {
	return &ThresholdStatus{hasQuorum: hasQuorum, acked: make(map[types.NodeID]struct{})}
}

// OnAck implements Status.
func (s *ThresholdStatus) OnAck(author types.NodeID) (Decision, any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[author] = struct{}{}
	authors := make([]types.NodeID, 0, len(s.acked))
	for a := range s.acked {
		authors = append(authors, a)
	}
	if s.hasQuorum(authors) {
		return Done, authors
	}
	return Continue, nil
}

// FirstAckStatus is the Status used for commit-decision broadcast:
// "terminate on first ack".
type FirstAckStatus struct{}

// NewFirstAckStatus builds a FirstAckStatus.
func NewFirstAckStatus() *FirstAckStatus { return &FirstAckStatus{} }

// OnAck implements Status.
func (*FirstAckStatus) OnAck(author types.NodeID) (Decision, any) {
	return Done, author
}
