// Package registry implements the Transfer Registry, Inbound Transfer Task,
// Source Selector and Transfer Pump (spec.md section 2, modules 2-4 and 10).
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/teris-io/shortid"
	uatomic "go.uber.org/atomic"

	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/topology"
)

// Status is the Inbound Transfer Task's state machine (spec.md 4.4).
type Status int32

const (
	StatusNew Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "NEW"
	}
}

// Task is one pull from a single source for a set of segments. Tasks are
// value objects with identity equality (spec.md 4.4): two *Task pointers are
// equal iff they are the same allocation, so the registry and the pump refer
// to tasks by pointer, never by a copy.
type Task struct {
	// ID is an opaque identifier for this task, used only in logging to
	// tell apart concurrent tasks against the same source.
	ID         string
	Source     topology.MemberID
	Segments   map[topology.SegmentID]struct{}
	TopologyID int64

	rpc    contracts.RPCManager
	status uatomic.Int32

	mu      sync.Mutex
	pending map[topology.SegmentID]struct{}
	done    chan struct{}
	once    sync.Once
}

// NewTask allocates a task for source covering segs under topologyID.
func NewTask(rpc contracts.RPCManager, source topology.MemberID, topologyID int64, segs []topology.SegmentID) *Task {
	id, err := shortid.Generate()
	if err != nil {
		glog.Warningf("task[%s]: shortid generation failed, leaving id blank: %v", source, err)
	}
	t := &Task{
		ID:         id,
		Source:     source,
		Segments:   map[topology.SegmentID]struct{}{},
		TopologyID: topologyID,
		rpc:        rpc,
		pending:    map[topology.SegmentID]struct{}{},
		done:       make(chan struct{}),
	}
	for _, s := range segs {
		t.Segments[s] = struct{}{}
		t.pending[s] = struct{}{}
	}
	return t
}

func (t *Task) Status() Status { return Status(t.status.Load()) }

func (t *Task) segmentList() []topology.SegmentID {
	segs := make([]topology.SegmentID, 0, len(t.Segments))
	for s := range t.Segments {
		segs = append(segs, s)
	}
	return segs
}

// RequestSegments sends one RPC to source asking it to start streaming the
// listed segments under topology_id (spec.md 4.4, request_segments()).
func (t *Task) RequestSegments(ctx context.Context, timeout time.Duration) bool {
	req := contracts.StateRequest{
		Type:       contracts.StartStateTransfer,
		TopologyID: t.TopologyID,
		Segments:   t.segmentList(),
	}
	ok, err := t.rpc.StartStreaming(ctx, t.Source, req, contracts.InvokeOptions{
		Timeout:       timeout,
		IgnoreLeavers: true,
	})
	if err != nil || !ok {
		glog.Warningf("task[%s/%s]: request_segments failed: %v", t.Source, t.ID, err)
		t.status.CAS(int32(StatusNew), int32(StatusFailed))
		return false
	}
	t.status.CAS(int32(StatusNew), int32(StatusRunning))
	return true
}

// OnStateReceived removes segmentID from pending iff isLast. When pending
// becomes empty, the task is marked COMPLETED and the waiter signalled
// (spec.md 4.4, on_state_received).
func (t *Task) OnStateReceived(segmentID topology.SegmentID, isLast bool) {
	if !isLast {
		return
	}
	t.mu.Lock()
	delete(t.pending, segmentID)
	empty := len(t.pending) == 0
	t.mu.Unlock()
	if empty {
		t.complete(StatusCompleted)
	}
}

// AwaitCompletion blocks until COMPLETED, FAILED, CANCELLED, or timeout.
// Returns true iff the task completed successfully (spec.md 4.4).
func (t *Task) AwaitCompletion(ctx context.Context, timeout time.Duration) bool {
	if t.Status() == StatusCompleted {
		return true
	}
	if t.Status() == StatusFailed || t.Status() == StatusCancelled {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.Status() == StatusCompleted
	case <-timer.C:
		t.complete(StatusFailed)
		return false
	case <-ctx.Done():
		return false
	}
}

// CancelSegments sends a cancel RPC to the source for subset, removes them
// from pending, and marks the task CANCELLED if pending becomes empty
// (spec.md 4.4, cancel_segments).
func (t *Task) CancelSegments(ctx context.Context, subset []topology.SegmentID, timeout time.Duration) {
	req := contracts.StateRequest{
		Type:       contracts.CancelStateTransfer,
		TopologyID: t.TopologyID,
		Segments:   subset,
	}
	if err := t.rpc.CancelStreaming(ctx, t.Source, req, contracts.InvokeOptions{Timeout: timeout}); err != nil {
		glog.Warningf("task[%s/%s]: cancel_segments RPC failed: %v", t.Source, t.ID, err)
	}
	t.mu.Lock()
	for _, s := range subset {
		delete(t.pending, s)
	}
	empty := len(t.pending) == 0
	t.mu.Unlock()
	if empty {
		t.complete(StatusCancelled)
	}
}

// Terminate is a local forcible stop used when the source has left the
// cluster; no RPC is sent (spec.md 4.4, terminate()).
func (t *Task) Terminate() {
	t.complete(StatusCancelled)
}

// RemainingSegments returns the segments still pending a chunk.
func (t *Task) RemainingSegments() []topology.SegmentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := make([]topology.SegmentID, 0, len(t.pending))
	for s := range t.pending {
		segs = append(segs, s)
	}
	return segs
}

func (t *Task) complete(status Status) {
	swapped := t.status.CAS(int32(StatusRunning), int32(status)) ||
		t.status.CAS(int32(StatusNew), int32(status))
	if !swapped {
		// already terminal; keep first terminal status
	}
	t.once.Do(func() { close(t.done) })
}
