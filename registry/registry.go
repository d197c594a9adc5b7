package registry

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/topology"
)

// Registry is the Transfer Registry: two mutually consistent indexes plus an
// ordered ready-queue, all mutated under one lock (spec.md section 2 module
// 2, section 3 invariants I1/I2).
type Registry struct {
	rpc     contracts.RPCManager
	timeout time.Duration

	mu        sync.Mutex
	bySource  map[topology.MemberID][]*Task
	bySegment map[topology.SegmentID]*Task
	ready     []*Task
}

func New(rpc contracts.RPCManager, timeout time.Duration) *Registry {
	return &Registry{
		rpc:       rpc,
		timeout:   timeout,
		bySource:  map[topology.MemberID][]*Task{},
		bySegment: map[topology.SegmentID]*Task{},
	}
}

// AddTransfer drops segments already present in by_segment (I2), allocates a
// task for whatever remains, inserts it into both indexes, appends it to
// by_source[source] and pushes it to the ready-queue (spec.md 4.2,
// add_transfer). Returns nil if every segment was already claimed.
func (r *Registry) AddTransfer(source topology.MemberID, topologyID int64, segs []topology.SegmentID) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := make([]topology.SegmentID, 0, len(segs))
	for _, s := range segs {
		if _, exists := r.bySegment[s]; !exists {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	task := NewTask(r.rpc, source, topologyID, remaining)
	for _, s := range remaining {
		r.bySegment[s] = task
	}
	r.bySource[source] = append(r.bySource[source], task)
	r.ready = append(r.ready, task)
	glog.V(4).Infof("registry: added transfer from %s for segments %v", source, remaining)
	return task
}

// CancelTransfers cancels removed_segments wherever they are currently
// assigned (spec.md 4.3, cancel_transfers). Tasks whose segment set becomes
// empty are removed entirely.
func (r *Registry) CancelTransfers(ctx context.Context, removedSegments []topology.SegmentID) {
	type cancellation struct {
		task *Task
		segs []topology.SegmentID
	}
	var toCancel []cancellation

	r.mu.Lock()
	processed := map[topology.SegmentID]struct{}{}
	for _, seg := range removedSegments {
		if _, done := processed[seg]; done {
			continue
		}
		task, ok := r.bySegment[seg]
		if !ok {
			continue
		}
		var isect []topology.SegmentID
		for _, s := range removedSegments {
			if _, in := task.Segments[s]; in {
				isect = append(isect, s)
				processed[s] = struct{}{}
			}
		}
		for _, s := range isect {
			delete(r.bySegment, s)
			delete(task.Segments, s)
		}
		if len(task.Segments) == 0 {
			r.removeLocked(task)
		}
		toCancel = append(toCancel, cancellation{task: task, segs: isect})
	}
	r.mu.Unlock()

	for _, c := range toCancel {
		c.task.CancelSegments(ctx, c.segs, r.timeout)
	}
}

// RemoveTransfer removes task from the ready-queue and both indexes,
// dropping the source key if its list becomes empty (spec.md 4.3,
// remove_transfer). Returns whether removal actually happened.
func (r *Registry) RemoveTransfer(task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(task)
}

func (r *Registry) removeLocked(task *Task) bool {
	found := false
	for i, q := range r.ready {
		if q == task {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			found = true
			break
		}
	}
	if list, ok := r.bySource[task.Source]; ok {
		kept := list[:0]
		for _, t := range list {
			if t != task {
				kept = append(kept, t)
			} else {
				found = true
			}
		}
		if len(kept) == 0 {
			delete(r.bySource, task.Source)
		} else {
			r.bySource[task.Source] = kept
		}
	}
	for s := range task.Segments {
		if r.bySegment[s] == task {
			delete(r.bySegment, s)
			found = true
		}
	}
	return found
}

// PopReady pops the front of the ready-queue, or nil if empty.
func (r *Registry) PopReady() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return nil
	}
	t := r.ready[0]
	r.ready = r.ready[1:]
	return t
}

// ReadyLen reports the current ready-queue length (used by the Pump's
// self-spawn guard).
func (r *Registry) ReadyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready)
}

// HasActiveTransfers reports whether any task is still tracked in either
// index; the ready-queue is not consulted (IsQuiescent also checks it).
// notify_end_of_rebalance_if_needed checks this before clearing
// waiting_for_state.
func (r *Registry) HasActiveTransfers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySource) > 0 || len(r.bySegment) > 0
}

// IsQuiescent reports whether the registry is both active-transfer-free and
// the ready-queue is drained. Grounded on reb.Manager.nodesQuiescent/
// isQuiescent (SPEC_FULL.md "Supplemented Features").
func (r *Registry) IsQuiescent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready) == 0 && len(r.bySource) == 0 && len(r.bySegment) == 0
}

// TaskForSegment looks up the task currently responsible for seg, if any.
func (r *Registry) TaskForSegment(seg topology.SegmentID) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySegment[seg]
	return t, ok
}

// Sources returns every source currently tracked in by_source, along with a
// snapshot of its tasks, for callers needing to iterate (e.g.
// restart_broken_transfers, spec.md 4.9).
func (r *Registry) Sources() map[topology.MemberID][]*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[topology.MemberID][]*Task, len(r.bySource))
	for src, tasks := range r.bySource {
		out[src] = append([]*Task(nil), tasks...)
	}
	return out
}

// Stop clears the ready-queue, cancels every task, and empties both indexes,
// all under the registry lock (spec.md section 5, "Cancellation and
// timeout").
func (r *Registry) Stop() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.ready))
	tasks = append(tasks, r.ready...)
	for _, list := range r.bySource {
		for _, t := range list {
			dup := false
			for _, existing := range tasks {
				if existing == t {
					dup = true
					break
				}
			}
			if !dup {
				tasks = append(tasks, t)
			}
		}
	}
	r.ready = nil
	r.bySource = map[topology.MemberID][]*Task{}
	r.bySegment = map[topology.SegmentID]*Task{}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Terminate()
	}
}
