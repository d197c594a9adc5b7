package registry

import (
	"context"

	"github.com/golang/glog"
	uatomic "go.uber.org/atomic"

	"github.com/aistorekv/rebalancer/stats"
	"github.com/aistorekv/rebalancer/topology"
)

// TopologyProvider returns the current topology snapshot; the Pump needs it
// to recompute failed-segment ownership when retrying a task (spec.md 4.10,
// retry_transfer_task).
type TopologyProvider func() *topology.Topology

// Pump is the single worker described in spec.md section 2 module 10 and
// section 4.10: it drains the ready-queue, runs each task to completion, and
// retries failed ones. Design Notes §9 ("Coroutine-style control flow")
// models it as a supervised worker rather than a literal CAS self-spawn, but
// the guard is kept as a boolean-atomic to stay faithful to the teacher's
// `transfer_thread_running` idiom.
type Pump struct {
	registry *Registry
	selector *Selector
	excluded *ExcludedSources
	topology TopologyProvider
	self     topology.MemberID

	running uatomic.Bool
	wake    chan struct{}

	OnCompletion func(task *Task) // on_task_completion hook: notify_end_of_rebalance_if_needed

	// Stats is optional; when set, task failures and retries are counted
	// (SPEC_FULL.md ambient-stack wiring).
	Stats *stats.Counters
}

func NewPump(reg *Registry, sel *Selector, excluded *ExcludedSources, self topology.MemberID, tp TopologyProvider) *Pump {
	return &Pump{
		registry: reg,
		selector: sel,
		excluded: excluded,
		topology: tp,
		self:     self,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the pump to (re)check the ready-queue; called after
// add_transfer pushes new work.
func (p *Pump) Wake() {
	if p.running.CAS(false, true) {
		go p.run(context.Background())
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pump) run(ctx context.Context) {
	for {
		task := p.registry.PopReady()
		if task == nil {
			p.running.Store(false)
			// another Wake may have raced us right after PopReady returned nil;
			// if the queue is non-empty, try to re-claim the running flag.
			if p.registry.ReadyLen() > 0 && p.running.CAS(false, true) {
				continue
			}
			return
		}
		p.runOne(ctx, task)
	}
}

func (p *Pump) runOne(ctx context.Context, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("pump: task[%s/%s] panicked: %v", task.Source, task.ID, r)
		}
	}()

	ok := task.RequestSegments(ctx, p.registry.timeout)
	if ok {
		ok = task.AwaitCompletion(ctx, p.registry.timeout)
	}
	if !ok {
		if ctx.Err() != nil {
			return // interrupted: do not retry, let caller observe cancellation
		}
		p.retryTransferTask(ctx, task)
		return
	}
	if p.OnCompletion != nil {
		p.OnCompletion(task)
	} else {
		p.registry.RemoveTransfer(task)
	}
}

// retryTransferTask removes task, excludes its source, and re-requests its
// still-relevant segments from a fresh source (spec.md 4.10,
// retry_transfer_task).
func (p *Pump) retryTransferTask(ctx context.Context, task *Task) {
	removed := p.registry.RemoveTransfer(task)
	if !removed {
		return
	}
	if p.Stats != nil {
		p.Stats.TransfersFailed.Inc()
	}
	p.excluded.Add(task.Source)

	top := p.topology()
	if top == nil {
		return
	}
	var failed []topology.SegmentID
	for seg := range task.Segments {
		ownedWrite := top.WriteCH.IsOwner(p.self, seg)
		ownedRead := top.ReadCH.IsOwner(p.self, seg)
		if ownedWrite && !ownedRead {
			failed = append(failed, seg)
		}
	}
	if len(failed) == 0 {
		return
	}
	assignment := map[topology.MemberID][]topology.SegmentID{}
	p.selector.FindSources(top.ReadCH, failed, assignment, p.excluded)
	for src, segs := range assignment {
		if t := p.registry.AddTransfer(src, top.ID, segs); t != nil {
			if p.Stats != nil {
				p.Stats.TransfersRetried.Inc()
			}
			p.Wake()
		}
	}
}
