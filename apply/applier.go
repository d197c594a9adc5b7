package apply

import (
	"context"
	"fmt"
	"sync/atomic"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/golang/glog"

	"github.com/aistorekv/rebalancer/cmn"
	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/registry"
	"github.com/aistorekv/rebalancer/stats"
	"github.com/aistorekv/rebalancer/topology"
)

// Applier is the State Applier (spec.md section 4.7): applies received
// entry chunks into the local data container, honoring the "user write
// wins" rule via the Updated-Keys Set (I3) and rejecting chunks for
// segments this node does not currently own under the write-CH (I5).
type Applier struct {
	self        topology.MemberID
	mode        cmn.Mode
	interceptor contracts.InterceptorChain
	txManager   contracts.TransactionManager // nil outside tx modes
	registry    *registry.Registry
	topology    registry.TopologyProvider

	updatedKeys atomic.Pointer[UpdatedKeys]
	// dedup is a best-effort cuckoo filter flagging likely-redundant
	// (segment,key) fingerprints so they can be logged; it never gates
	// whether an entry is applied (see doApplyState).
	dedup atomic.Pointer[cuckoo.Filter]

	// Stats is optional; when set, successfully applied entries are counted
	// (SPEC_FULL.md ambient-stack wiring).
	Stats *stats.Counters
}

func New(self topology.MemberID, mode cmn.Mode, interceptor contracts.InterceptorChain, txManager contracts.TransactionManager, reg *registry.Registry, tp registry.TopologyProvider) *Applier {
	a := &Applier{
		self:        self,
		mode:        mode,
		interceptor: interceptor,
		txManager:   txManager,
		registry:    reg,
		topology:    tp,
	}
	return a
}

// InstallUpdatedKeys installs a fresh Updated-Keys Set, called by the
// Topology Reactor when a rebalance begins (spec.md 4.1 step 5).
func (a *Applier) InstallUpdatedKeys(set *UpdatedKeys) {
	a.updatedKeys.Store(set)
	a.dedup.Store(cuckoo.NewFilter(1 << 16))
}

// StopApplyingState nulls out the Updated-Keys Set reference
// (spec.md external interface stop_applying_state()). Per spec.md section 9
// ("Open question"), this must only be called once all chunks for the cycle
// have been applied, because IsKeyUpdated returns true (skip) once the
// reference is nil.
func (a *Applier) StopApplyingState() {
	a.updatedKeys.Store(nil)
	a.dedup.Store(nil)
}

// AddUpdatedKey is called by the write path's pre-commit hook for every user
// write observed while a rebalance is in progress (spec.md 4.7 step 5).
func (a *Applier) AddUpdatedKey(key string) {
	if uk := a.updatedKeys.Load(); uk != nil {
		uk.Add(key)
	}
}

// IsKeyUpdated reports whether key was written by user code since the
// current Updated-Keys Set was installed. Per spec.md section 9's Open
// Question, it returns true when no set is installed (state transfer
// inactive) — coupling preserved verbatim: this is only safe because
// StopApplyingState is called only after every chunk of the cycle has
// already been applied.
func (a *Applier) IsKeyUpdated(key string) bool {
	uk := a.updatedKeys.Load()
	if uk == nil {
		return true
	}
	return uk.Contains(key)
}

// ExecuteIfKeyIsNotUpdated runs cb only if key has not been touched by a
// user write during the active rebalance.
func (a *Applier) ExecuteIfKeyIsNotUpdated(key string, cb func()) {
	if !a.IsKeyUpdated(key) {
		cb()
	}
}

func (a *Applier) IsStateTransferInProgressForKey(key string) bool {
	uk := a.updatedKeys.Load()
	return uk != nil && !uk.Contains(key)
}

// ApplyState applies a batch of per-segment chunks from sender
// (spec.md 4.7, apply_state).
func (a *Applier) ApplyState(ctx context.Context, sender topology.MemberID, topologyID int64, chunks []contracts.StateChunk) {
	top := a.topology()
	if top == nil || !top.IsMember(a.self) {
		return // not a member of the current topology: nothing to apply
	}

	for _, chunk := range chunks {
		if !top.WriteCH.IsOwner(a.self, chunk.Segment) { // I5
			glog.Warningf("apply: dropping chunk for segment %d from %s: %v", chunk.Segment, sender, cmn.ErrOwnershipMismatch)
			continue
		}
		task, ok := a.registry.TaskForSegment(chunk.Segment)
		if !ok {
			glog.Warningf("apply: dropping unsolicited chunk for segment %d from %s: %v", chunk.Segment, sender, cmn.ErrUnsolicitedChunk)
			continue
		}
		if chunk.Entries != nil {
			a.doApplyState(ctx, sender, chunk.Segment, chunk.Entries)
		}
		task.OnStateReceived(chunk.Segment, chunk.IsLast)
	}
}

func (a *Applier) doApplyState(ctx context.Context, sender topology.MemberID, segment topology.SegmentID, entries []contracts.Entry) {
	for _, e := range entries {
		if a.IsKeyUpdated(e.Key) { // I3: user writes win
			continue
		}
		// The dedup filter is a non-authoritative hint only: a cuckoo filter
		// can false-positive on a fingerprint collision or once its capacity
		// is exceeded, and spec.md 4.7 recognizes no skip condition besides
		// I3/I5, so a positive here only logs — applying the same key/value
		// twice is idempotent and therefore always safe to do.
		if d := a.dedup.Load(); d != nil {
			fp := []byte(fmt.Sprintf("%d:%s", segment, e.Key))
			if !d.InsertUnique(fp) {
				glog.V(4).Infof("apply: redundant chunk for key %q (segment %d, from %s); re-applying anyway", e.Key, segment, sender)
			}
		}

		ic, err := a.beginContext(ctx)
		if err != nil {
			glog.Errorf("apply: failed to begin invocation context for %q: %v", e.Key, err)
			continue
		}

		cmd := contracts.WriteCommand{
			Key:                 e.Key,
			Value:               e.Value,
			PutForStateTransfer: true,
			CacheModeLocal:      true,
			IgnoreReturnValue:   true,
			SkipRemoteLookup:    true,
			SkipSharedStore:     true,
			SkipOwnershipCheck:  true,
			SkipXSiteBackup:     true,
		}
		invokeErr := a.interceptor.Invoke(ctx, ic, cmd)
		a.finishContext(ctx, ic, invokeErr)

		if invokeErr != nil {
			// ApplicationFailure: logged per-key, other entries continue
			// (spec.md section 7).
			glog.Warningf("apply: failed to apply key %q (segment %d, from %s): %v", e.Key, segment, sender, invokeErr)
			continue
		}
		if a.Stats != nil {
			a.Stats.EntriesApplied.Inc()
			a.Stats.BytesApplied.Add(float64(len(e.Value)))
		}
	}
}

func (a *Applier) beginContext(ctx context.Context) (*contracts.InvocationContext, error) {
	if a.mode.IsTransactional() {
		return a.txManager.Begin(ctx)
	}
	return &contracts.InvocationContext{Transactional: false}, nil
}

func (a *Applier) finishContext(ctx context.Context, ic *contracts.InvocationContext, invokeErr error) {
	if !a.mode.IsTransactional() {
		return
	}
	if invokeErr == nil {
		if err := a.txManager.Commit(ctx, ic); err != nil {
			glog.Errorf("apply: commit failed for tx %s: %v", ic.TxID, err)
		}
		return
	}
	if _, stillLive := a.txManager.GetTransaction(ic.TxID); stillLive {
		if err := a.txManager.Rollback(ctx, ic); err != nil {
			glog.Errorf("apply: rollback failed for tx %s: %v", ic.TxID, err)
		}
	}
}
