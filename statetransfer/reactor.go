/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package statetransfer

import (
	"context"

	"github.com/golang/glog"

	"github.com/aistorekv/rebalancer/apply"
	"github.com/aistorekv/rebalancer/cmn"
	"github.com/aistorekv/rebalancer/topology"
)

// OnTopologyUpdate reconciles a new topology (spec.md 4.1, on_topology_update).
// isRebalance is taken as given from the caller (a rebalance cycle is
// starting or continuing); it is not derived from newTop. Whether newTop
// still carries a pending write-CH (newTop.IsRebalancing) is checked
// separately, only for the end-of-rebalance transition.
func (c *Consumer) OnTopologyUpdate(ctx context.Context, newTop *topology.Topology, isRebalance bool) error {
	prevTop := c.GetTopology()
	if prevTop != nil && newTop.ID <= prevTop.ID {
		return cmn.ErrStaleTopology // I4: topology monotonicity
	}

	if len(newTop.Members) == 1 && newTop.IsMember(c.self) {
		c.ownsData.Store(true)
	}

	var prevReadCH, prevWriteCH *topology.ConsistentHash
	if prevTop != nil {
		prevReadCH, prevWriteCH = prevTop.ReadCH, prevTop.WriteCH
	}

	if isRebalance {
		c.rebalanceInProgress.Store(true)
		if c.statsCtr != nil {
			c.statsCtr.RebalancesActive.Set(1)
		}
		if c.notifier != nil {
			c.notifier.NotifyDataRehashed(prevReadCH, newTop.WriteCH, newTop.ID, true)
		}
		if c.config.Mode.IsTotalOrder() && c.totalOrder != nil {
			if err := c.quiesceTotalOrder(ctx, newTop.ID); err != nil {
				return err
			}
		}
	}
	c.waitingForState.Store(false)

	var updatedKeys *apply.UpdatedKeys
	if isRebalance {
		updatedKeys = apply.NewUpdatedKeys()
	}
	c.topoMu.Lock()
	c.current = newTop
	c.topoMu.Unlock()
	if updatedKeys != nil {
		c.applier.InstallUpdatedKeys(updatedKeys)
	}

	if c.notifier != nil {
		c.notifier.NotifyTopologyInstalled(newTop.ID)
	}

	if c.fetchEnabled || c.config.Mode.IsTransactional() {
		var added, removed []topology.SegmentID
		if prevWriteCH == nil {
			added = newTop.SegmentsOf(c.self)
			c.bestEffortListenerDiscovery(ctx, newTop)
		} else {
			added, removed = topology.SegmentDelta(prevWriteCH, newTop.WriteCH, c.self)
			if len(removed) > 0 {
				c.registry.CancelTransfers(ctx, removed)
			}
			if newTop.IsMember(c.self) {
				l1Segments := removed
				if !c.config.L1OnRehash {
					l1Segments = nil
				}
				c.invalidator.InvalidateSegments(ctx, newTop.SegmentsOf(c.self), l1Segments, newTop.WriteCH, prevWriteCH)
			}
		}

		added = c.restartBrokenTransfers(newTop, added)
		if len(added) > 0 {
			c.addTransfers(ctx, newTop, added)
		}
	}

	if c.rebalanceInProgress.Load() && !isRebalance && !newTop.IsRebalancing() {
		if c.rebalanceInProgress.CAS(true, false) {
			if c.statsCtr != nil {
				c.statsCtr.RebalancesActive.Set(0)
			}
			if c.notifier != nil {
				c.notifier.NotifyDataRehashed(prevReadCH, newTop.ReadCH, newTop.ID, false)
			}
			if c.config.Mode.IsTotalOrder() && c.totalOrder != nil {
				c.totalOrder.NotifyStateTransferEnd()
			}
		}
	}

	if c.rebalanceInProgress.Load() {
		c.waitingForState.Store(true)
	}
	c.notifyEndOfRebalanceIfNeeded(newTop.ID)

	if c.txTable != nil {
		c.txTable.CleanupStaleTransactions(newTop)
	}
	return nil
}

// quiesceTotalOrder blocks until every in-flight total-order transaction
// against the previous topology has drained (spec.md 4.1 step 2). Context
// cancellation is surfaced as cmn.ErrInterrupted rather than silently eaten,
// per spec.md section 7 ("interruption converts to failure").
func (c *Consumer) quiesceTotalOrder(ctx context.Context, topologyID int64) error {
	latches, err := c.totalOrder.NotifyStateTransferStart(topologyID)
	if err != nil {
		return cmn.Wrapf(err, "total-order notify-start failed")
	}
	for _, latch := range latches {
		if err := latch.Await(ctx); err != nil {
			return cmn.ErrInterrupted
		}
	}
	return nil
}

// bestEffortListenerDiscovery runs GetCacheListeners against every other
// member when there was no previous write-CH (spec.md 4.1 step 7a, "bootstrap
// join" — there is nothing to diff against, so listener discovery happens
// best-effort and any failure is logged, not propagated).
func (c *Consumer) bestEffortListenerDiscovery(ctx context.Context, top *topology.Topology) {
	for _, m := range top.Members {
		if m == c.self {
			continue
		}
		if err := c.rpc.GetCacheListeners(ctx, m); err != nil {
			glog.Warningf("statetransfer: GetCacheListeners(%s) failed: %v", m, err)
		}
	}
}

// restartBrokenTransfers terminates every task whose source has left the
// cluster under newTop, folds their remaining segments into added, and drops
// from added anything already re-claimed by a live task (spec.md 4.9,
// restart_broken_transfers).
func (c *Consumer) restartBrokenTransfers(newTop *topology.Topology, added []topology.SegmentID) []topology.SegmentID {
	for source, tasks := range c.registry.Sources() {
		if newTop.IsMember(source) {
			continue
		}
		for _, task := range tasks {
			remaining := task.RemainingSegments()
			c.registry.RemoveTransfer(task)
			task.Terminate()
			added = append(added, remaining...)
		}
	}

	filtered := added[:0]
	for _, seg := range added {
		if _, claimed := c.registry.TaskForSegment(seg); !claimed {
			filtered = append(filtered, seg)
		}
	}
	return filtered
}

// addTransfers runs the Transaction Fetcher (if applicable) and then assigns
// sources and registers tasks for segments not already in flight (spec.md
// 4.1 step 7c / 4.2 / 4.5).
func (c *Consumer) addTransfers(ctx context.Context, top *topology.Topology, segments []topology.SegmentID) {
	if c.config.Mode.IsTransactional() && !c.config.Mode.IsTotalOrder() {
		c.fetcher.Fetch(ctx, top.ReadCH, top.ID, segments, c.excluded)
	}
	if !c.fetchEnabled {
		return
	}

	var need []topology.SegmentID
	for _, seg := range segments {
		if _, claimed := c.registry.TaskForSegment(seg); !claimed {
			need = append(need, seg)
		}
	}
	if len(need) == 0 {
		return
	}

	assignment := map[topology.MemberID][]topology.SegmentID{}
	c.selector.FindSources(top.ReadCH, need, assignment, c.excluded)
	for source, segs := range assignment {
		c.registry.AddTransfer(source, top.ID, segs)
	}
	c.pump.Wake()
}
