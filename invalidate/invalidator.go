// Package invalidate implements the Segment Invalidator (spec.md section 2
// module 8, section 4.8): on topology change, removes or demotes-to-L1 the
// entries this node no longer owns.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package invalidate

import (
	"context"

	"github.com/golang/glog"

	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/topology"
)

// Invalidator is grounded on mirror/dpromote.go's demote-to-copy pattern
// (a local entry is either kept, demoted, or dropped depending on ownership)
// generalized to segment ownership instead of per-object copy counts.
type Invalidator struct {
	self        topology.MemberID
	container   contracts.DataContainer
	persistence contracts.PersistenceManager // optional
	interceptor contracts.InterceptorChain
	l1          contracts.L1Manager // optional, required only if l1OnRehash
	l1OnRehash  bool
}

func New(self topology.MemberID, container contracts.DataContainer, persistence contracts.PersistenceManager, interceptor contracts.InterceptorChain, l1 contracts.L1Manager, l1OnRehash bool) *Invalidator {
	return &Invalidator{
		self:        self,
		container:   container,
		persistence: persistence,
		interceptor: interceptor,
		l1:          l1,
		l1OnRehash:  l1OnRehash,
	}
}

// InvalidateSegments partitions every key currently held (in-memory and
// persisted) into to_L1/to_remove and issues the two batched invalidation
// commands (spec.md 4.8).
func (inv *Invalidator) InvalidateSegments(ctx context.Context, newSegments, segmentsToL1 []topology.SegmentID, newCH, prevCH *topology.ConsistentHash) {
	newSet := segSet(newSegments)
	l1Set := segSet(segmentsToL1)

	var toL1, toRemove []string
	collect := func(key string) {
		seg := topology.SegmentOf(key, newCH.SegmentCount())
		switch {
		case l1Set[seg]:
			toL1 = append(toL1, key)
		case !newSet[seg]:
			toRemove = append(toRemove, key)
		default:
			if inv.l1OnRehash && prevCH != nil && inv.l1 != nil {
				for _, prevOwner := range prevCH.Owners(seg) {
					if prevOwner != inv.self && !newCH.IsOwner(prevOwner, seg) {
						inv.l1.AddRequestor(key, prevOwner)
					}
				}
			}
		}
	}

	if keys, err := inv.container.Keys(); err != nil {
		glog.Errorf("invalidate: failed to enumerate in-memory keys: %v", err)
	} else {
		for _, k := range keys {
			collect(k)
		}
	}

	if inv.persistence != nil {
		err := inv.persistence.ProcessOnAllStores(ctx, false, false, func(key string) (bool, error) {
			collect(key)
			return true, nil
		})
		if err != nil {
			// Failure to read the persistence store is logged, not fatal;
			// in-memory invalidation still proceeds (spec.md 4.8).
			glog.Errorf("invalidate: failed to read persistence store: %v", err)
		}
	}

	if len(toL1) > 0 {
		cmd := contracts.WriteCommand{Keys: toL1, InvalidateL1: true, CacheModeLocal: true, SkipLocking: true}
		if err := inv.interceptor.Invoke(ctx, &contracts.InvocationContext{}, cmd); err != nil {
			glog.Errorf("invalidate: INVALIDATE_L1 failed for %d keys: %v", len(toL1), err)
		}
	}
	if len(toRemove) > 0 {
		cmd := contracts.WriteCommand{Keys: toRemove, Invalidate: true, CacheModeLocal: true, SkipLocking: true}
		if err := inv.interceptor.Invoke(ctx, &contracts.InvocationContext{}, cmd); err != nil {
			glog.Errorf("invalidate: INVALIDATE failed for %d keys: %v", len(toRemove), err)
		}
	}
}

func segSet(segs []topology.SegmentID) map[topology.SegmentID]bool {
	m := make(map[topology.SegmentID]bool, len(segs))
	for _, s := range segs {
		m[s] = true
	}
	return m
}
