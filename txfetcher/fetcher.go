// Package txfetcher implements the Transaction Fetcher (spec.md section 2
// module 5, section 4.5): before pulling entries, apply any remote prepared
// transactions that touch the segments we will own.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package txfetcher

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/registry"
	"github.com/aistorekv/rebalancer/topology"
)

// maxConcurrentSourceFetches bounds how many GET_TRANSACTIONS calls are
// in flight at once, the same bound reb/bcast.go's bcast applies via its
// worker-count cap rather than firing one goroutine per target unbounded.
const maxConcurrentSourceFetches = 8

// Fetcher is grounded on the teacher's EC namespace-exchange loop
// (reb/global.go distributeECNamespace/buildECNamespace): gather remote
// state before any bulk data transfer starts, retrying on a fresh source
// when a peer fails to answer.
type Fetcher struct {
	rpc      contracts.RPCManager
	selector *registry.Selector
	txTable  contracts.TransactionTable
	timeout  time.Duration
}

func New(rpc contracts.RPCManager, selector *registry.Selector, txTable contracts.TransactionTable, timeout time.Duration) *Fetcher {
	return &Fetcher{rpc: rpc, selector: selector, txTable: txTable, timeout: timeout}
}

// Fetch runs the find_sources/GET_TRANSACTIONS/apply_transactions loop of
// spec.md 4.5. It returns true iff the loop saw any failure anywhere, in
// which case the caller must perform source selection fresh for the
// subsequent add_transfers step (spec.md 4.5 step 4).
func (f *Fetcher) Fetch(ctx context.Context, readCH *topology.ConsistentHash, topologyID int64, segments []topology.SegmentID, excluded *registry.ExcludedSources) (sawFailure bool) {
	sem := semaphore.NewWeighted(maxConcurrentSourceFetches)
	// applyTransactions touches the shared TransactionTable; serialize it
	// across the fan-out below rather than assume the table is safe for
	// concurrent writers.
	var applyMu sync.Mutex

	remaining := segments
	for len(remaining) > 0 {
		assignment := map[topology.MemberID][]topology.SegmentID{}
		f.selector.FindSources(readCH, remaining, assignment, excluded)
		if len(assignment) == 0 {
			break // no sources left at all; remaining segments are lost, not retried forever
		}

		var failedMu sync.Mutex
		var failed []topology.SegmentID
		g, gctx := errgroup.WithContext(ctx)
		for source, segs := range assignment {
			source, segs := source, segs
			if err := sem.Acquire(ctx, 1); err != nil {
				return true // context cancelled while waiting for a slot
			}
			g.Go(func() error {
				defer sem.Release(1)
				req := contracts.StateRequest{
					Type:       contracts.GetTransactions,
					TopologyID: topologyID,
					Segments:   segs,
				}
				infos, err := f.rpc.InvokeStateRequest(gctx, source, req, contracts.InvokeOptions{
					Timeout:       f.timeout,
					IgnoreLeavers: true,
				})
				if err != nil {
					glog.Warningf("txfetcher: GET_TRANSACTIONS to %s failed: %v", source, err)
					excluded.Add(source)
					failedMu.Lock()
					failed = append(failed, segs...)
					failedMu.Unlock()
					return nil // per-source failure does not abort the fan-out
				}
				applyMu.Lock()
				f.applyTransactions(infos, topologyID)
				applyMu.Unlock()
				return nil
			})
		}
		_ = g.Wait() // errors are reported via failed/excluded, not g.Wait's return
		if len(failed) > 0 {
			sawFailure = true
		}
		remaining = failed
	}
	return sawFailure
}

// applyTransactions marks each prepared transaction remote, installs its
// modifications into a remote-transaction entry, forces one-behind lookup
// semantics, and registers backup locks on the listed keys (spec.md 4.5,
// apply_transactions).
func (f *Fetcher) applyTransactions(infos []contracts.TransactionInfo, topologyID int64) {
	for _, ti := range infos {
		ic, err := f.txTable.GetOrCreateRemoteTransaction(ti.GlobalTxID, ti.Mods)
		if err != nil {
			glog.Errorf("txfetcher: failed to install remote tx %s: %v", ti.GlobalTxID, err)
			continue
		}
		f.txTable.SetLookupTopology(ic, topologyID-1)
		f.txTable.RegisterBackupLocks(ic, ti.LockedKeys)
	}
}
