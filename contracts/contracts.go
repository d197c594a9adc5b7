// Package contracts defines the external collaborator interfaces the state
// consumer depends on (spec.md section 6, "External Interfaces — Consumed
// from collaborators"). All of these are out of scope per spec.md section 1;
// only the contracts the core needs are specified here.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package contracts

import (
	"context"
	"time"

	"github.com/aistorekv/rebalancer/topology"
)

// CommandType enumerates the state-request RPC kinds built by CommandsFactory.
type CommandType int

const (
	GetTransactions CommandType = iota
	GetCacheListeners
	StartStateTransfer
	CancelStateTransfer
)

// StateRequest is the RPC payload built by CommandsFactory.StateRequest.
type StateRequest struct {
	Type       CommandType
	Origin     topology.MemberID
	TopologyID int64
	Segments   []topology.SegmentID
}

// Entry is a single key/value pair carried in a StateChunk.
type Entry struct {
	Key      string
	Value    []byte
	Metadata map[string]string
}

// StateChunk is a batch of entries for one segment from one source
// (spec.md section 3, "StateChunk").
type StateChunk struct {
	Segment topology.SegmentID
	Entries []Entry // nil means "no entries, only a completion signal"
	IsLast  bool
}

// TransactionInfo is a remote prepared transaction to replay (spec.md
// section 3, "TransactionInfo").
type TransactionInfo struct {
	GlobalTxID  string
	Segment     topology.SegmentID
	Mods        []Entry
	LockedKeys  []string
}

// InvokeOptions mirrors RPCManager.invoke's SYNCHRONOUS_IGNORE_LEAVERS
// semantics plus the configured timeout (spec.md section 6).
type InvokeOptions struct {
	Timeout        time.Duration
	IgnoreLeavers  bool
}

// RPCManager is the synchronous cluster RPC contract.
type RPCManager interface {
	// InvokeStateRequest sends req to target and returns either the list of
	// TransactionInfo it answered with (GET_TRANSACTIONS) or an error.
	InvokeStateRequest(ctx context.Context, target topology.MemberID, req StateRequest, opts InvokeOptions) ([]TransactionInfo, error)
	// StartStreaming asks target to begin streaming the requested segments;
	// returns true iff target acknowledged and started (Inbound Transfer
	// Task's request_segments()).
	StartStreaming(ctx context.Context, target topology.MemberID, req StateRequest, opts InvokeOptions) (bool, error)
	// CancelStreaming asks target to stop streaming the given segments.
	CancelStreaming(ctx context.Context, target topology.MemberID, req StateRequest, opts InvokeOptions) error
	// GetCacheListeners is the best-effort cluster-listener retrieval used
	// when there is no previous write-CH (spec.md 4.1 step 7a).
	GetCacheListeners(ctx context.Context, target topology.MemberID) error
}

// WriteCommand is one of the local write commands built by CommandsFactory:
// put-for-state-transfer, invalidate, invalidate-L1 (spec.md section 6).
type WriteCommand struct {
	Key                  string
	Keys                 []string // batch form, used by invalidate/invalidate-L1
	Value                []byte
	PutForStateTransfer  bool
	CacheModeLocal       bool
	IgnoreReturnValue    bool
	SkipRemoteLookup     bool
	SkipSharedStore      bool
	SkipOwnershipCheck   bool
	SkipXSiteBackup      bool
	SkipLocking          bool
	Invalidate           bool
	InvalidateL1         bool
}

// InvocationContext wraps either a non-tx single-key context or a
// transactional context (module 6, do_apply_state step 1).
type InvocationContext struct {
	TxID         string // empty outside a transaction
	Transactional bool
}

// InterceptorChain is the local command-invocation contract.
type InterceptorChain interface {
	Invoke(ctx context.Context, ic *InvocationContext, cmd WriteCommand) error
}

// TransactionManager wraps begin/commit/rollback for transactional entry
// application (spec.md section 6).
type TransactionManager interface {
	Begin(ctx context.Context) (*InvocationContext, error)
	Commit(ctx context.Context, ic *InvocationContext) error
	Rollback(ctx context.Context, ic *InvocationContext) error
	GetTransaction(txID string) (*InvocationContext, bool)
}

// TransactionTable tracks remote transactions replayed during rebalance.
type TransactionTable interface {
	GetOrCreateRemoteTransaction(globalTxID string, mods []Entry) (*InvocationContext, error)
	// SetLookupTopology forces one-behind replay semantics (spec.md 4.5,
	// apply_transactions: lookup-topology = topology_id - 1).
	SetLookupTopology(ic *InvocationContext, topologyID int64)
	// RegisterBackupLocks installs backup locks on the listed keys.
	RegisterBackupLocks(ic *InvocationContext, lockedKeys []string)
	CleanupStaleTransactions(top *topology.Topology)
}

// PersistenceManager enumerates stored keys for the Segment Invalidator
// (spec.md section 6, process_on_all_stores).
type PersistenceManager interface {
	// ProcessOnAllStores invokes fn for every persisted key; fn returns
	// false to stop early. fetchValue/fetchMetadata mirror whether fn needs
	// those loaded (a cost-saving hint for the underlying store).
	ProcessOnAllStores(ctx context.Context, fetchValue, fetchMetadata bool, fn func(key string) (cont bool, err error)) error
}

// TotalOrderManager coordinates the total-order transaction protocol's
// quiesce-before-rebalance handshake (spec.md section 4.1 step 2).
type TotalOrderManager interface {
	NotifyStateTransferStart(topologyID int64) ([]Latch, error)
	NotifyStateTransferEnd()
}

// Latch is a single drain-wait handle returned by TotalOrderManager.
type Latch interface {
	Await(ctx context.Context) error
}

// L1Manager registers near-cache invalidation requestors.
type L1Manager interface {
	AddRequestor(key string, node topology.MemberID)
}

// Notifier emits rehash/topology lifecycle events to cache listeners.
type Notifier interface {
	NotifyDataRehashed(preCH, postCH *topology.ConsistentHash, topologyID int64, isPre bool)
	NotifyTopologyInstalled(topologyID int64)
	NotifyRebalanceComplete(topologyID int64)
}

// DataContainer is the local in-memory data container the applier writes
// into and the invalidator scans; modeled minimally since its own encoding
// is out of scope (spec.md section 1 Non-goals).
type DataContainer interface {
	Keys() ([]string, error)
}
