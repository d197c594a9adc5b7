// Package statetransfer implements the Topology Reactor (spec.md section 2
// module 9, section 4.1): the orchestration entry point that reconciles
// topology updates, drives the other modules in order, and toggles the
// rebalance-in-progress / waiting-for-state flags.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package statetransfer

import (
	"context"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/aistorekv/rebalancer/apply"
	"github.com/aistorekv/rebalancer/cmn"
	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/invalidate"
	"github.com/aistorekv/rebalancer/registry"
	"github.com/aistorekv/rebalancer/stats"
	"github.com/aistorekv/rebalancer/topology"
	"github.com/aistorekv/rebalancer/txfetcher"
)

// Deps bundles every external collaborator the Consumer needs
// (spec.md section 6, "Consumed from collaborators"). Fields left nil are
// valid for configurations that don't need them (e.g. TotalOrder is nil
// outside cmn.ModeTxTotalOrder).
type Deps struct {
	Self         topology.MemberID
	Config       *cmn.Config
	RPC          contracts.RPCManager
	Interceptor  contracts.InterceptorChain
	TxManager    contracts.TransactionManager
	TxTable      contracts.TransactionTable
	TotalOrder   contracts.TotalOrderManager
	Notifier     contracts.Notifier
	Persistence  contracts.PersistenceManager
	Container    contracts.DataContainer
	L1           contracts.L1Manager
	StatsCounter *stats.Counters
}

// Consumer is the per-cache instance with an explicit lifecycle (Start/Stop),
// per spec.md section 9 ("Global state"). It wires together modules 2-8, 10.
type Consumer struct {
	self   topology.MemberID
	config *cmn.Config

	rpc         contracts.RPCManager
	notifier    contracts.Notifier
	totalOrder  contracts.TotalOrderManager
	txTable     contracts.TransactionTable
	statsCtr    *stats.Counters

	registry    *registry.Registry
	selector    *registry.Selector
	excluded    *registry.ExcludedSources
	pump        *registry.Pump
	fetcher     *txfetcher.Fetcher
	applier     *apply.Applier
	invalidator *invalidate.Invalidator

	// topology lock: a readers-writer lock, acquired exclusively only in the
	// narrow window that swaps current and installs the new Updated-Keys Set
	// (spec.md section 5).
	topoMu  sync.RWMutex
	current *topology.Topology

	rebalanceInProgress uatomic.Bool
	waitingForState     uatomic.Bool
	ownsData            uatomic.Bool

	// start-hook scans configuration once to set fetch_enabled (spec.md
	// section 9, "Global state").
	fetchEnabled bool
}

func New(d Deps) *Consumer {
	reg := registry.New(d.RPC, d.Config.StateTransferTimeout)
	sel := registry.NewSelector(d.Self)
	excluded := registry.NewExcludedSources()

	c := &Consumer{
		self:       d.Self,
		config:     d.Config,
		rpc:        d.RPC,
		notifier:   d.Notifier,
		totalOrder: d.TotalOrder,
		txTable:    d.TxTable,
		statsCtr:   d.StatsCounter,

		registry: reg,
		selector: sel,
		excluded: excluded,
		fetcher:  txfetcher.New(d.RPC, sel, d.TxTable, d.Config.StateTransferTimeout),

		fetchEnabled: d.Config.FetchEnabled(),
	}
	c.applier = apply.New(d.Self, d.Config.Mode, d.Interceptor, d.TxManager, reg, c.GetTopology)
	c.applier.Stats = d.StatsCounter
	c.invalidator = invalidate.New(d.Self, d.Container, d.Persistence, d.Interceptor, d.L1, d.Config.L1OnRehash)
	c.pump = registry.NewPump(reg, sel, excluded, d.Self, c.GetTopology)
	c.pump.Stats = d.StatsCounter
	c.pump.OnCompletion = c.onTaskCompletion
	return c
}

// GetTopology returns the current topology snapshot (spec.md external
// interface get_cache_topology()). Readers take the shared side of the
// topology lock.
func (c *Consumer) GetTopology() *topology.Topology {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	return c.current
}

func (c *Consumer) OwnsData() bool                   { return c.ownsData.Load() }
func (c *Consumer) IsStateTransferInProgress() bool   { return c.rebalanceInProgress.Load() }
func (c *Consumer) HasActiveTransfers() bool          { return c.registry.HasActiveTransfers() }
func (c *Consumer) IsStateTransferInProgressForKey(key string) bool {
	return c.IsStateTransferInProgress() && c.applier.IsStateTransferInProgressForKey(key)
}
func (c *Consumer) AddUpdatedKey(key string)                        { c.applier.AddUpdatedKey(key) }
func (c *Consumer) IsKeyUpdated(key string) bool                    { return c.applier.IsKeyUpdated(key) }
func (c *Consumer) ExecuteIfKeyIsNotUpdated(key string, cb func())  { c.applier.ExecuteIfKeyIsNotUpdated(key, cb) }
func (c *Consumer) StopApplyingState()                              { c.applier.StopApplyingState() }

// ApplyState delegates to the State Applier (spec.md external interface
// apply_state(sender, topology_id, chunks)).
func (c *Consumer) ApplyState(ctx context.Context, sender topology.MemberID, topologyID int64, chunks []contracts.StateChunk) {
	c.applier.ApplyState(ctx, sender, topologyID, chunks)
}

// Stop tears down the registry (cancelling every in-flight task) and marks
// the rebalance no longer in progress (spec.md external interface stop()).
func (c *Consumer) Stop() {
	c.registry.Stop()
	c.rebalanceInProgress.Store(false)
	if c.statsCtr != nil {
		c.statsCtr.RebalancesActive.Set(0)
	}
	c.waitingForState.Store(false)
	c.applier.StopApplyingState()
}

// Status is the JSON-serializable health/diagnostic snapshot grounded on
// reb.Manager.GetGlobStatus (SPEC_FULL.md "Supplemented Features").
type Status struct {
	TopologyID          int64 `json:"topology_id"`
	RebalanceInProgress bool  `json:"rebalance_in_progress"`
	WaitingForState     bool  `json:"waiting_for_state"`
	ActiveTransfers     bool  `json:"active_transfers"`
	Quiescent           bool  `json:"quiescent"`
}

func (c *Consumer) Status() Status {
	top := c.GetTopology()
	var id int64
	if top != nil {
		id = top.ID
	}
	return Status{
		TopologyID:          id,
		RebalanceInProgress: c.rebalanceInProgress.Load(),
		WaitingForState:     c.waitingForState.Load(),
		ActiveTransfers:     c.registry.HasActiveTransfers(),
		Quiescent:           c.registry.IsQuiescent(),
	}
}

func (c *Consumer) onTaskCompletion(task *registry.Task) {
	c.registry.RemoveTransfer(task)
	if c.statsCtr != nil {
		c.statsCtr.SegmentsFetched.Add(float64(len(task.Segments)))
	}
	c.notifyEndOfRebalanceIfNeeded(task.TopologyID)
}

// notifyEndOfRebalanceIfNeeded: if waiting_for_state && !has_active_transfers(),
// CAS waiting_for_state true->false; on success, stop applying state and
// emit rebalance_complete(id) (spec.md 4.1).
func (c *Consumer) notifyEndOfRebalanceIfNeeded(topologyID int64) {
	if !c.waitingForState.Load() || c.registry.HasActiveTransfers() {
		return
	}
	if c.waitingForState.CAS(true, false) {
		c.applier.StopApplyingState()
		if c.notifier != nil {
			c.notifier.NotifyRebalanceComplete(topologyID)
		}
	}
}
