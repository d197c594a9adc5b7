// Package apply implements the State Applier and the Updated-Keys Set
// (spec.md section 2 modules 6-7, section 4.7, invariant I3).
/*
 * Copyright (c) 2019, NVIDIA CORPORATION. All rights reserved.
 */
package apply

import "sync"

// UpdatedKeys is the concurrent set of keys written by user code during an
// active rebalance (spec.md section 3, "UpdatedKeysSet"). It is created when
// a rebalance begins and the reference held by the Applier is nulled out
// when state application stops (see Applier.StopApplyingState) — the
// "replaced-then-nulled" idiom from spec.md section 9, preserved verbatim.
type UpdatedKeys struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewUpdatedKeys() *UpdatedKeys {
	return &UpdatedKeys{set: map[string]struct{}{}}
}

func (u *UpdatedKeys) Add(key string) {
	u.mu.Lock()
	u.set[key] = struct{}{}
	u.mu.Unlock()
}

func (u *UpdatedKeys) Contains(key string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.set[key]
	return ok
}

func (u *UpdatedKeys) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.set)
}
