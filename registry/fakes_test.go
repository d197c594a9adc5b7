package registry

import (
	"context"

	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/topology"
)

// fakeRPC is a minimal in-memory stand-in for contracts.RPCManager used by
// the registry/task/pump/selector tests.
type fakeRPC struct {
	startOK   bool
	startErr  error
	cancelErr error
	started   []contracts.StateRequest
	cancelled []contracts.StateRequest
}

func (f *fakeRPC) InvokeStateRequest(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) ([]contracts.TransactionInfo, error) {
	return nil, nil
}

func (f *fakeRPC) StartStreaming(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) (bool, error) {
	f.started = append(f.started, req)
	if f.startErr != nil {
		return false, f.startErr
	}
	return f.startOK, nil
}

func (f *fakeRPC) CancelStreaming(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) error {
	f.cancelled = append(f.cancelled, req)
	return f.cancelErr
}

func (f *fakeRPC) GetCacheListeners(ctx context.Context, target topology.MemberID) error {
	return nil
}

var _ contracts.RPCManager = (*fakeRPC)(nil)
