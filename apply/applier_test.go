package apply

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aistorekv/rebalancer/cmn"
	"github.com/aistorekv/rebalancer/contracts"
	"github.com/aistorekv/rebalancer/registry"
	"github.com/aistorekv/rebalancer/stats"
	"github.com/aistorekv/rebalancer/topology"
)

type fakeInterceptor struct {
	applied map[string][]byte
	fail    map[string]bool
}

func newFakeInterceptor() *fakeInterceptor {
	return &fakeInterceptor{applied: map[string][]byte{}, fail: map[string]bool{}}
}

func (f *fakeInterceptor) Invoke(ctx context.Context, ic *contracts.InvocationContext, cmd contracts.WriteCommand) error {
	if f.fail[cmd.Key] {
		return context.DeadlineExceeded
	}
	f.applied[cmd.Key] = cmd.Value
	return nil
}

type fakeRPC struct{}

func (fakeRPC) InvokeStateRequest(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) ([]contracts.TransactionInfo, error) {
	return nil, nil
}
func (fakeRPC) StartStreaming(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) (bool, error) {
	return true, nil
}
func (fakeRPC) CancelStreaming(ctx context.Context, target topology.MemberID, req contracts.StateRequest, opts contracts.InvokeOptions) error {
	return nil
}
func (fakeRPC) GetCacheListeners(ctx context.Context, target topology.MemberID) error { return nil }

func setup(t *testing.T) (*Applier, *registry.Registry, *fakeInterceptor, *topology.Topology) {
	t.Helper()
	ch := topology.NewConsistentHash([][]topology.MemberID{{"self"}, {"self"}, {"self"}, {"self"}})
	top := &topology.Topology{ID: 1, Members: []topology.MemberID{"self"}, ReadCH: ch, WriteCH: ch}
	reg := registry.New(fakeRPC{}, time.Second)
	interceptor := newFakeInterceptor()
	applier := New("self", cmn.ModeNonTx, interceptor, nil, reg, func() *topology.Topology { return top })
	applier.InstallUpdatedKeys(NewUpdatedKeys())
	return applier, reg, interceptor, top
}

func TestApplyStateUserWriteWins(t *testing.T) {
	applier, reg, interceptor, _ := setup(t)
	reg.AddTransfer("B", 1, []topology.SegmentID{3})

	applier.AddUpdatedKey("x") // user write happened before the chunk arrives
	applier.ApplyState(context.Background(), "B", 1, []contracts.StateChunk{
		{Segment: 3, Entries: []contracts.Entry{{Key: "x", Value: []byte("transferred")}}, IsLast: true},
	})

	if _, applied := interceptor.applied["x"]; applied {
		t.Fatalf("I3 violated: transferred value should not overwrite user write")
	}
}

func TestApplyStateAppliesNonUpdatedKey(t *testing.T) {
	applier, reg, interceptor, _ := setup(t)
	reg.AddTransfer("B", 1, []topology.SegmentID{2})

	applier.ApplyState(context.Background(), "B", 1, []contracts.StateChunk{
		{Segment: 2, Entries: []contracts.Entry{{Key: "y", Value: []byte("v")}}, IsLast: true},
	})

	if string(interceptor.applied["y"]) != "v" {
		t.Fatalf("expected key y to be applied, got %v", interceptor.applied)
	}
}

func TestApplyStateRejectsOwnershipMismatch(t *testing.T) {
	ch := topology.NewConsistentHash([][]topology.MemberID{{"other"}})
	top := &topology.Topology{ID: 1, Members: []topology.MemberID{"self", "other"}, ReadCH: ch, WriteCH: ch}
	reg := registry.New(fakeRPC{}, time.Second)
	interceptor := newFakeInterceptor()
	applier := New("self", cmn.ModeNonTx, interceptor, nil, reg, func() *topology.Topology { return top })
	applier.InstallUpdatedKeys(NewUpdatedKeys())

	applier.ApplyState(context.Background(), "other", 1, []contracts.StateChunk{
		{Segment: 0, Entries: []contracts.Entry{{Key: "z", Value: []byte("v")}}, IsLast: true},
	})
	if _, applied := interceptor.applied["z"]; applied {
		t.Fatalf("I5 violated: chunk for unowned segment must be dropped")
	}
}

func TestApplyStateDropsUnsolicitedChunk(t *testing.T) {
	applier, _, interceptor, _ := setup(t)
	// no task registered for segment 1
	applier.ApplyState(context.Background(), "B", 1, []contracts.StateChunk{
		{Segment: 1, Entries: []contracts.Entry{{Key: "w", Value: []byte("v")}}, IsLast: true},
	})
	if _, applied := interceptor.applied["w"]; applied {
		t.Fatalf("unsolicited chunk should be dropped")
	}
}

func TestDoApplyStateCountsStats(t *testing.T) {
	applier, reg, interceptor, _ := setup(t)
	reg.AddTransfer("B", 1, []topology.SegmentID{2})
	applier.Stats = stats.NewCounters(prometheus.NewRegistry())

	applier.ApplyState(context.Background(), "B", 1, []contracts.StateChunk{
		{Segment: 2, Entries: []contracts.Entry{{Key: "y", Value: []byte("value")}}, IsLast: true},
	})

	if string(interceptor.applied["y"]) != "value" {
		t.Fatalf("expected key y to be applied, got %v", interceptor.applied)
	}
	if got := testutil.ToFloat64(applier.Stats.EntriesApplied); got != 1 {
		t.Fatalf("expected EntriesApplied == 1, got %v", got)
	}
	if got := testutil.ToFloat64(applier.Stats.BytesApplied); got != float64(len("value")) {
		t.Fatalf("expected BytesApplied == %d, got %v", len("value"), got)
	}
}

// TestDedupHintNeverSkipsApplication verifies the cuckoo-filter dedup check
// is a logged hint, not a correctness gate: reapplying the same key through
// two separate chunks in the same rebalance cycle must apply both times.
func TestDedupHintNeverSkipsApplication(t *testing.T) {
	applier, reg, interceptor, _ := setup(t)
	reg.AddTransfer("B", 1, []topology.SegmentID{2})

	chunk := []contracts.StateChunk{
		{Segment: 2, Entries: []contracts.Entry{{Key: "y", Value: []byte("first")}}, IsLast: false},
	}
	applier.ApplyState(context.Background(), "B", 1, chunk)
	if string(interceptor.applied["y"]) != "first" {
		t.Fatalf("expected first apply to take effect, got %v", interceptor.applied)
	}

	// Same (segment, key) fingerprint again — the dedup filter will flag it
	// as a likely repeat, but the value must still be applied.
	chunk2 := []contracts.StateChunk{
		{Segment: 2, Entries: []contracts.Entry{{Key: "y", Value: []byte("second")}}, IsLast: true},
	}
	applier.ApplyState(context.Background(), "B", 1, chunk2)
	if string(interceptor.applied["y"]) != "second" {
		t.Fatalf("expected redundant-looking chunk to still be applied, got %v", interceptor.applied)
	}
}

func TestIsKeyUpdatedWhenNoSetInstalled(t *testing.T) {
	reg := registry.New(fakeRPC{}, time.Second)
	ch := topology.NewConsistentHash([][]topology.MemberID{{"self"}})
	top := &topology.Topology{ID: 1, Members: []topology.MemberID{"self"}, ReadCH: ch, WriteCH: ch}
	applier := New("self", cmn.ModeNonTx, newFakeInterceptor(), nil, reg, func() *topology.Topology { return top })
	// per spec.md's documented Open Question, IsKeyUpdated is true when no
	// set is installed (state transfer inactive).
	if !applier.IsKeyUpdated("anything") {
		t.Fatalf("expected IsKeyUpdated to default to true with no set installed")
	}
}
