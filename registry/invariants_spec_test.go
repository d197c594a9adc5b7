package registry

import (
	"context"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/aistorekv/rebalancer/topology"
)

var _ = Describe("TransferRegistry", func() {
	It("preserves I1/I2 across random add/cancel/remove sequences", func() {
		rng := rand.New(rand.NewSource(42))
		const segmentCount = 8
		const iterations = 200

		rpc := &fakeRPC{startOK: true}
		reg := New(rpc, time.Second)
		members := []topology.MemberID{"A", "B", "C", "D"}

		verify := func() {
			reg.mu.Lock()
			defer reg.mu.Unlock()
			for src, tasks := range reg.bySource {
				for _, task := range tasks {
					Expect(task.Source).To(Equal(src), "I1: task.Source must match its bySource key")
					for s := range task.Segments {
						Expect(reg.bySegment[s]).To(BeIdenticalTo(task), "I1: bySegment must point back to the owning task")
					}
				}
			}
			seen := map[topology.SegmentID]*Task{}
			for s, task := range reg.bySegment {
				if other, ok := seen[s]; ok {
					Expect(other).To(BeIdenticalTo(task), "I2: a segment must never be claimed by two tasks")
				}
				seen[s] = task
			}
		}

		for i := 0; i < iterations; i++ {
			switch rng.Intn(3) {
			case 0: // add
				src := members[rng.Intn(len(members))]
				seg := topology.SegmentID(rng.Intn(segmentCount))
				reg.AddTransfer(src, int64(i), []topology.SegmentID{seg})
			case 1: // cancel a random segment
				seg := topology.SegmentID(rng.Intn(segmentCount))
				reg.CancelTransfers(context.Background(), []topology.SegmentID{seg})
			case 2: // remove a random in-flight task, if any
				reg.mu.Lock()
				var victim *Task
				for _, t := range reg.ready {
					victim = t
					break
				}
				reg.mu.Unlock()
				if victim != nil {
					reg.RemoveTransfer(victim)
				}
			}
			verify()
		}
	})
})
