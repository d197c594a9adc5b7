package registry

import (
	"sync"

	"github.com/golang/glog"

	"github.com/aistorekv/rebalancer/topology"
)

// ExcludedSources tracks sources that already failed in this topology
// (spec.md section 2 module 4, "Source Selector"). Safe for concurrent use.
type ExcludedSources struct {
	mu sync.Mutex
	m  map[topology.MemberID]struct{}
}

func NewExcludedSources() *ExcludedSources {
	return &ExcludedSources{m: map[topology.MemberID]struct{}{}}
}

func (e *ExcludedSources) Add(m topology.MemberID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[m] = struct{}{}
}

func (e *ExcludedSources) Has(m topology.MemberID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.m[m]
	return ok
}

func (e *ExcludedSources) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m = map[topology.MemberID]struct{}{}
}

// Selector chooses a remote owner per segment, preferring newer owners
// (spec.md section 4.6).
type Selector struct {
	self topology.MemberID
}

func NewSelector(self topology.MemberID) *Selector {
	return &Selector{self: self}
}

// FindSource consults the read-CH's ordered owner list for segment and
// iterates from the end toward the front (newest owners first), returning
// the first owner that is neither self nor excluded. Returns ok=false if no
// such owner exists — the segment is treated as empty/lost and does not need
// a transfer (spec.md 4.6).
func (s *Selector) FindSource(readCH *topology.ConsistentHash, seg topology.SegmentID, excluded *ExcludedSources) (topology.MemberID, bool) {
	owners := readCH.Owners(seg)
	for i := len(owners) - 1; i >= 0; i-- {
		m := owners[i]
		if m == s.self {
			continue
		}
		if excluded != nil && excluded.Has(m) {
			continue
		}
		return m, true
	}
	glog.Warningf("selector: no source found for segment %d", seg)
	return "", false
}

// FindSources groups each segment in segs to a chosen owner per FindSource,
// skipping segments already present in assignment (spec.md 4.5 step 1,
// find_sources). Segments with no eligible source are dropped (FindSource
// logs a warning and they are treated as lost, per its contract) and are not
// added to assignment.
func (s *Selector) FindSources(readCH *topology.ConsistentHash, segs []topology.SegmentID, assignment map[topology.MemberID][]topology.SegmentID, excluded *ExcludedSources) {
	assigned := map[topology.SegmentID]struct{}{}
	for _, list := range assignment {
		for _, seg := range list {
			assigned[seg] = struct{}{}
		}
	}
	for _, seg := range segs {
		if _, ok := assigned[seg]; ok {
			continue
		}
		src, ok := s.FindSource(readCH, seg, excluded)
		if !ok {
			continue
		}
		assignment[src] = append(assignment[src], seg)
	}
}
