package routing

import (
	"sort"
	"sync"

	"xorroute/internal/ident"
)

const (
	// GroupSize is K: the close group is the K peers nearest to an address.
	GroupSize = 8
	// TableSize bounds total table membership.
	TableSize = 64
	// BucketSize is the per-bucket occupancy above which a peer beyond the
	// close group becomes an eviction candidate once the table is full.
	BucketSize = 1
)

// Table holds one node's view of the overlay, ordered by XOR distance to
// the owner. The K closest peers are never evicted while a further peer
// exists. Once the table is full, an insertion evicts a peer beyond the K
// closest from a bucket holding more than BucketSize entries; below
// capacity, bucket occupancy is not bounded.
type Table struct {
	self ident.Address

	groupSize  int
	tableSize  int
	bucketSize int

	mu    sync.Mutex
	nodes []NodeInfo // sorted ascending by distance to self
}

// Option tunes a Table; zero values keep the package defaults.
type Option func(*Table)

func WithGroupSize(k int) Option {
	return func(t *Table) {
		if k > 0 {
			t.groupSize = k
		}
	}
}

func WithTableSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.tableSize = n
		}
	}
}

func WithBucketSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.bucketSize = n
		}
	}
}

func NewTable(self ident.Address, opts ...Option) *Table {
	t := &Table{
		self:       self,
		groupSize:  GroupSize,
		tableSize:  TableSize,
		bucketSize: BucketSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Self() ident.Address { return t.self }

func (t *Table) GroupSize() int { return t.groupSize }

// Add inserts info keeping the table sorted by distance to self. When the
// table overflows it evicts the furthest peer whose bucket is over
// occupancy and which is not among the K closest; if no such peer exists
// the insertion itself is rejected.
func (t *Table) Add(info NodeInfo) (bool, *NodeInfo) {
	if info.Address == t.self {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.nodes {
		if t.nodes[i].Address == info.Address {
			return false, nil
		}
	}

	t.nodes = append(t.nodes, info)
	t.sortLocked()

	if len(t.nodes) <= t.tableSize {
		return true, nil
	}

	idx := t.removalCandidateLocked()
	if idx < 0 || t.nodes[idx].Address == info.Address {
		t.dropLocked(info.Address)
		return false, nil
	}

	evicted := t.nodes[idx]
	t.nodes = append(t.nodes[:idx], t.nodes[idx+1:]...)
	return true, &evicted
}

// Check reports whether Add would accept a peer with this address. Pure.
func (t *Table) Check(addr ident.Address) bool {
	if addr == t.self {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.nodes {
		if t.nodes[i].Address == addr {
			return false
		}
	}
	if len(t.nodes) < t.tableSize {
		return true
	}

	// Replay the eviction scan on a scratch copy so Check and Add agree.
	scratch := make([]NodeInfo, len(t.nodes), len(t.nodes)+1)
	copy(scratch, t.nodes)
	scratch = append(scratch, NodeInfo{Address: addr})
	sort.SliceStable(scratch, func(i, j int) bool {
		return ident.Closer(scratch[i].Address, scratch[j].Address, t.self)
	})
	idx := removalCandidate(scratch, t.self, t.groupSize, t.bucketSize)
	return idx >= 0 && scratch[idx].Address != addr
}

// Drop removes addr if present. Idempotent.
func (t *Table) Drop(addr ident.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked(addr)
}

// CloseGroup returns the up-to-K closest peers, ascending by distance.
func (t *Table) CloseGroup() []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeGroupLocked()
}

// Targets returns the forwarding set for a message addressed to target:
// the whole close group in swarm mode, otherwise the single closest peer.
func (t *Table) Targets(target ident.Address) []NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.nodes) == 0 {
		return nil
	}

	// Swarm mode: the target sits within our close-group radius.
	if t.withinGroupRadiusLocked(target) {
		return t.closeGroupLocked()
	}

	best := 0
	for i := 1; i < len(t.nodes); i++ {
		if ident.Closer(t.nodes[i].Address, t.nodes[best].Address, target) {
			best = i
		}
	}
	return []NodeInfo{t.nodes[best]}
}

// InCloseGroupRange reports whether fewer than K table peers are strictly
// closer to addr than we are.
func (t *Table) InCloseGroupRange(addr ident.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	closer := 0
	for i := range t.nodes {
		if ident.Closer(t.nodes[i].Address, t.self, addr) {
			closer++
			if closer >= t.groupSize {
				return false
			}
		}
	}
	return true
}

func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// NetworkStatus is table occupancy as a percentage.
func (t *Table) NetworkStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes) * 100 / t.tableSize
}

// CloseGroupSnapshot returns the close-group addresses for churn diffs.
func (t *Table) CloseGroupSnapshot() []ident.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	group := t.closeGroupLocked()
	out := make([]ident.Address, len(group))
	for i := range group {
		out[i] = group[i].Address
	}
	return out
}

// MarkConnected flips the connection-status flag for addr.
func (t *Table) MarkConnected(addr ident.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.nodes {
		if t.nodes[i].Address == addr {
			t.nodes[i].Connected = true
			return
		}
	}
}

// Lookup returns the entry for addr, if present.
func (t *Table) Lookup(addr ident.Address) (NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.nodes {
		if t.nodes[i].Address == addr {
			return t.nodes[i], true
		}
	}
	return NodeInfo{}, false
}

func (t *Table) sortLocked() {
	sort.SliceStable(t.nodes, func(i, j int) bool {
		return ident.Closer(t.nodes[i].Address, t.nodes[j].Address, t.self)
	})
}

func (t *Table) dropLocked(addr ident.Address) {
	for i := range t.nodes {
		if t.nodes[i].Address == addr {
			t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
			return
		}
	}
}

func (t *Table) closeGroupLocked() []NodeInfo {
	n := t.groupSize
	if n > len(t.nodes) {
		n = len(t.nodes)
	}
	out := make([]NodeInfo, n)
	copy(out, t.nodes[:n])
	return out
}

func (t *Table) withinGroupRadiusLocked(target ident.Address) bool {
	if len(t.nodes) < t.groupSize {
		return true
	}
	edge := t.nodes[t.groupSize-1].Address
	// distance(self, target) <= distance(self, K-th closest)
	return !ident.Closer(edge, target, t.self)
}

func (t *Table) removalCandidateLocked() int {
	return removalCandidate(t.nodes, t.self, t.groupSize, t.bucketSize)
}

// removalCandidate scans from the furthest entry inward for the first
// peer whose bucket holds more than bucketSize entries; the close group
// is never a candidate. Returns -1 when nothing can be removed.
func removalCandidate(nodes []NodeInfo, self ident.Address, groupSize, bucketSize int) int {
	occupancy := make(map[int]int, len(nodes))
	for i := range nodes {
		occupancy[ident.CommonLeadingBits(self, nodes[i].Address)]++
	}
	for i := len(nodes) - 1; i >= groupSize; i-- {
		if occupancy[ident.CommonLeadingBits(self, nodes[i].Address)] > bucketSize {
			return i
		}
	}
	return -1
}
