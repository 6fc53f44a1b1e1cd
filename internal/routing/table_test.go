package routing

import (
	"bytes"
	"crypto/rand"
	"testing"

	"xorroute/internal/ident"
)

func randAddr(t *testing.T) ident.Address {
	t.Helper()
	var a ident.Address
	if _, err := rand.Read(a[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return a
}

func TestTable_RejectsSelfAndDuplicates(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	if added, _ := tab.Add(NodeInfo{Address: self}); added {
		t.Fatalf("must not accept own address")
	}

	peer := randAddr(t)
	if added, _ := tab.Add(NodeInfo{Address: peer}); !added {
		t.Fatalf("first insert should succeed")
	}
	if added, _ := tab.Add(NodeInfo{Address: peer}); added {
		t.Fatalf("duplicate insert should fail")
	}
	if tab.Size() != 1 {
		t.Fatalf("size = %d, want 1", tab.Size())
	}
}

func TestTable_SizeBound(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	for i := 0; i < TableSize*4; i++ {
		tab.Add(NodeInfo{Address: randAddr(t)})
		if tab.Size() > TableSize {
			t.Fatalf("table exceeded bound: %d", tab.Size())
		}
	}
}

func TestTable_CloseGroupSortedAndStable(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	all := make([]ident.Address, 0, 200)
	for i := 0; i < 200; i++ {
		a := randAddr(t)
		all = append(all, a)
		tab.Add(NodeInfo{Address: a})
	}

	group := tab.CloseGroup()
	if len(group) != GroupSize {
		t.Fatalf("close group size = %d, want %d", len(group), GroupSize)
	}
	for i := 1; i < len(group); i++ {
		prev := ident.Distance(group[i-1].Address, self)
		cur := ident.Distance(group[i].Address, self)
		if bytes.Compare(prev[:], cur[:]) > 0 {
			t.Fatalf("close group not sorted at %d", i)
		}
	}

	// The K globally closest must have survived every eviction.
	ident.SortByDistance(all, self)
	for i := 0; i < GroupSize; i++ {
		if group[i].Address != all[i] {
			t.Fatalf("close group member %d is not the %d-th closest known peer", i, i)
		}
	}
}

func TestTable_CheckAgreesWithAdd(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	for i := 0; i < 500; i++ {
		a := randAddr(t)
		want := tab.Check(a)
		got, _ := tab.Add(NodeInfo{Address: a})
		if got != want {
			t.Fatalf("iteration %d: Check=%v but Add=%v", i, want, got)
		}
	}
}

func TestTable_EvictionReturnsVictim(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	for {
		a := randAddr(t)
		added, evicted := tab.Add(NodeInfo{Address: a})
		if tab.Size() > TableSize {
			t.Fatalf("bound violated")
		}
		if !added {
			continue
		}
		if evicted != nil {
			if _, ok := tab.Lookup(evicted.Address); ok {
				t.Fatalf("evicted peer still present")
			}
			return // observed one eviction, done
		}
	}
}

func TestTable_DropIdempotent(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)
	a := randAddr(t)
	tab.Add(NodeInfo{Address: a})
	tab.Drop(a)
	tab.Drop(a)
	if tab.Size() != 0 {
		t.Fatalf("size = %d after drop", tab.Size())
	}
}

func TestTable_TargetsSwarmVsGreedy(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	members := make([]ident.Address, 0, TableSize)
	for i := 0; i < TableSize; i++ {
		a := randAddr(t)
		tab.Add(NodeInfo{Address: a})
		members = append(members, a)
	}

	// A target equal to a close-group member is inside the radius.
	group := tab.CloseGroup()
	targets := tab.Targets(group[0].Address)
	if len(targets) != len(group) {
		t.Fatalf("swarm mode should return the close group, got %d of %d", len(targets), len(group))
	}

	// A target further than every table entry routes greedily.
	far := farthestFrom(t, self, tab)
	targets = tab.Targets(far)
	if len(targets) != 1 {
		t.Fatalf("greedy mode should return one peer, got %d", len(targets))
	}
	for _, a := range members {
		if _, ok := tab.Lookup(a); !ok {
			continue // evicted along the way
		}
		if a != targets[0].Address && ident.Closer(a, targets[0].Address, far) {
			t.Fatalf("greedy target is not the closest peer")
		}
	}
}

func TestTable_InCloseGroupRange(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)

	// With an empty table everything is in range.
	if !tab.InCloseGroupRange(randAddr(t)) {
		t.Fatalf("empty table should put every address in range")
	}

	for i := 0; i < TableSize; i++ {
		tab.Add(NodeInfo{Address: randAddr(t)})
	}
	if !tab.InCloseGroupRange(self) {
		t.Fatalf("own address must always be in range")
	}
}

func TestTable_NetworkStatus(t *testing.T) {
	self := randAddr(t)
	tab := NewTable(self)
	if tab.NetworkStatus() != 0 {
		t.Fatalf("empty table should report 0%%")
	}
	for i := 0; i < TableSize/2; i++ {
		tab.Add(NodeInfo{Address: randAddr(t)})
	}
	if got := tab.NetworkStatus(); got != 50 {
		t.Fatalf("status = %d, want 50", got)
	}
}

func TestDiff(t *testing.T) {
	a, b, c := ident.Address{1}, ident.Address{2}, ident.Address{3}
	d := Diff([]ident.Address{a, b}, []ident.Address{b, c})
	if len(d.Added) != 1 || d.Added[0] != c {
		t.Fatalf("added = %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0] != a {
		t.Fatalf("removed = %v", d.Removed)
	}
	if !Diff(nil, nil).Empty() {
		t.Fatalf("empty diff should be Empty")
	}
}

func farthestFrom(t *testing.T, self ident.Address, tab *Table) ident.Address {
	t.Helper()
	// Flip every bit of self: maximal distance, outside any close group.
	var far ident.Address
	for i := range self {
		far[i] = ^self[i]
	}
	if _, ok := tab.Lookup(far); ok {
		t.Skip("improbable collision")
	}
	return far
}
