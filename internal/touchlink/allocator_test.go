package touchlink

import (
	"math/rand/v2"
	"testing"
)

func TestNextAddress(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))

	r := FactoryNewRole()
	addr, fromRange := r.NextAddress(rnd)
	if !fromRange || addr != MinAddress || r.FreeAddr.Low != MinAddress+1 {
		t.Errorf("got addr 0x%04X fromRange=%v low=0x%04X", addr, fromRange, r.FreeAddr.Low)
	}

	exhausted := NodeRole{FreeAddr: Range{Low: 0, High: 0x1000}}
	for i := 0; i < 100; i++ {
		addr, fromRange := exhausted.NextAddress(rnd)
		if fromRange {
			t.Fatal("exhausted range reported fromRange")
		}
		if addr < 1 || addr > maxRandomAddress {
			t.Fatalf("random address 0x%04X out of range", addr)
		}
	}
	if exhausted.FreeAddr != (Range{Low: 0, High: 0x1000}) {
		t.Errorf("exhausted range modified: %v", exhausted.FreeAddr)
	}
}

func TestSplitRange(t *testing.T) {
	tests := []struct {
		name      string
		in        Range
		wantPeer  Range
		wantLocal Range
		wantOK    bool
	}{
		{"full address range", Range{1, 0xfff7}, Range{0x7ffb, 0xfff7}, Range{1, 0x7ffa}, true},
		{"full group range", Range{1, 0xfeff}, Range{0x7f7f, 0xfeff}, Range{1, 0x7f7e}, true},
		{"small", Range{10, 20}, Range{14, 20}, Range{10, 13}, true},
		{"exhausted", Range{0, 0}, Range{}, Range{0, 0}, false},
		{"single id", Range{5, 5}, Range{}, Range{5, 5}, false},
		{"two ids", Range{5, 6}, Range{}, Range{5, 6}, false},
		{"three ids", Range{5, 7}, Range{}, Range{5, 7}, false},
		{"four ids", Range{5, 8}, Range{6, 8}, Range{5, 5}, true},
		{"inverted", Range{9, 3}, Range{}, Range{9, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, local, ok := SplitRange(tt.in)
			if ok != tt.wantOK || peer != tt.wantPeer || local != tt.wantLocal {
				t.Errorf("SplitRange(%v) = %v, %v, %v; want %v, %v, %v",
					tt.in, peer, local, ok, tt.wantPeer, tt.wantLocal, tt.wantOK)
			}
		})
	}
}

func TestSplitRangeNeverOverlaps(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 10000; i++ {
		low := uint16(rnd.IntN(0xfff0) + 1)
		high := low + uint16(rnd.IntN(int(0xffff-low)+1))
		peer, local, ok := SplitRange(Range{low, high})
		if !ok {
			if high-low >= 3 {
				t.Fatalf("[%d,%d] not split", low, high)
			}
			continue
		}
		if local.High >= peer.Low {
			t.Fatalf("[%d,%d]: local %v overlaps peer %v", low, high, local, peer)
		}
		if local.Low != low || peer.High != high || local.High+1 != peer.Low {
			t.Fatalf("[%d,%d]: split %v / %v does not cover the range", low, high, local, peer)
		}
		if local.Empty() || peer.Empty() {
			t.Fatalf("[%d,%d]: empty half %v / %v", low, high, local, peer)
		}
	}
}

func TestSplitRangesIfRequested(t *testing.T) {
	r := FactoryNewRole()
	addr, group := r.SplitRangesIfRequested(false)
	if addr != (Range{}) || group != (Range{}) || r.FreeAddr != FactoryNewRole().FreeAddr {
		t.Fatalf("unrequested split changed state: %v %v %v", addr, group, r.FreeAddr)
	}

	addr, group = r.SplitRangesIfRequested(true)
	if r.FreeAddr.High >= addr.Low || r.FreeGroup.High >= group.Low {
		t.Errorf("overlap: local %v/%v peer %v/%v", r.FreeAddr, r.FreeGroup, addr, group)
	}

	// Not idempotent: a second split consumes the local half again.
	addr2, _ := r.SplitRangesIfRequested(true)
	if addr2 == addr || addr2.High >= addr.Low {
		t.Errorf("second split %v, first %v", addr2, addr)
	}

	// Each range is split on its own; a narrow one stays whole.
	narrow := NodeRole{FreeAddr: Range{5, 6}, FreeGroup: Range{0x10, 0x20}}
	addr, group = narrow.SplitRangesIfRequested(true)
	if addr != (Range{}) || narrow.FreeAddr != (Range{5, 6}) {
		t.Errorf("narrow address range: peer %v, local %v", addr, narrow.FreeAddr)
	}
	if group != (Range{0x17, 0x20}) || narrow.FreeGroup != (Range{0x10, 0x16}) {
		t.Errorf("group range: peer %v, local %v", group, narrow.FreeGroup)
	}
}

func TestAllocateGroups(t *testing.T) {
	r := NodeRole{FreeGroup: Range{Low: 0x10, High: 0x14}}

	if g := r.AllocateGroups(0); g != (Range{}) || r.FreeGroup.Low != 0x10 {
		t.Errorf("zero count: %v, low 0x%X", g, r.FreeGroup.Low)
	}
	if g := r.AllocateGroups(3); g != (Range{0x10, 0x12}) || r.FreeGroup.Low != 0x13 {
		t.Errorf("got %v, low 0x%X", g, r.FreeGroup.Low)
	}
	if g := r.AllocateGroups(3); g != (Range{}) || r.FreeGroup.Low != 0x13 {
		t.Errorf("overflow: got %v, low 0x%X", g, r.FreeGroup.Low)
	}
	if g := r.AllocateGroups(2); g != (Range{0x13, 0x14}) {
		t.Errorf("exact fit: got %v", g)
	}
}
