package touchlink

// NextAddress hands out the next short address for a joining peer. When the
// free range is exhausted a random address is picked and the range is left
// untouched; fromRange reports which case applied.
func (r *NodeRole) NextAddress(rnd Rand) (addr uint16, fromRange bool) {
	if r.FreeAddr.Low == 0 {
		return uint16(randRange(rnd, 1, maxRandomAddress)), false
	}
	addr = r.FreeAddr.Low
	r.FreeAddr.Low++
	return addr, true
}

// SplitRange splits r at (low+high-1)/2. The peer receives the upper half and
// the local part shrinks to end just below it. Ranges too narrow to leave both
// halves non-empty are not split.
func SplitRange(r Range) (peer, local Range, ok bool) {
	if r.Low == 0 || r.High <= r.Low {
		return Range{}, r, false
	}
	mid := uint16((uint32(r.Low) + uint32(r.High) - 1) / 2)
	if mid <= r.Low {
		return Range{}, r, false
	}
	return Range{Low: mid, High: r.High}, Range{Low: r.Low, High: mid - 1}, true
}

// SplitRangesIfRequested gives the upper halves of the free address and group
// ranges to a peer that asked for address assignment. Each range is split
// independently; a range that cannot be split yields a zero peer range.
func (r *NodeRole) SplitRangesIfRequested(requested bool) (addr, group Range) {
	if !requested {
		return Range{}, Range{}
	}
	if peer, local, ok := SplitRange(r.FreeAddr); ok {
		addr, r.FreeAddr = peer, local
	}
	if peer, local, ok := SplitRange(r.FreeGroup); ok {
		group, r.FreeGroup = peer, local
	}
	return addr, group
}

// AllocateGroups takes count consecutive group ids from the free group range.
// It returns a zero range when count is zero or does not fit.
func (r *NodeRole) AllocateGroups(count uint8) Range {
	if count == 0 || r.FreeGroup.Empty() {
		return Range{}
	}
	last := uint32(r.FreeGroup.Low) + uint32(count) - 1
	if last > uint32(r.FreeGroup.High) {
		return Range{}
	}
	g := Range{Low: r.FreeGroup.Low, High: uint16(last)}
	r.FreeGroup.Low = uint16(last + 1)
	return g
}
