package touchlink

import "zll-bridge/internal/zcl"

// ScanTarget is a candidate found during a scan.
type ScanTarget struct {
	LinkQuality int              `json:"link_quality"`
	PeerAddr    uint64           `json:"peer_addr"`
	Offer       zcl.ScanResponse `json:"offer"`
}

// TargetRegistry retains the best candidate of the current scan.
type TargetRegistry struct {
	best ScanTarget
	ok   bool
}

// Reset forgets the retained candidate.
func (r *TargetRegistry) Reset() {
	*r = TargetRegistry{}
}

// Offer retains c when its adjusted link quality reaches minimum and is
// strictly better than the current best. Ties keep the first candidate.
func (r *TargetRegistry) Offer(c ScanTarget, minimum int) bool {
	if c.LinkQuality < minimum {
		return false
	}
	if r.ok && c.LinkQuality <= r.best.LinkQuality {
		return false
	}
	r.best, r.ok = c, true
	return true
}

// Best returns the retained candidate.
func (r *TargetRegistry) Best() (ScanTarget, bool) {
	return r.best, r.ok
}
