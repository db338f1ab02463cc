package coordinator

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
)

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD" into a
// 64-bit address.
func ParseIEEE(s string) (uint64, error) {
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 16 {
		return 0, fmt.Errorf("parse ieee address: want 16 hex digits, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ieee address: %w", err)
	}
	return v, nil
}

// FormatIEEE renders an address the way ParseIEEE reads it back.
func FormatIEEE(v uint64) string {
	return fmt.Sprintf("%016X", v)
}

func toStoreRange(r touchlink.Range) store.IDRange {
	return store.IDRange{Low: r.Low, High: r.High}
}

func fromStoreRange(r store.IDRange) touchlink.Range {
	return touchlink.Range{Low: r.Low, High: r.High}
}

// roleToStore converts the engine role to its persisted form.
func roleToStore(r touchlink.NodeRole) *store.NodeRole {
	return &store.NodeRole{
		FactoryNew:  r.FactoryNew,
		Channel:     r.Channel,
		ShortAddr:   r.ShortAddr,
		FreeAddr:    toStoreRange(r.FreeAddr),
		FreeGroup:   toStoreRange(r.FreeGroup),
		ExtPanID:    FormatIEEE(r.ExtPanID),
		PanID:       r.PanID,
		UpdateID:    r.UpdateID,
		NetworkKey:  strings.ToUpper(hex.EncodeToString(r.NetworkKey[:])),
		Groups:      toStoreRange(r.Groups),
		TrustCenter: FormatIEEE(r.TrustCenter),
	}
}

// roleFromStore converts a persisted role back to the engine form.
func roleFromStore(s *store.NodeRole) (touchlink.NodeRole, error) {
	r := touchlink.NodeRole{
		FactoryNew: s.FactoryNew,
		Channel:    s.Channel,
		ShortAddr:  s.ShortAddr,
		FreeAddr:   fromStoreRange(s.FreeAddr),
		FreeGroup:  fromStoreRange(s.FreeGroup),
		PanID:      s.PanID,
		UpdateID:   s.UpdateID,
		Groups:     fromStoreRange(s.Groups),
	}
	var err error
	if r.ExtPanID, err = ParseIEEE(s.ExtPanID); err != nil {
		return r, fmt.Errorf("ext pan id: %w", err)
	}
	if r.TrustCenter, err = ParseIEEE(s.TrustCenter); err != nil {
		return r, fmt.Errorf("trust center: %w", err)
	}
	if r.NetworkKey, err = touchlink.ParseKey(s.NetworkKey); err != nil {
		return r, fmt.Errorf("network key: %w", err)
	}
	return r, nil
}

func toNCPNetwork(p touchlink.NetworkParams) ncp.NetworkParams {
	return ncp.NetworkParams{
		ExtPanID:   p.ExtPanID,
		PanID:      p.PanID,
		Channel:    p.Channel,
		ShortAddr:  p.ShortAddr,
		UpdateID:   p.UpdateID,
		NetworkKey: p.NetworkKey,
	}
}
