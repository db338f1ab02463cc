package touchlink

import (
	"time"

	"zll-bridge/internal/zcl"
)

func (m *Machine) sendDeviceInfoRequest() {
	m.send(m.sess.Peer, &zcl.DeviceInfoRequest{TransactionID: m.sess.TransactionID})
	m.setState(ScanWaitInfo)
	m.arm(m.cfg.Timing.DeviceInfoWait)
}

func (m *Machine) onDeviceInfoResponse(rsp *zcl.DeviceInfoResponse) {
	target, _ := m.targets.Best()
	offer := &target.Offer
	if offer.SubDevices != 1 && len(rsp.Records) > 0 {
		rec := rsp.Records[0]
		m.sess.PeerInfo.Endpoint = rec.Endpoint
		m.sess.PeerInfo.ProfileID = rec.ProfileID
		m.sess.PeerInfo.DeviceID = rec.DeviceID
		m.sess.PeerInfo.Version = rec.Version
	}

	switch {
	case m.sess.ResetTarget:
		m.sess.ResetTarget = false
		m.logger.Info("sending factory reset to target", "peer", m.sess.Peer)
		m.send(m.sess.Peer, &zcl.FactoryResetRequest{TransactionID: m.sess.TransactionID})
		m.setState(ScanWaitResetSent)
		m.arm(m.cfg.Timing.ResetSent)

	case m.role.FactoryNew:
		m.sendNetworkStart(offer)

	case offer.FactoryNew() && !offer.EndDevice():
		m.sendJoin(offer, false)

	case offer.FactoryNew():
		m.sendJoin(offer, true)

	case offer.ExtPanID == m.role.ExtPanID:
		m.logger.Info("target already on our network", "peer", m.sess.Peer)
		m.sess.PeerInfo.NetworkAddress = offer.NetworkAddress
		m.finish(InformApp, m.cfg.Timing.InformDelay)

	default:
		m.sendJoin(offer, false)
	}
}

// keyIndexFor picks the transport key for an exchange with offer.
func (m *Machine) keyIndexFor(offer *zcl.ScanResponse) uint8 {
	idx, ok := SelectKeyIndex(m.cfg.KeyMask & offer.KeyBitmask)
	if !ok {
		return KeyIndexTest
	}
	return idx
}

func (m *Machine) wrapKey(index uint8, network Key) (Key, bool) {
	transport, err := m.cfg.Keys.Derive(index, m.sess.TransactionID, m.sess.ResponseID)
	if err != nil {
		m.logger.Warn("derive transport key", "error", err)
		return Key{}, false
	}
	return WrapNetworkKey(transport, network), true
}

// sendNetworkStart asks the target to form a new network. The target picks
// the PAN ids; this node takes the first free address and hands the next one
// to the target. Allocations are made on a copy of the role that is adopted
// only once the target accepts.
func (m *Machine) sendNetworkStart(offer *zcl.ScanResponse) {
	idx := m.keyIndexFor(offer)
	m.sess.networkKey = m.randomKey()
	wrapped, ok := m.wrapKey(idx, m.sess.networkKey)
	if !ok {
		m.abort()
		return
	}

	next := m.role
	next.Groups = next.AllocateGroups(m.cfg.GroupsRequired)
	own, _ := next.NextAddress(m.rnd)
	next.ShortAddr = own
	peerAddr, _ := next.NextAddress(m.rnd)
	m.sess.PeerInfo.NetworkAddress = peerAddr

	req := &zcl.NetworkStartRequest{
		TransactionID:    m.sess.TransactionID,
		KeyIndex:         idx,
		EncryptedKey:     wrapped,
		NetworkAddress:   peerAddr,
		InitiatorIEEE:    m.cfg.IEEE,
		InitiatorAddress: own,
	}
	groups := next.AllocateGroups(offer.GroupCount)
	req.GroupBegin, req.GroupEnd = groups.Low, groups.High
	addrs, grps := next.SplitRangesIfRequested(offer.AddressAssignment())
	req.FreeAddrBegin, req.FreeAddrEnd = addrs.Low, addrs.High
	req.FreeGroupBegin, req.FreeGroupEnd = grps.Low, grps.High
	m.sess.next = next

	m.logger.Info("sending network start", "peer", m.sess.Peer, "key_index", idx,
		"initiator_addr", own, "target_addr", peerAddr)
	m.send(m.sess.Peer, req)
	m.setState(WaitStartRsp)
	m.arm(m.cfg.Timing.ResponseWait)
}

// sendJoin hands the local network to the target.
func (m *Machine) sendJoin(offer *zcl.ScanResponse, endDevice bool) {
	idx := m.keyIndexFor(offer)
	wrapped, ok := m.wrapKey(idx, m.role.NetworkKey)
	if !ok {
		m.abort()
		return
	}

	p := zcl.JoinParams{
		TransactionID: m.sess.TransactionID,
		ExtPanID:      m.role.ExtPanID,
		KeyIndex:      idx,
		EncryptedKey:  wrapped,
		UpdateID:      m.role.UpdateID,
		Channel:       m.role.Channel,
		PanID:         m.role.PanID,
	}
	next := m.role
	addr, fromRange := next.NextAddress(m.rnd)
	p.NetworkAddress = addr
	m.sess.PeerInfo.NetworkAddress = addr
	if fromRange {
		addrs, grps := next.SplitRangesIfRequested(offer.AddressAssignment())
		p.FreeAddrBegin, p.FreeAddrEnd = addrs.Low, addrs.High
		p.FreeGroupBegin, p.FreeGroupEnd = grps.Low, grps.High
	}
	groups := next.AllocateGroups(offer.GroupCount)
	p.GroupBegin, p.GroupEnd = groups.Low, groups.High
	m.sess.next = next

	m.logger.Info("sending network join", "peer", m.sess.Peer, "end_device", endDevice,
		"key_index", idx, "addr", addr)
	if endDevice {
		m.send(m.sess.Peer, &zcl.JoinEndDeviceRequest{JoinParams: p})
		m.setState(WaitJoinEndDeviceRsp)
	} else {
		m.send(m.sess.Peer, &zcl.JoinRouterRequest{JoinParams: p})
		m.setState(WaitJoinRouterRsp)
	}
	m.arm(m.cfg.Timing.ResponseWait)
}

// onNetworkStartResponse adopts the network the target formed. Failures are
// left to the response timer.
func (m *Machine) onNetworkStartResponse(rsp *zcl.NetworkStartResponse) {
	if rsp.Status != zcl.StatusSuccess {
		m.logger.Info("network start refused", "peer", m.sess.Peer, "status", rsp.Status)
		return
	}
	m.role = m.sess.next
	m.role.Channel = rsp.Channel
	m.role.ExtPanID = rsp.ExtPanID
	m.role.PanID = rsp.PanID
	m.role.UpdateID = rsp.UpdateID
	m.role.NetworkKey = m.sess.networkKey
	m.program()
	m.logger.Info("target formed network", "ext_pan_id", rsp.ExtPanID, "pan_id", rsp.PanID, "channel", rsp.Channel)
	m.setState(WaitStartUp)
	m.arm(m.cfg.Timing.RouterStartUp)
}

// onJoinResponse adopts the allocations made for the join. Unlike a refused
// network start, a refused join aborts at once; the role is left as it was.
func (m *Machine) onJoinResponse(status uint8, settle time.Duration) {
	if status != zcl.StatusSuccess {
		m.logger.Info("network join refused", "peer", m.sess.Peer, "status", status)
		m.abort()
		return
	}
	m.role = m.sess.next
	m.setState(WaitStartUp)
	m.arm(settle)
}

// startUp completes a formation or join once the settle timer fires.
func (m *Machine) startUp() {
	m.emit(SetTxPower{Power: TxPowerNormal})
	if m.role.FactoryNew {
		m.role.FactoryNew = false
		m.role.TrustCenter = NoTrustCenter
		m.emit(StartAsRouter{})
		m.emit(Announce{})
	} else {
		m.setChannel(m.role.Channel)
	}
	m.logger.Info("touchlink network ready", "channel", m.role.Channel, "short_addr", m.role.ShortAddr,
		"free_addr", m.role.FreeAddr, "free_group", m.role.FreeGroup)
	m.emit(Notify{Kind: NotifyJoined, Peer: m.sess.PeerInfo})
	m.emit(Persist{Role: m.role})
	m.sess.TransactionID = 0
	m.sess.Responded = false
	m.setState(InformApp)
	m.arm(m.cfg.Timing.InformDelay)
}

func (m *Machine) informApp() {
	peer := m.sess.PeerInfo
	m.finish(Idle, 0)
	if peer.NetworkAddress > 0 {
		m.logger.Info("touchlink target acquired", "peer", peer.IEEE, "addr", peer.NetworkAddress,
			"profile", peer.ProfileID, "device", peer.DeviceID)
		m.emit(Notify{Kind: NotifyTargetAcquired, Peer: peer})
	}
}
