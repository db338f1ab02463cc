package touchlink

import "zll-bridge/internal/zcl"

func (m *Machine) onIdleScanRequest(ev Received, req *zcl.ScanRequest) {
	if int(ev.LinkQuality) < m.cfg.LQIMinimum {
		m.logger.Debug("ignoring scan request: link quality", "peer", ev.Src, "lqi", ev.LinkQuality)
		return
	}
	m.becomeTarget(ev.Src, req)
}

// becomeTarget answers a scan request and waits in Active for the
// initiator's follow-up requests.
func (m *Machine) becomeTarget(src uint64, req *zcl.ScanRequest) {
	m.cancelTimer()
	m.targets.Reset()
	m.sess = Session{
		State:         Active,
		TransactionID: req.TransactionID,
		ResponseID:    m.nonce(),
		Peer:          src,
		Flags:         macCapability(req.ZigbeeInfo),
	}
	m.sess.PeerInfo = PeerInfo{IEEE: src, Capability: m.sess.Flags}
	m.logger.Info("answering touchlink scan", "peer", src, "transaction_id", req.TransactionID)
	m.emit(SetTxPower{Power: TxPowerLow})
	m.send(src, m.scanResponse(req.TransactionID, m.sess.ResponseID))
	m.arm(m.cfg.Timing.InterPANLifetime)
}

func (m *Machine) scanResponse(transactionID, responseID uint32) *zcl.ScanResponse {
	rsp := &zcl.ScanResponse{
		TransactionID:  transactionID,
		RSSICorrection: m.cfg.RSSICorrection,
		ZigbeeInfo:     m.cfg.zigbeeInfo(),
		KeyBitmask:     m.cfg.KeyMask,
		ResponseID:     responseID,
		Channel:        m.role.Channel,
	}
	if m.role.FactoryNew {
		rsp.ZLLInfo = zcl.ZLLInfoFactoryNew | zcl.ZLLInfoAddressAssign
		rsp.NetworkAddress = 0xffff
	} else {
		rsp.ZLLInfo = zcl.ZLLInfoAddressAssign
		rsp.ExtPanID = m.role.ExtPanID
		rsp.UpdateID = m.role.UpdateID
		rsp.PanID = m.role.PanID
		rsp.NetworkAddress = m.role.ShortAddr
	}

	records := m.cfg.records()
	rsp.SubDevices = uint8(len(records))
	for _, r := range records {
		rsp.TotalGroups += r.GroupCount
	}
	if len(records) == 1 {
		r := records[0]
		rsp.Endpoint = r.Endpoint
		rsp.ProfileID = r.ProfileID
		rsp.DeviceID = r.DeviceID
		rsp.Version = r.Version
		rsp.GroupCount = r.GroupCount
	}
	return rsp
}

// onScanningMessage handles frames received while our own scan runs.
func (m *Machine) onScanningMessage(ev Received) {
	switch msg := ev.Message.(type) {
	case *zcl.ScanResponse:
		m.onScanResponse(ev.Src, ev.LinkQuality, msg)

	case *zcl.ScanRequest:
		if int(ev.LinkQuality) < m.cfg.LQIMinimum {
			m.logger.Debug("ignoring scan request: link quality", "peer", ev.Src, "lqi", ev.LinkQuality)
			return
		}
		// A factory new node gives way to a commissioned initiator.
		if m.role.FactoryNew && msg.ZLLInfo&zcl.ZLLInfoFactoryNew == 0 {
			m.logger.Info("yielding scan to commissioned initiator", "peer", ev.Src)
			m.becomeTarget(ev.Src, msg)
			return
		}
		if m.sess.Responded {
			return
		}
		m.sess.Responded = true
		m.sess.TheirTransactionID = msg.TransactionID
		m.sess.TheirResponseID = m.nonce()
		m.sess.Flags = macCapability(msg.ZigbeeInfo)
		m.send(ev.Src, m.scanResponse(m.sess.TheirTransactionID, m.sess.TheirResponseID))

	case *zcl.DeviceInfoRequest:
		if m.sess.Responded && msg.TransactionID == m.sess.TheirTransactionID {
			m.sendDeviceInfo(ev.Src, msg)
		}

	case *zcl.IdentifyRequest:
		if m.sess.Responded && msg.TransactionID == m.sess.TheirTransactionID {
			m.identify(msg.Duration)
		}

	default:
		m.logger.Debug("unhandled frame during scan", "command", zcl.CommandName(msg.CommandID(), msg.Direction()))
	}
}

// onActiveMessage handles the initiator's requests after we answered its scan.
func (m *Machine) onActiveMessage(ev Received) {
	if ev.Message.Transaction() != m.sess.TransactionID {
		m.logger.Debug("frame for another transaction", "peer", ev.Src)
		return
	}
	switch msg := ev.Message.(type) {
	case *zcl.FactoryResetRequest:
		if m.role.FactoryNew {
			return
		}
		m.logger.Warn("factory reset requested over the air", "peer", ev.Src)
		m.setState(WaitLeaveReset)
		m.emit(Leave{})
		m.arm(m.cfg.Timing.LeaveWait)

	case *zcl.NetworkUpdateRequest:
		m.applyNetworkUpdate(msg)

	case *zcl.IdentifyRequest:
		m.identify(msg.Duration)

	case *zcl.DeviceInfoRequest:
		m.sendDeviceInfo(ev.Src, msg)

	case *zcl.JoinRouterRequest:
		m.onJoinRouterRequest(ev.Src, msg)

	case *zcl.NetworkStartRequest:
		m.onNetworkStartRequest(ev.Src, msg)

	case *zcl.JoinEndDeviceRequest:
		// Routers cannot become end devices.
		m.send(ev.Src, &zcl.JoinEndDeviceResponse{TransactionID: m.sess.TransactionID, Status: zcl.StatusFailure})
	}
}

func (m *Machine) applyNetworkUpdate(req *zcl.NetworkUpdateRequest) {
	if m.role.FactoryNew || req.ExtPanID != m.role.ExtPanID || req.PanID != m.role.PanID {
		return
	}
	if req.UpdateID == m.role.UpdateID || NewerUpdateID(m.role.UpdateID, req.UpdateID) == m.role.UpdateID {
		return
	}
	m.logger.Info("network update", "update_id", req.UpdateID, "channel", req.Channel, "addr", req.NetworkAddress)
	m.role.UpdateID = req.UpdateID
	m.role.ShortAddr = req.NetworkAddress
	m.role.Channel = req.Channel
	m.program()
	m.emit(Persist{Role: m.role})
	m.emit(Notify{Kind: NotifyNetworkUpdated})
}

func (m *Machine) identify(duration uint16) {
	if duration == 0xffff {
		duration = identifyDefault
	}
	m.emit(Identify{Duration: duration})
}

func (m *Machine) sendDeviceInfo(dst uint64, req *zcl.DeviceInfoRequest) {
	records := m.cfg.records()
	rsp := &zcl.DeviceInfoResponse{
		TransactionID: req.TransactionID,
		SubDevices:    uint8(len(records)),
		StartIndex:    req.StartIndex,
	}
	for i := int(req.StartIndex); i < len(records) && len(rsp.Records) < zcl.MaxDeviceInfoRecords; i++ {
		rsp.Records = append(rsp.Records, records[i])
	}
	m.send(dst, rsp)
}

func (m *Machine) unwrapKey(index uint8, wrapped Key) (Key, error) {
	transport, err := m.cfg.Keys.Derive(index, m.sess.TransactionID, m.sess.ResponseID)
	if err != nil {
		return Key{}, err
	}
	return UnwrapNetworkKey(transport, wrapped), nil
}

func (m *Machine) onJoinRouterRequest(src uint64, req *zcl.JoinRouterRequest) {
	status := zcl.StatusSuccess
	var key Key
	if !m.role.FactoryNew {
		status = zcl.StatusFailure
	} else if k, err := m.unwrapKey(req.KeyIndex, req.EncryptedKey); err != nil {
		m.logger.Warn("router join rejected", "peer", src, "error", err)
		status = zcl.StatusFailure
	} else {
		key = k
	}
	m.send(src, &zcl.JoinRouterResponse{TransactionID: m.sess.TransactionID, Status: status})
	if status != zcl.StatusSuccess {
		return
	}

	m.role.Channel = req.Channel
	m.role.PanID = req.PanID
	m.role.ExtPanID = req.ExtPanID
	m.role.ShortAddr = req.NetworkAddress
	m.role.UpdateID = req.UpdateID
	m.role.NetworkKey = key
	m.role.FreeAddr = Range{Low: req.FreeAddrBegin, High: req.FreeAddrEnd}
	m.role.FreeGroup = Range{Low: req.FreeGroupBegin, High: req.FreeGroupEnd}
	m.role.Groups = m.groupsFrom(req.GroupBegin)
	m.logger.Info("joining network as router", "ext_pan_id", req.ExtPanID, "channel", req.Channel, "addr", req.NetworkAddress)
	m.program()
	m.setState(WaitStartUp)
	m.arm(m.cfg.Timing.TargetSettle)
}

func (m *Machine) groupsFrom(begin uint16) Range {
	if begin == 0 || m.cfg.GroupsRequired == 0 {
		return Range{}
	}
	return Range{Low: begin, High: begin + uint16(m.cfg.GroupsRequired) - 1}
}

func (m *Machine) onNetworkStartRequest(src uint64, req *zcl.NetworkStartRequest) {
	if !m.role.FactoryNew {
		m.logger.Info("refusing network start: already commissioned", "peer", src)
		m.send(src, &zcl.NetworkStartResponse{TransactionID: m.sess.TransactionID, Status: zcl.StatusFailure})
		return
	}
	if _, err := m.unwrapKey(req.KeyIndex, req.EncryptedKey); err != nil {
		m.logger.Warn("refusing network start", "peer", src, "error", err)
		m.send(src, &zcl.NetworkStartResponse{TransactionID: m.sess.TransactionID, Status: zcl.StatusFailure})
		return
	}

	m.sess.start = *req
	m.emit(SetTxPower{Power: TxPowerNormal})
	if req.ExtPanID != 0 && req.PanID != 0 {
		m.setState(SkipDiscovery)
		m.arm(m.cfg.Timing.TargetSettle)
		return
	}
	if m.sess.start.ExtPanID == 0 {
		m.sess.start.ExtPanID = m.randomExtPanID()
	}
	if m.sess.start.PanID == 0 {
		m.sess.start.PanID = m.randomPanID()
	}
	m.logger.Debug("discovering networks before start")
	m.emit(Discover{})
	m.setState(WaitDiscovery)
	m.arm(m.cfg.Timing.DiscoveryWait)
}

func (m *Machine) randomExtPanID() uint64 {
	return uint64(randRange(m.rnd, 1, 0xffffffff))<<32 | uint64(m.rnd.Uint32())
}

func (m *Machine) randomPanID() uint16 {
	return uint16(randRange(m.rnd, 1, 0xfffe))
}

// handleDiscoveryDone regenerates the PAN ids until neither collides with a
// discovered network, then answers the start request.
func (m *Machine) handleDiscoveryDone(networks []Network) {
	clash := func() bool {
		for _, n := range networks {
			if n.ExtPanID == m.sess.start.ExtPanID || n.PanID == m.sess.start.PanID {
				return true
			}
		}
		return false
	}
	for clash() {
		m.sess.start.PanID = m.randomPanID()
		m.sess.start.ExtPanID = m.randomExtPanID()
	}
	m.sendStartResponse()
}

func (m *Machine) sendStartResponse() {
	if m.sess.start.Channel == 0 {
		m.sess.start.Channel = m.cfg.DefaultChannel
	}
	p := &m.sess.start
	m.logger.Info("starting network for initiator", "ext_pan_id", p.ExtPanID, "pan_id", p.PanID, "channel", p.Channel)
	m.send(m.sess.Peer, &zcl.NetworkStartResponse{
		TransactionID: m.sess.TransactionID,
		Status:        zcl.StatusSuccess,
		ExtPanID:      p.ExtPanID,
		Channel:       p.Channel,
		PanID:         p.PanID,
	})
	m.setState(StartRouter)
	m.arm(m.cfg.Timing.TargetSettle)
}

// startRouter forms the network described by the accepted start request.
func (m *Machine) startRouter() {
	p := m.sess.start
	key, err := m.unwrapKey(p.KeyIndex, p.EncryptedKey)
	if err != nil {
		m.logger.Warn("network start failed", "error", err)
		m.abort()
		return
	}
	m.role = NodeRole{
		FactoryNew:  false,
		Channel:     p.Channel,
		ShortAddr:   p.NetworkAddress,
		FreeAddr:    Range{Low: p.FreeAddrBegin, High: p.FreeAddrEnd},
		FreeGroup:   Range{Low: p.FreeGroupBegin, High: p.FreeGroupEnd},
		ExtPanID:    p.ExtPanID,
		PanID:       p.PanID,
		NetworkKey:  key,
		Groups:      m.groupsFrom(p.GroupBegin),
		TrustCenter: NoTrustCenter,
	}
	m.program()
	m.emit(StartAsRouter{})
	m.emit(Announce{})
	if p.InitiatorAddress != 0 {
		m.emit(AdmitJoiner{IEEE: p.InitiatorIEEE, ShortAddr: p.InitiatorAddress, Capability: m.sess.Flags})
	}
	m.emit(Persist{Role: m.role})
	m.emit(Notify{Kind: NotifyNetworkStarted, Peer: PeerInfo{IEEE: p.InitiatorIEEE, NetworkAddress: p.InitiatorAddress, Capability: m.sess.Flags}})
	m.finish(Idle, 0)
}

func (m *Machine) localResetDone() {
	m.logger.Info("node reset to factory new")
	m.role = FactoryNewRole()
	m.finish(Idle, 0)
	m.emit(Persist{Role: m.role})
	m.emit(Notify{Kind: NotifyNodeReset})
}

func (m *Machine) factoryResetDone() {
	m.logger.Warn("erasing node after factory reset request")
	m.role = FactoryNewRole()
	m.finish(Idle, 0)
	m.emit(Notify{Kind: NotifyFactoryReset})
	m.emit(EraseAndRestart{})
}
