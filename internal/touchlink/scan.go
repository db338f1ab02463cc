package touchlink

import "zll-bridge/internal/zcl"

func (m *Machine) beginScan(resetTarget bool) {
	m.cancelTimer()
	m.targets.Reset()
	m.sess = Session{
		State:         Scanning,
		TransactionID: m.nonce(),
		ResetTarget:   resetTarget,
	}
	m.logger.Info("touchlink scan started", "transaction_id", m.sess.TransactionID, "factory_new", m.role.FactoryNew)
	m.emit(SetTxPower{Power: TxPowerLow})
	m.arm(m.cfg.Timing.Start)
}

// nextScanChannel probes the next channel of the current pass or moves to
// ScanDone once the pass is exhausted. The primary pass walks
// PrimaryChannels by index; the secondary pass walks channel numbers,
// skipping the primary ones.
func (m *Machine) nextScanChannel() {
	var ch uint8
	if !m.sess.SecondScan {
		if m.sess.scanIndex >= len(PrimaryChannels) {
			m.scanPassDone()
			return
		}
		ch = PrimaryChannels[m.sess.scanIndex]
		m.sess.scanIndex++
	} else {
		for m.sess.scanIndex <= secondaryLast && isPrimaryChannel(uint8(m.sess.scanIndex)) {
			m.sess.scanIndex++
		}
		if m.sess.scanIndex > secondaryLast {
			m.scanPassDone()
			return
		}
		ch = uint8(m.sess.scanIndex)
		m.sess.scanIndex++
	}

	m.sess.ScanChannel = ch
	m.sess.RetryCount++
	m.setChannel(ch)
	m.broadcast(&zcl.ScanRequest{
		TransactionID: m.sess.TransactionID,
		ZigbeeInfo:    m.cfg.zigbeeInfo(),
		ZLLInfo:       m.scanZLLInfo(),
	})
	m.arm(m.cfg.Timing.ScanWindow)
}

func (m *Machine) scanZLLInfo() uint8 {
	info := zcl.ZLLInfoLinkInitiator | zcl.ZLLInfoAddressAssign
	if m.role.FactoryNew {
		info |= zcl.ZLLInfoFactoryNew
	}
	return info
}

func (m *Machine) scanPassDone() {
	m.setState(ScanDone)
	m.arm(m.cfg.Timing.ScanDone)
}

func (m *Machine) scanDone() {
	target, ok := m.targets.Best()
	if !ok {
		if m.sess.SecondScan {
			m.logger.Info("touchlink scan found no target")
			m.abort()
			return
		}
		m.logger.Debug("no target on primary channels, starting secondary pass")
		m.sess.SecondScan = true
		m.sess.scanIndex = secondaryFirst
		m.setState(Scanning)
		m.arm(m.cfg.Timing.Start)
		return
	}

	offer := &target.Offer
	m.sess.Peer = target.PeerAddr
	m.sess.ResponseID = offer.ResponseID
	m.sess.PeerInfo = PeerInfo{
		IEEE:       target.PeerAddr,
		Endpoint:   offer.Endpoint,
		ProfileID:  offer.ProfileID,
		DeviceID:   offer.DeviceID,
		Version:    offer.Version,
		Capability: macCapability(offer.ZigbeeInfo),
	}
	m.logger.Info("touchlink target selected",
		"peer", target.PeerAddr, "lqi", target.LinkQuality, "channel", offer.Channel,
		"factory_new", offer.FactoryNew(), "end_device", offer.EndDevice())
	m.setChannel(offer.Channel)

	if !m.role.FactoryNew && !offer.FactoryNew() && offer.EndDevice() && offer.ExtPanID == m.role.ExtPanID {
		m.sess.PeerInfo.NetworkAddress = offer.NetworkAddress
		m.finish(InformApp, m.cfg.Timing.EndDeviceInform)
		return
	}

	m.send(m.sess.Peer, &zcl.IdentifyRequest{TransactionID: m.sess.TransactionID, Duration: IdentifyDuration})
	m.setState(ScanWaitID)
	m.arm(m.cfg.Timing.ScanDone)
}

// onScanResponse filters a scan response and offers survivors to the target
// registry.
func (m *Machine) onScanResponse(src uint64, lqi uint8, rsp *zcl.ScanResponse) {
	if rsp.TransactionID != m.sess.TransactionID {
		m.logger.Debug("scan response for another transaction", "peer", src)
		return
	}
	adjusted := int(lqi) + int(rsp.RSSICorrection)
	if adjusted < m.cfg.LQIMinimum {
		m.logger.Debug("scan response rejected: link quality", "peer", src, "lqi", adjusted)
		return
	}

	nfn := !m.role.FactoryNew
	otherNetwork := rsp.ExtPanID != m.role.ExtPanID

	// Only a distributed network may touchlink with foreign networks.
	if nfn && otherNetwork && m.role.TrustCenter != NoTrustCenter {
		m.logger.Debug("scan response rejected: centralised network", "peer", src)
		return
	}

	if m.cfg.KeyMask&rsp.KeyBitmask == 0 && (m.role.FactoryNew || otherNetwork) {
		m.logger.Debug("scan response rejected: no common key", "peer", src, "key_bitmask", rsp.KeyBitmask)
		return
	}

	if nfn && !otherNetwork && rsp.PanID == m.role.PanID && rsp.UpdateID != m.role.UpdateID {
		m.reconcileUpdateID(src, rsp)
		return
	}

	if rsp.EndDevice() && (m.role.FactoryNew || (!rsp.FactoryNew() && otherNetwork)) {
		m.logger.Debug("scan response rejected: end device", "peer", src)
		return
	}

	if m.targets.Offer(ScanTarget{LinkQuality: adjusted, PeerAddr: src, Offer: *rsp}, m.cfg.LQIMinimum) {
		m.logger.Debug("scan target accepted", "peer", src, "lqi", adjusted)
	}
}

// reconcileUpdateID handles two members of the same network that disagree on
// the network update id. The fresher side wins; the response never becomes a
// candidate.
func (m *Machine) reconcileUpdateID(src uint64, rsp *zcl.ScanResponse) {
	ours := m.role.UpdateID
	if NewerUpdateID(ours, rsp.UpdateID) == ours {
		m.logger.Info("peer network parameters stale, sending update", "peer", src, "ours", ours, "theirs", rsp.UpdateID)
		m.send(src, &zcl.NetworkUpdateRequest{
			TransactionID:  m.sess.TransactionID,
			ExtPanID:       m.role.ExtPanID,
			UpdateID:       ours,
			Channel:        m.role.Channel,
			PanID:          m.role.PanID,
			NetworkAddress: rsp.NetworkAddress,
		})
		return
	}

	m.logger.Info("local network parameters stale, updating", "peer", src, "ours", ours, "theirs", rsp.UpdateID, "channel", rsp.Channel)
	m.role.UpdateID = rsp.UpdateID
	m.role.Channel = rsp.Channel
	m.finish(Idle, 0)
	m.program()
	m.emit(Persist{Role: m.role})
	m.emit(Notify{Kind: NotifyNetworkUpdated})
}
