package coordinator

import (
	"context"
	"time"

	"zll-bridge/internal/capture"
	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
	"zll-bridge/internal/zcl"
)

// ncpTimeout bounds a single NCP call made while applying an effect.
const ncpTimeout = 5 * time.Second

// interPANPan is the destination PAN of touchlink frames.
const interPANPan uint16 = 0xffff

// apply performs one effect. NCP failures are logged and otherwise ignored;
// the machine recovers through its own timers.
func (c *Coordinator) apply(e touchlink.Effect) {
	ctx, cancel := context.WithTimeout(c.ctx, ncpTimeout)
	defer cancel()

	switch e := e.(type) {
	case touchlink.SetChannel:
		if err := c.ncp.SetChannel(ctx, e.Channel); err != nil {
			c.logger.Error("set channel", "channel", e.Channel, "err", err)
			return
		}
		c.channel.Store(uint32(e.Channel))

	case touchlink.SetTxPower:
		if err := c.ncp.SetTxPower(ctx, e.Power); err != nil {
			c.logger.Warn("set tx power", "dbm", e.Power, "err", err)
		}

	case touchlink.Send:
		c.send(ctx, e)

	case touchlink.ArmTimer:
		id := e.ID
		c.timers[id] = time.AfterFunc(e.After, func() {
			c.post(touchlink.TimerExpired{ID: id})
		})

	case touchlink.CancelTimer:
		if t, ok := c.timers[e.ID]; ok {
			t.Stop()
			delete(c.timers, e.ID)
		}

	case touchlink.ProgramNetwork:
		if err := c.ncp.SetNetwork(ctx, toNCPNetwork(e.Params)); err != nil {
			c.logger.Error("program network", "err", err)
			return
		}
		c.channel.Store(uint32(e.Params.Channel))

	case touchlink.StartAsRouter:
		if err := c.ncp.StartRouter(ctx); err != nil {
			c.logger.Error("start router", "err", err)
		}

	case touchlink.Announce:
		if err := c.ncp.Announce(ctx); err != nil {
			c.logger.Warn("device announce", "err", err)
		}

	case touchlink.AdmitJoiner:
		j := ncp.Joiner{IEEE: e.IEEE, ShortAddr: e.ShortAddr, Capability: e.Capability}
		if err := c.ncp.AdmitJoiner(ctx, j); err != nil {
			c.logger.Error("admit joiner", "ieee", FormatIEEE(e.IEEE), "err", err)
		}

	case touchlink.Leave:
		if err := c.ncp.Leave(ctx); err != nil {
			c.logger.Error("leave network", "err", err)
		}

	case touchlink.Discover:
		c.discover()

	case touchlink.Identify:
		c.logger.Info("identify", "duration", e.Duration)
		c.events.Emit(Event{Type: EventIdentify, Data: map[string]interface{}{"duration": e.Duration}})

	case touchlink.Persist:
		if err := c.store.SaveNodeRole(roleToStore(e.Role)); err != nil {
			c.logger.Error("save node role", "err", err)
		}
		c.events.Emit(Event{Type: EventRoleChanged, Data: e.Role})

	case touchlink.EraseAndRestart:
		c.eraseAndRestart()

	case touchlink.Notify:
		c.notify(e)
	}
}

func (c *Coordinator) send(ctx context.Context, e touchlink.Send) {
	c.seq++
	dst := e.Dst
	if e.Broadcast {
		dst = ncp.BroadcastAddr
	}
	payload := zcl.Encode(c.seq, e.Msg)
	frame := ncp.InterPANFrame{
		Dst:       dst,
		DstPanID:  interPANPan,
		ProfileID: zcl.ProfileZLL,
		ClusterID: zcl.ClusterTouchlink,
		Payload:   payload,
	}
	name := zcl.CommandName(e.Msg.CommandID(), e.Msg.Direction())
	c.record(capture.DirectionOut, dst, 0, name, c.seq, payload)
	if err := c.ncp.SendInterPAN(ctx, frame); err != nil {
		c.logger.Error("send inter-PAN", "cmd", name, "dst", FormatIEEE(dst), "err", err)
		return
	}
	c.logger.Debug("touchlink TX", "cmd", name, "dst", FormatIEEE(dst), "seq", c.seq)
}

// handleInterPAN runs on the NCP's goroutine.
func (c *Coordinator) handleInterPAN(f ncp.InterPANFrame) {
	if f.ClusterID != zcl.ClusterTouchlink || f.ProfileID != zcl.ProfileZLL {
		return
	}
	hdr, msg, err := zcl.Decode(f.Payload)
	if err != nil {
		c.logger.Debug("drop touchlink frame", "src", FormatIEEE(f.Src), "err", err)
		return
	}
	name := zcl.CommandName(hdr.Command, hdr.Direction())
	c.record(capture.DirectionIn, f.Src, f.LQI, name, hdr.Seq, f.Payload)
	c.logger.Debug("touchlink RX", "cmd", name, "src", FormatIEEE(f.Src), "lqi", f.LQI)
	c.post(touchlink.Received{Src: f.Src, LinkQuality: f.LQI, Message: msg})
}

func (c *Coordinator) record(dir capture.Direction, peer uint64, lqi uint8, cmd string, seq uint8, data []byte) {
	ch := uint8(c.channel.Load())
	if c.capture != nil {
		c.capture.Record(capture.Frame{
			Timestamp: time.Now(),
			Direction: dir,
			Channel:   ch,
			Peer:      peer,
			LQI:       lqi,
			Command:   cmd,
			Seq:       seq,
			Data:      data,
		})
	}
	c.events.Emit(Event{Type: EventFrame, Data: FrameInfo{
		Direction: dir.String(),
		Peer:      FormatIEEE(peer),
		Command:   cmd,
		Channel:   ch,
		LQI:       lqi,
	}})
}

// discover scans for networks off the loop and reports back as an event.
func (c *Coordinator) discover() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		defer cancel()
		results, err := c.ncp.NetworkScan(ctx)
		if err != nil {
			// Random identifiers are still usable without the scan.
			c.logger.Warn("network discovery", "err", err)
		}
		networks := make([]touchlink.Network, 0, len(results))
		for _, r := range results {
			networks = append(networks, touchlink.Network{ExtPanID: r.ExtPanID, PanID: r.PanID, Channel: r.Channel})
		}
		c.post(touchlink.DiscoveryDone{Networks: networks})
	}()
}

func (c *Coordinator) notify(e touchlink.Notify) {
	role := c.machine.Role()
	out := Outcome{
		Kind:      string(e.Kind),
		ShortAddr: e.Peer.NetworkAddress,
		Endpoint:  e.Peer.Endpoint,
		DeviceID:  e.Peer.DeviceID,
		Channel:   role.Channel,
		PanID:     role.PanID,
	}
	rec := &store.Record{
		Kind:      string(e.Kind),
		Channel:   role.Channel,
		PanID:     role.PanID,
		ShortAddr: e.Peer.NetworkAddress,
	}
	if e.Peer.IEEE != 0 {
		out.Peer = FormatIEEE(e.Peer.IEEE)
		rec.Peer = out.Peer
	}
	if t, ok := c.machine.Target(); ok && t.PeerAddr == e.Peer.IEEE {
		rec.LQI = t.LinkQuality
	}
	if err := c.store.AddRecord(rec); err != nil {
		c.logger.Error("add history record", "err", err)
	}
	c.logger.Info("touchlink", "event", e.Kind, "peer", out.Peer)
	c.events.Emit(Event{Type: EventTouchlink, Data: out})
}

// eraseAndRestart wipes persisted state and the NCP, then restarts the
// engine factory new.
func (c *Coordinator) eraseAndRestart() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	if err := c.store.EraseAll(); err != nil {
		c.logger.Error("erase store", "err", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, time.Minute)
	defer cancel()
	if err := c.ncp.FactoryReset(ctx); err != nil {
		c.logger.Error("ncp factory reset", "err", err)
	} else if err := c.ncp.Init(ctx); err != nil {
		c.logger.Error("ncp init after factory reset", "err", err)
	}

	role := touchlink.FactoryNewRole()
	if err := c.ncp.SetChannel(ctx, role.Channel); err != nil {
		c.logger.Error("set channel", "err", err)
	}
	c.channel.Store(uint32(role.Channel))
	c.machine.Restart(role)
	c.logger.Info("node restarted factory new")
}
