package ncp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// NRF52840NCP implements NCP on an nRF52840 running the ZBOSS NCP firmware,
// attached over USB CDC ACM.
type NRF52840NCP struct {
	portName string
	portMode *serial.Mode
	logger   *slog.Logger
	endpoint Endpoint

	mu     sync.Mutex
	link   *zbossLink // nil while the port re-enumerates after a reset
	closed bool

	asduHandle atomic.Uint32

	// Cached after GetLocalIEEE, used to spot our own leave indication.
	localIEEE atomic.Uint64

	handlerMu  sync.RWMutex
	onInterPAN func(InterPANFrame)
	onLeave    func()
	onReset    func()

	// resetInd is signalled by NCPResetInd and outlives any one link.
	resetInd chan struct{}

	infoMu  sync.RWMutex
	ncpInfo NCPInfo
}

// Endpoint is the application endpoint registered on the NCP so that
// inter-PAN frames for the touchlink cluster are delivered to the host.
type Endpoint struct {
	ID        uint8
	ProfileID uint16
	DeviceID  uint16
	Version   uint8
	Clusters  []uint16
}

// NewNRF52840NCP opens the serial port and starts the ZBOSS link.
func NewNRF52840NCP(portName string, baudRate int, ep Endpoint, logger *slog.Logger) (*NRF52840NCP, error) {
	n := newNRF52840(ep, logger)
	n.portName = portName
	n.portMode = &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := n.openPort()
	if err != nil {
		return nil, fmt.Errorf("nrf52840 ncp: open %s: %w", portName, err)
	}
	n.link = newZBOSSLink(port, n.handleIndication, n.logger)
	return n, nil
}

func newNRF52840(ep Endpoint, logger *slog.Logger) *NRF52840NCP {
	return &NRF52840NCP{
		logger:   logger,
		endpoint: ep,
		resetInd: make(chan struct{}, 1),
		ncpInfo:  NCPInfo{Backend: "nrf52840"},
	}
}

// openPort opens the port with DTR and RTS asserted; the firmware's CDC ACM
// interface stays silent without them.
func (n *NRF52840NCP) openPort() (serial.Port, error) {
	port, err := serial.Open(n.portName, n.portMode)
	if err != nil {
		return nil, err
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

func (n *NRF52840NCP) currentLink() (*zbossLink, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.link == nil {
		return nil, ErrClosed
	}
	return n.link, nil
}

// swapLink installs next and closes the link it replaces.
func (n *NRF52840NCP) swapLink(next *zbossLink) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		if next != nil {
			next.close()
		}
		return ErrClosed
	}
	prev := n.link
	n.link = next
	n.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return nil
}

func (n *NRF52840NCP) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	l, err := n.currentLink()
	if err != nil {
		return nil, err
	}
	return l.request(ctx, callID, payload)
}

// handleIndication runs on the link's read loop.
func (n *NRF52840NCP) handleIndication(f *zbossFrame) {
	n.handlerMu.RLock()
	onInterPAN := n.onInterPAN
	onLeave := n.onLeave
	onReset := n.onReset
	n.handlerMu.RUnlock()

	switch f.HL.CallID {
	case zbossCmdIntrpDataInd:
		frame, err := parseInterPANInd(f.Payload)
		if err != nil {
			n.logger.Warn("inter-PAN indication", "err", err)
			return
		}
		n.logger.Debug("INTRP_DataInd", "src", fmt.Sprintf("%016X", frame.Src),
			"cluster", fmt.Sprintf("0x%04X", frame.ClusterID), "lqi", frame.LQI)
		if onInterPAN != nil {
			onInterPAN(frame)
		}

	case zbossCmdNwkLeaveInd:
		// ieee(8) + rejoin(1)
		if len(f.Payload) < 8 {
			return
		}
		ieee := binary.LittleEndian.Uint64(f.Payload[0:8])
		n.logger.Info("NwkLeaveInd", "ieee", fmt.Sprintf("%016X", ieee))
		if own := n.localIEEE.Load(); (own == 0 || ieee == own) && onLeave != nil {
			onLeave()
		}

	case zbossCmdNCPResetInd:
		n.logger.Warn("NCPResetInd received")
		select {
		case n.resetInd <- struct{}{}:
		default:
		}
		if onReset != nil {
			onReset()
		}

	default:
		n.logger.Debug("zboss unhandled indication",
			"cmd", zbossCmdName(f.HL.CallID),
			"payload", fmt.Sprintf("%X", f.Payload))
	}
}

// ZBOSS NCP reset options.
const (
	zbossResetNoOption   uint8 = 0x00
	zbossResetEraseNVRAM uint8 = 0x01
	zbossResetFactory    uint8 = 0x02
)

const (
	reconnectAttempts = 30
	reconnectInterval = time.Second
	probeTimeout      = 3 * time.Second
	resetIndWait      = 3 * time.Second
)

// resetAndReconnect resets the NCP and waits for it to come back. The
// nRF52840 drops off USB during a reset, so the old link is closed and a new
// one is opened once the port answers a version probe.
func (n *NRF52840NCP) resetAndReconnect(ctx context.Context, option uint8) error {
	what := "reset"
	if option == zbossResetFactory {
		what = "factory reset"
	}

	l, err := n.currentLink()
	if err != nil {
		return err
	}
	select {
	case <-n.resetInd:
	default:
	}
	l.sendReset(option)
	n.logger.Info("NCP "+what+" sent, waiting for USB reconnect")
	if err := n.swapLink(nil); err != nil {
		return err
	}

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		port, err := n.openPort()
		if err != nil {
			n.logger.Debug("waiting for NCP USB", "attempt", attempt, "err", err)
			continue
		}
		link := newZBOSSLink(port, n.handleIndication, n.logger)
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err = link.request(probeCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err != nil {
			n.logger.Debug("NCP not ready yet", "attempt", attempt, "err", err)
			link.close()
			continue
		}
		if err := n.swapLink(link); err != nil {
			return err
		}

		n.logger.Info("NCP reconnected after "+what, "attempts", attempt)
		select {
		case <-n.resetInd:
			n.logger.Info("NCPResetInd confirmed")
		case <-time.After(resetIndWait):
			n.logger.Warn("NCPResetInd not received, proceeding")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return fmt.Errorf("NCP did not recover after %s", what)
}

func (n *NRF52840NCP) Reset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetNoOption)
}

func (n *NRF52840NCP) FactoryReset(ctx context.Context) error {
	return n.resetAndReconnect(ctx, zbossResetFactory)
}

// Init reads the module version and registers the touchlink endpoint.
func (n *NRF52840NCP) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) >= 12 {
		fw := binary.LittleEndian.Uint32(resp.Payload[0:4])
		stack := binary.LittleEndian.Uint32(resp.Payload[4:8])
		proto := binary.LittleEndian.Uint32(resp.Payload[8:12])
		stackStr := fmt.Sprintf("%d.%d.%d.%d", (stack>>24)&0xFF, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF)
		n.infoMu.Lock()
		n.ncpInfo.FWVersion = fw
		n.ncpInfo.StackVersion = stackStr
		n.ncpInfo.ProtocolVersion = proto
		n.infoMu.Unlock()
		n.logger.Info("NCP module version", "fw", fw, "stack", stackStr, "protocol", proto)
	}

	ep := n.endpoint
	desc := buildSimpleDescPayload(ep.ID, ep.ProfileID, ep.DeviceID, ep.Version, ep.Clusters, ep.Clusters)
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint %d: %w", ep.ID, err)
	}
	if _, err := n.request(ctx, zbossCmdSetRxOnWhenIdle, []byte{0x01}); err != nil {
		return fmt.Errorf("set rx on when idle: %w", err)
	}
	return nil
}

func (n *NRF52840NCP) GetLocalIEEE(ctx context.Context) (uint64, error) {
	// Request: mac_interface_num(1) = 0
	resp, err := n.request(ctx, zbossCmdGetLocalIEEE, []byte{0x00})
	if err != nil {
		return 0, fmt.Errorf("get local ieee: %w", err)
	}
	// Response: mac_interface_num(1) + ieee(8)
	if len(resp.Payload) < 9 {
		return 0, fmt.Errorf("get local ieee: short response %X", resp.Payload)
	}
	ieee := binary.LittleEndian.Uint64(resp.Payload[1:9])
	n.localIEEE.Store(ieee)
	return ieee, nil
}

// --- NCP interface: radio ---

func channelMaskPayload(channel uint8) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x00 // channel page 0 (2.4 GHz)
	binary.LittleEndian.PutUint32(buf[1:], 1<<uint(channel))
	return buf
}

func (n *NRF52840NCP) SetChannel(ctx context.Context, channel uint8) error {
	if channel < 11 || channel > 26 {
		return fmt.Errorf("set channel: %d outside 11-26", channel)
	}
	if _, err := n.request(ctx, zbossCmdSetChannelMask, channelMaskPayload(channel)); err != nil {
		return fmt.Errorf("set channel %d: %w", channel, err)
	}
	return nil
}

func (n *NRF52840NCP) SetTxPower(ctx context.Context, dbm int8) error {
	if _, err := n.request(ctx, zbossCmdSetTxPower, []byte{byte(dbm)}); err != nil {
		return fmt.Errorf("set tx power %d: %w", dbm, err)
	}
	return nil
}

// --- NCP interface: network ---

// SetNetwork writes the network parameters. They take effect on the next
// StartRouter.
func (n *NRF52840NCP) SetNetwork(ctx context.Context, p NetworkParams) error {
	ext := make([]byte, 8)
	binary.LittleEndian.PutUint64(ext, p.ExtPanID)
	pan := make([]byte, 2)
	binary.LittleEndian.PutUint16(pan, p.PanID)
	short := make([]byte, 2)
	binary.LittleEndian.PutUint16(short, p.ShortAddr)
	key := make([]byte, 17) // key(16) + key_seq_num(1)
	copy(key, p.NetworkKey[:])

	steps := []struct {
		callID  uint16
		payload []byte
		name    string
	}{
		{zbossCmdSetExtPanID, ext, "ext pan id"},
		{zbossCmdSetChannelMask, channelMaskPayload(p.Channel), "channel mask"},
		{zbossCmdSetPanID, pan, "pan id"},
		{zbossCmdSetShortAddr, short, "short address"},
		{zbossCmdSetNwkKey, key, "network key"},
		{zbossCmdSetNwkUpdateID, []byte{p.UpdateID}, "update id"},
	}
	for _, s := range steps {
		if _, err := n.request(ctx, s.callID, s.payload); err != nil {
			return fmt.Errorf("set %s: %w", s.name, err)
		}
	}
	n.logger.Info("network parameters written",
		"ext_pan_id", fmt.Sprintf("%016X", p.ExtPanID),
		"pan_id", fmt.Sprintf("0x%04X", p.PanID),
		"channel", p.Channel,
		"short", fmt.Sprintf("0x%04X", p.ShortAddr))
	return nil
}

// StartRouter starts the stack as a router on the programmed network without
// forming or joining.
func (n *NRF52840NCP) StartRouter(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdSetZigbeeRole, []byte{zbossRoleRouter}); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return fmt.Errorf("start without form: %w", err)
	}
	return nil
}

func (n *NRF52840NCP) Announce(ctx context.Context) error {
	_, err := n.request(ctx, zbossCmdZDODevAnnceReq, nil)
	return err
}

// admitWindow is how long a touchlink initiator may join after a network start.
const admitWindow uint8 = 60

// AdmitJoiner opens the local router for the initiator of a network start.
func (n *NRF52840NCP) AdmitJoiner(ctx context.Context, j Joiner) error {
	// ZDO_PERMIT_JOINING_REQ: dest_short(2) + duration(1) + tc_significance(1)
	buf := []byte{0xFC, 0xFF, admitWindow, 0x00}
	if _, err := n.request(ctx, zbossCmdZDOPermitJoiningReq, buf); err != nil {
		return fmt.Errorf("admit %016X: %w", j.IEEE, err)
	}
	n.logger.Info("joiner admitted", "ieee", fmt.Sprintf("%016X", j.IEEE), "short", fmt.Sprintf("0x%04X", j.ShortAddr))
	return nil
}

// Leave asks the local node to leave its network. Completion arrives as
// NwkLeaveInd through OnLeaveConfirm.
func (n *NRF52840NCP) Leave(ctx context.Context) error {
	// ZDO_MGMT_LEAVE_REQ: dest_short(2) + ieee(8) + flags(1)
	// flags=0x00: leave permanently, no rejoin
	buf := make([]byte, 11)
	binary.LittleEndian.PutUint16(buf[0:2], 0x0000)
	binary.LittleEndian.PutUint64(buf[2:10], n.localIEEE.Load())
	_, err := n.request(ctx, zbossCmdZDOMgmtLeaveReq, buf)
	return err
}

func (n *NRF52840NCP) NetworkScan(ctx context.Context) ([]NetworkScanResult, error) {
	// NWK_DISCOVERY (0x0402): blocking call, passive beacon scan.
	// Request: channel_list_len(1) + [page(1) + mask(4)] + scan_duration(1)
	buf := make([]byte, 7)
	buf[0] = 0x01                                       // 1 channel list entry
	buf[1] = 0x00                                       // page 0 (2.4 GHz)
	binary.LittleEndian.PutUint32(buf[2:6], 0x07FFF800) // channels 11-26
	buf[6] = 0x05                                       // ~500ms per channel

	scanCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := n.request(scanCtx, zbossCmdNwkDiscovery, buf)
	if err != nil {
		if resp != nil && resp.HL.StatusCat == zbossStatusMAC && resp.HL.StatusCode == zbossMACNoBeacon {
			n.logger.Info("network scan complete", "networks_found", 0)
			return nil, nil
		}
		return nil, fmt.Errorf("network scan: %w", err)
	}
	results := parseNetworkDescriptors(resp.Payload)
	n.logger.Info("network scan complete", "networks_found", len(results))
	return results, nil
}

// parseNetworkDescriptors decodes a NWK_DISCOVERY response:
// network_count(1) + descriptors[count*16], each
// ext_pan_id(8) + pan_id(2) + nwk_update_id(1) + channel_page(1) + channel(1) + flags(1) + lqi(1) + rssi(1).
func parseNetworkDescriptors(p []byte) []NetworkScanResult {
	if len(p) < 1 {
		return nil
	}
	count := int(p[0])
	const descSize = 16
	results := make([]NetworkScanResult, 0, count)
	for i := 0; i < count; i++ {
		off := 1 + i*descSize
		if off+descSize > len(p) {
			break
		}
		d := p[off : off+descSize]
		flags := d[13]
		results = append(results, NetworkScanResult{
			ExtPanID:     binary.LittleEndian.Uint64(d[0:8]),
			PanID:        binary.LittleEndian.Uint16(d[8:10]),
			UpdateID:     d[10],
			Channel:      d[12],
			LQI:          d[14],
			RSSI:         int8(d[15]),
			PermitJoin:   flags&0x01 != 0,
			RouterCap:    flags&0x02 != 0,
			EDCap:        flags&0x04 != 0,
			StackProfile: (flags >> 4) & 0x0F,
		})
	}
	return results
}

// --- NCP interface: inter-PAN ---

func (n *NRF52840NCP) SendInterPAN(ctx context.Context, f InterPANFrame) error {
	handle := uint8(n.asduHandle.Add(1))
	if _, err := n.request(ctx, zbossCmdIntrpDataReq, buildInterPANReq(f, handle)); err != nil {
		return fmt.Errorf("send inter-PAN to %016X: %w", f.Dst, err)
	}
	return nil
}

// --- Indication callback setters ---

func (n *NRF52840NCP) OnInterPAN(handler func(InterPANFrame)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onInterPAN = handler
}

func (n *NRF52840NCP) OnLeaveConfirm(handler func()) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onLeave = handler
}

// OnNCPReset registers a callback for spontaneous NCP reset events.
func (n *NRF52840NCP) OnNCPReset(handler func()) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onReset = handler
}

// GetNCPInfo returns a copy of the cached version information.
func (n *NRF52840NCP) GetNCPInfo() *NCPInfo {
	n.infoMu.RLock()
	defer n.infoMu.RUnlock()
	info := n.ncpInfo
	return &info
}

// Close closes the port and waits for the read loop to exit.
func (n *NRF52840NCP) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	l := n.link
	n.link = nil
	n.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.close()
}
