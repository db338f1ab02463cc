package touchlink

import (
	"errors"
	"log/slog"
	"time"

	"zll-bridge/internal/zcl"
)

// ErrBusy is returned for a start or reset request while a session runs.
var ErrBusy = errors.New("touchlink: session in progress")

// Machine is the touchlink commissioning state machine. It performs no I/O:
// every Step returns the effects the caller must apply, in order. A Machine
// must only be used from one goroutine.
type Machine struct {
	cfg     Config
	role    NodeRole
	sess    Session
	targets TargetRegistry
	rnd     Rand
	logger  *slog.Logger

	timerSeq TimerID
	timer    TimerID
	channel  uint8
	out      []Effect
}

// NewMachine creates an idle machine for a node holding role.
func NewMachine(cfg Config, role NodeRole, rnd Rand, logger *slog.Logger) *Machine {
	if cfg.LQIMinimum == 0 {
		cfg.LQIMinimum = LQIMinimum
	}
	if cfg.DefaultChannel == 0 {
		cfg.DefaultChannel = DefaultChannel
	}
	return &Machine{
		cfg:     cfg,
		role:    role,
		rnd:     rnd,
		logger:  logger.With("component", "touchlink"),
		channel: role.Channel,
	}
}

// Restart drops any session and continues as a node holding role. Pending
// timers are forgotten without a CancelTimer effect; timer ids keep counting
// so an expiry armed before the restart is ignored.
func (m *Machine) Restart(role NodeRole) {
	m.role = role
	m.sess = Session{}
	m.targets.Reset()
	m.timer = 0
	m.channel = role.Channel
	m.out = nil
}

// State returns the current state.
func (m *Machine) State() State { return m.sess.State }

// Role returns a copy of the node role.
func (m *Machine) Role() NodeRole { return m.role }

// Session returns a copy of the session.
func (m *Machine) Session() Session { return m.sess }

// Target returns the best candidate of the running scan.
func (m *Machine) Target() (ScanTarget, bool) { return m.targets.Best() }

// Step consumes one event to completion.
func (m *Machine) Step(ev Event) ([]Effect, error) {
	m.out = nil
	var err error

	switch ev := ev.(type) {
	case StartCommand:
		err = m.handleStart(ev)
	case ResetCommand:
		err = m.handleReset()
	case TimerExpired:
		if ev.ID == 0 || ev.ID != m.timer {
			m.logger.Debug("stale timer", "id", ev.ID, "armed", m.timer)
			break
		}
		m.timer = 0
		m.handleTimer()
	case Received:
		m.handleReceived(ev)
	case LeaveConfirmed:
		m.handleLeaveConfirmed()
	case DiscoveryDone:
		if m.sess.State == WaitDiscovery {
			m.handleDiscoveryDone(ev.Networks)
		}
	}

	out := m.out
	m.out = nil
	return out, err
}

func (m *Machine) handleStart(ev StartCommand) error {
	switch m.sess.State {
	case Idle:
	case Active:
		if m.role.FactoryNew {
			return ErrBusy
		}
		m.logger.Info("abandoning target role to scan")
	default:
		return ErrBusy
	}
	m.beginScan(ev.ResetTarget)
	return nil
}

func (m *Machine) handleReset() error {
	if m.sess.State != Idle {
		return ErrBusy
	}
	if m.role.FactoryNew {
		m.role = FactoryNewRole()
		m.emit(Persist{Role: m.role})
		m.emit(Notify{Kind: NotifyNodeReset})
		return nil
	}
	m.logger.Info("leaving network for local reset", "ext_pan_id", m.role.ExtPanID)
	m.setState(WaitLeave)
	m.emit(Leave{})
	m.arm(m.cfg.Timing.LeaveWait)
	return nil
}

func (m *Machine) handleTimer() {
	switch m.sess.State {
	case Scanning:
		m.nextScanChannel()
	case ScanDone:
		m.scanDone()
	case ScanWaitID:
		m.sendDeviceInfoRequest()
	case ScanWaitResetSent:
		m.logger.Info("factory reset request sent", "peer", m.sess.Peer)
		m.finish(Idle, 0)
	case WaitStartUp:
		m.startUp()
	case InformApp:
		m.informApp()
	case SkipDiscovery:
		m.sendStartResponse()
	case StartRouter:
		m.startRouter()
	case WaitLeave:
		m.localResetDone()
	case WaitLeaveReset:
		m.factoryResetDone()
	case Idle:
	default:
		m.logger.Info("touchlink timed out", "state", m.sess.State)
		m.abort()
	}
}

func (m *Machine) handleLeaveConfirmed() {
	switch m.sess.State {
	case WaitLeave:
		m.localResetDone()
	case WaitLeaveReset:
		m.factoryResetDone()
	}
}

func (m *Machine) handleReceived(ev Received) {
	if ev.Message == nil {
		return
	}
	switch m.sess.State {
	case Idle:
		if req, ok := ev.Message.(*zcl.ScanRequest); ok {
			m.onIdleScanRequest(ev, req)
		}
	case Scanning:
		m.onScanningMessage(ev)
	case ScanWaitInfo:
		if rsp, ok := ev.Message.(*zcl.DeviceInfoResponse); ok && rsp.TransactionID == m.sess.TransactionID {
			m.onDeviceInfoResponse(rsp)
		}
	case WaitStartRsp:
		if rsp, ok := ev.Message.(*zcl.NetworkStartResponse); ok && rsp.TransactionID == m.sess.TransactionID {
			m.onNetworkStartResponse(rsp)
		}
	case WaitJoinRouterRsp:
		if rsp, ok := ev.Message.(*zcl.JoinRouterResponse); ok && rsp.TransactionID == m.sess.TransactionID {
			m.onJoinResponse(rsp.Status, m.cfg.Timing.RouterStartUp)
		}
	case WaitJoinEndDeviceRsp:
		if rsp, ok := ev.Message.(*zcl.JoinEndDeviceResponse); ok && rsp.TransactionID == m.sess.TransactionID {
			m.onJoinResponse(rsp.Status, m.cfg.Timing.EndDeviceStartUp)
		}
	case Active:
		m.onActiveMessage(ev)
	default:
		m.logger.Debug("dropping frame", "state", m.sess.State,
			"command", zcl.CommandName(ev.Message.CommandID(), ev.Message.Direction()))
	}
}

// finish ends the exchange: the radio returns to the node's own channel at
// normal power. A non-zero after arms a timer for the next state, used when
// passing through InformApp.
func (m *Machine) finish(next State, after time.Duration) {
	m.cancelTimer()
	m.setChannel(m.role.Channel)
	m.emit(SetTxPower{Power: TxPowerNormal})
	if next == Idle {
		m.sess = Session{}
		m.targets.Reset()
		return
	}
	m.sess.TransactionID = 0
	m.sess.Responded = false
	m.setState(next)
	if after > 0 {
		m.arm(after)
	}
}

func (m *Machine) abort() {
	peer := m.sess.PeerInfo
	m.finish(Idle, 0)
	m.emit(Notify{Kind: NotifyAborted, Peer: peer})
}

func (m *Machine) emit(e Effect) {
	m.out = append(m.out, e)
}

func (m *Machine) setState(s State) {
	if s != m.sess.State {
		m.logger.Debug("state", "from", m.sess.State, "to", s)
	}
	m.sess.State = s
}

func (m *Machine) arm(after time.Duration) {
	m.cancelTimer()
	m.timerSeq++
	if m.timerSeq == 0 {
		m.timerSeq++
	}
	m.timer = m.timerSeq
	m.emit(ArmTimer{ID: m.timer, After: after})
}

func (m *Machine) cancelTimer() {
	if m.timer != 0 {
		m.emit(CancelTimer{ID: m.timer})
		m.timer = 0
	}
}

func (m *Machine) setChannel(ch uint8) {
	if ch == 0 || ch == m.channel {
		return
	}
	m.channel = ch
	m.emit(SetChannel{Channel: ch})
}

func (m *Machine) send(dst uint64, msg zcl.Message) {
	m.emit(Send{Dst: dst, Msg: msg})
}

func (m *Machine) broadcast(msg zcl.Message) {
	m.emit(Send{Broadcast: true, Msg: msg})
}

func (m *Machine) nonce() uint32 {
	return randRange(m.rnd, 1, 0xffffffff)
}

func (m *Machine) randomKey() Key {
	var k Key
	for i := 0; i < len(k); i += 8 {
		v := m.rnd.Uint64()
		for j := 0; j < 8; j++ {
			k[i+j] = byte(v >> (8 * j))
		}
	}
	return k
}

// NewerUpdateID returns the fresher of two network update ids. Ids further
// apart than 200 are taken to have wrapped, so the smaller one wins.
func NewerUpdateID(a, b uint8) uint8 {
	diff := int(a) - int(b)
	if diff < 0 {
		diff = -diff
	}
	if diff > 200 {
		return min(a, b)
	}
	return max(a, b)
}

// program applies the role's network parameters, channel included.
func (m *Machine) program() {
	m.channel = m.role.Channel
	m.emit(ProgramNetwork{Params: m.role.Network()})
}
