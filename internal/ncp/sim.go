package ncp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Medium is an in-memory radio shared by simulated nodes. Inter-PAN frames
// reach every other open node tuned to the sender's channel.
type Medium struct {
	mu         sync.Mutex
	nodes      map[uint64]*SimNCP
	defaultLQI uint8
	links      map[[2]uint64]uint8
}

// NewMedium creates a medium where every link has the given link quality
// unless overridden with SetLinkQuality.
func NewMedium(defaultLQI uint8) *Medium {
	return &Medium{
		nodes:      make(map[uint64]*SimNCP),
		defaultLQI: defaultLQI,
		links:      make(map[[2]uint64]uint8),
	}
}

func linkKey(a, b uint64) [2]uint64 {
	if a > b {
		a, b = b, a
	}
	return [2]uint64{a, b}
}

// SetLinkQuality overrides the link quality between two nodes, both ways.
func (m *Medium) SetLinkQuality(a, b uint64, lqi uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(a, b)] = lqi
}

func (m *Medium) linkQuality(a, b uint64) uint8 {
	if lqi, ok := m.links[linkKey(a, b)]; ok {
		return lqi
	}
	return m.defaultLQI
}

// NewNode attaches a simulated NCP with the given IEEE address. It starts on
// channel 11 with no network.
func (m *Medium) NewNode(ieee uint64, logger *slog.Logger) *SimNCP {
	s := &SimNCP{
		medium:  m,
		ieee:    ieee,
		logger:  logger.With("sim_node", fmt.Sprintf("%016X", ieee)),
		channel: 11,
	}
	m.mu.Lock()
	m.nodes[ieee] = s
	m.mu.Unlock()
	return s
}

// SimNCP implements NCP on a Medium.
type SimNCP struct {
	medium *Medium
	ieee   uint64
	logger *slog.Logger

	mu       sync.Mutex
	channel  uint8
	txPower  int8
	params   NetworkParams
	started  bool
	closed   bool
	admitted []Joiner

	handlerMu  sync.RWMutex
	onInterPAN func(InterPANFrame)
	onLeave    func()
}

var _ NCP = (*SimNCP)(nil)

func (s *SimNCP) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SimNCP) Reset(ctx context.Context) error {
	return s.check()
}

func (s *SimNCP) FactoryReset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.params = NetworkParams{}
	s.started = false
	s.admitted = nil
	s.channel = 11
	s.logger.Info("sim factory reset")
	return nil
}

func (s *SimNCP) Init(ctx context.Context) error {
	return s.check()
}

func (s *SimNCP) GetLocalIEEE(ctx context.Context) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ieee, nil
}

func (s *SimNCP) SetChannel(ctx context.Context, channel uint8) error {
	if channel < 11 || channel > 26 {
		return fmt.Errorf("set channel: %d outside 11-26", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.channel = channel
	return nil
}

func (s *SimNCP) SetTxPower(ctx context.Context, dbm int8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.txPower = dbm
	return nil
}

func (s *SimNCP) SetNetwork(ctx context.Context, p NetworkParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.params = p
	s.channel = p.Channel
	return nil
}

func (s *SimNCP) StartRouter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.params.PanID == 0 || s.params.ExtPanID == 0 {
		return fmt.Errorf("start router: no network programmed")
	}
	s.started = true
	s.logger.Info("sim router started",
		"ext_pan_id", fmt.Sprintf("%016X", s.params.ExtPanID),
		"pan_id", fmt.Sprintf("0x%04X", s.params.PanID),
		"channel", s.params.Channel)
	return nil
}

func (s *SimNCP) Announce(ctx context.Context) error {
	return s.check()
}

func (s *SimNCP) AdmitJoiner(ctx context.Context, j Joiner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.admitted = append(s.admitted, j)
	return nil
}

// Leave drops the network. The confirmation is delivered asynchronously, as
// the radio would.
func (s *SimNCP) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = false
	s.mu.Unlock()

	s.handlerMu.RLock()
	onLeave := s.onLeave
	s.handlerMu.RUnlock()
	if onLeave != nil {
		go onLeave()
	}
	return nil
}

// NetworkScan reports the networks of every other started node.
func (s *SimNCP) NetworkScan(ctx context.Context) ([]NetworkScanResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.medium.mu.Lock()
	defer s.medium.mu.Unlock()
	var results []NetworkScanResult
	for ieee, n := range s.medium.nodes {
		if ieee == s.ieee {
			continue
		}
		n.mu.Lock()
		if n.started && !n.closed {
			results = append(results, NetworkScanResult{
				ExtPanID:  n.params.ExtPanID,
				PanID:     n.params.PanID,
				UpdateID:  n.params.UpdateID,
				Channel:   n.params.Channel,
				RouterCap: true,
				LQI:       s.medium.linkQuality(s.ieee, ieee),
			})
		}
		n.mu.Unlock()
	}
	return results, nil
}

// SendInterPAN delivers f synchronously to the receivers' handlers.
func (s *SimNCP) SendInterPAN(ctx context.Context, f InterPANFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	channel := s.channel
	s.mu.Unlock()

	type delivery struct {
		to  *SimNCP
		lqi uint8
	}
	var out []delivery
	s.medium.mu.Lock()
	for ieee, n := range s.medium.nodes {
		if ieee == s.ieee || (!f.Broadcast() && f.Dst != ieee) {
			continue
		}
		n.mu.Lock()
		listening := !n.closed && n.channel == channel
		n.mu.Unlock()
		if listening {
			out = append(out, delivery{n, s.medium.linkQuality(s.ieee, ieee)})
		}
	}
	s.medium.mu.Unlock()

	for _, d := range out {
		rx := f
		rx.Src = s.ieee
		rx.LQI = d.lqi
		rx.RSSI = int8(int(d.lqi)/3 - 100)
		rx.Payload = append([]byte(nil), f.Payload...)
		d.to.receive(rx)
	}
	return nil
}

func (s *SimNCP) receive(f InterPANFrame) {
	s.handlerMu.RLock()
	h := s.onInterPAN
	s.handlerMu.RUnlock()
	if h != nil {
		h(f)
	}
}

func (s *SimNCP) OnInterPAN(handler func(InterPANFrame)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onInterPAN = handler
}

func (s *SimNCP) OnLeaveConfirm(handler func()) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onLeave = handler
}

func (s *SimNCP) GetNCPInfo() *NCPInfo {
	return &NCPInfo{StackVersion: "sim", Backend: "sim"}
}

func (s *SimNCP) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.medium.mu.Lock()
	delete(s.medium.nodes, s.ieee)
	s.medium.mu.Unlock()
	return nil
}

// Network returns the programmed network and whether the router is running.
func (s *SimNCP) Network() (NetworkParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params, s.started
}

// Channel returns the current radio channel.
func (s *SimNCP) Channel() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Admitted returns the joiners admitted since the last factory reset.
func (s *SimNCP) Admitted() []Joiner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Joiner(nil), s.admitted...)
}
