package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zll-bridge/internal/capture"
	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
	"zll-bridge/internal/zcl"
)

// stubNCP records calls and never answers on the radio.
type stubNCP struct {
	mu         sync.Mutex
	ieee       uint64
	calls      []string
	channels   []uint8
	network    ncp.NetworkParams
	sent       []ncp.InterPANFrame
	onInterPAN func(ncp.InterPANFrame)
	onLeave    func()
}

var _ ncp.NCP = (*stubNCP)(nil)

func (s *stubNCP) call(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *stubNCP) called(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (s *stubNCP) Reset(ctx context.Context) error        { s.call("Reset"); return nil }
func (s *stubNCP) FactoryReset(ctx context.Context) error { s.call("FactoryReset"); return nil }
func (s *stubNCP) Init(ctx context.Context) error         { s.call("Init"); return nil }

func (s *stubNCP) GetLocalIEEE(ctx context.Context) (uint64, error) {
	return s.ieee, nil
}

func (s *stubNCP) SetChannel(ctx context.Context, channel uint8) error {
	s.mu.Lock()
	s.channels = append(s.channels, channel)
	s.mu.Unlock()
	return nil
}

func (s *stubNCP) SetTxPower(ctx context.Context, dbm int8) error { return nil }

func (s *stubNCP) SetNetwork(ctx context.Context, p ncp.NetworkParams) error {
	s.mu.Lock()
	s.network = p
	s.mu.Unlock()
	s.call("SetNetwork")
	return nil
}

func (s *stubNCP) StartRouter(ctx context.Context) error { s.call("StartRouter"); return nil }
func (s *stubNCP) Announce(ctx context.Context) error    { s.call("Announce"); return nil }

func (s *stubNCP) AdmitJoiner(ctx context.Context, j ncp.Joiner) error {
	s.call("AdmitJoiner")
	return nil
}

func (s *stubNCP) Leave(ctx context.Context) error {
	s.call("Leave")
	s.mu.Lock()
	h := s.onLeave
	s.mu.Unlock()
	if h != nil {
		go h()
	}
	return nil
}

func (s *stubNCP) NetworkScan(ctx context.Context) ([]ncp.NetworkScanResult, error) {
	return nil, errors.New("no scan")
}

func (s *stubNCP) SendInterPAN(ctx context.Context, f ncp.InterPANFrame) error {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	return nil
}

func (s *stubNCP) OnInterPAN(h func(ncp.InterPANFrame)) {
	s.mu.Lock()
	s.onInterPAN = h
	s.mu.Unlock()
}

func (s *stubNCP) OnLeaveConfirm(h func()) {
	s.mu.Lock()
	s.onLeave = h
	s.mu.Unlock()
}

func (s *stubNCP) GetNCPInfo() *ncp.NCPInfo { return &ncp.NCPInfo{Backend: "stub"} }
func (s *stubNCP) Close() error             { return nil }

func (s *stubNCP) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func fastTiming() touchlink.Timing {
	return touchlink.Timing{
		Start:            time.Millisecond,
		ScanWindow:       5 * time.Millisecond,
		ScanDone:         time.Millisecond,
		DeviceInfoWait:   500 * time.Millisecond,
		ResponseWait:     500 * time.Millisecond,
		RouterStartUp:    20 * time.Millisecond,
		EndDeviceStartUp: 20 * time.Millisecond,
		InformDelay:      10 * time.Millisecond,
		EndDeviceInform:  20 * time.Millisecond,
		ResetSent:        time.Millisecond,
		TargetSettle:     time.Millisecond,
		InterPANLifetime: 2 * time.Second,
		DiscoveryWait:    500 * time.Millisecond,
		LeaveWait:        500 * time.Millisecond,
	}
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "zll.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCoordinator(t *testing.T, backend ncp.NCP, st store.Store, rec capture.Recorder, seed uint64) *Coordinator {
	t.Helper()
	cfg := touchlink.DefaultConfig()
	cfg.Timing = fastTiming()
	c := New(backend, st, rec, NewEventBus(newTestLogger()), cfg, NCPConfig{Type: "test"},
		rand.New(rand.NewPCG(seed, seed+1)), newTestLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

// awaitOutcome waits for a touchlink outcome of the given kind.
func awaitOutcome(t *testing.T, ch <-chan Outcome, kind touchlink.NotifyKind) Outcome {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-ch:
			if o.Kind == string(kind) {
				return o
			}
		case <-deadline:
			t.Fatalf("no %s outcome", kind)
		}
	}
}

func outcomes(c *Coordinator) <-chan Outcome {
	ch := make(chan Outcome, 32)
	c.Events().On(EventTouchlink, func(e Event) {
		select {
		case ch <- e.Data.(Outcome):
		default:
		}
	})
	return ch
}

func commissionedStoreRole() *store.NodeRole {
	role := touchlink.FactoryNewRole()
	role.FactoryNew = false
	role.Channel = 20
	role.ShortAddr = 0x0001
	role.ExtPanID = 0x00124B0001020304
	role.PanID = 0x1A62
	role.UpdateID = 3
	role.TrustCenter = 0xFFFFFFFFFFFFFFFF
	return roleToStore(role)
}

func TestStartFactoryNew(t *testing.T) {
	stub := &stubNCP{ieee: 0xA1}
	c := newTestCoordinator(t, stub, newTestStore(t), nil, 1)

	st := c.Status()
	if st.State != touchlink.Idle || !st.Role.FactoryNew {
		t.Errorf("status = %+v", st)
	}
	if st.IEEE != "00000000000000A1" {
		t.Errorf("ieee = %s", st.IEEE)
	}
	if stub.called("SetNetwork") || stub.called("StartRouter") {
		t.Error("factory new node started a network")
	}
	if len(stub.channels) != 1 || stub.channels[0] != touchlink.DefaultChannel {
		t.Errorf("channels = %v", stub.channels)
	}
}

func TestStartResumesNetwork(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveNodeRole(commissionedStoreRole()); err != nil {
		t.Fatal(err)
	}
	stub := &stubNCP{ieee: 0xA1}
	c := newTestCoordinator(t, stub, st, nil, 1)

	if !stub.called("SetNetwork") || !stub.called("StartRouter") {
		t.Fatalf("calls = %v", stub.calls)
	}
	if stub.network.PanID != 0x1A62 || stub.network.Channel != 20 {
		t.Errorf("network = %+v", stub.network)
	}
	if role := c.Status().Role; role.FactoryNew || role.ExtPanID != 0x00124B0001020304 {
		t.Errorf("role = %+v", role)
	}
}

func TestStartTouchlinkBusyThenAbort(t *testing.T) {
	stub := &stubNCP{ieee: 0xA1}
	st := newTestStore(t)
	c := newTestCoordinator(t, stub, st, nil, 1)
	results := outcomes(c)
	ctx := context.Background()

	if err := c.StartTouchlink(ctx, false); err != nil {
		t.Fatal(err)
	}
	if c.Status().State == touchlink.Idle {
		t.Error("still idle after start")
	}
	if err := c.StartTouchlink(ctx, false); !errors.Is(err, touchlink.ErrBusy) {
		t.Errorf("second start: err = %v, want ErrBusy", err)
	}

	awaitOutcome(t, results, touchlink.NotifyAborted)
	if stub.sentCount() == 0 {
		t.Error("no scan requests sent")
	}

	recs, err := c.History(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) == 0 || recs[0].Kind != string(touchlink.NotifyAborted) {
		t.Errorf("history = %+v", recs)
	}
}

func TestResetNodeLeavesNetwork(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveNodeRole(commissionedStoreRole()); err != nil {
		t.Fatal(err)
	}
	stub := &stubNCP{ieee: 0xA1}
	c := newTestCoordinator(t, stub, st, nil, 1)
	results := outcomes(c)

	if err := c.ResetNode(context.Background()); err != nil {
		t.Fatal(err)
	}
	awaitOutcome(t, results, touchlink.NotifyNodeReset)

	if !stub.called("Leave") {
		t.Error("node did not leave")
	}
	saved, err := st.GetNodeRole()
	if err != nil {
		t.Fatal(err)
	}
	if !saved.FactoryNew {
		t.Errorf("saved role not factory new: %+v", saved)
	}
}

func TestForeignFramesIgnored(t *testing.T) {
	stub := &stubNCP{ieee: 0xA1}
	c := newTestCoordinator(t, stub, newTestStore(t), nil, 1)
	var frames int
	var mu sync.Mutex
	c.Events().On(EventFrame, func(Event) {
		mu.Lock()
		frames++
		mu.Unlock()
	})

	req := zcl.Encode(1, &zcl.ScanRequest{TransactionID: 42, ZigbeeInfo: zcl.ZigbeeInfoRouter})
	stub.onInterPAN(ncp.InterPANFrame{Src: 0xB2, ProfileID: 0x0104, ClusterID: zcl.ClusterTouchlink, Payload: req})
	stub.onInterPAN(ncp.InterPANFrame{Src: 0xB2, ProfileID: zcl.ProfileZLL, ClusterID: zcl.ClusterTouchlink, Payload: req[:2]})

	mu.Lock()
	defer mu.Unlock()
	if frames != 0 {
		t.Errorf("foreign frames reached the engine: %d", frames)
	}
}

func TestEndToEndTouchlink(t *testing.T) {
	medium := ncp.NewMedium(200)
	initiatorRadio := medium.NewNode(0x00124B00000000A1, newTestLogger())
	targetRadio := medium.NewNode(0x00124B00000000B2, newTestLogger())

	capPath := filepath.Join(t.TempDir(), "capture.cbor")
	rec, err := capture.NewFileLogger(capPath)
	if err != nil {
		t.Fatal(err)
	}

	initiatorStore := newTestStore(t)
	targetStore := newTestStore(t)
	target := newTestCoordinator(t, targetRadio, targetStore, nil, 7)
	initiator := newTestCoordinator(t, initiatorRadio, initiatorStore, rec, 3)
	initiatorResults := outcomes(initiator)
	targetResults := outcomes(target)

	if err := initiator.StartTouchlink(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	acquired := awaitOutcome(t, initiatorResults, touchlink.NotifyTargetAcquired)
	if acquired.Peer != "00124B00000000B2" {
		t.Errorf("acquired peer = %s", acquired.Peer)
	}
	awaitOutcome(t, targetResults, touchlink.NotifyNetworkStarted)
	awaitOutcome(t, initiatorResults, touchlink.NotifyJoined)

	tNet, tStarted := targetRadio.Network()
	iNet, iStarted := initiatorRadio.Network()
	if !tStarted || !iStarted {
		t.Fatalf("routers started: target %v initiator %v", tStarted, iStarted)
	}
	if tNet.ExtPanID != iNet.ExtPanID || tNet.PanID != iNet.PanID || tNet.Channel != iNet.Channel {
		t.Errorf("networks differ: target %+v initiator %+v", tNet, iNet)
	}
	if tNet.NetworkKey != iNet.NetworkKey {
		t.Error("network keys differ")
	}
	if tNet.ShortAddr == iNet.ShortAddr {
		t.Errorf("both nodes use short address 0x%04X", tNet.ShortAddr)
	}

	for name, st := range map[string]*store.BoltStore{"initiator": initiatorStore, "target": targetStore} {
		role, err := st.GetNodeRole()
		if err != nil {
			t.Fatalf("%s role: %v", name, err)
		}
		if role.FactoryNew || role.PanID != tNet.PanID {
			t.Errorf("%s saved role = %+v", name, role)
		}
	}

	rec.Close()
	r, err := capture.NewReader(capPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	frames, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var scans, responses int
	for _, f := range frames {
		switch {
		case f.Direction == capture.DirectionOut && f.Command == "ScanRequest":
			scans++
		case f.Direction == capture.DirectionIn && f.Command == "ScanResponse":
			responses++
		}
	}
	if scans == 0 || responses == 0 {
		t.Errorf("capture: %d scan requests, %d scan responses", scans, responses)
	}
}
