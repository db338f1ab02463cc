package ncp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSimDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMedium(200)
	a := m.NewNode(0xA, quietLogger())
	b := m.NewNode(0xB, quietLogger())
	c := m.NewNode(0xC, quietLogger())
	m.SetLinkQuality(0xA, 0xC, 90)

	got := map[uint64][]InterPANFrame{}
	for _, n := range []*SimNCP{a, b, c} {
		n := n
		n.OnInterPAN(func(f InterPANFrame) { got[n.ieee] = append(got[n.ieee], f) })
	}

	if err := b.SetChannel(ctx, 15); err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x11, 0x01, 0x00}
	if err := a.SendInterPAN(ctx, InterPANFrame{Dst: BroadcastAddr, ClusterID: 0x1000, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	payload[0] = 0xFF

	if len(got[0xA]) != 0 {
		t.Error("sender received its own frame")
	}
	if len(got[0xB]) != 0 {
		t.Error("node on another channel received the frame")
	}
	if len(got[0xC]) != 1 {
		t.Fatalf("node C got %d frames, want 1", len(got[0xC]))
	}
	f := got[0xC][0]
	if f.Src != 0xA || f.LQI != 90 || f.Payload[0] != 0x11 {
		t.Errorf("frame: %+v", f)
	}

	// Unicast reaches only the addressed node.
	if err := c.SetChannel(ctx, 15); err != nil {
		t.Fatal(err)
	}
	if err := b.SendInterPAN(ctx, InterPANFrame{Dst: 0xC, Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if len(got[0xC]) != 2 || got[0xC][1].LQI != 200 {
		t.Errorf("unicast not delivered: %+v", got[0xC])
	}
}

func TestSimNetworkLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMedium(200)
	a := m.NewNode(0xA, quietLogger())
	b := m.NewNode(0xB, quietLogger())

	if err := a.StartRouter(ctx); err == nil {
		t.Error("start without a network should fail")
	}
	p := NetworkParams{ExtPanID: 0x1122, PanID: 0x1A62, Channel: 20, ShortAddr: 1, UpdateID: 2}
	if err := a.SetNetwork(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := a.StartRouter(ctx); err != nil {
		t.Fatal(err)
	}
	if a.Channel() != 20 {
		t.Errorf("channel = %d, want 20", a.Channel())
	}

	nets, err := b.NetworkScan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 1 || nets[0].PanID != 0x1A62 || nets[0].ExtPanID != 0x1122 {
		t.Errorf("scan: %+v", nets)
	}
	if own, _ := a.NetworkScan(ctx); len(own) != 0 {
		t.Errorf("node sees its own network: %+v", own)
	}

	if err := a.AdmitJoiner(ctx, Joiner{IEEE: 0xB, ShortAddr: 2}); err != nil {
		t.Fatal(err)
	}
	if j := a.Admitted(); len(j) != 1 || j[0].ShortAddr != 2 {
		t.Errorf("admitted: %+v", j)
	}

	left := make(chan struct{})
	a.OnLeaveConfirm(func() { close(left) })
	if err := a.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("leave confirm not delivered")
	}
	if _, started := a.Network(); started {
		t.Error("still started after leave")
	}

	if err := a.FactoryReset(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Network(); got != (NetworkParams{}) || len(a.Admitted()) != 0 {
		t.Errorf("factory reset left state: %+v", got)
	}
}

func TestSimClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMedium(200)
	a := m.NewNode(0xA, quietLogger())
	b := m.NewNode(0xB, quietLogger())
	received := 0
	b.OnInterPAN(func(InterPANFrame) { received++ })

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.SendInterPAN(ctx, InterPANFrame{Dst: BroadcastAddr}); err != nil {
		t.Fatal(err)
	}
	if received != 0 {
		t.Error("closed node received a frame")
	}
	if err := b.SetChannel(ctx, 12); !errors.Is(err, ErrClosed) {
		t.Errorf("SetChannel on closed node: %v", err)
	}
	if _, err := b.GetLocalIEEE(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("GetLocalIEEE on closed node: %v", err)
	}
}
