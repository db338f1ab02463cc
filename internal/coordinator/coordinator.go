package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zll-bridge/internal/capture"
	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
)

// NCPConfig holds NCP hardware/port configuration for display purposes.
type NCPConfig struct {
	Type string
	Port string
	Baud int
}

// queueSize bounds the event queue. Producers block when it is full.
const queueSize = 64

// Status is a snapshot of the engine for readers outside the loop.
type Status struct {
	State   touchlink.State       `json:"state"`
	Session touchlink.Session     `json:"session"`
	Role    touchlink.NodeRole    `json:"role"`
	Target  *touchlink.ScanTarget `json:"target,omitempty"`
	Channel uint8                 `json:"channel"`
	IEEE    string                `json:"ieee"`
}

type request struct {
	ev    touchlink.Event
	reply chan error
}

// Coordinator runs the touchlink engine against an NCP backend. A single
// goroutine owns the machine; everything else talks to it through the queue.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	capture   capture.Recorder
	events    *EventBus
	logger    *slog.Logger
	cfg       touchlink.Config
	ncpConfig NCPConfig
	rnd       touchlink.Rand

	// Owned by the loop goroutine.
	machine *touchlink.Machine
	timers  map[touchlink.TimerID]*time.Timer
	seq     uint8

	channel   atomic.Uint32
	localIEEE uint64

	queue chan request

	statusMu sync.RWMutex
	status   Status

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a Coordinator. rec may be nil to disable frame capture.
func New(backend ncp.NCP, st store.Store, rec capture.Recorder, events *EventBus, cfg touchlink.Config, ncpCfg NCPConfig, rnd touchlink.Rand, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ncp:       backend,
		store:     st,
		capture:   rec,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		ncpConfig: ncpCfg,
		rnd:       rnd,
		timers:    make(map[touchlink.TimerID]*time.Timer),
		queue:     make(chan request, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the NCP, restores the persisted role and starts the
// event loop. A commissioned node resumes its network as a router.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...")
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		return fmt.Errorf("get local ieee: %w", err)
	}
	c.localIEEE = ieee
	c.cfg.IEEE = ieee
	c.logger.Info("local IEEE", "ieee", FormatIEEE(ieee))

	role := c.loadRole()
	if err := c.resume(ctx, role); err != nil {
		return err
	}

	c.machine = touchlink.NewMachine(c.cfg, role, c.rnd, c.logger)
	c.updateStatus()
	c.registerIndicationHandlers()

	c.started.Store(true)
	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Coordinator) loadRole() touchlink.NodeRole {
	saved, err := c.store.GetNodeRole()
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Info("no saved role, node is factory new")
		return touchlink.FactoryNewRole()
	}
	if err != nil {
		c.logger.Error("load node role", "err", err)
		return touchlink.FactoryNewRole()
	}
	role, err := roleFromStore(saved)
	if err != nil {
		c.logger.Error("decode node role, starting factory new", "err", err)
		return touchlink.FactoryNewRole()
	}
	return role
}

func (c *Coordinator) resume(ctx context.Context, role touchlink.NodeRole) error {
	if role.FactoryNew {
		if err := c.ncp.SetChannel(ctx, role.Channel); err != nil {
			return fmt.Errorf("set channel: %w", err)
		}
		c.channel.Store(uint32(role.Channel))
		return nil
	}
	if err := c.ncp.SetNetwork(ctx, toNCPNetwork(role.Network())); err != nil {
		return fmt.Errorf("restore network: %w", err)
	}
	if err := c.ncp.StartRouter(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	c.channel.Store(uint32(role.Channel))
	c.logger.Info("network resumed",
		"channel", role.Channel,
		"panID", fmt.Sprintf("0x%04X", role.PanID),
		"short", fmt.Sprintf("0x%04X", role.ShortAddr))
	return nil
}

// Stop cancels the coordinator context, waits for the loop and stops timers.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnInterPAN(c.handleInterPAN)
	c.ncp.OnLeaveConfirm(func() {
		c.post(touchlink.LeaveConfirmed{})
	})
	if r, ok := c.ncp.(interface{ OnNCPReset(func()) }); ok {
		r.OnNCPReset(func() {
			c.logger.Warn("NCP reset spontaneously")
			c.events.Emit(Event{Type: EventNCPReset})
		})
	}
}

// post queues an event without waiting for it to be handled.
func (c *Coordinator) post(ev touchlink.Event) {
	select {
	case c.queue <- request{ev: ev}:
	case <-c.ctx.Done():
	}
}

// call queues an event and waits for the machine's verdict.
func (c *Coordinator) call(ctx context.Context, ev touchlink.Event) error {
	if !c.started.Load() {
		return fmt.Errorf("coordinator not started")
	}
	reply := make(chan error, 1)
	select {
	case c.queue <- request{ev: ev, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// StartTouchlink starts a touchlink scan as initiator. It returns
// touchlink.ErrBusy when a session is already running.
func (c *Coordinator) StartTouchlink(ctx context.Context, resetTarget bool) error {
	return c.call(ctx, touchlink.StartCommand{ResetTarget: resetTarget})
}

// ResetNode returns the local node to factory new, leaving its network first.
func (c *Coordinator) ResetNode(ctx context.Context) error {
	return c.call(ctx, touchlink.ResetCommand{})
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.queue:
			c.step(req)
		}
	}
}

func (c *Coordinator) step(req request) {
	if te, ok := req.ev.(touchlink.TimerExpired); ok {
		delete(c.timers, te.ID)
	}
	prev := c.machine.State()
	effects, err := c.machine.Step(req.ev)
	for _, e := range effects {
		c.apply(e)
	}
	c.updateStatus()
	if req.reply != nil {
		req.reply <- err
	}
	if next := c.machine.State(); next != prev {
		c.logger.Debug("touchlink state", "from", prev, "to", next)
		c.events.Emit(Event{Type: EventStateChanged, Data: StateChange{From: prev.String(), To: next.String()}})
	}
}

func (c *Coordinator) updateStatus() {
	st := Status{
		State:   c.machine.State(),
		Session: c.machine.Session(),
		Role:    c.machine.Role(),
		Channel: uint8(c.channel.Load()),
		IEEE:    FormatIEEE(c.localIEEE),
	}
	if t, ok := c.machine.Target(); ok {
		st.Target = &t
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

// Status returns the latest engine snapshot.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// NetworkInfo returns the node and NCP information shown by the API.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	st := c.Status()
	info := map[string]interface{}{
		"ieee":        st.IEEE,
		"factory_new": st.Role.FactoryNew,
		"channel":     st.Role.Channel,
		"pan_id":      fmt.Sprintf("0x%04X", st.Role.PanID),
		"ext_pan_id":  FormatIEEE(st.Role.ExtPanID),
		"short_addr":  fmt.Sprintf("0x%04X", st.Role.ShortAddr),
		"ncp_type":    c.ncpConfig.Type,
		"port":        c.ncpConfig.Port,
		"baud":        c.ncpConfig.Baud,
	}
	if ncpInfo := c.ncp.GetNCPInfo(); ncpInfo != nil {
		info["fw_version"] = ncpInfo.FWVersion
		info["stack_version"] = ncpInfo.StackVersion
		info["protocol_version"] = ncpInfo.ProtocolVersion
		info["backend"] = ncpInfo.Backend
	}
	return info
}

// History returns up to limit touchlink records, newest first.
func (c *Coordinator) History(limit int) ([]*store.Record, error) {
	return c.store.ListRecords(limit)
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
