//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/touchlink"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	Discovery   bool
}

// Commissioner is the part of the coordinator the bridge drives.
type Commissioner interface {
	StartTouchlink(ctx context.Context, resetTarget bool) error
	ResetNode(ctx context.Context) error
	Status() coordinator.Status
	Events() *coordinator.EventBus
	Context() context.Context
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Request actions accepted on <prefix>/bridge/request/touchlink.
const (
	ActionStart       = "start"
	ActionResetTarget = "reset_target"
	ActionResetNode   = "reset_node"
)

// Bridge connects the touchlink coordinator to MQTT.
type Bridge struct {
	client    pahomqtt.Client
	pub       publisher
	coord     Commissioner
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Commissioner, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, nil, logger)
	b.discovery = cfg.Discovery

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zll-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("state"), "offline", 1, true).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishNode(b.coord.Status().Role)
			b.subscribeRequests(client)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord Commissioner, prefix string, pub publisher, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:  coord,
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// topic returns <prefix>/bridge/<name>.
func (b *Bridge) topic(name string) string {
	return b.prefix + "/bridge/" + name
}

// touchlinkMessage is published on <prefix>/bridge/touchlink. Every message
// carries the current state so a subscriber can track it from any message.
type touchlinkMessage struct {
	Type    string               `json:"type"`
	State   string               `json:"state"`
	From    string               `json:"from,omitempty"`
	Outcome *coordinator.Outcome `json:"outcome,omitempty"`
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateChanged:
		sc, ok := event.Data.(coordinator.StateChange)
		if !ok {
			return
		}
		b.publish(b.topic("touchlink"), mustJSON(touchlinkMessage{Type: "state", State: sc.To, From: sc.From}), true)

	case coordinator.EventTouchlink:
		out, ok := event.Data.(coordinator.Outcome)
		if !ok {
			return
		}
		msg := touchlinkMessage{
			Type:    "outcome",
			State:   b.coord.Status().State.String(),
			Outcome: &out,
		}
		b.publish(b.topic("touchlink"), mustJSON(msg), false)

	case coordinator.EventRoleChanged:
		if role, ok := event.Data.(touchlink.NodeRole); ok {
			b.publishNode(role)
		}
	}
}

// nodeMessage is the retained node summary on <prefix>/bridge/node.
type nodeMessage struct {
	FactoryNew bool   `json:"factory_new"`
	Channel    uint8  `json:"channel"`
	PanID      string `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	ShortAddr  string `json:"short_addr"`
}

func (b *Bridge) publishNode(role touchlink.NodeRole) {
	msg := nodeMessage{
		FactoryNew: role.FactoryNew,
		Channel:    role.Channel,
		PanID:      fmt.Sprintf("0x%04X", role.PanID),
		ExtPanID:   coordinator.FormatIEEE(role.ExtPanID),
		ShortAddr:  fmt.Sprintf("0x%04X", role.ShortAddr),
	}
	b.publish(b.topic("node"), mustJSON(msg), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("state"), []byte(state), true)
}

// publishDiscovery announces the bridge to HA, or clears stale entities
// when discovery is disabled.
func (b *Bridge) publishDiscovery() {
	msgs := buildRemoveDiscovery(b.prefix)
	if b.discovery {
		msgs = buildDiscovery(b.prefix)
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "enabled", b.discovery)
}

func (b *Bridge) subscribeRequests(client pahomqtt.Client) {
	topic := b.topic("request/touchlink")
	client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRequest(msg.Payload())
	})
}

type request struct {
	Action string `json:"action"`
}

type response struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleRequest runs one request and publishes the result on
// <prefix>/bridge/response/touchlink.
func (b *Bridge) handleRequest(payload []byte) error {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid request JSON", "err", err)
		b.respond(response{Status: "error", Error: "invalid JSON"})
		return fmt.Errorf("decode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Action {
	case ActionStart:
		err = b.coord.StartTouchlink(ctx, false)
	case ActionResetTarget:
		err = b.coord.StartTouchlink(ctx, true)
	case ActionResetNode:
		err = b.coord.ResetNode(ctx)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}

	if err != nil {
		if errors.Is(err, touchlink.ErrBusy) {
			b.logger.Error("touchlink request rejected, session in progress", "action", req.Action)
		} else {
			b.logger.Error("touchlink request failed", "action", req.Action, "err", err)
		}
		b.respond(response{Action: req.Action, Status: "error", Error: err.Error()})
		return err
	}
	b.logger.Info("touchlink request accepted", "action", req.Action)
	b.respond(response{Action: req.Action, Status: "ok"})
	return nil
}

func (b *Bridge) respond(r response) {
	b.publish(b.topic("response/touchlink"), mustJSON(r), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
