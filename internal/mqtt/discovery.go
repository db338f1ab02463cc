//go:build !no_mqtt

package mqtt

import (
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zll_bridge/touchlink_state/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

const bridgeNodeID = "zll_bridge"

// buildDiscovery generates HA discovery messages for the bridge itself: the
// touchlink state, the node's network and one button per request action.
func buildDiscovery(prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	haDev := haDevice{
		Identifiers: []string{bridgeNodeID},
		Model:       "ZLL touchlink bridge",
		Name:        "ZLL Bridge",
	}

	touchlinkTopic := prefix + "/bridge/touchlink"
	nodeTopic := prefix + "/bridge/node"
	requestTopic := prefix + "/bridge/request/touchlink"

	return []discoveryMsg{
		buildSensor(avail, haDev, touchlinkTopic, "touchlink_state", "Touchlink State",
			"{{ value_json.state }}", "mdi:link-variant"),
		buildSensor(avail, haDev, nodeTopic, "channel", "Channel",
			"{{ value_json.channel }}", "mdi:radio-tower"),
		buildSensor(avail, haDev, nodeTopic, "pan_id", "PAN ID",
			"{{ value_json.pan_id }}", "mdi:identifier"),
		buildBinarySensor(avail, haDev, nodeTopic, "factory_new", "Factory New",
			"{{ 'ON' if value_json.factory_new else 'OFF' }}"),
		buildButton(avail, haDev, requestTopic, ActionStart, "Start Touchlink"),
		buildButton(avail, haDev, requestTopic, ActionResetTarget, "Reset Touchlink Target"),
		buildButton(avail, haDev, requestTopic, ActionResetNode, "Reset Node"),
	}
}

func buildSensor(avail string, haDev haDevice, stateTopic, objectID, name, valueTmpl, icon string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", bridgeNodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          bridgeNodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		EntityCategory:    "diagnostic",
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(avail string, haDev haDevice, stateTopic, objectID, name, valueTmpl string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", bridgeNodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          bridgeNodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildButton presses publish the action's request JSON.
func buildButton(avail string, haDev haDevice, requestTopic, action, name string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", bridgeNodeID, action)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          bridgeNodeID + "_" + action,
		CommandTopic:      requestTopic,
		AvailabilityTopic: avail,
		PayloadPress:      string(mustJSON(request{Action: action})),
		EntityCategory:    "config",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove the
// bridge's entities from HA.
func buildRemoveDiscovery(prefix string) []discoveryMsg {
	msgs := buildDiscovery(prefix)
	for i := range msgs {
		msgs[i].Payload = nil
	}
	return msgs
}
