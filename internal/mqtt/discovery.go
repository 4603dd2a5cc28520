//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"bluez-go-home/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bluez_AABBCCDDEE01/rssi/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string   `json:"identifiers"`
	Connections [][]string `json:"connections,omitempty"`
	Model       string     `json:"model,omitempty"`
	Name        string     `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(address string) string {
	return "bluez_" + strings.ReplaceAll(address, ":", "")
}

// deviceTopicName returns the topic name for a device: the configured
// friendly name when there is one, the address otherwise.
func deviceTopicName(friendlyName, address string) string {
	if friendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(friendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return strings.ToLower(strings.ReplaceAll(address, ":", ""))
}

// buildDiscovery generates HA discovery messages for a device. Devices with
// no address yet are skipped; HA entities are keyed on it.
func buildDiscovery(dev device.Device, displayName, topicName, prefix string) []discoveryMsg {
	if dev.Address == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + topicName
	cmdTopic := stateTopic + "/set"
	nodeID := deviceIdentifier(dev.Address)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Connections: [][]string{{"bluetooth", dev.Address}},
		Model:       dev.Icon,
		Name:        displayName,
	}

	return []discoveryMsg{
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"connected", "Connected", "connectivity",
			"{{ 'ON' if value_json.connected else 'OFF' }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"paired", "Paired", "",
			"{{ 'ON' if value_json.paired else 'OFF' }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"trusted", "Trusted", "",
			"{{ 'ON' if value_json.trusted else 'OFF' }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"rssi", "RSSI", "signal_strength", "dBm", "measurement",
			"{{ value_json.rssi }}"),
		buildButton(nodeID, displayName, cmdTopic, avail, haDev, "pair", "Pair", `{"pair":true}`),
		buildButton(nodeID, displayName, cmdTopic, avail, haDev, "trust", "Trust", `{"trust":true}`),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, displayName, cmdTopic, avail string, haDev haDevice,
	objectID, suffix, press string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      press,
		EntityCategory:    "config",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(address string) []discoveryMsg {
	nodeID := deviceIdentifier(address)

	components := []struct{ comp, obj string }{
		{"binary_sensor", "connected"},
		{"binary_sensor", "paired"},
		{"binary_sensor", "trusted"},
		{"sensor", "rssi"},
		{"button", "pair"},
		{"button", "trust"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
