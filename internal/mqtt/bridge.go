//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bluez-go-home/internal/coordinator"
	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// announced is what the bridge published for one device path.
type announced struct {
	address string
	topic   string
}

// Bridge publishes registry state to MQTT with HA autodiscovery and accepts
// pair/trust commands.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	mu        sync.Mutex
	announced map[string]announced // path -> published identity
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:     coord,
		prefix:    cfg.TopicPrefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]announced),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bluez-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.announceAll()
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
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
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

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventDeviceAppeared,
		coordinator.EventPropertyUpdate,
		coordinator.EventDeviceConnected,
		coordinator.EventDeviceDisconnected,
		coordinator.EventDevicePaired:
		if path := eventPath(event); path != "" {
			b.publishDevice(path)
		}
	case coordinator.EventDeviceRemoved:
		if path := eventPath(event); path != "" {
			b.forget(path)
		}
	case coordinator.EventRegistryCleared:
		b.mu.Lock()
		paths := make([]string, 0, len(b.announced))
		for p := range b.announced {
			paths = append(paths, p)
		}
		b.mu.Unlock()
		for _, p := range paths {
			b.forget(p)
		}
	}
}

func eventPath(event coordinator.Event) string {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	path, _ := data["path"].(string)
	return path
}

// publishDevice publishes the current state of path, announcing the device
// first if it has not been announced yet.
func (b *Bridge) publishDevice(path string) {
	dev, ok := b.coord.Registry().GetByPath(path)
	if !ok || dev.Address == "" {
		return
	}
	name := b.coord.DeviceDB().FriendlyName(dev)
	topic := deviceTopicName(friendlyName(b.coord, dev), dev.Address)

	b.mu.Lock()
	prev, seen := b.announced[path]
	b.announced[path] = announced{address: dev.Address, topic: topic}
	b.mu.Unlock()

	if !seen || prev.topic != topic {
		for _, msg := range buildDiscovery(dev, name, topic, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.subscribeCommands(path, topic)
		b.logger.Info("published HA discovery", "address", dev.Address, "name", name)
	}
	b.publish(b.prefix+"/"+topic, mustJSON(deviceState(dev)), true)
}

// forget removes discovery entries and the command subscription for path.
func (b *Bridge) forget(path string) {
	b.mu.Lock()
	a, ok := b.announced[path]
	delete(b.announced, path)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, msg := range buildRemoveDiscovery(a.address) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+a.topic, nil, true)
	b.client.Unsubscribe(b.prefix + "/" + a.topic + "/set")
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

// announceAll (re)publishes every registered device. Called on each connect
// so a broker restart gets retained discovery back.
func (b *Bridge) announceAll() {
	b.mu.Lock()
	clear(b.announced)
	b.mu.Unlock()
	for _, d := range b.coord.Registry().All() {
		b.publishDevice(d.Path)
	}
}

func (b *Bridge) subscribeCommands(path, topic string) {
	b.client.Subscribe(b.prefix+"/"+topic+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(path, msg.Payload())
	})
}

// command is the JSON accepted on <prefix>/<device>/set.
type command struct {
	Pair  bool `json:"pair"`
	Trust bool `json:"trust"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}, err
	}
	if !cmd.Pair && !cmd.Trust {
		return command{}, fmt.Errorf("no action in command")
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(path string, payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "path", path, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 60*time.Second)
	defer cancel()

	if cmd.Pair {
		if err := b.coord.PairPath(ctx, path, store.TriggerUser); err != nil {
			b.logger.Warn("pair command failed", "path", path, "err", err)
		}
	}
	if cmd.Trust {
		if err := b.coord.TrustPath(ctx, path, store.TriggerUser); err != nil {
			b.logger.Warn("trust command failed", "path", path, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// friendlyName returns the configured name for dev, empty if none.
func friendlyName(coord *coordinator.Coordinator, dev device.Device) string {
	if p := coord.DeviceDB().Lookup(dev.Address); p != nil {
		return p.FriendlyName
	}
	return ""
}

// deviceState is the retained JSON state published for a device.
func deviceState(dev device.Device) map[string]any {
	state := map[string]any{
		"address":   dev.Address,
		"name":      dev.DisplayName(),
		"paired":    dev.Paired,
		"trusted":   dev.Trusted,
		"connected": dev.Connected,
		"services":  len(dev.ServiceUUIDs),
	}
	if dev.RSSI != nil {
		state["rssi"] = *dev.RSSI
	}
	if !dev.LastSeen.IsZero() {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	return state
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
