package coordinator

import (
	"log/slog"
	"slices"
	"sync"

	"bluez-go-home/internal/device"
)

// Event types emitted on the coordinator's EventBus.
const (
	EventDeviceAppeared     = "device_appeared"
	EventDeviceRemoved      = "device_removed"
	EventPropertyUpdate     = "property_update"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventDevicePaired       = "device_paired"
	EventActionResult       = "action_result"
	EventAdapterState       = "adapter_state"
	EventRegistryCleared    = "registry_cleared"
)

// Event is one notification from the reconciler or the command paths.
// Device events carry the map built by deviceData; action and adapter
// events carry the store record.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func deviceData(d device.Device) map[string]interface{} {
	data := map[string]interface{}{
		"path":      d.Path,
		"address":   d.Address,
		"name":      d.DisplayName(),
		"paired":    d.Paired,
		"trusted":   d.Trusted,
		"connected": d.Connected,
	}
	if d.RSSI != nil {
		data["rssi"] = *d.RSSI
	}
	return data
}

// EventHandler receives events synchronously on the emitting goroutine.
// Handlers must not block; the reconciler is waiting on them.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty matches every event
	handler EventHandler
}

// EventBus fans coordinator events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns the unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event and returns the unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Emit delivers event to every matching handler. A panicking handler is
// logged and does not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	targets := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
