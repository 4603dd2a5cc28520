package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bluez-go-home/internal/bluez"
	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceAppeared, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceAppeared, Data: "test"})

	if received.Type != EventDeviceAppeared {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceAppeared)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceAppeared, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceRemoved, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAppeared})
	eb.Emit(Event{Type: EventPropertyUpdate})
	unsub()
	eb.Emit(Event{Type: EventDeviceAppeared})

	if count.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", count.Load())
	}
}

func TestEventBusDeliveryOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var order []string

	eb.OnAll(func(Event) { order = append(order, "all") })
	eb.On(EventDevicePaired, func(Event) { order = append(order, "paired") })
	var unsub func()
	unsub = eb.OnAll(func(Event) {
		order = append(order, "once")
		unsub()
	})

	eb.Emit(Event{Type: EventDevicePaired})
	eb.Emit(Event{Type: EventDevicePaired})

	want := "all,paired,once,all,paired"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
	unsub()
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventDevicePaired, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventDevicePaired, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventDevicePaired})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventPropertyUpdate})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("count = %d, want 100", count.Load())
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSyncsAndPumpsEvents(t *testing.T) {
	c, bus, _ := newTestCoord(t, Config{Adapter: "hci0", PowerOn: true, Pairable: true})
	bus.managed = []bluez.DeviceAppeared{
		appeared(pathA, prop("Alias", bluez.String("Mouse"))),
		appeared(pathB, prop("Alias", bluez.String("Keyboard"))),
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := c.Registry().Count(); n != 2 {
		t.Fatalf("count after sync = %d, want 2", n)
	}
	if len(bus.powered) != 1 || !bus.powered[0] || len(bus.pairable) != 1 {
		t.Errorf("powered=%v pairable=%v", bus.powered, bus.pairable)
	}

	<-bus.subscribed
	bus.mu.Lock()
	sub := bus.subs[0]
	bus.mu.Unlock()
	sub.Send(context.Background(), bluez.DeviceDisappeared{Path: pathA})
	sub.Send(context.Background(), changed(pathB, "RSSI", bluez.Int16(-33)))

	waitFor(t, "events applied", func() bool {
		d, ok := c.Registry().GetByPath(pathB)
		return c.Registry().Count() == 1 && ok && d.RSSI != nil
	})
}

func TestStartResumesDiscovery(t *testing.T) {
	c, bus, ms := newTestCoord(t, Config{Adapter: "hci0"})
	ms.SaveAdapterState(&store.AdapterState{Adapter: "hci0", Discovering: true})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.discovery) != 1 || !bus.discovery[0] {
		t.Errorf("discovery calls = %v, want [true]", bus.discovery)
	}
}

func TestPairDevice(t *testing.T) {
	c, bus, ms := newTestCoord(t, Config{})
	c.Devices().HandleAppeared(appeared(pathA))
	c.Devices().HandleAppeared(appeared(pathB))

	if err := c.PairDevice(context.Background(), 1); err != nil {
		t.Fatalf("PairDevice: %v", err)
	}
	if len(bus.paired) != 1 || bus.paired[0] != pathB {
		t.Errorf("pair calls = %v", bus.paired)
	}
	if recs := ms.actionsOf(store.ActionPair); len(recs) != 1 || recs[0].Trigger != store.TriggerUser {
		t.Errorf("journal = %+v", recs)
	}

	if err := c.PairDevice(context.Background(), 7); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("bad index: %v", err)
	}

	bus.pairErr = errors.New("org.bluez.Error.AuthenticationFailed")
	err := c.PairDevice(context.Background(), 0)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
	if c.Registry().Count() != 2 {
		t.Error("failed pair changed the registry")
	}
}

func TestTrustDevice(t *testing.T) {
	c, bus, _ := newTestCoord(t, Config{})
	c.Devices().HandleAppeared(appeared(pathA))
	if err := c.TrustDevice(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := bus.trustCalls(); len(got) != 1 || got[0] != pathA {
		t.Errorf("trust calls = %v", got)
	}
}

func TestRemoveAndForgetDevice(t *testing.T) {
	c, bus, _ := newTestCoord(t, Config{})
	c.Devices().HandleAppeared(appeared(pathA))
	c.Devices().HandleAppeared(appeared(pathB))

	if !c.RemoveDevice(0) {
		t.Fatal("RemoveDevice(0) = false")
	}
	if p, _ := c.Registry().PathAt(0); p != pathB {
		t.Errorf("index 0 = %s, want %s", p, pathB)
	}
	if c.RemoveDevice(3) {
		t.Error("RemoveDevice(3) should report false")
	}
	if len(bus.removed) != 0 {
		t.Error("RemoveDevice must not call the daemon")
	}

	if err := c.ForgetDevice(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if len(bus.removed) != 1 || bus.removed[0] != pathB {
		t.Errorf("remove calls = %v", bus.removed)
	}
	if c.Registry().Count() != 0 {
		t.Error("forgotten device still registered")
	}
}

func TestClearDevices(t *testing.T) {
	c, _, _ := newTestCoord(t, Config{})
	var cleared bool
	c.Events().On(EventRegistryCleared, func(Event) { cleared = true })

	if c.ClearDevices() {
		t.Error("clear on empty registry should report false")
	}
	c.Devices().HandleAppeared(appeared(pathA))
	if !c.ClearDevices() || !cleared {
		t.Error("clear did not run")
	}
}

func TestSetDiscoveryPersistsState(t *testing.T) {
	c, bus, ms := newTestCoord(t, Config{Adapter: "hci0"})
	var states []store.AdapterState
	c.Events().On(EventAdapterState, func(e Event) { states = append(states, e.Data.(store.AdapterState)) })

	if err := c.SetDiscovery(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetDiscovery(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if len(bus.discovery) != 2 || !bus.discovery[0] || bus.discovery[1] {
		t.Errorf("discovery calls = %v", bus.discovery)
	}
	saved, err := ms.GetAdapterState()
	if err != nil {
		t.Fatal(err)
	}
	if saved.Discovering || saved.Adapter != "hci0" {
		t.Errorf("saved = %+v", saved)
	}
	if len(states) != 2 || !states[0].Discovering {
		t.Errorf("events = %+v", states)
	}
}

func TestJournalPrune(t *testing.T) {
	c, _, ms := newTestCoord(t, Config{JournalKeep: 3})
	for range 7 {
		c.SetDiscovery(context.Background(), true)
	}
	list, _ := ms.ListActions(0)
	if len(list) > 3+2 {
		t.Errorf("journal holds %d records, want it pruned near 3", len(list))
	}
}

func TestReadProperties(t *testing.T) {
	c, bus, _ := newTestCoord(t, Config{})
	bus.setProp(pathA, "Name", bluez.String("Pixel"))
	bus.setProp(pathA, "Class", bluez.Uint32(0x5a020c))
	c.Devices().HandleAppeared(appeared(pathA))

	res, err := c.ReadProperties(context.Background(), 0, []string{"Name", "Class", "Modalias"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("results = %d", len(res))
	}
	if res[0].Value != "Pixel" || !res[0].Known || res[0].Signature != "s" {
		t.Errorf("name = %+v", res[0])
	}
	if res[1].Value != uint32(0x5a020c) || res[1].Known {
		t.Errorf("class = %+v", res[1])
	}
	if res[2].Error == "" {
		t.Errorf("missing property should report an error: %+v", res[2])
	}
	// Live reads never touch the registry.
	d, _ := c.Registry().GetByPath(pathA)
	if d.Name != "" {
		t.Errorf("registry updated by live read: %q", d.Name)
	}
}
