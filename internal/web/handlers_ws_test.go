package web

import (
	"encoding/json"
	"testing"
	"time"

	"bluez-go-home/internal/coordinator"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

// waitClients polls until the hub has n registered clients.
func waitClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		count := len(hub.clients)
		hub.mu.RUnlock()
		if count == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", n)
}

func recvEvent(t *testing.T, c *wsClient) coordinator.Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev coordinator.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return coordinator.Event{}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.unregister <- client
	waitClients(t, hub, 0)
}

func TestWSHubBroadcastFiltersByType(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	paired := newWSClient(nil, []string{coordinator.EventDevicePaired})
	hub.register <- all
	hub.register <- paired
	waitClients(t, hub, 2)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventDeviceAppeared})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventDevicePaired})

	if ev := recvEvent(t, all); ev.Type != coordinator.EventDeviceAppeared {
		t.Errorf("all: first = %q", ev.Type)
	}
	if ev := recvEvent(t, all); ev.Type != coordinator.EventDevicePaired {
		t.Errorf("all: second = %q", ev.Type)
	}
	if ev := recvEvent(t, paired); ev.Type != coordinator.EventDevicePaired {
		t.Errorf("filtered client got %q", ev.Type)
	}
	select {
	case msg := <-paired.send:
		t.Errorf("filtered client got extra message %s", msg)
	default:
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventPropertyUpdate})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventPropertyUpdate})
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	// Not running: nothing drains the queue.
	hub := newTestHub()

	for i := 0; i < wsEventBuffer; i++ {
		hub.Broadcast(coordinator.Event{Type: coordinator.EventPropertyUpdate})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(coordinator.Event{Type: coordinator.EventPropertyUpdate})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when the queue is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send was not closed")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	waitClients(t, hub, 0)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestEventFilter(t *testing.T) {
	tests := []struct {
		types  []string
		event  string
		accept bool
	}{
		{nil, coordinator.EventDeviceRemoved, true},
		{[]string{"", " "}, coordinator.EventDeviceRemoved, true},
		{[]string{"device_paired"}, coordinator.EventDevicePaired, true},
		{[]string{" device_paired "}, coordinator.EventDevicePaired, true},
		{[]string{"device_paired"}, coordinator.EventDeviceRemoved, false},
	}
	for _, tt := range tests {
		if got := newEventFilter(tt.types).accepts(tt.event); got != tt.accept {
			t.Errorf("filter %q accepts(%s) = %v, want %v", tt.types, tt.event, got, tt.accept)
		}
	}
}

func TestSnapshotMessage(t *testing.T) {
	data, err := json.Marshal(snapshotMessage(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"snapshot","data":[]}` {
		t.Errorf("empty snapshot = %s", data)
	}
}

func TestHandleClientMessage(t *testing.T) {
	srv, coord, _ := setupTestServer(t)

	// Neither filter matches the events seeding emits.
	client := newWSClient(nil, []string{coordinator.EventDeviceRemoved})
	srv.wsHub.register <- client
	waitClients(t, srv.wsHub, 1)
	seedDevices(t, coord)

	if !srv.handleClientMessage(client, []byte(`{"type":"subscribe","types":["action_result"]}`)) {
		t.Fatal("subscribe rejected")
	}
	if client.wants(coordinator.EventDeviceAppeared) || !client.wants(coordinator.EventActionResult) {
		t.Error("subscribe did not replace the filter")
	}

	if !srv.handleClientMessage(client, []byte(`{"type":"snapshot"}`)) {
		t.Fatal("snapshot rejected")
	}
	ev := recvEvent(t, client)
	entries, ok := ev.Data.([]interface{})
	if ev.Type != wsSnapshotType || !ok || len(entries) != 2 {
		t.Errorf("snapshot = %+v", ev)
	}

	for _, msg := range []string{`{"type":"pair"}`, `not json`} {
		if srv.handleClientMessage(client, []byte(msg)) {
			t.Errorf("%s accepted", msg)
		}
	}
}

func TestServerBroadcastsEvents(t *testing.T) {
	srv, coord, _ := setupTestServer(t)

	client := &wsClient{send: make(chan []byte, 16)}
	srv.wsHub.register <- client
	waitClients(t, srv.wsHub, 1)

	seedDevices(t, coord)

	if ev := recvEvent(t, client); ev.Type != coordinator.EventDeviceAppeared {
		t.Errorf("first event = %q, want %q", ev.Type, coordinator.EventDeviceAppeared)
	}
}
