package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultCallTimeout matches the daemon's own method call timeout.
const DefaultCallTimeout = 25 * time.Second

// Config selects the adapter and call timeout.
type Config struct {
	Adapter     string        // adapter name, e.g. "hci0"
	CallTimeout time.Duration // per-call timeout; 0 means DefaultCallTimeout
}

// Client is the system bus implementation of Bus.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	timeout time.Duration
	logger  *slog.Logger

	signals chan *dbus.Signal
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[*Subscription]EventKind
}

var _ Bus = (*Client)(nil)

// Connect opens the system bus, installs the signal matches for the adapter's
// devices and starts the dispatch goroutine.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	c, err := newClient(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn *dbus.Conn, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c := &Client{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		timeout: cfg.CallTimeout,
		logger:  logger.With("component", "bluez"),
		signals: make(chan *dbus.Signal, 64),
		subs:    make(map[*Subscription]EventKind),
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(objectManager), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(objectManager), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(c.adapter)},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return nil, fmt.Errorf("add signal match: %w", err)
		}
	}
	conn.Signal(c.signals)

	c.ctx, c.stop = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.dispatch()

	c.logger.Info("bluez transport ready", "adapter", string(c.adapter), "call_timeout", c.timeout)
	return c, nil
}

// AdapterPath returns the adapter object path, e.g. /org/bluez/hci0.
func (c *Client) AdapterPath() string {
	return string(c.adapter)
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			events, err := ParseSignal(sig, string(c.adapter))
			if err != nil {
				events = []Event{Malformed{Path: string(sig.Path), Err: err}}
			}
			for _, ev := range events {
				c.deliver(ev)
			}
		}
	}
}

func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for s, kinds := range c.subs {
		if kinds.accepts(ev) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		s.Send(c.ctx, ev)
	}
}

// Subscribe starts delivering events of the given kinds. The subscription
// ends when ctx is done or Close is called; a new one may be opened at any time.
func (c *Client) Subscribe(ctx context.Context, kinds EventKind) (*Subscription, error) {
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("bluez: client closed")
	}
	var sub *Subscription
	sub = NewSubscription(64, func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.subs[sub] = kinds
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// ManagedDevices lists the adapter's devices the daemon already knows about.
func (c *Client) ManagedDevices(ctx context.Context) ([]DeviceAppeared, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(busName, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	var out []DeviceAppeared
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !isDevicePath(string(path), string(c.adapter)) {
			continue
		}
		out = append(out, DeviceAppeared{Path: string(path), Properties: decodeProperties(props)})
	}
	slices.SortFunc(out, func(a, b DeviceAppeared) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// ReadProperty fetches one org.bluez.Device1 property.
func (c *Client) ReadProperty(ctx context.Context, path, key string) (Value, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	var v dbus.Variant
	err := c.conn.Object(busName, dbus.ObjectPath(path)).
		CallWithContext(ctx, propertiesIface+".Get", 0, deviceInterface, key).Store(&v)
	if err != nil {
		return nil, fmt.Errorf("get %s.%s: %w", path, key, err)
	}
	return FromVariant(v), nil
}

func (c *Client) setProperty(ctx context.Context, path dbus.ObjectPath, iface, key string, value any) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	call := c.conn.Object(busName, path).
		CallWithContext(ctx, propertiesIface+".Set", 0, iface, key, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("set %s %s.%s: %w", path, iface, key, call.Err)
	}
	return nil
}

// SetTrusted writes the device's Trusted property.
func (c *Client) SetTrusted(ctx context.Context, path string, trusted bool) error {
	return c.setProperty(ctx, dbus.ObjectPath(path), deviceInterface, "Trusted", trusted)
}

// Pair asks the daemon to pair with the device.
func (c *Client) Pair(ctx context.Context, path string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	if err := c.conn.Object(busName, dbus.ObjectPath(path)).CallWithContext(ctx, deviceInterface+".Pair", 0).Err; err != nil {
		return fmt.Errorf("pair %s: %w", path, err)
	}
	return nil
}

// SetPowered switches the adapter on or off.
func (c *Client) SetPowered(ctx context.Context, on bool) error {
	return c.setProperty(ctx, c.adapter, adapterInterface, "Powered", on)
}

// SetPairable sets the adapter's Pairable property.
func (c *Client) SetPairable(ctx context.Context, on bool) error {
	return c.setProperty(ctx, c.adapter, adapterInterface, "Pairable", on)
}

func (c *Client) adapterCall(ctx context.Context, method string, args ...any) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	if err := c.conn.Object(busName, c.adapter).CallWithContext(ctx, adapterInterface+"."+method, 0, args...).Err; err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// StartDiscovery starts device discovery on the adapter.
func (c *Client) StartDiscovery(ctx context.Context) error {
	return c.adapterCall(ctx, "StartDiscovery")
}

// StopDiscovery stops device discovery on the adapter.
func (c *Client) StopDiscovery(ctx context.Context) error {
	return c.adapterCall(ctx, "StopDiscovery")
}

// RemoveDevice makes the daemon forget the device, including its pairing.
func (c *Client) RemoveDevice(ctx context.Context, path string) error {
	return c.adapterCall(ctx, "RemoveDevice", dbus.ObjectPath(path))
}

// Close detaches all subscriptions and closes the bus connection.
func (c *Client) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.stop()
	c.conn.RemoveSignal(c.signals)
	c.wg.Wait()

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return c.conn.Close()
}
