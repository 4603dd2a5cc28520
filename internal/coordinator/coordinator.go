package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bluez-go-home/internal/bluez"
	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
)

// Config holds coordinator configuration.
type Config struct {
	Adapter     string // adapter name, for display and the persisted adapter state
	AutoTrust   bool   // trust devices automatically once they pair
	PowerOn     bool   // power the adapter on at start
	Pairable    bool   // make the adapter pairable at start
	Discovery   bool   // start discovery at start
	JournalKeep int    // number of action records retained; 0 keeps everything
}

// Coordinator keeps the device registry in step with the BlueZ daemon and
// executes operator commands against it.
type Coordinator struct {
	bus      bluez.Bus
	store    store.Store
	registry *device.Registry
	deviceDB *DeviceDB
	events   *EventBus
	devices  *DeviceManager
	logger   *slog.Logger
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	adapterMu sync.Mutex
	adapter   store.AdapterState
	appends   int
}

// New creates a new Coordinator over a bus connection.
func New(bus bluez.Bus, st store.Store, registry *device.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	c := &Coordinator{
		bus:      bus,
		store:    st,
		registry: registry,
		deviceDB: deviceDB,
		events:   events,
		logger:   logger,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		adapter:  store.AdapterState{Adapter: cfg.Adapter},
	}
	c.devices = NewDeviceManager(c)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start brings the adapter up, subscribes to device signals, loads the devices
// the daemon already knows and starts the event loop.
// Discovery is resumed if it was on when the program last ran.
func (c *Coordinator) Start(ctx context.Context) error {
	discovery := c.config.Discovery
	if prev, err := c.store.GetAdapterState(); err == nil && prev.Adapter == c.config.Adapter {
		discovery = discovery || prev.Discovering
		c.logger.Info("restoring adapter state", "discovering", prev.Discovering)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load adapter state", "err", err)
	}

	if c.config.PowerOn {
		if err := c.SetPowered(ctx, true); err != nil {
			return err
		}
	}
	if c.config.Pairable {
		if err := c.SetPairable(ctx, true); err != nil {
			c.logger.Warn("set pairable", "err", err)
		}
	}

	// Subscribe before listing so nothing between the two is lost; queued
	// signals are applied after the initial sync.
	sub, err := c.bus.Subscribe(c.ctx, bluez.KindAll)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := c.Sync(ctx); err != nil {
		sub.Close()
		return err
	}

	c.wg.Add(1)
	go c.run(sub)

	if discovery {
		if err := c.SetDiscovery(ctx, true); err != nil {
			c.logger.Warn("start discovery", "err", err)
		}
	}
	c.logger.Info("coordinator started", "adapter", c.bus.AdapterPath(), "devices", c.registry.Count())
	return nil
}

// Sync feeds every device the daemon currently knows through the reconciler.
func (c *Coordinator) Sync(ctx context.Context) error {
	known, err := c.bus.ManagedDevices(ctx)
	if err != nil {
		return fmt.Errorf("%w: initial sync: %w", ErrTransport, err)
	}
	for _, ev := range known {
		if err := c.devices.HandleAppeared(ev); err != nil {
			c.logger.Warn("initial sync", "path", ev.Path, "err", err)
		}
	}
	return nil
}

// run pumps the subscription into the reconciler, resubscribing if the
// transport drops it.
func (c *Coordinator) run(sub *bluez.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			sub.Close()
			return
		case ev := <-sub.Events():
			c.devices.HandleEvent(ev)
		case <-sub.Done():
			c.logger.Warn("device subscription closed, resubscribing")
			for {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				next, err := c.bus.Subscribe(c.ctx, bluez.KindAll)
				if err != nil {
					c.logger.Error("resubscribe", "err", err)
					continue
				}
				sub = next
				break
			}
			if err := c.Sync(c.ctx); err != nil {
				c.logger.Warn("resync", "err", err)
			}
		}
	}
}

// Stop cancels the coordinator context and waits for the event loop and any
// in-flight refreshes or trust calls.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.devices.CancelAll()
}

// resolve turns an index token into a device path.
func (c *Coordinator) resolve(index int) (string, error) {
	path, ok := c.registry.PathAt(index)
	if !ok {
		return "", fmt.Errorf("index %d: %w", index, device.ErrNotFound)
	}
	return path, nil
}

// PairDevice asks the daemon to pair the device at index.
func (c *Coordinator) PairDevice(ctx context.Context, index int) error {
	path, err := c.resolve(index)
	if err != nil {
		return err
	}
	return c.PairPath(ctx, path, store.TriggerUser)
}

// PairPath asks the daemon to pair the device at path.
func (c *Coordinator) PairPath(ctx context.Context, path, trigger string) error {
	if _, ok := c.registry.GetByPath(path); !ok {
		return fmt.Errorf("%s: %w", path, device.ErrNotFound)
	}
	c.logger.Info("pairing", "path", path, "trigger", trigger)
	err := c.bus.Pair(ctx, path)
	c.journal(store.ActionPair, path, trigger, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// TrustDevice marks the device at index as trusted.
func (c *Coordinator) TrustDevice(ctx context.Context, index int) error {
	path, err := c.resolve(index)
	if err != nil {
		return err
	}
	return c.TrustPath(ctx, path, store.TriggerUser)
}

// TrustPath marks the device at path as trusted. The registry is not updated
// here; the daemon confirms the change with a property signal.
func (c *Coordinator) TrustPath(ctx context.Context, path, trigger string) error {
	if _, ok := c.registry.GetByPath(path); !ok {
		return fmt.Errorf("%s: %w", path, device.ErrNotFound)
	}
	c.logger.Info("trusting", "path", path, "trigger", trigger)
	err := c.bus.SetTrusted(ctx, path, true)
	c.journal(store.ActionTrust, path, trigger, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// RemoveDevice drops the device at index from the registry only. It reports
// false if the index does not resolve.
func (c *Coordinator) RemoveDevice(index int) bool {
	path, ok := c.registry.PathAt(index)
	if !ok {
		return false
	}
	return c.devices.HandleDisappeared(bluez.DeviceDisappeared{Path: path})
}

// ForgetDevice asks the daemon to remove the device at index, including its
// pairing, and drops it from the registry.
func (c *Coordinator) ForgetDevice(ctx context.Context, index int) error {
	path, err := c.resolve(index)
	if err != nil {
		return err
	}
	return c.ForgetPath(ctx, path, store.TriggerUser)
}

// ForgetPath asks the daemon to remove the device at path and drops it from
// the registry.
func (c *Coordinator) ForgetPath(ctx context.Context, path, trigger string) error {
	err := c.bus.RemoveDevice(ctx, path)
	c.journal(store.ActionRemove, path, trigger, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.devices.HandleDisappeared(bluez.DeviceDisappeared{Path: path})
	return nil
}

// ClearDevices empties the registry. It reports false if it was already empty.
func (c *Coordinator) ClearDevices() bool {
	c.devices.cancelRefreshes()
	if !c.registry.Clear() {
		return false
	}
	c.logger.Info("registry cleared")
	c.events.Emit(Event{Type: EventRegistryCleared})
	return true
}

// SetDiscovery starts or stops discovery on the adapter.
func (c *Coordinator) SetDiscovery(ctx context.Context, on bool) error {
	var err error
	if on {
		err = c.bus.StartDiscovery(ctx)
	} else {
		err = c.bus.StopDiscovery(ctx)
	}
	c.journal(store.ActionDiscovery, "", store.TriggerUser, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.updateAdapter(func(s *store.AdapterState) { s.Discovering = on })
	return nil
}

// SetPowered switches the adapter on or off.
func (c *Coordinator) SetPowered(ctx context.Context, on bool) error {
	err := c.bus.SetPowered(ctx, on)
	c.journal(store.ActionPower, "", store.TriggerUser, err)
	if err != nil {
		return fmt.Errorf("%w: power: %w", ErrTransport, err)
	}
	c.updateAdapter(func(s *store.AdapterState) { s.Powered = on })
	return nil
}

// SetPairable sets whether the adapter accepts pairing.
func (c *Coordinator) SetPairable(ctx context.Context, on bool) error {
	if err := c.bus.SetPairable(ctx, on); err != nil {
		return fmt.Errorf("%w: pairable: %w", ErrTransport, err)
	}
	c.updateAdapter(func(s *store.AdapterState) { s.Pairable = on })
	return nil
}

func (c *Coordinator) updateAdapter(fn func(*store.AdapterState)) {
	c.adapterMu.Lock()
	fn(&c.adapter)
	c.adapter.UpdatedAt = time.Now()
	state := c.adapter
	c.adapterMu.Unlock()

	if err := c.store.SaveAdapterState(&state); err != nil {
		c.logger.Error("save adapter state", "err", err)
	}
	c.events.Emit(Event{Type: EventAdapterState, Data: state})
}

// AdapterState returns the adapter settings last applied.
func (c *Coordinator) AdapterState() store.AdapterState {
	c.adapterMu.Lock()
	defer c.adapterMu.Unlock()
	return c.adapter
}

// journal records the outcome of an outbound call and announces it.
func (c *Coordinator) journal(action, path, trigger string, callErr error) {
	rec := &store.ActionRecord{
		Time:    time.Now(),
		Path:    path,
		Address: bluez.AddrFromPath(path),
		Action:  action,
		Trigger: trigger,
		OK:      callErr == nil,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
		c.logger.Warn("action failed", "action", action, "path", path, "trigger", trigger, "err", callErr)
	}
	if err := c.store.AppendAction(rec); err != nil {
		c.logger.Error("journal action", "action", action, "err", err)
	}

	if keep := c.config.JournalKeep; keep > 0 {
		c.adapterMu.Lock()
		c.appends++
		prune := c.appends%keep == 0
		c.adapterMu.Unlock()
		if prune {
			if err := c.store.PruneActions(keep); err != nil {
				c.logger.Warn("prune journal", "err", err)
			}
		}
	}

	c.events.Emit(Event{Type: EventActionResult, Data: rec})
}

// Snapshot returns the ordered registry view.
func (c *Coordinator) Snapshot() []device.SnapshotEntry {
	return c.registry.Snapshot()
}

// Bus returns the transport.
func (c *Coordinator) Bus() bluez.Bus {
	return c.bus
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *device.Registry {
	return c.registry
}

// DeviceDB returns the device policy database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.config
}
