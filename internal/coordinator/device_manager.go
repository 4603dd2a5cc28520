package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"bluez-go-home/internal/bluez"
	"bluez-go-home/internal/device"
	"bluez-go-home/internal/store"
)

type refreshEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// DeviceManager reconciles daemon events into the registry and runs the
// follow-up actions they trigger: the property refresh on connect and
// automatic trust on pairing.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Refresh cancellation: tracks active refresh cancel funcs by path.
	refreshMu      sync.Mutex
	refreshCancels map[string]refreshEntry
	refreshGen     atomic.Uint64

	// Refresh and trust goroutines.
	pending sync.WaitGroup
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:          coord,
		logger:         coord.logger.With("component", "device_manager"),
		refreshCancels: make(map[string]refreshEntry),
	}
}

// CancelAll cancels all running refreshes and waits for every follow-up
// goroutine to finish.
func (dm *DeviceManager) CancelAll() {
	dm.cancelRefreshes()
	dm.pending.Wait()
}

func (dm *DeviceManager) cancelRefreshes() {
	dm.refreshMu.Lock()
	for path, entry := range dm.refreshCancels {
		entry.cancel()
		delete(dm.refreshCancels, path)
	}
	dm.refreshMu.Unlock()
}

// Wait blocks until all follow-up goroutines started so far have finished.
func (dm *DeviceManager) Wait() {
	dm.pending.Wait()
}

// HandleEvent dispatches one transport event.
func (dm *DeviceManager) HandleEvent(ev bluez.Event) error {
	switch e := ev.(type) {
	case bluez.DeviceAppeared:
		return dm.HandleAppeared(e)
	case bluez.DeviceDisappeared:
		dm.HandleDisappeared(e)
		return nil
	case bluez.PropertyChanged:
		return dm.HandlePropertyChanged(e)
	case bluez.Malformed:
		dm.logger.Warn("dropping malformed signal", "path", e.Path, "err", e.Err)
		return fmt.Errorf("%w: %w", ErrMalformedEvent, e.Err)
	default:
		return fmt.Errorf("%w: unexpected event %T", ErrMalformedEvent, ev)
	}
}

// HandleAppeared creates or updates the record for a device the daemon has
// announced. Properties that fail to decode are logged and skipped one by one.
func (dm *DeviceManager) HandleAppeared(ev bluez.DeviceAppeared) error {
	var p device.Patch
	for _, prop := range ev.Properties {
		known, err := decodeProperty(prop, &p)
		if err != nil {
			dm.logger.Warn("skipping property", "path", ev.Path, "key", prop.Key, "err", err)
			continue
		}
		if !known {
			dm.logger.Debug("ignoring property", "path", ev.Path, "key", prop.Key)
		}
	}

	ch, err := dm.apply(ev.Path, p, true)
	if err != nil {
		dm.logger.Error("device appeared", "path", ev.Path, "err", err)
		return err
	}

	if ch.Created {
		dm.logger.Info("device appeared", "path", ev.Path, "address", ch.Device.Address, "name", ch.Device.DisplayName())
		dm.coord.Events().Emit(Event{Type: EventDeviceAppeared, Data: deviceData(ch.Device)})
	} else {
		dm.logger.Debug("device re-announced", "path", ev.Path)
	}
	dm.transitions(ch)
	return nil
}

// HandlePropertyChanged applies a single property change. Unknown properties
// are ignored; a mistyped value returns ErrMalformedEvent and leaves the
// stored value as it was. A change for an unseen path creates the record.
func (dm *DeviceManager) HandlePropertyChanged(ev bluez.PropertyChanged) error {
	var p device.Patch
	known, err := decodeProperty(ev.Property, &p)
	if err != nil {
		dm.logger.Warn("malformed property change", "path", ev.Path, "key", ev.Property.Key, "err", err)
		return err
	}
	if !known {
		dm.logger.Debug("ignoring property", "path", ev.Path, "key", ev.Property.Key)
		return nil
	}

	ch, err := dm.apply(ev.Path, p, true)
	if err != nil {
		dm.logger.Error("property change", "path", ev.Path, "key", ev.Property.Key, "err", err)
		return err
	}
	if ch.Created {
		dm.coord.Events().Emit(Event{Type: EventDeviceAppeared, Data: deviceData(ch.Device)})
	}
	if ch.Changed {
		dm.logger.Debug("property update", "path", ev.Path, "key", ev.Property.Key, "value", ev.Property.Value)
		dm.coord.Events().Emit(Event{
			Type: EventPropertyUpdate,
			Data: map[string]interface{}{
				"path":     ev.Path,
				"address":  ch.Device.Address,
				"property": ev.Property.Key,
				"value":    propertyValue(ev.Property.Value),
			},
		})
	}
	dm.transitions(ch)
	return nil
}

// HandleDisappeared removes the record for path and cancels its refresh.
// It reports false, leaving the registry unchanged, when path is unknown.
func (dm *DeviceManager) HandleDisappeared(ev bluez.DeviceDisappeared) bool {
	dm.cancelRefresh(ev.Path)

	d, _ := dm.coord.Registry().GetByPath(ev.Path)
	if !dm.coord.Registry().RemoveByPath(ev.Path) {
		dm.logger.Info("device disappeared: not found", "path", ev.Path)
		return false
	}
	dm.logger.Info("device removed", "path", ev.Path, "name", d.DisplayName())
	dm.coord.Events().Emit(Event{Type: EventDeviceRemoved, Data: deviceData(d)})
	return true
}

// apply writes p to the registry. Scalar fields go in one all-or-nothing
// patch; service UUIDs are then added one at a time so a full set keeps
// every UUID that fits.
func (dm *DeviceManager) apply(path string, p device.Patch, create bool) (device.Change, error) {
	uuids := p.ServiceUUIDs
	p.ServiceUUIDs = nil

	reg := dm.coord.Registry()
	var ch device.Change
	var err error
	if create {
		ch, err = reg.Upsert(path, p)
	} else {
		ch, err = reg.Update(path, p)
	}
	if err != nil {
		return device.Change{}, err
	}

	added := false
	for _, u := range uuids {
		ok, err := reg.AddServiceUUID(path, u)
		if errors.Is(err, device.ErrCapacityExceeded) {
			dm.logger.Warn("service uuid set full", "path", path, "dropped", u)
			break
		}
		if errors.Is(err, device.ErrNotFound) {
			// Removed concurrently.
			return ch, nil
		}
		if err != nil {
			return ch, err
		}
		added = added || ok
	}
	if added {
		if cur, ok := reg.GetByPath(path); ok {
			ch.Device = cur
			ch.Changed = true
		}
	}
	return ch, nil
}

// transitions starts the follow-up actions for state edges in ch. It runs
// after the registry lock has been released.
func (dm *DeviceManager) transitions(ch device.Change) {
	cur := ch.Device
	wasConnected := !ch.Created && ch.Previous.Connected

	switch {
	case cur.Connected && !wasConnected:
		dm.logger.Info("device connected", "path", cur.Path, "name", cur.DisplayName())
		dm.coord.Events().Emit(Event{Type: EventDeviceConnected, Data: deviceData(cur)})
		dm.startRefresh(cur.Path)
	case !cur.Connected && wasConnected:
		dm.logger.Info("device disconnected", "path", cur.Path, "name", cur.DisplayName())
		dm.coord.Events().Emit(Event{Type: EventDeviceDisconnected, Data: deviceData(cur)})
	}

	dm.pairedTransition(ch)
}

// pairedTransition handles the paired false->true edge: it announces the
// pairing and trusts the device once if it is not trusted yet.
func (dm *DeviceManager) pairedTransition(ch device.Change) {
	cur := ch.Device
	if !cur.Paired || (!ch.Created && ch.Previous.Paired) {
		return
	}
	dm.logger.Info("device paired", "path", cur.Path, "name", cur.DisplayName(), "trusted", cur.Trusted)
	dm.coord.Events().Emit(Event{Type: EventDevicePaired, Data: deviceData(cur)})
	if !cur.Trusted && dm.shouldAutoTrust(cur) {
		dm.startTrust(cur.Path)
	}
}

func (dm *DeviceManager) shouldAutoTrust(d device.Device) bool {
	def := dm.coord.Config().AutoTrust
	if db := dm.coord.DeviceDB(); db != nil {
		return db.AutoTrust(d.Address, def)
	}
	return def
}

// startTrust issues one SetTrusted call for path in the background.
func (dm *DeviceManager) startTrust(path string) {
	dm.pending.Add(1)
	go func() {
		defer dm.pending.Done()
		if err := dm.coord.TrustPath(dm.coord.Context(), path, store.TriggerAuto); err != nil {
			dm.logger.Warn("auto trust failed", "path", path, "err", err)
		}
	}()
}

// startRefresh re-reads the connect-time properties of path in the
// background, superseding any refresh already running for it.
func (dm *DeviceManager) startRefresh(path string) {
	gen := dm.refreshGen.Add(1)
	ctx, cancel := context.WithCancel(dm.coord.Context())

	dm.refreshMu.Lock()
	if prev, ok := dm.refreshCancels[path]; ok {
		prev.cancel()
	}
	dm.refreshCancels[path] = refreshEntry{cancel: cancel, gen: gen}
	dm.refreshMu.Unlock()

	dm.pending.Add(1)
	go dm.refresh(ctx, path, gen)
}

func (dm *DeviceManager) cancelRefresh(path string) {
	dm.refreshMu.Lock()
	if entry, ok := dm.refreshCancels[path]; ok {
		entry.cancel()
		delete(dm.refreshCancels, path)
	}
	dm.refreshMu.Unlock()
}

// refresh reads each property in refreshProperties and applies the replies
// with Update, so a device removed meanwhile is never recreated. A reply that
// flips Paired runs the paired edge; connection edges are left to signals so
// a refresh never starts another refresh.
func (dm *DeviceManager) refresh(ctx context.Context, path string, gen uint64) {
	defer func() {
		dm.refreshMu.Lock()
		if entry, ok := dm.refreshCancels[path]; ok && entry.gen == gen {
			entry.cancel()
			delete(dm.refreshCancels, path)
		}
		dm.refreshMu.Unlock()
		dm.pending.Done()
	}()

	var failed []string
	for _, key := range refreshProperties {
		if ctx.Err() != nil {
			dm.logger.Debug("refresh cancelled", "path", path)
			return
		}
		v, err := dm.coord.Bus().ReadProperty(ctx, path, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			dm.logger.Warn("refresh: read property", "path", path, "key", key, "err", err)
			failed = append(failed, key+": "+err.Error())
			continue
		}
		var p device.Patch
		if _, err := decodeProperty(bluez.Property{Key: key, Value: v}, &p); err != nil {
			dm.logger.Warn("refresh: decode property", "path", path, "key", key, "err", err)
			failed = append(failed, key+": "+err.Error())
			continue
		}
		ch, err := dm.apply(path, p, false)
		if errors.Is(err, device.ErrNotFound) {
			dm.logger.Debug("refresh: device gone", "path", path)
			return
		}
		if err != nil {
			dm.logger.Warn("refresh: apply", "path", path, "key", key, "err", err)
			continue
		}
		dm.pairedTransition(ch)
	}

	var callErr error
	if len(failed) > 0 {
		callErr = fmt.Errorf("%w: %s", ErrTransport, strings.Join(failed, "; "))
	}
	dm.coord.journal(store.ActionRefresh, path, store.TriggerAuto, callErr)
	dm.logger.Info("refresh complete", "path", path, "failed", len(failed))
}
