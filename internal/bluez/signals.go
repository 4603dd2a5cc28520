package bluez

import (
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName           = "org.bluez"
	adapterInterface  = "org.bluez.Adapter1"
	deviceInterface   = "org.bluez.Device1"
	objectManager     = "org.freedesktop.DBus.ObjectManager"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	interfacesAdded   = objectManager + ".InterfacesAdded"
	interfacesRemoved = objectManager + ".InterfacesRemoved"
	propertiesChanged = propertiesIface + ".PropertiesChanged"
)

// AddrFromPath extracts the MAC from a device path:
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF -> AA:BB:CC:DD:EE:FF.
func AddrFromPath(path string) string {
	s, ok := strings.CutPrefix(path[strings.LastIndex(path, "/")+1:], "dev_")
	if !ok {
		return ""
	}
	return strings.ReplaceAll(s, "_", ":")
}

// PathFromAddr builds the device path for addr under the adapter.
func PathFromAddr(adapterPath, addr string) string {
	return adapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
}

// isDevicePath reports whether path names a device directly under adapter.
func isDevicePath(path, adapter string) bool {
	rest, ok := strings.CutPrefix(path, adapter+"/dev_")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

// ParseSignal decodes one bus signal into events for devices of the given
// adapter. Signals for other objects or interfaces yield no events and no
// error. A signal whose body has the wrong shape yields ErrMalformedSignal and
// no events: parsing never emits a partial result.
func ParseSignal(sig *dbus.Signal, adapter string) ([]Event, error) {
	if sig == nil {
		return nil, nil
	}
	switch sig.Name {
	case interfacesAdded:
		return parseInterfacesAdded(sig, adapter)
	case interfacesRemoved:
		return parseInterfacesRemoved(sig, adapter)
	case propertiesChanged:
		return parsePropertiesChanged(sig, adapter)
	default:
		return nil, nil
	}
}

func malformed(sig *dbus.Signal, format string, args ...any) error {
	return fmt.Errorf("%w: %s on %s: %s", ErrMalformedSignal, sig.Name, sig.Path, fmt.Sprintf(format, args...))
}

func parseInterfacesAdded(sig *dbus.Signal, adapter string) ([]Event, error) {
	if len(sig.Body) != 2 {
		return nil, malformed(sig, "body has %d fields, want 2", len(sig.Body))
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil, malformed(sig, "field 0 is %T, want object path", sig.Body[0])
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil, malformed(sig, "field 1 is %T, want a{sa{sv}}", sig.Body[1])
	}
	props, ok := ifaces[deviceInterface]
	if !ok || !isDevicePath(string(path), adapter) {
		return nil, nil
	}
	return []Event{DeviceAppeared{Path: string(path), Properties: decodeProperties(props)}}, nil
}

func parseInterfacesRemoved(sig *dbus.Signal, adapter string) ([]Event, error) {
	if len(sig.Body) != 2 {
		return nil, malformed(sig, "body has %d fields, want 2", len(sig.Body))
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil, malformed(sig, "field 0 is %T, want object path", sig.Body[0])
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return nil, malformed(sig, "field 1 is %T, want as", sig.Body[1])
	}
	if !slices.Contains(ifaces, deviceInterface) || !isDevicePath(string(path), adapter) {
		return nil, nil
	}
	return []Event{DeviceDisappeared{Path: string(path)}}, nil
}

func parsePropertiesChanged(sig *dbus.Signal, adapter string) ([]Event, error) {
	if len(sig.Body) != 3 {
		return nil, malformed(sig, "body has %d fields, want 3", len(sig.Body))
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil, malformed(sig, "field 0 is %T, want string", sig.Body[0])
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, malformed(sig, "field 1 is %T, want a{sv}", sig.Body[1])
	}
	if _, ok := sig.Body[2].([]string); !ok {
		return nil, malformed(sig, "field 2 is %T, want as", sig.Body[2])
	}
	path := string(sig.Path)
	if iface != deviceInterface || !isDevicePath(path, adapter) {
		return nil, nil
	}
	props := decodeProperties(changed)
	out := make([]Event, 0, len(props))
	for _, p := range props {
		out = append(out, PropertyChanged{Path: path, Property: p})
	}
	return out, nil
}
