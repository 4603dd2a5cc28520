package coordinator

import (
	"fmt"

	"bluez-go-home/internal/bluez"
	"bluez-go-home/internal/device"
)

// propertyDecoder maps one org.bluez.Device1 property onto a patch.
type propertyDecoder struct {
	sig    string
	decode func(v bluez.Value, p *device.Patch) error
}

// deviceProperties is the decode table. Properties not listed here are ignored.
var deviceProperties = map[string]propertyDecoder{
	"Address": {"s", func(v bluez.Value, p *device.Patch) error {
		addr, err := device.CanonicalAddress(string(v.(bluez.String)))
		if err != nil {
			return err
		}
		p.Address = &addr
		return nil
	}},
	"Name": {"s", func(v bluez.Value, p *device.Patch) error {
		p.Name = device.Ptr(string(v.(bluez.String)))
		return nil
	}},
	"Alias": {"s", func(v bluez.Value, p *device.Patch) error {
		p.Alias = device.Ptr(string(v.(bluez.String)))
		return nil
	}},
	"Icon": {"s", func(v bluez.Value, p *device.Patch) error {
		p.Icon = device.Ptr(string(v.(bluez.String)))
		return nil
	}},
	"Paired": {"b", func(v bluez.Value, p *device.Patch) error {
		p.Paired = device.Ptr(bool(v.(bluez.Bool)))
		return nil
	}},
	"Trusted": {"b", func(v bluez.Value, p *device.Patch) error {
		p.Trusted = device.Ptr(bool(v.(bluez.Bool)))
		return nil
	}},
	"Connected": {"b", func(v bluez.Value, p *device.Patch) error {
		p.Connected = device.Ptr(bool(v.(bluez.Bool)))
		return nil
	}},
	"RSSI": {"n", func(v bluez.Value, p *device.Patch) error {
		p.RSSI = device.Ptr(int16(v.(bluez.Int16)))
		return nil
	}},
	"UUIDs": {"as", func(v bluez.Value, p *device.Patch) error {
		uuids := make([]string, 0, len(v.(bluez.StringArray)))
		for _, u := range v.(bluez.StringArray) {
			c, err := device.CanonicalUUID(u)
			if err != nil {
				return err
			}
			uuids = append(uuids, c)
		}
		p.ServiceUUIDs = uuids
		return nil
	}},
}

// refreshProperties are re-read from the daemon when a device connects.
// Trusted precedes Paired so a device the daemon already trusts is not
// trusted again when the Paired reply lands.
var refreshProperties = []string{"Address", "Name", "Icon", "Trusted", "Paired", "Alias"}

// decodeProperty applies prop to p. It reports false for properties outside
// the decode table. A value of the wrong type or content returns
// ErrMalformedEvent and leaves p untouched.
func decodeProperty(prop bluez.Property, p *device.Patch) (bool, error) {
	dec, ok := deviceProperties[prop.Key]
	if !ok {
		return false, nil
	}
	if prop.Value == nil || prop.Value.Signature() != dec.sig {
		got := "nil"
		if prop.Value != nil {
			got = prop.Value.Signature()
		}
		return true, fmt.Errorf("%w: %s: got type %q, want %q", ErrMalformedEvent, prop.Key, got, dec.sig)
	}
	var tmp device.Patch
	if err := dec.decode(prop.Value, &tmp); err != nil {
		return true, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, prop.Key, err)
	}
	merge(p, tmp)
	return true, nil
}

// merge copies the fields set in src onto dst.
func merge(dst *device.Patch, src device.Patch) {
	if src.Address != nil {
		dst.Address = src.Address
	}
	if src.Alias != nil {
		dst.Alias = src.Alias
	}
	if src.Name != nil {
		dst.Name = src.Name
	}
	if src.Icon != nil {
		dst.Icon = src.Icon
	}
	if src.Paired != nil {
		dst.Paired = src.Paired
	}
	if src.Connected != nil {
		dst.Connected = src.Connected
	}
	if src.Trusted != nil {
		dst.Trusted = src.Trusted
	}
	if src.RSSI != nil {
		dst.RSSI = src.RSSI
	}
	if src.ServiceUUIDs != nil {
		dst.ServiceUUIDs = append(dst.ServiceUUIDs, src.ServiceUUIDs...)
	}
}

// propertyValue converts a decoded value into a JSON/Lua friendly form.
func propertyValue(v bluez.Value) interface{} {
	switch x := v.(type) {
	case bluez.String:
		return string(x)
	case bluez.ObjectPath:
		return string(x)
	case bluez.Bool:
		return bool(x)
	case bluez.Int16:
		return int16(x)
	case bluez.Uint16:
		return uint16(x)
	case bluez.Uint32:
		return uint32(x)
	case bluez.StringArray:
		return []string(x)
	case nil:
		return nil
	default:
		return v.String()
	}
}
