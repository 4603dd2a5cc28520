// Package device holds the in-memory model of remote Bluetooth devices: the
// Device record, its bounded service UUID set, and the ordered Registry that
// owns every record.
package device

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Default limits, matching the fixed buffers BlueZ front-ends traditionally use.
const (
	DefaultMaxPathLen  = 100
	DefaultMaxAliasLen = 100
	DefaultMaxUUIDs    = 100
)

// Limits bounds the variable-length fields of a record.
type Limits struct {
	MaxPathLen  int // object path length in bytes
	MaxAliasLen int // alias, name and icon length in bytes; longer values are truncated
	MaxUUIDs    int // service UUID set capacity
}

// DefaultLimits returns the default field bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxPathLen:  DefaultMaxPathLen,
		MaxAliasLen: DefaultMaxAliasLen,
		MaxUUIDs:    DefaultMaxUUIDs,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPathLen <= 0 {
		l.MaxPathLen = DefaultMaxPathLen
	}
	if l.MaxAliasLen <= 0 {
		l.MaxAliasLen = DefaultMaxAliasLen
	}
	if l.MaxUUIDs <= 0 {
		l.MaxUUIDs = DefaultMaxUUIDs
	}
	return l
}

// Device is one remote Bluetooth peer as last reported by the daemon.
type Device struct {
	Path         string    `json:"path"`
	Address      string    `json:"address,omitempty"`
	Alias        string    `json:"alias,omitempty"`
	Name         string    `json:"name,omitempty"`
	Icon         string    `json:"icon,omitempty"`
	Paired       bool      `json:"paired"`
	Connected    bool      `json:"connected"`
	Trusted      bool      `json:"trusted"`
	RSSI         *int16    `json:"rssi,omitempty"`
	ServiceUUIDs []string  `json:"service_uuids,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Clone returns a deep copy that shares no memory with d.
func (d *Device) Clone() Device {
	cp := *d
	if d.RSSI != nil {
		v := *d.RSSI
		cp.RSSI = &v
	}
	cp.ServiceUUIDs = slices.Clone(d.ServiceUUIDs)
	return cp
}

// DisplayName returns the alias, falling back to the remote name and then the address.
func (d *Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	default:
		return d.Address
	}
}

// HasServiceUUID reports whether the canonical form of u is in the set.
func (d *Device) HasServiceUUID(u string) bool {
	c, err := CanonicalUUID(u)
	if err != nil {
		return false
	}
	return slices.Contains(d.ServiceUUIDs, c)
}

// addServiceUUID adds a canonical UUID. A duplicate reports false without error.
func (d *Device) addServiceUUID(c string, capacity int) (bool, error) {
	if slices.Contains(d.ServiceUUIDs, c) {
		return false, nil
	}
	if len(d.ServiceUUIDs) >= capacity {
		return false, fmt.Errorf("%w: %d entries", ErrCapacityExceeded, capacity)
	}
	d.ServiceUUIDs = append(d.ServiceUUIDs, c)
	return true, nil
}

// String renders the record in the multi-line form used by the console.
func (d *Device) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Path:      %s\n", d.Path)
	fmt.Fprintf(&b, "Alias:     %s\n", d.Alias)
	if d.Name != "" {
		fmt.Fprintf(&b, "Name:      %s\n", d.Name)
	}
	if d.RSSI != nil {
		fmt.Fprintf(&b, "RSSI:      %d\n", *d.RSSI)
	} else {
		b.WriteString("RSSI:      -\n")
	}
	fmt.Fprintf(&b, "Address:   %s\n", d.Address)
	fmt.Fprintf(&b, "Paired:    %t\n", d.Paired)
	fmt.Fprintf(&b, "Trusted:   %t\n", d.Trusted)
	fmt.Fprintf(&b, "Connected: %t\n", d.Connected)
	b.WriteString("UUIDs:\n")
	for _, u := range d.ServiceUUIDs {
		fmt.Fprintf(&b, "  %s\n", u)
	}
	return b.String()
}

// CanonicalUUID validates a 128-bit UUID in its 36-character text form and
// returns it lower-cased.
func CanonicalUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidUUID, s, err)
	}
	return u.String(), nil
}

// CanonicalAddress parses a 48-bit MAC in any separator style accepted by
// net.ParseMAC and returns it as upper-case XX:XX:XX:XX:XX:XX.
func CanonicalAddress(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return strings.ToUpper(hw.String()), nil
}

// Truncate shortens s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
