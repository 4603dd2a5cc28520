package coordinator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bluez-go-home/internal/device"
)

// DevicePolicy holds per-device overrides keyed by address.
type DevicePolicy struct {
	Address      string `yaml:"address" json:"address"`
	FriendlyName string `yaml:"friendly_name,omitempty" json:"friendly_name,omitempty"`
	AutoTrust    *bool  `yaml:"auto_trust,omitempty" json:"auto_trust,omitempty"`
}

// ServiceDef names a service UUID.
type ServiceDef struct {
	UUID string `yaml:"uuid" json:"uuid"`
	Name string `yaml:"name" json:"name"`
}

// builtinServices are the well-known profiles named without any config.
var builtinServices = []ServiceDef{
	{"00001101-0000-1000-8000-00805f9b34fb", "Serial Port"},
	{"00001108-0000-1000-8000-00805f9b34fb", "Headset"},
	{"0000110a-0000-1000-8000-00805f9b34fb", "Audio Source"},
	{"0000110b-0000-1000-8000-00805f9b34fb", "Audio Sink"},
	{"0000110c-0000-1000-8000-00805f9b34fb", "A/V Remote Control Target"},
	{"0000110e-0000-1000-8000-00805f9b34fb", "A/V Remote Control"},
	{"0000111e-0000-1000-8000-00805f9b34fb", "Handsfree"},
	{"0000111f-0000-1000-8000-00805f9b34fb", "Handsfree Audio Gateway"},
	{"00001124-0000-1000-8000-00805f9b34fb", "Human Interface Device"},
	{"0000112f-0000-1000-8000-00805f9b34fb", "Phonebook Access Server"},
	{"00001200-0000-1000-8000-00805f9b34fb", "PnP Information"},
	{"00001800-0000-1000-8000-00805f9b34fb", "Generic Access Profile"},
	{"00001801-0000-1000-8000-00805f9b34fb", "Generic Attribute Profile"},
	{"0000180a-0000-1000-8000-00805f9b34fb", "Device Information"},
	{"0000180f-0000-1000-8000-00805f9b34fb", "Battery Service"},
}

// DeviceDB holds device policies and service names.
type DeviceDB struct {
	policies map[string]*DevicePolicy
	services map[string]string
}

// NewDeviceDB creates a database holding only the built-in service names.
func NewDeviceDB() *DeviceDB {
	db := &DeviceDB{
		policies: make(map[string]*DevicePolicy),
		services: make(map[string]string),
	}
	for _, s := range builtinServices {
		db.services[s.UUID] = s.Name
	}
	return db
}

// Add inserts a device policy. The address is canonicalized.
func (db *DeviceDB) Add(p DevicePolicy) error {
	addr, err := device.CanonicalAddress(p.Address)
	if err != nil {
		return err
	}
	cp := p
	cp.Address = addr
	db.policies[addr] = &cp
	return nil
}

// AddService names a service UUID, overriding any built-in name.
func (db *DeviceDB) AddService(s ServiceDef) error {
	u, err := device.CanonicalUUID(s.UUID)
	if err != nil {
		return err
	}
	db.services[u] = s.Name
	return nil
}

// Lookup finds the policy for an address.
func (db *DeviceDB) Lookup(address string) *DevicePolicy {
	addr, err := device.CanonicalAddress(address)
	if err != nil {
		return nil
	}
	return db.policies[addr]
}

// AutoTrust resolves whether a newly paired device should be trusted,
// falling back to def when the device has no override.
func (db *DeviceDB) AutoTrust(address string, def bool) bool {
	if p := db.Lookup(address); p != nil && p.AutoTrust != nil {
		return *p.AutoTrust
	}
	return def
}

// ServiceName returns the profile name for a UUID, or the UUID itself.
func (db *DeviceDB) ServiceName(u string) string {
	if c, err := device.CanonicalUUID(u); err == nil {
		if name, ok := db.services[c]; ok {
			return name
		}
	}
	return u
}

// FriendlyName returns the configured name for a device, or its display name.
func (db *DeviceDB) FriendlyName(d device.Device) string {
	if p := db.Lookup(d.Address); p != nil && p.FriendlyName != "" {
		return p.FriendlyName
	}
	return d.DisplayName()
}

// Len returns the number of device policies.
func (db *DeviceDB) Len() int {
	return len(db.policies)
}

// deviceFile is the YAML structure for files in the devices directory.
type deviceFile struct {
	Devices  []DevicePolicy `yaml:"devices,omitempty"`
	Services []ServiceDef   `yaml:"services,omitempty"`
}

// LoadDeviceDir reads all *.yaml and *.yml files from a directory into a DeviceDB.
// Returns the built-in DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no device policy files found", "dir", dir)
			return db, nil
		}
		return db, fmt.Errorf("read devices dir: %w", err)
	}

	files := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, d := range df.Devices {
			if err := db.Add(d); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
		}
		for _, s := range df.Services {
			if err := db.AddService(s); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
		}
		files++
		logger.Info("loaded device file", "path", e.Name(),
			"devices", len(df.Devices), "services", len(df.Services))
	}

	logger.Info("device database loaded", "files", files, "devices", db.Len())
	return db, nil
}
