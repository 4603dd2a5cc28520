// Package bluez is the transport to the BlueZ daemon: it subscribes to device
// signals on the system bus, decodes them into typed events, and issues the
// property reads and adapter/device calls the rest of the program needs.
package bluez

import (
	"context"
	"errors"
	"sync"
)

// ErrMalformedSignal is returned when a signal body does not have the shape
// its member requires.
var ErrMalformedSignal = errors.New("bluez: malformed signal")

// Bus is the abstract interface to the BlueZ daemon for one adapter.
type Bus interface {
	// Signals
	Subscribe(ctx context.Context, kinds EventKind) (*Subscription, error)
	ManagedDevices(ctx context.Context) ([]DeviceAppeared, error)

	// Device
	ReadProperty(ctx context.Context, path, key string) (Value, error)
	SetTrusted(ctx context.Context, path string, trusted bool) error
	Pair(ctx context.Context, path string) error

	// Adapter
	SetPowered(ctx context.Context, on bool) error
	SetPairable(ctx context.Context, on bool) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	RemoveDevice(ctx context.Context, path string) error

	// Lifecycle
	AdapterPath() string
	Close() error
}

// EventKind selects which events a subscription delivers. Kinds combine with |.
type EventKind uint8

const (
	KindAppeared EventKind = 1 << iota
	KindDisappeared
	KindPropertyChanged

	KindAll = KindAppeared | KindDisappeared | KindPropertyChanged
)

// Event is one of DeviceAppeared, DeviceDisappeared, PropertyChanged or Malformed.
type Event interface {
	DevicePath() string
}

// Property is one decoded (key, value) pair.
type Property struct {
	Key   string
	Value Value
}

// DeviceAppeared reports a device object and its initial properties.
type DeviceAppeared struct {
	Path       string
	Properties []Property
}

// DeviceDisappeared reports removal of a device object.
type DeviceDisappeared struct {
	Path string
}

// PropertyChanged reports one changed device property.
type PropertyChanged struct {
	Path     string
	Property Property
}

// Malformed reports a signal that could not be decoded. Path may be empty.
type Malformed struct {
	Path string
	Err  error
}

func (e DeviceAppeared) DevicePath() string    { return e.Path }
func (e DeviceDisappeared) DevicePath() string { return e.Path }
func (e PropertyChanged) DevicePath() string   { return e.Path }
func (e Malformed) DevicePath() string         { return e.Path }

// Subscription delivers events until Close is called or its context ends.
type Subscription struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	cancel func()
}

// NewSubscription creates a subscription with the given buffer. cancel is
// invoked once on Close and should detach the producer.
func NewSubscription(buffer int, cancel func()) *Subscription {
	return &Subscription{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the delivery channel. It is never closed; select on Done.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Send delivers ev, blocking until the consumer reads it, the subscription is
// closed, or ctx ends. It reports whether ev was delivered.
func (s *Subscription) Send(ctx context.Context, ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func (k EventKind) accepts(ev Event) bool {
	switch ev.(type) {
	case DeviceAppeared:
		return k&KindAppeared != 0
	case DeviceDisappeared:
		return k&KindDisappeared != 0
	case PropertyChanged:
		return k&KindPropertyChanged != 0
	default:
		return true
	}
}
