package bluez

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Value is a decoded property value. The concrete types are String,
// ObjectPath, Bool, Int16, Uint16, Uint32, StringArray and Unsupported.
type Value interface {
	// Signature returns the D-Bus type signature of the value, e.g. "s" or "as".
	Signature() string
	fmt.Stringer
}

type (
	String      string
	ObjectPath  string
	Bool        bool
	Int16       int16
	Uint16      uint16
	Uint32      uint32
	StringArray []string
)

// Unsupported stands in for any variant whose type the program does not model.
type Unsupported struct {
	Sig string
}

func (String) Signature() string      { return "s" }
func (ObjectPath) Signature() string  { return "o" }
func (Bool) Signature() string        { return "b" }
func (Int16) Signature() string       { return "n" }
func (Uint16) Signature() string      { return "q" }
func (Uint32) Signature() string      { return "u" }
func (StringArray) Signature() string { return "as" }
func (u Unsupported) Signature() string {
	return u.Sig
}

func (v String) String() string     { return string(v) }
func (v ObjectPath) String() string { return string(v) }
func (v Bool) String() string       { return fmt.Sprintf("%t", bool(v)) }
func (v Int16) String() string      { return fmt.Sprintf("%d", int16(v)) }
func (v Uint16) String() string     { return fmt.Sprintf("%d", uint16(v)) }
func (v Uint32) String() string     { return fmt.Sprintf("%d", uint32(v)) }
func (v StringArray) String() string {
	return "[" + strings.Join(v, ", ") + "]"
}
func (u Unsupported) String() string { return "<" + u.Sig + ">" }

// FromVariant converts a godbus variant into a Value. Types the program does
// not model become Unsupported carrying their signature.
func FromVariant(v dbus.Variant) Value {
	switch x := v.Value().(type) {
	case string:
		return String(x)
	case dbus.ObjectPath:
		return ObjectPath(x)
	case bool:
		return Bool(x)
	case int16:
		return Int16(x)
	case uint16:
		return Uint16(x)
	case uint32:
		return Uint32(x)
	case []string:
		return StringArray(append([]string(nil), x...))
	default:
		return Unsupported{Sig: v.Signature().String()}
	}
}

// decodeProperties converts a property map into an ordered slice. Keys are
// sorted so events are deterministic. A PropertiesChanged signal becomes one
// event per key in this order, so consumers see Paired applied before
// Trusted from the same signal: a device that arrives paired and trusted
// together is evaluated by the trust rule while Trusted is still false.
func decodeProperties(props map[string]dbus.Variant) []Property {
	keys := slices.Sorted(maps.Keys(props))
	out := make([]Property, 0, len(keys))
	for _, k := range keys {
		out = append(out, Property{Key: k, Value: FromVariant(props[k])})
	}
	return out
}
