package device

import (
	"slices"
)

// Patch is a partial update. Nil fields are left untouched; ServiceUUIDs are
// merged into the existing set rather than replacing it.
type Patch struct {
	Address      *string
	Alias        *string
	Name         *string
	Icon         *string
	Paired       *bool
	Connected    *bool
	Trusted      *bool
	RSSI         *int16
	ServiceUUIDs []string
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch sets nothing.
func (p Patch) IsEmpty() bool {
	return p.Address == nil && p.Alias == nil && p.Name == nil && p.Icon == nil &&
		p.Paired == nil && p.Connected == nil && p.Trusted == nil && p.RSSI == nil &&
		len(p.ServiceUUIDs) == 0
}

// normalize validates and canonicalizes the patch so that applying it cannot fail
// half-way. Alias, name and icon are truncated, never rejected.
func (p Patch) normalize(l Limits) (Patch, error) {
	out := p
	if p.Address != nil && *p.Address != "" {
		addr, err := CanonicalAddress(*p.Address)
		if err != nil {
			return Patch{}, err
		}
		out.Address = &addr
	}
	if p.Alias != nil {
		out.Alias = Ptr(Truncate(*p.Alias, l.MaxAliasLen))
	}
	if p.Name != nil {
		out.Name = Ptr(Truncate(*p.Name, l.MaxAliasLen))
	}
	if p.Icon != nil {
		out.Icon = Ptr(Truncate(*p.Icon, l.MaxAliasLen))
	}
	if len(p.ServiceUUIDs) > 0 {
		uuids := make([]string, 0, len(p.ServiceUUIDs))
		for _, u := range p.ServiceUUIDs {
			c, err := CanonicalUUID(u)
			if err != nil {
				return Patch{}, err
			}
			if !slices.Contains(uuids, c) {
				uuids = append(uuids, c)
			}
		}
		out.ServiceUUIDs = uuids
	}
	return out, nil
}

// apply mutates d with an already normalized patch and reports whether anything
// changed. The UUID capacity is checked before any field is written.
func (p Patch) apply(d *Device, l Limits) (bool, error) {
	missing := 0
	for _, u := range p.ServiceUUIDs {
		if !slices.Contains(d.ServiceUUIDs, u) {
			missing++
		}
	}
	if len(d.ServiceUUIDs)+missing > l.MaxUUIDs {
		return false, ErrCapacityExceeded
	}

	changed := false
	setString := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}

	setString(&d.Address, p.Address)
	setString(&d.Alias, p.Alias)
	setString(&d.Name, p.Name)
	setString(&d.Icon, p.Icon)
	setBool(&d.Paired, p.Paired)
	setBool(&d.Connected, p.Connected)
	setBool(&d.Trusted, p.Trusted)
	if p.RSSI != nil && (d.RSSI == nil || *d.RSSI != *p.RSSI) {
		d.RSSI = Ptr(*p.RSSI)
		changed = true
	}
	for _, u := range p.ServiceUUIDs {
		added, _ := d.addServiceUUID(u, l.MaxUUIDs)
		changed = changed || added
	}
	return changed, nil
}
