package device

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"
)

// Change describes the outcome of an Upsert or Update.
type Change struct {
	Device   Device // record after the patch
	Previous Device // record before the patch; zero when Created
	Created  bool
	Changed  bool // any field other than LastSeen differs from Previous
}

// SnapshotEntry is one row of a registry snapshot.
type SnapshotEntry struct {
	Index        int      `json:"index"`
	Path         string   `json:"path"`
	Address      string   `json:"address,omitempty"`
	Alias        string   `json:"alias,omitempty"`
	RSSI         *int16   `json:"rssi,omitempty"`
	Paired       bool     `json:"paired"`
	Connected    bool     `json:"connected"`
	Trusted      bool     `json:"trusted"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for LastSeen.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry is the ordered set of known devices, keyed by object path.
// Indices are positions in insertion order and shift down on removal.
// All methods are safe for concurrent use and return copies.
type Registry struct {
	mu     sync.RWMutex
	limits Limits
	order  []string
	byPath map[string]*Device
	now    func() time.Time
}

// NewRegistry creates an empty registry. Zero limit fields take their defaults.
func NewRegistry(limits Limits, opts ...RegistryOption) *Registry {
	r := &Registry{
		limits: limits.withDefaults(),
		byPath: make(map[string]*Device),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Limits returns the field bounds in effect.
func (r *Registry) Limits() Limits {
	return r.limits
}

func (r *Registry) checkPath(path string) error {
	if path == "" || len(path) > r.limits.MaxPathLen {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// Insert appends d. It fails with ErrAlreadyExists if the path is already
// registered; the existing record is not touched.
func (r *Registry) Insert(d Device) error {
	if err := r.checkPath(d.Path); err != nil {
		return err
	}
	rec := Device{Path: d.Path}
	p := Patch{
		Alias:        &d.Alias,
		Name:         &d.Name,
		Icon:         &d.Icon,
		Paired:       &d.Paired,
		Connected:    &d.Connected,
		Trusted:      &d.Trusted,
		RSSI:         d.RSSI,
		ServiceUUIDs: d.ServiceUUIDs,
	}
	if d.Address != "" {
		p.Address = &d.Address
	}
	p, err := p.normalize(r.limits)
	if err != nil {
		return err
	}
	if _, err := p.apply(&rec, r.limits); err != nil {
		return err
	}
	rec.LastSeen = d.LastSeen

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPath[d.Path]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, d.Path)
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = r.now()
	}
	r.byPath[d.Path] = &rec
	r.order = append(r.order, d.Path)
	return nil
}

// Upsert applies p to the record at path, creating a record holding only the
// path and the supplied fields if none exists. The patch is validated in full
// before anything is written, so a failing patch leaves the registry unchanged.
func (r *Registry) Upsert(path string, p Patch) (Change, error) {
	return r.patch(path, p, true)
}

// Update is Upsert without creation: it returns ErrNotFound if path is absent.
func (r *Registry) Update(path string, p Patch) (Change, error) {
	return r.patch(path, p, false)
}

func (r *Registry) patch(path string, p Patch, create bool) (Change, error) {
	if err := r.checkPath(path); err != nil {
		return Change{}, err
	}
	p, err := p.normalize(r.limits)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byPath[path]
	if !ok {
		if !create {
			return Change{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		fresh := Device{Path: path}
		if _, err := p.apply(&fresh, r.limits); err != nil {
			return Change{}, err
		}
		fresh.LastSeen = r.now()
		r.byPath[path] = &fresh
		r.order = append(r.order, path)
		return Change{Device: fresh.Clone(), Created: true, Changed: true}, nil
	}

	prev := rec.Clone()
	work := rec.Clone()
	changed, err := p.apply(&work, r.limits)
	if err != nil {
		return Change{}, err
	}
	if !changed {
		return Change{Device: prev, Previous: prev}, nil
	}
	work.LastSeen = r.now()
	*rec = work
	return Change{Device: work.Clone(), Previous: prev, Changed: true}, nil
}

// AddServiceUUID adds u to the record's service set. It reports false without
// error if u is already present.
func (r *Registry) AddServiceUUID(path, u string) (bool, error) {
	c, err := CanonicalUUID(u)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPath[path]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	added, err := rec.addServiceUUID(c, r.limits.MaxUUIDs)
	if added {
		rec.LastSeen = r.now()
	}
	return added, err
}

// RemoveByPath deletes the record at path. It reports whether one was removed.
func (r *Registry) RemoveByPath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(path)
}

// RemoveByIndex resolves index to a path and removes that record.
func (r *Registry) RemoveByIndex(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.order) {
		return false
	}
	return r.removeLocked(r.order[index])
}

func (r *Registry) removeLocked(path string) bool {
	if _, ok := r.byPath[path]; !ok {
		return false
	}
	delete(r.byPath, path)
	if i := slices.Index(r.order, path); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return true
}

// Clear removes every record. It reports false if the registry was already empty.
func (r *Registry) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return false
	}
	r.order = nil
	r.byPath = make(map[string]*Device)
	return true
}

// GetByPath returns a copy of the record at path.
func (r *Registry) GetByPath(path string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byPath[path]
	if !ok {
		return Device{}, false
	}
	return rec.Clone(), true
}

// GetByIndex returns a copy of the record at index.
func (r *Registry) GetByIndex(index int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.order) {
		return Device{}, false
	}
	return r.byPath[r.order[index]].Clone(), true
}

// PathAt resolves an index token to a path.
func (r *Registry) PathAt(index int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.order) {
		return "", false
	}
	return r.order[index], true
}

// Count returns the number of records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All iterates records first to last. The lock is held only while copying each
// record, so the loop body may call back into the registry; concurrent
// removals can make the walk skip or end early but never yield a stale record.
func (r *Registry) All() iter.Seq2[int, Device] {
	return func(yield func(int, Device) bool) {
		for i := 0; ; i++ {
			d, ok := r.GetByIndex(i)
			if !ok || !yield(i, d) {
				return
			}
		}
	}
}

// Backward iterates records last to first with the same locking as All.
func (r *Registry) Backward() iter.Seq2[int, Device] {
	return func(yield func(int, Device) bool) {
		for i := r.Count() - 1; i >= 0; i-- {
			d, ok := r.GetByIndex(i)
			if !ok {
				if n := r.Count(); i > n {
					i = n
				}
				continue
			}
			if !yield(i, d) {
				return
			}
		}
	}
}

// Snapshot returns an ordered view of the registry taken under one read lock.
func (r *Registry) Snapshot() []SnapshotEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SnapshotEntry, 0, len(r.order))
	for i, path := range r.order {
		d := r.byPath[path].Clone()
		out = append(out, SnapshotEntry{
			Index:        i,
			Path:         d.Path,
			Address:      d.Address,
			Alias:        d.Alias,
			RSSI:         d.RSSI,
			Paired:       d.Paired,
			Connected:    d.Connected,
			Trusted:      d.Trusted,
			ServiceUUIDs: d.ServiceUUIDs,
		})
	}
	return out
}
