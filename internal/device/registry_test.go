package device

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(limits Limits) *Registry {
	return NewRegistry(limits, WithClock(func() time.Time { return fixedTime }))
}

func paths(r *Registry) []string {
	var out []string
	for _, d := range r.All() {
		out = append(out, d.Path)
	}
	return out
}

func TestInsertDuplicate(t *testing.T) {
	r := newTestRegistry(Limits{})
	if err := r.Insert(Device{Path: "/org/bluez/hci0/dev_A", Alias: "first"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := r.Insert(Device{Path: "/org/bluez/hci0/dev_A", Alias: "second"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
	d, _ := r.GetByPath("/org/bluez/hci0/dev_A")
	if d.Alias != "first" {
		t.Errorf("alias = %q, want existing record untouched", d.Alias)
	}
}

func TestInsertInvalidPath(t *testing.T) {
	r := newTestRegistry(Limits{})
	if err := r.Insert(Device{}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("empty path: got %v", err)
	}
	long := "/" + strings.Repeat("x", DefaultMaxPathLen)
	if err := r.Insert(Device{Path: long}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("long path: got %v", err)
	}
	if _, err := r.Upsert(long, Patch{}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("upsert long path: got %v", err)
	}
}

func TestRemoveByIndexShifts(t *testing.T) {
	r := newTestRegistry(Limits{})
	for _, p := range []string{"/A", "/B", "/C"} {
		if err := r.Insert(Device{Path: p}); err != nil {
			t.Fatal(err)
		}
	}
	if !r.RemoveByIndex(0) {
		t.Fatal("RemoveByIndex(0) = false")
	}
	d, ok := r.GetByIndex(0)
	if !ok || d.Path != "/B" {
		t.Errorf("index 0 = %q, want /B", d.Path)
	}
	if r.RemoveByIndex(5) || r.RemoveByIndex(-1) {
		t.Error("out of range removal should report false")
	}
	if r.RemoveByPath("/A") {
		t.Error("removing an absent path should report false")
	}
	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}
}

func TestForwardBackwardConsistency(t *testing.T) {
	r := newTestRegistry(Limits{})
	for i := range 6 {
		if err := r.Insert(Device{Path: fmt.Sprintf("/dev_%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	r.RemoveByPath("/dev_2")
	r.RemoveByIndex(0)
	r.RemoveByPath("/dev_5")

	fwd := paths(r)
	var bwd []string
	for _, d := range r.Backward() {
		bwd = append([]string{d.Path}, bwd...)
	}
	want := []string{"/dev_1", "/dev_3", "/dev_4"}
	if !reflect.DeepEqual(fwd, want) {
		t.Errorf("forward = %v, want %v", fwd, want)
	}
	if !reflect.DeepEqual(bwd, fwd) {
		t.Errorf("reversed backward = %v, forward = %v", bwd, fwd)
	}
	if r.Count() != len(fwd) {
		t.Errorf("count = %d, traversal = %d", r.Count(), len(fwd))
	}
}

func TestIterationAllowsReentry(t *testing.T) {
	r := newTestRegistry(Limits{})
	for _, p := range []string{"/A", "/B", "/C"} {
		r.Insert(Device{Path: p})
	}
	var seen []string
	for _, d := range r.All() {
		seen = append(seen, d.Path)
		if d.Path == "/A" {
			r.Upsert("/A", Patch{Alias: Ptr("renamed")})
		}
	}
	if len(seen) != 3 {
		t.Errorf("seen = %v", seen)
	}
	d, _ := r.GetByPath("/A")
	if d.Alias != "renamed" {
		t.Errorf("alias = %q", d.Alias)
	}
}

func TestUpsertCreatesAndIsIdempotent(t *testing.T) {
	r := newTestRegistry(Limits{})
	p := Patch{
		Address:      Ptr("aa:bb:cc:dd:ee:ff"),
		Alias:        Ptr("Speaker"),
		Paired:       Ptr(true),
		RSSI:         Ptr(int16(-60)),
		ServiceUUIDs: []string{"0000110A-0000-1000-8000-00805F9B34FB"},
	}
	ch, err := r.Upsert("/dev_X", p)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !ch.Created {
		t.Error("expected Created")
	}
	first, _ := r.GetByPath("/dev_X")

	ch, err = r.Upsert("/dev_X", p)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if ch.Created || ch.Changed {
		t.Errorf("second apply: created=%v changed=%v", ch.Created, ch.Changed)
	}
	second, _ := r.GetByPath("/dev_X")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("record changed on identical patch:\n%+v\n%+v", first, second)
	}
	if first.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q", first.Address)
	}
	if first.ServiceUUIDs[0] != "0000110a-0000-1000-8000-00805f9b34fb" {
		t.Errorf("uuid = %q", first.ServiceUUIDs[0])
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestIdenticalPatchKeepsRecordWithRealClock(t *testing.T) {
	r := NewRegistry(Limits{})
	p := Patch{Alias: Ptr("x"), Paired: Ptr(true)}

	if _, err := r.Upsert("/p", p); err != nil {
		t.Fatal(err)
	}
	first, _ := r.GetByPath("/p")

	time.Sleep(2 * time.Millisecond)
	if _, err := r.Upsert("/p", p); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddServiceUUID("/p", "0000110b-0000-1000-8000-00805f9b34fb"); err != nil {
		t.Fatal(err)
	}
	withUUID, _ := r.GetByPath("/p")

	time.Sleep(2 * time.Millisecond)
	if _, err := r.Upsert("/p", p); err != nil {
		t.Fatal(err)
	}
	if added, _ := r.AddServiceUUID("/p", "0000110B-0000-1000-8000-00805F9B34FB"); added {
		t.Error("duplicate uuid reported as added")
	}
	again, _ := r.GetByPath("/p")
	if !reflect.DeepEqual(withUUID, again) {
		t.Errorf("identical updates changed record:\n%+v\n%+v", withUUID, again)
	}
	if !withUUID.LastSeen.After(first.LastSeen) {
		t.Errorf("last seen not advanced by uuid add: %v -> %v", first.LastSeen, withUUID.LastSeen)
	}

	time.Sleep(2 * time.Millisecond)
	ch, err := r.Upsert("/p", Patch{Alias: Ptr("y")})
	if err != nil {
		t.Fatal(err)
	}
	if !ch.Changed || !ch.Device.LastSeen.After(again.LastSeen) {
		t.Errorf("real change: changed=%v last seen %v -> %v", ch.Changed, again.LastSeen, ch.Device.LastSeen)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry(Limits{})
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				path := fmt.Sprintf("/dev_%d", i%10)
				switch (w + i) % 5 {
				case 0:
					r.Insert(Device{Path: path})
				case 1:
					r.Upsert(path, Patch{Alias: Ptr(fmt.Sprintf("w%d", w)), Connected: Ptr(i%2 == 0)})
				case 2:
					r.RemoveByIndex(i % 3)
				case 3:
					for _, d := range r.All() {
						_ = d.Alias
					}
				case 4:
					_ = r.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]bool)
	n := 0
	for i, d := range r.All() {
		if seen[d.Path] {
			t.Errorf("path %s listed twice", d.Path)
		}
		seen[d.Path] = true
		if got, ok := r.GetByIndex(i); !ok || got.Path != d.Path {
			t.Errorf("index %d: got %q, want %q", i, got.Path, d.Path)
		}
		n++
	}
	if n != r.Count() || n > 10 {
		t.Errorf("iterated %d records, count = %d", n, r.Count())
	}
	if snap := r.Snapshot(); len(snap) != n {
		t.Errorf("snapshot has %d entries, want %d", len(snap), n)
	}
}

func TestUpsertOnlyTouchesSuppliedFields(t *testing.T) {
	r := newTestRegistry(Limits{})
	r.Insert(Device{Path: "/A", Alias: "Phone", Paired: true, RSSI: Ptr(int16(-40))})

	ch, err := r.Upsert("/A", Patch{Connected: Ptr(true)})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Previous.Connected || !ch.Device.Connected {
		t.Errorf("transition not reported: prev=%v now=%v", ch.Previous.Connected, ch.Device.Connected)
	}
	if ch.Device.Alias != "Phone" || !ch.Device.Paired || *ch.Device.RSSI != -40 {
		t.Errorf("untouched fields changed: %+v", ch.Device)
	}
}

func TestUpdateMissing(t *testing.T) {
	r := newTestRegistry(Limits{})
	_, err := r.Update("/gone", Patch{Alias: Ptr("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.Count() != 0 {
		t.Error("Update must not create records")
	}
}

func TestUpsertInvalidAddressLeavesRecord(t *testing.T) {
	r := newTestRegistry(Limits{})
	r.Insert(Device{Path: "/A", Address: "11:22:33:44:55:66"})
	_, err := r.Upsert("/A", Patch{Address: Ptr("not-a-mac"), Alias: Ptr("x")})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("got %v", err)
	}
	d, _ := r.GetByPath("/A")
	if d.Address != "11:22:33:44:55:66" || d.Alias != "" {
		t.Errorf("record mutated: %+v", d)
	}
}

func TestServiceUUIDCapacity(t *testing.T) {
	r := newTestRegistry(Limits{})
	r.Insert(Device{Path: "/A"})
	for i := range DefaultMaxUUIDs {
		u := fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", i)
		added, err := r.AddServiceUUID("/A", u)
		if err != nil || !added {
			t.Fatalf("add %d: added=%v err=%v", i, added, err)
		}
	}
	added, err := r.AddServiceUUID("/A", "00000000-0000-1000-8000-00805f9b34fb")
	if err != nil || added {
		t.Errorf("duplicate: added=%v err=%v", added, err)
	}
	_, err = r.AddServiceUUID("/A", "ffffffff-0000-1000-8000-00805f9b34fb")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("101st uuid: got %v", err)
	}
	d, _ := r.GetByPath("/A")
	if len(d.ServiceUUIDs) != DefaultMaxUUIDs {
		t.Errorf("len = %d", len(d.ServiceUUIDs))
	}

	// Patch carrying an overflowing set is rejected as a whole.
	_, err = r.Upsert("/A", Patch{
		Alias:        Ptr("new"),
		ServiceUUIDs: []string{"eeeeeeee-0000-1000-8000-00805f9b34fb"},
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("patch overflow: got %v", err)
	}
	d, _ = r.GetByPath("/A")
	if d.Alias != "" {
		t.Errorf("alias applied despite failed patch: %q", d.Alias)
	}
}

func TestAddServiceUUIDErrors(t *testing.T) {
	r := newTestRegistry(Limits{})
	if _, err := r.AddServiceUUID("/missing", "0000110a-0000-1000-8000-00805f9b34fb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing path: %v", err)
	}
	r.Insert(Device{Path: "/A"})
	for _, bad := range []string{"110a", "0000110a00001000800000805f9b34fb", "zzzzzzzz-0000-1000-8000-00805f9b34fb"} {
		if _, err := r.AddServiceUUID("/A", bad); !errors.Is(err, ErrInvalidUUID) {
			t.Errorf("%q: got %v", bad, err)
		}
	}
}

func TestClear(t *testing.T) {
	r := newTestRegistry(Limits{})
	if r.Clear() {
		t.Error("Clear on empty registry should report false")
	}
	r.Insert(Device{Path: "/A"})
	r.Insert(Device{Path: "/B"})
	if !r.Clear() {
		t.Error("Clear should report true")
	}
	if r.Count() != 0 || len(paths(r)) != 0 {
		t.Error("registry not empty after Clear")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	r := newTestRegistry(Limits{})
	r.Insert(Device{Path: "/A", RSSI: Ptr(int16(-50)), ServiceUUIDs: []string{"0000110a-0000-1000-8000-00805f9b34fb"}})
	d, _ := r.GetByPath("/A")
	*d.RSSI = 0
	d.ServiceUUIDs[0] = "mutated"
	again, _ := r.GetByPath("/A")
	if *again.RSSI != -50 || again.ServiceUUIDs[0] == "mutated" {
		t.Errorf("registry record shared memory with caller: %+v", again)
	}
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(Limits{})
	r.Insert(Device{Path: "/A", Alias: "a"})
	r.Insert(Device{Path: "/B", Alias: "b", Connected: true})
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d", len(snap))
	}
	if snap[1].Index != 1 || snap[1].Path != "/B" || !snap[1].Connected {
		t.Errorf("entry = %+v", snap[1])
	}
}

func TestAliasTruncation(t *testing.T) {
	r := newTestRegistry(Limits{MaxAliasLen: 5})
	ch, err := r.Upsert("/A", Patch{Alias: Ptr("héllo world")})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Device.Alias != "héll" {
		t.Errorf("alias = %q", ch.Device.Alias)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", false},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF", false},
		{"aabb.ccdd.eeff", "AA:BB:CC:DD:EE:FF", false},
		{"00:00:5e:00:53:00:00:01", "", true},
		{"hello", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalAddress(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("CanonicalAddress(%q): expected ErrInvalidAddress, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalAddress(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	d := Device{Address: "AA:BB:CC:DD:EE:FF"}
	if d.DisplayName() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("got %q", d.DisplayName())
	}
	d.Name = "JBL"
	if d.DisplayName() != "JBL" {
		t.Errorf("got %q", d.DisplayName())
	}
	d.Alias = "Kitchen"
	if d.DisplayName() != "Kitchen" {
		t.Errorf("got %q", d.DisplayName())
	}
}
