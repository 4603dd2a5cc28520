//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Trust Headphones",
			Description: "trust on pair",
			Enabled:     true,
		},
		LuaCode: `bt.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "trust_headphones" {
		t.Errorf("id = %q, want trust_headphones", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Trust Headphones" || got.Meta.Description != "trust on pair" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.LuaCode != "bt.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `bt.log("v1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `bt.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `bt.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerSaveInvalidID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("expected error for path traversal id")
	}
}

func TestManagerListSkipsOtherFiles(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}, LuaCode: `bt.log("x")`}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}, LuaCode: `bt.log("bye")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(".."); !errors.Is(err, ErrInvalidScriptID) {
		t.Errorf("delete ..: err = %v, want ErrInvalidScriptID", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: "-- 1"})
	s2, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: "-- 2"})
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}

	// Names with nothing sluggable get a random id.
	s3, _ := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if !strings.HasPrefix(s3.ID, "script_") || len(s3.ID) != len("script_")+12 {
		t.Errorf("generated id = %q", s3.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Auto Trust","description":"Trust the car kit","enabled":true}

bt.on("device_paired", {address="AA:BB:CC:DD:EE:01"}, function(event)
    bt.trust(event.address)
end)
`
	path := filepath.Join(dir, "car.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.ID != "car" {
		t.Errorf("id = %q, want car", s.ID)
	}
	if s.Meta.Name != "Auto Trust" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `bt.on("device_paired"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptFileNoHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	os.WriteFile(path, []byte("bt.log('x')\n"), 0o644)

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "bt.log('x')\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `bt.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nbt.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Speaker", "bathroom_speaker"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
