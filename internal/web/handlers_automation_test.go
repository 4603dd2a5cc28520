//go:build !no_automation

package web

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"bluez-go-home/internal/automation"
)

func setupAutomationServer(t *testing.T) (*Server, *automation.Engine) {
	t.Helper()
	coord, _ := newTestCoordinator(t)
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(coord, mgr, testLogger())
	t.Cleanup(engine.Stop)

	srv := NewServer(coord, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)
	return srv, engine
}

func TestAPICreateAutomation(t *testing.T) {
	srv, engine := setupAutomationServer(t)

	w := do(srv, "POST", "/api/automations", `{"name":"Trust Headset","lua_code":"bt.log(\"hi\")","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var saved scriptView
	if err := json.NewDecoder(w.Body).Decode(&saved); err != nil {
		t.Fatal(err)
	}
	if saved.ID != "trust_headset" || saved.Meta.Name != "Trust Headset" {
		t.Errorf("saved = %+v", saved.Script)
	}
	if !saved.Running || !engine.Running(saved.ID) {
		t.Error("enabled script should be running after create")
	}

	w = do(srv, "POST", "/api/automations/trust_headset/toggle", "")
	var toggled scriptView
	if err := json.NewDecoder(w.Body).Decode(&toggled); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || toggled.Running || engine.Running("trust_headset") {
		t.Errorf("toggle: status = %d, running = %v", w.Code, engine.Running("trust_headset"))
	}

	w = do(srv, "GET", "/api/automations", "")
	var list []scriptView
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Meta.Enabled {
		t.Errorf("list = %+v", list)
	}
}

func TestAPICreateAutomationValidation(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"no name", `{"lua_code":"bt.log(\"x\")"}`},
		{"syntax error", `{"name":"broken","lua_code":"bt.log("}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(srv, "POST", "/api/automations", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAPIRunInlineAutomation(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	w := do(srv, "POST", "/api/automations/_inline/run", `{"lua_code":"bt.log(#bt.devices() .. \" devices\")"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res automation.RunResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "0 devices" {
		t.Errorf("result = %+v", res)
	}
}

func TestAPIAutomationNotFound(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	if w := do(srv, "GET", "/api/automations/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("get: status = %d", w.Code)
	}
	if w := do(srv, "PUT", "/api/automations/missing", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("update: status = %d", w.Code)
	}
	if w := do(srv, "DELETE", "/api/automations/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete: status = %d", w.Code)
	}
}
