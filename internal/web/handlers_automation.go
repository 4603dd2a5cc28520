package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"bluez-go-home/internal/automation"
)

// inlineScriptID runs the request body's code instead of a saved script.
const inlineScriptID = "_inline"

const maxScriptBody = 1 << 20

// scriptView is a saved script plus whether the engine is running it.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) view(script *automation.Script) scriptView {
	return scriptView{Script: script, Running: s.autoEngine != nil && s.autoEngine.Running(script.ID)}
}

// scriptsAvailable writes a 503 and returns false when no manager is wired.
func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

func (s *Server) writeScriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// decodeScript reads a save request and rejects code that does not parse.
func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if err := automation.CheckSyntax(req.LuaCode); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return req, false
	}
	return req, true
}

// syncEngine brings the engine in line with a freshly saved script.
func (s *Server) syncEngine(script *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !script.Meta.Enabled {
		s.autoEngine.StopScript(script.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(script.ID); err != nil {
		s.logger.Error("reload script", "id", script.ID, "err", err)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeScriptError(w, "list scripts", err)
		return
	}
	views := make([]scriptView, 0, len(scripts))
	for _, script := range scripts {
		views = append(views, s.view(script))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(script))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeScriptError(w, "create script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusCreated, s.view(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeScriptError(w, "update script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, "get script", err)
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.writeScriptError(w, "toggle script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation engine not available"})
		return
	}

	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
