package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bluez-go-home/internal/device"
)

// actionTimeout bounds pair, trust, forget and adapter calls made over HTTP.
// Pairing waits on the remote side, so this is longer than a plain call.
const actionTimeout = 60 * time.Second

// maxReadKeys limits the keys query of a live property read.
const maxReadKeys = 20

// serviceView is one service UUID with its profile name.
type serviceView struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// deviceView is the detailed view of one registry record.
type deviceView struct {
	Index        int           `json:"index"`
	FriendlyName string        `json:"friendly_name"`
	AutoTrust    bool          `json:"auto_trust"`
	Services     []serviceView `json:"services"`
	device.Device
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	dev, ok := s.coord.Registry().GetByIndex(index)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	db := s.coord.DeviceDB()
	view := deviceView{
		Index:        index,
		FriendlyName: db.FriendlyName(dev),
		AutoTrust:    db.AutoTrust(dev.Address, s.coord.Config().AutoTrust),
		Services:     make([]serviceView, 0, len(dev.ServiceUUIDs)),
		Device:       dev,
	}
	for _, u := range dev.ServiceUUIDs {
		view.Services = append(view.Services, serviceView{UUID: u, Name: db.ServiceName(u)})
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	if !s.coord.RemoveDevice(index) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIClearDevices(w http.ResponseWriter, r *http.Request) {
	cleared := s.coord.ClearDevices()
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (s *Server) handleAPIPairDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.PairDevice(ctx, index); err != nil {
		s.writeError(w, "pair device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPITrustDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.TrustDevice(ctx, index); err != nil {
		s.writeError(w, "trust device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIForgetDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.ForgetDevice(ctx, index); err != nil {
		s.writeError(w, "forget device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIReadProperties reads properties live from the daemon. The optional
// keys query is a comma-separated list of property names.
func (s *Server) handleAPIReadProperties(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r)
	if !ok {
		return
	}

	var keys []string
	if q := r.URL.Query().Get("keys"); q != "" {
		for _, k := range strings.Split(q, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > maxReadKeys {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "keys limited to " + strconv.Itoa(maxReadKeys)})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	results, err := s.coord.ReadProperties(ctx, index, keys)
	if err != nil {
		s.writeError(w, "read properties", err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPIAdapter(w http.ResponseWriter, r *http.Request) {
	state := s.coord.AdapterState()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   state,
		"path":    s.coord.Bus().AdapterPath(),
		"devices": s.coord.Registry().Count(),
	})
}

type switchRequest struct {
	On *bool `json:"on"`
}

// decodeSwitch reads a {"on": bool} body. It writes a 400 and returns false
// when the body is malformed or the field is missing.
func (s *Server) decodeSwitch(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req switchRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false, false
	}
	return *req.On, true
}

func (s *Server) handleAPISetDiscovery(w http.ResponseWriter, r *http.Request) {
	on, ok := s.decodeSwitch(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.SetDiscovery(ctx, on); err != nil {
		s.writeError(w, "set discovery", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.AdapterState())
}

func (s *Server) handleAPISetPower(w http.ResponseWriter, r *http.Request) {
	on, ok := s.decodeSwitch(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.SetPowered(ctx, on); err != nil {
		s.writeError(w, "set power", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.AdapterState())
}

func (s *Server) handleAPISetPairable(w http.ResponseWriter, r *http.Request) {
	on, ok := s.decodeSwitch(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.coord.SetPairable(ctx, on); err != nil {
		s.writeError(w, "set pairable", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.AdapterState())
}

func (s *Server) handleAPIListActions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	actions, err := s.coord.Store().ListActions(limit)
	if err != nil {
		s.writeError(w, "list actions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleAPIServiceName(w http.ResponseWriter, r *http.Request) {
	u, err := device.CanonicalUUID(r.PathValue("uuid"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid uuid"})
		return
	}
	s.writeJSON(w, http.StatusOK, serviceView{UUID: u, Name: s.coord.DeviceDB().ServiceName(u)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
