package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hub-go-home/internal/keyval"
	"hub-go-home/internal/wakelight"
)

// maxWait bounds keyval long polls.
const maxWait = 60 * time.Second

func (s *Server) handleAPIGetKV(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		s.writeError(w, http.StatusNotFound, "key/value store not available")
		return
	}
	st, err := s.kv.Module(r.PathValue("module"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeJSON(w, http.StatusOK, st.Data())
		return
	}
	v, ok := st.Get(path)
	if !ok {
		s.writeError(w, http.StatusNotFound, "path not found")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type setKVRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s *Server) handleAPISetKV(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		s.writeError(w, http.StatusNotFound, "key/value store not available")
		return
	}
	st, err := s.kv.Module(r.PathValue("module"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req setKVRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := st.SetVal(req.Path, req.Value); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListKeyval(w http.ResponseWriter, r *http.Request) {
	if s.keyval == nil {
		s.writeJSON(w, http.StatusOK, []keyval.Change{})
		return
	}
	keys := s.keyval.Keys()
	if keys == nil {
		keys = []keyval.Change{}
	}
	s.writeJSON(w, http.StatusOK, keys)
}

// handleAPIGetKeyval returns the value of a key. With ?wait=<value> it holds
// the request until the key no longer has that value, up to ?timeout.
func (s *Server) handleAPIGetKeyval(w http.ResponseWriter, r *http.Request) {
	if s.keyval == nil {
		s.writeError(w, http.StatusNotFound, "keyval not available")
		return
	}
	key := r.PathValue("key")
	q := r.URL.Query()
	if !q.Has("wait") {
		s.writeJSON(w, http.StatusOK, keyval.Change{Key: key, Value: s.keyval.Get(key)})
		return
	}
	timeout := maxWait
	if t := q.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxWait)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	v := s.keyval.Wait(ctx, key, q.Get("wait"))
	s.writeJSON(w, http.StatusOK, keyval.Change{Key: key, Value: v})
}

type setKeyvalRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAPISetKeyval(w http.ResponseWriter, r *http.Request) {
	if s.keyval == nil {
		s.writeError(w, http.StatusNotFound, "keyval not available")
		return
	}
	key := r.PathValue("key")
	var req setKeyvalRequest
	if !s.decode(w, r, &req) {
		return
	}
	changed, err := s.keyval.Set(r.Context(), key, req.Value)
	if err != nil {
		if errors.Is(err, keyval.ErrInvalidValue) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("set keyval", "err", err, "key", key)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value, "changed": changed})
}

func (s *Server) handleAPIToggleKeyval(w http.ResponseWriter, r *http.Request) {
	if s.keyval == nil {
		s.writeError(w, http.StatusNotFound, "keyval not available")
		return
	}
	key := r.PathValue("key")
	v, err := s.keyval.Toggle(r.Context(), key)
	if err != nil {
		s.logger.Error("toggle keyval", "err", err, "key", key)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, keyval.Change{Key: key, Value: v})
}

type wakelightSetRequest struct {
	MinutesToAlarm *float64 `json:"minutesToAlarm"`
}

func (s *Server) handleAPIWakelightSet(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		s.writeError(w, http.StatusNotFound, "wakelight not available")
		return
	}
	var req wakelightSetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MinutesToAlarm == nil {
		s.writeError(w, http.StatusBadRequest, "minutesToAlarm is required")
		return
	}
	if err := s.wake.ScheduleAlarm(*req.MinutesToAlarm); err != nil {
		switch {
		case errors.Is(err, wakelight.ErrNoDevices), errors.Is(err, wakelight.ErrInsufficientLeadTime):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("schedule alarm", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, s.wake.Status())
}

func (s *Server) handleAPIWakelightClear(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		s.writeError(w, http.StatusNotFound, "wakelight not available")
		return
	}
	s.wake.ClearAlarm()
	s.writeJSON(w, http.StatusOK, s.wake.Status())
}

func (s *Server) handleAPIWakelightStatus(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		s.writeError(w, http.StatusNotFound, "wakelight not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.wake.Status())
}

func (s *Server) handleAPIWakelightConfig(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		s.writeError(w, http.StatusNotFound, "wakelight not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.wake.Config())
}

func (s *Server) handleAPISaveWakelightConfig(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		s.writeError(w, http.StatusNotFound, "wakelight not available")
		return
	}
	cfg := s.wake.Config()
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.wake.SaveConfig(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.wake.Config())
}

func (s *Server) handleAPIListPollers(w http.ResponseWriter, r *http.Request) {
	if s.pollers == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.pollers.States())
}

func (s *Server) handleAPIPollerAction(w http.ResponseWriter, r *http.Request) {
	if s.pollers == nil {
		s.writeError(w, http.StatusNotFound, "poller not found")
		return
	}
	p, ok := s.pollers.Get(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "poller not found")
		return
	}
	switch r.PathValue("action") {
	case "pause":
		p.Pause()
	case "resume":
		p.Resume()
	case "restart":
		p.Restart()
	default:
		s.writeError(w, http.StatusBadRequest, "action must be pause, resume or restart")
		return
	}
	s.writeJSON(w, http.StatusOK, p.State())
}
