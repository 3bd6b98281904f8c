package web

import (
	"errors"
	"net/http"

	"hub-go-home/internal/automation"
)

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

// getScript writes the error response itself when the script is missing.
func (s *Server) getScript(w http.ResponseWriter, id string) (*automation.Script, bool) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil, false
	}
	script, err := s.scriptMgr.Get(id)
	if err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
		} else {
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return nil, false
	}
	return script, true
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	script, ok := s.getScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "automations not available")
		return
	}
	var req saveAutomationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		Code: req.Code,
	})
	if err != nil {
		s.logger.Error("create script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.getScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	var req saveAutomationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.Code = req.Code

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.logger.Error("update script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	script, ok := s.getScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automation engine not available")
		return
	}
	if _, ok := s.getScript(w, r.PathValue("id")); !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(r.PathValue("id")))
}

type runInlineRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAPIRunInline(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automation engine not available")
		return
	}
	var req runInlineRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunCode(req.Code))
}

// reload restarts or stops the running copy of a saved script.
func (s *Server) reload(saved *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !saved.Meta.Enabled {
		s.autoEngine.StopScript(saved.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
		s.logger.Error("reload script", "id", saved.ID, "err", err)
	}
}
