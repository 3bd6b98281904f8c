package web

import (
	"errors"
	"net/http"

	"hub-go-home/internal/device"
	"hub-go-home/internal/store"
)

// DeviceView is the API representation of a registered device.
type DeviceView struct {
	device.Info
	DisplayName string `json:"displayName"`
}

func (s *Server) view(d device.Device) DeviceView {
	return DeviceView{Info: device.DescribeDevice(d), DisplayName: s.reg.DisplayName(d)}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.reg.Sorted()
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.view(d))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.reg.Device(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(d))
}

func (s *Server) handleAPIKnownDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.reg.Known()
	if err != nil {
		s.logger.Error("list known devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req renameDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.reg.Rename(id, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("rename device", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

type setPropertyRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPISetProperty(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.reg.Device(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	kind, err := device.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := device.PropertyOf(d, kind, r.PathValue("property"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "property not found")
		return
	}
	var req setPropertyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := p.SetValue(r.Context(), req.Value); err != nil {
		switch {
		case errors.Is(err, device.ErrReadOnly):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, device.ErrClosed):
			s.writeError(w, http.StatusNotFound, "device not found")
		default:
			s.logger.Warn("set property", "err", err, "id", id, "kind", kind, "property", p.Name())
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	v, _ := p.Value()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "value": v})
}

func (s *Server) handleAPICapabilities(w http.ResponseWriter, r *http.Request) {
	kinds := device.Kinds()
	out := make([]device.KindDef, 0, len(kinds))
	for _, k := range kinds {
		def, _ := device.Describe(k)
		out = append(out, def)
	}
	s.writeJSON(w, http.StatusOK, out)
}
