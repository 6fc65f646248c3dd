package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"wagate/internal/domain"
	"wagate/internal/session"
	"wagate/internal/store"
)

const qrImageSize = 256

// instanceView is an instance with its live session state, if any.
type instanceView struct {
	domain.Instance
	Session *session.Snapshot `json:"session,omitempty"`
}

func (s *Server) view(inst domain.Instance) instanceView {
	v := instanceView{Instance: inst}
	if snap, ok := s.cfg.Sessions.GetSession(inst.ID); ok {
		v.Session = &snap
	}
	return v
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	all, err := s.cfg.Store.ListInstances(r.Context())
	if err != nil {
		s.logger.Error("list instances failed", "err", err)
		internalError(w)
		return
	}
	out := make([]instanceView, 0, len(all))
	for _, inst := range all {
		if canAccess(ident, inst.ID) {
			out = append(out, s.view(inst))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		OwnerUserID int64  `json:"ownerUserId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}

	inst, err := s.cfg.Store.CreateInstance(r.Context(), req.Name, req.OwnerUserID)
	if err != nil {
		s.logger.Error("create instance failed", "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "create_instance", &inst.ID, map[string]any{"name": inst.Name})
	writeJSON(w, http.StatusCreated, inst)
}

// loadInstance writes a 404 and returns nil when id does not exist.
func (s *Server) loadInstance(w http.ResponseWriter, r *http.Request, id int64) *domain.Instance {
	inst, err := s.cfg.Store.GetInstance(r.Context(), id)
	if err != nil {
		s.logger.Error("get instance failed", "instance", id, "err", err)
		internalError(w)
		return nil
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance does not exist")
		return nil
	}
	return inst
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	if inst := s.loadInstance(w, r, id); inst != nil {
		writeJSON(w, http.StatusOK, s.view(*inst))
	}
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	if s.loadInstance(w, r, id) == nil {
		return
	}

	if err := s.cfg.Sessions.DeleteSession(r.Context(), id); err != nil {
		s.logger.Warn("session teardown failed", "instance", id, "err", err)
	}
	if err := s.cfg.Store.DeleteInstance(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "INSTANCE_NOT_FOUND", "instance does not exist")
			return
		}
		s.logger.Error("delete instance failed", "instance", id, "err", err)
		internalError(w)
		return
	}
	s.cfg.Pacer.Forget(id)
	s.auditAdmin(r, "delete_instance", &id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	if s.loadInstance(w, r, id) == nil {
		return
	}
	snap, err := s.cfg.Sessions.StartSession(id)
	if err != nil {
		if errors.Is(err, session.ErrShutdown) {
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "gateway is shutting down")
			return
		}
		s.logger.Error("start session failed", "instance", id, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "start_instance", &id, nil)
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	inst := s.loadInstance(w, r, id)
	if inst == nil {
		return
	}
	resp := map[string]any{
		"instanceId": id,
		"status":     inst.Status,
	}
	if inst.LastError != "" {
		resp["lastError"] = inst.LastError
	}
	if inst.StopReason != "" {
		resp["stopReason"] = inst.StopReason
	}
	if snap, ok := s.cfg.Sessions.GetSession(id); ok {
		resp["session"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	snap, ok := s.cfg.Sessions.GetSession(id)
	if !ok || snap.QR == "" {
		writeError(w, http.StatusNotFound, "QR_NOT_AVAILABLE", "no pairing code is pending for this instance")
		return
	}
	png, err := qrcode.Encode(snap.QR, qrcode.Medium, qrImageSize)
	if err != nil {
		s.logger.Error("qr encode failed", "instance", id, "err", err)
		internalError(w)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleLogoutInstance(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(w, r, "id")
	if s.loadInstance(w, r, id) == nil {
		return
	}
	if err := s.cfg.Sessions.DeleteSession(r.Context(), id); err != nil {
		s.logger.Error("logout failed", "instance", id, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "logout_instance", &id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"instanceId": id, "status": domain.InstanceStopped})
}
