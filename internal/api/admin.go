package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wagate/internal/domain"
	"wagate/internal/store"
)

func (s *Server) auditAdmin(r *http.Request, action string, instanceID *int64, details map[string]any) {
	if s.cfg.Audit == nil {
		return
	}
	ident := identityFrom(r.Context())
	s.cfg.Audit.Log(r.Context(), domain.AuditEntry{
		UserID:     ident.UserID,
		InstanceID: instanceID,
		Action:     action,
		Details:    details,
		Severity:   domain.SeverityInfo,
		ActorType:  ident.ActorType,
		AuthType:   ident.AuthType,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	resp := map[string]any{
		"userId":   ident.UserID,
		"username": ident.Username,
		"role":     ident.Role,
		"authType": ident.AuthType,
	}
	if ident.AllowedInstances != nil {
		resp["instances"] = ident.AllowedInstances
	}
	if ident.UserID != 0 {
		if q, err := s.cfg.Store.GetUserQuota(r.Context(), ident.UserID); err == nil && q != nil {
			resp["quota"] = q
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Contacts ---

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.cfg.Store.ListContacts(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.logger.Error("list contacts failed", "err", err)
		internalError(w)
		return
	}
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	phone := domain.NormalizePhone(chi.URLParam(r, "phone"))
	c, err := s.cfg.Store.GetContact(r.Context(), phone)
	if err != nil {
		s.logger.Error("get contact failed", "err", err)
		internalError(w)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "CONTACT_NOT_FOUND", "no contact with that phone")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSetSuppression(w http.ResponseWriter, r *http.Request) {
	phone := domain.NormalizePhone(chi.URLParam(r, "phone"))
	if phone == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "phone must contain digits")
		return
	}
	var req struct {
		Suppressed bool `json:"suppressed"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	// An opt-out can arrive before we ever messaged the number.
	if _, err := s.cfg.Store.EnsureContact(r.Context(), domain.Contact{Phone: phone, Source: domain.SourceManual}); err != nil {
		s.logger.Error("ensure contact failed", "phone", phone, "err", err)
		internalError(w)
		return
	}
	if err := s.cfg.Store.SetSuppressed(r.Context(), phone, req.Suppressed); err != nil {
		s.logger.Error("set suppression failed", "phone", phone, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "set_suppression", nil, map[string]any{"phone": phone, "suppressed": req.Suppressed})
	writeJSON(w, http.StatusOK, map[string]any{"phone": phone, "suppressed": req.Suppressed})
}

func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	var contacts []domain.Contact
	if !decodeJSON(w, r, &contacts) {
		return
	}
	valid := contacts[:0]
	for _, c := range contacts {
		c.Phone = domain.NormalizePhone(c.Phone)
		if c.Phone == "" {
			continue
		}
		c.Source = domain.SourceImport
		valid = append(valid, c)
	}
	n, err := s.cfg.Store.ImportContacts(r.Context(), valid)
	if err != nil {
		s.logger.Error("import contacts failed", "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "import_contacts", nil, map[string]any{"count": n, "skipped": len(contacts) - len(valid)})
	writeJSON(w, http.StatusOK, map[string]any{"imported": n, "skipped": len(contacts) - len(valid)})
}

// --- Templates ---

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.cfg.Store.ListTemplates(r.Context())
	if err != nil {
		s.logger.Error("list templates failed", "err", err)
		internalError(w)
		return
	}
	if templates == nil {
		templates = []domain.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.Template
	if !decodeJSON(w, r, &t) {
		return
	}
	t.Name = chi.URLParam(r, "name")
	if strings.TrimSpace(t.Body) == "" || t.VariableCount < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "body is required and variable_count cannot be negative")
		return
	}
	if err := s.cfg.Store.UpsertTemplate(r.Context(), t); err != nil {
		s.logger.Error("upsert template failed", "name", t.Name, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "upsert_template", nil, map[string]any{"name": t.Name})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cfg.Store.DeleteTemplate(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "template does not exist")
			return
		}
		s.logger.Error("delete template failed", "name", name, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "delete_template", nil, map[string]any{"name": name})
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.cfg.Store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "err", err)
		internalError(w)
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func validFrequency(f domain.LimitFrequency) bool {
	switch f {
	case domain.FrequencyDaily, domain.FrequencyMonthly, domain.FrequencyUnlimited:
		return true
	}
	return false
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username       string                `json:"username"`
		Role           domain.Role           `json:"role"`
		MessageLimit   *int64                `json:"messageLimit"`
		LimitFrequency domain.LimitFrequency `json:"limitFrequency"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "username is required")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleAgent
	}
	if req.Role != domain.RoleAgent && req.Role != domain.RoleAdmin {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "role must be admin or agent")
		return
	}
	if req.LimitFrequency == "" {
		req.LimitFrequency = domain.FrequencyDaily
	}
	if !validFrequency(req.LimitFrequency) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limitFrequency must be daily, monthly or unlimited")
		return
	}
	limit := int64(1000)
	if req.MessageLimit != nil {
		limit = *req.MessageLimit
	}

	existing, err := s.cfg.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.logger.Error("user lookup failed", "err", err)
		internalError(w)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "USER_EXISTS", "username is taken")
		return
	}

	u, err := s.cfg.Store.CreateUser(r.Context(), domain.NewUser{
		Username:  req.Username,
		Role:      req.Role,
		Limit:     limit,
		Frequency: req.LimitFrequency,
	})
	if err != nil {
		s.logger.Error("create user failed", "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "create_user", nil, map[string]any{"userId": u.ID, "username": u.Username, "role": u.Role})
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status domain.AccountStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != domain.AccountActive && req.Status != domain.AccountSuspended {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be active or suspended")
		return
	}
	if err := s.cfg.Store.SetUserStatus(r.Context(), id, req.Status); err != nil {
		s.userWriteFailed(w, id, err)
		return
	}
	s.auditAdmin(r, "update_user_status", nil, map[string]any{"userId": id, "status": req.Status})
	writeJSON(w, http.StatusOK, map[string]any{"userId": id, "status": req.Status})
}

func (s *Server) handleSetUserQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		MessageLimit   int64                 `json:"messageLimit"`
		LimitFrequency domain.LimitFrequency `json:"limitFrequency"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validFrequency(req.LimitFrequency) || (req.MessageLimit < 0 && req.MessageLimit != domain.UnlimitedQuota) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid messageLimit or limitFrequency")
		return
	}
	if err := s.cfg.Store.SetUserQuota(r.Context(), id, req.MessageLimit, req.LimitFrequency); err != nil {
		s.userWriteFailed(w, id, err)
		return
	}
	s.auditAdmin(r, "update_quota", nil, map[string]any{"userId": id, "limit": req.MessageLimit, "frequency": req.LimitFrequency})
	q, err := s.cfg.Store.GetUserQuota(r.Context(), id)
	if err != nil || q == nil {
		writeJSON(w, http.StatusOK, map[string]any{"userId": id})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) userWriteFailed(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user does not exist")
		return
	}
	s.logger.Error("user update failed", "user", id, "err", err)
	internalError(w)
}

// --- Tokens ---

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if v := r.URL.Query().Get("userId"); v != "" {
		id, ok := parsePositive(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid userId")
			return
		}
		userID = id
	}
	tokens, err := s.cfg.Store.ListTokens(r.Context(), userID)
	if err != nil {
		s.logger.Error("list tokens failed", "err", err)
		internalError(w)
		return
	}
	if tokens == nil {
		tokens = []domain.APIToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    int64   `json:"userId"`
		Name      string  `json:"name"`
		Instances []int64 `json:"instances"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID <= 0 || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "userId and name are required")
		return
	}
	u, err := s.cfg.Store.GetUser(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("user lookup failed", "err", err)
		internalError(w)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user does not exist")
		return
	}

	raw, err := GenerateToken()
	if err != nil {
		s.logger.Error("token generation failed", "err", err)
		internalError(w)
		return
	}
	tok, err := s.cfg.Store.CreateToken(r.Context(), req.UserID, req.Name, HashToken(raw), req.Instances)
	if err != nil {
		s.logger.Error("create token failed", "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "create_token", nil, map[string]any{"tokenId": tok.ID, "userId": req.UserID, "instances": req.Instances})
	writeJSON(w, http.StatusCreated, map[string]any{"token": raw, "info": tok})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.cfg.Store.RevokeToken(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "TOKEN_NOT_FOUND", "token does not exist")
			return
		}
		s.logger.Error("revoke token failed", "token", id, "err", err)
		internalError(w)
		return
	}
	s.auditAdmin(r, "revoke_token", nil, map[string]any{"tokenId": id})
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.ListAudit(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.logger.Error("list audit failed", "err", err)
		internalError(w)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
