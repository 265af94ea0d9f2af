package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/device"
	"github.com/mmcm77/passkeys-sub000/internal/models"
)

type registerOptionsRequest struct {
	Email        string               `json:"email"`
	DisplayName  string               `json:"displayName,omitempty"`
	AppID        string               `json:"appId,omitempty"`
	Capabilities browser.Capabilities `json:"capabilities"`
}

type authenticateOptionsRequest struct {
	Email        string               `json:"email,omitempty"`
	AppID        string               `json:"appId,omitempty"`
	Capabilities browser.Capabilities `json:"capabilities"`
}

type verifyRequest struct {
	ChallengeID string          `json:"challengeId"`
	Credential  json.RawMessage `json:"credential"`
	Signals     device.Signals  `json:"signals,omitempty"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:          base64.RawURLEncoding.EncodeToString(u.ID),
		Email:       u.Email,
		DisplayName: u.DisplayName,
	}
}

type credentialResponse struct {
	ID         string    `json:"id"`
	DeviceType string    `json:"deviceType"`
	Transports []string  `json:"transports,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

func toCredentialResponse(c *models.Credential) credentialResponse {
	transports := make([]string, len(c.Transports))
	for i, tr := range c.Transports {
		transports[i] = string(tr)
	}
	return credentialResponse{
		ID:         c.CredentialIDString(),
		DeviceType: string(c.DeviceType()),
		Transports: transports,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "request body is not valid JSON")
		return false
	}
	return true
}

func (s *Server) RegisterOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var req registerOptionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email", "email is required")
		return
	}
	if !s.allowedApp(w, r, req.AppID) {
		return
	}

	caps := req.Capabilities.Normalize(r.UserAgent())

	// Adding a passkey to an account that already has one needs a live
	// session for that same account.
	session := s.currentSession(r)
	authenticated := session != nil && session.Email == models.NormalizeEmail(req.Email)

	opts, err := s.service.BeginRegistration(r.Context(), req.Email, req.DisplayName, caps, authenticated)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) RegisterVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChallengeID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "malformed_request", "challengeId and credential are required")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_credential", "credential could not be parsed")
		return
	}

	result, err := s.service.FinishRegistration(r.Context(), req.ChallengeID, parsed, req.Signals)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registered":  true,
		"user":        toUserResponse(result.User),
		"sessionId":   result.Session.ID,
		"credential":  toCredentialResponse(result.Credential),
		"deviceToken": result.DeviceToken,
	})
}

func (s *Server) AuthenticateOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var req authenticateOptionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowedApp(w, r, req.AppID) {
		return
	}

	caps := req.Capabilities.Normalize(r.UserAgent())

	opts, err := s.service.BeginAuthentication(r.Context(), req.Email, caps)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) AuthenticateVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChallengeID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "malformed_request", "challengeId and credential are required")
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_credential", "credential could not be parsed")
		return
	}

	result, err := s.service.FinishAuthentication(r.Context(), req.ChallengeID, parsed, req.Signals)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          toUserResponse(result.User),
		"sessionId":     result.Session.ID,
		"deviceToken":   result.DeviceToken,
	})
}

func (s *Server) ValidateSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.ValidateSession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"email":   session.Email,
		"userId":  base64.RawURLEncoding.EncodeToString(session.UserID),
		"expires": session.ExpiresAt,
	})
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_session", "sessionId required")
		return
	}

	if err := s.service.Logout(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) UserCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}

	creds, err := s.service.Credentials(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]credentialResponse, len(creds))
	for i, c := range creds {
		out[i] = toCredentialResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) DeleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}

	if err := s.service.RevokeCredential(r.Context(), session.UserID, r.PathValue("credentialId")); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) UserSessionsHandler(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}

	sessions, err := s.service.UserSessions(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type sessionResponse struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"createdAt"`
		ExpiresAt time.Time `json:"expiresAt"`
		Current   bool      `json:"current"`
	}
	out := make([]sessionResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionResponse{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
			Current:   sess.ID == session.ID,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}

	if err := s.service.RevokeSession(r.Context(), session.UserID, r.PathValue("sessionId")); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) UserDevicesHandler(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}

	devices, err := s.service.Devices(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type deviceResponse struct {
		CredentialID string               `json:"credentialId"`
		Details      models.DeviceDetails `json:"details"`
		LastUsedAt   time.Time            `json:"lastUsedAt"`
	}
	out := make([]deviceResponse, len(devices))
	for i, d := range devices {
		out[i] = deviceResponse{
			CredentialID: base64.RawURLEncoding.EncodeToString(d.CredentialID),
			Details:      d.Details,
			LastUsedAt:   d.LastUsedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
