// Package api exposes the passkey service over HTTP. Ceremony
// endpoints follow the options/verify split: options responses carry a
// challengeId the client must echo back, and every verify consumes its
// challenge whether or not it succeeds.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcm77/passkeys-sub000/internal/apps"
	"github.com/mmcm77/passkeys-sub000/internal/auth"
	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/relay"
)

type Server struct {
	service *auth.Service
	apps    *apps.Registry
	relay   relay.Bus
	logger  *slog.Logger
}

// NewServer wires the handlers. The app registry is optional; without
// one, app-id/origin checks are skipped. A nil bus gets an in-process
// relay.
func NewServer(service *auth.Service, registry *apps.Registry, bus relay.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = relay.NewMemoryBus(logger)
	}
	return &Server{service: service, apps: registry, relay: bus, logger: logger}
}

// Routes returns the service mux, without middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/register/options", s.RegisterOptionsHandler)
	mux.HandleFunc("POST /api/v1/register/verify", s.RegisterVerifyHandler)
	mux.HandleFunc("POST /api/v1/authenticate/options", s.AuthenticateOptionsHandler)
	mux.HandleFunc("POST /api/v1/authenticate/verify", s.AuthenticateVerifyHandler)

	mux.HandleFunc("POST /api/v1/relay/sessions", s.CreateRelaySessionHandler)
	mux.HandleFunc("POST /api/v1/relay/{relaySessionId}/messages", s.RelayPublishHandler)
	mux.HandleFunc("GET /api/v1/relay/{relaySessionId}/messages", s.RelayPollHandler)
	mux.HandleFunc("POST /api/v1/ceremony/register", s.CeremonyRegisterHandler)
	mux.HandleFunc("POST /api/v1/ceremony/authenticate", s.CeremonyAuthenticateHandler)

	mux.HandleFunc("GET /api/v1/validate/{sessionId}", s.ValidateSessionHandler)
	mux.HandleFunc("POST /api/v1/logout", s.LogoutHandler)

	mux.HandleFunc("GET /api/v1/user/credentials", s.UserCredentialsHandler)
	mux.HandleFunc("DELETE /api/v1/user/credentials/{credentialId}", s.DeleteCredentialHandler)
	mux.HandleFunc("GET /api/v1/user/sessions", s.UserSessionsHandler)
	mux.HandleFunc("DELETE /api/v1/user/sessions/{sessionId}", s.DeleteSessionHandler)
	mux.HandleFunc("GET /api/v1/user/devices", s.UserDevicesHandler)

	mux.HandleFunc("GET /health", s.HealthHandler)

	return mux
}

// sessionID pulls the caller's session id from the X-Session-ID header,
// a bearer token, or the session cookie, in that order.
func sessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("session_id"); err == nil {
		return cookie.Value
	}
	return ""
}

// currentSession resolves the caller's session, or nil when
// unauthenticated.
func (s *Server) currentSession(r *http.Request) *models.Session {
	id := sessionID(r)
	if id == "" {
		return nil
	}
	session, err := s.service.ValidateSession(r.Context(), id)
	if err != nil {
		return nil
	}
	return session
}

// requireSession is currentSession plus the 401 write on failure.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *models.Session {
	session := s.currentSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "invalid_session", "authentication required")
	}
	return session
}

// allowedApp enforces the app registry on ceremony endpoints. Requests
// without an app id pass; a declared app id must exist and match the
// request origin.
func (s *Server) allowedApp(w http.ResponseWriter, r *http.Request, appID string) bool {
	if s.apps == nil || appID == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if !s.apps.AllowedOrigin(appID, origin) {
		s.logger.Warn("app origin rejected", "appId", appID, "origin", origin)
		writeError(w, http.StatusForbidden, "origin_not_allowed", "origin is not registered for this app")
		return false
	}
	return true
}
