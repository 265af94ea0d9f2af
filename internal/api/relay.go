package api

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/ceremony"
	"github.com/mmcm77/passkeys-sub000/internal/device"
	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/relay"
)

// relayPollTimeout bounds a single long-poll. The frame re-polls
// immediately; envelopes published with no poll open are dropped, so
// the frame keeps one request in flight at all times.
const relayPollTimeout = 25 * time.Second

type relaySessionRequest struct {
	AppID string `json:"appId"`
}

type ceremonyRequest struct {
	Email          string               `json:"email,omitempty"`
	DisplayName    string               `json:"displayName,omitempty"`
	AppID          string               `json:"appId,omitempty"`
	RelaySessionID string               `json:"relaySessionId"`
	Capabilities   browser.Capabilities `json:"capabilities"`
	Signals        device.Signals       `json:"signals,omitempty"`
}

// CreateRelaySessionHandler opens a relay session for an embedded
// frame. The returned id is an unguessable capability: whoever holds it
// can exchange envelopes on the session.
func (s *Server) CreateRelaySessionHandler(w http.ResponseWriter, r *http.Request) {
	var req relaySessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowedApp(w, r, req.AppID) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"relaySessionId": uuid.NewString()})
}

// RelayPublishHandler accepts an envelope from the client frame. Init
// envelopes are reserved for the service side and rejected.
func (s *Server) RelayPublishHandler(w http.ResponseWriter, r *http.Request) {
	var env relay.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	if env.Type == relay.KindInit {
		writeError(w, http.StatusBadRequest, "invalid_envelope", "init envelopes originate from the service")
		return
	}

	env.SessionID = r.PathValue("relaySessionId")
	if err := s.relay.Publish(r.Context(), env); err != nil {
		s.logger.Error("relay publish failed", "sessionId", env.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to deliver envelope")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RelayPollHandler long-polls for the next service-side envelope on the
// session, answering 204 when none arrives in time.
func (s *Server) RelayPollHandler(w http.ResponseWriter, r *http.Request) {
	relaySessionID := r.PathValue("relaySessionId")

	ctx, cancel := context.WithTimeout(r.Context(), relayPollTimeout)
	defer cancel()

	inbox, unsubscribe, err := s.relay.Subscribe(ctx, relaySessionID)
	if err != nil {
		s.logger.Error("relay subscribe failed", "sessionId", relaySessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open relay subscription")
		return
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		w.WriteHeader(http.StatusNoContent)
	case env, ok := <-inbox:
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, env)
	}
}

// CeremonyRegisterHandler runs a full registration ceremony through the
// relay: it builds options, drives the client frame, and verifies the
// attestation, all in one blocking request made by the embedding page.
func (s *Server) CeremonyRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req ceremonyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email", "email is required")
		return
	}
	if req.RelaySessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_relay_session", "relaySessionId is required")
		return
	}
	if !s.allowedApp(w, r, req.AppID) {
		return
	}

	caps := req.Capabilities.Normalize(r.UserAgent())

	session := s.currentSession(r)
	authenticated := session != nil && session.Email == models.NormalizeEmail(req.Email)

	opts, err := s.service.BeginRegistration(r.Context(), req.Email, req.DisplayName, caps, authenticated)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	orch := ceremony.NewOrchestrator(relay.NewAuthenticator(s.relay, req.RelaySessionID, s.logger), s.logger)
	ceremonyResult, err := orch.Register(r.Context(), opts.ChallengeID, opts.Options)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(ceremonyResult.Response))
	if err != nil {
		writeError(w, http.StatusBadGateway, "malformed_credential", "client frame returned an unparseable attestation")
		return
	}

	result, err := s.service.FinishRegistration(r.Context(), ceremonyResult.ChallengeID, parsed, req.Signals)
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

// CeremonyAuthenticateHandler runs a full authentication ceremony
// through the relay. An empty email selects the discoverable flow.
func (s *Server) CeremonyAuthenticateHandler(w http.ResponseWriter, r *http.Request) {
	var req ceremonyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RelaySessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_relay_session", "relaySessionId is required")
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

	orch := ceremony.NewOrchestrator(relay.NewAuthenticator(s.relay, req.RelaySessionID, s.logger), s.logger)
	ceremonyResult, err := orch.Authenticate(r.Context(), opts.ChallengeID, opts.Options)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(ceremonyResult.Response))
	if err != nil {
		writeError(w, http.StatusBadGateway, "malformed_credential", "client frame returned an unparseable assertion")
		return
	}

	result, err := s.service.FinishAuthentication(r.Context(), ceremonyResult.ChallengeID, parsed, req.Signals)
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
