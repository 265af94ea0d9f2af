package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mmcm77/passkeys-sub000/internal/auth"
	"github.com/mmcm77/passkeys-sub000/internal/ceremony"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
	"github.com/mmcm77/passkeys-sub000/internal/verify"
)

// errorResponse is the wire shape for every error: a human-readable
// message plus a stable machine code.
type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Remedy string `json:"remedy,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

// writeServiceError maps service-layer failures onto the error
// taxonomy. Challenge problems restart the ceremony, cancellations are
// not errors, datastore trouble is a retryable 5xx.
func writeServiceError(w http.ResponseWriter, err error) {
	var cerr *ceremony.Error
	if errors.As(err, &cerr) {
		status := http.StatusBadGateway
		if cerr.Cancelled() {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(errorResponse{
			Error:  cerr.Error(),
			Code:   "ceremony_" + string(cerr.Class),
			Remedy: cerr.Class.Remedy(),
		})
		return
	}

	switch {
	case errors.Is(err, verify.ErrChallengeInvalid):
		writeError(w, http.StatusBadRequest, "invalid_challenge", "invalid or expired challenge")
	case errors.Is(err, verify.ErrKindMismatch):
		writeError(w, http.StatusBadRequest, "challenge_kind_mismatch", "challenge was issued for a different ceremony")
	case errors.Is(err, verify.ErrCloneSuspected):
		writeError(w, http.StatusUnauthorized, "clone_suspected", "credential rejected: possible cloned authenticator")
	case errors.Is(err, verify.ErrUnknownCredential):
		writeError(w, http.StatusNotFound, "unknown_credential", "credential not recognized")
	case errors.Is(err, auth.ErrRegistrationNotAllowed):
		writeError(w, http.StatusConflict, "registration_not_allowed", err.Error())
	case errors.Is(err, auth.ErrNoCredentials):
		writeError(w, http.StatusNotFound, "no_credentials", "no passkeys registered for this account")
	case errors.Is(err, auth.ErrLastCredential):
		writeError(w, http.StatusConflict, "last_credential", "cannot remove the last passkey")
	case errors.Is(err, auth.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "invalid_session", "invalid or expired session")
	case errors.Is(err, storage.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", "no account for that email")
	case errors.Is(err, storage.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "credential_not_found", "credential not found")
	case errors.Is(err, storage.ErrCounterConflict):
		writeError(w, http.StatusConflict, "counter_conflict", "concurrent authentication detected, retry from options")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
