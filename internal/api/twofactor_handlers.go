package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arcforge/authcore/internal/api/helpers"
	"github.com/arcforge/authcore/internal/api/middleware"
	"github.com/arcforge/authcore/internal/ephemeral"
)

const pendingSetupTTL = 10 * time.Minute

type pendingSetup struct {
	EncryptedSecret string   `json:"encrypted_secret"`
	BackupHashes    []string `json:"backup_hashes"`
}

func pendingSetupKey(userID string) string { return "2fa_pending:" + userID }

type setupResponse struct {
	QRPayload   string   `json:"qr_payload"`
	BackupCodes []string `json:"backup_codes"`
}

// TwoFactorSetup generates a TOTP secret and backup codes and stashes the
// pending (not-yet-activated) setup until TwoFactorVerify confirms the
// user copied the secret into an authenticator app.
func (s *Server) TwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.MustGetUserID(r.Context())

	user, err := s.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "looking up account")
		return
	}

	setup, err := s.TwoFactor.Setup(user.Email)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "generating two-factor secret")
		return
	}

	payload, err := json.Marshal(pendingSetup{EncryptedSecret: setup.EncryptedSecret, BackupHashes: setup.BackupHashes})
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "encoding pending setup")
		return
	}
	if err := s.Pending.Set(r.Context(), pendingSetupKey(userID), payload, pendingSetupTTL); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "storing pending setup")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, setupResponse{QRPayload: setup.QRPayload, BackupCodes: setup.BackupCodes})
}

type twoFactorVerifyRequest struct {
	Code string `json:"code"`
}

// TwoFactorVerify activates a pending setup once the user proves control
// of the authenticator by submitting a valid code.
func (s *Server) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	userID := middleware.MustGetUserID(r.Context())

	var req twoFactorVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := s.Pending.Get(r.Context(), pendingSetupKey(userID))
	if errors.Is(err, ephemeral.ErrNotFound) {
		helpers.RespondError(w, http.StatusBadRequest, "no pending two-factor setup")
		return
	}
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "looking up pending setup")
		return
	}
	var pending pendingSetup
	if err := json.Unmarshal(raw, &pending); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "decoding pending setup")
		return
	}

	ok, err := s.TwoFactor.VerifySetup(pending.EncryptedSecret, req.Code)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "verifying code")
		return
	}
	if !ok {
		helpers.RespondError(w, http.StatusBadRequest, "invalid code")
		return
	}

	if err := s.Users.SetTOTPSecret(r.Context(), userID, pending.EncryptedSecret, pending.BackupHashes); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "activating two-factor")
		return
	}
	_ = s.Pending.Delete(r.Context(), pendingSetupKey(userID))

	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

type twoFactorDisableRequest struct {
	Password string `json:"password"`
}

// TwoFactorDisable removes the user's active TOTP secret and backup codes,
// re-confirming the account password first.
func (s *Server) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	userID := middleware.MustGetUserID(r.Context())

	var req twoFactorDisableRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "looking up account")
		return
	}
	if user.TOTPSecret == "" {
		helpers.RespondError(w, http.StatusBadRequest, "two-factor is not enabled")
		return
	}

	if err := s.hasherCompare(req.Password, user.PasswordHash); err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "incorrect password")
		return
	}

	if err := s.Users.ClearTOTPSecret(r.Context(), userID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "disabling two-factor")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// hasherCompare verifies password against encodedHash with the server's
// credstore.Hasher.
func (s *Server) hasherCompare(password, encodedHash string) error {
	return s.Hasher.Compare(password, encodedHash)
}
