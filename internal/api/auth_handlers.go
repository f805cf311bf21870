package api

import (
	"errors"
	"net/http"

	"github.com/arcforge/authcore/internal/api/helpers"
	"github.com/arcforge/authcore/internal/loginfsm"
	"github.com/arcforge/authcore/internal/registration"
	"github.com/arcforge/authcore/internal/resetflow"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an unverified account and sends a verification email.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.Registration.Register(r.Context(), req.Email, req.Password); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]string{
		"message": "if that email is available, a verification link has been sent",
	})
}

type verifyCodeRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// VerifyCode consumes a registration verification token and code.
func (s *Server) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Registration.Verify(r.Context(), req.Token, req.Code); err != nil {
		if errors.Is(err, registration.ErrInvalidCode) {
			helpers.RespondError(w, http.StatusBadRequest, "invalid or expired verification code")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

// ResendVerification re-issues a verification email if the account exists
// and isn't already verified. Always responds as if it succeeded.
func (s *Server) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.Registration.ResendVerification(r.Context(), req.Email)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "if that email is registered and unverified, a new link has been sent",
	})
}

type loginRequest struct {
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	LoginCode    string `json:"login_code,omitempty"`
	TOTPCode     string `json:"totp_code,omitempty"`
	BackupCode   string `json:"backup_code,omitempty"`
	OrgID        string `json:"org_id,omitempty"`
	PreAuthToken string `json:"pre_auth_token,omitempty"`
}

type loginResponse struct {
	Status        loginfsm.Status       `json:"status"`
	Organizations []loginfsm.OrgSummary `json:"organizations,omitempty"`
	PreAuthToken  string                `json:"pre_auth_token,omitempty"`
	ExpiresIn     int                   `json:"expires_in,omitempty"`
	AccessToken   string                `json:"access_token,omitempty"`
	RefreshToken  string                `json:"refresh_token,omitempty"`
	TokenType     string                `json:"token_type,omitempty"`
	OrgID         string                `json:"org_id,omitempty"`
}

// Login_ drives every step of the multi-step login state machine from a
// single endpoint: which fields are populated determines how far the
// attempt advances.
func (s *Server) Login_(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.Login.Attempt(r.Context(), loginfsm.Request{
		Email: req.Email, Password: req.Password, LoginCode: req.LoginCode,
		TOTPCode: req.TOTPCode, BackupCode: req.BackupCode,
		OrgID: req.OrgID, PreAuthToken: req.PreAuthToken,
	})
	if err != nil {
		respondLoginError(w, err)
		return
	}

	resp := loginResponse{
		Status: result.Status, Organizations: result.Organizations,
		PreAuthToken: result.PreAuthToken, ExpiresIn: result.ExpiresIn,
		AccessToken: result.AccessToken, RefreshToken: result.RefreshToken,
		OrgID: result.OrgID,
	}
	if result.AccessToken != "" {
		resp.TokenType = "Bearer"
	}
	helpers.RespondJSON(w, http.StatusOK, resp)
}

func respondLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, loginfsm.ErrLockedOut):
		helpers.RespondError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, loginfsm.ErrNotVerified):
		helpers.RespondError(w, http.StatusForbidden, "account not verified")
	default:
		helpers.RespondError(w, http.StatusUnauthorized, "invalid credentials")
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.Login.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, loginResponse{
		Status: result.Status, AccessToken: result.AccessToken,
		RefreshToken: result.RefreshToken, TokenType: "Bearer", OrgID: result.OrgID,
	})
}

// Logout blacklists the presented refresh token.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.Login.Logout(r.Context(), req.RefreshToken)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type requestPasswordResetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset always responds as if it succeeded, regardless of
// whether the email corresponds to an existing account.
func (s *Server) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req requestPasswordResetRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.ResetFlow.Request(r.Context(), req.Email)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "if that email is registered, a reset link has been sent",
	})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// ResetPassword consumes a reset token and code and sets a new password,
// revoking every outstanding session for the account.
func (s *Server) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ResetFlow.Reset(r.Context(), req.Token, req.Code, req.NewPassword); err != nil {
		if errors.Is(err, resetflow.ErrInvalidCode) {
			helpers.RespondError(w, http.StatusBadRequest, "invalid or expired reset code")
			return
		}
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}
