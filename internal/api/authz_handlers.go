package api

import (
	"net/http"

	"github.com/arcforge/authcore/internal/api/helpers"
	"github.com/arcforge/authcore/internal/api/middleware"
)

type authorizationCheckRequest struct {
	OrgID      string `json:"org_id"`
	Permission string `json:"permission"`
}

type authorizationCheckResponse struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// AuthorizationCheck evaluates a single permission for the caller, backed
// by AuthzEngine's two-level cache. This is the ask-first-then-act
// primitive other services use to gate their own operations.
func (s *Server) AuthorizationCheck(w http.ResponseWriter, r *http.Request) {
	userID := middleware.MustGetUserID(r.Context())

	var req authorizationCheckRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OrgID == "" || req.Permission == "" {
		helpers.RespondError(w, http.StatusBadRequest, "org_id and permission are required")
		return
	}

	decision := s.Authz.Authorize(r.Context(), userID, req.OrgID, req.Permission)
	helpers.RespondJSON(w, http.StatusOK, authorizationCheckResponse{
		Allowed: decision.Allowed, Reason: decision.Reason, Groups: decision.Groups,
	})
}

// ListPermissions returns the canonical permission catalog.
func (s *Server) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.Groups.ListPermissions(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "listing permissions")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, perms)
}
