package api

import (
	"errors"
	"net/http"

	"github.com/arcforge/authcore/internal/api/helpers"
	"github.com/arcforge/authcore/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListGroups lists the groups defined within an organization.
func (s *Server) ListGroups(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	groups, err := s.Groups.ListGroups(r.Context(), orgID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "listing groups")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, groups)
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateGroup defines a new permission bundle within an organization.
func (s *Server) CreateGroup(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req createGroupRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, http.StatusBadRequest, "name is required")
		return
	}

	group, err := s.Groups.CreateGroup(r.Context(), orgID, req.Name, req.Description)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			helpers.RespondError(w, http.StatusConflict, "a group with that name already exists")
			return
		}
		helpers.RespondError(w, http.StatusInternalServerError, "creating group")
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, group)
}

// DeleteGroup removes a group. Every permission it granted is revoked for
// its members at their next authorization check once AuthzEngine's
// per-group invalidation runs.
func (s *Server) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	group, err := s.Groups.GetGroup(r.Context(), groupID)
	if errors.Is(err, store.ErrNotFound) {
		helpers.RespondError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "looking up group")
		return
	}

	memberIDs, err := s.Groups.GroupMemberUserIDs(r.Context(), groupID)
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "looking up group members")
		return
	}
	if err := s.Groups.DeleteGroup(r.Context(), groupID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "deleting group")
		return
	}

	s.Authz.InvalidateGroup(r.Context(), group.OrgID, groupID)
	for _, userID := range memberIDs {
		s.Authz.InvalidateUser(r.Context(), userID, group.OrgID)
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AddGroupMember adds a user to a group.
func (s *Server) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	userID := chi.URLParam(r, "userID")

	if err := s.Groups.AddGroupMember(r.Context(), groupID, userID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "adding group member")
		return
	}

	if group, err := s.Groups.GetGroup(r.Context(), groupID); err == nil {
		s.Authz.InvalidateUser(r.Context(), userID, group.OrgID)
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

// RemoveGroupMember removes a user from a group.
func (s *Server) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	userID := chi.URLParam(r, "userID")

	if err := s.Groups.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "removing group member")
		return
	}

	if group, err := s.Groups.GetGroup(r.Context(), groupID); err == nil {
		s.Authz.InvalidateUser(r.Context(), userID, group.OrgID)
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// GrantGroupPermission grants a permission to every member of a group.
func (s *Server) GrantGroupPermission(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	permissionID := chi.URLParam(r, "permissionID")

	if err := s.Groups.GrantPermission(r.Context(), groupID, permissionID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "granting permission")
		return
	}
	s.invalidateGroupMembers(r, groupID)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// RevokeGroupPermission revokes a permission from a group.
func (s *Server) RevokeGroupPermission(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	permissionID := chi.URLParam(r, "permissionID")

	if err := s.Groups.RevokePermission(r.Context(), groupID, permissionID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "revoking permission")
		return
	}
	s.invalidateGroupMembers(r, groupID)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// invalidateGroupMembers drops the L2 cache entry for every current
// member of groupID so the permission change takes effect on their next
// authorization check rather than waiting out the L2 TTL.
func (s *Server) invalidateGroupMembers(r *http.Request, groupID string) {
	group, err := s.Groups.GetGroup(r.Context(), groupID)
	if err != nil {
		return
	}
	s.Authz.InvalidateGroup(r.Context(), group.OrgID, groupID)

	memberIDs, err := s.Groups.GroupMemberUserIDs(r.Context(), groupID)
	if err != nil {
		return
	}
	for _, userID := range memberIDs {
		s.Authz.InvalidateUser(r.Context(), userID, group.OrgID)
	}
}
