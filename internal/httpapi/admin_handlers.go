package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"kycgate.dev/internal/audit"
	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/respond"
)

func rbacRoleUpdate(name, description *string) rbac.RoleUpdate {
	return rbac.RoleUpdate{Name: name, Description: description}
}

type userItem struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (a *API) handleUsersList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	users, err := a.admin.ListUsers(r.Context(), limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]userItem, 0, len(users))
	for _, u := range users {
		items = append(items, userItem{
			ID:        u.ID,
			Email:     u.Email,
			Status:    u.Status,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{"users": items},
		map[string]any{"count": len(items), "offset": offset})
}

func (a *API) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string   `json:"email"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	view, err := a.admin.CreateUser(r.Context(), req.Email, req.Password, req.Roles)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserCreated, map[string]any{
		"user_id": view.User.ID,
		"email":   auth.Redact(view.User.Email),
	})
	respond.OK(w, correlationID(r), http.StatusCreated, view, nil)
}

func (a *API) handleUsersRead(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	view, err := a.admin.GetUser(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond.OK(w, correlationID(r), http.StatusOK, view, nil)
}

func (a *API) handleUsersUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Email    *string `json:"email"`
		Password *string `json:"password"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	view, err := a.admin.UpdateUser(r.Context(), id, auth.UserUpdate{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserUpdated, map[string]any{"user_id": id})
	respond.OK(w, correlationID(r), http.StatusOK, view, nil)
}

func (a *API) handleUsersDisable(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	view, err := a.admin.DisableUser(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserDisabled, map[string]any{"user_id": id})
	_ = audit.LogEvent(r.Context(), audit.EventTokenRevoked, map[string]any{
		"user_id": id,
		"kind":    "refresh",
	})
	respond.OK(w, correlationID(r), http.StatusOK, view, nil)
}

func (a *API) handleUsersAssignRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Roles []string `json:"roles"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	view, err := a.admin.AssignRoles(r.Context(), id, req.Roles)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRolesAssigned, map[string]any{
		"user_id": id,
		"roles":   req.Roles,
	})
	respond.OK(w, correlationID(r), http.StatusOK, view, nil)
}

func (a *API) handleRolesList(w http.ResponseWriter, r *http.Request) {
	roles, err := a.catalog.ListRoles(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{"roles": roles}, nil)
}

func (a *API) handleRolesCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	role, err := a.catalog.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleMutated, map[string]any{
		"action":  "create",
		"role_id": role.ID,
		"name":    role.Name,
	})
	respond.OK(w, correlationID(r), http.StatusCreated, role, nil)
}

func (a *API) handleRolesRead(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	role, err := a.catalog.GetRole(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond.OK(w, correlationID(r), http.StatusOK, role, nil)
}

func (a *API) handleRolesUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	role, err := a.catalog.UpdateRole(r.Context(), id, rbacRoleUpdate(req.Name, req.Description))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleMutated, map[string]any{
		"action":  "update",
		"role_id": id,
	})
	respond.OK(w, correlationID(r), http.StatusOK, role, nil)
}

func (a *API) handleRolesDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.catalog.DeleteRole(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleMutated, map[string]any{
		"action":  "delete",
		"role_id": id,
	})
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{"deleted": true}, nil)
}

func (a *API) handleRolesAssignPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Permissions []string `json:"permissions"`
	}
	if !a.decodeBody(w, r, &req) {
		return
	}
	role, err := a.catalog.AssignPermissions(r.Context(), id, req.Permissions)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPermsReplaced, map[string]any{
		"role_id":     id,
		"permissions": req.Permissions,
	})
	respond.OK(w, correlationID(r), http.StatusOK, role, nil)
}

func (a *API) handlePermissionsList(w http.ResponseWriter, r *http.Request) {
	perms, err := a.catalog.ListPermissions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respond.OK(w, correlationID(r), http.StatusOK, map[string]any{"permissions": perms}, nil)
}
