package idp

import (
	"context"
	"net/http"
	"net/url"
)

// FindUserByID looks a user up in the directory. A missing user, and any
// directory-level failure, both yield nil; only an authentication failure is
// returned as an error.
func (c *AdminClient) FindUserByID(ctx context.Context, userID string) (*UserRepresentation, error) {
	var user UserRepresentation
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("users/%s", url.PathEscape(userID)), nil, &user)
	if err != nil {
		if apiErr, ok := err.(*apiError); ok && apiErr.notFound() {
			return nil, nil
		}
		if err := c.degrade("find user", err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &user, nil
}

// GetUserRoles returns the names of the user's realm-role mappings. Roles
// with a missing name are skipped. Directory failures degrade to an empty
// list.
func (c *AdminClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	var mappings []RoleRepresentation
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), nil, &mappings)
	if err != nil {
		if err := c.degrade("get user roles", err); err != nil {
			return nil, err
		}
		return []string{}, nil
	}

	names := make([]string, 0, len(mappings))
	for _, r := range mappings {
		if r.Name != nil && *r.Name != "" {
			names = append(names, *r.Name)
		}
	}
	return names, nil
}

// UserHasRole reports whether the user carries the named realm role.
func (c *AdminClient) UserHasRole(ctx context.Context, userID, role string) (bool, error) {
	roles, err := c.GetUserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// AddRoleToUser maps the named realm role onto the user. The role must exist
// in the realm catalog. Returns false (with a logged diagnostic) on any
// directory failure, including an unknown role name.
func (c *AdminClient) AddRoleToUser(ctx context.Context, userID, role string) (bool, error) {
	rep, err := c.findRealmRole(ctx, role)
	if err != nil {
		return false, err
	}
	if rep == nil {
		c.logger.Warn().Str("role", role).Msg("cannot add role: not in realm catalog")
		return false, nil
	}

	err = c.doJSON(ctx, http.MethodPost, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), []RoleRepresentation{*rep}, nil)
	if err != nil {
		if err := c.degrade("add role", err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RemoveRoleFromUser deletes the named realm-role mapping from the user.
func (c *AdminClient) RemoveRoleFromUser(ctx context.Context, userID, role string) (bool, error) {
	rep, err := c.findRealmRole(ctx, role)
	if err != nil {
		return false, err
	}
	if rep == nil {
		return false, nil
	}

	err = c.doJSON(ctx, http.MethodDelete, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), []RoleRepresentation{*rep}, nil)
	if err != nil {
		if err := c.degrade("remove role", err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateUserRoles replaces the user's realm-role mappings wholesale: every
// current mapping is removed, then mappings are added for each requested
// role found by exact name in the realm catalog. Unknown names are skipped.
func (c *AdminClient) UpdateUserRoles(ctx context.Context, userID string, roles []string) (bool, error) {
	var current []RoleRepresentation
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), nil, &current)
	if err != nil {
		if err := c.degrade("update roles: read current", err); err != nil {
			return false, err
		}
		return false, nil
	}

	if len(current) > 0 {
		err = c.doJSON(ctx, http.MethodDelete, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), current, nil)
		if err != nil {
			if err := c.degrade("update roles: clear current", err); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	catalog, err := c.listRealmRoles(ctx)
	if err != nil {
		return false, err
	}

	var toAdd []RoleRepresentation
	for _, name := range roles {
		for _, rep := range catalog {
			if rep.Name != nil && *rep.Name == name {
				toAdd = append(toAdd, rep)
				break
			}
		}
	}

	if len(toAdd) == 0 {
		return true, nil
	}

	err = c.doJSON(ctx, http.MethodPost, c.adminURL("users/%s/role-mappings/realm", url.PathEscape(userID)), toAdd, nil)
	if err != nil {
		if err := c.degrade("update roles: add", err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// listRealmRoles fetches the full realm-role catalog. Directory failures
// degrade to an empty catalog.
func (c *AdminClient) listRealmRoles(ctx context.Context) ([]RoleRepresentation, error) {
	var catalog []RoleRepresentation
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("roles"), nil, &catalog)
	if err != nil {
		if err := c.degrade("list realm roles", err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return catalog, nil
}

// findRealmRole returns the catalog entry whose name matches exactly, or nil.
func (c *AdminClient) findRealmRole(ctx context.Context, name string) (*RoleRepresentation, error) {
	catalog, err := c.listRealmRoles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range catalog {
		if catalog[i].Name != nil && *catalog[i].Name == name {
			return &catalog[i], nil
		}
	}
	return nil, nil
}
