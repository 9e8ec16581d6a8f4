package idp

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// FindClientByID resolves a client by its public client identifier. The
// lookup is two-step: a query by clientId yields the internal id, then the
// full descriptor (redirect URIs, flow flags) is fetched by that id. Returns
// nil when either step finds nothing.
//
// The descriptor is never cached so that administrative changes to the
// client registration take effect immediately.
func (c *AdminClient) FindClientByID(ctx context.Context, clientID string) (*OAuthClientDescriptor, error) {
	var matches []OAuthClientDescriptor
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("clients?clientId=%s", url.QueryEscape(clientID)), nil, &matches)
	if err != nil {
		if err := c.degrade("find client", err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if len(matches) == 0 || matches[0].ID == "" {
		return nil, nil
	}

	var full OAuthClientDescriptor
	err = c.doJSON(ctx, http.MethodGet, c.adminURL("clients/%s", url.PathEscape(matches[0].ID)), nil, &full)
	if err != nil {
		if apiErr, ok := err.(*apiError); ok && apiErr.notFound() {
			return nil, nil
		}
		if err := c.degrade("fetch client detail", err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &full, nil
}

// ValidateRedirectURI reports whether the URI is registered for the client.
// A registered URI ending in "/*" matches any URI sharing that prefix;
// anything else must match exactly.
func (c *AdminClient) ValidateRedirectURI(ctx context.Context, clientID, uri string) (bool, error) {
	client, err := c.FindClientByID(ctx, clientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, nil
	}
	return MatchRedirectURI(client.RedirectURIs, uri), nil
}

// MatchRedirectURI checks a URI against a registered set, honoring the
// suffix-wildcard convention.
func MatchRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
		if strings.HasSuffix(r, "/*") && strings.HasPrefix(uri, strings.TrimSuffix(r, "*")) {
			return true
		}
	}
	return false
}
