package auth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// stateCookieName carries the CSRF state token between the authorize
// redirect and the provider callback.
const stateCookieName = "authz_state"

// RoleDirectory is the slice of the identity provider's admin API the role
// administration endpoints need.
type RoleDirectory interface {
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	UpdateUserRoles(ctx context.Context, userID string, roles []string) (bool, error)
	AddRoleToUser(ctx context.Context, userID, role string) (bool, error)
	RemoveRoleFromUser(ctx context.Context, userID, role string) (bool, error)
}

// Handler exposes the authorization flows over HTTP.
type Handler struct {
	orch   *Orchestrator
	engine *Engine
	mfa    *MFAManager
	roles  RoleDirectory
	logger zerolog.Logger
}

// NewHandler creates the HTTP surface for the authorization layer.
func NewHandler(orch *Orchestrator, engine *Engine, mfa *MFAManager, roles RoleDirectory, logger zerolog.Logger) *Handler {
	return &Handler{orch: orch, engine: engine, mfa: mfa, roles: roles, logger: logger}
}

// RegisterPublicRoutes registers the unauthenticated OAuth2/SMART endpoints.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.GET("/fhir/authorize", h.handleAuthorize)
	g.GET("/fhir/token", h.handleCallback)
	g.POST("/fhir/token", h.handleTokenExchange)
	g.POST("/fhir/launch", h.handleLaunch)
}

// RegisterProtectedRoutes registers endpoints that require an authenticated
// principal; the caller mounts them behind the JWT middleware.
func (h *Handler) RegisterProtectedRoutes(g *echo.Group) {
	g.POST("/mfa/setup", h.handleMFASetup)
	g.POST("/mfa/verify", h.handleMFAVerify)
	g.POST("/mfa/disable", h.handleMFADisable)
	g.GET("/mfa/status", h.handleMFAStatus)

	g.GET("/users/:id/roles", h.handleGetUserRoles)
	g.PUT("/users/:id/roles", h.handleUpdateUserRoles)
	g.POST("/users/:id/roles/:role", h.handleAddUserRole)
	g.DELETE("/users/:id/roles/:role", h.handleRemoveUserRole)
}

// handleAuthorize validates the authorization request and redirects the
// browser to the identity provider. The fresh CSRF state token is parked in
// a short-lived cookie for the callback to compare against.
func (h *Handler) handleAuthorize(c echo.Context) error {
	params := AuthorizeParams{
		ResponseType: c.QueryParam("response_type"),
		ClientID:     c.QueryParam("client_id"),
		RedirectURI:  c.QueryParam("redirect_uri"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
		Aud:          c.QueryParam("aud"),
		Launch:       c.QueryParam("launch"),
	}

	stateToken, err := GenerateStateToken()
	if err != nil {
		return h.writeError(c, NewError(KindUnavailable, "generating state token: %v", err))
	}

	authURL, err := h.orch.BuildAuthorizationURL(c.Request().Context(), params, stateToken, h.orch.CallbackURL(c.Request()))
	if err != nil {
		return h.writeError(c, err)
	}

	state := params.State
	if state == "" {
		state = stateToken
	}
	c.SetCookie(&http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(LaunchContextTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info().
		Str("client_id", params.ClientID).
		Str("flow_state", string(FlowInitiated)).
		Msg("authorization flow initiated")

	return c.Redirect(http.StatusFound, authURL)
}

// handleCallback receives the identity provider's redirect, validates the
// CSRF state against the parked cookie, and forwards the code to the
// client's own redirect URI.
func (h *Handler) handleCallback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		return c.JSON(http.StatusUnauthorized, &OAuthError{
			Code:        errCode,
			Description: c.QueryParam("error_description"),
		})
	}

	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        OAuthInvalidRequest,
			Description: "code is required",
		})
	}

	decoded := DecodeState(c.QueryParam("state"))
	if decoded == nil {
		return c.JSON(http.StatusUnauthorized, &OAuthError{
			Code:        OAuthInvalidGrant,
			Description: "state parameter is malformed",
		})
	}

	var stored string
	if cookie, err := c.Cookie(stateCookieName); err == nil {
		stored = cookie.Value
	}
	if err := ValidateStateToken(decoded.State, stored); err != nil {
		h.logger.Warn().
			Str("flow_state", string(FlowCallbackReceived)).
			Msg("state validation failed on callback")
		return c.JSON(http.StatusUnauthorized, &OAuthError{
			Code:        OAuthInvalidGrant,
			Description: "state validation failed",
		})
	}

	// Single use: the cookie dies with the callback.
	c.SetCookie(&http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	h.logger.Info().
		Str("flow_state", string(FlowStateValidated)).
		Msg("callback state validated")

	target, err := url.Parse(decoded.ClientRedirectURI)
	if err != nil || decoded.ClientRedirectURI == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        OAuthInvalidRequest,
			Description: "client redirect URI is invalid",
		})
	}

	q := target.Query()
	q.Set("code", code)
	q.Set("state", decoded.State)
	target.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, target.String())
}

// handleTokenExchange performs the code or refresh-token grant against the
// identity provider on the client's behalf.
func (h *Handler) handleTokenExchange(c echo.Context) error {
	clientID, _ := h.extractClientCredentials(c)

	params := TokenParams{
		GrantType:    c.FormValue("grant_type"),
		ClientID:     clientID,
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		RefreshToken: c.FormValue("refresh_token"),
	}

	result, err := h.orch.ExchangeToken(c.Request().Context(), params, h.orch.CallbackURL(c.Request()))
	if err != nil {
		if oauthErr, ok := err.(*OAuthError); ok {
			return c.JSON(oauthStatus(oauthErr), oauthErr)
		}
		return h.writeError(c, err)
	}

	h.logger.Info().
		Str("client_id", params.ClientID).
		Str("grant_type", params.GrantType).
		Str("flow_state", string(FlowTokensExchanged)).
		Msg("token exchange completed")

	return c.JSON(http.StatusOK, result)
}

// handleLaunch validates an EHR launch and stores the decoded context under
// its token for the authorization flow to consume.
func (h *Handler) handleLaunch(c echo.Context) error {
	params := LaunchParams{
		Iss:         c.FormValue("iss"),
		Launch:      c.FormValue("launch"),
		ClientID:    c.FormValue("client_id"),
		RedirectURI: c.FormValue("redirect_uri"),
		Scope:       c.FormValue("scope"),
	}

	ctx := c.Request().Context()
	if err := h.orch.ValidateLaunch(ctx, params); err != nil {
		return h.writeError(c, err)
	}

	lc, err := h.orch.ValidateAndDecodeLaunchToken(params.Launch)
	if err != nil {
		return h.writeError(c, err)
	}

	if err := h.orch.StoreLaunchContext(ctx, params.Launch, lc); err != nil {
		return h.writeError(c, err)
	}

	h.logger.Info().
		Str("client_id", params.ClientID).
		Str("flow_state", string(FlowContextStored)).
		Msg("launch context stored")

	return c.JSON(http.StatusOK, map[string]any{
		"launch":  params.Launch,
		"context": lc,
	})
}

// extractClientCredentials reads client_id and client_secret from HTTP Basic
// auth or the form body.
func (h *Handler) extractClientCredentials(c echo.Context) (string, string) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if ok && clientID != "" {
		return clientID, clientSecret
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}

// --- MFA endpoints ---

func (h *Handler) handleMFASetup(c echo.Context) error {
	p := PrincipalFromContext(c.Request().Context())
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var body struct {
		Label string `json:"label"`
	}
	if err := c.Bind(&body); err != nil {
		verr := &ValidationError{}
		return h.writeError(c, verr.add("body", "invalid request body"))
	}

	setup, err := h.mfa.Setup(c.Request().Context(), p.IdPUserID, body.Label)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, setup)
}

func (h *Handler) handleMFAVerify(c echo.Context) error {
	p := PrincipalFromContext(c.Request().Context())
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil {
		verr := &ValidationError{}
		return h.writeError(c, verr.add("body", "invalid request body"))
	}

	if err := h.mfa.VerifyAndEnable(c.Request().Context(), p.IdPUserID, body.Code); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": true})
}

func (h *Handler) handleMFADisable(c echo.Context) error {
	p := PrincipalFromContext(c.Request().Context())
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil {
		verr := &ValidationError{}
		return h.writeError(c, verr.add("body", "invalid request body"))
	}

	if err := h.mfa.Disable(c.Request().Context(), p.IdPUserID, body.Code); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": false})
}

func (h *Handler) handleMFAStatus(c echo.Context) error {
	p := PrincipalFromContext(c.Request().Context())
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	status, err := h.mfa.Status(c.Request().Context(), p.IdPUserID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// --- Role administration endpoints ---

// requireAdmin rejects principals without an administrator-equivalent role.
func (h *Handler) requireAdmin(c echo.Context) (*Principal, error) {
	p := PrincipalFromContext(c.Request().Context())
	if p == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if !p.HasRole("admin") {
		return nil, echo.NewHTTPError(http.StatusForbidden, "administrator role required")
	}
	return p, nil
}

func (h *Handler) handleGetUserRoles(c echo.Context) error {
	if _, err := h.requireAdmin(c); err != nil {
		return err
	}

	roles, err := h.roles.GetUserRoles(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"roles": roles})
}

func (h *Handler) handleUpdateUserRoles(c echo.Context) error {
	if _, err := h.requireAdmin(c); err != nil {
		return err
	}

	var body struct {
		Roles []string `json:"roles"`
	}
	if err := c.Bind(&body); err != nil {
		verr := &ValidationError{}
		return h.writeError(c, verr.add("body", "invalid request body"))
	}

	ok, err := h.roles.UpdateUserRoles(c.Request().Context(), c.Param("id"), body.Roles)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"updated": ok})
}

func (h *Handler) handleAddUserRole(c echo.Context) error {
	if _, err := h.requireAdmin(c); err != nil {
		return err
	}

	ok, err := h.roles.AddRoleToUser(c.Request().Context(), c.Param("id"), c.Param("role"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"added": ok})
}

func (h *Handler) handleRemoveUserRole(c echo.Context) error {
	if _, err := h.requireAdmin(c); err != nil {
		return err
	}

	ok, err := h.roles.RemoveRoleFromUser(c.Request().Context(), c.Param("id"), c.Param("role"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": ok})
}

// writeError renders a typed error as JSON with the matching HTTP status.
// Validation failures carry the full issue list.
func (h *Handler) writeError(c echo.Context, err error) error {
	if verr, ok := err.(*ValidationError); ok {
		return c.JSON(http.StatusBadRequest, verr)
	}
	if oauthErr, ok := err.(*OAuthError); ok {
		return c.JSON(oauthStatus(oauthErr), oauthErr)
	}

	status := http.StatusServiceUnavailable
	switch KindOf(err) {
	case KindValidation:
		status = http.StatusBadRequest
	case KindUnauthorized:
		status = http.StatusUnauthorized
	case KindForbidden:
		status = http.StatusForbidden
	case KindNotFound:
		status = http.StatusNotFound
	}

	msg := "internal error"
	if e, ok := err.(*Error); ok {
		msg = e.Message
	}
	if status == http.StatusServiceUnavailable {
		h.logger.Error().Err(err).Msg("request failed")
		msg = "service unavailable"
	}

	return c.JSON(status, map[string]string{"error": msg})
}

// oauthStatus maps OAuth2 error codes onto HTTP statuses: client and grant
// failures are 401, malformed requests 400, everything else 502.
func oauthStatus(e *OAuthError) int {
	switch e.Code {
	case OAuthInvalidClient, OAuthInvalidGrant:
		return http.StatusUnauthorized
	case OAuthInvalidRequest, OAuthUnsupportedGrantType:
		return http.StatusBadRequest
	case OAuthServerError:
		return http.StatusBadGateway
	default:
		return http.StatusUnauthorized
	}
}
