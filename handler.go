package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiosklabs/kiosk-oauth/security"
	"github.com/kiosklabs/kiosk-oauth/storage"
)

// UserAuthenticator resolves the end user behind an authorization request.
// It returns the user ID and whether a user is signed in; the surrounding
// application owns sessions, so the handler only asks.
type UserAuthenticator func(r *http.Request) (userID string, ok bool)

// Handler exposes the OAuth server over HTTP.
type Handler struct {
	server       *Server
	logger       *slog.Logger
	authenticate UserAuthenticator
	rateLimiter  *security.RateLimiter
}

// NewHandler creates an HTTP handler for server. authenticate is required:
// the authorization endpoint cannot issue codes without knowing the user.
func NewHandler(server *Server, authenticate UserAuthenticator) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if authenticate == nil {
		return nil, fmt.Errorf("user authenticator is required")
	}
	h := &Handler{
		server:       server,
		logger:       server.logger,
		authenticate: authenticate,
	}
	rl := server.config.RateLimit
	if rl.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(rl.Rate, rl.Burst, rl.CleanupInterval, server.logger)
	}
	return h, nil
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts every endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.instrument("/authorize", h.ServeAuthorize))
	mux.HandleFunc("/token", h.instrument("/token", h.ServeToken))
	mux.HandleFunc("/token/revoke", h.instrument("/token/revoke", h.ServeRevoke))
	mux.HandleFunc("/tokeninfo", h.instrument("/tokeninfo", h.ServeTokenInfo))
	mux.HandleFunc("/device", h.instrument("/device", h.ServeDeviceAuthorization))
	mux.HandleFunc("/par", h.instrument("/par", h.ServePushedAuthorization))
	mux.HandleFunc("/userinfo", h.instrument("/userinfo", h.ServeUserInfo))
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.instrument("/.well-known/oauth-authorization-server", h.ServeMetadata))
}

// instrument wraps an endpoint so every request lands in the HTTP metric
// instruments with its status and duration. Without metrics it is a
// pass-through.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := h.server.metrics
		if m == nil {
			next(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)
		m.RecordHTTPRequest(r.Context(), r.Method, endpoint, sw.status, elapsed)
	}
}

// statusWriter remembers the status code written to the response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ServeAuthorize handles the authorization endpoint (GET). Unauthenticated
// users are sent to the login page with the original URL as ?next=.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}

	userID, ok := h.authenticate(r)
	if !ok {
		login, err := url.Parse(h.server.config.LoginURL)
		if err != nil {
			h.writeOAuthError(w, r, ErrServerError("login redirect failed"))
			return
		}
		q := login.Query()
		q.Set("next", r.URL.String())
		login.RawQuery = q.Encode()
		http.Redirect(w, r, login.String(), http.StatusSeeOther)
		return
	}

	req, err := h.server.ValidateAuthorization(r.Context(), r.URL.Query(), true)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}
	redirect, err := h.server.CompleteAuthorization(r.Context(), req, userID)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// ServeToken handles the token endpoint (POST).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allowRequest(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}

	resp, err := h.server.Token(r.Context(), r.PostForm)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevoke handles token revocation (POST). The response is 200 with an
// empty body whether or not the token existed.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	at, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}
	if err := h.server.Revoke(r.Context(), at.ClientID, r.PostForm.Get("token")); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	security.SetSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenInfo handles token introspection (POST).
func (h *Handler) ServeTokenInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	token, ok := extractBearer(r)
	if !ok {
		h.writeOAuthError(w, r, ErrInvalidClient("bearer authentication required"))
		return
	}
	at, err := h.server.AuthenticateBearer(r.Context(), token)
	if err != nil {
		// The introspection caller authenticates as a client; a bad
		// bearer is a client authentication failure here.
		h.writeOAuthError(w, r, ErrInvalidClient("invalid bearer token"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}
	resp, err := h.server.Introspect(r.Context(), at.ClientID, r.PostForm.Get("token"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceAuthorization begins the device flow (POST).
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}
	resp, err := h.server.StartDeviceAuthorization(r.Context(), r.PostForm.Get("client_id"), r.PostForm.Get("scope"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServePushedAuthorization handles the PAR endpoint (POST).
func (h *Handler) ServePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allowRequest(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, ErrInvalidRequest("malformed request body"))
		return
	}
	resp, err := h.server.PushAuthorizationRequest(r.Context(), r.PostForm)
	if err != nil {
		// PAR responses never redirect, even for errors raised after
		// redirect validation.
		var ae *AuthorizationError
		if errors.As(err, &ae) {
			err = &ae.OAuthError
		}
		h.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store")
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeUserInfo serves the profile claims of the bearer's user (GET/POST),
// content-negotiated between JSON and a signed JWT.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	token, ok := extractBearer(r)
	if !ok {
		h.writeOAuthError(w, r, ErrAccessDenied("bearer authentication required"))
		return
	}
	info, at, err := h.server.UserInfo(r.Context(), token)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	accept := r.Header.Get("Accept")
	switch {
	case acceptsMediaType(accept, "application/jwt"):
		signed, err := h.server.SignUserInfo(info, at.ClientID)
		if err != nil {
			h.logger.Error("userinfo signing failed", "error", err)
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		security.SetSecurityHeaders(w)
		w.Header().Set("Content-Type", "application/jwt")
		fmt.Fprint(w, signed)
	case accept == "", acceptsMediaType(accept, "application/json"), acceptsMediaType(accept, "*/*"):
		h.writeJSON(w, http.StatusOK, info)
	default:
		security.SetSecurityHeaders(w)
		w.WriteHeader(http.StatusNotAcceptable)
	}
}

// ServeMetadata serves RFC 8414 authorization server metadata (GET).
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, r, ErrInvalidRequest("method not allowed"))
		return
	}
	issuer := h.server.config.Issuer

	var scopes []string
	if all, err := h.server.store.ListScopes(r.Context()); err == nil {
		for _, sc := range all {
			scopes = append(scopes, sc.ID)
		}
	}

	h.writeJSON(w, http.StatusOK, &AuthorizationServerMetadata{
		Issuer:                             issuer,
		AuthorizationEndpoint:              issuer + "/authorize",
		TokenEndpoint:                      issuer + "/token",
		DeviceAuthorizationEndpoint:        issuer + "/device",
		PushedAuthorizationRequestEndpoint: issuer + "/par",
		IntrospectionEndpoint:              issuer + "/tokeninfo",
		RevocationEndpoint:                 issuer + "/token/revoke",
		UserinfoEndpoint:                   issuer + "/userinfo",
		ScopesSupported:                    scopes,
		ResponseTypesSupported:             []string{ResponseTypeCode},
		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeClientCredentials,
			GrantTypeRefreshToken,
			GrantTypeDeviceCode,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
	})
}

// allowRequest applies per-IP rate limiting; it answers the request itself
// when the caller is over the limit.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	ip := security.ClientIP(r, h.server.config.RateLimit.TrustProxy)
	if h.rateLimiter.Allow(ip) {
		return true
	}
	h.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
	if h.server.auditor != nil {
		h.server.auditor.LogRateLimitExceeded(ip, r.URL.Path)
	}
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInvalidRequest,
		ErrorDescription: "too many requests",
	})
	return false
}

// bearerToken authenticates the request's bearer token, answering the
// request itself on failure.
func (h *Handler) bearerToken(w http.ResponseWriter, r *http.Request) (*storage.AccessToken, bool) {
	token, found := extractBearer(r)
	if !found {
		h.writeOAuthError(w, r, ErrAccessDenied("bearer authentication required"))
		return nil, false
	}
	tok, err := h.server.AuthenticateBearer(r.Context(), token)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return nil, false
	}
	return tok, true
}

// extractBearer pulls the token out of an Authorization: Bearer header.
func extractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// acceptsMediaType reports whether the Accept header lists mediaType.
func acceptsMediaType(accept, mediaType string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(part)
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if mt == mediaType {
			return true
		}
	}
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeOAuthError renders any error in the JSON wire shape with its fixed
// status. Non-protocol errors become server_error with no detail leaked.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := asOAuthError(err)
	security.SetSecurityHeaders(w)
	if oe.Status() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status())
	if encErr := json.NewEncoder(w).Encode(oe.Response()); encErr != nil {
		h.logger.Error("failed to encode error response", "error", encErr)
	}
}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

// writeAuthorizeError renders an authorization endpoint failure. Errors
// carrying a validated redirect URI go back to the client as query
// parameters; everything else is shown directly, as HTML when the agent
// asks for it, never as a redirect.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *AuthorizationError
	if errors.As(err, &ae) && ae.RedirectURI != "" {
		u, parseErr := url.Parse(ae.RedirectURI)
		if parseErr == nil {
			q := u.Query()
			q.Set("error", ae.Code)
			if ae.Description != "" {
				q.Set("error_description", ae.Description)
			}
			if ae.URI != "" {
				q.Set("error_uri", ae.URI)
			}
			if ae.State != "" {
				q.Set("state", ae.State)
			}
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.String(), http.StatusSeeOther)
			return
		}
	}

	oe := asOAuthError(err)
	if acceptsMediaType(r.Header.Get("Accept"), "text/html") {
		security.SetSecurityHeaders(w)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(oe.Status())
		_ = errorPageTemplate.Execute(w, struct {
			Title   string
			Message string
		}{
			Title:   oe.Code,
			Message: oe.Description,
		})
		return
	}
	h.writeOAuthError(w, r, oe)
}

// asOAuthError normalizes any error to a protocol error, downgrading
// nothing and leaking nothing: unexpected failures become a bare
// server_error.
func asOAuthError(err error) *OAuthError {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return &ae.OAuthError
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	return ErrServerError("internal error")
}
