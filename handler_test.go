package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kiosklabs/kiosk-oauth/instrumentation"
	"github.com/kiosklabs/kiosk-oauth/storage/memory"
)

// newTestHandler wires a handler whose user is whatever the X-Test-User
// header says.
func newTestHandler(t *testing.T) (*Handler, *Server, *memory.Store) {
	t.Helper()
	srv, store := newTestServer(t)
	h, err := NewHandler(srv, func(r *http.Request) (string, bool) {
		user := r.Header.Get("X-Test-User")
		return user, user != ""
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(h.Close)
	return h, srv, store
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestNewHandlerValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, err := NewHandler(nil, func(*http.Request) (string, bool) { return "", false }); err == nil {
		t.Error("expected error for nil server")
	}
	if _, err := NewHandler(srv, nil); err == nil {
		t.Error("expected error for nil authenticator")
	}
}

func TestServeToken(t *testing.T) {
	h, _, store := newTestHandler(t)
	seedConfidentialClient(t, store)

	t.Run("client credentials success", func(t *testing.T) {
		rec := postForm(t, h.ServeToken, "/token", clientCredentialsForm("read"))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Cache-Control = %q", got)
		}
		if got := rec.Header().Get("Pragma"); got != "no-cache" {
			t.Errorf("Pragma = %q", got)
		}
		var resp TokenResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.AccessToken == "" || resp.TokenType != "Bearer" || resp.Scope != "read" {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("error carries its fixed status", func(t *testing.T) {
		form := clientCredentialsForm("")
		form.Set("client_id", "nope")
		rec := postForm(t, h.ServeToken, "/token", form)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Errorf("WWW-Authenticate = %q", got)
		}
		if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %q", resp.Error)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/token", nil)
		rec := httptest.NewRecorder()
		h.ServeToken(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestServeAuthorize(t *testing.T) {
	h, _, store := newTestHandler(t)
	seedPublicClient(t, store)

	t.Run("unauthenticated user goes to login", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeParams("web-app").Encode(), nil)
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("status = %d", rec.Code)
		}
		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parse location: %v", err)
		}
		if loc.Path != "/login" {
			t.Errorf("redirect path = %q", loc.Path)
		}
		next := loc.Query().Get("next")
		if !strings.HasPrefix(next, "/authorize?") {
			t.Errorf("next = %q", next)
		}
	})

	t.Run("authenticated user gets a code", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeParams("web-app").Encode(), nil)
		req.Header.Set("X-Test-User", "user-1")
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parse location: %v", err)
		}
		if loc.Host != "app.example.com" || loc.Path != "/callback" {
			t.Errorf("redirect target = %q", loc.String())
		}
		if loc.Query().Get("code") == "" || loc.Query().Get("state") != "xyz" {
			t.Errorf("redirect query = %q", loc.RawQuery)
		}
	})

	t.Run("pre-redirect failure renders directly", func(t *testing.T) {
		params := authorizeParams("web-app")
		params.Set("redirect_uri", "https://evil.example.com/cb")
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
		req.Header.Set("X-Test-User", "user-1")
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400 with no redirect", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidRequest {
			t.Errorf("error = %q", resp.Error)
		}
	})

	t.Run("pre-redirect failure as HTML", func(t *testing.T) {
		params := authorizeParams("web-app")
		params.Del("redirect_uri")
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
		req.Header.Set("X-Test-User", "user-1")
		req.Header.Set("Accept", "text/html")
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("post-redirect failure is delivered on the redirect", func(t *testing.T) {
		params := authorizeParams("web-app")
		params.Set("response_type", "token")
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
		req.Header.Set("X-Test-User", "user-1")
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("status = %d", rec.Code)
		}
		loc, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parse location: %v", err)
		}
		if loc.Host != "app.example.com" {
			t.Errorf("redirect target = %q", loc.String())
		}
		if loc.Query().Get("error") != ErrorCodeUnsupportedResponseType {
			t.Errorf("error = %q", loc.Query().Get("error"))
		}
		if loc.Query().Get("state") != "xyz" {
			t.Errorf("state = %q", loc.Query().Get("state"))
		}
	})
}

func TestServePushedAuthorization(t *testing.T) {
	h, _, store := newTestHandler(t)
	seedPublicClient(t, store)

	rec := postForm(t, h.ServePushedAuthorization, "/par", authorizeParams("web-app"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	var resp PushedAuthorizationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.RequestURI, requestURIPrefix) || resp.ExpiresIn != 90 {
		t.Errorf("response = %+v", resp)
	}

	t.Run("stored request redeems at the authorization endpoint", func(t *testing.T) {
		q := url.Values{
			"client_id":    {"web-app"},
			"redirect_uri": {"https://app.example.com/callback"},
			"request_uri":  {resp.RequestURI},
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		req.Header.Set("X-Test-User", "user-1")
		rec := httptest.NewRecorder()
		h.ServeAuthorize(rec, req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		loc, _ := url.Parse(rec.Header().Get("Location"))
		if loc.Query().Get("code") == "" {
			t.Errorf("redirect query = %q", loc.RawQuery)
		}
	})

	// Errors at the PAR endpoint never redirect, even ones raised after
	// redirect validation.
	t.Run("post-redirect failure stays direct", func(t *testing.T) {
		params := authorizeParams("web-app")
		params.Set("scope", "read admin")
		rec := postForm(t, h.ServePushedAuthorization, "/par", params)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400 with no redirect", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidScope {
			t.Errorf("error = %q", resp.Error)
		}
	})
}

func TestServeRevokeAndTokenInfo(t *testing.T) {
	h, srv, store := newTestHandler(t)
	seedConfidentialClient(t, store)
	ctx := context.Background()

	resp, err := srv.Token(ctx, clientCredentialsForm(""))
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	other, err := srv.Token(ctx, clientCredentialsForm(""))
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	t.Run("revoke returns 200 with empty body", func(t *testing.T) {
		form := url.Values{"token": {other.RefreshToken}}
		req := httptest.NewRequest(http.MethodPost, "/token/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		rec := httptest.NewRecorder()
		h.ServeRevoke(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body = %q, want empty", rec.Body)
		}
	})

	t.Run("revoke without bearer", func(t *testing.T) {
		rec := postForm(t, h.ServeRevoke, "/token/revoke", url.Values{"token": {"x"}})
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("introspect active token", func(t *testing.T) {
		form := url.Values{"token": {resp.AccessToken}}
		req := httptest.NewRequest(http.MethodPost, "/tokeninfo", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		rec := httptest.NewRecorder()
		h.ServeTokenInfo(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		var info IntrospectionResponse
		if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !info.Active || info.ClientID != "backend-service" {
			t.Errorf("response = %+v", info)
		}
	})

	t.Run("introspect without bearer", func(t *testing.T) {
		rec := postForm(t, h.ServeTokenInfo, "/tokeninfo", url.Values{"token": {resp.AccessToken}})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
		if got := decodeError(t, rec); got.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %q", got.Error)
		}
	})
}

func TestServeUserInfo(t *testing.T) {
	h, srv, store := newTestHandler(t)
	seedPublicClient(t, store)
	ctx := context.Background()

	mintAuthorizationCode(t, store, "code-handler-userinfo", "web-app", "user-1")
	resp, err := srv.Token(ctx, codeGrantForm("code-handler-userinfo"))
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	get := func(accept string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		rec := httptest.NewRecorder()
		h.ServeUserInfo(rec, req)
		return rec
	}

	t.Run("json by default", func(t *testing.T) {
		rec := get("")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		var info UserInfoResponse
		if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if info.Subject != "user-1" || info.Name != "Ada" {
			t.Errorf("response = %+v", info)
		}
	})

	t.Run("jwt on request", func(t *testing.T) {
		rec := get("application/jwt")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/jwt" {
			t.Errorf("Content-Type = %q", ct)
		}
		if parts := strings.Split(rec.Body.String(), "."); len(parts) != 3 {
			t.Errorf("body is not a compact JWT: %q", rec.Body)
		}
	})

	t.Run("unsupported media type", func(t *testing.T) {
		rec := get("text/csv")
		if rec.Code != http.StatusNotAcceptable {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("without bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		rec := httptest.NewRecorder()
		h.ServeUserInfo(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestServeDeviceAuthorization(t *testing.T) {
	h, _, store := newTestHandler(t)
	seedPublicClient(t, store)

	form := url.Values{"client_id": {"web-app"}, "scope": {"read"}}
	rec := postForm(t, h.ServeDeviceAuthorization, "/device", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp DeviceAuthorizationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceCode == "" || resp.UserCode == "" || resp.Interval != 5 {
		t.Errorf("response = %+v", resp)
	}
}

func TestServeMetadata(t *testing.T) {
	h, _, store := newTestHandler(t)
	seedPublicClient(t, store)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	h.ServeMetadata(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.ScopesSupported) != 2 {
		t.Errorf("scopes_supported = %v", meta.ScopesSupported)
	}
	if len(meta.GrantTypesSupported) != 4 {
		t.Errorf("grant_types_supported = %v", meta.GrantTypesSupported)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
	}
}

func TestRateLimiting(t *testing.T) {
	srv, store := newTestServer(t)
	seedConfidentialClient(t, store)
	srv.config.RateLimit = RateLimitConfig{Rate: 1, Burst: 1}

	h, err := NewHandler(srv, func(*http.Request) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	defer h.Close()

	first := postForm(t, h.ServeToken, "/token", clientCredentialsForm(""))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	second := postForm(t, h.ServeToken, "/token", clientCredentialsForm(""))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"plain", "Bearer abc123", "abc123", true},
		{"case insensitive scheme", "bearer abc123", "abc123", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic abc123", "", false},
		{"empty token", "Bearer ", "", false},
		{"scheme only", "Bearer", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := extractBearer(req)
			if got != tt.want || ok != tt.ok {
				t.Errorf("extractBearer(%q) = %q, %v", tt.header, got, ok)
			}
		})
	}
}

func TestAcceptsMediaType(t *testing.T) {
	tests := []struct {
		accept string
		media  string
		want   bool
	}{
		{"application/json", "application/json", true},
		{"application/jwt, application/json", "application/jwt", true},
		{"application/json;q=0.9", "application/json", true},
		{"text/html,application/xhtml+xml", "text/html", true},
		{"application/json", "application/jwt", false},
		{"", "application/json", false},
	}
	for _, tt := range tests {
		if got := acceptsMediaType(tt.accept, tt.media); got != tt.want {
			t.Errorf("acceptsMediaType(%q, %q) = %v", tt.accept, tt.media, got)
		}
	}
}

func TestHandlerRecordsRequestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:       true,
		MeterProvider: provider,
	})
	if err != nil {
		t.Fatalf("instrumentation.New: %v", err)
	}

	h, srv, _ := newTestHandler(t)
	srv.SetMetrics(inst.Metrics())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var sawCount, sawDuration bool
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "oauth.http.requests.total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
					t.Errorf("requests.total data = %+v", m.Data)
				}
				sawCount = true
			case "oauth.http.request.duration":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
					t.Errorf("request.duration data = %+v", m.Data)
				}
				sawDuration = true
			}
		}
	}
	if !sawCount {
		t.Error("request counter was not recorded")
	}
	if !sawDuration {
		t.Error("request duration was not recorded")
	}
}
