package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Code         string `json:"code"`
}

func newAuthRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	m := newTestManager(t, NewMemoryBlocklist())
	h := NewCredentialsHandler(m, "admin", string(hash))

	router := gin.New()
	router.POST("/login", h.Login)
	router.POST("/refresh", m.RequireRefreshJWT(), h.Refresh)
	router.POST("/logout", m.RequireJWT(), h.Logout)
	router.GET("/me", m.RequireJWT(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identity": Identity(c)})
	})
	router.GET("/fresh", m.RequireFreshJWT(), func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/optional", m.OptionalJWT(), func(c *gin.Context) {
		c.String(http.StatusOK, Identity(c))
	})
	return router, m
}

func doJSON(router *gin.Engine, method, target, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v body=%s", err, rec.Body.String())
	}
	return resp
}

func TestLoginRefreshLogout(t *testing.T) {
	router, _ := newAuthRouter(t)

	rec := doJSON(router, http.MethodPost, "/login", "", gin.H{"username": "admin", "password": "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	tokens := decodeTokens(t, rec)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens: %#v", tokens)
	}

	rec = doJSON(router, http.MethodGet, "/me", tokens.AccessToken, nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"admin"`)) {
		t.Fatalf("unexpected /me response: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(router, http.MethodGet, "/fresh", tokens.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected login token to be fresh: %d", rec.Code)
	}

	// リフレッシュトークンはアクセストークンとして使えない
	if rec := doJSON(router, http.MethodGet, "/me", tokens.RefreshToken, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status for refresh token on /me: %d", rec.Code)
	}

	rec = doJSON(router, http.MethodPost, "/refresh", tokens.RefreshToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d body=%s", rec.Code, rec.Body.String())
	}
	refreshed := decodeTokens(t, rec)
	if refreshed.AccessToken == "" {
		t.Fatal("expected refreshed access token")
	}
	if rec := doJSON(router, http.MethodGet, "/fresh", refreshed.AccessToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected refreshed token to be non-fresh: %d", rec.Code)
	}

	if rec := doJSON(router, http.MethodPost, "/logout", tokens.AccessToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected logout status: %d", rec.Code)
	}
	rec = doJSON(router, http.MethodGet, "/me", tokens.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized || decodeTokens(t, rec).Code != "TOKEN_REVOKED" {
		t.Fatalf("expected revoked token to be rejected: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginLockout(t *testing.T) {
	router, _ := newAuthRouter(t)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := doJSON(router, http.MethodPost, "/login", "", gin.H{"username": "admin", "password": "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: unexpected status %d", i, rec.Code)
		}
	}

	rec := doJSON(router, http.MethodPost, "/login", "", gin.H{"username": "admin", "password": "s3cret"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestLoginInvalidInput(t *testing.T) {
	router, _ := newAuthRouter(t)
	rec := doJSON(router, http.MethodPost, "/login", "", gin.H{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestMiddlewareTokenSources(t *testing.T) {
	router, m := newAuthRouter(t)

	rec := doJSON(router, http.MethodGet, "/me", "", nil)
	if rec.Code != http.StatusUnauthorized || decodeTokens(t, rec).Code != "AUTHORIZATION_REQUIRED" {
		t.Fatalf("unexpected response without token: %d %s", rec.Code, rec.Body.String())
	}

	token, err := m.CreateAccessToken("bob", false, nil)
	if err != nil {
		t.Fatalf("CreateAccessToken returned error: %v", err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected non-bearer scheme to be rejected: %d", rec.Code)
	}

	rec = doJSON(router, http.MethodGet, "/optional", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("unexpected optional response without token: %d %q", rec.Code, rec.Body.String())
	}
	rec = doJSON(router, http.MethodGet, "/optional", token, nil)
	if rec.Body.String() != "bob" {
		t.Fatalf("unexpected optional identity: %q", rec.Body.String())
	}
	rec = doJSON(router, http.MethodGet, "/optional", "garbage", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected invalid optional token to be rejected: %d", rec.Code)
	}
}
