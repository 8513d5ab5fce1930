package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/tjfu/internal/config"
	"github.com/yourusername/tjfu/internal/route"
	"github.com/yourusername/tjfu/internal/socket"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder().
		RootPath(t.TempDir()).
		IndexRoute(route.New("index", "/")).
		LogOutput(false)
}

func build(t *testing.T, b *Builder) *App {
	t.Helper()
	a, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func serve(a *App, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"index route is required", NewBuilder()},
		{"port out of range", NewBuilder().IndexRoute(route.New("index", "/")).HostPort(70000)},
		{"empty socket root", NewBuilder().IndexRoute(route.New("index", "/")).SocketRoot("/")},
		{"origins required", NewBuilder().IndexRoute(route.New("index", "/")).IgnoreCORS(false)},
		{"invalid default limits", NewBuilder().IndexRoute(route.New("index", "/")).DefaultLimits("many per day")},
		{"unsupported limiter storage", NewBuilder().IndexRoute(route.New("index", "/")).LimiterStorageURI("memcached://localhost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); err == nil {
				t.Fatal("expected Build() to fail")
			}
		})
	}
}

func TestIndexRouteAndChildren(t *testing.T) {
	index := route.New("index", "/")
	api := route.New("api", "/api").GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if err := index.Register(api); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	a := build(t, newTestBuilder(t).IndexRoute(index))

	rec := serve(a, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "Hello From: index" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(a, http.MethodGet, "/api/", nil)
	if rec.Body.String() != "Hello From: api" {
		t.Fatalf("GET /api/ = %q", rec.Body.String())
	}
	rec = serve(a, http.MethodGet, "/api/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/ping = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	t.Run("ignore cors allows every origin", func(t *testing.T) {
		a := build(t, newTestBuilder(t))
		rec := serve(a, http.MethodGet, "/", http.Header{"Origin": {"http://any.example"}})
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
		}
	})

	t.Run("allowed origins", func(t *testing.T) {
		a := build(t, newTestBuilder(t).IgnoreCORS(false).AllowedOrigins("http://app.example"))

		rec := serve(a, http.MethodGet, "/", http.Header{"Origin": {"http://app.example"}})
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
			t.Fatalf("Access-Control-Allow-Origin = %q", got)
		}
		rec = serve(a, http.MethodGet, "/", http.Header{"Origin": {"http://evil.example"}})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("disallowed origin status = %d, want 403", rec.Code)
		}
	})
}

func TestAfterRequestAllowAllHeaders(t *testing.T) {
	index := route.New("index", "/").
		DELETE("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	calls := 0
	a := build(t, newTestBuilder(t).IndexRoute(index).AfterRequest(func(c *gin.Context) {
		calls++
		AllowAllHeaders(c)
	}))

	for _, tc := range []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodDelete, "/items/1", http.StatusNoContent},
	} {
		calls = 0
		rec := serve(a, tc.method, tc.target, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s %s = %d, want %d", tc.method, tc.target, rec.Code, tc.want)
		}
		for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Headers", "Access-Control-Allow-Methods"} {
			if got := rec.Header().Get(h); got != "*" {
				t.Fatalf("%s %s: %s = %q, want *", tc.method, tc.target, h, got)
			}
		}
		if calls != 1 {
			t.Fatalf("%s %s: hook called %d times, want 1", tc.method, tc.target, calls)
		}
	}
}

func TestAfterRequestRunsOnPreflight(t *testing.T) {
	calls := 0
	a := build(t, newTestBuilder(t).AfterRequest(func(c *gin.Context) {
		calls++
		AllowAllHeaders(c)
	}))

	rec := serve(a, http.MethodOptions, "/", http.Header{
		"Origin":                        {"http://app.example"},
		"Access-Control-Request-Method": {http.MethodPost},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Headers", "Access-Control-Allow-Methods"} {
		if got := rec.Header().Get(h); got != "*" {
			t.Fatalf("preflight %s = %q, want *", h, got)
		}
	}
	if calls != 1 {
		t.Fatalf("hook called %d times, want 1", calls)
	}
}

func TestBuildRejectsDuplicatePaths(t *testing.T) {
	// Register を通った後に追加したハンドラーが子のインデックスと重なる
	index := route.New("index", "/")
	if err := index.Register(route.New("home", "/home")); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	index.GET("/home/", func(c *gin.Context) {})

	_, err := newTestBuilder(t).IndexRoute(index).Build()
	if !errors.Is(err, route.ErrDuplicatePath) {
		t.Fatalf("Build() error = %v, want ErrDuplicatePath", err)
	}
}

func TestBuildReportsRouteConflicts(t *testing.T) {
	// ソケットのワイルドカードと衝突するルートは panic ではなくエラーになる
	index := route.New("index", "/").GET("/socket/:name", func(c *gin.Context) {})

	_, err := newTestBuilder(t).IndexRoute(index).Build()
	if err == nil || !strings.Contains(err.Error(), "failed to mount routes") {
		t.Fatalf("Build() error = %v, want mount failure", err)
	}
}

func TestAfterRequestDisabledByDefault(t *testing.T) {
	a := build(t, newTestBuilder(t))
	rec := serve(a, http.MethodGet, "/", nil)
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "" {
		t.Fatalf("Access-Control-Allow-Headers = %q, want empty", got)
	}
}

func TestDefaultLimits(t *testing.T) {
	a := build(t, newTestBuilder(t).DefaultLimits("2 per minute"))

	for i := 0; i < 2; i++ {
		if rec := serve(a, http.MethodGet, "/", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := serve(a, http.MethodGet, "/", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header is missing")
	}
}

func TestLimitPerRoute(t *testing.T) {
	a := build(t, newTestBuilder(t))

	if _, err := a.Limit("lots"); err == nil {
		t.Fatal("expected invalid expression error")
	}

	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	limitA, err := a.Limit("1 per minute")
	if err != nil {
		t.Fatalf("Limit() error: %v", err)
	}
	limitB, err := a.Limit("1 per minute")
	if err != nil {
		t.Fatalf("Limit() error: %v", err)
	}
	a.Engine().GET("/a", limitA, ok)
	a.Engine().GET("/b", limitB, ok)

	if rec := serve(a, http.MethodGet, "/a", nil); rec.Code != http.StatusOK {
		t.Fatalf("first /a = %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/a", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second /a = %d, want 429", rec.Code)
	}
	// /b のカウンターは /a と独立している
	if rec := serve(a, http.MethodGet, "/b", nil); rec.Code != http.StatusOK {
		t.Fatalf("first /b = %d", rec.Code)
	}
}

func TestLimiterKeyFunc(t *testing.T) {
	a := build(t, newTestBuilder(t).
		DefaultLimits("1 per minute").
		LimiterKeyFunc(func(c *gin.Context) string { return c.GetHeader("X-API-Key") }))

	if rec := serve(a, http.MethodGet, "/", http.Header{"X-Api-Key": {"a"}}); rec.Code != http.StatusOK {
		t.Fatalf("key a = %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/", http.Header{"X-Api-Key": {"b"}}); rec.Code != http.StatusOK {
		t.Fatalf("key b = %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/", http.Header{"X-Api-Key": {"a"}}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key a again = %d, want 429", rec.Code)
	}
}

func TestJWT(t *testing.T) {
	a := build(t, newTestBuilder(t))
	if _, err := a.JWT(); !errors.Is(err, ErrJWTDisabled) {
		t.Fatalf("JWT() error = %v, want ErrJWTDisabled", err)
	}

	a = build(t, newTestBuilder(t).JWTSecretKey("test-secret").JWTAccessTokenExpires(time.Minute))
	m, err := a.JWT()
	if err != nil {
		t.Fatalf("JWT() error: %v", err)
	}
	if m.AccessTokenExpires() != time.Minute {
		t.Fatalf("AccessTokenExpires() = %v", m.AccessTokenExpires())
	}
	a.Engine().GET("/me", m.RequireJWT(), func(c *gin.Context) { c.Status(http.StatusOK) })

	if rec := serve(a, http.MethodGet, "/me", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token = %d, want 401", rec.Code)
	}
	token, err := m.CreateAccessToken("alice", false, nil)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}
	rec := serve(a, http.MethodGet, "/me", http.Header{"Authorization": {"Bearer " + token}})
	if rec.Code != http.StatusOK {
		t.Fatalf("with token = %d", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	index := route.New("index", "/").POST("/visit", func(c *gin.Context) {
		s := sessions.Default(c)
		s.Set("visited", true)
		if err := s.Save(); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})
	a := build(t, newTestBuilder(t).IndexRoute(index).SessionSecret("session-secret"))

	rec := serve(a, http.MethodPost, "/visit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), SessionCookieName+"=") {
		t.Fatalf("Set-Cookie = %q", rec.Header().Get("Set-Cookie"))
	}
}

func TestTemplatesAndStatic(t *testing.T) {
	root := t.TempDir()
	for name, body := range map[string]string{
		"templates/page.html": `<h1>{{ .title }}</h1>`,
		"assets/app.css":      `body{}`,
	} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	index := route.New("index", "/").GET("/page", func(c *gin.Context) {
		c.HTML(http.StatusOK, "page.html", gin.H{"title": "tjfu"})
	})
	a := build(t, newTestBuilder(t).RootPath(root).IndexRoute(index).StaticFolder("assets"))

	rec := serve(a, http.MethodGet, "/page", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "<h1>tjfu</h1>" {
		t.Fatalf("GET /page = %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(a, http.MethodGet, "/assets/app.css", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "body{}" {
		t.Fatalf("GET /assets/app.css = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSocketHandlerAndEmit(t *testing.T) {
	a := build(t, newTestBuilder(t).JWTSecretKey("test-secret"))
	m, err := a.JWT()
	if err != nil {
		t.Fatal(err)
	}

	hello := socket.Handler{Namespace: "chat", Event: socket.EventConnect, Handle: func(c *socket.Conn, _ json.RawMessage) error {
		return c.Emit("hello", c.Identity())
	}}
	notice := socket.Handler{Namespace: "chat", Event: "notice"}
	if err := a.RegisterSocketHandler(hello); err != nil {
		t.Fatalf("RegisterSocketHandler() error: %v", err)
	}
	if err := a.RegisterSocketHandler(notice); err == nil {
		t.Fatal("expected error for handler without Handle")
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	token, err := m.CreateAccessToken("alice", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket/chat?access_token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer ws.Close()

	read := func() socket.Frame {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f socket.Frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() error: %v", err)
		}
		return f
	}

	if f := read(); f.Event != "hello" || string(f.Data) != `"alice"` {
		t.Fatalf("connect frame = %s %s", f.Event, f.Data)
	}
	if err := a.Emit(context.Background(), notice, gin.H{"text": "hi"}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if f := read(); f.Event != "notice" || string(f.Data) != `{"text":"hi"}` {
		t.Fatalf("emitted frame = %s %s", f.Event, f.Data)
	}
}

func TestServeGracefulShutdown(t *testing.T) {
	a := build(t, newTestBuilder(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.serve(ctx, &http.Server{Handler: a.Handler(), ReadHeaderTimeout: time.Second}, ln)
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET / error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	err = a.Emit(context.Background(), socket.Handler{Namespace: "chat", Event: "x"}, nil)
	if !errors.Is(err, socket.ErrHubClosed) {
		t.Fatalf("Emit() after shutdown = %v, want ErrHubClosed", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		HostName:               "127.0.0.1",
		Port:                   9090,
		RootPath:               t.TempDir(),
		SocketRoot:             "ws",
		TemplateFolder:         "templates",
		StaticFolder:           "static",
		IgnoreCORS:             true,
		JWTSecretKey:           "secret",
		JWTAccessTokenExpires:  time.Hour,
		JWTRefreshTokenExpires: 2 * time.Hour,
		RateLimitStorageURI:    "memory://",
		GinMode:                gin.ReleaseMode,
	}
	a := build(t, FromConfig(cfg).IndexRoute(route.New("index", "/")))

	if a.Addr() != "127.0.0.1:9090" {
		t.Fatalf("Addr() = %q", a.Addr())
	}
	if a.Hub().Root() != "ws" {
		t.Fatalf("Hub().Root() = %q", a.Hub().Root())
	}
	m, err := a.JWT()
	if err != nil {
		t.Fatal(err)
	}
	if m.RefreshTokenExpires() != 2*time.Hour {
		t.Fatalf("RefreshTokenExpires() = %v", m.RefreshTokenExpires())
	}
}
