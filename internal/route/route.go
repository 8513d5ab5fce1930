// Package route は URL プレフィックス単位でハンドラーをまとめるブループリントを提供します。
package route

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// ErrNilRoute は nil のルートを登録しようとした場合のエラーです。
	ErrNilRoute = errors.New("route is nil")
	// ErrSelfRegistration はルート自身を子として登録しようとした場合のエラーです。
	ErrSelfRegistration = errors.New("route cannot register itself")
	// ErrDuplicateName は同名の子ルートがすでに登録されている場合のエラーです。
	ErrDuplicateName = errors.New("route name already registered")
	// ErrCycle は登録によって循環が生じる場合のエラーです。
	ErrCycle = errors.New("route registration would create a cycle")
	// ErrDuplicatePath は同じメソッドとフルパスが複数回登録される場合のエラーです。
	ErrDuplicatePath = errors.New("route path already registered")
)

type handlerEntry struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// Endpoint はマウント後のメソッドとフルパスの組です。
type Endpoint struct {
	Method string
	Path   string
	Route  string
}

// Route は名前と URL プレフィックスを持つハンドラーの集合です。
type Route struct {
	name       string
	urlPrefix  string
	middleware []gin.HandlerFunc
	entries    []handlerEntry
	children   []*Route
}

// New はルートを作成し、"/" に挨拶用のインデックスハンドラーを登録します。
func New(name, urlPrefix string) *Route {
	r := &Route{
		name:      name,
		urlPrefix: urlPrefix,
	}
	r.GET("/", r.index)
	return r
}

func (r *Route) index(c *gin.Context) {
	c.String(http.StatusOK, "Hello From: %s", r.name)
}

// Name はルート名を返します。
func (r *Route) Name() string {
	return r.name
}

// URLPrefix は登録時に使用される URL プレフィックスを返します。
func (r *Route) URLPrefix() string {
	return r.urlPrefix
}

// Use はルート配下すべてに適用されるミドルウェアを追加します。
func (r *Route) Use(middleware ...gin.HandlerFunc) *Route {
	r.middleware = append(r.middleware, middleware...)
	return r
}

// Handle は任意のメソッドでハンドラーを登録します。
// 同じメソッドとパスが既に登録されている場合は置き換えます。
func (r *Route) Handle(method, relativePath string, handlers ...gin.HandlerFunc) *Route {
	method = strings.ToUpper(method)
	for i, e := range r.entries {
		if e.method == method && e.path == relativePath {
			r.entries[i].handlers = handlers
			return r
		}
	}
	r.entries = append(r.entries, handlerEntry{
		method:   method,
		path:     relativePath,
		handlers: handlers,
	})
	return r
}

// GET は GET ハンドラーを登録します。
func (r *Route) GET(relativePath string, handlers ...gin.HandlerFunc) *Route {
	return r.Handle(http.MethodGet, relativePath, handlers...)
}

// POST は POST ハンドラーを登録します。
func (r *Route) POST(relativePath string, handlers ...gin.HandlerFunc) *Route {
	return r.Handle(http.MethodPost, relativePath, handlers...)
}

// PUT は PUT ハンドラーを登録します。
func (r *Route) PUT(relativePath string, handlers ...gin.HandlerFunc) *Route {
	return r.Handle(http.MethodPut, relativePath, handlers...)
}

// PATCH は PATCH ハンドラーを登録します。
func (r *Route) PATCH(relativePath string, handlers ...gin.HandlerFunc) *Route {
	return r.Handle(http.MethodPatch, relativePath, handlers...)
}

// DELETE は DELETE ハンドラーを登録します。
func (r *Route) DELETE(relativePath string, handlers ...gin.HandlerFunc) *Route {
	return r.Handle(http.MethodDelete, relativePath, handlers...)
}

// Register は子ルートを自身のプレフィックス配下に登録します。
func (r *Route) Register(child *Route) error {
	if child == nil {
		return ErrNilRoute
	}
	if child == r {
		return ErrSelfRegistration
	}
	for _, existing := range r.children {
		if existing.name == child.name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, child.name)
		}
	}
	if child.contains(r) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, r.name, child.name)
	}
	// 子のインデックス "/" は prefix が "" や "/" だと親と同じパスになる
	endpoints := append(r.Endpoints(""), child.Endpoints(joinPaths("", r.urlPrefix))...)
	if err := checkDuplicates(endpoints); err != nil {
		return err
	}
	r.children = append(r.children, child)
	return nil
}

// Validate はツリー全体に同じメソッドとフルパスの組がないかを検査します。
// Register 後にハンドラーを追加した場合も Mount の前に検出できます。
func (r *Route) Validate() error {
	return checkDuplicates(r.Endpoints(""))
}

func checkDuplicates(endpoints []Endpoint) error {
	seen := make(map[string]string, len(endpoints))
	for _, e := range endpoints {
		key := e.Method + " " + e.Path
		if owner, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s (%s, %s)", ErrDuplicatePath, key, owner, e.Route)
		}
		seen[key] = e.Route
	}
	return nil
}

// Children は登録済みの子ルートを返します。
func (r *Route) Children() []*Route {
	out := make([]*Route, len(r.children))
	copy(out, r.children)
	return out
}

func (r *Route) contains(target *Route) bool {
	if r == target {
		return true
	}
	for _, child := range r.children {
		if child.contains(target) {
			return true
		}
	}
	return false
}

// Mount はルートツリーを Gin のルーター（またはグループ）に展開します。
// 重複したパスがあると Gin が panic するため、先に Validate してください。
func (r *Route) Mount(router gin.IRouter) {
	group := router.Group(r.urlPrefix, r.middleware...)
	for _, e := range r.entries {
		group.Handle(e.method, e.path, e.handlers...)
	}
	for _, child := range r.children {
		child.Mount(group)
	}
}

// Endpoints は base を起点としたフルパスの一覧を返します。
func (r *Route) Endpoints(base string) []Endpoint {
	prefix := joinPaths(base, r.urlPrefix)
	out := make([]Endpoint, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Endpoint{
			Method: e.method,
			Path:   joinPaths(prefix, e.path),
			Route:  r.name,
		})
	}
	for _, child := range r.children {
		out = append(out, child.Endpoints(prefix)...)
	}
	return out
}

// joinPaths は gin の RouterGroup と同じ規則でパスを結合します。
func joinPaths(absolutePath, relativePath string) string {
	if relativePath == "" {
		if absolutePath == "" {
			return "/"
		}
		return absolutePath
	}
	finalPath := path.Join("/"+absolutePath, relativePath)
	if strings.HasSuffix(relativePath, "/") && !strings.HasSuffix(finalPath, "/") {
		return finalPath + "/"
	}
	return finalPath
}
