package app

import (
	"github.com/gin-gonic/gin"
)

// AllowAllHeaders はすべてのオリジン・ヘッダー・メソッドを許可するヘッダーを付与します。
// Builder.AfterRequest に渡して使います。
func AllowAllHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Methods", "*")
}

// hookWriter はヘッダーが書き込まれる直前に一度だけ fn を呼びます。
type hookWriter struct {
	gin.ResponseWriter
	ctx  *gin.Context
	fn   AfterRequestFunc
	done bool
}

func (w *hookWriter) before() {
	if w.done {
		return
	}
	w.done = true
	w.fn(w.ctx)
}

func (w *hookWriter) WriteHeader(code int) {
	w.before()
	w.ResponseWriter.WriteHeader(code)
}

func (w *hookWriter) WriteHeaderNow() {
	w.before()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *hookWriter) Write(data []byte) (int, error) {
	w.before()
	return w.ResponseWriter.Write(data)
}

func (w *hookWriter) WriteString(s string) (int, error) {
	w.before()
	return w.ResponseWriter.WriteString(s)
}

func afterRequestMiddleware(fn AfterRequestFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		w := &hookWriter{ResponseWriter: c.Writer, ctx: c, fn: fn}
		c.Writer = w
		c.Next()
		// ボディのないレスポンスは Gin が内部で直接書き込むため、ここで呼ぶ
		if !w.Written() {
			w.before()
		}
		c.Writer = w.ResponseWriter
	}
}
