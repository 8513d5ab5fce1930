package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrHubClosed は Close 後に操作した場合のエラーです。
var ErrHubClosed = errors.New("socket hub closed")

type namespace struct {
	handlers map[string]Handle
	conns    map[string]*Conn
}

// Hub はソケットルート配下の名前空間を管理します。
type Hub struct {
	root     string
	logger   *zap.Logger
	upgrader websocket.Upgrader
	broker   Broker
	identity func(*gin.Context) string

	mu         sync.RWMutex
	namespaces map[string]*namespace
	closed     bool

	cancel context.CancelFunc
}

// Option は Hub の設定関数です。
type Option func(*Hub)

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBroker は複数プロセス間で emit を共有するブローカーを設定します。
func WithBroker(b Broker) Option {
	return func(h *Hub) {
		h.broker = b
	}
}

// WithAllowedOrigins は接続を許可する Origin を設定します。
// 空または "*" を含む場合はすべて許可します。
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = originChecker(origins)
	}
}

// WithIdentity は接続時のリクエストからユーザー識別子を取り出す関数を設定します。
func WithIdentity(fn func(*gin.Context) string) Option {
	return func(h *Hub) {
		h.identity = fn
	}
}

// NewHub は root をルートとする Hub を作成します。
// ブローカーが設定されている場合は購読を開始します。
func NewHub(root string, opts ...Option) (*Hub, error) {
	root = normalizeNamespace(root)
	if root == "" {
		return nil, errors.New("socket root is required")
	}

	h := &Hub{
		root:   root,
		logger: zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
		namespaces: make(map[string]*namespace),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.broker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		if err := h.broker.Subscribe(ctx, h.deliver); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe socket broker: %w", err)
		}
		h.cancel = cancel
	}
	return h, nil
}

// Root はソケットルートを返します。
func (h *Hub) Root() string {
	return h.root
}

// Path は名前空間の URL パスを返します（例: /socket/chat）。
func (h *Hub) Path(ns string) string {
	ns = normalizeNamespace(ns)
	if ns == "" {
		return "/" + h.root
	}
	return "/" + h.root + "/" + ns
}

// RoutePattern は Gin に登録するパスパターンです。
func (h *Hub) RoutePattern() string {
	return "/" + h.root + "/*namespace"
}

// On はハンドラーを登録します。同じ名前空間とイベントの登録は置き換えます。
func (h *Hub) On(handler Handler) error {
	if strings.TrimSpace(handler.Event) == "" {
		return errors.New("socket event name is required")
	}
	if handler.Handle == nil {
		return errors.New("socket handle is nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	ns := h.namespaceLocked(normalizeNamespace(handler.Namespace))
	ns.handlers[handler.Event] = handler.Handle
	return nil
}

// Namespaces は登録済みの名前空間を返します。
func (h *Hub) Namespaces() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.namespaces))
	for name := range h.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ConnCount は名前空間に接続中のクライアント数を返します。
func (h *Hub) ConnCount(ns string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n, ok := h.namespaces[normalizeNamespace(ns)]; ok {
		return len(n.conns)
	}
	return 0
}

func (h *Hub) namespaceLocked(name string) *namespace {
	ns, ok := h.namespaces[name]
	if !ok {
		ns = &namespace{
			handlers: make(map[string]Handle),
			conns:    make(map[string]*Conn),
		}
		h.namespaces[name] = ns
	}
	return ns
}

// Emit は名前空間の全接続にイベントを送信します。
// ブローカーがある場合はブローカー経由で全プロセスに配信します。
func (h *Hub) Emit(ctx context.Context, ev Event, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode socket payload: %w", err)
	}
	env := Envelope{
		Namespace: normalizeNamespace(ev.Namespace),
		Event:     ev.Name,
		Data:      raw,
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	if h.broker != nil {
		return h.broker.Publish(ctx, env)
	}
	h.deliver(env)
	return nil
}

// deliver はこのプロセスに接続しているクライアントへ配信します。
func (h *Hub) deliver(env Envelope) {
	frame, err := encodeFrame(env.Event, env.Data)
	if err != nil {
		h.logger.Error("failed to encode socket frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	ns, ok := h.namespaces[env.Namespace]
	var targets []*Conn
	if ok {
		targets = make([]*Conn, 0, len(ns.conns))
		for _, c := range ns.conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(frame); err != nil {
			h.logger.Debug("socket emit skipped",
				zap.String("conn_id", c.id),
				zap.Error(err),
			)
		}
	}
}

// GinHandler は WebSocket へのアップグレードを行うハンドラーです。
// RoutePattern() のパスに GET で登録してください。
func (h *Hub) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := normalizeNamespace(c.Param("namespace"))

		h.mu.RLock()
		_, ok := h.namespaces[name]
		closed := h.closed
		h.mu.RUnlock()
		if closed {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SOCKET_CLOSED",
				"message": "ソケットは停止しています",
			})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NAMESPACE_NOT_FOUND",
				"message": fmt.Sprintf("名前空間 %s は登録されていません", h.Path(name)),
			})
			return
		}

		var identity string
		if h.identity != nil {
			identity = h.identity(c)
		}

		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrader がエラーレスポンスを書き込み済み
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := &Conn{
			id:         uuid.NewString(),
			namespace:  name,
			identity:   identity,
			remoteAddr: c.ClientIP(),
			hub:        h,
			ws:         ws,
			send:       make(chan []byte, sendBufferSize),
			done:       make(chan struct{}),
		}
		if !h.register(conn) {
			_ = ws.Close()
			return
		}
		go conn.writePump()

		h.logger.Debug("socket connected",
			zap.String("conn_id", conn.id),
			zap.String("namespace", h.Path(name)),
		)
		// connect ハンドラーが失敗した場合はエラーフレームを送って接続を拒否する
		if _, err := h.invoke(conn, EventConnect, nil); err != nil {
			h.unregister(conn)
			conn.Close()
			h.logger.Info("socket connection refused",
				zap.String("conn_id", conn.id),
				zap.String("namespace", h.Path(name)),
				zap.Error(err),
			)
			return
		}

		conn.readPump()

		h.unregister(conn)
		h.invoke(conn, EventDisconnect, nil)
		conn.Close()
		h.logger.Debug("socket disconnected",
			zap.String("conn_id", conn.id),
			zap.String("namespace", h.Path(name)),
		)
	}
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.namespaceLocked(c.namespace).conns[c.id] = c
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ns, ok := h.namespaces[c.namespace]; ok {
		delete(ns.conns, c.id)
	}
}

func (h *Hub) dispatch(c *Conn, message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
		c.emitError("INVALID_FRAME", errors.New("フレームは {\"event\": string, \"data\": any} 形式で送信してください"))
		return
	}
	switch frame.Event {
	case EventConnect, EventDisconnect:
		// クライアントから予約イベントは送れない
		c.emitError("RESERVED_EVENT", fmt.Errorf("イベント %s は予約されています", frame.Event))
		return
	}
	if handled, _ := h.invoke(c, frame.Event, frame.Data); !handled {
		h.logger.Debug("socket event has no handler",
			zap.String("namespace", h.Path(c.namespace)),
			zap.String("event", frame.Event),
		)
	}
}

// invoke は登録済みハンドラーを呼び出します。ハンドラーがなければ handled は false です。
// ハンドラーのエラーはクライアントへ通知したうえで返します。
func (h *Hub) invoke(c *Conn, event string, data json.RawMessage) (handled bool, err error) {
	h.mu.RLock()
	var handle Handle
	if ns, ok := h.namespaces[c.namespace]; ok {
		handle = ns.handlers[event]
	}
	h.mu.RUnlock()
	if handle == nil {
		return false, nil
	}

	if err = safeCall(handle, c, data); err != nil {
		h.logger.Warn("socket handler failed",
			zap.String("namespace", h.Path(c.namespace)),
			zap.String("event", event),
			zap.String("conn_id", c.id),
			zap.Error(err),
		)
		if event != EventDisconnect {
			c.emitError("HANDLER_ERROR", err)
		}
	}
	return true, err
}

func safeCall(handle Handle, c *Conn, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("socket handler panic: %v", r)
		}
	}()
	return handle(c, data)
}

// Close は全接続を閉じ、ブローカーの購読を停止します。
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []*Conn
	for _, ns := range h.namespaces {
		for _, c := range ns.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.broker != nil {
		return h.broker.Close()
	}
	return nil
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// ブラウザ以外のクライアント
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
