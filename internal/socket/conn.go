package socket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var (
	// ErrConnClosed は閉じた接続へ送信しようとした場合のエラーです。
	ErrConnClosed = errors.New("socket connection closed")
	// ErrSendBufferFull は送信キューが溢れた場合のエラーです。接続は閉じられます。
	ErrSendBufferFull = errors.New("socket send buffer full")
)

// Conn は名前空間に参加している 1 つの WebSocket 接続です。
type Conn struct {
	id         string
	namespace  string
	identity   string
	remoteAddr string

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// ID は接続ごとに割り当てられる一意な ID です。
func (c *Conn) ID() string {
	return c.id
}

// Namespace は接続先の名前空間です（ルートを含まない）。
func (c *Conn) Namespace() string {
	return c.namespace
}

// Identity は接続時に認証済みだったユーザーの識別子です。未認証の場合は空文字です。
func (c *Conn) Identity() string {
	return c.identity
}

// RemoteAddr は接続元アドレスです。
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Emit はこの接続だけにイベントを送信します。
func (c *Conn) Emit(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// Close は接続を閉じます。複数回呼んでも安全です。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.hub.logger.Warn("socket send buffer full, closing connection",
			zap.String("conn_id", c.id),
			zap.String("namespace", c.namespace),
		)
		c.Close()
		return ErrSendBufferFull
	}
}

func (c *Conn) emitError(code string, err error) {
	_ = c.Emit(EventError, ErrorPayload{Code: code, Message: err.Error()})
}

// readPump は受信したフレームをハンドラーへ渡します。接続が切れるまで戻りません。
func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("socket read error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
		c.hub.dispatch(c, message)
	}
}

// writePump は送信キューの内容を書き込み、定期的に ping を送ります。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// flush は Close 前に積まれていたフレームを書き込みます。
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
