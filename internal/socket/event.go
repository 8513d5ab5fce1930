// Package socket は WebSocket 上の名前空間とイベントの登録・配信を提供します。
//
// クライアントとの間では {"event": "...", "data": ...} 形式の JSON テキストフレームをやり取りします。
package socket

import (
	"encoding/json"
	"strings"
)

// 予約済みイベント名
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Event は名前空間とイベント名の組です。
type Event struct {
	Namespace string
	Name      string
}

// Handle はイベント受信時に呼ばれる関数です。
// connect / disconnect では data は nil になります。
type Handle func(c *Conn, data json.RawMessage) error

// Handler は名前空間・イベント名と処理をまとめたものです。
type Handler struct {
	Event     string
	Namespace string
	Handle    Handle
}

// Target は Handler が受け持つ Event を返します。
func (h Handler) Target() Event {
	return Event{Namespace: h.Namespace, Name: h.Event}
}

// Frame はワイヤー上のメッセージです。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload は error イベントで送るデータです。
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func normalizeNamespace(ns string) string {
	return strings.Trim(ns, "/")
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
