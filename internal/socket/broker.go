package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel は RedisBroker が既定で使用するチャンネル名です。
const DefaultChannel = "tjfu:socket"

// Envelope はブローカーを流れる emit 1 回分のメッセージです。
type Envelope struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Broker はプロセス間で emit を中継します。
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe は購読が確立してから戻り、以降のメッセージごとに fn を呼びます。
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

// RedisBroker は Redis Pub/Sub を使ったブローカーです。
type RedisBroker struct {
	rdb       redis.UniversalClient
	channel   string
	ownClient bool
	logger    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBroker は既存のクライアントを使うブローカーを作成します。クライアントは Close しません。
func NewRedisBroker(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
	}
}

// NewRedisBrokerFromURL は redis:// URL からブローカーを作成します。
func NewRedisBrokerFromURL(rawURL string, logger *zap.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket message queue url: %w", err)
	}
	b := NewRedisBroker(redis.NewClient(opt), DefaultChannel, logger)
	b.ownClient = true
	return b, nil
}

// Publish は Envelope をチャンネルへ送信します。
func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe はチャンネルを購読し、受信した Envelope を fn に渡します。
func (b *RedisBroker) Subscribe(ctx context.Context, fn func(Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return errors.New("broker already subscribed")
	}

	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.pubsub = ps

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("invalid socket broker message", zap.Error(err))
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

// Close は購読を停止します。URL から作成した場合はクライアントも閉じます。
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var errs []error
	if ps != nil {
		errs = append(errs, ps.Close())
	}
	b.wg.Wait()
	if b.ownClient {
		errs = append(errs, b.rdb.Close())
	}
	return errors.Join(errs...)
}
