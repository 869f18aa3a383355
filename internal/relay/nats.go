package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/pkg/logger"
)

// NATSConfig 描述 NATS 连接参数。
type NATSConfig struct {
	URL            string
	Name           string
	Token          string
	User           string
	Password       string
	Subject        string
	QueueGroup     string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	BufferSize     int
}

// NATSQueue 通过 NATS 队列组订阅分发通知，同组内每条通知只投递给一个消费者。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	buffer  int
}

// NewNATSQueue 连接 NATS 服务器。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 NATS 失败")
	}
	return newNATSQueue(conn, cfg), nil
}

func newNATSQueue(conn *nats.Conn, cfg NATSConfig) *NATSQueue {
	q := &NATSQueue{conn: conn, subject: cfg.Subject, group: cfg.QueueGroup, buffer: cfg.BufferSize}
	if q.subject == "" {
		q.subject = DefaultTopic
	}
	if q.group == "" {
		q.group = "humanloop-workers"
	}
	if q.buffer <= 0 {
		q.buffer = 256
	}
	return q
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.Timeout(timeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish 发布一条通知。
func (q *NATSQueue) Publish(_ context.Context, notice Notice) error {
	if q.conn.IsClosed() {
		return errQueueClosed
	}
	body, err := notice.Encode()
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, body); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 发布通知失败")
	}
	return nil
}

// Consume 以队列组方式订阅主题。NATS core 不支持重投，可重试的失败会重新发布一次。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if q.conn.IsClosed() {
		return errQueueClosed
	}
	msgs := make(chan *nats.Msg, q.buffer)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 订阅失败")
	}
	defer sub.Unsubscribe()

	log := logger.Named("relay.nats")
	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					notice, err := Decode(msg.Data)
					if err != nil {
						log.Warn("丢弃无法解析的通知", slog.Any("error", err))
						continue
					}
					if handlerErr := handler(ctx, notice); shouldRequeue(handlerErr) {
						_ = q.conn.Publish(q.subject, msg.Data)
					}
				}
			}
		}()
	}
	for i := 0; i < workerCount; i++ {
		<-done
	}
	return ctx.Err()
}

// Close 排空并关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
	return nil
}

var _ Queue = (*NATSQueue)(nil)
