package relay

import (
	"context"
	"fmt"
	"strings"

	xerrors "HumanLoop/internal/errors"
)

// Options 汇总各驱动的配置，由 Open 根据 Driver 选择。
type Options struct {
	Driver     string
	BufferSize int
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	NATS       NATSConfig
}

// Open 按驱动名创建通知队列。
func Open(ctx context.Context, opts Options) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMemory:
		return NewMemoryQueue(opts.BufferSize), nil
	case DriverRedis:
		return NewRedisQueue(ctx, opts.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQQueue(opts.RabbitMQ)
	case DriverNATS:
		if opts.NATS.BufferSize == 0 {
			opts.NATS.BufferSize = opts.BufferSize
		}
		return NewNATSQueue(opts.NATS)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的通知队列驱动: %s", opts.Driver))
	}
}
