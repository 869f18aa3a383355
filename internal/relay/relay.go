package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "HumanLoop/internal/errors"
)

// Notice 表示网关写入任务结果后发出的完成通知。
//
// 通知的接收方是 ID 与 TaskID 相同的协调者 actor。
type Notice struct {
	TaskID      string          `json:"task_id"`
	Output      json.RawMessage `json:"output"`
	CompletedAt int64           `json:"completed_at"`
}

// NewNotice 构造一条完成通知。
func NewNotice(taskID string, output json.RawMessage, completedAt time.Time) Notice {
	return Notice{TaskID: taskID, Output: output, CompletedAt: completedAt.UnixMilli()}
}

// Encode 将通知序列化为消息体。
func (n Notice) Encode() ([]byte, error) {
	if strings.TrimSpace(n.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "通知缺少 task_id")
	}
	return json.Marshal(n)
}

// Decode 解析消息体。
func Decode(body []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(body, &n); err != nil {
		return Notice{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析完成通知失败", xerrors.WithRetryable(false))
	}
	if strings.TrimSpace(n.TaskID) == "" {
		return Notice{}, xerrors.New(xerrors.CodeQueueFailure, "完成通知缺少 task_id", xerrors.WithRetryable(false))
	}
	return n, nil
}

// Handler 处理一条完成通知。返回可重试的错误时驱动会尝试重新投递。
type Handler func(ctx context.Context, notice Notice) error

// Producer 负责投递完成通知。
type Producer interface {
	Publish(ctx context.Context, notice Notice) error
	Close() error
}

// Consumer 负责消费完成通知。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverNATS     = "nats"
)

// DefaultTopic 是各驱动默认使用的队列或主题名。
const DefaultTopic = "humanloop.completions"

// shouldRequeue 判断处理失败的通知是否需要重新投递。
func shouldRequeue(err error) bool {
	return err != nil && xerrors.RetryableError(err)
}
