package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存任务状态，用于测试与单进程部署。
// 所有写操作在同一把互斥锁内完成，等价于逐行串行化事务。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	opts  storeOptions
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), opts: buildStoreOptions(opts)}
}

// AddTask 实现 Store 接口。
func (m *MemoryStore) AddTask(_ context.Context, id, taskType string, input json.RawMessage) (*Task, error) {
	if err := validateNewTask(id, taskType, input); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; ok {
		return nil, ErrAlreadyExists
	}
	now := m.opts.now().UnixMilli()
	task := &Task{
		ID:        id,
		Type:      taskType,
		Input:     cloneRaw(input),
		Status:    StatusNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[id] = task
	return cloneTask(task), nil
}

// GetTask 返回任务副本。
func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

// StartTask 领取 id 最小的可分配任务。
func (m *MemoryStore) StartTask(_ context.Context, assignee string) (*Task, error) {
	if assignee == "" {
		return nil, errMissingAssignee
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	var picked *Task
	for _, task := range m.tasks {
		if !task.Eligible(now, m.opts.leaseTimeout) {
			continue
		}
		if picked == nil || task.ID < picked.ID {
			picked = task
		}
	}
	if picked == nil {
		return nil, ErrNoTasksAvailable
	}

	hb := now
	picked.Status = StatusInProgress
	picked.Assignee = assignee
	picked.Heartbeat = &hb
	picked.UpdatedAt = now.UnixMilli()
	return cloneTask(picked), nil
}

// HeartbeatTask 刷新租约。
func (m *MemoryStore) HeartbeatTask(_ context.Context, id, assignee string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.leasedLocked(id, assignee)
	if err != nil {
		return nil, err
	}
	now := m.opts.now()
	task.Heartbeat = &now
	task.UpdatedAt = now.UnixMilli()
	return cloneTask(task), nil
}

// CompleteTask 写入输出并把任务标记为完成。
func (m *MemoryStore) CompleteTask(_ context.Context, id, assignee string, output json.RawMessage) (*Task, error) {
	if err := validateOutput(output); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.leasedLocked(id, assignee)
	if err != nil {
		return nil, err
	}
	task.Status = StatusCompleted
	task.Output = cloneRaw(output)
	task.UpdatedAt = m.opts.now().UnixMilli()
	return cloneTask(task), nil
}

func (m *MemoryStore) leasedLocked(id, assignee string) (*Task, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != StatusInProgress {
		return nil, ErrNotStarted
	}
	if assignee != "" && task.Assignee != assignee {
		return nil, ErrNotStarted
	}
	return task, nil
}

// ListTasks 返回符合过滤条件的任务。
func (m *MemoryStore) ListTasks(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch opts.Order {
		case SortByUpdatedDesc:
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt > b.UpdatedAt
			}
		case SortByUpdatedAsc:
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt < b.UpdatedAt
			}
		}
		return a.ID < b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.opts.now()
	var stats TaskStats
	for _, task := range m.tasks {
		stale := task.Status == StatusInProgress && task.Eligible(now, m.opts.leaseTimeout)
		stats.add(task, stale)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
