package task

// TaskStats 聚合了任务状态的统计信息，供网关的 /stats 与健康检查使用。
type TaskStats struct {
	Total      int   `json:"total"`
	NotStarted int   `json:"not_started"`
	InProgress int   `json:"in_progress"`
	Completed  int   `json:"completed"`
	Stale      int   `json:"stale"`
	OldestOpen int64 `json:"oldest_open_created_at,omitempty"`
}

func (s *TaskStats) add(task *Task, stale bool) {
	s.Total++
	switch task.Status {
	case StatusNotStarted:
		s.NotStarted++
	case StatusInProgress:
		s.InProgress++
		if stale {
			s.Stale++
		}
	case StatusCompleted:
		s.Completed++
		return
	}
	if s.OldestOpen == 0 || task.CreatedAt < s.OldestOpen {
		s.OldestOpen = task.CreatedAt
	}
}
