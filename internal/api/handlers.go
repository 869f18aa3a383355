package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/observability/alerting"
	"HumanLoop/internal/relay"
	"HumanLoop/internal/task"
)

const maxBodyBytes = 1 << 20

var (
	errRateLimited     = xerrors.New(xerrors.CodeRateLimited, "too many requests")
	errMissingAssignee = xerrors.New(xerrors.CodeInvalidArgument, "assignee 参数不能为空")
	errInvalidOutput   = xerrors.New(xerrors.CodeInvalidArgument, "请求体必须是合法的 JSON")
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	assignee := strings.TrimSpace(r.URL.Query().Get("assignee"))
	if assignee == "" {
		writeError(w, errMissingAssignee)
		return
	}
	claimed, err := s.tasks.Start(r.Context(), assignee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	updated, err := s.tasks.Heartbeat(r.Context(), r.PathValue("taskId"), r.URL.Query().Get("assignee"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		writeError(w, errInvalidOutput)
		return
	}

	taskID := r.PathValue("taskId")
	completed, err := s.tasks.Complete(r.Context(), taskID, r.URL.Query().Get("assignee"), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}

	if s.producer != nil {
		notice := relay.NewNotice(completed.ID, completed.Output, time.UnixMilli(completed.UpdatedAt))
		if pubErr := s.producer.Publish(r.Context(), notice); pubErr != nil {
			wrapped := xerrors.Wrap(CodeRelayFailure, pubErr, "任务已完成，但完成通知投递失败")
			s.logger.Error("投递完成通知失败", slog.String("task_id", completed.ID), slog.Any("error", pubErr))
			s.emitAlert(r, completed.ID, wrapped)
			writeError(w, wrapped)
			return
		}
	}
	writeJSON(w, http.StatusOK, completed)
}

type listResponse struct {
	Tasks  []*task.Task `json:"tasks"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []task.ListOption{
		task.WithType(query.Get("type")),
		task.WithAssignee(query.Get("assignee")),
		task.WithSortOrder(task.ParseSortOrder(query.Get("order"))),
	}

	if statuses := parseStatuses(query["status"]); len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	for _, param := range []struct {
		name  string
		apply func(int) task.ListOption
	}{
		{"limit", task.WithLimit},
		{"offset", task.WithOffset},
	} {
		raw := query.Get(param.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, param.name+" 必须是非负整数"))
			return
		}
		opts = append(opts, param.apply(n))
	}

	options := task.BuildListOptions(opts...)
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Limit: options.Limit, Offset: options.Offset})
}

func parseStatuses(values []string) []task.Status {
	var statuses []task.Status
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, task.Status(part))
			}
		}
	}
	return statuses
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Get(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": xerrors.CodeOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": stats})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || (len(bytes.TrimSpace(body)) > 0 && !json.Valid(body)) {
		writeError(w, errInvalidOutput)
		return
	}
	run, err := s.runner.Start(r.Context(), r.PathValue("name"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(r.PathValue("runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) emitAlert(r *http.Request, taskID string, cause error) {
	if s.alerter == nil {
		return
	}
	event := alerting.EventFromError(taskID, cause, map[string]string{"path": r.URL.Path})
	if err := s.alerter.Notify(r.Context(), event); err != nil {
		s.logger.Warn("发送告警失败", slog.Any("error", err))
	}
}
