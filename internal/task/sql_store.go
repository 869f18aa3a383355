package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/pkg/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// SQLConfig 描述 SQL 任务存储的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// dialect 收敛 SQLite 与 MySQL 之间的差异：行锁子句和主键冲突判定。
type dialect struct {
	name       string
	driver     string
	claimLock  string
	rowLock    string
	isConflict func(error) bool
}

var dialects = map[string]dialect{
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite3",
		isConflict: func(err error) bool {
			var sqliteErr sqlite3.Error
			return stdErrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
		},
	},
	"mysql": {
		name:      "mysql",
		driver:    "mysql",
		claimLock: " FOR UPDATE SKIP LOCKED",
		rowLock:   " FOR UPDATE",
		isConflict: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
}

// SQLStore 使用 database/sql 记录任务状态，支持 SQLite 与 MySQL。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	opts    storeOptions
	logger  *slog.Logger
}

// NewSQLStore 打开数据库、执行迁移并返回存储实例。
func NewSQLStore(ctx context.Context, cfg SQLConfig, opts ...StoreOption) (*SQLStore, error) {
	d, ok := lookupDialect(cfg.Driver)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的任务存储驱动: %s", cfg.Driver))
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务存储 DSN 不能为空")
	}
	if d.name == "sqlite" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开任务数据库失败")
	}
	configurePool(db, d, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到任务数据库")
	}

	store := newSQLStore(db, d, opts)
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务表失败")
	}
	return store, nil
}

func newSQLStore(db *sql.DB, d dialect, opts []StoreOption) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: d,
		opts:    buildStoreOptions(opts),
		logger:  logger.Named("task.sql"),
	}
}

func lookupDialect(driver string) (dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return dialects["sqlite"], true
	case "mysql":
		return dialects["mysql"], true
	default:
		return dialect{}, false
	}
}

// sqliteDSN 补齐写事务立即加锁、忙等待与 WAL 参数，使 StartTask 的读-改-写串行化。
func sqliteDSN(dsn string) string {
	params := []string{"_txlock=immediate", "_busy_timeout=5000", "_journal_mode=WAL"}
	for _, param := range params {
		key := param[:strings.IndexByte(param, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	return dsn
}

func configurePool(db *sql.DB, d dialect, cfg SQLConfig) {
	if d.name == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, type, input, output, assignee, status, heartbeat, created_at, updated_at`

// eligibleClause 与 Task.Eligible 保持一致：completed 行永远不会匹配。
const eligibleClause = `(status = ? OR (status = ? AND (heartbeat IS NULL OR heartbeat < ?)))`

// AddTask 插入新的任务记录。
func (s *SQLStore) AddTask(ctx context.Context, id, taskType string, input json.RawMessage) (*Task, error) {
	if err := validateNewTask(id, taskType, input); err != nil {
		return nil, err
	}
	now := s.opts.now().UnixMilli()
	const stmt = `INSERT INTO tasks (id, type, input, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, id, taskType, []byte(input), StatusNotStarted, now, now); err != nil {
		if s.dialect.isConflict(err) {
			return nil, ErrAlreadyExists
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return &Task{
		ID:        id,
		Type:      taskType,
		Input:     cloneRaw(input),
		Status:    StatusNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetTask 查询指定任务。
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, s.db, id, "")
}

func (s *SQLStore) getTask(ctx context.Context, q querier, id, lock string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`+lock, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// StartTask 在一个事务内选出 id 最小的可分配任务并写入新的租约。
func (s *SQLStore) StartTask(ctx context.Context, assignee string) (*Task, error) {
	if assignee == "" {
		return nil, errMissingAssignee
	}
	var claimed *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.opts.now()
		staleBefore := now.Add(-s.opts.leaseTimeout).UnixMilli()
		eligibleArgs := []any{StatusNotStarted, StatusInProgress, staleBefore}

		var id string
		selectStmt := `SELECT id FROM tasks WHERE ` + eligibleClause + ` ORDER BY id LIMIT 1` + s.dialect.claimLock
		if err := tx.QueryRowContext(ctx, selectStmt, eligibleArgs...).Scan(&id); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrNoTasksAvailable
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询可领取任务失败")
		}

		updateStmt := `UPDATE tasks SET status = ?, assignee = ?, heartbeat = ?, updated_at = ? WHERE id = ? AND ` + eligibleClause
		args := append([]any{StatusInProgress, assignee, now.UnixMilli(), now.UnixMilli(), id}, eligibleArgs...)
		res, err := tx.ExecContext(ctx, updateStmt, args...)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务租约失败")
		}
		if affected, err := res.RowsAffected(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		} else if affected == 0 {
			return ErrNoTasksAvailable
		}

		task, err := s.getTask(ctx, tx, id, "")
		if err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatTask 刷新租约，仅在任务处于 in-progress 时成功。
func (s *SQLStore) HeartbeatTask(ctx context.Context, id, assignee string) (*Task, error) {
	return s.mutateLeased(ctx, id, assignee, func(tx *sql.Tx, now int64) (sql.Result, error) {
		return tx.ExecContext(ctx, `UPDATE tasks SET heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
			now, now, id, StatusInProgress)
	})
}

// CompleteTask 写入输出并把任务标记为完成。
func (s *SQLStore) CompleteTask(ctx context.Context, id, assignee string, output json.RawMessage) (*Task, error) {
	if err := validateOutput(output); err != nil {
		return nil, err
	}
	return s.mutateLeased(ctx, id, assignee, func(tx *sql.Tx, now int64) (sql.Result, error) {
		return tx.ExecContext(ctx, `UPDATE tasks SET status = ?, output = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusCompleted, []byte(output), now, id, StatusInProgress)
	})
}

func (s *SQLStore) mutateLeased(ctx context.Context, id, assignee string, update func(tx *sql.Tx, now int64) (sql.Result, error)) (*Task, error) {
	var updated *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getTask(ctx, tx, id, s.dialect.rowLock)
		if err != nil {
			return err
		}
		if current.Status != StatusInProgress || (assignee != "" && current.Assignee != assignee) {
			return ErrNotStarted
		}
		res, err := update(tx, s.opts.now().UnixMilli())
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotStarted
		}
		updated, err = s.getTask(ctx, tx, id, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ListTasks 返回符合过滤条件的任务。
func (s *SQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	switch opts.Order {
	case SortByUpdatedDesc:
		query += " ORDER BY updated_at DESC, id ASC"
	case SortByUpdatedAsc:
		query += " ORDER BY updated_at ASC, id ASC"
	default:
		query += " ORDER BY id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回各状态的任务数量。
func (s *SQLStore) Stats(ctx context.Context) (TaskStats, error) {
	staleBefore := s.opts.now().Add(-s.opts.leaseTimeout).UnixMilli()
	const query = `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? AND (heartbeat IS NULL OR heartbeat < ?) THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(CASE WHEN status <> ? THEN created_at END), 0)
        FROM tasks`

	var stats TaskStats
	err := s.db.QueryRowContext(ctx, query,
		StatusNotStarted, StatusInProgress, StatusCompleted,
		StatusInProgress, staleBefore,
		StatusCompleted,
	).Scan(&stats.Total, &stats.NotStarted, &stats.InProgress, &stats.Completed, &stats.Stale, &stats.OldestOpen)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		input     []byte
		output    []byte
		assignee  sql.NullString
		heartbeat sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.Type, &input, &output, &assignee, &task.Status, &heartbeat, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Input = json.RawMessage(input)
	if len(output) > 0 {
		task.Output = json.RawMessage(output)
	}
	task.Assignee = assignee.String
	if heartbeat.Valid {
		hb := time.UnixMilli(heartbeat.Int64)
		task.Heartbeat = &hb
	}
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, len(opts.Statuses)+2)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Assignee != "" {
		conditions = append(conditions, "assignee = ?")
		args = append(args, opts.Assignee)
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
