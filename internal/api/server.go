package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"HumanLoop/internal/observability/alerting"
	"HumanLoop/internal/observability/metrics"
	"HumanLoop/internal/relay"
	"HumanLoop/internal/task"
	"HumanLoop/internal/workflows"
	"HumanLoop/pkg/logger"
)

// Server 负责暴露人工任务的 HTTP 接口。
type Server struct {
	addr     string
	tasks    *task.Service
	producer relay.Producer
	runner   *workflows.Runner
	limiter  *rate.Limiter
	alerter  alerting.Dispatcher
	logger   *slog.Logger
}

// Option 定义网关的可选配置。
type Option func(*Server)

// WithRelay 设置完成通知的投递目标。未设置时只写任务表。
func WithRelay(producer relay.Producer) Option {
	return func(s *Server) {
		s.producer = producer
	}
}

// WithWorkflows 挂载演示工作流的启动与查询接口。
func WithWorkflows(runner *workflows.Runner) Option {
	return func(s *Server) {
		s.runner = runner
	}
}

// WithRateLimit 启用令牌桶限流，rps 不大于 0 时不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = int(rps)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Server) {
		s.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造网关实例。
func NewServer(addr string, svc *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: svc, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /start", s.route("start", s.handleStart))
	mux.Handle("POST /heartbeat/{taskId}", s.route("heartbeat", s.handleHeartbeat))
	mux.Handle("POST /complete/{taskId}", s.route("complete", s.handleComplete))
	mux.Handle("GET /list", s.route("list", s.handleList))
	mux.Handle("GET /tasks/{taskId}", s.route("task", s.handleTaskDetail))
	mux.Handle("GET /stats", s.route("stats", s.handleStats))
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	if s.runner != nil {
		mux.Handle("POST /workflows/{name}", s.route("workflow_start", s.handleStartWorkflow))
		mux.Handle("GET /workflows/{runId}", s.route("workflow_get", s.handleGetWorkflow))
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("网关开始监听", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 为业务路由叠加限流与指标。
func (s *Server) route(name string, fn http.HandlerFunc) http.Handler {
	return s.instrument(name, s.rateLimit(fn))
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
