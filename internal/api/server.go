package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"PairAgent-Chain/internal/agent"
	"PairAgent-Chain/internal/auth"
	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/journal"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/observability/metrics"
	"PairAgent-Chain/pkg/logger"
)

// AgentDirectory 提供按名称查找代理的能力。
type AgentDirectory interface {
	Agents() []*agent.Agent
	Agent(name string) (*agent.Agent, bool)
}

// TransferLister 查询最近的转账流水。
type TransferLister interface {
	ListLatest(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server 负责暴露 REST 接口，供运维查看和驱动代理。
type Server struct {
	addr            string
	agents          AgentDirectory
	transfers       TransferLister
	shutdownTimeout time.Duration
	auth            *auth.Service
	log             *slog.Logger
}

// Option 调整 Server 的可选参数。
type Option func(*Server)

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithAuth 为 /api/v1 下的路由启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithLogger 指定请求日志使用的 logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, agents AgentDirectory, transfers TransferLister, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agents:          agents,
		transfers:       transfers,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 返回挂载全部路由的 chi 路由器。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionRead},
			http.MethodPost: {auth.PermissionWrite},
		}}))
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{name}", s.handleAgentDetail)
		r.Post("/agents/{name}/inbox", s.handleEnqueue)
		r.Get("/transfers", s.handleListTransfers)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.agents != nil {
		states := make(map[string]agent.State)
		for _, a := range s.agents.Agents() {
			states[a.Name()] = a.State()
		}
		status["agents"] = states
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, "代理未初始化")
		return
	}
	var out []agent.Status
	for _, a := range s.agents.Agents() {
		out = append(out, a.Snapshot(r.Context()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot(r.Context()))
}

type enqueueRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// handleEnqueue 将一条消息投递到指定代理的收件箱。
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type 不能为空")
		return
	}
	if req.Sender == "" {
		req.Sender = auth.SubjectName(r.Context(), "operator")
	}

	msg := mailbox.NewMessage(req.Type, req.Content).From(req.Sender)
	if err := a.Inbox().Enqueue(r.Context(), msg); err != nil {
		switch xerrors.CodeOf(err) {
		case mailbox.CodeMailboxFull:
			writeError(w, http.StatusTooManyRequests, err.Error())
		case mailbox.CodeMailboxClosed:
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if s.transfers == nil {
		writeError(w, http.StatusServiceUnavailable, "转账流水未启用")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit 必须为正整数")
			return
		}
		limit = parsed
	}

	entries, err := s.transfers.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	if s.agents == nil {
		writeError(w, http.StatusServiceUnavailable, "代理未初始化")
		return nil, false
	}
	name := chi.URLParam(r, "name")
	a, ok := s.agents.Agent(name)
	if !ok {
		writeError(w, http.StatusNotFound, "代理不存在: "+name)
		return nil, false
	}
	return a, true
}

// observe 记录请求指标和访问日志，handler 标签使用路由模板。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(route, r.Method, status, elapsed)
		s.log.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("latency", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
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
