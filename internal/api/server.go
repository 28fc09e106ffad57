package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"Cryptobot-Chain/internal/identity"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/observability/metrics"
	"Cryptobot-Chain/internal/tx"
	"Cryptobot-Chain/pkg/logger"
)

// maxBodyBytes 限制单个请求体的大小。
const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部部署与调用机器人。
type Server struct {
	addr             string
	ledger           *ledger.Service
	txs              *tx.Service
	metrics          *metrics.Metrics
	metricsPath      string
	requireSignature bool
	signatureSkew    time.Duration
	replay           *identity.ReplayGuard
	shutdownTimeout  time.Duration
	logger           *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTransactions 启用异步交易接口。
func WithTransactions(txs *tx.Service) Option {
	return func(s *Server) {
		s.txs = txs
	}
}

// WithMetrics 在 path 上暴露 Prometheus 指标并记录请求指标。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithSignatureRequired 要求写请求携带 X-Bot-Signature。
func WithSignatureRequired(required bool) Option {
	return func(s *Server) {
		s.requireSignature = required
	}
}

// WithSignatureSkew 设置签名时间戳与服务器时钟允许的最大偏差。
func WithSignatureSkew(skew time.Duration) Option {
	return func(s *Server) {
		if skew > 0 {
			s.signatureSkew = skew
		}
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ledgerSvc *ledger.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		ledger:          ledgerSvc,
		metricsPath:     "/metrics",
		signatureSkew:   identity.DefaultMaxSkew,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.replay = identity.NewReplayGuard(s.signatureSkew)
	s.logger = logger.Named("api")
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/bots", s.handleDeploy)
	s.route(mux, "GET /api/v1/bots", s.handleListBots)
	s.route(mux, "GET /api/v1/bots/{id}", s.handleGetBot)
	s.route(mux, "POST /api/v1/bots/{id}/calls", s.handleInvoke)
	s.route(mux, "GET /api/v1/bots/{id}/calls", s.handleListCalls)
	s.route(mux, "POST /api/v1/bots/{id}/transactions", s.handleSubmit)
	s.route(mux, "GET /api/v1/transactions/{tx_id}", s.handleTransaction)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

// route 为处理器加上请求体限制与请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		}
		h(rec, r)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
		s.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(started)))
	})
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
