package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/ingestion"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
	"github.com/wonj1012/blockchain-simulator/internal/query"
)

const maxBodyBytes = 64 << 10

// Deps holds everything the HTTP API serves. Intake and Feed may be nil;
// their endpoints then answer 503 and 404.
type Deps struct {
	Query   *query.Service
	Intake  *ingestion.Intake
	Health  *observability.HealthChecker
	Feed    *Hub
	Limiter *RateLimiter
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// HTTPServer serves the JSON API on a grpc-gateway mux plus health
// probes and the websocket feed.
type HTTPServer struct {
	addr    string
	handler http.Handler
	deps    Deps
}

func NewHTTPServer(addr string, deps Deps) (*HTTPServer, error) {
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(0, 0)
	}
	s := &HTTPServer{addr: addr, deps: deps}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, endpoint string
		h                         func(r *http.Request, params map[string]string) (any, int, error)
	}{
		{"GET", "/v1/status", "status", s.status},
		{"GET", "/v1/tokens", "tokens", s.tokens},
		{"GET", "/v1/pools", "pools", s.pools},
		{"GET", "/v1/pools/history", "pool_history", s.poolHistory},
		{"GET", "/v1/blocks/{number}", "block", s.block},
		{"GET", "/v1/accounts/{address}", "account", s.account},
		{"GET", "/v1/accounts/{address}/history", "account_history", s.accountHistory},
		{"POST", "/v1/transactions", "submit", s.submit},
		{"GET", "/v1/admin/integrity", "integrity", s.integrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.endpoint, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.Feed != nil {
		httpMux.HandleFunc("/ws/blocks", deps.Feed.ServeWS)
	}
	httpMux.Handle("/", mux)

	s.handler = httpMux
	return s, nil
}

// Handler exposes the routes for embedding and tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Serve serves on lis until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *HTTPServer) status(r *http.Request, _ map[string]string) (any, int, error) {
	resp, err := s.deps.Query.Status(r.Context())
	return resp, http.StatusOK, err
}

func (s *HTTPServer) tokens(r *http.Request, _ map[string]string) (any, int, error) {
	resp, err := s.deps.Query.Tokens(r.Context())
	return resp, http.StatusOK, err
}

func (s *HTTPServer) pools(r *http.Request, _ map[string]string) (any, int, error) {
	resp, err := s.deps.Query.Pools(r.Context())
	return resp, http.StatusOK, err
}

func (s *HTTPServer) poolHistory(r *http.Request, _ map[string]string) (any, int, error) {
	q := r.URL.Query()
	contractName, pair := q.Get("contract"), q.Get("pair")
	if contractName == "" || pair == "" {
		return nil, 0, errBadRequest("contract and pair are required")
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.deps.Query.PoolHistory(r.Context(), contractName, pair, limit)
	return resp, http.StatusOK, err
}

func (s *HTTPServer) block(r *http.Request, params map[string]string) (any, int, error) {
	number := int64(-1)
	if raw := params["number"]; raw != "latest" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, errBadRequest(fmt.Sprintf("block number %q", raw))
		}
		number = n
	}
	resp, err := s.deps.Query.Block(r.Context(), number)
	return resp, http.StatusOK, err
}

func (s *HTTPServer) account(r *http.Request, params map[string]string) (any, int, error) {
	addr, err := ledger.ParseAddress(params["address"])
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.deps.Query.Account(r.Context(), addr)
	return resp, http.StatusOK, err
}

func (s *HTTPServer) accountHistory(r *http.Request, params map[string]string) (any, int, error) {
	addr, err := ledger.ParseAddress(params["address"])
	if err != nil {
		return nil, 0, err
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.deps.Query.AccountHistory(r.Context(), addr, limit)
	return resp, http.StatusOK, err
}

func (s *HTTPServer) integrity(r *http.Request, _ map[string]string) (any, int, error) {
	resp, err := s.deps.Query.VerifyIntegrity(r.Context())
	return resp, http.StatusOK, err
}

// SubmitResponse acknowledges a transaction submission.
type SubmitResponse struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Outcome        ingestion.Outcome `json:"outcome"`
}

func (s *HTTPServer) submit(r *http.Request, _ map[string]string) (any, int, error) {
	if s.deps.Intake == nil {
		return nil, 0, query.ErrUnavailable.Wrap("transaction intake disabled")
	}
	if !s.deps.Limiter.Allow(r) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRateLimited.Inc()
		}
		return nil, 0, errTooManyRequests
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, errBadRequest("read body")
	}
	req, err := ingestion.DecodeTxRequest(body)
	if err != nil {
		return nil, 0, err
	}
	outcome, err := s.deps.Intake.Accept(req)
	if err != nil {
		return nil, 0, err
	}

	code := http.StatusAccepted
	if outcome == ingestion.OutcomeDuplicate {
		code = http.StatusOK
	}
	return SubmitResponse{IdempotencyKey: req.IdempotencyKey, Outcome: outcome}, code, nil
}

// ============================================================================
// Plumbing
// ============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Codespace string `json:"codespace,omitempty"`
	Code      uint32 `json:"code,omitempty"`
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

var errTooManyRequests = &httpError{status: http.StatusTooManyRequests, msg: "rate limit exceeded"}

func errBadRequest(msg string) error {
	return &httpError{status: http.StatusBadRequest, msg: msg}
}

func (s *HTTPServer) wrap(endpoint string, h func(*http.Request, map[string]string) (any, int, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, code, err := h(r, params)
		if err != nil {
			code = statusOf(err)
			codespace, abciCode, msg := errorsmod.ABCIInfo(err, false)
			if code == http.StatusInternalServerError {
				s.deps.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
			}
			var he *httpError
			if errors.As(err, &he) {
				codespace, abciCode, msg = "", 0, he.msg
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			}
			body = ErrorResponse{Error: msg, Codespace: codespace, Code: abciCode}
		}

		writeJSON(w, code, body)
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func statusOf(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, ledger.ErrUnknownContract),
		errors.Is(err, ledger.ErrBlockNotFound),
		errors.Is(err, ledger.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, ledger.ErrUnknownFunction):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrUnavailable),
		errors.Is(err, ingestion.ErrIntakeClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errBadRequest(fmt.Sprintf("limit %q", raw))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
