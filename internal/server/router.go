package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/readyd/internal/handshake"
	"github.com/loykin/readyd/internal/ready"
)

// Readiness is the part of ready.Manager the API serves.
type Readiness interface {
	IsReady(ctx context.Context) (bool, error)
	Snapshot(ctx context.Context) (ready.Snapshot, error)
	ClearHandshake(ctx context.Context) error
}

// Router provides embeddable HTTP handlers for the readiness API.
// Endpoints:
//
//	GET    {basePath}/ready       query: timeout=5m (optional); blocks until ready
//	GET    {basePath}/status      worker, handshake and waiter state
//	GET    {basePath}/handshake   current handshake record, 404 when absent
//	DELETE {basePath}/handshake   remove the handshake record
//	GET    /metrics               when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	rd       Readiness
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(rd Readiness, basePath string) *Router {
	return &Router{rd: rd, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// Register adds the API routes to an existing gin engine.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/ready", r.handleReady)
	group.GET("/status", r.handleStatus)
	group.GET("/handshake", r.handleGetHandshake)
	group.DELETE("/handshake", r.handleClearHandshake)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
}

// NewServer listens on addr and serves the router in the background, over
// HTTPS when tc is non-nil. Listen errors are returned immediately.
func NewServer(addr string, r *Router, tc *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tc,
		// no WriteTimeout: /ready blocks for as long as the worker needs to start
	}
	go func() {
		var err error
		if tc != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// ReadyResp is the body of GET /ready.
type ReadyResp struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// HandshakeResp is the body of GET /handshake.
type HandshakeResp struct {
	Record *handshake.Record `json:"record"`
}

func (r *Router) handleReady(c *gin.Context) {
	ctx := c.Request.Context()
	if ts := c.Query("timeout"); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + ts})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ok, err := r.rd.IsReady(ctx)
	if err != nil {
		writeJSON(c, readyStatus(err), ReadyResp{Ready: false, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ReadyResp{Ready: ok})
}

// readyStatus maps "the worker did not become ready" to 503 and internal
// faults to 500.
func readyStatus(err error) int {
	switch {
	case errors.Is(err, ready.ErrStartupFailed),
		errors.Is(err, ready.ErrProcessGone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	s, err := r.rd.Snapshot(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleGetHandshake(c *gin.Context) {
	s, err := r.rd.Snapshot(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if s.HandshakeError != "" {
		writeJSON(c, http.StatusUnprocessableEntity, errorResp{Error: s.HandshakeError})
		return
	}
	if s.Handshake == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no handshake record"})
		return
	}
	writeJSON(c, http.StatusOK, HandshakeResp{Record: s.Handshake})
}

func (r *Router) handleClearHandshake(c *gin.Context) {
	if err := r.rd.ClearHandshake(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
