package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"vidvault/internal/api"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultReadTimeout       = 5 * time.Minute
	defaultWriteTimeout      = 10 * time.Minute
	defaultIdleTimeout       = 60 * time.Second

	redactedAccessPath = "/api/videos/:token"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr string
	TLS  TLSConfig
	// APIToken guards every /api route except capability link access. Empty
	// disables authentication.
	APIToken  string
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// TrustProxyHeaders makes client IP resolution honour X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
	Logger            *slog.Logger
	Metrics           *metrics.Recorder

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	certFile := strings.TrimSpace(cfg.TLS.CertFile)
	keyFile := strings.TrimSpace(cfg.TLS.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/videos/upload", handler.Upload)
	mux.HandleFunc("/api/videos/trim", handler.Trim)
	mux.HandleFunc("/api/videos/merge", handler.Merge)
	mux.HandleFunc("/api/videos/generate-link", handler.GenerateLink)
	mux.HandleFunc("/api/videos", handler.ListVideos)
	mux.HandleFunc("/api/videos/", handler.VideoByPath)

	ips := clientIPResolver{trustProxyHeaders: cfg.TrustProxyHeaders}
	rl := newRateLimiter(cfg.RateLimit)

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(cfg.APIToken, handlerChain)
	handlerChain = rateLimitMiddleware(rl, ips, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		RedactPath:        redactPath,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", ips.resolve(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: durationOr(cfg.ReadHeaderTimeout, defaultReadHeaderTimeout),
		ReadTimeout:       durationOr(cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout:      durationOr(cfg.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:       durationOr(cfg.IdleTimeout, defaultIdleTimeout),
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if certFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:  httpServer,
		handler:     handlerChain,
		rateLimiter: rl,
		tlsCertFile: certFile,
		tlsKeyFile:  keyFile,
	}, nil
}

// HTTPServer returns the configured server, ready for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// TLSFiles returns the certificate and key paths, both empty when TLS is off.
func (s *Server) TLSFiles() (string, string) {
	return s.tlsCertFile, s.tlsKeyFile
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

// isAccessPath reports whether path is a capability link, /api/videos/{token}.
func isAccessPath(path string) bool {
	rest := strings.TrimPrefix(path, "/api/videos/")
	if rest == path {
		return false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return false
	}
	switch rest {
	case "upload", "trim", "merge", "generate-link":
		return false
	}
	return true
}

// redactPath hides capability tokens from request logs.
func redactPath(path string) string {
	if isAccessPath(path) {
		return redactedAccessPath
	}
	return path
}

type clientIPResolver struct {
	trustProxyHeaders bool
}

func (c clientIPResolver) resolve(r *http.Request) string {
	if c.trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
