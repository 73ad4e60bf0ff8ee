// Package httpfront exposes the media server over HTTP: UPnP descriptors,
// SOAP control endpoints, event subscriptions and media streaming.
package httpfront

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go2tv.app/mini-dlna/internal/contentdir"
	"go2tv.app/mini-dlna/internal/metrics"
	"go2tv.app/mini-dlna/internal/stream"
	"go2tv.app/mini-dlna/internal/thumbcache"
)

// actionHandler answers one SOAP action of a service.
type actionHandler func(ctx context.Context, action string, argsXML []byte, host string) (map[string]string, error)

type Options struct {
	FriendlyName string
	UUID         string

	Content    *contentdir.Service
	Streamer   *stream.Streamer
	Thumbnails *thumbcache.Cache
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Server struct {
	device     deviceInfo
	content    *contentdir.Service
	streamer   *stream.Streamer
	thumbnails *thumbcache.Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger

	services map[string]actionHandler
	started  time.Time
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	thumbs := opts.Thumbnails
	if thumbs == nil {
		thumbs = thumbcache.New(128, 4<<20)
	}
	s := &Server{
		device:     newDeviceInfo(opts.FriendlyName, opts.UUID),
		content:    opts.Content,
		streamer:   opts.Streamer,
		thumbnails: thumbs,
		metrics:    opts.Metrics,
		logger:     logger,
		started:    time.Now(),
	}
	s.services = map[string]actionHandler{
		serviceContentDirectory:  s.content.Handle,
		serviceConnectionManager: connectionManager,
		serviceAVTransport:       avTransport,
	}
	return s
}

// Handler returns the routing table of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /description.xml", s.withMetrics("/description.xml", s.handleDescriptor(tmplDevice)))
	mux.HandleFunc("GET /ContentDirectory.xml", s.withMetrics("/ContentDirectory.xml", s.handleDescriptor(tmplContentDirectory)))
	mux.HandleFunc("GET /ConnectionManager.xml", s.withMetrics("/ConnectionManager.xml", s.handleDescriptor(tmplConnectionManager)))
	mux.HandleFunc("GET /AVTransport.xml", s.withMetrics("/AVTransport.xml", s.handleDescriptor(tmplAVTransport)))

	mux.HandleFunc("POST /{service}/control", s.withMetrics("/control", s.handleControl))
	mux.HandleFunc("SUBSCRIBE /{service}/event", s.withMetrics("/event", s.handleSubscribe))
	mux.HandleFunc("UNSUBSCRIBE /{service}/event", s.withMetrics("/event", s.handleUnsubscribe))

	mux.HandleFunc("GET /media/", s.withMetrics("/media", s.handleMedia))
	mux.HandleFunc("GET /art/{id...}", s.withMetrics("/art", s.handleArt))
	mux.HandleFunc("GET /health", s.withMetrics("/health", s.handleHealth))
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// withMetrics records the status and latency of every request on route.
func (s *Server) withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		handler(rec, r)

		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(route, rec.status, elapsed)
		s.logger.Debug("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}
