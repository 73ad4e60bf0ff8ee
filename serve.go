package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/mini-dlna/internal/adapters"
	go2tvadapters "go2tv.app/mini-dlna/internal/adapters/go2tv"
	"go2tv.app/mini-dlna/internal/buildinfo"
	"go2tv.app/mini-dlna/internal/config"
	"go2tv.app/mini-dlna/internal/contentdir"
	"go2tv.app/mini-dlna/internal/domain"
	"go2tv.app/mini-dlna/internal/httpfront"
	"go2tv.app/mini-dlna/internal/metrics"
	"go2tv.app/mini-dlna/internal/netutil"
	"go2tv.app/mini-dlna/internal/search"
	"go2tv.app/mini-dlna/internal/ssdp"
	"go2tv.app/mini-dlna/internal/stream"
	"go2tv.app/mini-dlna/internal/thumbcache"
)

const shutdownTimeout = 5 * time.Second

var (
	listenTCP = net.Listen
	detectIP  = netutil.LocalIP
	runSSDP   = func(ctx context.Context, e *ssdp.Engine) error { return e.Run(ctx) }
)

func serverInfo() string {
	return "UPnP/1.0 DLNADOC/1.50 " + serverName + "/" + buildinfo.Version
}

// run serves HTTP and SSDP until ctx ends. Only an HTTP bind failure is
// returned; SSDP problems leave the server reachable by direct URL.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var m *metrics.Metrics
	if cfg.Metrics.IsEnabled() {
		m = metrics.New()
	}

	bundle := go2tvadapters.NewBundle(go2tvadapters.Options{
		FFmpegPath: cfg.Metadata.FFmpegPath,
		ReadTags:   cfg.Metadata.TagsEnabled(),
	})

	var searcher adapters.Searcher
	if cfg.Search.IsEnabled() {
		searcher = search.NewWalker(cfg.SharedPaths, logger.With(slog.String("component", "search")))
	}

	content := contentdir.New(contentdir.Options{
		SharedPaths:      cfg.SharedPaths,
		RootTitle:        cfg.Server.FriendlyName,
		Tags:             bundle.Tags,
		Mime:             bundle.Mime,
		Searcher:         searcher,
		MaxSearchResults: cfg.Search.MaxResults,
		Logger:           logger.With(slog.String("component", "contentdir")),
		Metrics:          m,
	})
	streamer := stream.New(stream.Options{
		ChunkSize: cfg.Streaming.ChunkSize,
		Tags:      bundle.Tags,
		Logger:    logger.With(slog.String("component", "stream")),
		Metrics:   m,
	})
	front := httpfront.New(httpfront.Options{
		FriendlyName: cfg.Server.FriendlyName,
		UUID:         cfg.Server.UUID,
		Content:      content,
		Streamer:     streamer,
		Thumbnails:   thumbcache.New(cfg.Thumbnails.CacheEntries, cfg.Thumbnails.MaxBytes),
		Metrics:      m,
		Logger:       logger.With(slog.String("component", "http")),
	})

	ln, err := listenTCP("tcp", cfg.ListenAddr())
	if err != nil {
		return domain.NewError(domain.KindConfigurationFatal, "bind http", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	httpServer := &http.Server{
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http_listening", slog.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_failed", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		advertised, err := advertisedIP(cfg.Server.Address)
		if err != nil {
			logger.Warn("ssdp_unavailable", slog.String("error", err.Error()))
			return nil
		}
		engine := ssdp.New(ssdp.Config{
			UUID:             cfg.Server.UUID,
			Location:         "http://" + net.JoinHostPort(advertised.String(), strconv.Itoa(port)) + "/description.xml",
			Server:           serverInfo(),
			MaxAge:           cfg.SSDP.MaxAge,
			InitialInterval:  cfg.SSDP.GetInitialInterval(),
			MaxInterval:      cfg.SSDP.GetMaxInterval(),
			BackoffWarnRatio: cfg.SSDP.BackoffWarnRatio,
			LocalIP:          advertised,
			Interfaces:       cfg.Server.Interfaces,
			Logger:           logger.With(slog.String("component", "ssdp")),
			Metrics:          m,
		})
		if err := runSSDP(gctx, engine); err != nil {
			logger.Warn("ssdp_unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// advertisedIP is the configured bind address when it is specific, the
// detected LAN address otherwise.
func advertisedIP(address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil && !ip.IsUnspecified() && ip.To4() != nil {
		return ip.To4(), nil
	}
	ip, err := detectIP()
	if err != nil {
		return nil, domain.NewError(domain.KindComponentUnavailable, "detect local ip", err)
	}
	return ip, nil
}
